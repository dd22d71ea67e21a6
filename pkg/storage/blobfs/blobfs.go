// Package blobfs is a content-addressed blob store on the local filesystem.
//
// Blobs live under <root>/blobs/<h[0:2]>/<hash> and are shared by every node
// and file version carrying the same content digest; reference counts are
// tracked in a badger-backed refindex. Staged uploads accumulate under
// <root>/staging/<session>.
//
// Locators are the hex SHA-256 content digest. Because the store is
// content-addressed, move/rename/undelete/readonly are identity transforms
// and collections need no physical representation.
package blobfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/storage"
	"github.com/balloonfs/balloon/pkg/storage/refindex"
)

// Store is a content-addressed local blob store.
type Store struct {
	root string
	refs *refindex.Index
}

var _ storage.Adapter = (*Store)(nil)
var _ storage.RefCounter = (*Store)(nil)

// New creates a blobfs store rooted at dir, tracking references in refs.
func New(dir string, refs *refindex.Index) (*Store, error) {
	for _, sub := range []string{"blobs", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("preparing blobfs root: %w", err)
		}
	}
	return &Store{root: dir, refs: refs}, nil
}

// Kind implements storage.Adapter.
func (s *Store) Kind() string {
	return "blobfs"
}

func (s *Store) blobPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, "blobs", hash)
	}
	return filepath.Join(s.root, "blobs", hash[:2], hash)
}

func (s *Store) stagingPath(session storage.SessionID) string {
	return filepath.Join(s.root, "staging", string(session))
}

// CreateCollection implements storage.Adapter. Content-addressed stores have
// no physical directories.
func (s *Store) CreateCollection(ctx context.Context, _, _ string) (string, error) {
	return "", ctx.Err()
}

// NewSession implements storage.Adapter.
func (s *Store) NewSession(ctx context.Context) (storage.SessionID, error) {
	id := storage.SessionID(uuid.NewString())
	if err := os.MkdirAll(s.stagingPath(id), 0o750); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	if err := s.refs.PutSession(ctx, string(id)); err != nil {
		return "", err
	}
	return id, nil
}

// WriteChunk implements storage.Adapter.
func (s *Store) WriteChunk(ctx context.Context, session storage.SessionID, r io.Reader) (int64, error) {
	ok, err := s.refs.SessionExists(ctx, string(session))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fserrors.NewSessionNotFoundError(string(session))
	}

	f, err := os.OpenFile(filepath.Join(s.stagingPath(session), "data"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return 0, fmt.Errorf("opening staging file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("writing chunk: %w", err)
	}
	return n, ctx.Err()
}

// AbortSession implements storage.Adapter.
func (s *Store) AbortSession(ctx context.Context, session storage.SessionID) error {
	if err := s.refs.DeleteSession(ctx, string(session)); err != nil {
		return err
	}
	return os.RemoveAll(s.stagingPath(session))
}

// StoreFile implements storage.Adapter. Deduplicates by content hash: an
// already-present blob only gains a reference. The destination hint is
// ignored.
func (s *Store) StoreFile(ctx context.Context, session storage.SessionID, _ string) (storage.PutResult, error) {
	ok, err := s.refs.SessionExists(ctx, string(session))
	if err != nil {
		return storage.PutResult{}, err
	}
	if !ok {
		return storage.PutResult{}, fserrors.NewSessionNotFoundError(string(session))
	}

	staged := filepath.Join(s.stagingPath(session), "data")
	src, err := os.Open(staged)
	if err != nil {
		if os.IsNotExist(err) {
			// Session without chunks stores the empty blob.
			return s.finalize(ctx, session, func(w io.Writer) (int64, error) { return 0, nil })
		}
		return storage.PutResult{}, fmt.Errorf("opening staged upload: %w", err)
	}
	defer src.Close()

	return s.finalize(ctx, session, func(w io.Writer) (int64, error) {
		return io.Copy(w, src)
	})
}

// finalize hashes the staged content into a temp file, then either adopts it
// as a new blob or discards it in favor of an existing one.
func (s *Store) finalize(ctx context.Context, session storage.SessionID, copyTo func(io.Writer) (int64, error)) (storage.PutResult, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "staging"), "finalize-*")
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := copyTo(io.MultiWriter(tmp, hasher))
	closeErr := tmp.Close()
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("hashing staged upload: %w", err)
	}
	if closeErr != nil {
		return storage.PutResult{}, closeErr
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	dest := s.blobPath(hash)

	// Physical blob first, refcount second: a crash in between leaves an
	// orphaned-but-harmless blob for the GC sweep.
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return storage.PutResult{}, fmt.Errorf("preparing blob dir: %w", err)
		}
		if err := os.Rename(tmpName, dest); err != nil {
			return storage.PutResult{}, fmt.Errorf("adopting blob: %w", err)
		}
	} else {
		metrics.BlobsDeduplicated.Inc()
	}

	if _, err := s.refs.Increment(ctx, hash); err != nil {
		return storage.PutResult{}, err
	}

	if err := s.refs.DeleteSession(ctx, string(session)); err != nil {
		return storage.PutResult{}, err
	}
	if err := os.RemoveAll(s.stagingPath(session)); err != nil {
		return storage.PutResult{}, err
	}

	return storage.PutResult{Locator: hash, Size: size, Hash: hash}, nil
}

// Reference implements storage.Adapter.
func (s *Store) Reference(ctx context.Context, locator, _ string) (string, error) {
	if _, err := os.Stat(s.blobPath(locator)); os.IsNotExist(err) {
		return "", fserrors.NewBlobNotFoundError(locator)
	}
	if _, err := s.refs.Increment(ctx, locator); err != nil {
		return "", err
	}
	return locator, nil
}

// OpenReadStream implements storage.Adapter.
func (s *Store) OpenReadStream(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(locator))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserrors.NewBlobNotFoundError(locator)
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// DeleteFile implements storage.Adapter. Soft deletion keeps the blob.
func (s *Store) DeleteFile(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// ForceDeleteFile implements storage.Adapter.
func (s *Store) ForceDeleteFile(ctx context.Context, locator string) error {
	count, err := s.refs.Decrement(ctx, locator)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if err := os.Remove(s.blobPath(locator)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

// Move implements storage.Adapter. Identity transform for content-addressed
// storage.
func (s *Store) Move(ctx context.Context, locator, _ string) (string, error) {
	return locator, ctx.Err()
}

// Rename implements storage.Adapter.
func (s *Store) Rename(ctx context.Context, locator, _ string) (string, error) {
	return locator, ctx.Err()
}

// Undelete implements storage.Adapter.
func (s *Store) Undelete(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// Readonly implements storage.Adapter.
func (s *Store) Readonly(ctx context.Context, locator string, _ bool) (string, error) {
	return locator, ctx.Err()
}

// SweepStaging aborts staged upload sessions older than maxAge and returns
// how many were removed. Run periodically by the scheduler; abandoned
// sessions hold disk but no references, so sweeping them is always safe.
func (s *Store) SweepStaging(ctx context.Context, maxAge time.Duration) (int, error) {
	expired, err := s.refs.ExpiredSessions(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range expired {
		if err := s.AbortSession(ctx, storage.SessionID(id)); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// RefCount implements storage.RefCounter.
func (s *Store) RefCount(ctx context.Context, locator string) (int64, error) {
	return s.refs.Count(ctx, locator)
}

// BlobExists reports whether the physical blob is present. Used by the GC
// sweep and tests.
func (s *Store) BlobExists(locator string) bool {
	_, err := os.Stat(s.blobPath(locator))
	return err == nil
}
