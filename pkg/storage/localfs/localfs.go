// Package localfs is a path-per-node blob store mirroring the virtual tree
// on a local directory. Locators are slash-separated paths relative to the
// store root. Unlike blobfs there is no deduplication: every node owns its
// bytes, and move/rename are real filesystem operations whose returned
// locator the factory persists.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/storage"
)

// Store is a path-based local blob store.
type Store struct {
	root string
}

var _ storage.Adapter = (*Store)(nil)

// New creates a localfs store rooted at dir.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"tree", "staging"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("preparing localfs root: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

// Kind implements storage.Adapter.
func (s *Store) Kind() string {
	return "localfs"
}

// abs maps a locator to its absolute path, refusing escapes from the root.
func (s *Store) abs(locator string) (string, error) {
	cleaned := path.Clean("/" + locator)
	if strings.Contains(cleaned, "..") {
		return "", fserrors.NewInvalidArgumentError("locator escapes store root")
	}
	return filepath.Join(s.root, "tree", filepath.FromSlash(cleaned)), nil
}

func (s *Store) stagingPath(session storage.SessionID) string {
	return filepath.Join(s.root, "staging", string(session))
}

// CreateCollection implements storage.Adapter.
func (s *Store) CreateCollection(ctx context.Context, parentLocator, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	locator := path.Join(parentLocator, name)
	abs, err := s.abs(locator)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", fmt.Errorf("creating collection dir: %w", err)
	}
	return locator, nil
}

// NewSession implements storage.Adapter.
func (s *Store) NewSession(ctx context.Context) (storage.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := storage.SessionID(uuid.NewString())
	if err := os.MkdirAll(s.stagingPath(id), 0o750); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	return id, nil
}

// WriteChunk implements storage.Adapter.
func (s *Store) WriteChunk(ctx context.Context, session storage.SessionID, r io.Reader) (int64, error) {
	if _, err := os.Stat(s.stagingPath(session)); os.IsNotExist(err) {
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
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(s.stagingPath(session))
}

// StoreFile implements storage.Adapter. The hint is the destination path
// relative to the store root.
func (s *Store) StoreFile(ctx context.Context, session storage.SessionID, hint string) (storage.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.PutResult{}, err
	}
	if _, err := os.Stat(s.stagingPath(session)); os.IsNotExist(err) {
		return storage.PutResult{}, fserrors.NewSessionNotFoundError(string(session))
	}
	if hint == "" {
		hint = uuid.NewString()
	}

	dest, err := s.abs(hint)
	if err != nil {
		return storage.PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return storage.PutResult{}, fmt.Errorf("preparing destination dir: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("creating destination file: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	var size int64

	staged := filepath.Join(s.stagingPath(session), "data")
	if src, err := os.Open(staged); err == nil {
		size, err = io.Copy(io.MultiWriter(out, hasher), src)
		src.Close()
		if err != nil {
			return storage.PutResult{}, fmt.Errorf("finalizing upload: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return storage.PutResult{}, fmt.Errorf("opening staged upload: %w", err)
	}

	if err := os.RemoveAll(s.stagingPath(session)); err != nil {
		return storage.PutResult{}, err
	}

	return storage.PutResult{
		Locator: path.Clean("/" + hint),
		Size:    size,
		Hash:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Reference implements storage.Adapter. Path stores copy the bytes.
func (s *Store) Reference(ctx context.Context, locator, hint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := s.abs(locator)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fserrors.NewBlobNotFoundError(locator)
		}
		return "", fmt.Errorf("opening source blob: %w", err)
	}
	defer in.Close()

	if hint == "" {
		hint = uuid.NewString()
	}
	dest, err := s.abs(hint)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", err
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("copying blob: %w", err)
	}
	return path.Clean("/" + hint), nil
}

// OpenReadStream implements storage.Adapter.
func (s *Store) OpenReadStream(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := s.abs(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserrors.NewBlobNotFoundError(locator)
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// DeleteFile implements storage.Adapter. Soft deletion keeps the bytes in
// place; visibility is governed by metadata alone.
func (s *Store) DeleteFile(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// ForceDeleteFile implements storage.Adapter.
func (s *Store) ForceDeleteFile(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := s.abs(locator)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

// Move implements storage.Adapter.
func (s *Store) Move(ctx context.Context, locator, newParentLocator string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	newLocator := path.Join(newParentLocator, path.Base(locator))
	if err := s.rename(locator, newLocator); err != nil {
		return "", err
	}
	return newLocator, nil
}

// Rename implements storage.Adapter.
func (s *Store) Rename(ctx context.Context, locator, newName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	newLocator := path.Join(path.Dir(locator), newName)
	if err := s.rename(locator, newLocator); err != nil {
		return "", err
	}
	return newLocator, nil
}

func (s *Store) rename(from, to string) error {
	absFrom, err := s.abs(from)
	if err != nil {
		return err
	}
	absTo, err := s.abs(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absFrom); os.IsNotExist(err) {
		return fserrors.NewBlobNotFoundError(from)
	}
	if err := os.MkdirAll(filepath.Dir(absTo), 0o750); err != nil {
		return err
	}
	if err := os.Rename(absFrom, absTo); err != nil {
		return fmt.Errorf("relocating blob: %w", err)
	}
	return nil
}

// Undelete implements storage.Adapter.
func (s *Store) Undelete(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// Readonly implements storage.Adapter.
func (s *Store) Readonly(ctx context.Context, locator string, readonly bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := s.abs(locator)
	if err != nil {
		return "", err
	}
	mode := os.FileMode(0o640)
	if readonly {
		mode = 0o440
	}
	if err := os.Chmod(abs, mode); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("toggling write protection: %w", err)
	}
	return locator, nil
}
