// Package nullstore is a no-op storage adapter for dry runs. Content is
// discarded on write and reads return empty streams; hashes and sizes are
// still computed so metadata stays coherent.
package nullstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/storage"
)

// Store discards all content.
type Store struct {
	mu       sync.Mutex
	sessions map[storage.SessionID]*session
}

type session struct {
	hasher interface {
		io.Writer
		Sum([]byte) []byte
	}
	size int64
}

var _ storage.Adapter = (*Store)(nil)

// New creates a null store.
func New() *Store {
	return &Store{sessions: make(map[storage.SessionID]*session)}
}

// Kind implements storage.Adapter.
func (s *Store) Kind() string {
	return "null"
}

// CreateCollection implements storage.Adapter.
func (s *Store) CreateCollection(ctx context.Context, _, _ string) (string, error) {
	return "", ctx.Err()
}

// NewSession implements storage.Adapter.
func (s *Store) NewSession(ctx context.Context) (storage.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := storage.SessionID(uuid.NewString())
	s.mu.Lock()
	s.sessions[id] = &session{hasher: sha256.New()}
	s.mu.Unlock()
	return id, nil
}

// WriteChunk implements storage.Adapter. Bytes feed the hash and are
// dropped.
func (s *Store) WriteChunk(ctx context.Context, id storage.SessionID, r io.Reader) (int64, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return 0, fserrors.NewSessionNotFoundError(string(id))
	}
	n, err := io.Copy(sess.hasher, r)
	sess.size += n
	if err != nil {
		return n, err
	}
	return n, ctx.Err()
}

// AbortSession implements storage.Adapter.
func (s *Store) AbortSession(ctx context.Context, id storage.SessionID) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return ctx.Err()
}

// StoreFile implements storage.Adapter.
func (s *Store) StoreFile(ctx context.Context, id storage.SessionID, _ string) (storage.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.PutResult{}, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return storage.PutResult{}, fserrors.NewSessionNotFoundError(string(id))
	}
	hash := hex.EncodeToString(sess.hasher.Sum(nil))
	return storage.PutResult{Locator: hash, Size: sess.size, Hash: hash}, nil
}

// Reference implements storage.Adapter.
func (s *Store) Reference(ctx context.Context, locator, _ string) (string, error) {
	return locator, ctx.Err()
}

// OpenReadStream implements storage.Adapter.
func (s *Store) OpenReadStream(ctx context.Context, _ string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("")), nil
}

// DeleteFile implements storage.Adapter.
func (s *Store) DeleteFile(ctx context.Context, locator string) (string, error) {
	return locator, ctx.Err()
}

// ForceDeleteFile implements storage.Adapter.
func (s *Store) ForceDeleteFile(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Move implements storage.Adapter.
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
