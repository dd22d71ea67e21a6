// Package refindex tracks blob reference counts and staged-upload sessions
// for deduplicating storage adapters, backed by BadgerDB.
//
// All count mutations run inside a single badger transaction, so the
// "observe zero then delete" decision is atomic against a concurrent
// re-reference of the same blob.
package refindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

// Index is a badger-backed reference-count and session registry.
type Index struct {
	db *badger.DB
}

// Open opens (or creates) an index at the given directory. An empty path
// opens an in-memory index, used by tests and the null adapter.
func Open(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening refindex: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func keyRef(hash string) []byte {
	return []byte("ref/" + hash)
}

func keySession(id string) []byte {
	return []byte("session/" + id)
}

func encodeCount(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCount(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("malformed refcount value (%d bytes)", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// Increment adds one reference to the blob and returns the new count.
func (ix *Index) Increment(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	err := ix.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRef(hash))
		switch {
		case err == badger.ErrKeyNotFound:
			count = 1
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				current, decErr := decodeCount(val)
				count = current + 1
				return decErr
			}); err != nil {
				return err
			}
		}
		return txn.Set(keyRef(hash), encodeCount(count))
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing refcount for %s: %w", hash, err)
	}
	return count, nil
}

// Decrement releases one reference and returns the new count. When the count
// reaches zero the entry is removed in the same transaction and 0 is
// returned; the caller must then remove the physical blob. Decrementing an
// untracked blob returns BlobNotFound.
func (ix *Index) Decrement(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	err := ix.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRef(hash))
		if err == badger.ErrKeyNotFound {
			return fserrors.NewBlobNotFoundError(hash)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			current, decErr := decodeCount(val)
			count = current - 1
			return decErr
		}); err != nil {
			return err
		}
		if count <= 0 {
			count = 0
			return txn.Delete(keyRef(hash))
		}
		return txn.Set(keyRef(hash), encodeCount(count))
	})
	if err != nil {
		if fserrors.CodeOf(err) != 0 {
			return 0, err
		}
		return 0, fmt.Errorf("decrementing refcount for %s: %w", hash, err)
	}
	return count, nil
}

// Count returns the current reference count, 0 for untracked blobs.
func (ix *Index) Count(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRef(hash))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			count, decErr = decodeCount(val)
			return decErr
		})
	})
	if err != nil {
		return 0, fmt.Errorf("reading refcount for %s: %w", hash, err)
	}
	return count, nil
}

// ============================================================================
// Staged-upload sessions
// ============================================================================

// PutSession registers a staged upload with its creation time.
func (ix *Index) PutSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keySession(id), encodeCount(time.Now().Unix()))
	})
}

// SessionExists reports whether the staged upload is known.
func (ix *Index) SessionExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	err := ix.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keySession(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// DeleteSession removes a staged-upload registration.
func (ix *Index) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keySession(id))
	})
}

// ExpiredSessions returns the ids of sessions created before the cutoff.
func (ix *Index) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var expired []string
	err := ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("session/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var created int64
			if err := item.Value(func(val []byte) error {
				var decErr error
				created, decErr = decodeCount(val)
				return decErr
			}); err != nil {
				return err
			}
			if time.Unix(created, 0).Before(cutoff) {
				expired = append(expired, string(item.Key()[len(prefix):]))
			}
		}
		return nil
	})
	return expired, err
}
