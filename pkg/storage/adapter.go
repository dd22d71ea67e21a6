// Package storage defines the blob-storage adapter contract that decouples
// logical nodes from physical content.
//
// Adapters manage only physical bytes. They do NOT touch node metadata: every
// mutating method returns the updated locator and the factory is responsible
// for persisting it on the node record. Side effects are confined to the
// backing store.
//
// Implementations:
//   - pkg/storage/blobfs - content-addressed local store, refcounts in badger
//   - pkg/storage/localfs - plain path-per-node local store
//   - pkg/storage/s3 - content-addressed remote store on S3
//   - pkg/storage/nullstore - no-op store for dry runs
package storage

import (
	"context"
	"io"
)

// SessionID identifies a staged upload.
type SessionID string

// PutResult is the outcome of finalizing a staged upload.
type PutResult struct {
	// Locator is the adapter-specific blob locator to persist on the node.
	Locator string

	// Size is the total content size in bytes.
	Size int64

	// Hash is the hex SHA-256 content digest.
	Hash string
}

// Adapter is the pluggable blob-storage backend contract.
//
// Error contract: adapters signal missing blobs with BlobNotFound, expired or
// unknown staged uploads with SessionNotFound and capacity rejections with
// InsufficientStorage (codes from pkg/fs/errors). Factories translate these
// at their boundary; adapter errors never reach API clients verbatim.
type Adapter interface {
	// Kind returns the adapter kind name (blobfs, localfs, s3, null).
	Kind() string

	// CreateCollection materializes a collection below the parent locator
	// and returns the child locator. Content-addressed adapters have no
	// physical directories and return an empty locator.
	CreateCollection(ctx context.Context, parentLocator, name string) (string, error)

	// StoreFile finalizes a staged upload and returns the blob locator,
	// size and content hash. The hint is the adapter-interpreted
	// destination: path stores place the content there, content-addressed
	// stores ignore it. Content-addressed adapters MUST deduplicate: when a
	// blob with an identical hash already exists its reference count is
	// incremented and the existing blob reused.
	StoreFile(ctx context.Context, session SessionID, hint string) (PutResult, error)

	// Reference registers one additional reference to an existing blob
	// (copy, history retention) and returns the locator to persist.
	// Deduplicating stores bump the reference count; path stores copy the
	// content to the hint destination.
	Reference(ctx context.Context, locator, hint string) (string, error)

	// OpenReadStream returns the content behind a locator.
	OpenReadStream(ctx context.Context, locator string) (io.ReadCloser, error)

	// DeleteFile handles the soft-delete path. The blob is retained; the
	// returned locator (possibly relocated) replaces the node's.
	DeleteFile(ctx context.Context, locator string) (string, error)

	// ForceDeleteFile releases one blob reference and physically removes
	// the blob only when no other reference shares it. The observe-zero
	// check and the removal must be atomic against concurrent
	// re-referencing.
	ForceDeleteFile(ctx context.Context, locator string) error

	// Move relocates content below a new parent locator and returns the
	// updated locator. Pure transform; no metadata mutation.
	Move(ctx context.Context, locator, newParentLocator string) (string, error)

	// Rename renames the physical entry and returns the updated locator.
	Rename(ctx context.Context, locator, newName string) (string, error)

	// Undelete reverses DeleteFile's relocation, if any.
	Undelete(ctx context.Context, locator string) (string, error)

	// Readonly toggles physical write protection where the backend
	// supports it and returns the updated locator.
	Readonly(ctx context.Context, locator string, readonly bool) (string, error)

	// ====================================================================
	// Staged uploads
	// ====================================================================

	// NewSession opens a staged upload.
	NewSession(ctx context.Context) (SessionID, error)

	// WriteChunk appends a chunk to a staged upload, returning the number
	// of bytes consumed.
	WriteChunk(ctx context.Context, session SessionID, r io.Reader) (int64, error)

	// AbortSession discards a staged upload and its chunks.
	AbortSession(ctx context.Context, session SessionID) error
}

// RefCounter is implemented by deduplicating adapters; it exposes the
// current reference count of a blob for garbage collection and tests.
type RefCounter interface {
	RefCount(ctx context.Context, locator string) (int64, error)
}
