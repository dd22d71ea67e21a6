// Package errors provides error types and error codes for the virtual
// filesystem. This is a leaf package with no internal dependencies, designed
// to be imported by the node factories, the storage adapters and the store
// implementations without causing circular imports.
//
// Import graph: errors <- storage <- fs <- store implementations
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the referenced node, parent, child, identity or
	// blob does not exist or is not visible to the caller.
	ErrNotFound ErrorCode = iota + 1

	// ErrConflict indicates a structural invariant would be violated:
	// name collision, cyclic move, copy-into-self, unshare-when-not-shared,
	// nested share.
	ErrConflict

	// ErrForbidden indicates an ACL/privilege check failed.
	ErrForbidden

	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument

	// ErrNameTooLong indicates the node name exceeds the maximum length.
	ErrNameTooLong

	// ErrReadonly indicates a write was attempted under a write-protected node.
	ErrReadonly

	// ErrFilteredParent indicates a write was attempted under a virtual
	// filtered collection.
	ErrFilteredParent

	// ErrInsufficientStorage indicates the owner's hard quota is exceeded or
	// the backing store rejected the write for capacity reasons.
	ErrInsufficientStorage

	// ErrNotShared indicates an unshare was attempted on a node that is not
	// a share root.
	ErrNotShared

	// ErrSessionNotFound indicates a staged upload session expired or never
	// existed. Adapter-level; factories re-scope it to the node before it
	// reaches a client.
	ErrSessionNotFound

	// ErrChunkNotFound indicates a staged upload chunk is missing.
	ErrChunkNotFound

	// ErrBlobNotFound indicates a physical blob referenced by a locator is
	// gone. Adapter-level.
	ErrBlobNotFound

	// ErrNotSupported indicates the operation is not supported by the
	// storage adapter backing the node.
	ErrNotSupported
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrConflict:
		return "Conflict"
	case ErrForbidden:
		return "Forbidden"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrNameTooLong:
		return "NameTooLong"
	case ErrReadonly:
		return "Readonly"
	case ErrFilteredParent:
		return "FilteredParent"
	case ErrInsufficientStorage:
		return "InsufficientStorage"
	case ErrNotShared:
		return "NotShared"
	case ErrSessionNotFound:
		return "SessionNotFound"
	case ErrChunkNotFound:
		return "ChunkNotFound"
	case ErrBlobNotFound:
		return "BlobNotFound"
	case ErrNotSupported:
		return "NotSupported"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// ConflictReason refines ErrConflict for clients that branch on the exact
// structural violation.
type ConflictReason int

const (
	ReasonNone ConflictReason = iota

	// ReasonNodeWithSameNameExists indicates a live sibling already carries
	// the requested name.
	ReasonNodeWithSameNameExists

	// ReasonAlreadyThere indicates a move whose destination equals the
	// current parent.
	ReasonAlreadyThere

	// ReasonCantBeChildOfItself indicates a move/copy into the node's own
	// subtree.
	ReasonCantBeChildOfItself

	// ReasonSharedNodeCantBeChildOfShare indicates a share was attempted on
	// a subtree that already contains (or lives inside) a share.
	ReasonSharedNodeCantBeChildOfShare

	// ReasonNotShared indicates an ACL mutation on a node that is not a
	// share root.
	ReasonNotShared
)

// String returns a human-readable name for the conflict reason.
func (r ConflictReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonNodeWithSameNameExists:
		return "NodeWithSameNameExists"
	case ReasonAlreadyThere:
		return "AlreadyThere"
	case ReasonCantBeChildOfItself:
		return "CantBeChildOfItself"
	case ReasonSharedNodeCantBeChildOfShare:
		return "SharedNodeCantBeChildOfShare"
	case ReasonNotShared:
		return "NotShared"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// FSError represents a virtual-filesystem error with a stable
// machine-readable code, a human message and optional node context.
type FSError struct {
	Code    ErrorCode
	Reason  ConflictReason
	Message string
	Node    string // node id or path, when known
}

// Error implements the error interface.
func (e *FSError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: %s (node: %s)", e.Code, e.Message, e.Node)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ============================================================================
// Factory Functions
// ============================================================================

// NewNotFoundError creates a NotFound error.
func NewNotFoundError(node, resourceType string) *FSError {
	return &FSError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resourceType),
		Node:    node,
	}
}

// NewConflictError creates a Conflict error with a refining reason.
func NewConflictError(node string, reason ConflictReason, message string) *FSError {
	return &FSError{
		Code:    ErrConflict,
		Reason:  reason,
		Message: message,
		Node:    node,
	}
}

// NewForbiddenError creates a Forbidden error.
func NewForbiddenError(node, message string) *FSError {
	return &FSError{
		Code:    ErrForbidden,
		Message: message,
		Node:    node,
	}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(message string) *FSError {
	return &FSError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewNameTooLongError creates a NameTooLong error.
func NewNameTooLongError(name string) *FSError {
	return &FSError{
		Code:    ErrNameTooLong,
		Message: "name exceeds 255 characters",
		Node:    name,
	}
}

// NewReadonlyError creates a Readonly error.
func NewReadonlyError(node string) *FSError {
	return &FSError{
		Code:    ErrReadonly,
		Message: "node is read-only",
		Node:    node,
	}
}

// NewFilteredParentError creates a FilteredParent error.
func NewFilteredParentError(node string) *FSError {
	return &FSError{
		Code:    ErrFilteredParent,
		Message: "parent is a filtered collection",
		Node:    node,
	}
}

// NewInsufficientStorageError creates an InsufficientStorage error.
func NewInsufficientStorageError(owner string) *FSError {
	return &FSError{
		Code:    ErrInsufficientStorage,
		Message: "storage quota exceeded",
		Node:    owner,
	}
}

// NewNotSharedError creates a NotShared error.
func NewNotSharedError(node string) *FSError {
	return &FSError{
		Code:    ErrNotShared,
		Message: "node is not a share root",
		Node:    node,
	}
}

// NewSessionNotFoundError creates a SessionNotFound error.
func NewSessionNotFoundError(session string) *FSError {
	return &FSError{
		Code:    ErrSessionNotFound,
		Message: "upload session not found or expired",
		Node:    session,
	}
}

// NewChunkNotFoundError creates a ChunkNotFound error.
func NewChunkNotFoundError(session string, chunk int) *FSError {
	return &FSError{
		Code:    ErrChunkNotFound,
		Message: fmt.Sprintf("upload chunk %d missing", chunk),
		Node:    session,
	}
}

// NewBlobNotFoundError creates a BlobNotFound error.
func NewBlobNotFoundError(locator string) *FSError {
	return &FSError{
		Code:    ErrBlobNotFound,
		Message: "blob not found",
		Node:    locator,
	}
}

// NewNotSupportedError creates a NotSupported error.
func NewNotSupportedError(operation string) *FSError {
	return &FSError{
		Code:    ErrNotSupported,
		Message: fmt.Sprintf("operation not supported by adapter: %s", operation),
	}
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// CodeOf extracts the ErrorCode from err, or 0 when err is not an FSError.
func CodeOf(err error) ErrorCode {
	var fsErr *FSError
	if errors.As(err, &fsErr) {
		return fsErr.Code
	}
	return 0
}

// ReasonOf extracts the ConflictReason from err, or ReasonNone.
func ReasonOf(err error) ConflictReason {
	var fsErr *FSError
	if errors.As(err, &fsErr) {
		return fsErr.Reason
	}
	return ReasonNone
}

// IsNotFound returns true if the error is a NotFound error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// IsConflict returns true if the error is a Conflict error.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrConflict
}

// IsForbidden returns true if the error is a Forbidden error.
func IsForbidden(err error) bool {
	return CodeOf(err) == ErrForbidden
}

// IsInsufficientStorage returns true if the error is quota/capacity related.
func IsInsufficientStorage(err error) bool {
	return CodeOf(err) == ErrInsufficientStorage
}

// IsAdapterInternal reports whether the error is an adapter-level integrity
// failure that must be translated at the factory boundary instead of being
// surfaced to API clients verbatim.
func IsAdapterInternal(err error) bool {
	switch CodeOf(err) {
	case ErrSessionNotFound, ErrChunkNotFound, ErrBlobNotFound:
		return true
	}
	return false
}
