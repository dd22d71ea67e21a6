package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that log
// aggregation and querying works the same from the factories, the storage
// adapters and the API boundary.
const (
	// ========================================================================
	// Request correlation
	// ========================================================================
	KeyRequestID = "request_id" // API request ID
	KeySession   = "session"    // Client sync-session identifier
	KeyClientIP  = "client_ip"  // Client IP address (without port)
	KeyUserAgent = "user_agent" // Client user agent

	// ========================================================================
	// Virtual filesystem
	// ========================================================================
	KeyNode      = "node"      // Node id
	KeyParent    = "parent"    // Parent collection id
	KeyOwner     = "owner"     // Owning user id
	KeyShare     = "share"     // Share root id
	KeyName      = "name"      // Node display name
	KeyPath      = "path"      // Full virtual path
	KeyOperation = "operation" // Factory operation: add, copy, move, delete, ...
	KeySize      = "size"      // Content size in bytes
	KeyHash      = "hash"      // Content digest
	KeyVersion   = "version"   // File version counter

	// ========================================================================
	// Storage adapters
	// ========================================================================
	KeyAdapter = "adapter" // Adapter kind: blobfs, s3, null
	KeyBlob    = "blob"    // Blob locator
	KeyRefs    = "refs"    // Blob reference count

	// ========================================================================
	// Delta feed
	// ========================================================================
	KeyCursor = "cursor" // Opaque feed cursor
	KeyEvent  = "event"  // Delta event id

	// ========================================================================
	// Outcome
	// ========================================================================
	KeyError      = "error"       // Error message
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
)

// Node returns a slog.Attr for a node id.
func Node(id string) slog.Attr {
	return slog.String(KeyNode, id)
}

// Owner returns a slog.Attr for an owning user id.
func Owner(id string) slog.Attr {
	return slog.String(KeyOwner, id)
}

// Operation returns a slog.Attr for a factory operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Err returns a slog.Attr for an error, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr for the elapsed time since start.
func DurationMs(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0)
}
