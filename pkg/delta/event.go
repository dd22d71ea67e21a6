// Package delta maintains the append-only change log of node mutations and
// serves cursor-based incremental feeds to sync clients.
//
// Events are created exclusively by the hook subscriber registered through
// Subscribe; API controllers never write them directly. The feed has two
// modes: a snapshot walk over the current live nodes (used when a client has
// no usable cursor) and a strict delta replay over the event log. A stale or
// malformed cursor always degrades to a snapshot, never to an error — that
// degradation is what bounds the log's required retention.
package delta

import (
	"time"

	"github.com/balloonfs/balloon/pkg/fs"
)

// EventID is the store-assigned monotonic event identifier.
type EventID uint64

// Previous captures the pre-mutation value of whichever attribute changed so
// clients can reconstruct the vacated path of a rename/move.
type Previous struct {
	Name   string    `json:"name,omitempty"`
	Parent fs.NodeID `json:"parent,omitempty"`
}

// Event is one append-only record describing a single mutation.
type Event struct {
	ID        EventID          `json:"id"`
	Operation string           `json:"operation"`
	Node      fs.NodeID        `json:"node"`
	Kind      fs.NodeKind      `json:"kind"`
	Name      string           `json:"name"`
	Parent    fs.NodeID        `json:"parent"`
	Owner     string           `json:"owner"`
	Share     fs.NodeID        `json:"share,omitempty"`
	Previous  *Previous        `json:"previous,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Client    fs.ClientContext `json:"-"`
}

// Base operations recorded in the log.
const (
	OpAdd         = "add"
	OpCopy        = "copy"
	OpMove        = "move"
	OpRename      = "rename"
	OpDelete      = "delete"
	OpForceDelete = "forceDelete"
	OpUndelete    = "undelete"
	OpUnshare     = "unshare"
)

// NormalizeOperation expands a base operation by node kind and variant:
// {add,copy,...} x {Collection,File} x {"",Reference,Share}.
func NormalizeOperation(base string, n *fs.Node) string {
	op := base + n.Kind.String()
	switch {
	case n.IsReference():
		op += "Reference"
	case n.IsShareRoot():
		op += "Share"
	}
	return op
}

// IsDeletion reports whether the normalized operation removes the node from
// the live set.
func IsDeletion(op string) bool {
	return hasBase(op, OpDelete) || hasBase(op, OpForceDelete) || hasBase(op, OpUnshare)
}

func hasBase(op, base string) bool {
	if len(op) < len(base) {
		return false
	}
	if op[:len(base)] != base {
		return false
	}
	// Guard against prefix collisions (delete vs deleteX): the next rune
	// must start the kind suffix.
	rest := op[len(base):]
	return rest == "" || rest[0] >= 'A' && rest[0] <= 'Z'
}
