// Package hook is the typed event bus node mutations publish to.
//
// Extension points form a closed, versioned enum; subscribers register
// callbacks per point and run synchronously in registration order. A pre
// hook may rewrite by-reference parameters (the proposed name) and may
// return an error to abort the operation before any physical mutation. Post
// hooks run only after the mutation persisted: their errors are logged and
// swallowed, they report but never veto.
package hook

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/fs"
)

// Point is one extension point of the fixed, versioned set.
type Point int

const (
	PreCreateCollection Point = iota + 1
	PostCreateCollection
	PreCreateFile
	PostCreateFile
	PrePutFile
	PostPutFile
	PreCopyCollection
	PostCopyCollection
	PreCopyFile
	PostCopyFile
	PreDeleteCollection
	PostDeleteCollection
	PreDeleteFile
	PostDeleteFile
	PreUndeleteCollection
	PostUndeleteCollection
	PreUndeleteFile
	PostUndeleteFile
	PreSaveNodeAttributes
	PostSaveNodeAttributes
	PreShareCollection
	PostShareCollection
	PreUnshareCollection
	PostUnshareCollection
	PreRestoreFile
	PostRestoreFile
)

// String returns the canonical hook point name.
func (p Point) String() string {
	switch p {
	case PreCreateCollection:
		return "preCreateCollection"
	case PostCreateCollection:
		return "postCreateCollection"
	case PreCreateFile:
		return "preCreateFile"
	case PostCreateFile:
		return "postCreateFile"
	case PrePutFile:
		return "prePutFile"
	case PostPutFile:
		return "postPutFile"
	case PreCopyCollection:
		return "preCopyCollection"
	case PostCopyCollection:
		return "postCopyCollection"
	case PreCopyFile:
		return "preCopyFile"
	case PostCopyFile:
		return "postCopyFile"
	case PreDeleteCollection:
		return "preDeleteCollection"
	case PostDeleteCollection:
		return "postDeleteCollection"
	case PreDeleteFile:
		return "preDeleteFile"
	case PostDeleteFile:
		return "postDeleteFile"
	case PreUndeleteCollection:
		return "preUndeleteCollection"
	case PostUndeleteCollection:
		return "postUndeleteCollection"
	case PreUndeleteFile:
		return "preUndeleteFile"
	case PostUndeleteFile:
		return "postUndeleteFile"
	case PreSaveNodeAttributes:
		return "preSaveNodeAttributes"
	case PostSaveNodeAttributes:
		return "postSaveNodeAttributes"
	case PreShareCollection:
		return "preShareCollection"
	case PostShareCollection:
		return "postShareCollection"
	case PreUnshareCollection:
		return "preUnshareCollection"
	case PostUnshareCollection:
		return "postUnshareCollection"
	case PreRestoreFile:
		return "preRestoreFile"
	case PostRestoreFile:
		return "postRestoreFile"
	default:
		return "unknown"
	}
}

// IsPre reports whether the point fires before the physical mutation.
func (p Point) IsPre() bool {
	switch p {
	case PreCreateCollection, PreCreateFile, PrePutFile, PreCopyCollection,
		PreCopyFile, PreDeleteCollection, PreDeleteFile,
		PreUndeleteCollection, PreUndeleteFile, PreSaveNodeAttributes,
		PreShareCollection, PreUnshareCollection, PreRestoreFile:
		return true
	}
	return false
}

// Recursion threads through recursive subtree operations so subscribers can
// distinguish the top-level call from recursive descent and act only once
// per logical operation.
type Recursion struct {
	ID    string
	First bool
}

// NewRecursion starts a recursion token for a top-level operation.
func NewRecursion() Recursion {
	return Recursion{ID: uuid.NewString(), First: true}
}

// Descend returns the token for a recursive child invocation.
func (r Recursion) Descend() Recursion {
	return Recursion{ID: r.ID, First: false}
}

// Event is the typed payload delivered to subscribers.
type Event struct {
	Point Point

	// Node is the mutated node; on pre-create it is nil and the proposed
	// name travels in Name.
	Node   *fs.Node
	Parent *fs.Node

	// Name is the proposed name on create/rename paths. Pre hooks may
	// rewrite it in place.
	Name *string

	// Previous carries the pre-mutation values of changed attributes
	// keyed by attribute name (name, parent).
	Previous map[string]any

	// Operation is the factory operation that triggered the event
	// (add, copy, move, rename, delete, forceDelete, undelete, share,
	// unshare, restore, put).
	Operation string

	// User is the acting user id; Client is the per-request metadata the
	// boundary layer constructed.
	User   string
	Client fs.ClientContext

	// Force marks the hard-delete path.
	Force bool

	Recursion Recursion
}

// SubscriberFunc handles one event.
type SubscriberFunc func(ctx context.Context, ev *Event) error

// Dispatcher routes events to subscribers in registration order.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[Point][]namedSubscriber
}

type namedSubscriber struct {
	name string
	fn   SubscriberFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[Point][]namedSubscriber)}
}

// Register adds a named subscriber for the given points.
func (d *Dispatcher) Register(name string, fn SubscriberFunc, points ...Point) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range points {
		d.subs[p] = append(d.subs[p], namedSubscriber{name: name, fn: fn})
	}
}

// Fire dispatches the event synchronously.
//
// For pre points the first subscriber error aborts dispatch and is returned,
// so the factory can refuse the operation. For post points errors are logged
// and swallowed: the primary mutation already committed and must not be
// unwound.
func (d *Dispatcher) Fire(ctx context.Context, ev *Event) error {
	d.mu.RLock()
	subscribers := d.subs[ev.Point]
	d.mu.RUnlock()

	for _, sub := range subscribers {
		if err := sub.fn(ctx, ev); err != nil {
			if ev.Point.IsPre() {
				return err
			}
			logger.ErrorCtx(ctx, "post hook subscriber failed",
				"hook", ev.Point.String(),
				"subscriber", sub.name,
				logger.KeyOperation, ev.Operation,
				logger.KeyError, err.Error(),
			)
		}
	}
	return nil
}
