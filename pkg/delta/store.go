package delta

import (
	"context"
	"time"

	"github.com/balloonfs/balloon/pkg/fs"
)

// Query selects events from the log. Visibility is owner-or-share: an event
// matches when its owner equals Owner or its share marker is one of Shares.
// A non-empty Scope additionally restricts the feed to one share root.
type Query struct {
	AfterID EventID
	Owner   string
	Shares  []fs.NodeID
	Scope   fs.NodeID
	Limit   int // 0 = unbounded
}

// EventStore is the persistence contract for the append-only log.
//
// Implementations assign monotonically increasing ids on Append; (Timestamp,
// ID) ordering equals ID ordering.
type EventStore interface {
	// Append persists an event and returns its assigned id.
	Append(ctx context.Context, ev *Event) (EventID, error)

	// Query returns matching events strictly after AfterID in id order.
	Query(ctx context.Context, q Query) ([]*Event, error)

	// Last returns the id and timestamp of the newest event, 0 when the
	// log is empty.
	Last(ctx context.Context) (EventID, time.Time, error)

	// Oldest returns the id of the oldest retained event, 0 when empty.
	// Feeds use it to detect cursors pointing into pruned history.
	Oldest(ctx context.Context) (EventID, error)

	// Prune drops events older than the cutoff, returning the count
	// removed. Retention is bounded because clients with pruned cursors
	// degrade to a snapshot.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
