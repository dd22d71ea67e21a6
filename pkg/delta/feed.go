package delta

import (
	"context"
	"path"
	"time"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/identity"
	"github.com/balloonfs/balloon/pkg/metrics"
)

// NodeProjection is the client-facing view of one affected node.
type NodeProjection struct {
	ID        fs.NodeID `json:"id"`
	Path      string    `json:"path"`
	Deleted   bool      `json:"deleted"`
	Changed   time.Time `json:"changed"`
	Directory bool      `json:"directory"`
}

// FeedPage is one page of the delta feed.
type FeedPage struct {
	// Reset tells the client to drop its local state and rebuild from
	// this snapshot.
	Reset   bool             `json:"reset"`
	Cursor  string           `json:"cursor"`
	HasMore bool             `json:"has_more"`
	Nodes   []NodeProjection `json:"nodes"`
}

// DefaultFeedLimit bounds a feed page when the caller passes no limit.
const DefaultFeedLimit = 250

// Feed serves one page of the delta feed for the given user.
//
// An empty, malformed or stale cursor degrades to snapshot mode with
// reset=true; decoding problems never surface as errors. A non-empty scope
// restricts the feed to one share root.
func (l *Log) Feed(ctx context.Context, user *identity.User, encodedCursor string, limit int, scope fs.NodeID) (*FeedPage, error) {
	if limit <= 0 || limit > DefaultFeedLimit {
		limit = DefaultFeedLimit
	}

	shares, err := l.shareIDs(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	cursor := Cursor{Mode: ModeSnapshot}
	if encodedCursor != "" {
		decoded, err := DecodeCursor(encodedCursor)
		if err != nil {
			logger.WarnCtx(ctx, "malformed delta cursor, serving snapshot",
				logger.KeyOwner, user.ID,
				logger.KeyError, err.Error(),
			)
			decoded = Cursor{Mode: ModeSnapshot}
		}
		cursor = decoded
	}

	if cursor.Mode == ModeDelta {
		stale, err := l.cursorStale(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if stale {
			logger.InfoCtx(ctx, "delta cursor points into pruned history, serving snapshot",
				logger.KeyOwner, user.ID,
				logger.KeyEvent, uint64(cursor.LastID),
			)
			cursor = Cursor{Mode: ModeSnapshot}
		}
	}

	if cursor.Mode == ModeSnapshot {
		metrics.DeltaPages.WithLabelValues("snapshot").Inc()
		return l.snapshotPage(ctx, user, shares, cursor, limit, scope)
	}
	metrics.DeltaPages.WithLabelValues("delta").Inc()
	return l.deltaPage(ctx, user, shares, cursor, limit, scope)
}

// LastCursor returns a delta-mode cursor anchored at "now" with no backlog,
// so a freshly registered client can start watching without walking a full
// snapshot first.
func (l *Log) LastCursor(ctx context.Context) (string, error) {
	lastID, lastTS, err := l.store.Last(ctx)
	if err != nil {
		return "", err
	}
	return Cursor{Mode: ModeDelta, LastID: lastID, LastTS: lastTS.Unix()}.Encode(), nil
}

func (l *Log) shareIDs(ctx context.Context, userID string) ([]fs.NodeID, error) {
	raw, err := l.ids.SharesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	shares := make([]fs.NodeID, 0, len(raw))
	for _, s := range raw {
		shares = append(shares, fs.NodeID(s))
	}
	return shares, nil
}

// cursorStale reports whether the cursor references pruned history. A cursor
// is usable when the event right after LastID is still retained.
func (l *Log) cursorStale(ctx context.Context, c Cursor) (bool, error) {
	oldest, err := l.store.Oldest(ctx)
	if err != nil {
		return false, err
	}
	if oldest == 0 {
		// Empty log: stale only if the client claims to have seen events
		// that were since pruned away entirely.
		lastID, _, err := l.store.Last(ctx)
		if err != nil {
			return false, err
		}
		return c.LastID > lastID, nil
	}
	return c.LastID+1 < oldest, nil
}

// snapshotPage pages over the current live node set. The cursor's LastID
// anchors the log position captured when the snapshot started, so the
// follow-up delta mode replays everything that happened during the walk.
func (l *Log) snapshotPage(ctx context.Context, user *identity.User, shares []fs.NodeID, cursor Cursor, limit int, scope fs.NodeID) (*FeedPage, error) {
	if cursor.Offset == 0 && cursor.LastID == 0 {
		lastID, lastTS, err := l.store.Last(ctx)
		if err != nil {
			return nil, err
		}
		cursor.LastID = lastID
		cursor.LastTS = lastTS.Unix()
	}

	nodes, total, err := l.nodes.VisibleLive(ctx, user.ID, shares, scope, fs.Page{
		Offset: int(cursor.Offset),
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	page := &FeedPage{Reset: true}
	for _, n := range nodes {
		nodePath, err := fs.PathOf(ctx, l.nodes, n)
		if err != nil {
			return nil, err
		}
		page.Nodes = append(page.Nodes, NodeProjection{
			ID:        n.ID,
			Path:      nodePath,
			Deleted:   false,
			Changed:   n.Changed,
			Directory: n.IsCollection(),
		})
	}

	nextOffset := cursor.Offset + int64(len(nodes))
	page.HasMore = nextOffset < total && len(nodes) > 0
	if page.HasMore {
		page.Cursor = Cursor{
			Mode:   ModeSnapshot,
			Offset: nextOffset,
			LastID: cursor.LastID,
			LastTS: cursor.LastTS,
		}.Encode()
	} else {
		page.Cursor = Cursor{
			Mode:   ModeDelta,
			LastID: cursor.LastID,
			LastTS: cursor.LastTS,
		}.Encode()
	}
	return page, nil
}

// deltaPage replays events strictly after the cursor position, translating
// each to the node's current projection. Renames and moves additionally
// synthesize a vacated-path tombstone so clients watching the old path learn
// it is gone.
func (l *Log) deltaPage(ctx context.Context, user *identity.User, shares []fs.NodeID, cursor Cursor, limit int, scope fs.NodeID) (*FeedPage, error) {
	events, err := l.store.Query(ctx, Query{
		AfterID: cursor.LastID,
		Owner:   user.ID,
		Shares:  shares,
		Scope:   scope,
		Limit:   limit + 1,
	})
	if err != nil {
		return nil, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	page := &FeedPage{}
	for _, ev := range events {
		projections, err := l.project(ctx, ev)
		if err != nil {
			return nil, err
		}
		page.Nodes = append(page.Nodes, projections...)
	}

	last := cursor
	if len(events) > 0 {
		tail := events[len(events)-1]
		last = Cursor{Mode: ModeDelta, LastID: tail.ID, LastTS: tail.Timestamp.Unix()}
	}
	page.Cursor = last.Encode()
	page.HasMore = hasMore
	return page, nil
}

// project translates one event into feed entries.
func (l *Log) project(ctx context.Context, ev *Event) ([]NodeProjection, error) {
	deleted := IsDeletion(ev.Operation)

	nodePath, err := l.eventPath(ctx, ev)
	if err != nil {
		return nil, err
	}

	out := []NodeProjection{{
		ID:        ev.Node,
		Path:      nodePath,
		Deleted:   deleted,
		Changed:   ev.Timestamp,
		Directory: ev.Kind == fs.KindCollection,
	}}

	// Vacated-path tombstone for renames and moves.
	if ev.Previous != nil && !deleted {
		oldParent := ev.Previous.Parent
		if oldParent == "" {
			oldParent = ev.Parent
		}
		oldName := ev.Previous.Name
		if oldName == "" {
			oldName = ev.Name
		}
		oldPath, err := l.parentPath(ctx, oldParent)
		if err != nil {
			return nil, err
		}
		out = append([]NodeProjection{{
			ID:        ev.Node,
			Path:      path.Join(oldPath, oldName),
			Deleted:   true,
			Changed:   ev.Timestamp,
			Directory: ev.Kind == fs.KindCollection,
		}}, out...)
	}

	return out, nil
}

// eventPath resolves the node's current path, falling back to the event's
// own parent/name snapshot when the node record is already gone.
func (l *Log) eventPath(ctx context.Context, ev *Event) (string, error) {
	node, err := l.nodes.Get(ctx, ev.Node)
	if err == nil {
		return fs.PathOf(ctx, l.nodes, node)
	}
	if !fserrors.IsNotFound(err) {
		return "", err
	}

	parentPath, err := l.parentPath(ctx, ev.Parent)
	if err != nil {
		return "", err
	}
	return path.Join(parentPath, ev.Name), nil
}

func (l *Log) parentPath(ctx context.Context, parent fs.NodeID) (string, error) {
	if parent == "" {
		return "/", nil
	}
	node, err := l.nodes.Get(ctx, parent)
	if err != nil {
		if fserrors.IsNotFound(err) {
			return "/", nil
		}
		return "", err
	}
	return fs.PathOf(ctx, l.nodes, node)
}
