package delta

import (
	"context"
	"time"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/fs"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/identity"
)

// Log appends mutation events and serves incremental feeds.
type Log struct {
	store EventStore
	nodes fs.NodeStore
	ids   identity.Provider
}

// New creates a delta log over the given stores.
func New(store EventStore, nodes fs.NodeStore, ids identity.Provider) *Log {
	return &Log{store: store, nodes: nodes, ids: ids}
}

// Add normalizes and appends one event. Events that can be attributed to
// neither an owner nor a share are silently invalid: they are logged and
// skipped, never raised to the caller.
func (l *Log) Add(ctx context.Context, base string, n *fs.Node, prev *Previous, client fs.ClientContext) {
	if n.Owner == "" && n.Shared == "" {
		logger.WarnCtx(ctx, "skipping delta event without owner or share",
			logger.KeyNode, string(n.ID),
			logger.KeyOperation, base,
		)
		return
	}

	ev := &Event{
		Operation: NormalizeOperation(base, n),
		Node:      n.ID,
		Kind:      n.Kind,
		Name:      n.Name,
		Parent:    n.Parent,
		Owner:     n.Owner,
		Share:     n.Shared,
		Previous:  prev,
		Timestamp: time.Now(),
		Client:    client,
	}

	if _, err := l.store.Append(ctx, ev); err != nil {
		// The primary mutation already committed; losing one delta event
		// costs an affected client a resync, not correctness.
		logger.ErrorCtx(ctx, "failed to append delta event",
			logger.KeyNode, string(n.ID),
			logger.KeyOperation, ev.Operation,
			logger.KeyError, err.Error(),
		)
	}
}

// Subscribe registers the log on every post hook point. Delta events are
// produced exclusively through this subscriber.
func (l *Log) Subscribe(d *hook.Dispatcher) {
	d.Register("delta", l.onHook,
		hook.PostCreateCollection,
		hook.PostCreateFile,
		hook.PostPutFile,
		hook.PostCopyCollection,
		hook.PostCopyFile,
		hook.PostDeleteCollection,
		hook.PostDeleteFile,
		hook.PostUndeleteCollection,
		hook.PostUndeleteFile,
		hook.PostSaveNodeAttributes,
		hook.PostShareCollection,
		hook.PostUnshareCollection,
		hook.PostRestoreFile,
	)
}

func (l *Log) onHook(ctx context.Context, ev *hook.Event) error {
	if ev.Node == nil {
		return nil
	}

	var base string
	var prev *Previous

	switch ev.Point {
	case hook.PostCreateCollection, hook.PostCreateFile, hook.PostPutFile,
		hook.PostShareCollection:
		base = OpAdd
	case hook.PostCopyCollection, hook.PostCopyFile:
		base = OpCopy
	case hook.PostDeleteCollection, hook.PostDeleteFile:
		base = OpDelete
		if ev.Force {
			base = OpForceDelete
		}
	case hook.PostUndeleteCollection, hook.PostUndeleteFile, hook.PostRestoreFile:
		base = OpUndelete
	case hook.PostUnshareCollection:
		base = OpUnshare
	case hook.PostSaveNodeAttributes:
		base, prev = classifyAttributeSave(ev)
	default:
		return nil
	}

	l.Add(ctx, base, ev.Node, prev, ev.Client)
	return nil
}

// classifyAttributeSave maps an attribute save to rename/move when the name
// or parent changed, and to a plain re-announcement otherwise. A parent change
// wins: a move that also renamed (conflict resolution) is one move event whose
// tombstone carries the old name under the old parent.
func classifyAttributeSave(ev *hook.Event) (string, *Previous) {
	if ev.Previous == nil {
		return OpAdd, nil
	}
	oldName, renamed := ev.Previous["name"].(string)
	if oldParent, ok := ev.Previous["parent"].(fs.NodeID); ok {
		if !renamed {
			oldName = ev.Node.Name
		}
		return OpMove, &Previous{Name: oldName, Parent: oldParent}
	}
	if renamed {
		return OpRename, &Previous{Name: oldName, Parent: ev.Node.Parent}
	}
	return OpAdd, nil
}

// Prune drops events older than the retention window.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.Prune(ctx, time.Now().Add(-retention))
}
