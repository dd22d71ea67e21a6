package vfs

import (
	"context"
	"time"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/storage"
)

// copyItem is one pending unit of the worklist copy.
type copyItem struct {
	src        *fs.Node
	destParent *fs.Node
	rec        hook.Recursion
}

// CopyTo copies a node (recursively for collections) below a destination
// parent. Copying into the source's own subtree is refused. Recursion runs on
// an explicit worklist, never the call stack.
func (s *Service) CopyTo(ctx context.Context, userID string, nodeID, destParentID fs.NodeID, policy fs.ConflictPolicy, deleted fs.DeletedPolicy, client fs.ClientContext) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("copy", err) }()

	src, err := s.Resolve(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	dest, err := s.Resolve(ctx, destParentID)
	if err != nil {
		return nil, err
	}
	if err := checkWritableParent(dest); err != nil {
		return nil, err
	}
	if err := s.access(ctx, userID, src, acl.PrivilegeRead); err != nil {
		return nil, err
	}
	if err := s.access(ctx, userID, dest, acl.PrivilegeWrite); err != nil {
		return nil, err
	}

	inside, err := s.isInSubtree(ctx, dest, src)
	if err != nil {
		return nil, err
	}
	if inside {
		return nil, fserrors.NewConflictError(string(src.ID),
			fserrors.ReasonCantBeChildOfItself,
			"cannot copy a node into its own subtree")
	}

	total, err := s.subtreeContentSize(ctx, src)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Reserve(ctx, dest.Owner, total); err != nil {
		metrics.QuotaRejections.Inc()
		return nil, err
	}

	rec := hook.NewRecursion()
	prePoint := hook.PreCopyCollection
	if src.IsFile() {
		prePoint = hook.PreCopyFile
	}
	if err := s.fire(ctx, &hook.Event{
		Point:     prePoint,
		Node:      src,
		Parent:    dest,
		Operation: "copy",
		User:      userID,
		Client:    client,
		Recursion: rec,
	}); err != nil {
		return nil, err
	}

	work := []copyItem{{src: src, destParent: dest, rec: rec}}
	var topCopy *fs.Node

	for len(work) > 0 {
		item := work[0]
		work = work[1:]

		if item.src.IsDeleted() && deleted == fs.DeletedExclude {
			continue
		}

		created, merged, err := s.copyOne(ctx, userID, item, policy, client)
		if err != nil {
			return nil, err
		}
		if topCopy == nil {
			topCopy = created
		}

		// Merge descends into the existing destination child; a fresh copy
		// descends into the node just created.
		if !item.src.ExpandsRecursively() || (merged && !created.IsCollection()) {
			continue
		}
		descendInto := created

		filter := fs.FilterLive
		if deleted == fs.DeletedInclude {
			filter = fs.FilterAll
		}
		children, err := s.nodes.Children(ctx, item.src.ID, item.src.Owner, filter)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			work = append(work, copyItem{src: child, destParent: descendInto, rec: item.rec.Descend()})
		}
	}
	return topCopy, nil
}

// copyOne copies a single node below destParent, returning the resulting node
// and whether an existing child was merged into instead of creating one.
func (s *Service) copyOne(ctx context.Context, userID string, item copyItem, policy fs.ConflictPolicy, client fs.ClientContext) (*fs.Node, bool, error) {
	src, destParent := item.src, item.destParent

	name, existing, err := s.resolveConflict(ctx, destParent, src.Name, policy)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		// Merge: reuse the destination child; collections descend into it,
		// files keep the existing content.
		return existing, true, nil
	}

	now := time.Now()
	id := fs.NewNodeID()
	copied := &fs.Node{
		ID:               id,
		Pointer:          id,
		Kind:             src.Kind,
		Name:             name,
		Parent:           destParent.ID,
		Owner:            destParent.Owner,
		Shared:           destParent.Shared,
		Created:          now,
		Changed:          now,
		Readonly:         src.Readonly,
		Filter:           src.Filter,
		Mime:             src.Mime,
		StorageReference: storageReferenceFor(destParent),
	}
	if src.Meta != nil {
		copied.Meta = make(map[string]string, len(src.Meta))
		for k, v := range src.Meta {
			copied.Meta[k] = v
		}
	}
	if src.IsDeleted() {
		ts := *src.Deleted
		copied.Deleted = &ts
	}
	// A copied reference stays a reference to the same canonical node.
	if src.IsReference() {
		copied.Pointer = src.Pointer
	}

	destAdapter, err := s.adapterFor(ctx, copied)
	if err != nil {
		return nil, false, err
	}

	switch {
	case src.IsReference():
		// No physical content of its own.

	case src.IsCollection():
		locator, err := destAdapter.CreateCollection(ctx, destParent.Storage, name)
		if err != nil {
			return nil, false, translateAdapterErr(err, destParent.ID)
		}
		copied.Storage = locator

	case src.Storage != "":
		srcAdapter, err := s.adapterFor(ctx, src)
		if err != nil {
			return nil, false, err
		}
		locator, err := s.copyBlob(ctx, src, srcAdapter, destAdapter, locatorHint(destParent, name))
		if err != nil {
			return nil, false, translateAdapterErr(err, src.ID)
		}
		copied.Storage = locator
		copied.Hash = src.Hash
		copied.Size = src.Size
		copied.Version = 1
		copied.History = []fs.HistoryEntry{{
			Version: 1,
			Storage: locator,
			Hash:    src.Hash,
			Size:    src.Size,
			Mime:    src.Mime,
			Changed: now,
			User:    userID,
			Type:    fs.HistoryCreate,
		}}
	}

	if err := s.insertRetrying(ctx, destParent, copied, policy); err != nil {
		return nil, false, err
	}

	postPoint := hook.PostCopyCollection
	if copied.IsFile() {
		postPoint = hook.PostCopyFile
	}
	s.fire(ctx, &hook.Event{
		Point:     postPoint,
		Node:      copied,
		Parent:    destParent,
		Operation: "copy",
		User:      userID,
		Client:    client,
		Recursion: item.rec,
	})
	return copied, false, nil
}

// copyBlob produces a blob for the copy destination. Within one adapter this
// is a reference bump; across adapters the content is streamed over.
func (s *Service) copyBlob(ctx context.Context, src *fs.Node, from, to storage.Adapter, hint string) (string, error) {
	if from == to {
		return to.Reference(ctx, src.Storage, hint)
	}

	stream, err := from.OpenReadStream(ctx, src.Storage)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	session, err := to.NewSession(ctx)
	if err != nil {
		return "", err
	}
	if _, err := to.WriteChunk(ctx, session, stream); err != nil {
		to.AbortSession(ctx, session)
		return "", err
	}
	result, err := to.StoreFile(ctx, session, hint)
	if err != nil {
		return "", err
	}
	return result.Locator, nil
}

// isInSubtree reports whether candidate is the root node or one of its
// descendants, walking parents with a bounded loop.
func (s *Service) isInSubtree(ctx context.Context, candidate, root *fs.Node) (bool, error) {
	current := candidate
	for {
		if current.ID == root.ID {
			return true, nil
		}
		if current.Parent == "" {
			return false, nil
		}
		parent, err := s.nodes.Get(ctx, current.Parent)
		if err != nil {
			return false, err
		}
		current = parent
	}
}

// subtreeContentSize sums the content bytes of all non-reference files in a
// subtree.
func (s *Service) subtreeContentSize(ctx context.Context, root *fs.Node) (int64, error) {
	var total int64
	work := []*fs.Node{root}
	for len(work) > 0 {
		current := work[0]
		work = work[1:]

		if current.IsFile() && !current.IsReference() {
			total += current.Size
		}
		if !current.ExpandsRecursively() {
			continue
		}
		children, err := s.nodes.Children(ctx, current.ID, current.Owner, fs.FilterAll)
		if err != nil {
			return 0, err
		}
		work = append(work, children...)
	}
	return total, nil
}
