package vfs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/identity"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/scheduler"
)

// DeleteJob is the scheduler payload for a deferred subtree delete.
type DeleteJob struct {
	User   string
	Node   fs.NodeID
	Force  bool
	Client fs.ClientContext
}

// DeleteResult reports how a delete was carried out: inline (Node set) or
// handed to the scheduler (Job set).
type DeleteResult struct {
	Node *fs.Node
	Job  scheduler.Handle
}

// DeleteOne soft-deletes or force-deletes a node.
//
// The soft path flips the deletion timestamp across the subtree; blobs stay.
// The force path removes records and releases blob references, and for share
// roots cascades to every recipient's reference copy. Subtrees above the deep
// threshold are handed to the scheduler and a job handle returned instead.
func (s *Service) DeleteOne(ctx context.Context, userID string, nodeID fs.NodeID, force bool, client fs.ClientContext) (res *DeleteResult, err error) {
	defer func() { metrics.ObserveOp("delete", err) }()

	n, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, fserrors.NewConflictError(string(n.ID), fserrors.ReasonNone, "the root collection cannot be deleted")
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeWritePlus); err != nil {
		return nil, err
	}

	rec := hook.NewRecursion()
	prePoint := hook.PreDeleteCollection
	if n.IsFile() {
		prePoint = hook.PreDeleteFile
	}
	if err := s.fire(ctx, &hook.Event{
		Point:     prePoint,
		Node:      n,
		Operation: deleteOperation(force),
		User:      userID,
		Client:    client,
		Force:     force,
		Recursion: rec,
	}); err != nil {
		return nil, err
	}

	if s.jobs != nil {
		size, err := s.subtreeSize(ctx, n, s.deepThreshold+1)
		if err != nil {
			return nil, err
		}
		if size > s.deepThreshold {
			handle, err := s.jobs.Submit(ctx, scheduler.JobDeleteNode, &DeleteJob{
				User:   userID,
				Node:   n.ID,
				Force:  force,
				Client: client,
			})
			if err != nil {
				return nil, err
			}
			return &DeleteResult{Job: handle}, nil
		}
	}

	if err := s.deleteSync(ctx, userID, n, force, client, rec); err != nil {
		return nil, err
	}
	return &DeleteResult{Node: n}, nil
}

// runDeleteJob executes a deferred delete submitted by DeleteOne.
func (s *Service) runDeleteJob(ctx context.Context, payload any) error {
	job, ok := payload.(*DeleteJob)
	if !ok {
		return fmt.Errorf("unexpected delete job payload %T", payload)
	}
	n, err := s.nodes.Get(ctx, job.Node)
	if err != nil {
		if fserrors.IsNotFound(err) {
			// Already gone; at-least-once delivery makes this benign.
			return nil
		}
		return err
	}
	return s.deleteSync(ctx, job.User, n, job.Force, job.Client, hook.NewRecursion())
}

type deleteItem struct {
	node *fs.Node
	rec  hook.Recursion
}

// deleteSync walks the subtree with an explicit worklist. The soft path
// top-down marks nodes deleted; the force path collects the subtree first and
// removes bottom-up so children never outlive their parent record's removal
// order.
func (s *Service) deleteSync(ctx context.Context, userID string, root *fs.Node, force bool, client fs.ClientContext, rec hook.Recursion) error {
	if force {
		return s.forceDelete(ctx, userID, root, client, rec)
	}
	return s.softDelete(ctx, userID, root, client, rec)
}

func (s *Service) softDelete(ctx context.Context, userID string, root *fs.Node, client fs.ClientContext, rec hook.Recursion) error {
	work := []deleteItem{{node: root, rec: rec}}

	for len(work) > 0 {
		item := work[0]
		work = work[1:]
		n := item.node

		if n.IsDeleted() {
			continue
		}

		if n.ExpandsRecursively() {
			children, err := s.nodes.Children(ctx, n.ID, n.Owner, fs.FilterLive)
			if err != nil {
				return err
			}
			for _, child := range children {
				work = append(work, deleteItem{node: child, rec: item.rec.Descend()})
			}
		}

		// Physical relocation first, metadata flip second.
		if n.IsFile() && !n.IsReference() && n.Storage != "" {
			adapter, err := s.adapterFor(ctx, n)
			if err != nil {
				return err
			}
			locator, err := adapter.DeleteFile(ctx, n.Storage)
			if err != nil {
				return translateAdapterErr(err, n.ID)
			}
			n.Storage = locator
		}

		now := time.Now()
		n.Deleted = &now
		n.Changed = now
		if err := s.updateToleratingTrashCollision(ctx, n); err != nil {
			return err
		}

		postPoint := hook.PostDeleteCollection
		if n.IsFile() {
			postPoint = hook.PostDeleteFile
		}
		s.fire(ctx, &hook.Event{
			Point:     postPoint,
			Node:      n,
			Operation: "delete",
			User:      userID,
			Client:    client,
			Recursion: item.rec,
		})
	}
	return nil
}

func (s *Service) forceDelete(ctx context.Context, userID string, root *fs.Node, client fs.ClientContext, rec hook.Recursion) error {
	// Collect the subtree top-down, then remove in reverse.
	type collected struct {
		node *fs.Node
		rec  hook.Recursion
	}
	var order []collected
	work := []deleteItem{{node: root, rec: rec}}
	for len(work) > 0 {
		item := work[0]
		work = work[1:]
		order = append(order, collected{node: item.node, rec: item.rec})

		if !item.node.ExpandsRecursively() {
			continue
		}
		children, err := s.nodes.Children(ctx, item.node.ID, item.node.Owner, fs.FilterAll)
		if err != nil {
			return err
		}
		for _, child := range children {
			work = append(work, deleteItem{node: child, rec: item.rec.Descend()})
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i].node

		if n.IsFile() && !n.IsReference() {
			if err := s.releaseFileBlobs(ctx, n); err != nil {
				return err
			}
		}
		if n.IsShareRoot() {
			if err := s.removeShareReferences(ctx, n); err != nil {
				return err
			}
		}

		if err := s.nodes.Delete(ctx, n.ID); err != nil && !fserrors.IsNotFound(err) {
			return err
		}

		postPoint := hook.PostDeleteCollection
		if n.IsFile() {
			postPoint = hook.PostDeleteFile
		}
		s.fire(ctx, &hook.Event{
			Point:     postPoint,
			Node:      n,
			Operation: "forceDelete",
			User:      userID,
			Client:    client,
			Force:     true,
			Recursion: order[i].rec,
		})
	}
	return nil
}

// releaseFileBlobs drops every blob reference a file's history holds. Each
// history entry acquired its own reference when its version was stored, so
// each entry releases one, even when dedup points several entries at the same
// locator. The current version's blob is the newest history entry; n.Storage
// is only released separately when no entry carries it.
func (s *Service) releaseFileBlobs(ctx context.Context, n *fs.Node) error {
	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return err
	}

	inHistory := make(map[string]bool)
	for _, entry := range n.History {
		if entry.Storage == "" {
			continue
		}
		inHistory[entry.Storage] = true
		if err := adapter.ForceDeleteFile(ctx, entry.Storage); err != nil {
			logger.WarnCtx(ctx, "failed to release version blob",
				logger.KeyNode, string(n.ID),
				logger.KeyBlob, entry.Storage,
				logger.KeyError, err.Error())
		}
	}
	if n.Storage != "" && !inHistory[n.Storage] {
		if err := adapter.ForceDeleteFile(ctx, n.Storage); err != nil {
			logger.WarnCtx(ctx, "failed to release blob",
				logger.KeyNode, string(n.ID),
				logger.KeyBlob, n.Storage,
				logger.KeyError, err.Error())
		}
	}
	return nil
}

// removeShareReferences cascades a share root's force delete to every
// recipient's reference copy and revokes the grants.
func (s *Service) removeShareReferences(ctx context.Context, shareRoot *fs.Node) error {
	refs, err := s.nodes.ByPointer(ctx, shareRoot.ID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := s.nodes.Delete(ctx, ref.ID); err != nil && !fserrors.IsNotFound(err) {
			return err
		}
	}
	if registrar, ok := s.ids.(identity.ShareRegistrar); ok {
		if err := registrar.RevokeShare(ctx, string(shareRoot.ID)); err != nil {
			logger.WarnCtx(ctx, "failed to revoke share grants",
				logger.KeyShare, string(shareRoot.ID),
				logger.KeyError, err.Error())
		}
	}
	return nil
}

// updateToleratingTrashCollision persists a deleted-state flip, renaming the
// node when the trash already holds a deleted sibling with the same name.
func (s *Service) updateToleratingTrashCollision(ctx context.Context, n *fs.Node) error {
	err := s.nodes.Update(ctx, n)
	if err == nil || !fserrors.IsConflict(err) {
		return err
	}

	stem, ext := fs.SplitExtension(n.Name)
	n.Name = fmt.Sprintf("%s (%s)%s", stem, uuid.NewString()[:8], ext)
	return s.nodes.Update(ctx, n)
}

// ============================================================================
// Undelete
// ============================================================================

// Undelete restores a soft-deleted subtree to the live set with its storage
// locators intact. The parent must still be live.
func (s *Service) Undelete(ctx context.Context, userID string, nodeID fs.NodeID, client fs.ClientContext) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("undelete", err) }()

	n, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !n.IsDeleted() {
		return nil, fserrors.NewConflictError(string(n.ID), fserrors.ReasonNone, "node is not deleted")
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeWritePlus); err != nil {
		return nil, err
	}
	if n.Parent != "" {
		parent, err := s.nodes.Get(ctx, n.Parent)
		if err != nil {
			return nil, err
		}
		if parent.IsDeleted() {
			return nil, fserrors.NewConflictError(string(n.Parent), fserrors.ReasonNone, "parent is still deleted")
		}
	}

	rec := hook.NewRecursion()
	prePoint := hook.PreUndeleteCollection
	if n.IsFile() {
		prePoint = hook.PreUndeleteFile
	}
	if err := s.fire(ctx, &hook.Event{
		Point:     prePoint,
		Node:      n,
		Operation: "undelete",
		User:      userID,
		Client:    client,
		Recursion: rec,
	}); err != nil {
		return nil, err
	}

	work := []deleteItem{{node: n, rec: rec}}
	for len(work) > 0 {
		item := work[0]
		work = work[1:]
		current := item.node

		if !current.IsDeleted() {
			continue
		}

		if current.ExpandsRecursively() {
			children, err := s.nodes.Children(ctx, current.ID, current.Owner, fs.FilterDeleted)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				work = append(work, deleteItem{node: child, rec: item.rec.Descend()})
			}
		}

		if current.IsFile() && !current.IsReference() && current.Storage != "" {
			adapter, err := s.adapterFor(ctx, current)
			if err != nil {
				return nil, err
			}
			locator, err := adapter.Undelete(ctx, current.Storage)
			if err != nil {
				return nil, translateAdapterErr(err, current.ID)
			}
			current.Storage = locator
		}

		current.Deleted = nil
		current.Changed = time.Now()
		if err := s.nodes.Update(ctx, current); err != nil {
			return nil, err
		}

		postPoint := hook.PostUndeleteCollection
		if current.IsFile() {
			postPoint = hook.PostUndeleteFile
		}
		s.fire(ctx, &hook.Event{
			Point:     postPoint,
			Node:      current,
			Operation: "undelete",
			User:      userID,
			Client:    client,
			Recursion: item.rec,
		})
	}
	return n, nil
}

func deleteOperation(force bool) string {
	if force {
		return "forceDelete"
	}
	return "delete"
}
