package vfs

import (
	"context"
	"fmt"
	"time"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/scheduler"
)

// MoveJob is the scheduler payload for a deferred deep move.
type MoveJob struct {
	User   string
	Node   fs.NodeID
	Parent fs.NodeID
	Policy fs.ConflictPolicy
	Client fs.ClientContext
}

// MoveResult reports how a move was carried out: inline (Node set) or handed
// to the scheduler (Job set).
type MoveResult struct {
	Node *fs.Node
	Job  scheduler.Handle
}

// MoveTo re-parents a node below a new collection.
//
// Moving into the current parent and moving into the node's own subtree are
// refused. Crossing a share boundary or a storage mount degrades to
// copy-then-delete, since a pointer update cannot carry content or visibility
// across. Deep subtrees go to the scheduler and a job handle is returned.
func (s *Service) MoveTo(ctx context.Context, userID string, nodeID, destParentID fs.NodeID, policy fs.ConflictPolicy, client fs.ClientContext) (res *MoveResult, err error) {
	defer func() { metrics.ObserveOp("move", err) }()

	n, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, fserrors.NewConflictError(string(n.ID), fserrors.ReasonNone, "the root collection cannot be moved")
	}
	if n.IsDeleted() {
		return nil, fserrors.NewNotFoundError(string(n.ID), "node")
	}
	dest, err := s.Resolve(ctx, destParentID)
	if err != nil {
		return nil, err
	}
	if err := checkWritableParent(dest); err != nil {
		return nil, err
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeWritePlus); err != nil {
		return nil, err
	}
	if err := s.access(ctx, userID, dest, acl.PrivilegeWrite); err != nil {
		return nil, err
	}

	if dest.ID == n.Parent {
		return nil, fserrors.NewConflictError(string(n.ID),
			fserrors.ReasonAlreadyThere,
			"node is already below the destination")
	}
	inside, err := s.isInSubtree(ctx, dest, n)
	if err != nil {
		return nil, err
	}
	if inside {
		return nil, fserrors.NewConflictError(string(n.ID),
			fserrors.ReasonCantBeChildOfItself,
			"cannot move a node into its own subtree")
	}

	// A pointer update cannot cross a share boundary or a mount; fall back
	// to copy-then-delete.
	if n.Shared != dest.Shared || n.StorageReference != storageReferenceFor(dest) {
		copied, err := s.CopyTo(ctx, userID, n.ID, dest.ID, policy, fs.DeletedExclude, client)
		if err != nil {
			return nil, err
		}
		if _, err := s.DeleteOne(ctx, userID, n.ID, true, client); err != nil {
			return nil, err
		}
		return &MoveResult{Node: copied}, nil
	}

	if s.jobs != nil {
		size, err := s.subtreeSize(ctx, n, s.deepThreshold+1)
		if err != nil {
			return nil, err
		}
		if size > s.deepThreshold {
			handle, err := s.jobs.Submit(ctx, scheduler.JobMoveNode, &MoveJob{
				User:   userID,
				Node:   n.ID,
				Parent: dest.ID,
				Policy: policy,
				Client: client,
			})
			if err != nil {
				return nil, err
			}
			return &MoveResult{Job: handle}, nil
		}
	}

	if err := s.moveSync(ctx, userID, n, dest, policy, client); err != nil {
		return nil, err
	}
	return &MoveResult{Node: n}, nil
}

// runMoveJob executes a deferred move submitted by MoveTo.
func (s *Service) runMoveJob(ctx context.Context, payload any) error {
	job, ok := payload.(*MoveJob)
	if !ok {
		return fmt.Errorf("unexpected move job payload %T", payload)
	}
	n, err := s.nodes.Get(ctx, job.Node)
	if err != nil {
		if fserrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	dest, err := s.Resolve(ctx, job.Parent)
	if err != nil {
		return err
	}
	return s.moveSync(ctx, job.User, n, dest, job.Policy, job.Client)
}

// moveSync performs the pointer-update move: pre hook, physical relocation,
// metadata commit, post hook carrying the vacated parent.
func (s *Service) moveSync(ctx context.Context, userID string, n, dest *fs.Node, policy fs.ConflictPolicy, client fs.ClientContext) error {
	name, existing, err := s.resolveConflict(ctx, dest, n.Name, policy)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != n.ID {
		// Merge on move is only meaningful for collections; anything else
		// already failed under NoAction above.
		return fserrors.NewConflictError(string(existing.ID),
			fserrors.ReasonNodeWithSameNameExists,
			"a node with the same name already exists at the destination")
	}

	oldParent := n.Parent
	previous := map[string]any{"parent": oldParent}
	if name != n.Name {
		// Conflict resolution renamed the node in flight; the vacated entry
		// still carries the old name.
		previous["name"] = n.Name
	}

	if err := s.fire(ctx, &hook.Event{
		Point:     hook.PreSaveNodeAttributes,
		Node:      n,
		Parent:    dest,
		Previous:  previous,
		Operation: "move",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	}); err != nil {
		return err
	}

	if n.Storage != "" && !n.IsReference() {
		adapter, err := s.adapterFor(ctx, n)
		if err != nil {
			return err
		}
		locator, err := adapter.Move(ctx, n.Storage, dest.Storage)
		if err != nil {
			return translateAdapterErr(err, n.ID)
		}
		n.Storage = locator
	}

	n.Name = name
	n.Parent = dest.ID
	n.Changed = time.Now()
	if err := s.updateRetrying(ctx, dest, n, policy); err != nil {
		return err
	}

	s.fire(ctx, &hook.Event{
		Point:     hook.PostSaveNodeAttributes,
		Node:      n,
		Parent:    dest,
		Previous:  previous,
		Operation: "move",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	})
	return nil
}

// updateRetrying persists a node update, retrying with a fresh generated name
// when the uniqueness constraint catches a race and the policy allows it.
func (s *Service) updateRetrying(ctx context.Context, parent *fs.Node, n *fs.Node, policy fs.ConflictPolicy) error {
	for attempt := 0; ; attempt++ {
		err := s.nodes.Update(ctx, n)
		if err == nil {
			return nil
		}
		if !fserrors.IsConflict(err) || policy != fs.ConflictRename || attempt >= maxRenameAttempts {
			return err
		}
		free, nameErr := s.freeName(ctx, parent, n.Name)
		if nameErr != nil {
			return nameErr
		}
		n.Name = free
	}
}
