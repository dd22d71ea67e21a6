package vfs

import (
	"context"
	"time"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/identity"
	"github.com/balloonfs/balloon/pkg/metrics"
)

// Share turns a collection into a share root.
//
// Nested shares are refused: the collection may not live inside a share and
// its subtree may not already contain one. The shared marker propagates to
// every descendant in one bulk update, the ACL lives only on the root, and
// each recipient gains a reference node in their own root pointing at the
// canonical collection.
func (s *Service) Share(ctx context.Context, userID string, nodeID fs.NodeID, rules []acl.Rule, shareName string, client fs.ClientContext) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("share", err) }()

	n, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !n.IsCollection() || n.IsReference() {
		return nil, fserrors.NewInvalidArgumentError("only collections can be shared")
	}
	if n.IsDeleted() {
		return nil, fserrors.NewNotFoundError(string(n.ID), "node")
	}
	if n.IsRoot() {
		return nil, fserrors.NewInvalidArgumentError("the root collection cannot be shared")
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeManage); err != nil {
		return nil, err
	}

	if n.IsShared() {
		return nil, fserrors.NewConflictError(string(n.ID),
			fserrors.ReasonSharedNodeCantBeChildOfShare,
			"node is already part of a share")
	}
	insideShare, err := s.ancestorShared(ctx, n)
	if err != nil {
		return nil, err
	}
	if insideShare {
		return nil, fserrors.NewConflictError(string(n.ID),
			fserrors.ReasonSharedNodeCantBeChildOfShare,
			"node lives inside an existing share")
	}
	containsShare, err := s.subtreeContainsShare(ctx, n)
	if err != nil {
		return nil, err
	}
	if containsShare {
		return nil, fserrors.NewConflictError(string(n.ID),
			fserrors.ReasonSharedNodeCantBeChildOfShare,
			"subtree already contains a share")
	}

	if err := acl.Validate(ctx, s.ids, rules); err != nil {
		return nil, fserrors.NewInvalidArgumentError(err.Error())
	}
	if shareName == "" {
		shareName = n.Name
	}

	if err := s.fire(ctx, &hook.Event{
		Point:     hook.PreShareCollection,
		Node:      n,
		Operation: "share",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	}); err != nil {
		return nil, err
	}

	// Bulk-stamp the subtree, then record the ACL only on the root.
	if _, err := s.nodes.SetSharedBulk(ctx, n.ID, n.ID, ""); err != nil {
		return nil, err
	}
	n.Shared = n.ID
	n.ACL = rules
	n.ShareName = shareName
	n.Changed = time.Now()
	if err := s.nodes.Update(ctx, n); err != nil {
		return nil, err
	}

	if err := s.fanOutReferences(ctx, n, rules); err != nil {
		return nil, err
	}

	s.fire(ctx, &hook.Event{
		Point:     hook.PostShareCollection,
		Node:      n,
		Operation: "share",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	})
	return n, nil
}

// Unshare reverses a share: reference copies disappear, the shared marker is
// cleared across the subtree and descendant ownership is reassigned to the
// acting user.
func (s *Service) Unshare(ctx context.Context, userID string, nodeID fs.NodeID, client fs.ClientContext) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("unshare", err) }()

	n, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !n.IsShareRoot() {
		return nil, fserrors.NewNotSharedError(string(n.ID))
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeManage); err != nil {
		return nil, err
	}

	if err := s.fire(ctx, &hook.Event{
		Point:     hook.PreUnshareCollection,
		Node:      n,
		Operation: "unshare",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	}); err != nil {
		return nil, err
	}

	refs, err := s.nodes.ByPointer(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if err := s.nodes.Delete(ctx, ref.ID); err != nil && !fserrors.IsNotFound(err) {
			return nil, err
		}
	}
	if registrar, ok := s.ids.(identity.ShareRegistrar); ok {
		if err := registrar.RevokeShare(ctx, string(n.ID)); err != nil {
			logger.WarnCtx(ctx, "failed to revoke share grants",
				logger.KeyShare, string(n.ID),
				logger.KeyError, err.Error())
		}
	}

	if _, err := s.nodes.SetSharedBulk(ctx, n.ID, "", userID); err != nil {
		return nil, err
	}
	n.Shared = ""
	n.Owner = userID
	n.ACL = nil
	n.ShareName = ""
	n.Changed = time.Now()
	if err := s.nodes.Update(ctx, n); err != nil {
		return nil, err
	}

	s.fire(ctx, &hook.Event{
		Point:     hook.PostUnshareCollection,
		Node:      n,
		Operation: "unshare",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	})
	return n, nil
}

// fanOutReferences creates one reference node per recipient and records the
// grant so SharesOf stays in sync.
func (s *Service) fanOutReferences(ctx context.Context, shareRoot *fs.Node, rules []acl.Rule) error {
	recipients, err := s.recipientsOf(ctx, shareRoot.Owner, rules)
	if err != nil {
		return err
	}

	registrar, _ := s.ids.(identity.ShareRegistrar)
	for _, recipient := range recipients {
		root, err := s.nodes.Root(ctx, recipient)
		if err != nil {
			return err
		}

		now := time.Now()
		ref := &fs.Node{
			ID:      fs.NewNodeID(),
			Pointer: shareRoot.ID,
			Kind:    fs.KindCollection,
			Name:    shareRoot.ShareName,
			Parent:  root.ID,
			Owner:   recipient,
			Shared:  shareRoot.ID,
			Created: now,
			Changed: now,
		}
		if err := s.insertRetrying(ctx, root, ref, fs.ConflictRename); err != nil {
			return err
		}

		if registrar != nil {
			if err := registrar.GrantShare(ctx, recipient, string(shareRoot.ID)); err != nil {
				logger.WarnCtx(ctx, "failed to record share grant",
					logger.KeyShare, string(shareRoot.ID),
					logger.KeyOwner, recipient,
					logger.KeyError, err.Error())
			}
		}
	}
	return nil
}

// recipientsOf expands the rule list to the distinct set of granted users:
// user rules directly, group rules via membership, deny rules and the owner
// excluded.
func (s *Service) recipientsOf(ctx context.Context, owner string, rules []acl.Rule) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	addUser := func(id string) {
		if id == owner || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, rule := range rules {
		if rule.Privilege == acl.PrivilegeDeny {
			continue
		}
		switch rule.Type {
		case acl.RuleTypeUser:
			addUser(rule.ID)
		case acl.RuleTypeGroup:
			members, err := s.ids.MembersOf(ctx, rule.ID)
			if err != nil {
				return nil, err
			}
			for _, member := range members {
				addUser(member)
			}
		}
	}
	return out, nil
}

// ancestorShared reports whether any ancestor of n carries a shared marker.
func (s *Service) ancestorShared(ctx context.Context, n *fs.Node) (bool, error) {
	current := n
	for current.Parent != "" {
		parent, err := s.nodes.Get(ctx, current.Parent)
		if err != nil {
			return false, err
		}
		if parent.IsShared() {
			return true, nil
		}
		current = parent
	}
	return false, nil
}

// subtreeContainsShare reports whether any descendant of n is already part of
// a share.
func (s *Service) subtreeContainsShare(ctx context.Context, n *fs.Node) (bool, error) {
	work := []*fs.Node{n}
	for len(work) > 0 {
		current := work[0]
		work = work[1:]

		if current.ID != n.ID && current.IsShared() {
			return true, nil
		}
		if !current.ExpandsRecursively() {
			continue
		}
		children, err := s.nodes.Children(ctx, current.ID, current.Owner, fs.FilterAll)
		if err != nil {
			return false, err
		}
		work = append(work, children...)
	}
	return false, nil
}
