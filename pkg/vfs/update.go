package vfs

import (
	"context"
	"time"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/scheduler"
)

// UpdateResult reports an attribute save: the updated node, or the job handle
// when a parent change on a deep subtree went async.
type UpdateResult struct {
	Node *fs.Node
	Job  scheduler.Handle
}

// Update applies an attribute diff to a node.
//
// Attributes dispatch over an explicit whitelist; unknown keys are rejected
// with InvalidArgument instead of being set blindly. Renames validate the new
// name, parent changes go through the move path (async for deep subtrees),
// ACL changes are restricted to share roots and require manage privilege.
func (s *Service) Update(ctx context.Context, userID string, nodeID fs.NodeID, changes map[string]any, client fs.ClientContext) (res *UpdateResult, err error) {
	defer func() { metrics.ObserveOp("update", err) }()

	if len(changes) == 0 {
		return nil, fserrors.NewInvalidArgumentError("no attributes to update")
	}

	n, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n.IsDeleted() {
		return nil, fserrors.NewNotFoundError(string(n.ID), "node")
	}

	// A parent change is a move and cannot be combined with other diffs in
	// one call; the move path owns its own hooks and conflict handling.
	if rawParent, hasParent := changes["parent"]; hasParent {
		if len(changes) > 1 {
			return nil, fserrors.NewInvalidArgumentError("a parent change cannot be combined with other attributes")
		}
		parentID, ok := asNodeID(rawParent)
		if !ok {
			return nil, fserrors.NewInvalidArgumentError("parent must be a node id")
		}
		moved, err := s.MoveTo(ctx, userID, n.ID, parentID, fs.ConflictNoAction, client)
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Node: moved.Node, Job: moved.Job}, nil
	}

	if err := s.access(ctx, userID, n, acl.PrivilegeWrite); err != nil {
		return nil, err
	}

	previous := make(map[string]any)

	for key, raw := range changes {
		switch key {
		case "name":
			name, ok := raw.(string)
			if !ok {
				return nil, fserrors.NewInvalidArgumentError("name must be a string")
			}
			if err := s.applyRename(ctx, n, name, previous); err != nil {
				return nil, err
			}

		case "readonly":
			readonly, ok := raw.(bool)
			if !ok {
				return nil, fserrors.NewInvalidArgumentError("readonly must be a boolean")
			}
			if err := s.applyReadonly(ctx, n, readonly); err != nil {
				return nil, err
			}

		case "meta":
			meta, ok := asMeta(raw)
			if !ok {
				return nil, fserrors.NewInvalidArgumentError("meta must be a string map")
			}
			n.Meta = meta

		case "acl":
			rules, ok := asRules(raw)
			if !ok {
				return nil, fserrors.NewInvalidArgumentError("acl must be a rule list")
			}
			if err := s.applyACL(ctx, userID, n, rules); err != nil {
				return nil, err
			}

		case "share_name":
			shareName, ok := raw.(string)
			if !ok {
				return nil, fserrors.NewInvalidArgumentError("share_name must be a string")
			}
			if !n.IsShareRoot() {
				return nil, fserrors.NewConflictError(string(n.ID),
					fserrors.ReasonNotShared,
					"share_name is only valid on a share root")
			}
			n.ShareName = shareName

		default:
			return nil, fserrors.NewInvalidArgumentError("unknown attribute " + key)
		}
	}

	rec := hook.NewRecursion()
	if err := s.fire(ctx, &hook.Event{
		Point:     hook.PreSaveNodeAttributes,
		Node:      n,
		Previous:  previous,
		Operation: updateOperation(previous),
		User:      userID,
		Client:    client,
		Recursion: rec,
	}); err != nil {
		return nil, err
	}

	n.Changed = time.Now()
	if err := s.nodes.Update(ctx, n); err != nil {
		return nil, err
	}

	s.fire(ctx, &hook.Event{
		Point:     hook.PostSaveNodeAttributes,
		Node:      n,
		Previous:  previous,
		Operation: updateOperation(previous),
		User:      userID,
		Client:    client,
		Recursion: rec,
	})
	return &UpdateResult{Node: n}, nil
}

// applyRename validates the new name and relocates the physical entry. The
// metadata commit happens with the rest of the diff in Update.
func (s *Service) applyRename(ctx context.Context, n *fs.Node, name string, previous map[string]any) error {
	name, err := fs.CheckName(name)
	if err != nil {
		return err
	}
	if fs.NamesEqual(n.Name, name) && n.Name == name {
		return nil
	}

	// Advisory collision check; the store constraint is authoritative.
	existing, err := s.nodes.GetChild(ctx, n.Parent, n.Owner, name, fs.FilterLive)
	if err != nil && !fserrors.IsNotFound(err) {
		return err
	}
	if existing != nil && existing.ID != n.ID {
		return fserrors.NewConflictError(string(existing.ID),
			fserrors.ReasonNodeWithSameNameExists,
			"a sibling with the same name already exists")
	}

	if n.Storage != "" && !n.IsReference() {
		adapter, err := s.adapterFor(ctx, n)
		if err != nil {
			return err
		}
		locator, err := adapter.Rename(ctx, n.Storage, name)
		if err != nil {
			return translateAdapterErr(err, n.ID)
		}
		n.Storage = locator
	}

	previous["name"] = n.Name
	n.Name = name
	return nil
}

func (s *Service) applyReadonly(ctx context.Context, n *fs.Node, readonly bool) error {
	if n.Readonly == readonly {
		return nil
	}
	if n.Storage != "" && !n.IsReference() {
		adapter, err := s.adapterFor(ctx, n)
		if err != nil {
			return err
		}
		locator, err := adapter.Readonly(ctx, n.Storage, readonly)
		if err != nil {
			return translateAdapterErr(err, n.ID)
		}
		n.Storage = locator
	}
	n.Readonly = readonly
	return nil
}

// applyACL replaces the rule list on a share root. ACL mutations on anything
// else are structural conflicts, and the caller needs manage privilege.
func (s *Service) applyACL(ctx context.Context, userID string, n *fs.Node, rules []acl.Rule) error {
	if !n.IsSpecial() {
		return fserrors.NewConflictError(string(n.ID),
			fserrors.ReasonNotShared,
			"acl is only valid on a share root")
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeManage); err != nil {
		return err
	}
	if err := acl.Validate(ctx, s.ids, rules); err != nil {
		return fserrors.NewInvalidArgumentError(err.Error())
	}
	n.ACL = rules
	return nil
}

// updateOperation names the save for hooks and the delta log: renames are
// classified by the presence of the previous name.
func updateOperation(previous map[string]any) string {
	if _, ok := previous["name"]; ok {
		return "rename"
	}
	return "update"
}

func asNodeID(raw any) (fs.NodeID, bool) {
	switch v := raw.(type) {
	case fs.NodeID:
		return v, true
	case string:
		return fs.NodeID(v), true
	default:
		return "", false
	}
}

// asMeta accepts the typed map and the shape JSON decoding produces.
func asMeta(raw any) (map[string]string, bool) {
	switch v := raw.(type) {
	case map[string]string:
		return v, true
	case map[string]any:
		out := make(map[string]string, len(v))
		for key, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil, false
			}
			out[key] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// asRules accepts a typed rule list and the shape JSON decoding produces.
// Malformed privilege tokens and unknown identities are caught downstream by
// acl.Validate.
func asRules(raw any) ([]acl.Rule, bool) {
	switch v := raw.(type) {
	case []acl.Rule:
		return v, true
	case []any:
		out := make([]acl.Rule, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			ruleType, _ := obj["type"].(string)
			id, _ := obj["id"].(string)
			privilege, _ := obj["privilege"].(string)
			out = append(out, acl.Rule{
				Type:      acl.RuleType(ruleType),
				ID:        id,
				Privilege: acl.Privilege(privilege),
			})
		}
		return out, true
	default:
		return nil, false
	}
}
