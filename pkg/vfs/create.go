package vfs

import (
	"context"
	"time"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/metrics"
)

// AddRequest describes a node creation.
type AddRequest struct {
	User   string
	Client fs.ClientContext

	Parent fs.NodeID
	Kind   fs.NodeKind
	Name   string

	Policy fs.ConflictPolicy

	// Optional attributes.
	Meta   map[string]string
	Filter string
	Mount  *fs.MountDescriptor
}

// Add creates a collection or an empty file record under a parent.
//
// The parent must be a live, writable collection the user can write to. With
// Merge policy an existing live child with the same name is returned instead
// of creating a duplicate.
func (s *Service) Add(ctx context.Context, req AddRequest) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("add", err) }()

	parent, err := s.Resolve(ctx, req.Parent)
	if err != nil {
		return nil, err
	}
	if err := checkWritableParent(parent); err != nil {
		return nil, err
	}
	if err := s.access(ctx, req.User, parent, acl.PrivilegeWrite); err != nil {
		return nil, err
	}

	name, err := fs.CheckName(req.Name)
	if err != nil {
		return nil, err
	}
	if req.Kind != fs.KindCollection && req.Kind != fs.KindFile {
		return nil, fserrors.NewInvalidArgumentError("kind must be collection or file")
	}
	if req.Mount != nil && req.Kind != fs.KindCollection {
		return nil, fserrors.NewInvalidArgumentError("only collections can carry a mount")
	}
	if req.Filter != "" && req.Kind != fs.KindCollection {
		return nil, fserrors.NewInvalidArgumentError("only collections can carry a filter")
	}

	prePoint, postPoint := hook.PreCreateCollection, hook.PostCreateCollection
	if req.Kind == fs.KindFile {
		prePoint, postPoint = hook.PreCreateFile, hook.PostCreateFile
	}

	// Pre hook may rewrite the proposed name or veto the creation.
	if err := s.fire(ctx, &hook.Event{
		Point:     prePoint,
		Parent:    parent,
		Name:      &name,
		Operation: "add",
		User:      req.User,
		Client:    req.Client,
		Recursion: hook.NewRecursion(),
	}); err != nil {
		return nil, err
	}
	if name, err = fs.CheckName(name); err != nil {
		return nil, err
	}

	name, existing, err := s.resolveConflict(ctx, parent, name, req.Policy)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Merge reuses the existing child.
		return existing, nil
	}

	now := time.Now()
	id := fs.NewNodeID()
	node = &fs.Node{
		ID:      id,
		Pointer: id,
		Kind:    req.Kind,
		Name:    name,
		Parent:  parent.ID,
		Owner:   parent.Owner,
		Shared:  parent.Shared,
		Created: now,
		Changed: now,
		Meta:    req.Meta,
		Filter:  req.Filter,
		Mount:   req.Mount,
	}
	node.StorageReference = storageReferenceFor(parent)

	// Physical storage first, metadata second.
	if req.Kind == fs.KindCollection && req.Mount == nil {
		adapter, err := s.adapterFor(ctx, node)
		if err != nil {
			return nil, err
		}
		locator, err := adapter.CreateCollection(ctx, parent.Storage, name)
		if err != nil {
			return nil, translateAdapterErr(err, parent.ID)
		}
		node.Storage = locator
	}

	if err := s.insertRetrying(ctx, parent, node, req.Policy); err != nil {
		return nil, err
	}

	s.fire(ctx, &hook.Event{
		Point:     postPoint,
		Node:      node,
		Parent:    parent,
		Operation: "add",
		User:      req.User,
		Client:    req.Client,
		Recursion: hook.NewRecursion(),
	})
	return node, nil
}

// storageReferenceFor derives the mount indirection a child inherits: the
// parent itself when it is a mount root, otherwise whatever the parent
// carries.
func storageReferenceFor(parent *fs.Node) fs.NodeID {
	if parent.IsMounted() {
		return parent.ID
	}
	return parent.StorageReference
}
