// Package vfs implements the node factories: the sole mutation path of the
// virtual filesystem.
//
// Every mutation follows the same shape: validate against ACL, quota and
// sibling uniqueness, fire the pre hook (which may rewrite the proposed name
// or veto), delegate the physical operation to the storage adapter, persist
// the new node state, fire the post hook. Physical storage mutates before the
// metadata record commits, so a crash between the two steps leaves an
// orphaned-but-harmless blob for the periodic sweep instead of a metadata
// record pointing at nothing.
package vfs

import (
	"context"
	"path"
	"sync"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/identity"
	"github.com/balloonfs/balloon/pkg/quota"
	"github.com/balloonfs/balloon/pkg/scheduler"
	"github.com/balloonfs/balloon/pkg/storage"
)

// DefaultHistoryCap is the maximum number of retained file versions.
const DefaultHistoryCap = 8

// DefaultDeepThreshold is the subtree size above which deletes and parent
// changes are handed to the scheduler instead of running inline.
const DefaultDeepThreshold = 100

// Config tunes the factory service.
type Config struct {
	// HistoryCap caps a file's version history; older entries are pruned
	// and their blob references released. Default: 8
	HistoryCap int

	// DeepThreshold is the subtree node count above which recursive
	// operations go async. Default: 100
	DeepThreshold int

	// DefaultAdapter names the adapter backing nodes outside any mount.
	DefaultAdapter string
}

// Service orchestrates node mutations across the store, the ACL evaluator,
// the storage adapters, the quota manager and the hook dispatcher.
type Service struct {
	nodes    fs.NodeStore
	ids      identity.Provider
	hooks    *hook.Dispatcher
	quota    *quota.Manager
	jobs     *scheduler.Scheduler
	adapters map[string]storage.Adapter

	historyCap     int
	deepThreshold  int
	defaultAdapter string

	// Adapter resolution per mount root is memoized for the process
	// lifetime; mounts are immutable once created.
	mountMu    sync.RWMutex
	mountCache map[fs.NodeID]storage.Adapter
}

// New creates the factory service. The adapters map is keyed by adapter kind.
func New(nodes fs.NodeStore, ids identity.Provider, hooks *hook.Dispatcher, qm *quota.Manager, jobs *scheduler.Scheduler, adapters map[string]storage.Adapter, cfg Config) *Service {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.DeepThreshold <= 0 {
		cfg.DeepThreshold = DefaultDeepThreshold
	}

	s := &Service{
		nodes:          nodes,
		ids:            ids,
		hooks:          hooks,
		quota:          qm,
		jobs:           jobs,
		adapters:       adapters,
		historyCap:     cfg.HistoryCap,
		deepThreshold:  cfg.DeepThreshold,
		defaultAdapter: cfg.DefaultAdapter,
		mountCache:     make(map[fs.NodeID]storage.Adapter),
	}
	if jobs != nil {
		jobs.Register(scheduler.JobDeleteNode, s.runDeleteJob)
		jobs.Register(scheduler.JobMoveNode, s.runMoveJob)
	}
	return s
}

// RegisterJobs re-binds the scheduler handlers. Exposed for wiring orders
// where the scheduler is constructed after the service.
func (s *Service) RegisterJobs(jobs *scheduler.Scheduler) {
	s.jobs = jobs
	jobs.Register(scheduler.JobDeleteNode, s.runDeleteJob)
	jobs.Register(scheduler.JobMoveNode, s.runMoveJob)
}

// ============================================================================
// Node Resolution
// ============================================================================

// Get returns a node by id without following reference indirection.
func (s *Service) Get(ctx context.Context, id fs.NodeID) (*fs.Node, error) {
	return s.nodes.Get(ctx, id)
}

// Resolve returns the canonical node behind an id, following one level of
// share-reference indirection.
func (s *Service) Resolve(ctx context.Context, id fs.NodeID) (*fs.Node, error) {
	n, err := s.nodes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.IsReference() {
		return s.nodes.Get(ctx, n.Pointer)
	}
	return n, nil
}

// Stat returns the canonical node behind an id after a read access check.
// This is the boundary-facing lookup; Get and Resolve skip the check and are
// for internal callers that already verified access.
func (s *Service) Stat(ctx context.Context, userID string, id fs.NodeID) (*fs.Node, error) {
	n, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeRead); err != nil {
		return nil, err
	}
	return n, nil
}

// Root returns the per-user root collection, creating it on first use.
func (s *Service) Root(ctx context.Context, owner string) (*fs.Node, error) {
	return s.nodes.Root(ctx, owner)
}

// Children lists the live children of a collection visible to the caller.
func (s *Service) Children(ctx context.Context, userID string, parentID fs.NodeID) ([]*fs.Node, error) {
	parent, err := s.Resolve(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if err := s.access(ctx, userID, parent, acl.PrivilegeRead); err != nil {
		return nil, err
	}
	return s.nodes.Children(ctx, parent.ID, parent.Owner, fs.FilterLive)
}

// Trash lists the caller's soft-deleted subtree roots.
func (s *Service) Trash(ctx context.Context, userID string) ([]*fs.Node, error) {
	return s.nodes.Trash(ctx, userID)
}

// ============================================================================
// Access Control
// ============================================================================

// identityOf builds the ACL evaluation snapshot for a user.
func (s *Service) identityOf(ctx context.Context, userID string) (acl.Identity, error) {
	user, err := s.ids.GetUser(ctx, userID)
	if err != nil {
		return acl.Identity{}, err
	}
	if user == nil {
		return acl.Identity{}, fserrors.NewNotFoundError(userID, "user")
	}
	groups, err := s.ids.GroupsOf(ctx, userID)
	if err != nil {
		return acl.Identity{}, err
	}
	return acl.Identity{UserID: userID, Admin: user.Admin, Groups: groups}, nil
}

// access checks that the user holds the required privilege over a node. For
// nodes under a share the share root's owner and rule list govern.
func (s *Service) access(ctx context.Context, userID string, n *fs.Node, required acl.Privilege) error {
	id, err := s.identityOf(ctx, userID)
	if err != nil {
		return err
	}

	owner := n.Owner
	rules := n.ACL
	if n.IsShared() && !n.IsShareRoot() {
		root, err := s.nodes.Get(ctx, n.Shared)
		if err != nil {
			return err
		}
		owner = root.Owner
		rules = root.ACL
	}

	if !acl.IsAllowed(owner, rules, id, required) {
		return fserrors.NewForbiddenError(string(n.ID), "insufficient privilege")
	}
	return nil
}

// ============================================================================
// Structural Write Checks
// ============================================================================

// checkWritableParent verifies a node can gain children: it must be a live,
// non-readonly, non-filtered collection.
func checkWritableParent(parent *fs.Node) error {
	if !parent.IsCollection() {
		return fserrors.NewConflictError(string(parent.ID), fserrors.ReasonNone, "parent is not a collection")
	}
	if parent.IsDeleted() {
		return fserrors.NewNotFoundError(string(parent.ID), "parent")
	}
	if parent.Readonly {
		return fserrors.NewReadonlyError(string(parent.ID))
	}
	if parent.IsFiltered() {
		return fserrors.NewFilteredParentError(string(parent.ID))
	}
	return nil
}

// ============================================================================
// Adapter Selection
// ============================================================================

// adapterFor resolves the storage adapter backing a node: the mount the node
// lives under, or the default adapter outside any mount.
func (s *Service) adapterFor(ctx context.Context, n *fs.Node) (storage.Adapter, error) {
	if n.StorageReference == "" {
		return s.adapterByKind(s.defaultAdapter)
	}

	s.mountMu.RLock()
	cached, exists := s.mountCache[n.StorageReference]
	s.mountMu.RUnlock()
	if exists {
		return cached, nil
	}

	mountRoot, err := s.nodes.Get(ctx, n.StorageReference)
	if err != nil {
		return nil, err
	}
	if mountRoot.Mount == nil {
		return nil, fserrors.NewNotFoundError(string(n.StorageReference), "mount")
	}
	adapter, err := s.adapterByKind(mountRoot.Mount.Adapter)
	if err != nil {
		return nil, err
	}

	s.mountMu.Lock()
	s.mountCache[n.StorageReference] = adapter
	s.mountMu.Unlock()
	return adapter, nil
}

func (s *Service) adapterByKind(kind string) (storage.Adapter, error) {
	adapter, exists := s.adapters[kind]
	if !exists {
		return nil, fserrors.NewNotFoundError(kind, "storage adapter")
	}
	return adapter, nil
}

// locatorHint builds the adapter destination hint for a child entry. Path
// stores interpret it as the target path; content-addressed stores ignore it.
func locatorHint(parent *fs.Node, name string) string {
	return path.Join(parent.Storage, name)
}

// ============================================================================
// Hook Helpers
// ============================================================================

func (s *Service) fire(ctx context.Context, ev *hook.Event) error {
	return s.hooks.Fire(ctx, ev)
}

// translateAdapterErr rewrites adapter-level integrity failures into
// API-facing errors so adapter internals never leak verbatim. A stale or
// aborted upload handle stays a session error scoped to the node; a missing
// blob surfaces as missing content.
func translateAdapterErr(err error, nodeID fs.NodeID) error {
	if err == nil || !fserrors.IsAdapterInternal(err) {
		return err
	}
	switch fserrors.CodeOf(err) {
	case fserrors.ErrSessionNotFound, fserrors.ErrChunkNotFound:
		return fserrors.NewSessionNotFoundError(string(nodeID))
	default:
		return fserrors.NewNotFoundError(string(nodeID), "content")
	}
}

// subtreeSize counts the nodes of a subtree up to the given cap. Recursion
// uses a worklist, never the call stack.
func (s *Service) subtreeSize(ctx context.Context, root *fs.Node, cap int) (int, error) {
	count := 1
	if !root.ExpandsRecursively() {
		return count, nil
	}

	work := []*fs.Node{root}
	for len(work) > 0 && count <= cap {
		current := work[0]
		work = work[1:]

		children, err := s.nodes.Children(ctx, current.ID, current.Owner, fs.FilterAll)
		if err != nil {
			return 0, err
		}
		for _, child := range children {
			count++
			if child.ExpandsRecursively() {
				work = append(work, child)
			}
		}
	}
	return count, nil
}
