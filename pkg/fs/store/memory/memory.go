// Package memory provides an in-memory node store for tests and dry runs.
//
// The store is a thin map guarded by a mutex with NO business logic; the
// factories in pkg/vfs own validation and orchestration. What the store does
// enforce is sibling uniqueness: it is the authoritative arbiter of the
// (name, parent, owner, deleted-state) constraint.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

// NodeStore keeps all nodes in a single map guarded by a RWMutex.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[fs.NodeID]*fs.Node
	roots map[string]fs.NodeID // owner -> root id
}

var _ fs.NodeStore = (*NodeStore)(nil)

// New creates an empty node store.
func New() *NodeStore {
	return &NodeStore{
		nodes: make(map[fs.NodeID]*fs.Node),
		roots: make(map[string]fs.NodeID),
	}
}

// ============================================================================
// CRUD Operations
// ============================================================================

// Get implements fs.NodeStore.
func (s *NodeStore) Get(ctx context.Context, id fs.NodeID) (*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.nodes[id]
	if !exists {
		return nil, fserrors.NewNotFoundError(string(id), "node")
	}
	return n.Clone(), nil
}

// GetChild implements fs.NodeStore.
func (s *NodeStore) GetChild(ctx context.Context, parent fs.NodeID, owner, name string, filter fs.ChildFilter) (*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.nodes {
		if n.Parent != parent || n.Owner != owner {
			continue
		}
		if !filter.Matches(n) {
			continue
		}
		if fs.NamesEqual(n.Name, name) {
			return n.Clone(), nil
		}
	}
	return nil, fserrors.NewNotFoundError(name, "child")
}

// Children implements fs.NodeStore.
func (s *NodeStore) Children(ctx context.Context, parent fs.NodeID, owner string, filter fs.ChildFilter) ([]*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*fs.Node
	for _, n := range s.nodes {
		if n.Parent != parent || n.Owner != owner {
			continue
		}
		if !filter.Matches(n) {
			continue
		}
		out = append(out, n.Clone())
	}
	sortByName(out)
	return out, nil
}

// Insert implements fs.NodeStore.
func (s *NodeStore) Insert(ctx context.Context, n *fs.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; exists {
		return fserrors.NewConflictError(string(n.ID), fserrors.ReasonNone, "node id already exists")
	}
	if err := s.checkSiblingLocked(n); err != nil {
		return err
	}

	s.nodes[n.ID] = n.Clone()
	if n.IsRoot() {
		s.roots[n.Owner] = n.ID
	}
	return nil
}

// Update implements fs.NodeStore.
func (s *NodeStore) Update(ctx context.Context, n *fs.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; !exists {
		return fserrors.NewNotFoundError(string(n.ID), "node")
	}
	if err := s.checkSiblingLocked(n); err != nil {
		return err
	}

	s.nodes[n.ID] = n.Clone()
	return nil
}

// Delete implements fs.NodeStore.
func (s *NodeStore) Delete(ctx context.Context, id fs.NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, exists := s.nodes[id]
	if !exists {
		return fserrors.NewNotFoundError(string(id), "node")
	}
	delete(s.nodes, id)
	if n.IsRoot() {
		delete(s.roots, n.Owner)
	}
	return nil
}

// Root implements fs.NodeStore.
func (s *NodeStore) Root(ctx context.Context, owner string) (*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.roots[owner]; exists {
		return s.nodes[id].Clone(), nil
	}

	now := time.Now()
	id := fs.NewNodeID()
	root := &fs.Node{
		ID:      id,
		Pointer: id,
		Kind:    fs.KindCollection,
		Name:    "",
		Owner:   owner,
		Created: now,
		Changed: now,
	}
	s.nodes[id] = root
	s.roots[owner] = id
	return root.Clone(), nil
}

// ============================================================================
// Share and Reference Lookups
// ============================================================================

// ByPointer implements fs.NodeStore.
func (s *NodeStore) ByPointer(ctx context.Context, pointer fs.NodeID) ([]*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*fs.Node
	for _, n := range s.nodes {
		if n.Pointer == pointer && n.ID != pointer {
			out = append(out, n.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

// BySharedRoot implements fs.NodeStore.
func (s *NodeStore) BySharedRoot(ctx context.Context, share fs.NodeID) ([]*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*fs.Node
	for _, n := range s.nodes {
		if n.Shared == share {
			out = append(out, n.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

// SetSharedBulk implements fs.NodeStore.
func (s *NodeStore) SetSharedBulk(ctx context.Context, root fs.NodeID, share fs.NodeID, owner string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[root]; !exists {
		return 0, fserrors.NewNotFoundError(string(root), "node")
	}

	// Walk the subtree with a worklist, root included.
	var touched int64
	work := []fs.NodeID{root}
	for len(work) > 0 {
		id := work[0]
		work = work[1:]

		n, exists := s.nodes[id]
		if !exists {
			continue
		}
		n.Shared = share
		if owner != "" {
			n.Owner = owner
		}
		touched++

		for childID, child := range s.nodes {
			if child.Parent == id {
				work = append(work, childID)
			}
		}
	}
	return touched, nil
}

// ============================================================================
// Aggregates and Listings
// ============================================================================

// OwnedSize implements fs.NodeStore.
func (s *NodeStore) OwnedSize(ctx context.Context, owner string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, n := range s.nodes {
		if n.Owner == owner && n.IsFile() && !n.IsReference() {
			total += n.Size
		}
	}
	return total, nil
}

// VisibleLive implements fs.NodeStore.
func (s *NodeStore) VisibleLive(ctx context.Context, owner string, shares []fs.NodeID, scope fs.NodeID, page fs.Page) ([]*fs.Node, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	shareSet := make(map[fs.NodeID]bool, len(shares))
	for _, sh := range shares {
		shareSet[sh] = true
	}

	var all []*fs.Node
	for _, n := range s.nodes {
		if n.IsDeleted() || n.IsRoot() {
			continue
		}
		if scope != "" && n.Shared != scope {
			continue
		}
		if n.Owner == owner || (n.Shared != "" && shareSet[n.Shared]) {
			all = append(all, n.Clone())
		}
	}
	// Stable ordering for snapshot pagination.
	sortByID(all)

	total := int64(len(all))
	if page.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[page.Offset:]
	if page.Limit > 0 && len(all) > page.Limit {
		all = all[:page.Limit]
	}
	return all, total, nil
}

// Trash implements fs.NodeStore.
func (s *NodeStore) Trash(ctx context.Context, owner string) ([]*fs.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*fs.Node
	for _, n := range s.nodes {
		if n.Owner != owner || !n.IsDeleted() {
			continue
		}
		// Only subtree roots: skip nodes whose parent is deleted too.
		if parent, exists := s.nodes[n.Parent]; exists && parent.IsDeleted() {
			continue
		}
		out = append(out, n.Clone())
	}
	sortByName(out)
	return out, nil
}

// ============================================================================
// Internal Helpers
// ============================================================================

// checkSiblingLocked enforces case-insensitive sibling uniqueness within the
// same deleted-state. Must be called with the write lock held.
func (s *NodeStore) checkSiblingLocked(n *fs.Node) error {
	if n.IsRoot() {
		return nil
	}
	for _, sibling := range s.nodes {
		if sibling.ID == n.ID {
			continue
		}
		if sibling.Parent != n.Parent || sibling.Owner != n.Owner {
			continue
		}
		if sibling.IsDeleted() != n.IsDeleted() {
			continue
		}
		if fs.NamesEqual(sibling.Name, n.Name) {
			return fserrors.NewConflictError(string(n.ID),
				fserrors.ReasonNodeWithSameNameExists,
				"a sibling with the same name already exists")
		}
	}
	return nil
}

func sortByName(nodes []*fs.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name == nodes[j].Name {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].Name < nodes[j].Name
	})
}

func sortByID(nodes []*fs.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
