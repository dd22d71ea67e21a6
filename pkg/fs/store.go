package fs

import (
	"context"
	"strings"
)

// ChildFilter narrows Children and GetChild lookups by deleted-state.
type ChildFilter int

const (
	// FilterLive matches only live nodes.
	FilterLive ChildFilter = iota

	// FilterDeleted matches only soft-deleted nodes.
	FilterDeleted

	// FilterAll matches both.
	FilterAll
)

// Matches reports whether a node passes the filter.
func (f ChildFilter) Matches(n *Node) bool {
	switch f {
	case FilterLive:
		return !n.IsDeleted()
	case FilterDeleted:
		return n.IsDeleted()
	default:
		return true
	}
}

// Page bounds a listing query.
type Page struct {
	Offset int
	Limit  int // 0 = unbounded
}

// NodeStore is the persistence contract for nodes.
//
// Implementations are thin CRUD layers with no business logic; the factories
// in pkg/vfs own validation and orchestration. The store IS the authoritative
// arbiter of the (name, parent, owner, deleted-state) uniqueness constraint:
// Insert and Update must reject violations with a Conflict error even when
// the factory's own pre-check raced with a concurrent writer.
type NodeStore interface {
	// Get retrieves a node by id. Returns NotFound when absent.
	Get(ctx context.Context, id NodeID) (*Node, error)

	// GetChild resolves a name under (parent, owner) case-insensitively.
	// Returns NotFound when no child passes the filter.
	GetChild(ctx context.Context, parent NodeID, owner, name string, filter ChildFilter) (*Node, error)

	// Children lists the children of a collection for one owner.
	Children(ctx context.Context, parent NodeID, owner string, filter ChildFilter) ([]*Node, error)

	// Insert persists a new node, enforcing sibling uniqueness.
	Insert(ctx context.Context, n *Node) error

	// Update persists node mutations, enforcing sibling uniqueness when the
	// name, parent or deleted-state changed.
	Update(ctx context.Context, n *Node) error

	// Delete removes the record entirely (force-delete path).
	Delete(ctx context.Context, id NodeID) error

	// Root returns the per-user root collection, creating it on first use.
	Root(ctx context.Context, owner string) (*Node, error)

	// ByPointer returns every reference node resolving to the given
	// canonical id. Used for share-reference fan-out on force delete.
	ByPointer(ctx context.Context, pointer NodeID) ([]*Node, error)

	// BySharedRoot returns every node whose Shared marker is the given
	// share root, the root included.
	BySharedRoot(ctx context.Context, share NodeID) ([]*Node, error)

	// SetSharedBulk stamps the Shared marker on every node of the subtree
	// rooted at root (root included) in one bulk update, returning the
	// number of nodes touched. When owner is non-empty the nodes' ownership
	// is reassigned to it in the same pass (unshare).
	SetSharedBulk(ctx context.Context, root NodeID, share NodeID, owner string) (int64, error)

	// OwnedSize sums the content sizes of all non-reference file nodes
	// owned by owner, trash included.
	OwnedSize(ctx context.Context, owner string) (int64, error)

	// VisibleLive pages over the current live nodes visible to a caller:
	// nodes it owns plus nodes under the given share roots. A non-empty
	// scope narrows the result to nodes carrying that Shared marker.
	// Ordering must be stable across calls for snapshot pagination.
	VisibleLive(ctx context.Context, owner string, shares []NodeID, scope NodeID, page Page) ([]*Node, int64, error)

	// Trash lists the soft-deleted nodes owned by owner whose parent is
	// live or absent (the trash view shows subtree roots, not every
	// descendant).
	Trash(ctx context.Context, owner string) ([]*Node, error)
}

// PathOf resolves the virtual path of a node by walking its parents.
// Paths use forward slashes; the per-user root is "/".
func PathOf(ctx context.Context, store NodeStore, n *Node) (string, error) {
	if n.IsRoot() {
		return "/", nil
	}

	segments := []string{n.Name}
	current := n
	for current.Parent != "" {
		parent, err := store.Get(ctx, current.Parent)
		if err != nil {
			return "", err
		}
		if parent.IsRoot() {
			break
		}
		segments = append(segments, parent.Name)
		current = parent
	}

	// Reverse into a path.
	var b strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(segments[i])
	}
	return b.String(), nil
}
