package memory

import (
	"context"
	"testing"
	"time"

	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

func newFile(parent fs.NodeID, owner, name string, size int64) *fs.Node {
	id := fs.NewNodeID()
	now := time.Now()
	return &fs.Node{
		ID:      id,
		Pointer: id,
		Kind:    fs.KindFile,
		Name:    name,
		Parent:  parent,
		Owner:   owner,
		Size:    size,
		Created: now,
		Changed: now,
	}
}

func newCollection(parent fs.NodeID, owner, name string) *fs.Node {
	id := fs.NewNodeID()
	now := time.Now()
	return &fs.Node{
		ID:      id,
		Pointer: id,
		Kind:    fs.KindCollection,
		Name:    name,
		Parent:  parent,
		Owner:   owner,
		Created: now,
		Changed: now,
	}
}

func mustRoot(t *testing.T, s *NodeStore, owner string) *fs.Node {
	t.Helper()
	root, err := s.Root(context.Background(), owner)
	if err != nil {
		t.Fatalf("failed to get root: %v", err)
	}
	return root
}

func mustInsert(t *testing.T, s *NodeStore, n *fs.Node) {
	t.Helper()
	if err := s.Insert(context.Background(), n); err != nil {
		t.Fatalf("failed to insert %q: %v", n.Name, err)
	}
}

func TestRootIsCreatedOnDemand(t *testing.T) {
	s := New()
	root := mustRoot(t, s, "alice")

	if !root.IsRoot() || !root.IsCollection() {
		t.Error("root must be a parentless collection")
	}

	again := mustRoot(t, s, "alice")
	if again.ID != root.ID {
		t.Error("root must be stable across calls")
	}

	other := mustRoot(t, s, "bob")
	if other.ID == root.ID {
		t.Error("each owner gets a distinct root")
	}
}

func TestInsertAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	n := newFile(root.ID, "alice", "a.txt", 10)
	mustInsert(t, s, n)

	got, err := s.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if got.Name != "a.txt" || got.Parent != root.ID {
		t.Errorf("unexpected node: %+v", got)
	}

	// Returned nodes are copies; mutating them must not leak into the store.
	got.Name = "mutated"
	fresh, _ := s.Get(ctx, n.ID)
	if fresh.Name != "a.txt" {
		t.Error("store must hand out clones")
	}
}

func TestGetUnknownNode(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "missing")
	if !fserrors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSiblingUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")
	mustInsert(t, s, newFile(root.ID, "alice", "report.txt", 1))

	t.Run("case-insensitive collision rejected", func(t *testing.T) {
		err := s.Insert(ctx, newFile(root.ID, "alice", "REPORT.TXT", 1))
		if !fserrors.IsConflict(err) {
			t.Errorf("expected Conflict, got %v", err)
		}
		if fserrors.ReasonOf(err) != fserrors.ReasonNodeWithSameNameExists {
			t.Errorf("expected same-name reason, got %v", fserrors.ReasonOf(err))
		}
	})

	t.Run("same name under another parent is fine", func(t *testing.T) {
		sub := newCollection(root.ID, "alice", "sub")
		mustInsert(t, s, sub)
		if err := s.Insert(ctx, newFile(sub.ID, "alice", "report.txt", 1)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("same name for another owner is fine", func(t *testing.T) {
		bobRoot := mustRoot(t, s, "bob")
		if err := s.Insert(ctx, newFile(bobRoot.ID, "bob", "report.txt", 1)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("deleted sibling does not collide with live one", func(t *testing.T) {
		trashed := newFile(root.ID, "alice", "draft.txt", 1)
		now := time.Now()
		trashed.Deleted = &now
		mustInsert(t, s, trashed)

		if err := s.Insert(ctx, newFile(root.ID, "alice", "draft.txt", 1)); err != nil {
			t.Errorf("live and deleted siblings may share a name: %v", err)
		}
	})

	t.Run("update into a collision rejected", func(t *testing.T) {
		n := newFile(root.ID, "alice", "other.txt", 1)
		mustInsert(t, s, n)
		n.Name = "report.txt"
		if err := s.Update(ctx, n); !fserrors.IsConflict(err) {
			t.Errorf("expected Conflict, got %v", err)
		}
	})
}

func TestChildrenAndGetChild(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	live := newFile(root.ID, "alice", "b.txt", 1)
	mustInsert(t, s, live)
	mustInsert(t, s, newFile(root.ID, "alice", "a.txt", 1))

	trashed := newFile(root.ID, "alice", "c.txt", 1)
	now := time.Now()
	trashed.Deleted = &now
	mustInsert(t, s, trashed)

	children, err := s.Children(ctx, root.ID, "alice", fs.FilterLive)
	if err != nil {
		t.Fatalf("failed to list children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 live children, got %d", len(children))
	}
	if children[0].Name != "a.txt" || children[1].Name != "b.txt" {
		t.Errorf("expected name ordering, got %q then %q", children[0].Name, children[1].Name)
	}

	got, err := s.GetChild(ctx, root.ID, "alice", "B.TXT", fs.FilterLive)
	if err != nil {
		t.Fatalf("failed to look up child: %v", err)
	}
	if got.ID != live.ID {
		t.Error("child lookup must be case-insensitive")
	}

	if _, err := s.GetChild(ctx, root.ID, "alice", "c.txt", fs.FilterLive); !fserrors.IsNotFound(err) {
		t.Errorf("live filter must hide deleted children, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")
	n := newFile(root.ID, "alice", "gone.txt", 1)
	mustInsert(t, s, n)

	if err := s.Delete(ctx, n.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := s.Get(ctx, n.ID); !fserrors.IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, n.ID); !fserrors.IsNotFound(err) {
		t.Errorf("expected NotFound for double delete, got %v", err)
	}
}

func TestByPointer(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	canonical := newCollection(root.ID, "alice", "shared")
	mustInsert(t, s, canonical)

	bobRoot := mustRoot(t, s, "bob")
	ref := newCollection(bobRoot.ID, "bob", "shared")
	ref.Pointer = canonical.ID
	mustInsert(t, s, ref)

	refs, err := s.ByPointer(ctx, canonical.ID)
	if err != nil {
		t.Fatalf("failed to look up references: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != ref.ID {
		t.Errorf("expected exactly the reference node, got %d nodes", len(refs))
	}
}

func TestSetSharedBulk(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	top := newCollection(root.ID, "alice", "top")
	mustInsert(t, s, top)
	mid := newCollection(top.ID, "alice", "mid")
	mustInsert(t, s, mid)
	leaf := newFile(mid.ID, "alice", "leaf.txt", 1)
	mustInsert(t, s, leaf)
	outside := newFile(root.ID, "alice", "outside.txt", 1)
	mustInsert(t, s, outside)

	touched, err := s.SetSharedBulk(ctx, top.ID, top.ID, "")
	if err != nil {
		t.Fatalf("failed to mark subtree shared: %v", err)
	}
	if touched != 3 {
		t.Errorf("expected 3 touched nodes, got %d", touched)
	}

	for _, id := range []fs.NodeID{top.ID, mid.ID, leaf.ID} {
		n, _ := s.Get(ctx, id)
		if n.Shared != top.ID {
			t.Errorf("node %q missing share marker", n.Name)
		}
	}
	if n, _ := s.Get(ctx, outside.ID); n.Shared != "" {
		t.Error("node outside the subtree must stay unshared")
	}

	members, err := s.BySharedRoot(ctx, top.ID)
	if err != nil {
		t.Fatalf("failed to look up share members: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("expected 3 share members, got %d", len(members))
	}
}

func TestOwnedSize(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	mustInsert(t, s, newFile(root.ID, "alice", "a.txt", 100))
	trashed := newFile(root.ID, "alice", "b.txt", 50)
	now := time.Now()
	trashed.Deleted = &now
	mustInsert(t, s, trashed)

	// References never count against the owner of the reference.
	other := newFile(root.ID, "alice", "c.txt", 1000)
	other.Pointer = "some-canonical-node"
	mustInsert(t, s, other)

	size, err := s.OwnedSize(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to compute owned size: %v", err)
	}
	if size != 150 {
		t.Errorf("expected trash to count and references not to, got %d", size)
	}
}

func TestVisibleLivePaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		mustInsert(t, s, newFile(root.ID, "alice", name, 1))
	}
	trashed := newFile(root.ID, "alice", "z", 1)
	now := time.Now()
	trashed.Deleted = &now
	mustInsert(t, s, trashed)

	first, total, err := s.VisibleLive(ctx, "alice", nil, "", fs.Page{Limit: 3})
	if err != nil {
		t.Fatalf("failed to page: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5 live nodes, got %d", total)
	}
	if len(first) != 3 {
		t.Fatalf("expected first page of 3, got %d", len(first))
	}

	second, _, err := s.VisibleLive(ctx, "alice", nil, "", fs.Page{Offset: 3, Limit: 3})
	if err != nil {
		t.Fatalf("failed to page: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected remaining 2 nodes, got %d", len(second))
	}

	seen := map[fs.NodeID]bool{}
	for _, n := range append(first, second...) {
		if seen[n.ID] {
			t.Errorf("node %q returned twice across pages", n.Name)
		}
		seen[n.ID] = true
	}
}

func TestVisibleLiveIncludesShares(t *testing.T) {
	s := New()
	ctx := context.Background()

	aliceRoot := mustRoot(t, s, "alice")
	shared := newCollection(aliceRoot.ID, "alice", "team-docs")
	shared.Shared = shared.ID
	mustInsert(t, s, shared)

	mustRoot(t, s, "bob")

	visible, _, err := s.VisibleLive(ctx, "bob", []fs.NodeID{shared.ID}, "", fs.Page{})
	if err != nil {
		t.Fatalf("failed to list visible nodes: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != shared.ID {
		t.Errorf("expected the shared subtree to be visible to the recipient, got %d nodes", len(visible))
	}
}

func TestVisibleLiveScoped(t *testing.T) {
	s := New()
	ctx := context.Background()

	root := mustRoot(t, s, "alice")
	mustInsert(t, s, newFile(root.ID, "alice", "private.txt", 1))

	shared := newCollection(root.ID, "alice", "team-docs")
	shared.Shared = shared.ID
	mustInsert(t, s, shared)

	inside := newFile(shared.ID, "alice", "plan.txt", 1)
	inside.Shared = shared.ID
	mustInsert(t, s, inside)

	visible, total, err := s.VisibleLive(ctx, "alice", nil, shared.ID, fs.Page{})
	if err != nil {
		t.Fatalf("failed to list scoped nodes: %v", err)
	}
	if total != 2 || len(visible) != 2 {
		t.Fatalf("expected only the share subtree, got %d of %d nodes", len(visible), total)
	}
	for _, n := range visible {
		if n.Shared != shared.ID {
			t.Errorf("node %q leaked past the scope", n.Name)
		}
	}
}

func TestTrashListsOnlySubtreeRoots(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := mustRoot(t, s, "alice")

	now := time.Now()
	top := newCollection(root.ID, "alice", "old")
	top.Deleted = &now
	mustInsert(t, s, top)

	child := newFile(top.ID, "alice", "old.txt", 1)
	child.Deleted = &now
	mustInsert(t, s, child)

	mustInsert(t, s, newFile(root.ID, "alice", "live.txt", 1))

	trash, err := s.Trash(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to list trash: %v", err)
	}
	if len(trash) != 1 || trash[0].ID != top.ID {
		t.Errorf("expected only the deleted subtree root, got %d nodes", len(trash))
	}
}
