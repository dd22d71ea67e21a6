package delta_test

import (
	"context"
	"testing"
	"time"

	"github.com/balloonfs/balloon/pkg/delta"
	deltamem "github.com/balloonfs/balloon/pkg/delta/store/memory"
	"github.com/balloonfs/balloon/pkg/fs"
	nodemem "github.com/balloonfs/balloon/pkg/fs/store/memory"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/identity"
)

type fixture struct {
	log    *delta.Log
	nodes  *nodemem.NodeStore
	events *deltamem.EventStore
	ids    *identity.MemoryProvider
	alice  *identity.User
	root   *fs.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nodes := nodemem.New()
	events := deltamem.New()
	ids := identity.NewMemoryProvider()

	alice := &identity.User{ID: "alice", Username: "alice", HardQuota: identity.Unlimited, SoftQuota: identity.Unlimited}
	ids.AddUser(alice)

	root, err := nodes.Root(context.Background(), "alice")
	if err != nil {
		t.Fatalf("failed to get root: %v", err)
	}

	return &fixture{
		log:    delta.New(events, nodes, ids),
		nodes:  nodes,
		events: events,
		ids:    ids,
		alice:  alice,
		root:   root,
	}
}

func (f *fixture) addFile(t *testing.T, name string) *fs.Node {
	t.Helper()
	id := fs.NewNodeID()
	now := time.Now()
	n := &fs.Node{
		ID:      id,
		Pointer: id,
		Kind:    fs.KindFile,
		Name:    name,
		Parent:  f.root.ID,
		Owner:   "alice",
		Size:    1,
		Created: now,
		Changed: now,
	}
	if err := f.nodes.Insert(context.Background(), n); err != nil {
		t.Fatalf("failed to insert %q: %v", name, err)
	}
	return n
}

func TestFeedSnapshotWithoutCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFile(t, "a.txt")
	f.addFile(t, "b.txt")

	page, err := f.log.Feed(ctx, f.alice, "", 0, "")
	if err != nil {
		t.Fatalf("failed to serve feed: %v", err)
	}

	if !page.Reset {
		t.Error("snapshot page must carry reset=true")
	}
	if len(page.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(page.Nodes))
	}
	paths := map[string]bool{}
	for _, n := range page.Nodes {
		if n.Deleted {
			t.Errorf("snapshot entries are never deleted: %+v", n)
		}
		paths[n.Path] = true
	}
	if !paths["/a.txt"] || !paths["/b.txt"] {
		t.Errorf("unexpected paths %v", paths)
	}

	// The final snapshot page hands out a delta-mode cursor.
	if page.HasMore {
		t.Error("expected the snapshot to fit one page")
	}
	cursor, err := delta.DecodeCursor(page.Cursor)
	if err != nil {
		t.Fatalf("returned cursor must decode: %v", err)
	}
	if cursor.Mode != delta.ModeDelta {
		t.Errorf("expected delta-mode cursor after the last page, got mode %d", cursor.Mode)
	}
}

func TestFeedSnapshotPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		f.addFile(t, name)
	}

	var collected []delta.NodeProjection
	cursor := ""
	pages := 0
	for {
		page, err := f.log.Feed(ctx, f.alice, cursor, 2, "")
		if err != nil {
			t.Fatalf("failed to serve page %d: %v", pages, err)
		}
		collected = append(collected, page.Nodes...)
		pages++
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
		decoded, err := delta.DecodeCursor(cursor)
		if err != nil {
			t.Fatalf("intermediate cursor must decode: %v", err)
		}
		if decoded.Mode != delta.ModeSnapshot {
			t.Fatalf("intermediate cursor must stay in snapshot mode, got %d", decoded.Mode)
		}
		if pages > 10 {
			t.Fatal("pagination never terminated")
		}
	}

	if len(collected) != 5 {
		t.Errorf("expected all 5 nodes across pages, got %d", len(collected))
	}
	if pages < 3 {
		t.Errorf("expected at least 3 pages with limit 2, got %d", pages)
	}
}

func TestFeedDeltaMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Consume the initial snapshot to obtain a delta anchor.
	page, err := f.log.Feed(ctx, f.alice, "", 0, "")
	if err != nil {
		t.Fatalf("failed to serve snapshot: %v", err)
	}
	anchor := page.Cursor

	added := f.addFile(t, "new.txt")
	f.log.Add(ctx, delta.OpAdd, added, nil, fs.ClientContext{})

	page, err = f.log.Feed(ctx, f.alice, anchor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve delta page: %v", err)
	}
	if page.Reset {
		t.Error("delta pages must not reset the client")
	}
	if len(page.Nodes) != 1 {
		t.Fatalf("expected 1 projection, got %d", len(page.Nodes))
	}
	got := page.Nodes[0]
	if got.Path != "/new.txt" || got.Deleted || got.Directory {
		t.Errorf("unexpected projection %+v", got)
	}

	// Replaying the returned cursor yields nothing new.
	page, err = f.log.Feed(ctx, f.alice, page.Cursor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve empty delta page: %v", err)
	}
	if len(page.Nodes) != 0 || page.HasMore {
		t.Errorf("expected an empty page, got %d nodes", len(page.Nodes))
	}
}

func TestFeedDeltaDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doomed := f.addFile(t, "doomed.txt")
	page, err := f.log.Feed(ctx, f.alice, "", 0, "")
	if err != nil {
		t.Fatalf("failed to serve snapshot: %v", err)
	}

	now := time.Now()
	doomed.Deleted = &now
	if err := f.nodes.Update(ctx, doomed); err != nil {
		t.Fatalf("failed to trash node: %v", err)
	}
	f.log.Add(ctx, delta.OpDelete, doomed, nil, fs.ClientContext{})

	page, err = f.log.Feed(ctx, f.alice, page.Cursor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve delta page: %v", err)
	}
	if len(page.Nodes) != 1 {
		t.Fatalf("expected 1 projection, got %d", len(page.Nodes))
	}
	if !page.Nodes[0].Deleted {
		t.Error("delete events must project deleted=true")
	}
}

func TestFeedRenameTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addFile(t, "old.txt")
	page, err := f.log.Feed(ctx, f.alice, "", 0, "")
	if err != nil {
		t.Fatalf("failed to serve snapshot: %v", err)
	}

	file.Name = "new.txt"
	if err := f.nodes.Update(ctx, file); err != nil {
		t.Fatalf("failed to rename node: %v", err)
	}
	f.log.Add(ctx, delta.OpRename, file, &delta.Previous{Name: "old.txt", Parent: f.root.ID}, fs.ClientContext{})

	page, err = f.log.Feed(ctx, f.alice, page.Cursor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve delta page: %v", err)
	}
	if len(page.Nodes) != 2 {
		t.Fatalf("expected tombstone plus current projection, got %d", len(page.Nodes))
	}

	tombstone, current := page.Nodes[0], page.Nodes[1]
	if tombstone.Path != "/old.txt" || !tombstone.Deleted {
		t.Errorf("expected deleted tombstone at the vacated path, got %+v", tombstone)
	}
	if current.Path != "/new.txt" || current.Deleted {
		t.Errorf("expected live projection at the new path, got %+v", current)
	}
}

func TestFeedMoveWithRenameTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hooks := hook.NewDispatcher()
	f.log.Subscribe(hooks)

	now := time.Now()
	dir := &fs.Node{
		ID:      fs.NewNodeID(),
		Kind:    fs.KindCollection,
		Name:    "archive",
		Parent:  f.root.ID,
		Owner:   "alice",
		Created: now,
		Changed: now,
	}
	dir.Pointer = dir.ID
	if err := f.nodes.Insert(ctx, dir); err != nil {
		t.Fatalf("failed to insert collection: %v", err)
	}
	file := f.addFile(t, "doc.txt")

	anchor, err := f.log.LastCursor(ctx)
	if err != nil {
		t.Fatalf("failed to get anchor cursor: %v", err)
	}

	// A conflict-resolved move changes parent and name in one save.
	oldParent := file.Parent
	file.Name = "doc (1).txt"
	file.Parent = dir.ID
	if err := f.nodes.Update(ctx, file); err != nil {
		t.Fatalf("failed to move node: %v", err)
	}
	hooks.Fire(ctx, &hook.Event{
		Point:    hook.PostSaveNodeAttributes,
		Node:     file,
		Previous: map[string]any{"parent": oldParent, "name": "doc.txt"},
		User:     "alice",
	})

	page, err := f.log.Feed(ctx, f.alice, anchor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve delta page: %v", err)
	}
	if len(page.Nodes) != 2 {
		t.Fatalf("expected tombstone plus current projection, got %d", len(page.Nodes))
	}
	tombstone, current := page.Nodes[0], page.Nodes[1]
	if tombstone.Path != "/doc.txt" || !tombstone.Deleted {
		t.Errorf("expected the tombstone at the vacated name, got %+v", tombstone)
	}
	if current.Path != "/archive/doc (1).txt" || current.Deleted {
		t.Errorf("expected the live projection at the new path, got %+v", current)
	}
}

func TestFeedMalformedCursorDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFile(t, "a.txt")

	page, err := f.log.Feed(ctx, f.alice, "definitely-not-a-cursor", 0, "")
	if err != nil {
		t.Fatalf("malformed cursors must never fail: %v", err)
	}
	if !page.Reset {
		t.Error("malformed cursor must degrade to a snapshot")
	}
	if len(page.Nodes) != 1 {
		t.Errorf("expected the full snapshot, got %d nodes", len(page.Nodes))
	}
}

func TestFeedStaleCursorDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addFile(t, "a.txt")
	for i := 0; i < 3; i++ {
		f.log.Add(ctx, delta.OpAdd, file, nil, fs.ClientContext{})
	}

	stale := delta.Cursor{Mode: delta.ModeDelta, LastID: 1, LastTS: time.Now().Unix()}.Encode()

	// Prune the whole log so the cursor points into dropped history.
	if _, err := f.log.Prune(ctx, -time.Hour); err != nil {
		t.Fatalf("failed to prune: %v", err)
	}

	page, err := f.log.Feed(ctx, f.alice, stale, 0, "")
	if err != nil {
		t.Fatalf("stale cursors must never fail: %v", err)
	}
	if !page.Reset {
		t.Error("stale cursor must degrade to a snapshot")
	}
}

func TestFeedShareVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bob := &identity.User{ID: "bob", Username: "bob"}
	f.ids.AddUser(bob)

	shared := f.addFile(t, "team.txt")
	shared.Shared = "share-1"
	if err := f.nodes.Update(ctx, shared); err != nil {
		t.Fatalf("failed to mark node shared: %v", err)
	}
	if err := f.ids.GrantShare(ctx, "bob", "share-1"); err != nil {
		t.Fatalf("failed to grant share: %v", err)
	}

	// Anchor bob at the current log position, then record a shared mutation.
	anchor, err := f.log.LastCursor(ctx)
	if err != nil {
		t.Fatalf("failed to get anchor cursor: %v", err)
	}
	f.log.Add(ctx, delta.OpAdd, shared, nil, fs.ClientContext{})

	page, err := f.log.Feed(ctx, bob, anchor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve bob's feed: %v", err)
	}
	if len(page.Nodes) != 1 {
		t.Fatalf("expected the shared event in bob's feed, got %d", len(page.Nodes))
	}

	// A stranger with no grant sees nothing.
	carol := &identity.User{ID: "carol", Username: "carol"}
	f.ids.AddUser(carol)
	page, err = f.log.Feed(ctx, carol, anchor, 0, "")
	if err != nil {
		t.Fatalf("failed to serve carol's feed: %v", err)
	}
	if len(page.Nodes) != 0 {
		t.Errorf("expected no events for a user without the share, got %d", len(page.Nodes))
	}
}

func TestFeedScopedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFile(t, "private.txt")
	shared := f.addFile(t, "team.txt")
	shared.Shared = "share-1"
	if err := f.nodes.Update(ctx, shared); err != nil {
		t.Fatalf("failed to mark node shared: %v", err)
	}

	// A cursorless scoped feed serves a snapshot; the scope must hold there
	// just as it does in delta mode.
	page, err := f.log.Feed(ctx, f.alice, "", 0, "share-1")
	if err != nil {
		t.Fatalf("failed to serve scoped snapshot: %v", err)
	}
	if !page.Reset {
		t.Error("cursorless feed must serve a snapshot")
	}
	if len(page.Nodes) != 1 {
		t.Fatalf("expected only the share subtree, got %d nodes", len(page.Nodes))
	}
	if page.Nodes[0].Path != "/team.txt" {
		t.Errorf("expected the shared node, got %+v", page.Nodes[0])
	}
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addFile(t, "a.txt")
	f.log.Add(ctx, delta.OpAdd, file, nil, fs.ClientContext{})
	f.log.Add(ctx, delta.OpRename, file, nil, fs.ClientContext{})

	removed, err := f.log.Prune(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 pruned events, got %d", removed)
	}

	removed, err = f.log.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to prune empty log: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected nothing left to prune, got %d", removed)
	}
}
