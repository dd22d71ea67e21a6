package vfs

import (
	"context"
	"testing"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/scheduler"
)

func TestMoveReparents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	src := f.mkdir("alice", root.ID, "src")
	dst := f.mkdir("alice", root.ID, "dst")
	file := f.putNew("alice", src.ID, "doc.txt", "content")

	res, err := f.svc.MoveTo(ctx, "alice", file.ID, dst.ID, fs.ConflictNoAction, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to move: %v", err)
	}
	if res.Node == nil || res.Job != "" {
		t.Fatalf("expected an inline move, got %+v", res)
	}
	if res.Node.ID != file.ID {
		t.Error("a pointer-update move must keep the node identity")
	}
	if res.Node.Parent != dst.ID {
		t.Errorf("expected parent %s, got %s", dst.ID, res.Node.Parent)
	}
	if res.Node.Hash != sha256hex("content") {
		t.Error("content must be untouched by a move")
	}
}

func TestMoveRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dir := f.mkdir("alice", root.ID, "outer")
	inner := f.mkdir("alice", dir.ID, "inner")
	file := f.addFile("alice", dir.ID, "doc.txt")

	t.Run("root cannot move", func(t *testing.T) {
		if _, err := f.svc.MoveTo(ctx, "alice", root.ID, dir.ID, fs.ConflictNoAction, fs.ClientContext{}); !fserrors.IsConflict(err) {
			t.Errorf("expected Conflict, got %v", err)
		}
	})

	t.Run("already below the destination", func(t *testing.T) {
		_, err := f.svc.MoveTo(ctx, "alice", file.ID, dir.ID, fs.ConflictNoAction, fs.ClientContext{})
		if fserrors.ReasonOf(err) != fserrors.ReasonAlreadyThere {
			t.Errorf("expected AlreadyThere, got %v", err)
		}
	})

	t.Run("into its own subtree", func(t *testing.T) {
		_, err := f.svc.MoveTo(ctx, "alice", dir.ID, inner.ID, fs.ConflictNoAction, fs.ClientContext{})
		if fserrors.ReasonOf(err) != fserrors.ReasonCantBeChildOfItself {
			t.Errorf("expected CantBeChildOfItself, got %v", err)
		}
	})

	t.Run("deleted nodes cannot move", func(t *testing.T) {
		doomed := f.addFile("alice", dir.ID, "doomed.txt")
		if _, err := f.svc.DeleteOne(ctx, "alice", doomed.ID, false, fs.ClientContext{}); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		if _, err := f.svc.MoveTo(ctx, "alice", doomed.ID, inner.ID, fs.ConflictNoAction, fs.ClientContext{}); !fserrors.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("name collision under no action", func(t *testing.T) {
		f.addFile("alice", inner.ID, "doc.txt")
		_, err := f.svc.MoveTo(ctx, "alice", file.ID, inner.ID, fs.ConflictNoAction, fs.ClientContext{})
		if fserrors.ReasonOf(err) != fserrors.ReasonNodeWithSameNameExists {
			t.Errorf("expected a name conflict, got %v", err)
		}
	})
}

func TestMoveRenamePolicyResolvesCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dst := f.mkdir("alice", root.ID, "dst")
	f.addFile("alice", dst.ID, "doc.txt")
	file := f.addFile("alice", root.ID, "doc.txt")

	res, err := f.svc.MoveTo(ctx, "alice", file.ID, dst.ID, fs.ConflictRename, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to move with rename policy: %v", err)
	}
	if res.Node.Name != "doc (1).txt" {
		t.Errorf("expected doc (1).txt, got %s", res.Node.Name)
	}
}

func TestMoveRenameRecordsVacatedName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dst := f.mkdir("alice", root.ID, "dst")
	f.addFile("alice", dst.ID, "doc.txt")
	file := f.addFile("alice", root.ID, "doc.txt")

	var captured map[string]any
	f.hooks.Register("capture", func(ctx context.Context, ev *hook.Event) error {
		captured = ev.Previous
		return nil
	}, hook.PostSaveNodeAttributes)

	res, err := f.svc.MoveTo(ctx, "alice", file.ID, dst.ID, fs.ConflictRename, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to move with rename policy: %v", err)
	}
	if res.Node.Name != "doc (1).txt" {
		t.Fatalf("expected doc (1).txt, got %s", res.Node.Name)
	}

	// Watchers of the vacated entry need the pre-move name, not the
	// conflict-resolved one.
	if captured == nil {
		t.Fatal("expected a post-save event for the move")
	}
	if got, _ := captured["parent"].(fs.NodeID); got != root.ID {
		t.Errorf("expected the vacated parent %s, got %v", root.ID, captured["parent"])
	}
	if got, _ := captured["name"].(string); got != "doc.txt" {
		t.Errorf("expected the vacated name doc.txt, got %v", captured["name"])
	}
}

func TestMoveAcrossShareBoundaryCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	shared := f.mkdir("alice", root.ID, "team")
	if _, err := f.svc.Share(ctx, "alice", shared.ID, []acl.Rule{
		{Type: acl.RuleTypeUser, ID: "bob", Privilege: acl.PrivilegeWrite},
	}, "", fs.ClientContext{}); err != nil {
		t.Fatalf("failed to share: %v", err)
	}

	file := f.putNew("alice", root.ID, "doc.txt", "carried over")

	res, err := f.svc.MoveTo(ctx, "alice", file.ID, shared.ID, fs.ConflictNoAction, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to move into the share: %v", err)
	}

	// Crossing the boundary degrades to copy-then-delete: new identity,
	// share visibility inherited, the original record gone.
	if res.Node.ID == file.ID {
		t.Error("expected a fresh node identity across the share boundary")
	}
	if res.Node.Shared != shared.ID {
		t.Errorf("the copy must join the share, got %q", res.Node.Shared)
	}
	if res.Node.Hash != sha256hex("carried over") {
		t.Error("content must carry across")
	}
	if _, err := f.svc.Get(ctx, file.ID); !fserrors.IsNotFound(err) {
		t.Errorf("the original must be force-deleted, got %v", err)
	}
	if !f.blobs.BlobExists(sha256hex("carried over")) {
		t.Error("the blob must survive via the copy's reference")
	}
}

func TestDeepMoveGoesAsync(t *testing.T) {
	f := newFixtureConfig(t, Config{DeepThreshold: 2})
	f.startJobs()
	ctx := context.Background()
	root := f.root("alice")

	dir := f.mkdir("alice", root.ID, "big")
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		f.addFile("alice", dir.ID, name)
	}
	dst := f.mkdir("alice", root.ID, "dst")

	res, err := f.svc.MoveTo(ctx, "alice", dir.ID, dst.ID, fs.ConflictNoAction, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to move: %v", err)
	}
	if res.Job == "" || res.Node != nil {
		t.Fatalf("expected a job handle for the deep subtree, got %+v", res)
	}

	state := f.waitForJob(res.Job)
	if state.Status != scheduler.StatusDone {
		t.Fatalf("move job failed: %s", state.Error)
	}

	moved, err := f.svc.Get(ctx, dir.ID)
	if err != nil {
		t.Fatalf("failed to reload collection: %v", err)
	}
	if moved.Parent != dst.ID {
		t.Errorf("expected parent %s after the job, got %s", dst.ID, moved.Parent)
	}
}

func TestMoveViaUpdateParentKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dst := f.mkdir("alice", root.ID, "dst")
	file := f.addFile("alice", root.ID, "doc.txt")

	res, err := f.svc.Update(ctx, "alice", file.ID, map[string]any{"parent": string(dst.ID)}, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to move via update: %v", err)
	}
	if res.Node.Parent != dst.ID {
		t.Errorf("expected parent %s, got %s", dst.ID, res.Node.Parent)
	}

	t.Run("parent cannot mix with other attributes", func(t *testing.T) {
		_, err := f.svc.Update(ctx, "alice", file.ID, map[string]any{
			"parent": string(root.ID),
			"name":   "renamed.txt",
		}, fs.ClientContext{})
		if fserrors.CodeOf(err) != fserrors.ErrInvalidArgument {
			t.Errorf("expected InvalidArgument, got %v", err)
		}
	})
}
