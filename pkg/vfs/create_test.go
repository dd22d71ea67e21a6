package vfs

import (
	"context"
	"testing"

	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

func TestAddValidatesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	t.Run("rejects bad names", func(t *testing.T) {
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "a/b",
		})
		if fserrors.CodeOf(err) != fserrors.ErrInvalidArgument {
			t.Errorf("expected InvalidArgument for illegal name, got %v", err)
		}
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.NodeKind(9), Name: "x",
		})
		if fserrors.CodeOf(err) != fserrors.ErrInvalidArgument {
			t.Errorf("expected InvalidArgument for bad kind, got %v", err)
		}
	})

	t.Run("mount only on collections", func(t *testing.T) {
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "x",
			Mount: &fs.MountDescriptor{Adapter: "null"},
		})
		if fserrors.CodeOf(err) != fserrors.ErrInvalidArgument {
			t.Errorf("expected InvalidArgument for mounted file, got %v", err)
		}
	})

	t.Run("filter only on collections", func(t *testing.T) {
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "x",
			Filter: "*.txt",
		})
		if fserrors.CodeOf(err) != fserrors.ErrInvalidArgument {
			t.Errorf("expected InvalidArgument for filtered file, got %v", err)
		}
	})

	t.Run("parent must be a collection", func(t *testing.T) {
		file := f.addFile("alice", root.ID, "leaf.txt")
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: file.ID, Kind: fs.KindFile, Name: "x",
		})
		if !fserrors.IsConflict(err) {
			t.Errorf("expected Conflict for a file parent, got %v", err)
		}
	})
}

func TestAddInheritsFromParent(t *testing.T) {
	f := newFixture(t)
	root := f.root("alice")

	dir := f.mkdir("alice", root.ID, "docs")
	file := f.addFile("alice", dir.ID, "report.txt")

	if file.Parent != dir.ID || file.Owner != "alice" {
		t.Errorf("unexpected parentage %+v", file)
	}
	if file.Pointer != file.ID {
		t.Error("a fresh node must be its own canonical record")
	}
	if file.IsDeleted() || file.Version != 0 {
		t.Errorf("fresh file must be live at version 0: %+v", file)
	}
}

func TestAddConflictPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")
	first := f.addFile("alice", root.ID, "report.txt")

	t.Run("no action surfaces the conflict", func(t *testing.T) {
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "report.txt",
			Policy: fs.ConflictNoAction,
		})
		if !fserrors.IsConflict(err) {
			t.Fatalf("expected Conflict, got %v", err)
		}
		if fserrors.ReasonOf(err) != fserrors.ReasonNodeWithSameNameExists {
			t.Errorf("unexpected reason %s", fserrors.ReasonOf(err))
		}
	})

	t.Run("case-insensitive collision", func(t *testing.T) {
		_, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "REPORT.TXT",
			Policy: fs.ConflictNoAction,
		})
		if !fserrors.IsConflict(err) {
			t.Errorf("names must collide case-insensitively, got %v", err)
		}
	})

	t.Run("rename suffixes before the extension", func(t *testing.T) {
		renamed, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "report.txt",
			Policy: fs.ConflictRename,
		})
		if err != nil {
			t.Fatalf("rename policy must succeed: %v", err)
		}
		if renamed.Name != "report (1).txt" {
			t.Errorf("expected report (1).txt, got %s", renamed.Name)
		}

		next, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "report.txt",
			Policy: fs.ConflictRename,
		})
		if err != nil {
			t.Fatalf("second rename must succeed: %v", err)
		}
		if next.Name != "report (2).txt" {
			t.Errorf("expected report (2).txt, got %s", next.Name)
		}
	})

	t.Run("merge returns the existing child", func(t *testing.T) {
		merged, err := f.svc.Add(ctx, AddRequest{
			User: "alice", Parent: root.ID, Kind: fs.KindFile, Name: "report.txt",
			Policy: fs.ConflictMerge,
		})
		if err != nil {
			t.Fatalf("merge policy must succeed: %v", err)
		}
		if merged.ID != first.ID {
			t.Error("merge must reuse the existing node")
		}
	})
}

func TestAddIntoReadonlyParentRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := f.mkdir("alice", f.root("alice").ID, "frozen")
	if _, err := f.svc.Update(ctx, "alice", dir.ID, map[string]any{"readonly": true}, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to set readonly: %v", err)
	}

	_, err := f.svc.Add(ctx, AddRequest{
		User: "alice", Parent: dir.ID, Kind: fs.KindFile, Name: "x.txt",
	})
	if fserrors.CodeOf(err) != fserrors.ErrReadonly {
		t.Errorf("expected Readonly error, got %v", err)
	}
}

func TestAddRequiresWriteAccess(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Add(context.Background(), AddRequest{
		User: "bob", Parent: f.root("alice").ID, Kind: fs.KindFile, Name: "x.txt",
	})
	if !fserrors.IsForbidden(err) {
		t.Errorf("expected Forbidden for foreign root, got %v", err)
	}
}

func TestAddMountedCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	mount, err := f.svc.Add(ctx, AddRequest{
		User: "alice", Parent: root.ID, Kind: fs.KindCollection, Name: "archive",
		Mount: &fs.MountDescriptor{Adapter: "null"},
	})
	if err != nil {
		t.Fatalf("failed to create mounted collection: %v", err)
	}
	if !mount.IsMounted() {
		t.Fatal("expected a mount root")
	}

	// Children below the mount carry the indirection to it.
	child := f.addFile("alice", mount.ID, "inside.txt")
	if child.StorageReference != mount.ID {
		t.Errorf("expected storage reference %s, got %s", mount.ID, child.StorageReference)
	}
}
