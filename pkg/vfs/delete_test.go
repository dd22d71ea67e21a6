package vfs

import (
	"context"
	"testing"

	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/scheduler"
)

func TestSoftDeleteMarksSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dir := f.mkdir("alice", root.ID, "project")
	sub := f.mkdir("alice", dir.ID, "src")
	file := f.putNew("alice", sub.ID, "main.txt", "content")

	res, err := f.svc.DeleteOne(ctx, "alice", dir.ID, false, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if res.Node == nil || res.Job != "" {
		t.Fatalf("expected an inline delete, got %+v", res)
	}

	for _, id := range []fs.NodeID{dir.ID, sub.ID, file.ID} {
		n, err := f.svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("deleted node must keep its record: %v", err)
		}
		if !n.IsDeleted() {
			t.Errorf("node %s must be marked deleted", n.Name)
		}
	}

	// Soft delete keeps the blob.
	if !f.blobs.BlobExists(sha256hex("content")) {
		t.Error("soft delete must not release blobs")
	}

	// Only the subtree root lands in the trash.
	trash, err := f.svc.Trash(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to list trash: %v", err)
	}
	if len(trash) != 1 || trash[0].ID != dir.ID {
		t.Errorf("expected only the subtree root in trash, got %+v", trash)
	}
}

func TestDeleteRootRefused(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeleteOne(context.Background(), "alice", f.root("alice").ID, false, fs.ClientContext{})
	if !fserrors.IsConflict(err) {
		t.Errorf("expected Conflict for root delete, got %v", err)
	}
}

func TestUndeleteRestoresSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dir := f.mkdir("alice", root.ID, "project")
	file := f.putNew("alice", dir.ID, "notes.txt", "kept")
	if _, err := f.svc.DeleteOne(ctx, "alice", dir.ID, false, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	restored, err := f.svc.Undelete(ctx, "alice", dir.ID, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to undelete: %v", err)
	}
	if restored.IsDeleted() {
		t.Error("undeleted root must be live")
	}

	got, err := f.svc.Get(ctx, file.ID)
	if err != nil {
		t.Fatalf("failed to reload file: %v", err)
	}
	if got.IsDeleted() {
		t.Error("descendants must come back with the subtree")
	}
	if got.Hash != sha256hex("kept") {
		t.Error("content must survive the round trip")
	}

	t.Run("live node cannot be undeleted", func(t *testing.T) {
		if _, err := f.svc.Undelete(ctx, "alice", dir.ID, fs.ClientContext{}); !fserrors.IsConflict(err) {
			t.Errorf("expected Conflict, got %v", err)
		}
	})
}

func TestUndeleteRequiresLiveParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := f.mkdir("alice", f.root("alice").ID, "outer")
	inner := f.mkdir("alice", dir.ID, "inner")
	if _, err := f.svc.DeleteOne(ctx, "alice", dir.ID, false, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, err := f.svc.Undelete(ctx, "alice", inner.ID, fs.ClientContext{}); !fserrors.IsConflict(err) {
		t.Errorf("expected Conflict while the parent is deleted, got %v", err)
	}
}

func TestForceDeleteReleasesBlobsAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	dir := f.mkdir("alice", root.ID, "project")
	file := f.addFile("alice", dir.ID, "doc.txt")
	f.put("alice", file.ID, "unique content")

	res, err := f.svc.DeleteOne(ctx, "alice", dir.ID, true, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to force delete: %v", err)
	}
	if res.Node == nil {
		t.Fatal("expected an inline delete")
	}

	if _, err := f.svc.Get(ctx, file.ID); !fserrors.IsNotFound(err) {
		t.Errorf("force delete must remove the record, got %v", err)
	}
	if _, err := f.svc.Get(ctx, dir.ID); !fserrors.IsNotFound(err) {
		t.Errorf("force delete must remove the collection record, got %v", err)
	}
	if f.blobs.BlobExists(sha256hex("unique content")) {
		t.Error("force delete must release the blob")
	}
}

func TestForceDeleteReleasesEveryHistoryVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addFile("alice", f.root("alice").ID, "doc.txt")
	f.put("alice", file.ID, "version one")
	f.put("alice", file.ID, "version two")

	if _, err := f.svc.DeleteOne(ctx, "alice", file.ID, true, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to force delete: %v", err)
	}

	if f.blobs.BlobExists(sha256hex("version one")) || f.blobs.BlobExists(sha256hex("version two")) {
		t.Error("every history version's blob must be released")
	}
}

func TestForceDeleteReleasesDuplicateHistoryReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two identical versions dedup to one locator holding two references.
	file := f.addFile("alice", f.root("alice").ID, "doc.txt")
	f.put("alice", file.ID, "same content")
	file = f.put("alice", file.ID, "same content")

	count, err := f.blobs.RefCount(ctx, file.Storage)
	if err != nil {
		t.Fatalf("failed to read refcount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected refcount 2 after two identical puts, got %d", count)
	}

	if _, err := f.svc.DeleteOne(ctx, "alice", file.ID, true, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to force delete: %v", err)
	}

	if f.blobs.BlobExists(sha256hex("same content")) {
		t.Error("force delete must release one reference per history entry")
	}
}

func TestForceDeleteKeepsSharedBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	a := f.putNew("alice", root.ID, "a.txt", "shared bytes")
	f.putNew("alice", root.ID, "b.txt", "shared bytes")

	if _, err := f.svc.DeleteOne(ctx, "alice", a.ID, true, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to force delete: %v", err)
	}

	// The surviving file still references the blob.
	if !f.blobs.BlobExists(sha256hex("shared bytes")) {
		t.Error("blob must survive while another file references it")
	}
}

func TestTrashCollisionRenames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.root("alice")

	first := f.addFile("alice", root.ID, "draft.txt")
	if _, err := f.svc.DeleteOne(ctx, "alice", first.ID, false, fs.ClientContext{}); err != nil {
		t.Fatalf("failed to delete first: %v", err)
	}

	second := f.addFile("alice", root.ID, "draft.txt")
	if _, err := f.svc.DeleteOne(ctx, "alice", second.ID, false, fs.ClientContext{}); err != nil {
		t.Fatalf("deleting into an occupied trash slot must succeed: %v", err)
	}

	trash, err := f.svc.Trash(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to list trash: %v", err)
	}
	if len(trash) != 2 {
		t.Fatalf("expected both files in trash, got %d", len(trash))
	}
}

func TestDeepDeleteGoesAsync(t *testing.T) {
	f := newFixtureConfig(t, Config{DeepThreshold: 2})
	f.startJobs()
	ctx := context.Background()

	dir := f.mkdir("alice", f.root("alice").ID, "big")
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		f.addFile("alice", dir.ID, name)
	}

	res, err := f.svc.DeleteOne(ctx, "alice", dir.ID, false, fs.ClientContext{})
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if res.Job == "" || res.Node != nil {
		t.Fatalf("expected a job handle for the deep subtree, got %+v", res)
	}

	state := f.waitForJob(res.Job)
	if state.Status != scheduler.StatusDone {
		t.Fatalf("delete job failed: %s", state.Error)
	}

	n, err := f.svc.Get(ctx, dir.ID)
	if err != nil {
		t.Fatalf("failed to reload collection: %v", err)
	}
	if !n.IsDeleted() {
		t.Error("deep delete must eventually mark the subtree deleted")
	}
}
