package refindex

import (
	"context"
	"testing"
	"time"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open("")
	if err != nil {
		t.Fatalf("failed to open in-memory index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestRefCounting(t *testing.T) {
	ix := openIndex(t)
	ctx := context.Background()
	const hash = "abc123"

	if count, _ := ix.Count(ctx, hash); count != 0 {
		t.Errorf("untracked blob must count 0, got %d", count)
	}

	if count, err := ix.Increment(ctx, hash); err != nil || count != 1 {
		t.Fatalf("first increment: count=%d err=%v", count, err)
	}
	if count, err := ix.Increment(ctx, hash); err != nil || count != 2 {
		t.Fatalf("second increment: count=%d err=%v", count, err)
	}

	if count, err := ix.Decrement(ctx, hash); err != nil || count != 1 {
		t.Fatalf("first decrement: count=%d err=%v", count, err)
	}
	if count, err := ix.Decrement(ctx, hash); err != nil || count != 0 {
		t.Fatalf("final decrement: count=%d err=%v", count, err)
	}

	// The entry is gone once the count reaches zero.
	if count, _ := ix.Count(ctx, hash); count != 0 {
		t.Errorf("released blob must count 0, got %d", count)
	}
	if _, err := ix.Decrement(ctx, hash); fserrors.CodeOf(err) != fserrors.ErrBlobNotFound {
		t.Errorf("expected BlobNotFound for untracked decrement, got %v", err)
	}
}

func TestSessions(t *testing.T) {
	ix := openIndex(t)
	ctx := context.Background()

	if err := ix.PutSession(ctx, "s1"); err != nil {
		t.Fatalf("failed to register session: %v", err)
	}

	exists, err := ix.SessionExists(ctx, "s1")
	if err != nil || !exists {
		t.Errorf("expected session to exist: exists=%v err=%v", exists, err)
	}
	exists, err = ix.SessionExists(ctx, "s2")
	if err != nil || exists {
		t.Errorf("expected unknown session to be absent: exists=%v err=%v", exists, err)
	}

	if err := ix.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("failed to delete session: %v", err)
	}
	exists, _ = ix.SessionExists(ctx, "s1")
	if exists {
		t.Error("deleted session must be gone")
	}

	// Deleting twice is harmless.
	if err := ix.DeleteSession(ctx, "s1"); err != nil {
		t.Errorf("double delete must be a no-op: %v", err)
	}
}

func TestExpiredSessions(t *testing.T) {
	ix := openIndex(t)
	ctx := context.Background()

	if err := ix.PutSession(ctx, "old"); err != nil {
		t.Fatalf("failed to register session: %v", err)
	}

	expired, err := ix.ExpiredSessions(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to list expired sessions: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("fresh session must not be expired, got %v", expired)
	}

	expired, err = ix.ExpiredSessions(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to list expired sessions: %v", err)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Errorf("expected the session past the cutoff, got %v", expired)
	}
}
