package blobfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/storage"
	"github.com/balloonfs/balloon/pkg/storage/refindex"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	refs, err := refindex.Open("")
	if err != nil {
		t.Fatalf("failed to open refindex: %v", err)
	}
	t.Cleanup(func() { refs.Close() })

	s, err := New(t.TempDir(), refs)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func stage(t *testing.T, s *Store, content string) storage.SessionID {
	t.Helper()
	ctx := context.Background()
	session, err := s.NewSession(ctx)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if content != "" {
		if _, err := s.WriteChunk(ctx, session, strings.NewReader(content)); err != nil {
			t.Fatalf("failed to write chunk: %v", err)
		}
	}
	return session
}

func sha256hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestStoreFile(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	session := stage(t, s, "hello world")
	result, err := s.StoreFile(ctx, session, "")
	if err != nil {
		t.Fatalf("failed to store file: %v", err)
	}

	if result.Size != int64(len("hello world")) {
		t.Errorf("expected size %d, got %d", len("hello world"), result.Size)
	}
	if result.Hash != sha256hex("hello world") {
		t.Errorf("unexpected content hash %s", result.Hash)
	}
	if result.Locator != result.Hash {
		t.Error("locator must be the content hash")
	}
	if !s.BlobExists(result.Locator) {
		t.Error("blob must exist after store")
	}

	// The session is consumed.
	if _, err := s.StoreFile(ctx, session, ""); fserrors.CodeOf(err) != fserrors.ErrSessionNotFound {
		t.Errorf("expected SessionNotFound for consumed session, got %v", err)
	}

	r, err := s.OpenReadStream(ctx, result.Locator)
	if err != nil {
		t.Fatalf("failed to open blob: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read blob: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("blob content mismatch: %q", data)
	}
}

func TestStoreFileChunked(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	session := stage(t, s, "hello ")
	if _, err := s.WriteChunk(ctx, session, strings.NewReader("world")); err != nil {
		t.Fatalf("failed to write second chunk: %v", err)
	}

	result, err := s.StoreFile(ctx, session, "")
	if err != nil {
		t.Fatalf("failed to store file: %v", err)
	}
	if result.Hash != sha256hex("hello world") {
		t.Error("chunks must concatenate in write order")
	}
}

func TestStoreFileEmptySession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	session := stage(t, s, "")
	result, err := s.StoreFile(ctx, session, "")
	if err != nil {
		t.Fatalf("failed to store empty upload: %v", err)
	}
	if result.Size != 0 || result.Hash != sha256hex("") {
		t.Errorf("expected the empty blob, got %+v", result)
	}
}

func TestDeduplication(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.StoreFile(ctx, stage(t, s, "same bytes"), "")
	if err != nil {
		t.Fatalf("failed to store first copy: %v", err)
	}
	second, err := s.StoreFile(ctx, stage(t, s, "same bytes"), "")
	if err != nil {
		t.Fatalf("failed to store second copy: %v", err)
	}

	if first.Locator != second.Locator {
		t.Fatal("identical content must share one blob")
	}
	count, err := s.RefCount(ctx, first.Locator)
	if err != nil {
		t.Fatalf("failed to read refcount: %v", err)
	}
	if count != 2 {
		t.Errorf("expected refcount 2 after dedup, got %d", count)
	}
}

func TestReference(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	result, err := s.StoreFile(ctx, stage(t, s, "content"), "")
	if err != nil {
		t.Fatalf("failed to store file: %v", err)
	}

	locator, err := s.Reference(ctx, result.Locator, "")
	if err != nil {
		t.Fatalf("failed to add reference: %v", err)
	}
	if locator != result.Locator {
		t.Error("reference must keep the locator")
	}
	if count, _ := s.RefCount(ctx, result.Locator); count != 2 {
		t.Errorf("expected refcount 2, got %d", count)
	}

	if _, err := s.Reference(ctx, "deadbeef", ""); fserrors.CodeOf(err) != fserrors.ErrBlobNotFound {
		t.Errorf("expected BlobNotFound for unknown locator, got %v", err)
	}
}

func TestForceDeleteReleasesBlobAtZero(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	result, err := s.StoreFile(ctx, stage(t, s, "shared"), "")
	if err != nil {
		t.Fatalf("failed to store file: %v", err)
	}
	if _, err := s.Reference(ctx, result.Locator, ""); err != nil {
		t.Fatalf("failed to add reference: %v", err)
	}

	// First release: another reference remains, the blob stays.
	if err := s.ForceDeleteFile(ctx, result.Locator); err != nil {
		t.Fatalf("failed to release first reference: %v", err)
	}
	if !s.BlobExists(result.Locator) {
		t.Fatal("blob must survive while referenced")
	}

	// Final release removes the physical blob.
	if err := s.ForceDeleteFile(ctx, result.Locator); err != nil {
		t.Fatalf("failed to release final reference: %v", err)
	}
	if s.BlobExists(result.Locator) {
		t.Error("blob must be removed at refcount zero")
	}
	if _, err := s.OpenReadStream(ctx, result.Locator); fserrors.CodeOf(err) != fserrors.ErrBlobNotFound {
		t.Errorf("expected BlobNotFound after removal, got %v", err)
	}
}

func TestSoftDeleteKeepsBlob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	result, err := s.StoreFile(ctx, stage(t, s, "kept"), "")
	if err != nil {
		t.Fatalf("failed to store file: %v", err)
	}

	locator, err := s.DeleteFile(ctx, result.Locator)
	if err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	if locator != result.Locator || !s.BlobExists(locator) {
		t.Error("soft delete must keep the blob and locator")
	}
}

func TestAbortSession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	session := stage(t, s, "discarded")
	if err := s.AbortSession(ctx, session); err != nil {
		t.Fatalf("failed to abort session: %v", err)
	}
	if _, err := s.StoreFile(ctx, session, ""); fserrors.CodeOf(err) != fserrors.ErrSessionNotFound {
		t.Errorf("expected SessionNotFound after abort, got %v", err)
	}
	if _, err := s.WriteChunk(ctx, session, strings.NewReader("x")); fserrors.CodeOf(err) != fserrors.ErrSessionNotFound {
		t.Errorf("expected SessionNotFound for aborted session, got %v", err)
	}
}

func TestSweepStaging(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	abandoned := stage(t, s, "abandoned")

	// A negative max age treats every session as expired.
	swept, err := s.SweepStaging(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 swept session, got %d", swept)
	}
	if _, err := s.StoreFile(ctx, abandoned, ""); fserrors.CodeOf(err) != fserrors.ErrSessionNotFound {
		t.Errorf("expected swept session to be gone, got %v", err)
	}

	// Fresh sessions survive a normal sweep.
	fresh := stage(t, s, "fresh")
	swept, err = s.SweepStaging(ctx, time.Hour)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("expected no swept sessions, got %d", swept)
	}
	if _, err := s.StoreFile(ctx, fresh, ""); err != nil {
		t.Errorf("fresh session must survive the sweep: %v", err)
	}
}
