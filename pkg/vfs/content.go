package vfs

import (
	"context"
	"io"
	"time"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/hook"
	"github.com/balloonfs/balloon/pkg/metrics"
	"github.com/balloonfs/balloon/pkg/storage"
)

// ============================================================================
// Staged Uploads
// ============================================================================

// NewUpload opens a staged upload on the adapter backing the given node
// (the target file, or the parent collection for a not-yet-created file).
func (s *Service) NewUpload(ctx context.Context, scope fs.NodeID) (storage.SessionID, error) {
	n, err := s.Resolve(ctx, scope)
	if err != nil {
		return "", err
	}
	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return "", err
	}
	return adapter.NewSession(ctx)
}

// WriteUploadChunk appends a chunk to a staged upload.
func (s *Service) WriteUploadChunk(ctx context.Context, scope fs.NodeID, session storage.SessionID, r io.Reader) (int64, error) {
	n, err := s.Resolve(ctx, scope)
	if err != nil {
		return 0, err
	}
	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return 0, err
	}
	written, err := adapter.WriteChunk(ctx, session, r)
	return written, translateAdapterErr(err, scope)
}

// AbortUpload discards a staged upload.
func (s *Service) AbortUpload(ctx context.Context, scope fs.NodeID, session storage.SessionID) error {
	n, err := s.Resolve(ctx, scope)
	if err != nil {
		return err
	}
	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return err
	}
	return translateAdapterErr(adapter.AbortSession(ctx, session), scope)
}

// ============================================================================
// Content Mutation
// ============================================================================

// SetContent finalizes a staged upload into a file node, advancing its
// version and history. The physical blob lands before the metadata record
// updates; on a quota rejection the fresh blob reference is released again.
func (s *Service) SetContent(ctx context.Context, userID string, fileID fs.NodeID, session storage.SessionID, mime string, client fs.ClientContext) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("putFile", err) }()

	n, err := s.Resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !n.IsFile() {
		return nil, fserrors.NewInvalidArgumentError("content can only be set on files")
	}
	if n.IsDeleted() {
		return nil, fserrors.NewNotFoundError(string(n.ID), "file")
	}
	if n.Readonly {
		return nil, fserrors.NewReadonlyError(string(n.ID))
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeWrite); err != nil {
		return nil, err
	}

	parent, err := s.nodes.Get(ctx, n.Parent)
	if err != nil {
		return nil, err
	}

	if err := s.fire(ctx, &hook.Event{
		Point:     hook.PrePutFile,
		Node:      n,
		Parent:    parent,
		Operation: "put",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	}); err != nil {
		return nil, err
	}

	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return nil, err
	}
	result, err := adapter.StoreFile(ctx, session, locatorHint(parent, n.Name))
	if err != nil {
		return nil, translateAdapterErr(err, n.ID)
	}

	// The blob is already stored; a quota rejection releases the fresh
	// reference again instead of leaving it dangling.
	if err := s.quota.Reserve(ctx, n.Owner, result.Size-n.Size); err != nil {
		metrics.QuotaRejections.Inc()
		if releaseErr := adapter.ForceDeleteFile(ctx, result.Locator); releaseErr != nil {
			logger.WarnCtx(ctx, "failed to release blob after quota rejection",
				logger.KeyBlob, result.Locator,
				logger.KeyError, releaseErr.Error())
		}
		return nil, err
	}

	historyType := fs.HistoryEdit
	if n.Version == 0 {
		historyType = fs.HistoryCreate
	}

	n.Version++
	n.Storage = result.Locator
	n.Hash = result.Hash
	n.Size = result.Size
	if mime != "" {
		n.Mime = mime
	}
	n.Changed = time.Now()
	n.History = append(n.History, fs.HistoryEntry{
		Version: n.Version,
		Storage: result.Locator,
		Hash:    result.Hash,
		Size:    result.Size,
		Mime:    n.Mime,
		Changed: n.Changed,
		User:    userID,
		Type:    historyType,
	})
	s.pruneHistory(ctx, n, adapter)

	if err := s.nodes.Update(ctx, n); err != nil {
		return nil, err
	}

	s.fire(ctx, &hook.Event{
		Point:     hook.PostPutFile,
		Node:      n,
		Parent:    parent,
		Operation: "put",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	})
	return n, nil
}

// RestoreVersion re-points a file at one of its historical blobs, advancing
// the version with a restore history entry. The historical blob gains a new
// reference; nothing is released.
func (s *Service) RestoreVersion(ctx context.Context, userID string, fileID fs.NodeID, version int, client fs.ClientContext) (node *fs.Node, err error) {
	defer func() { metrics.ObserveOp("restoreFile", err) }()

	n, err := s.Resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !n.IsFile() {
		return nil, fserrors.NewInvalidArgumentError("only files carry versions")
	}
	if n.IsDeleted() {
		return nil, fserrors.NewNotFoundError(string(n.ID), "file")
	}
	if n.Readonly {
		return nil, fserrors.NewReadonlyError(string(n.ID))
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeWrite); err != nil {
		return nil, err
	}

	var target *fs.HistoryEntry
	for i := range n.History {
		if n.History[i].Version == version {
			target = &n.History[i]
			break
		}
	}
	if target == nil {
		return nil, fserrors.NewNotFoundError(string(n.ID), "file version")
	}

	parent, err := s.nodes.Get(ctx, n.Parent)
	if err != nil {
		return nil, err
	}

	if err := s.fire(ctx, &hook.Event{
		Point:     hook.PreRestoreFile,
		Node:      n,
		Parent:    parent,
		Operation: "restore",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	}); err != nil {
		return nil, err
	}

	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return nil, err
	}
	locator, err := adapter.Reference(ctx, target.Storage, locatorHint(parent, n.Name))
	if err != nil {
		return nil, translateAdapterErr(err, n.ID)
	}

	n.Version++
	n.Storage = locator
	n.Hash = target.Hash
	n.Size = target.Size
	n.Mime = target.Mime
	n.Changed = time.Now()
	n.History = append(n.History, fs.HistoryEntry{
		Version: n.Version,
		Storage: locator,
		Hash:    target.Hash,
		Size:    target.Size,
		Mime:    target.Mime,
		Changed: n.Changed,
		User:    userID,
		Type:    fs.HistoryRestore,
	})
	s.pruneHistory(ctx, n, adapter)

	if err := s.nodes.Update(ctx, n); err != nil {
		return nil, err
	}

	s.fire(ctx, &hook.Event{
		Point:     hook.PostRestoreFile,
		Node:      n,
		Parent:    parent,
		Operation: "restore",
		User:      userID,
		Client:    client,
		Recursion: hook.NewRecursion(),
	})
	return n, nil
}

// OpenRead returns the content stream behind a file node.
func (s *Service) OpenRead(ctx context.Context, userID string, fileID fs.NodeID) (io.ReadCloser, *fs.Node, error) {
	n, err := s.Resolve(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if !n.IsFile() {
		return nil, nil, fserrors.NewInvalidArgumentError("only files have content")
	}
	if err := s.access(ctx, userID, n, acl.PrivilegeRead); err != nil {
		return nil, nil, err
	}

	adapter, err := s.adapterFor(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	stream, err := adapter.OpenReadStream(ctx, n.Storage)
	if err != nil {
		return nil, nil, translateAdapterErr(err, n.ID)
	}
	return stream, n, nil
}

// pruneHistory drops history entries beyond the cap, oldest first, releasing
// each pruned entry's blob reference. Release failures are logged, not
// raised: the metadata update must still proceed and the periodic sweep
// collects stragglers.
func (s *Service) pruneHistory(ctx context.Context, n *fs.Node, adapter storage.Adapter) {
	for len(n.History) > s.historyCap {
		pruned := n.History[0]
		n.History = n.History[1:]

		if err := adapter.ForceDeleteFile(ctx, pruned.Storage); err != nil {
			logger.WarnCtx(ctx, "failed to release pruned version blob",
				logger.KeyNode, string(n.ID),
				logger.KeyVersion, pruned.Version,
				logger.KeyBlob, pruned.Storage,
				logger.KeyError, err.Error())
		}
	}
}
