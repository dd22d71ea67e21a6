package vfs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

// maxRenameAttempts bounds the incrementing-suffix search before falling back
// to a random suffix, which is collision-free for practical purposes.
const maxRenameAttempts = 10

// resolveConflict applies the conflict policy against the live children of
// (parent, owner).
//
// Returns the final name to use and, for Merge on an existing child, the
// child to reuse. The check is advisory: the store's uniqueness constraint is
// the authoritative arbiter, and callers retry through insertRetrying when a
// concurrent writer wins the race.
func (s *Service) resolveConflict(ctx context.Context, parent *fs.Node, name string, policy fs.ConflictPolicy) (string, *fs.Node, error) {
	existing, err := s.nodes.GetChild(ctx, parent.ID, parent.Owner, name, fs.FilterLive)
	if err != nil {
		if fserrors.IsNotFound(err) {
			return name, nil, nil
		}
		return "", nil, err
	}

	switch policy {
	case fs.ConflictNoAction:
		return "", nil, fserrors.NewConflictError(string(existing.ID),
			fserrors.ReasonNodeWithSameNameExists,
			"a node with the same name already exists")

	case fs.ConflictMerge:
		return existing.Name, existing, nil

	case fs.ConflictRename:
		free, err := s.freeName(ctx, parent, name)
		if err != nil {
			return "", nil, err
		}
		return free, nil, nil

	default:
		return "", nil, fserrors.NewInvalidArgumentError("unknown conflict policy")
	}
}

// freeName finds an unused sibling name by suffixing "name (n)" before the
// extension, falling back to a random suffix when the increment search is
// exhausted.
func (s *Service) freeName(ctx context.Context, parent *fs.Node, name string) (string, error) {
	stem, ext := fs.SplitExtension(name)

	for i := 1; i <= maxRenameAttempts; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		_, err := s.nodes.GetChild(ctx, parent.ID, parent.Owner, candidate, fs.FilterLive)
		if fserrors.IsNotFound(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s (%s)%s", stem, uuid.NewString()[:8], ext), nil
}

// insertRetrying persists a new node, retrying with a fresh generated name
// when the store's uniqueness constraint catches a race and the policy allows
// renaming. Under NoAction the conflict surfaces to the caller as retryable.
func (s *Service) insertRetrying(ctx context.Context, parent *fs.Node, n *fs.Node, policy fs.ConflictPolicy) error {
	for attempt := 0; ; attempt++ {
		err := s.nodes.Insert(ctx, n)
		if err == nil {
			return nil
		}
		if !fserrors.IsConflict(err) || policy != fs.ConflictRename || attempt >= maxRenameAttempts {
			return err
		}
		free, nameErr := s.freeName(ctx, parent, n.Name)
		if nameErr != nil {
			return nameErr
		}
		n.Name = free
	}
}
