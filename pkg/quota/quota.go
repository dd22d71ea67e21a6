// Package quota enforces per-user storage limits.
//
// Usage is the sum of content sizes of all non-reference file nodes a user
// owns, trash included. Share references never count against the recipient.
// The hard quota rejects writes; the soft quota only produces warnings.
package quota

import (
	"context"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
	"github.com/balloonfs/balloon/pkg/identity"
)

// Usage is a point-in-time quota report for one user.
type Usage struct {
	Used int64 `json:"used"`
	Hard int64 `json:"hard"` // -1 = unlimited
	Soft int64 `json:"soft"` // -1 = unlimited
}

// SoftExceeded reports whether the soft limit is crossed.
func (u Usage) SoftExceeded() bool {
	return u.Soft != identity.Unlimited && u.Used > u.Soft
}

// HardExceeded reports whether the hard limit is crossed.
func (u Usage) HardExceeded() bool {
	return u.Hard != identity.Unlimited && u.Used > u.Hard
}

// Manager answers quota questions against the node store.
type Manager struct {
	nodes fs.NodeStore
	ids   identity.Provider
}

// New creates a quota manager.
func New(nodes fs.NodeStore, ids identity.Provider) *Manager {
	return &Manager{nodes: nodes, ids: ids}
}

// UsageOf computes the current usage and limits for a user.
func (m *Manager) UsageOf(ctx context.Context, userID string) (Usage, error) {
	user, err := m.ids.GetUser(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	if user == nil {
		return Usage{}, fserrors.NewNotFoundError(userID, "user")
	}

	used, err := m.nodes.OwnedSize(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Used: used, Hard: user.HardQuota, Soft: user.SoftQuota}, nil
}

// Reserve checks whether adding the given number of bytes to the user's usage
// stays under the hard quota. Crossing the soft quota logs a warning and
// succeeds; crossing the hard quota returns InsufficientStorage.
//
// The check is advisory: concurrent writers may race past the limit by one
// write, which the next Reserve call catches.
func (m *Manager) Reserve(ctx context.Context, userID string, addition int64) error {
	if addition <= 0 {
		return nil
	}

	usage, err := m.UsageOf(ctx, userID)
	if err != nil {
		return err
	}

	projected := usage.Used + addition
	if usage.Hard != identity.Unlimited && projected > usage.Hard {
		logger.WarnCtx(ctx, "write rejected, hard quota exceeded",
			logger.KeyOwner, userID,
			logger.KeySize, projected,
			"hard_quota", usage.Hard,
		)
		return fserrors.NewInsufficientStorageError(userID)
	}
	if usage.Soft != identity.Unlimited && projected > usage.Soft {
		logger.WarnCtx(ctx, "soft quota exceeded",
			logger.KeyOwner, userID,
			logger.KeySize, projected,
			"soft_quota", usage.Soft,
		)
	}
	return nil
}
