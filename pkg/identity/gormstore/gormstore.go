// Package gormstore persists users, groups, memberships and share grants in
// SQLite or PostgreSQL, implementing the identity contracts the core depends
// on.
package gormstore

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/balloonfs/balloon/pkg/identity"
)

type userRecord struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	Admin     bool
	HardQuota int64
	SoftQuota int64
}

func (userRecord) TableName() string { return "users" }

type groupRecord struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func (groupRecord) TableName() string { return "groups" }

type membershipRecord struct {
	UserID  string `gorm:"primaryKey"`
	GroupID string `gorm:"primaryKey;index"`
}

func (membershipRecord) TableName() string { return "group_members" }

type shareGrantRecord struct {
	UserID    string `gorm:"primaryKey;index"`
	ShareRoot string `gorm:"primaryKey;index"`
}

func (shareGrantRecord) TableName() string { return "share_grants" }

// Provider implements identity.Provider and identity.ShareRegistrar on a
// GORM connection.
type Provider struct {
	db *gorm.DB
}

var (
	_ identity.Provider       = (*Provider)(nil)
	_ identity.ShareRegistrar = (*Provider)(nil)
)

// New creates a provider over an already-opened connection.
func New(db *gorm.DB) *Provider {
	return &Provider{db: db}
}

// Models returns the models this provider auto-migrates.
func Models() []any {
	return []any{&userRecord{}, &groupRecord{}, &membershipRecord{}, &shareGrantRecord{}}
}

// ============================================================================
// Provider
// ============================================================================

// GetUser implements identity.Provider. Unknown users return nil, nil.
func (p *Provider) GetUser(ctx context.Context, id string) (*identity.User, error) {
	var rec userRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &identity.User{
		ID:        rec.ID,
		Username:  rec.Username,
		Admin:     rec.Admin,
		HardQuota: rec.HardQuota,
		SoftQuota: rec.SoftQuota,
	}, nil
}

// GetGroup implements identity.Provider. Unknown groups return nil, nil.
func (p *Provider) GetGroup(ctx context.Context, id string) (*identity.Group, error) {
	var rec groupRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &identity.Group{ID: rec.ID, Name: rec.Name}, nil
}

// GroupsOf implements identity.Provider.
func (p *Provider) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	var groups []string
	err := p.db.WithContext(ctx).
		Model(&membershipRecord{}).
		Where("user_id = ?", userID).
		Order("group_id").
		Pluck("group_id", &groups).Error
	return groups, err
}

// SharesOf implements identity.Provider.
func (p *Provider) SharesOf(ctx context.Context, userID string) ([]string, error) {
	var shares []string
	err := p.db.WithContext(ctx).
		Model(&shareGrantRecord{}).
		Where("user_id = ?", userID).
		Order("share_root").
		Pluck("share_root", &shares).Error
	return shares, err
}

// MembersOf implements identity.Provider.
func (p *Provider) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	var members []string
	err := p.db.WithContext(ctx).
		Model(&membershipRecord{}).
		Where("group_id = ?", groupID).
		Order("user_id").
		Pluck("user_id", &members).Error
	return members, err
}

// ============================================================================
// ShareRegistrar
// ============================================================================

// GrantShare implements identity.ShareRegistrar. Granting twice is a no-op.
func (p *Provider) GrantShare(ctx context.Context, userID, shareRoot string) error {
	err := p.db.WithContext(ctx).Create(&shareGrantRecord{
		UserID:    userID,
		ShareRoot: shareRoot,
	}).Error
	if err != nil && isUniqueConstraintError(err) {
		return nil
	}
	return err
}

// RevokeShare implements identity.ShareRegistrar: drops every grant on the
// share root.
func (p *Provider) RevokeShare(ctx context.Context, shareRoot string) error {
	return p.db.WithContext(ctx).
		Where("share_root = ?", shareRoot).
		Delete(&shareGrantRecord{}).Error
}

// ============================================================================
// Administration
// ============================================================================

// PutUser creates or updates a user record.
func (p *Provider) PutUser(ctx context.Context, user *identity.User) error {
	return p.db.WithContext(ctx).Save(&userRecord{
		ID:        user.ID,
		Username:  user.Username,
		Admin:     user.Admin,
		HardQuota: user.HardQuota,
		SoftQuota: user.SoftQuota,
	}).Error
}

// PutGroup creates or updates a group record.
func (p *Provider) PutGroup(ctx context.Context, group *identity.Group) error {
	return p.db.WithContext(ctx).Save(&groupRecord{ID: group.ID, Name: group.Name}).Error
}

// AddMember adds a user to a group. Adding twice is a no-op.
func (p *Provider) AddMember(ctx context.Context, userID, groupID string) error {
	err := p.db.WithContext(ctx).Create(&membershipRecord{
		UserID:  userID,
		GroupID: groupID,
	}).Error
	if err != nil && isUniqueConstraintError(err) {
		return nil
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
