// Package identity defines the read-only identity contract the core depends
// on. The core never creates or authenticates identities itself; an external
// provider (database, LDAP bridge, static test fixture) supplies them.
package identity

import "context"

// Unlimited disables a quota limit.
const Unlimited int64 = -1

// User is an authenticated identity as seen by the core.
type User struct {
	ID       string
	Username string
	Admin    bool

	// HardQuota is the byte limit above which writes are rejected;
	// Unlimited disables it. SoftQuota only triggers warnings.
	HardQuota int64
	SoftQuota int64
}

// Group is a named set of users referenced by ACL rules.
type Group struct {
	ID   string
	Name string
}

// Provider supplies identities and their relations. All methods are
// read-only from the core's perspective.
type Provider interface {
	// GetUser resolves a user id. Returns nil, nil when unknown.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetGroup resolves a group id. Returns nil, nil when unknown.
	GetGroup(ctx context.Context, id string) (*Group, error)

	// GroupsOf returns the group ids the user is a member of.
	GroupsOf(ctx context.Context, userID string) ([]string, error)

	// SharesOf returns the share-root node ids shared with the user.
	SharesOf(ctx context.Context, userID string) ([]string, error)

	// MembersOf returns the user ids belonging to a group. Used by share
	// fan-out to build reference nodes for group-level ACL rules.
	MembersOf(ctx context.Context, groupID string) ([]string, error)
}

// ShareRegistrar is implemented by providers that track which share roots a
// user can see. The share factory records grants here so SharesOf stays in
// sync; providers backed by an external directory may ignore the calls.
type ShareRegistrar interface {
	GrantShare(ctx context.Context, userID, shareRoot string) error
	RevokeShare(ctx context.Context, shareRoot string) error
}
