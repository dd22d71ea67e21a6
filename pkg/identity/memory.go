package identity

import (
	"context"
	"sync"
)

// MemoryProvider is a static in-memory identity provider for tests and
// single-node dry runs.
type MemoryProvider struct {
	mu      sync.RWMutex
	users   map[string]*User
	groups  map[string]*Group
	members map[string][]string // group id -> user ids
	shares  map[string][]string // user id -> share root ids
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		users:   make(map[string]*User),
		groups:  make(map[string]*Group),
		members: make(map[string][]string),
		shares:  make(map[string][]string),
	}
}

// AddUser registers a user.
func (p *MemoryProvider) AddUser(u *User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *u
	p.users[u.ID] = &copied
}

// AddGroup registers a group with its member user ids.
func (p *MemoryProvider) AddGroup(g *Group, memberIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *g
	p.groups[g.ID] = &copied
	p.members[g.ID] = append([]string(nil), memberIDs...)
}

// GetUser implements Provider.
func (p *MemoryProvider) GetUser(_ context.Context, id string) (*User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// GetGroup implements Provider.
func (p *MemoryProvider) GetGroup(_ context.Context, id string) (*Group, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[id]
	if !ok {
		return nil, nil
	}
	copied := *g
	return &copied, nil
}

// GroupsOf implements Provider.
func (p *MemoryProvider) GroupsOf(_ context.Context, userID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var groups []string
	for groupID, members := range p.members {
		for _, m := range members {
			if m == userID {
				groups = append(groups, groupID)
				break
			}
		}
	}
	return groups, nil
}

// SharesOf implements Provider.
func (p *MemoryProvider) SharesOf(_ context.Context, userID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.shares[userID]...), nil
}

// MembersOf implements Provider.
func (p *MemoryProvider) MembersOf(_ context.Context, groupID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.members[groupID]...), nil
}

// GrantShare implements ShareRegistrar.
func (p *MemoryProvider) GrantShare(_ context.Context, userID, shareRoot string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.shares[userID] {
		if s == shareRoot {
			return nil
		}
	}
	p.shares[userID] = append(p.shares[userID], shareRoot)
	return nil
}

// RevokeShare implements ShareRegistrar.
func (p *MemoryProvider) RevokeShare(_ context.Context, shareRoot string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, roots := range p.shares {
		kept := roots[:0]
		for _, s := range roots {
			if s != shareRoot {
				kept = append(kept, s)
			}
		}
		p.shares[userID] = kept
	}
	return nil
}
