// Package acl evaluates a requesting identity's privilege over a node given
// the owner and the share root's rule list.
//
// Evaluation is a pure decision function: deterministic for a given
// (owner, rules, identity) snapshot, with no caching across calls.
//
// Privilege resolution order:
//  1. the owner always holds full privilege
//  2. an explicit deny rule matching the identity (directly or via a group)
//     short-circuits to refusal
//  3. the first user rule matching the identity wins
//  4. otherwise the first group rule matching one of the identity's groups wins
//  5. default deny
package acl

import (
	"context"
	"fmt"

	"github.com/balloonfs/balloon/pkg/identity"
)

// Privilege is an ordered access level. Each level implies the ones below it.
type Privilege string

const (
	// PrivilegeDeny explicitly refuses all access.
	PrivilegeDeny Privilege = "d"

	// PrivilegeRead grants read-only access.
	PrivilegeRead Privilege = "r"

	// PrivilegeWrite grants read and write access.
	PrivilegeWrite Privilege = "w"

	// PrivilegeWritePlus additionally allows deleting and moving nodes.
	PrivilegeWritePlus Privilege = "w+"

	// PrivilegeManage additionally allows ACL and share management.
	PrivilegeManage Privilege = "m"
)

// rank orders privileges for the Covers comparison. Deny is outside the
// lattice and handled explicitly.
func (p Privilege) rank() int {
	switch p {
	case PrivilegeRead:
		return 1
	case PrivilegeWrite:
		return 2
	case PrivilegeWritePlus:
		return 3
	case PrivilegeManage:
		return 4
	default:
		return 0
	}
}

// Valid reports whether p is a known privilege token.
func (p Privilege) Valid() bool {
	switch p {
	case PrivilegeDeny, PrivilegeRead, PrivilegeWrite, PrivilegeWritePlus, PrivilegeManage:
		return true
	}
	return false
}

// Covers reports whether holding p satisfies a requirement of q.
func (p Privilege) Covers(q Privilege) bool {
	if p == PrivilegeDeny {
		return false
	}
	return p.rank() >= q.rank()
}

// RuleType discriminates user rules from group rules.
type RuleType string

const (
	RuleTypeUser  RuleType = "user"
	RuleTypeGroup RuleType = "group"
)

// Rule grants (or denies) a privilege to a user or group. Rules are ordered;
// within a type class the first match wins.
type Rule struct {
	Type      RuleType  `json:"type"`
	ID        string    `json:"id"`
	Privilege Privilege `json:"privilege"`
}

// Identity is the resolved snapshot of the requester used for evaluation.
type Identity struct {
	UserID string
	Admin  bool
	Groups []string
}

func (id *Identity) inGroup(groupID string) bool {
	for _, g := range id.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

// Resolve returns the effective privilege the identity holds over a node
// owned by owner and carrying rules. An empty string means no access.
func Resolve(owner string, rules []Rule, id Identity) Privilege {
	if id.UserID == owner || id.Admin {
		return PrivilegeManage
	}

	// Explicit deny anywhere in the list wins over every grant.
	for _, rule := range rules {
		if rule.Privilege != PrivilegeDeny {
			continue
		}
		if rule.Type == RuleTypeUser && rule.ID == id.UserID {
			return PrivilegeDeny
		}
		if rule.Type == RuleTypeGroup && id.inGroup(rule.ID) {
			return PrivilegeDeny
		}
	}

	for _, rule := range rules {
		if rule.Type == RuleTypeUser && rule.ID == id.UserID {
			return rule.Privilege
		}
	}

	for _, rule := range rules {
		if rule.Type == RuleTypeGroup && id.inGroup(rule.ID) {
			return rule.Privilege
		}
	}

	return ""
}

// IsAllowed reports whether the identity holds at least the required
// privilege over a node owned by owner and carrying rules.
func IsAllowed(owner string, rules []Rule, id Identity, required Privilege) bool {
	effective := Resolve(owner, rules, id)
	if effective == "" || effective == PrivilegeDeny {
		return false
	}
	return effective.Covers(required)
}

// Validate checks that every rule references an existing identity and a
// well-formed privilege token.
func Validate(ctx context.Context, provider identity.Provider, rules []Rule) error {
	for i, rule := range rules {
		if !rule.Privilege.Valid() {
			return fmt.Errorf("rule %d: malformed privilege %q", i, rule.Privilege)
		}
		switch rule.Type {
		case RuleTypeUser:
			user, err := provider.GetUser(ctx, rule.ID)
			if err != nil {
				return fmt.Errorf("rule %d: resolving user %q: %w", i, rule.ID, err)
			}
			if user == nil {
				return fmt.Errorf("rule %d: unknown user %q", i, rule.ID)
			}
		case RuleTypeGroup:
			group, err := provider.GetGroup(ctx, rule.ID)
			if err != nil {
				return fmt.Errorf("rule %d: resolving group %q: %w", i, rule.ID, err)
			}
			if group == nil {
				return fmt.Errorf("rule %d: unknown group %q", i, rule.ID)
			}
		default:
			return fmt.Errorf("rule %d: malformed rule type %q", i, rule.Type)
		}
	}
	return nil
}
