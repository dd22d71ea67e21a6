// Package fs provides the core node model for the balloon virtual
// filesystem.
//
// This package contains:
//   - Core types: Node, HistoryEntry, MountDescriptor, ClientContext
//   - Store interface: NodeStore (thin CRUD contract, no business logic)
//   - Name validation: CheckName with Unicode NFC normalization
//
// Business logic (the factories) lives in pkg/vfs. Store implementations are
// in subpackages:
//   - pkg/fs/store/memory - In-memory store (for testing and dry runs)
//   - pkg/fs/store/gorm - SQLite/PostgreSQL persistent store
package fs

import (
	"time"

	"github.com/google/uuid"

	"github.com/balloonfs/balloon/pkg/acl"
)

// NodeID is the globally unique, immutable identifier of a node.
type NodeID string

// NewNodeID returns a fresh node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// NodeKind discriminates collections from files.
type NodeKind int

const (
	KindCollection NodeKind = iota + 1
	KindFile
)

// String returns the kind name as used in delta operation normalization.
func (k NodeKind) String() string {
	switch k {
	case KindCollection:
		return "Collection"
	case KindFile:
		return "File"
	default:
		return "Unknown"
	}
}

// HistoryType classifies a file history entry.
type HistoryType int

const (
	HistoryCreate HistoryType = iota + 1
	HistoryEdit
	HistoryRestore
)

// HistoryEntry records one version of a file's content.
type HistoryEntry struct {
	Version int         `json:"version"`
	Storage string      `json:"storage"` // blob locator of this version
	Hash    string      `json:"hash"`
	Size    int64       `json:"size"`
	Mime    string      `json:"mime"`
	Changed time.Time   `json:"changed"`
	User    string      `json:"user"`
	Type    HistoryType `json:"type"`
}

// MountDescriptor configures an external-storage mount on a collection.
// The adapter named here backs the whole subtree below the mount point.
type MountDescriptor struct {
	Adapter string            `json:"adapter"` // blobfs, s3, null
	Options map[string]string `json:"options,omitempty"`
}

// ClientContext carries per-request client metadata into the core. The API
// boundary constructs it once per request; it is never reconstructed from
// ambient process state deep in the factories.
type ClientContext struct {
	SessionID string
	RequestID string
	UserAgent string
	ClientIP  string
}

// Node is a file or collection in the virtual filesystem.
//
// A node's (Name, Parent, Owner, deleted-state) tuple is unique
// case-insensitively; the persistence layer is the authoritative arbiter of
// that constraint, not this struct.
type Node struct {
	ID      NodeID   `json:"id"`
	Pointer NodeID   `json:"pointer"` // canonical node for share references; == ID otherwise
	Kind    NodeKind `json:"kind"`

	Name   string `json:"name"`
	Parent NodeID `json:"parent"` // empty for the per-user root
	Owner  string `json:"owner"`

	// Deleted is nil for live nodes and carries the soft-deletion timestamp
	// for trashed ones. Force-deleted nodes have no record at all.
	Deleted *time.Time `json:"deleted,omitempty"`

	// Shared is empty for unshared nodes, the node's own id for a share
	// root, and the share root's id for nodes visible under a share.
	Shared NodeID `json:"shared,omitempty"`

	// ACL is only meaningful on share roots.
	ACL []acl.Rule `json:"acl,omitempty"`

	// Storage is the adapter-specific blob locator; StorageReference points
	// at the collection carrying the external mount this node lives under.
	Storage          string `json:"storage,omitempty"`
	StorageReference NodeID `json:"storage_reference,omitempty"`

	Created time.Time `json:"created"`
	Changed time.Time `json:"changed"`

	Readonly bool              `json:"readonly,omitempty"`
	Filter   string            `json:"filter,omitempty"` // saved query of a virtual collection
	Meta     map[string]string `json:"meta,omitempty"`

	// Collection only.
	Mount     *MountDescriptor `json:"mount,omitempty"`
	ShareName string           `json:"share_name,omitempty"`

	// File only.
	Hash    string         `json:"hash,omitempty"`
	Size    int64          `json:"size"`
	Mime    string         `json:"mime,omitempty"`
	Version int            `json:"version,omitempty"`
	History []HistoryEntry `json:"history,omitempty"`
}

// IsCollection reports whether the node is a collection.
func (n *Node) IsCollection() bool {
	return n.Kind == KindCollection
}

// IsFile reports whether the node is a file.
func (n *Node) IsFile() bool {
	return n.Kind == KindFile
}

// IsRoot reports whether the node is a per-user root.
func (n *Node) IsRoot() bool {
	return n.Parent == ""
}

// IsDeleted reports whether the node is soft-deleted.
func (n *Node) IsDeleted() bool {
	return n.Deleted != nil
}

// IsReference reports whether the node is a share reference resolving to a
// different canonical node.
func (n *Node) IsReference() bool {
	return n.Pointer != "" && n.Pointer != n.ID
}

// IsShareRoot reports whether the node is the root of a share.
func (n *Node) IsShareRoot() bool {
	return n.Shared != "" && n.Shared == n.ID
}

// IsShared reports whether the node is visible under any share.
func (n *Node) IsShared() bool {
	return n.Shared != ""
}

// IsSpecial reports whether ACL mutations are valid on this node: only share
// roots and share references qualify.
func (n *Node) IsSpecial() bool {
	return n.IsShareRoot() || n.IsReference()
}

// IsMounted reports whether the collection carries an external mount.
func (n *Node) IsMounted() bool {
	return n.Mount != nil
}

// IsFiltered reports whether the collection is a virtual filtered view.
func (n *Node) IsFiltered() bool {
	return n.Filter != ""
}

// ExpandsRecursively reports whether subtree operations descend into this
// node. References, mounts and filtered views are never expanded.
func (n *Node) ExpandsRecursively() bool {
	return n.IsCollection() && !n.IsReference() && !n.IsMounted() && !n.IsFiltered()
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	clone := *n
	if n.Deleted != nil {
		ts := *n.Deleted
		clone.Deleted = &ts
	}
	if n.ACL != nil {
		clone.ACL = append([]acl.Rule(nil), n.ACL...)
	}
	if n.Meta != nil {
		clone.Meta = make(map[string]string, len(n.Meta))
		for k, v := range n.Meta {
			clone.Meta[k] = v
		}
	}
	if n.Mount != nil {
		mount := *n.Mount
		if n.Mount.Options != nil {
			mount.Options = make(map[string]string, len(n.Mount.Options))
			for k, v := range n.Mount.Options {
				mount.Options[k] = v
			}
		}
		clone.Mount = &mount
	}
	if n.History != nil {
		clone.History = append([]HistoryEntry(nil), n.History...)
	}
	return &clone
}

// ConflictPolicy selects how a name collision on insert/move/copy resolves.
type ConflictPolicy int

const (
	// ConflictNoAction fails the operation with a Conflict error.
	ConflictNoAction ConflictPolicy = iota

	// ConflictRename auto-suffixes the name until it is free.
	ConflictRename

	// ConflictMerge reuses the existing child and recurses for collections.
	ConflictMerge
)

// DeletedPolicy selects how copy treats soft-deleted source nodes.
type DeletedPolicy int

const (
	// DeletedExclude skips soft-deleted nodes during copy.
	DeletedExclude DeletedPolicy = iota

	// DeletedInclude copies soft-deleted nodes, keeping them deleted.
	DeletedInclude
)
