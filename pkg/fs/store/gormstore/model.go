package gormstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/balloonfs/balloon/pkg/acl"
	"github.com/balloonfs/balloon/pkg/fs"
)

// nodeRecord is the persisted shape of a node. Structured attributes (ACL,
// meta, mount, history) are stored as JSON columns; NameFold carries the
// case-folded NFC name the sibling uniqueness index collates on.
type nodeRecord struct {
	ID      string `gorm:"primaryKey"`
	Pointer string `gorm:"index"`
	Kind    int

	Name     string
	NameFold string `gorm:"uniqueIndex:idx_sibling"`
	Parent   string `gorm:"uniqueIndex:idx_sibling;index"`
	Owner    string `gorm:"uniqueIndex:idx_sibling;index"`

	// Live participates in the uniqueness index so trash and live set each
	// arbitrate names independently.
	Live    bool `gorm:"uniqueIndex:idx_sibling"`
	Deleted *time.Time

	Shared string `gorm:"index"`
	ACL    string

	Storage          string
	StorageReference string

	Created time.Time
	Changed time.Time

	Readonly bool
	Filter   string
	Meta     string

	Mount     string
	ShareName string

	Hash    string
	Size    int64
	Mime    string
	Version int
	History string
}

func (nodeRecord) TableName() string { return "nodes" }

// nameFold is the collation key for case-insensitive sibling uniqueness.
func nameFold(name string) string {
	return strings.ToLower(norm.NFC.String(name))
}

func toRecord(n *fs.Node) (*nodeRecord, error) {
	rec := &nodeRecord{
		ID:               string(n.ID),
		Pointer:          string(n.Pointer),
		Kind:             int(n.Kind),
		Name:             n.Name,
		NameFold:         nameFold(n.Name),
		Parent:           string(n.Parent),
		Owner:            n.Owner,
		Live:             n.Deleted == nil,
		Deleted:          n.Deleted,
		Shared:           string(n.Shared),
		Storage:          n.Storage,
		StorageReference: string(n.StorageReference),
		Created:          n.Created,
		Changed:          n.Changed,
		Readonly:         n.Readonly,
		Filter:           n.Filter,
		ShareName:        n.ShareName,
		Hash:             n.Hash,
		Size:             n.Size,
		Mime:             n.Mime,
		Version:          n.Version,
	}

	var err error
	if rec.ACL, err = marshalJSON(n.ACL); err != nil {
		return nil, fmt.Errorf("encoding acl: %w", err)
	}
	if rec.Meta, err = marshalJSON(n.Meta); err != nil {
		return nil, fmt.Errorf("encoding meta: %w", err)
	}
	if rec.Mount, err = marshalJSON(n.Mount); err != nil {
		return nil, fmt.Errorf("encoding mount: %w", err)
	}
	if rec.History, err = marshalJSON(n.History); err != nil {
		return nil, fmt.Errorf("encoding history: %w", err)
	}
	return rec, nil
}

func fromRecord(rec *nodeRecord) (*fs.Node, error) {
	n := &fs.Node{
		ID:               fs.NodeID(rec.ID),
		Pointer:          fs.NodeID(rec.Pointer),
		Kind:             fs.NodeKind(rec.Kind),
		Name:             rec.Name,
		Parent:           fs.NodeID(rec.Parent),
		Owner:            rec.Owner,
		Deleted:          rec.Deleted,
		Shared:           fs.NodeID(rec.Shared),
		Storage:          rec.Storage,
		StorageReference: fs.NodeID(rec.StorageReference),
		Created:          rec.Created,
		Changed:          rec.Changed,
		Readonly:         rec.Readonly,
		Filter:           rec.Filter,
		ShareName:        rec.ShareName,
		Hash:             rec.Hash,
		Size:             rec.Size,
		Mime:             rec.Mime,
		Version:          rec.Version,
	}

	if err := unmarshalJSON(rec.ACL, &n.ACL); err != nil {
		return nil, fmt.Errorf("decoding acl: %w", err)
	}
	if err := unmarshalJSON(rec.Meta, &n.Meta); err != nil {
		return nil, fmt.Errorf("decoding meta: %w", err)
	}
	if err := unmarshalJSON(rec.Mount, &n.Mount); err != nil {
		return nil, fmt.Errorf("decoding mount: %w", err)
	}
	if err := unmarshalJSON(rec.History, &n.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return n, nil
}

func marshalJSON(v any) (string, error) {
	switch val := v.(type) {
	case []acl.Rule:
		if val == nil {
			return "", nil
		}
	case map[string]string:
		if val == nil {
			return "", nil
		}
	case *fs.MountDescriptor:
		if val == nil {
			return "", nil
		}
	case []fs.HistoryEntry:
		if val == nil {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	return string(raw), err
}

func unmarshalJSON(raw string, out any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
