// Package gormstore persists the delta event log in SQLite or PostgreSQL.
package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/balloonfs/balloon/pkg/delta"
	"github.com/balloonfs/balloon/pkg/fs"
)

// eventRecord is the persisted shape of a delta event. The auto-increment
// primary key supplies the monotonic event id.
type eventRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Operation string
	Node      string
	Kind      int
	Name      string
	Parent    string
	Owner     string `gorm:"index"`
	Share     string `gorm:"index"`

	PrevName   string
	PrevParent string
	HasPrev    bool

	Timestamp time.Time `gorm:"index"`

	SessionID string
	RequestID string
	UserAgent string
	ClientIP  string
}

func (eventRecord) TableName() string { return "delta_events" }

// EventStore implements delta.EventStore on a GORM connection.
type EventStore struct {
	db *gorm.DB
}

var _ delta.EventStore = (*EventStore)(nil)

// New creates an event store over an already-opened connection.
func New(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Models returns the models this store auto-migrates.
func Models() []any {
	return []any{&eventRecord{}}
}

// Append implements delta.EventStore.
func (s *EventStore) Append(ctx context.Context, ev *delta.Event) (delta.EventID, error) {
	rec := toEventRecord(ev)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, err
	}
	return delta.EventID(rec.ID), nil
}

// Query implements delta.EventStore.
func (s *EventStore) Query(ctx context.Context, q delta.Query) ([]*delta.Event, error) {
	query := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("id > ?", uint64(q.AfterID)).
		Order("id")

	if q.Scope != "" {
		query = query.Where("share = ?", string(q.Scope))
	}

	shareIDs := make([]string, 0, len(q.Shares))
	for _, sh := range q.Shares {
		shareIDs = append(shareIDs, string(sh))
	}
	if len(shareIDs) > 0 {
		query = query.Where("owner = ? OR share IN ?", q.Owner, shareIDs)
	} else {
		query = query.Where("owner = ?", q.Owner)
	}

	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var recs []eventRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, err
	}

	events := make([]*delta.Event, 0, len(recs))
	for i := range recs {
		events = append(events, fromEventRecord(&recs[i]))
	}
	return events, nil
}

// Last implements delta.EventStore.
func (s *EventStore) Last(ctx context.Context) (delta.EventID, time.Time, error) {
	var rec eventRecord
	err := s.db.WithContext(ctx).Order("id DESC").First(&rec).Error
	if err != nil {
		if isRecordNotFound(err) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, err
	}
	return delta.EventID(rec.ID), rec.Timestamp, nil
}

// Oldest implements delta.EventStore.
func (s *EventStore) Oldest(ctx context.Context) (delta.EventID, error) {
	var rec eventRecord
	err := s.db.WithContext(ctx).Order("id").First(&rec).Error
	if err != nil {
		if isRecordNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return delta.EventID(rec.ID), nil
}

// Prune implements delta.EventStore.
func (s *EventStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&eventRecord{})
	return result.RowsAffected, result.Error
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func toEventRecord(ev *delta.Event) *eventRecord {
	rec := &eventRecord{
		Operation: ev.Operation,
		Node:      string(ev.Node),
		Kind:      int(ev.Kind),
		Name:      ev.Name,
		Parent:    string(ev.Parent),
		Owner:     ev.Owner,
		Share:     string(ev.Share),
		Timestamp: ev.Timestamp,
		SessionID: ev.Client.SessionID,
		RequestID: ev.Client.RequestID,
		UserAgent: ev.Client.UserAgent,
		ClientIP:  ev.Client.ClientIP,
	}
	if ev.Previous != nil {
		rec.HasPrev = true
		rec.PrevName = ev.Previous.Name
		rec.PrevParent = string(ev.Previous.Parent)
	}
	return rec
}

func fromEventRecord(rec *eventRecord) *delta.Event {
	ev := &delta.Event{
		ID:        delta.EventID(rec.ID),
		Operation: rec.Operation,
		Node:      fs.NodeID(rec.Node),
		Kind:      fs.NodeKind(rec.Kind),
		Name:      rec.Name,
		Parent:    fs.NodeID(rec.Parent),
		Owner:     rec.Owner,
		Share:     fs.NodeID(rec.Share),
		Timestamp: rec.Timestamp,
		Client: fs.ClientContext{
			SessionID: rec.SessionID,
			RequestID: rec.RequestID,
			UserAgent: rec.UserAgent,
			ClientIP:  rec.ClientIP,
		},
	}
	if rec.HasPrev {
		ev.Previous = &delta.Previous{
			Name:   rec.PrevName,
			Parent: fs.NodeID(rec.PrevParent),
		}
	}
	return ev
}
