package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Query struct {
	RuleID     string
	Unresolved bool
	// <= 0 means no limit
	Limit int
}

// Persistence for alert events; events are upserted on trigger and again on resolution.
type Store interface {
	SaveEvent(ctx context.Context, evt Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	// Newest first.
	ListEvents(ctx context.Context, q Query) ([]Event, error)
}

type MemStore struct {
	lk     sync.Mutex
	events map[string]Event
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{events: make(map[string]Event)}
}

func (s *MemStore) SaveEvent(ctx context.Context, evt Event) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.events[evt.ID] = evt.clone()
	return nil
}

func (s *MemStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	evt, ok := s.events[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	out := evt.clone()
	return &out, nil
}

func (s *MemStore) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	s.lk.Lock()
	out := []Event{}
	for _, evt := range s.events {
		if q.RuleID != "" && evt.RuleID != q.RuleID {
			continue
		}
		if q.Unresolved && evt.Resolved {
			continue
		}
		out = append(out, evt.clone())
	}
	s.lk.Unlock()
	sortEvents(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortEvents(l []Event) {
	sort.Slice(l, func(i, j int) bool {
		if l[i].TriggeredAt.Equal(l[j].TriggeredAt) {
			return l[i].ID > l[j].ID
		}
		return l[i].TriggeredAt.After(l[j].TriggeredAt)
	})
}

type AlertRow struct {
	ID          string `gorm:"primaryKey"`
	RuleID      string `gorm:"index"`
	Level       string
	Resolved    bool      `gorm:"index"`
	TriggeredAt time.Time `gorm:"index"`
	Data        string
}

func (AlertRow) TableName() string { return "alert_events" }

type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&AlertRow{}); err != nil {
		return nil, fmt.Errorf("migrating alert tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveEvent(ctx context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	row := AlertRow{
		ID:          evt.ID,
		RuleID:      evt.RuleID,
		Level:       string(evt.Level),
		Resolved:    evt.Resolved,
		TriggeredAt: evt.TriggeredAt,
		Data:        string(b),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *GormStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	var row AlertRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal([]byte(row.Data), &evt); err != nil {
		return nil, fmt.Errorf("decoding alert %s: %w", id, err)
	}
	return &evt, nil
}

func (s *GormStore) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	tx := s.db.WithContext(ctx).Order("triggered_at desc").Order("id desc")
	if q.RuleID != "" {
		tx = tx.Where("rule_id = ?", q.RuleID)
	}
	if q.Unresolved {
		tx = tx.Where("resolved = ?", false)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []AlertRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		var evt Event
		if err := json.Unmarshal([]byte(row.Data), &evt); err != nil {
			return nil, fmt.Errorf("decoding alert %s: %w", row.ID, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
