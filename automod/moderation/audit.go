package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

type AuditEntry struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId,omitempty"`
	BizType     string    `json:"bizType"`
	BizID       string    `json:"bizId"`
	SubmitterID string    `json:"submitterId,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ReviewerID  string    `json:"reviewerId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AuditQuery struct {
	BizType string
	BizID   string
	// <= 0 means no limit
	Limit int
}

// Append-only log of moderation outcomes.
type AuditStore interface {
	Append(ctx context.Context, e AuditEntry) error
	// Newest first.
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

type MemAuditStore struct {
	lk      sync.Mutex
	entries []AuditEntry
}

var _ AuditStore = (*MemAuditStore)(nil)

func NewMemAuditStore() *MemAuditStore {
	return &MemAuditStore{}
}

func (s *MemAuditStore) Append(ctx context.Context, e AuditEntry) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemAuditStore) List(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	s.lk.Lock()
	out := []AuditEntry{}
	for _, e := range s.entries {
		if q.BizType != "" && e.BizType != q.BizType {
			continue
		}
		if q.BizID != "" && e.BizID != q.BizID {
			continue
		}
		out = append(out, e)
	}
	s.lk.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type AuditRow struct {
	ID          string `gorm:"primaryKey"`
	TaskID      string `gorm:"index"`
	BizType     string `gorm:"index:idx_audit_biz"`
	BizID       string `gorm:"index:idx_audit_biz"`
	SubmitterID string
	Outcome     string
	Reason      string
	Detail      string
	ReviewerID  string
	CreatedAt   time.Time `gorm:"index"`
}

func (AuditRow) TableName() string { return "moderation_audit" }

type GormAuditStore struct {
	db *gorm.DB
}

var _ AuditStore = (*GormAuditStore)(nil)

func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&AuditRow{}); err != nil {
		return nil, fmt.Errorf("migrating audit table: %w", err)
	}
	return &GormAuditStore{db: db}, nil
}

func (s *GormAuditStore) Append(ctx context.Context, e AuditEntry) error {
	row := AuditRow{
		ID:          e.ID,
		TaskID:      e.TaskID,
		BizType:     e.BizType,
		BizID:       e.BizID,
		SubmitterID: e.SubmitterID,
		Outcome:     string(e.Outcome),
		Reason:      e.Reason,
		Detail:      e.Detail,
		ReviewerID:  e.ReviewerID,
		CreatedAt:   e.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormAuditStore) List(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	tx := s.db.WithContext(ctx).Order("created_at desc")
	if q.BizType != "" {
		tx = tx.Where("biz_type = ?", q.BizType)
	}
	if q.BizID != "" {
		tx = tx.Where("biz_id = ?", q.BizID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []AuditRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			ID:          r.ID,
			TaskID:      r.TaskID,
			BizType:     r.BizType,
			BizID:       r.BizID,
			SubmitterID: r.SubmitterID,
			Outcome:     Outcome(r.Outcome),
			Reason:      r.Reason,
			Detail:      r.Detail,
			ReviewerID:  r.ReviewerID,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}
