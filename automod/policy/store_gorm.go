package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PolicyRow struct {
	ID        string `gorm:"primaryKey"`
	BizType   string `gorm:"index"`
	Data      string
	ChangedAt time.Time
}

func (PolicyRow) TableName() string { return "policies" }

type ChangeRow struct {
	ID           string    `gorm:"primaryKey"`
	PolicyID     string    `gorm:"index"`
	Timestamp    time.Time `gorm:"index"`
	Data         string
	RolledBackAt *time.Time
}

func (ChangeRow) TableName() string { return "policy_changes" }

type SnapshotRow struct {
	ID          string `gorm:"primaryKey"`
	CreatedBy   string
	Description string
	Timestamp   time.Time `gorm:"index"`
	Data        string
}

func (SnapshotRow) TableName() string { return "policy_snapshots" }

// Stores policies, changes and snapshots as JSON documents in a SQL database.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&PolicyRow{}, &ChangeRow{}, &SnapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrating policy tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) LoadPolicies(ctx context.Context) ([]Policy, error) {
	var rows []PolicyRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Policy, 0, len(rows))
	for _, row := range rows {
		var p Policy
		if err := json.Unmarshal([]byte(row.Data), &p); err != nil {
			return nil, fmt.Errorf("decoding policy %s: %w", row.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *GormStore) SavePolicy(ctx context.Context, p Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	row := PolicyRow{ID: p.ID, BizType: p.BizType, Data: string(b), ChangedAt: p.UpdatedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *GormStore) DeletePolicy(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&PolicyRow{}, "id = ?", id).Error
}

func (s *GormStore) AppendChange(ctx context.Context, rec ChangeRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	row := ChangeRow{ID: rec.ID, PolicyID: rec.PolicyID, Timestamp: rec.Timestamp, Data: string(b), RolledBackAt: rec.RolledBackAt}
	return s.db.WithContext(ctx).Create(&row).Error
}

func decodeChange(row ChangeRow) (ChangeRecord, error) {
	var rec ChangeRecord
	if err := json.Unmarshal([]byte(row.Data), &rec); err != nil {
		return rec, fmt.Errorf("decoding policy change %s: %w", row.ID, err)
	}
	rec.RolledBackAt = row.RolledBackAt
	return rec, nil
}

func (s *GormStore) GetChange(ctx context.Context, id string) (*ChangeRecord, error) {
	var row ChangeRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChangeNotFound
		}
		return nil, err
	}
	rec, err := decodeChange(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) ListChanges(ctx context.Context, policyID string, limit int) ([]ChangeRecord, error) {
	q := s.db.WithContext(ctx).Order("timestamp desc")
	if policyID != "" {
		q = q.Where("policy_id = ?", policyID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ChangeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ChangeRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeChange(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) MarkRolledBack(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&ChangeRow{}).Where("id = ?", id).Update("rolled_back_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChangeNotFound
	}
	return nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	b, err := json.Marshal(snap.Policies)
	if err != nil {
		return err
	}
	row := SnapshotRow{
		ID:          snap.ID,
		CreatedBy:   snap.CreatedBy,
		Description: snap.Description,
		Timestamp:   snap.Timestamp,
		Data:        string(b),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func decodeSnapshot(row SnapshotRow) (Snapshot, error) {
	snap := Snapshot{
		ID:          row.ID,
		CreatedBy:   row.CreatedBy,
		Description: row.Description,
		Timestamp:   row.Timestamp,
	}
	if err := json.Unmarshal([]byte(row.Data), &snap.Policies); err != nil {
		return snap, fmt.Errorf("decoding snapshot %s: %w", row.ID, err)
	}
	return snap, nil
}

func (s *GormStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var row SnapshotRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	snap, err := decodeSnapshot(row)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var rows []SnapshotRow
	if err := s.db.WithContext(ctx).Order("timestamp desc").Order("id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := decodeSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *GormStore) DeleteSnapshot(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&SnapshotRow{}, "id = ?", id).Error
}
