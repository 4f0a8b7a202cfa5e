package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Backing persistence for policies, the change log and snapshots.
type Store interface {
	LoadPolicies(ctx context.Context) ([]Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
	DeletePolicy(ctx context.Context, id string) error

	AppendChange(ctx context.Context, rec ChangeRecord) error
	GetChange(ctx context.Context, id string) (*ChangeRecord, error)
	// Newest first. An empty policyID lists changes for all policies; limit <= 0 means no limit.
	ListChanges(ctx context.Context, policyID string, limit int) ([]ChangeRecord, error)
	MarkRolledBack(ctx context.Context, id string, at time.Time) error

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	// Newest first.
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

type MemStore struct {
	lk        sync.Mutex
	policies  map[string]Policy
	changes   []ChangeRecord
	snapshots map[string]Snapshot
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		policies:  make(map[string]Policy),
		snapshots: make(map[string]Snapshot),
	}
}

func (s *MemStore) LoadPolicies(ctx context.Context) ([]Policy, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sortPolicies(out)
	return out, nil
}

func (s *MemStore) SavePolicy(ctx context.Context, p Policy) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.policies[p.ID] = p.Clone()
	return nil
}

func (s *MemStore) DeletePolicy(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *MemStore) AppendChange(ctx context.Context, rec ChangeRecord) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.changes = append(s.changes, rec)
	return nil
}

func (s *MemStore) GetChange(ctx context.Context, id string) (*ChangeRecord, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, rec := range s.changes {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, ErrChangeNotFound
}

func (s *MemStore) ListChanges(ctx context.Context, policyID string, limit int) ([]ChangeRecord, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := []ChangeRecord{}
	for i := len(s.changes) - 1; i >= 0; i-- {
		if policyID != "" && s.changes[i].PolicyID != policyID {
			continue
		}
		out = append(out, s.changes[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MarkRolledBack(ctx context.Context, id string, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range s.changes {
		if s.changes[i].ID == id {
			s.changes[i].RolledBackAt = &at
			return nil
		}
	}
	return ErrChangeNotFound
}

func (s *MemStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.snapshots[snap.ID] = snap
	return nil
}

func (s *MemStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return &snap, nil
}

func (s *MemStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.snapshots, id)
	return nil
}

func sortPolicies(l []Policy) {
	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
}
