package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Captures every current policy under a new snapshot ID.
func (m *Manager) CreateSnapshot(ctx context.Context, createdBy, description string) (*Snapshot, error) {
	m.batchLk.Lock()
	defer m.batchLk.Unlock()
	return m.snapshotLocked(ctx, createdBy, description)
}

// Caller must hold batchLk exclusively.
func (m *Manager) snapshotLocked(ctx context.Context, createdBy, description string) (*Snapshot, error) {
	m.lk.RLock()
	policies := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		policies = append(policies, p.Clone())
	}
	m.lk.RUnlock()
	sortPolicies(policies)

	snap := Snapshot{
		ID:          uuid.NewString(),
		Policies:    policies,
		CreatedBy:   createdBy,
		Description: description,
		Timestamp:   m.now(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	snapshotsCreated.Inc()
	m.Logger.Info("policy snapshot created", "snapshot", snap.ID, "policies", len(policies), "by", createdBy)

	if m.cfg.SnapshotRetention > 0 {
		if _, err := m.pruneSnapshots(ctx, m.cfg.SnapshotRetention); err != nil {
			m.Logger.Warn("failed to prune snapshots", "err", err)
		}
	}
	return &snap, nil
}

// Replaces the full policy set with the snapshot's contents, including removing policies the snapshot does not hold. The current state is snapshotted first so the restore itself can be undone.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, snapshotID string, opts UpdateOptions) (*Snapshot, error) {
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	m.batchLk.Lock()
	defer m.batchLk.Unlock()

	backup, err := m.snapshotLocked(ctx, opts.Operator, "automatic backup before restoring "+snapshotID)
	if err != nil {
		return nil, fmt.Errorf("pre-restore backup: %w", err)
	}
	if opts.Reason == "" {
		opts.Reason = "restore from snapshot " + snapshotID
	}
	if err := m.restoreLocked(ctx, snap, opts, true); err != nil {
		return nil, err
	}
	m.Logger.Info("policies restored from snapshot", "snapshot", snapshotID, "backup", backup.ID, "policies", len(snap.Policies))
	return backup, nil
}

// Caller must hold batchLk exclusively. Restored policies keep their snapshotted UpdatedAt so the result is identical to the snapshot.
func (m *Manager) restoreLocked(ctx context.Context, snap *Snapshot, opts UpdateOptions, record bool) error {
	m.lk.RLock()
	current := make(map[string]Policy, len(m.policies))
	for id, p := range m.policies {
		current[id] = p
	}
	m.lk.RUnlock()

	wanted := make(map[string]Policy, len(snap.Policies))
	for _, p := range snap.Policies {
		wanted[p.ID] = p.Clone()
	}

	var errs []error
	for id, cur := range current {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := m.store.DeletePolicy(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", id, err))
			continue
		}
		m.lk.Lock()
		delete(m.policies, id)
		m.lk.Unlock()
		if record {
			c := cur
			rec := m.recordChange(ctx, id, &c, nil, opts, SourceRestore)
			m.publish(ctx, ChangeEvent{Kind: ChangeDeleted, PolicyID: id, BizType: cur.BizType, Change: rec, Time: m.now()})
		}
	}
	for _, p := range snap.Policies {
		p = p.Clone()
		if cur, ok := current[p.ID]; ok && policiesEqual(cur, p) {
			continue
		}
		if err := m.store.SavePolicy(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("saving %s: %w", p.ID, err))
			continue
		}
		m.lk.Lock()
		m.policies[p.ID] = p
		m.lk.Unlock()
		if record {
			var before *Policy
			if cur, ok := current[p.ID]; ok {
				before = &cur
			}
			rec := m.recordChange(ctx, p.ID, before, &p, opts, SourceRestore)
			m.publish(ctx, ChangeEvent{Kind: ChangeRestored, PolicyID: p.ID, BizType: p.BizType, Change: rec, Time: m.now()})
		}
	}

	m.lk.RLock()
	activePolicies.Set(float64(m.countActive()))
	m.lk.RUnlock()
	if len(errs) > 0 {
		return fmt.Errorf("restoring snapshot %s: %w", snap.ID, errors.Join(errs...))
	}
	return nil
}

func policiesEqual(a, b Policy) bool {
	if a.ID != b.ID || a.BizType != b.BizType || a.Mode != b.Mode || a.Priority != b.Priority ||
		a.Active != b.Active || a.SensitiveAction != b.SensitiveAction || !a.UpdatedAt.Equal(b.UpdatedAt) ||
		a.UpdatedBy != b.UpdatedBy {
		return false
	}
	if (a.SampleRate == nil) != (b.SampleRate == nil) || (a.SampleRate != nil && *a.SampleRate != *b.SampleRate) {
		return false
	}
	x, y := a.Assignment, b.Assignment
	if x.Type != y.Type || x.Assignee != y.Assignee || x.Role != y.Role || len(x.Reviewers) != len(y.Reviewers) {
		return false
	}
	for i := range x.Reviewers {
		if x.Reviewers[i] != y.Reviewers[i] {
			return false
		}
	}
	return true
}

// Newest first.
func (m *Manager) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	return m.store.ListSnapshots(ctx)
}

func (m *Manager) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return m.store.GetSnapshot(ctx, id)
}

// Deletes all but the newest keep snapshots, returning how many were removed.
func (m *Manager) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	m.batchLk.Lock()
	defer m.batchLk.Unlock()
	return m.pruneSnapshots(ctx, keep)
}

func (m *Manager) pruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	snaps, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keep {
		return 0, nil
	}
	removed := 0
	for _, s := range snaps[keep:] {
		if err := m.store.DeleteSnapshot(ctx, s.ID); err != nil {
			return removed, fmt.Errorf("deleting snapshot %s: %w", s.ID, err)
		}
		removed++
	}
	m.Logger.Info("pruned policy snapshots", "removed", removed, "kept", keep)
	return removed, nil
}

type BatchUpdate struct {
	PolicyID string  `json:"policyId"`
	Changes  Changes `json:"changes"`
}

type BatchOptions struct {
	// all-or-nothing: any failure leaves every policy unchanged
	Atomic   bool   `json:"atomic"`
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

type BatchItemResult struct {
	PolicyID string  `json:"policyId"`
	Policy   *Policy `json:"policy,omitempty"`
	Error    string  `json:"error,omitempty"`
}

type BatchResult struct {
	Applied    int               `json:"applied"`
	Failed     int               `json:"failed"`
	RolledBack bool              `json:"rolledBack,omitempty"`
	Items      []BatchItemResult `json:"items"`
}

// Applies several updates while excluding every other writer. An atomic batch validates all merges before touching anything, and if persisting any of them fails it restores the pre-batch state and returns an error. A non-atomic batch applies what it can and reports per-item failures.
func (m *Manager) BatchUpdatePolicies(ctx context.Context, updates []BatchUpdate, bo BatchOptions) (*BatchResult, error) {
	m.batchLk.Lock()
	defer m.batchLk.Unlock()

	opts := UpdateOptions{Operator: bo.Operator, Reason: bo.Reason, Source: SourceBatch}
	res := &BatchResult{Items: make([]BatchItemResult, len(updates))}
	for i, u := range updates {
		res.Items[i].PolicyID = u.PolicyID
	}

	if !bo.Atomic {
		for i, u := range updates {
			p, err := m.updateLocked(ctx, u.PolicyID, u.Changes, opts, SourceBatch)
			if err != nil {
				res.Items[i].Error = err.Error()
				res.Failed++
				continue
			}
			res.Items[i].Policy = p
			res.Applied++
		}
		batchUpdates.WithLabelValues("partial", fmt.Sprint(res.Failed == 0)).Inc()
		return res, nil
	}

	// validate every merge against the state the batch itself builds up
	m.lk.RLock()
	staged := make(map[string]Policy, len(m.policies))
	for id, p := range m.policies {
		staged[id] = p
	}
	m.lk.RUnlock()
	var verrs []error
	for i, u := range updates {
		cur, ok := staged[u.PolicyID]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrPolicyNotFound, u.PolicyID)
			res.Items[i].Error = err.Error()
			verrs = append(verrs, err)
			continue
		}
		next := u.Changes.Apply(cur)
		if err := next.Validate(); err != nil {
			res.Items[i].Error = err.Error()
			verrs = append(verrs, fmt.Errorf("%s: %w", u.PolicyID, err))
			continue
		}
		staged[u.PolicyID] = next
	}
	if len(verrs) > 0 {
		res.Failed = len(verrs)
		batchUpdates.WithLabelValues("atomic", "false").Inc()
		return res, fmt.Errorf("batch rejected: %w", errors.Join(verrs...))
	}

	pre := m.snapshotForRollback()
	for i, u := range updates {
		p, err := m.updateLocked(ctx, u.PolicyID, u.Changes, opts, SourceBatch)
		if err != nil {
			res.Items[i].Error = err.Error()
			res.Failed = 1
			if rerr := m.restoreLocked(ctx, pre, UpdateOptions{Operator: bo.Operator, Reason: "batch rollback", Source: SourceRollback}, true); rerr != nil {
				m.Logger.Error("failed to roll back partially applied batch", "err", rerr)
				err = errors.Join(err, rerr)
			}
			res.Applied = 0
			res.RolledBack = true
			for j := range res.Items {
				res.Items[j].Policy = nil
			}
			batchUpdates.WithLabelValues("atomic", "false").Inc()
			return res, fmt.Errorf("batch rolled back: %w", err)
		}
		res.Items[i].Policy = p
		res.Applied++
	}
	batchUpdates.WithLabelValues("atomic", "true").Inc()
	return res, nil
}

// In-memory copy of the current state for rolling back a failed batch.
func (m *Manager) snapshotForRollback() *Snapshot {
	m.lk.RLock()
	defer m.lk.RUnlock()
	snap := &Snapshot{ID: "batch-rollback", Timestamp: m.now()}
	for _, p := range m.policies {
		snap.Policies = append(snap.Policies, p.Clone())
	}
	return snap
}
