// Live moderation policy state: validated updates, change history, snapshots and rule-driven automatic adjustment.
//
// The Manager's in-memory map is authoritative between reconciliation cycles. Updates to one policy ID are serialized; batch updates and restores exclude all other writers for their duration, so a batch never interleaves with single updates.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modgate/modgate/automod/eventbus"
	"github.com/modgate/modgate/automod/metricstore"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type Config struct {
	ReconcileInterval time.Duration
	// robfig/cron spec for the time trigger; empty disables it
	RuleSchedule string
	// snapshots kept by automatic pruning; zero keeps everything
	SnapshotRetention int
}

func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 30 * time.Second,
		RuleSchedule:      "@every 1m",
		SnapshotRetention: 50,
	}
}

type Manager struct {
	Logger *slog.Logger

	cfg     Config
	store   Store
	metrics *metricstore.MetricStore
	events  *eventbus.Bus[ChangeEvent]
	now     func() time.Time

	// held shared by single-policy writers, exclusively by batches and restores
	batchLk sync.RWMutex
	keyLks  *xsync.MapOf[string, *sync.Mutex]

	lk       sync.RWMutex
	policies map[string]Policy
	rules    []DynamicRule

	// serializes rule evaluation; guards holding
	trigLk sync.Mutex
	// level-triggered rules currently in effect, by rule ID
	holding map[string]bool
}

func NewManager(cfg Config, store Store, metrics *metricstore.MetricStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	return &Manager{
		Logger:   logger.With("component", "policy"),
		cfg:      cfg,
		store:    store,
		metrics:  metrics,
		events:   eventbus.New[ChangeEvent](0),
		now:      time.Now,
		keyLks:   xsync.NewMapOf[string, *sync.Mutex](),
		policies: make(map[string]Policy),
		holding:  make(map[string]bool),
	}
}

func (m *Manager) lockPolicy(id string) func() {
	m.batchLk.RLock()
	mu, _ := m.keyLks.LoadOrStore(id, &sync.Mutex{})
	mu.Lock()
	return func() {
		mu.Unlock()
		m.batchLk.RUnlock()
	}
}

// Populates the in-memory view from the store, retrying with exponential backoff.
func (m *Manager) Load(ctx context.Context) error {
	var policies []Policy
	op := func() error {
		var err error
		policies, err = m.store.LoadPolicies(ctx)
		if err != nil {
			m.Logger.Warn("failed to load policies, retrying", "err", err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("loading policies: %w", err)
	}

	m.batchLk.Lock()
	defer m.batchLk.Unlock()
	m.lk.Lock()
	defer m.lk.Unlock()
	m.policies = make(map[string]Policy, len(policies))
	for _, p := range policies {
		m.policies[p.ID] = p
	}
	activePolicies.Set(float64(m.countActive()))
	m.Logger.Info("policies loaded", "count", len(policies))
	return nil
}

type ReconcileResult struct {
	Adopted int `json:"adopted"`
	Pushed  int `json:"pushed"`
}

// Merges the in-memory view with the store, last write (by UpdatedAt) winning in either direction.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	stored, err := m.store.LoadPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: loading policies: %w", err)
	}

	m.batchLk.Lock()
	defer m.batchLk.Unlock()
	m.lk.Lock()
	defer m.lk.Unlock()

	res := &ReconcileResult{}
	seen := make(map[string]bool, len(stored))
	for _, sp := range stored {
		seen[sp.ID] = true
		mp, ok := m.policies[sp.ID]
		switch {
		case !ok || sp.UpdatedAt.After(mp.UpdatedAt):
			m.policies[sp.ID] = sp
			res.Adopted++
		case mp.UpdatedAt.After(sp.UpdatedAt):
			if err := m.store.SavePolicy(ctx, mp); err != nil {
				m.Logger.Error("reconcile: failed to write back policy", "policy", mp.ID, "err", err)
				continue
			}
			res.Pushed++
		}
	}
	for id, mp := range m.policies {
		if seen[id] {
			continue
		}
		if err := m.store.SavePolicy(ctx, mp); err != nil {
			m.Logger.Error("reconcile: failed to write back policy", "policy", id, "err", err)
			continue
		}
		res.Pushed++
	}
	activePolicies.Set(float64(m.countActive()))
	if res.Adopted > 0 || res.Pushed > 0 {
		m.Logger.Info("policies reconciled", "adopted", res.Adopted, "pushed", res.Pushed)
	}
	return res, nil
}

// Caller must hold lk.
func (m *Manager) countActive() int {
	n := 0
	for _, p := range m.policies {
		if p.Active {
			n++
		}
	}
	return n
}

// Returns the active policy for a business type. When several are active the most recently updated wins.
func (m *Manager) ActivePolicy(bizType string) (*Policy, bool) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	var best *Policy
	for _, p := range m.policies {
		if p.BizType != bizType || !p.Active {
			continue
		}
		if best == nil || p.UpdatedAt.After(best.UpdatedAt) || (p.UpdatedAt.Equal(best.UpdatedAt) && p.ID < best.ID) {
			c := p.Clone()
			best = &c
		}
	}
	return best, best != nil
}

func (m *Manager) GetPolicy(id string) (*Policy, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	c := p.Clone()
	return &c, nil
}

// Sorted by ID.
func (m *Manager) ListPolicies() []Policy {
	m.lk.RLock()
	defer m.lk.RUnlock()
	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p.Clone())
	}
	sortPolicies(out)
	return out
}

func (m *Manager) CreatePolicy(ctx context.Context, p Policy, opts UpdateOptions) (*Policy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	unlock := m.lockPolicy(p.ID)
	defer unlock()

	m.lk.RLock()
	_, exists := m.policies[p.ID]
	m.lk.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyExists, p.ID)
	}

	p = p.Clone()
	p.UpdatedAt = m.now()
	p.UpdatedBy = opts.Operator
	if err := m.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("saving policy: %w", err)
	}
	m.setPolicy(p)
	rec := m.recordChange(ctx, p.ID, nil, &p, opts, SourceManual)
	m.publish(ctx, ChangeEvent{Kind: ChangeCreated, PolicyID: p.ID, BizType: p.BizType, Change: rec, Time: p.UpdatedAt})
	return &p, nil
}

func (m *Manager) DeletePolicy(ctx context.Context, id string, opts UpdateOptions) error {
	unlock := m.lockPolicy(id)
	defer unlock()

	m.lk.RLock()
	cur, ok := m.policies[id]
	m.lk.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if err := m.store.DeletePolicy(ctx, id); err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	m.lk.Lock()
	delete(m.policies, id)
	activePolicies.Set(float64(m.countActive()))
	m.lk.Unlock()

	rec := m.recordChange(ctx, id, &cur, nil, opts, SourceManual)
	m.publish(ctx, ChangeEvent{Kind: ChangeDeleted, PolicyID: id, BizType: cur.BizType, Change: rec, Time: m.now()})
	return nil
}

// Validates the merged result of applying changes to the current policy, then persists it, appends a change record and emits a change event. An invalid result is never applied.
func (m *Manager) UpdatePolicy(ctx context.Context, id string, changes Changes, opts UpdateOptions) (*Policy, error) {
	unlock := m.lockPolicy(id)
	defer unlock()
	return m.updateLocked(ctx, id, changes, opts, SourceManual)
}

// Caller must hold the policy's key lock, or batchLk exclusively.
func (m *Manager) updateLocked(ctx context.Context, id string, changes Changes, opts UpdateOptions, defaultSource string) (*Policy, error) {
	m.lk.RLock()
	cur, ok := m.policies[id]
	m.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}

	next := changes.Apply(cur)
	if err := next.Validate(); err != nil {
		policyUpdates.WithLabelValues(sourceLabel(opts.Source, defaultSource), "invalid").Inc()
		return nil, err
	}
	return m.replaceLocked(ctx, cur, next, opts, defaultSource, ChangeUpdated)
}

func (m *Manager) replaceLocked(ctx context.Context, cur, next Policy, opts UpdateOptions, defaultSource string, kind ChangeKind) (*Policy, error) {
	next.ID = cur.ID
	next.UpdatedAt = m.now()
	next.UpdatedBy = opts.Operator
	if err := m.store.SavePolicy(ctx, next); err != nil {
		policyUpdates.WithLabelValues(sourceLabel(opts.Source, defaultSource), "error").Inc()
		return nil, fmt.Errorf("saving policy: %w", err)
	}
	m.setPolicy(next)
	policyUpdates.WithLabelValues(sourceLabel(opts.Source, defaultSource), "ok").Inc()

	rec := m.recordChange(ctx, next.ID, &cur, &next, opts, defaultSource)
	m.publish(ctx, ChangeEvent{Kind: kind, PolicyID: next.ID, BizType: next.BizType, Change: rec, Time: next.UpdatedAt})
	out := next.Clone()
	return &out, nil
}

func (m *Manager) setPolicy(p Policy) {
	m.lk.Lock()
	m.policies[p.ID] = p
	activePolicies.Set(float64(m.countActive()))
	m.lk.Unlock()
}

// Appends to the change log. A failed write is logged and does not undo the change.
func (m *Manager) recordChange(ctx context.Context, policyID string, before, after *Policy, opts UpdateOptions, defaultSource string) *ChangeRecord {
	now := m.now()
	rec := &ChangeRecord{
		ID:        uuid.NewString(),
		PolicyID:  policyID,
		Operator:  opts.Operator,
		Reason:    opts.Reason,
		Source:    sourceLabel(opts.Source, defaultSource),
		Timestamp: now,
		AppliedAt: &now,
	}
	if before != nil {
		b := before.Clone()
		rec.Before = &b
	}
	if after != nil {
		a := after.Clone()
		rec.After = &a
	}
	if err := m.store.AppendChange(ctx, *rec); err != nil {
		m.Logger.Error("failed to persist policy change record", "policy", policyID, "change", rec.ID, "err", err)
	}
	return rec
}

func sourceLabel(source, def string) string {
	if source != "" {
		return source
	}
	return def
}

// Re-applies the recorded "before" state as a new update. A change with no prior state (a creation) cannot be rolled back.
func (m *Manager) RollbackPolicyChange(ctx context.Context, changeID string, opts UpdateOptions) (*Policy, error) {
	rec, err := m.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if rec.Before == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPriorState, changeID)
	}
	if rec.RolledBackAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, changeID)
	}
	before := rec.Before.Clone()
	if err := before.Validate(); err != nil {
		return nil, err
	}

	unlock := m.lockPolicy(rec.PolicyID)
	defer unlock()

	m.lk.RLock()
	cur, ok := m.policies[rec.PolicyID]
	m.lk.RUnlock()
	if !ok {
		// the policy was deleted since; roll back by recreating it
		cur = Policy{ID: rec.PolicyID}
	}
	if opts.Reason == "" {
		opts.Reason = "rollback of change " + changeID
	}
	out, err := m.replaceLocked(ctx, cur, before, opts, SourceRollback, ChangeRolledBack)
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkRolledBack(ctx, changeID, m.now()); err != nil {
		m.Logger.Error("failed to stamp rollback time on change", "change", changeID, "err", err)
	}
	return out, nil
}

// Newest first; an empty policyID lists all changes.
func (m *Manager) ChangeHistory(ctx context.Context, policyID string, limit int) ([]ChangeRecord, error) {
	return m.store.ListChanges(ctx, policyID, limit)
}

// Policy change events. Call the returned func to unsubscribe.
func (m *Manager) Subscribe(filter func(ChangeEvent) bool) (<-chan ChangeEvent, func()) {
	return m.events.Subscribe(filter)
}

func (m *Manager) publish(ctx context.Context, evt ChangeEvent) {
	if err := m.events.Publish(ctx, evt); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		m.Logger.Warn("failed to publish policy change", "kind", evt.Kind, "policy", evt.PolicyID, "err", err)
	}
}

func (m *Manager) Close() {
	m.events.Close()
}
