package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modgate/modgate/automod/eventbus"
	"github.com/modgate/modgate/automod/metricstore"

	"github.com/google/uuid"
)

type Config struct {
	Interval      time.Duration
	NotifyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      15 * time.Second,
		NotifyTimeout: 30 * time.Second,
	}
}

type Engine struct {
	Logger *slog.Logger

	cfg      Config
	metrics  *metricstore.MetricStore
	store    Store
	notices  *eventbus.Bus[Notice]
	renderer *renderer
	now      func() time.Time

	lk        sync.Mutex
	notifiers map[string]Notifier
	rules     []Rule
	// open alerts by alert ID
	active map[string]*Event
	// most recent trigger time by rule ID
	lastTrigger map[string]time.Time
	// when each "for" condition started holding, by rule ID and condition index
	pending map[string]time.Time
}

func NewEngine(cfg Config, metrics *metricstore.MetricStore, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	return &Engine{
		Logger:      logger.With("component", "alerting"),
		cfg:         cfg,
		metrics:     metrics,
		store:       store,
		notices:     eventbus.New[Notice](0),
		renderer:    newRenderer(),
		now:         time.Now,
		notifiers:   make(map[string]Notifier),
		active:      make(map[string]*Event),
		lastTrigger: make(map[string]time.Time),
		pending:     make(map[string]time.Time),
	}
}

func (e *Engine) RegisterNotifier(name string, n Notifier) {
	e.lk.Lock()
	defer e.lk.Unlock()
	e.notifiers[name] = n
}

// Replaces the rule set. Every rule is validated first; on any error the current rules are kept.
func (e *Engine) SetRules(rules []Rule) error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[rules[i].ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, rules[i].ID))
		}
		seen[rules[i].ID] = true
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	e.lk.Lock()
	defer e.lk.Unlock()
	e.rules = append([]Rule{}, rules...)
	// forget "for" progress of rules that went away or changed shape
	e.pending = make(map[string]time.Time)
	return nil
}

func (e *Engine) Rules() []Rule {
	e.lk.Lock()
	defer e.lk.Unlock()
	return append([]Rule{}, e.rules...)
}

// Restores open alerts and per-rule trigger times from the store, so cooldowns survive restarts.
func (e *Engine) Load(ctx context.Context) error {
	events, err := e.store.ListEvents(ctx, Query{})
	if err != nil {
		return fmt.Errorf("loading alert history: %w", err)
	}
	e.lk.Lock()
	defer e.lk.Unlock()
	for i := range events {
		evt := events[i]
		if last, ok := e.lastTrigger[evt.RuleID]; !ok || evt.TriggeredAt.After(last) {
			e.lastTrigger[evt.RuleID] = evt.TriggeredAt
		}
		if !evt.Resolved {
			e.active[evt.ID] = &evt
		}
	}
	activeAlerts.Set(float64(len(e.active)))
	return nil
}

// Checks a rule's conditions against the latest samples, updating "for" tracking. Returns whether all hold, with the observed values.
func (e *Engine) check(r *Rule, now time.Time) (bool, map[string]float64) {
	e.lk.Lock()
	defer e.lk.Unlock()

	all := true
	values := make(map[string]float64, len(r.Conditions))
	for i, c := range r.Conditions {
		key := fmt.Sprintf("%s/%d", r.ID, i)
		smp, ok := e.metrics.Latest(c.Metric)
		holds := false
		if ok {
			values[c.Metric] = smp.Value
			holds, _ = metricstore.Compare(smp.Value, c.Op, c.Threshold)
		}
		if !holds {
			delete(e.pending, key)
			all = false
			continue
		}
		if c.ForSeconds > 0 {
			since, ok := e.pending[key]
			if !ok {
				since = now
				e.pending[key] = now
			}
			if now.Sub(since) < time.Duration(c.ForSeconds)*time.Second {
				all = false
			}
		}
	}
	return all, values
}

// Claims a trigger slot for the rule unless it is still cooling down from its previous trigger.
func (e *Engine) claim(r *Rule, now time.Time) bool {
	e.lk.Lock()
	defer e.lk.Unlock()
	if last, ok := e.lastTrigger[r.ID]; ok && now.Sub(last) < r.Cooldown() {
		return false
	}
	e.lastTrigger[r.ID] = now
	return true
}

// Runs one evaluation pass over all enabled rules and returns the alerts it fired.
func (e *Engine) Evaluate(ctx context.Context) []Event {
	now := e.now()
	var fired []Event
	for _, r := range e.Rules() {
		if !r.Enabled {
			continue
		}
		holds, values := e.check(&r, now)
		if !holds {
			if r.AutoResolve {
				e.autoResolve(ctx, r.ID)
			}
			continue
		}
		if !e.claim(&r, now) {
			continue
		}
		fired = append(fired, e.fire(ctx, &r, values, now))
	}
	return fired
}

func describe(r *Rule, values map[string]float64) string {
	parts := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		parts = append(parts, fmt.Sprintf("%s (current %g)", c.String(), values[c.Metric]))
	}
	return strings.Join(parts, " and ")
}

func (e *Engine) fire(ctx context.Context, r *Rule, values map[string]float64, now time.Time) Event {
	evt := &Event{
		ID:          uuid.NewString(),
		RuleID:      r.ID,
		RuleName:    r.Name,
		Type:        r.Type,
		Level:       r.Level,
		Message:     describe(r, values),
		Values:      values,
		TriggeredAt: now,
		Outcomes:    []NotifierOutcome{},
	}
	e.Logger.Warn("alert triggered", "rule", r.ID, "alert", evt.ID, "level", r.Level, "message", evt.Message)
	alertsFired.WithLabelValues(r.ID, string(r.Level)).Inc()

	for _, a := range r.Actions {
		evt.Outcomes = append(evt.Outcomes, e.notify(ctx, a, evt))
	}

	if err := e.store.SaveEvent(ctx, *evt); err != nil {
		e.Logger.Error("failed to persist alert", "alert", evt.ID, "err", err)
	}
	e.lk.Lock()
	e.active[evt.ID] = evt
	activeAlerts.Set(float64(len(e.active)))
	out := evt.clone()
	e.lk.Unlock()

	e.publish(ctx, Notice{Kind: NoticeTriggered, Alert: out})
	return out
}

// Delivers one action. Failures, including panics, are confined to this action's outcome.
func (e *Engine) notify(ctx context.Context, a Action, evt *Event) (out NotifierOutcome) {
	out = NotifierOutcome{Notifier: a.Notifier, Target: a.Target}
	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Error = fmt.Sprintf("notifier panic: %v", r)
			e.Logger.Error("notifier panic", "notifier", a.Notifier, "alert", evt.ID, "err", r)
		}
		if !out.Success {
			notifierFailures.WithLabelValues(a.Notifier).Inc()
		}
	}()

	e.lk.Lock()
	n, ok := e.notifiers[a.Notifier]
	e.lk.Unlock()
	if !ok {
		out.Error = "unknown notifier: " + a.Notifier
		return out
	}
	msg, err := e.renderer.render(a.Template, evt)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
	defer cancel()
	if err := n.Notify(ctx, a.Target, msg); err != nil {
		e.Logger.Warn("alert notification failed", "notifier", a.Notifier, "target", a.Target, "alert", evt.ID, "err", err)
		out.Error = err.Error()
		return out
	}
	out.Success = true
	return out
}

func (e *Engine) autoResolve(ctx context.Context, ruleID string) {
	e.lk.Lock()
	var ids []string
	for id, evt := range e.active {
		if evt.RuleID == ruleID {
			ids = append(ids, id)
		}
	}
	e.lk.Unlock()
	for _, id := range ids {
		if _, err := e.ResolveAlert(ctx, id, "system", "conditions no longer hold"); err != nil && !errors.Is(err, ErrAlertNotFound) {
			e.Logger.Warn("failed to auto-resolve alert", "alert", id, "err", err)
		}
	}
}

// Moves an open alert out of the active set and persists the resolution.
func (e *Engine) ResolveAlert(ctx context.Context, id, by, comment string) (*Event, error) {
	e.lk.Lock()
	evt, ok := e.active[id]
	if !ok {
		e.lk.Unlock()
		stored, err := e.store.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored.Resolved {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	now := e.now()
	evt.Resolved = true
	evt.ResolvedAt = &now
	evt.ResolvedBy = by
	evt.Comment = comment
	delete(e.active, id)
	activeAlerts.Set(float64(len(e.active)))
	out := evt.clone()
	e.lk.Unlock()

	if err := e.store.SaveEvent(ctx, out); err != nil {
		e.Logger.Error("failed to persist alert resolution", "alert", id, "err", err)
	}
	e.Logger.Info("alert resolved", "alert", id, "rule", out.RuleID, "by", by)
	e.publish(ctx, Notice{Kind: NoticeResolved, Alert: out})
	return &out, nil
}

// Newest first.
func (e *Engine) ActiveAlerts() []Event {
	e.lk.Lock()
	out := make([]Event, 0, len(e.active))
	for _, evt := range e.active {
		out = append(out, evt.clone())
	}
	e.lk.Unlock()
	sortEvents(out)
	return out
}

func (e *Engine) History(ctx context.Context, q Query) ([]Event, error) {
	return e.store.ListEvents(ctx, q)
}

// Active alerts by level and type, plus mean resolution time over stored history.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	history, err := e.store.ListEvents(ctx, Query{})
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Total:   len(history),
		ByLevel: map[Level]int{},
		ByType:  map[string]int{},
	}
	for _, evt := range e.ActiveAlerts() {
		st.Active++
		st.ByLevel[evt.Level]++
		st.ByType[evt.Type]++
	}
	var total time.Duration
	n := 0
	for _, evt := range history {
		if !evt.Resolved || evt.ResolvedAt == nil {
			continue
		}
		total += evt.ResolvedAt.Sub(evt.TriggeredAt)
		n++
	}
	if n > 0 {
		st.MeanResolution = total / time.Duration(n)
	}
	return st, nil
}

func (e *Engine) Subscribe(filter func(Notice) bool) (<-chan Notice, func()) {
	return e.notices.Subscribe(filter)
}

func (e *Engine) publish(ctx context.Context, n Notice) {
	if err := e.notices.Publish(ctx, n); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		e.Logger.Warn("failed to publish alert notice", "kind", n.Kind, "alert", n.Alert.ID, "err", err)
	}
}

// Evaluates on every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			fired := e.Evaluate(ctx)
			evalDuration.Observe(time.Since(start).Seconds())
			if len(fired) > 0 {
				e.Logger.Info("alert evaluation fired alerts", "count", len(fired))
			}
		}
	}
}

func (e *Engine) Close() {
	e.notices.Close()
}
