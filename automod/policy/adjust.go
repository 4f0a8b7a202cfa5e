package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

func (m *Manager) AddRule(r DynamicRule) error {
	if err := r.Compile(); err != nil {
		return err
	}
	m.release(r.ID)
	m.lk.Lock()
	defer m.lk.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			m.rules[i] = r
			sortRules(m.rules)
			return nil
		}
	}
	m.rules = append(m.rules, r)
	sortRules(m.rules)
	return nil
}

func (m *Manager) RemoveRule(id string) error {
	m.release(id)
	m.lk.Lock()
	defer m.lk.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Forgets that a level-triggered rule is in effect, so it applies again the next time it matches.
func (m *Manager) release(ruleID string) {
	m.trigLk.Lock()
	delete(m.holding, ruleID)
	m.trigLk.Unlock()
}

// In evaluation order.
func (m *Manager) ListRules() []DynamicRule {
	m.lk.RLock()
	defer m.lk.RUnlock()
	return append([]DynamicRule{}, m.rules...)
}

func (m *Manager) SetRuleEnabled(id string, enabled bool) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// Replaces the rule set with the contents of a YAML rules file. On any error the current rules are kept.
func (m *Manager) LoadRulesFile(path string) error {
	rules, err := ParseRulesFile(path)
	if err != nil {
		return err
	}
	sortRules(rules)
	m.trigLk.Lock()
	clear(m.holding)
	m.trigLk.Unlock()
	m.lk.Lock()
	m.rules = rules
	m.lk.Unlock()
	m.Logger.Info("dynamic rules loaded", "path", path, "count", len(rules))
	return nil
}

type ActionResult struct {
	RuleID   string     `json:"ruleId"`
	Action   ActionType `json:"action"`
	PolicyID string     `json:"policyId,omitempty"`
	Applied  bool       `json:"applied"`
	Error    string     `json:"error,omitempty"`
}

// Evaluates enabled rules in priority order against the trigger and applies the actions of every matching rule. Each action is a regular validated update attributed to its rule; a failing action is reported and does not stop the others.
//
// Rules only see triggers of the kinds they accept (see DynamicRule.Accepts). A level-triggered rule (time window, threshold, expression) applies once when it starts holding and not again until a trigger it accepts finds it no longer holds, so relative adjustments do not compound.
func (m *Manager) TriggerAutomaticAdjustment(ctx context.Context, trig Trigger) ([]ActionResult, error) {
	if trig.Time.IsZero() {
		trig.Time = m.now()
	}
	m.trigLk.Lock()
	defer m.trigLk.Unlock()
	rules := m.ListRules()

	var results []ActionResult
	for i := range rules {
		r := &rules[i]
		if !r.Enabled || !r.Accepts(trig.Type) {
			continue
		}
		ok, err := r.Matches(trig, m.metrics)
		if err != nil {
			m.Logger.Warn("rule evaluation failed", "rule", r.ID, "err", err)
			ruleEvaluations.WithLabelValues(r.ID, "error").Inc()
			continue
		}
		if !ok {
			if m.holding[r.ID] {
				m.Logger.Info("dynamic rule no longer holds", "rule", r.ID, "trigger", trig.Type)
				delete(m.holding, r.ID)
			}
			ruleEvaluations.WithLabelValues(r.ID, "nomatch").Inc()
			continue
		}
		if r.levelTriggered() {
			if m.holding[r.ID] {
				ruleEvaluations.WithLabelValues(r.ID, "held").Inc()
				continue
			}
			m.holding[r.ID] = true
		}
		ruleEvaluations.WithLabelValues(r.ID, "match").Inc()
		m.Logger.Info("dynamic rule matched", "rule", r.ID, "trigger", trig.Type, "event", trig.Event)

		for _, a := range r.Actions {
			targets := m.actionTargets(a)
			if len(targets) == 0 {
				results = append(results, ActionResult{RuleID: r.ID, Action: a.Type, PolicyID: a.PolicyID, Error: "no matching policy"})
				continue
			}
			for _, id := range targets {
				results = append(results, m.applyAction(ctx, r, a, id))
			}
		}
	}
	return results, nil
}

func (m *Manager) actionTargets(a RuleAction) []string {
	if a.PolicyID != "" {
		return []string{a.PolicyID}
	}
	var ids []string
	for _, p := range m.ListPolicies() {
		if p.BizType == a.BizType {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (m *Manager) applyAction(ctx context.Context, r *DynamicRule, a RuleAction, policyID string) ActionResult {
	res := ActionResult{RuleID: r.ID, Action: a.Type, PolicyID: policyID}

	unlock := m.lockPolicy(policyID)
	defer unlock()

	m.lk.RLock()
	cur, ok := m.policies[policyID]
	m.lk.RUnlock()
	if !ok {
		res.Error = fmt.Sprintf("%s: %s", ErrPolicyNotFound, policyID)
		return res
	}
	changes, err := a.changesFor(cur)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	opts := UpdateOptions{
		Operator: "system",
		Reason:   fmt.Sprintf("dynamic rule %s (%s)", r.ID, r.Name),
		Source:   "rule:" + r.ID,
	}
	if _, err := m.updateLocked(ctx, policyID, changes, opts, opts.Source); err != nil {
		m.Logger.Warn("dynamic rule action failed", "rule", r.ID, "action", a.Type, "policy", policyID, "err", err)
		res.Error = err.Error()
		return res
	}
	res.Applied = true
	return res
}

// Periodically reconciles with the store and, when a schedule is configured, fires time triggers until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	var c *cron.Cron
	if m.cfg.RuleSchedule != "" {
		c = cron.New()
		_, err := c.AddFunc(m.cfg.RuleSchedule, func() {
			if _, err := m.TriggerAutomaticAdjustment(ctx, Trigger{Type: TriggerTime}); err != nil {
				m.Logger.Error("scheduled rule evaluation failed", "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid rule schedule %q: %w", m.cfg.RuleSchedule, err)
		}
		c.Start()
		defer func() {
			<-c.Stop().Done()
		}()
	}

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil {
				m.Logger.Error("policy reconcile failed", "err", err)
			}
		}
	}
}
