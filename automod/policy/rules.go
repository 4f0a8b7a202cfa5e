package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/modgate/modgate/automod/metricstore"

	"github.com/araddon/dateparse"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type TriggerType string

const (
	TriggerTime      TriggerType = "time"
	TriggerEvent     TriggerType = "event"
	TriggerThreshold TriggerType = "threshold"
	TriggerManual    TriggerType = "manual"
)

// What prompted an automatic adjustment. Metrics supplied here take precedence over the metric store.
type Trigger struct {
	Type    TriggerType        `json:"type"`
	Event   string             `json:"event,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Time    time.Time          `json:"time"`
}

// Daily window in local "HH:MM" form, optionally limited to weekdays and an absolute date range. A window whose start is after its end wraps past midnight.
type TimeWindow struct {
	Start    string   `json:"start,omitempty" yaml:"start,omitempty"`
	End      string   `json:"end,omitempty" yaml:"end,omitempty"`
	Weekdays []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	From     string   `json:"from,omitempty" yaml:"from,omitempty"`
	Until    string   `json:"until,omitempty" yaml:"until,omitempty"`
}

type Threshold struct {
	Metric string  `json:"metric" yaml:"metric"`
	Op     string  `json:"op" yaml:"op"`
	Value  float64 `json:"value" yaml:"value"`
}

type RuleConditions struct {
	TimeWindow *TimeWindow `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
	Events     []string    `json:"events,omitempty" yaml:"events,omitempty"`
	Thresholds []Threshold `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	// expr-lang boolean expression over metrics, event, hour and weekday
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

func (c RuleConditions) empty() bool {
	return c.TimeWindow == nil && len(c.Events) == 0 && len(c.Thresholds) == 0 && c.Expression == ""
}

type ActionType string

const (
	ActionModify           ActionType = "modify"
	ActionEnable           ActionType = "enable"
	ActionDisable          ActionType = "disable"
	ActionAdjustSampleRate ActionType = "adjust_sample_rate"
	ActionChangePriority   ActionType = "change_priority"
)

// Targets PolicyID when set, otherwise every policy of BizType.
type RuleAction struct {
	Type     ActionType     `json:"type" yaml:"type"`
	PolicyID string         `json:"policyId,omitempty" yaml:"policyId,omitempty"`
	BizType  string         `json:"bizType,omitempty" yaml:"bizType,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Automatic policy adjustment: all present conditions must hold for the actions to run.
type DynamicRule struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Conditions RuleConditions `json:"conditions" yaml:"conditions"`
	Actions    []RuleAction   `json:"actions" yaml:"actions"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Priority   int            `json:"priority" yaml:"priority"`

	program *vm.Program
}

type exprEnv struct {
	Metrics map[string]float64 `expr:"metrics"`
	Event   string             `expr:"event"`
	Hour    int                `expr:"hour"`
	Weekday string             `expr:"weekday"`
}

// Checks the rule and compiles its expression.
func (r *DynamicRule) Compile() error {
	var errs []string
	if r.ID == "" {
		errs = append(errs, "id is required")
	}
	if r.Conditions.empty() {
		errs = append(errs, "at least one condition is required")
	}
	if len(r.Actions) == 0 {
		errs = append(errs, "at least one action is required")
	}
	if tw := r.Conditions.TimeWindow; tw != nil {
		if err := tw.validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, th := range r.Conditions.Thresholds {
		if th.Metric == "" || !metricstore.ValidOp(th.Op) {
			errs = append(errs, fmt.Sprintf("invalid threshold: %s %s %v", th.Metric, th.Op, th.Value))
		}
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionModify, ActionEnable, ActionDisable, ActionAdjustSampleRate, ActionChangePriority:
		default:
			errs = append(errs, fmt.Sprintf("unknown action type: %q", a.Type))
		}
		if a.PolicyID == "" && a.BizType == "" {
			errs = append(errs, fmt.Sprintf("action %s needs a policyId or bizType", a.Type))
		}
	}
	if r.Conditions.Expression != "" {
		prog, err := expr.Compile(r.Conditions.Expression, expr.Env(exprEnv{}), expr.AsBool())
		if err != nil {
			errs = append(errs, fmt.Sprintf("expression: %s", err))
		} else {
			r.program = prog
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidRule, r.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Event rules react to event triggers; window and threshold rules to the schedule (thresholds also to threshold triggers). Manual triggers reach every kind, expression-only rules see every trigger.
func (r *DynamicRule) Accepts(t TriggerType) bool {
	c := r.Conditions
	switch {
	case len(c.Events) > 0:
		return t == TriggerEvent || t == TriggerManual
	case c.TimeWindow != nil:
		return t == TriggerTime || t == TriggerManual
	case len(c.Thresholds) > 0:
		return t == TriggerThreshold || t == TriggerTime || t == TriggerManual
	}
	return true
}

// Event rules fire once per matching event. All other rules describe a state and apply once each time they start holding.
func (r *DynamicRule) levelTriggered() bool {
	return len(r.Conditions.Events) == 0
}

// Reports whether the rule accepts the trigger's kind and every present condition holds. Metrics missing from both the trigger and the store fail their threshold.
func (r *DynamicRule) Matches(trig Trigger, metrics *metricstore.MetricStore) (bool, error) {
	c := r.Conditions
	if c.empty() || !r.Accepts(trig.Type) {
		return false, nil
	}
	when := trig.Time
	if when.IsZero() {
		when = time.Now()
	}
	if c.TimeWindow != nil {
		ok, err := c.TimeWindow.Contains(when)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(c.Events) > 0 {
		found := false
		for _, e := range c.Events {
			if e == trig.Event {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	lookup := func(name string) (float64, bool) {
		if v, ok := trig.Metrics[name]; ok {
			return v, true
		}
		if metrics != nil {
			if smp, ok := metrics.Latest(name); ok {
				return smp.Value, true
			}
		}
		return 0, false
	}
	for _, th := range c.Thresholds {
		v, ok := lookup(th.Metric)
		if !ok {
			return false, nil
		}
		holds, err := metricstore.Compare(v, th.Op, th.Value)
		if err != nil || !holds {
			return false, err
		}
	}
	if c.Expression != "" {
		if r.program == nil {
			return false, fmt.Errorf("rule %s expression was not compiled", r.ID)
		}
		env := exprEnv{
			Metrics: map[string]float64{},
			Event:   trig.Event,
			Hour:    when.Hour(),
			Weekday: strings.ToLower(when.Weekday().String()),
		}
		if metrics != nil {
			for k, v := range metrics.LatestValues() {
				env.Metrics[k] = v
			}
		}
		for k, v := range trig.Metrics {
			env.Metrics[k] = v
		}
		out, err := expr.Run(r.program, env)
		if err != nil {
			return false, fmt.Errorf("evaluating rule %s expression: %w", r.ID, err)
		}
		if b, _ := out.(bool); !b {
			return false, nil
		}
	}
	return true, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (tw *TimeWindow) validate() error {
	if (tw.Start == "") != (tw.End == "") {
		return fmt.Errorf("time window needs both start and end")
	}
	if tw.Start != "" {
		if _, err := parseClock(tw.Start); err != nil {
			return err
		}
		if _, err := parseClock(tw.End); err != nil {
			return err
		}
	}
	for _, d := range tw.Weekdays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("unknown weekday %q", d)
		}
	}
	for _, s := range []string{tw.From, tw.Until} {
		if s == "" {
			continue
		}
		if _, err := dateparse.ParseAny(s); err != nil {
			return fmt.Errorf("unparseable date %q: %w", s, err)
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func (tw *TimeWindow) Contains(t time.Time) (bool, error) {
	if tw.From != "" {
		from, err := dateparse.ParseIn(tw.From, t.Location())
		if err != nil {
			return false, err
		}
		if t.Before(from) {
			return false, nil
		}
	}
	if tw.Until != "" {
		until, err := dateparse.ParseIn(tw.Until, t.Location())
		if err != nil {
			return false, err
		}
		if !t.Before(until) {
			return false, nil
		}
	}
	if len(tw.Weekdays) > 0 {
		found := false
		for _, d := range tw.Weekdays {
			if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == t.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if tw.Start == "" {
		return true, nil
	}
	start, err := parseClock(tw.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(tw.End)
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end, nil
	}
	// wraps past midnight
	return now >= start || now < end, nil
}

// Numeric params accept either an absolute value or a delta.
type adjustParams struct {
	SampleRate *float64 `mapstructure:"sampleRate"`
	Priority   *int     `mapstructure:"priority"`
	Delta      *float64 `mapstructure:"delta"`
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}

func decodeAdjustParams(params map[string]any) (adjustParams, error) {
	var ap adjustParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ap,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return ap, err
	}
	if err := dec.Decode(params); err != nil {
		return ap, err
	}
	return ap, nil
}

// Computes the partial update an action applies to one policy.
func (a RuleAction) changesFor(p Policy) (Changes, error) {
	var c Changes
	switch a.Type {
	case ActionModify:
		if err := decodeParams(a.Params, &c); err != nil {
			return c, fmt.Errorf("decoding modify params: %w", err)
		}
		if c.Empty() {
			return c, fmt.Errorf("modify action has no changes")
		}
	case ActionEnable:
		v := true
		c.Active = &v
	case ActionDisable:
		v := false
		c.Active = &v
	case ActionAdjustSampleRate:
		ap, err := decodeAdjustParams(a.Params)
		if err != nil {
			return c, err
		}
		var rate float64
		switch {
		case ap.SampleRate != nil:
			rate = *ap.SampleRate
		case ap.Delta != nil:
			rate = p.Rate() + *ap.Delta
		default:
			return c, fmt.Errorf("adjust_sample_rate needs sampleRate or delta")
		}
		rate = min(max(rate, 0), 100)
		c.SampleRate = &rate
	case ActionChangePriority:
		ap, err := decodeAdjustParams(a.Params)
		if err != nil {
			return c, err
		}
		var prio int
		switch {
		case ap.Priority != nil:
			prio = *ap.Priority
		case ap.Delta != nil:
			prio = p.Priority + int(*ap.Delta)
		default:
			return c, fmt.Errorf("change_priority needs priority or delta")
		}
		prio = min(max(prio, MinPriority), MaxPriority)
		c.Priority = &prio
	default:
		return c, fmt.Errorf("unknown action type: %q", a.Type)
	}
	return c, nil
}

type rulesFile struct {
	Rules []DynamicRule `yaml:"rules"`
}

// Parses and compiles a YAML file with a top-level "rules" list.
func ParseRulesFile(path string) ([]DynamicRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf rulesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	for i := range rf.Rules {
		if err := rf.Rules[i].Compile(); err != nil {
			return nil, err
		}
	}
	return rf.Rules, nil
}

// Highest priority first; ties by ID for a stable order.
func sortRules(rules []DynamicRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
