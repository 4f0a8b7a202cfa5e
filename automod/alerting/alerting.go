// Metric-driven alerting: declarative threshold rules evaluated on a timer against the metric store, fanning out to pluggable notifiers with a per-rule cooldown.
package alerting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modgate/modgate/automod/metricstore"
)

var (
	ErrInvalidRule   = errors.New("invalid alert rule")
	ErrAlertNotFound = errors.New("alert not found")
	ErrAlreadyClosed = errors.New("alert already resolved")
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelCritical:
		return true
	}
	return false
}

// Holds when the most recent sample of Metric compares true against Threshold, continuously for at least ForSeconds when set.
type Condition struct {
	Metric     string  `json:"metric" yaml:"metric"`
	Op         string  `json:"op" yaml:"op"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	ForSeconds int     `json:"forSeconds,omitempty" yaml:"forSeconds,omitempty"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Metric, c.Op, c.Threshold)
}

type Action struct {
	// registered notifier name: email, webhook, slack
	Notifier string `json:"notifier" yaml:"notifier"`
	// address, URL or channel, depending on the notifier
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// pongo2 template for the message body; empty uses the default
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

type Rule struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Type            string      `json:"type" yaml:"type"`
	Level           Level       `json:"level" yaml:"level"`
	Conditions      []Condition `json:"conditions" yaml:"conditions"`
	Actions         []Action    `json:"actions" yaml:"actions"`
	CooldownSeconds int         `json:"cooldownSeconds" yaml:"cooldownSeconds"`
	Enabled         bool        `json:"enabled" yaml:"enabled"`
	// resolve open alerts of this rule once its conditions stop holding
	AutoResolve bool `json:"autoResolve,omitempty" yaml:"autoResolve,omitempty"`
}

func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

func (r *Rule) Validate() error {
	var errs []string
	if r.ID == "" {
		errs = append(errs, "id is required")
	}
	if !r.Level.Valid() {
		errs = append(errs, fmt.Sprintf("unknown level %q", r.Level))
	}
	if len(r.Conditions) == 0 {
		errs = append(errs, "at least one condition is required")
	}
	for _, c := range r.Conditions {
		if c.Metric == "" || !metricstore.ValidOp(c.Op) {
			errs = append(errs, "invalid condition: "+c.String())
		}
		if c.ForSeconds < 0 {
			errs = append(errs, "negative forSeconds on "+c.Metric)
		}
	}
	for _, a := range r.Actions {
		if a.Notifier == "" {
			errs = append(errs, "action without notifier")
		}
	}
	if r.CooldownSeconds < 0 {
		errs = append(errs, "negative cooldownSeconds")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidRule, r.ID, strings.Join(errs, "; "))
	}
	return nil
}

type NotifierOutcome struct {
	Notifier string `json:"notifier"`
	Target   string `json:"target,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

type Event struct {
	ID          string             `json:"id"`
	RuleID      string             `json:"ruleId"`
	RuleName    string             `json:"ruleName"`
	Type        string             `json:"type"`
	Level       Level              `json:"level"`
	Message     string             `json:"message"`
	Values      map[string]float64 `json:"values"`
	TriggeredAt time.Time          `json:"triggeredAt"`
	Resolved    bool               `json:"resolved"`
	ResolvedAt  *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy  string             `json:"resolvedBy,omitempty"`
	Comment     string             `json:"comment,omitempty"`
	Outcomes    []NotifierOutcome  `json:"outcomes"`
}

func (e *Event) clone() Event {
	out := *e
	if e.Values != nil {
		out.Values = make(map[string]float64, len(e.Values))
		for k, v := range e.Values {
			out.Values[k] = v
		}
	}
	out.Outcomes = append([]NotifierOutcome(nil), e.Outcomes...)
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

type NoticeKind string

const (
	NoticeTriggered NoticeKind = "triggered"
	NoticeResolved  NoticeKind = "resolved"
)

type Notice struct {
	Kind  NoticeKind `json:"kind"`
	Alert Event      `json:"alert"`
}

type Stats struct {
	Active  int            `json:"active"`
	Total   int            `json:"total"`
	ByLevel map[Level]int  `json:"byLevel"`
	ByType  map[string]int `json:"byType"`
	// mean over resolved alerts that carry a resolution time
	MeanResolution time.Duration `json:"meanResolutionNs"`
}
