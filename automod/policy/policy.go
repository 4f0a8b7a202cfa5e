package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/modgate/modgate/automod/sensitive"
)

var (
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrPolicyExists      = errors.New("policy already exists")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrChangeNotFound    = errors.New("policy change not found")
	ErrNoPriorState      = errors.New("policy change has no prior state to roll back to")
	ErrAlreadyRolledBack = errors.New("policy change already rolled back")
	ErrInvalidRule       = errors.New("invalid dynamic rule")
	ErrRuleNotFound      = errors.New("dynamic rule not found")
)

type Mode string

const (
	ModeNone   Mode = "none"
	ModePre    Mode = "pre"
	ModePost   Mode = "post"
	ModeSample Mode = "sample"
)

type AssignmentType string

const (
	AssignAuto       AssignmentType = "auto"
	AssignManual     AssignmentType = "manual"
	AssignRole       AssignmentType = "role"
	AssignRoundRobin AssignmentType = "round_robin"
)

const (
	MinPriority = 1
	MaxPriority = 10
)

type Assignment struct {
	Type      AssignmentType `json:"type" yaml:"type"`
	Assignee  string         `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Role      string         `json:"role,omitempty" yaml:"role,omitempty"`
	Reviewers []string       `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
}

// Per-business-type moderation configuration. Mutated only through the Manager.
type Policy struct {
	ID              string           `json:"id" yaml:"id"`
	BizType         string           `json:"bizType" yaml:"bizType"`
	Mode            Mode             `json:"mode" yaml:"mode"`
	SampleRate      *float64         `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"`
	Assignment      Assignment       `json:"assignment" yaml:"assignment"`
	Priority        int              `json:"priority" yaml:"priority"`
	Active          bool             `json:"active" yaml:"active"`
	SensitiveAction sensitive.Action `json:"sensitiveAction,omitempty" yaml:"sensitiveAction,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt" yaml:"updatedAt"`
	UpdatedBy       string           `json:"updatedBy,omitempty" yaml:"updatedBy,omitempty"`
}

func (p Policy) Clone() Policy {
	out := p
	if p.SampleRate != nil {
		v := *p.SampleRate
		out.SampleRate = &v
	}
	if p.Assignment.Reviewers != nil {
		out.Assignment.Reviewers = append([]string{}, p.Assignment.Reviewers...)
	}
	return out
}

// Rate is the sample rate in percent, or 100 when unset.
func (p *Policy) Rate() float64 {
	if p.SampleRate == nil {
		return 100
	}
	return *p.SampleRate
}

func (p *Policy) Validate() error {
	var errs []error
	if p.BizType == "" {
		errs = append(errs, fmt.Errorf("bizType is required"))
	}
	switch p.Mode {
	case ModeNone, ModePre, ModePost:
	case ModeSample:
		if p.SampleRate == nil {
			errs = append(errs, fmt.Errorf("sample mode requires a sampleRate"))
		} else if *p.SampleRate < 0 || *p.SampleRate > 100 {
			errs = append(errs, fmt.Errorf("sampleRate must be within 0..100, got %v", *p.SampleRate))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode: %q", p.Mode))
	}
	switch p.Assignment.Type {
	case AssignAuto:
	case AssignManual:
		if p.Assignment.Assignee == "" {
			errs = append(errs, fmt.Errorf("manual assignment requires an assignee"))
		}
	case AssignRole:
		if p.Assignment.Role == "" {
			errs = append(errs, fmt.Errorf("role assignment requires a role"))
		}
	case AssignRoundRobin:
		if len(p.Assignment.Reviewers) == 0 {
			errs = append(errs, fmt.Errorf("round_robin assignment requires reviewers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown assignment type: %q", p.Assignment.Type))
	}
	if p.Priority < MinPriority || p.Priority > MaxPriority {
		errs = append(errs, fmt.Errorf("priority must be within %d..%d, got %d", MinPriority, MaxPriority, p.Priority))
	}
	if p.SensitiveAction != "" && !p.SensitiveAction.Valid() {
		errs = append(errs, fmt.Errorf("unknown sensitiveAction: %q", p.SensitiveAction))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

// A partial update; nil fields are left unchanged.
type Changes struct {
	Mode            *Mode             `json:"mode,omitempty" yaml:"mode,omitempty"`
	SampleRate      *float64          `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"`
	Assignment      *Assignment       `json:"assignment,omitempty" yaml:"assignment,omitempty"`
	Priority        *int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active          *bool             `json:"active,omitempty" yaml:"active,omitempty"`
	SensitiveAction *sensitive.Action `json:"sensitiveAction,omitempty" yaml:"sensitiveAction,omitempty"`
}

func (c Changes) Empty() bool {
	return c == Changes{}
}

func (c Changes) Apply(p Policy) Policy {
	out := p.Clone()
	if c.Mode != nil {
		out.Mode = *c.Mode
	}
	if c.SampleRate != nil {
		v := *c.SampleRate
		out.SampleRate = &v
	}
	if c.Assignment != nil {
		out.Assignment = *c.Assignment
		if c.Assignment.Reviewers != nil {
			out.Assignment.Reviewers = append([]string{}, c.Assignment.Reviewers...)
		}
	}
	if c.Priority != nil {
		out.Priority = *c.Priority
	}
	if c.Active != nil {
		out.Active = *c.Active
	}
	if c.SensitiveAction != nil {
		out.SensitiveAction = *c.SensitiveAction
	}
	return out
}

// Who and why, recorded on the change log.
type UpdateOptions struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
	// manual, batch, rule:<id>, rollback, restore, reconcile
	Source string `json:"source,omitempty"`
}

const (
	SourceManual   = "manual"
	SourceBatch    = "batch"
	SourceRollback = "rollback"
	SourceRestore  = "restore"
)

// Immutable audit entry; only RolledBackAt is ever stamped after creation.
type ChangeRecord struct {
	ID           string     `json:"id"`
	PolicyID     string     `json:"policyId"`
	Before       *Policy    `json:"before,omitempty"`
	After        *Policy    `json:"after,omitempty"`
	Operator     string     `json:"operator"`
	Reason       string     `json:"reason,omitempty"`
	Source       string     `json:"source"`
	Timestamp    time.Time  `json:"timestamp"`
	AppliedAt    *time.Time `json:"appliedAt,omitempty"`
	RolledBackAt *time.Time `json:"rolledBackAt,omitempty"`
}

type Snapshot struct {
	ID          string    `json:"id"`
	Policies    []Policy  `json:"policies"`
	CreatedBy   string    `json:"createdBy"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeUpdated    ChangeKind = "updated"
	ChangeDeleted    ChangeKind = "deleted"
	ChangeRestored   ChangeKind = "restored"
	ChangeRolledBack ChangeKind = "rolled_back"
)

type ChangeEvent struct {
	Kind     ChangeKind    `json:"kind"`
	PolicyID string        `json:"policyId,omitempty"`
	BizType  string        `json:"bizType,omitempty"`
	Change   *ChangeRecord `json:"change,omitempty"`
	Time     time.Time     `json:"time"`
}
