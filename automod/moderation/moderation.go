// Per-business-type moderation nodes.
//
// A node decides whether submitted content needs review under the active policy for its business type, enqueues review tasks, and applies the outcome of a review back to the owning business module. Nodes share their policy lookup, sampling, sensitive-term handling and callback bookkeeping through Base; variants only add a business check and outcome side effects.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modgate/modgate/automod/bizclient"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/sensitive"
)

var (
	ErrInvalidCallback    = errors.New("invalid moderation callback")
	ErrConflictingOutcome = errors.New("conflicting outcome for moderation task")
	ErrUnknownTask        = errors.New("unknown moderation task")
	ErrUnknownBizType     = errors.New("no moderation node for business type")
	ErrNodeExists         = errors.New("moderation node already registered")
	ErrSubmitterQuota     = errors.New("submitter exceeded submission quota")
	ErrInvalidSubmission  = errors.New("invalid submission")
	ErrNotAwaitingReview  = errors.New("moderation task is not awaiting review")
)

type Outcome string

const (
	OutcomeApproved     Outcome = "approved"
	OutcomeRejected     Outcome = "rejected"
	OutcomeAutoApproved Outcome = "auto_approved"
	OutcomeAutoRejected Outcome = "auto_rejected"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeAutoApproved, OutcomeAutoRejected:
		return true
	}
	return false
}

func (o Outcome) Approves() bool {
	return o == OutcomeApproved || o == OutcomeAutoApproved
}

// Why a decision skipped review.
const (
	SkipNodeDisabled   = "node_disabled"
	SkipNoActivePolicy = "no_active_policy"
	SkipModeNone       = "mode_none"
	SkipSampledOut     = "sampled_out"
)

type Content struct {
	BizType     string         `json:"bizType"`
	BizID       string         `json:"bizId"`
	SubmitterID string         `json:"submitterId,omitempty"`
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (c *Content) text() string {
	if c.Title == "" {
		return c.Body
	}
	return c.Title + "\n" + c.Body
}

type Submission struct {
	Content
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type Decision struct {
	NeedsReview bool   `json:"needsReview"`
	SkipReason  string `json:"skipReason,omitempty"`
	// set when a business check required review regardless of the policy
	Forced   bool     `json:"forced,omitempty"`
	Priority int      `json:"priority"`
	Reasons  []string `json:"reasons,omitempty"`
	// post-moderation: content stays visible while the review is pending
	Publish bool           `json:"publish,omitempty"`
	Policy  *policy.Policy `json:"-"`
}

// Requires review even if the policy or sampling skipped it.
func (d *Decision) Force(reason string) {
	d.NeedsReview = true
	d.Forced = true
	d.SkipReason = ""
	d.Reasons = append(d.Reasons, reason)
}

// Shifts priority by delta, clamped to the valid range.
func (d *Decision) Escalate(delta int, reason string) {
	d.Priority += delta
	if d.Priority > policy.MaxPriority {
		d.Priority = policy.MaxPriority
	}
	if d.Priority < policy.MinPriority {
		d.Priority = policy.MinPriority
	}
	d.Reasons = append(d.Reasons, reason)
}

type Callback struct {
	TaskID           string  `json:"taskId"`
	Outcome          Outcome `json:"outcome"`
	Reason           string  `json:"reason,omitempty"`
	Detail           string  `json:"detail,omitempty"`
	ReviewerID       string  `json:"reviewerId,omitempty"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
}

func (cb *Callback) Validate() error {
	if cb.TaskID == "" {
		return fmt.Errorf("%w: missing task id", ErrInvalidCallback)
	}
	if !cb.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidCallback, cb.Outcome)
	}
	if !cb.Outcome.Approves() && cb.Reason == "" {
		return fmt.Errorf("%w: %s outcome requires a reason", ErrInvalidCallback, cb.Outcome)
	}
	if cb.ProcessingTimeMs < 0 {
		return fmt.Errorf("%w: negative processing time", ErrInvalidCallback)
	}
	return nil
}

// Moderation state of one business entity, as last seen by its node.
type Status struct {
	BizType   string    `json:"bizType"`
	BizID     string    `json:"bizId"`
	TaskID    string    `json:"taskId,omitempty"`
	State     string    `json:"state"`
	Reviewer  string    `json:"reviewer,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const StatePending = "pending"

type Node interface {
	BizType() string
	Enabled() bool
	SetEnabled(enabled bool)
	CheckReviewRequired(ctx context.Context, c *Content) (*Decision, error)
	// Returns the task id, or "auto_approved" when no review is needed.
	SubmitTask(ctx context.Context, sub *Submission) (string, error)
	HandleCallback(ctx context.Context, cb *Callback) error
	// Automated step run by the processor. A nil callback leaves the task awaiting human review.
	Execute(ctx context.Context, t *processor.Task) (*Callback, error)
	RegisterCallback(taskID, callbackURL string) error
	Status(bizID string) (*Status, bool)
}

// Adds node-specific signals to a decision. Errors are treated as requiring review.
type BusinessCheck func(ctx context.Context, c *Content, d *Decision) error

// Business-module side effects of a moderation outcome. Satisfied by *bizclient.Client.
type BusinessClient interface {
	Approve(ctx context.Context, bizType, bizID, reviewer string) error
	Reject(ctx context.Context, bizType, bizID, reason, reviewer string) error
	Notify(ctx context.Context, n bizclient.Notification) error
	PostCallback(ctx context.Context, callbackURL string, body any) error
}

// Subset of the processor a node submits through.
type TaskSubmitter interface {
	NewTask(bizType, bizID string, priority int, payload []byte) *processor.Task
	AddTask(ctx context.Context, t *processor.Task) (string, error)
}

// Source of the active policy for a business type. Satisfied by *policy.Manager.
type PolicySource interface {
	ActivePolicy(bizType string) (*policy.Policy, bool)
}

// what a node sends through the queue
type taskPayload struct {
	Content     Content           `json:"content"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
	PolicyID    string            `json:"policyId"`
	Mode        policy.Mode       `json:"mode"`
	Assignment  policy.Assignment `json:"assignment"`
	Forced      bool              `json:"forced,omitempty"`
	Hits        []sensitive.Hit   `json:"hits,omitempty"`
	Blocked     bool              `json:"blocked,omitempty"`
	Reasons     []string          `json:"reasons,omitempty"`
	Publish     bool              `json:"publish,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt"`
}
