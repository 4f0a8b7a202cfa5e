package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modgate/modgate/automod/bizclient"
	"github.com/modgate/modgate/automod/metricstore"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/sensitive"

	"github.com/google/uuid"
	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Series recorded in the metric store.
const MetricReviewLatency = "moderation.review_latency_ms"

const defaultStatusCacheSize = 10_000

// Dependencies shared by every node.
type Deps struct {
	Policies PolicySource
	Tasks    TaskSubmitter
	// optional; outcomes are only recorded locally when nil
	Biz BusinessClient
	// optional; content is submitted unscanned when nil
	Sensitive sensitive.Checker
	Audit     AuditStore
	Metrics   *metricstore.MetricStore
	Logger    *slog.Logger
	// uniform draw in [0, 1), used for sampling
	Rand            func() float64
	StatusCacheSize int
}

// per-task bookkeeping between submission and outcome
type route struct {
	BizID       string
	SubmitterID string
	Metadata    map[string]any
	CallbackURL string
	Reviewer    string
	// set once the first outcome is claimed
	Outcome     Outcome
	SubmittedAt time.Time
}

// Shared implementation of Node. Variants wrap it and install a business check and hooks.
type Base struct {
	deps    Deps
	logger  *slog.Logger
	bizType string

	check BusinessCheck
	// runs for every accepted submission, after the decision
	onSubmit func(ctx context.Context, sub *Submission)
	// runs after an outcome has been applied
	onOutcome func(ctx context.Context, r route, cb *Callback)

	enabled  atomic.Bool
	statuses *arc.ARCCache[string, Status]
	routes   *xsync.MapOf[string, route]
	rrNext   atomic.Uint64
	now      func() time.Time
}

var _ Node = (*Base)(nil)

func NewBase(bizType string, deps Deps, check BusinessCheck) (*Base, error) {
	if bizType == "" {
		return nil, fmt.Errorf("moderation node requires a business type")
	}
	if deps.Policies == nil || deps.Tasks == nil {
		return nil, fmt.Errorf("moderation node %s: policy source and task submitter are required", bizType)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	if deps.Audit == nil {
		deps.Audit = NewMemAuditStore()
	}
	if deps.StatusCacheSize <= 0 {
		deps.StatusCacheSize = defaultStatusCacheSize
	}
	statuses, err := arc.NewARC[string, Status](deps.StatusCacheSize)
	if err != nil {
		return nil, err
	}
	b := &Base{
		deps:     deps,
		logger:   deps.Logger.With("component", "moderation", "bizType", bizType),
		bizType:  bizType,
		check:    check,
		statuses: statuses,
		routes:   xsync.NewMapOf[string, route](),
		now:      time.Now,
	}
	b.enabled.Store(true)
	return b, nil
}

func (b *Base) BizType() string {
	return b.bizType
}

func (b *Base) Enabled() bool {
	return b.enabled.Load()
}

func (b *Base) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
	b.logger.Info("moderation node toggled", "enabled", enabled)
}

func (b *Base) CheckReviewRequired(ctx context.Context, c *Content) (*Decision, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil content", ErrInvalidSubmission)
	}
	if !b.Enabled() {
		return b.decided(&Decision{SkipReason: SkipNodeDisabled}), nil
	}
	p, ok := b.deps.Policies.ActivePolicy(b.bizType)
	if !ok {
		return b.decided(&Decision{SkipReason: SkipNoActivePolicy}), nil
	}

	d := &Decision{NeedsReview: true, Priority: p.Priority, Policy: p}
	switch p.Mode {
	case policy.ModeNone:
		d.NeedsReview = false
		d.SkipReason = SkipModeNone
		return b.decided(d), nil
	case policy.ModeSample:
		if b.deps.Rand()*100 >= p.Rate() {
			d.NeedsReview = false
			d.SkipReason = SkipSampledOut
		}
	case policy.ModePost:
		d.Publish = true
	}

	if b.check != nil {
		if err := b.runCheck(ctx, c, d); err != nil {
			b.logger.Warn("business check failed, requiring review", "bizID", c.BizID, "err", err)
			d.Force("business check failed")
		}
	}
	return b.decided(d), nil
}

func (b *Base) runCheck(ctx context.Context, c *Content, d *Decision) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("business check panic: %v", r)
		}
	}()
	return b.check(ctx, c, d)
}

func (b *Base) decided(d *Decision) *Decision {
	result := "review"
	if !d.NeedsReview {
		result = d.SkipReason
	} else if d.Forced {
		result = "forced"
	}
	decisions.WithLabelValues(b.bizType, result).Inc()
	return d
}

func (b *Base) SubmitTask(ctx context.Context, sub *Submission) (string, error) {
	if sub == nil || sub.BizID == "" {
		return "", fmt.Errorf("%w: business id is required", ErrInvalidSubmission)
	}
	if sub.BizType == "" {
		sub.BizType = b.bizType
	}
	if sub.BizType != b.bizType {
		return "", fmt.Errorf("%w: %s submission sent to %s node", ErrInvalidSubmission, sub.BizType, b.bizType)
	}

	d, err := b.CheckReviewRequired(ctx, &sub.Content)
	if err != nil {
		return "", err
	}
	if b.onSubmit != nil {
		b.onSubmit(ctx, sub)
	}

	if !d.NeedsReview {
		now := b.now()
		b.appendAudit(ctx, AuditEntry{
			BizID:       sub.BizID,
			SubmitterID: sub.SubmitterID,
			Outcome:     OutcomeAutoApproved,
			Reason:      d.SkipReason,
			ReviewerID:  "system",
			CreatedAt:   now,
		})
		b.statuses.Add(sub.BizID, Status{BizType: b.bizType, BizID: sub.BizID, State: string(OutcomeAutoApproved), UpdatedAt: now})
		submissions.WithLabelValues(b.bizType, "auto_approved").Inc()
		b.logger.Debug("review skipped", "bizID", sub.BizID, "reason", d.SkipReason)
		return string(OutcomeAutoApproved), nil
	}

	pl := taskPayload{
		Content:     sub.Content,
		CallbackURL: sub.CallbackURL,
		PolicyID:    d.Policy.ID,
		Mode:        d.Policy.Mode,
		Assignment:  d.Policy.Clone().Assignment,
		Forced:      d.Forced,
		Reasons:     d.Reasons,
		Publish:     d.Publish,
		SubmittedAt: b.now(),
	}
	b.screen(ctx, d.Policy, &pl)

	raw, err := json.Marshal(pl)
	if err != nil {
		return "", fmt.Errorf("encoding task payload: %w", err)
	}
	t := b.deps.Tasks.NewTask(b.bizType, sub.BizID, d.Priority, raw)
	// the route must exist before the task can possibly run
	b.routes.Store(t.ID, route{
		BizID:       sub.BizID,
		SubmitterID: sub.SubmitterID,
		Metadata:    sub.Metadata,
		CallbackURL: sub.CallbackURL,
		SubmittedAt: pl.SubmittedAt,
	})
	id, err := b.deps.Tasks.AddTask(ctx, t)
	if err != nil {
		b.routes.Delete(t.ID)
		submissions.WithLabelValues(b.bizType, "rejected").Inc()
		return "", err
	}
	b.statuses.Add(sub.BizID, Status{BizType: b.bizType, BizID: sub.BizID, TaskID: id, State: StatePending, UpdatedAt: b.now()})
	submissions.WithLabelValues(b.bizType, "enqueued").Inc()
	b.logger.Info("review task enqueued", "task", id, "bizID", sub.BizID, "priority", d.Priority, "forced", d.Forced)
	return id, nil
}

// Applies sensitive-term pre-processing to the payload according to the policy's action.
func (b *Base) screen(ctx context.Context, p *policy.Policy, pl *taskPayload) {
	if b.deps.Sensitive == nil {
		return
	}
	res, err := b.deps.Sensitive.Check(ctx, pl.Content.text())
	if err != nil {
		b.logger.Warn("sensitive-term check failed, submitting unscreened", "bizID", pl.Content.BizID, "err", err)
		pl.Reasons = append(pl.Reasons, "sensitive-term check unavailable")
		return
	}
	if res == nil || len(res.Hits) == 0 {
		return
	}
	pl.Hits = res.Hits
	action := p.SensitiveAction
	if action == "" {
		action = sensitive.ActionReplace
	}
	switch {
	case action == sensitive.ActionBlock || res.HasAction(sensitive.ActionBlock):
		pl.Blocked = true
	case action == sensitive.ActionReplace:
		pl.Content.Title = sensitive.Redact(pl.Content.Title, res.Hits)
		pl.Content.Body = sensitive.Redact(pl.Content.Body, res.Hits)
	}
	sensitiveHits.WithLabelValues(b.bizType, string(action)).Add(float64(len(res.Hits)))
}

func (b *Base) Execute(ctx context.Context, t *processor.Task) (*Callback, error) {
	var pl taskPayload
	if err := json.Unmarshal(t.Payload, &pl); err != nil {
		return nil, fmt.Errorf("decoding task %s payload: %w", t.ID, err)
	}
	// tasks popped from a shared queue may have been submitted elsewhere
	b.routes.LoadOrStore(t.ID, route{
		BizID:       pl.Content.BizID,
		SubmitterID: pl.Content.SubmitterID,
		Metadata:    pl.Content.Metadata,
		CallbackURL: pl.CallbackURL,
		SubmittedAt: pl.SubmittedAt,
	})

	if pl.Blocked {
		words := (&sensitive.Result{Hits: pl.Hits}).Words()
		return &Callback{
			TaskID:  t.ID,
			Outcome: OutcomeAutoRejected,
			Reason:  "blocked terms: " + strings.Join(words, ", "),
		}, nil
	}
	if pl.Assignment.Type == policy.AssignAuto && !pl.Forced && len(pl.Hits) == 0 {
		return &Callback{TaskID: t.ID, Outcome: OutcomeAutoApproved, Reason: "automatic assignment"}, nil
	}

	reviewer := b.assignReviewer(pl.Assignment)
	b.routes.Compute(t.ID, func(old route, loaded bool) (route, bool) {
		old.Reviewer = reviewer
		return old, false
	})
	b.statuses.Add(t.BizID, Status{BizType: b.bizType, BizID: t.BizID, TaskID: t.ID, State: StatePending, Reviewer: reviewer, UpdatedAt: b.now()})
	b.logger.Info("review task assigned", "task", t.ID, "reviewer", reviewer, "reasons", pl.Reasons)
	return nil, nil
}

func (b *Base) assignReviewer(a policy.Assignment) string {
	switch a.Type {
	case policy.AssignManual:
		return a.Assignee
	case policy.AssignRole:
		return "role:" + a.Role
	case policy.AssignRoundRobin:
		if len(a.Reviewers) == 0 {
			return ""
		}
		n := b.rrNext.Add(1) - 1
		return a.Reviewers[n%uint64(len(a.Reviewers))]
	}
	return ""
}

func (b *Base) HandleCallback(ctx context.Context, cb *Callback) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidCallback)
	}
	if err := cb.Validate(); err != nil {
		return err
	}

	var known, dup bool
	var prior Outcome
	r, _ := b.routes.Compute(cb.TaskID, func(old route, loaded bool) (route, bool) {
		if !loaded {
			return old, true
		}
		known = true
		switch old.Outcome {
		case "":
			old.Outcome = cb.Outcome
		case cb.Outcome:
			dup = true
		default:
			prior = old.Outcome
		}
		return old, false
	})
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTask, cb.TaskID)
	}
	if prior != "" {
		return fmt.Errorf("%w: task %s is already %s", ErrConflictingOutcome, cb.TaskID, prior)
	}
	if dup {
		callbacks.WithLabelValues(b.bizType, "duplicate").Inc()
		return nil
	}

	if err := b.applyOutcome(ctx, r, cb); err != nil {
		// release the claim so a retry can apply it
		b.routes.Compute(cb.TaskID, func(old route, loaded bool) (route, bool) {
			if loaded && old.Outcome == cb.Outcome {
				old.Outcome = ""
			}
			return old, !loaded
		})
		return err
	}
	return nil
}

type OutcomeReport struct {
	TaskID           string    `json:"taskId"`
	BizType          string    `json:"bizType"`
	BizID            string    `json:"bizId"`
	Outcome          Outcome   `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	ReviewerID       string    `json:"reviewerId,omitempty"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	CompletedAt      time.Time `json:"completedAt"`
}

func (b *Base) applyOutcome(ctx context.Context, r route, cb *Callback) error {
	reviewer := cb.ReviewerID
	if reviewer == "" {
		reviewer = r.Reviewer
	}
	if reviewer == "" {
		reviewer = "system"
	}
	log := b.logger.With("task", cb.TaskID, "bizID", r.BizID, "outcome", cb.Outcome)

	// the only step whose failure aborts the transition
	if b.deps.Biz != nil {
		var err error
		if cb.Outcome.Approves() {
			err = b.deps.Biz.Approve(ctx, b.bizType, r.BizID, reviewer)
		} else {
			err = b.deps.Biz.Reject(ctx, b.bizType, r.BizID, cb.Reason, reviewer)
		}
		if err != nil {
			callbacks.WithLabelValues(b.bizType, "failed").Inc()
			return fmt.Errorf("applying %s to %s/%s: %w", cb.Outcome, b.bizType, r.BizID, err)
		}
	}

	now := b.now()
	b.statuses.Add(r.BizID, Status{BizType: b.bizType, BizID: r.BizID, TaskID: cb.TaskID, State: string(cb.Outcome), Reviewer: reviewer, UpdatedAt: now})
	if b.onOutcome != nil {
		b.onOutcome(ctx, r, cb)
	}

	if b.deps.Biz != nil && r.SubmitterID != "" {
		n := bizclient.Notification{
			UserID:  r.SubmitterID,
			Type:    "moderation_" + string(cb.Outcome),
			Title:   noticeTitle(cb.Outcome),
			Content: cb.Reason,
			BizType: b.bizType,
			BizID:   r.BizID,
		}
		if err := b.deps.Biz.Notify(ctx, n); err != nil {
			sideEffectFailures.WithLabelValues(b.bizType, "notify").Inc()
			log.Warn("failed to notify submitter", "submitter", r.SubmitterID, "err", err)
		}
	}

	b.appendAudit(ctx, AuditEntry{
		TaskID:      cb.TaskID,
		BizID:       r.BizID,
		SubmitterID: r.SubmitterID,
		Outcome:     cb.Outcome,
		Reason:      cb.Reason,
		Detail:      cb.Detail,
		ReviewerID:  reviewer,
		CreatedAt:   now,
	})

	if b.deps.Biz != nil && r.CallbackURL != "" {
		report := OutcomeReport{
			TaskID:           cb.TaskID,
			BizType:          b.bizType,
			BizID:            r.BizID,
			Outcome:          cb.Outcome,
			Reason:           cb.Reason,
			Detail:           cb.Detail,
			ReviewerID:       reviewer,
			ProcessingTimeMs: cb.ProcessingTimeMs,
			CompletedAt:      now,
		}
		if err := b.deps.Biz.PostCallback(ctx, r.CallbackURL, report); err != nil {
			sideEffectFailures.WithLabelValues(b.bizType, "callback").Inc()
			log.Warn("failed to post outcome callback", "url", r.CallbackURL, "err", err)
		}
	}

	if b.deps.Metrics != nil {
		b.deps.Metrics.Record(MetricReviewLatency, float64(cb.ProcessingTimeMs), map[string]string{"bizType": b.bizType})
	}
	callbacks.WithLabelValues(b.bizType, string(cb.Outcome)).Inc()
	log.Info("moderation outcome applied", "reviewer", reviewer)
	return nil
}

func noticeTitle(o Outcome) string {
	if o.Approves() {
		return "Your submission was approved"
	}
	return "Your submission was rejected"
}

// Audit writes never block an outcome.
func (b *Base) appendAudit(ctx context.Context, e AuditEntry) {
	e.ID = uuid.NewString()
	e.BizType = b.bizType
	if err := b.deps.Audit.Append(ctx, e); err != nil {
		sideEffectFailures.WithLabelValues(b.bizType, "audit").Inc()
		b.logger.Error("failed to write audit entry", "bizID", e.BizID, "outcome", e.Outcome, "err", err)
	}
}

func (b *Base) RegisterCallback(taskID, callbackURL string) error {
	var known bool
	b.routes.Compute(taskID, func(old route, loaded bool) (route, bool) {
		if !loaded {
			return old, true
		}
		known = true
		old.CallbackURL = callbackURL
		return old, false
	})
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return nil
}

func (b *Base) Status(bizID string) (*Status, bool) {
	st, ok := b.statuses.Get(bizID)
	if !ok {
		return nil, false
	}
	return &st, true
}

// Forgets tasks submitted more than decided ago once they have an outcome, and tasks that never got one after stale (failed, cleared from the queue, or abandoned in review). Returns the number removed.
func (b *Base) PruneRoutes(decided, stale time.Duration) int {
	now := b.now()
	n := 0
	b.routes.Range(func(id string, r route) bool {
		ttl := stale
		if r.Outcome != "" {
			ttl = decided
		}
		if r.SubmittedAt.Before(now.Add(-ttl)) {
			b.routes.Delete(id)
			n++
		}
		return true
	})
	return n
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrInvalidCallback) || errors.Is(err, ErrConflictingOutcome) || errors.Is(err, ErrUnknownTask)
}
