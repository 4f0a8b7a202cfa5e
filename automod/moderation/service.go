package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/ratelimit"

	"github.com/PuerkitoBio/purell"
)

var (
	ErrInvalidCallbackURL = errors.New("invalid callback url")
	ErrNoStatus           = errors.New("no moderation status for entity")
)

// Task state as tracked by the processor. Satisfied by *processor.Processor.
type TaskTracker interface {
	TaskStatus(id string) (*processor.TaskStatus, bool)
	CompleteTask(id, outcome string) error
}

// Entry point for business modules. Also the processor's task handler.
type Service struct {
	Logger *slog.Logger

	nodes *Registry
	tasks TaskTracker
	audit AuditStore
	// nil means unlimited
	quota *ratelimit.Quota
	// decided tasks are forgotten after routeTTL, undecided ones after staleRouteTTL
	routeTTL      time.Duration
	staleRouteTTL time.Duration
}

func NewService(nodes *Registry, tasks TaskTracker, audit AuditStore, quota *ratelimit.Quota, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = NewMemAuditStore()
	}
	return &Service{
		Logger:        logger.With("component", "moderation-service"),
		nodes:         nodes,
		tasks:         tasks,
		audit:         audit,
		quota:         quota,
		routeTTL:      24 * time.Hour,
		staleRouteTTL: 7 * 24 * time.Hour,
	}
}

func (s *Service) Nodes() *Registry {
	return s.nodes
}

// Submits content for moderation. Returns the task id, or "auto_approved".
func (s *Service) SubmitAuditTask(ctx context.Context, bizType, bizID, content, submitterID string, metadata map[string]any) (string, error) {
	sub := &Submission{Content: Content{
		BizType:     bizType,
		BizID:       bizID,
		SubmitterID: submitterID,
		Body:        content,
		Metadata:    metadata,
	}}
	if title, ok := metadata["title"].(string); ok {
		sub.Title = title
	}
	return s.Submit(ctx, sub)
}

func (s *Service) Submit(ctx context.Context, sub *Submission) (string, error) {
	if sub == nil || sub.BizType == "" {
		return "", fmt.Errorf("%w: business type is required", ErrInvalidSubmission)
	}
	node, ok := s.nodes.Get(sub.BizType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBizType, sub.BizType)
	}
	if sub.CallbackURL != "" {
		u, err := normalizeCallbackURL(sub.CallbackURL)
		if err != nil {
			return "", err
		}
		sub.CallbackURL = u
	}
	if s.quota != nil && sub.SubmitterID != "" && !s.quota.Allow(sub.SubmitterID) {
		submitterThrottled.Inc()
		return "", fmt.Errorf("%w: %s", ErrSubmitterQuota, sub.SubmitterID)
	}
	return node.SubmitTask(ctx, sub)
}

func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*processor.TaskStatus, error) {
	st, ok := s.tasks.TaskStatus(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return st, nil
}

func normalizeCallbackURL(raw string) (string, error) {
	clean, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveDotSegments|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCallbackURL, err)
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCallbackURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidCallbackURL, raw)
	}
	return clean, nil
}

// Registers a URL to receive the task's outcome. An empty URL clears any registered one.
func (s *Service) RegisterCallback(ctx context.Context, taskID, callbackURL string) error {
	var clean string
	if callbackURL != "" {
		var err error
		if clean, err = normalizeCallbackURL(callbackURL); err != nil {
			return err
		}
	}
	node, _, err := s.nodeForTask(taskID)
	if err != nil {
		return err
	}
	return node.RegisterCallback(taskID, clean)
}

func (s *Service) nodeForTask(taskID string) (Node, *processor.TaskStatus, error) {
	st, ok := s.tasks.TaskStatus(taskID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	node, ok := s.nodes.Get(st.BizType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownBizType, st.BizType)
	}
	return node, st, nil
}

// Applies a human reviewer's verdict to a task awaiting review.
func (s *Service) CompleteReview(ctx context.Context, cb *Callback) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidCallback)
	}
	if err := cb.Validate(); err != nil {
		return err
	}
	node, st, err := s.nodeForTask(cb.TaskID)
	if err != nil {
		return err
	}
	switch st.Status {
	case processor.StatusAwaitingReview:
	case processor.StatusCompleted:
		if st.Outcome == string(cb.Outcome) {
			return nil
		}
		return fmt.Errorf("%w: task %s is already %s", ErrConflictingOutcome, cb.TaskID, st.Outcome)
	default:
		return fmt.Errorf("%w: task %s is %s", ErrNotAwaitingReview, cb.TaskID, st.Status)
	}
	if cb.ProcessingTimeMs == 0 {
		cb.ProcessingTimeMs = time.Since(st.CreatedAt).Milliseconds()
	}
	if err := node.HandleCallback(ctx, cb); err != nil {
		return err
	}
	return s.tasks.CompleteTask(cb.TaskID, string(cb.Outcome))
}

// Processor handler: runs the node's automated step and applies any outcome it produces.
func (s *Service) HandleTask(ctx context.Context, t *processor.Task) (string, error) {
	node, ok := s.nodes.Get(t.BizType)
	if !ok {
		return "", processor.Permanent(fmt.Errorf("%w: %s", ErrUnknownBizType, t.BizType))
	}
	cb, err := node.Execute(ctx, t)
	if err != nil {
		return "", err
	}
	if cb == nil {
		return "", nil
	}
	cb.TaskID = t.ID
	if cb.ProcessingTimeMs == 0 && !t.EnqueuedAt.IsZero() {
		cb.ProcessingTimeMs = time.Since(t.EnqueuedAt).Milliseconds()
	}
	if err := node.HandleCallback(ctx, cb); err != nil {
		if isTerminal(err) {
			s.Logger.Error("automated outcome refused", "task", t.ID, "outcome", cb.Outcome, "err", err)
			return "", processor.Permanent(err)
		}
		return "", err
	}
	return string(cb.Outcome), nil
}

func (s *Service) AuditLog(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	return s.audit.List(ctx, q)
}

// Status of a business entity as last seen by its node.
func (s *Service) EntityStatus(bizType, bizID string) (*Status, error) {
	node, ok := s.nodes.Get(bizType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBizType, bizType)
	}
	st, ok := node.Status(bizID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoStatus, bizType, bizID)
	}
	return st, nil
}

type routePruner interface {
	PruneRoutes(decided, stale time.Duration) int
}

// Periodically forgets old task routes until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			total := 0
			for _, n := range s.nodes.nodeList() {
				if p, ok := n.(routePruner); ok {
					total += p.PruneRoutes(s.routeTTL, s.staleRouteTTL)
				}
			}
			if total > 0 {
				s.Logger.Info("pruned task routes", "count", total)
			}
		}
	}
}
