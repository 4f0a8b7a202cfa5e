package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/modgate/modgate/automod/bizclient"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/sensitive"
	"github.com/modgate/modgate/util/cliutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

type staticPolicies map[string]*policy.Policy

func (sp staticPolicies) ActivePolicy(bizType string) (*policy.Policy, bool) {
	p, ok := sp[bizType]
	if !ok || !p.Active {
		return nil, false
	}
	out := p.Clone()
	return &out, true
}

func testPolicy(bizType string, mode policy.Mode) *policy.Policy {
	return &policy.Policy{
		ID:         bizType + "-policy",
		BizType:    bizType,
		Mode:       mode,
		Assignment: policy.Assignment{Type: policy.AssignManual, Assignee: "alice"},
		Priority:   5,
		Active:     true,
	}
}

type fakeTasks struct {
	lk    sync.Mutex
	n     int
	tasks []*processor.Task
	err   error
}

func (ft *fakeTasks) NewTask(bizType, bizID string, priority int, payload []byte) *processor.Task {
	ft.lk.Lock()
	defer ft.lk.Unlock()
	ft.n++
	return &processor.Task{ID: fmt.Sprintf("task-%d", ft.n), BizType: bizType, BizID: bizID, Priority: priority, Payload: payload}
}

func (ft *fakeTasks) AddTask(ctx context.Context, t *processor.Task) (string, error) {
	ft.lk.Lock()
	defer ft.lk.Unlock()
	if ft.err != nil {
		return "", ft.err
	}
	t.EnqueuedAt = time.Now()
	ft.tasks = append(ft.tasks, t)
	return t.ID, nil
}

func (ft *fakeTasks) all() []*processor.Task {
	ft.lk.Lock()
	defer ft.lk.Unlock()
	return append([]*processor.Task{}, ft.tasks...)
}

type bizCall struct {
	verb     string
	bizID    string
	reason   string
	reviewer string
}

type fakeBiz struct {
	lk         sync.Mutex
	calls      []bizCall
	notices    []bizclient.Notification
	reports    []OutcomeReport
	decideErr  error
	notifyErr  error
	callbackTo []string
}

func (fb *fakeBiz) Approve(ctx context.Context, bizType, bizID, reviewer string) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.decideErr != nil {
		return fb.decideErr
	}
	fb.calls = append(fb.calls, bizCall{verb: "approve", bizID: bizID, reviewer: reviewer})
	return nil
}

func (fb *fakeBiz) Reject(ctx context.Context, bizType, bizID, reason, reviewer string) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.decideErr != nil {
		return fb.decideErr
	}
	fb.calls = append(fb.calls, bizCall{verb: "reject", bizID: bizID, reason: reason, reviewer: reviewer})
	return nil
}

func (fb *fakeBiz) Notify(ctx context.Context, n bizclient.Notification) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.notifyErr != nil {
		return fb.notifyErr
	}
	fb.notices = append(fb.notices, n)
	return nil
}

func (fb *fakeBiz) PostCallback(ctx context.Context, callbackURL string, body any) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	fb.callbackTo = append(fb.callbackTo, callbackURL)
	fb.reports = append(fb.reports, body.(OutcomeReport))
	return nil
}

func (fb *fakeBiz) decided() []bizCall {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	return append([]bizCall{}, fb.calls...)
}

type checkerFunc func(ctx context.Context, content string) (*sensitive.Result, error)

func (f checkerFunc) Check(ctx context.Context, content string) (*sensitive.Result, error) {
	return f(ctx, content)
}

type harness struct {
	policies staticPolicies
	tasks    *fakeTasks
	biz      *fakeBiz
	audit    *MemAuditStore
}

func newHarness() *harness {
	return &harness{
		policies: staticPolicies{},
		tasks:    &fakeTasks{},
		biz:      &fakeBiz{},
		audit:    NewMemAuditStore(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Policies: h.policies,
		Tasks:    h.tasks,
		Biz:      h.biz,
		Audit:    h.audit,
	}
}

func decodePayload(t *testing.T, task *processor.Task) taskPayload {
	var pl taskPayload
	require.NoError(t, json.Unmarshal(task.Payload, &pl))
	return pl
}

func TestCheckReviewRequiredShortCircuits(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()

	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)
	c := &Content{BizID: "n1", Body: "headline"}

	d, err := node.CheckReviewRequired(ctx, c)
	require.NoError(err)
	assert.False(d.NeedsReview)
	assert.Equal(SkipNoActivePolicy, d.SkipReason)

	h.policies[BizNews] = testPolicy(BizNews, policy.ModeNone)
	d, err = node.CheckReviewRequired(ctx, c)
	require.NoError(err)
	assert.False(d.NeedsReview)
	assert.Equal(SkipModeNone, d.SkipReason)

	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	d, err = node.CheckReviewRequired(ctx, c)
	require.NoError(err)
	assert.True(d.NeedsReview)
	assert.Equal(5, d.Priority)
	assert.False(d.Publish)

	h.policies[BizNews] = testPolicy(BizNews, policy.ModePost)
	d, err = node.CheckReviewRequired(ctx, c)
	require.NoError(err)
	assert.True(d.NeedsReview)
	assert.True(d.Publish)

	node.SetEnabled(false)
	d, err = node.CheckReviewRequired(ctx, c)
	require.NoError(err)
	assert.False(d.NeedsReview)
	assert.Equal(SkipNodeDisabled, d.SkipReason)

	h.policies[BizNews].Active = false
	node.SetEnabled(true)
	d, err = node.CheckReviewRequired(ctx, c)
	require.NoError(err)
	assert.Equal(SkipNoActivePolicy, d.SkipReason)
}

func TestSamplingRate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()

	p := testPolicy(BizBanner, policy.ModeSample)
	p.SampleRate = ptr(30.0)
	h.policies[BizBanner] = p
	deps := h.deps()
	deps.Rand = rand.New(rand.NewPCG(1, 2)).Float64
	node, err := NewContentNode(BizBanner, deps)
	require.NoError(err)

	const trials = 100_000
	flagged := 0
	c := &Content{BizID: "b1", Body: "spring sale"}
	for range trials {
		d, err := node.CheckReviewRequired(ctx, c)
		require.NoError(err)
		if d.NeedsReview {
			flagged++
		} else {
			require.Equal(SkipSampledOut, d.SkipReason)
		}
	}
	require.InDelta(0.30, float64(flagged)/trials, 0.02)
}

func TestSamplingBounds(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness()
	p := testPolicy(BizBanner, policy.ModeSample)
	h.policies[BizBanner] = p
	deps := h.deps()
	draw := 0.0
	deps.Rand = func() float64 { return draw }
	node, err := NewContentNode(BizBanner, deps)
	require.NoError(t, err)
	c := &Content{BizID: "b1", Body: "x"}

	p.SampleRate = ptr(100.0)
	for _, draw = range []float64{0, 0.5, 0.999999} {
		d, _ := node.CheckReviewRequired(ctx, c)
		assert.True(d.NeedsReview)
	}
	p.SampleRate = ptr(0.0)
	draw = 0
	d, _ := node.CheckReviewRequired(ctx, c)
	assert.False(d.NeedsReview)
}

func TestBusinessCheckFailSafe(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()

	p := testPolicy(BizForum, policy.ModeSample)
	p.SampleRate = ptr(0.0)
	h.policies[BizForum] = p

	failing, err := NewBase(BizForum, h.deps(), func(ctx context.Context, c *Content, d *Decision) error {
		return errors.New("reputation service down")
	})
	require.NoError(err)
	d, err := failing.CheckReviewRequired(ctx, &Content{BizID: "p1"})
	require.NoError(err)
	assert.True(d.NeedsReview)
	assert.True(d.Forced)
	assert.Empty(d.SkipReason)

	panicking, err := NewBase(BizForum, h.deps(), func(ctx context.Context, c *Content, d *Decision) error {
		panic("nil map")
	})
	require.NoError(err)
	d, err = panicking.CheckReviewRequired(ctx, &Content{BizID: "p1"})
	require.NoError(err)
	assert.True(d.NeedsReview)

	escalating, err := NewBase(BizForum, h.deps(), func(ctx context.Context, c *Content, d *Decision) error {
		d.Escalate(20, "urgent")
		return nil
	})
	require.NoError(err)
	d, err = escalating.CheckReviewRequired(ctx, &Content{BizID: "p1"})
	require.NoError(err)
	assert.False(d.NeedsReview)
	assert.Equal(policy.MaxPriority, d.Priority)
}

func TestSubmitTaskAutoApproved(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	h.policies[BizQuotation] = testPolicy(BizQuotation, policy.ModeNone)
	node, err := NewContentNode(BizQuotation, h.deps())
	require.NoError(err)

	out, err := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "q1", SubmitterID: "u1", Body: "quote"}})
	require.NoError(err)
	assert.Equal("auto_approved", out)
	assert.Empty(h.tasks.all())
	assert.Empty(h.biz.decided())

	st, ok := node.Status("q1")
	require.True(ok)
	assert.Equal("auto_approved", st.State)

	entries, err := h.audit.List(ctx, AuditQuery{BizID: "q1"})
	require.NoError(err)
	require.Len(entries, 1)
	assert.Equal(OutcomeAutoApproved, entries[0].Outcome)
	assert.Equal(SkipModeNone, entries[0].Reason)
	assert.Equal(BizQuotation, entries[0].BizType)

	_, err = node.SubmitTask(ctx, &Submission{Content: Content{Body: "no id"}})
	assert.ErrorIs(err, ErrInvalidSubmission)
	_, err = node.SubmitTask(ctx, &Submission{Content: Content{BizType: BizNews, BizID: "q2"}})
	assert.ErrorIs(err, ErrInvalidSubmission)
}

func TestSubmitTaskEnqueueFailure(t *testing.T) {
	assert := assert.New(t)
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	h.tasks.err = processor.ErrRateLimited
	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(t, err)

	_, err = node.SubmitTask(context.Background(), &Submission{Content: Content{BizID: "n1", Body: "x"}})
	assert.ErrorIs(err, processor.ErrRateLimited)
	assert.Equal(0, node.routes.Size())
	_, ok := node.Status("n1")
	assert.False(ok)
}

func TestSensitivePreprocessing(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	p := testPolicy(BizForum, policy.ModePre)
	h.policies[BizForum] = p

	deps := h.deps()
	deps.Sensitive = checkerFunc(func(ctx context.Context, content string) (*sensitive.Result, error) {
		return &sensitive.Result{Hits: []sensitive.Hit{{Word: "scam", Action: sensitive.ActionReplace}}}, nil
	})
	node, err := NewContentNode(BizForum, deps)
	require.NoError(err)
	sub := func(id string) *Submission {
		return &Submission{Content: Content{BizID: id, Title: "a scam", Body: "total scam here"}}
	}

	// default action redacts
	_, err = node.SubmitTask(ctx, sub("p1"))
	require.NoError(err)
	pl := decodePayload(t, h.tasks.all()[0])
	assert.Equal("a ****", pl.Content.Title)
	assert.Equal("total **** here", pl.Content.Body)
	assert.False(pl.Blocked)

	p.SensitiveAction = sensitive.ActionReview
	_, err = node.SubmitTask(ctx, sub("p2"))
	require.NoError(err)
	pl = decodePayload(t, h.tasks.all()[1])
	assert.Equal("total scam here", pl.Content.Body)
	assert.Len(pl.Hits, 1)

	p.SensitiveAction = sensitive.ActionBlock
	id, err := node.SubmitTask(ctx, sub("p3"))
	require.NoError(err)
	task := h.tasks.all()[2]
	assert.True(decodePayload(t, task).Blocked)

	cb, err := node.Execute(ctx, task)
	require.NoError(err)
	require.NotNil(cb)
	assert.Equal(id, cb.TaskID)
	assert.Equal(OutcomeAutoRejected, cb.Outcome)
	assert.Equal("blocked terms: scam", cb.Reason)
}

func TestSensitiveCheckerUnavailable(t *testing.T) {
	require := require.New(t)
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	deps := h.deps()
	deps.Sensitive = checkerFunc(func(ctx context.Context, content string) (*sensitive.Result, error) {
		return nil, errors.New("connection refused")
	})
	node, err := NewContentNode(BizNews, deps)
	require.NoError(err)

	_, err = node.SubmitTask(context.Background(), &Submission{Content: Content{BizID: "n1", Body: "x"}})
	require.NoError(err)
	pl := decodePayload(t, h.tasks.all()[0])
	require.Contains(pl.Reasons, "sensitive-term check unavailable")
}

func TestExecuteAssignment(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	p := testPolicy(BizNews, policy.ModePre)
	h.policies[BizNews] = p
	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)

	submitAndRun := func(id string) *Callback {
		_, err := node.SubmitTask(ctx, &Submission{Content: Content{BizID: id, Body: "x"}})
		require.NoError(err)
		all := h.tasks.all()
		cb, err := node.Execute(ctx, all[len(all)-1])
		require.NoError(err)
		return cb
	}

	assert.Nil(submitAndRun("n1"))
	st, _ := node.Status("n1")
	assert.Equal("alice", st.Reviewer)
	assert.Equal(StatePending, st.State)

	p.Assignment = policy.Assignment{Type: policy.AssignRole, Role: "editors"}
	assert.Nil(submitAndRun("n2"))
	st, _ = node.Status("n2")
	assert.Equal("role:editors", st.Reviewer)

	p.Assignment = policy.Assignment{Type: policy.AssignRoundRobin, Reviewers: []string{"r1", "r2", "r3"}}
	var got []string
	for i := range 4 {
		id := fmt.Sprintf("rr%d", i)
		assert.Nil(submitAndRun(id))
		st, _ := node.Status(id)
		got = append(got, st.Reviewer)
	}
	assert.Equal([]string{"r1", "r2", "r3", "r1"}, got)

	p.Assignment = policy.Assignment{Type: policy.AssignAuto}
	cb := submitAndRun("n3")
	require.NotNil(cb)
	assert.Equal(OutcomeAutoApproved, cb.Outcome)
}

func TestHandleCallbackIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)

	id, err := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "n1", SubmitterID: "u1", Body: "x"}, CallbackURL: "https://biz.example.com/hooks/moderation"})
	require.NoError(err)
	_, err = node.Execute(ctx, h.tasks.all()[0])
	require.NoError(err)

	assert.ErrorIs(node.HandleCallback(ctx, &Callback{Outcome: OutcomeApproved}), ErrInvalidCallback)
	assert.ErrorIs(node.HandleCallback(ctx, &Callback{TaskID: id, Outcome: "maybe"}), ErrInvalidCallback)
	assert.ErrorIs(node.HandleCallback(ctx, &Callback{TaskID: id, Outcome: OutcomeRejected}), ErrInvalidCallback)
	assert.ErrorIs(node.HandleCallback(ctx, &Callback{TaskID: "nope", Outcome: OutcomeApproved}), ErrUnknownTask)

	cb := &Callback{TaskID: id, Outcome: OutcomeApproved, ProcessingTimeMs: 1200}
	require.NoError(node.HandleCallback(ctx, cb))
	require.NoError(node.HandleCallback(ctx, cb))
	err = node.HandleCallback(ctx, &Callback{TaskID: id, Outcome: OutcomeRejected, Reason: "spam"})
	assert.ErrorIs(err, ErrConflictingOutcome)

	assert.Equal([]bizCall{{verb: "approve", bizID: "n1", reviewer: "alice"}}, h.biz.decided())
	require.Len(h.biz.notices, 1)
	assert.Equal("u1", h.biz.notices[0].UserID)
	assert.Equal("moderation_approved", h.biz.notices[0].Type)
	require.Len(h.biz.reports, 1)
	assert.Equal("https://biz.example.com/hooks/moderation", h.biz.callbackTo[0])
	assert.Equal(int64(1200), h.biz.reports[0].ProcessingTimeMs)

	st, _ := node.Status("n1")
	assert.Equal("approved", st.State)
	entries, err := h.audit.List(ctx, AuditQuery{BizType: BizNews})
	require.NoError(err)
	require.Len(entries, 1)
	assert.Equal(id, entries[0].TaskID)
}

func TestHandleCallbackConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(t, err)
	id, err := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "n1", Body: "x"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var lk sync.Mutex
	won := map[Outcome]int{}
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb := &Callback{TaskID: id, Outcome: OutcomeApproved}
			if i%2 == 1 {
				cb = &Callback{TaskID: id, Outcome: OutcomeRejected, Reason: "spam"}
			}
			if node.HandleCallback(ctx, cb) == nil {
				lk.Lock()
				won[cb.Outcome]++
				lk.Unlock()
			}
		}()
	}
	wg.Wait()

	// exactly one outcome ever succeeds, and its side effect ran once
	assert.Len(t, won, 1)
	assert.Len(t, h.biz.decided(), 1)
}

func TestHandleCallbackSideEffectFailures(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)
	id, err := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "n1", SubmitterID: "u1", Body: "x"}})
	require.NoError(err)

	// a failing business call aborts and releases the task for a retry
	h.biz.decideErr = errors.New("HTTP 503")
	cb := &Callback{TaskID: id, Outcome: OutcomeRejected, Reason: "off-topic"}
	assert.Error(node.HandleCallback(ctx, cb))
	st, _ := node.Status("n1")
	assert.Equal(StatePending, st.State)

	// notification failures do not
	h.biz.decideErr = nil
	h.biz.notifyErr = errors.New("notification service down")
	require.NoError(node.HandleCallback(ctx, cb))
	st, _ = node.Status("n1")
	assert.Equal("rejected", st.State)
	assert.Equal([]bizCall{{verb: "reject", bizID: "n1", reason: "off-topic", reviewer: "system"}}, h.biz.decided())
}

type failingAudit struct{}

func (failingAudit) Append(ctx context.Context, e AuditEntry) error {
	return errors.New("disk full")
}

func (failingAudit) List(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	return nil, errors.New("disk full")
}

func TestAuditFailureDoesNotBlockOutcome(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	deps := h.deps()
	deps.Audit = failingAudit{}
	node, err := NewContentNode(BizNews, deps)
	require.NoError(err)

	id, err := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "n1", Body: "x"}})
	require.NoError(err)
	require.NoError(node.HandleCallback(ctx, &Callback{TaskID: id, Outcome: OutcomeApproved}))
	require.Len(h.biz.decided(), 1)
}

func TestExecuteRecoversRoute(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)

	submitter, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)
	id, err := submitter.SubmitTask(ctx, &Submission{Content: Content{BizID: "n1", SubmitterID: "u1", Body: "x"}})
	require.NoError(err)

	// another instance consuming the same queue
	worker, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)
	_, err = worker.Execute(ctx, h.tasks.all()[0])
	require.NoError(err)
	require.NoError(worker.HandleCallback(ctx, &Callback{TaskID: id, Outcome: OutcomeApproved}))
	require.Equal("u1", h.biz.notices[0].UserID)
}

func TestPruneRoutes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newHarness()
	h.policies[BizNews] = testPolicy(BizNews, policy.ModePre)
	node, err := NewContentNode(BizNews, h.deps())
	require.NoError(t, err)

	done, _ := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "n1", Body: "x"}})
	open, _ := node.SubmitTask(ctx, &Submission{Content: Content{BizID: "n2", Body: "x"}})
	require.NoError(t, node.HandleCallback(ctx, &Callback{TaskID: done, Outcome: OutcomeApproved}))

	node.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	assert.Equal(1, node.PruneRoutes(24*time.Hour, 7*24*time.Hour))
	assert.ErrorIs(node.RegisterCallback(done, "https://x.example.com"), ErrUnknownTask)
	assert.NoError(node.RegisterCallback(open, "https://x.example.com"))

	// a task that never got an outcome is dropped once stale
	node.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	assert.Equal(1, node.PruneRoutes(24*time.Hour, 7*24*time.Hour))
	assert.ErrorIs(node.RegisterCallback(open, "https://x.example.com"), ErrUnknownTask)
}

func TestGormAuditStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1, nil)
	require.NoError(err)
	store, err := NewGormAuditStore(db)
	require.NoError(err)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, o := range []Outcome{OutcomeAutoApproved, OutcomeRejected, OutcomeApproved} {
		require.NoError(store.Append(ctx, AuditEntry{
			ID:        fmt.Sprintf("e%d", i),
			BizType:   BizGoods,
			BizID:     "g1",
			Outcome:   o,
			Reason:    "r",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(store.Append(ctx, AuditEntry{ID: "other", BizType: BizForum, BizID: "p1", Outcome: OutcomeApproved, CreatedAt: base}))

	entries, err := store.List(ctx, AuditQuery{BizType: BizGoods, BizID: "g1"})
	require.NoError(err)
	require.Len(entries, 3)
	assert.Equal(OutcomeApproved, entries[0].Outcome)
	assert.Equal(OutcomeAutoApproved, entries[2].Outcome)

	entries, err = store.List(ctx, AuditQuery{Limit: 2})
	require.NoError(err)
	assert.Len(entries, 2)
}
