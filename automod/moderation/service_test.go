package moderation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modgate/modgate/automod/bizclient"
	"github.com/modgate/modgate/automod/cachestore"
	"github.com/modgate/modgate/automod/metricstore"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/ratelimit"
	"github.com/modgate/modgate/automod/taskqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bizRequest struct {
	path  string
	query string
	body  []byte
}

// stands in for the business modules
type bizServer struct {
	*httptest.Server
	lk   sync.Mutex
	reqs []bizRequest
}

func newBizServer(t *testing.T) *bizServer {
	bs := &bizServer{}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bs.lk.Lock()
		bs.reqs = append(bs.reqs, bizRequest{path: r.URL.Path, query: r.URL.RawQuery, body: b})
		bs.lk.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *bizServer) requests() []bizRequest {
	bs.lk.Lock()
	defer bs.lk.Unlock()
	return append([]bizRequest{}, bs.reqs...)
}

type stack struct {
	svc      *Service
	proc     *processor.Processor
	policies staticPolicies
	biz      *bizServer
	audit    *MemAuditStore
	metrics  *metricstore.MetricStore
}

func newStack(t *testing.T, quota *ratelimit.Quota) *stack {
	st := &stack{
		policies: staticPolicies{},
		biz:      newBizServer(t),
		audit:    NewMemAuditStore(),
		metrics:  metricstore.New(100),
	}

	cfg := processor.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.Timeout = time.Second
	var svc *Service
	st.proc = processor.New(cfg, taskqueue.NewMemQueue(), cachestore.NewMemCacheStore(100, time.Hour), st.metrics, func(ctx context.Context, t *processor.Task) (string, error) {
		return svc.HandleTask(ctx, t)
	}, nil)

	deps := Deps{
		Policies: st.policies,
		Tasks:    st.proc,
		Biz:      bizclient.New(st.biz.URL, st.biz.Client()),
		Audit:    st.audit,
		Metrics:  st.metrics,
	}
	reg := NewRegistry()
	for _, bt := range []string{BizNews, BizBanner} {
		n, err := NewContentNode(bt, deps)
		require.NoError(t, err)
		require.NoError(t, reg.Register(n))
	}
	svc = NewService(reg, st.proc, st.audit, quota, nil)
	st.svc = svc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, st.proc.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		st.proc.Close()
	})
	return st
}

func waitTaskEvent(t *testing.T, ch <-chan processor.Event) processor.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task event")
	}
	return processor.Event{}
}

func TestEndToEndHumanReview(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	st := newStack(t, nil)

	p := testPolicy(BizNews, policy.ModeSample)
	p.SampleRate = ptr(100.0)
	st.policies[BizNews] = p

	parked, cleanup := st.proc.Subscribe(func(e processor.Event) bool {
		return e.Kind == processor.EventTaskAwaitingReview
	})
	defer cleanup()

	id, err := st.svc.SubmitAuditTask(ctx, BizNews, "article-7", "breaking news", "author-1", map[string]any{"title": "Headline"})
	require.NoError(err)
	require.NotEqual("auto_approved", id)
	require.NoError(st.svc.RegisterCallback(ctx, id, "HTTP://"+st.biz.Listener.Addr().String()+"/hooks/./moderation#frag"))

	evt := waitTaskEvent(t, parked)
	assert.Equal(id, evt.TaskID)

	ts, err := st.svc.GetTaskStatus(ctx, id)
	require.NoError(err)
	assert.Equal(processor.StatusAwaitingReview, ts.Status)

	// not yet decided
	_, err = st.svc.GetTaskStatus(ctx, "missing")
	assert.ErrorIs(err, ErrUnknownTask)

	require.NoError(st.svc.CompleteReview(ctx, &Callback{TaskID: id, Outcome: OutcomeApproved, ReviewerID: "bob"}))
	// repeating the same verdict is a no-op; a different one is refused
	require.NoError(st.svc.CompleteReview(ctx, &Callback{TaskID: id, Outcome: OutcomeApproved, ReviewerID: "bob"}))
	assert.ErrorIs(st.svc.CompleteReview(ctx, &Callback{TaskID: id, Outcome: OutcomeRejected, Reason: "late"}), ErrConflictingOutcome)

	ts, err = st.svc.GetTaskStatus(ctx, id)
	require.NoError(err)
	assert.Equal(processor.StatusCompleted, ts.Status)
	assert.Equal("approved", ts.Outcome)

	es, err := st.svc.EntityStatus(BizNews, "article-7")
	require.NoError(err)
	assert.Equal("approved", es.State)
	assert.Equal("bob", es.Reviewer)

	reqs := st.biz.requests()
	require.Len(reqs, 3)
	assert.Equal("/news/approve", reqs[0].path)
	assert.Contains(reqs[0].query, "id=article-7")
	assert.Contains(reqs[0].query, "reviewer=bob")
	assert.Equal("/notifications/send", reqs[1].path)
	var n bizclient.Notification
	require.NoError(json.Unmarshal(reqs[1].body, &n))
	assert.Equal("author-1", n.UserID)
	assert.Equal("/hooks/moderation", reqs[2].path)
	var report OutcomeReport
	require.NoError(json.Unmarshal(reqs[2].body, &report))
	assert.Equal(id, report.TaskID)
	assert.Equal(OutcomeApproved, report.Outcome)

	smp, ok := st.metrics.Latest(MetricReviewLatency)
	require.True(ok)
	assert.GreaterOrEqual(smp.Value, 0.0)

	entries, err := st.svc.AuditLog(ctx, AuditQuery{BizID: "article-7"})
	require.NoError(err)
	require.Len(entries, 1)
	assert.Equal("bob", entries[0].ReviewerID)
}

func TestRegisterCallbackEmptyClears(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	st := newStack(t, nil)
	st.policies[BizNews] = testPolicy(BizNews, policy.ModePre)

	parked, cleanup := st.proc.Subscribe(func(e processor.Event) bool {
		return e.Kind == processor.EventTaskAwaitingReview
	})
	defer cleanup()

	id, err := st.svc.Submit(ctx, &Submission{
		Content:     Content{BizType: BizNews, BizID: "article-8", SubmitterID: "author-2", Body: "x"},
		CallbackURL: st.biz.URL + "/hooks/moderation",
	})
	require.NoError(err)
	waitTaskEvent(t, parked)

	require.NoError(st.svc.RegisterCallback(ctx, id, ""))
	assert.ErrorIs(st.svc.RegisterCallback(ctx, "missing", ""), ErrUnknownTask)
	require.NoError(st.svc.CompleteReview(ctx, &Callback{TaskID: id, Outcome: OutcomeApproved, ReviewerID: "alice"}))

	for _, r := range st.biz.requests() {
		assert.NotEqual("/hooks/moderation", r.path)
	}
}

func TestEndToEndNoModeration(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	st := newStack(t, nil)
	st.policies[BizBanner] = testPolicy(BizBanner, policy.ModeNone)

	out, err := st.svc.SubmitAuditTask(ctx, BizBanner, "banner-1", "summer sale", "ops", nil)
	require.NoError(err)
	assert.Equal("auto_approved", out)

	qs, err := st.proc.GetQueueStatus(ctx)
	require.NoError(err)
	assert.Equal(0, qs.Pending)
	assert.Equal(int64(0), qs.Completed)
	assert.Empty(st.biz.requests())

	es, err := st.svc.EntityStatus(BizBanner, "banner-1")
	require.NoError(err)
	assert.Equal("auto_approved", es.State)
}

func TestEndToEndAutomaticOutcome(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	st := newStack(t, nil)
	p := testPolicy(BizNews, policy.ModePre)
	p.Assignment = policy.Assignment{Type: policy.AssignAuto}
	st.policies[BizNews] = p

	completed, cleanup := st.proc.Subscribe(func(e processor.Event) bool {
		return e.Kind == processor.EventTaskCompleted
	})
	defer cleanup()

	id, err := st.svc.SubmitAuditTask(ctx, BizNews, "article-8", "weather report", "", nil)
	require.NoError(err)
	evt := waitTaskEvent(t, completed)
	assert.Equal(id, evt.TaskID)
	assert.Equal("auto_approved", evt.Outcome)

	// no submitter, so no notification
	reqs := st.biz.requests()
	require.Len(reqs, 1)
	assert.Equal("/news/approve", reqs[0].path)

	assert.ErrorIs(st.svc.CompleteReview(ctx, &Callback{TaskID: id, Outcome: OutcomeRejected, Reason: "x"}), ErrConflictingOutcome)
}

func TestServiceValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := newStack(t, ratelimit.NewQuota(time.Minute, 2))
	st.policies[BizNews] = testPolicy(BizNews, policy.ModePre)

	_, err := st.svc.SubmitAuditTask(ctx, "recipes", "r1", "x", "u1", nil)
	assert.ErrorIs(err, ErrUnknownBizType)

	_, err = st.svc.Submit(ctx, &Submission{Content: Content{BizType: BizNews, BizID: "n0"}, CallbackURL: "ftp://example.com/x"})
	assert.ErrorIs(err, ErrInvalidCallbackURL)

	_, err = st.svc.SubmitAuditTask(ctx, BizNews, "n1", "x", "u1", nil)
	assert.NoError(err)
	_, err = st.svc.SubmitAuditTask(ctx, BizNews, "n2", "x", "u1", nil)
	assert.NoError(err)
	_, err = st.svc.SubmitAuditTask(ctx, BizNews, "n3", "x", "u1", nil)
	assert.ErrorIs(err, ErrSubmitterQuota)
	_, err = st.svc.SubmitAuditTask(ctx, BizNews, "n4", "x", "u2", nil)
	assert.NoError(err)

	assert.ErrorIs(st.svc.RegisterCallback(ctx, "missing", "https://example.com/cb"), ErrUnknownTask)
	assert.ErrorIs(st.svc.RegisterCallback(ctx, "missing", "not a url"), ErrInvalidCallbackURL)
	assert.ErrorIs(st.svc.CompleteReview(ctx, &Callback{TaskID: "missing", Outcome: OutcomeApproved}), ErrUnknownTask)
	assert.ErrorIs(st.svc.CompleteReview(ctx, &Callback{TaskID: "missing"}), ErrInvalidCallback)

	// tasks that can never succeed are not retried
	_, err = st.svc.HandleTask(ctx, &processor.Task{ID: "t1", BizType: "recipes"})
	assert.ErrorIs(err, ErrUnknownBizType)
	assert.True(processor.IsPermanent(err))
}

func TestNormalizeCallbackURL(t *testing.T) {
	assert := assert.New(t)

	u, err := normalizeCallbackURL("HTTPS://Biz.Example.com/a/../hooks//moderation#top")
	assert.NoError(err)
	assert.Equal("https://biz.example.com/hooks/moderation", u)

	for _, bad := range []string{"", "/relative/path", "mailto:ops@example.com", "https://"} {
		_, err := normalizeCallbackURL(bad)
		assert.ErrorIs(err, ErrInvalidCallbackURL, bad)
	}
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	h := newHarness()

	reg := NewRegistry()
	for _, bt := range []string{BizNews, BizBanner, BizQuotation} {
		n, err := NewContentNode(bt, h.deps())
		require.NoError(err)
		require.NoError(reg.Register(n))
	}
	dup, err := NewContentNode(BizNews, h.deps())
	require.NoError(err)
	assert.ErrorIs(reg.Register(dup), ErrNodeExists)

	require.NoError(reg.Disable(BizBanner))
	assert.Equal([]NodeInfo{
		{BizType: BizBanner, Enabled: false},
		{BizType: BizNews, Enabled: true},
		{BizType: BizQuotation, Enabled: true},
	}, reg.List())
	require.NoError(reg.Enable(BizBanner))
	n, ok := reg.Get(BizBanner)
	require.True(ok)
	assert.True(n.Enabled())
	assert.ErrorIs(reg.Disable("recipes"), ErrUnknownBizType)
}
