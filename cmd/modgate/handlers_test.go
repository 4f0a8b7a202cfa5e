package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modgate/modgate/automod/alerting"
	"github.com/modgate/modgate/automod/cachestore"
	"github.com/modgate/modgate/automod/metricstore"
	"github.com/modgate/modgate/automod/moderation"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/taskqueue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	metrics := metricstore.New(100)
	mgr := policy.NewManager(policy.Config{}, policy.NewMemStore(), metrics, nil)
	alerts := alerting.NewEngine(alerting.DefaultConfig(), metrics, alerting.NewMemStore(), nil)

	cfg := processor.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	var svc *moderation.Service
	proc := processor.New(cfg, taskqueue.NewMemQueue(), cachestore.NewMemCacheStore(100, time.Hour), metrics, func(ctx context.Context, t *processor.Task) (string, error) {
		return svc.HandleTask(ctx, t)
	}, nil)

	audit := moderation.NewMemAuditStore()
	reg := moderation.NewRegistry()
	node, err := moderation.NewContentNode(moderation.BizNews, moderation.Deps{
		Policies: mgr,
		Tasks:    proc,
		Audit:    audit,
		Metrics:  metrics,
	})
	require.NoError(t, err)
	require.NoError(t, reg.Register(node))
	svc = moderation.NewService(reg, proc, audit, nil, nil)

	srv := &Server{
		logger:   slog.Default(),
		svc:      svc,
		proc:     proc,
		policies: mgr,
		alerts:   alerts,
		metrics:  metrics,
	}
	srv.setupEcho(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, proc.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		proc.Close()
		mgr.Close()
		alerts.Close()
	})
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/_health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[GenericStatus](t, rec).Status)
}

func TestPolicyEndpoints(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t)

	body := `{"id":"news-default","bizType":"news","mode":"pre","assignment":{"type":"manual","assignee":"alice"},"priority":5,"active":true,"operator":"ops"}`
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/policies", body)
	assert.Equal(http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[policy.Policy](t, rec)
	assert.Equal("ops", created.UpdatedBy)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/policies", body)
	assert.Equal(http.StatusConflict, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/policies", `{"bizType":"news","mode":"pre","assignment":{"type":"auto"},"priority":42}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Equal("error", decodeBody[GenericStatus](t, rec).Status)

	rec = doRequest(t, srv, http.MethodPatch, "/api/v1/policies/news-default", `{"changes":{"priority":8},"operator":"ops","reason":"busy"}`)
	assert.Equal(http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(8, decodeBody[policy.Policy](t, rec).Priority)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/policies/news-default/history", "")
	assert.Equal(http.StatusOK, rec.Code)
	history := decodeBody[[]policy.ChangeRecord](t, rec)
	assert.Len(history, 2)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/policies/missing", "")
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/policies/news-default/history?limit=abc", "")
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/snapshots", `{"createdBy":"ops","description":"before launch"}`)
	assert.Equal(http.StatusCreated, rec.Code, rec.Body.String())
	snap := decodeBody[policy.Snapshot](t, rec)
	assert.Len(snap.Policies, 1)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/snapshots", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Len(decodeBody[[]policy.Snapshot](t, rec), 1)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/snapshots", `{"createdBy":"ops"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/snapshots/prune", `{"keep":0}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/snapshots/prune", `{"keep":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(1, decodeBody[map[string]int](t, rec)["removed"])
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/snapshots", "")
	assert.Len(decodeBody[[]policy.Snapshot](t, rec), 1)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/policies/news-default?operator=ops", "")
	assert.Equal(http.StatusNoContent, rec.Code)
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/policies", "")
	assert.Empty(decodeBody[[]policy.Policy](t, rec))
}

func TestSubmitAndReviewEndpoints(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := srv.policies.CreatePolicy(ctx, policy.Policy{
		ID:         "news",
		BizType:    moderation.BizNews,
		Mode:       policy.ModePre,
		Assignment: policy.Assignment{Type: policy.AssignManual, Assignee: "alice"},
		Priority:   5,
		Active:     true,
	}, policy.UpdateOptions{Operator: "test"})
	require.NoError(err)

	parked, cleanup := srv.proc.Subscribe(func(e processor.Event) bool {
		return e.Kind == processor.EventTaskAwaitingReview
	})
	defer cleanup()

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks", `{"bizType":"news","bizId":"n1","content":"city council meets","submitterId":"u1"}`)
	require.Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decodeBody[submitResponse](t, rec)
	require.NotEmpty(sub.TaskID)

	select {
	case evt := <-parked:
		assert.Equal(sub.TaskID, evt.TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task to await review")
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/audit/tasks/"+sub.TaskID, "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(processor.StatusAwaitingReview, decodeBody[processor.TaskStatus](t, rec).Status)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks/"+sub.TaskID+"/callback", `{"callbackUrl":"ftp://example.com"}`)
	assert.Equal(http.StatusBadRequest, rec.Code)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks/"+sub.TaskID+"/callback", `{}`)
	assert.Equal(http.StatusOK, rec.Code, "no url clears the callback")

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks/"+sub.TaskID+"/review", `{"outcome":"rejected"}`)
	assert.Equal(http.StatusBadRequest, rec.Code, "rejection without a reason")

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks/"+sub.TaskID+"/review", `{"outcome":"approved","reviewerId":"bob"}`)
	require.Equal(http.StatusOK, rec.Code, rec.Body.String())
	st := decodeBody[processor.TaskStatus](t, rec)
	assert.Equal(processor.StatusCompleted, st.Status)
	assert.Equal("approved", st.Outcome)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks/"+sub.TaskID+"/review", `{"outcome":"rejected","reason":"late"}`)
	assert.Equal(http.StatusConflict, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/audit/entities/news/n1", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("approved", decodeBody[moderation.Status](t, rec).State)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/audit/log?bizId=n1", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Len(decodeBody[[]moderation.AuditEntry](t, rec), 1)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/audit/tasks/missing", "")
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks", `{"bizType":"recipes","bizId":"r1","content":"x"}`)
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks", `{not json`)
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestNodeAndQueueEndpoints(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/nodes/news/disable", "")
	assert.Equal(http.StatusOK, rec.Code)
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/nodes", "")
	assert.Equal([]moderation.NodeInfo{{BizType: moderation.BizNews, Enabled: false}}, decodeBody[[]moderation.NodeInfo](t, rec))

	// a disabled node never enqueues
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/audit/tasks", `{"bizType":"news","bizId":"n2","content":"x"}`)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("auto_approved", decodeBody[submitResponse](t, rec).Status)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/nodes/recipes/enable", "")
	assert.Equal(http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/queue", "")
	assert.Equal(http.StatusOK, rec.Code)
	qs := decodeBody[processor.QueueStatus](t, rec)
	assert.Equal(0, qs.Pending)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/queue", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(map[string]int{"cleared": 0}, decodeBody[map[string]int](t, rec))
}

func TestAlertEndpoints(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/alerts/stats", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal(0, decodeBody[alerting.Stats](t, rec).Total)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/alerts?active=true", "")
	assert.Equal(http.StatusOK, rec.Code)
	assert.Empty(decodeBody[[]alerting.Event](t, rec))

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/alerts/missing/resolve", `{"resolvedBy":"ops"}`)
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestMetricSummaries(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	srv := newTestServer(t)
	srv.metrics.Record("moderation.test_latency_ms", 10, nil)
	srv.metrics.Record("moderation.test_latency_ms", 30, nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/metrics?window=1m", "")
	require.Equal(http.StatusOK, rec.Code)
	var found bool
	for _, m := range decodeBody[[]metricSummary](t, rec) {
		if m.Name != "moderation.test_latency_ms" {
			continue
		}
		found = true
		assert.Equal(30.0, m.Latest)
		assert.Equal(2, m.Window.Count)
		assert.Equal(20.0, m.Window.Avg)
	}
	assert.True(found)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/metrics?window=soon", "")
	assert.Equal(http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", moderation.ErrSubmitterQuota), http.StatusTooManyRequests},
		{processor.ErrRateLimited, http.StatusTooManyRequests},
		{processor.ErrBreakerOpen, http.StatusServiceUnavailable},
		{policy.ErrNoPriorState, http.StatusConflict},
		{alerting.ErrAlreadyClosed, http.StatusConflict},
		{moderation.ErrInvalidCallback, http.StatusBadRequest},
		{policy.ErrSnapshotNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, statusFor(c.err), c.err.Error())
	}
}

func TestPolicyTree(t *testing.T) {
	assert := assert.New(t)
	rate := 12.5
	out := policyTree([]policy.Policy{
		{ID: "g1", BizType: "goods", Mode: policy.ModeSample, SampleRate: &rate, Assignment: policy.Assignment{Type: policy.AssignRoundRobin, Reviewers: []string{"a", "b"}}, Priority: 3, Active: true},
		{ID: "f1", BizType: "forum", Mode: policy.ModePre, Assignment: policy.Assignment{Type: policy.AssignManual, Assignee: "alice"}, Priority: 5},
	}).String()

	assert.Contains(out, "policies (2)")
	assert.Contains(out, "sample 12.5%")
	assert.Contains(out, "round_robin [a, b]")
	assert.Contains(out, "[inactive]  f1")
	assert.Less(strings.Index(out, "forum"), strings.Index(out, "goods"))
}
