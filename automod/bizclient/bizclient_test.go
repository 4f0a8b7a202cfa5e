package bizclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordedRequest struct {
	Path  string
	Query map[string]string
	Body  map[string]any
	Auth  string
}

func recordingServer(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	var lk sync.Mutex
	reqs := []recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := recordedRequest{
			Path:  r.URL.Path,
			Query: map[string]string{},
			Auth:  r.Header.Get("Authorization"),
		}
		for k := range r.URL.Query() {
			rr.Query[k] = r.URL.Query().Get(k)
		}
		if r.ContentLength > 0 {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&rr.Body))
		}
		lk.Lock()
		reqs = append(reqs, rr)
		lk.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		lk.Lock()
		defer lk.Unlock()
		return append([]recordedRequest{}, reqs...)
	}
}

func TestApproveReject(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv, reqs := recordingServer(t, http.StatusOK)
	c := New(srv.URL, srv.Client())
	c.AdminToken = "tok"

	assert.NoError(c.Approve(ctx, "goods", "g1", "rev1"))
	assert.NoError(c.Reject(ctx, "forum", "p 2", "spam & scam", ""))

	got := reqs()
	assert.Len(got, 2)
	assert.Equal("/goods/approve", got[0].Path)
	assert.Equal(map[string]string{"id": "g1", "reviewer": "rev1"}, got[0].Query)
	assert.Equal("Bearer tok", got[0].Auth)
	assert.Equal("/forum/reject", got[1].Path)
	assert.Equal(map[string]string{"id": "p 2", "reason": "spam & scam"}, got[1].Query)
}

func TestNotifyAndCallback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv, reqs := recordingServer(t, http.StatusOK)
	c := New(srv.URL+"/", srv.Client())

	assert.NoError(c.Notify(ctx, Notification{
		UserID:  "u1",
		Type:    "audit_result",
		Title:   "Your post was approved",
		Content: "ok",
		BizType: "forum",
		BizID:   "p1",
	}))
	assert.NoError(c.PostCallback(ctx, srv.URL+"/hooks/audit", map[string]string{"taskId": "t1"}))

	got := reqs()
	assert.Len(got, 2)
	assert.Equal("/notifications/send", got[0].Path)
	assert.Equal("u1", got[0].Body["userId"])
	assert.Equal("/hooks/audit", got[1].Path)
	assert.Equal("t1", got[1].Body["taskId"])
}

func TestErrorStatus(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusBadGateway)
	c := New(srv.URL, srv.Client())
	err := c.Approve(context.Background(), "goods", "g1", "")
	assert.ErrorContains(t, err, "HTTP 502")
}

func TestCallbackClient(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv, reqs := recordingServer(t, http.StatusOK)
	c := New(srv.URL, nil)
	c.AdminToken = "tok"
	c.CallbackClient = srv.Client()

	assert.NoError(c.PostCallback(ctx, srv.URL+"/hooks/audit", map[string]string{"taskId": "t2"}))
	got := reqs()
	assert.Len(got, 1)
	assert.Empty(got[0].Auth)
}
