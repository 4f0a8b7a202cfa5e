package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/modgate/modgate/automod/alerting"
	"github.com/modgate/modgate/automod/metricstore"
	"github.com/modgate/modgate/automod/moderation"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"

	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// Maps the packages' sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, moderation.ErrInvalidCallback),
		errors.Is(err, moderation.ErrInvalidCallbackURL),
		errors.Is(err, moderation.ErrInvalidSubmission),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, policy.ErrInvalidRule),
		errors.Is(err, alerting.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, moderation.ErrUnknownTask),
		errors.Is(err, moderation.ErrUnknownBizType),
		errors.Is(err, moderation.ErrNoStatus),
		errors.Is(err, processor.ErrUnknownTask),
		errors.Is(err, policy.ErrPolicyNotFound),
		errors.Is(err, policy.ErrSnapshotNotFound),
		errors.Is(err, policy.ErrChangeNotFound),
		errors.Is(err, policy.ErrRuleNotFound),
		errors.Is(err, alerting.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, moderation.ErrConflictingOutcome),
		errors.Is(err, moderation.ErrNotAwaitingReview),
		errors.Is(err, moderation.ErrNodeExists),
		errors.Is(err, policy.ErrPolicyExists),
		errors.Is(err, policy.ErrNoPriorState),
		errors.Is(err, policy.ErrAlreadyRolledBack),
		errors.Is(err, alerting.ErrAlreadyClosed):
		return http.StatusConflict
	case errors.Is(err, moderation.ErrSubmitterQuota),
		errors.Is(err, processor.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, processor.ErrBreakerOpen):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("modgate-http-internal-error", "err", err)
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, GenericStatus{Status: "error", Daemon: "modgate", Message: msg}); err != nil {
		srv.logger.Error("failed to write error response", "err", err)
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "modgate"})
}

// An empty body leaves v untouched.
func bindJSON(c echo.Context, v any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s parameter", name))
	}
	return n, nil
}

type submitRequest struct {
	BizType     string         `json:"bizType"`
	BizID       string         `json:"bizId"`
	Content     string         `json:"content"`
	Title       string         `json:"title,omitempty"`
	SubmitterID string         `json:"submitterId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CallbackURL string         `json:"callbackUrl,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"taskId,omitempty"`
	Status string `json:"status"`
}

func (srv *Server) HandleSubmitTask(c echo.Context) error {
	var req submitRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	out, err := srv.svc.Submit(c.Request().Context(), &moderation.Submission{
		Content: moderation.Content{
			BizType:     req.BizType,
			BizID:       req.BizID,
			SubmitterID: req.SubmitterID,
			Title:       req.Title,
			Body:        req.Content,
			Metadata:    req.Metadata,
		},
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return err
	}
	if out == string(moderation.OutcomeAutoApproved) {
		return c.JSON(http.StatusOK, submitResponse{Status: out})
	}
	return c.JSON(http.StatusAccepted, submitResponse{TaskID: out, Status: string(processor.StatusPending)})
}

func (srv *Server) HandleGetTask(c echo.Context) error {
	st, err := srv.svc.GetTaskStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

type callbackRequest struct {
	CallbackURL string `json:"callbackUrl"`
}

func (srv *Server) HandleRegisterCallback(c echo.Context) error {
	var req callbackRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := srv.svc.RegisterCallback(c.Request().Context(), c.Param("id"), req.CallbackURL); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "modgate"})
}

func (srv *Server) HandleReview(c echo.Context) error {
	var cb moderation.Callback
	if err := bindJSON(c, &cb); err != nil {
		return err
	}
	cb.TaskID = c.Param("id")
	if err := srv.svc.CompleteReview(c.Request().Context(), &cb); err != nil {
		return err
	}
	st, err := srv.svc.GetTaskStatus(c.Request().Context(), cb.TaskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (srv *Server) HandleAuditLog(c echo.Context) error {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	entries, err := srv.svc.AuditLog(c.Request().Context(), moderation.AuditQuery{
		BizType: c.QueryParam("bizType"),
		BizID:   c.QueryParam("bizId"),
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (srv *Server) HandleEntityStatus(c echo.Context) error {
	st, err := srv.svc.EntityStatus(c.Param("bizType"), c.Param("bizId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (srv *Server) HandleListNodes(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.svc.Nodes().List())
}

func (srv *Server) HandleSetNodeEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		reg := srv.svc.Nodes()
		var err error
		if enabled {
			err = reg.Enable(c.Param("bizType"))
		} else {
			err = reg.Disable(c.Param("bizType"))
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, moderation.NodeInfo{BizType: c.Param("bizType"), Enabled: enabled})
	}
}

func (srv *Server) HandleQueueStatus(c echo.Context) error {
	qs, err := srv.proc.GetQueueStatus(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, qs)
}

func (srv *Server) HandleClearQueue(c echo.Context) error {
	n, err := srv.proc.ClearQueue(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"cleared": n})
}

// operator and reason ride along in the body of every policy mutation
type changeMeta struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

func (m changeMeta) options(source string) policy.UpdateOptions {
	op := m.Operator
	if op == "" {
		op = "api"
	}
	return policy.UpdateOptions{Operator: op, Reason: m.Reason, Source: source}
}

func (srv *Server) HandleListPolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.policies.ListPolicies())
}

func (srv *Server) HandleGetPolicy(c echo.Context) error {
	p, err := srv.policies.GetPolicy(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type createPolicyRequest struct {
	policy.Policy
	changeMeta
}

func (srv *Server) HandleCreatePolicy(c echo.Context) error {
	var req createPolicyRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	p, err := srv.policies.CreatePolicy(c.Request().Context(), req.Policy, req.changeMeta.options(policy.SourceManual))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

type updatePolicyRequest struct {
	Changes policy.Changes `json:"changes"`
	changeMeta
}

func (srv *Server) HandleUpdatePolicy(c echo.Context) error {
	var req updatePolicyRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	p, err := srv.policies.UpdatePolicy(c.Request().Context(), c.Param("id"), req.Changes, req.changeMeta.options(policy.SourceManual))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (srv *Server) HandleDeletePolicy(c echo.Context) error {
	meta := changeMeta{Operator: c.QueryParam("operator"), Reason: c.QueryParam("reason")}
	if err := srv.policies.DeletePolicy(c.Request().Context(), c.Param("id"), meta.options(policy.SourceManual)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandlePolicyHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	recs, err := srv.policies.ChangeHistory(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recs)
}

type batchRequest struct {
	Updates []policy.BatchUpdate `json:"updates"`
	policy.BatchOptions
}

func (srv *Server) HandleBatchUpdate(c echo.Context) error {
	var req batchRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Operator == "" {
		req.Operator = "api"
	}
	res, err := srv.policies.BatchUpdatePolicies(c.Request().Context(), req.Updates, req.BatchOptions)
	if err != nil {
		if res != nil {
			return c.JSON(statusFor(err), res)
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleRollback(c echo.Context) error {
	var meta changeMeta
	if err := bindJSON(c, &meta); err != nil {
		return err
	}
	p, err := srv.policies.RollbackPolicyChange(c.Request().Context(), c.Param("id"), meta.options(policy.SourceRollback))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type snapshotRequest struct {
	CreatedBy   string `json:"createdBy"`
	Description string `json:"description,omitempty"`
}

func (srv *Server) HandleCreateSnapshot(c echo.Context) error {
	var req snapshotRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "api"
	}
	snap, err := srv.policies.CreateSnapshot(c.Request().Context(), req.CreatedBy, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, snap)
}

func (srv *Server) HandleListSnapshots(c echo.Context) error {
	snaps, err := srv.policies.ListSnapshots(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snaps)
}

func (srv *Server) HandleGetSnapshot(c echo.Context) error {
	snap, err := srv.policies.GetSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (srv *Server) HandleRestoreSnapshot(c echo.Context) error {
	var meta changeMeta
	if err := bindJSON(c, &meta); err != nil {
		return err
	}
	snap, err := srv.policies.RestoreFromSnapshot(c.Request().Context(), c.Param("id"), meta.options(policy.SourceRestore))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

type pruneRequest struct {
	Keep int `json:"keep"`
}

func (srv *Server) HandlePruneSnapshots(c echo.Context) error {
	var req pruneRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Keep < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "keep must be at least 1")
	}
	removed, err := srv.policies.PruneSnapshots(c.Request().Context(), req.Keep)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (srv *Server) HandleListRules(c echo.Context) error {
	return c.JSON(http.StatusOK, srv.policies.ListRules())
}

func (srv *Server) HandleTrigger(c echo.Context) error {
	var trig policy.Trigger
	if err := bindJSON(c, &trig); err != nil {
		return err
	}
	if trig.Type == "" {
		trig.Type = policy.TriggerManual
	}
	if trig.Time.IsZero() {
		trig.Time = time.Now()
	}
	results, err := srv.policies.TriggerAutomaticAdjustment(c.Request().Context(), trig)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

func (srv *Server) HandleListAlerts(c echo.Context) error {
	if c.QueryParam("active") == "true" {
		return c.JSON(http.StatusOK, srv.alerts.ActiveAlerts())
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	events, err := srv.alerts.History(c.Request().Context(), alerting.Query{
		RuleID:     c.QueryParam("ruleId"),
		Unresolved: c.QueryParam("unresolved") == "true",
		Limit:      limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Comment    string `json:"comment,omitempty"`
}

func (srv *Server) HandleResolveAlert(c echo.Context) error {
	var req resolveRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	evt, err := srv.alerts.ResolveAlert(c.Request().Context(), c.Param("id"), req.ResolvedBy, req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, evt)
}

func (srv *Server) HandleAlertStats(c echo.Context) error {
	st, err := srv.alerts.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

type metricSummary struct {
	Name   string                `json:"name"`
	Latest float64               `json:"latest"`
	Window metricstore.Aggregate `json:"window"`
}

// Latest value and trailing-window aggregate of every recorded series. The window defaults to five minutes.
func (srv *Server) HandleMetricSummaries(c echo.Context) error {
	window := 5 * time.Minute
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid window parameter")
		}
		window = d
	}
	latest := srv.metrics.LatestValues()
	out := []metricSummary{}
	for _, name := range srv.metrics.Names() {
		out = append(out, metricSummary{
			Name:   name,
			Latest: latest[name],
			Window: srv.metrics.Summarize(name, window),
		})
	}
	return c.JSON(http.StatusOK, out)
}
