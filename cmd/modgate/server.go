package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/modgate/modgate/automod/alerting"
	"github.com/modgate/modgate/automod/bizclient"
	"github.com/modgate/modgate/automod/cachestore"
	"github.com/modgate/modgate/automod/countstore"
	"github.com/modgate/modgate/automod/flagstore"
	"github.com/modgate/modgate/automod/metricstore"
	"github.com/modgate/modgate/automod/moderation"
	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/automod/processor"
	"github.com/modgate/modgate/automod/ratelimit"
	"github.com/modgate/modgate/automod/sensitive"
	"github.com/modgate/modgate/automod/setstore"
	"github.com/modgate/modgate/automod/taskqueue"
	"github.com/modgate/modgate/util"
	"github.com/modgate/modgate/util/cliutil"
	"github.com/modgate/modgate/util/ssrf"

	"github.com/adrg/xdg"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Logger           *slog.Logger
	Bind             string
	DatabaseURL      string
	MaxDBConnections int
	RedisURL         string
	QueueBackend     string
	CacheBackend     string
	MemcacheServers  []string

	Concurrency      int
	BreakerThreshold int
	BreakerTimeout   time.Duration
	RateLimit        int
	RateLimitWindow  time.Duration
	SubmitterQuota   int

	BizHost       string
	BizAdminToken string
	SensitiveHost string
	SetsFiles     []string

	PolicyRulesFile string
	RuleSchedule    string
	AlertRulesFile  string

	SMTPAddr         string
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
	SlackWebhookURL  string
	WebhookRateLimit float64
}

type Server struct {
	logger   *slog.Logger
	echo     *echo.Echo
	httpd    *http.Server
	svc      *moderation.Service
	proc     *processor.Processor
	policies *policy.Manager
	alerts   *alerting.Engine
	metrics  *metricstore.MetricStore

	policyRulesFile string
	alertRulesFile  string
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	ctx := context.Background()

	db, err := cliutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections, logger)
	if err != nil {
		return nil, err
	}
	metrics := metricstore.New(1000)

	policyStore, err := policy.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	pcfg := policy.DefaultConfig()
	pcfg.RuleSchedule = config.RuleSchedule
	policies := policy.NewManager(pcfg, policyStore, metrics, logger)

	alertStore, err := alerting.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	alerts := alerting.NewEngine(alerting.DefaultConfig(), metrics, alertStore, logger)
	alerts.RegisterNotifier("webhook", alerting.NewWebhookNotifier(util.RobustHTTPClient(logger), config.WebhookRateLimit))
	if config.SlackWebhookURL != "" {
		alerts.RegisterNotifier("slack", alerting.NewSlackNotifier(config.SlackWebhookURL))
	}
	if config.SMTPAddr != "" {
		alerts.RegisterNotifier("email", alerting.NewEmailNotifier(config.SMTPAddr, config.SMTPFrom, config.SMTPUsername, config.SMTPPassword))
	}

	var queue taskqueue.Queue
	switch config.QueueBackend {
	case "", "memory":
		queue = taskqueue.NewMemQueue()
	case "redis":
		q, err := taskqueue.NewRedisQueue(config.RedisURL, "modgate-tasks")
		if err != nil {
			return nil, fmt.Errorf("redis task queue: %w", err)
		}
		queue = q
	default:
		return nil, fmt.Errorf("unknown queue backend: %q", config.QueueBackend)
	}

	var cache cachestore.CacheStore
	switch config.CacheBackend {
	case "", "memory":
		cache = cachestore.NewMemCacheStore(50_000, 30*time.Minute)
	case "redis":
		c, err := cachestore.NewRedisCacheStore(config.RedisURL, 30*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		cache = c
	case "memcache":
		if len(config.MemcacheServers) == 0 {
			return nil, fmt.Errorf("memcache cache backend requires at least one server")
		}
		cache = cachestore.NewMemcacheCacheStore(config.MemcacheServers, 30*time.Minute)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", config.CacheBackend)
	}

	// counters and flags follow redis whenever it is configured, so strikes survive restarts
	var counts countstore.CountStore
	var flags flagstore.FlagStore
	if config.RedisURL != "" {
		cs, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis count store: %w", err)
		}
		fs, err := flagstore.NewRedisFlagStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis flag store: %w", err)
		}
		counts, flags = cs, fs
	} else {
		counts = countstore.NewMemCountStore()
		flags = flagstore.NewMemFlagStore()
	}

	sets := setstore.NewMemSetStore()
	for _, f := range config.SetsFiles {
		if err := sets.LoadFromFile(f); err != nil {
			return nil, fmt.Errorf("loading sets file %s: %w", f, err)
		}
	}
	local, err := sensitive.NewLocalChecker(ctx, sets)
	if err != nil {
		return nil, err
	}
	var checker sensitive.Checker = local
	if config.SensitiveHost != "" {
		checker = &sensitive.FallbackChecker{
			Primary:  sensitive.NewRemoteChecker(config.SensitiveHost, util.RobustHTTPClient(logger)),
			Fallback: local,
			Logger:   logger,
		}
	}

	biz := bizclient.New(config.BizHost, util.RobustHTTPClient(logger))
	biz.AdminToken = config.BizAdminToken
	biz.CallbackClient = ssrf.Client(10 * time.Second)

	procCfg := processor.DefaultConfig()
	procCfg.Concurrency = config.Concurrency
	procCfg.BreakerThreshold = config.BreakerThreshold
	procCfg.BreakerTimeout = config.BreakerTimeout
	procCfg.RateLimit = config.RateLimit
	procCfg.RateLimitWindow = config.RateLimitWindow

	// the service is both the processor's handler and a consumer of the processor
	var svc *moderation.Service
	proc := processor.New(procCfg, queue, cache, metrics, func(ctx context.Context, t *processor.Task) (string, error) {
		return svc.HandleTask(ctx, t)
	}, logger)

	audit, err := moderation.NewGormAuditStore(db)
	if err != nil {
		return nil, err
	}
	if config.SensitiveHost != "" {
		checker = &moderation.CachedChecker{Checker: checker, Proc: proc, TTL: 10 * time.Minute}
	}
	deps := moderation.Deps{
		Policies:  policies,
		Tasks:     proc,
		Biz:       biz,
		Sensitive: checker,
		Audit:     audit,
		Metrics:   metrics,
		Logger:    logger,
	}
	reg, err := buildRegistry(deps, sets, flags, counts, cache)
	if err != nil {
		return nil, err
	}

	var quota *ratelimit.Quota
	if config.SubmitterQuota > 0 {
		quota = ratelimit.NewQuota(time.Hour, int64(config.SubmitterQuota))
	}
	svc = moderation.NewService(reg, proc, audit, quota, logger)

	srv := &Server{
		logger:          logger,
		svc:             svc,
		proc:            proc,
		policies:        policies,
		alerts:          alerts,
		metrics:         metrics,
		policyRulesFile: rulesFilePath(config.PolicyRulesFile, "modgate/policy-rules.yaml"),
		alertRulesFile:  rulesFilePath(config.AlertRulesFile, "modgate/alerts.yaml"),
	}
	srv.setupEcho(prometheus.DefaultRegisterer)
	srv.httpd = &http.Server{
		Handler:        srv.echo,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1024 * 1024,
	}
	return srv, nil
}

func buildRegistry(deps moderation.Deps, sets setstore.SetStore, flags flagstore.FlagStore, counts countstore.CountStore, cache cachestore.CacheStore) (*moderation.Registry, error) {
	reg := moderation.NewRegistry()
	goods, err := moderation.NewGoodsNode(deps, moderation.DefaultGoodsConfig(), sets, flags, counts)
	if err != nil {
		return nil, err
	}
	forum, err := moderation.NewForumNode(deps, moderation.DefaultForumConfig(), cache, counts)
	if err != nil {
		return nil, err
	}
	nodes := []moderation.Node{goods, forum}
	for _, bt := range []string{moderation.BizBanner, moderation.BizQuotation, moderation.BizNews} {
		n, err := moderation.NewContentNode(bt, deps)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if err := reg.Register(n); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// An explicit path wins; otherwise the XDG config dirs are searched, and a missing default is not an error.
func rulesFilePath(explicit, rel string) string {
	if explicit != "" {
		return explicit
	}
	p, err := xdg.SearchConfigFile(rel)
	if err != nil {
		return ""
	}
	return p
}

// Loads persisted state and rules, then runs every background loop and the HTTP API until ctx is done.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.policies.Load(ctx); err != nil {
		return err
	}
	if srv.policyRulesFile != "" {
		if err := srv.policies.LoadRulesFile(srv.policyRulesFile); err != nil {
			return err
		}
	}
	if err := srv.alerts.Load(ctx); err != nil {
		return err
	}
	if srv.alertRulesFile != "" {
		if err := srv.alerts.LoadRulesFile(srv.alertRulesFile); err != nil {
			return err
		}
	}
	defer srv.alerts.Close()
	defer srv.policies.Close()
	defer srv.proc.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.proc.Run(ctx) })
	g.Go(func() error { return srv.policies.Run(ctx) })
	g.Go(func() error { return srv.alerts.Run(ctx) })
	g.Go(func() error { return srv.svc.Run(ctx) })
	g.Go(func() error {
		srv.forwardTriggers(ctx)
		return nil
	})
	if srv.alertRulesFile != "" {
		g.Go(func() error { return srv.alerts.WatchRulesFile(ctx, srv.alertRulesFile) })
	}
	g.Go(func() error {
		srv.logger.Info("starting server", "bind", srv.httpd.Addr)
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown()
	})

	err := g.Wait()
	srv.logger.Info("graceful shutdown complete")
	return err
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

// Feeds task failures and fired alerts to the policy manager as event triggers, so dynamic rules can react to them.
func (srv *Server) forwardTriggers(ctx context.Context) {
	tasks, cleanupTasks := srv.proc.Subscribe(func(e processor.Event) bool {
		return e.Kind == processor.EventTaskFailed
	})
	defer cleanupTasks()
	notices, cleanupNotices := srv.alerts.Subscribe(func(n alerting.Notice) bool {
		return n.Kind == alerting.NoticeTriggered
	})
	defer cleanupNotices()

	for {
		var trig policy.Trigger
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-tasks:
			if !ok {
				return
			}
			trig = policy.Trigger{Type: policy.TriggerEvent, Event: string(evt.Kind), Time: evt.Time}
		case n, ok := <-notices:
			if !ok {
				return
			}
			trig = policy.Trigger{Type: policy.TriggerEvent, Event: "alert:" + n.Alert.RuleID, Time: n.Alert.TriggeredAt}
		}
		results, err := srv.policies.TriggerAutomaticAdjustment(ctx, trig)
		if err != nil {
			srv.logger.Error("event-triggered policy adjustment failed", "event", trig.Event, "err", err)
			continue
		}
		if len(results) > 0 {
			srv.logger.Info("event-triggered policy adjustment", "event", trig.Event, "actions", len(results))
		}
	}
}

// Metrics from the HTTP middleware are registered with reg.
func (srv *Server) setupEcho(reg prometheus.Registerer) {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(srv.logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "modgate",
		Registerer: reg,
	}))
	e.Use(otelecho.Middleware("modgate"))
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	api := e.Group("/api/v1")
	api.POST("/audit/tasks", srv.HandleSubmitTask)
	api.GET("/audit/tasks/:id", srv.HandleGetTask)
	api.POST("/audit/tasks/:id/callback", srv.HandleRegisterCallback)
	api.POST("/audit/tasks/:id/review", srv.HandleReview)
	api.GET("/audit/log", srv.HandleAuditLog)
	api.GET("/audit/entities/:bizType/:bizId", srv.HandleEntityStatus)

	api.GET("/nodes", srv.HandleListNodes)
	api.POST("/nodes/:bizType/enable", srv.HandleSetNodeEnabled(true))
	api.POST("/nodes/:bizType/disable", srv.HandleSetNodeEnabled(false))

	api.GET("/queue", srv.HandleQueueStatus)
	api.DELETE("/queue", srv.HandleClearQueue)

	api.GET("/policies", srv.HandleListPolicies)
	api.POST("/policies", srv.HandleCreatePolicy)
	api.POST("/policies/batch", srv.HandleBatchUpdate)
	api.GET("/policies/:id", srv.HandleGetPolicy)
	api.PATCH("/policies/:id", srv.HandleUpdatePolicy)
	api.DELETE("/policies/:id", srv.HandleDeletePolicy)
	api.GET("/policies/:id/history", srv.HandlePolicyHistory)
	api.POST("/policy-changes/:id/rollback", srv.HandleRollback)
	api.GET("/snapshots", srv.HandleListSnapshots)
	api.POST("/snapshots", srv.HandleCreateSnapshot)
	api.GET("/snapshots/:id", srv.HandleGetSnapshot)
	api.POST("/snapshots/:id/restore", srv.HandleRestoreSnapshot)
	api.POST("/snapshots/prune", srv.HandlePruneSnapshots)
	api.GET("/rules", srv.HandleListRules)
	api.POST("/rules/trigger", srv.HandleTrigger)

	api.GET("/alerts", srv.HandleListAlerts)
	api.GET("/alerts/stats", srv.HandleAlertStats)
	api.GET("/metrics", srv.HandleMetricSummaries)
	api.POST("/alerts/:id/resolve", srv.HandleResolveAlert)

	srv.echo = e
}
