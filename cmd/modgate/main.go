package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modgate/modgate/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "modgate",
		Usage:   "content moderation orchestration daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"MODGATE_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "policy, alert and audit database (sqlite:// or postgres://)",
			Value:   "sqlite://data/modgate/modgate.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		policiesCmd,
		snapshotCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3400",
			EnvVars: []string{"MODGATE_BIND"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL, required by redis backends",
			EnvVars: []string{"MODGATE_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "queue-backend",
			Usage:   "task queue backend: memory or redis",
			Value:   "memory",
			EnvVars: []string{"MODGATE_QUEUE_BACKEND"},
		},
		&cli.StringFlag{
			Name:    "cache-backend",
			Usage:   "cache backend: memory, redis or memcache",
			Value:   "memory",
			EnvVars: []string{"MODGATE_CACHE_BACKEND"},
		},
		&cli.StringSliceFlag{
			Name:    "memcache-servers",
			Usage:   "memcached server addresses, for the memcache cache backend",
			EnvVars: []string{"MODGATE_MEMCACHE_SERVERS"},
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "maximum number of tasks executing at once",
			Value:   5,
			EnvVars: []string{"MODGATE_CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "circuit-breaker-threshold",
			Usage:   "consecutive task failures that open the circuit breaker",
			Value:   5,
			EnvVars: []string{"MODGATE_CIRCUIT_BREAKER_THRESHOLD"},
		},
		&cli.DurationFlag{
			Name:    "circuit-breaker-timeout",
			Usage:   "how long the circuit breaker stays open before a probe",
			Value:   60 * time.Second,
			EnvVars: []string{"MODGATE_CIRCUIT_BREAKER_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "rate-limit",
			Usage:   "max task submissions per rate-limit window (0 disables)",
			Value:   100,
			EnvVars: []string{"MODGATE_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "rate-limit-window",
			Value:   time.Second,
			EnvVars: []string{"MODGATE_RATE_LIMIT_WINDOW"},
		},
		&cli.IntFlag{
			Name:    "submitter-quota",
			Usage:   "max submissions per submitter per hour (0 disables)",
			Value:   0,
			EnvVars: []string{"MODGATE_SUBMITTER_QUOTA"},
		},
		&cli.StringFlag{
			Name:    "biz-host",
			Usage:   "base URL of the business modules (approve/reject/notify)",
			Value:   "http://localhost:8080",
			EnvVars: []string{"MODGATE_BIZ_HOST"},
		},
		&cli.StringFlag{
			Name:    "biz-admin-token",
			Usage:   "bearer token for business module calls",
			EnvVars: []string{"MODGATE_BIZ_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "sensitive-host",
			Usage:   "base URL of the sensitive-term service; local term lists are used alone when empty",
			EnvVars: []string{"MODGATE_SENSITIVE_HOST"},
		},
		&cli.StringSliceFlag{
			Name:    "sets-json-path",
			Usage:   "JSON files with named sets (sensitive terms, trusted sellers)",
			EnvVars: []string{"MODGATE_SETS_JSON_PATH"},
		},
		&cli.StringFlag{
			Name:    "policy-rules-file",
			Usage:   "YAML file of dynamic policy rules; defaults to modgate/policy-rules.yaml in the XDG config dirs",
			EnvVars: []string{"MODGATE_POLICY_RULES_FILE"},
		},
		&cli.StringFlag{
			Name:    "rule-schedule",
			Usage:   "cron spec for time-triggered policy rules (empty disables)",
			Value:   "@every 1m",
			EnvVars: []string{"MODGATE_RULE_SCHEDULE"},
		},
		&cli.StringFlag{
			Name:    "alert-rules-file",
			Usage:   "YAML file of alert rules, reloaded on change; defaults to modgate/alerts.yaml in the XDG config dirs",
			EnvVars: []string{"MODGATE_ALERT_RULES_FILE"},
		},
		&cli.StringFlag{
			Name:    "smtp-addr",
			Usage:   "SMTP server host:port for email alerts",
			EnvVars: []string{"MODGATE_SMTP_ADDR"},
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Value:   "modgate@localhost",
			EnvVars: []string{"MODGATE_SMTP_FROM"},
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			EnvVars: []string{"MODGATE_SMTP_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			EnvVars: []string{"MODGATE_SMTP_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.Float64Flag{
			Name:    "webhook-rate-limit",
			Usage:   "max alert webhook posts per second",
			Value:   5,
			EnvVars: []string{"MODGATE_WEBHOOK_RATE_LIMIT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := svcutil.ConfigLogger(cctx, os.Stdout)
		shutdownTracing, err := configOTEL("modgate")
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				slog.Error("failed to shutdown trace exporter", "err", err)
			}
		}()

		srv, err := NewServer(Config{
			Logger:           logger,
			Bind:             cctx.String("bind"),
			DatabaseURL:      cctx.String("database-url"),
			MaxDBConnections: cctx.Int("max-db-connections"),
			RedisURL:         cctx.String("redis-url"),
			QueueBackend:     cctx.String("queue-backend"),
			CacheBackend:     cctx.String("cache-backend"),
			MemcacheServers:  cctx.StringSlice("memcache-servers"),
			Concurrency:      cctx.Int("concurrency"),
			BreakerThreshold: cctx.Int("circuit-breaker-threshold"),
			BreakerTimeout:   cctx.Duration("circuit-breaker-timeout"),
			RateLimit:        cctx.Int("rate-limit"),
			RateLimitWindow:  cctx.Duration("rate-limit-window"),
			SubmitterQuota:   cctx.Int("submitter-quota"),
			BizHost:          cctx.String("biz-host"),
			BizAdminToken:    cctx.String("biz-admin-token"),
			SensitiveHost:    cctx.String("sensitive-host"),
			SetsFiles:        cctx.StringSlice("sets-json-path"),
			PolicyRulesFile:  cctx.String("policy-rules-file"),
			RuleSchedule:     cctx.String("rule-schedule"),
			AlertRulesFile:   cctx.String("alert-rules-file"),
			SMTPAddr:         cctx.String("smtp-addr"),
			SMTPFrom:         cctx.String("smtp-from"),
			SMTPUsername:     cctx.String("smtp-username"),
			SMTPPassword:     cctx.String("smtp-password"),
			SlackWebhookURL:  cctx.String("slack-webhook-url"),
			WebhookRateLimit: cctx.Float64("webhook-rate-limit"),
		})
		if err != nil {
			return fmt.Errorf("failed to construct server: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}
