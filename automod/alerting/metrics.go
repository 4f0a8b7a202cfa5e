package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_alerts_fired",
	Help: "Number of alerts triggered, by rule and level",
}, []string{"rule", "level"})

var notifierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_alert_notifier_failures",
	Help: "Number of failed alert notifications, by notifier",
}, []string{"notifier"})

var activeAlerts = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_alerts_active",
	Help: "Number of unresolved alerts",
})

var evalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "modgate_alert_eval_duration_sec",
	Help:    "Duration of one alert evaluation pass",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
})

var ruleReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_alert_rule_reloads",
	Help: "Number of alert rule file reloads, by result",
}, []string{"result"})
