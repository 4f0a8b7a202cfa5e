package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activePolicies = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_policy_active",
	Help: "Number of active moderation policies",
})

var policyUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_policy_updates_total",
	Help: "Number of policy updates, by source and outcome",
}, []string{"source", "outcome"})

var batchUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_policy_batches_total",
	Help: "Number of batch policy updates",
}, []string{"mode", "success"})

var snapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_policy_snapshots_total",
	Help: "Number of policy snapshots created",
})

var ruleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_policy_rule_evaluations_total",
	Help: "Number of dynamic rule evaluations, by rule and result",
}, []string{"rule", "result"})
