package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_moderation_decisions",
	Help: "Number of review decisions, by business type and result",
}, []string{"biz_type", "result"})

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_moderation_submissions",
	Help: "Number of submissions, by business type and result",
}, []string{"biz_type", "result"})

var callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_moderation_callbacks",
	Help: "Number of moderation callbacks handled, by business type and outcome",
}, []string{"biz_type", "outcome"})

var sensitiveHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_moderation_sensitive_hits",
	Help: "Number of sensitive-term hits in submitted content, by business type and policy action",
}, []string{"biz_type", "action"})

var sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_moderation_side_effect_failures",
	Help: "Number of failed non-blocking side effects (notifications, audit writes, callbacks)",
}, []string{"biz_type", "kind"})

var submitterThrottled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_moderation_submitter_throttled",
	Help: "Number of submissions refused by the per-submitter quota",
})
