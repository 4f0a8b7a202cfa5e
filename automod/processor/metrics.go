package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_processor_tasks_added",
	Help: "Number of tasks accepted on to the queue",
}, []string{"biz_type"})

var tasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_processor_tasks_rejected",
	Help: "Number of task submissions refused at admission",
}, []string{"reason"})

var tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_processor_tasks_processed",
	Help: "Number of task executions, by result",
}, []string{"biz_type", "result"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "modgate_processor_task_duration_sec",
	Help:    "Duration of task execution",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
}, []string{"biz_type"})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_processor_queue_depth",
	Help: "Number of tasks waiting in the queue",
})

var tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "modgate_processor_tasks_active",
	Help: "Number of tasks currently executing",
})

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_processor_cache_lookups",
	Help: "Cache-aside lookups, by hit or miss",
}, []string{"result"})
