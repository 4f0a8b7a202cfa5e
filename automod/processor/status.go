package processor

import (
	"time"

	"github.com/modgate/modgate/automod/taskqueue"
)

type Task = taskqueue.Task

type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusRetrying       Status = "retrying"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TaskStatus struct {
	TaskID    string    `json:"taskId"`
	BizType   string    `json:"bizType"`
	BizID     string    `json:"bizId"`
	Status    Status    `json:"status"`
	Outcome   string    `json:"outcome,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type EventKind string

const (
	EventTaskCompleted      EventKind = "task_completed"
	EventTaskAwaitingReview EventKind = "task_awaiting_review"
	EventTaskRetrying       EventKind = "task_retrying"
	EventTaskFailed         EventKind = "task_failed"
)

type Event struct {
	Kind     EventKind     `json:"kind"`
	TaskID   string        `json:"taskId"`
	BizType  string        `json:"bizType"`
	BizID    string        `json:"bizId"`
	Outcome  string        `json:"outcome,omitempty"`
	Attempts int           `json:"attempts"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

type QueueStatus struct {
	Pending      int    `json:"pending"`
	Processing   int64  `json:"processing"`
	Delayed      int64  `json:"delayed"`
	Concurrency  int    `json:"concurrency"`
	Breaker      string `json:"breaker"`
	RateLimit    int    `json:"rateLimit"`
	RateLimitMax int    `json:"rateLimitMax"`
	Completed    int64  `json:"completed"`
	Failed       int64  `json:"failed"`
}
