package taskqueue

import (
	"context"
	"encoding/json"
	"time"
)

// A unit of asynchronous moderation work for one piece of content.
type Task struct {
	ID         string          `json:"id"`
	BizType    string          `json:"bizType"`
	BizID      string          `json:"bizId"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"maxRetries"`
	RetryDelay time.Duration   `json:"retryDelay"`
	Timeout    time.Duration   `json:"timeout"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// FIFO transport for pending tasks.
//
// Pop returns (nil, nil) when the queue is empty; it never blocks waiting for work.
type Queue interface {
	Push(ctx context.Context, t *Task) error
	Pop(ctx context.Context) (*Task, error)
	Len(ctx context.Context) (int, error)
	// Drops all pending tasks, returning how many were removed.
	Clear(ctx context.Context) (int, error)
}
