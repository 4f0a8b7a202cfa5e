package taskqueue

import (
	"context"
	"sync"
)

type MemQueue struct {
	lk    sync.Mutex
	tasks []*Task
}

var _ Queue = (*MemQueue)(nil)

func NewMemQueue() *MemQueue {
	return &MemQueue{}
}

func (q *MemQueue) Push(ctx context.Context, t *Task) error {
	q.lk.Lock()
	q.tasks = append(q.tasks, t)
	q.lk.Unlock()
	return nil
}

func (q *MemQueue) Pop(ctx context.Context) (*Task, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.tasks) == 0 {
		return nil, nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t, nil
}

func (q *MemQueue) Len(ctx context.Context) (int, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.tasks), nil
}

func (q *MemQueue) Clear(ctx context.Context) (int, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n, nil
}
