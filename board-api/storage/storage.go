package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aryabyte21/taskboard/domain"
)

// Backend is implemented by every task persistence engine.
type Backend interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing wall clock reading so that
// created_at ordering is total within a process and updated_at never moves back.
func nextTimestamp() time.Time {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

// newTask builds a task from a validated create input.
func newTask(in domain.TaskInput) domain.Task {
	now := nextTimestamp()
	t := in.Merge(domain.Task{ID: uuid.NewString(), Status: domain.StatusTodo})
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

// touch applies a patch and advances updated_at.
func touch(t domain.Task, in domain.TaskInput) domain.Task {
	t = in.Merge(t)
	now := nextTimestamp()
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	return t
}
