package api

import (
	"context"

	"github.com/aryabyte21/taskboard/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, scope, key string) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type validationResponse struct {
	Errors []string            `json:"errors"`
	Fields map[string][]string `json:"fields"`
}
