package domain

import "time"

// Status is the lifecycle stage of a task and doubles as the key of its board column.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists the board columns in display order.
var Statuses = [...]Status{StatusTodo, StatusInProgress, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Title returns the human readable column heading.
func (s Status) Title() string {
	switch s {
	case StatusTodo:
		return "To Do"
	case StatusInProgress:
		return "In Progress"
	case StatusDone:
		return "Done"
	}
	return string(s)
}

// Task represents a single board item. ID and timestamps are owned by the server.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskInput carries client supplied fields for create and partial update.
type TaskInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// Empty reports whether no field is set.
func (in TaskInput) Empty() bool {
	return in.Title == nil && in.Description == nil && in.Status == nil
}

// Merge applies the set fields of in onto t.
func (in TaskInput) Merge(t Task) Task {
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Status != nil {
		t.Status = *in.Status
	}
	return t
}

// StatusInput builds an input that only changes the status.
func StatusInput(s Status) TaskInput {
	return TaskInput{Status: &s}
}

func StringPtr(s string) *string { return &s }
