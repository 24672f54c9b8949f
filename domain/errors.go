package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned for a stale or unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrChannelDisconnect reports that the live update subscription dropped.
	ErrChannelDisconnect = errors.New("live update channel disconnected")
)

// NetworkError wraps a transport level failure talking to the task store.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError lists messages per invalid field.
type ValidationError struct {
	Fields map[string][]string
}

// Add records msg for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Messages returns Rails style full messages, e.g. "Title can't be blank", sorted by field.
func (e *ValidationError) Messages() []string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		for _, m := range e.Fields[f] {
			out = append(out, humanize(f)+" "+m)
		}
	}
	return out
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages(), ", ")
}

func humanize(field string) string {
	if field == "" {
		return "Task"
	}
	s := strings.ReplaceAll(field, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}
