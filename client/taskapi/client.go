// Package taskapi talks to the board API over HTTP.
package taskapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/aryabyte21/taskboard/domain"
)

const defaultTimeout = 15 * time.Second

// Client wraps http.Client with the task endpoints.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a Client for baseURL, e.g. http://localhost:3000.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// StreamURL returns the live update endpoint.
func (c *Client) StreamURL() string { return c.BaseURL + "/stream" }

func (c *Client) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.do(ctx, "fetch tasks", http.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, "fetch task", http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t)
	return t, err
}

func (c *Client) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, "create task", http.MethodPost, "/tasks", taskBody{Task: in}, &t)
	return t, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, "update task", http.MethodPatch, "/tasks/"+url.PathEscape(id), taskBody{Task: in}, &t)
	return t, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, "delete task", http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

type taskBody struct {
	Task domain.TaskInput `json:"task"`
}

type errorBody struct {
	Error  string              `json:"error"`
	Errors []string            `json:"errors"`
	Fields map[string][]string `json:"fields"`
}

// do performs one request. Transport failures and unexpected statuses come
// back as *domain.NetworkError, 404 as domain.ErrNotFound and 422 as
// *domain.ValidationError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var eb errorBody
		if err := sonic.Unmarshal(data, &eb); err != nil || len(eb.Fields) == 0 {
			ve := &domain.ValidationError{}
			for _, msg := range eb.Errors {
				ve.Add("", msg)
			}
			if len(ve.Fields) == 0 {
				ve.Add("", "is invalid")
			}
			return ve
		}
		return &domain.ValidationError{Fields: eb.Fields}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &domain.NetworkError{Op: op, Err: statusError(resp.StatusCode, data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return &domain.NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(code int, data []byte) error {
	var eb errorBody
	if err := sonic.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return fmt.Errorf("%s: %s", http.StatusText(code), eb.Error)
	}
	return errors.New(http.StatusText(code))
}
