package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/aryabyte21/taskboard/domain"
)

type memStore struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	seq     int
	failErr error
}

func newMemStore(tasks ...domain.Task) *memStore {
	s := &memStore{tasks: make(map[string]domain.Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memStore) ListTasks(context.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *memStore) CreateTask(_ context.Context, in domain.TaskInput) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return domain.Task{}, s.failErr
	}
	s.seq++
	now := time.Unix(int64(s.seq), 0).UTC()
	t := in.Merge(domain.Task{ID: "task-" + strconv.Itoa(s.seq), CreatedAt: now, UpdatedAt: now})
	s.tasks[t.ID] = t
	return t, nil
}

func (s *memStore) UpdateTask(_ context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	t = in.Merge(t)
	t.UpdatedAt = t.UpdatedAt.Add(time.Second)
	s.tasks[id] = t
	return t, nil
}

func (s *memStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) Ping(context.Context) error { return s.failErr }

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Events() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func newTestServer(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger, _ = test.NewNullLogger()
	}
	e := echo.New()
	e.Use(GzipRequestMiddleware())
	Register(e, d)
	return e
}

func doRequest(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestListTasksReturnsNewestFirst(t *testing.T) {
	store := newMemStore(
		domain.Task{ID: "old", Title: "old", CreatedAt: time.Unix(1, 0).UTC()},
		domain.Task{ID: "new", Title: "new", CreatedAt: time.Unix(2, 0).UTC()},
	)
	e := newTestServer(Deps{Store: store})

	rec := doRequest(e, http.MethodGet, "/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "new" || tasks[1].ID != "old" {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestListTasksStorageFailure(t *testing.T) {
	store := newMemStore()
	store.failErr = errors.New("disk on fire")
	e := newTestServer(Deps{Store: store})

	rec := doRequest(e, http.MethodGet, "/tasks", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func TestShowTask(t *testing.T) {
	e := newTestServer(Deps{Store: newMemStore(domain.Task{ID: "t1", Title: "Write code"})})

	rec := doRequest(e, http.MethodGet, "/tasks/t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.ID != "t1" || task.Title != "Write code" {
		t.Fatalf("unexpected task: %#v", task)
	}

	rec = doRequest(e, http.MethodGet, "/tasks/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"Task not found"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestCreateTaskPublishesAndDefaultsStatus(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	e := newTestServer(Deps{Store: store, Publisher: pub})

	rec := doRequest(e, http.MethodPost, "/tasks", `{"task":{"title":"Ship it","description":"today"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.ID == "" || task.Status != domain.StatusTodo || task.Title != "Ship it" {
		t.Fatalf("unexpected task: %#v", task)
	}

	events := pub.Events()
	if len(events) != 1 || events[0].Action != domain.ActionCreate || events[0].Task.ID != task.ID {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestCreateTaskAcceptsUnwrappedFields(t *testing.T) {
	e := newTestServer(Deps{Store: newMemStore()})

	rec := doRequest(e, http.MethodPost, "/tasks", `{"title":"Bare","description":"body","status":"done"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.Status != domain.StatusDone {
		t.Fatalf("expected done status, got %s", task.Status)
	}
}

func TestCreateTaskRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantErrors []string
		wantField  string
	}{
		{name: "malformed", body: `{"task":`, wantStatus: http.StatusBadRequest},
		{name: "missing wrapper", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "empty task", body: `{"task":{}}`, wantStatus: http.StatusBadRequest},
		{
			name:       "blank title",
			body:       `{"task":{"title":"  ","description":"d"}}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantErrors: []string{"Title can't be blank"},
			wantField:  "title",
		},
		{
			name:       "bad status",
			body:       `{"task":{"title":"t","description":"d","status":"archived"}}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantErrors: []string{"Status is not included in the list"},
			wantField:  "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			pub := &recordingPublisher{}
			e := newTestServer(Deps{Store: store, Publisher: pub})

			rec := doRequest(e, http.MethodPost, "/tasks", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if len(pub.Events()) != 0 {
				t.Fatalf("rejected request must not publish")
			}
			if tt.wantErrors == nil {
				return
			}
			var resp validationResponse
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if strings.Join(resp.Errors, "|") != strings.Join(tt.wantErrors, "|") {
				t.Fatalf("unexpected errors: %#v", resp.Errors)
			}
			if len(resp.Fields[tt.wantField]) == 0 {
				t.Fatalf("expected field errors for %s: %#v", tt.wantField, resp.Fields)
			}
		})
	}
}

func TestCreateTaskIdempotencyKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	e := newTestServer(Deps{Store: store, Deduper: NewRedisDeduper(client, time.Minute)})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"task":{"title":"once","description":"d"}}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(HeaderIdempotencyKey, "abc")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("expected first create to succeed, got %d", rec.Code)
	}
	if rec := send(); rec.Code != http.StatusConflict {
		t.Fatalf("expected duplicate to be rejected, got %d", rec.Code)
	}
	tasks, _ := store.ListTasks(context.Background())
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}
}

func TestCreateTaskFailureReleasesIdempotencyKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	store.failErr = errors.New("write failed")
	e := newTestServer(Deps{Store: store, Deduper: NewRedisDeduper(client, time.Minute)})

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"task":{"title":"t","description":"d"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(HeaderIdempotencyKey, "retry-me")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if mr.Exists("idempotency:" + anonymousScope + ":retry-me") {
		t.Fatal("expected key to be released after failure")
	}
}

func TestUpdateTask(t *testing.T) {
	store := newMemStore(domain.Task{ID: "t1", Title: "t", Description: "d", Status: domain.StatusTodo})
	pub := &recordingPublisher{}
	e := newTestServer(Deps{Store: store, Publisher: pub})

	for _, method := range []string{http.MethodPatch, http.MethodPut} {
		rec := doRequest(e, method, "/tasks/t1", `{"task":{"status":"in_progress"}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200 got %d: %s", method, rec.Code, rec.Body.String())
		}
		var task domain.Task
		if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if task.Status != domain.StatusInProgress || task.Title != "t" {
			t.Fatalf("%s: unexpected task %#v", method, task)
		}
	}
	events := pub.Events()
	if len(events) != 2 || events[0].Action != domain.ActionUpdate {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestUpdateTaskErrors(t *testing.T) {
	e := newTestServer(Deps{Store: newMemStore(domain.Task{ID: "t1", Title: "t", Description: "d"})})

	if rec := doRequest(e, http.MethodPatch, "/tasks/nope", `{"task":{"status":"done"}}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPatch, "/tasks/nope", `{"task":{"title":""}}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id with invalid body, got %d", rec.Code)
	}
	rec := doRequest(e, http.MethodPatch, "/tasks/t1", `{"task":{"title":""}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Title can't be blank") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestDeleteTask(t *testing.T) {
	store := newMemStore(domain.Task{ID: "t1"})
	pub := &recordingPublisher{}
	e := newTestServer(Deps{Store: store, Publisher: pub})

	if rec := doRequest(e, http.MethodDelete, "/tasks/t1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodDelete, "/tasks/t1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Action != domain.ActionDestroy || events[0].ID != "t1" {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestHealthEndpoints(t *testing.T) {
	store := newMemStore()
	e := newTestServer(Deps{Store: store})

	if rec := doRequest(e, http.MethodGet, "/up", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected /up 200 got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected /healthz 200 got %d", rec.Code)
	}
	store.failErr = errors.New("down")
	if rec := doRequest(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected /healthz 503 got %d", rec.Code)
	}
}
