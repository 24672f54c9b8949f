package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/board-api/livefeed"
	"github.com/aryabyte21/taskboard/domain"
)

const maxTaskBodySize = 1 << 20

var errMissingTask = errors.New("param is missing or the value is empty: task")

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Store     Storage
	Auth      Authenticator
	Deduper   Deduper
	Publisher livefeed.Publisher
	Hub       *livefeed.Hub
	Logger    *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	e.GET("/up", up)
	e.GET("/healthz", healthz(d.Store, d.Logger))

	tasks := e.Group("/tasks", requireAuth(d.Auth, false))
	tasks.GET("", listTasks(d.Store, d.Logger))
	tasks.POST("", createTask(d.Store, d.Deduper, d.Publisher, d.Logger))
	tasks.GET("/:id", showTask(d.Store, d.Logger))
	tasks.PATCH("/:id", updateTask(d.Store, d.Publisher, d.Logger))
	tasks.PUT("/:id", updateTask(d.Store, d.Publisher, d.Logger))
	tasks.DELETE("/:id", deleteTask(d.Store, d.Publisher, d.Logger))

	e.GET("/stream", streamEvents(d.Hub, d.Logger), requireAuth(d.Auth, true))
}

func up(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func healthz(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			logger.WithError(err).Warn("health check failed")
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusOK)
	}
}

func startMetrics(c echo.Context, logger *log.Logger) (*taskRequestMetrics, context.Context) {
	m, ctx := newTaskRequestMetrics(c.Request().Context(), logger, c.Request().Method, c.Path())
	c.SetRequest(c.Request().WithContext(ctx))
	m.ObserveAuth(authDurationFromContext(c))
	return m, ctx
}

func listTasks(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := startMetrics(c, logger)
		var opErr error
		defer func() { m.Log(c.Response().Status, opErr) }()

		storeStart := time.Now()
		tasks, err := store.ListTasks(ctx)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			opErr = err
			m.SetErrorStage("storage")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		m.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		opErr = c.JSON(http.StatusOK, tasks)
		m.ObserveEncode(time.Since(encodeStart))
		if opErr != nil {
			m.SetErrorStage("encode_response")
		}
		return opErr
	}
}

func showTask(store Storage, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := startMetrics(c, logger)
		var opErr error
		defer func() { m.Log(c.Response().Status, opErr) }()

		id := c.Param("id")
		m.SetTaskID(id)
		storeStart := time.Now()
		task, err := store.GetTask(ctx, id)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return respondStoreError(c, m, err, &opErr)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func createTask(store Storage, deduper Deduper, pub livefeed.Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := startMetrics(c, logger)
		var opErr error
		defer func() { m.Log(c.Response().Status, opErr) }()

		in, err := decodeTaskInput(c)
		if err != nil {
			m.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		in, err = domain.ValidateCreate(in)
		if err != nil {
			return respondStoreError(c, m, err, &opErr)
		}

		scope := userIDFromContext(c)
		key := c.Request().Header.Get(HeaderIdempotencyKey)
		if deduper != nil && key != "" {
			added, derr := deduper.Add(ctx, scope, key)
			if derr != nil {
				logger.WithError(derr).Warn("idempotency check failed; continuing without it")
				key = ""
			} else if !added {
				m.SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, errorResponse{Error: "Duplicate request"})
			}
		}

		storeStart := time.Now()
		task, err := store.CreateTask(ctx, in)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			if deduper != nil && key != "" {
				if rerr := deduper.Remove(context.WithoutCancel(ctx), scope, key); rerr != nil {
					logger.WithError(rerr).Warn("failed to release idempotency key")
				}
			}
			return respondStoreError(c, m, err, &opErr)
		}
		m.SetTaskID(task.ID)
		publish(ctx, pub, domain.CreateEvent(task), logger)
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(store Storage, pub livefeed.Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := startMetrics(c, logger)
		var opErr error
		defer func() { m.Log(c.Response().Status, opErr) }()

		id := c.Param("id")
		m.SetTaskID(id)
		in, err := decodeTaskInput(c)
		if err != nil {
			m.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		if err := domain.ValidatePatch(in); err != nil {
			// an unknown id wins over a bad payload
			if _, gerr := store.GetTask(ctx, id); errors.Is(gerr, domain.ErrNotFound) {
				err = gerr
			}
			return respondStoreError(c, m, err, &opErr)
		}

		storeStart := time.Now()
		task, err := store.UpdateTask(ctx, id, in)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return respondStoreError(c, m, err, &opErr)
		}
		publish(ctx, pub, domain.UpdateEvent(task), logger)
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Storage, pub livefeed.Publisher, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, ctx := startMetrics(c, logger)
		var opErr error
		defer func() { m.Log(c.Response().Status, opErr) }()

		id := c.Param("id")
		m.SetTaskID(id)
		storeStart := time.Now()
		err := store.DeleteTask(ctx, id)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return respondStoreError(c, m, err, &opErr)
		}
		publish(ctx, pub, domain.DestroyEvent(id), logger)
		return c.NoContent(http.StatusNoContent)
	}
}

// decodeTaskInput reads {"task":{...}}. A bare object of task fields is
// accepted too and treated as if it had been wrapped.
func decodeTaskInput(c echo.Context) (domain.TaskInput, error) {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxTaskBodySize))
	var body struct {
		Task *domain.TaskInput `json:"task"`
		domain.TaskInput
	}
	if err := dec.Decode(&body); err != nil {
		return domain.TaskInput{}, errors.New("invalid body")
	}
	in := body.TaskInput
	if body.Task != nil {
		in = *body.Task
	}
	if in.Empty() {
		return domain.TaskInput{}, errMissingTask
	}
	return in, nil
}

// respondStoreError maps domain errors to HTTP responses. Unexpected errors
// are stored in opErr so the request is reported as failed.
func respondStoreError(c echo.Context, m *taskRequestMetrics, err error, opErr *error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		m.SetErrorStage("validation")
		return c.JSON(http.StatusUnprocessableEntity, validationResponse{Errors: verr.Messages(), Fields: verr.Fields})
	case errors.Is(err, domain.ErrNotFound):
		m.SetErrorStage("not_found")
		return c.JSON(http.StatusNotFound, errorResponse{Error: "Task not found"})
	default:
		*opErr = err
		m.SetErrorStage("storage")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// publish broadcasts ev. The mutation already happened, so a failure is
// logged and does not change the response.
func publish(ctx context.Context, pub livefeed.Publisher, ev domain.Event, logger *log.Logger) {
	if pub == nil {
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"action":  ev.Action,
			"task_id": ev.TaskID(),
		}).Error("failed to publish live update")
	}
}
