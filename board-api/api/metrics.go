package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "board-api"
	tasksSpanName    = "tasks.request"
	tasksEventName   = "tasks.request.metrics"
	tasksEventDomain = "taskboard.api"
	observabilityMsg = "observability.event"
)

// taskRequestMetrics collects per-stage timings of one task request and
// reports them as a single structured log line plus a span.
type taskRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	method string
	start  time.Time

	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	tasksReturned  int
	taskID         string
	errorStage     string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*taskRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &taskRequestMetrics{
		logger:        logger,
		span:          span,
		route:         route,
		method:        method,
		start:         time.Now(),
		tasksReturned: -1,
	}, spanCtx
}

func (m *taskRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *taskRequestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *taskRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *taskRequestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

func (m *taskRequestMetrics) SetTaskID(id string) { m.taskID = id }

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and writes the request summary.
func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64("taskboard.tasks.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.tasks.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.tasks.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.tasks.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.tasksReturned >= 0 {
		attrs = append(attrs, attribute.Int("taskboard.tasks.tasks_returned", m.tasksReturned))
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("taskboard.tasks.task_id", m.taskID))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskboard.tasks.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, attrs...)
		m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	m.logger.WithFields(fields).Log(logLevelForSeverity(severityNumber), observabilityMsg)
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, err != nil && status < http.StatusBadRequest:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func logLevelForSeverity(n int) log.Level {
	switch {
	case n >= 17:
		return log.ErrorLevel
	case n >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
