package hooks

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	eventbus "github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/otel"
)

// LoggingHook writes a structured log line for every event it sees.
// Register it on "*" to get a full lifecycle audit trail.
type LoggingHook struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingHook creates a logging hook at the given level.
func NewLoggingHook(logger *slog.Logger, level slog.Level) *LoggingHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHook{logger: logger, level: level}
}

func (h *LoggingHook) Name() string { return "logging" }
func (h *LoggingHook) ShouldRun(_ *Context) bool { return true }

func (h *LoggingHook) Execute(ctx context.Context, hc *Context) (Result, error) {
	attrs := make([]any, 0, 2+2*len(hc.Data))
	attrs = append(attrs, "event", hc.Event)
	for k, v := range hc.Data {
		attrs = append(attrs, k, v)
	}
	h.logger.Log(ctx, h.level, "lifecycle event", attrs...)
	return Continue(), nil
}

// MetricsHook records lifecycle events on the conductor metric instruments.
type MetricsHook struct {
	metrics *otel.Metrics
}

// NewMetricsHook creates a metrics hook over the given instruments.
func NewMetricsHook(m *otel.Metrics) *MetricsHook {
	return &MetricsHook{metrics: m}
}

func (h *MetricsHook) Name() string { return "metrics" }

func (h *MetricsHook) ShouldRun(hc *Context) bool {
	switch hc.Event {
	case EventTaskCompleted, EventTaskFailed, EventLLMAfterCall, EventToolAfterExecute, EventInterrupted:
		return h.metrics != nil
	}
	return false
}

func (h *MetricsHook) Execute(ctx context.Context, hc *Context) (Result, error) {
	switch hc.Event {
	case EventTaskCompleted, EventTaskFailed:
		if d, ok := hc.Data["duration"].(time.Duration); ok {
			h.metrics.TaskDuration.Record(ctx, d.Seconds(),
				metric.WithAttributes(attribute.Bool("failed", hc.Event == EventTaskFailed)))
		}
	case EventLLMAfterCall:
		if d, ok := hc.Data["duration"].(time.Duration); ok {
			h.metrics.LLMCallDuration.Record(ctx, d.Seconds())
		}
		if tokens, ok := hc.Data["tokens"].(int64); ok {
			h.metrics.TokensUsed.Add(ctx, tokens)
		}
	case EventToolAfterExecute:
		name, _ := hc.Data["tool"].(string)
		attrs := metric.WithAttributes(attribute.String("tool", name))
		if d, ok := hc.Data["duration"].(time.Duration); ok {
			h.metrics.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
		}
		if failed, _ := hc.Data["error"].(bool); failed {
			h.metrics.ToolCallErrors.Add(ctx, 1, attrs)
		}
	case EventInterrupted:
		typ, _ := hc.Data["type"].(string)
		h.metrics.InterruptsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", typ)))
	}
	return Continue(), nil
}

// DisplayHook forwards lifecycle events onto the in-process event bus so the
// console sink (and anything else subscribed) can render them. It never
// blocks or gates anything.
type DisplayHook struct {
	bus *eventbus.Bus
}

// NewDisplayHook creates a display hook publishing on the given event bus.
func NewDisplayHook(b *eventbus.Bus) *DisplayHook {
	return &DisplayHook{bus: b}
}

func (h *DisplayHook) Name() string { return "display" }
func (h *DisplayHook) ShouldRun(_ *Context) bool { return h.bus != nil }

func (h *DisplayHook) Execute(_ context.Context, hc *Context) (Result, error) {
	taskID, _ := hc.Data["task_id"].(string)
	switch hc.Event {
	case EventToolBeforeExecute:
		name, _ := hc.Data["tool"].(string)
		h.bus.Publish(eventbus.TopicToolExecuting, eventbus.ToolEvent{TaskID: taskID, ToolName: name})
	case EventToolAfterExecute:
		name, _ := hc.Data["tool"].(string)
		failed, _ := hc.Data["error"].(bool)
		errMsg, _ := hc.Data["error_message"].(string)
		h.bus.Publish(eventbus.TopicToolDone, eventbus.ToolEvent{
			TaskID:   taskID,
			ToolName: name,
			Success:  !failed,
			Error:    errMsg,
		})
	case EventTaskStarted, EventTaskCompleted, EventTaskFailed:
		title, _ := hc.Data["title"].(string)
		status, _ := hc.Data["status"].(string)
		h.bus.Publish(eventbus.TopicTaskStateChanged, eventbus.TaskStateChangedEvent{
			TaskID:    taskID,
			Title:     title,
			NewStatus: status,
		})
	}
	return Continue(), nil
}
