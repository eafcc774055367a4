// Package engine runs tasks through the reasoning loop: prepare context,
// call the provider, dispatch requested tools, repeat until the provider
// ends its turn or a budget runs out. All collaborators are injected; the
// engine owns none of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	eventbus "github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/cache"
	"github.com/basket/conductor/internal/hooks"
	"github.com/basket/conductor/internal/interrupt"
	"github.com/basket/conductor/internal/modes"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/provider"
	"github.com/basket/conductor/internal/subagent"
	"github.com/basket/conductor/internal/task"
	"github.com/basket/conductor/internal/tools"
)

// ErrInterrupted is returned when a user interrupt stopped execution. The
// task has already been reset to pending by the time callers see it.
var ErrInterrupted = errors.New("execution interrupted")

// Config bounds one engine's reasoning loop.
type Config struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	Streaming     bool          `yaml:"streaming"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 20,
		MaxTokens:     8192,
		ToolTimeout:   60 * time.Second,
	}
}

// SkillSource supplies skill instructions matched to a task's text.
// A nil source means no skill injection.
type SkillSource interface {
	Instructions(taskText string, availableTools []string) string
	Named(name string) string
}

// Deps are the engine's collaborators. Scheduler, Provider, and Tools are
// required; everything else degrades to a no-op when nil.
type Deps struct {
	Scheduler  *task.Scheduler
	Provider   provider.Client
	Tools      *tools.Registry
	Hooks      *hooks.Bus
	Interrupts *interrupt.Controller
	Cache      *cache.Cache
	Modes      *modes.Manager
	Subagents  *subagent.Manager
	Skills     SkillSource
	Bus        *eventbus.Bus
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
	Logger     *slog.Logger
}

// Engine executes tasks against the provider within the configured budgets.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	// allowedTools restricts the visible tool surface; nil means mode-based
	// filtering over the full registry. Set for subagent children.
	allowedTools []string
	// skillOverride forces one named skill instead of keyword matching.
	skillOverride string

	mu            sync.Mutex
	currentTaskID string
}

// New creates an engine. It returns an error when a required collaborator
// is missing.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("engine requires a scheduler")
	}
	if deps.Provider == nil {
		return nil, errors.New("engine requires a provider")
	}
	if deps.Tools == nil {
		return nil, errors.New("engine requires a tool registry")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultConfig().ToolTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Engine{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// CurrentTaskID returns the task being executed, empty when idle.
func (e *Engine) CurrentTaskID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTaskID
}

func (e *Engine) setCurrentTask(id string) {
	e.mu.Lock()
	e.currentTaskID = id
	e.mu.Unlock()
}

// ExecuteTask runs one task to a terminal state: in_progress, then the
// reasoning loop, then completed (with dependency propagation) or failed.
// An interrupt resets the task to pending and returns ErrInterrupted.
func (e *Engine) ExecuteTask(ctx context.Context, taskID string) error {
	t, err := e.deps.Scheduler.Get(taskID)
	if err != nil {
		return err
	}

	ctx, span := otel.StartSpan(ctx, e.deps.Tracer, "engine.execute_task",
		otel.AttrTaskID.String(t.ID),
		otel.AttrTaskTitle.String(t.Title))
	defer span.End()

	e.logger.Info("executing task", "task_id", t.ID, "title", t.Title)
	start := time.Now()

	inProgress := task.StatusInProgress
	if _, err := e.deps.Scheduler.Update(t.ID, task.Update{Status: &inProgress}); err != nil {
		return err
	}
	e.publish(eventbus.TopicTaskStateChanged, eventbus.TaskStateChangedEvent{
		TaskID:    t.ID,
		Title:     t.Title,
		OldStatus: string(t.Status),
		NewStatus: string(task.StatusInProgress),
	})
	e.setCurrentTask(t.ID)
	defer e.setCurrentTask("")

	hr := e.trigger(ctx, hooks.EventTaskStarted, map[string]any{
		"task_id":     t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(task.StatusInProgress),
	})
	if hr.Action == hooks.ActionBlock {
		return e.failTask(ctx, t, start, fmt.Errorf("task blocked by hook: %s", hr.Reason))
	}

	result, err := e.reasoningLoop(ctx, t)
	switch {
	case errors.Is(err, ErrInterrupted):
		return ErrInterrupted
	case err != nil:
		return e.failTask(ctx, t, start, err)
	}

	if _, err := e.deps.Scheduler.Complete(t.ID, result); err != nil {
		return err
	}
	e.publish(eventbus.TopicTaskCompleted, eventbus.TaskStateChangedEvent{
		TaskID:    t.ID,
		Title:     t.Title,
		OldStatus: string(task.StatusInProgress),
		NewStatus: string(task.StatusCompleted),
	})
	e.trigger(ctx, hooks.EventTaskCompleted, map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"status":   string(task.StatusCompleted),
		"result":   result,
		"duration": time.Since(start),
	})
	e.logger.Info("task completed", "task_id", t.ID, "duration", time.Since(start))
	return nil
}

func (e *Engine) failTask(ctx context.Context, t *task.Task, start time.Time, cause error) error {
	failed := task.StatusFailed
	msg := cause.Error()
	if _, err := e.deps.Scheduler.Update(t.ID, task.Update{Status: &failed, Error: &msg}); err != nil {
		e.logger.Error("failed to record task failure", "task_id", t.ID, "error", err)
	}
	e.publish(eventbus.TopicTaskFailed, eventbus.TaskStateChangedEvent{
		TaskID:    t.ID,
		Title:     t.Title,
		OldStatus: string(task.StatusInProgress),
		NewStatus: string(task.StatusFailed),
	})
	e.trigger(ctx, hooks.EventTaskFailed, map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"status":   string(task.StatusFailed),
		"error":    msg,
		"duration": time.Since(start),
	})
	e.logger.Error("task failed", "task_id", t.ID, "error", msg)
	return cause
}

// RunPending drains the scheduler: pick the next executable pending task,
// execute it, repeat until nothing is executable. Completion propagation
// inside the scheduler unblocks dependents between rounds. An interrupt
// stops the driver (the interrupted task is pending again and would
// otherwise be picked forever).
func (e *Engine) RunPending(ctx context.Context) (string, error) {
	executed, failedCount := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return e.runSummary(executed, failedCount), err
		}
		next := e.deps.Scheduler.NextExecutable()
		if next == nil {
			break
		}
		err := e.ExecuteTask(ctx, next.ID)
		if errors.Is(err, ErrInterrupted) {
			break
		}
		if err != nil {
			failedCount++
			continue
		}
		executed++
	}
	return e.runSummary(executed, failedCount), nil
}

func (e *Engine) runSummary(executed, failed int) string {
	remaining := len(e.deps.Scheduler.List(task.Filter{Status: task.StatusPending}))
	return fmt.Sprintf("Executed %d tasks successfully. %d tasks failed. %d tasks remain pending.",
		executed, failed, remaining)
}

// SubagentRunner builds the child-execution function for the subagent
// manager: a scoped engine honoring the spawn constraints, running the
// subtask through the normal lifecycle so completion propagates.
func (e *Engine) SubagentRunner() subagent.Runner {
	return func(ctx context.Context, subtask *task.Task, c subagent.Constraints) (string, error) {
		e.publish(eventbus.TopicSubagentSpawned, eventbus.SubagentEvent{
			TaskID:       subtask.ID,
			ParentTaskID: subtask.ParentID,
		})
		child := e.childEngine(c)
		runErr := child.ExecuteTask(ctx, subtask.ID)
		status := string(task.StatusCompleted)
		if runErr != nil {
			status = string(task.StatusFailed)
		}
		e.publish(eventbus.TopicSubagentFinished, eventbus.SubagentEvent{
			TaskID:       subtask.ID,
			ParentTaskID: subtask.ParentID,
			Status:       status,
		})
		if runErr != nil {
			return "", runErr
		}
		done, err := e.deps.Scheduler.Get(subtask.ID)
		if err != nil {
			return "", err
		}
		return done.Result, nil
	}
}

// childEngine derives an isolated engine from the parent with the
// constraint budgets applied. Nesting is off unless the constraints allow
// it.
func (e *Engine) childEngine(c subagent.Constraints) *Engine {
	cfg := e.cfg
	if c.MaxIterations > 0 {
		cfg.MaxIterations = c.MaxIterations
	}
	if c.MaxTokens > 0 && (cfg.MaxTokens == 0 || c.MaxTokens < cfg.MaxTokens) {
		cfg.MaxTokens = c.MaxTokens
	}

	deps := e.deps
	if c.MaxConcurrentSubagents <= 0 {
		deps.Subagents = nil
	}

	return &Engine{
		cfg:           cfg,
		deps:          deps,
		logger:        e.logger.With("subagent", true),
		allowedTools:  c.AllowedTools,
		skillOverride: c.Skill,
	}
}

// trigger fires a hook event, tolerating a nil bus.
func (e *Engine) trigger(ctx context.Context, event string, data map[string]any) hooks.Result {
	if e.deps.Hooks == nil {
		return hooks.Continue()
	}
	return e.deps.Hooks.Trigger(ctx, event, data, e, nil)
}

// publish posts to the observational bus, tolerating a nil bus.
func (e *Engine) publish(topic string, payload any) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(topic, payload)
}
