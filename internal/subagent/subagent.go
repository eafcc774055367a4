// Package subagent spawns isolated child agents for delegated subtasks.
// Concurrency is bounded by a weighted semaphore; each child runs inside
// its own resource budget (tokens, iterations, wall clock, tool surface)
// so a runaway delegate cannot starve the parent.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/basket/conductor/internal/hooks"
	"github.com/basket/conductor/internal/task"
)

// Status is the lifecycle state of a spawned subagent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Constraints bound what a single subagent may consume. Zero values fall
// back to the manager defaults at spawn time.
type Constraints struct {
	MaxTokens      int      `yaml:"max_tokens"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxIterations  int      `yaml:"max_iterations"`
	AllowedTools   []string `yaml:"allowed_tools"`
	Skill          string   `yaml:"skill"`

	// MaxConcurrentSubagents controls nesting. 0 means children may not
	// spawn their own subagents.
	MaxConcurrentSubagents int `yaml:"max_concurrent_subagents"`
}

// DefaultConstraints returns the per-subagent budget used when the caller
// specifies nothing.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxTokens:      50000,
		TimeoutSeconds: 300,
		MaxIterations:  15,
		AllowedTools:   []string{"shell", "file_read", "file_write"},
	}
}

// Config configures the manager.
type Config struct {
	Enabled       bool        `yaml:"enabled"`
	MaxConcurrent int64       `yaml:"max_concurrent"`
	Defaults      Constraints `yaml:"default_constraints"`
}

// DefaultConfig returns the manager defaults: enabled, at most three
// subagents in flight.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxConcurrent: 3,
		Defaults:      DefaultConstraints(),
	}
}

var (
	ErrDisabled      = errors.New("subagent system is disabled")
	ErrUnknownHandle = errors.New("subagent not found")
	ErrAlreadyActive = errors.New("subagent already active for task")
	ErrShutDown      = errors.New("subagent manager is shut down")
)

// Runner executes one subtask in an isolated child agent and returns its
// result text. The engine supplies this; the manager stays ignorant of how
// children are built.
type Runner func(ctx context.Context, subtask *task.Task, constraints Constraints) (string, error)

// Handle tracks one spawned subagent. All accessors are safe for
// concurrent use; Wait blocks until the subagent reaches a terminal state.
type Handle struct {
	taskID       string
	parentTaskID string

	mu     sync.Mutex
	status Status
	result string
	errMsg string
	done   chan struct{}
}

func newHandle(taskID, parentTaskID string) *Handle {
	return &Handle{
		taskID:       taskID,
		parentTaskID: parentTaskID,
		status:       StatusPending,
		done:         make(chan struct{}),
	}
}

// TaskID returns the subtask this subagent executes.
func (h *Handle) TaskID() string { return h.taskID }

// ParentTaskID returns the task that spawned this subagent.
func (h *Handle) ParentTaskID() string { return h.parentTaskID }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the subagent's result text, empty until completed.
func (h *Handle) Result() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Err returns the failure message, empty unless failed or timed out.
func (h *Handle) Err() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errMsg
}

// Done reports whether the subagent has reached a terminal state.
func (h *Handle) Done() bool { return h.Status().Terminal() }

// Wait blocks until the subagent finishes, the context is cancelled, or
// the optional timeout elapses (0 means no limit). On success it returns
// the result text; a failed or cancelled subagent yields an error carrying
// its recorded message.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer:
		return "", fmt.Errorf("timed out waiting for subagent %s after %s", h.taskID, timeout)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusCompleted {
		return h.result, nil
	}
	return "", fmt.Errorf("subagent %s %s: %s", h.taskID, h.status, h.errMsg)
}

// setRunning moves pending -> running. Returns false when the handle
// already reached a terminal state (e.g. cancelled during shutdown).
func (h *Handle) setRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusPending {
		return false
	}
	h.status = StatusRunning
	return true
}

// finish records the terminal outcome exactly once.
func (h *Handle) finish(status Status, result, errMsg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = status
	h.result = result
	h.errMsg = errMsg
	close(h.done)
	return true
}

// Manager spawns and tracks subagents. At most MaxConcurrent children run
// at once; further spawns queue on the semaphore without blocking the
// caller.
type Manager struct {
	cfg    Config
	runner Runner
	bus    *hooks.Bus
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a subagent manager. The bus may be nil when no hooks
// are wired.
func NewManager(cfg Config, runner Runner, bus *hooks.Bus, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger.Info("subagent manager initialized", "max_concurrent", cfg.MaxConcurrent, "enabled", cfg.Enabled)
	return &Manager{
		cfg:     cfg,
		runner:  runner,
		bus:     bus,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  logger,
		handles: make(map[string]*Handle),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetRunner installs the child execution function. The engine calls this
// after construction to break the circular dependency between itself and
// the manager it owns.
func (m *Manager) SetRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

// Spawn starts a subagent for subtask on behalf of parent and returns a
// handle immediately. The child runs in the background once a concurrency
// slot frees up. Nil constraints use the configured defaults; zero fields
// in non-nil constraints are filled from them.
func (m *Manager) Spawn(ctx context.Context, parent, subtask *task.Task, constraints *Constraints) (*Handle, error) {
	if !m.cfg.Enabled {
		return nil, ErrDisabled
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutDown
	}
	if m.runner == nil {
		m.mu.Unlock()
		return nil, errors.New("subagent manager has no runner")
	}
	if existing, ok := m.handles[subtask.ID]; ok && !existing.Status().Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, subtask.ID)
	}
	c := m.resolveConstraints(constraints)
	h := newHandle(subtask.ID, parent.ID)
	m.handles[subtask.ID] = h
	runner := m.runner
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("spawning subagent",
		"task_id", subtask.ID,
		"title", subtask.Title,
		"parent", parent.Title,
		"max_tokens", c.MaxTokens,
		"max_iterations", c.MaxIterations,
		"timeout_seconds", c.TimeoutSeconds)

	if m.bus != nil {
		m.bus.Trigger(ctx, hooks.EventSubagentSpawned, map[string]any{
			"task_id":        subtask.ID,
			"parent_task_id": parent.ID,
			"title":          subtask.Title,
		}, nil, nil)
	}

	sub := subtask.Clone()
	go m.execute(h, sub, c, runner)
	return h, nil
}

func (m *Manager) resolveConstraints(c *Constraints) Constraints {
	resolved := m.cfg.Defaults
	if resolved.MaxTokens == 0 && resolved.TimeoutSeconds == 0 && resolved.MaxIterations == 0 {
		resolved = DefaultConstraints()
	}
	if c == nil {
		return resolved
	}
	if c.MaxTokens > 0 {
		resolved.MaxTokens = c.MaxTokens
	}
	if c.TimeoutSeconds > 0 {
		resolved.TimeoutSeconds = c.TimeoutSeconds
	}
	if c.MaxIterations > 0 {
		resolved.MaxIterations = c.MaxIterations
	}
	if len(c.AllowedTools) > 0 {
		resolved.AllowedTools = c.AllowedTools
	}
	if c.Skill != "" {
		resolved.Skill = c.Skill
	}
	resolved.MaxConcurrentSubagents = c.MaxConcurrentSubagents
	return resolved
}

func (m *Manager) execute(h *Handle, subtask *task.Task, c Constraints, runner Runner) {
	defer m.wg.Done()

	if err := m.sem.Acquire(m.baseCtx, 1); err != nil {
		m.finishWith(h, StatusCancelled, "", "cancelled before start")
		return
	}
	defer m.sem.Release(1)

	if !h.setRunning() {
		return
	}

	ctx := m.baseCtx
	if c.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := runner(ctx, subtask, c)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("subagent timeout after %ds", c.TimeoutSeconds)
		m.logger.Error("subagent timed out", "task_id", subtask.ID, "title", subtask.Title)
		m.finishWith(h, StatusTimeout, "", msg)
	case err != nil && errors.Is(err, context.Canceled):
		m.finishWith(h, StatusCancelled, "", "cancelled during shutdown")
	case err != nil:
		msg := fmt.Sprintf("subagent execution failed: %v", err)
		m.logger.Error("subagent failed", "task_id", subtask.ID, "error", err)
		m.finishWith(h, StatusFailed, "", msg)
	default:
		m.logger.Info("subagent completed", "task_id", subtask.ID, "title", subtask.Title)
		m.finishWith(h, StatusCompleted, result, "")
	}
}

func (m *Manager) finishWith(h *Handle, status Status, result, errMsg string) {
	if !h.finish(status, result, errMsg) {
		return
	}
	if m.bus == nil {
		return
	}
	switch status {
	case StatusCompleted:
		m.bus.Trigger(context.Background(), hooks.EventSubagentCompleted, map[string]any{
			"task_id": h.taskID,
			"result":  result,
		}, nil, nil)
	case StatusFailed, StatusTimeout:
		m.bus.Trigger(context.Background(), hooks.EventSubagentFailed, map[string]any{
			"task_id": h.taskID,
			"error":   errMsg,
		}, nil, nil)
	}
}

// Wait blocks until the subagent for taskID finishes. See Handle.Wait for
// timeout semantics.
func (m *Manager) Wait(ctx context.Context, taskID string, timeout time.Duration) (string, error) {
	h, ok := m.Handle(taskID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandle, taskID)
	}
	return h.Wait(ctx, timeout)
}

// Handle returns the handle for taskID if one was ever spawned.
func (m *Manager) Handle(taskID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[taskID]
	return h, ok
}

// ListActive returns handles that have not reached a terminal state, in
// no particular order.
func (m *Manager) ListActive() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*Handle
	for _, h := range m.handles {
		if !h.Status().Terminal() {
			active = append(active, h)
		}
	}
	return active
}

// ActiveCount returns the number of non-terminal subagents.
func (m *Manager) ActiveCount() int { return len(m.ListActive()) }

// Shutdown cancels in-flight subagents, marks everything non-terminal as
// cancelled, and refuses further spawns. It waits for worker goroutines
// to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, h := range handles {
		h.finish(StatusCancelled, "", "cancelled during shutdown")
	}
	m.logger.Info("subagent manager shut down")
}
