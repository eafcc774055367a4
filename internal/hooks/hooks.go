// Package hooks implements the priority-ordered lifecycle hook bus.
//
// Hooks register under an event name (or the "*" wildcard) with an integer
// priority; lower priorities run first. A hook can observe an event, patch
// the shared context for hooks downstream of it, or block the operation that
// fired the event. Hook failures are contained: an error or panic is logged
// and treated as continue.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Wildcard matches every event.
const Wildcard = "*"

// Standard lifecycle events fired by the engine.
const (
	EventTaskStarted       = "task.started"
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventLLMBeforeCall     = "llm.before_call"
	EventLLMAfterCall      = "llm.after_call"
	EventToolBeforeExecute = "tool.before_execute"
	EventToolApproval      = "tool.requires_approval"
	EventToolAfterExecute  = "tool.after_execute"
	EventInterrupted       = "engine.interrupted"
	EventSubagentSpawned   = "subagent.spawned"
	EventSubagentCompleted = "subagent.completed"
	EventSubagentFailed    = "subagent.failed"
)

// Action is a hook's verdict on the event it observed.
type Action string

const (
	ActionContinue Action = "continue"
	ActionBlock    Action = "block"
)

// Context is the shared mutable context one Trigger call threads through its
// hook chain.
type Context struct {
	Event string
	// Data is event-specific payload; hooks may patch it for downstream hooks.
	Data map[string]any
	// State is an opaque reference to the caller's state (the engine).
	State any
	// Metadata accumulates across the chain.
	Metadata map[string]any
}

// Result is produced by each hook invocation.
type Result struct {
	Action Action
	// Reason explains a block; empty otherwise.
	Reason string
	// Data, when non-nil, is merged into the shared context's Data.
	Data map[string]any
	// Metadata, when non-nil, is merged into the shared context's Metadata.
	Metadata map[string]any
}

// Continue is the default pass-through result.
func Continue() Result { return Result{Action: ActionContinue} }

// Block stops the chain with the given reason.
func Block(reason string) Result { return Result{Action: ActionBlock, Reason: reason} }

// Hook is the closed capability interface for lifecycle observers and gates.
type Hook interface {
	// Name identifies the hook in logs.
	Name() string
	// ShouldRun lets a hook opt out of a particular event instance.
	ShouldRun(hc *Context) bool
	// Execute runs the hook against the shared context.
	Execute(ctx context.Context, hc *Context) (Result, error)
}

type registration struct {
	priority int
	seq      int // registration order, ties broken first-registered-first
	hook     Hook
}

// Bus dispatches lifecycle events to registered hooks in priority order.
type Bus struct {
	mu      sync.RWMutex
	hooks   map[string][]registration
	nextSeq int
	logger  *slog.Logger
}

// NewBus creates an empty hook bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		hooks:  make(map[string][]registration),
		logger: logger,
	}
}

// Register adds a hook for the given event name ("*" for every event).
// Lower priority runs first.
func (b *Bus) Register(event string, h Hook, priority int) {
	if h == nil || event == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	b.hooks[event] = append(b.hooks[event], registration{
		priority: priority,
		seq:      b.nextSeq,
		hook:     h,
	})
	b.logger.Debug("hook registered", "event", event, "hook", h.Name(), "priority", priority)
}

// Count returns the total number of registrations.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, regs := range b.hooks {
		n += len(regs)
	}
	return n
}

// Trigger fires the hook chain for event: event-specific and wildcard hooks
// merged, sorted by priority, run in order against one shared context.
// The first Block stops the chain and is returned; everything else returns
// Continue carrying the accumulated data and metadata.
func (b *Bus) Trigger(ctx context.Context, event string, data map[string]any, state any, metadata map[string]any) Result {
	b.mu.RLock()
	merged := make([]registration, 0, len(b.hooks[event])+len(b.hooks[Wildcard]))
	merged = append(merged, b.hooks[event]...)
	merged = append(merged, b.hooks[Wildcard]...)
	b.mu.RUnlock()

	if data == nil {
		data = make(map[string]any)
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	hc := &Context{Event: event, Data: data, State: state, Metadata: metadata}

	if len(merged) == 0 {
		return Result{Action: ActionContinue, Data: hc.Data, Metadata: hc.Metadata}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].priority != merged[j].priority {
			return merged[i].priority < merged[j].priority
		}
		return merged[i].seq < merged[j].seq
	})

	for _, reg := range merged {
		result := b.runOne(ctx, reg, hc)
		if result.Data != nil {
			for k, v := range result.Data {
				hc.Data[k] = v
			}
		}
		if result.Metadata != nil {
			for k, v := range result.Metadata {
				hc.Metadata[k] = v
			}
		}
		if result.Action == ActionBlock {
			reason := result.Reason
			if reason == "" {
				reason = "blocked by hook"
			}
			b.logger.Info("hook blocked event", "event", event, "hook", reg.hook.Name(), "reason", reason)
			return Result{Action: ActionBlock, Reason: reason, Data: hc.Data, Metadata: hc.Metadata}
		}
	}
	return Result{Action: ActionContinue, Data: hc.Data, Metadata: hc.Metadata}
}

// runOne executes a single hook, containing errors and panics.
func (b *Bus) runOne(ctx context.Context, reg registration, hc *Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("hook panic", "event", hc.Event, "hook", reg.hook.Name(), "panic", r)
			result = Continue()
		}
	}()

	if !reg.hook.ShouldRun(hc) {
		return Continue()
	}
	result, err := reg.hook.Execute(ctx, hc)
	if err != nil {
		b.logger.Error("hook error", "event", hc.Event, "hook", reg.hook.Name(), "error", err)
		return Continue()
	}
	if result.Action == "" {
		result.Action = ActionContinue
	}
	return result
}

// HooksFor returns the hooks that would run for event, in execution order.
func (b *Bus) HooksFor(event string) []Hook {
	b.mu.RLock()
	merged := make([]registration, 0, len(b.hooks[event])+len(b.hooks[Wildcard]))
	merged = append(merged, b.hooks[event]...)
	merged = append(merged, b.hooks[Wildcard]...)
	b.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].priority != merged[j].priority {
			return merged[i].priority < merged[j].priority
		}
		return merged[i].seq < merged[j].seq
	})
	out := make([]Hook, len(merged))
	for i, reg := range merged {
		out[i] = reg.hook
	}
	return out
}
