package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Decision is an approver's answer to a tool approval request.
type Decision string

const (
	// DecisionApprove allows this one call.
	DecisionApprove Decision = "approve"
	// DecisionApproveAlways allows the call and whitelists the tool for the
	// rest of the session.
	DecisionApproveAlways Decision = "approve_always"
	// DecisionDeny blocks the call.
	DecisionDeny Decision = "deny"
)

// Approver asks a human (or policy) to rule on a tool call.
type Approver interface {
	Approve(ctx context.Context, tool string, args map[string]any) (Decision, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, tool string, args map[string]any) (Decision, error)

func (f ApproverFunc) Approve(ctx context.Context, tool string, args map[string]any) (Decision, error) {
	return f(ctx, tool, args)
}

// Whitelist records tools approved for the rest of the session.
type Whitelist interface {
	Contains(tool string) bool
	Add(tool string) error
}

// MemoryWhitelist is an in-memory session whitelist.
type MemoryWhitelist struct {
	mu    sync.RWMutex
	tools map[string]struct{}
}

func NewMemoryWhitelist() *MemoryWhitelist {
	return &MemoryWhitelist{tools: make(map[string]struct{})}
}

func (w *MemoryWhitelist) Contains(tool string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tools[tool]
	return ok
}

func (w *MemoryWhitelist) Add(tool string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tools[tool] = struct{}{}
	return nil
}

// ApprovalHook gates tool execution on the tool.requires_approval event.
// Whitelisted tools pass without prompting; otherwise the approver decides.
// Approve-always adds the tool to the whitelist before allowing it.
type ApprovalHook struct {
	approver  Approver
	whitelist Whitelist
}

// NewApprovalHook creates the approval gate. A nil whitelist gets an
// in-memory one.
func NewApprovalHook(approver Approver, whitelist Whitelist) *ApprovalHook {
	if whitelist == nil {
		whitelist = NewMemoryWhitelist()
	}
	return &ApprovalHook{approver: approver, whitelist: whitelist}
}

func (h *ApprovalHook) Name() string { return "approval" }

func (h *ApprovalHook) ShouldRun(hc *Context) bool {
	return hc.Event == EventToolApproval && h.approver != nil
}

func (h *ApprovalHook) Execute(ctx context.Context, hc *Context) (Result, error) {
	tool, _ := hc.Data["tool"].(string)
	if tool == "" {
		return Continue(), nil
	}
	if h.whitelist.Contains(tool) {
		return Continue(), nil
	}

	args, _ := hc.Data["args"].(map[string]any)
	decision, err := h.approver.Approve(ctx, tool, args)
	if err != nil {
		// Fail closed: an unreachable approver must not let the call through.
		return Block(fmt.Sprintf("approval unavailable for %s: %v", tool, err)), nil
	}

	switch decision {
	case DecisionApprove:
		return Continue(), nil
	case DecisionApproveAlways:
		if err := h.whitelist.Add(tool); err != nil {
			return Result{Action: ActionContinue, Metadata: map[string]any{"whitelist_error": err.Error()}}, nil
		}
		return Continue(), nil
	default:
		return Block(fmt.Sprintf("tool %s denied by user", tool)), nil
	}
}
