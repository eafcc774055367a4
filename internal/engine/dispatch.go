package engine

import (
	"context"
	"time"

	eventbus "github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/hooks"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/task"
	"github.com/basket/conductor/internal/tools"
)

// dispatchTool runs one tool call through the full gate chain: mode policy,
// result cache, before/approval hooks, argument validation, then execution
// under the tool's timeout. Failures come back as tool results, never as
// engine errors.
func (e *Engine) dispatchTool(ctx context.Context, t *task.Task, name string, args map[string]any) tools.Result {
	if e.deps.Modes != nil && !e.deps.Modes.IsAllowed(name) {
		return tools.Fail("tool %q is not allowed in %s mode", name, e.deps.Modes.Mode())
	}

	// Nesting guard: child engines without a subagent grant cannot spawn.
	if name == "subagent_spawn" && e.deps.Subagents == nil {
		return tools.Fail("subagent spawning is not available in this context")
	}

	tool, ok := e.deps.Tools.Get(name)
	if !ok {
		return tools.Fail("unknown tool: %s", name)
	}
	def := tool.Definition()

	if e.deps.Cache != nil {
		if cached, hit := e.deps.Cache.GetToolResult(name, args); hit {
			if res, ok := cached.(tools.Result); ok {
				e.logger.Debug("tool cache hit", "tool", name, "task_id", t.ID)
				if m := e.deps.Metrics; m != nil && m.CacheHits != nil {
					m.CacheHits.Add(ctx, 1)
				}
				return res
			}
		}
		if m := e.deps.Metrics; m != nil && m.CacheMisses != nil {
			m.CacheMisses.Add(ctx, 1)
		}
	}

	before := e.trigger(ctx, hooks.EventToolBeforeExecute, map[string]any{
		"task_id": t.ID,
		"tool":    name,
		"args":    args,
	})
	if before.Action == hooks.ActionBlock {
		return tools.Fail("%s", before.Reason)
	}

	if def.RequiresApproval {
		approval := e.trigger(ctx, hooks.EventToolApproval, map[string]any{
			"task_id": t.ID,
			"tool":    name,
			"args":    args,
		})
		if approval.Action == hooks.ActionBlock {
			return tools.Fail("%s", approval.Reason)
		}
	}

	if err := e.deps.Tools.Validate(name, args); err != nil {
		return tools.Fail("invalid arguments for %s: %v", name, err)
	}

	// Task-scoped tools need to know which task is driving them.
	if aware, ok := tool.(interface{ SetCurrentTask(string) }); ok {
		aware.SetCurrentTask(t.ID)
	}

	e.publish(eventbus.TopicToolExecuting, eventbus.ToolEvent{TaskID: t.ID, ToolName: name})
	e.logger.Info("executing tool", "tool", name, "task_id", t.ID)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ToolTimeout
	}
	execCtx, span := otel.StartSpan(ctx, e.deps.Tracer, "tool.execute",
		otel.AttrToolName.String(name), otel.AttrTaskID.String(t.ID))
	execCtx, cancel := context.WithTimeout(execCtx, timeout)
	start := time.Now()
	res := tool.Execute(execCtx, args)
	duration := time.Since(start)
	cancel()
	span.End()

	if m := e.deps.Metrics; m != nil {
		if m.ToolCallDuration != nil {
			m.ToolCallDuration.Record(ctx, duration.Seconds())
		}
		if !res.Success && m.ToolCallErrors != nil {
			m.ToolCallErrors.Add(ctx, 1)
		}
	}

	if res.Success && e.deps.Cache != nil {
		e.deps.Cache.SetToolResult(name, args, res)
	}

	e.publish(eventbus.TopicToolDone, eventbus.ToolEvent{
		TaskID:   t.ID,
		ToolName: name,
		Success:  res.Success,
		Error:    res.Error,
	})
	e.trigger(ctx, hooks.EventToolAfterExecute, map[string]any{
		"task_id":       t.ID,
		"tool":          name,
		"duration":      duration,
		"output":        res.Output,
		"error":         !res.Success,
		"error_message": res.Error,
	})

	if !res.Success {
		e.logger.Warn("tool failed", "tool", name, "task_id", t.ID, "error", res.Error)
	}
	return res
}
