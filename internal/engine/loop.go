package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	eventbus "github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/hooks"
	"github.com/basket/conductor/internal/interrupt"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/provider"
	"github.com/basket/conductor/internal/task"
)

// errStreamInterrupted aborts a streaming call from inside the chunk
// callback when the mid-stream checkpoint fires.
var errStreamInterrupted = errors.New("stream interrupted")

// reasoningLoop drives the conversation for one task. Each round: interrupt
// checkpoint, provider call (streamed when configured, with a second
// checkpoint between chunks), then branch on the stop reason. Tool rounds
// re-check the interrupt before every dispatch.
func (e *Engine) reasoningLoop(ctx context.Context, t *task.Task) (string, error) {
	visible := e.visibleTools()
	schemas := e.deps.Tools.Schemas(visible)
	system := e.buildSystemPrompt(t, visible)

	taskText := t.Description
	if taskText == "" {
		taskText = t.Title
	}
	history := []provider.Message{provider.UserText("Task: " + taskText)}

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		// Checkpoint 1: before the round.
		if st := e.checkInterrupt(); st != nil {
			e.logger.Info("interrupt before iteration", "task_id", t.ID, "iteration", iteration)
			return e.handleInterrupt(ctx, t, st, "")
		}

		e.publish(eventbus.TopicLoopIteration, eventbus.LoopIterationEvent{
			TaskID:        t.ID,
			Iteration:     iteration,
			MaxIterations: e.cfg.MaxIterations,
		})
		if m := e.deps.Metrics; m != nil && m.LoopIterations != nil {
			m.LoopIterations.Add(ctx, 1)
		}
		e.logger.Debug("reasoning iteration", "task_id", t.ID,
			"iteration", iteration, "max_iterations", e.cfg.MaxIterations)

		req := provider.Request{
			System:    system,
			Messages:  history,
			Tools:     schemas,
			MaxTokens: e.cfg.MaxTokens,
		}

		e.trigger(ctx, hooks.EventLLMBeforeCall, map[string]any{
			"task_id":        t.ID,
			"iteration":      iteration,
			"max_iterations": e.cfg.MaxIterations,
			"messages":       len(history),
			"tools":          len(schemas),
		})

		resp, partial, err := e.callProvider(ctx, t, req)
		if err != nil {
			if errors.Is(err, errStreamInterrupted) {
				st := e.checkInterrupt()
				return e.handleInterrupt(ctx, t, st, partial)
			}
			return "", fmt.Errorf("provider call: %w", err)
		}

		switch resp.StopReason {
		case provider.StopEndTurn:
			text := resp.Text()
			if text == "" {
				text = "Task completed"
			}
			return text, nil

		case provider.StopToolUse:
			history = append(history, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			var results []provider.Block
			for _, use := range resp.ToolUses() {
				// Checkpoint 3: before each tool.
				if st := e.checkInterrupt(); st != nil {
					e.logger.Info("interrupt before tool", "task_id", t.ID, "tool", use.ToolName)
					return e.handleInterrupt(ctx, t, st, resp.Text())
				}
				res := e.dispatchTool(ctx, t, use.ToolName, use.ToolInput)
				content := res.Output
				if !res.Success {
					content = res.Error
				}
				results = append(results, provider.ToolResultBlock(use.ToolID, content, !res.Success))
			}
			history = append(history, provider.Message{Role: provider.RoleUser, Content: results})

		case provider.StopMaxTokens:
			e.logger.Warn("response hit max_tokens, continuing", "task_id", t.ID)
			history = append(history, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			history = append(history, provider.UserText("Please continue from where you left off."))

		default:
			e.logger.Warn("unknown stop reason", "task_id", t.ID, "stop_reason", string(resp.StopReason))
		}
	}

	return "", fmt.Errorf("task %s exceeded max iterations (%d)", t.ID, e.cfg.MaxIterations)
}

// callProvider issues one completion, streaming when configured. It returns
// the accumulated partial text alongside errStreamInterrupted when the
// mid-stream checkpoint aborted the call.
func (e *Engine) callProvider(ctx context.Context, t *task.Task, req provider.Request) (*provider.Response, string, error) {
	callCtx, span := otel.StartClientSpan(ctx, e.deps.Tracer, "provider.complete",
		otel.AttrTaskID.String(t.ID))
	defer span.End()

	start := time.Now()
	var resp *provider.Response
	var err error
	var partial strings.Builder

	if e.cfg.Streaming {
		resp, err = e.deps.Provider.Stream(callCtx, req, func(chunk string) error {
			partial.WriteString(chunk)
			e.publish(eventbus.TopicStreamToken, eventbus.StreamTokenEvent{TaskID: t.ID, Chunk: chunk})
			// Checkpoint 2: between stream chunks.
			if e.checkInterrupt() != nil {
				return errStreamInterrupted
			}
			return nil
		})
	} else {
		resp, err = e.deps.Provider.Complete(callCtx, req)
	}
	if err != nil {
		return nil, partial.String(), err
	}

	span.SetAttributes(
		otel.AttrTokensInput.Int64(resp.Usage.InputTokens),
		otel.AttrTokensOutput.Int64(resp.Usage.OutputTokens),
	)
	e.trigger(ctx, hooks.EventLLMAfterCall, map[string]any{
		"task_id":       t.ID,
		"duration":      time.Since(start),
		"tokens":        resp.Usage.Total(),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"stop_reason":   string(resp.StopReason),
	})
	return resp, partial.String(), nil
}

// checkInterrupt polls the controller, nil-safe.
func (e *Engine) checkInterrupt() *interrupt.State {
	if e.deps.Interrupts == nil {
		return nil
	}
	return e.deps.Interrupts.Check()
}

// handleInterrupt resets the task to pending, preserving any partial text
// as its result, fires the interrupt hook, and re-arms the controller.
func (e *Engine) handleInterrupt(ctx context.Context, t *task.Task, st *interrupt.State, partial string) (string, error) {
	e.logger.Info("handling interrupt", "task_id", t.ID, "title", t.Title)

	pending := task.StatusPending
	errMsg := "Interrupted by user"
	upd := task.Update{Status: &pending, Error: &errMsg}
	if partial != "" {
		upd.Result = &partial
	}
	if _, err := e.deps.Scheduler.Update(t.ID, upd); err != nil {
		e.logger.Error("failed to reset interrupted task", "task_id", t.ID, "error", err)
	}

	typ := interrupt.TypeNone
	if st != nil {
		typ = st.Type
	}
	e.trigger(ctx, hooks.EventInterrupted, map[string]any{
		"task_id":        t.ID,
		"title":          t.Title,
		"type":           string(typ),
		"partial_result": partial,
	})

	if e.deps.Interrupts != nil {
		e.deps.Interrupts.Reset()
	}
	return "", ErrInterrupted
}

// visibleTools is the tool surface offered to the provider: the explicit
// allow-list for subagent children, otherwise the registry filtered by the
// current mode.
func (e *Engine) visibleTools() []string {
	if e.allowedTools != nil {
		return e.allowedTools
	}
	names := e.deps.Tools.Names()
	if e.deps.Modes != nil {
		return e.deps.Modes.FilterNames(names)
	}
	return names
}

// buildSystemPrompt assembles the system prompt: base instructions, matched
// skills, mode suffix, and progress-tracking guidance.
func (e *Engine) buildSystemPrompt(t *task.Task, visible []string) string {
	var b strings.Builder
	b.WriteString("You are an AI assistant helping with task execution.\n\n")
	b.WriteString("You have access to tools that will be provided via the API. Use them as needed to complete tasks.")

	if e.deps.Skills != nil {
		taskText := t.Description
		if taskText == "" {
			taskText = t.Title
		}
		var instructions string
		if e.skillOverride != "" {
			instructions = e.deps.Skills.Named(e.skillOverride)
		} else {
			instructions = e.deps.Skills.Instructions(taskText, visible)
		}
		if instructions != "" {
			b.WriteString("\n\n")
			b.WriteString(instructions)
		}
	}

	if e.deps.Modes != nil {
		if suffix := e.deps.Modes.PromptSuffix(); suffix != "" {
			b.WriteString("\n")
			b.WriteString(suffix)
		}
	}

	fmt.Fprintf(&b, `

IMPORTANT - Task Progress Tracking:
For complex multi-step tasks, use the 'todo_list' tool to track your progress:
write the list at the start, mark the current step in_progress, mark steps
completed as you finish them. This keeps context across reasoning iterations
(max %d iterations).

IMPORTANT - Task Decomposition:
For work that needs structured execution order, use the 'task_decompose' tool:
create_subtask to break the work down, add_dependency to order subtasks.
Use task_decompose when subtasks should be tracked separately or could fail
independently; use todo_list for progress within a single task.

When the task is complete, provide a clear summary of what was accomplished.
If you need more information from the user, ask clearly and specifically.`, e.cfg.MaxIterations)

	return b.String()
}
