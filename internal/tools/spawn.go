package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/conductor/internal/subagent"
	"github.com/basket/conductor/internal/task"
)

// SpawnTool delegates subtasks to isolated subagents. Spawning is
// non-blocking; the agent polls with get_status or blocks with wait.
type SpawnTool struct {
	mu        sync.Mutex
	manager   *subagent.Manager
	scheduler *task.Scheduler
	taskID    string
}

// NewSpawnTool creates the subagent tool over the given manager and
// scheduler.
func NewSpawnTool(manager *subagent.Manager, scheduler *task.Scheduler) *SpawnTool {
	return &SpawnTool{manager: manager, scheduler: scheduler}
}

// SetCurrentTask points the tool at the task being executed.
func (t *SpawnTool) SetCurrentTask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taskID = id
}

func (t *SpawnTool) Definition() Definition {
	return Definition{
		Name:        "subagent_spawn",
		Description: "Spawn isolated subagents to execute subtasks in parallel within resource budgets. Spawn returns immediately; use wait or get_status to collect results.",
		Params: map[string]Param{
			"operation":       {Type: "string", Description: "Operation to perform", Enum: []string{"spawn", "wait", "list_active", "get_status"}},
			"subtask_id":      {Type: "string", Description: "Subtask to delegate (required for spawn, wait, get_status)"},
			"max_tokens":      {Type: "integer", Description: "Token budget for the subagent's LLM calls"},
			"timeout_seconds": {Type: "integer", Description: "Wall-clock limit for the subagent; for wait, how long to block"},
			"max_iterations":  {Type: "integer", Description: "Reasoning loop iteration limit for the subagent"},
			"allowed_tools":   {Type: "array", Description: "Tool names the subagent may use"},
			"skill":           {Type: "string", Description: "Skill to load into the subagent"},
		},
		Required: []string{"operation"},
		Category: "task_management",
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) Result {
	switch stringArg(args, "operation") {
	case "spawn":
		return t.spawn(ctx, args)
	case "wait":
		return t.wait(ctx, args)
	case "list_active":
		return t.listActive()
	case "get_status":
		return t.getStatus(args)
	default:
		return Fail("unknown operation %q", stringArg(args, "operation"))
	}
}

func (t *SpawnTool) spawn(ctx context.Context, args map[string]any) Result {
	t.mu.Lock()
	currentID := t.taskID
	t.mu.Unlock()
	if currentID == "" {
		return Fail("no current task set")
	}

	subtaskID := stringArg(args, "subtask_id")
	if subtaskID == "" {
		return Fail("subtask_id is required for spawn")
	}

	parent, err := t.scheduler.Get(currentID)
	if err != nil {
		return Fail("current task: %v", err)
	}
	subtask, err := t.scheduler.Get(subtaskID)
	if err != nil {
		return Fail("subtask: %v", err)
	}

	constraints := decodeConstraints(args)
	handle, err := t.manager.Spawn(ctx, parent, subtask, constraints)
	if err != nil {
		return Fail("%v", err)
	}
	return Result{
		Success: true,
		Output:  fmt.Sprintf("spawned subagent for %s: %s", subtask.ID, subtask.Title),
		Meta:    map[string]any{"subtask_id": handle.TaskID(), "status": string(handle.Status())},
	}
}

func (t *SpawnTool) wait(ctx context.Context, args map[string]any) Result {
	subtaskID := stringArg(args, "subtask_id")
	if subtaskID == "" {
		return Fail("subtask_id is required for wait")
	}
	timeout := time.Duration(intArg(args, "timeout_seconds")) * time.Second
	result, err := t.manager.Wait(ctx, subtaskID, timeout)
	if err != nil {
		return Fail("%v", err)
	}
	return Ok(result)
}

func (t *SpawnTool) listActive() Result {
	handles := t.manager.ListActive()
	if len(handles) == 0 {
		return Ok("no active subagents")
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].TaskID() < handles[j].TaskID() })
	var b strings.Builder
	fmt.Fprintf(&b, "%d active subagent(s):\n", len(handles))
	for _, h := range handles {
		fmt.Fprintf(&b, "- %s: %s\n", h.TaskID(), h.Status())
	}
	return Ok(strings.TrimRight(b.String(), "\n"))
}

func (t *SpawnTool) getStatus(args map[string]any) Result {
	subtaskID := stringArg(args, "subtask_id")
	if subtaskID == "" {
		return Fail("subtask_id is required for get_status")
	}
	h, ok := t.manager.Handle(subtaskID)
	if !ok {
		return Fail("no subagent for task %s", subtaskID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "subagent %s: %s", h.TaskID(), h.Status())
	if r := h.Result(); r != "" {
		fmt.Fprintf(&b, "\nresult: %s", r)
	}
	if e := h.Err(); e != "" {
		fmt.Fprintf(&b, "\nerror: %s", e)
	}
	return Result{
		Success: true,
		Output:  b.String(),
		Meta:    map[string]any{"status": string(h.Status())},
	}
}

var (
	_ Tool = (*TodoTool)(nil)
	_ Tool = (*DecomposeTool)(nil)
	_ Tool = (*SpawnTool)(nil)
)

// decodeConstraints builds constraint overrides from the call arguments,
// returning nil when nothing was specified so the manager defaults apply.
func decodeConstraints(args map[string]any) *subagent.Constraints {
	c := subagent.Constraints{
		MaxTokens:      intArg(args, "max_tokens"),
		TimeoutSeconds: intArg(args, "timeout_seconds"),
		MaxIterations:  intArg(args, "max_iterations"),
		Skill:          stringArg(args, "skill"),
	}
	if raw, ok := args["allowed_tools"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				c.AllowedTools = append(c.AllowedTools, s)
			}
		}
	}
	if c.MaxTokens == 0 && c.TimeoutSeconds == 0 && c.MaxIterations == 0 &&
		c.Skill == "" && len(c.AllowedTools) == 0 {
		return nil
	}
	return &c
}
