package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/basket/conductor/internal/task"
)

// DecomposeTool lets the agent break the current task into subtasks and wire
// dependencies between them. Graph invariants (cycles, limits, auto-block)
// are enforced by the scheduler; this tool just reports its errors back as
// failed results.
type DecomposeTool struct {
	mu        sync.Mutex
	scheduler *task.Scheduler
	taskID    string
}

// NewDecomposeTool creates the decomposition tool over the given scheduler.
func NewDecomposeTool(scheduler *task.Scheduler) *DecomposeTool {
	return &DecomposeTool{scheduler: scheduler}
}

// SetCurrentTask points the tool at the task being executed.
func (t *DecomposeTool) SetCurrentTask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taskID = id
}

func (t *DecomposeTool) Definition() Definition {
	return Definition{
		Name:        "task_decompose",
		Description: "Decompose complex tasks into subtasks and manage task dependencies. Use this for multi-step workflows that require structured execution order.",
		Params: map[string]Param{
			"operation":          {Type: "string", Description: "Operation to perform", Enum: []string{"create_subtask", "add_dependency", "remove_dependency", "list_subtasks", "get_task_info"}},
			"title":              {Type: "string", Description: "Title for the new subtask (required for create_subtask)"},
			"description":        {Type: "string", Description: "Description for the new subtask"},
			"priority":           {Type: "string", Description: "Priority for the new subtask", Enum: []string{"critical", "high", "medium", "low"}},
			"task_id":            {Type: "string", Description: "Task to operate on; defaults to the current task"},
			"depends_on_task_id": {Type: "string", Description: "Task the specified task depends on (required for add/remove_dependency)"},
		},
		Required: []string{"operation"},
		Category: "task_management",
	}
}

func (t *DecomposeTool) Execute(_ context.Context, args map[string]any) Result {
	t.mu.Lock()
	currentID := t.taskID
	t.mu.Unlock()
	if currentID == "" {
		return Fail("no current task set")
	}

	targetID := stringArg(args, "task_id")
	if targetID == "" {
		targetID = currentID
	}

	switch stringArg(args, "operation") {
	case "create_subtask":
		title := stringArg(args, "title")
		if title == "" {
			return Fail("title is required for create_subtask")
		}
		priority := task.Priority(stringArg(args, "priority"))
		sub, err := t.scheduler.CreateSubtask(currentID, title, stringArg(args, "description"), priority)
		if err != nil {
			return Fail("%v", err)
		}
		return Result{
			Success: true,
			Output:  fmt.Sprintf("created subtask %s: %s", sub.ID, sub.Title),
			Meta:    map[string]any{"subtask_id": sub.ID},
		}

	case "add_dependency":
		dependsOn := stringArg(args, "depends_on_task_id")
		if dependsOn == "" {
			return Fail("depends_on_task_id is required for add_dependency")
		}
		if err := t.scheduler.AddDependency(targetID, dependsOn); err != nil {
			return Fail("%v", err)
		}
		return Ok(fmt.Sprintf("%s now depends on %s", targetID, dependsOn))

	case "remove_dependency":
		dependsOn := stringArg(args, "depends_on_task_id")
		if dependsOn == "" {
			return Fail("depends_on_task_id is required for remove_dependency")
		}
		if err := t.scheduler.RemoveDependency(targetID, dependsOn); err != nil {
			return Fail("%v", err)
		}
		return Ok(fmt.Sprintf("%s no longer depends on %s", targetID, dependsOn))

	case "list_subtasks":
		view, err := t.scheduler.GetDependencies(targetID)
		if err != nil {
			return Fail("%v", err)
		}
		if len(view.Subtasks) == 0 {
			return Ok("no subtasks")
		}
		var b strings.Builder
		for _, sub := range view.Subtasks {
			fmt.Fprintf(&b, "%s [%s/%s] %s\n", sub.ID, sub.Status, sub.Priority, sub.Title)
		}
		return Ok(b.String())

	case "get_task_info":
		view, err := t.scheduler.GetDependencies(targetID)
		if err != nil {
			return Fail("%v", err)
		}
		target, err := t.scheduler.Get(targetID)
		if err != nil {
			return Fail("%v", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "task %s [%s/%s] %s\n", target.ID, target.Status, target.Priority, target.Title)
		fmt.Fprintf(&b, "depends_on: %s\n", idList(view.DependsOn))
		fmt.Fprintf(&b, "blocks: %s\n", idList(view.Blocks))
		fmt.Fprintf(&b, "subtasks: %s\n", idList(view.Subtasks))
		if view.Parent != nil {
			fmt.Fprintf(&b, "parent: %s\n", view.Parent.ID)
		}
		return Ok(b.String())

	default:
		return Fail("unknown operation %q", stringArg(args, "operation"))
	}
}

func idList(tasks []*task.Task) string {
	if len(tasks) == 0 {
		return "none"
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return strings.Join(ids, ", ")
}
