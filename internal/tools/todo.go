package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/basket/conductor/internal/task"
)

// TodoTool manages the current task's checklist. The engine sets the task
// context before each dispatch; the list itself lives on the Task and
// survives across reasoning iterations.
type TodoTool struct {
	mu        sync.Mutex
	scheduler *task.Scheduler
	taskID    string
}

// NewTodoTool creates the todo tool over the given scheduler.
func NewTodoTool(scheduler *task.Scheduler) *TodoTool {
	return &TodoTool{scheduler: scheduler}
}

// SetCurrentTask points the tool at the task being executed.
func (t *TodoTool) SetCurrentTask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taskID = id
}

func (t *TodoTool) Definition() Definition {
	return Definition{
		Name:        "todo_list",
		Description: "Manage the task TODO list to track progress across reasoning iterations. Operations: write (replace the list), add (append one item), update (change one item's status), list, clear.",
		Params: map[string]Param{
			"operation":   {Type: "string", Description: "Operation to perform", Enum: []string{"write", "add", "update", "list", "clear"}},
			"todos":       {Type: "array", Description: "For write: full list of TODO items, each {content, status, active_form}"},
			"content":     {Type: "string", Description: "For add: TODO item description"},
			"active_form": {Type: "string", Description: "For add: active-voice description, e.g. 'Updating schema'"},
			"index":       {Type: "integer", Description: "For update: 0-based index of the item to update"},
			"status":      {Type: "string", Description: "For update: new status", Enum: []string{"pending", "in_progress", "completed"}},
		},
		Required: []string{"operation"},
		Category: "task_management",
	}
}

func (t *TodoTool) Execute(_ context.Context, args map[string]any) Result {
	t.mu.Lock()
	taskID := t.taskID
	t.mu.Unlock()
	if taskID == "" {
		return Fail("no current task set")
	}

	current, err := t.scheduler.Get(taskID)
	if err != nil {
		return Fail("%v", err)
	}

	switch stringArg(args, "operation") {
	case "write":
		items, err := decodeTodos(args["todos"])
		if err != nil {
			return Fail("%v", err)
		}
		if err := t.store(taskID, items); err != nil {
			return Fail("%v", err)
		}
		return Ok(fmt.Sprintf("todo list replaced (%d items)", len(items)))

	case "add":
		content := stringArg(args, "content")
		if content == "" {
			return Fail("content is required for add")
		}
		activeForm := stringArg(args, "active_form")
		if activeForm == "" {
			activeForm = content
		}
		items := append(current.TodoList, task.TodoItem{
			Content:    content,
			Status:     "pending",
			ActiveForm: activeForm,
		})
		if err := t.store(taskID, items); err != nil {
			return Fail("%v", err)
		}
		return Ok(fmt.Sprintf("added item %d: %s", len(items)-1, content))

	case "update":
		index := intArg(args, "index")
		status := stringArg(args, "status")
		if status == "" {
			return Fail("status is required for update")
		}
		if index < 0 || index >= len(current.TodoList) {
			return Fail("index %d out of range (%d items)", index, len(current.TodoList))
		}
		items := append([]task.TodoItem(nil), current.TodoList...)
		items[index].Status = status
		if err := t.store(taskID, items); err != nil {
			return Fail("%v", err)
		}
		return Ok(fmt.Sprintf("item %d -> %s", index, status))

	case "list":
		return Ok(renderTodos(current.TodoList))

	case "clear":
		if err := t.store(taskID, []task.TodoItem{}); err != nil {
			return Fail("%v", err)
		}
		return Ok("todo list cleared")

	default:
		return Fail("unknown operation %q", stringArg(args, "operation"))
	}
}

func (t *TodoTool) store(taskID string, items []task.TodoItem) error {
	_, err := t.scheduler.Update(taskID, task.Update{TodoList: items})
	return err
}

func decodeTodos(raw any) ([]task.TodoItem, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("todos must be an array")
	}
	items := make([]task.TodoItem, 0, len(list))
	for i, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("todos[%d] must be an object", i)
		}
		item := task.TodoItem{
			Content:    stringArg(m, "content"),
			Status:     stringArg(m, "status"),
			ActiveForm: stringArg(m, "active_form"),
		}
		if item.Content == "" {
			return nil, fmt.Errorf("todos[%d] missing content", i)
		}
		if item.Status == "" {
			item.Status = "pending"
		}
		if item.ActiveForm == "" {
			item.ActiveForm = item.Content
		}
		items = append(items, item)
	}
	return items, nil
}

func renderTodos(items []task.TodoItem) string {
	if len(items) == 0 {
		return "todo list is empty"
	}
	var b strings.Builder
	for i, item := range items {
		marker := " "
		switch item.Status {
		case "completed":
			marker = "x"
		case "in_progress":
			marker = ">"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i, marker, item.Content)
	}
	return b.String()
}
