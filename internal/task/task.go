// Package task implements the task graph: hierarchical tasks with dependency
// edges, executability queries, and completion propagation. The Scheduler owns
// the task arena; everything else requests mutations through it.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends an execution attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders executable tasks. Critical runs before High, and so on.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank maps priorities to sort keys; unknown priorities sort last.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// TodoItem is one checklist entry the agent keeps for its own progress
// bookkeeping. It never affects scheduling.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"` // pending | in_progress | completed
	ActiveForm string `json:"active_form"`
}

// Task is a unit of work in the graph. Hierarchy and dependency relations are
// stored as id references into the Scheduler's arena, never as pointers.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	// Hierarchy
	ParentID string   `json:"parent_id,omitempty"`
	Subtasks []string `json:"subtasks,omitempty"`

	// Dependencies. DependsOn and Blocks are exact inverses of each other.
	DependsOn []string `json:"depends_on,omitempty"`
	Blocks    []string `json:"blocks,omitempty"`

	// Execution context
	AssignedTo    string `json:"assigned_to,omitempty"`
	SkillRequired string `json:"skill_required,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Exactly one of Result or Error is populated once Status is terminal.
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	TodoList []TodoItem `json:"todo_list,omitempty"`
}

// New creates a Pending task with a fresh id.
func New(title string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusPending,
		Priority:  PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy with its own slices so callers cannot mutate the
// scheduler's arena behind its back.
func (t *Task) Clone() *Task {
	c := *t
	c.Subtasks = append([]string(nil), t.Subtasks...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Blocks = append([]string(nil), t.Blocks...)
	c.TodoList = append([]TodoItem(nil), t.TodoList...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
