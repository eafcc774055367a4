package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskUnblocked    = "task.unblocked"
)

// Reasoning loop topics.
const (
	TopicLoopIteration = "loop.iteration"
	TopicStreamToken   = "stream.token"
)

// Tool execution topics.
const (
	TopicToolExecuting = "tool.executing"
	TopicToolDone      = "tool.done"
)

// Subagent lifecycle topics.
const (
	TopicSubagentSpawned  = "subagent.spawned"
	TopicSubagentFinished = "subagent.finished"
)

// Interrupt topic.
const (
	TopicInterruptRequested = "interrupt.requested"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	Title     string // Task title
	OldStatus string // Previous status (e.g. pending)
	NewStatus string // New status (e.g. in_progress)
}

// LoopIterationEvent is published at the start of each reasoning iteration.
type LoopIterationEvent struct {
	TaskID        string
	Iteration     int
	MaxIterations int
}

// StreamTokenEvent carries a streamed text chunk from the provider.
type StreamTokenEvent struct {
	TaskID string
	Chunk  string
}

// ToolEvent is published around tool execution.
type ToolEvent struct {
	TaskID   string
	ToolName string
	Success  bool   // set on tool.done
	Error    string // set on tool.done for failures
}

// SubagentEvent is published on subagent spawn and terminal transitions.
type SubagentEvent struct {
	TaskID       string // subtask ID the subagent runs
	ParentTaskID string
	Status       string // terminal status on subagent.finished
}

// InterruptEvent is published when an interrupt is requested.
type InterruptEvent struct {
	Type    string
	Reason  string
	Message string
	Count   int
}
