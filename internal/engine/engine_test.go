package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/conductor/internal/cache"
	"github.com/basket/conductor/internal/hooks"
	"github.com/basket/conductor/internal/interrupt"
	"github.com/basket/conductor/internal/provider"
	"github.com/basket/conductor/internal/subagent"
	"github.com/basket/conductor/internal/task"
	"github.com/basket/conductor/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// scriptedClient replays queued responses and records every request.
// onCall, when set, runs before the nth response is returned.
type scriptedClient struct {
	mu     sync.Mutex
	queue  []*provider.Response
	calls  []provider.Request
	onCall func(n int)
	// afterChunk runs after each streamed chunk has been delivered.
	afterChunk func(n int)
}

func (c *scriptedClient) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, req)
	var resp *provider.Response
	if len(c.queue) > 0 {
		resp = c.queue[0]
		c.queue = c.queue[1:]
	}
	hook := c.onCall
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if resp == nil {
		return nil, errors.New("no scripted response")
	}
	return resp, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req provider.Request, onText provider.StreamFunc) (*provider.Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onText != nil {
		for i, word := range strings.Fields(resp.Text()) {
			if err := onText(word + " "); err != nil {
				return nil, err
			}
			if c.afterChunk != nil {
				c.afterChunk(i)
			}
		}
	}
	return resp, nil
}

func (c *scriptedClient) requests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Request(nil), c.calls...)
}

func endTurn(text string) *provider.Response {
	resp := &provider.Response{StopReason: provider.StopEndTurn}
	if text != "" {
		resp.Content = []provider.Block{provider.TextBlock(text)}
	}
	return resp
}

func toolUse(id, name string, input map[string]any, text string) *provider.Response {
	resp := &provider.Response{StopReason: provider.StopToolUse}
	if text != "" {
		resp.Content = append(resp.Content, provider.TextBlock(text))
	}
	resp.Content = append(resp.Content, provider.Block{
		Type:      provider.BlockToolUse,
		ToolID:    id,
		ToolName:  name,
		ToolInput: input,
	})
	return resp
}

// echoTool records its calls and echoes the text argument. It also records
// the task it was bound to before execution.
type echoTool struct {
	mu       sync.Mutex
	calls    []map[string]any
	taskIDs  []string
	approval bool
	fail     bool

	currentTask string
}

func (e *echoTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        "echo",
		Description: "Echo text back.",
		Params: map[string]tools.Param{
			"text": {Type: "string", Description: "Text to echo."},
		},
		Required:         []string{"text"},
		RequiresApproval: e.approval,
	}
}

func (e *echoTool) SetCurrentTask(id string) {
	e.mu.Lock()
	e.currentTask = id
	e.mu.Unlock()
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any) tools.Result {
	e.mu.Lock()
	e.calls = append(e.calls, args)
	e.taskIDs = append(e.taskIDs, e.currentTask)
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return tools.Fail("echo failed")
	}
	return tools.Ok("echo: " + args["text"].(string))
}

func (e *echoTool) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// blockHook blocks a single event with a fixed reason.
type blockHook struct {
	event  string
	reason string
}

func (h *blockHook) Name() string { return "block-" + h.event }

func (h *blockHook) ShouldRun(hc *hooks.Context) bool { return hc.Event == h.event }

func (h *blockHook) Execute(ctx context.Context, hc *hooks.Context) (hooks.Result, error) {
	return hooks.Block(h.reason), nil
}

type fixture struct {
	sched      *task.Scheduler
	client     *scriptedClient
	echo       *echoTool
	hooks      *hooks.Bus
	interrupts *interrupt.Controller
	eng        *Engine
}

func newFixture(t *testing.T, cfg Config, responses ...*provider.Response) *fixture {
	t.Helper()
	logger := discardLogger()

	f := &fixture{
		sched:      task.NewScheduler(task.DefaultLimits(), logger),
		client:     &scriptedClient{queue: responses},
		echo:       &echoTool{},
		hooks:      hooks.NewBus(logger),
		interrupts: interrupt.NewController(0, logger),
	}

	reg := tools.NewRegistry(logger)
	if err := reg.Register(f.echo); err != nil {
		t.Fatalf("Register(echo) error: %v", err)
	}

	eng, err := New(cfg, Deps{
		Scheduler:  f.sched,
		Provider:   f.client,
		Tools:      reg,
		Hooks:      f.hooks,
		Interrupts: f.interrupts,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.eng = eng
	return f
}

func (f *fixture) createTask(t *testing.T, title string) *task.Task {
	t.Helper()
	created, err := f.sched.Create(task.New(title))
	if err != nil {
		t.Fatalf("Create(%q) error: %v", title, err)
	}
	return created
}

func (f *fixture) mustGet(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := f.sched.Get(id)
	if err != nil {
		t.Fatalf("Get(%q) error: %v", id, err)
	}
	return got
}

func TestExecuteTaskEndTurn(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn("All done"))
	tk := f.createTask(t, "say hello")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}

	got := f.mustGet(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusCompleted)
	}
	if got.Result != "All done" {
		t.Fatalf("Result = %q, want %q", got.Result, "All done")
	}
}

func TestExecuteTaskEmptyTextDefaultsResult(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn(""))
	tk := f.createTask(t, "quiet task")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}
	if got := f.mustGet(t, tk.ID); got.Result != "Task completed" {
		t.Fatalf("Result = %q, want %q", got.Result, "Task completed")
	}
}

func TestExecuteTaskToolRound(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{"text": "hi"}, "calling echo"),
		endTurn("finished"))
	tk := f.createTask(t, "use the tool")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}

	if n := f.echo.callCount(); n != 1 {
		t.Fatalf("echo calls = %d, want 1", n)
	}
	if f.echo.taskIDs[0] != tk.ID {
		t.Fatalf("tool bound to task %q, want %q", f.echo.taskIDs[0], tk.ID)
	}

	reqs := f.client.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	if reqs[0].System == "" {
		t.Fatalf("first request has empty system prompt")
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Fatalf("first request tools = %v, want [echo]", reqs[0].Tools)
	}

	// Second request ends with a single user message of tool results.
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != provider.RoleUser {
		t.Fatalf("last message role = %v, want %v", last.Role, provider.RoleUser)
	}
	if len(last.Content) != 1 || last.Content[0].Type != provider.BlockToolResult {
		t.Fatalf("last message content = %+v, want one tool_result block", last.Content)
	}
	res := last.Content[0]
	if res.ToolID != "tu1" || res.ToolResult != "echo: hi" || res.IsError {
		t.Fatalf("tool result = %+v, want id tu1, content %q, no error", res, "echo: hi")
	}

	if got := f.mustGet(t, tk.ID); got.Status != task.StatusCompleted {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusCompleted)
	}
}

func TestToolFailureFedBackAsError(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{"text": "hi"}, ""),
		endTurn("recovered"))
	f.echo.fail = true
	tk := f.createTask(t, "failing tool")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}

	reqs := f.client.requests()
	res := reqs[1].Messages[len(reqs[1].Messages)-1].Content[0]
	if !res.IsError || res.ToolResult != "echo failed" {
		t.Fatalf("tool result = %+v, want error %q", res, "echo failed")
	}
	if got := f.mustGet(t, tk.ID); got.Status != task.StatusCompleted {
		t.Fatalf("Status = %v, want %v (tool failures are conversational)", got.Status, task.StatusCompleted)
	}
}

func TestUnknownToolFedBackAsError(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "teleport", nil, ""),
		endTurn("done"))
	tk := f.createTask(t, "unknown tool")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}
	res := f.client.requests()[1].Messages[len(f.client.requests()[1].Messages)-1].Content[0]
	if !res.IsError || !strings.Contains(res.ToolResult, "unknown tool: teleport") {
		t.Fatalf("tool result = %+v, want unknown-tool error", res)
	}
}

func TestValidationFailureFedBackAsError(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{}, ""),
		endTurn("done"))
	tk := f.createTask(t, "bad args")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}
	if n := f.echo.callCount(); n != 0 {
		t.Fatalf("echo calls = %d, want 0", n)
	}
	res := f.client.requests()[1].Messages[len(f.client.requests()[1].Messages)-1].Content[0]
	if !res.IsError || !strings.Contains(res.ToolResult, "invalid arguments for echo") {
		t.Fatalf("tool result = %+v, want validation error", res)
	}
}

func TestMaxTokensContinuation(t *testing.T) {
	partial := &provider.Response{
		Content:    []provider.Block{provider.TextBlock("partial answer")},
		StopReason: provider.StopMaxTokens,
	}
	f := newFixture(t, DefaultConfig(), partial, endTurn("full answer"))
	tk := f.createTask(t, "long answer")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}

	reqs := f.client.requests()
	msgs := reqs[1].Messages
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleUser || last.Content[0].Text != "Please continue from where you left off." {
		t.Fatalf("continuation message = %+v, want continue prompt", last)
	}
	prev := msgs[len(msgs)-2]
	if prev.Role != provider.RoleAssistant || prev.Content[0].Text != "partial answer" {
		t.Fatalf("assistant message = %+v, want partial answer carried forward", prev)
	}
	if got := f.mustGet(t, tk.ID); got.Result != "full answer" {
		t.Fatalf("Result = %q, want %q", got.Result, "full answer")
	}
}

func TestMaxIterationsExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	f := newFixture(t, cfg,
		toolUse("tu1", "echo", map[string]any{"text": "a"}, ""),
		toolUse("tu2", "echo", map[string]any{"text": "b"}, ""))
	tk := f.createTask(t, "never ends")

	err := f.eng.ExecuteTask(context.Background(), tk.ID)
	if err == nil || !strings.Contains(err.Error(), "exceeded max iterations (2)") {
		t.Fatalf("ExecuteTask() error = %v, want max-iterations error", err)
	}
	got := f.mustGet(t, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusFailed)
	}
	if !strings.Contains(got.Error, "exceeded max iterations") {
		t.Fatalf("task Error = %q, want max-iterations message", got.Error)
	}
}

func TestProviderErrorFailsTask(t *testing.T) {
	f := newFixture(t, DefaultConfig()) // empty queue
	tk := f.createTask(t, "provider down")

	err := f.eng.ExecuteTask(context.Background(), tk.ID)
	if err == nil || !strings.Contains(err.Error(), "provider call") {
		t.Fatalf("ExecuteTask() error = %v, want provider error", err)
	}
	if got := f.mustGet(t, tk.ID); got.Status != task.StatusFailed {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusFailed)
	}
}

func TestInterruptBeforeIteration(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn("never returned"))
	tk := f.createTask(t, "interrupt me")
	f.interrupts.Request(interrupt.TypeSoft, interrupt.ReasonUserRequest, "stop")

	err := f.eng.ExecuteTask(context.Background(), tk.ID)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("ExecuteTask() error = %v, want ErrInterrupted", err)
	}
	got := f.mustGet(t, tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusPending)
	}
	if got.Error != "Interrupted by user" {
		t.Fatalf("task Error = %q, want %q", got.Error, "Interrupted by user")
	}
	if len(f.client.requests()) != 0 {
		t.Fatalf("provider calls = %d, want 0", len(f.client.requests()))
	}
	if f.interrupts.Interrupted() {
		t.Fatalf("controller still interrupted after handling")
	}
}

func TestInterruptBeforeTool(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{"text": "hi"}, "about to call"))
	tk := f.createTask(t, "interrupt before tool")
	f.client.onCall = func(n int) {
		if n == 0 {
			f.interrupts.Request(interrupt.TypeSoft, interrupt.ReasonUserRequest, "stop")
		}
	}

	err := f.eng.ExecuteTask(context.Background(), tk.ID)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("ExecuteTask() error = %v, want ErrInterrupted", err)
	}
	if n := f.echo.callCount(); n != 0 {
		t.Fatalf("echo calls = %d, want 0", n)
	}
	got := f.mustGet(t, tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusPending)
	}
	if got.Result != "about to call" {
		t.Fatalf("partial Result = %q, want %q", got.Result, "about to call")
	}
}

func TestInterruptMidStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streaming = true
	f := newFixture(t, cfg, endTurn("one two three"))
	tk := f.createTask(t, "interrupt mid stream")
	f.client.afterChunk = func(n int) {
		if n == 0 {
			f.interrupts.Request(interrupt.TypeHard, interrupt.ReasonUserRequest, "stop now")
		}
	}

	err := f.eng.ExecuteTask(context.Background(), tk.ID)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("ExecuteTask() error = %v, want ErrInterrupted", err)
	}
	got := f.mustGet(t, tk.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusPending)
	}
	if !strings.Contains(got.Result, "one") {
		t.Fatalf("partial Result = %q, want streamed prefix preserved", got.Result)
	}
}

func TestTaskStartedHookBlocks(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn("never"))
	f.hooks.Register(hooks.EventTaskStarted, &blockHook{event: hooks.EventTaskStarted, reason: "not now"}, 10)
	tk := f.createTask(t, "gated task")

	err := f.eng.ExecuteTask(context.Background(), tk.ID)
	if err == nil || !strings.Contains(err.Error(), "task blocked by hook: not now") {
		t.Fatalf("ExecuteTask() error = %v, want hook block", err)
	}
	if got := f.mustGet(t, tk.ID); got.Status != task.StatusFailed {
		t.Fatalf("Status = %v, want %v", got.Status, task.StatusFailed)
	}
	if len(f.client.requests()) != 0 {
		t.Fatalf("provider calls = %d, want 0", len(f.client.requests()))
	}
}

func TestBeforeExecuteHookBlocksTool(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{"text": "hi"}, ""),
		endTurn("done"))
	f.hooks.Register(hooks.EventToolBeforeExecute, &blockHook{event: hooks.EventToolBeforeExecute, reason: "tool disabled"}, 10)
	tk := f.createTask(t, "blocked tool")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}
	if n := f.echo.callCount(); n != 0 {
		t.Fatalf("echo calls = %d, want 0", n)
	}
	res := f.client.requests()[1].Messages[len(f.client.requests()[1].Messages)-1].Content[0]
	if !res.IsError || res.ToolResult != "tool disabled" {
		t.Fatalf("tool result = %+v, want block reason", res)
	}
}

func TestApprovalDenied(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{"text": "hi"}, ""),
		endTurn("done"))
	f.echo.approval = true
	f.hooks.Register(hooks.EventToolApproval, &blockHook{event: hooks.EventToolApproval, reason: "tool echo denied by user"}, 10)
	tk := f.createTask(t, "needs approval")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}
	if n := f.echo.callCount(); n != 0 {
		t.Fatalf("echo calls = %d, want 0", n)
	}
	res := f.client.requests()[1].Messages[len(f.client.requests()[1].Messages)-1].Content[0]
	if !res.IsError || res.ToolResult != "tool echo denied by user" {
		t.Fatalf("tool result = %+v, want denial", res)
	}
}

func TestCachedToolResultSkipsExecution(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		toolUse("tu1", "echo", map[string]any{"text": "hi"}, ""),
		endTurn("done"))
	c := cache.New(cache.DefaultConfig(), discardLogger())
	f.eng.deps.Cache = c
	args := map[string]any{"text": "hi"}
	c.SetToolResult("echo", args, tools.Ok("cached echo"))
	tk := f.createTask(t, "cached call")

	if err := f.eng.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask() error: %v", err)
	}
	if n := f.echo.callCount(); n != 0 {
		t.Fatalf("echo calls = %d, want 0 (cache hit)", n)
	}
	res := f.client.requests()[1].Messages[len(f.client.requests()[1].Messages)-1].Content[0]
	if res.IsError || res.ToolResult != "cached echo" {
		t.Fatalf("tool result = %+v, want cached output", res)
	}
}

func TestRunPendingDrainsGraph(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn("first"), endTurn("second"))
	a := f.createTask(t, "first task")
	b := f.createTask(t, "second task")
	if err := f.sched.AddDependency(b.ID, a.ID); err != nil {
		t.Fatalf("AddDependency() error: %v", err)
	}

	summary, err := f.eng.RunPending(context.Background())
	if err != nil {
		t.Fatalf("RunPending() error: %v", err)
	}
	want := "Executed 2 tasks successfully. 0 tasks failed. 0 tasks remain pending."
	if summary != want {
		t.Fatalf("summary = %q, want %q", summary, want)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got := f.mustGet(t, id); got.Status != task.StatusCompleted {
			t.Fatalf("task %s Status = %v, want %v", id, got.Status, task.StatusCompleted)
		}
	}
}

func TestRunPendingCountsFailures(t *testing.T) {
	f := newFixture(t, DefaultConfig()) // provider errors on every call
	f.createTask(t, "doomed")

	summary, err := f.eng.RunPending(context.Background())
	if err != nil {
		t.Fatalf("RunPending() error: %v", err)
	}
	want := "Executed 0 tasks successfully. 1 tasks failed. 0 tasks remain pending."
	if summary != want {
		t.Fatalf("summary = %q, want %q", summary, want)
	}
}

func TestRunPendingStopsOnInterrupt(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn("first"))
	f.createTask(t, "one")
	f.createTask(t, "two")
	f.client.onCall = func(n int) {
		// Interrupt during the first task's only provider call; the first
		// task still finishes its turn, the second must never start.
		f.interrupts.Request(interrupt.TypeSoft, interrupt.ReasonUserRequest, "stop")
	}

	summary, err := f.eng.RunPending(context.Background())
	if err != nil {
		t.Fatalf("RunPending() error: %v", err)
	}
	want := "Executed 1 tasks successfully. 0 tasks failed. 1 tasks remain pending."
	if summary != want {
		t.Fatalf("summary = %q, want %q", summary, want)
	}
}

func TestSubagentRunnerExecutesSubtask(t *testing.T) {
	f := newFixture(t, DefaultConfig(), endTurn("child done"))
	parent := f.createTask(t, "parent")
	sub, err := f.sched.CreateSubtask(parent.ID, "child", "child work", task.PriorityMedium)
	if err != nil {
		t.Fatalf("CreateSubtask() error: %v", err)
	}

	mgr := subagent.NewManager(subagent.DefaultConfig(), nil, f.hooks, discardLogger())
	defer mgr.Shutdown()
	mgr.SetRunner(f.eng.SubagentRunner())

	h, err := mgr.Spawn(context.Background(), parent, sub, nil)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	result, err := h.Wait(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if result != "child done" {
		t.Fatalf("Wait() result = %q, want %q", result, "child done")
	}
	if h.Status() != subagent.StatusCompleted {
		t.Fatalf("Status = %v, want %v", h.Status(), subagent.StatusCompleted)
	}
	if got := f.mustGet(t, sub.ID); got.Status != task.StatusCompleted {
		t.Fatalf("subtask Status = %v, want %v", got.Status, task.StatusCompleted)
	}
}
