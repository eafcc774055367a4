package display

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	eventbus "github.com/basket/conductor/internal/bus"
)

func render(t *testing.T, topic string, payload any) string {
	t.Helper()
	var buf bytes.Buffer
	c := NewConsole(&buf, eventbus.New(), ColorNever)
	c.Render(eventbus.Event{Topic: topic, Payload: payload})
	return buf.String()
}

func TestRenderTaskLifecycle(t *testing.T) {
	out := render(t, eventbus.TopicTaskStateChanged, eventbus.TaskStateChangedEvent{
		TaskID: "0123456789abcdef", Title: "Ship release", NewStatus: "in_progress",
	})
	if !strings.Contains(out, "Ship release") || !strings.Contains(out, "[01234567]") {
		t.Fatalf("state change output = %q, want title and short id", out)
	}

	out = render(t, eventbus.TopicTaskCompleted, eventbus.TaskStateChangedEvent{Title: "Ship release"})
	if !strings.Contains(out, "✓ Ship release") {
		t.Fatalf("completed output = %q, want checkmark line", out)
	}

	out = render(t, eventbus.TopicTaskFailed, eventbus.TaskStateChangedEvent{Title: "Ship release"})
	if !strings.Contains(out, "✗ Ship release") {
		t.Fatalf("failed output = %q, want cross line", out)
	}
}

func TestRenderToolEvents(t *testing.T) {
	out := render(t, eventbus.TopicToolExecuting, eventbus.ToolEvent{ToolName: "shell"})
	if !strings.Contains(out, "→ shell") {
		t.Fatalf("executing output = %q, want tool name", out)
	}

	// Successful completion is silent; failures are not.
	out = render(t, eventbus.TopicToolDone, eventbus.ToolEvent{ToolName: "shell", Success: true})
	if out != "" {
		t.Fatalf("successful tool.done output = %q, want empty", out)
	}
	out = render(t, eventbus.TopicToolDone, eventbus.ToolEvent{ToolName: "shell", Error: "timeout"})
	if !strings.Contains(out, "shell failed: timeout") {
		t.Fatalf("failed tool.done output = %q, want failure line", out)
	}
}

func TestStreamChunksInlineThenNewlineBeforeLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, eventbus.New(), ColorNever)

	c.Render(eventbus.Event{Topic: eventbus.TopicStreamToken, Payload: eventbus.StreamTokenEvent{Chunk: "hello "}})
	c.Render(eventbus.Event{Topic: eventbus.TopicStreamToken, Payload: eventbus.StreamTokenEvent{Chunk: "world"}})
	c.Render(eventbus.Event{Topic: eventbus.TopicTaskCompleted, Payload: eventbus.TaskStateChangedEvent{Title: "t"}})

	got := buf.String()
	if !strings.HasPrefix(got, "hello world\n") {
		t.Fatalf("output = %q, want stream text terminated before the status line", got)
	}
	if !strings.Contains(got, "✓ t\n") {
		t.Fatalf("output = %q, want completion line after stream", got)
	}
}

func TestRenderUnknownPayloadIgnored(t *testing.T) {
	out := render(t, eventbus.TopicTaskCompleted, "not an event struct")
	if out != "" {
		t.Fatalf("output = %q, want empty for mismatched payload", out)
	}
}

func TestRunConsumesBusEvents(t *testing.T) {
	var buf bytes.Buffer
	b := eventbus.New()
	c := NewConsole(&buf, b, ColorNever)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Wait for the subscription before publishing.
	for i := 0; i < 100 && b.SubscriberCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	b.Publish(eventbus.TopicTaskCompleted, eventbus.TaskStateChangedEvent{Title: "bused"})

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := buf.String()
		c.mu.Unlock()
		if strings.Contains(got, "✓ bused") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("output = %q, want completion line from bus event", got)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
