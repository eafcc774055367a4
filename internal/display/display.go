// Package display renders observational bus events as console output: task
// transitions, loop progress, streamed text, tool calls, and subagent
// lifecycle. It is a passive subscriber and never influences execution.
package display

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	eventbus "github.com/basket/conductor/internal/bus"
)

// ColorMode controls ANSI styling of the output.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto" // style only when writing to a terminal
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

type styles struct {
	dim     lipgloss.Style
	ok      lipgloss.Style
	fail    lipgloss.Style
	tool    lipgloss.Style
	heading lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		s := lipgloss.NewStyle()
		return styles{dim: s, ok: s, fail: s, tool: s, heading: s}
	}
	return styles{
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		heading: lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true),
	}
}

// Console subscribes to the bus and writes one line per event, except
// streamed text which is written inline as it arrives.
type Console struct {
	w      io.Writer
	bus    *eventbus.Bus
	styles styles

	mu        sync.Mutex
	streaming bool // last write was a stream chunk without a newline
}

// NewConsole builds a console sink writing to w. With ColorAuto, styling
// is enabled only when w is a terminal.
func NewConsole(w io.Writer, b *eventbus.Bus, mode ColorMode) *Console {
	color := false
	switch mode {
	case ColorAlways:
		color = true
	case ColorNever:
	default:
		if f, ok := w.(*os.File); ok {
			color = isatty.IsTerminal(f.Fd())
		}
	}
	return &Console{w: w, bus: b, styles: newStyles(color)}
}

// Run consumes bus events until ctx is cancelled.
func (c *Console) Run(ctx context.Context) {
	sub := c.bus.Subscribe("")
	defer c.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			c.Render(ev)
		}
	}
}

// Render writes one event. Exported so tests and synchronous callers can
// drive the console without the bus.
func (c *Console) Render(ev eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Topic {
	case eventbus.TopicStreamToken:
		if p, ok := ev.Payload.(eventbus.StreamTokenEvent); ok {
			fmt.Fprint(c.w, p.Chunk)
			c.streaming = !strings.HasSuffix(p.Chunk, "\n")
		}
		return
	case eventbus.TopicLoopIteration:
		if p, ok := ev.Payload.(eventbus.LoopIterationEvent); ok {
			c.line(c.styles.dim.Render(fmt.Sprintf("  · iteration %d/%d", p.Iteration, p.MaxIterations)))
		}
	case eventbus.TopicTaskStateChanged:
		if p, ok := ev.Payload.(eventbus.TaskStateChangedEvent); ok {
			c.line(c.styles.heading.Render(fmt.Sprintf("▸ %s", p.Title)) +
				c.styles.dim.Render(fmt.Sprintf("  [%s]", shortID(p.TaskID))))
		}
	case eventbus.TopicTaskCompleted:
		if p, ok := ev.Payload.(eventbus.TaskStateChangedEvent); ok {
			c.line(c.styles.ok.Render(fmt.Sprintf("✓ %s", p.Title)))
		}
	case eventbus.TopicTaskFailed:
		if p, ok := ev.Payload.(eventbus.TaskStateChangedEvent); ok {
			c.line(c.styles.fail.Render(fmt.Sprintf("✗ %s", p.Title)))
		}
	case eventbus.TopicTaskUnblocked:
		if p, ok := ev.Payload.(eventbus.TaskStateChangedEvent); ok {
			c.line(c.styles.dim.Render(fmt.Sprintf("  ○ unblocked: %s", p.Title)))
		}
	case eventbus.TopicToolExecuting:
		if p, ok := ev.Payload.(eventbus.ToolEvent); ok {
			c.line(c.styles.tool.Render(fmt.Sprintf("  → %s", p.ToolName)))
		}
	case eventbus.TopicToolDone:
		if p, ok := ev.Payload.(eventbus.ToolEvent); ok && !p.Success {
			c.line(c.styles.fail.Render(fmt.Sprintf("  → %s failed: %s", p.ToolName, p.Error)))
		}
	case eventbus.TopicSubagentSpawned:
		if p, ok := ev.Payload.(eventbus.SubagentEvent); ok {
			c.line(c.styles.dim.Render(fmt.Sprintf("  ⇉ subagent %s started", shortID(p.TaskID))))
		}
	case eventbus.TopicSubagentFinished:
		if p, ok := ev.Payload.(eventbus.SubagentEvent); ok {
			c.line(c.styles.dim.Render(fmt.Sprintf("  ⇉ subagent %s %s", shortID(p.TaskID), p.Status)))
		}
	case eventbus.TopicInterruptRequested:
		if p, ok := ev.Payload.(eventbus.InterruptEvent); ok {
			msg := "interrupt requested"
			if p.Message != "" {
				msg = p.Message
			}
			c.line(c.styles.fail.Render(fmt.Sprintf("‼ %s (%s)", msg, p.Type)))
		}
	}
}

// line terminates any in-flight stream text before writing its own line.
func (c *Console) line(s string) {
	if c.streaming {
		fmt.Fprintln(c.w)
		c.streaming = false
	}
	fmt.Fprintln(c.w, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
