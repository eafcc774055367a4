package safety

import (
	"context"
	"log/slog"

	"github.com/basket/conductor/internal/hooks"
)

// Hook runs the sanitizer from the hook bus. On task.started it scans the
// task title and description and blocks injected tasks; on
// tool.after_execute it scans tool output and logs warnings (output is
// never blocked, only flagged).
type Hook struct {
	sanitizer *Sanitizer
	logger    *slog.Logger
}

// NewHook builds the sanitizer hook.
func NewHook(logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{sanitizer: NewSanitizer(), logger: logger}
}

func (h *Hook) Name() string { return "sanitizer" }

func (h *Hook) ShouldRun(hc *hooks.Context) bool {
	return hc.Event == hooks.EventTaskStarted || hc.Event == hooks.EventToolAfterExecute
}

func (h *Hook) Execute(_ context.Context, hc *hooks.Context) (hooks.Result, error) {
	switch hc.Event {
	case hooks.EventTaskStarted:
		title, _ := hc.Data["title"].(string)
		description, _ := hc.Data["description"].(string)
		for _, text := range []string{title, description} {
			res := h.sanitizer.Check(text)
			switch res.Action {
			case ActionBlock:
				h.logger.Warn("task text blocked", "reason", res.Reason)
				return hooks.Block(res.Reason), nil
			case ActionWarn:
				h.logger.Warn("suspicious task text", "reason", res.Reason)
			}
		}
	case hooks.EventToolAfterExecute:
		output, _ := hc.Data["output"].(string)
		if res := h.sanitizer.Check(output); res.Action != ActionAllow {
			tool, _ := hc.Data["tool"].(string)
			h.logger.Warn("suspicious tool output",
				"tool", tool, "action", res.Action.String(), "reason", res.Reason)
		}
	}
	return hooks.Continue(), nil
}
