package pricing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/conductor/internal/hooks"
)

// Hook accumulates estimated spend across provider calls. Register it on
// llm.after_call.
type Hook struct {
	model  string
	logger *slog.Logger

	mu    sync.Mutex
	total float64
	calls int
}

// NewHook builds a cost-tracking hook for the given model.
func NewHook(model string, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{model: model, logger: logger}
}

func (h *Hook) Name() string { return "cost" }

func (h *Hook) ShouldRun(hc *hooks.Context) bool {
	return hc.Event == hooks.EventLLMAfterCall
}

func (h *Hook) Execute(_ context.Context, hc *hooks.Context) (hooks.Result, error) {
	input, _ := hc.Data["input_tokens"].(int64)
	output, _ := hc.Data["output_tokens"].(int64)
	cost := EstimateCost(h.model, input, output)

	h.mu.Lock()
	h.total += cost
	h.calls++
	total := h.total
	h.mu.Unlock()

	h.logger.Debug("provider call cost",
		"model", h.model, "input_tokens", input, "output_tokens", output,
		"cost_usd", cost, "total_usd", total)
	return hooks.Continue(), nil
}

// Total returns the accumulated estimated spend in USD.
func (h *Hook) Total() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Calls returns how many provider calls were costed.
func (h *Hook) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
