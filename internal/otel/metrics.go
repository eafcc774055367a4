package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all conductor metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	InterruptsTotal  metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	LoopIterations   metric.Int64Counter
	SubagentsActive  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("conductor.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("conductor.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("conductor.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("conductor.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.InterruptsTotal, err = meter.Int64Counter("conductor.interrupts",
		metric.WithDescription("Interrupt requests observed by the engine"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("conductor.cache.hits",
		metric.WithDescription("Tool result cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("conductor.cache.misses",
		metric.WithDescription("Tool result cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Counter("conductor.loop.iterations",
		metric.WithDescription("Reasoning loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.SubagentsActive, err = meter.Int64UpDownCounter("conductor.subagents.active",
		metric.WithDescription("Number of currently running subagents"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
