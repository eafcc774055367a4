// Package cron turns configured schedules into scheduler tasks: each entry
// names a 5-field cron spec and a task template, and the intake creates a
// fresh pending task every time the spec fires.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	eventbus "github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/task"
)

// cronParser parses standard 5-field expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is one recurring task template.
type Schedule struct {
	Name        string `yaml:"name"`
	Spec        string `yaml:"spec"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Priority    string `yaml:"priority"` // critical | high | medium | low
}

// Config is the cron intake section.
type Config struct {
	Enabled   bool       `yaml:"enabled"`
	Schedules []Schedule `yaml:"schedules"`
}

// Intake owns the cron runner and feeds the task scheduler.
type Intake struct {
	cfg       Config
	scheduler *task.Scheduler
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	runner  *cronlib.Cron
	entries map[string]cronlib.EntryID
	fired   map[string]int
}

// NewIntake validates every schedule up front so a bad spec fails Start-up
// instead of silently never firing.
func NewIntake(cfg Config, scheduler *task.Scheduler, bus *eventbus.Bus, logger *slog.Logger) (*Intake, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]struct{}, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Name == "" {
			return nil, fmt.Errorf("cron schedule with spec %q has no name", s.Spec)
		}
		if _, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("duplicate cron schedule name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Title == "" {
			return nil, fmt.Errorf("cron schedule %q has no title", s.Name)
		}
		if _, err := cronParser.Parse(s.Spec); err != nil {
			return nil, fmt.Errorf("cron schedule %q: invalid spec %q: %w", s.Name, s.Spec, err)
		}
		switch s.Priority {
		case "", "critical", "high", "medium", "low":
		default:
			return nil, fmt.Errorf("cron schedule %q: invalid priority %q", s.Name, s.Priority)
		}
	}
	return &Intake{
		cfg:       cfg,
		scheduler: scheduler,
		bus:       bus,
		logger:    logger,
		entries:   make(map[string]cronlib.EntryID),
		fired:     make(map[string]int),
	}, nil
}

// Start registers every schedule and begins the runner. A disabled config
// is a no-op.
func (i *Intake) Start() error {
	if !i.cfg.Enabled {
		i.logger.Info("cron intake disabled")
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.runner != nil {
		return nil
	}
	i.runner = cronlib.New(cronlib.WithParser(cronParser))
	for _, s := range i.cfg.Schedules {
		sched := s
		id, err := i.runner.AddFunc(sched.Spec, func() { i.fire(sched) })
		if err != nil {
			return fmt.Errorf("register schedule %q: %w", sched.Name, err)
		}
		i.entries[sched.Name] = id
		i.logger.Info("cron schedule registered", "name", sched.Name, "spec", sched.Spec)
	}
	i.runner.Start()
	return nil
}

// Stop halts the runner and waits for in-flight fires to finish.
func (i *Intake) Stop(ctx context.Context) error {
	i.mu.Lock()
	runner := i.runner
	i.runner = nil
	i.mu.Unlock()
	if runner == nil {
		return nil
	}
	done := runner.Stop()
	select {
	case <-done.Done():
		i.logger.Info("cron intake stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire creates the schedule's task immediately, outside its cron cadence.
func (i *Intake) Fire(name string) (*task.Task, error) {
	for _, s := range i.cfg.Schedules {
		if s.Name == name {
			return i.fire(s)
		}
	}
	return nil, fmt.Errorf("unknown cron schedule %q", name)
}

func (i *Intake) fire(s Schedule) (*task.Task, error) {
	t := task.New(s.Title)
	t.Description = s.Description
	if s.Priority != "" {
		t.Priority = task.Priority(s.Priority)
	}

	created, err := i.scheduler.Create(t)
	if err != nil {
		i.logger.Error("cron fire failed", "schedule", s.Name, "error", err)
		return nil, err
	}

	i.mu.Lock()
	i.fired[s.Name]++
	i.mu.Unlock()

	if i.bus != nil {
		i.bus.Publish(eventbus.TopicTaskStateChanged, eventbus.TaskStateChangedEvent{
			TaskID:    created.ID,
			Title:     created.Title,
			NewStatus: string(created.Status),
		})
	}
	i.logger.Info("cron schedule fired", "schedule", s.Name, "task_id", created.ID)
	return created, nil
}

// FireCount reports how many times the named schedule has created a task.
func (i *Intake) FireCount(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fired[name]
}

// NextRun returns the next time the spec fires after the given time.
func NextRun(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
