// Command conductor is the autonomous task execution engine: it drains the
// task graph through the reasoning loop, spawning subagents and firing
// lifecycle hooks along the way.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	eventbus "github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/cache"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/cron"
	"github.com/basket/conductor/internal/display"
	"github.com/basket/conductor/internal/doctor"
	"github.com/basket/conductor/internal/engine"
	"github.com/basket/conductor/internal/hooks"
	"github.com/basket/conductor/internal/interrupt"
	"github.com/basket/conductor/internal/modes"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/pricing"
	"github.com/basket/conductor/internal/provider"
	"github.com/basket/conductor/internal/safety"
	"github.com/basket/conductor/internal/skills"
	"github.com/basket/conductor/internal/subagent"
	"github.com/basket/conductor/internal/task"
	"github.com/basket/conductor/internal/telemetry"
	"github.com/basket/conductor/internal/tokenutil"
	"github.com/basket/conductor/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s run                      Drain pending tasks (keeps running when cron
                              schedules are configured)
  %s exec <task text>         Create one task from the arguments and run it
  %s tasks                    List known tasks
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONDUCTOR_HOME          Data directory (default: ~/.conductor)
  CONDUCTOR_MODE          Execution mode override (ask, plan, execute)
  CONDUCTOR_LOG_LEVEL     Log level override
  ANTHROPIC_API_KEY       Required unless set in config.yaml
`)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $CONDUCTOR_HOME/config.yaml)")
	modeFlag := flag.String("mode", "", "execution mode: ask, plan, or execute")
	quiet := flag.Bool("quiet", false, "suppress stdout logs (file logging stays on)")
	noColor := flag.Bool("no-color", false, "disable styled console output")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version":
		fmt.Println("conductor", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.Mode = strings.ToLower(*modeFlag)
	}
	if *quiet {
		cfg.Quiet = true
	}
	if *noColor {
		cfg.Display.Color = string(display.ColorNever)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	os.Exit(dispatch(cmd, args, cfg, logger, *configPath))
}

func dispatch(cmd string, args []string, cfg *config.Config, logger *slog.Logger, configPath string) int {
	// tasks and doctor need only the configuration, not a running engine.
	switch cmd {
	case "tasks":
		return listTasks(cfg, logger)
	case "doctor":
		return runDoctor(cfg, args)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		return 1
	}
	defer a.close(logger)

	go handleSignals(cancel, a.interrupts, a.eventBus)
	go a.console.Run(ctx)

	switch cmd {
	case "run":
		return a.run(ctx, cfg, logger, configPath)
	case "exec":
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			fmt.Fprintln(os.Stderr, "conductor: exec requires task text")
			return 2
		}
		return a.exec(ctx, text)
	default:
		fmt.Fprintf(os.Stderr, "conductor: unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}

// handleSignals turns SIGINT into cooperative interrupts (escalating on
// repeats via the controller) and SIGTERM into a hard stop.
func handleSignals(cancel context.CancelFunc, ic *interrupt.Controller, b *eventbus.Bus) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	for sig := range sigCh {
		if sig == syscall.SIGTERM {
			cancel()
			return
		}
		st := ic.Request(interrupt.TypeSoft, interrupt.ReasonUserRequest, "interrupt requested")
		b.Publish(eventbus.TopicInterruptRequested, eventbus.InterruptEvent{
			Type:    string(st.Type),
			Reason:  string(st.Reason),
			Message: st.Message,
			Count:   st.Count,
		})
		if st.Type == interrupt.TypeHard {
			cancel()
		}
	}
}

// app holds the wired component graph for the run and exec commands.
type app struct {
	scheduler  *task.Scheduler
	store      *persistence.Store
	session    persistence.Session
	eventBus   *eventbus.Bus
	interrupts *interrupt.Controller
	skills     *skills.Registry
	modes      *modes.Manager
	console    *display.Console
	engine     *engine.Engine
	subagents  *subagent.Manager
	cron       *cron.Intake
	costs      *pricing.Hook
	otel       *otel.Provider
	statePath  string
}

// modelName resolves the configured model for cost estimation, matching
// the provider's own fallback.
func modelName(cfg *config.Config) string {
	if cfg.Provider.Model != "" {
		return cfg.Provider.Model
	}
	return "claude-sonnet-4-20250514"
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	otelProvider, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	scheduler := task.NewScheduler(cfg.Scheduler, logger)
	statePath := filepath.Join(cfg.HomeDir, "tasks.json")
	if err := scheduler.LoadState(statePath); err != nil {
		logger.Warn("could not load task state", "path", statePath, "error", err)
	}

	store, err := persistence.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	session, err := store.CreateSession(ctx, "session "+time.Now().Format("2006-01-02 15:04"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	eventBus := eventbus.New()
	interrupts := interrupt.NewController(cfg.Interrupt.SoftLimit, logger)
	modeMgr := modes.NewManager(modes.Mode(cfg.Mode), logger)
	resultCache := cache.New(cfg.Cache, logger)

	hookBus := hooks.NewBus(logger)
	hookBus.Register(hooks.Wildcard, hooks.NewLoggingHook(logger, slog.LevelDebug), 100)
	hookBus.Register(hooks.Wildcard, hooks.NewMetricsHook(metrics), 90)
	sanitizer := safety.NewHook(logger)
	hookBus.Register(hooks.EventTaskStarted, sanitizer, 10)
	hookBus.Register(hooks.EventToolAfterExecute, sanitizer, 10)
	costs := pricing.NewHook(modelName(cfg), logger)
	hookBus.Register(hooks.EventLLMAfterCall, costs, 80)
	hookBus.Register(hooks.EventToolApproval,
		hooks.NewApprovalHook(consoleApprover(), store.Whitelist(session.ID)), 0)
	if cfg.HooksFile != "" {
		if err := hooks.LoadFile(hookBus, cfg.HooksFile, hookFactories(logger, metrics, eventBus)); err != nil {
			store.Close()
			return nil, fmt.Errorf("load hooks file: %w", err)
		}
	}

	skillReg := skills.NewRegistry(cfg.Skills, logger)
	if err := skillReg.Discover(); err != nil {
		logger.Warn("skill discovery incomplete", "error", err)
	}

	client, err := provider.NewAnthropic(cfg.Provider, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	manager := subagent.NewManager(cfg.Subagents, nil, hookBus, logger)

	registry := tools.NewRegistry(logger)
	for _, t := range []tools.Tool{
		tools.FileReadTool{},
		tools.FileWriteTool{},
		tools.FileDeleteTool{},
		tools.NewShellTool(nil, cfg.Engine.ToolTimeout),
		tools.NewWebFetchTool(nil, cfg.Engine.ToolTimeout),
		tools.NewTodoTool(scheduler),
		tools.NewDecomposeTool(scheduler),
		tools.NewSpawnTool(manager, scheduler),
	} {
		if err := registry.Register(t); err != nil {
			store.Close()
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Scheduler:  scheduler,
		Provider:   client,
		Tools:      registry,
		Hooks:      hookBus,
		Interrupts: interrupts,
		Cache:      resultCache,
		Modes:      modeMgr,
		Subagents:  manager,
		Skills:     skillReg,
		Bus:        eventBus,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	manager.SetRunner(eng.SubagentRunner())

	var intake *cron.Intake
	if cfg.Cron.Enabled {
		intake, err = cron.NewIntake(cfg.Cron, scheduler, eventBus, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("cron schedules: %w", err)
		}
	}

	return &app{
		scheduler:  scheduler,
		store:      store,
		session:    session,
		eventBus:   eventBus,
		interrupts: interrupts,
		skills:     skillReg,
		modes:      modeMgr,
		console:    display.NewConsole(os.Stdout, eventBus, display.ColorMode(cfg.Display.Color)),
		engine:     eng,
		subagents:  manager,
		cron:       intake,
		costs:      costs,
		otel:       otelProvider,
		statePath:  statePath,
	}, nil
}

// hookFactories names the hook implementations available to hooks.yaml.
func hookFactories(logger *slog.Logger, m *otel.Metrics, b *eventbus.Bus) map[string]hooks.Factory {
	return map[string]hooks.Factory{
		"logging": func(cfg map[string]any) (hooks.Hook, error) {
			level := slog.LevelDebug
			if v, ok := cfg["level"].(string); ok {
				if err := level.UnmarshalText([]byte(v)); err != nil {
					return nil, fmt.Errorf("bad logging level %q: %w", v, err)
				}
			}
			return hooks.NewLoggingHook(logger, level), nil
		},
		"metrics": func(map[string]any) (hooks.Hook, error) {
			return hooks.NewMetricsHook(m), nil
		},
		"display": func(map[string]any) (hooks.Hook, error) {
			return hooks.NewDisplayHook(b), nil
		},
	}
}

func (a *app) close(logger *slog.Logger) {
	a.subagents.Shutdown()
	if err := a.scheduler.SaveState(a.statePath); err != nil {
		logger.Error("could not save task state", "path", a.statePath, "error", err)
	} else if data, err := os.ReadFile(a.statePath); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.store.SaveTaskSnapshot(ctx, a.session.ID, string(data)); err != nil {
			logger.Warn("could not snapshot task state", "error", err)
		}
		cancel()
	}
	if a.cron != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.cron.Stop(ctx); err != nil {
			logger.Warn("cron stop", "error", err)
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("database close", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.otel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	cancel()
}

// run drains the graph. With cron schedules configured it stays up: new
// tasks fire in over time, and each round picks them up.
func (a *app) run(ctx context.Context, cfg *config.Config, logger *slog.Logger, configPath string) int {
	go a.watchSkills(ctx, logger)
	go a.watchConfig(ctx, cfg, logger, configPath)

	if a.cron != nil {
		if err := a.cron.Start(); err != nil {
			fmt.Fprintln(os.Stderr, "conductor:", err)
			return 1
		}
	}

	summary, err := a.engine.RunPending(ctx)
	fmt.Println(summary)
	if err != nil {
		return 1
	}

	if a.cron == nil {
		a.printSpend()
		return 0
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.printSpend()
			return 0
		case <-ticker.C:
			if a.interrupts.Interrupted() {
				a.interrupts.Reset()
				continue
			}
			if a.scheduler.NextExecutable() == nil {
				continue
			}
			summary, err := a.engine.RunPending(ctx)
			fmt.Println(summary)
			if err != nil {
				return 1
			}
		}
	}
}

// exec creates a single task from the command line and runs it.
func (a *app) exec(ctx context.Context, text string) int {
	t := task.New(text)
	created, err := a.scheduler.Create(t)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		return 1
	}
	if err := a.store.AddMessage(ctx, a.session.ID, "user", text, int64(tokenutil.Estimate(text))); err != nil {
		slog.Warn("could not record message", "error", err)
	}

	err = a.engine.ExecuteTask(ctx, created.ID)
	switch {
	case errors.Is(err, engine.ErrInterrupted):
		fmt.Println("interrupted; task returned to pending")
		return 130
	case err != nil:
		fmt.Fprintln(os.Stderr, "conductor:", err)
		return 1
	}

	done, err := a.scheduler.Get(created.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		return 1
	}
	fmt.Println(done.Result)
	if err := a.store.AddMessage(ctx, a.session.ID, "assistant", done.Result, int64(tokenutil.Estimate(done.Result))); err != nil {
		slog.Warn("could not record message", "error", err)
	}
	a.printSpend()
	return 0
}

func (a *app) printSpend() {
	if calls := a.costs.Calls(); calls > 0 {
		fmt.Printf("estimated spend: $%.4f over %d provider calls\n", a.costs.Total(), calls)
	}
}

func (a *app) watchSkills(ctx context.Context, logger *slog.Logger) {
	w := skills.NewWatcher(a.skills, logger)
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("skill watcher stopped", "error", err)
	}
}

// watchConfig live-reloads the knobs that are safe to change mid-run. Mode
// takes effect on the next tool dispatch; everything else needs a restart.
func (a *app) watchConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, configPath string) {
	path := configPath
	if path == "" {
		path = filepath.Join(cfg.HomeDir, "config.yaml")
	}
	w := config.NewWatcher(path, logger)
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Events():
			fresh, err := config.Load(path)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			if fresh.Mode != string(a.modes.Mode()) {
				a.modes.SetMode(modes.Mode(fresh.Mode))
				logger.Info("mode changed", "mode", fresh.Mode)
			}
		}
	}
}

// listTasks prints the saved task graph without starting the engine.
func listTasks(cfg *config.Config, logger *slog.Logger) int {
	scheduler := task.NewScheduler(cfg.Scheduler, logger)
	statePath := filepath.Join(cfg.HomeDir, "tasks.json")
	if err := scheduler.LoadState(statePath); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		return 1
	}
	all := scheduler.List(task.Filter{})
	if len(all) == 0 {
		fmt.Println("no tasks")
		return 0
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, t := range all {
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("%-8s  %-12s  %-8s  %s\n", id, t.Status, t.Priority, t.Title)
	}
	return 0
}

// runDoctor prints the diagnostic report, as text or JSON.
func runDoctor(cfg *config.Config, args []string) int {
	asJSON := len(args) > 0 && (args[0] == "-json" || args[0] == "--json")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	d := doctor.Run(ctx, cfg, Version)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintln(os.Stderr, "conductor:", err)
			return 1
		}
	} else {
		fmt.Printf("conductor %s on %s/%s (%s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Printf("%-4s  %-10s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("      %-10s %s\n", "", r.Detail)
			}
		}
	}
	if !d.Healthy() {
		return 1
	}
	return 0
}

// consoleApprover prompts on the terminal for tools that require approval.
func consoleApprover() hooks.Approver {
	reader := bufio.NewReader(os.Stdin)
	return hooks.ApproverFunc(func(_ context.Context, tool string, args map[string]any) (hooks.Decision, error) {
		fmt.Fprintf(os.Stderr, "\nallow tool %q? args: %v\n[y]es / [a]lways / [N]o: ", tool, args)
		line, err := reader.ReadString('\n')
		if err != nil {
			return hooks.DecisionDeny, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return hooks.DecisionApprove, nil
		case "a", "always":
			return hooks.DecisionApproveAlways, nil
		default:
			return hooks.DecisionDeny, nil
		}
	})
}
