// Package modes governs which tools the reasoning provider may see and call.
// Ask is read-only, Plan decomposes without executing, Execute has everything
// except decomposition.
package modes

import (
	"log/slog"
	"sync"
)

// Mode is an execution mode.
type Mode string

const (
	ModeAsk     Mode = "ask"
	ModePlan    Mode = "plan"
	ModeExecute Mode = "execute"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAsk || m == ModePlan || m == ModeExecute
}

// Config describes one mode's tool access and prompt steering.
type Config struct {
	Mode        Mode
	Description string
	// AllowedTools is an allow-list; empty means every tool.
	AllowedTools []string
	// BlockedTools is removed in every case, even for Execute.
	BlockedTools []string
	// PromptSuffix is appended to the system prompt while the mode is active.
	PromptSuffix string
}

var configs = map[Mode]Config{
	ModeAsk: {
		Mode:         ModeAsk,
		Description:  "Ask mode - read-only information gathering",
		AllowedTools: []string{"file_read", "web_fetch", "shell", "todo_list"},
		PromptSuffix: `**CURRENT MODE: ASK (Read-Only)**

Answer questions and gather information using the read-only tools: file_read,
web_fetch, shell (information-gathering commands like ls, grep, cat only),
and todo_list for tracking research. Do not modify anything. When the user
asks for changes, describe the approach and suggest switching to EXECUTE mode.`,
	},
	ModePlan: {
		Mode:         ModePlan,
		Description:  "Plan mode - task planning and decomposition",
		AllowedTools: []string{"file_read", "web_fetch", "task_decompose"},
		PromptSuffix: `**CURRENT MODE: PLAN (Planning Only)**

Create structured implementation plans without executing anything. For simple
one-or-two-step tasks, say they are ready for EXECUTE mode. For multi-step
work, use task_decompose to create subtasks with clear dependencies, then
summarize the plan. No file modifications, no shell, no subagents; if you
need to explore the filesystem, ask the user to switch to ASK mode.`,
	},
	ModeExecute: {
		Mode:         ModeExecute,
		Description:  "Execute mode - full capabilities",
		BlockedTools: []string{"task_decompose"},
		PromptSuffix: `**CURRENT MODE: EXECUTE (Full Capabilities)**

Execute tasks completely using the full tool set. Work through pending tasks
in dependency order, track multi-step work with todo_list, and verify results
after critical steps. Decomposition belongs in PLAN mode.`,
	},
}

// ConfigFor returns the static configuration of a mode.
func ConfigFor(m Mode) Config {
	return configs[m]
}

// Manager tracks the active mode. Safe for concurrent reads.
type Manager struct {
	mu     sync.RWMutex
	mode   Mode
	logger *slog.Logger
}

// NewManager starts in the given mode, defaulting to Execute.
func NewManager(initial Mode, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if !initial.Valid() {
		initial = ModeExecute
	}
	return &Manager{mode: initial, logger: logger}
}

// Mode returns the active mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches modes. Unknown modes are ignored.
func (m *Manager) SetMode(mode Mode) {
	if !mode.Valid() {
		m.logger.Warn("ignoring unknown mode", "mode", mode)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == m.mode {
		return
	}
	m.logger.Info("mode switched", "from", m.mode, "to", mode)
	m.mode = mode
}

// IsAllowed reports whether the named tool may run in the active mode.
// The engine checks this both when building the provider's tool list and
// again at dispatch, so a replayed or hallucinated call to a tool outside
// the mode is rejected rather than executed.
func (m *Manager) IsAllowed(tool string) bool {
	cfg := configs[m.Mode()]
	for _, blocked := range cfg.BlockedTools {
		if tool == blocked {
			return false
		}
	}
	if len(cfg.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range cfg.AllowedTools {
		if tool == allowed {
			return true
		}
	}
	return false
}

// FilterNames returns the subset of names permitted in the active mode,
// preserving input order.
func (m *Manager) FilterNames(names []string) []string {
	var out []string
	for _, name := range names {
		if m.IsAllowed(name) {
			out = append(out, name)
		}
	}
	return out
}

// PromptSuffix returns the active mode's system prompt addition.
func (m *Manager) PromptSuffix() string {
	return configs[m.Mode()].PromptSuffix
}
