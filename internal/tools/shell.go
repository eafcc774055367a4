package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/conductor/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024
)

// denyList contains commands that are never executed.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// Executor runs shell commands. Swappable for tests.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands on the local host.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	exitCode := 0
	var err error
	if runErr := execCmd.Run(); runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// ShellTool executes shell commands with a deny-list, per-call timeout,
// output truncation, and secret redaction.
type ShellTool struct {
	executor Executor
	timeout  time.Duration
}

// NewShellTool creates the shell tool. A nil executor runs on the host;
// a zero timeout uses the default.
func NewShellTool(executor Executor, timeout time.Duration) *ShellTool {
	if executor == nil {
		executor = &HostExecutor{}
	}
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}
	return &ShellTool{executor: executor, timeout: timeout}
}

func (t *ShellTool) Definition() Definition {
	return Definition{
		Name:        "shell",
		Description: "Execute a shell command and return its output. Destructive commands (rm, sudo, kill, etc.) are blocked. Output is truncated to 8KB and secrets are redacted.",
		Params: map[string]Param{
			"command":     {Type: "string", Description: "The shell command to execute"},
			"working_dir": {Type: "string", Description: "Working directory for the command"},
		},
		Required:         []string{"command"},
		RequiresApproval: true,
		Timeout:          t.timeout,
		Category:         "system",
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) Result {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Fail("empty command")
	}

	// Block injection vectors outright.
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(command, op) {
			return Fail("command contains disallowed operator %q", op)
		}
	}
	// Pipes and logical operators are allowed; every segment is checked
	// against the deny-list.
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return Fail("command %q is on the deny list", tok)
			}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := t.executor.Exec(execCtx, command, stringArg(args, "working_dir"))
	if execCtx.Err() == context.DeadlineExceeded {
		return Fail("command timed out after %s", t.timeout)
	}
	if err != nil {
		return Fail("exec: %v", err)
	}

	out := shared.Redact(truncate(stdout, maxShellOutput))
	errOut := shared.Redact(truncate(stderr, maxShellOutput))

	if exitCode != 0 {
		result := Fail("exit code %d", exitCode)
		result.Output = out
		if errOut != "" {
			result.Error = result.Error + ": " + errOut
		}
		return result
	}
	if errOut != "" {
		out = out + "\n[stderr]\n" + errOut
	}
	return Ok(out)
}

// splitCommandSegments splits at pipe and logical operators so each segment
// can be checked against the deny-list.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
