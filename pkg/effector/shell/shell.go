// Package shell implements the shell capability: allowlisted command
// execution under the sandbox roots with bounded output and wall-clock
// timeout.
package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
)

const (
	// execTimeout is the hard wall-clock limit for a spawned command.
	execTimeout = 30 * time.Second

	// maxCaptureBytes caps each captured stream.
	maxCaptureBytes = 1 << 20

	// maxOutputChars caps the combined output recorded in the step result.
	maxOutputChars = 1000
)

// safeModeBaseline is the read-only command set permitted while safe mode is
// on, matched against the basename of the command.
var safeModeBaseline = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true,
	"echo": true, "pwd": true, "whoami": true, "date": true,
}

var opSchemas = map[string]string{
	"run": `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"args": {"type": "array", "items": {"type": "string"}},
			"cwd": {"type": "string"}
		},
		"required": ["command"]
	}`,
}

// Effector is the shell capability plugin.
type Effector struct {
	schemas *effector.SchemaSet
}

// New compiles the operation schemas and returns the effector.
func New() (*Effector, error) {
	schemas, err := effector.CompileSchemas(string(contracts.CapShell), opSchemas)
	if err != nil {
		return nil, err
	}
	return &Effector{schemas: schemas}, nil
}

func (e *Effector) Type() contracts.CapabilityType { return contracts.CapShell }

// DefaultConfig seeds a newly enabled shell capability.
func (e *Effector) DefaultConfig() map[string]any {
	return map[string]any{"timeoutMs": int(execTimeout / time.Millisecond)}
}

// ValidateRequest validates params and applies defaults: args defaults to
// empty, cwd to the process working directory.
func (e *Effector) ValidateRequest(operation string, params map[string]any) (map[string]any, error) {
	if err := e.schemas.Validate(operation, params); err != nil {
		return nil, err
	}

	normalized := make(map[string]any, len(params))
	for k, v := range params {
		normalized[k] = v
	}
	if _, ok := normalized["args"]; !ok {
		normalized["args"] = []any{}
	}
	if cwd, _ := normalized["cwd"].(string); cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		normalized["cwd"] = wd
	}
	return normalized, nil
}

// DryRun emits a single SHELL_RUN step. Policy violations (cwd outside the
// roots, command off the allowlist, safe-mode baseline miss) surface as flags
// on the step; no process is spawned.
func (e *Effector) DryRun(_ context.Context, ec effector.ExecContext, operation string, params map[string]any) ([]contracts.PlanStep, error) {
	if operation != "run" {
		return nil, effector.NewValidationError(fmt.Sprintf("unknown shell operation %q", operation))
	}

	command, _ := params["command"].(string)
	args := stringSlice(params["args"])
	cwd, _ := params["cwd"].(string)
	fullCmd := FullCommand(command, args)

	step := contracts.PlanStep{
		StepID:      uuid.New().String(),
		Type:        contracts.StepShellRun,
		Description: "run " + fullCmd,
		Inputs: map[string]any{
			"command": command,
			"args":    args,
			"cwd":     cwd,
		},
		RiskFlags: []string{},
	}

	if !effector.IsPathAllowed(cwd, ec.AllowedRoots) {
		step.RiskFlags = append(step.RiskFlags, contracts.FlagPathDenied)
		step.Description = fmt.Sprintf("run %s (cwd outside allowed roots)", fullCmd)
		return []contracts.PlanStep{step}, nil
	}

	if !matchesAllowlist(fullCmd, ec.ShellAllowlist) {
		step.RiskFlags = append(step.RiskFlags,
			contracts.FlagCommandNotAllowed, contracts.FlagWouldBeBlocked)
	}
	if ec.SafeMode && !safeModeBaseline[filepath.Base(command)] {
		step.RiskFlags = append(step.RiskFlags, contracts.FlagBlockedBySafeMode)
	}
	return []contracts.PlanStep{step}, nil
}

// Execute re-checks the allowlist and safe-mode policy per step, then spawns
// the subprocess with the wall-clock timeout and capped stream capture.
func (e *Effector) Execute(ctx context.Context, ec effector.ExecContext, steps []contracts.PlanStep) []contracts.StepResult {
	results := make([]contracts.StepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, e.executeStep(ctx, ec, step))
	}
	return results
}

func (e *Effector) executeStep(ctx context.Context, ec effector.ExecContext, step contracts.PlanStep) contracts.StepResult {
	res := contracts.StepResult{StepID: step.StepID, Timestamp: time.Now().UTC()}

	command, _ := step.Inputs["command"].(string)
	args := stringSlice(step.Inputs["args"])
	cwd, _ := step.Inputs["cwd"].(string)
	fullCmd := FullCommand(command, args)

	// Policy is enforced again at execution time so an approval cannot
	// outrun a tightened allowlist or a freshly flipped kill switch.
	if !effector.IsPathAllowed(cwd, ec.AllowedRoots) {
		res.Status = contracts.ResultBlocked
		res.Error = "cwd outside allowed roots"
		return res
	}
	if !matchesAllowlist(fullCmd, ec.ShellAllowlist) {
		res.Status = contracts.ResultBlocked
		res.Error = fmt.Sprintf("command %q not in shell allowlist", fullCmd)
		return res
	}
	if ec.SafeMode && !safeModeBaseline[filepath.Base(command)] {
		res.Status = contracts.ResultBlocked
		res.Error = "command blocked by safe mode"
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so children do not outlive the timeout.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := newCappedBuffer(maxCaptureBytes)
	stderr := newCappedBuffer(maxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Output = truncate(strings.TrimSpace(res.Stdout), maxOutputChars)

	if err != nil {
		res.Status = contracts.ResultFailed
		if runCtx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("command timed out after %s", execTimeout)
		} else {
			res.Error = err.Error()
		}
		return res
	}
	res.Status = contracts.ResultSuccess
	return res
}

// FullCommand joins command and args the way the allowlist and the risk
// scorer see them.
func FullCommand(command string, args []string) string {
	return strings.TrimSpace(strings.Join(append([]string{command}, args...), " "))
}

// matchesAllowlist reports whether any allowlist pattern matches fullCmd.
// Invalid patterns are skipped: a broken pattern must not widen the gate.
func matchesAllowlist(fullCmd string, patterns []string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(fullCmd) {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
