// Package fs implements the filesystem capability: read, write, delete,
// list and move, confined to the configured allowed roots.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
)

const (
	// maxOutputChars caps the content captured into step results and
	// read previews.
	maxOutputChars = 1000

	// maxPreviewChars caps the dry-run preview of content to be written.
	maxPreviewChars = 500
)

var opSchemas = map[string]string{
	"read": `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"]
	}`,
	"list": `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"]
	}`,
	"delete": `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"]
	}`,
	"write": `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`,
	"move": `{
		"type": "object",
		"properties": {
			"from": {"type": "string", "minLength": 1},
			"to": {"type": "string", "minLength": 1}
		},
		"required": ["from", "to"]
	}`,
}

var opStepTypes = map[string]contracts.StepType{
	"read":   contracts.StepFSRead,
	"write":  contracts.StepFSWrite,
	"delete": contracts.StepFSDelete,
	"list":   contracts.StepFSList,
	"move":   contracts.StepFSMove,
}

// destructive step types are blocked while safe mode is on.
var destructive = map[contracts.StepType]bool{
	contracts.StepFSWrite:  true,
	contracts.StepFSDelete: true,
	contracts.StepFSMove:   true,
}

// Effector is the filesystem capability plugin.
type Effector struct {
	schemas *effector.SchemaSet
}

// New compiles the operation schemas and returns the effector.
func New() (*Effector, error) {
	schemas, err := effector.CompileSchemas(string(contracts.CapFilesystem), opSchemas)
	if err != nil {
		return nil, err
	}
	return &Effector{schemas: schemas}, nil
}

func (e *Effector) Type() contracts.CapabilityType { return contracts.CapFilesystem }

// DefaultConfig seeds a newly enabled filesystem capability.
func (e *Effector) DefaultConfig() map[string]any {
	return map[string]any{"maxReadBytes": 1 << 20}
}

// ValidateRequest checks the operation and params against the per-operation
// schema and returns the normalized parameter map.
func (e *Effector) ValidateRequest(operation string, params map[string]any) (map[string]any, error) {
	if err := e.schemas.Validate(operation, params); err != nil {
		return nil, err
	}
	normalized := make(map[string]any, len(params))
	for k, v := range params {
		normalized[k] = v
	}
	return normalized, nil
}

// DryRun expands the request into steps without touching the filesystem,
// except for reading existing content to build a write diff and counting
// entries for directory deletes.
func (e *Effector) DryRun(_ context.Context, ec effector.ExecContext, operation string, params map[string]any) ([]contracts.PlanStep, error) {
	stepType, ok := opStepTypes[operation]
	if !ok {
		return nil, effector.NewValidationError(fmt.Sprintf("unknown filesystem operation %q", operation))
	}

	if operation == "move" {
		return e.dryRunMove(ec, params)
	}

	path, _ := params["path"].(string)
	abs, denied := resolveGated(path, ec.AllowedRoots)
	step := contracts.PlanStep{
		StepID:      uuid.New().String(),
		Type:        stepType,
		Description: fmt.Sprintf("%s %s", operation, abs),
		Inputs:      map[string]any{"path": abs},
		RiskFlags:   []string{},
	}
	if denied {
		step.RiskFlags = append(step.RiskFlags, contracts.FlagPathDenied)
		step.Description = fmt.Sprintf("%s %s (outside allowed roots)", operation, abs)
		return []contracts.PlanStep{step}, nil
	}

	switch operation {
	case "write":
		content, _ := params["content"].(string)
		step.Inputs["content"] = content
		step.Preview = truncate(content, maxPreviewChars)
		step.Diff = unifiedDiff(abs, content)
	case "delete":
		step.Inputs["fileCount"] = countEntries(abs)
	}

	if ec.SafeMode && destructive[stepType] {
		step.RiskFlags = append(step.RiskFlags, contracts.FlagBlockedBySafeMode)
	}
	return []contracts.PlanStep{step}, nil
}

func (e *Effector) dryRunMove(ec effector.ExecContext, params map[string]any) ([]contracts.PlanStep, error) {
	from, _ := params["from"].(string)
	to, _ := params["to"].(string)
	fromAbs, fromDenied := resolveGated(from, ec.AllowedRoots)
	toAbs, toDenied := resolveGated(to, ec.AllowedRoots)

	step := contracts.PlanStep{
		StepID:      uuid.New().String(),
		Type:        contracts.StepFSMove,
		Description: fmt.Sprintf("move %s to %s", fromAbs, toAbs),
		Inputs:      map[string]any{"from": fromAbs, "to": toAbs},
		RiskFlags:   []string{},
	}
	if fromDenied || toDenied {
		step.RiskFlags = append(step.RiskFlags, contracts.FlagPathDenied)
		step.Description = fmt.Sprintf("move %s to %s (outside allowed roots)", fromAbs, toAbs)
		return []contracts.PlanStep{step}, nil
	}
	if ec.SafeMode {
		step.RiskFlags = append(step.RiskFlags, contracts.FlagBlockedBySafeMode)
	}
	return []contracts.PlanStep{step}, nil
}

// Execute runs approved steps. Policy is re-checked per step at execution
// time: denied paths and safe-mode destructive steps report blocked without
// any filesystem I/O.
func (e *Effector) Execute(_ context.Context, ec effector.ExecContext, steps []contracts.PlanStep) []contracts.StepResult {
	results := make([]contracts.StepResult, 0, len(steps))
	for _, step := range steps {
		results = append(results, e.executeStep(ec, step))
	}
	return results
}

func (e *Effector) executeStep(ec effector.ExecContext, step contracts.PlanStep) contracts.StepResult {
	res := contracts.StepResult{StepID: step.StepID, Timestamp: time.Now().UTC()}

	if step.HasFlag(contracts.FlagPathDenied) {
		res.Status = contracts.ResultBlocked
		res.Error = "path outside allowed roots"
		return res
	}
	if ec.SafeMode && destructive[step.Type] {
		res.Status = contracts.ResultBlocked
		res.Error = "destructive step blocked by safe mode"
		return res
	}

	switch step.Type {
	case contracts.StepFSMove:
		from, _ := step.Inputs["from"].(string)
		to, _ := step.Inputs["to"].(string)
		if !effector.IsPathAllowed(from, ec.AllowedRoots) || !effector.IsPathAllowed(to, ec.AllowedRoots) {
			res.Status = contracts.ResultBlocked
			res.Error = "path outside allowed roots"
			return res
		}
		if err := os.Rename(from, to); err != nil {
			return fail(res, err)
		}
		res.Status = contracts.ResultSuccess
		res.Output = fmt.Sprintf("moved %s to %s", from, to)
		return res
	}

	path, _ := step.Inputs["path"].(string)
	if !effector.IsPathAllowed(path, ec.AllowedRoots) {
		res.Status = contracts.ResultBlocked
		res.Error = "path outside allowed roots"
		return res
	}

	switch step.Type {
	case contracts.StepFSRead:
		data, err := os.ReadFile(path)
		if err != nil {
			return fail(res, err)
		}
		res.Status = contracts.ResultSuccess
		res.Output = truncate(string(data), maxOutputChars)

	case contracts.StepFSList:
		entries, err := os.ReadDir(path)
		if err != nil {
			return fail(res, err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		res.Status = contracts.ResultSuccess
		res.Output = truncate(strings.Join(names, "\n"), maxOutputChars)

	case contracts.StepFSWrite:
		content, _ := step.Inputs["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fail(res, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fail(res, err)
		}
		res.Status = contracts.ResultSuccess
		res.Output = fmt.Sprintf("wrote %d bytes to %s", len(content), path)

	case contracts.StepFSDelete:
		if err := os.RemoveAll(path); err != nil {
			return fail(res, err)
		}
		res.Status = contracts.ResultSuccess
		res.Output = "deleted " + path

	default:
		res.Status = contracts.ResultFailed
		res.Error = fmt.Sprintf("unsupported step type %s", step.Type)
	}
	return res
}

// resolveGated resolves p and reports whether it falls outside the roots.
func resolveGated(p string, roots []string) (abs string, denied bool) {
	abs, err := effector.ResolveAbsolute(p)
	if err != nil {
		return p, true
	}
	return abs, !effector.IsPathAllowed(abs, roots)
}

// unifiedDiff renders a unified patch from the file's current content to the
// proposed content. A missing file diffs from empty.
func unifiedDiff(path, proposed string) string {
	var current string
	if data, err := os.ReadFile(path); err == nil {
		current = string(data)
	}
	if current == proposed {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(current),
		B:        difflib.SplitLines(proposed),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// countEntries counts what a delete would remove: 1 for a file, the
// recursive entry count for a directory. Feeds the bulk-delete risk rule.
func countEntries(path string) int {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return 1
	}
	count := 0
	_ = filepath.WalkDir(path, func(p string, _ os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != path {
			count++
		}
		return nil
	})
	return count
}

func fail(res contracts.StepResult, err error) contracts.StepResult {
	res.Status = contracts.ResultFailed
	res.Error = err.Error()
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
