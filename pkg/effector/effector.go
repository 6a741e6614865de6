// Package effector defines the capability plugin interface and the registry
// the orchestrator dispatches through. An effector owns one capability type
// and exposes the validate / dry-run / execute phases; it never decides
// approval, only what would happen and what did happen.
package effector

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/leash-dev/leash/pkg/contracts"
)

// ExecContext carries the per-request policy snapshot effectors operate under.
// It is read once at the start of a request handler; settings changed
// afterwards apply to subsequent requests.
type ExecContext struct {
	AllowedRoots   []string
	ShellAllowlist []string
	SafeMode       bool
	AgentID        int64
	RequestID      int64
}

// Effector is the capability plugin contract.
type Effector interface {
	// Type returns the capability type this effector serves.
	Type() contracts.CapabilityType

	// ValidateRequest checks operation and params, returning the normalized
	// parameter map (defaults applied) or a *ValidationError.
	ValidateRequest(operation string, params map[string]any) (map[string]any, error)

	// DryRun expands a validated request into the concrete steps execution
	// would take. Policy violations (denied paths, disallowed commands)
	// surface as steps carrying policy flags, not as errors.
	DryRun(ctx context.Context, ec ExecContext, operation string, params map[string]any) ([]contracts.PlanStep, error)

	// Execute runs approved steps and reports one result per step.
	Execute(ctx context.Context, ec ExecContext, steps []contracts.PlanStep) []contracts.StepResult

	// DefaultConfig returns the capability config seeded when an admin
	// enables this capability for an agent.
	DefaultConfig() map[string]any
}

// ValidationError aggregates field-level validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Errors, "; ")
}

// NewValidationError builds a ValidationError from messages.
func NewValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Errors: msgs}
}

// ResolveAbsolute cleans p and makes it absolute against the process working
// directory. Symlinks are resolved when the target exists; a path that does
// not exist yet is only lexically cleaned.
func ResolveAbsolute(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// IsPathAllowed reports whether p resolves under one of the allowed roots.
// Prefix matching is done on path segments so /tmp/sbx-evil does not pass
// for root /tmp/sbx.
func IsPathAllowed(p string, allowedRoots []string) bool {
	abs, err := ResolveAbsolute(p)
	if err != nil {
		return false
	}
	for _, root := range allowedRoots {
		rootAbs, err := ResolveAbsolute(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
