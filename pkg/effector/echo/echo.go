// Package echo implements the test-only echo capability: a zero-risk step
// that returns its input message. Useful for exercising the full request
// lifecycle without side effects.
package echo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
)

// StepType is the echo plan step kind. It carries no base score.
const StepType contracts.StepType = "ECHO"

var opSchemas = map[string]string{
	"echo": `{
		"type": "object",
		"properties": {"message": {"type": "string"}},
		"required": ["message"]
	}`,
}

// Effector is the echo capability plugin.
type Effector struct {
	schemas *effector.SchemaSet
}

func New() (*Effector, error) {
	schemas, err := effector.CompileSchemas(string(contracts.CapEcho), opSchemas)
	if err != nil {
		return nil, err
	}
	return &Effector{schemas: schemas}, nil
}

func (e *Effector) Type() contracts.CapabilityType { return contracts.CapEcho }

func (e *Effector) DefaultConfig() map[string]any { return map[string]any{} }

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

func (e *Effector) DryRun(_ context.Context, _ effector.ExecContext, operation string, params map[string]any) ([]contracts.PlanStep, error) {
	if operation != "echo" {
		return nil, effector.NewValidationError(fmt.Sprintf("unknown echo operation %q", operation))
	}
	message, _ := params["message"].(string)
	step := contracts.PlanStep{
		StepID:      uuid.New().String(),
		Type:        StepType,
		Description: "echo message",
		Inputs:      map[string]any{"message": message},
		RiskFlags:   []string{},
	}
	return []contracts.PlanStep{step}, nil
}

func (e *Effector) Execute(_ context.Context, _ effector.ExecContext, steps []contracts.PlanStep) []contracts.StepResult {
	results := make([]contracts.StepResult, 0, len(steps))
	for _, step := range steps {
		message, _ := step.Inputs["message"].(string)
		results = append(results, contracts.StepResult{
			StepID:    step.StepID,
			Status:    contracts.ResultSuccess,
			Output:    message,
			Timestamp: time.Now().UTC(),
		})
	}
	return results
}
