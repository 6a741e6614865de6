// Package network implements the network capability. It is advisory only:
// allow intents are planned, scored and recorded, but no firewall state is
// ever changed.
package network

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
)

var opSchemas = map[string]string{
	"allow": `{
		"type": "object",
		"properties": {
			"domains": {
				"type": "array",
				"items": {"type": "string", "minLength": 1},
				"minItems": 1
			},
			"purpose": {"type": "string"}
		},
		"required": ["domains"]
	}`,
}

// Effector is the network capability plugin.
type Effector struct {
	schemas *effector.SchemaSet
}

// New compiles the operation schemas and returns the effector.
func New() (*Effector, error) {
	schemas, err := effector.CompileSchemas(string(contracts.CapNetwork), opSchemas)
	if err != nil {
		return nil, err
	}
	return &Effector{schemas: schemas}, nil
}

func (e *Effector) Type() contracts.CapabilityType { return contracts.CapNetwork }

func (e *Effector) DefaultConfig() map[string]any {
	return map[string]any{"advisory": true}
}

// ValidateRequest validates params against the allow schema.
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

// DryRun emits a single NET_ALLOW step covering all requested domains.
func (e *Effector) DryRun(_ context.Context, _ effector.ExecContext, operation string, params map[string]any) ([]contracts.PlanStep, error) {
	if operation != "allow" {
		return nil, effector.NewValidationError(fmt.Sprintf("unknown network operation %q", operation))
	}

	domains := stringSlice(params["domains"])
	purpose, _ := params["purpose"].(string)

	inputs := map[string]any{"domains": domains}
	if purpose != "" {
		inputs["purpose"] = purpose
	}

	step := contracts.PlanStep{
		StepID:      uuid.New().String(),
		Type:        contracts.StepNetAllow,
		Description: "allow network access to " + strings.Join(domains, ", "),
		Inputs:      inputs,
		RiskFlags:   []string{},
	}
	return []contracts.PlanStep{step}, nil
}

// Execute records the allow intent without touching any firewall.
func (e *Effector) Execute(_ context.Context, _ effector.ExecContext, steps []contracts.PlanStep) []contracts.StepResult {
	results := make([]contracts.StepResult, 0, len(steps))
	for _, step := range steps {
		domains := stringSlice(step.Inputs["domains"])
		results = append(results, contracts.StepResult{
			StepID:    step.StepID,
			Status:    contracts.ResultSuccess,
			Output:    fmt.Sprintf("recorded advisory allow for %s (no firewall change)", strings.Join(domains, ", ")),
			Timestamp: time.Now().UTC(),
		})
	}
	return results
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
