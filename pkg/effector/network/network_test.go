package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
)

func TestValidateRequest(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.ValidateRequest("allow", map[string]any{"domains": []any{"api.example.com"}})
	assert.NoError(t, err)

	_, err = e.ValidateRequest("allow", map[string]any{"domains": []any{}})
	assert.Error(t, err, "at least one domain required")

	_, err = e.ValidateRequest("deny", map[string]any{"domains": []any{"x"}})
	assert.Error(t, err, "unknown operation")
}

func TestDryRunAndExecute_Advisory(t *testing.T) {
	// Invariant: the network effector records intent and changes nothing.
	e, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	ec := effector.ExecContext{AgentID: 1, RequestID: 1}

	steps, err := e.DryRun(ctx, ec, "allow", map[string]any{
		"domains": []any{"api.example.com", "cdn.example.com"},
		"purpose": "fetch release metadata",
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, contracts.StepNetAllow, steps[0].Type)
	assert.Contains(t, steps[0].Description, "api.example.com, cdn.example.com")
	assert.Equal(t, "fetch release metadata", steps[0].Inputs["purpose"])

	results := e.Execute(ctx, ec, steps)
	require.Len(t, results, 1)
	assert.Equal(t, contracts.ResultSuccess, results[0].Status)
	assert.Contains(t, results[0].Output, "no firewall change")
}
