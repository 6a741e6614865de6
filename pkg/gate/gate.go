// Package gate is the request orchestrator: it drives the plan lifecycle
// state machine (request → plan → approval → execution → receipt), wires the
// effectors, scorer, store and audit log together, and enforces the plan
// hash bond between approval and execution.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/leash-dev/leash/pkg/audit"
	"github.com/leash-dev/leash/pkg/canonical"
	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
	"github.com/leash-dev/leash/pkg/risk"
	"github.com/leash-dev/leash/pkg/store"
)

// Orchestrator mediates every privileged action. One instance serves the
// whole process.
type Orchestrator struct {
	store    *store.Store
	log      *audit.Log
	registry *effector.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New wires an orchestrator.
func New(s *store.Store, log *audit.Log, registry *effector.Registry) *Orchestrator {
	return &Orchestrator{
		store:    s,
		log:      log,
		registry: registry,
		logger:   slog.Default().With("component", "gate"),
		tracer:   otel.Tracer("leash/gate"),
	}
}

// DryRunResult is what an agent gets back from a dry run.
type DryRunResult struct {
	PlanID      int64                `json:"planId"`
	Steps       []contracts.PlanStep `json:"steps"`
	RiskScore   int                  `json:"riskScore"`
	RiskSummary risk.Summary         `json:"riskSummary"`
}

// CreateRequest validates and persists a new action request for an agent.
// Validation failures reject without persisting anything.
func (o *Orchestrator) CreateRequest(ctx context.Context, agentID int64, input contracts.ActionInput, reasoningTrace string) (*store.ActionRequest, error) {
	ctx, span := o.tracer.Start(ctx, "gate.CreateRequest")
	defer span.End()

	plugin, ok := o.registry.Lookup(input.Type)
	if !ok {
		return nil, E(CodeValidation, "unknown capability type %q", input.Type)
	}

	capability, err := o.store.GetCapability(ctx, agentID, input.Type)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !capability.Enabled) {
		return nil, E(CodeAuthorization, "capability %q is not enabled for this agent", input.Type)
	}
	if err != nil {
		return nil, Wrap(CodeInternal, err, "load capability")
	}

	if _, err := plugin.ValidateRequest(input.Operation, input.Params); err != nil {
		var verr *effector.ValidationError
		if errors.As(err, &verr) {
			return nil, Wrap(CodeValidation, err, "invalid %s request", input.Type)
		}
		return nil, Wrap(CodeInternal, err, "validate request")
	}

	request, err := o.store.CreateRequest(ctx, agentID, summarize(input), input, reasoningTrace)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "persist request")
	}

	o.audit(ctx, audit.EventRequestCreated, map[string]any{
		"requestId": request.ID,
		"agentId":   agentID,
		"type":      input.Type,
		"operation": input.Operation,
	})
	o.logger.Info("action request created",
		"request_id", request.ID, "agent_id", agentID,
		"type", string(input.Type), "operation", input.Operation)
	return request, nil
}

// DryRun expands a request into an annotated, hashed plan and moves the
// request to planned. A request may be dry-run again while planned; the
// newest plan supersedes.
func (o *Orchestrator) DryRun(ctx context.Context, agentID, requestID int64) (*DryRunResult, error) {
	ctx, span := o.tracer.Start(ctx, "gate.DryRun")
	defer span.End()

	request, err := o.getOwnedRequest(ctx, agentID, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != contracts.RequestPending && request.Status != contracts.RequestPlanned {
		return nil, E(CodeState, "request %d is %s, cannot dry-run", requestID, request.Status)
	}

	plugin, ok := o.registry.Lookup(request.Input.Type)
	if !ok {
		return nil, E(CodeValidation, "unknown capability type %q", request.Input.Type)
	}

	normalized, err := plugin.ValidateRequest(request.Input.Operation, request.Input.Params)
	if err != nil {
		return nil, Wrap(CodeValidation, err, "invalid %s request", request.Input.Type)
	}

	ec, err := o.execContext(ctx, agentID, requestID)
	if err != nil {
		return nil, err
	}

	steps, err := plugin.DryRun(ctx, ec, request.Input.Operation, normalized)
	if err != nil {
		var verr *effector.ValidationError
		if errors.As(err, &verr) {
			return nil, Wrap(CodeValidation, err, "dry run rejected")
		}
		return nil, Wrap(CodeInternal, err, "dry run failed")
	}

	for i := range steps {
		scored := risk.ScoreStep(steps[i])
		steps[i].RiskScore = scored.Score
		steps[i].RiskFlags = scored.Flags
	}

	planHash, err := canonical.Hash(steps)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "hash plan steps")
	}
	summary := risk.ScorePlan(steps)

	plan, err := o.store.CreatePlan(ctx, requestID, planHash, steps, summary.TotalRiskScore)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "persist plan")
	}

	if request.Status == contracts.RequestPending {
		if err := o.store.TransitionRequest(ctx, requestID, contracts.RequestPending, contracts.RequestPlanned); err != nil {
			if !errors.Is(err, store.ErrStateConflict) {
				return nil, Wrap(CodeInternal, err, "transition request")
			}
		}
	}

	o.audit(ctx, audit.EventDryRunComplete, map[string]any{
		"requestId": requestID,
		"planId":    plan.ID,
		"planHash":  planHash,
		"riskScore": summary.TotalRiskScore,
		"stepCount": len(steps),
	})
	o.logger.Info("dry run complete",
		"request_id", requestID, "plan_id", plan.ID,
		"risk_score", summary.TotalRiskScore, "steps", len(steps))

	return &DryRunResult{
		PlanID:      plan.ID,
		Steps:       steps,
		RiskScore:   summary.TotalRiskScore,
		RiskSummary: summary,
	}, nil
}

// ApprovePlan records an admin decision and moves the owning request to
// approved or rejected. Deciding an already-decided plan is a conflict.
func (o *Orchestrator) ApprovePlan(ctx context.Context, adminID, planID int64, decision contracts.Decision) (*store.Approval, error) {
	ctx, span := o.tracer.Start(ctx, "gate.ApprovePlan")
	defer span.End()

	if decision != contracts.DecisionApproved && decision != contracts.DecisionRejected {
		return nil, E(CodeValidation, "decision must be %q or %q", contracts.DecisionApproved, contracts.DecisionRejected)
	}

	plan, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, E(CodeNotFound, "plan %d not found", planID)
	}
	if err != nil {
		return nil, Wrap(CodeInternal, err, "load plan")
	}

	request, err := o.store.GetRequest(ctx, plan.RequestID)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "load request")
	}
	switch request.Status {
	case contracts.RequestPlanned:
		// decidable
	case contracts.RequestApproved, contracts.RequestRejected, contracts.RequestExecuted, contracts.RequestFailed:
		return nil, E(CodeConflict, "plan %d has already been decided", planID)
	default:
		return nil, E(CodeState, "request %d is %s, cannot decide", request.ID, request.Status)
	}

	target := contracts.RequestApproved
	if decision == contracts.DecisionRejected {
		target = contracts.RequestRejected
	}
	if err := o.store.TransitionRequest(ctx, request.ID, contracts.RequestPlanned, target); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, E(CodeConflict, "plan %d has already been decided", planID)
		}
		return nil, Wrap(CodeInternal, err, "transition request")
	}

	approval, err := o.store.CreateApproval(ctx, planID, adminID, decision)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "persist approval")
	}

	o.audit(ctx, audit.EventPlanDecision, map[string]any{
		"planId":     planID,
		"requestId":  request.ID,
		"decision":   decision,
		"approvedBy": adminID,
	})
	o.logger.Info("plan decided",
		"plan_id", planID, "request_id", request.ID, "decision", string(decision), "admin_id", adminID)
	return approval, nil
}

// ExecutePlan verifies the approval and the plan hash, then runs the steps
// through the owning effector and persists a receipt. The hash is recomputed
// from the stored step bytes after the plan row is loaded, so tampering
// between approval and execution is always caught.
func (o *Orchestrator) ExecutePlan(ctx context.Context, agentID, planID int64) (*store.ExecutionReceipt, error) {
	ctx, span := o.tracer.Start(ctx, "gate.ExecutePlan")
	defer span.End()

	plan, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, E(CodeNotFound, "plan %d not found", planID)
	}
	if err != nil {
		return nil, Wrap(CodeInternal, err, "load plan")
	}

	request, err := o.getOwnedRequest(ctx, agentID, plan.RequestID)
	if err != nil {
		return nil, err
	}
	if request.Status != contracts.RequestApproved {
		return nil, E(CodeState, "request %d is %s, not approved", request.ID, request.Status)
	}

	recomputed, err := canonical.Hash(plan.StepsJSON)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "rehash plan steps")
	}
	if recomputed != plan.PlanHash {
		o.logger.Warn("plan hash mismatch at execution",
			"plan_id", planID, "stored", plan.PlanHash, "recomputed", recomputed)
		return nil, E(CodeIntegrity, "plan %d hash mismatch: stored plan was modified after approval", planID)
	}

	plugin, ok := o.registry.Lookup(request.Input.Type)
	if !ok {
		return nil, E(CodeInternal, "no effector registered for %q", request.Input.Type)
	}
	steps, err := plan.Steps()
	if err != nil {
		return nil, Wrap(CodeInternal, err, "decode plan steps")
	}

	ec, err := o.execContext(ctx, agentID, request.ID)
	if err != nil {
		return nil, err
	}

	results, panicked := o.runEffector(ctx, plugin, ec, steps)

	successes := 0
	for _, r := range results {
		if r.Status == contracts.ResultSuccess {
			successes++
		}
	}

	receiptStatus := contracts.ReceiptSuccess
	requestTarget := contracts.RequestExecuted
	switch {
	case successes == 0:
		receiptStatus = contracts.ReceiptFailure
		requestTarget = contracts.RequestFailed
	case successes < len(results):
		receiptStatus = contracts.ReceiptPartialFailure
	}

	receipt, err := o.store.CreateReceipt(ctx, planID, receiptStatus, results)
	if err != nil {
		return nil, Wrap(CodeInternal, err, "persist receipt")
	}
	if err := o.store.TransitionRequest(ctx, request.ID, contracts.RequestApproved, requestTarget); err != nil {
		if !errors.Is(err, store.ErrStateConflict) {
			return nil, Wrap(CodeInternal, err, "transition request")
		}
	}

	o.audit(ctx, audit.EventPlanExecuted, map[string]any{
		"planId":    planID,
		"requestId": request.ID,
		"status":    receiptStatus,
		"stepCount": len(results),
		"succeeded": successes,
	})
	o.logger.Info("plan executed",
		"plan_id", planID, "request_id", request.ID,
		"status", string(receiptStatus), "succeeded", successes, "steps", len(results))

	if panicked {
		return receipt, E(CodeInternal, "effector panicked during execution of plan %d", planID)
	}
	return receipt, nil
}

// runEffector executes steps, converting an effector panic into per-step
// failure results so the audit trail stays complete.
func (o *Orchestrator) runEffector(ctx context.Context, plugin effector.Effector, ec effector.ExecContext, steps []contracts.PlanStep) (results []contracts.StepResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("effector panic recovered", "panic", fmt.Sprint(r))
			panicked = true
			results = failAllSteps(steps, fmt.Sprintf("internal error: %v", r))
		}
	}()
	ctx, span := o.tracer.Start(ctx, "gate.effector.Execute")
	defer span.End()
	return plugin.Execute(ctx, ec, steps), false
}

func failAllSteps(steps []contracts.PlanStep, msg string) []contracts.StepResult {
	results := make([]contracts.StepResult, 0, len(steps))
	for _, s := range steps {
		results = append(results, contracts.StepResult{
			StepID: s.StepID,
			Status: contracts.ResultFailed,
			Error:  msg,
		})
	}
	return results
}

// getOwnedRequest loads a request and enforces agent ownership.
// GetOwnedRequest returns a request if it exists and belongs to the agent.
func (o *Orchestrator) GetOwnedRequest(ctx context.Context, agentID, requestID int64) (*store.ActionRequest, error) {
	return o.getOwnedRequest(ctx, agentID, requestID)
}

func (o *Orchestrator) getOwnedRequest(ctx context.Context, agentID, requestID int64) (*store.ActionRequest, error) {
	request, err := o.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, E(CodeNotFound, "request %d not found", requestID)
	}
	if err != nil {
		return nil, Wrap(CodeInternal, err, "load request")
	}
	if request.AgentID != agentID {
		return nil, E(CodeAuthorization, "request %d belongs to another agent", requestID)
	}
	return request, nil
}

// execContext snapshots the policy settings for one request.
func (o *Orchestrator) execContext(ctx context.Context, agentID, requestID int64) (effector.ExecContext, error) {
	roots, err := o.store.AllowedRoots(ctx)
	if err != nil {
		return effector.ExecContext{}, Wrap(CodeInternal, err, "read allowed roots")
	}
	allowlist, err := o.store.ShellAllowlist(ctx)
	if err != nil {
		return effector.ExecContext{}, Wrap(CodeInternal, err, "read shell allowlist")
	}
	safeMode, err := o.store.SafeMode(ctx)
	if err != nil {
		return effector.ExecContext{}, Wrap(CodeInternal, err, "read safe mode")
	}
	return effector.ExecContext{
		AllowedRoots:   roots,
		ShellAllowlist: allowlist,
		SafeMode:       safeMode,
		AgentID:        agentID,
		RequestID:      requestID,
	}, nil
}

// audit appends an event; an audit failure is logged loudly but does not
// abort the operation that already happened.
func (o *Orchestrator) audit(ctx context.Context, eventType string, data map[string]any) {
	if _, err := o.log.Append(ctx, eventType, data); err != nil {
		o.logger.Error("audit append failed", "event_type", eventType, "error", err)
	}
}

func summarize(input contracts.ActionInput) string {
	switch input.Type {
	case contracts.CapFilesystem:
		if path, ok := input.Params["path"].(string); ok {
			return fmt.Sprintf("filesystem %s %s", input.Operation, path)
		}
		if from, ok := input.Params["from"].(string); ok {
			to, _ := input.Params["to"].(string)
			return fmt.Sprintf("filesystem move %s to %s", from, to)
		}
	case contracts.CapShell:
		if command, ok := input.Params["command"].(string); ok {
			return "shell run " + command
		}
	case contracts.CapNetwork:
		return "network allow"
	case contracts.CapEcho:
		return "echo"
	}
	return fmt.Sprintf("%s %s", input.Type, input.Operation)
}
