package gate

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leash-dev/leash/pkg/audit"
	"github.com/leash-dev/leash/pkg/auth"
	"github.com/leash-dev/leash/pkg/contracts"
	"github.com/leash-dev/leash/pkg/effector"
	"github.com/leash-dev/leash/pkg/effector/builtin"
	"github.com/leash-dev/leash/pkg/store"
)

const testAdminID int64 = 1

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	log     *audit.Log
	db      *sql.DB
	sandbox string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "leash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.New(db)
	require.NoError(t, err)
	log, err := audit.NewLog(db)
	require.NoError(t, err)

	sandbox, err := effector.ResolveAbsolute(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.SetSetting(ctx, store.SettingAllowedRoots, []string{sandbox}))
	require.NoError(t, st.SetSetting(ctx, store.SettingShellAllowlist, []string{`^echo( |$)`, `^ls( |$)`}))
	require.NoError(t, st.SetSetting(ctx, store.SettingSafeMode, false))

	registry, err := builtin.Registry()
	require.NoError(t, err)

	return &fixture{
		orch:    New(st, log, registry),
		store:   st,
		log:     log,
		db:      db,
		sandbox: sandbox,
	}
}

// newAgent registers an agent with the given capability enabled.
func (f *fixture) newAgent(t *testing.T, name string, caps ...contracts.CapabilityType) (*store.Agent, string) {
	t.Helper()
	ctx := context.Background()
	agent, apiKey, err := f.orch.CreateAgent(ctx, testAdminID, name)
	require.NoError(t, err)
	for _, c := range caps {
		_, err := f.orch.UpdateCapability(ctx, testAdminID, agent.ID, c, true, nil)
		require.NoError(t, err)
	}
	return agent, apiKey
}

func (f *fixture) auditEvents(t *testing.T, eventType string) []*audit.Event {
	t.Helper()
	events, err := f.log.List(context.Background(), eventType, 0)
	require.NoError(t, err)
	return events
}

func TestLifecycle_FilesystemReadHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "reader", contracts.CapFilesystem)

	target := filepath.Join(f.sandbox, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("hello leash"), 0o644))

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type:      contracts.CapFilesystem,
		Operation: "read",
		Params:    map[string]any{"path": target},
	}, "need the notes")
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestPending, req.Status)

	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, contracts.StepFSRead, result.Steps[0].Type)
	assert.Equal(t, 5, result.RiskScore, "clean FS_READ scores its base")

	loaded, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestPlanned, loaded.Status)

	approval, err := f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApproved, approval.Decision)

	receipt, err := f.orch.ExecutePlan(ctx, agent.ID, result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptSuccess, receipt.Status)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, "hello leash", receipt.Logs[0].Output)

	loaded, err = f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestExecuted, loaded.Status)

	// Every lifecycle stage left an audit event and the chain verifies.
	assert.Len(t, f.auditEvents(t, audit.EventRequestCreated), 1)
	assert.Len(t, f.auditEvents(t, audit.EventDryRunComplete), 1)
	assert.Len(t, f.auditEvents(t, audit.EventPlanDecision), 1)
	assert.Len(t, f.auditEvents(t, audit.EventPlanExecuted), 1)
	assert.NoError(t, f.log.Verify(ctx))
}

func TestCreateRequest_CapabilityNotEnabled(t *testing.T) {
	// Invariant: default-deny — no capability row means no request.
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "bare")

	_, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapFilesystem, Operation: "read", Params: map[string]any{"path": "/tmp/x"},
	}, "")
	assert.Equal(t, CodeAuthorization, CodeOf(err))
}

func TestCreateRequest_ValidationRejectsWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "reader", contracts.CapFilesystem)

	_, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapFilesystem, Operation: "read", Params: map[string]any{},
	}, "")
	assert.Equal(t, CodeValidation, CodeOf(err))

	reqs, err := f.store.ListRequests(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, reqs, "rejected input must leave no request row")
}

func TestDryRun_DeniedPathGetsRiskFloor(t *testing.T) {
	// Invariant: a path_denied step scores at least 50 even though the
	// underlying operation is a low-risk read.
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "escapee", contracts.CapFilesystem)

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapFilesystem, Operation: "read", Params: map[string]any{"path": "/etc/passwd"},
	}, "")
	require.NoError(t, err)

	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].HasFlag(contracts.FlagPathDenied))
	assert.GreaterOrEqual(t, result.Steps[0].RiskScore, 50)
	assert.GreaterOrEqual(t, result.RiskScore, 50)
}

func TestDryRun_OwnershipEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, _ := f.newAgent(t, "owner", contracts.CapEcho)
	other, _ := f.newAgent(t, "other", contracts.CapEcho)

	req, err := f.orch.CreateRequest(ctx, owner.ID, contracts.ActionInput{
		Type: contracts.CapEcho, Operation: "echo", Params: map[string]any{"message": "mine"},
	}, "")
	require.NoError(t, err)

	_, err = f.orch.DryRun(ctx, other.ID, req.ID)
	assert.Equal(t, CodeAuthorization, CodeOf(err))
}

func TestApprovePlan_RepeatDecisionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "echoer", contracts.CapEcho)

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapEcho, Operation: "echo", Params: map[string]any{"message": "hi"},
	}, "")
	require.NoError(t, err)
	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)

	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	require.NoError(t, err)

	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	assert.Equal(t, CodeConflict, CodeOf(err))
	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionRejected)
	assert.Equal(t, CodeConflict, CodeOf(err))
}

func TestApprovePlan_PendingRequestIsStateError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "echoer", contracts.CapEcho)

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapEcho, Operation: "echo", Params: map[string]any{"message": "hi"},
	}, "")
	require.NoError(t, err)
	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)

	// Force the request back to pending behind the orchestrator's back.
	require.NoError(t, f.store.TransitionRequest(ctx, req.ID, contracts.RequestPlanned, contracts.RequestPending))

	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	assert.Equal(t, CodeState, CodeOf(err))
}

func TestApprovePlan_InvalidDecision(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ApprovePlan(context.Background(), testAdminID, 1, contracts.Decision("maybe"))
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestExecutePlan_RejectedPlanCannotRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "echoer", contracts.CapEcho)

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapEcho, Operation: "echo", Params: map[string]any{"message": "hi"},
	}, "")
	require.NoError(t, err)
	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)
	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionRejected)
	require.NoError(t, err)

	_, err = f.orch.ExecutePlan(ctx, agent.ID, result.PlanID)
	assert.Equal(t, CodeState, CodeOf(err))
}

func TestExecutePlan_TamperedStepsDetected(t *testing.T) {
	// Invariant: modifying the stored steps after approval fails with an
	// integrity error, produces no receipt and no PLAN_EXECUTED event.
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "writer", contracts.CapFilesystem)

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type:      contracts.CapFilesystem,
		Operation: "write",
		Params:    map[string]any{"path": filepath.Join(f.sandbox, "a.txt"), "content": "benign"},
	}, "")
	require.NoError(t, err)
	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)
	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	require.NoError(t, err)

	// Swap the step payload directly in sqlite.
	plan, err := f.store.GetPlan(ctx, result.PlanID)
	require.NoError(t, err)
	tampered := []byte(`[{"stepId":"evil","type":"FS_DELETE","description":"delete everything","inputs":{"path":"/"},"riskFlags":[],"riskScore":0}]`)
	_, err = f.db.ExecContext(ctx, `UPDATE plans SET steps = ? WHERE id = ?`, string(tampered), plan.ID)
	require.NoError(t, err)

	_, err = f.orch.ExecutePlan(ctx, agent.ID, result.PlanID)
	assert.Equal(t, CodeIntegrity, CodeOf(err))

	_, err = f.store.GetReceiptForPlan(ctx, result.PlanID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.auditEvents(t, audit.EventPlanExecuted))

	loaded, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestApproved, loaded.Status, "request stays approved, never executed")
}

func TestExecutePlan_SafeModeFlippedAfterApproval(t *testing.T) {
	// Invariant: safe mode engaged between approval and execution blocks
	// every destructive step; zero successes fail the request.
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "deleter", contracts.CapFilesystem)

	target := filepath.Join(f.sandbox, "victim.txt")
	require.NoError(t, os.WriteFile(target, []byte("keep me"), 0o644))

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type: contracts.CapFilesystem, Operation: "delete", Params: map[string]any{"path": target},
	}, "")
	require.NoError(t, err)
	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)
	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	require.NoError(t, err)

	require.NoError(t, f.orch.SetSafeMode(ctx, testAdminID, true))

	receipt, err := f.orch.ExecutePlan(ctx, agent.ID, result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptFailure, receipt.Status)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, contracts.ResultBlocked, receipt.Logs[0].Status)

	_, statErr := os.Stat(target)
	assert.NoError(t, statErr, "file must survive")

	loaded, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestFailed, loaded.Status)
}

func TestExecutePlan_ShellThroughFullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "sheller", contracts.CapShell)

	req, err := f.orch.CreateRequest(ctx, agent.ID, contracts.ActionInput{
		Type:      contracts.CapShell,
		Operation: "run",
		Params:    map[string]any{"command": "echo", "args": []any{"gated"}, "cwd": f.sandbox},
	}, "")
	require.NoError(t, err)
	result, err := f.orch.DryRun(ctx, agent.ID, req.ID)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	assert.Empty(t, result.Steps[0].RiskFlags)

	_, err = f.orch.ApprovePlan(ctx, testAdminID, result.PlanID, contracts.DecisionApproved)
	require.NoError(t, err)
	receipt, err := f.orch.ExecutePlan(ctx, agent.ID, result.PlanID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReceiptSuccess, receipt.Status)
	assert.Equal(t, "gated", receipt.Logs[0].Output)
}

func TestEmergencyLockdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, keyA := f.newAgent(t, "agent-a", contracts.CapEcho)
	_, keyB := f.newAgent(t, "agent-b")

	// Both keys authenticate before lockdown.
	_, err := f.orch.AuthenticateAgent(ctx, keyA)
	require.NoError(t, err)
	_, err = f.orch.AuthenticateAgent(ctx, keyB)
	require.NoError(t, err)

	affected, err := f.orch.EmergencyLockdown(ctx, testAdminID)
	require.NoError(t, err)
	assert.Equal(t, 2, affected)

	safeMode, err := f.store.SafeMode(ctx)
	require.NoError(t, err)
	assert.True(t, safeMode)

	// Old keys are dead.
	_, err = f.orch.AuthenticateAgent(ctx, keyA)
	assert.Equal(t, CodeAuthentication, CodeOf(err))
	_, err = f.orch.AuthenticateAgent(ctx, keyB)
	assert.Equal(t, CodeAuthentication, CodeOf(err))

	events := f.auditEvents(t, audit.EventEmergencyLockdown)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Data), `"severity":"critical"`)
	assert.Contains(t, string(events[0].Data), `"agentsAffected":2`)

	assert.NoError(t, f.log.Verify(ctx))
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	admin, err := f.store.CreateAdminUser(ctx, "root", hash)
	require.NoError(t, err)

	got, err := f.orch.Login(ctx, "root", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, admin.ID, got.ID)
	assert.Len(t, f.auditEvents(t, audit.EventAdminLogin), 1)

	_, err = f.orch.Login(ctx, "root", "wrong")
	assert.Equal(t, CodeAuthentication, CodeOf(err))
	_, err = f.orch.Login(ctx, "ghost", "hunter2")
	assert.Equal(t, CodeAuthentication, CodeOf(err))
}

func TestRotateAgentKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, oldKey := f.newAgent(t, "rotator")

	newKey, err := f.orch.RotateAgentKey(ctx, testAdminID, agent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = f.orch.AuthenticateAgent(ctx, oldKey)
	assert.Equal(t, CodeAuthentication, CodeOf(err))
	got, err := f.orch.AuthenticateAgent(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
}

func TestUpdateCapability_DefaultConfigSeeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, _ := f.newAgent(t, "configured")

	capability, err := f.orch.UpdateCapability(ctx, testAdminID, agent.ID, contracts.CapFilesystem, true, nil)
	require.NoError(t, err)
	assert.True(t, capability.Enabled)
	assert.NotEmpty(t, capability.Config, "nil config falls back to the effector default")

	_, err = f.orch.UpdateCapability(ctx, testAdminID, agent.ID, contracts.CapabilityType("teleport"), true, nil)
	assert.Equal(t, CodeValidation, CodeOf(err))
}
