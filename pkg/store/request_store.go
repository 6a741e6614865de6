package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leash-dev/leash/pkg/contracts"
)

// ActionRequest is an agent-submitted intent moving through the state machine
// pending → planned → (approved|rejected) → (executed|failed).
type ActionRequest struct {
	ID             int64                   `json:"id"`
	AgentID        int64                   `json:"agentId"`
	Status         contracts.RequestStatus `json:"status"`
	Summary        string                  `json:"summary"`
	Input          contracts.ActionInput   `json:"input"`
	ReasoningTrace string                  `json:"reasoningTrace,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// Plan is the hashed, immutable expansion of a request into steps. StepsJSON
// is kept verbatim as stored; the orchestrator re-derives the hash from it at
// execution time.
type Plan struct {
	ID        int64           `json:"id"`
	RequestID int64           `json:"requestId"`
	PlanHash  string          `json:"planHash"`
	StepsJSON json.RawMessage `json:"steps"`
	RiskScore int             `json:"riskScore"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Steps decodes the stored step list.
func (p *Plan) Steps() ([]contracts.PlanStep, error) {
	var steps []contracts.PlanStep
	if err := json.Unmarshal(p.StepsJSON, &steps); err != nil {
		return nil, fmt.Errorf("decode plan %d steps: %w", p.ID, err)
	}
	return steps, nil
}

// Approval is an admin verdict on a plan.
type Approval struct {
	ID         int64              `json:"id"`
	PlanID     int64              `json:"planId"`
	ApprovedBy int64              `json:"approvedBy"`
	Decision   contracts.Decision `json:"decision"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// ExecutionReceipt records what actually happened when a plan ran.
type ExecutionReceipt struct {
	ID         int64                   `json:"id"`
	PlanID     int64                   `json:"planId"`
	Status     contracts.ReceiptStatus `json:"status"`
	Logs       []contracts.StepResult  `json:"logs"`
	ExecutedAt time.Time               `json:"executedAt"`
}

// CreateRequest persists a new pending action request.
func (s *Store) CreateRequest(ctx context.Context, agentID int64, summary string, input contracts.ActionInput, reasoningTrace string) (*ActionRequest, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode request input: %w", err)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO action_requests (agent_id, status, summary, input, reasoning_trace, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, string(contracts.RequestPending), summary, string(inputJSON), reasoningTrace, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ActionRequest{
		ID: id, AgentID: agentID, Status: contracts.RequestPending,
		Summary: summary, Input: input, ReasoningTrace: reasoningTrace, CreatedAt: now,
	}, nil
}

// GetRequest fetches a request by id.
func (s *Store) GetRequest(ctx context.Context, id int64) (*ActionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, status, summary, input, reasoning_trace, created_at
		 FROM action_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns requests newest first, optionally filtered by status.
func (s *Store) ListRequests(ctx context.Context, status contracts.RequestStatus) ([]*ActionRequest, error) {
	query := `SELECT id, agent_id, status, summary, input, reasoning_trace, created_at
		FROM action_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var requests []*ActionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// TransitionRequest moves a request from one status to another with a
// conditional update, making transitions idempotent under races. Returns
// ErrStateConflict when the request is not in the expected status.
func (s *Store) TransitionRequest(ctx context.Context, id int64, from, to contracts.RequestStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE action_requests SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("request %d is not %s: %w", id, from, ErrStateConflict)
	}
	return nil
}

// CreatePlan persists a plan for a request. Steps are stored as the exact
// JSON encoding of the annotated step list.
func (s *Store) CreatePlan(ctx context.Context, requestID int64, planHash string, steps []contracts.PlanStep, riskScore int) (*Plan, error) {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode plan steps: %w", err)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (request_id, plan_hash, steps, risk_score, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, planHash, string(stepsJSON), riskScore, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Plan{
		ID: id, RequestID: requestID, PlanHash: planHash,
		StepsJSON: stepsJSON, RiskScore: riskScore, CreatedAt: now,
	}, nil
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, plan_hash, steps, risk_score, created_at FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListPlansForRequest returns a request's plans oldest first; the latest
// supersedes earlier ones.
func (s *Store) ListPlansForRequest(ctx context.Context, requestID int64) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, plan_hash, steps, risk_score, created_at
		 FROM plans WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// CreateApproval records an admin decision on a plan.
func (s *Store) CreateApproval(ctx context.Context, planID, approvedBy int64, decision contracts.Decision) (*Approval, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (plan_id, approved_by, decision, created_at) VALUES (?, ?, ?, ?)`,
		planID, approvedBy, string(decision), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Approval{ID: id, PlanID: planID, ApprovedBy: approvedBy, Decision: decision, CreatedAt: now}, nil
}

// CreateReceipt records an execution outcome for a plan.
func (s *Store) CreateReceipt(ctx context.Context, planID int64, status contracts.ReceiptStatus, logs []contracts.StepResult) (*ExecutionReceipt, error) {
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("encode receipt logs: %w", err)
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_receipts (plan_id, status, logs, executed_at) VALUES (?, ?, ?, ?)`,
		planID, string(status), string(logsJSON), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create receipt: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ExecutionReceipt{ID: id, PlanID: planID, Status: status, Logs: logs, ExecutedAt: now}, nil
}

// GetReceiptForPlan returns the receipt for a plan, if any.
func (s *Store) GetReceiptForPlan(ctx context.Context, planID int64) (*ExecutionReceipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, status, logs, executed_at FROM execution_receipts
		 WHERE plan_id = ? ORDER BY id DESC LIMIT 1`, planID)

	var (
		r          ExecutionReceipt
		status     string
		logsJSON   string
		executedAt string
	)
	if err := row.Scan(&r.ID, &r.PlanID, &status, &logsJSON, &executedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = contracts.ReceiptStatus(status)
	r.ExecutedAt = parseTime(executedAt)
	if err := json.Unmarshal([]byte(logsJSON), &r.Logs); err != nil {
		return nil, fmt.Errorf("decode receipt logs: %w", err)
	}
	return &r, nil
}

func scanRequest(row rowScanner) (*ActionRequest, error) {
	var (
		r         ActionRequest
		status    string
		inputJSON string
		reasoning sql.NullString
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.AgentID, &status, &r.Summary, &inputJSON, &reasoning, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = contracts.RequestStatus(status)
	r.ReasoningTrace = reasoning.String
	r.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(inputJSON), &r.Input); err != nil {
		return nil, fmt.Errorf("decode request input: %w", err)
	}
	return &r, nil
}

func scanPlan(row rowScanner) (*Plan, error) {
	var (
		p         Plan
		stepsJSON string
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.RequestID, &p.PlanHash, &stepsJSON, &p.RiskScore, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.StepsJSON = json.RawMessage(stepsJSON)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}
