// Package contracts defines the value types shared between the store, the
// effectors, the risk scorer and the orchestrator. Everything here is part of
// the hashed wire contract; field names and json tags must stay stable.
package contracts

import "time"

// CapabilityType identifies an effector family.
type CapabilityType string

const (
	CapFilesystem CapabilityType = "filesystem"
	CapShell      CapabilityType = "shell"
	CapNetwork    CapabilityType = "network"
	CapEcho       CapabilityType = "echo"
)

// KnownCapabilities lists every built-in capability type in registration order.
var KnownCapabilities = []CapabilityType{CapFilesystem, CapShell, CapNetwork, CapEcho}

// StepType identifies one executable unit kind inside a plan.
type StepType string

const (
	StepFSRead   StepType = "FS_READ"
	StepFSWrite  StepType = "FS_WRITE"
	StepFSDelete StepType = "FS_DELETE"
	StepFSList   StepType = "FS_LIST"
	StepFSMove   StepType = "FS_MOVE"
	StepShellRun StepType = "SHELL_RUN"
	StepNetAllow StepType = "NET_ALLOW"
)

// PlanStep is one executable unit of a plan. The canonical JSON of the step
// list is the plan hash input; do not reorder or rename fields.
type PlanStep struct {
	StepID      string         `json:"stepId"`
	Type        StepType       `json:"type"`
	Description string         `json:"description"`
	Inputs      map[string]any `json:"inputs"`
	Preview     string         `json:"preview,omitempty"`
	Diff        string         `json:"diff,omitempty"`
	RiskFlags   []string       `json:"riskFlags"`
	RiskScore   int            `json:"riskScore"`
}

// HasFlag reports whether the step carries the given risk flag.
func (s PlanStep) HasFlag(flag string) bool {
	for _, f := range s.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// ResultStatus is the outcome of executing one step.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultBlocked ResultStatus = "blocked"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	StepID    string       `json:"stepId"`
	Status    ResultStatus `json:"status"`
	Output    string       `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
	Stdout    string       `json:"stdout,omitempty"`
	Stderr    string       `json:"stderr,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ActionInput is the typed payload of an agent's action request.
type ActionInput struct {
	Type      CapabilityType `json:"type"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// RequestStatus is the action-request state machine position.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestPlanned  RequestStatus = "planned"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExecuted RequestStatus = "executed"
	RequestFailed   RequestStatus = "failed"
)

// Decision is an admin verdict on a plan.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ReceiptStatus summarizes an execution across all steps.
type ReceiptStatus string

const (
	ReceiptSuccess        ReceiptStatus = "success"
	ReceiptFailure        ReceiptStatus = "failure"
	ReceiptPartialFailure ReceiptStatus = "partial_failure"
)

// Risk flags attached by policy rather than the scoring table.
const (
	FlagPathDenied        = "path_denied"
	FlagBlockedBySafeMode = "blocked_by_safe_mode"
	FlagCommandNotAllowed = "command_not_allowed"
	FlagWouldBeBlocked    = "would_be_blocked"
)
