package model

import (
	"encoding/json"
	"time"
)

// Kind is the type of action an operation performs against its target.
type Kind string

// Operation kind constants.
const (
	KindDeploy     Kind = "DEPLOY"
	KindCommission Kind = "COMMISSION"
	KindRelease    Kind = "RELEASE"
)

// Kinds lists every supported operation kind.
var Kinds = []Kind{KindDeploy, KindCommission, KindRelease}

// ParseKind returns the Kind named by s, or false if s is not a supported kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Operation is the persisted record of one long-running operation against a
// target machine.
type Operation struct {
	ID          string          `json:"id"`
	TargetID    string          `json:"target_id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	ExecutionID string          `json:"execution_id,omitempty"`
	AcceptedAt  time.Time       `json:"accepted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Result      *Result         `json:"result,omitempty"`
}

// Result is the payload written once when an operation reaches a terminal
// status: the work's output on success, an error description otherwise.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ResultError    `json:"error,omitempty"`
}

// ResultError describes why an operation did not complete.
type ResultError struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Failure reasons recorded in ResultError.Reason.
const (
	ReasonWorkFailed     = "work_failed"
	ReasonCancelled      = "cancelled"
	ReasonStartFailed    = "start_failed"
	ReasonEngineReported = "engine_reported"
)

// OutputResult wraps a successful work output. A nil output is recorded as
// JSON null so the result itself is never empty.
func OutputResult(output json.RawMessage) *Result {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	return &Result{Output: output}
}

// ErrorResult builds a failure result.
func ErrorResult(message, reason string) *Result {
	return &Result{Error: &ResultError{Message: message, Reason: reason}}
}

// Transition is a conditional status change: it applies only while the
// record is still in From. At stamps started_at for RUNNING and finished_at
// for terminal targets; Result must be set for terminal targets.
type Transition struct {
	From        Status
	To          Status
	At          time.Time
	ExecutionID string
	Result      *Result
}

// Event is a status change notification published to stream subscribers.
type Event struct {
	OperationID string    `json:"operation_id"`
	Status      Status    `json:"status"`
	Source      string    `json:"source"`
	At          time.Time `json:"at"`
	Result      *Result   `json:"result,omitempty"`
}
