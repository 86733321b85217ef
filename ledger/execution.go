// Package ledger is the durable record of dispatched operations and the only
// writer of their status.
package ledger

import (
	"encoding/json"
	"time"
)

// Status is an execution lifecycle state
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedFrom lists the states each target may be entered from.
var allowedFrom = map[Status][]Status{
	StatusRunning:   {StatusPending},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusPending, StatusRunning},
	StatusCancelled: {StatusPending, StatusRunning},
}

// OperationType names what an execution does
type OperationType string

const (
	OpTransfer          OperationType = "transfer"
	OpContractCallRead  OperationType = "contract-call-read"
	OpContractCallWrite OperationType = "contract-call-write"
	OpCheckAndExecute   OperationType = "check-and-execute"
	OpSwap              OperationType = "swap"
)

// Valid reports whether t is a known operation type
func (t OperationType) Valid() bool {
	switch t {
	case OpTransfer, OpContractCallRead, OpContractCallWrite, OpCheckAndExecute, OpSwap:
		return true
	}
	return false
}

// Execution is one dispatched operation
type Execution struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	APIKeyID       string          `json:"apiKeyId,omitempty"`
	WorkflowID     string          `json:"workflowId,omitempty"`
	OperationType  OperationType   `json:"operationType"`
	Network        string          `json:"network,omitempty"`
	Status         Status          `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	TxHash         string          `json:"transactionHash,omitempty"`
	GasUsed        *uint64         `json:"gasUsed,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// CreateParams describes a new execution
type CreateParams struct {
	OrganizationID string
	APIKeyID       string
	WorkflowID     string
	Type           OperationType
	Network        string
	// Input is redacted before it is stored
	Input any
}

// Outcome is what a successful execution produced
type Outcome struct {
	Output  any
	TxHash  string
	GasUsed *uint64
}

// Transition is published after every committed status change
type Transition struct {
	ExecutionID    string    `json:"executionId"`
	OrganizationID string    `json:"organizationId"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}
