package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across chainpulse.
const (
	// Identity
	FieldExecutionID    = "execution_id"
	FieldWorkflowID     = "workflow_id"
	FieldScheduleID     = "schedule_id"
	FieldOrganizationID = "organization_id"
	FieldAPIKeyID       = "api_key_id"
	FieldRequestID      = "request_id"
	FieldMessageID      = "message_id"

	// Chain
	FieldChain    = "chain"
	FieldEndpoint = "endpoint"
	FieldAttempt  = "attempt"
	FieldTxHash   = "tx_hash"
	FieldContract = "contract"

	// Operations
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors and state
	FieldError    = "error"
	FieldStatus   = "status"
	FieldState    = "state"
	FieldExitCode = "exit_code"
	FieldSignal   = "signal"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	requestIDKey   contextKey = "logger_request_id"
	executionIDKey contextKey = "logger_execution_id"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}
	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	return fields
}

// FromContext returns base with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	base = OrNop(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
