package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// ErrInvalidTransition is returned when a status change would move an
// execution backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid execution status transition")

// Store persists executions and owns their state machine.
type Store struct {
	db     *db.DB
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []func(Transition)
}

// NewStore creates a ledger store
func NewStore(conn *db.DB, log *zap.SugaredLogger) *Store {
	return &Store{
		db:     conn,
		logger: logger.AddLedgerSymbol(log),
		now:    time.Now,
	}
}

// Subscribe registers fn to receive committed transitions, including creation.
func (s *Store) Subscribe(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) publish(t Transition) {
	s.mu.RLock()
	listeners := append([]func(Transition){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

const executionColumns = `id, organization_id, api_key_id, workflow_id, operation_type, network, status,
	input, output, error, tx_hash, gas_used, created_at, started_at, completed_at, updated_at`

// Create records a new pending execution and returns it.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Execution, error) {
	if p.OrganizationID == "" {
		return nil, errors.New("organization id is required")
	}
	if !p.Type.Valid() {
		return nil, errors.Newf("unknown operation type %q", p.Type)
	}

	input, err := RedactInput(p.Input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode execution input")
	}

	now := s.now().UTC()
	exec := &Execution{
		ID:             uuid.NewString(),
		OrganizationID: p.OrganizationID,
		APIKeyID:       p.APIKeyID,
		WorkflowID:     p.WorkflowID,
		OperationType:  p.Type,
		Network:        p.Network,
		Status:         StatusPending,
		Input:          input,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, NULL, NULL, ?)`,
		exec.ID, exec.OrganizationID, nullString(exec.APIKeyID), nullString(exec.WorkflowID),
		string(exec.OperationType), nullString(exec.Network), string(exec.Status),
		nullString(string(input)), db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create execution")
	}

	s.logger.Infow("Execution created",
		logger.FieldExecutionID, exec.ID,
		logger.FieldOrganizationID, exec.OrganizationID,
		logger.FieldOperation, string(exec.OperationType))
	s.publish(Transition{ExecutionID: exec.ID, OrganizationID: exec.OrganizationID, Status: StatusPending, At: now})
	return exec, nil
}

// MarkRunning moves a pending execution to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := s.now().UTC()
	return s.transition(ctx, id, StatusRunning, "",
		"started_at = ?", db.FormatTime(now))
}

// Complete records a successful outcome.
func (s *Store) Complete(ctx context.Context, id string, out Outcome) error {
	output, err := encodeOutput(out.Output)
	if err != nil {
		return errors.Wrap(err, "failed to encode execution output")
	}
	var gas sql.NullInt64
	if out.GasUsed != nil {
		gas = sql.NullInt64{Int64: int64(*out.GasUsed), Valid: true}
	}
	now := s.now().UTC()
	return s.transition(ctx, id, StatusCompleted, "",
		"output = ?, tx_hash = ?, gas_used = ?, completed_at = ?",
		nullString(string(output)), nullString(out.TxHash), gas, db.FormatTime(now))
}

// Fail records errText verbatim as the execution error.
func (s *Store) Fail(ctx context.Context, id, errText string) error {
	now := s.now().UTC()
	return s.transition(ctx, id, StatusFailed, errText,
		"error = ?, completed_at = ?", errText, db.FormatTime(now))
}

// FailWithTx records a failure whose transaction was mined, such as a revert,
// keeping the hash and gas it consumed.
func (s *Store) FailWithTx(ctx context.Context, id, errText, txHash string, gasUsed uint64) error {
	now := s.now().UTC()
	return s.transition(ctx, id, StatusFailed, errText,
		"error = ?, tx_hash = ?, gas_used = ?, completed_at = ?",
		errText, nullString(txHash), int64(gasUsed), db.FormatTime(now))
}

// Cancel stops a pending or running execution.
func (s *Store) Cancel(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	return s.transition(ctx, id, StatusCancelled, reason,
		"error = ?, completed_at = ?", nullString(reason), db.FormatTime(now))
}

// transition applies a guarded status change. The WHERE clause only matches
// rows in an allowed source state, so concurrent writers cannot both win.
func (s *Store) transition(ctx context.Context, id string, to Status, errText, set string, args ...any) error {
	from := allowedFrom[to]
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	now := s.now().UTC()
	query := `UPDATE executions SET status = ?, updated_at = ?, ` + set +
		` WHERE id = ? AND status IN (` + placeholders + `)`

	params := []any{string(to), db.FormatTime(now)}
	params = append(params, args...)
	params = append(params, id)
	for _, f := range from {
		params = append(params, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return errors.Wrapf(err, "failed to mark execution %s %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.WithDetailf(
			errors.Mark(errors.Newf("execution %s is %s, cannot become %s", id, current.Status, to), ErrInvalidTransition),
			"execution_id=%s", id)
	}

	exec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fields := []any{logger.FieldExecutionID, id, logger.FieldStatus, string(to)}
	if errText != "" {
		fields = append(fields, logger.FieldError, errText)
	}
	s.logger.Infow("Execution transitioned", fields...)
	s.publish(Transition{ExecutionID: id, OrganizationID: exec.OrganizationID, Status: to, Error: errText, At: now})
	return nil
}

// Get returns an execution or a not-found error.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load execution %s", id)
	}
	return exec, nil
}

// ListFilter narrows List
type ListFilter struct {
	OrganizationID string
	WorkflowID     string
	Status         Status
	Limit          int
}

// List returns executions, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if f.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, f.OrganizationID)
	}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		exec                                         Execution
		apiKeyID, workflowID, network, input, output sql.NullString
		errText, txHash, startedAt, completedAt      sql.NullString
		gasUsed                                      sql.NullInt64
		opType, status, createdAt, updatedAt         string
	)
	err := row.Scan(&exec.ID, &exec.OrganizationID, &apiKeyID, &workflowID, &opType, &network, &status,
		&input, &output, &errText, &txHash, &gasUsed, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	exec.APIKeyID = apiKeyID.String
	exec.WorkflowID = workflowID.String
	exec.OperationType = OperationType(opType)
	exec.Network = network.String
	exec.Status = Status(status)
	if input.Valid && input.String != "" {
		exec.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		exec.Output = json.RawMessage(output.String)
	}
	exec.Error = errText.String
	exec.TxHash = txHash.String
	if gasUsed.Valid {
		g := uint64(gasUsed.Int64)
		exec.GasUsed = &g
	}
	if exec.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = db.ParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = db.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}

func encodeOutput(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
