// Package workflow stores the operations that schedules run.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/ledger"
)

// Workflow is a stored operation. Editing the workflow graph happens
// elsewhere; the core only needs what to run and for whom.
type Workflow struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organizationId"`
	Name           string               `json:"name"`
	OperationType  ledger.OperationType `json:"operationType"`
	Input          json.RawMessage      `json:"input"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// Store handles persistence of workflows
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a new workflow store
func NewStore(conn *db.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// Create stores a workflow and fills in its id and timestamps.
func (s *Store) Create(ctx context.Context, w *Workflow) error {
	if strings.TrimSpace(w.OrganizationID) == "" {
		return errors.NewValidationError("organizationId", "organizationId is required")
	}
	if !w.OperationType.Valid() {
		return errors.NewValidationError("operationType", "unknown operation type %q", w.OperationType)
	}
	if len(w.Input) == 0 || !json.Valid(w.Input) {
		return errors.NewValidationError("input", "input must be a JSON object")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := s.now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO workflows
		(id, organization_id, name, operation_type, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OrganizationID, w.Name, string(w.OperationType), string(w.Input),
		db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return errors.Wrap(err, "failed to create workflow")
	}
	return nil
}

// Get retrieves a workflow by id
func (s *Store) Get(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, organization_id, name, operation_type, input, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	w, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("workflow %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get workflow %s", id)
	}
	return w, nil
}

// List returns an organization's workflows, or all when organizationID is empty.
func (s *Store) List(ctx context.Context, organizationID string) ([]*Workflow, error) {
	query := `SELECT id, organization_id, name, operation_type, input, created_at, updated_at FROM workflows`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Workflow, error) {
	var w Workflow
	var opType, input, createdAt, updatedAt string
	if err := row.Scan(&w.ID, &w.OrganizationID, &w.Name, &opType, &input, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.OperationType = ledger.OperationType(opType)
	w.Input = json.RawMessage(input)
	var err error
	if w.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
