package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
)

// Store handles persistence of schedules and of the dispatch log that keeps
// an occurrence from being published twice.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(conn *db.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

const scheduleColumns = `id, workflow_id, cron_expression, timezone, active, last_triggered_at, created_at, updated_at`

// Create validates and stores a schedule
func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	if sc.WorkflowID == "" {
		return errors.NewValidationError("workflowId", "workflowId is required")
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if _, _, err := Parse(sc.CronExpression, sc.Timezone); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := s.now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	sc.Active = true

	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, 1, NULL, ?, ?)`,
		sc.ID, sc.WorkflowID, sc.CronExpression, sc.Timezone, db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// Get retrieves a schedule by id
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sc, nil
}

// ListActive returns every active schedule
func (s *Store) ListActive(ctx context.Context) ([]*Schedule, error) {
	return s.list(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE active = 1 ORDER BY created_at`)
}

// List returns all schedules, optionally for one workflow
func (s *Store) List(ctx context.Context, workflowID string) ([]*Schedule, error) {
	if workflowID == "" {
		return s.list(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
	}
	return s.list(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE workflow_id = ? ORDER BY created_at`, workflowID)
}

// SetActive pauses or resumes a schedule
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET active = ?, updated_at = ? WHERE id = ?`,
		flag, db.FormatTime(s.now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule %s not found", id)
	}
	return nil
}

// MarkTriggered records when a schedule last published a trigger
func (s *Store) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_triggered_at = ?, updated_at = ? WHERE id = ?`,
		db.FormatTime(at), db.FormatTime(s.now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark schedule %s triggered", id)
	}
	return nil
}

// ClaimDispatch records that occurrence of a schedule is being published.
// It returns false if any dispatcher already claimed it.
func (s *Store) ClaimDispatch(ctx context.Context, scheduleID string, occurrence time.Time, messageID string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedule_dispatches (schedule_id, occurrence, message_id, dispatched_at)
		VALUES (?, ?, ?, ?)`,
		scheduleID, db.FormatTime(occurrence), messageID, db.FormatTime(s.now().UTC()))
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim dispatch of schedule %s", scheduleID)
	}
	return true, nil
}

// ReleaseDispatch drops a claim whose publish failed so a later tick can retry.
func (s *Store) ReleaseDispatch(ctx context.Context, scheduleID string, occurrence time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_dispatches WHERE schedule_id = ? AND occurrence = ?`,
		scheduleID, db.FormatTime(occurrence))
	if err != nil {
		return errors.Wrapf(err, "failed to release dispatch of schedule %s", scheduleID)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var sc Schedule
	var active int
	var lastTriggered sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.CronExpression, &sc.Timezone, &active,
		&lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sc.Active = active != 0
	if sc.LastTriggeredAt, err = db.ParseNullTime(lastTriggered); err != nil {
		return nil, err
	}
	if sc.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sc.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}
