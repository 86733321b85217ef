// Package queue is the sql-backed trigger queue between the schedule
// dispatcher and worker processes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/pulse/schedule"
)

// Status of a queued message
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Message is one trigger waiting for, or handled by, a worker
type Message struct {
	ID          string                  `json:"id"`
	WorkflowID  string                  `json:"workflowId"`
	TriggerType string                  `json:"triggerType"`
	Trigger     schedule.TriggerMessage `json:"trigger"`
	Attributes  schedule.Attributes     `json:"attributes"`
	Status      Status                  `json:"status"`
	Attempts    int                     `json:"attempts"`
	ExecutionID string                  `json:"executionId,omitempty"`
	Error       string                  `json:"error,omitempty"`
	EnqueuedAt  time.Time               `json:"enqueuedAt"`
	ClaimedAt   *time.Time              `json:"claimedAt,omitempty"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
}

// Queue stores trigger messages
type Queue struct {
	db  *db.DB
	now func() time.Time
}

var _ schedule.Publisher = (*Queue)(nil)

// NewQueue creates a trigger queue
func NewQueue(conn *db.DB) *Queue {
	return &Queue{db: conn, now: time.Now}
}

const messageColumns = `id, workflow_id, trigger_type, payload, attributes, status, attempts,
	execution_id, error, enqueued_at, claimed_at, completed_at`

// Publish enqueues a trigger message. An empty id gets a fresh one.
func (q *Queue) Publish(ctx context.Context, id string, msg schedule.TriggerMessage, attrs schedule.Attributes) error {
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode trigger message")
	}
	rawAttrs, err := json.Marshal(attrs)
	if err != nil {
		return errors.Wrap(err, "failed to encode message attributes")
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO trigger_queue
		(id, workflow_id, trigger_type, payload, attributes, status, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id, msg.WorkflowID, msg.TriggerType, string(payload), string(rawAttrs),
		string(StatusQueued), db.FormatTime(q.now().UTC()))
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue trigger")
		return errors.WithDetail(err, fmt.Sprintf("Workflow ID: %s", msg.WorkflowID))
	}
	return nil
}

// Claim takes the oldest queued message and marks it running. It returns
// nil when the queue is empty. Concurrent consumers never claim the same message.
func (q *Queue) Claim(ctx context.Context) (*Message, error) {
	for {
		var id string
		err := q.db.QueryRowContext(ctx, `SELECT id FROM trigger_queue WHERE status = ?
			ORDER BY enqueued_at, id LIMIT 1`, string(StatusQueued)).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if db.IsDatabaseClosed(err) {
			return nil, errors.Mark(errors.Wrap(err, "failed to find queued trigger"), db.ErrDatabaseClosed)
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to find queued trigger")
		}

		res, err := q.db.ExecContext(ctx, `UPDATE trigger_queue
			SET status = ?, attempts = attempts + 1, claimed_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusRunning), db.FormatTime(q.now().UTC()), id, string(StatusQueued))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim trigger %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// another consumer won; look again
			continue
		}
		return q.Get(ctx, id)
	}
}

// SetExecution links a claimed message to the execution created for it
func (q *Queue) SetExecution(ctx context.Context, id, executionID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE trigger_queue SET execution_id = ? WHERE id = ?`, executionID, id)
	if err != nil {
		return errors.Wrapf(err, "failed to link trigger %s to execution", id)
	}
	return nil
}

// Complete marks a message handled
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StatusCompleted, "")
}

// Fail marks a message failed with errText
func (q *Queue) Fail(ctx context.Context, id, errText string) error {
	return q.finish(ctx, id, StatusFailed, errText)
}

func (q *Queue) finish(ctx context.Context, id string, status Status, errText string) error {
	var errVal sql.NullString
	if errText != "" {
		errVal = sql.NullString{String: errText, Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `UPDATE trigger_queue SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), errVal, db.FormatTime(q.now().UTC()), id, string(StatusRunning))
	if err != nil {
		return errors.Wrapf(err, "failed to mark trigger %s %s", id, status)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("trigger %s is not running", id)
	}
	return nil
}

// Get retrieves a message by id
func (q *Queue) Get(ctx context.Context, id string) (*Message, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM trigger_queue WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("trigger %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get trigger %s", id)
	}
	return m, nil
}

// ListRunning returns messages claimed but not finished
func (q *Queue) ListRunning(ctx context.Context) ([]*Message, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM trigger_queue
		WHERE status = ? ORDER BY enqueued_at`, string(StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running triggers")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Counts returns how many messages are queued and running
func (q *Queue) Counts(ctx context.Context) (queued, running int, err error) {
	err = q.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM trigger_queue`, string(StatusQueued), string(StatusRunning)).Scan(&queued, &running)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count triggers")
	}
	return queued, running, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var status, payload, attrs, enqueuedAt string
	var executionID, errText, claimedAt, completedAt sql.NullString
	err := row.Scan(&m.ID, &m.WorkflowID, &m.TriggerType, &payload, &attrs, &status, &m.Attempts,
		&executionID, &errText, &enqueuedAt, &claimedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.ExecutionID = executionID.String
	m.Error = errText.String
	if err := json.Unmarshal([]byte(payload), &m.Trigger); err != nil {
		return nil, errors.Wrapf(err, "malformed payload in trigger %s", m.ID)
	}
	if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
		return nil, errors.Wrapf(err, "malformed attributes in trigger %s", m.ID)
	}
	if m.EnqueuedAt, err = db.ParseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if m.ClaimedAt, err = db.ParseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if m.CompletedAt, err = db.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
