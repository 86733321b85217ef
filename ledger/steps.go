package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
)

// Step is one logged unit of work inside an execution. A node that runs
// several times produces one step per invocation; its children name it as
// ParentNode.
type Step struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	ParentNode  string          `json:"parentNode,omitempty"`
	Node        string          `json:"node"`
	Iteration   int             `json:"iteration"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Step statuses
const (
	StepRunning   = "running"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// StartStep records a running step and returns it with its id set.
func (s *Store) StartStep(ctx context.Context, step Step) (*Step, error) {
	if step.ExecutionID == "" || step.Node == "" {
		return nil, errors.New("step needs an execution id and a node")
	}
	step.ID = uuid.NewString()
	step.Status = StepRunning
	if step.StartedAt.IsZero() {
		step.StartedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_steps
		(id, execution_id, parent_node, node, iteration, status, message, data, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, nullString(step.ParentNode), step.Node, step.Iteration,
		step.Status, nullString(step.Message), nullString(string(step.Data)), db.FormatTime(step.StartedAt))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record step %s", step.Node)
	}
	return &step, nil
}

// FinishStep closes a step with its final status.
func (s *Store) FinishStep(ctx context.Context, id, status, message string, data any) error {
	raw, err := RedactInput(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode step data")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE execution_steps
		SET status = ?, message = ?, data = COALESCE(?, data), finished_at = ? WHERE id = ?`,
		status, nullString(message), nullString(string(raw)), db.FormatTime(s.now().UTC()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to finish step %s", id)
	}
	return nil
}

// Steps returns an execution's steps in start order.
func (s *Store) Steps(ctx context.Context, executionID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, execution_id, parent_node, node, iteration, status,
		message, data, started_at, finished_at
		FROM execution_steps WHERE execution_id = ? ORDER BY started_at, id`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load steps")
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st                                Step
			parent, message, data, finishedAt sql.NullString
			startedAt                         string
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &parent, &st.Node, &st.Iteration, &st.Status,
			&message, &data, &startedAt, &finishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}
		st.ParentNode = parent.String
		st.Message = message.String
		if data.Valid && data.String != "" {
			st.Data = json.RawMessage(data.String)
		}
		if st.StartedAt, err = db.ParseTime(startedAt); err != nil {
			return nil, err
		}
		if st.FinishedAt, err = db.ParseNullTime(finishedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// StepNode is one invocation of a node with its children partitioned by
// iteration.
type StepNode struct {
	Step
	Iterations []StepIteration `json:"iterations,omitempty"`
}

// StepIteration groups the children produced by one iteration of a parent invocation
type StepIteration struct {
	Index    int         `json:"index"`
	Children []*StepNode `json:"children"`
}

// BuildStepTree arranges flat steps into invocation trees.
//
// The node→children lookup is built once. A child belongs to the invocation
// of its parent node whose time window contains the child's start: from that
// invocation's start up to the next invocation of the same node. Within an
// invocation, children are partitioned by iteration index.
func BuildStepTree(steps []Step) []*StepNode {
	sorted := append([]Step(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartedAt.Before(sorted[j].StartedAt) })

	children := make(map[string][]Step)    // parent node -> child steps
	invocations := make(map[string][]Step) // node -> its invocations
	var roots []Step
	for _, st := range sorted {
		invocations[st.Node] = append(invocations[st.Node], st)
		if st.ParentNode == "" {
			roots = append(roots, st)
			continue
		}
		children[st.ParentNode] = append(children[st.ParentNode], st)
	}

	b := &treeBuilder{children: children, invocations: invocations}
	out := make([]*StepNode, 0, len(roots))
	for _, r := range roots {
		out = append(out, b.build(r, map[string]bool{}))
	}
	return out
}

type treeBuilder struct {
	children    map[string][]Step
	invocations map[string][]Step
}

func (b *treeBuilder) build(st Step, path map[string]bool) *StepNode {
	node := &StepNode{Step: st}
	if path[st.Node] {
		return node
	}
	path[st.Node] = true
	defer delete(path, st.Node)

	start, end := b.window(st)
	byIteration := make(map[int][]*StepNode)
	var order []int
	for _, child := range b.children[st.Node] {
		if child.StartedAt.Before(start) || (end != nil && !child.StartedAt.Before(*end)) {
			continue
		}
		if _, seen := byIteration[child.Iteration]; !seen {
			order = append(order, child.Iteration)
		}
		byIteration[child.Iteration] = append(byIteration[child.Iteration], b.build(child, path))
	}
	sort.Ints(order)
	for _, idx := range order {
		node.Iterations = append(node.Iterations, StepIteration{Index: idx, Children: byIteration[idx]})
	}
	return node
}

// window is [invocation start, next invocation of the same node start).
func (b *treeBuilder) window(st Step) (time.Time, *time.Time) {
	runs := b.invocations[st.Node]
	for i, run := range runs {
		if run.ID == st.ID && i+1 < len(runs) {
			next := runs[i+1].StartedAt
			return st.StartedAt, &next
		}
	}
	return st.StartedAt, nil
}
