package supervisor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/workflow"
)

type stubExecutions map[string]*ledger.Execution

func (s stubExecutions) Get(ctx context.Context, id string) (*ledger.Execution, error) {
	if e, ok := s[id]; ok {
		return e, nil
	}
	return nil, errors.NewNotFoundError("execution %s not found", id)
}

type stubRunner struct {
	result *execute.Result
	err    error
	calls  int
}

func (r *stubRunner) Resume(ctx context.Context, id string) (*execute.Result, error) {
	r.calls++
	return r.result, r.err
}

func TestRunExecution(t *testing.T) {
	env := Config{WorkflowID: "wf-1", ExecutionID: "exec-1"}
	execs := stubExecutions{"exec-1": {ID: "exec-1", WorkflowID: "wf-1", Status: ledger.StatusPending}}

	t.Run("completed", func(t *testing.T) {
		r := &stubRunner{result: &execute.Result{ExecutionID: "exec-1", Status: ledger.StatusCompleted}}
		err := RunExecution(context.Background(), execs, r, env)
		assert.NoError(t, err)
		assert.Equal(t, 1, r.calls)
	})

	t.Run("recorded failure exits cleanly", func(t *testing.T) {
		r := &stubRunner{result: &execute.Result{ExecutionID: "exec-1", Status: ledger.StatusFailed, Error: "transaction reverted"}}
		err := RunExecution(context.Background(), execs, r, env)
		require.Error(t, err)
		assert.True(t, errors.IsBusinessFailure(err))
		assert.Equal(t, ExitOK, ExitCode(err))
	})

	t.Run("runner error", func(t *testing.T) {
		r := &stubRunner{err: errors.New("ledger unavailable")}
		err := RunExecution(context.Background(), execs, r, env)
		assert.Equal(t, ExitSystem, ExitCode(err))
	})

	t.Run("unknown execution", func(t *testing.T) {
		r := &stubRunner{}
		err := RunExecution(context.Background(), execs, r, Config{WorkflowID: "wf-1", ExecutionID: "missing"})
		assert.Equal(t, ExitSystem, ExitCode(err))
		assert.Zero(t, r.calls)
	})

	t.Run("workflow mismatch", func(t *testing.T) {
		r := &stubRunner{}
		err := RunExecution(context.Background(), execs, r, Config{WorkflowID: "wf-2", ExecutionID: "exec-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wf-2")
		assert.Zero(t, r.calls)
	})
}

func TestWorkerJob_DatastoreUnreachable(t *testing.T) {
	env := Config{
		WorkflowID:  "wf-1",
		ExecutionID: "exec-1",
		DatabaseURL: filepath.Join(t.TempDir(), "missing", "dir", "chainpulse.db"),
	}
	s := New(Options{})
	code := s.Run(context.Background(), NewWorkerJob(env, &am.Config{}, nil))
	assert.Equal(t, ExitSystem, code)
}

func TestWorkerJob_RecordsInvalidStoredOperation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainpulse.db")
	conn, err := db.OpenWithMigrations(path, nil)
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	wf := &workflow.Workflow{
		OrganizationID: "org-1",
		Name:           "payout",
		OperationType:  ledger.OpTransfer,
		Input:          json.RawMessage(`{"network":"base","to":"0x0000000000000000000000000000000000000001","amount":"1"}`),
	}
	require.NoError(t, workflow.NewStore(conn).Create(ctx, wf))

	store := ledger.NewStore(conn, zaptest.NewLogger(t).Sugar())
	exec, err := store.Create(ctx, ledger.CreateParams{
		OrganizationID: wf.OrganizationID,
		WorkflowID:     wf.ID,
		Type:           wf.OperationType,
		Network:        "base",
		Input:          wf.Input,
	})
	require.NoError(t, err)

	// no chains configured: the operation fails and that failure is recorded
	env := Config{WorkflowID: wf.ID, ExecutionID: exec.ID, DatabaseURL: path}
	code := New(Options{}).Run(ctx, NewWorkerJob(env, &am.Config{}, nil))
	assert.Equal(t, ExitOK, code)

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "network")
}
