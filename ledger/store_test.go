package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	testdb "github.com/teranos/chainpulse/internal/testing"
	"github.com/teranos/chainpulse/internal/util"
)

func newTestStore(t *testing.T) *Store {
	return NewStore(testdb.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
}

func createTransfer(t *testing.T, s *Store) *Execution {
	t.Helper()
	exec, err := s.Create(context.Background(), CreateParams{
		OrganizationID: "org-1",
		APIKeyID:       "key-1",
		Type:           OpTransfer,
		Network:        "ethereum",
		Input:          map[string]any{"to": "0xabc", "amount": "1.5"},
	})
	require.NoError(t, err)
	return exec
}

func TestCreate_Pending(t *testing.T) {
	s := newTestStore(t)
	exec := createTransfer(t, s)

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, StatusPending, exec.Status)

	got, err := s.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, "key-1", got.APIKeyID)
	assert.Equal(t, OpTransfer, got.OperationType)
	assert.Equal(t, "ethereum", got.Network)
	assert.JSONEq(t, `{"to":"0xabc","amount":"1.5"}`, string(got.Input))
	assert.Nil(t, got.CompletedAt)
}

func TestCreate_RejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), CreateParams{OrganizationID: "org-1", Type: "mint"})
	require.Error(t, err)
}

func TestLifecycle_Complete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTransfer(t, s)

	require.NoError(t, s.MarkRunning(ctx, exec.ID))
	require.NoError(t, s.Complete(ctx, exec.ID, Outcome{
		Output:  map[string]any{"transactionHash": "0x01"},
		TxHash:  "0x01",
		GasUsed: util.Ptr(uint64(21000)),
	}))

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "0x01", got.TxHash)
	require.NotNil(t, got.GasUsed)
	assert.Equal(t, uint64(21000), *got.GasUsed)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"transactionHash":"0x01"}`, string(got.Output))
}

func TestLifecycle_FailPreservesErrorVerbatim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTransfer(t, s)

	require.NoError(t, s.Fail(ctx, exec.ID, "Insufficient funds"))

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Insufficient funds", got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestLifecycle_FailWithTxKeepsReceipt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTransfer(t, s)

	require.NoError(t, s.MarkRunning(ctx, exec.ID))
	require.NoError(t, s.FailWithTx(ctx, exec.ID, "transaction reverted", "0xabc", 30000))

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "transaction reverted", got.Error)
	assert.Equal(t, "0xabc", got.TxHash)
	require.NotNil(t, got.GasUsed)
	assert.Equal(t, uint64(30000), *got.GasUsed)
}

func TestLifecycle_TerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTransfer(t, s)

	require.NoError(t, s.MarkRunning(ctx, exec.ID))
	require.NoError(t, s.Fail(ctx, exec.ID, "reverted"))

	for name, fn := range map[string]func() error{
		"running":   func() error { return s.MarkRunning(ctx, exec.ID) },
		"completed": func() error { return s.Complete(ctx, exec.ID, Outcome{}) },
		"failed":    func() error { return s.Fail(ctx, exec.ID, "again") },
		"cancelled": func() error { return s.Cancel(ctx, exec.ID, "user") },
	} {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}

	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "reverted", got.Error)
}

func TestLifecycle_CompleteRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	exec := createTransfer(t, s)

	err := s.Complete(context.Background(), exec.ID, Outcome{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTransfer(t, s)

	require.NoError(t, s.Cancel(ctx, exec.ID, "operator request"))
	got, err := s.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.Status.Terminal())
}

func TestConcurrentTerminalTransitionsOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := createTransfer(t, s)
	require.NoError(t, s.MarkRunning(ctx, exec.ID))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = s.Fail(ctx, exec.ID, "boom")
			} else {
				err = s.Cancel(ctx, exec.ID, "stop")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	err = s.MarkRunning(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var got []Status
	s.Subscribe(func(tr Transition) { got = append(got, tr.Status) })

	exec := createTransfer(t, s)
	require.NoError(t, s.MarkRunning(ctx, exec.ID))
	require.NoError(t, s.Complete(ctx, exec.ID, Outcome{}))

	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, got)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	first := createTransfer(t, s)
	second := createTransfer(t, s)
	require.NoError(t, s.Fail(ctx, first.ID, "x"))

	all, err := s.List(ctx, ListFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	failed, err := s.List(ctx, ListFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)
}

func TestUnreachableDatastore(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO executions").WillReturnError(errors.New("connection refused"))

	s := NewStore(db.Wrap(sqlDB, db.DialectSQLite), nil)
	_, err = s.Create(context.Background(), CreateParams{OrganizationID: "org-1", Type: OpSwap})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create execution")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedactInput(t *testing.T) {
	raw, err := RedactInput(map[string]any{
		"to":          "0xabc",
		"private_key": "0xdeadbeef",
		"nested": map[string]any{
			"apiKey":   "cp_live_123",
			"Mnemonic": "word word word",
			"amount":   "1",
		},
		"list": []any{map[string]any{"password": "hunter2", "ok": true}},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "0xabc", got["to"])
	assert.Equal(t, Redacted, got["private_key"])
	nested := got["nested"].(map[string]any)
	assert.Equal(t, Redacted, nested["apiKey"])
	assert.Equal(t, Redacted, nested["Mnemonic"])
	assert.Equal(t, "1", nested["amount"])
	item := got["list"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["password"])
	assert.Equal(t, true, item["ok"])

	raw, err = RedactInput(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}
