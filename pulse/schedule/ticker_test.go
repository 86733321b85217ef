package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	testdb "github.com/teranos/chainpulse/internal/testing"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/workflow"
)

type published struct {
	id    string
	msg   TriggerMessage
	attrs Attributes
}

// mockPublisher records messages and can be made to fail
type mockPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *mockPublisher) Publish(ctx context.Context, id string, msg TriggerMessage, attrs Attributes) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{id: id, msg: msg, attrs: attrs})
	return nil
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func createWorkflow(t *testing.T, conn *db.DB) string {
	t.Helper()
	w := &workflow.Workflow{
		OrganizationID: "org-1",
		Name:           "payout",
		OperationType:  ledger.OpTransfer,
		Input:          json.RawMessage(`{}`),
	}
	require.NoError(t, workflow.NewStore(conn).Create(context.Background(), w))
	return w.ID
}

func TestStore_CreateValidatesAndLists(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()
	wf := createWorkflow(t, conn)

	err := store.Create(ctx, &Schedule{WorkflowID: wf, CronExpression: "every day"})
	assert.Equal(t, "cronExpression", errors.FieldOf(err))

	sc := &Schedule{WorkflowID: wf, CronExpression: "0 9 * * *"}
	require.NoError(t, store.Create(ctx, sc))
	assert.Equal(t, "UTC", sc.Timezone)

	got, err := store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastTriggeredAt)

	require.NoError(t, store.SetActive(ctx, sc.ID, false))
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.List(ctx, wf)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.True(t, errors.IsNotFoundError(store.SetActive(ctx, "missing", true)))
}

func TestStore_ClaimDispatchOnce(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()
	occ := at(t, "2024-01-15T09:00:00Z")

	ok, err := store.ClaimDispatch(ctx, "sch-1", occ, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimDispatch(ctx, "sch-1", occ, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseDispatch(ctx, "sch-1", occ))
	ok, err = store.ClaimDispatch(ctx, "sch-1", occ, "m3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTicker_DispatchDueSchedules(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()
	wf := createWorkflow(t, conn)

	due := &Schedule{WorkflowID: wf, CronExpression: "0 9 * * *", Timezone: "America/New_York"}
	notDue := &Schedule{WorkflowID: wf, CronExpression: "0 10 * * *"}
	require.NoError(t, store.Create(ctx, due))
	require.NoError(t, store.Create(ctx, notDue))

	pub := &mockPublisher{}
	ticker := NewTicker(store, pub, DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())

	now := at(t, "2024-01-15T14:00:01Z")
	n, err := ticker.Dispatch(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, TriggerMessage{
		WorkflowID:  wf,
		ScheduleID:  due.ID,
		TriggerTime: now,
		TriggerType: TriggerTypeSchedule,
	}, pub.msgs[0].msg)
	assert.Equal(t, wf, pub.msgs[0].attrs["WorkflowId"])

	// a second tick inside the same window publishes nothing
	n, err = ticker.Dispatch(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, pub.count())

	got, err := store.Get(ctx, due.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(now))
}

func TestTicker_FailedPublishIsRetried(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()
	wf := createWorkflow(t, conn)
	require.NoError(t, store.Create(ctx, &Schedule{WorkflowID: wf, CronExpression: "0 9 * * *"}))

	pub := &mockPublisher{err: errors.New("queue unavailable")}
	ticker := NewTicker(store, pub, DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())

	now := at(t, "2024-01-15T09:00:05Z")
	n, err := ticker.Dispatch(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	n, err = ticker.Dispatch(ctx, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTicker_StartStop(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	store := NewStore(conn)
	wf := createWorkflow(t, conn)
	require.NoError(t, store.Create(context.Background(), &Schedule{WorkflowID: wf, CronExpression: "* * * * * *"}))

	pub := &mockPublisher{}
	ticker := NewTicker(store, pub, TickerConfig{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ticker.Start()
	require.Eventually(t, func() bool { return pub.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	ticker.Stop()

	_, ticks := ticker.LastTick()
	assert.GreaterOrEqual(t, ticks, int64(1))
}
