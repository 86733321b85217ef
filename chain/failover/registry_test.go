package failover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chainpulse/am"
)

func TestRegistry_SameKeySameManager(t *testing.T) {
	eps := newEndpoints()
	reg := newTestRegistry(t, eps, nil)

	a := reg.Get(testConfig(fallbackURL))
	b := reg.Get(testConfig(fallbackURL))
	assert.Same(t, a, b)

	c := reg.Get(testConfig(""))
	assert.NotSame(t, a, c)
}

func TestRegistry_StatePersistsAcrossGet(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	reg := newTestRegistry(t, eps, nil)

	require.NoError(t, reg.Get(testConfig(fallbackURL)).Execute(context.Background(), eps.op))
	assert.True(t, reg.Get(testConfig(fallbackURL)).IsUsingFallback())
	assert.Equal(t, map[string]bool{"ethereum": true}, reg.FailoverStates())
}

func TestRegistry_ClearResetsState(t *testing.T) {
	eps := newEndpoints()
	eps.set(primaryURL, false)
	reg := newTestRegistry(t, eps, nil)

	m := reg.Get(testConfig(fallbackURL))
	require.NoError(t, m.Execute(context.Background(), eps.op))
	primary := m.clients[RolePrimary].(*fakeClient)

	reg.Clear()

	assert.True(t, primary.closed.Load())
	assert.Empty(t, reg.FailoverStates())
	fresh := reg.Get(testConfig(fallbackURL))
	assert.NotSame(t, m, fresh)
	assert.False(t, fresh.IsUsingFallback())
}

func TestRegistry_States(t *testing.T) {
	eps := newEndpoints()
	reg := newTestRegistry(t, eps, nil)

	base := testConfig("")
	base.Chain = "base"
	reg.Get(base)
	reg.Get(testConfig(fallbackURL))

	states := reg.States()
	require.Len(t, states, 2)
	assert.Equal(t, "base", states[0].Chain)
	assert.False(t, states[0].HasFallback)
	assert.Equal(t, "ethereum", states[1].Chain)
	assert.True(t, states[1].HasFallback)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	var got int
	unsubscribe := bus.Subscribe(func(StateChange) { got++ })

	bus.Publish(StateChange{Chain: "ethereum", Reason: ReasonFailover})
	unsubscribe()
	unsubscribe()
	bus.Publish(StateChange{Chain: "ethereum", Reason: ReasonRecovery})

	assert.Equal(t, 1, got)
}

func TestConfigFromChain(t *testing.T) {
	cfg := ConfigFromChain("polygon", am.ChainConfig{
		ChainID:    137,
		PrimaryURL: primaryURL,
		MaxRetries: 0,
		TimeoutMs:  2500,
		Finality:   "finalized",
	})

	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, int64(2500), cfg.Timeout.Milliseconds())
	assert.False(t, cfg.HasFallback())
	require.NotNil(t, cfg.BlockTag())
	assert.Equal(t, int64(-3), cfg.BlockTag().Int64())
	assert.Nil(t, Config{}.BlockTag())
}
