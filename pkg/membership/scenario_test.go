package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTwoNodeScenario drives a running directory through the timeline of a
// peer that heartbeats once and then goes silent:
//
//	t=0   A starts with B in its bootstrap list; no members yet
//	t=5   B's heartbeat arrives; B is a member
//	t=20  B has been silent for the full TTL; pruned, one leave
func TestTwoNodeScenario(t *testing.T) {
	tr := newFakeTransport("peer-a", "10.0.0.1:5000")
	clock := newManualClock()
	cfg := DefaultConfig()
	cfg.Bootstrap = []string{"10.0.0.2:5000"}

	d := New(cfg, tr, nil, WithClock(clock))
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	sub, err := d.Subscribe(context.Background())
	require.NoError(t, err)

	// broadcaster and pruner tickers
	require.Eventually(t, func() bool { return clock.tickerCount() == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"10.0.0.2:5000"}, tr.bootstrapped)
	assert.Empty(t, d.Members(), "t=0")

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return tr.publishedCount() == 1 }, time.Second, time.Millisecond)

	tr.msgs <- heartbeatMessage("peer-b", "10.0.0.2:5000", clock.Now())

	select {
	case ev := <-sub.C():
		assert.Equal(t, EventJoin, ev.Type)
		assert.Equal(t, "peer-b", ev.PeerID)
	case <-time.After(time.Second):
		t.Fatal("no join event")
	}
	assert.Equal(t, []string{"10.0.0.2:5000"}, d.Members(), "t=5")

	for _, at := range []int{10, 15} {
		clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool { return tr.publishedCount() == at/5 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"10.0.0.2:5000"}, d.Members(), "t=%d", at)
	}

	clock.Advance(5 * time.Second)
	select {
	case ev := <-sub.C():
		assert.Equal(t, EventLeave, ev.Type)
		assert.Equal(t, "peer-b", ev.PeerID)
	case <-time.After(time.Second):
		t.Fatal("no leave event at t=20")
	}
	assert.Empty(t, d.Members(), "t=20")

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
