package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vssbench/internal/broadcast"
	"vssbench/internal/eventbus"
	"vssbench/internal/session"
	"vssbench/internal/simnet"
)

func newTestCluster(t *testing.T, cfg ClusterConfig) *Cluster {
	t.Helper()
	c, err := NewCluster(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func nextResult(t *testing.T, sub *session.Subscription[RoundResult]) session.Event[RoundResult] {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("round did not complete")
		return session.Event[RoundResult]{}
	}
}

func TestClusterDeliversToEveryNode(t *testing.T) {
	c := newTestCluster(t, ClusterConfig{Net: simnet.Config{N: 4, Latency: time.Millisecond}, T: 1})
	tag := broadcast.Tag{Kind: broadcast.KindAvssSimpl, Instance: 11}

	subs := make([]*session.Subscription[RoundResult], len(c.Nodes))
	for i, n := range c.Nodes {
		require.NoError(t, n.Expect(tag))
		subs[i] = n.Registry().Subscribe()
		defer subs[i].Close()
	}
	require.NoError(t, c.Nodes[0].Propose(context.Background(), tag, []byte("ping")))

	id, err := SessionID(tag)
	require.NoError(t, err)
	for i, sub := range subs {
		ev := nextResult(t, sub)
		require.Equal(t, id, ev.ID)
		require.Equal(t, i, ev.Output.Node)
		require.Equal(t, "ping", string(ev.Output.Message))
		require.Equal(t, tag, ev.Output.Tag)
		require.True(t, c.Nodes[i].Registry().IsEmpty())
	}

	// At most 3 proposes, 4*3 echoes and 4*3 readies. A participant that
	// delivered before its propose arrived never echoes, but every
	// participant sends its Ready before delivering.
	msgs, _ := simnet.Totals(c.Net.Summaries())
	require.LessOrEqual(t, msgs, uint64(27))
	require.GreaterOrEqual(t, msgs, uint64(3+3+12))
}

func TestClusterToleratesSilentNode(t *testing.T) {
	c := newTestCluster(t, ClusterConfig{
		Net: simnet.Config{N: 4, Behaviours: map[int]simnet.Behaviour{3: simnet.Silent}},
		T:   1,
	})
	tag := broadcast.Tag{Kind: broadcast.KindBingo, Instance: 1}

	honest := c.Honest()
	require.Len(t, honest, 3)
	var subs []*session.Subscription[RoundResult]
	for _, n := range honest {
		require.NoError(t, n.Expect(tag))
		sub := n.Registry().Subscribe()
		defer sub.Close()
		subs = append(subs, sub)
	}
	require.NoError(t, honest[1].Propose(context.Background(), tag, []byte("quiet")))
	for _, sub := range subs {
		require.Equal(t, "quiet", string(nextResult(t, sub).Output.Message))
	}
}

func TestSilentNodeDoesNotRouteDeliveries(t *testing.T) {
	c := newTestCluster(t, ClusterConfig{
		Net: simnet.Config{N: 4, Behaviours: map[int]simnet.Behaviour{3: simnet.Silent}},
		T:   1,
	})
	tag := broadcast.Tag{Kind: broadcast.KindHaven, Instance: 2}
	for _, n := range c.Honest() {
		require.NoError(t, n.Expect(tag))
	}
	require.NoError(t, c.Nodes[0].Propose(context.Background(), tag, []byte("hush")))

	silent := c.Nodes[3]
	require.Eventually(t, func() bool { return silent.Memory().Snapshot().Delivered == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return silent.Registry().Snapshot().Waiters > 0 }, 200*time.Millisecond, 5*time.Millisecond)
}

func TestSessionIDSeparatesKinds(t *testing.T) {
	a := broadcast.Tag{Kind: broadcast.KindBingo, Instance: 9}
	b := broadcast.Tag{Kind: broadcast.KindHbAvss, Instance: 9}
	idA, err := SessionID(a)
	require.NoError(t, err)
	idB, err := SessionID(b)
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	_, err = SessionID(broadcast.Tag{Instance: 1 << 56})
	require.ErrorIs(t, err, ErrInstanceRange)

	c := newTestCluster(t, ClusterConfig{Net: simnet.Config{N: 4}, T: 1})
	for _, n := range c.Nodes {
		require.NoError(t, n.Expect(a))
		require.NoError(t, n.Expect(b))
	}
	sub := c.Nodes[1].Registry().Subscribe()
	defer sub.Close()
	require.NoError(t, c.Nodes[0].Propose(context.Background(), a, []byte("first")))
	require.NoError(t, c.Nodes[2].Propose(context.Background(), b, []byte("second")))

	got := map[broadcast.Tag]string{}
	for range 2 {
		ev := nextResult(t, sub)
		got[ev.Output.Tag] = string(ev.Output.Message)
	}
	require.Equal(t, map[broadcast.Tag]string{a: "first", b: "second"}, got)
}

func TestRoundsCleanTogether(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256, eventbus.TypeBroadcastDelivered)
	defer unsub()

	c := newTestCluster(t, ClusterConfig{Net: simnet.Config{N: 4}, T: 1, Bus: bus})
	const rounds = 3
	for r := uint64(1); r <= rounds; r++ {
		for _, n := range c.Nodes {
			require.NoError(t, n.Expect(broadcast.Tag{Kind: broadcast.KindBadger, Instance: r}))
		}
	}
	done, err := c.Nodes[2].Registry().Clean(rounds, 5*time.Second)
	require.NoError(t, err)
	for r := uint64(1); r <= rounds; r++ {
		proposer := c.Nodes[int(r)%len(c.Nodes)]
		require.NoError(t, proposer.Propose(context.Background(), broadcast.Tag{Kind: broadcast.KindBadger, Instance: r}, []byte{byte(r)}))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatalf("clean never resolved")
	}
	require.Eventually(t, func() bool { return len(events) == rounds*len(c.Nodes) }, 2*time.Second, 10*time.Millisecond)
}
