package bench

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vssbench/internal/config"
	"vssbench/internal/eventbus"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Network.Latency = ""
	cfg.Bench.Rounds = 3
	cfg.Bench.MessageSize = 100
	cfg.Bench.RoundTimeout = "5s"
	return cfg
}

func TestLatencyRun(t *testing.T) {
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bench")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeRunFinished)
	defer unsub()

	res, err := NewRunner(store, bus, logx.Nop()).Run(context.Background(), testConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, ModeLatency, res.Mode)
	assert.Equal(t, 3, res.Delivered)
	assert.Zero(t, res.Failed)
	assert.Empty(t, res.Error)
	assert.Positive(t, res.Messages)
	assert.Positive(t, res.Bytes)
	assert.Positive(t, res.LatencyMax)
	assert.LessOrEqual(t, res.LatencyP50, res.LatencyMax)

	saved, err := store.ListResults(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, res.RunID, saved[0].RunID)

	select {
	case ev := <-events:
		run := ev.Data.(eventbus.RunEvent)
		assert.Equal(t, res.RunID, run.RunID)
		assert.Equal(t, 3, run.Rounds)
	case <-time.After(time.Second):
		t.Fatal("no run event")
	}
}

func TestThroughputRunWithSilentNode(t *testing.T) {
	cfg := testConfig()
	cfg.Bench.Mode = ModeThroughput
	cfg.Bench.Rounds = 6
	cfg.Bench.Concurrency = 3
	cfg.Network.Byzantine = []config.ByzantineNode{{Node: 3, Behaviour: "silent"}}

	res, err := NewRunner(nil, nil, logx.Nop()).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Byzantine)
	assert.Equal(t, 6, res.Delivered)
	assert.Zero(t, res.Failed)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Network.N = 2
	_, err := NewRunner(nil, nil, logx.Nop()).Run(context.Background(), cfg)
	require.Error(t, err)
}

func TestCancelledRunReportsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewRunner(nil, nil, logx.Nop()).Run(ctx, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.NotEmpty(t, res.Error)
}

func TestPercentile(t *testing.T) {
	lat := []time.Duration{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	var res storage.Result
	fillLatency(&res, lat)
	assert.Equal(t, time.Duration(5), res.LatencyP50)
	assert.Equal(t, time.Duration(9), res.LatencyP90)
	assert.Equal(t, time.Duration(10), res.LatencyP99)
	assert.Equal(t, time.Duration(10), res.LatencyMax)
	assert.Equal(t, time.Duration(5), res.LatencyMean)
}

func TestPayloadIsDeterministic(t *testing.T) {
	assert.Equal(t, payload(32, 7, 1), payload(32, 7, 1))
	assert.NotEqual(t, payload(32, 7, 1), payload(32, 7, 2))
	assert.Empty(t, payload(0, 7, 1))
}

func TestSchedulerTrigger(t *testing.T) {
	cfg := testConfig()
	s := NewScheduler(NewRunner(nil, nil, logx.Nop()), func() *config.Config { return cfg }, logx.Nop())

	_, err := s.Trigger()
	require.Error(t, err, "not started")

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Next().IsZero())
	id, err := s.Trigger()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		last, ok := s.Last()
		return ok && last.RunID == id
	}, 10*time.Second, 20*time.Millisecond)
	assert.Empty(t, s.Running())

	require.NoError(t, s.Apply("@every 1h"))
	assert.False(t, s.Next().IsZero())
	require.Error(t, s.Apply("nonsense"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
