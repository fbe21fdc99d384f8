package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vssbench/internal/simnet"
	logx "vssbench/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFormats(t *testing.T) {
	cases := map[string]string{
		"c.json": `{"network":{"n":7,"t":2,"byzantine":[{"node":6,"behaviour":"silent"}]},"bench":{"mode":"throughput","rounds":3,"message_size":64}}`,
		"c.yaml": `
network:
  n: 7
  t: 2
  byzantine:
    - node: 6
      behaviour: silent
bench:
  mode: throughput
  rounds: 3
  message_size: 64
`,
		"c.toml": `
[network]
n = 7
t = 2

[[network.byzantine]]
node = 6
behaviour = "silent"

[bench]
mode = "throughput"
rounds = 3
message_size = 64
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewManager(writeFile(t, name, body))
			cfg, err := m.Load()
			require.NoError(t, err)
			assert.Same(t, cfg, m.Get())
			assert.Equal(t, 7, cfg.Network.N)
			assert.Equal(t, "throughput", cfg.Bench.Mode)
			assert.Equal(t, 64, cfg.Bench.MessageSize)
			// untouched sections keep their defaults
			assert.Equal(t, "info", cfg.Logging.Level)
			assert.Equal(t, "10s", cfg.Bench.RoundTimeout)

			beh, err := cfg.Behaviours()
			require.NoError(t, err)
			assert.Equal(t, map[int]simnet.Behaviour{6: simnet.Silent}, beh)
		})
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	_, err := NewManager(writeFile(t, "a.json", `{"nope":1}`)).Parse()
	require.Error(t, err)

	_, err = NewManager(writeFile(t, "b.json", `{} {}`)).Parse()
	require.ErrorContains(t, err, "trailing")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"n too small":        func(c *Config) { c.Network.N = 3 },
		"n too large":        func(c *Config) { c.Network.N, c.Network.T = MaxNodes+1, 1 },
		"bad latency":        func(c *Config) { c.Network.Latency = "soon" },
		"negative jitter":    func(c *Config) { c.Network.Jitter = "-1s" },
		"too many byzantine": func(c *Config) { c.Network.Byzantine = []ByzantineNode{{0, "silent"}, {1, "silent"}} },
		"byzantine range":    func(c *Config) { c.Network.Byzantine = []ByzantineNode{{4, "silent"}} },
		"bad behaviour":      func(c *Config) { c.Network.Byzantine = []ByzantineNode{{0, "sneaky"}} },
		"fault policy":       func(c *Config) { c.Broadcast.FaultPolicy = "retry" },
		"kind":               func(c *Config) { c.Broadcast.Kind = "bogus" },
		"error policy":       func(c *Config) { c.Registry.ErrorPolicy = "shrug" },
		"mode":               func(c *Config) { c.Bench.Mode = "fast" },
		"schedule":           func(c *Config) { c.Bench.Schedule = "every day" },
		"storage path":       func(c *Config) { c.Storage.Driver = "sqlite" },
		"storage driver":     func(c *Config) { c.Storage.Driver = "postgres" },
		"status addr":        func(c *Config) { c.Status.Enabled, c.Status.Addr = true, "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}

	c := Default()
	c.Bench.Schedule = "*/5 * * * *"
	c.Broadcast.Kind = "haven"
	c.Storage.Driver, c.Storage.Path = "file", "/tmp/x"
	require.NoError(t, c.Validate())
}

func TestResolvedSections(t *testing.T) {
	c := Default()
	c.Network.Jitter = "2ms"
	c.Storage = StorageConfig{Driver: "sqlite", Path: "r.db", BusyTimeout: "3s"}
	c.Bench.RoundTimeout = ""

	sc := c.SimnetConfig(logx.Nop())
	assert.Equal(t, 4, sc.N)
	assert.Equal(t, time.Millisecond, sc.Latency)
	assert.Equal(t, 2*time.Millisecond, sc.Jitter)

	st := c.StorageConfig()
	assert.Equal(t, 3*time.Second, st.BusyTimeout)
	assert.Equal(t, 10*time.Second, c.RoundTimeout())
}

func TestDiff(t *testing.T) {
	a := Default()
	b := Default()
	assert.Empty(t, Diff(a, b))
	b.Bench.Rounds = 99
	b.Logging.Level = "debug"
	assert.Equal(t, []string{"logging", "bench"}, Diff(a, b))
}

func TestReloadPublishesChanges(t *testing.T) {
	p := writeFile(t, "c.json", `{"bench":{"rounds":1}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(p, []byte(`{"bench":{"rounds":2}}`), 0o644))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-ch
	assert.Equal(t, 2, got.Bench.Rounds)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return assert.AnError
	})
	require.NoError(t, os.WriteFile(p, []byte(`{"bench":{"rounds":3}}`), 0o644))
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, m.Get().Bench.Rounds)
}

func TestSlowSubscriberKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Bench.Rounds = 42
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	p := writeFile(t, "c.yaml", "bench:\n  rounds: 1\n")
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// retry the write until the watcher has registered the directory
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			assert.Equal(t, 5, got.Bench.Rounds)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(p, []byte("bench:\n  rounds: 5\n"), 0o644))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
