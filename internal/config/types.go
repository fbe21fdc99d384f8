package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"vssbench/internal/broadcast"
	"vssbench/internal/session"
	"vssbench/internal/simnet"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

// MaxNodes is the largest group the transcript sender field can address.
const MaxNodes = broadcast.MaxSender + 1

// Config is the whole file. Durations are Go duration strings ("250ms",
// "10s").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Network   NetworkConfig   `json:"network"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Registry  RegistryConfig  `json:"registry"`
	Bench     BenchConfig     `json:"bench"`
	Storage   StorageConfig   `json:"storage"`
	Status    StatusConfig    `json:"status"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string `json:"format,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Format:  c.Format,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

type ByzantineNode struct {
	Node      int    `json:"node"`
	Behaviour string `json:"behaviour"`
}

type NetworkConfig struct {
	N          int             `json:"n"`
	T          int             `json:"t"`
	Latency    string          `json:"latency,omitempty"`
	Jitter     string          `json:"jitter,omitempty"`
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	InboxSize  int             `json:"inbox_size,omitempty"`
	Seed       uint64          `json:"seed,omitempty"`
	Byzantine  []ByzantineNode `json:"byzantine,omitempty"`
}

type BroadcastConfig struct {
	// FaultPolicy is "abort" (default) or "quarantine".
	FaultPolicy string `json:"fault_policy,omitempty"`
	// Kind is the message kind tagged on benchmark broadcasts.
	Kind string `json:"kind,omitempty"`
}

type RegistryConfig struct {
	// ErrorPolicy is "log" (default), "abort" or "ignore".
	ErrorPolicy string `json:"error_policy,omitempty"`
	ChannelSize int    `json:"channel_size,omitempty"`
}

type BenchConfig struct {
	// Mode is "latency" (one round in flight) or "throughput".
	Mode         string `json:"mode"`
	Rounds       int    `json:"rounds"`
	MessageSize  int    `json:"message_size"`
	Concurrency  int    `json:"concurrency,omitempty"`
	RoundTimeout string `json:"round_timeout,omitempty"`
	// Schedule is a cron spec for repeated runs under serve. Empty runs
	// only on demand.
	Schedule   string `json:"schedule,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// Default is a four node group tolerating one fault.
func Default() *Config {
	cfg := &Config{
		Network: NetworkConfig{N: 4, T: 1, Latency: "1ms"},
		Bench:   BenchConfig{Mode: "latency", Rounds: 10, MessageSize: 1024, Concurrency: 4, RoundTimeout: "10s"},
		Status:  StatusConfig{Addr: "127.0.0.1:8089"},
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Console = true
	return cfg
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	n, t := c.Network.N, c.Network.T
	switch {
	case t < 0:
		bad("network.t must be >= 0")
	case n < 3*t+1:
		bad("network.n=%d too small for t=%d (need n >= 3t+1)", n, t)
	case n > MaxNodes:
		bad("network.n=%d exceeds %d", n, MaxNodes)
	}
	if c.Network.RatePerSec < 0 || c.Network.InboxSize < 0 {
		bad("network.rate_per_sec and network.inbox_size must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"network.latency", c.Network.Latency},
		{"network.jitter", c.Network.Jitter},
		{"bench.round_timeout", c.Bench.RoundTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.Behaviours(); err != nil {
		errs = append(errs, err)
	} else if len(c.Network.Byzantine) > t {
		bad("network.byzantine lists %d nodes, more than t=%d", len(c.Network.Byzantine), t)
	}

	if _, err := broadcast.ParseFaultPolicy(c.Broadcast.FaultPolicy); err != nil {
		bad("broadcast.fault_policy: %v", err)
	}
	if c.Broadcast.Kind != "" {
		if _, err := broadcast.ParseKind(c.Broadcast.Kind); err != nil {
			bad("broadcast.kind: %v", err)
		}
	}
	if _, err := session.HandlerByName(c.Registry.ErrorPolicy, logx.Nop()); err != nil {
		bad("registry.error_policy: %v", err)
	}
	if c.Registry.ChannelSize < 0 {
		bad("registry.channel_size must be >= 0")
	}

	switch strings.ToLower(c.Bench.Mode) {
	case "", "latency", "throughput":
	default:
		bad("bench.mode %q: want latency or throughput", c.Bench.Mode)
	}
	if c.Bench.Rounds < 0 || c.Bench.MessageSize < 0 || c.Bench.Concurrency < 0 {
		bad("bench.rounds, bench.message_size and bench.concurrency must be >= 0")
	}
	if s := strings.TrimSpace(c.Bench.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			bad("bench.schedule: %v", err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			bad("storage.path is required for driver %q", c.Storage.Driver)
		}
	default:
		bad("storage.driver %q: want none, file or sqlite", c.Storage.Driver)
	}
	if c.Status.Enabled && strings.TrimSpace(c.Status.Addr) == "" {
		bad("status.addr is required when status is enabled")
	}
	return errors.Join(errs...)
}

// Behaviours maps byzantine node indexes to their simulated behaviour.
func (c *Config) Behaviours() (map[int]simnet.Behaviour, error) {
	out := map[int]simnet.Behaviour{}
	for i, b := range c.Network.Byzantine {
		if b.Node < 0 || b.Node >= c.Network.N {
			return nil, fmt.Errorf("network.byzantine[%d]: node %d out of range", i, b.Node)
		}
		if _, dup := out[b.Node]; dup {
			return nil, fmt.Errorf("network.byzantine[%d]: node %d listed twice", i, b.Node)
		}
		beh, err := simnet.ParseBehaviour(b.Behaviour)
		if err != nil {
			return nil, fmt.Errorf("network.byzantine[%d]: %w", i, err)
		}
		out[b.Node] = beh
	}
	return out, nil
}

// SimnetConfig resolves the network section. Call Validate first.
func (c *Config) SimnetConfig(log logx.Logger) simnet.Config {
	lat, _ := ParseDurationField("network.latency", c.Network.Latency)
	jit, _ := ParseDurationField("network.jitter", c.Network.Jitter)
	beh, _ := c.Behaviours()
	return simnet.Config{
		N:          c.Network.N,
		Latency:    lat,
		Jitter:     jit,
		RatePerSec: c.Network.RatePerSec,
		InboxSize:  c.Network.InboxSize,
		Behaviours: beh,
		Seed:       c.Network.Seed,
		Log:        log,
	}
}

func (c *Config) StorageConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: busy}
}

func (c *Config) RoundTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("bench.round_timeout", c.Bench.RoundTimeout, 10*time.Second)
	return d
}

// Diff names the top-level sections that differ between two configs.
func Diff(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	check := func(name string, a, b any) {
		if hashConfig(a) != hashConfig(b) {
			changed = append(changed, name)
		}
	}
	check("logging", oldCfg.Logging, newCfg.Logging)
	check("network", oldCfg.Network, newCfg.Network)
	check("broadcast", oldCfg.Broadcast, newCfg.Broadcast)
	check("registry", oldCfg.Registry, newCfg.Registry)
	check("bench", oldCfg.Bench, newCfg.Bench)
	check("storage", oldCfg.Storage, newCfg.Storage)
	check("status", oldCfg.Status, newCfg.Status)
	return changed
}

// ParseDurationField parses a non-negative Go duration. Empty means zero.
// Errors name the config path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for
// zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
