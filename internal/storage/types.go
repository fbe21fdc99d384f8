package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage. An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Result is the outcome of one benchmark run.
type Result struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	Took        time.Duration `json:"took"`
	Mode        string        `json:"mode"`
	Kind        string        `json:"kind"`
	N           int           `json:"n"`
	T           int           `json:"t"`
	Byzantine   int           `json:"byzantine"`
	FaultPolicy string        `json:"fault_policy"`
	MessageSize int           `json:"message_size"`
	Rounds      int           `json:"rounds"`
	Delivered   int           `json:"delivered"`
	Failed      int           `json:"failed"`
	LatencyMean time.Duration `json:"latency_mean"`
	LatencyP50  time.Duration `json:"latency_p50"`
	LatencyP90  time.Duration `json:"latency_p90"`
	LatencyP99  time.Duration `json:"latency_p99"`
	LatencyMax  time.Duration `json:"latency_max"`
	Messages    uint64        `json:"messages"`
	Bytes       uint64        `json:"bytes"`
	Error       string        `json:"error,omitempty"`
}
