package eventbus

// Event types published by the registry and the broadcast engine.
const (
	TypeSessionCreated   = "session.created"
	TypeSessionCompleted = "session.completed"
	TypeRegistryCleared  = "session.cleared"

	TypeBroadcastDelivered = "broadcast.delivered"
	TypeBroadcastAborted   = "broadcast.aborted"
	TypeBroadcastFault     = "broadcast.fault"

	TypeRunFinished = "bench.run_finished"
)

type SessionEvent struct {
	ID uint64 `json:"id"`
}

// ClearEvent is published when a clean empties the registry. Remaining is
// non-zero only for a timed-out clean.
type ClearEvent struct {
	Remaining int  `json:"remaining,omitempty"`
	TimedOut  bool `json:"timed_out,omitempty"`
}

type BroadcastEvent struct {
	Tag    string `json:"tag"`
	Sender int    `json:"sender,omitempty"`
	Size   int    `json:"size,omitempty"`
	Error  string `json:"error,omitempty"`
}

type RunEvent struct {
	RunID  string  `json:"run_id"`
	Mode   string  `json:"mode"`
	Rounds int     `json:"rounds"`
	Failed int     `json:"failed"`
	MeanMs float64 `json:"mean_ms"`
	Error  string  `json:"error,omitempty"`
}
