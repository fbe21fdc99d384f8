package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"vssbench/internal/eventbus"
	logx "vssbench/pkg/logx"
)

// ID identifies a session. It is chosen by the caller and must be unique
// among running sessions.
type ID = uint64

type State int

const (
	Running State = iota + 1
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Task is started once per Create. Begin must return quickly: it should
// start its own goroutine and hand back the channel the registry uses to
// deliver inbound messages.
type Task[M, O any] interface {
	Begin(h *Handle[O]) chan<- M
}

// TaskFunc adapts a function to Task.
type TaskFunc[M, O any] func(h *Handle[O]) chan<- M

func (f TaskFunc[M, O]) Begin(h *Handle[O]) chan<- M { return f(h) }

// Event is broadcast to every live subscriber when a session reports its
// output. Output is shared between subscribers and must be treated as
// read-only. HasCleared is true when this completion drained the registry
// during a clean.
type Event[O any] struct {
	ID         ID
	Output     O
	HasCleared bool
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     int  `json:"running"`
	Closed      int  `json:"closed"`
	Waiters     int  `json:"waiters"`
	Subscribers int  `json:"subscribers"`
	Cleaning    bool `json:"cleaning"`
	Awaited     int  `json:"awaited,omitempty"`
}

type options struct {
	log      logx.Logger
	onError  ErrorHandler
	chanSize int
	bus      eventbus.Bus
}

type Option func(*options)

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithErrorHandler installs the sink for completion-path faults.
// Defaults to LogErrors.
func WithErrorHandler(h ErrorHandler) Option { return func(o *options) { o.onError = h } }

// WithChannelSize bounds the completion and subscription channels. Default 100.
func WithChannelSize(n int) Option { return func(o *options) { o.chanSize = n } }

// WithEventBus publishes session lifecycle events.
func WithEventBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// entry is one generation of a running session. A recreated id gets a new
// entry so late outputs from an evicted task can be told apart.
type entry[M any] struct {
	ch       chan<- M // nil while Begin is still running
	done     chan struct{}
	doneOnce sync.Once
}

func (e *entry[M]) close() { e.doneOnce.Do(func() { close(e.done) }) }

type completion[O any] struct {
	id     ID
	gen    any
	output O
}

type cleanRequest struct {
	awaited int
	result  chan error
	timer   *time.Timer
}

// Handle is given to a task when it begins. The task uses it to report its
// terminal output.
type Handle[O any] struct {
	id   ID
	gen  any
	out  chan<- completion[O]
	done <-chan struct{}
	quit <-chan struct{}
}

func (h *Handle[O]) ID() ID { return h.id }

// Done is closed once the session completed or was evicted by a forced clean.
func (h *Handle[O]) Done() <-chan struct{} { return h.done }

// Output hands the session result to the registry.
func (h *Handle[O]) Output(ctx context.Context, output O) error {
	select {
	case h.out <- completion[O]{id: h.id, gen: h.gen, output: output}:
		return nil
	case <-h.quit:
		return newErr("output", h.id, ErrOutputFailed)
	case <-ctx.Done():
		return newErr("output", h.id, errors.Join(ErrOutputFailed, ctx.Err()))
	}
}
