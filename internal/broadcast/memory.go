// Package broadcast implements Bracha-style reliable broadcast over erasure
// coded fragments.
//
// A proposer splits its message into n fragments (any t+1 reconstruct it)
// and sends fragment i to participant i. Participants echo their own
// fragment to everyone, send Ready after 2t+1 echoes or t+1 readies, and
// deliver once 2t+1 readies arrived and the collected fragments decode to
// the bound SHA-256 hash. Safe and live for n >= 3t+1.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vssbench/internal/eventbus"
	logx "vssbench/pkg/logx"
)

// DeliverFunc receives each delivered message exactly once per tag. It is
// called without internal locks held and must not retain msg after
// returning unless it owns it; msg is not shared.
type DeliverFunc func(tag Tag, msg []byte)

// FaultPolicy decides what a failed contribution does to its instance.
type FaultPolicy uint8

const (
	// FaultAbort ends the instance and ignores its tag from then on.
	FaultAbort FaultPolicy = iota
	// FaultQuarantine drops the contribution, ignores the sender for that
	// tag and keeps the instance running. A failed final decode still
	// aborts.
	FaultQuarantine
)

func (p FaultPolicy) String() string {
	if p == FaultQuarantine {
		return "quarantine"
	}
	return "abort"
}

func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch s {
	case "", "abort":
		return FaultAbort, nil
	case "quarantine":
		return FaultQuarantine, nil
	default:
		return 0, fmt.Errorf("unknown fault policy %q", s)
	}
}

type outcome uint8

const (
	outcomeDelivered outcome = iota + 1
	outcomeAborted
)

type Option func(*Memory)

func WithLogger(log logx.Logger) Option { return func(m *Memory) { m.log = log } }

func WithFaultPolicy(p FaultPolicy) Option { return func(m *Memory) { m.policy = p } }

// WithFaultHandler receives every integrity fault, whatever the policy.
func WithFaultHandler(fn func(error)) Option { return func(m *Memory) { m.onFault = fn } }

func OnDeliver(fn DeliverFunc) Option { return func(m *Memory) { m.deliver = fn } }

func WithEventBus(bus eventbus.Bus) Option { return func(m *Memory) { m.bus = bus } }

// Memory owns the broadcast instances of one participant, keyed by tag.
// Instances are created by whichever message for a tag arrives first and
// removed once they deliver or abort; the tag is remembered so stragglers
// are ignored.
type Memory struct {
	self, n, t int
	tr         Transport

	log     logx.Logger
	policy  FaultPolicy
	onFault func(error)
	deliver DeliverFunc
	bus     eventbus.Bus

	mu        sync.Mutex
	instances map[Tag]*instance
	finished  map[Tag]outcome

	delivered atomic.Uint64
	aborted   atomic.Uint64
	faults    atomic.Uint64
	dropped   atomic.Uint64
}

func New(self int, t int, tr Transport, opts ...Option) (*Memory, error) {
	n := tr.Peers()
	switch {
	case t < 0 || n < 3*t+1:
		return nil, fmt.Errorf("%w: n=%d t=%d (need n >= 3t+1)", ErrInvalidParams, n, t)
	case n > MaxSender+1:
		return nil, fmt.Errorf("%w: n=%d exceeds %d", ErrInvalidParams, n, MaxSender+1)
	case self < 0 || self >= n:
		return nil, fmt.Errorf("%w: self=%d n=%d", ErrInvalidParams, self, n)
	}
	m := &Memory{
		self:      self,
		n:         n,
		t:         t,
		tr:        tr,
		instances: map[Tag]*instance{},
		finished:  map[Tag]outcome{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.Int("self", self))
	return m, nil
}

func (m *Memory) Self() int { return m.self }

// Propose starts a broadcast of msg under tag. The tag must be unused.
func (m *Memory) Propose(ctx context.Context, tag Tag, msg []byte) error {
	m.mu.Lock()
	if _, ok := m.finished[tag]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTagInUse, tag)
	}
	if _, ok := m.instances[tag]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTagInUse, tag)
	}
	in := newInstance(tag, m.self, m.n, m.t)
	m.instances[tag] = in
	m.mu.Unlock()

	in.mu.Lock()
	st, err := in.propose(msg)
	if err != nil {
		in.closed = true
		in.mu.Unlock()
		m.mu.Lock()
		delete(m.instances, tag)
		m.mu.Unlock()
		return fmt.Errorf("broadcast %s: propose: %w", tag, err)
	}
	// With t=0 the proposer alone is a quorum and delivers here.
	var end outcome
	switch {
	case st.fault != nil:
		in.closed = true
		end = outcomeAborted
	case st.delivered != nil:
		in.closed = true
		end = outcomeDelivered
	}
	in.mu.Unlock()

	m.log.Debug("proposed", logx.String("tag", tag.String()), logx.Int("size", len(msg)))
	if end != 0 {
		m.finish(in, end)
	}
	var faultErr error
	if st.fault != nil {
		faultErr = st.fault.err
		m.reportFault(st.fault, true)
	}
	return errors.Join(faultErr, m.apply(ctx, in, st))
}

// HandleBytes decodes b and handles it as a transcript from sender. The
// transport-level sender wins over the one inside the transcript.
func (m *Memory) HandleBytes(ctx context.Context, sender int, b []byte) error {
	tr, err := Decode(b)
	if err != nil {
		m.dropped.Add(1)
		return err
	}
	if tr.Sender != sender {
		m.dropped.Add(1)
		return fmt.Errorf("%w: claims sender %d, arrived from %d", ErrMalformed, tr.Sender, sender)
	}
	return m.Handle(ctx, tr)
}

// Handle feeds one received transcript to its instance, creating the
// instance if the tag is new. Messages for finished tags are no-ops.
func (m *Memory) Handle(ctx context.Context, tr Transcript) error {
	if err := m.validate(tr); err != nil {
		m.dropped.Add(1)
		return err
	}

	m.mu.Lock()
	if _, ok := m.finished[tr.Tag]; ok {
		m.mu.Unlock()
		return nil
	}
	in := m.instances[tr.Tag]
	if in == nil {
		in = newInstance(tr.Tag, m.self, m.n, m.t)
		m.instances[tr.Tag] = in
	}
	m.mu.Unlock()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	if _, q := in.quarantined[tr.Sender]; q {
		in.mu.Unlock()
		m.dropped.Add(1)
		return nil
	}
	st := in.handle(tr)
	var end outcome
	switch {
	case st.fault != nil && (st.fault.fatal || m.policy == FaultAbort):
		in.closed = true
		end = outcomeAborted
	case st.fault != nil:
		in.quarantined[tr.Sender] = struct{}{}
	case st.delivered != nil:
		end = outcomeDelivered
	}
	in.mu.Unlock()

	m.log.Trace("handled",
		logx.String("tag", tr.Tag.String()),
		logx.String("round", tr.Round.String()),
		logx.Int("from", tr.Sender),
	)
	if end != 0 {
		m.finish(in, end)
	}
	var faultErr error
	if st.fault != nil {
		faultErr = st.fault.err
		m.reportFault(st.fault, end == outcomeAborted)
	}
	return errors.Join(faultErr, m.apply(ctx, in, st))
}

// validate rejects transcripts that cannot belong to any instance of this
// group. They never create or touch an instance.
func (m *Memory) validate(tr Transcript) error {
	switch {
	case !tr.Round.valid():
		return fmt.Errorf("%w: %s", ErrMalformed, tr.Round)
	case tr.Sender < 0 || tr.Sender >= m.n || tr.Sender == m.self:
		return fmt.Errorf("%w: sender %d", ErrMalformed, tr.Sender)
	case tr.Meta.N != m.n || tr.Meta.T != m.t:
		return fmt.Errorf("%w: group n=%d t=%d, want n=%d t=%d", ErrMalformed, tr.Meta.N, tr.Meta.T, m.n, m.t)
	}
	if err := tr.Meta.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(tr.Fragment) != 0 && len(tr.Fragment) != tr.Meta.PaddedSize {
		return fmt.Errorf("%w: fragment %d bytes, want %d", ErrMalformed, len(tr.Fragment), tr.Meta.PaddedSize)
	}
	return nil
}

// finish removes a closed instance and tombstones its tag.
func (m *Memory) finish(in *instance, end outcome) {
	m.mu.Lock()
	if m.instances[in.tag] == in {
		delete(m.instances, in.tag)
	}
	m.finished[in.tag] = end
	m.mu.Unlock()

	if end == outcomeAborted {
		m.aborted.Add(1)
		m.log.Warn("instance aborted", logx.String("tag", in.tag.String()))
		m.publish(eventbus.TypeBroadcastAborted, eventbus.BroadcastEvent{Tag: in.tag.String()})
	}
}

func (m *Memory) reportFault(f *fault, aborted bool) {
	m.faults.Add(1)
	m.log.Warn("integrity fault",
		logx.String("tag", f.err.Tag.String()),
		logx.Int("from", f.err.Sender),
		logx.Bool("aborted", aborted),
		logx.Err(f.err.Err),
	)
	m.publish(eventbus.TypeBroadcastFault, eventbus.BroadcastEvent{Tag: f.err.Tag.String(), Sender: f.err.Sender, Error: f.err.Err.Error()})
	if m.onFault != nil {
		m.onFault(f.err)
	}
}

// apply sends the step's transcripts in order, then delivers.
func (m *Memory) apply(ctx context.Context, in *instance, st step) error {
	var errs []error
	for _, a := range st.actions {
		b, err := a.tr.MarshalBinary()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if a.to == toAll {
			err = scatter(ctx, m.tr, m.self, b)
		} else {
			err = m.tr.SendTo(ctx, a.to, b)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("broadcast %s: send %s: %w", in.tag, a.tr.Round, err))
		}
	}
	if st.delivered != nil {
		m.delivered.Add(1)
		m.log.Debug("delivered", logx.String("tag", in.tag.String()), logx.Int("size", len(st.delivered)))
		m.publish(eventbus.TypeBroadcastDelivered, eventbus.BroadcastEvent{Tag: in.tag.String(), Size: len(st.delivered)})
		if m.deliver != nil {
			m.deliver(in.tag, st.delivered)
		}
	}
	return errors.Join(errs...)
}

func (m *Memory) publish(typ string, data eventbus.BroadcastEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// Forget drops the tombstones of finished tags. A later message for a
// forgotten tag starts a fresh instance.
func (m *Memory) Forget(tags ...Tag) {
	m.mu.Lock()
	for _, tag := range tags {
		delete(m.finished, tag)
	}
	m.mu.Unlock()
}

// Done reports whether tag delivered (true, true), aborted (false, true) or
// is still open (false, false).
func (m *Memory) Done(tag Tag) (delivered, finished bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.finished[tag]
	return o == outcomeDelivered, ok
}

type Snapshot struct {
	Self      int                `json:"self"`
	N         int                `json:"n"`
	T         int                `json:"t"`
	Policy    string             `json:"fault_policy"`
	Active    int                `json:"active"`
	Finished  int                `json:"finished"`
	Delivered uint64             `json:"delivered"`
	Aborted   uint64             `json:"aborted"`
	Faults    uint64             `json:"faults"`
	Dropped   uint64             `json:"dropped"`
	Instances []InstanceSnapshot `json:"instances,omitempty"`
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	ins := make([]*instance, 0, len(m.instances))
	for _, in := range m.instances {
		ins = append(ins, in)
	}
	finished := len(m.finished)
	m.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		Self:      m.self,
		N:         m.n,
		T:         m.t,
		Policy:    m.policy.String(),
		Active:    len(ins),
		Finished:  finished,
		Delivered: m.delivered.Load(),
		Aborted:   m.aborted.Load(),
		Faults:    m.faults.Load(),
		Dropped:   m.dropped.Load(),
	}
	for _, in := range ins {
		in.mu.Lock()
		s.Instances = append(s.Instances, in.snapshot(now))
		in.mu.Unlock()
	}
	sort.Slice(s.Instances, func(i, j int) bool { return s.Instances[i].Tag < s.Instances[j].Tag })
	return s
}
