// Package session runs many identifier-keyed tasks concurrently.
//
// A Registry creates tasks, routes messages to them, fans their terminal
// outputs out to subscribers and coordinates bulk shutdown through Clean.
// All bookkeeping sits behind one mutex; no caller ever sees a half-updated
// table.
package session

import (
	"context"
	"sync"
	"time"

	"vssbench/internal/eventbus"
	logx "vssbench/pkg/logx"
)

type Registry[M, O any] struct {
	mu sync.Mutex

	log      logx.Logger
	onError  ErrorHandler
	bus      eventbus.Bus
	chanSize int

	sessions map[ID]*entry[M]
	states   map[ID]State
	waiters  map[ID][]chan error
	subs     []*Subscription[O]
	cleaning *cleanRequest

	completions chan completion[O]
	quit        chan struct{}
	quitOnce    sync.Once
	loopDone    chan struct{}
}

// New creates a registry and starts its completion loop. Call Close to stop it.
func New[M, O any](opts ...Option) *Registry[M, O] {
	o := options{chanSize: 100}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.onError == nil {
		o.onError = LogErrors(o.log)
	}
	if o.chanSize <= 0 {
		o.chanSize = 100
	}
	r := &Registry[M, O]{
		log:         o.log,
		onError:     o.onError,
		bus:         o.bus,
		chanSize:    o.chanSize,
		sessions:    map[ID]*entry[M]{},
		states:      map[ID]State{},
		waiters:     map[ID][]chan error{},
		completions: make(chan completion[O], o.chanSize),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Close stops the completion loop. Pending waiters fail with ErrRegistryClosed
// and an armed clean resolves with a *CleanupTimeoutError.
func (r *Registry[M, O]) Close() {
	r.quitOnce.Do(func() {
		close(r.quit)
		<-r.loopDone
		r.mu.Lock()
		if req := r.cleaning; req != nil {
			if req.timer != nil {
				req.timer.Stop()
			}
			req.result <- &CleanupTimeoutError{Remaining: len(r.sessions)}
		}
		r.cleaning = nil
		for _, e := range r.sessions {
			e.close()
		}
		r.failWaitersLocked(ErrRegistryClosed)
		r.mu.Unlock()
	})
}

// Create starts task under id. It fails with ErrDuplicateSession if id is
// running; a closed id may be created again.
func (r *Registry[M, O]) Create(id ID, task Task[M, O]) error {
	select {
	case <-r.quit:
		return newErr("create", id, ErrRegistryClosed)
	default:
	}

	r.mu.Lock()
	if r.states[id] == Running {
		r.mu.Unlock()
		return newErr("create", id, ErrDuplicateSession)
	}
	e := &entry[M]{done: make(chan struct{})}
	r.states[id] = Running
	r.sessions[id] = e
	r.mu.Unlock()

	// Begin runs unlocked so a task may call back into the registry.
	ch := task.Begin(&Handle[O]{id: id, gen: e, out: r.completions, done: e.done, quit: r.quit})

	r.mu.Lock()
	switch {
	case r.sessions[id] == e:
		e.ch = ch
		r.resolveWaitersLocked(id, nil)
	case r.states[id] == Closed:
		// Completed inside Begin.
		r.resolveWaitersLocked(id, ErrSessionAlreadyClosed)
	}
	r.mu.Unlock()

	r.log.Debug("session created", logx.Uint64("id", id))
	r.publish(eventbus.TypeSessionCreated, eventbus.SessionEvent{ID: id})
	return nil
}

// WaitForCreation returns once id has an active channel. It fails
// immediately if id already ran to completion.
func (r *Registry[M, O]) WaitForCreation(ctx context.Context, id ID) error {
	r.mu.Lock()
	if e := r.sessions[id]; e != nil && e.ch != nil {
		r.mu.Unlock()
		return nil
	}
	if r.states[id] == Closed {
		r.mu.Unlock()
		return newErr("wait_for_creation", id, ErrSessionAlreadyClosed)
	}
	w := make(chan error, 1)
	r.waiters[id] = append(r.waiters[id], w)
	r.mu.Unlock()

	select {
	case err := <-w:
		if err != nil {
			return newErr("wait_for_creation", id, err)
		}
		return nil
	case <-r.quit:
		return newErr("wait_for_creation", id, ErrRegistryClosed)
	case <-ctx.Done():
		return newErr("wait_for_creation", id, ctx.Err())
	}
}

// Send routes msg to the running session id.
func (r *Registry[M, O]) Send(ctx context.Context, id ID, msg M) error {
	r.mu.Lock()
	e := r.sessions[id]
	r.mu.Unlock()
	if e == nil || e.ch == nil {
		return newErr("send", id, ErrSessionNotFound)
	}
	select {
	case e.ch <- msg:
		return nil
	case <-e.done:
		return newErr("send", id, ErrChannelBroken)
	case <-r.quit:
		return newErr("send", id, ErrRegistryClosed)
	case <-ctx.Done():
		return newErr("send", id, ctx.Err())
	}
}

// WaitAndSend waits for id to be created, then sends msg to it.
func (r *Registry[M, O]) WaitAndSend(ctx context.Context, id ID, msg M) error {
	if err := r.WaitForCreation(ctx, id); err != nil {
		return err
	}
	return r.Send(ctx, id, msg)
}

// IsEmpty reports whether no session is running.
func (r *Registry[M, O]) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0
}

func (r *Registry[M, O]) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Subscribers: len(r.subs), Cleaning: r.cleaning != nil}
	for _, st := range r.states {
		if st == Running {
			snap.Running++
		} else {
			snap.Closed++
		}
	}
	for _, ws := range r.waiters {
		snap.Waiters += len(ws)
	}
	if r.cleaning != nil {
		snap.Awaited = r.cleaning.awaited
	}
	return snap
}

// Clean arms a watcher that fires once the registry is empty and, when
// awaited > 0, exactly awaited distinct ids were tracked since the last
// clear. It returns (nil, nil) when nothing is running.
//
// With timeout > 0 the watcher is guaranteed to fire: on expiry every
// remaining session is evicted and a *CleanupTimeoutError carrying the
// outstanding count is delivered instead of nil. The returned channel
// yields exactly one value.
func (r *Registry[M, O]) Clean(awaited int, timeout time.Duration) (<-chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleaning != nil {
		return nil, ErrCleanInProgress
	}
	if len(r.sessions) == 0 {
		r.clearLocked()
		return nil, nil
	}
	if awaited < 0 {
		awaited = 0
	}
	req := &cleanRequest{awaited: awaited, result: make(chan error, 1)}
	r.cleaning = req
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { r.expire(req) })
	}
	r.log.Debug("clean armed", logx.Int("running", len(r.sessions)), logx.Int("awaited", awaited), logx.Duration("timeout", timeout))
	return req.result, nil
}

func (r *Registry[M, O]) expire(req *cleanRequest) {
	r.mu.Lock()
	if r.cleaning != req {
		r.mu.Unlock()
		return
	}
	remaining := len(r.sessions)
	if req.awaited > 0 {
		closed := 0
		for _, st := range r.states {
			if st == Closed {
				closed++
			}
		}
		remaining = max(remaining, req.awaited-closed)
	}
	for _, e := range r.sessions {
		e.close()
	}
	r.sessions = map[ID]*entry[M]{}
	r.clearLocked()
	r.cleaning = nil
	r.mu.Unlock()

	r.log.Warn("clean timed out; registry forcibly emptied", logx.Int("remaining", remaining))
	r.publish(eventbus.TypeRegistryCleared, eventbus.ClearEvent{Remaining: remaining, TimedOut: true})
	req.result <- &CleanupTimeoutError{Remaining: remaining}
}

// clearLocked wipes per-id bookkeeping. Pending creation waiters fail.
func (r *Registry[M, O]) clearLocked() {
	r.states = map[ID]State{}
	r.failWaitersLocked(ErrCreationWaitFailed)
}

func (r *Registry[M, O]) resolveWaitersLocked(id ID, err error) {
	for _, w := range r.waiters[id] {
		w <- err
	}
	delete(r.waiters, id)
}

func (r *Registry[M, O]) failWaitersLocked(err error) {
	for _, ws := range r.waiters {
		for _, w := range ws {
			w <- err
		}
	}
	r.waiters = map[ID][]chan error{}
}

func (r *Registry[M, O]) shouldClearLocked() bool {
	if r.cleaning == nil || len(r.sessions) != 0 {
		return false
	}
	return r.cleaning.awaited <= 0 || len(r.states) == r.cleaning.awaited
}

func (r *Registry[M, O]) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.quit:
			return
		case c := <-r.completions:
			r.complete(c)
		}
	}
}

// complete runs once per reported output: close the session, clear if the
// stop condition holds, then fan the event out. Clearing happens before
// fan-out so no subscriber sees HasCleared before the clear is done.
func (r *Registry[M, O]) complete(c completion[O]) {
	r.mu.Lock()
	e := r.sessions[c.id]
	if e == nil || any(e) != c.gen || r.states[c.id] != Running {
		r.mu.Unlock()
		r.onError(newErr("complete", c.id, ErrSessionClosed))
		return
	}
	delete(r.sessions, c.id)
	e.close()
	r.states[c.id] = Closed
	r.resolveWaitersLocked(c.id, ErrSessionAlreadyClosed)

	cleared := r.shouldClearLocked()
	if cleared {
		req := r.cleaning
		r.cleaning = nil
		r.clearLocked()
		if req.timer != nil {
			req.timer.Stop()
		}
		req.result <- nil
	}
	subs := append([]*Subscription[O](nil), r.subs...)
	r.mu.Unlock()

	r.log.Debug("session completed", logx.Uint64("id", c.id), logx.Bool("has_cleared", cleared))
	r.publish(eventbus.TypeSessionCompleted, eventbus.SessionEvent{ID: c.id})
	if cleared {
		r.publish(eventbus.TypeRegistryCleared, eventbus.ClearEvent{})
	}

	r.fanout(subs, Event[O]{ID: c.id, Output: c.output, HasCleared: cleared})
}

func (r *Registry[M, O]) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
