package session

import "sync"

// Subscription receives one Event per completed session, in completion
// order. Its channel is never closed; stop reading after Close.
type Subscription[O any] struct {
	ch       chan Event[O]
	done     chan struct{}
	doneOnce sync.Once
	r        interface{ unsubscribe(any) }
}

func (s *Subscription[O]) C() <-chan Event[O] { return s.ch }

// Close detaches the subscription. Pending fan-out to it is abandoned.
func (s *Subscription[O]) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.r.unsubscribe(s)
	})
}

// Subscribe registers a new receiver of completion events. Events that
// completed before the call are not replayed.
func (r *Registry[M, O]) Subscribe() *Subscription[O] {
	s := &Subscription[O]{
		ch:   make(chan Event[O], r.chanSize),
		done: make(chan struct{}),
		r:    r,
	}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s
}

func (r *Registry[M, O]) unsubscribe(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if any(s) == v {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// fanout delivers ev to every subscriber concurrently and returns once each
// send finished or its subscriber went away. A slow subscriber therefore
// holds back later completions; that is what keeps per-subscriber order.
func (r *Registry[M, O]) fanout(subs []*Subscription[O], ev Event[O]) {
	if len(subs) == 0 {
		return
	}
	if len(subs) == 1 {
		r.deliver(subs[0], ev)
		return
	}
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription[O]) {
			defer wg.Done()
			r.deliver(s, ev)
		}(s)
	}
	wg.Wait()
}

func (r *Registry[M, O]) deliver(s *Subscription[O], ev Event[O]) {
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-r.quit:
	}
}
