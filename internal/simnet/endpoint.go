package simnet

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type counter struct {
	msgs  atomic.Uint64
	bytes atomic.Uint64
}

func (c *counter) add(n int) {
	c.msgs.Add(1)
	c.bytes.Add(uint64(n))
}

// Endpoint is one participant's attachment to the network.
type Endpoint struct {
	nw        *Network
	index     int
	behaviour Behaviour
	inbox     chan Message

	sent    []counter
	recv    []counter
	dropped atomic.Uint64
}

func (ep *Endpoint) Index() int { return ep.index }

func (ep *Endpoint) Behaviour() Behaviour { return ep.behaviour }

func (ep *Endpoint) Peers() int { return len(ep.nw.endpoints) }

// Inbox yields received payloads in per-sender order. It is closed by
// Network.Close.
func (ep *Endpoint) Inbox() <-chan Message { return ep.inbox }

// SendTo queues b on the link to peer. It blocks while the link queue is
// full. A silent participant's payloads are accepted and discarded.
func (ep *Endpoint) SendTo(ctx context.Context, peer int, b []byte) error {
	if peer < 0 || peer >= len(ep.nw.endpoints) {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	select {
	case <-ep.nw.closed:
		return ErrClosed
	default:
	}
	switch ep.behaviour {
	case Silent:
		ep.dropped.Add(1)
		return nil
	case Corrupt:
		b = ep.nw.cfg.Tamper(b)
	default:
		b = append([]byte(nil), b...)
	}
	l := ep.nw.links[ep.index][peer]
	select {
	case l.q <- packet{b: b, sentAt: time.Now()}:
		ep.sent[peer].add(len(b))
		return nil
	case <-ep.nw.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
