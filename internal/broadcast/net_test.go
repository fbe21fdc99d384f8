package broadcast

import (
	"context"
	"sync"
	"testing"
)

type packet struct {
	from, to int
	b        []byte
}

// queueNet is a deterministic in-memory network: sends are queued and
// pump hands them out one at a time.
type queueNet struct {
	mu     sync.Mutex
	n      int
	q      []packet
	log    []packet
	tamper map[int]func([]byte) []byte
	mute   map[int]bool
}

func newQueueNet(n int) *queueNet {
	return &queueNet{n: n, tamper: map[int]func([]byte) []byte{}, mute: map[int]bool{}}
}

type queueLink struct {
	net  *queueNet
	from int
}

func (l queueLink) Peers() int { return l.net.n }

func (l queueLink) SendTo(_ context.Context, peer int, b []byte) error {
	nw := l.net
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.mute[l.from] {
		return nil
	}
	b = append([]byte(nil), b...)
	if f := nw.tamper[l.from]; f != nil {
		b = f(b)
	}
	p := packet{from: l.from, to: peer, b: b}
	nw.q = append(nw.q, p)
	nw.log = append(nw.log, p)
	return nil
}

func (nw *queueNet) pop() (packet, bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if len(nw.q) == 0 {
		return packet{}, false
	}
	p := nw.q[0]
	nw.q = nw.q[1:]
	return p, true
}

// cluster wires n memories to one queueNet and records deliveries.
type cluster struct {
	net  *queueNet
	mems []*Memory

	mu        sync.Mutex
	delivered map[int][][]byte
	faults    map[int][]error
}

func newCluster(t *testing.T, n, f int, setup func(*queueNet), opts ...Option) *cluster {
	t.Helper()
	c := &cluster{net: newQueueNet(n), delivered: map[int][][]byte{}, faults: map[int][]error{}}
	if setup != nil {
		setup(c.net)
	}
	for i := 0; i < n; i++ {
		i := i
		all := append([]Option{
			OnDeliver(func(_ Tag, msg []byte) {
				c.mu.Lock()
				c.delivered[i] = append(c.delivered[i], msg)
				c.mu.Unlock()
			}),
			WithFaultHandler(func(err error) {
				c.mu.Lock()
				c.faults[i] = append(c.faults[i], err)
				c.mu.Unlock()
			}),
		}, opts...)
		m, err := New(i, f, queueLink{net: c.net, from: i}, all...)
		if err != nil {
			t.Fatalf("New(%d): %v", i, err)
		}
		c.mems = append(c.mems, m)
	}
	return c
}

// pump delivers queued packets until the network is quiet.
func (c *cluster) pump() {
	ctx := context.Background()
	for {
		p, ok := c.net.pop()
		if !ok {
			return
		}
		_ = c.mems[p.to].HandleBytes(ctx, p.from, p.b)
	}
}

func (c *cluster) deliveries(i int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.delivered[i]...)
}

func (c *cluster) faultsOf(i int) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.faults[i]...)
}
