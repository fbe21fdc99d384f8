// Package simnet is an in-process network for running a broadcast group
// inside one process. Every ordered pair of participants gets a FIFO link
// with its own latency, jitter and optional rate limit; participants can be
// made silent or corrupting to play the Byzantine side.
package simnet

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "vssbench/pkg/logx"
)

var (
	ErrClosed      = errors.New("simnet: network closed")
	ErrUnknownPeer = errors.New("simnet: unknown peer")
)

// Behaviour is how a participant treats what it sends.
type Behaviour uint8

const (
	Honest Behaviour = iota
	// Silent drops everything the participant sends.
	Silent
	// Corrupt passes every outbound payload through Config.Tamper.
	Corrupt
)

func (b Behaviour) String() string {
	switch b {
	case Silent:
		return "silent"
	case Corrupt:
		return "corrupt"
	default:
		return "honest"
	}
}

func ParseBehaviour(s string) (Behaviour, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "honest":
		return Honest, nil
	case "silent":
		return Silent, nil
	case "corrupt":
		return Corrupt, nil
	default:
		return 0, fmt.Errorf("unknown behaviour %q", s)
	}
}

type Config struct {
	N       int
	Latency time.Duration
	Jitter  time.Duration
	// RatePerSec caps messages per second on each link. Zero disables.
	RatePerSec int
	// InboxSize bounds each participant's inbox and each link queue.
	InboxSize  int
	Behaviours map[int]Behaviour
	// Tamper rewrites payloads sent by Corrupt participants. Nil flips
	// every byte.
	Tamper func([]byte) []byte
	Seed   uint64
	Log    logx.Logger
}

// Message is one payload as seen by the receiver.
type Message struct {
	From    int
	Payload []byte
}

type Network struct {
	cfg       Config
	log       logx.Logger
	endpoints []*Endpoint
	links     [][]*link

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type packet struct {
	b      []byte
	sentAt time.Time
}

type link struct {
	from, to int
	q        chan packet
	limiter  *rate.Limiter
	rng      *rand.Rand
}

// New builds and starts a network of cfg.N participants.
func New(cfg Config) (*Network, error) {
	if cfg.N <= 0 {
		return nil, fmt.Errorf("simnet: n must be positive, got %d", cfg.N)
	}
	if cfg.Latency < 0 || cfg.Jitter < 0 || cfg.RatePerSec < 0 {
		return nil, fmt.Errorf("simnet: negative latency, jitter or rate")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.Tamper == nil {
		cfg.Tamper = flipAll
	}
	nw := &Network{cfg: cfg, log: cfg.Log, closed: make(chan struct{})}
	if nw.log.IsZero() {
		nw.log = logx.Nop()
	}
	nw.log = nw.log.With(logx.String("comp", "simnet"))

	for i := 0; i < cfg.N; i++ {
		nw.endpoints = append(nw.endpoints, &Endpoint{
			nw:        nw,
			index:     i,
			behaviour: cfg.Behaviours[i],
			inbox:     make(chan Message, cfg.InboxSize),
			sent:      make([]counter, cfg.N),
			recv:      make([]counter, cfg.N),
		})
	}
	nw.links = make([][]*link, cfg.N)
	for from := 0; from < cfg.N; from++ {
		nw.links[from] = make([]*link, cfg.N)
		for to := 0; to < cfg.N; to++ {
			l := &link{
				from: from,
				to:   to,
				q:    make(chan packet, cfg.InboxSize),
				rng:  rand.New(rand.NewPCG(cfg.Seed, uint64(from*cfg.N+to))),
			}
			if cfg.RatePerSec > 0 {
				l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
			}
			nw.links[from][to] = l
			nw.wg.Add(1)
			go nw.run(l)
		}
	}
	nw.log.Debug("network started",
		logx.Int("n", cfg.N),
		logx.Duration("latency", cfg.Latency),
		logx.Duration("jitter", cfg.Jitter),
		logx.Int("rate_per_sec", cfg.RatePerSec),
	)
	return nw, nil
}

func (nw *Network) Size() int { return len(nw.endpoints) }

func (nw *Network) Endpoint(i int) *Endpoint { return nw.endpoints[i] }

// Close stops every link and closes every inbox. In-flight payloads are
// dropped.
func (nw *Network) Close() {
	nw.closeOnce.Do(func() {
		close(nw.closed)
		nw.wg.Wait()
		for _, ep := range nw.endpoints {
			close(ep.inbox)
		}
		nw.log.Debug("network closed")
	})
}

// run moves packets across one link in order.
func (nw *Network) run(l *link) {
	defer nw.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-nw.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	var last time.Time
	dst := nw.endpoints[l.to]
	for {
		var p packet
		select {
		case <-nw.closed:
			return
		case p = <-l.q:
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
		}
		at := p.sentAt.Add(nw.cfg.Latency)
		if nw.cfg.Jitter > 0 {
			at = at.Add(time.Duration(l.rng.Int64N(int64(nw.cfg.Jitter) + 1)))
		}
		if at.Before(last) {
			at = last
		}
		last = at
		if d := time.Until(at); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-nw.closed:
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case dst.inbox <- Message{From: l.from, Payload: p.b}:
			dst.recv[l.from].add(len(p.b))
		case <-nw.closed:
			return
		}
	}
}

func flipAll(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = ^c
	}
	return out
}
