// Package node hosts one broadcast participant: its broadcast memory, its
// network endpoint, the loop that feeds received transcripts in, and a
// session registry that tracks each broadcast round until it delivers.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vssbench/internal/broadcast"
	"vssbench/internal/eventbus"
	"vssbench/internal/runtime/supervisor"
	"vssbench/internal/session"
	"vssbench/internal/simnet"
	logx "vssbench/pkg/logx"
)

// RoundResult is what a round session reports once its tag delivered here.
type RoundResult struct {
	Node    int
	Tag     broadcast.Tag
	Message []byte
	Latency time.Duration
}

// Registry tracks rounds by SessionID. Delivered messages are routed to the
// round session as its only inbound message.
type Registry = session.Registry[[]byte, RoundResult]

const instanceBits = 56

// ErrInstanceRange is returned for a tag whose instance does not fit in a
// session id beside its kind.
var ErrInstanceRange = errors.New("node: tag instance exceeds 56 bits")

// SessionID is the registry id of tag's round. The kind takes the top byte
// so rounds of different kinds never share a session.
func SessionID(tag broadcast.Tag) (session.ID, error) {
	if tag.Instance>>instanceBits != 0 {
		return 0, ErrInstanceRange
	}
	return session.ID(tag.Kind)<<instanceBits | tag.Instance, nil
}

type Config struct {
	T           int
	FaultPolicy broadcast.FaultPolicy
	// OnError handles registry completion faults. Nil logs them.
	OnError     session.ErrorHandler
	ChannelSize int
	Log         logx.Logger
	Bus         eventbus.Bus
}

type Node struct {
	index int
	ep    *simnet.Endpoint
	mem   *broadcast.Memory
	reg   *Registry
	log   logx.Logger
	sup   *supervisor.Supervisor
}

func New(ep *simnet.Endpoint, cfg Config) (*Node, error) {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "node"), logx.Int("node", ep.Index()))

	n := &Node{index: ep.Index(), ep: ep, log: log}
	onError := cfg.OnError
	if onError == nil {
		onError = session.LogErrors(log)
	}
	regOpts := []session.Option{session.WithLogger(log), session.WithErrorHandler(onError)}
	if cfg.ChannelSize > 0 {
		regOpts = append(regOpts, session.WithChannelSize(cfg.ChannelSize))
	}
	if cfg.Bus != nil {
		regOpts = append(regOpts, session.WithEventBus(cfg.Bus))
	}
	n.reg = session.New[[]byte, RoundResult](regOpts...)

	memOpts := []broadcast.Option{
		broadcast.WithLogger(log),
		broadcast.WithFaultPolicy(cfg.FaultPolicy),
		broadcast.OnDeliver(n.onDeliver),
	}
	if cfg.Bus != nil {
		memOpts = append(memOpts, broadcast.WithEventBus(cfg.Bus))
	}
	mem, err := broadcast.New(ep.Index(), cfg.T, ep, memOpts...)
	if err != nil {
		n.reg.Close()
		return nil, fmt.Errorf("node %d: %w", ep.Index(), err)
	}
	n.mem = mem
	return n, nil
}

func (n *Node) Index() int { return n.index }

func (n *Node) Memory() *broadcast.Memory { return n.mem }

func (n *Node) Registry() *Registry { return n.reg }

func (n *Node) Endpoint() *simnet.Endpoint { return n.ep }

// Start runs the receive loop until ctx ends or the inbox closes.
func (n *Node) Start(ctx context.Context) {
	n.sup = supervisor.New(ctx, supervisor.WithLogger(n.log))
	n.sup.Go(fmt.Sprintf("node.%d.recv", n.index), n.receive)
}

// Stop ends the receive loop and the registry.
func (n *Node) Stop(ctx context.Context) error {
	var err error
	if n.sup != nil {
		err = n.sup.Stop(ctx)
	}
	n.reg.Close()
	return err
}

func (n *Node) receive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-n.ep.Inbox():
			if !ok {
				return nil
			}
			if err := n.mem.HandleBytes(ctx, m.From, m.Payload); err != nil {
				var ie *broadcast.IntegrityError
				if errors.As(err, &ie) {
					// Already reported by the memory.
					continue
				}
				n.log.Debug("transcript rejected", logx.Int("from", m.From), logx.Err(err))
			}
		}
	}
}

// Expect opens the round session for tag so its delivery is tracked. It
// must run before the tag can deliver here.
func (n *Node) Expect(tag broadcast.Tag) error {
	id, err := SessionID(tag)
	if err != nil {
		return fmt.Errorf("expect %s: %w", tag, err)
	}
	return n.reg.Create(id, roundTask(n.index, tag))
}

func (n *Node) Propose(ctx context.Context, tag broadcast.Tag, msg []byte) error {
	return n.mem.Propose(ctx, tag, msg)
}

func (n *Node) onDeliver(tag broadcast.Tag, msg []byte) {
	// Only honest participants expect rounds.
	if n.ep.Behaviour() != simnet.Honest {
		n.log.Debug("delivery not tracked", logx.String("tag", tag.String()), logx.String("behaviour", n.ep.Behaviour().String()))
		return
	}
	id, err := SessionID(tag)
	if err != nil {
		n.log.Debug("delivery not tracked", logx.String("tag", tag.String()), logx.Err(err))
		return
	}
	// The receive loop must not wait on a session, so routing happens
	// asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.reg.WaitAndSend(ctx, id, msg); err != nil {
			n.log.Warn("delivery not routed", logx.String("tag", tag.String()), logx.Err(err))
		}
	}()
}

// roundTask waits for the single delivered message of its tag.
func roundTask(node int, tag broadcast.Tag) session.Task[[]byte, RoundResult] {
	return session.TaskFunc[[]byte, RoundResult](func(h *session.Handle[RoundResult]) chan<- []byte {
		in := make(chan []byte, 1)
		start := time.Now()
		go func() {
			select {
			case msg := <-in:
				_ = h.Output(context.Background(), RoundResult{Node: node, Tag: tag, Message: msg, Latency: time.Since(start)})
			case <-h.Done():
			}
		}()
		return in
	})
}
