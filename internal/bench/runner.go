// Package bench drives broadcast rounds over a simulated group and reports
// how long they took to deliver everywhere.
package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vssbench/internal/broadcast"
	"vssbench/internal/config"
	"vssbench/internal/eventbus"
	"vssbench/internal/node"
	"vssbench/internal/session"
	"vssbench/internal/simnet"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

const (
	ModeLatency    = "latency"
	ModeThroughput = "throughput"
)

var ErrNoHonestNodes = errors.New("bench: no honest node to propose from")

// Runner executes one benchmark per Run call. Each run builds a fresh
// cluster so runs never share broadcast state.
type Runner struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.Mutex
	live *node.Cluster
}

func NewRunner(store storage.Store, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{store: store, bus: bus, log: log.With(logx.String("comp", "bench"))}
}

// plan is the resolved, immutable view of one run's config.
type plan struct {
	mode        string
	kind        broadcast.Kind
	rounds      int
	batch       int
	size        int
	timeout     time.Duration
	policy      broadcast.FaultPolicy
	onError     session.ErrorHandler
	channelSize int
	net         simnet.Config
	t           int
}

func (r *Runner) plan(cfg *config.Config) (plan, error) {
	if err := cfg.Validate(); err != nil {
		return plan{}, err
	}
	p := plan{
		mode:        strings.ToLower(cfg.Bench.Mode),
		rounds:      cfg.Bench.Rounds,
		size:        cfg.Bench.MessageSize,
		timeout:     cfg.RoundTimeout(),
		channelSize: cfg.Registry.ChannelSize,
		net:         cfg.SimnetConfig(r.log),
		t:           cfg.Network.T,
	}
	if p.mode == "" {
		p.mode = ModeLatency
	}
	p.batch = 1
	if p.mode == ModeThroughput {
		p.batch = max(cfg.Bench.Concurrency, 1)
	}
	if cfg.Broadcast.Kind != "" {
		p.kind, _ = broadcast.ParseKind(cfg.Broadcast.Kind)
	}
	p.policy, _ = broadcast.ParseFaultPolicy(cfg.Broadcast.FaultPolicy)
	p.onError, _ = session.HandlerByName(cfg.Registry.ErrorPolicy, r.log)
	return p, nil
}

// Run executes cfg's benchmark, stores the result when a store is set and
// publishes a run-finished event. A result is returned even when rounds
// fail; the error is reserved for runs that could not start.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) (storage.Result, error) {
	return r.run(ctx, uuid.NewString(), cfg)
}

func (r *Runner) run(ctx context.Context, runID string, cfg *config.Config) (storage.Result, error) {
	p, err := r.plan(cfg)
	if err != nil {
		return storage.Result{}, err
	}
	log := r.log.With(logx.String("run", runID))
	res := storage.Result{
		RunID:       runID,
		StartedAt:   time.Now().UTC(),
		Mode:        p.mode,
		Kind:        p.kind.String(),
		N:           p.net.N,
		T:           p.t,
		Byzantine:   countFaulty(p.net.Behaviours),
		FaultPolicy: p.policy.String(),
		MessageSize: p.size,
		Rounds:      p.rounds,
	}

	cluster, err := node.NewCluster(ctx, node.ClusterConfig{
		Net:         p.net,
		T:           p.t,
		FaultPolicy: p.policy,
		ChannelSize: p.channelSize,
		OnError:     p.onError,
		Log:         log,
		Bus:         r.bus,
	})
	if err != nil {
		return storage.Result{}, err
	}
	r.setLive(cluster)
	defer r.setLive(nil)
	honest := cluster.Honest()
	if len(honest) == 0 {
		_ = cluster.Close(ctx)
		return storage.Result{}, ErrNoHonestNodes
	}
	log.Info("bench started",
		logx.String("mode", p.mode),
		logx.Int("n", p.net.N),
		logx.Int("t", p.t),
		logx.Int("rounds", p.rounds),
		logx.Int("batch", p.batch),
		logx.Int("size", p.size),
	)

	col := newCollector(honest)
	var latencies []time.Duration
	var runErr error
	instance := uint64(0)
	for done := 0; done < p.rounds; {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		n := min(p.batch, p.rounds-done)
		batch := make([]round, n)
		for i := range batch {
			instance++
			batch[i] = round{
				tag: broadcast.Tag{Kind: p.kind, Instance: instance},
				msg: payload(p.size, p.net.Seed, instance),
			}
		}
		lat, failed, err := r.runBatch(ctx, log, cluster, honest, col, batch, p.timeout)
		latencies = append(latencies, lat...)
		res.Failed += failed
		if err != nil {
			runErr = err
			break
		}
		done += n
	}
	res.Delivered = len(latencies)
	if runErr != nil {
		res.Failed = p.rounds - res.Delivered
		res.Error = runErr.Error()
	}
	col.stop()

	res.Messages, res.Bytes = simnet.Totals(cluster.Net.Summaries())
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	if err := cluster.Close(closeCtx); err != nil {
		log.Warn("cluster close failed", logx.Err(err))
	}
	cancel()

	fillLatency(&res, latencies)
	res.Took = time.Since(res.StartedAt)
	r.finish(ctx, log, res)
	return res, nil
}

func (r *Runner) setLive(c *node.Cluster) {
	r.mu.Lock()
	r.live = c
	r.mu.Unlock()
}

// NodeStatus is one participant of the run in flight.
type NodeStatus struct {
	Node      int                `json:"node"`
	Registry  session.Snapshot   `json:"registry"`
	Broadcast broadcast.Snapshot `json:"broadcast"`
	Traffic   simnet.Summary     `json:"traffic"`
}

// Live describes every node of the run in flight. It is empty between runs.
func (r *Runner) Live() []NodeStatus {
	r.mu.Lock()
	c := r.live
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	out := make([]NodeStatus, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, NodeStatus{
			Node:      n.Index(),
			Registry:  n.Registry().Snapshot(),
			Broadcast: n.Memory().Snapshot(),
			Traffic:   n.Endpoint().Summary(),
		})
	}
	return out
}

type round struct {
	tag broadcast.Tag
	msg []byte
}

// runBatch runs rounds concurrently and waits until every honest node has
// delivered them or the timeout evicted what was left. The latency of a
// round is the time until its slowest honest node delivered.
func (r *Runner) runBatch(ctx context.Context, log logx.Logger, c *node.Cluster, honest []*node.Node, col *collector, batch []round, timeout time.Duration) ([]time.Duration, int, error) {
	for _, rd := range batch {
		for _, n := range honest {
			if err := n.Expect(rd.tag); err != nil {
				return nil, 0, fmt.Errorf("expect %s on node %d: %w", rd.tag, n.Index(), err)
			}
		}
	}
	waits := make([]<-chan error, 0, len(honest))
	for _, n := range honest {
		ch, err := n.Registry().Clean(len(batch), timeout)
		if err != nil {
			return nil, 0, fmt.Errorf("clean on node %d: %w", n.Index(), err)
		}
		if ch != nil {
			waits = append(waits, ch)
		}
	}

	for _, rd := range batch {
		proposer := honest[int(rd.tag.Instance)%len(honest)]
		if err := proposer.Propose(ctx, rd.tag, rd.msg); err != nil {
			log.Warn("propose failed", logx.String("tag", rd.tag.String()), logx.Int("node", proposer.Index()), logx.Err(err))
		}
	}

	for _, ch := range waits {
		if err := <-ch; err != nil {
			var te *session.CleanupTimeoutError
			if !errors.As(err, &te) {
				return nil, 0, err
			}
			log.Warn("rounds timed out", logx.Int("remaining", te.Remaining), logx.Duration("timeout", timeout))
		}
	}

	tags := make([]broadcast.Tag, 0, len(batch))
	var latencies []time.Duration
	failed := 0
	for _, rd := range batch {
		tags = append(tags, rd.tag)
		// Expect already accepted the tag.
		id, _ := node.SessionID(rd.tag)
		lat, ok := col.take(id, rd.msg, len(honest), collectGrace)
		if !ok {
			failed++
			continue
		}
		latencies = append(latencies, lat)
	}
	// Tombstones lag one batch behind so stragglers of this batch are
	// still recognised as finished.
	stale := col.retire(tags)
	for _, n := range c.Nodes {
		n.Memory().Forget(stale...)
	}
	return latencies, failed, nil
}

// collectGrace bounds how long a finished batch waits for subscription
// events, which registries publish after resolving Clean.
const collectGrace = time.Second

// collector gathers round results from every honest registry.
type collector struct {
	mu      sync.Mutex
	results map[session.ID][]node.RoundResult
	retired []broadcast.Tag
	notify  chan struct{}
	subs    []*session.Subscription[node.RoundResult]
	quit    chan struct{}
	wg      sync.WaitGroup
}

func newCollector(nodes []*node.Node) *collector {
	c := &collector{
		results: map[session.ID][]node.RoundResult{},
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	for _, n := range nodes {
		sub := n.Registry().Subscribe()
		c.subs = append(c.subs, sub)
		c.wg.Add(1)
		go c.drain(sub)
	}
	return c
}

func (c *collector) drain(sub *session.Subscription[node.RoundResult]) {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case ev := <-sub.C():
			c.mu.Lock()
			c.results[ev.ID] = append(c.results[ev.ID], ev.Output)
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
	}
}

// take removes the results for session id. A round counts only when every
// honest node delivered exactly the proposed message.
func (c *collector) take(id session.ID, want []byte, honest int, grace time.Duration) (time.Duration, bool) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	var got []node.RoundResult
	for {
		c.mu.Lock()
		got = c.results[id]
		if len(got) >= honest {
			delete(c.results, id)
		}
		c.mu.Unlock()
		if len(got) >= honest {
			break
		}
		select {
		case <-c.notify:
		case <-timer.C:
			c.mu.Lock()
			delete(c.results, id)
			c.mu.Unlock()
			return 0, false
		}
	}
	var slowest time.Duration
	for _, rr := range got {
		if !bytes.Equal(rr.Message, want) {
			return 0, false
		}
		slowest = max(slowest, rr.Latency)
	}
	return slowest, true
}

// retire records tags as done and returns the ones retired by the
// previous call.
func (c *collector) retire(tags []broadcast.Tag) []broadcast.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.retired
	c.retired = append([]broadcast.Tag(nil), tags...)
	return prev
}

func (c *collector) stop() {
	for _, s := range c.subs {
		s.Close()
	}
	close(c.quit)
	c.wg.Wait()
}

func (r *Runner) finish(ctx context.Context, log logx.Logger, res storage.Result) {
	log.Info("bench finished",
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Duration("mean", res.LatencyMean),
		logx.Duration("p99", res.LatencyP99),
		logx.Uint64("messages", res.Messages),
		logx.Duration("took", res.Took),
	)
	if r.store != nil {
		if err := r.store.SaveResult(context.WithoutCancel(ctx), res); err != nil {
			log.Error("saving result failed", logx.Err(err))
		}
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRunFinished,
			Time: time.Now(),
			Data: eventbus.RunEvent{
				RunID:  res.RunID,
				Mode:   res.Mode,
				Rounds: res.Rounds,
				Failed: res.Failed,
				MeanMs: float64(res.LatencyMean) / float64(time.Millisecond),
				Error:  res.Error,
			},
		})
	}
}

func countFaulty(b map[int]simnet.Behaviour) int {
	n := 0
	for _, v := range b {
		if v != simnet.Honest {
			n++
		}
	}
	return n
}

// payload is deterministic per seed and instance so reruns are comparable.
func payload(size int, seed, instance uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, instance))
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

func fillLatency(res *storage.Result, lat []time.Duration) {
	if len(lat) == 0 {
		return
	}
	slices.Sort(lat)
	var sum time.Duration
	for _, d := range lat {
		sum += d
	}
	res.LatencyMean = sum / time.Duration(len(lat))
	res.LatencyP50 = percentile(lat, 50)
	res.LatencyP90 = percentile(lat, 90)
	res.LatencyP99 = percentile(lat, 99)
	res.LatencyMax = lat[len(lat)-1]
}

// percentile uses nearest rank on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
