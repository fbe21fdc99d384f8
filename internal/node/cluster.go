package node

import (
	"context"
	"errors"
	"fmt"

	"vssbench/internal/broadcast"
	"vssbench/internal/eventbus"
	"vssbench/internal/session"
	"vssbench/internal/simnet"
	logx "vssbench/pkg/logx"
)

type ClusterConfig struct {
	Net         simnet.Config
	T           int
	FaultPolicy broadcast.FaultPolicy
	OnError     session.ErrorHandler
	ChannelSize int
	Log         logx.Logger
	Bus         eventbus.Bus
}

// Cluster is a whole broadcast group on one simulated network.
type Cluster struct {
	Net   *simnet.Network
	Nodes []*Node
}

// NewCluster builds the network and one started node per participant.
// Corrupt participants tamper with transcripts.
func NewCluster(ctx context.Context, cfg ClusterConfig) (*Cluster, error) {
	if cfg.Net.Tamper == nil {
		cfg.Net.Tamper = broadcast.Tamper
	}
	if cfg.Net.Log.IsZero() {
		cfg.Net.Log = cfg.Log
	}
	nw, err := simnet.New(cfg.Net)
	if err != nil {
		return nil, err
	}
	c := &Cluster{Net: nw}
	for i := 0; i < nw.Size(); i++ {
		n, err := New(nw.Endpoint(i), Config{
			T:           cfg.T,
			FaultPolicy: cfg.FaultPolicy,
			OnError:     cfg.OnError,
			ChannelSize: cfg.ChannelSize,
			Log:         cfg.Log,
			Bus:         cfg.Bus,
		})
		if err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("cluster: %w", err)
		}
		n.Start(ctx)
		c.Nodes = append(c.Nodes, n)
	}
	return c, nil
}

// Honest returns the nodes whose endpoint behaves honestly.
func (c *Cluster) Honest() []*Node {
	var out []*Node
	for _, n := range c.Nodes {
		if n.ep.Behaviour() == simnet.Honest {
			out = append(out, n)
		}
	}
	return out
}

// Close stops the network first so receive loops drain, then the nodes.
func (c *Cluster) Close(ctx context.Context) error {
	c.Net.Close()
	var errs []error
	for _, n := range c.Nodes {
		if err := n.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
