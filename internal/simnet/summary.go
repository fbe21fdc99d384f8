package simnet

// PeerSummary counts traffic between one participant and one peer.
type PeerSummary struct {
	Peer      int    `json:"peer"`
	SentMsgs  uint64 `json:"sent_msgs"`
	SentBytes uint64 `json:"sent_bytes"`
	RecvMsgs  uint64 `json:"recv_msgs"`
	RecvBytes uint64 `json:"recv_bytes"`
}

// Summary is the message complexity seen by one participant.
type Summary struct {
	Node      int           `json:"node"`
	Behaviour string        `json:"behaviour"`
	SentMsgs  uint64        `json:"sent_msgs"`
	SentBytes uint64        `json:"sent_bytes"`
	RecvMsgs  uint64        `json:"recv_msgs"`
	RecvBytes uint64        `json:"recv_bytes"`
	Dropped   uint64        `json:"dropped,omitempty"`
	Peers     []PeerSummary `json:"peers,omitempty"`
}

func (ep *Endpoint) Summary() Summary {
	s := Summary{Node: ep.index, Behaviour: ep.behaviour.String(), Dropped: ep.dropped.Load()}
	for p := range ep.sent {
		ps := PeerSummary{
			Peer:      p,
			SentMsgs:  ep.sent[p].msgs.Load(),
			SentBytes: ep.sent[p].bytes.Load(),
			RecvMsgs:  ep.recv[p].msgs.Load(),
			RecvBytes: ep.recv[p].bytes.Load(),
		}
		s.SentMsgs += ps.SentMsgs
		s.SentBytes += ps.SentBytes
		s.RecvMsgs += ps.RecvMsgs
		s.RecvBytes += ps.RecvBytes
		if ps != (PeerSummary{Peer: p}) {
			s.Peers = append(s.Peers, ps)
		}
	}
	return s
}

// Summaries returns one Summary per participant, in index order.
func (nw *Network) Summaries() []Summary {
	out := make([]Summary, 0, len(nw.endpoints))
	for _, ep := range nw.endpoints {
		out = append(out, ep.Summary())
	}
	return out
}

// Totals adds up sent traffic across the network.
func Totals(sums []Summary) (msgs, bytes uint64) {
	for _, s := range sums {
		msgs += s.SentMsgs
		bytes += s.SentBytes
	}
	return msgs, bytes
}
