package broadcast

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"vssbench/internal/erasure"
)

// readyState records whether this participant has broadcast its Ready.
// readyWait means the Ready went out without a fragment because the own
// fragment was neither received nor recoverable at that point.
type readyState uint8

const (
	readyNone readyState = iota
	readyWait
	readySent
)

// action is one transcript the state machine wants sent. to < 0 means
// every other participant.
type action struct {
	to int
	tr Transcript
}

const toAll = -1

// fault is a failed contribution. fatal faults end the instance regardless
// of policy.
type fault struct {
	err   *IntegrityError
	fatal bool
}

// step is what one state machine transition produced.
type step struct {
	actions   []action
	delivered []byte
	fault     *fault
}

// instance is the echo/ready state machine for one tag. All methods
// require mu to be held.
type instance struct {
	mu sync.Mutex

	tag        Tag
	self, n, t int
	started    time.Time

	bound bool
	hash  [32]byte
	meta  erasure.Metadata
	dec   *erasure.Decoder
	own   []byte

	echoed  bool
	echoes  map[int]struct{}
	readies map[int]struct{}
	ready   readyState

	quarantined map[int]struct{}
	closed      bool
}

func newInstance(tag Tag, self, n, t int) *instance {
	return &instance{
		tag:         tag,
		self:        self,
		n:           n,
		t:           t,
		started:     time.Now(),
		echoes:      map[int]struct{}{},
		readies:     map[int]struct{}{},
		quarantined: map[int]struct{}{},
	}
}

func (in *instance) integrity(round Round, sender int, err error) *fault {
	return &fault{err: &IntegrityError{Tag: in.tag, Round: round, Sender: sender, Err: err}}
}

// bind fixes hash and metadata on first touch and checks them afterwards.
func (in *instance) bind(tr Transcript) error {
	if !in.bound {
		dec, err := erasure.NewDecoder(tr.Meta)
		if err != nil {
			return err
		}
		in.bound, in.hash, in.meta, in.dec = true, tr.Hash, tr.Meta, dec
		return nil
	}
	if tr.Hash != in.hash {
		return ErrHashMismatch
	}
	if tr.Meta != in.meta {
		return ErrMetadataMismatch
	}
	return nil
}

func (in *instance) propose(msg []byte) (step, error) {
	frags, meta, err := erasure.Encode(msg, in.n, in.t+1)
	if err != nil {
		return step{}, err
	}
	h := sha256.Sum256(msg)
	if err := in.bind(Transcript{Hash: h, Meta: meta}); err != nil {
		return step{}, err
	}
	var st step
	for i, f := range frags {
		if i == in.self {
			continue
		}
		st.actions = append(st.actions, action{to: i, tr: in.transcript(RoundPropose, f)})
	}
	in.own = frags[in.self]
	in.echoOwn(&st)
	in.advance(&st)
	return st, nil
}

func (in *instance) transcript(r Round, frag []byte) Transcript {
	return Transcript{Round: r, Sender: in.self, Tag: in.tag, Hash: in.hash, Meta: in.meta, Fragment: frag}
}

// echoOwn counts the local echo and broadcasts it. Runs at most once.
func (in *instance) echoOwn(st *step) {
	if in.echoed || in.own == nil {
		return
	}
	in.echoed = true
	_, _ = in.dec.Add(in.self, in.own)
	in.echoes[in.self] = struct{}{}
	st.actions = append(st.actions, action{to: toAll, tr: in.transcript(RoundEcho, in.own)})
}

func (in *instance) handle(tr Transcript) step {
	var st step
	if err := in.bind(tr); err != nil {
		st.fault = in.integrity(tr.Round, tr.Sender, err)
		return st
	}
	switch tr.Round {
	case RoundPropose:
		in.onPropose(tr, &st)
	case RoundEcho:
		in.onEcho(tr, &st)
	case RoundReady:
		in.onReady(tr, &st)
	}
	if st.fault == nil {
		in.advance(&st)
	}
	return st
}

func (in *instance) onPropose(tr Transcript, st *step) {
	if in.own != nil {
		return
	}
	if len(tr.Fragment) != in.meta.PaddedSize {
		st.fault = in.integrity(tr.Round, tr.Sender, ErrBadFragment)
		return
	}
	in.own = append([]byte(nil), tr.Fragment...)
	in.echoOwn(st)
}

func (in *instance) onEcho(tr Transcript, st *step) {
	if _, dup := in.echoes[tr.Sender]; dup {
		return
	}
	if len(tr.Fragment) == 0 {
		st.fault = in.integrity(tr.Round, tr.Sender, ErrBadFragment)
		return
	}
	if err := in.addFragment(tr.Sender, tr.Fragment); err != nil {
		st.fault = in.integrity(tr.Round, tr.Sender, err)
		return
	}
	in.echoes[tr.Sender] = struct{}{}
}

func (in *instance) onReady(tr Transcript, st *step) {
	if _, dup := in.readies[tr.Sender]; dup {
		return
	}
	if len(tr.Fragment) > 0 {
		if err := in.addFragment(tr.Sender, tr.Fragment); err != nil {
			st.fault = in.integrity(tr.Round, tr.Sender, err)
			return
		}
	}
	in.readies[tr.Sender] = struct{}{}
}

// addFragment stores the sender's fragment. A sender may attach the same
// fragment to its Echo and its Ready; a different one is rejected.
func (in *instance) addFragment(sender int, frag []byte) error {
	if in.dec.Has(sender) {
		prev, err := in.dec.Fragment(sender)
		if err != nil {
			return err
		}
		if string(prev) != string(frag) {
			return fmt.Errorf("%w: sender changed its fragment", ErrBadFragment)
		}
		return nil
	}
	if _, err := in.dec.Add(sender, frag); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	return nil
}

// advance applies the Ready and delivery thresholds.
func (in *instance) advance(st *step) {
	if in.ready == readyNone && (len(in.echoes) >= 2*in.t+1 || len(in.readies) >= in.t+1) {
		frag := in.own
		if frag == nil && in.dec.CanDecode() {
			f, err := in.dec.Fragment(in.self)
			if err != nil {
				st.fault = &fault{err: &IntegrityError{Tag: in.tag, Round: RoundReady, Sender: in.self, Err: errors.Join(ErrDecodeFailure, err)}, fatal: true}
				return
			}
			in.own = f
			_, _ = in.dec.Add(in.self, f)
		}
		in.ready = readySent
		if frag == nil && in.own == nil {
			in.ready = readyWait
		}
		in.readies[in.self] = struct{}{}
		st.actions = append(st.actions, action{to: toAll, tr: in.transcript(RoundReady, in.own)})
	}

	if len(in.readies) >= 2*in.t+1 && in.dec.CanDecode() {
		msg, err := in.dec.Decode()
		if err == nil && sha256.Sum256(msg) != in.hash {
			err = ErrDecodeFailure
		} else if err != nil {
			err = errors.Join(ErrDecodeFailure, err)
		}
		if err != nil {
			st.fault = &fault{err: &IntegrityError{Tag: in.tag, Round: RoundReady, Sender: in.self, Err: err}, fatal: true}
			return
		}
		st.delivered = msg
		in.closed = true
	}
}

type InstanceSnapshot struct {
	Tag       string        `json:"tag"`
	Echoes    int           `json:"echoes"`
	Readies   int           `json:"readies"`
	Fragments int           `json:"fragments"`
	ReadySent bool          `json:"ready_sent"`
	Age       time.Duration `json:"age"`
}

func (in *instance) snapshot(now time.Time) InstanceSnapshot {
	s := InstanceSnapshot{
		Tag:       in.tag.String(),
		Echoes:    len(in.echoes),
		Readies:   len(in.readies),
		ReadySent: in.ready != readyNone,
		Age:       now.Sub(in.started),
	}
	if in.dec != nil {
		s.Fragments = in.dec.Count()
	}
	return s
}
