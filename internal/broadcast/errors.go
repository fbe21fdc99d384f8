package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrMalformed        = errors.New("broadcast: malformed transcript")
	ErrHashMismatch     = errors.New("broadcast: hash does not match bound hash")
	ErrMetadataMismatch = errors.New("broadcast: metadata does not match bound metadata")
	ErrBadFragment      = errors.New("broadcast: invalid fragment")
	ErrDecodeFailure    = errors.New("broadcast: decoded message does not reproduce bound hash")
	ErrTagInUse         = errors.New("broadcast: tag already in use")
	ErrInvalidParams    = errors.New("broadcast: invalid parameters")
)

// IntegrityError reports a contribution that failed verification.
type IntegrityError struct {
	Tag    Tag
	Round  Round
	Sender int
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("broadcast %s: %s from %d: %v", e.Tag, e.Round, e.Sender, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// FanoutError aggregates per-peer failures of one scatter/gather send.
type FanoutError struct {
	Failures map[int]error
}

func (e *FanoutError) Error() string {
	peers := make([]int, 0, len(e.Failures))
	for p := range e.Failures {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	parts := make([]string, 0, len(peers))
	for _, p := range peers {
		parts = append(parts, fmt.Sprintf("peer %d: %v", p, e.Failures[p]))
	}
	return fmt.Sprintf("broadcast: send failed to %d peer(s): %s", len(peers), strings.Join(parts, "; "))
}

// Unwrap exposes every per-peer error to errors.Is and errors.As.
func (e *FanoutError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}
