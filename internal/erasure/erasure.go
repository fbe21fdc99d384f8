// Package erasure splits a message into n Reed-Solomon coded fragments such
// that any k of them reconstruct it.
//
// Fragments are systematic: the first k carry the (zero padded) message and
// the remaining n-k carry parity. Every fragment is PaddedSize bytes long.
package erasure

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// BlockSize is the fragment alignment. Fragments are never smaller than one block.
const BlockSize = 64

var (
	ErrInvalidParams      = errors.New("erasure: invalid parameters")
	ErrBadIndex           = errors.New("erasure: fragment index out of range")
	ErrBadFragment        = errors.New("erasure: fragment has wrong size")
	ErrTooFewFragments    = errors.New("erasure: not enough fragments")
	ErrReconstructFailure = errors.New("erasure: reconstruction failed")
)

// Metadata describes how a message was encoded. It travels with every
// transcript so a receiver can build a decoder from the first message it sees.
type Metadata struct {
	N              int // total fragments
	T              int // tolerated faults; k = T+1 fragments reconstruct
	FragmentSize   int // useful bytes per data fragment
	PaddedSize     int // on-wire fragment length, multiple of BlockSize
	OriginalLength int // message length before padding
}

// K is the number of fragments needed to reconstruct.
func (m Metadata) K() int { return m.T + 1 }

func (m Metadata) Validate() error {
	switch {
	case m.T < 0 || m.N < m.K():
		return fmt.Errorf("%w: n=%d t=%d", ErrInvalidParams, m.N, m.T)
	case m.FragmentSize <= 0 || m.PaddedSize < m.FragmentSize || m.PaddedSize%BlockSize != 0:
		return fmt.Errorf("%w: fragment_size=%d padded_size=%d", ErrInvalidParams, m.FragmentSize, m.PaddedSize)
	case m.OriginalLength < 0 || m.OriginalLength > m.K()*m.FragmentSize:
		return fmt.Errorf("%w: original_length=%d", ErrInvalidParams, m.OriginalLength)
	}
	return nil
}

// Encode splits message into n fragments, any k of which reconstruct it.
func Encode(message []byte, n, k int) ([][]byte, Metadata, error) {
	if k <= 0 || n < k {
		return nil, Metadata{}, fmt.Errorf("%w: n=%d k=%d", ErrInvalidParams, n, k)
	}
	fragSize := (len(message) + k - 1) / k
	if fragSize == 0 {
		fragSize = 1
	}
	padded := (fragSize + BlockSize - 1) / BlockSize * BlockSize

	meta := Metadata{N: n, T: k - 1, FragmentSize: fragSize, PaddedSize: padded, OriginalLength: len(message)}

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = make([]byte, padded)
	}
	for i := 0; i < k; i++ {
		lo := i * fragSize
		if lo >= len(message) {
			break
		}
		hi := min(lo+fragSize, len(message))
		copy(shards[i], message[lo:hi])
	}

	if n > k {
		enc, err := newCodec(meta)
		if err != nil {
			return nil, Metadata{}, err
		}
		if err := enc.Encode(shards); err != nil {
			return nil, Metadata{}, fmt.Errorf("erasure: encode: %w", err)
		}
	}
	return shards, meta, nil
}

func newCodec(meta Metadata) (reedsolomon.Encoder, error) {
	enc, err := reedsolomon.New(meta.K(), meta.N-meta.K())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return enc, nil
}
