package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Decoder collects fragments keyed by owner index until enough are present
// to reconstruct the message. It is not safe for concurrent use.
type Decoder struct {
	meta   Metadata
	shards [][]byte
	count  int
	codec  reedsolomon.Encoder // nil when n == k
}

func NewDecoder(meta Metadata) (*Decoder, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{meta: meta, shards: make([][]byte, meta.N)}
	if meta.N > meta.K() {
		c, err := newCodec(meta)
		if err != nil {
			return nil, err
		}
		d.codec = c
	}
	return d, nil
}

func (d *Decoder) Metadata() Metadata { return d.meta }

// Count is the number of distinct fragments collected.
func (d *Decoder) Count() int { return d.count }

// CanDecode reports whether at least k distinct fragments are present.
func (d *Decoder) CanDecode() bool { return d.count >= d.meta.K() }

func (d *Decoder) Has(index int) bool {
	return index >= 0 && index < len(d.shards) && d.shards[index] != nil
}

// Add stores a fragment. It returns false if a fragment for index was already
// present; the first one wins.
func (d *Decoder) Add(index int, fragment []byte) (bool, error) {
	if index < 0 || index >= d.meta.N {
		return false, fmt.Errorf("%w: %d (n=%d)", ErrBadIndex, index, d.meta.N)
	}
	if len(fragment) != d.meta.PaddedSize {
		return false, fmt.Errorf("%w: got %d, want %d", ErrBadFragment, len(fragment), d.meta.PaddedSize)
	}
	if d.shards[index] != nil {
		return false, nil
	}
	d.shards[index] = append([]byte(nil), fragment...)
	d.count++
	return true, nil
}

// Fragment returns the fragment for index, reconstructing it from the
// collected ones when it was never received.
func (d *Decoder) Fragment(index int) ([]byte, error) {
	if index < 0 || index >= d.meta.N {
		return nil, fmt.Errorf("%w: %d (n=%d)", ErrBadIndex, index, d.meta.N)
	}
	if d.shards[index] != nil {
		return append([]byte(nil), d.shards[index]...), nil
	}
	all, err := d.reconstruct(false)
	if err != nil {
		return nil, err
	}
	return all[index], nil
}

// Decode reconstructs the original message.
func (d *Decoder) Decode() ([]byte, error) {
	all, err := d.reconstruct(true)
	if err != nil {
		return nil, err
	}
	k := d.meta.K()
	out := make([]byte, 0, k*d.meta.FragmentSize)
	for i := 0; i < k; i++ {
		out = append(out, all[i][:d.meta.FragmentSize]...)
	}
	return out[:d.meta.OriginalLength], nil
}

// reconstruct works on a copy so a failed attempt never poisons the
// collected set.
func (d *Decoder) reconstruct(dataOnly bool) ([][]byte, error) {
	if !d.CanDecode() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewFragments, d.count, d.meta.K())
	}
	work := make([][]byte, len(d.shards))
	for i, s := range d.shards {
		if s != nil {
			work[i] = append([]byte(nil), s...)
		}
	}
	if d.codec == nil {
		return work, nil
	}
	var err error
	if dataOnly {
		err = d.codec.ReconstructData(work)
	} else {
		err = d.codec.Reconstruct(work)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReconstructFailure, err)
	}
	return work, nil
}
