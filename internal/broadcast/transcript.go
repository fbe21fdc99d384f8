package broadcast

import (
	"encoding/binary"
	"fmt"

	"vssbench/internal/erasure"
)

// Round is the protocol step a transcript belongs to.
type Round uint8

const (
	RoundPropose Round = iota + 1
	RoundEcho
	RoundReady
)

func (r Round) String() string {
	switch r {
	case RoundPropose:
		return "propose"
	case RoundEcho:
		return "echo"
	case RoundReady:
		return "ready"
	default:
		return fmt.Sprintf("round(%d)", uint8(r))
	}
}

func (r Round) valid() bool { return r >= RoundPropose && r <= RoundReady }

// Transcript is the wire unit of every round.
//
// For Propose the fragment belongs to the recipient; for Echo and Ready it
// belongs to the sender. A Ready fragment may be empty.
type Transcript struct {
	Round    Round
	Sender   int
	Tag      Tag
	Hash     [32]byte
	Meta     erasure.Metadata
	Fragment []byte
}

// round(1) sender(2) kind(1) instance(8) hash(32) meta(5*4) fraglen(4)
const headerSize = 1 + 2 + 1 + 8 + 32 + 5*4 + 4

// MaxSender is the largest sender index the wire format can carry.
const MaxSender = 1<<16 - 1

func (t Transcript) MarshalBinary() ([]byte, error) {
	if !t.Round.valid() {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, t.Round)
	}
	if t.Sender < 0 || t.Sender > MaxSender {
		return nil, fmt.Errorf("%w: sender %d", ErrMalformed, t.Sender)
	}
	b := make([]byte, headerSize+len(t.Fragment))
	b[0] = byte(t.Round)
	binary.BigEndian.PutUint16(b[1:], uint16(t.Sender))
	b[3] = byte(t.Tag.Kind)
	binary.BigEndian.PutUint64(b[4:], t.Tag.Instance)
	copy(b[12:44], t.Hash[:])
	off := 44
	for _, v := range [...]int{t.Meta.N, t.Meta.T, t.Meta.FragmentSize, t.Meta.PaddedSize, t.Meta.OriginalLength} {
		binary.BigEndian.PutUint32(b[off:], uint32(v))
		off += 4
	}
	binary.BigEndian.PutUint32(b[off:], uint32(len(t.Fragment)))
	copy(b[headerSize:], t.Fragment)
	return b, nil
}

// Decode parses one transcript. The fragment is copied out of b.
func Decode(b []byte) (Transcript, error) {
	if len(b) < headerSize {
		return Transcript{}, fmt.Errorf("%w: short transcript (%d bytes)", ErrMalformed, len(b))
	}
	t := Transcript{
		Round:  Round(b[0]),
		Sender: int(binary.BigEndian.Uint16(b[1:])),
		Tag:    Tag{Kind: Kind(b[3]), Instance: binary.BigEndian.Uint64(b[4:])},
	}
	if !t.Round.valid() {
		return Transcript{}, fmt.Errorf("%w: unknown %s", ErrMalformed, t.Round)
	}
	copy(t.Hash[:], b[12:44])
	var meta [5]int
	off := 44
	for i := range meta {
		meta[i] = int(binary.BigEndian.Uint32(b[off:]))
		off += 4
	}
	t.Meta = erasure.Metadata{N: meta[0], T: meta[1], FragmentSize: meta[2], PaddedSize: meta[3], OriginalLength: meta[4]}
	n := int(binary.BigEndian.Uint32(b[off:]))
	if n != len(b)-headerSize {
		return Transcript{}, fmt.Errorf("%w: fragment length %d, body %d", ErrMalformed, n, len(b)-headerSize)
	}
	if n > 0 {
		t.Fragment = append([]byte(nil), b[headerSize:]...)
	}
	return t, nil
}

// Tamper returns a copy of an encoded transcript with its hash and fragment
// bits flipped. Propose messages are left alone. Used to simulate a
// corrupting participant.
func Tamper(b []byte) []byte {
	out := append([]byte(nil), b...)
	if len(out) < headerSize || Round(out[0]) == RoundPropose {
		return out
	}
	for i := 12; i < 44; i++ {
		out[i] ^= 0xff
	}
	for i := headerSize; i < len(out); i++ {
		out[i] ^= 0x5a
	}
	return out
}
