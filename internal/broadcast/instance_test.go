package broadcast

import (
	"crypto/sha256"
	"errors"
	"testing"

	"vssbench/internal/erasure"
)

func encoded(t *testing.T, msg string, n, f int) ([][]byte, erasure.Metadata, [32]byte) {
	t.Helper()
	frags, meta, err := erasure.Encode([]byte(msg), n, f+1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return frags, meta, sha256.Sum256([]byte(msg))
}

func TestReadyAmplification(t *testing.T) {
	frags, meta, h := encoded(t, "hello", 4, 1)
	in := newInstance(pingTag, 3, 4, 1)

	st := in.handle(Transcript{Round: RoundReady, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[0]})
	if st.fault != nil || len(st.actions) != 0 || st.delivered != nil {
		t.Fatalf("first ready: %+v", st)
	}

	// t+1 readies: amplify with the recovered own fragment. That Ready is
	// the third, so the instance also delivers.
	st = in.handle(Transcript{Round: RoundReady, Sender: 1, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[1]})
	if st.fault != nil {
		t.Fatalf("fault: %v", st.fault.err)
	}
	if len(st.actions) != 1 || st.actions[0].to != toAll || st.actions[0].tr.Round != RoundReady {
		t.Fatalf("actions = %+v, want one Ready to all", st.actions)
	}
	if got := string(st.actions[0].tr.Fragment); got != string(frags[3]) {
		t.Fatalf("ready carried the wrong fragment")
	}
	if string(st.delivered) != "hello" {
		t.Fatalf("delivered = %q, want %q", st.delivered, "hello")
	}
	if !in.closed {
		t.Fatalf("instance not closed after delivery")
	}
}

func TestEchoQuorumSendsReady(t *testing.T) {
	frags, meta, h := encoded(t, "quorum", 4, 1)
	in := newInstance(pingTag, 2, 4, 1)

	st := in.handle(Transcript{Round: RoundPropose, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[2]})
	if len(st.actions) != 1 || st.actions[0].tr.Round != RoundEcho {
		t.Fatalf("propose actions = %+v, want one Echo", st.actions)
	}
	st = in.handle(Transcript{Round: RoundEcho, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[0]})
	if len(st.actions) != 0 {
		t.Fatalf("two echoes should not trigger Ready")
	}
	// A duplicate echo is not counted.
	st = in.handle(Transcript{Round: RoundEcho, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[0]})
	if len(st.actions) != 0 || st.fault != nil || len(in.echoes) != 2 {
		t.Fatalf("duplicate echo changed state: %+v echoes=%d", st, len(in.echoes))
	}
	st = in.handle(Transcript{Round: RoundEcho, Sender: 1, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[1]})
	if len(st.actions) != 1 || st.actions[0].tr.Round != RoundReady {
		t.Fatalf("actions = %+v, want Ready", st.actions)
	}
	if in.ready != readySent {
		t.Fatalf("ready = %v, want readySent", in.ready)
	}
}

func TestHashMismatchIsFault(t *testing.T) {
	frags, meta, h := encoded(t, "bound", 4, 1)
	in := newInstance(pingTag, 1, 4, 1)
	in.handle(Transcript{Round: RoundEcho, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[0]})

	other := h
	other[0] ^= 1
	st := in.handle(Transcript{Round: RoundEcho, Sender: 2, Tag: pingTag, Hash: other, Meta: meta, Fragment: frags[2]})
	if st.fault == nil || !errors.Is(st.fault.err, ErrHashMismatch) {
		t.Fatalf("fault = %+v, want ErrHashMismatch", st.fault)
	}
	if st.fault.fatal {
		t.Fatalf("hash mismatch must not be fatal on its own")
	}
	if in.hash != h {
		t.Fatalf("bound hash changed")
	}

	meta2 := meta
	meta2.OriginalLength--
	st = in.handle(Transcript{Round: RoundEcho, Sender: 3, Tag: pingTag, Hash: h, Meta: meta2, Fragment: frags[3]})
	if st.fault == nil || !errors.Is(st.fault.err, ErrMetadataMismatch) {
		t.Fatalf("fault = %+v, want ErrMetadataMismatch", st.fault)
	}
}

func TestDecodeFailureIsFatal(t *testing.T) {
	frags, meta, h := encoded(t, "genuine", 4, 1)
	in := newInstance(pingTag, 3, 4, 1)

	bad := append([]byte(nil), frags[0]...)
	bad[0] ^= 0xff
	in.handle(Transcript{Round: RoundReady, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: bad})
	st := in.handle(Transcript{Round: RoundReady, Sender: 1, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[1]})
	if st.fault == nil || !st.fault.fatal || !errors.Is(st.fault.err, ErrDecodeFailure) {
		t.Fatalf("fault = %+v, want fatal ErrDecodeFailure", st.fault)
	}
	if st.delivered != nil {
		t.Fatalf("delivered a message that does not match the hash")
	}
}

func TestSenderCannotSwapFragment(t *testing.T) {
	frags, meta, h := encoded(t, "swap", 4, 1)
	in := newInstance(pingTag, 2, 4, 1)
	in.handle(Transcript{Round: RoundEcho, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[0]})
	st := in.handle(Transcript{Round: RoundReady, Sender: 0, Tag: pingTag, Hash: h, Meta: meta, Fragment: frags[1]})
	if st.fault == nil || !errors.Is(st.fault.err, ErrBadFragment) {
		t.Fatalf("fault = %+v, want ErrBadFragment", st.fault)
	}
}
