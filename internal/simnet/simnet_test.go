package simnet

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, ep *Endpoint) Message {
	t.Helper()
	select {
	case m := <-ep.Inbox():
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("endpoint %d: nothing received", ep.Index())
		return Message{}
	}
}

func TestLinkIsFIFO(t *testing.T) {
	nw, err := New(Config{N: 2, Jitter: 2 * time.Millisecond, Seed: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := nw.Endpoint(0).SendTo(ctx, 1, []byte{byte(i)}); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
	}
	for i := 0; i < 50; i++ {
		m := recv(t, nw.Endpoint(1))
		if m.From != 0 || m.Payload[0] != byte(i) {
			t.Fatalf("message %d = %+v", i, m)
		}
	}
}

func TestLatencyIsApplied(t *testing.T) {
	nw, err := New(Config{N: 2, Latency: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()

	start := time.Now()
	if err := nw.Endpoint(1).SendTo(context.Background(), 0, []byte("x")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	recv(t, nw.Endpoint(0))
	if got := time.Since(start); got < 30*time.Millisecond {
		t.Fatalf("delivered after %v, want >= 30ms", got)
	}
}

func TestBehaviours(t *testing.T) {
	nw, err := New(Config{N: 3, Behaviours: map[int]Behaviour{1: Silent, 2: Corrupt}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()
	ctx := context.Background()

	if err := nw.Endpoint(1).SendTo(ctx, 0, []byte("quiet")); err != nil {
		t.Fatalf("silent SendTo: %v", err)
	}
	if err := nw.Endpoint(2).SendTo(ctx, 0, []byte{0x0f}); err != nil {
		t.Fatalf("corrupt SendTo: %v", err)
	}
	m := recv(t, nw.Endpoint(0))
	if m.From != 2 || !bytes.Equal(m.Payload, []byte{0xf0}) {
		t.Fatalf("got %+v, want tampered payload from 2", m)
	}
	select {
	case m := <-nw.Endpoint(0).Inbox():
		t.Fatalf("silent participant delivered %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
	if got := nw.Endpoint(1).Summary().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestSenderBufferIsCopied(t *testing.T) {
	nw, err := New(Config{N: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()

	b := []byte("abc")
	if err := nw.Endpoint(0).SendTo(context.Background(), 1, b); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	b[0] = 'z'
	if got := string(recv(t, nw.Endpoint(1)).Payload); got != "abc" {
		t.Fatalf("payload = %q, want %q", got, "abc")
	}
}

func TestSummaries(t *testing.T) {
	nw, err := New(Config{N: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()
	ctx := context.Background()

	_ = nw.Endpoint(0).SendTo(ctx, 1, make([]byte, 10))
	_ = nw.Endpoint(0).SendTo(ctx, 2, make([]byte, 5))
	recv(t, nw.Endpoint(1))
	recv(t, nw.Endpoint(2))

	sums := nw.Summaries()
	if len(sums) != 3 {
		t.Fatalf("len = %d, want 3", len(sums))
	}
	if sums[0].SentMsgs != 2 || sums[0].SentBytes != 15 {
		t.Fatalf("node 0 = %+v", sums[0])
	}
	if sums[1].RecvMsgs != 1 || sums[1].RecvBytes != 10 {
		t.Fatalf("node 1 = %+v", sums[1])
	}
	if len(sums[0].Peers) != 2 {
		t.Fatalf("node 0 peers = %+v", sums[0].Peers)
	}
	msgs, size := Totals(sums)
	if msgs != 2 || size != 15 {
		t.Fatalf("Totals = %d, %d; want 2, 15", msgs, size)
	}
}

func TestCloseStopsNetwork(t *testing.T) {
	nw, err := New(Config{N: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	nw.Close()
	nw.Close()

	if _, ok := <-nw.Endpoint(0).Inbox(); ok {
		t.Fatalf("inbox still open")
	}
	if err := nw.Endpoint(0).SendTo(context.Background(), 1, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendTo after Close = %v, want ErrClosed", err)
	}
	if err := nw.Endpoint(0).SendTo(context.Background(), 5, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("SendTo(5) = %v, want ErrUnknownPeer", err)
	}
}

func TestRateLimit(t *testing.T) {
	nw, err := New(Config{N: 2, RatePerSec: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer nw.Close()
	ctx := context.Background()

	// The burst equals the rate; the 25th message waits for a refill.
	start := time.Now()
	for i := 0; i < 25; i++ {
		_ = nw.Endpoint(0).SendTo(ctx, 1, []byte{1})
	}
	for i := 0; i < 25; i++ {
		recv(t, nw.Endpoint(1))
	}
	if got := time.Since(start); got < 150*time.Millisecond {
		t.Fatalf("25 messages at 20/s took %v", got)
	}
}

func TestParseBehaviour(t *testing.T) {
	for in, want := range map[string]Behaviour{"": Honest, "Silent": Silent, "corrupt": Corrupt} {
		got, err := ParseBehaviour(in)
		if err != nil || got != want {
			t.Fatalf("ParseBehaviour(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseBehaviour("evil"); err == nil {
		t.Fatalf("expected error")
	}
}
