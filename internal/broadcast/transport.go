package broadcast

import (
	"context"
	"sync"
)

// Transport delivers encoded transcripts point to point. It is assumed
// authenticated: the receiving side attributes a transcript to the peer it
// arrived from.
type Transport interface {
	// SendTo sends b to participant peer. b must not be retained after
	// the call returns unless copied.
	SendTo(ctx context.Context, peer int, b []byte) error
	// Peers is the group size n, including the local participant.
	Peers() int
}

// scatter sends b to every participant except self concurrently and waits
// for all of them. Partial failure comes back as a *FanoutError.
func scatter(ctx context.Context, tr Transport, self int, b []byte) error {
	n := tr.Peers()
	var (
		mu       sync.Mutex
		failures map[int]error
		wg       sync.WaitGroup
	)
	for p := 0; p < n; p++ {
		if p == self {
			continue
		}
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			if err := tr.SendTo(ctx, p, b); err != nil {
				mu.Lock()
				if failures == nil {
					failures = map[int]error{}
				}
				failures[p] = err
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	if len(failures) > 0 {
		return &FanoutError{Failures: failures}
	}
	return nil
}
