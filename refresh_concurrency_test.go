package keygate

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// Concurrent refreshes of one token must produce exactly one winner;
// every loser is handled as reuse and the family ends revoked.
func TestConcurrentRefreshSingleWinner(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "u1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const workers = 24
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*TokenPair
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			next, err := engine.Refresh(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, next)
			case errors.Is(err, ErrReusedToken), errors.Is(err, ErrFamilyRevoked):
				losers++
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}
	if len(winners)+losers != workers {
		t.Fatalf("accounted %d of %d workers", len(winners)+losers, workers)
	}

	// Any loser revoked the family, so even the winner's token is dead.
	if _, err := engine.Refresh(ctx, winners[0].RefreshToken); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("expected ErrFamilyRevoked for winner's token, got %v", err)
	}
}
