package relay_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenAgentsInc/openagents-pool/relay"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolSubscriptionOutlivesEmptyRelaySet(t *testing.T) {
	ctx := context.Background()
	p := relay.NewPool(ctx, discard())

	var closed atomic.Bool
	var reason atomic.Value
	sub, err := p.Subscribe(ctx, nil, func(ev *nostr.Event) {}, func(err error) {
		if err != nil {
			reason.Store(err)
		}
		closed.Store(true)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A subscription with no relays yet must stay open; relays can
	// join later via Connect.
	time.Sleep(50 * time.Millisecond)
	if closed.Load() {
		t.Fatal("subscription closed with no relays attached")
	}

	sub.Close()
	waitFor(t, "close callback", closed.Load)
	if reason.Load() != nil {
		t.Fatalf("close reason = %v, want nil on orderly close", reason.Load())
	}
	// Closing twice is a no-op.
	sub.Close()
}

func TestPoolSkipsUnreachableRelays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing listens here; the pool logs and carries on.
	p := relay.NewPool(ctx, discard(), "ws://127.0.0.1:1")
	if evs, err := p.QuerySync(ctx, nostr.Filter{}); err != nil || len(evs) != 0 {
		t.Fatalf("query on empty pool = %v, %v", evs, err)
	}
}
