package webhook_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/OpenAgentsInc/openagents-pool/webhook"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capture struct {
	mu     sync.Mutex
	bodies []nostr.Event
	ids    []string
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev nostr.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.bodies = append(c.bodies, ev)
		c.ids = append(c.ids, r.Header.Get("X-Delivery-Id"))
		c.mu.Unlock()
	}
}

func TestNotifyDelivers(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := webhook.New([]string{srv.URL}, discard())
	n.Notify(&nostr.Event{ID: "ev-1", Kind: 5003, CreatedAt: nostr.Now()})
	n.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 1 {
		t.Fatalf("deliveries = %d", len(c.bodies))
	}
	if c.bodies[0].ID != "ev-1" {
		t.Fatalf("delivered id = %q", c.bodies[0].ID)
	}
	if c.ids[0] == "" {
		t.Fatal("missing delivery id header")
	}
	if n.Delivered() != 1 {
		t.Fatalf("delivered count = %d", n.Delivered())
	}
}

func TestNotifyFansOut(t *testing.T) {
	var a, b capture
	srvA := httptest.NewServer(a.handler())
	defer srvA.Close()
	srvB := httptest.NewServer(b.handler())
	defer srvB.Close()

	n := webhook.New([]string{srvA.URL, srvB.URL}, discard())
	n.Notify(&nostr.Event{ID: "ev-1", Kind: 7000, CreatedAt: nostr.Now()})
	n.Close()

	a.mu.Lock()
	gotA := len(a.bodies)
	a.mu.Unlock()
	b.mu.Lock()
	gotB := len(b.bodies)
	b.mu.Unlock()
	if gotA != 1 || gotB != 1 {
		t.Fatalf("deliveries = %d/%d", gotA, gotB)
	}
}

func TestRateLimitSheds(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	n := webhook.New([]string{srv.URL}, discard(), webhook.WithRateLimit(rate.Limit(1), 2))
	for i := 0; i < 10; i++ {
		n.Notify(&nostr.Event{ID: "ev", Kind: 7000, CreatedAt: nostr.Now()})
	}
	n.Close()

	if n.Dropped() < 7 {
		t.Fatalf("dropped = %d", n.Dropped())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 || len(c.bodies) > 3 {
		t.Fatalf("deliveries = %d", len(c.bodies))
	}
}

func TestFailedDeliveryDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := webhook.New([]string{srv.URL}, discard())
	done := make(chan struct{})
	go func() {
		n.Notify(&nostr.Event{ID: "ev-1", Kind: 7000, CreatedAt: nostr.Now()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a failing endpoint")
	}
	n.Close()
	if n.Delivered() != 0 {
		t.Fatalf("delivered = %d", n.Delivered())
	}
}

func TestNoEndpoints(t *testing.T) {
	n := webhook.New(nil, discard())
	n.Notify(&nostr.Event{ID: "ev-1"})
	n.Close()
	if n.Delivered() != 0 || n.Dropped() != 0 {
		t.Fatal("no-op notifier recorded activity")
	}
}
