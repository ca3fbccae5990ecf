// Package webhook fans accepted events out to HTTP endpoints. Delivery
// is fire-and-forget: failures are logged, never retried, and never
// block ingestion. A token bucket caps the outbound rate; deliveries
// over the cap are dropped and counted.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/OpenAgentsInc/openagents-pool/id"
)

// DefaultRateLimit caps outbound deliveries per second across all
// endpoints.
const DefaultRateLimit rate.Limit = 50

// DefaultBurst is the token bucket burst size.
const DefaultBurst = 100

// Notifier posts accepted events to a fixed set of endpoints.
type Notifier struct {
	endpoints []string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger

	wg        sync.WaitGroup
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient sets the client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) { n.client = client }
}

// WithRateLimit sets the outbound token bucket.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(n *Notifier) { n.limiter = rate.NewLimiter(limit, burst) }
}

// New creates a Notifier for the given endpoint URLs. With no
// endpoints every call is a no-op.
func New(endpoints []string, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(DefaultRateLimit, DefaultBurst),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify posts the event to every endpoint asynchronously and returns
// immediately.
func (n *Notifier) Notify(ev *nostr.Event) {
	if len(n.endpoints) == 0 {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("webhook payload marshal failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, endpoint := range n.endpoints {
		if !n.limiter.Allow() {
			n.dropped.Add(1)
			continue
		}
		n.wg.Add(1)
		go n.deliver(endpoint, ev.ID, body)
	}
}

func (n *Notifier) deliver(endpoint, eventID string, body []byte) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request build failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", id.NewDeliveryID().String())

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("endpoint", endpoint),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected",
			slog.String("endpoint", endpoint),
			slog.String("event_id", eventID),
			slog.Int("status", resp.StatusCode),
		)
		return
	}
	n.delivered.Add(1)
}

// Delivered returns the count of successful deliveries.
func (n *Notifier) Delivered() int64 { return n.delivered.Load() }

// Dropped returns the count of deliveries shed by the rate limit.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Close waits for in-flight deliveries to finish.
func (n *Notifier) Close() { n.wg.Wait() }
