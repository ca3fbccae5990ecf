package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
)

// Pool is a Bus over a set of go-nostr relay connections. Publishes
// fan out to every connected relay; subscriptions are opened on every
// relay and merged into a single callback stream. Relays added later
// via Connect are attached to every live subscription.
type Pool struct {
	logger *slog.Logger

	mu     sync.RWMutex
	relays map[string]*nostr.Relay
	subs   map[*poolSubscription]struct{}
}

var _ Bus = (*Pool)(nil)

// NewPool creates a Pool connected to the given relay URLs. Relays
// that cannot be reached at startup are logged and skipped; they can
// be retried later via Connect.
func NewPool(ctx context.Context, logger *slog.Logger, urls ...string) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger: logger,
		relays: make(map[string]*nostr.Relay, len(urls)),
		subs:   make(map[*poolSubscription]struct{}),
	}
	p.Connect(ctx, urls...)
	return p
}

// Connect implements Bus. Newly reachable relays are subscribed on
// behalf of every live subscription, so relay hints harvested from job
// events widen coverage without waiting for a resubscribe.
func (p *Pool) Connect(ctx context.Context, urls ...string) {
	for _, url := range urls {
		url = nostr.NormalizeURL(url)
		if url == "" {
			continue
		}

		p.mu.RLock()
		_, ok := p.relays[url]
		p.mu.RUnlock()
		if ok {
			continue
		}

		r, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			p.logger.Warn("relay connect failed",
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
			continue
		}

		p.mu.Lock()
		p.relays[url] = r
		live := make([]*poolSubscription, 0, len(p.subs))
		for ps := range p.subs {
			live = append(live, ps)
		}
		p.mu.Unlock()
		p.logger.Info("relay connected", slog.String("url", url))

		for _, ps := range live {
			ps.attach(r)
		}
	}
}

func (p *Pool) snapshot() []*nostr.Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*nostr.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		out = append(out, r)
	}
	return out
}

func (p *Pool) removeSub(ps *poolSubscription) {
	p.mu.Lock()
	delete(p.subs, ps)
	p.mu.Unlock()
}

// Publish implements Bus. The event is sent to every connected relay;
// per-relay failures are logged, and the call succeeds if at least one
// relay accepted the event.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	var lastErr error
	accepted := 0
	for _, r := range p.snapshot() {
		if err := r.Publish(ctx, *ev); err != nil {
			p.logger.Warn("publish failed",
				slog.String("relay", r.URL),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// poolSubscription merges per-relay subscriptions and picks up relays
// that join the pool after Subscribe.
type poolSubscription struct {
	pool    *Pool
	ctx     context.Context
	cancel  context.CancelFunc
	filters nostr.Filters
	onEvent OnEvent
	orderly atomic.Bool

	mu       sync.Mutex
	attached map[string]struct{}
}

// Close implements Subscription.
func (s *poolSubscription) Close() {
	s.orderly.Store(true)
	s.cancel()
}

// attach opens the subscription on one relay. Already-attached relays
// are skipped; a failed open is forgotten so a later Connect can retry.
func (s *poolSubscription) attach(r *nostr.Relay) {
	s.mu.Lock()
	if _, ok := s.attached[r.URL]; ok {
		s.mu.Unlock()
		return
	}
	s.attached[r.URL] = struct{}{}
	s.mu.Unlock()

	sub, err := r.Subscribe(s.ctx, s.filters)
	if err != nil {
		s.pool.logger.Warn("subscribe failed",
			slog.String("relay", r.URL),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		delete(s.attached, r.URL)
		s.mu.Unlock()
		return
	}

	go func() {
		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				if ev != nil {
					s.onEvent(ev)
				}
			case <-s.ctx.Done():
				sub.Unsub()
				return
			}
		}
	}()
}

// Subscribe implements Bus. Duplicate deliveries across relays are NOT
// filtered here; consumers are idempotent per event id by design.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, onEvent OnEvent, onClose OnClose) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := &poolSubscription{
		pool:     p,
		ctx:      subCtx,
		cancel:   cancel,
		filters:  filters,
		onEvent:  onEvent,
		attached: make(map[string]struct{}),
	}

	p.mu.Lock()
	p.subs[ps] = struct{}{}
	p.mu.Unlock()

	for _, r := range p.snapshot() {
		ps.attach(r)
	}

	go func() {
		<-subCtx.Done()
		p.removeSub(ps)
		if onClose != nil {
			if ps.orderly.Load() {
				onClose(nil)
			} else {
				onClose(subCtx.Err())
			}
		}
	}()

	return ps, nil
}

// QuerySync implements Bus. Results from all relays are merged and
// deduplicated by event id.
func (p *Pool) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	seen := make(map[string]struct{})
	var out []*nostr.Event
	var lastErr error
	for _, r := range p.snapshot() {
		evs, err := r.QuerySync(ctx, filter)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ev := range evs {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}
	if out == nil && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
