// Package memory provides an in-memory relay.Bus for tests and local
// development. Events are retained for point queries and delivered
// synchronously to matching subscriptions. Duplicate and out-of-order
// delivery are simulated by publishing accordingly.
package memory

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/id"
	"github.com/OpenAgentsInc/openagents-pool/relay"
)

type subscription struct {
	bus     *Bus
	id      id.SubscriptionID
	filters nostr.Filters
	onEvent relay.OnEvent
	onClose relay.OnClose
	closed  bool
}

// Close implements relay.Subscription.
func (s *subscription) Close() {
	s.bus.closeSubscription(s, nil)
}

// Bus is an in-memory relay.Bus.
type Bus struct {
	mu        sync.Mutex
	events    []*nostr.Event
	subs      map[string]*subscription
	connected []string
	closed    bool
}

var _ relay.Bus = (*Bus)(nil)

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Publish implements relay.Bus. The event is retained for QuerySync
// and delivered synchronously to every matching subscription.
func (b *Bus) Publish(_ context.Context, ev *nostr.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return pool.ErrBusClosed
	}
	b.events = append(b.events, ev)
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		for _, f := range s.filters {
			if f.Matches(ev) {
				targets = append(targets, s)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.onEvent(ev)
	}
	return nil
}

// Subscribe implements relay.Bus.
func (b *Bus) Subscribe(_ context.Context, filters nostr.Filters, onEvent relay.OnEvent, onClose relay.OnClose) (relay.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pool.ErrBusClosed
	}
	s := &subscription{
		bus:     b,
		id:      id.NewSubscriptionID(),
		filters: filters,
		onEvent: onEvent,
		onClose: onClose,
	}
	b.subs[s.id.String()] = s
	return s, nil
}

// QuerySync implements relay.Bus.
func (b *Bus) QuerySync(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pool.ErrBusClosed
	}
	var out []*nostr.Event
	for _, ev := range b.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Connect implements relay.Bus. URLs are recorded so tests can assert
// relay-hint harvesting.
func (b *Bus) Connect(_ context.Context, urls ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, url := range urls {
		found := false
		for _, c := range b.connected {
			if c == url {
				found = true
				break
			}
		}
		if !found {
			b.connected = append(b.connected, url)
		}
	}
}

// Connected returns the URLs passed to Connect, in order.
func (b *Bus) Connected() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.connected...)
}

// Events returns every event published so far.
func (b *Bus) Events() []*nostr.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*nostr.Event(nil), b.events...)
}

// EventsOfKind returns published events of the given kind, in publish
// order.
func (b *Bus) EventsOfKind(kind int) []*nostr.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range b.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// DropSubscriptions force-closes every live subscription with the
// given reason, simulating a relay connection loss.
func (b *Bus) DropSubscriptions(reason error) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.closeSubscription(s, reason)
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) closeSubscription(s *subscription, reason error) {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	s.closed = true
	delete(b.subs, s.id.String())
	b.mu.Unlock()

	if s.onClose != nil {
		s.onClose(reason)
	}
}
