// Package subs manages ad-hoc event subscriptions on behalf of
// embedders that cannot hold a live callback (RPC clients, plugins).
// Subscriptions are grouped by owner so an owner's whole set can be
// torn down at once, and events are buffered until drained.
package subs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/id"
	"github.com/OpenAgentsInc/openagents-pool/relay"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 256

// ErrSubscriptionNotFound means the subscription id is unknown within
// its group (already closed, or never opened).
var ErrSubscriptionNotFound = errors.New("subs: subscription not found")

type subscription struct {
	handle  relay.Subscription
	ch      chan *nostr.Event
	dropped atomic.Int64
	closed  atomic.Bool
}

// Manager tracks open subscriptions grouped by owner key.
type Manager struct {
	bus        relay.Bus
	logger     *slog.Logger
	bufferSize int

	mu     sync.Mutex
	groups map[string]map[id.SubscriptionID]*subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) Option {
	return func(m *Manager) { m.bufferSize = size }
}

// NewManager creates a subscription manager over the given bus.
func NewManager(bus relay.Bus, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		bus:        bus,
		logger:     logger,
		bufferSize: DefaultBufferSize,
		groups:     make(map[string]map[id.SubscriptionID]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a filtered subscription under the given group and
// returns its id. Events are buffered until drained; when the buffer
// is full the newest events are dropped and counted.
func (m *Manager) Open(ctx context.Context, group string, filters nostr.Filters) (id.SubscriptionID, error) {
	sub := &subscription{ch: make(chan *nostr.Event, m.bufferSize)}
	subID := id.NewSubscriptionID()

	onEvent := func(ev *nostr.Event) {
		if sub.closed.Load() {
			return
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	onClose := func(reason error) {
		if reason != nil {
			m.logger.Warn("subscription closed by bus",
				slog.String("group", group),
				slog.String("subscription_id", subID.String()),
				slog.String("reason", reason.Error()),
			)
		}
		m.Close(group, subID)
	}

	handle, err := m.bus.Subscribe(ctx, filters, onEvent, onClose)
	if err != nil {
		return id.SubscriptionID{}, err
	}
	sub.handle = handle

	m.mu.Lock()
	g, ok := m.groups[group]
	if !ok {
		g = make(map[id.SubscriptionID]*subscription)
		m.groups[group] = g
	}
	g[subID] = sub
	m.mu.Unlock()
	return subID, nil
}

// Drain returns up to limit buffered events without blocking. A limit
// of zero or less drains everything currently buffered.
func (m *Manager) Drain(group string, subID id.SubscriptionID, limit int) ([]*nostr.Event, error) {
	m.mu.Lock()
	g, ok := m.groups[group]
	if !ok {
		m.mu.Unlock()
		return nil, pool.ErrGroupNotFound
	}
	sub, ok := g[subID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}

	if limit <= 0 {
		limit = len(sub.ch)
	}
	var out []*nostr.Event
	for len(out) < limit {
		select {
		case ev := <-sub.ch:
			out = append(out, ev)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Dropped returns how many events overflowed the buffer since open.
func (m *Manager) Dropped(group string, subID id.SubscriptionID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return 0, pool.ErrGroupNotFound
	}
	sub, ok := g[subID]
	if !ok {
		return 0, ErrSubscriptionNotFound
	}
	return sub.dropped.Load(), nil
}

// Close tears down one subscription. Closing an unknown id is a no-op.
func (m *Manager) Close(group string, subID id.SubscriptionID) {
	m.mu.Lock()
	var sub *subscription
	if g, ok := m.groups[group]; ok {
		sub = g[subID]
		delete(g, subID)
		if len(g) == 0 {
			delete(m.groups, group)
		}
	}
	m.mu.Unlock()
	if sub != nil && sub.closed.CompareAndSwap(false, true) {
		sub.handle.Close()
	}
}

// CloseGroup tears down every subscription under the group.
func (m *Manager) CloseGroup(group string) {
	m.mu.Lock()
	g := m.groups[group]
	delete(m.groups, group)
	m.mu.Unlock()
	for _, sub := range g {
		if sub.closed.CompareAndSwap(false, true) {
			sub.handle.Close()
		}
	}
}

// CloseAll tears down every subscription in every group.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	groups := m.groups
	m.groups = make(map[string]map[id.SubscriptionID]*subscription)
	m.mu.Unlock()
	for _, g := range groups {
		for _, sub := range g {
			if sub.closed.CompareAndSwap(false, true) {
				sub.handle.Close()
			}
		}
	}
}

// Count returns the number of open subscriptions in the group.
func (m *Manager) Count(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups[group])
}
