// Package relay defines the event-bus collaborator interface: publish,
// filtered subscribe, and point queries over a signed-event pub/sub
// network. Delivery is unordered, at-least-once, and possibly delayed;
// consumers must tolerate duplicates.
//
// The production implementation (Pool) fans out over go-nostr relay
// connections. The relay/memory implementation backs tests.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// OnEvent is invoked for every event delivered to a subscription.
// Implementations may invoke it from arbitrary goroutines.
type OnEvent func(ev *nostr.Event)

// OnClose is invoked once when a subscription terminates, with the
// reason (nil on orderly close).
type OnClose func(reason error)

// Subscription is a live filtered event feed.
type Subscription interface {
	// Close terminates the subscription. Closing twice is a no-op.
	Close()
}

// Bus is the event-bus collaborator.
type Bus interface {
	// Publish broadcasts a signed event. Fire-and-forget with respect
	// to local state: the publisher must not assume delivery.
	Publish(ctx context.Context, ev *nostr.Event) error

	// Subscribe opens a filtered subscription. Events matching any of
	// the filters are delivered to onEvent until the subscription is
	// closed, at which point onClose fires exactly once.
	Subscribe(ctx context.Context, filters nostr.Filters, onEvent OnEvent, onClose OnClose) (Subscription, error)

	// QuerySync performs a point query and returns matching stored
	// events.
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)

	// Connect ensures connections to additional relays (e.g. relay
	// hints harvested from job events). Unreachable relays are skipped.
	Connect(ctx context.Context, urls ...string)
}
