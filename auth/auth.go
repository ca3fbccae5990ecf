// Package auth gates event ingestion. An Authorizer decides whether a
// signed event from a given public key may enter the local registry;
// unauthorized events are dropped silently so a hostile peer learns
// nothing from the node's behavior.
package auth

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/event"
)

// Method names an ingestion operation for allowlist matching.
const (
	MethodSubmitJobRequest  = "submitJobRequestEvent"
	MethodSubmitJobResponse = "submitJobResponseEvent"
	MethodSubmitJobFeedback = "submitJobFeedbackEvent"
	MethodSubmitJobAck      = "submitJobEvent"
	MethodSubmitEvent       = "submitEvent"
	MethodAll               = "*"
)

// MethodForKind maps an event kind to its ingestion method.
func MethodForKind(kind int) string {
	switch {
	case event.IsRequest(kind):
		return MethodSubmitJobRequest
	case event.IsResult(kind):
		return MethodSubmitJobResponse
	case kind == event.KindFeedback:
		return MethodSubmitJobFeedback
	case kind == event.KindCustomerAck:
		return MethodSubmitJobAck
	default:
		return MethodSubmitEvent
	}
}

// Authorizer decides whether an inbound event may be ingested.
type Authorizer interface {
	// AuthorizeEvent returns nil to admit the event, or an error
	// wrapping pool.ErrUnauthorized to drop it.
	AuthorizeEvent(ctx context.Context, ev *nostr.Event) error
}

// NoAuth admits everything. Use for open pools and development.
type NoAuth struct{}

var _ Authorizer = NoAuth{}

func (NoAuth) AuthorizeEvent(context.Context, *nostr.Event) error { return nil }

// Composite tries authorizers in order; the first admission wins.
type Composite struct {
	authorizers []Authorizer
}

var _ Authorizer = (*Composite)(nil)

// NewComposite chains multiple authorizers.
func NewComposite(authorizers ...Authorizer) *Composite {
	return &Composite{authorizers: authorizers}
}

func (c *Composite) AuthorizeEvent(ctx context.Context, ev *nostr.Event) error {
	var err error
	for _, a := range c.authorizers {
		if err = a.AuthorizeEvent(ctx, ev); err == nil {
			return nil
		}
	}
	if err == nil {
		err = fmt.Errorf("%w: no authorizers configured", pool.ErrUnauthorized)
	}
	return err
}
