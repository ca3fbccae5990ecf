package job

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/event"
	"github.com/OpenAgentsInc/openagents-pool/payment"
)

// Identity names the worker issuing an action: the node instance id
// and the signing public key. The secret key never reaches the
// aggregate; callers sign the returned templates.
type Identity struct {
	NodeID    string
	PublicKey string
}

// Action methods are pure: they read current state and return unsigned
// event templates expressing intent. State changes only when the
// published event loops back through Merge.

func (j *Job) feedbackTemplate(identity Identity, content string) *nostr.Event {
	ev := &nostr.Event{
		Kind:      event.KindFeedback,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags: nostr.Tags{
			{"e", j.ID},
			{"p", j.CustomerPublicKey},
			{"d", identity.NodeID},
			{"expiration", strconv.FormatInt(j.Expiration.Unix(), 10)},
		},
	}
	if j.UserID != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"userid", j.UserID})
	}
	if j.Encrypted {
		ev.Tags = append(ev.Tags, nostr.Tag{"encrypted", "true"})
	}
	return ev
}

// Accept returns the feedback event announcing this worker is
// executing the job.
func (j *Job) Accept(identity Identity) (*nostr.Event, error) {
	if j.ID == "" {
		return nil, pool.ErrJobNotFound
	}
	ev := j.feedbackTemplate(identity, "")
	ev.Tags = ev.Tags.AppendUnique(nostr.Tag{"status", event.StatusProcessing})
	return ev, nil
}

// Cancel returns the feedback event withdrawing this worker's
// acceptance with a reason.
func (j *Job) Cancel(identity Identity, reason string) (*nostr.Event, error) {
	if j.ID == "" {
		return nil, pool.ErrJobNotFound
	}
	ev := j.feedbackTemplate(identity, reason)
	ev.Tags = ev.Tags.AppendUnique(nostr.Tag{"status", event.StatusError, reason})
	return ev, nil
}

// Log returns the feedback event carrying one log line.
func (j *Job) Log(identity Identity, message string) (*nostr.Event, error) {
	if j.ID == "" {
		return nil, pool.ErrJobNotFound
	}
	ev := j.feedbackTemplate(identity, message)
	ev.Tags = ev.Tags.AppendUnique(nostr.Tag{"status", event.StatusLog, message})
	return ev, nil
}

// Output returns the result event carrying this worker's output
// payload. The result kind is the request kind shifted into the result
// range.
func (j *Job) Output(identity Identity, data string) (*nostr.Event, error) {
	if j.ID == "" {
		return nil, pool.ErrJobNotFound
	}
	if !event.IsRequest(j.Kind) {
		return nil, fmt.Errorf("%w: %d", pool.ErrInvalidKind, j.Kind)
	}
	ev := &nostr.Event{
		Kind:      event.ResultKindFor(j.Kind),
		CreatedAt: nostr.Now(),
		Content:   data,
		Tags: nostr.Tags{
			{"e", j.ID},
			{"p", j.CustomerPublicKey},
			{"d", identity.NodeID},
			{"expiration", strconv.FormatInt(j.Expiration.Unix(), 10)},
		},
	}
	if j.UserID != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"userid", j.UserID})
	}
	if j.Encrypted {
		ev.Tags = append(ev.Tags, nostr.Tag{"encrypted", "true"})
	}
	return ev, nil
}

// RequestPayment returns the payment-required feedback event carrying
// an invoice for amountMsat against this worker's remaining budget.
func (j *Job) RequestPayment(ctx context.Context, identity Identity, amountMsat uint64, invoicer payment.Invoicer) (*nostr.Event, error) {
	if j.ID == "" {
		return nil, pool.ErrJobNotFound
	}
	if invoicer == nil {
		return nil, fmt.Errorf("job %s: no invoicer configured", j.ID)
	}
	if wr := j.findWorkerResult(identity.NodeID, identity.PublicKey); wr != nil {
		if wr.RequestedTotal()+amountMsat > j.Bid.Amount {
			return nil, fmt.Errorf("job %s: payment request %d msat exceeds remaining bid", j.ID, amountMsat)
		}
	} else if amountMsat > j.Bid.Amount {
		return nil, fmt.Errorf("job %s: payment request %d msat exceeds bid", j.ID, amountMsat)
	}

	invoice, err := invoicer(ctx, amountMsat, j.Bid.Currency, j.Bid.Protocol)
	if err != nil {
		return nil, fmt.Errorf("generate invoice: %w", err)
	}

	ev := j.feedbackTemplate(identity, "")
	ev.Tags = ev.Tags.AppendUnique(nostr.Tag{"status", event.StatusPaymentRequired})
	ev.Tags = ev.Tags.AppendUnique(nostr.Tag{
		"amount", strconv.FormatUint(amountMsat, 10), invoice, j.Bid.Currency, j.Bid.Protocol,
	})
	return ev, nil
}

// Complete returns the result event plus the success feedback event,
// and, when an invoicer is supplied and budget remains for this
// worker, a final payment-required feedback sized to the remainder.
// Invoice generation failures are logged and skipped; completion is
// never blocked on payment plumbing.
func (j *Job) Complete(ctx context.Context, identity Identity, data, info string, invoicer payment.Invoicer) ([]*nostr.Event, error) {
	out, err := j.Output(identity, data)
	if err != nil {
		return nil, err
	}

	success := j.feedbackTemplate(identity, info)
	success.Tags = success.Tags.AppendUnique(nostr.Tag{"status", event.StatusSuccess})
	events := []*nostr.Event{out, success}

	if invoicer != nil {
		var requested uint64
		if wr := j.findWorkerResult(identity.NodeID, identity.PublicKey); wr != nil {
			requested = wr.RequestedTotal()
		}
		if remaining := j.Bid.Amount - min(requested, j.Bid.Amount); remaining > 0 {
			payEv, payErr := j.RequestPayment(ctx, identity, remaining, invoicer)
			if payErr != nil {
				j.settings.Logger.Warn("final invoice skipped",
					"job_id", j.ID,
					"error", payErr.Error(),
				)
			} else {
				events = append(events, payEv)
			}
		}
	}
	return events, nil
}

// Pay returns the customer acknowledgement carrying a payment proof
// for one invoice.
func (j *Job) Pay(invoice string, amountMsat uint64, preimage string) (*nostr.Event, error) {
	if j.ID == "" {
		return nil, pool.ErrJobNotFound
	}
	pr := j.findPaymentRequest(invoice)
	if pr == nil {
		return nil, fmt.Errorf("job %s: unknown invoice", j.ID)
	}
	return &nostr.Event{
		Kind:      event.KindCustomerAck,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"e", j.ID},
			{"status", event.AckStatusPayment},
			{"proof", strconv.FormatUint(amountMsat, 10), invoice, pr.Currency, pr.Protocol, preimage},
		},
	}, nil
}

// ToRequest serializes the job to its canonical request event
// template: the exact inverse of the request branch of Merge, except
// for the id (assigned from the published event). Optional tags are
// omitted when unset.
func (j *Job) ToRequest() *nostr.Event {
	tags := nostr.Tags{}

	for _, in := range j.Inputs {
		data := in.Data
		if in.Ref != "" {
			data = in.Ref
		}
		// Relay hints live in the relays tag; the hint slot stays empty
		// but trailing empty slots are dropped.
		tag := nostr.Tag{"i", data, in.Type, "", in.Marker, in.Source}
		for len(tag) > 3 && tag[len(tag)-1] == "" {
			tag = tag[:len(tag)-1]
		}
		tags = append(tags, tag)
	}
	for _, p := range j.Params {
		tag := nostr.Tag{"param", p.Key}
		tag = append(tag, p.Values...)
		tags = append(tags, tag)
	}

	if j.Provider != "" {
		tags = append(tags, nostr.Tag{"p", j.Provider})
	}
	tags = append(tags, nostr.Tag{"expiration", strconv.FormatInt(j.Expiration.Unix(), 10)})
	if len(j.Relays) > 0 {
		tag := nostr.Tag{"relays"}
		tag = append(tag, j.Relays...)
		tags = append(tags, tag)
	}
	tags = append(tags, nostr.Tag{"param", "run-on", j.RunOn})
	if j.Description != "" {
		tags = append(tags, nostr.Tag{"about", j.Description})
	}
	if j.OutputFormat != "" {
		tags = append(tags, nostr.Tag{"output", j.OutputFormat})
	}
	if j.NodeID != "" {
		tags = append(tags, nostr.Tag{"d", j.NodeID})
	}
	if j.UserID != "" {
		tags = append(tags, nostr.Tag{"userid", j.UserID})
	}
	if j.MinWorkers > 1 {
		tags = append(tags, nostr.Tag{"min-workers", strconv.Itoa(j.MinWorkers)})
	}
	if j.Encrypted {
		tags = append(tags, nostr.Tag{"encrypted", "true"})
	}
	if j.Bid.Amount > 0 {
		tags = append(tags, nostr.Tag{
			"bid",
			strconv.FormatUint(j.Bid.Amount*uint64(j.MinWorkers), 10),
			j.Bid.Currency,
			j.Bid.Protocol,
		})
	}

	return &nostr.Event{
		Kind:      j.Kind,
		CreatedAt: nostr.Timestamp(j.Timestamp.Unix()),
		Content:   "",
		Tags:      tags,
	}
}
