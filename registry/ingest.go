package registry

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/event"
	"github.com/OpenAgentsInc/openagents-pool/job"
)

// Ingest applies one inbound event: authorization, decryption,
// aggregate lookup or creation, merge, relay harvesting, and webhook
// fan-out. It is the single entry point for both bus deliveries and
// loopback of locally published events; Merge's idempotence makes the
// double delivery harmless.
func (r *Registry) Ingest(ctx context.Context, ev *nostr.Event) error {
	if ev == nil {
		return nil
	}

	if err := r.authorizer.AuthorizeEvent(ctx, ev); err != nil {
		r.drop(ctx, "unauthorized")
		return err
	}

	if ev.Kind == event.KindAnnouncement {
		if r.directory == nil {
			return nil
		}
		if err := r.directory.Merge(ev); err != nil {
			r.drop(ctx, "bad_announcement")
			return err
		}
		r.accept(ctx, ev)
		return nil
	}

	ev, err := r.decryptIfNeeded(ev)
	if err != nil {
		r.drop(ctx, "decrypt_failed")
		return err
	}

	j, created, err := r.jobFor(ev)
	if err != nil {
		r.drop(ctx, "unaddressed")
		return err
	}

	r.mu.Lock()
	mergeErr := j.Merge(ev, r.defaultRelays)
	relays := append([]string(nil), j.Relays...)
	r.mu.Unlock()
	if mergeErr != nil {
		r.drop(ctx, "merge_rejected")
		return mergeErr
	}

	if created && r.metrics != nil {
		r.metrics.JobsCreated.Add(ctx, 1)
	}
	r.recordPayments(ctx, ev, j)

	// Relay hints harvested from the job keep the bus reachable for
	// peers that only listen there.
	r.bus.Connect(ctx, relays...)
	r.accept(ctx, ev)
	return nil
}

func (r *Registry) accept(ctx context.Context, ev *nostr.Event) {
	if r.metrics != nil {
		r.metrics.Ingest(ctx, ev.Kind)
	}
	if r.webhooks != nil {
		r.webhooks.Notify(ev)
		if r.metrics != nil {
			r.metrics.WebhooksSent.Add(ctx, 1)
		}
	}
}

func (r *Registry) drop(ctx context.Context, reason string) {
	if r.metrics != nil {
		r.metrics.IngestDrop(ctx, reason)
	}
}

// decryptIfNeeded returns a decrypted copy of events sealed for this
// node; everything else passes through unchanged. Encrypted events
// addressed to someone else keep their ciphertext: they still update
// status and correlation state.
func (r *Registry) decryptIfNeeded(ev *nostr.Event) (*nostr.Event, error) {
	if ev.Content == "" || event.FirstValue(ev, "encrypted") != "true" {
		return ev, nil
	}
	if event.FirstValue(ev, "p") != r.publicKey {
		return ev, nil
	}
	plaintext, err := event.DecryptContent(r.secretKey, ev.PubKey, ev.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt event %s: %w", ev.ID, err)
	}
	clone := *ev
	clone.Content = plaintext
	return &clone, nil
}

// jobFor resolves the aggregate an event belongs to, creating an empty
// one on first sight. Requests key by their own event id; worker
// results and acks key by their e tag.
func (r *Registry) jobFor(ev *nostr.Event) (*job.Job, bool, error) {
	var key string
	switch {
	case event.IsRequest(ev.Kind):
		key = ev.ID
	case event.IsWorkerResult(ev.Kind) || ev.Kind == event.KindCustomerAck:
		addr, err := event.ParseAddress(ev)
		if err != nil {
			return nil, false, err
		}
		key = addr.JobID
	default:
		return nil, false, fmt.Errorf("%w: %d", pool.ErrInvalidKind, ev.Kind)
	}
	if key == "" {
		return nil, false, pool.ErrMissingJobTag
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[key]; ok {
		return j, false, nil
	}
	j := job.New(r.jobSettings())
	r.jobs[key] = j
	return j, true, nil
}

// recordPayments counts settled and rejected proofs after an ack
// merge. The aggregate already decided; this only observes.
func (r *Registry) recordPayments(ctx context.Context, ev *nostr.Event, j *job.Job) {
	if r.metrics == nil || ev.Kind != event.KindCustomerAck {
		return
	}
	a := event.ParseAck(ev)
	if a.Status != event.AckStatusPayment || a.Proof == nil {
		return
	}

	r.mu.Lock()
	settled := false
	for _, wr := range j.Results {
		for i := range wr.PaymentRequests {
			if wr.PaymentRequests[i].Invoice == a.Proof.Invoice &&
				wr.PaymentRequests[i].Status == job.PaymentReceived {
				settled = true
			}
		}
	}
	r.mu.Unlock()

	if settled {
		r.metrics.PaymentsRecorded.Add(ctx, 1)
	} else {
		r.metrics.PaymentsRejected.Add(ctx, 1)
	}
}

// resolveInput dereferences one reference-typed input. Event refs are
// fetched from the bus; job refs read another local job's first
// successful result. An unresolvable ref returns empty data and no
// error: the job simply stays invisible until the ref lands.
//
// Callers hold r.mu; the returned func must not re-lock it.
func (r *Registry) resolveInput(ctx context.Context) func(ref, typ string) (string, error) {
	return func(ref, typ string) (string, error) {
		switch typ {
		case "job":
			var content string
			if j, ok := r.jobs[ref]; ok {
				if wr := j.FirstResult(); wr != nil {
					content = wr.Result.Content
				}
			}
			if content != "" {
				return content, nil
			}
			// Fall back to querying the bus for the referenced job's
			// result events.
			return r.queryResult(ctx, ref)
		case "event":
			events, err := r.bus.QuerySync(ctx, nostr.Filter{IDs: []string{ref}})
			if err != nil {
				return "", err
			}
			if len(events) == 0 {
				return "", nil
			}
			return events[0].Content, nil
		default:
			// Literal types never reach the resolver.
			return "", nil
		}
	}
}

func (r *Registry) queryResult(ctx context.Context, jobID string) (string, error) {
	events, err := r.bus.QuerySync(ctx, nostr.Filter{
		Kinds: resultKinds(r.cfg.Kinds),
		Tags:  nostr.TagMap{"e": []string{jobID}},
	})
	if err != nil {
		return "", err
	}
	for _, ev := range events {
		if ev.Content != "" {
			return ev.Content, nil
		}
	}
	return "", nil
}

func resultKinds(kinds []int) []int {
	var out []int
	for _, k := range kinds {
		if event.IsResult(k) {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		out = []int{event.KindResultMin}
	}
	return out
}
