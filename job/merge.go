package job

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/event"
	"github.com/OpenAgentsInc/openagents-pool/payment"
)

// Merge applies one signed event to the aggregate. It is idempotent
// per event id and safe under arbitrary delivery order.
//
// Non-fatal conditions (provider or customer pin mismatch on the
// request range, unauthorized ack senders, over-budget payment
// requests, failed proofs) are logged and skipped. Protocol violations
// (job id or customer pin mismatch mid-stream on the worker-result
// range) return an error that aborts this merge only.
func (j *Job) Merge(ev *nostr.Event, defaultRelays []string) error {
	if ev == nil {
		return nil
	}
	if ev.ID != "" {
		if _, done := j.merged[ev.ID]; done {
			return nil
		}
	}

	var err error
	switch {
	case event.IsRequest(ev.Kind):
		j.mergeRequest(ev, defaultRelays)
	case event.IsWorkerResult(ev.Kind):
		err = j.mergeWorkerResult(ev)
	case ev.Kind == event.KindCustomerAck:
		err = j.mergeAck(ev)
	default:
		return fmt.Errorf("%w: %d", pool.ErrInvalidKind, ev.Kind)
	}
	if err != nil {
		return err
	}

	if ev.ID != "" {
		j.merged[ev.ID] = struct{}{}
	}
	return nil
}

// mergeRequest rebuilds the request-derived fields. Rejections here
// are never fatal: a conflicting request event is logged and dropped.
func (j *Job) mergeRequest(ev *nostr.Event, defaultRelays []string) {
	r := event.ParseRequest(ev)

	if j.Provider != "" && r.Provider != "" && r.Provider != j.Provider {
		j.settings.Logger.Warn("request rejected: provider pin mismatch",
			slog.String("job_id", j.ID),
			slog.String("pinned", j.Provider),
			slog.String("got", r.Provider),
		)
		return
	}
	if j.CustomerPublicKey != "" && ev.PubKey != "" && ev.PubKey != j.CustomerPublicKey {
		j.settings.Logger.Warn("request rejected: customer pin mismatch",
			slog.String("job_id", j.ID),
			slog.String("pinned", j.CustomerPublicKey),
			slog.String("got", ev.PubKey),
		)
		return
	}

	if j.ID == "" {
		j.ID = ev.ID
	}

	ts := ev.CreatedAt.Time()
	exp := ts.Add(j.settings.MaxEventDuration)
	if r.Expiration > 0 {
		if explicit := time.Unix(r.Expiration, 0); explicit.Before(exp) {
			exp = explicit
		}
	}
	if lower := ts.Add(j.settings.MinExpirationLead); exp.Before(lower) {
		exp = lower
	}

	minWorkers := r.MinWorkers
	if minWorkers < 1 {
		minWorkers = 1
	}

	j.Kind = ev.Kind
	j.Timestamp = ts
	j.Expiration = exp
	j.CustomerPublicKey = ev.PubKey
	if j.Provider == "" {
		j.Provider = r.Provider
	}
	j.RunOn = r.RunOn
	j.Description = r.Description
	j.NodeID = r.NodeID
	j.UserID = r.UserID
	j.Encrypted = r.Encrypted
	j.MinWorkers = minWorkers

	j.OutputFormat = r.OutputFormat
	if j.OutputFormat == "" {
		j.OutputFormat = "application/json"
	}

	// Relays: union of defaults, the explicit relays tag, and
	// per-input relay hints.
	j.Relays = nil
	for _, u := range defaultRelays {
		j.addRelay(u)
	}
	for _, u := range r.Relays {
		j.addRelay(u)
	}
	for _, in := range r.Inputs {
		j.addRelay(in.RelayHint)
	}

	// Inputs: the "main"-marked input is primary and listed first;
	// the rest keep their order. Reference types carry a ref instead
	// of literal data.
	j.Inputs = nil
	mainIdx := 0
	for i, in := range r.Inputs {
		if in.Marker == "main" {
			mainIdx = i
			break
		}
	}
	appendInput := func(in event.Input) {
		out := Input{Type: in.Type, Marker: in.Marker, Source: in.Source}
		if in.Type == "event" || in.Type == "job" {
			out.Ref = in.Data
		} else {
			out.Data = in.Data
		}
		j.Inputs = append(j.Inputs, out)
	}
	if len(r.Inputs) > 0 {
		appendInput(r.Inputs[mainIdx])
		for i, in := range r.Inputs {
			if i != mainIdx {
				appendInput(in)
			}
		}
	}

	j.Params = nil
	for _, p := range r.Params {
		j.Params = append(j.Params, Param{Key: p.Key, Values: append([]string(nil), p.Values...)})
	}

	// Bid per worker, fixed at merge time.
	j.Bid = Bid{Currency: payment.CurrencyBitcoin, Protocol: payment.ProtocolLightning}
	if r.Bid != nil {
		j.Bid.Amount = r.Bid.Amount / uint64(minWorkers)
		if r.Bid.Currency != "" {
			j.Bid.Currency = r.Bid.Currency
		}
		if r.Bid.Protocol != "" {
			j.Bid.Protocol = r.Bid.Protocol
		}
	}
}

// mergeWorkerResult applies a result payload or feedback update to the
// (nodeID, provider) attempt record it addresses.
func (j *Job) mergeWorkerResult(ev *nostr.Event) error {
	addr, err := event.ParseAddress(ev)
	if err != nil {
		return err
	}

	if j.ID == "" {
		j.ID = addr.JobID
	} else if addr.JobID != j.ID {
		return fmt.Errorf("%w: %s != %s", pool.ErrJobIDMismatch, addr.JobID, j.ID)
	}

	if addr.Customer != "" {
		if j.CustomerPublicKey == "" {
			j.CustomerPublicKey = addr.Customer
		} else if addr.Customer != j.CustomerPublicKey {
			return fmt.Errorf("%w: %s", pool.ErrCustomerMismatch, addr.Customer)
		}
	}

	if j.Provider != "" && ev.PubKey != j.Provider {
		j.settings.Logger.Warn("worker event rejected: provider pin mismatch",
			slog.String("job_id", j.ID),
			slog.String("pinned", j.Provider),
			slog.String("got", ev.PubKey),
		)
		return nil
	}

	j.addRelay(addr.RelayHint)

	wr := j.workerResult(addr.NodeID, ev.PubKey)
	ts := ev.CreatedAt.Time()
	f := event.ParseFeedback(ev)

	if f.Payment != nil && f.Payment.Invoice != "" {
		j.applyPaymentRequest(wr, f.Payment)
	}

	if ev.Kind == event.KindFeedback {
		j.applyFeedback(wr, ev, f, ts)
	} else if wr.Result.Content == "" && ev.Content != "" {
		// Result payload: first non-empty content wins.
		wr.Result = Result{ID: ev.ID, Content: ev.Content, Timestamp: ts}
	}
	return nil
}

func (j *Job) applyPaymentRequest(wr *WorkerResult, p *event.PaymentRequestTag) {
	for _, existing := range wr.PaymentRequests {
		if existing.Invoice == p.Invoice {
			return
		}
	}
	if wr.RequestedTotal()+p.Amount > j.Bid.Amount {
		j.settings.Logger.Warn("payment request exceeds bid, skipped",
			slog.String("job_id", j.ID),
			slog.String("node_id", wr.NodeID),
			slog.Uint64("requested", wr.RequestedTotal()),
			slog.Uint64("amount", p.Amount),
			slog.Uint64("bid", j.Bid.Amount),
		)
		return
	}
	wr.PaymentRequests = append(wr.PaymentRequests, PaymentRequest{
		Invoice:  p.Invoice,
		Amount:   p.Amount,
		Currency: p.Currency,
		Protocol: p.Protocol,
		Status:   PaymentPending,
	})
}

func (j *Job) applyFeedback(wr *WorkerResult, ev *nostr.Event, f event.Feedback, ts time.Time) {
	if f.Status == event.StatusPaymentRequired {
		for i := range wr.PaymentRequests {
			if wr.PaymentRequests[i].Status == PaymentPending {
				wr.PaymentRequests[i].WaitForPayment = true
			}
		}
	}

	if f.Status == event.StatusLog || f.Info != "" {
		level := "info"
		switch f.Status {
		case event.StatusError:
			level = "error"
		case event.StatusLog:
			level = "log"
		}
		j.insertLog(wr, LogEntry{
			ID:        ev.ID,
			NodeID:    wr.NodeID,
			Source:    ev.PubKey,
			Level:     level,
			Message:   f.Info,
			Timestamp: ts,
		})
	}

	// Status transitions are monotonic by event timestamp and SUCCESS
	// is sticky. Equal timestamps apply: wire timestamps have second
	// resolution and accept/complete routinely land in the same second.
	if wr.Status == StatusSuccess || ts.Before(wr.Timestamp) {
		return
	}
	switch f.Status {
	case event.StatusProcessing:
		wr.Status = StatusProcessing
		wr.AcceptedAt = ts
		wr.Timestamp = ts
	case event.StatusSuccess:
		wr.Status = StatusSuccess
		wr.Timestamp = ts
	case event.StatusError:
		wr.Status = StatusError
		wr.AcceptedAt = time.Time{}
		wr.Timestamp = ts
	}
}

// insertLog inserts sorted ascending by timestamp, deduplicated by
// source event id.
func (j *Job) insertLog(wr *WorkerResult, entry LogEntry) {
	for _, l := range wr.Logs {
		if l.ID == entry.ID {
			return
		}
	}
	i := sort.Search(len(wr.Logs), func(i int) bool {
		return wr.Logs[i].Timestamp.After(entry.Timestamp)
	})
	wr.Logs = append(wr.Logs, LogEntry{})
	copy(wr.Logs[i+1:], wr.Logs[i:])
	wr.Logs[i] = entry
}

// mergeAck applies a customer acknowledgement: payment proofs and
// customer log lines. The sender must be the pinned customer; anything
// else is dropped.
func (j *Job) mergeAck(ev *nostr.Event) error {
	addr, err := event.ParseAddress(ev)
	if err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = addr.JobID
	} else if addr.JobID != j.ID {
		return fmt.Errorf("%w: %s != %s", pool.ErrJobIDMismatch, addr.JobID, j.ID)
	}

	if j.CustomerPublicKey == "" || ev.PubKey != j.CustomerPublicKey {
		j.settings.Logger.Warn("ack rejected: sender is not the customer",
			slog.String("job_id", j.ID),
			slog.String("got", ev.PubKey),
		)
		return nil
	}

	a := event.ParseAck(ev)
	switch a.Status {
	case event.AckStatusPayment:
		j.applyPaymentProof(a.Proof)
	case event.AckStatusLog:
		if addr.NodeID == "" {
			return nil
		}
		for _, wr := range j.Results {
			if wr.NodeID == addr.NodeID {
				j.insertLog(wr, LogEntry{
					ID:        ev.ID,
					NodeID:    wr.NodeID,
					Source:    ev.PubKey,
					Level:     "info",
					Message:   ev.Content,
					Timestamp: ev.CreatedAt.Time(),
				})
				break
			}
		}
	}
	return nil
}

func (j *Job) applyPaymentProof(proof *event.Proof) {
	if proof == nil || proof.Invoice == "" {
		j.settings.Logger.Warn("payment ack without proof, skipped",
			slog.String("job_id", j.ID))
		return
	}

	pr := j.findPaymentRequest(proof.Invoice)
	if pr == nil {
		j.settings.Logger.Warn("payment proof for unknown invoice, skipped",
			slog.String("job_id", j.ID))
		return
	}
	if pr.Status == PaymentReceived {
		return
	}

	if err := j.settings.Verifier.Verify(proof.Protocol, proof.Invoice, proof.Amount, proof.Preimage); err != nil {
		j.settings.Logger.Warn("payment proof failed verification",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	pr.Status = PaymentReceived
	pr.Proof = &Proof{Amount: proof.Amount, Preimage: proof.Preimage}
	pr.WaitForPayment = false
}
