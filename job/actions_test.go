package job_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenAgentsInc/openagents-pool/event"
	"github.com/OpenAgentsInc/openagents-pool/job"
)

var worker = job.Identity{NodeID: "node-a", PublicKey: providerPub}

func processingJob(t *testing.T) *job.Job {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	j := job.New(testSettings(nil))
	if err := j.Merge(requestEvent("job-1", now, nostr.Tags{
		{"i", "x", "text"},
		{"bid", "4000"},
	}), nil); err != nil {
		t.Fatalf("merge request: %v", err)
	}
	return j
}

func TestAcceptTemplate(t *testing.T) {
	j := processingJob(t)
	ev, err := j.Accept(worker)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ev.Kind != event.KindFeedback {
		t.Fatalf("kind = %d", ev.Kind)
	}
	if got := event.FirstValue(ev, "e"); got != "job-1" {
		t.Fatalf("e = %q", got)
	}
	if got := event.FirstValue(ev, "p"); got != customerPub {
		t.Fatalf("p = %q", got)
	}
	if got := event.FirstValue(ev, "d"); got != "node-a" {
		t.Fatalf("d = %q", got)
	}
	if got := event.FirstValue(ev, "status"); got != event.StatusProcessing {
		t.Fatalf("status = %q", got)
	}
	if got := event.FirstValue(ev, "expiration"); got != fmt.Sprint(j.Expiration.Unix()) {
		t.Fatalf("expiration = %q", got)
	}
}

func TestOutputKindShift(t *testing.T) {
	j := processingJob(t)
	ev, err := j.Output(worker, "payload")
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if ev.Kind != 6003 {
		t.Fatalf("kind = %d", ev.Kind)
	}
	if ev.Content != "payload" {
		t.Fatalf("content = %q", ev.Content)
	}
}

func TestCompleteEmitsFinalInvoice(t *testing.T) {
	j := processingJob(t)

	invoicer := func(ctx context.Context, amountMsat uint64, currency, protocol string) (string, error) {
		if currency != "bitcoin" || protocol != "lightning" {
			t.Fatalf("invoicer called with %q/%q", currency, protocol)
		}
		return fmt.Sprintf("lninv-%d", amountMsat), nil
	}

	events, err := j.Complete(context.Background(), worker, "payload", "done", invoicer)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Kind != 6003 {
		t.Fatalf("result kind = %d", events[0].Kind)
	}
	if got := event.FirstValue(events[1], "status"); got != event.StatusSuccess {
		t.Fatalf("feedback status = %q", got)
	}
	// The final invoice covers the full remaining per-worker bid.
	f := event.ParseFeedback(events[2])
	if f.Status != event.StatusPaymentRequired {
		t.Fatalf("payment status = %q", f.Status)
	}
	if f.Payment == nil || f.Payment.Amount != 4000 || f.Payment.Invoice != "lninv-4000" {
		t.Fatalf("payment = %+v", f.Payment)
	}
}

func TestCompleteWithoutInvoicer(t *testing.T) {
	j := processingJob(t)
	events, err := j.Complete(context.Background(), worker, "payload", "", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
}

func TestRequestPaymentBudget(t *testing.T) {
	j := processingJob(t)
	invoicer := func(ctx context.Context, amountMsat uint64, currency, protocol string) (string, error) {
		return "lninv-1", nil
	}

	if _, err := j.RequestPayment(context.Background(), worker, 5000, invoicer); err == nil {
		t.Fatal("over-budget request succeeded")
	}

	ev, err := j.RequestPayment(context.Background(), worker, 1500, invoicer)
	if err != nil {
		t.Fatalf("request payment: %v", err)
	}
	f := event.ParseFeedback(ev)
	if f.Payment == nil || f.Payment.Amount != 1500 || f.Payment.Invoice != "lninv-1" {
		t.Fatalf("payment = %+v", f.Payment)
	}
}

func TestPayProducesAck(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	j := processingJob(t)

	if _, err := j.Pay("lninv-unknown", 1000, testPreimage); err == nil {
		t.Fatal("paying an unknown invoice succeeded")
	}

	if err := j.Merge(feedbackEvent("pr-1", "job-1", "node-a", now.Add(time.Second), nostr.Tags{
		{"status", "payment-required"},
		{"amount", "3000", "lninv-1"},
	}), nil); err != nil {
		t.Fatalf("merge payment request: %v", err)
	}

	ack, err := j.Pay("lninv-1", 3000, testPreimage)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if ack.Kind != event.KindCustomerAck {
		t.Fatalf("kind = %d", ack.Kind)
	}
	parsed := event.ParseAck(ack)
	if parsed.Status != event.AckStatusPayment {
		t.Fatalf("status = %q", parsed.Status)
	}
	if parsed.Proof == nil || parsed.Proof.Invoice != "lninv-1" || parsed.Proof.Preimage != testPreimage {
		t.Fatalf("proof = %+v", parsed.Proof)
	}
}

func TestCancelAndLogTemplates(t *testing.T) {
	j := processingJob(t)

	cancel, err := j.Cancel(worker, "out of fuel")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f := event.ParseFeedback(cancel)
	if f.Status != event.StatusError || f.Info != "out of fuel" {
		t.Fatalf("cancel feedback = %+v", f)
	}

	logEv, err := j.Log(worker, "step 1 done")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	f = event.ParseFeedback(logEv)
	if f.Status != event.StatusLog || f.Info != "step 1 done" {
		t.Fatalf("log feedback = %+v", f)
	}
}

// A locally built request, serialized and looped back through Merge,
// reconstructs the same job.
func TestRequestRoundTrip(t *testing.T) {
	settings := testSettings(nil)
	orig := job.NewRequest(settings, job.RequestSpec{
		Kind:        5003,
		RunOn:       "openagents/extism",
		Description: "summarize",
		Inputs: []job.Input{
			{Data: "hello", Type: "text", Marker: "main"},
			{Ref: "ev-abc", Type: "event"},
		},
		Params:       []job.Param{{Key: "model", Values: []string{"small"}}},
		ExpireAfter:  30 * time.Minute,
		Relays:       []string{"wss://a.example"},
		OutputFormat: "text/plain",
		NodeID:       "pool-1",
		UserID:       "user-9",
		MinWorkers:   2,
		BidTotal:     10000,
	})

	ev := orig.ToRequest()
	ev.ID = "published-id"
	ev.PubKey = customerPub

	// The total bid goes back on the wire, not the per-worker share.
	if got := event.FirstValue(ev, "bid"); got != "10000" {
		t.Fatalf("bid tag = %q", got)
	}

	merged := job.New(settings)
	if err := merged.Merge(ev, nil); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if merged.ID != "published-id" {
		t.Fatalf("id = %q", merged.ID)
	}
	if merged.Kind != orig.Kind ||
		merged.RunOn != orig.RunOn ||
		merged.Description != orig.Description ||
		merged.OutputFormat != orig.OutputFormat ||
		merged.NodeID != orig.NodeID ||
		merged.UserID != orig.UserID ||
		merged.MinWorkers != orig.MinWorkers {
		t.Fatalf("merged = %+v", merged)
	}
	if merged.Bid != orig.Bid {
		t.Fatalf("bid = %+v, want %+v", merged.Bid, orig.Bid)
	}
	if merged.Timestamp.Unix() != orig.Timestamp.Unix() {
		t.Fatalf("timestamp = %v", merged.Timestamp)
	}
	if merged.Expiration.Unix() != orig.Expiration.Unix() {
		t.Fatalf("expiration = %v, want %v", merged.Expiration, orig.Expiration)
	}
	if len(merged.Inputs) != len(orig.Inputs) {
		t.Fatalf("inputs = %+v", merged.Inputs)
	}
	for i := range orig.Inputs {
		if merged.Inputs[i] != orig.Inputs[i] {
			t.Fatalf("inputs[%d] = %+v, want %+v", i, merged.Inputs[i], orig.Inputs[i])
		}
	}
	if len(merged.Params) != 1 || merged.Params[0].Key != "model" {
		t.Fatalf("params = %+v", merged.Params)
	}
	if strings.Join(merged.Relays, ",") != "wss://a.example" {
		t.Fatalf("relays = %v", merged.Relays)
	}
}

func TestMinWorkersTagOmittedForOne(t *testing.T) {
	orig := job.NewRequest(testSettings(nil), job.RequestSpec{
		Inputs: []job.Input{{Data: "x", Type: "text"}},
	})
	ev := orig.ToRequest()
	if event.First(ev, "min-workers") != nil {
		t.Fatal("min-workers tag present for a single-worker job")
	}
}

func TestRequestOmitsEmptyTags(t *testing.T) {
	orig := job.NewRequest(testSettings(nil), job.RequestSpec{
		Inputs: []job.Input{{Data: "x", Type: "text"}},
	})
	ev := orig.ToRequest()

	for _, key := range []string{"about", "d", "userid", "encrypted"} {
		if event.First(ev, key) != nil {
			t.Fatalf("%s tag present on a minimal request", key)
		}
	}
	// Unused trailing slots (relay hint, marker, source) are trimmed.
	in := event.First(ev, "i")
	if in == nil {
		t.Fatal("no i tag")
	}
	if len(in) != 2 {
		t.Fatalf("i tag values = %v, want [data type]", in)
	}

	// A marked input keeps the empty relay-hint slot for position.
	marked := job.NewRequest(testSettings(nil), job.RequestSpec{
		Inputs: []job.Input{{Data: "x", Type: "text", Marker: "main"}},
	})
	in = event.First(marked.ToRequest(), "i")
	if len(in) != 4 || in[2] != "" || in[3] != "main" {
		t.Fatalf("marked i tag values = %v", in)
	}
}
