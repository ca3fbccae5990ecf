package event

import (
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
)

// Values returns the trailing values of every tag whose leading
// elements equal names. Values(ev, "param", "run-on") matches tags of
// the form ["param", "run-on", ...] and returns the parts after the
// matched prefix.
func Values(ev *nostr.Event, names ...string) [][]string {
	var out [][]string
	for _, t := range ev.Tags {
		if len(t) < len(names) {
			continue
		}
		match := true
		for i, n := range names {
			if t[i] != n {
				match = false
				break
			}
		}
		if match {
			out = append(out, t[len(names):])
		}
	}
	return out
}

// First returns the trailing values of the first tag matching names, or
// nil when no tag matches.
func First(ev *nostr.Event, names ...string) []string {
	for _, vs := range Values(ev, names...) {
		return vs
	}
	return nil
}

// FirstValue returns the first trailing value of the first tag matching
// names, or "" when absent.
func FirstValue(ev *nostr.Event, names ...string) string {
	vs := First(ev, names...)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Input is one parsed "i" tag: a literal payload or a reference plus
// its type, an optional relay hint, and an optional marker ("main"
// designates the primary input).
type Input struct {
	Data      string
	Type      string
	RelayHint string
	Source    string
	Marker    string
}

// Param is one parsed "param" tag.
type Param struct {
	Key    string
	Values []string
}

// Bid is a parsed "bid" tag: the total amount offered for the job in
// millisatoshis plus the settlement currency and protocol.
type Bid struct {
	Amount   uint64
	Currency string
	Protocol string
}

// Request is the typed view of a job-request event's tags.
type Request struct {
	Provider     string
	RunOn        string
	Description  string
	Expiration   int64 // unix seconds, 0 when absent
	Relays       []string
	NodeID       string
	UserID       string
	OutputFormat string
	MinWorkers   int // 0 when absent
	Encrypted    bool
	Bid          *Bid
	Inputs       []Input
	Params       []Param
}

// ParseRequest interprets the tags of a request-range event. Unknown
// tags are ignored. The run-on and description params are lifted into
// their own fields and excluded from Params so that serializing a job
// back to a request does not duplicate them.
func ParseRequest(ev *nostr.Event) Request {
	r := Request{
		Provider:     FirstValue(ev, "p"),
		RunOn:        FirstValue(ev, "param", "run-on"),
		NodeID:       FirstValue(ev, "d"),
		UserID:       FirstValue(ev, "userid"),
		OutputFormat: FirstValue(ev, "output"),
		Encrypted:    FirstValue(ev, "encrypted") == "true",
	}
	if r.RunOn == "" {
		r.RunOn = "generic"
	}

	r.Description = FirstValue(ev, "about")
	if r.Description == "" {
		r.Description = FirstValue(ev, "param", "description")
	}

	if exp := FirstValue(ev, "expiration"); exp != "" {
		if v, err := strconv.ParseInt(exp, 10, 64); err == nil {
			r.Expiration = v
		}
	}
	if mw := FirstValue(ev, "min-workers"); mw != "" {
		if v, err := strconv.Atoi(mw); err == nil {
			r.MinWorkers = v
		}
	}
	if relays := First(ev, "relays"); relays != nil {
		r.Relays = append(r.Relays, relays...)
	}

	if bid := First(ev, "bid"); len(bid) > 0 {
		b := &Bid{Currency: "bitcoin", Protocol: "lightning"}
		if v, err := strconv.ParseUint(bid[0], 10, 64); err == nil {
			b.Amount = v
		}
		if len(bid) > 1 && bid[1] != "" {
			b.Currency = bid[1]
		}
		if len(bid) > 2 && bid[2] != "" {
			b.Protocol = bid[2]
		}
		r.Bid = b
	}

	for _, in := range Values(ev, "i") {
		input := Input{Type: "text"}
		if len(in) > 0 {
			input.Data = in[0]
		}
		if len(in) > 1 && in[1] != "" {
			input.Type = in[1]
		}
		if len(in) > 2 {
			input.RelayHint = in[2]
		}
		if len(in) > 3 {
			input.Marker = in[3]
		}
		if len(in) > 4 {
			input.Source = in[4]
		}
		r.Inputs = append(r.Inputs, input)
	}

	for _, p := range Values(ev, "param") {
		if len(p) == 0 {
			continue
		}
		key := p[0]
		if key == "run-on" || key == "description" {
			continue
		}
		r.Params = append(r.Params, Param{Key: key, Values: append([]string(nil), p[1:]...)})
	}

	return r
}

// Address is the typed view of the correlation tags carried by
// worker-result and customer-ack events.
type Address struct {
	JobID     string
	RelayHint string
	Customer  string
	NodeID    string
	UserID    string
	Encrypted bool
}

// ParseAddress interprets the addressing tags of a worker-result or
// customer-ack event. A missing or empty "e" tag is a protocol error:
// the event cannot be correlated to a job.
func ParseAddress(ev *nostr.Event) (Address, error) {
	a := Address{
		Customer:  FirstValue(ev, "p"),
		NodeID:    FirstValue(ev, "d"),
		UserID:    FirstValue(ev, "userid"),
		Encrypted: FirstValue(ev, "encrypted") == "true",
	}
	e := First(ev, "e")
	if len(e) == 0 || e[0] == "" {
		return a, pool.ErrMissingJobTag
	}
	a.JobID = e[0]
	if len(e) > 1 {
		a.RelayHint = e[1]
	}
	return a, nil
}

// Feedback status values carried by kind-7000 events.
const (
	StatusProcessing      = "processing"
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusLog             = "log"
	StatusPaymentRequired = "payment-required"
)

// PaymentRequestTag is a parsed "amount" tag on a feedback event: a
// request for payment against the job's bid.
type PaymentRequestTag struct {
	Amount   uint64
	Invoice  string
	Currency string
	Protocol string
}

// Feedback is the typed view of a kind-7000 event's tags.
type Feedback struct {
	Status  string
	Info    string
	Payment *PaymentRequestTag
}

// ParseFeedback interprets the status and payment tags of a feedback
// event. When the status is "log" and the tag carries no extra value,
// the event content is the log line.
func ParseFeedback(ev *nostr.Event) Feedback {
	var f Feedback
	if st := First(ev, "status"); len(st) > 0 {
		f.Status = st[0]
		if len(st) > 1 {
			f.Info = st[1]
		}
	}
	if f.Info == "" && f.Status == StatusLog {
		f.Info = ev.Content
	}

	if amt := First(ev, "amount"); len(amt) > 0 {
		p := &PaymentRequestTag{Currency: "bitcoin", Protocol: "lightning"}
		if v, err := strconv.ParseUint(amt[0], 10, 64); err == nil {
			p.Amount = v
		}
		if len(amt) > 1 {
			p.Invoice = amt[1]
		}
		if len(amt) > 2 && amt[2] != "" {
			p.Currency = amt[2]
		}
		if len(amt) > 3 && amt[3] != "" {
			p.Protocol = amt[3]
		}
		f.Payment = p
	}
	return f
}

// Ack status values carried by kind-7001 events.
const (
	AckStatusPayment = "payment"
	AckStatusLog     = "log"
)

// Proof is a parsed "proof" tag: a claimed payment settlement for one
// invoice.
type Proof struct {
	Amount   uint64
	Invoice  string
	Currency string
	Protocol string
	Preimage string
}

// Ack is the typed view of a kind-7001 customer acknowledgement.
type Ack struct {
	Status string
	Proof  *Proof
}

// ParseAck interprets the tags of a customer-ack event.
func ParseAck(ev *nostr.Event) Ack {
	var a Ack
	a.Status = FirstValue(ev, "status")

	if pr := First(ev, "proof"); len(pr) > 0 {
		p := &Proof{Currency: "bitcoin", Protocol: "lightning"}
		if v, err := strconv.ParseUint(pr[0], 10, 64); err == nil {
			p.Amount = v
		}
		if len(pr) > 1 {
			p.Invoice = pr[1]
		}
		if len(pr) > 2 && pr[2] != "" {
			p.Currency = pr[2]
		}
		if len(pr) > 3 && pr[3] != "" {
			p.Protocol = pr[3]
		}
		if len(pr) > 4 {
			p.Preimage = strings.TrimSpace(pr[4])
		}
		a.Proof = p
	}
	return a
}
