// Package job implements the job aggregate: pure state plus reducer
// logic over one job's event history. A Job is reconstructed by
// replaying signed events through Merge, which tolerates arbitrary
// delivery order and duplicates (idempotent per event id). Action
// methods never mutate state; they return unsigned event templates,
// and the change becomes durable only once the published event loops
// back through Merge.
package job

import (
	"log/slog"
	"time"

	"github.com/OpenAgentsInc/openagents-pool/payment"
)

// Status is the lifecycle state of one worker's attempt at a job.
type Status string

const (
	// StatusPending means no status event has been observed yet.
	StatusPending Status = "pending"
	// StatusProcessing means the worker announced it is executing.
	StatusProcessing Status = "processing"
	// StatusSuccess means the worker reported completion. Terminal:
	// later events never downgrade it.
	StatusSuccess Status = "success"
	// StatusError means the worker reported a failure.
	StatusError Status = "error"
)

// PaymentStatus tracks one payment request.
type PaymentStatus string

const (
	// PaymentPending means no verified proof has been observed.
	PaymentPending PaymentStatus = "pending"
	// PaymentReceived means a proof verified against the invoice.
	PaymentReceived PaymentStatus = "received"
)

// LogEntry is one log line attached to a worker result, sourced from a
// feedback event. Entries are kept sorted ascending by timestamp and
// deduplicated by source event id.
type LogEntry struct {
	ID        string // source event id
	NodeID    string
	Source    string // publisher public key
	Level     string
	Message   string
	Timestamp time.Time
}

// Result is a worker's output payload. Single-assignment: the first
// non-empty content observed wins and later values are ignored.
type Result struct {
	ID        string
	Content   string
	Timestamp time.Time
}

// Proof is a verified payment settlement.
type Proof struct {
	Amount   uint64
	Preimage string
}

// PaymentRequest is one invoice issued by a worker against the job's
// bid.
type PaymentRequest struct {
	Invoice        string
	Amount         uint64
	Currency       string
	Protocol       string
	Status         PaymentStatus
	Proof          *Proof
	WaitForPayment bool
}

// Bid is the payment offered per worker: the request's total bid
// divided by minWorkers at merge time.
type Bid struct {
	Amount   uint64
	Currency string
	Protocol string
}

// Input is one job input: either literal data or a reference to be
// dereferenced before execution (an event id or another job's id).
type Input struct {
	Data   string
	Ref    string
	Type   string
	Marker string
	Source string
}

// Param is one request parameter.
type Param struct {
	Key    string
	Values []string
}

// WorkerResult is one node instance's attempt record against a job,
// keyed by (NodeID, AcceptedBy).
type WorkerResult struct {
	NodeID          string
	AcceptedBy      string // provider public key
	Status          Status
	AcceptedAt      time.Time
	Timestamp       time.Time // latest status-bearing event time
	Logs            []LogEntry
	Result          Result
	PaymentRequests []PaymentRequest
}

// RequestedTotal sums every payment request issued for this result.
func (w *WorkerResult) RequestedTotal() uint64 {
	var total uint64
	for _, pr := range w.PaymentRequests {
		total += pr.Amount
	}
	return total
}

// Settings carries the per-pool tuning a Job needs to interpret its
// event stream.
type Settings struct {
	// MaxEventDuration caps job expirations measured from the request
	// timestamp.
	MaxEventDuration time.Duration

	// MaxExecutionTime is how long a PROCESSING acceptance is
	// considered live before other workers may race for its slot.
	MaxExecutionTime time.Duration

	// MinExpirationLead is the lower expiration clamp.
	MinExpirationLead time.Duration

	// Verifier validates payment proofs. Nil uses the production
	// bolt11 verifier.
	Verifier *payment.Verifier

	// Logger receives non-fatal rejection diagnostics. Nil uses
	// slog.Default.
	Logger *slog.Logger
}

func (s Settings) withDefaults() Settings {
	if s.MaxEventDuration <= 0 {
		s.MaxEventDuration = 1 * time.Hour
	}
	if s.MaxExecutionTime <= 0 {
		s.MaxExecutionTime = 10 * time.Minute
	}
	if s.MinExpirationLead <= 0 {
		s.MinExpirationLead = 60 * time.Second
	}
	if s.Verifier == nil {
		s.Verifier = payment.NewVerifier(nil)
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// Job is the aggregate state of one marketplace job. Identity and the
// customer/provider pins are set once by the first event that carries
// them; conflicting later events are rejected.
type Job struct {
	ID                string
	Kind              int
	RunOn             string
	Description       string
	Timestamp         time.Time
	Expiration        time.Time
	CustomerPublicKey string
	Provider          string
	NodeID            string
	UserID            string
	Relays            []string
	Inputs            []Input
	Params            []Param
	Encrypted         bool
	OutputFormat      string
	MinWorkers        int
	Bid               Bid
	Results           []*WorkerResult

	settings Settings
	merged   map[string]struct{}
}

// New creates an empty aggregate (a placeholder for an id seen before
// its request event) ready to be enriched by Merge.
func New(settings Settings) *Job {
	s := settings.withDefaults()
	now := time.Now()
	return &Job{
		Kind:         5003,
		RunOn:        "generic",
		OutputFormat: "application/json",
		MinWorkers:   1,
		Timestamp:    now,
		Expiration:   now.Add(s.MaxEventDuration),
		Bid:          Bid{Currency: payment.CurrencyBitcoin, Protocol: payment.ProtocolLightning},
		settings:     s,
		merged:       make(map[string]struct{}),
	}
}

// RequestSpec describes a locally created job request.
type RequestSpec struct {
	Kind         int // default 5003
	RunOn        string
	Description  string
	Inputs       []Input
	Params       []Param
	ExpireAfter  time.Duration // default MaxEventDuration
	Relays       []string
	OutputFormat string
	NodeID       string
	UserID       string
	MinWorkers   int // default 1
	BidTotal     uint64
	Encrypted    bool
	Provider     string
}

// NewRequest creates a local job from a request spec. The job has no
// id until its request event is published and looped back through
// Merge.
func NewRequest(settings Settings, spec RequestSpec) *Job {
	j := New(settings)
	if spec.Kind != 0 {
		j.Kind = spec.Kind
	}
	if spec.RunOn != "" {
		j.RunOn = spec.RunOn
	}
	if spec.OutputFormat != "" {
		j.OutputFormat = spec.OutputFormat
	}
	if spec.MinWorkers > 1 {
		j.MinWorkers = spec.MinWorkers
	}
	expireAfter := spec.ExpireAfter
	if expireAfter <= 0 || expireAfter > j.settings.MaxEventDuration {
		expireAfter = j.settings.MaxEventDuration
	}
	if expireAfter < j.settings.MinExpirationLead {
		expireAfter = j.settings.MinExpirationLead
	}
	j.Expiration = j.Timestamp.Add(expireAfter)
	j.Description = spec.Description
	j.Inputs = append(j.Inputs, spec.Inputs...)
	j.Params = append(j.Params, spec.Params...)
	j.Relays = append(j.Relays, spec.Relays...)
	j.NodeID = spec.NodeID
	j.UserID = spec.UserID
	j.Encrypted = spec.Encrypted
	j.Provider = spec.Provider
	if spec.BidTotal > 0 {
		j.Bid.Amount = spec.BidTotal / uint64(j.MinWorkers)
	}
	return j
}

// IsExpired reports whether the job's expiration has passed.
func (j *Job) IsExpired() bool {
	return time.Now().After(j.Expiration)
}

// SuccessCount returns how many worker results reached SUCCESS.
func (j *Job) SuccessCount() int {
	n := 0
	for _, wr := range j.Results {
		if wr.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// IsComplete reports whether enough independent workers succeeded.
func (j *Job) IsComplete() bool {
	return j.SuccessCount() >= j.MinWorkers
}

// liveProcessing counts acceptances still inside the execution window.
func (j *Job) liveProcessing(now time.Time) int {
	n := 0
	for _, wr := range j.Results {
		if wr.Status == StatusProcessing && now.Sub(wr.AcceptedAt) < j.settings.MaxExecutionTime {
			n++
		}
	}
	return n
}

// IsAvailable reports whether the (nodeID, provider) pair may accept
// this job. Up to MinWorkers independent workers race to accept the
// same job; duplication is the accepted cost of avoiding a lock
// service.
func (j *Job) IsAvailable(nodeID, provider string) bool {
	now := time.Now()
	if j.IsExpired() {
		return false
	}
	if j.SuccessCount() >= j.MinWorkers {
		return false
	}
	if wr := j.findWorkerResult(nodeID, provider); wr != nil {
		if wr.Status == StatusSuccess {
			return false
		}
		if wr.Status == StatusProcessing && now.Sub(wr.AcceptedAt) < j.settings.MaxExecutionTime {
			return false
		}
	}
	if j.liveProcessing(now) >= j.MinWorkers {
		return false
	}
	return true
}

// HasLiveAcceptance reports whether this (nodeID, provider) pair holds
// an acceptance it may still act on: a live PROCESSING entry or a
// SUCCESS (completed work may still be logged and invoiced).
func (j *Job) HasLiveAcceptance(nodeID, provider string) bool {
	wr := j.findWorkerResult(nodeID, provider)
	if wr == nil {
		return false
	}
	switch wr.Status {
	case StatusSuccess:
		return true
	case StatusProcessing:
		return time.Since(wr.AcceptedAt) < j.settings.MaxExecutionTime
	default:
		return false
	}
}

// WorkerResult returns the attempt record for the given pair, or nil.
func (j *Job) WorkerResult(nodeID, provider string) *WorkerResult {
	return j.findWorkerResult(nodeID, provider)
}

// FirstResult returns the first successful worker result, or nil.
func (j *Job) FirstResult() *WorkerResult {
	for _, wr := range j.Results {
		if wr.Status == StatusSuccess {
			return wr
		}
	}
	return nil
}

// AreInputsAvailable reports whether every reference-typed input has
// been dereferenced to data.
func (j *Job) AreInputsAvailable() bool {
	for _, in := range j.Inputs {
		if in.Data == "" && in.Ref != "" {
			return false
		}
	}
	return true
}

// ResolveInputs dereferences every unresolved input through resolver.
// Resolver failures abort resolution; the job is simply retried later.
func (j *Job) ResolveInputs(resolve func(ref, typ string) (string, error)) error {
	for i := range j.Inputs {
		in := &j.Inputs[i]
		if in.Data != "" || in.Ref == "" {
			continue
		}
		data, err := resolve(in.Ref, in.Type)
		if err != nil {
			return err
		}
		if data != "" {
			in.Data = data
		}
	}
	return nil
}

func (j *Job) findWorkerResult(nodeID, provider string) *WorkerResult {
	for _, wr := range j.Results {
		if wr.NodeID == nodeID && wr.AcceptedBy == provider {
			return wr
		}
	}
	return nil
}

func (j *Job) workerResult(nodeID, provider string) *WorkerResult {
	if wr := j.findWorkerResult(nodeID, provider); wr != nil {
		return wr
	}
	wr := &WorkerResult{
		NodeID:     nodeID,
		AcceptedBy: provider,
		Status:     StatusPending,
	}
	j.Results = append(j.Results, wr)
	return wr
}

func (j *Job) addRelay(url string) {
	if url == "" {
		return
	}
	for _, r := range j.Relays {
		if r == url {
			return
		}
	}
	j.Relays = append(j.Relays, url)
}

// findPaymentRequest locates an invoice across all worker results.
func (j *Job) findPaymentRequest(invoice string) *PaymentRequest {
	for _, wr := range j.Results {
		for i := range wr.PaymentRequests {
			if wr.PaymentRequests[i].Invoice == invoice {
				return &wr.PaymentRequests[i]
			}
		}
	}
	return nil
}
