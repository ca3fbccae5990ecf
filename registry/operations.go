package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/event"
	"github.com/OpenAgentsInc/openagents-pool/job"
	"github.com/OpenAgentsInc/openagents-pool/poll"
)

// Filter selects jobs in FindJobs. String fields are regular
// expressions; empty fields match everything.
type Filter struct {
	JobID             string
	RunOn             string
	Description       string
	CustomerPublicKey string
	Kind              int // 0 matches any kind
	AvailableOnly     bool
	ExcludeIDs        []string
}

type compiledFilter struct {
	jobID       *regexp.Regexp
	runOn       *regexp.Regexp
	description *regexp.Regexp
	customer    *regexp.Regexp
	kind        int
	available   bool
	exclude     map[string]struct{}
}

func (f Filter) compile() (*compiledFilter, error) {
	cf := &compiledFilter{kind: f.Kind, available: f.AvailableOnly}
	var err error
	compile := func(pattern string) (*regexp.Regexp, error) {
		if pattern == "" {
			return nil, nil
		}
		return regexp.Compile(pattern)
	}
	if cf.jobID, err = compile(f.JobID); err != nil {
		return nil, fmt.Errorf("job id pattern: %w", err)
	}
	if cf.runOn, err = compile(f.RunOn); err != nil {
		return nil, fmt.Errorf("run-on pattern: %w", err)
	}
	if cf.description, err = compile(f.Description); err != nil {
		return nil, fmt.Errorf("description pattern: %w", err)
	}
	if cf.customer, err = compile(f.CustomerPublicKey); err != nil {
		return nil, fmt.Errorf("customer pattern: %w", err)
	}
	if len(f.ExcludeIDs) > 0 {
		cf.exclude = make(map[string]struct{}, len(f.ExcludeIDs))
		for _, id := range f.ExcludeIDs {
			cf.exclude[id] = struct{}{}
		}
	}
	return cf, nil
}

func (cf *compiledFilter) matches(j *job.Job, nodeID, publicKey string) bool {
	if _, excluded := cf.exclude[j.ID]; excluded {
		return false
	}
	if cf.kind != 0 && j.Kind != cf.kind {
		return false
	}
	if cf.jobID != nil && !cf.jobID.MatchString(j.ID) {
		return false
	}
	if cf.runOn != nil && !cf.runOn.MatchString(j.RunOn) {
		return false
	}
	if cf.description != nil && !cf.description.MatchString(j.Description) {
		return false
	}
	if cf.customer != nil && !cf.customer.MatchString(j.CustomerPublicKey) {
		return false
	}
	if cf.available {
		if !j.IsAvailable(nodeID, publicKey) {
			return false
		}
		// A job whose reference inputs have not landed yet stays
		// invisible to workers.
		if !j.AreInputsAvailable() {
			return false
		}
	}
	return true
}

// FindJobs returns jobs matching the filter. Jobs without an id
// (placeholders seen only through worker events) are skipped.
// Reference inputs are re-resolved on every call, so a job whose ref
// has since landed on the bus becomes visible to available-only
// queries without anyone accepting it first.
func (r *Registry) FindJobs(ctx context.Context, filter Filter) ([]*job.Job, error) {
	cf, err := filter.compile()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*job.Job
	for _, j := range r.jobs {
		if j.ID == "" {
			continue
		}
		r.ensureResolved(ctx, j)
		if cf.matches(j, r.nodeID, r.publicKey) {
			out = append(out, j)
		}
	}
	return out, nil
}

// Job returns the aggregate for the given id, retrying input
// resolution on the way out.
func (r *Registry) Job(ctx context.Context, jobID string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.ID == "" {
		return nil, fmt.Errorf("%w: %s", pool.ErrJobNotFound, jobID)
	}
	r.ensureResolved(ctx, j)
	return j, nil
}

// ensureResolved attempts to dereference any still-unresolved
// reference inputs. Failures leave the job unavailable and are retried
// on the next access. Callers hold r.mu.
func (r *Registry) ensureResolved(ctx context.Context, j *job.Job) {
	if j.AreInputsAvailable() {
		return
	}
	if err := j.ResolveInputs(r.resolveInput(ctx)); err != nil {
		r.logger.Debug("input resolution failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

// RequestJob publishes a new job request and returns the aggregate
// built from its loopback.
func (r *Registry) RequestJob(ctx context.Context, spec job.RequestSpec) (*job.Job, error) {
	local := job.NewRequest(r.jobSettings(), spec)
	ev := local.ToRequest()
	if err := r.signAndPublish(ctx, ev, ""); err != nil {
		return nil, err
	}
	return r.Job(ctx, ev.ID)
}

// AcceptJob claims an execution slot on the job. Inputs are resolved
// first; a job whose references cannot be dereferenced yet is not
// acceptable.
func (r *Registry) AcceptJob(ctx context.Context, jobID string) error {
	j, err := r.Job(ctx, jobID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if !j.IsAvailable(r.nodeID, r.publicKey) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", pool.ErrJobAlreadyAssigned, jobID)
	}
	resolveErr := j.ResolveInputs(r.resolveInput(ctx))
	available := j.AreInputsAvailable()
	var ev *nostr.Event
	if resolveErr == nil && available {
		ev, resolveErr = j.Accept(r.identity())
	}
	encryptTo := outboundPeer(j)
	r.mu.Unlock()

	if resolveErr != nil {
		return resolveErr
	}
	if !available {
		return fmt.Errorf("%w: %s", pool.ErrInputsNotAvailable, jobID)
	}
	return r.signAndPublish(ctx, ev, encryptTo)
}

// CancelJob withdraws this node's acceptance with a reason.
func (r *Registry) CancelJob(ctx context.Context, jobID, reason string) error {
	err := r.publishWorkerAction(ctx, jobID, func(j *job.Job) (*nostr.Event, error) {
		return j.Cancel(r.identity(), reason)
	})
	if err != nil {
		return err
	}
	r.closeJobGroup(jobID)
	return nil
}

// LogForJob publishes one log line against this node's acceptance.
func (r *Registry) LogForJob(ctx context.Context, jobID, message string) error {
	return r.publishWorkerAction(ctx, jobID, func(j *job.Job) (*nostr.Event, error) {
		return j.Log(r.identity(), message)
	})
}

// OutputForJob publishes a partial result payload.
func (r *Registry) OutputForJob(ctx context.Context, jobID, data string) error {
	return r.publishWorkerAction(ctx, jobID, func(j *job.Job) (*nostr.Event, error) {
		return j.Output(r.identity(), data)
	})
}

// RequestPayment publishes an invoice against the job's bid.
func (r *Registry) RequestPayment(ctx context.Context, jobID string, amountMsat uint64) error {
	return r.publishWorkerAction(ctx, jobID, func(j *job.Job) (*nostr.Event, error) {
		return j.RequestPayment(ctx, r.identity(), amountMsat, r.invoicer)
	})
}

// CompleteJob publishes the result, the success feedback, and, with an
// invoicer configured, the final invoice for the remaining bid.
func (r *Registry) CompleteJob(ctx context.Context, jobID, data, info string) error {
	j, err := r.Job(ctx, jobID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if !j.HasLiveAcceptance(r.nodeID, r.publicKey) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", pool.ErrJobNotAssigned, jobID)
	}
	events, actErr := j.Complete(ctx, r.identity(), data, info, r.invoicer)
	encryptTo := outboundPeer(j)
	r.mu.Unlock()
	if actErr != nil {
		return actErr
	}

	for _, ev := range events {
		if err := r.signAndPublish(ctx, ev, encryptTo); err != nil {
			return err
		}
	}
	r.closeJobGroup(jobID)
	return nil
}

// PayJob publishes a payment proof for one of the job's invoices. The
// proof only takes effect if this node is the job's customer.
func (r *Registry) PayJob(ctx context.Context, jobID, invoice string, amountMsat uint64, preimage string) error {
	j, err := r.Job(ctx, jobID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	ev, actErr := j.Pay(invoice, amountMsat, preimage)
	r.mu.Unlock()
	if actErr != nil {
		return actErr
	}
	return r.signAndPublish(ctx, ev, "")
}

// WaitForResult polls until the job completes or the timeout elapses,
// returning the first successful worker result (nil on timeout).
func (r *Registry) WaitForResult(ctx context.Context, jobID string, interval, timeout time.Duration) (*job.WorkerResult, error) {
	probe := func(context.Context) (*job.WorkerResult, bool, error) {
		j, err := r.Job(ctx, jobID)
		if err != nil {
			return nil, false, nil // not seen yet, keep polling
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if !j.IsComplete() {
			return nil, false, nil
		}
		return j.FirstResult(), true, nil
	}
	fallback := func() *job.WorkerResult {
		j, err := r.Job(ctx, jobID)
		if err != nil {
			return nil
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return j.FirstResult()
	}
	return poll.Until(ctx, interval, timeout, probe, fallback)
}

// publishWorkerAction runs a worker-side action that requires a live
// acceptance and publishes its template.
func (r *Registry) publishWorkerAction(ctx context.Context, jobID string, act func(*job.Job) (*nostr.Event, error)) error {
	j, err := r.Job(ctx, jobID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if !j.HasLiveAcceptance(r.nodeID, r.publicKey) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", pool.ErrJobNotAssigned, jobID)
	}
	ev, actErr := act(j)
	encryptTo := outboundPeer(j)
	r.mu.Unlock()
	if actErr != nil {
		return actErr
	}
	return r.signAndPublish(ctx, ev, encryptTo)
}

// outboundPeer returns the key worker events are sealed for on
// encrypted jobs, or "" for plaintext jobs.
func outboundPeer(j *job.Job) string {
	if j.Encrypted {
		return j.CustomerPublicKey
	}
	return ""
}

// signAndPublish seals, signs, publishes, and locally ingests an event
// template. The local ingest makes published state visible immediately
// instead of waiting for the bus echo; the echo then deduplicates.
func (r *Registry) signAndPublish(ctx context.Context, ev *nostr.Event, encryptTo string) error {
	if encryptTo != "" && ev.Content != "" {
		sealed, err := event.EncryptContent(r.secretKey, encryptTo, ev.Content)
		if err != nil {
			return err
		}
		ev.Content = sealed
	}
	if err := ev.Sign(r.secretKey); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		return err
	}
	if err := r.Ingest(ctx, ev); err != nil {
		return err
	}
	return nil
}
