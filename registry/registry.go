// Package registry is the coordination core of a pool node. It
// subscribes to the shared event bus, folds every accepted event into
// its job aggregates, evicts expired jobs, and exposes the job
// operations (request, accept, complete, pay) as signed-event
// publications. All state is rebuilt from the event stream; there is
// no database.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/auth"
	"github.com/OpenAgentsInc/openagents-pool/backoff"
	"github.com/OpenAgentsInc/openagents-pool/discovery"
	"github.com/OpenAgentsInc/openagents-pool/job"
	"github.com/OpenAgentsInc/openagents-pool/observability"
	"github.com/OpenAgentsInc/openagents-pool/payment"
	"github.com/OpenAgentsInc/openagents-pool/relay"
	"github.com/OpenAgentsInc/openagents-pool/subs"
	"github.com/OpenAgentsInc/openagents-pool/webhook"
)

// Registry coordinates one node's view of the pool.
type Registry struct {
	cfg           pool.Config
	bus           relay.Bus
	authorizer    auth.Authorizer
	webhooks      *webhook.Notifier
	metrics       *observability.Metrics
	directory     *discovery.Directory
	logger        *slog.Logger
	retry         backoff.Strategy
	invoicer      payment.Invoicer
	verifier      *payment.Verifier
	subscriptions *subs.Manager
	defaultRelays []string

	secretKey string
	publicKey string
	nodeID    string

	mu   sync.Mutex
	jobs map[string]*job.Job

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithAuthorizer sets the ingestion gate. Default NoAuth.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(r *Registry) { r.authorizer = a }
}

// WithWebhooks sets the notifier fired for every accepted event.
func WithWebhooks(n *webhook.Notifier) Option {
	return func(r *Registry) { r.webhooks = n }
}

// WithMetrics sets the instrument set.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDirectory sets the peer directory fed by announcements.
func WithDirectory(d *discovery.Directory) Option {
	return func(r *Registry) { r.directory = d }
}

// WithLogger sets the logger. Default slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRetryStrategy sets the resubscription backoff schedule.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(r *Registry) { r.retry = s }
}

// WithInvoicer sets the invoice generator used when completing jobs.
func WithInvoicer(inv payment.Invoicer) Option {
	return func(r *Registry) { r.invoicer = inv }
}

// WithVerifier sets the payment proof verifier. Default bolt11.
func WithVerifier(v *payment.Verifier) Option {
	return func(r *Registry) { r.verifier = v }
}

// WithSubscriptions attaches an ephemeral subscription manager whose
// per-job groups are closed when the job is evicted, cancelled, or
// completed.
func WithSubscriptions(m *subs.Manager) Option {
	return func(r *Registry) { r.subscriptions = m }
}

// WithDefaultRelays sets the relays merged into every job's relay set.
func WithDefaultRelays(urls ...string) Option {
	return func(r *Registry) { r.defaultRelays = urls }
}

// WithNodeID sets the node instance id used in d tags.
func WithNodeID(nodeID string) Option {
	return func(r *Registry) { r.nodeID = nodeID }
}

// New creates a Registry signing with secretKey over the given bus.
func New(cfg pool.Config, bus relay.Bus, secretKey string, opts ...Option) (*Registry, error) {
	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("registry: derive public key: %w", err)
	}
	r := &Registry{
		cfg:        cfg,
		bus:        bus,
		authorizer: auth.NoAuth{},
		logger:     slog.Default(),
		retry:      backoff.DefaultStrategy(),
		secretKey:  secretKey,
		publicKey:  publicKey,
		jobs:       make(map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.nodeID == "" {
		r.nodeID = publicKey
	}
	if r.verifier == nil {
		r.verifier = payment.NewVerifier(nil)
	}
	return r, nil
}

// PublicKey returns the node's signing public key.
func (r *Registry) PublicKey() string { return r.publicKey }

// NodeID returns the node instance id.
func (r *Registry) NodeID() string { return r.nodeID }

func (r *Registry) identity() job.Identity {
	return job.Identity{NodeID: r.nodeID, PublicKey: r.publicKey}
}

func (r *Registry) jobSettings() job.Settings {
	return job.Settings{
		MaxEventDuration:  r.cfg.MaxEventDuration,
		MaxExecutionTime:  r.cfg.MaxExecutionTime,
		MinExpirationLead: r.cfg.MinExpirationLead,
		Verifier:          r.verifier,
		Logger:            r.logger,
	}
}

// Start launches the subscription and eviction loops. Calling Start
// twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.wg.Add(2)
		go r.runSubscriber(loopCtx)
		go r.runEvictor(loopCtx)
		if r.directory != nil {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.directory.Run(loopCtx)
			}()
		}
	})
}

// Stop tears the loops down and waits for them.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		if r.webhooks != nil {
			r.webhooks.Close()
		}
	})
}

// runSubscriber keeps a filtered subscription open, resubscribing with
// backoff when the bus drops it. The since horizon rolls forward on
// every resubscribe so replay stays bounded by MaxEventDuration.
func (r *Registry) runSubscriber(ctx context.Context) {
	defer r.wg.Done()
	attempt := 0
	for {
		since := nostr.Timestamp(time.Now().Add(-r.cfg.MaxEventDuration).Unix())
		filters := nostr.Filters{{Kinds: r.cfg.Kinds, Since: &since}}

		closed := make(chan error, 1)
		sub, err := r.bus.Subscribe(ctx, filters,
			func(ev *nostr.Event) {
				if err := r.Ingest(ctx, ev); err != nil {
					r.logger.Debug("event dropped",
						slog.String("event_id", ev.ID),
						slog.String("error", err.Error()),
					)
				}
			},
			func(reason error) { closed <- reason },
		)
		if err != nil {
			attempt++
			r.logger.Warn("subscribe failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retry.Delay(attempt)):
			}
			continue
		}
		attempt = 0

		select {
		case <-ctx.Done():
			sub.Close()
			return
		case reason := <-closed:
			if reason != nil {
				r.logger.Warn("subscription lost, resubscribing",
					slog.String("reason", reason.Error()))
			}
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retry.Delay(attempt)):
			}
		}
	}
}

// runEvictor sweeps expired jobs.
func (r *Registry) runEvictor(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictExpired(ctx)
		}
	}
}

// closeJobGroup releases any ephemeral subscriptions opened under the
// job's id once the job is done.
func (r *Registry) closeJobGroup(jobID string) {
	if r.subscriptions != nil {
		r.subscriptions.CloseGroup(jobID)
	}
}

func (r *Registry) evictExpired(ctx context.Context) {
	r.mu.Lock()
	var evicted []string
	for id, j := range r.jobs {
		if j.IsExpired() {
			delete(r.jobs, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		if r.metrics != nil {
			r.metrics.JobsEvicted.Add(ctx, 1)
		}
		r.closeJobGroup(id)
		r.logger.Debug("job evicted", slog.String("job_id", id))
	}
}
