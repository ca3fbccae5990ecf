// Package node assembles a full pool participant from its parts: a job
// registry over an event bus, a capability directory with periodic
// self-announcement, ephemeral subscription management, and optional
// authorization and webhook fan-out. It is the one-stop constructor for
// programs that do not need to wire the packages individually.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/metric"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/auth"
	"github.com/OpenAgentsInc/openagents-pool/discovery"
	"github.com/OpenAgentsInc/openagents-pool/observability"
	"github.com/OpenAgentsInc/openagents-pool/payment"
	"github.com/OpenAgentsInc/openagents-pool/registry"
	"github.com/OpenAgentsInc/openagents-pool/relay"
	"github.com/OpenAgentsInc/openagents-pool/subs"
	"github.com/OpenAgentsInc/openagents-pool/webhook"
)

// Node is a running pool participant.
type Node struct {
	cfg       pool.Config
	bus       relay.Bus
	logger    *slog.Logger
	registry  *registry.Registry
	directory *discovery.Directory
	announcer *discovery.Announcer
	subs      *subs.Manager
	webhooks  *webhook.Notifier

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

type settings struct {
	cfg           pool.Config
	bus           relay.Bus
	secretKey     string
	nodeID        string
	logger        *slog.Logger
	authorizer    auth.Authorizer
	endpoints     []string
	invoicer      payment.Invoicer
	meterProvider metric.MeterProvider
	defaultRelays []string
	profileName   string
	profilePic    string
	profileDesc   string
	announced     []int
}

// Option configures a Node.
type Option func(*settings)

// WithSecretKey sets the node's signing key. Required.
func WithSecretKey(sk string) Option {
	return func(s *settings) { s.secretKey = sk }
}

// WithBus sets the event bus. Required.
func WithBus(bus relay.Bus) Option {
	return func(s *settings) { s.bus = bus }
}

// WithConfig overrides the default tuning parameters.
func WithConfig(cfg pool.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithNodeID sets a stable node identifier distinct from the public key.
func WithNodeID(nodeID string) Option {
	return func(s *settings) { s.nodeID = nodeID }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithAuthorizer gates ingestion on an admission policy, for example an
// auth.Allowlist.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(s *settings) { s.authorizer = a }
}

// WithWebhooks posts every accepted event to the given HTTP endpoints.
func WithWebhooks(endpoints ...string) Option {
	return func(s *settings) { s.endpoints = endpoints }
}

// WithInvoicer wires invoice generation for payment requests.
func WithInvoicer(inv payment.Invoicer) Option {
	return func(s *settings) { s.invoicer = inv }
}

// WithMeterProvider enables OpenTelemetry counters on the registry.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(s *settings) { s.meterProvider = p }
}

// WithDefaultRelays seeds the relay hint set attached to outbound
// requests.
func WithDefaultRelays(urls ...string) Option {
	return func(s *settings) { s.defaultRelays = urls }
}

// WithProfile sets the catalog profile carried by announcements.
func WithProfile(name, picture, description string) Option {
	return func(s *settings) {
		s.profileName = name
		s.profilePic = picture
		s.profileDesc = description
	}
}

// WithAnnouncedKinds restricts the kinds this node announces it serves.
// Empty means all kinds.
func WithAnnouncedKinds(kinds ...int) Option {
	return func(s *settings) { s.announced = kinds }
}

// New assembles a Node. The returned node is idle until Start.
func New(opts ...Option) (*Node, error) {
	s := settings{cfg: pool.DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.secretKey == "" {
		return nil, errors.New("pool: secret key is required")
	}
	if s.bus == nil {
		return nil, errors.New("pool: bus is required")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	nodeID := s.nodeID
	if nodeID == "" {
		pub, err := nostr.GetPublicKey(s.secretKey)
		if err != nil {
			return nil, err
		}
		nodeID = pub
	}

	directory := discovery.NewDirectory(s.cfg.AnnouncementInterval, s.logger)
	announcer := discovery.NewAnnouncer(s.bus, s.secretKey, nodeID, s.cfg.AnnouncementInterval, s.logger)
	announcer.SetProfile(s.profileName, s.profilePic, s.profileDesc)
	if len(s.announced) > 0 {
		announcer.SetKinds(s.announced)
	}

	subscriptions := subs.NewManager(s.bus, s.logger)

	regOpts := []registry.Option{
		registry.WithLogger(s.logger),
		registry.WithDirectory(directory),
		registry.WithNodeID(nodeID),
		registry.WithSubscriptions(subscriptions),
	}
	if s.authorizer != nil {
		regOpts = append(regOpts, registry.WithAuthorizer(s.authorizer))
	}
	if s.invoicer != nil {
		regOpts = append(regOpts, registry.WithInvoicer(s.invoicer))
	}
	if len(s.defaultRelays) > 0 {
		regOpts = append(regOpts, registry.WithDefaultRelays(s.defaultRelays...))
	}
	var webhooks *webhook.Notifier
	if len(s.endpoints) > 0 {
		webhooks = webhook.New(s.endpoints, s.logger)
		regOpts = append(regOpts, registry.WithWebhooks(webhooks))
	}
	if s.meterProvider != nil {
		metrics, err := observability.New(s.meterProvider)
		if err != nil {
			return nil, err
		}
		regOpts = append(regOpts, registry.WithMetrics(metrics))
	}

	reg, err := registry.New(s.cfg, s.bus, s.secretKey, regOpts...)
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:       s.cfg,
		bus:       s.bus,
		logger:    s.logger,
		registry:  reg,
		directory: directory,
		announcer: announcer,
		subs:      subscriptions,
		webhooks:  webhooks,
	}, nil
}

// Registry exposes the job lifecycle surface.
func (n *Node) Registry() *registry.Registry { return n.registry }

// Directory exposes discovered peer capabilities.
func (n *Node) Directory() *discovery.Directory { return n.directory }

// Announcer exposes the local capability catalog.
func (n *Node) Announcer() *discovery.Announcer { return n.announcer }

// Subscriptions exposes the ephemeral subscription manager.
func (n *Node) Subscriptions() *subs.Manager { return n.subs }

// Start launches the registry control loops and the announcement loop.
// Safe to call once; subsequent calls are no-ops.
func (n *Node) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		ctx, n.cancel = context.WithCancel(ctx)
		n.registry.Start(ctx)
		go n.announcer.Run(ctx)
		n.logger.Info("node started",
			slog.String("pubkey", n.registry.PublicKey()),
			slog.String("node_id", n.registry.NodeID()))
	})
}

// Stop shuts down all loops and releases subscriptions.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.registry.Stop()
		n.subs.CloseAll()
		n.logger.Info("node stopped")
	})
}
