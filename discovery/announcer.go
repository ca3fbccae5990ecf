package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenAgentsInc/openagents-pool/event"
	"github.com/OpenAgentsInc/openagents-pool/relay"
)

// Announcer publishes this node's capability catalog. It re-announces
// immediately when the catalog changes and at half the announcement
// interval otherwise, so peers' stale horizons are never crossed by a
// single lost event.
type Announcer struct {
	bus       relay.Bus
	secretKey string
	nodeID    string
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	catalog  Catalog
	kinds    []int
	actions  map[string]struct{} // content hashes
	dirty    bool
	lastSent time.Time
}

// NewAnnouncer creates an announcer signing with secretKey and
// identifying as nodeID via the d tag.
func NewAnnouncer(bus relay.Bus, secretKey, nodeID string, interval time.Duration, logger *slog.Logger) *Announcer {
	return &Announcer{
		bus:       bus,
		secretKey: secretKey,
		nodeID:    nodeID,
		interval:  interval,
		logger:    logger,
		actions:   make(map[string]struct{}),
	}
}

// SetProfile sets the catalog's display fields.
func (a *Announcer) SetProfile(name, picture, description string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.catalog.Name != name || a.catalog.Picture != picture || a.catalog.Description != description {
		a.catalog.Name = name
		a.catalog.Picture = picture
		a.catalog.Description = description
		a.dirty = true
	}
}

// SetKinds sets the kinds advertised via k tags.
func (a *Announcer) SetKinds(kinds []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append([]int(nil), kinds...)
	a.dirty = true
}

// RegisterAction adds an action template to the catalog. Registering
// the same content twice is a no-op.
func (a *Announcer) RegisterAction(action Action) {
	key := action.hash()
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.actions[key]; ok {
		return
	}
	a.actions[key] = struct{}{}
	a.catalog.Actions = append(a.catalog.Actions, action)
	a.dirty = true
}

// Announce publishes the catalog now.
func (a *Announcer) Announce(ctx context.Context) error {
	a.mu.Lock()
	content, err := json.Marshal(a.catalog)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("marshal catalog: %w", err)
	}
	tags := nostr.Tags{{"d", a.nodeID}}
	for _, k := range a.kinds {
		tags = append(tags, nostr.Tag{"k", strconv.Itoa(k)})
	}
	a.mu.Unlock()

	ev := &nostr.Event{
		Kind:      event.KindAnnouncement,
		CreatedAt: nostr.Now(),
		Content:   string(content),
		Tags:      tags,
	}
	if err := ev.Sign(a.secretKey); err != nil {
		return fmt.Errorf("sign announcement: %w", err)
	}
	if err := a.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}

	a.mu.Lock()
	a.dirty = false
	a.lastSent = time.Now()
	a.mu.Unlock()
	return nil
}

// Run announces on schedule until the context is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval / 2)
	defer ticker.Stop()

	if err := a.Announce(ctx); err != nil {
		a.logger.Warn("announcement failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			due := a.dirty || time.Since(a.lastSent) >= a.interval/2
			a.mu.Unlock()
			if !due {
				continue
			}
			if err := a.Announce(ctx); err != nil {
				a.logger.Warn("announcement failed", slog.String("error", err.Error()))
			}
		}
	}
}
