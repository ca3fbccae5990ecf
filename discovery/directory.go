package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// staleFactor is how many announcement intervals a peer may miss
// before it is pruned, with slack for clock skew and relay delay.
const staleFactor = 2.5

// Directory is the set of currently known peers, keyed by
// (pubkey, node id). Announcements update in place; peers expire when
// they stop announcing.
type Directory struct {
	interval time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewDirectory creates a directory pruning peers after
// staleFactor x interval without a fresh announcement.
func NewDirectory(interval time.Duration, logger *slog.Logger) *Directory {
	return &Directory{
		interval: interval,
		logger:   logger,
		nodes:    make(map[string]*Node),
	}
}

// Merge applies one announcement event. Older announcements never
// overwrite newer state for the same peer.
func (d *Directory) Merge(ev *nostr.Event) error {
	n, err := ParseAnnouncement(ev)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.nodes[n.key()]; ok && existing.SeenAt.After(n.SeenAt) {
		return nil
	}
	d.nodes[n.key()] = n
	return nil
}

// Nodes returns a snapshot of every known peer.
func (d *Directory) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// Find returns peers matching the predicate.
func (d *Directory) Find(match func(*Node) bool) []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Node
	for _, n := range d.nodes {
		if match(n) {
			out = append(out, n)
		}
	}
	return out
}

// FindByKind returns peers advertising the given kind.
func (d *Directory) FindByKind(kind int) []*Node {
	return d.Find(func(n *Node) bool { return n.ServesKind(kind) })
}

// ActionQuery selects advertised actions. Zero-valued fields match
// everything; Kind and MinKind/MaxKind may be combined.
type ActionQuery struct {
	PubKey  string // announcement author
	NodeID  string // d tag
	Kind    int    // exact advertised kind
	MinKind int    // inclusive advertised-kind range
	MaxKind int
	Tag     string // entry of the action meta "tags" list
}

func (q ActionQuery) matchesNode(n *Node) bool {
	if q.PubKey != "" && n.PubKey != q.PubKey {
		return false
	}
	if q.NodeID != "" && n.NodeID != q.NodeID {
		return false
	}
	if q.Kind != 0 && !n.ServesKind(q.Kind) {
		return false
	}
	if (q.MinKind != 0 || q.MaxKind != 0) && !n.servesKindRange(q.MinKind, q.MaxKind) {
		return false
	}
	return true
}

// Actions returns the advertised actions matching the query. Identical
// templates announced by several peers collapse to one entry, keyed by
// the content hash of (template, meta, sockets).
func (d *Directory) Actions(q ActionQuery) []Action {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []Action
	for _, n := range d.nodes {
		if !q.matchesNode(n) {
			continue
		}
		for _, a := range n.Catalog.Actions {
			if q.Tag != "" && !a.hasTag(q.Tag) {
				continue
			}
			h := a.hash()
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Prune drops peers whose last announcement is older than the stale
// horizon and returns how many were dropped.
func (d *Directory) Prune(now time.Time) int {
	horizon := time.Duration(float64(d.interval) * staleFactor)
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := 0
	for key, n := range d.nodes {
		if now.Sub(n.SeenAt) > horizon {
			delete(d.nodes, key)
			dropped++
		}
	}
	return dropped
}

// Run prunes periodically until the context is cancelled.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if dropped := d.Prune(now); dropped > 0 {
				d.logger.Debug("pruned stale peers", slog.Int("count", dropped))
			}
		}
	}
}
