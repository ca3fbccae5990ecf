package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/backoff"
)

// DefaultCacheTTL is how long a fetched allowlist stays fresh.
const DefaultCacheTTL = 24 * time.Hour

// Allowlist authorizes events against a JSON document mapping public
// keys to permitted methods:
//
//	{
//	  "3bf0c63f...": ["submitJobRequestEvent", "submitJobEvent"],
//	  "grantedall": ["*"],
//	  "*":          ["submitEvent"]
//	}
//
// The source is a local path or an http(s) URL. The document is cached
// and refetched after the TTL; a failed refetch keeps serving the
// stale copy and retries on a backoff schedule.
type Allowlist struct {
	source string
	client *http.Client
	ttl    time.Duration
	retry  backoff.Strategy
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string][]string
	fetchedAt time.Time
	failures  int
	nextTry   time.Time
}

var _ Authorizer = (*Allowlist)(nil)

// AllowlistOption configures an Allowlist.
type AllowlistOption func(*Allowlist)

// WithCacheTTL sets how long a fetched document stays fresh.
func WithCacheTTL(ttl time.Duration) AllowlistOption {
	return func(a *Allowlist) { a.ttl = ttl }
}

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(client *http.Client) AllowlistOption {
	return func(a *Allowlist) { a.client = client }
}

// WithRetryStrategy sets the backoff schedule for failed refetches.
func WithRetryStrategy(s backoff.Strategy) AllowlistOption {
	return func(a *Allowlist) { a.retry = s }
}

// NewAllowlist creates an allowlist authorizer reading from source.
func NewAllowlist(source string, logger *slog.Logger, opts ...AllowlistOption) *Allowlist {
	a := &Allowlist{
		source: source,
		client: &http.Client{Timeout: 30 * time.Second},
		ttl:    DefaultCacheTTL,
		retry:  backoff.DefaultStrategy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AuthorizeEvent implements Authorizer.
func (a *Allowlist) AuthorizeEvent(ctx context.Context, ev *nostr.Event) error {
	entries, err := a.current(ctx)
	if err != nil {
		return err
	}

	method := MethodForKind(ev.Kind)
	for _, key := range []string{ev.PubKey, MethodAll} {
		for _, granted := range entries[key] {
			if granted == MethodAll || granted == method {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s for %s", pool.ErrUnauthorized, method, ev.PubKey)
}

// Refresh forces a refetch regardless of the cache state.
func (a *Allowlist) Refresh(ctx context.Context) error {
	entries, err := a.fetch(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.entries = entries
	a.fetchedAt = time.Now()
	a.failures = 0
	a.mu.Unlock()
	return nil
}

// current returns the cached entries, refetching when stale. Fetch
// failures fall back to the stale copy when one exists.
func (a *Allowlist) current(ctx context.Context) (map[string][]string, error) {
	a.mu.Lock()
	fresh := a.entries != nil && time.Since(a.fetchedAt) < a.ttl
	retryDue := time.Now().After(a.nextTry)
	stale := a.entries
	a.mu.Unlock()

	if fresh || !retryDue {
		if stale != nil {
			return stale, nil
		}
		return nil, fmt.Errorf("%w: allowlist unavailable", pool.ErrUnauthorized)
	}

	entries, err := a.fetch(ctx)
	if err != nil {
		a.mu.Lock()
		a.failures++
		a.nextTry = time.Now().Add(a.retry.Delay(a.failures))
		a.mu.Unlock()
		a.logger.Warn("allowlist fetch failed",
			slog.String("source", a.source),
			slog.String("error", err.Error()),
		)
		if stale != nil {
			return stale, nil
		}
		return nil, fmt.Errorf("%w: allowlist unavailable", pool.ErrUnauthorized)
	}

	a.mu.Lock()
	a.entries = entries
	a.fetchedAt = time.Now()
	a.failures = 0
	a.nextTry = time.Time{}
	a.mu.Unlock()
	return entries, nil
}

func (a *Allowlist) fetch(ctx context.Context) (map[string][]string, error) {
	var raw []byte
	if strings.HasPrefix(a.source, "http://") || strings.HasPrefix(a.source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch allowlist: %s", resp.Status)
		}
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		raw, err = os.ReadFile(a.source)
		if err != nil {
			return nil, err
		}
	}

	var entries map[string][]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	return entries, nil
}
