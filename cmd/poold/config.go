package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	pool "github.com/OpenAgentsInc/openagents-pool"
)

// fileConfig is the poold config.toml schema. Every field is optional;
// zero values fall through to pool.DefaultConfig.
type fileConfig struct {
	SecretKey string `toml:"secret_key"`
	NodeID    string `toml:"node_id"`

	Relays          []string `toml:"relays"`
	AllowlistSource string   `toml:"allowlist_source"`
	Webhooks        []string `toml:"webhooks"`

	MaxEventDuration     string `toml:"max_event_duration"`
	MaxExecutionTime     string `toml:"max_execution_time"`
	MinExpirationLead    string `toml:"min_expiration_lead"`
	EvictInterval        string `toml:"evict_interval"`
	AnnouncementInterval string `toml:"announcement_interval"`
	Kinds                []int  `toml:"kinds"`

	Profile struct {
		Name        string `toml:"name"`
		Picture     string `toml:"picture"`
		Description string `toml:"description"`
	} `toml:"profile"`

	LogLevel string `toml:"log_level"`
}

// daemonConfig is the resolved runtime configuration.
type daemonConfig struct {
	pool            pool.Config
	secretKey       string
	nodeID          string
	relays          []string
	allowlistSource string
	webhooks        []string
	profileName     string
	profilePic      string
	profileDesc     string
	logLevel        string
}

// loadConfig reads the TOML file at path and applies environment
// overrides. POOL_SECRET_KEY always wins over the file so the key can
// be kept out of config files entirely.
func loadConfig(path string) (daemonConfig, error) {
	var raw fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load config: %w", err)
		}
		if err := toml.Unmarshal(data, &raw); err != nil {
			return daemonConfig{}, fmt.Errorf("load config: parse %q: %w", path, err)
		}
	}

	cfg := daemonConfig{
		pool:            pool.DefaultConfig(),
		secretKey:       strings.TrimSpace(raw.SecretKey),
		nodeID:          strings.TrimSpace(raw.NodeID),
		relays:          raw.Relays,
		allowlistSource: strings.TrimSpace(raw.AllowlistSource),
		webhooks:        raw.Webhooks,
		profileName:     raw.Profile.Name,
		profilePic:      raw.Profile.Picture,
		profileDesc:     raw.Profile.Description,
		logLevel:        strings.TrimSpace(raw.LogLevel),
	}

	if err := overlayDuration(&cfg.pool.MaxEventDuration, raw.MaxEventDuration, "max_event_duration"); err != nil {
		return daemonConfig{}, err
	}
	if err := overlayDuration(&cfg.pool.MaxExecutionTime, raw.MaxExecutionTime, "max_execution_time"); err != nil {
		return daemonConfig{}, err
	}
	if err := overlayDuration(&cfg.pool.MinExpirationLead, raw.MinExpirationLead, "min_expiration_lead"); err != nil {
		return daemonConfig{}, err
	}
	if err := overlayDuration(&cfg.pool.EvictInterval, raw.EvictInterval, "evict_interval"); err != nil {
		return daemonConfig{}, err
	}
	if err := overlayDuration(&cfg.pool.AnnouncementInterval, raw.AnnouncementInterval, "announcement_interval"); err != nil {
		return daemonConfig{}, err
	}
	if len(raw.Kinds) > 0 {
		cfg.pool.Kinds = raw.Kinds
	}

	if sk := strings.TrimSpace(os.Getenv("POOL_SECRET_KEY")); sk != "" {
		cfg.secretKey = sk
	}
	if nodeID := strings.TrimSpace(os.Getenv("POOL_NODE_ID")); nodeID != "" {
		cfg.nodeID = nodeID
	}
	if relays := strings.TrimSpace(os.Getenv("POOL_RELAYS")); relays != "" {
		cfg.relays = splitList(relays)
	}
	if src := strings.TrimSpace(os.Getenv("POOL_ALLOWLIST")); src != "" {
		cfg.allowlistSource = src
	}

	if len(cfg.relays) == 0 {
		return daemonConfig{}, fmt.Errorf("load config: at least one relay is required (relays or POOL_RELAYS)")
	}
	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw, key string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("load config: %s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("load config: %s must be positive, got %s", key, d)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
