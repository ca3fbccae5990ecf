// poold runs a pool node daemon: it connects to the configured relays,
// ingests job events, announces the node's capability catalog, and
// optionally enforces a JSON allowlist and fans events out to webhooks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nbd-wtf/go-nostr"

	"github.com/OpenAgentsInc/openagents-pool/auth"
	"github.com/OpenAgentsInc/openagents-pool/node"
	"github.com/OpenAgentsInc/openagents-pool/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "poold: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "poold.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.logLevel),
	}))

	if cfg.secretKey == "" {
		// Ephemeral identity: fine for workers, but customers lose
		// access to in-flight jobs on restart.
		cfg.secretKey = nostr.GeneratePrivateKey()
		logger.Warn("no secret key configured, generated an ephemeral one")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := relay.NewPool(ctx, logger, cfg.relays...)
	opts := []node.Option{
		node.WithSecretKey(cfg.secretKey),
		node.WithBus(bus),
		node.WithConfig(cfg.pool),
		node.WithLogger(logger),
		node.WithDefaultRelays(cfg.relays...),
		node.WithProfile(cfg.profileName, cfg.profilePic, cfg.profileDesc),
	}
	if cfg.nodeID != "" {
		opts = append(opts, node.WithNodeID(cfg.nodeID))
	}
	if cfg.allowlistSource != "" {
		opts = append(opts, node.WithAuthorizer(auth.NewAllowlist(cfg.allowlistSource, logger)))
	}
	if len(cfg.webhooks) > 0 {
		opts = append(opts, node.WithWebhooks(cfg.webhooks...))
	}

	n, err := node.New(opts...)
	if err != nil {
		return err
	}
	n.Start(ctx)
	logger.Info("poold running",
		slog.String("pubkey", n.Registry().PublicKey()),
		slog.Int("relays", len(cfg.relays)))

	<-ctx.Done()
	logger.Info("shutting down")
	n.Stop()
	return nil
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
