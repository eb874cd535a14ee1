// buzzrelay is a federated-social-network relay: it ingests public posts
// from a configured set of upstream hosts, derives the topic actors each
// post belongs to (by tag, origin instance, or language), and re-announces
// the post to every remote actor following that topic.
//
// Usage:
//
//	./buzzrelay -config relay.yaml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/astro/buzzrelay/internal/ap"
	"github.com/astro/buzzrelay/internal/bus"
	"github.com/astro/buzzrelay/internal/config"
	"github.com/astro/buzzrelay/internal/fanout"
	"github.com/astro/buzzrelay/internal/inbound"
	"github.com/astro/buzzrelay/internal/ingest"
	"github.com/astro/buzzrelay/internal/process"
	"github.com/astro/buzzrelay/internal/server"
	"github.com/astro/buzzrelay/internal/store"
	"github.com/astro/buzzrelay/internal/topic"
)

// signingPoolSize bounds how many outbound HTTP signatures are computed
// concurrently; signing is CPU-bound (RSA), so this is sized independently
// of network concurrency.
const signingPoolSize = 4

// actorCacheCapacity is the LRU size for the resolver's remote-actor cache.
const actorCacheCapacity = 64

func main() {
	defer process.ExitOnPanic()

	configPath := flag.String("config", "relay.yaml", "path to YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	staticDir := flag.String("static-dir", "", "optional directory of static assets served at /")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	slog.Info("starting buzzrelay", "version", "1.0.0")

	cfg := config.Load(*configPath)
	slog.Info("config loaded", "hostname", cfg.Hostname, "streams", cfg.Streams, "db", cfg.DB)

	db, err := store.Open(cfg.DB)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	keyPair, err := ap.LoadOrGenerateKeyPair(cfg.PrivKeyFile, cfg.PubKeyFile)
	if err != nil {
		slog.Error("failed to load/generate RSA key pair", "error", err)
		os.Exit(1)
	}
	slog.Info("RSA key pair ready")

	externalBus, err := bus.New(cfg.Redis)
	if err != nil {
		slog.Error("failed to set up external bus", "error", err)
		os.Exit(1)
	}
	defer externalBus.Close()

	signer := ap.NewSigningPool(signingPoolSize)
	resolver := ap.NewActorResolver(actorCacheCapacity, signer, relayKeyURI(cfg.Hostname), keyPair.Private)

	inboundHandler := inbound.New(cfg.Hostname, db, resolver, signer, keyPair.Private, externalBus)
	httpServer := server.New(cfg, db, resolver, inboundHandler, keyPair.PublicPEM, *staticDir)

	fanOut := fanout.New(cfg.Hostname, db, signer, keyPair.Private)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	posts := make(chan topic.Post, ingest.ChanCap)
	for _, host := range cfg.Streams {
		g := ingest.New(host, posts)
		go runGuarded(func() { g.Run(ctx) })
	}

	go runGuarded(func() { fanOut.Run(ctx) })
	go runGuarded(func() { consumePosts(ctx, posts, fanOut) })

	httpServer.Start(ctx) // blocks until ctx is cancelled

	slog.Info("buzzrelay stopped")
}

// runGuarded runs fn on the calling goroutine with the same panic-exits-
// the-process contract as main itself; every background goroutine spawned
// from main is wrapped in it so a panic anywhere is fatal, not silent.
func runGuarded(fn func()) {
	defer process.ExitOnPanic()
	fn()
}

// consumePosts drains the shared ingest channel into the fan-out, one post
// at a time. Dispatch itself fans out concurrently per destination host, so
// this loop only needs to keep the channel drained.
func consumePosts(ctx context.Context, posts <-chan topic.Post, fanOut *fanout.FanOut) {
	for {
		select {
		case <-ctx.Done():
			return
		case post := <-posts:
			fanOut.Dispatch(ctx, post)
		}
	}
}

// relayKeyURI is the key id the relay signs its own outbound actor-fetch
// requests with (resolver fetches, not topic-actor deliveries, which each
// sign under their own topic's KeyURI instead).
func relayKeyURI(hostname string) string {
	return "https://" + hostname + "/instance/" + hostname + "#key"
}
