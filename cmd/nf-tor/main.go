package main

import (
	"NetFusion/internal/config"
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/engine/reloader"
	"NetFusion/internal/enricher"
	"NetFusion/internal/logging"
	"NetFusion/internal/metrics"
	"NetFusion/internal/probe"
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Configure(logging.Level(cfg.Engine.LogLevel, *debug), cfg.Engine.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	if cfg.Tor.Path == "" {
		log.Fatal().Err(config.ErrMissingPath).Msg("tor.path is required")
	}
	log.Info().Str("config", *configPath).Msg("Starting nf-tor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	m := metrics.New()

	// 2. Relay list, reloaded in the background
	relays := ipset.NewShared(nil)
	m.TrackReference("tor", relays.Len)
	opts := []reloader.Option{reloader.WithHook(m.ReloadHook())}
	if cfg.Tor.Watch {
		opts = append(opts, reloader.WithWatch())
	}
	rl := reloader.New("tor", cfg.Tor.Path, cfg.Tor.Refresh.Duration(), relays, opts...)
	if err := rl.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load tor relay list")
	}
	defer rl.Stop()

	// 3. Transport
	sub, err := probe.NewSubscriber(cfg.NATS, cfg.NATS.InputSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS subscriber")
	}
	defer sub.Close()
	pub, err := probe.NewPublisher(cfg.NATS, cfg.NATS.OutputSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS publisher")
	}
	defer pub.Close()

	// 4. Enrich until end of stream or a shutdown signal
	e := enricher.New(relays, m)
	if err := e.Run(ctx, sub, pub); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Enricher stopped with error")
	}
	log.Info().Msg("Shutdown complete")
}
