package main

import (
	"NetFusion/internal/config"
	"NetFusion/internal/engine/pipeline"
	"NetFusion/internal/logging"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"NetFusion/internal/probe"
	"NetFusion/internal/scorer"
	"NetFusion/internal/writer"
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	outDir := flag.String("out", "", "directory for JSON-lines decision files")
	metricsAddr := flag.String("metrics", "", "listen address for /metrics (disabled when empty)")
	debug := flag.Bool("debug", false, "emit every decision and evaluate against LABEL")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	debugMode := cfg.Crypto.Debug || *debug
	if err := logging.Configure(logging.Level(cfg.Engine.LogLevel, debugMode), cfg.Engine.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	log.Info().Str("config", *configPath).Msg("Starting nf-crypto")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	m := metrics.New()
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	// 2. ML model
	var ml model.Scorer
	if cfg.Crypto.ScorerAddr != "" {
		client, err := scorer.NewGRPC(cfg.Crypto.ScorerAddr, cfg.Crypto.ScorerMethod, cfg.NATS.Timeout.Duration())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create ML scorer")
		}
		defer client.Close()
		ml = client
	} else {
		log.Warn().Msg("No scorer_addr configured, every flow scores 0 and only STRATUM can fire")
		ml = scorer.Static(0)
	}

	// 3. Decision sinks
	sinks := writer.NewMulti(m, writer.Named{Name: "log", Writer: writer.NewLogWriter()})
	pub, err := probe.NewPublisher(cfg.NATS, cfg.NATS.OutputSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS publisher")
	}
	defer pub.Close()
	sinks.Add("nats", pub)
	if *outDir != "" {
		fw, err := writer.NewFileWriter(*outDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create file writer")
		}
		sinks.Add("file", fw)
	}

	// 4. Pipeline
	p, err := pipeline.New(pipeline.Config{
		BufferSize:     cfg.Crypto.BufferSize,
		MinPackets:     cfg.Crypto.MinPackets,
		Debug:          debugMode,
		TCPFlagsFilter: cfg.Crypto.TCPFlagsFilter,
	}, pipeline.DefaultStages(cfg.Crypto.DSTThreshold, cfg.Crypto.MLThreshold), ml, sinks, pipeline.WithMetrics(m))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pipeline")
	}

	// 5. Classify the flow stream
	sub, err := probe.NewSubscriber(cfg.NATS, cfg.NATS.InputSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS subscriber")
	}
	defer sub.Close()

	if err := p.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Pipeline stopped with error")
	}
	log.Info().Msg("Shutdown complete")
}
