package main

import (
	"NetFusion/internal/config"
	"NetFusion/internal/engine/sshclf"
	"NetFusion/internal/logging"
	"NetFusion/internal/metrics"
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
	outDir := flag.String("out", "", "directory for JSON-lines session files")
	metricsAddr := flag.String("metrics", "", "listen address for /metrics (disabled when empty)")
	debug := flag.Bool("debug", false, "copy packet lists into every report")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	debugMode := cfg.SSH.Debug || *debug
	if err := logging.Configure(logging.Level(cfg.Engine.LogLevel, debugMode), cfg.Engine.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	log.Info().Str("config", *configPath).Msg("Starting nf-ssh")

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

	// 2. MAC category model
	opts := []sshclf.Option{sshclf.WithMetrics(m)}
	if cfg.SSH.ModelAddr != "" {
		client, err := scorer.NewGRPC(cfg.SSH.ModelAddr, cfg.SSH.ModelMethod, cfg.NATS.Timeout.Duration())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create MAC category model client")
		}
		defer client.Close()
		opts = append(opts, sshclf.WithMACModel(client))
	} else {
		log.Warn().Msg("No ssh.model_addr configured, success messages are bounded by the default size")
	}

	// 3. Report sinks
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

	// 4. Classifier
	c, err := sshclf.New(sshclf.Config{BufferSize: cfg.SSH.BufferSize, Debug: debugMode}, sinks, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create SSH classifier")
	}

	// 5. Classify the flow stream
	sub, err := probe.NewSubscriber(cfg.NATS, cfg.NATS.InputSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS subscriber")
	}
	defer sub.Close()

	if err := c.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Classifier stopped with error")
	}
	log.Info().Msg("Shutdown complete")
}
