package main

import (
	"NetFusion/internal/alerter"
	"NetFusion/internal/api"
	"NetFusion/internal/config"
	"NetFusion/internal/engine/iprange"
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/engine/orchestrator"
	"NetFusion/internal/engine/reloader"
	"NetFusion/internal/engine/rules"
	"NetFusion/internal/factory"
	"NetFusion/internal/logging"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"NetFusion/internal/notification"
	"NetFusion/internal/probe"
	"NetFusion/internal/writer"
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	subject := flag.String("subject", "", "NATS subject to read flow records from (default nats.output_subject)")
	outDir := flag.String("out", "", "directory for JSON-lines alert files")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Configure(logging.Level(cfg.Engine.LogLevel, cfg.Engine.Debug || *debug), cfg.Engine.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	log.Info().Str("config", *configPath).Msg("Starting nf-engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	m := metrics.New()

	// 2. Reference data: monitored ranges and the reloadable blocklist
	table, err := iprange.LoadRanges(cfg.Engine.RangesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load IP ranges")
	}
	blocklist := ipset.NewShared(nil)
	m.TrackReference("blocklist", blocklist.Len)
	var opts []reloader.Option
	opts = append(opts, reloader.WithHook(m.ReloadHook()))
	if cfg.Blocklist.Watch {
		opts = append(opts, reloader.WithWatch())
	}
	blReloader := reloader.New("blocklist", cfg.Blocklist.Path, cfg.Blocklist.Refresh.Duration(), blocklist, opts...)
	if err := blReloader.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load blocklist")
	}
	defer blReloader.Stop()

	// 3. Detectors and rules
	defs := cfg.Engine.Detectors
	if len(defs) == 0 {
		defs = factory.DefaultDefs(cfg.Engine.Thresholds, cfg.Blocklist.Threshold)
	}
	detectors, err := factory.Create(defs, factory.Deps{Size: table.Size(), Blocklist: blocklist})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create detectors")
	}
	ruleSet := rules.Defaults()
	if len(cfg.Engine.Rules) > 0 {
		known := make(map[string]bool, len(detectors))
		for _, d := range detectors {
			known[d.ID()] = true
		}
		if ruleSet, err = rules.Build(cfg.Engine.Rules, func(id string) bool { return known[id] }); err != nil {
			log.Fatal().Err(err).Msg("Failed to build rules")
		}
	}

	// 4. Alert sinks
	ring := writer.NewRing(cfg.API.RecentSize)
	sinks := writer.NewMulti(m, writer.Named{Name: "log", Writer: writer.NewLogWriter()}, writer.Named{Name: "ring", Writer: ring})
	var recent api.AlertReader = ring

	pub, err := probe.NewPublisher(cfg.NATS, cfg.NATS.OutputSubject)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS publisher")
	}
	defer pub.Close()
	sinks.Add("nats", pub)

	if cfg.ClickHouse.Enabled {
		ch, err := writer.NewClickHouseWriter(ctx, cfg.ClickHouse)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create ClickHouse writer")
		}
		defer ch.Close()
		sinks.Add("clickhouse", ch)
		recent = ch
	}
	if cfg.Redis.Enabled {
		rw, err := writer.NewRedisWriter(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Redis writer")
		}
		defer rw.Close()
		sinks.Add("redis", rw)
		recent = rw
	}
	if *outDir != "" {
		fw, err := writer.NewFileWriter(*outDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create file writer")
		}
		sinks.Add("file", fw)
	}
	if cfg.Alerter.Enabled {
		var notifier model.Notifier = notification.LogNotifier{}
		if cfg.SMTP.Host != "" {
			if notifier, err = notification.NewEmailNotifier(cfg.SMTP); err != nil {
				log.Fatal().Err(err).Msg("Failed to create e-mail notifier")
			}
		}
		digest, err := alerter.NewAlerter(cfg.Alerter, notifier)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create alerter")
		}
		digest.Start()
		defer digest.Stop()
		sinks.Add("alerter", digest)
	}

	// 5. Orchestrator
	orch, err := orchestrator.New(table, detectors, ruleSet, cfg.Engine.Window.Duration(), sinks, orchestrator.WithMetrics(m))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	// 6. Operator API
	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.ListenAddr, orch, recent, m)
		server.Start()
	}

	// 7. Consume the flow stream until end of stream or a shutdown signal
	in := *subject
	if in == "" {
		in = cfg.NATS.OutputSubject
	}
	sub, err := probe.NewSubscriber(cfg.NATS, in)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS subscriber")
	}
	defer sub.Close()

	if err := orch.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Engine stopped with error")
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server forced to shutdown")
		}
	}
	log.Info().Msg("Shutdown complete")
}
