package main

import (
	"NetFusion/internal/config"
	"NetFusion/internal/logging"
	"NetFusion/internal/model"
	"NetFusion/internal/probe"
	"NetFusion/pkg/pcap"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	subject := flag.String("subject", "", "NATS subject to publish flow records to (default nats.input_subject)")
	noEnd := flag.Bool("no-end", false, "do not publish the end-of-stream marker")
	flag.Parse()
	if flag.NArg() == 0 {
		log.Fatal().Msg("usage: nf-replay [flags] <file.pcap>...")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Configure(logging.Level(cfg.Engine.LogLevel, false), cfg.Engine.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := *subject
	if out == "" {
		out = cfg.NATS.InputSubject
	}
	pub, err := probe.NewPublisher(cfg.NATS, out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create NATS publisher")
	}
	defer pub.Close()

	meter := pcap.NewMeter(pcap.MeterConfig{
		ActiveTimeout:   cfg.Replay.ActiveTimeout.Duration(),
		InactiveTimeout: cfg.Replay.InactiveTimeout.Duration(),
		NumShards:       cfg.Replay.NumShards,
	})
	emit := func(r *model.Record) error { return pub.PublishRecord(ctx, r) }

	total := 0
	for _, path := range flag.Args() {
		reader, err := pcap.NewReader(path)
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Failed to open pcap file")
		}
		n, err := pcap.Replay(ctx, reader, meter, emit)
		reader.Close()
		total += n
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Replay stopped")
			break
		}
		log.Info().Str("file", path).Int("flows", n).Int("skipped_packets", reader.Skipped()).Msg("Replayed pcap file")
	}

	if !*noEnd {
		if err := pub.PublishEnd(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("Failed to publish end of stream")
		}
	}
	log.Info().Int("flows", total).Str("subject", out).Msg("Replay complete")
}
