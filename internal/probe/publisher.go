package probe

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher sends flow records and alerts to NATS. It implements
// model.AlertWriter and enricher.Publisher.
type Publisher struct {
	nc            *nats.Conn
	recordSubject string
	alertSubject  string
	timeout       time.Duration
}

// NewPublisher connects to NATS. Records go to recordSubject, alerts to the
// configured alert subject.
func NewPublisher(cfg config.NATSConfig, recordSubject string) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netfusion-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", cfg.URL).Msg("Connected to NATS server")
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{nc: nc, recordSubject: recordSubject, alertSubject: cfg.AlertSubject, timeout: timeout}, nil
}

// Write publishes every alert and flushes the connection once.
func (p *Publisher) Write(_ context.Context, alerts []*model.Alert) error {
	for _, a := range alerts {
		data, err := EncodeAlert(a)
		if err != nil {
			return fmt.Errorf("failed to encode alert: %w", err)
		}
		if err := p.nc.Publish(p.alertSubject, data); err != nil {
			return fmt.Errorf("failed to publish alert: %w", err)
		}
	}
	return p.nc.FlushTimeout(p.timeout)
}

// PublishRecord sends one record with its schema header.
func (p *Publisher) PublishRecord(_ context.Context, r *model.Record) error {
	msg, err := NewRecordMsg(p.recordSubject, r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return p.nc.PublishMsg(msg)
}

// PublishEnd marks the end of the record stream.
func (p *Publisher) PublishEnd(context.Context) error {
	if err := p.nc.Publish(p.recordSubject, nil); err != nil {
		return err
	}
	return p.nc.FlushTimeout(p.timeout)
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("Failed to drain NATS connection")
	}
	log.Info().Msg("NATS publisher connection closed")
}
