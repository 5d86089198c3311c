package probe

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"context"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subscriber reads flow records from a NATS subject. It implements
// model.Source: the first record of a new schema is preceded by
// model.ErrSchemaChanged and an empty message ends the stream.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	dec     Decoder
	pending *model.Record
}

// NewSubscriber connects to NATS and subscribes to subject.
func NewSubscriber(cfg config.NATSConfig, subject string) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netfusion-subscriber"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Info().Str("url", cfg.URL).Str("subject", subject).Msg("Subscribed to flow records")
	return &Subscriber{nc: nc, sub: sub, subject: subject}, nil
}

// Next implements model.Source. Malformed messages are logged and skipped.
func (s *Subscriber) Next(ctx context.Context) (*model.Record, error) {
	if s.pending != nil {
		rec := s.pending
		s.pending = nil
		return rec, nil
	}
	for {
		msg, err := s.sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, err
		}
		rec, changed, err := s.dec.Decode(msg)
		if err != nil {
			log.Warn().Err(err).Str("subject", s.subject).Msg("Dropping malformed record message")
			continue
		}
		if rec == nil {
			return nil, io.EOF
		}
		if changed {
			s.pending = rec
			return nil, model.ErrSchemaChanged
		}
		return rec, nil
	}
}

// Schema implements model.Source.
func (s *Subscriber) Schema() *model.Schema { return s.dec.Schema() }

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	if s.nc != nil {
		s.nc.Close()
		log.Info().Msg("NATS subscriber connection closed")
	}
}
