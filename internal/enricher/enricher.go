// Package enricher tags flows whose endpoints are known anonymization relays.
// It is a stateless stage in front of the fusion engine: every input record is
// republished with TOR_DETECTED and TOR_DIRECTION appended.
package enricher

import (
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Names of the appended fields.
const (
	FieldDetected  = "TOR_DETECTED"
	FieldDirection = "TOR_DIRECTION"
)

// Direction values of TOR_DIRECTION.
const (
	DirectionNone        int64 = 0
	DirectionDestination int64 = 1
	DirectionSource      int64 = -1
)

// Publisher forwards enriched records downstream.
type Publisher interface {
	PublishRecord(ctx context.Context, r *model.Record) error
	PublishEnd(ctx context.Context) error
}

// Enricher appends relay detection results to flow records.
type Enricher struct {
	relays  *ipset.Shared
	metrics *metrics.Metrics

	in        *model.Schema
	out       *model.Schema
	srcIP     model.FieldID
	dstIP     model.FieldID
	detected  model.FieldID
	direction model.FieldID
}

// New creates an enricher over a reloadable relay set. m may be nil.
func New(relays *ipset.Shared, m *metrics.Metrics) *Enricher {
	return &Enricher{relays: relays, metrics: m}
}

// Bind derives the output schema from the input schema.
func (e *Enricher) Bind(schema *model.Schema) error {
	if schema == nil {
		return errors.New("cannot bind to a nil schema")
	}
	src, err := schema.Lookup("SRC_IP")
	if err != nil {
		return fmt.Errorf("enricher: %w", err)
	}
	dst, err := schema.Lookup("DST_IP")
	if err != nil {
		return fmt.Errorf("enricher: %w", err)
	}
	out, err := schema.Extend(
		model.Field{Name: FieldDetected, Type: model.TypeUint},
		model.Field{Name: FieldDirection, Type: model.TypeInt},
	)
	if err != nil {
		return fmt.Errorf("enricher: failed to derive output schema: %w", err)
	}
	e.in, e.out = schema, out
	e.srcIP, e.dstIP = src, dst
	e.detected, _ = out.Lookup(FieldDetected)
	e.direction, _ = out.Lookup(FieldDirection)
	log.Info().Str("schema", out.Template()).Msg("enriched output schema derived")
	return nil
}

// OutputSchema returns the schema of enriched records.
func (e *Enricher) OutputSchema() *model.Schema { return e.out }

// Direction checks the destination first, then the source.
func (e *Enricher) Direction(r *model.Record) int64 {
	switch e.relays.First(r.Addr(e.dstIP), r.Addr(e.srcIP)) {
	case 0:
		return DirectionDestination
	case 1:
		return DirectionSource
	}
	return DirectionNone
}

// Enrich returns a copy of r under the output schema with the detection fields set.
func (e *Enricher) Enrich(r *model.Record) (*model.Record, error) {
	if !r.Schema.Equal(e.in) {
		if err := e.Bind(r.Schema); err != nil {
			return nil, err
		}
	}
	direction := e.Direction(r)
	var detected uint64
	if direction != DirectionNone {
		detected = 1
	}

	out := r.Clone(e.out)
	out.Set(e.detected, detected)
	out.Set(e.direction, direction)

	if e.metrics != nil {
		e.metrics.Enriched.WithLabelValues(directionLabel(direction)).Inc()
	}
	return out, nil
}

// Run enriches src into pub until end of stream, which is forwarded.
func (e *Enricher) Run(ctx context.Context, src model.Source, pub Publisher) error {
	if schema := src.Schema(); schema != nil {
		if err := e.Bind(schema); err != nil {
			return err
		}
	}
	for {
		r, err := src.Next(ctx)
		switch {
		case err == nil:
			out, err := e.Enrich(r)
			if err != nil {
				return err
			}
			if err := pub.PublishRecord(ctx, out); err != nil {
				log.Error().Err(err).Msg("failed to publish enriched record")
			}
		case errors.Is(err, model.ErrSchemaChanged):
			if err := e.Bind(src.Schema()); err != nil {
				return fmt.Errorf("failed to rebind after schema change: %w", err)
			}
		case errors.Is(err, io.EOF):
			return pub.PublishEnd(ctx)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("failed to read flow record: %w", err)
		}
	}
}

func directionLabel(d int64) string {
	switch d {
	case DirectionDestination:
		return "destination"
	case DirectionSource:
		return "source"
	}
	return "none"
}
