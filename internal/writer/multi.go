package writer

import (
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Named attaches a name to a writer for logs and metrics.
type Named struct {
	Name   string
	Writer model.AlertWriter
}

// Multi fans every export out to several writers. A failing writer does not
// stop the others; their errors are joined.
type Multi struct {
	writers []Named
	metrics *metrics.Metrics
}

// NewMulti creates a fan-out writer. m may be nil.
func NewMulti(m *metrics.Metrics, writers ...Named) *Multi {
	return &Multi{writers: writers, metrics: m}
}

// Add appends a writer.
func (w *Multi) Add(name string, wr model.AlertWriter) {
	w.writers = append(w.writers, Named{Name: name, Writer: wr})
}

// Write implements model.AlertWriter.
func (w *Multi) Write(ctx context.Context, alerts []*model.Alert) error {
	var errs []error
	for _, n := range w.writers {
		if err := n.Writer.Write(ctx, alerts); err != nil {
			log.Error().Err(err).Str("writer", n.Name).Int("alerts", len(alerts)).Msg("Alert writer failed")
			if w.metrics != nil {
				w.metrics.WriterErrors.WithLabelValues(n.Name).Inc()
			}
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}
