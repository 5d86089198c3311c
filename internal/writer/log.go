package writer

import (
	"NetFusion/internal/model"
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogWriter writes every alert as a structured log event.
type LogWriter struct {
	logger zerolog.Logger
}

// NewLogWriter logs through the global logger.
func NewLogWriter() *LogWriter { return &LogWriter{logger: log.Logger} }

// NewLogWriterTo logs through l.
func NewLogWriterTo(l zerolog.Logger) *LogWriter { return &LogWriter{logger: l} }

// Write implements model.AlertWriter.
func (w *LogWriter) Write(_ context.Context, alerts []*model.Alert) error {
	for _, a := range alerts {
		ev := w.logger.Warn().
			Str("address", a.Address.String()).
			Str("rule", a.Rule).
			Time("detect_time", a.DetectTime)
		for _, v := range a.Verdicts {
			ev = ev.Uint8(v.Detector, v.Result)
		}
		if len(a.Flow) > 0 {
			ev = ev.Interface("flow", a.Flow)
		}
		ev.Msg("Alert")
	}
	return nil
}
