// Package pipeline implements the stateless priority classifier: every flow is
// offered to an ordered chain of stages and decided by the first that accepts
// it. Flows are buffered so that the ML model is queried once per batch, and
// only for flows no earlier stage could decide.
package pipeline

import (
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config parameterises a Pipeline.
type Config struct {
	BufferSize int
	// MinPackets drops flows with fewer packets in either direction.
	MinPackets uint64
	// Debug emits negative decisions too and reads the LABEL field when present.
	Debug bool
	// TCPFlagsFilter decides flows without a server name that carry FIN or RST
	// in either direction as negative before they are scored.
	TCPFlagsFilter bool
}

// TCP flag bits checked by the flags filter.
const (
	flagFIN = 0x01
	flagRST = 0x04
)

// Candidate is one buffered flow and the state of its decision.
type Candidate struct {
	Record   *model.Record
	Features []float64
	Score    float64
	SNIScore float64
	Combined float64

	Prediction bool
	Path       string

	stage   int
	decided bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics reports every decision by stage and prediction.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the source of detect times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline buffers flows and decides them in batches.
type Pipeline struct {
	cfg       Config
	stages    []Stage
	scorer    model.Scorer
	writer    model.AlertWriter
	evaluator *Evaluator
	metrics   *metrics.Metrics
	now       func() time.Time

	schema     *model.Schema
	features   featureFields
	packets    model.FieldID
	packetsRev model.FieldID
	label      model.FieldID
	sni        model.FieldID
	tcpFlags   model.FieldID
	tcpFlagsRv model.FieldID
	output     outputFields

	buffer []*Candidate
}

// New creates a pipeline over the given stage chain.
func New(cfg Config, stages []Stage, scorer model.Scorer, writer model.AlertWriter, opts ...Option) (*Pipeline, error) {
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", cfg.BufferSize)
	}
	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	if scorer == nil || writer == nil {
		return nil, errors.New("a scorer and an alert writer are required")
	}
	p := &Pipeline{
		cfg:       cfg,
		stages:    stages,
		scorer:    scorer,
		writer:    writer,
		evaluator: NewEvaluator(),
		now:       time.Now,
		label:     model.NoField,
		buffer:    make([]*Candidate, 0, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Evaluator returns the decision counters.
func (p *Pipeline) Evaluator() *Evaluator { return p.evaluator }

// Bind resolves every field the pipeline and its stages read.
func (p *Pipeline) Bind(schema *model.Schema) error {
	if schema == nil {
		return errors.New("cannot bind to a nil schema")
	}
	features, err := bindFeatures(schema)
	if err != nil {
		return err
	}
	for _, s := range p.stages {
		if err := s.Bind(schema); err != nil {
			return err
		}
	}
	p.features = features
	p.packets = features.packets
	p.packetsRev = features.packetsRev
	if p.cfg.TCPFlagsFilter {
		for name, id := range map[string]*model.FieldID{"TLS_SNI": &p.sni, "TCP_FLAGS": &p.tcpFlags, "TCP_FLAGS_REV": &p.tcpFlagsRv} {
			if *id, err = schema.Lookup(name); err != nil {
				return fmt.Errorf("tcp flags filter: %w", err)
			}
		}
	}
	p.label = model.NoField
	if p.cfg.Debug && schema.Has("LABEL") {
		p.label, _ = schema.Lookup("LABEL")
	}
	p.output = bindOutput(schema)
	p.schema = schema
	return nil
}

// Prefilter reports whether a flow carries too few packets in either direction
// to be classified.
func (p *Pipeline) Prefilter(r *model.Record) bool {
	return r.Uint(p.packets) < p.cfg.MinPackets || r.Uint(p.packetsRev) < p.cfg.MinPackets
}

// FlagsFiltered reports whether a flow without a server name saw FIN or RST in
// either direction. It is always false when the filter is disabled.
func (p *Pipeline) FlagsFiltered(r *model.Record) bool {
	if !p.cfg.TCPFlagsFilter || r.String(p.sni) != "" {
		return false
	}
	return (r.Uint(p.tcpFlags)|r.Uint(p.tcpFlagsRv))&(flagFIN|flagRST) != 0
}

// Add buffers one flow and decides the whole buffer once it is full.
func (p *Pipeline) Add(ctx context.Context, r *model.Record) error {
	if !r.Schema.Equal(p.schema) {
		// Stages are bound per schema, so the old batch is decided first.
		if err := p.flushForRebind(ctx); err != nil {
			return err
		}
		if err := p.Bind(r.Schema); err != nil {
			return err
		}
	}
	if p.Prefilter(r) {
		return nil
	}
	p.buffer = append(p.buffer, &Candidate{Record: r, Features: p.features.extract(r)})
	if len(p.buffer) >= p.cfg.BufferSize {
		return p.Flush(ctx)
	}
	return nil
}

// Flush decides every buffered flow and writes the reported ones in one batch.
// When the scorer fails, flows already decided without a score are still
// written and the undecided ones stay buffered for the next flush.
func (p *Pipeline) Flush(ctx context.Context) error {
	if len(p.buffer) == 0 {
		return nil
	}
	batch := p.buffer
	p.buffer = make([]*Candidate, 0, p.cfg.BufferSize)

	// 1. Run every stage that needs no score; stop each flow at the first scored stage.
	var pending []*Candidate
	for _, c := range batch {
		if p.advance(c, false) {
			continue
		}
		if p.FlagsFiltered(c.Record) {
			c.Prediction, c.Path, c.decided = false, PathTCPFlags, true
			continue
		}
		pending = append(pending, c)
	}

	// 2. Score the undecided flows in one call.
	scoreErr := p.score(ctx, pending)
	if scoreErr != nil {
		p.requeue(pending)
	}

	// 3. Count and report.
	detectTime := p.now()
	var alerts []*model.Alert
	decided := 0
	for _, c := range batch {
		if !c.decided {
			continue
		}
		decided++
		label := ""
		if p.label != model.NoField {
			label = c.Record.String(p.label)
		}
		p.evaluator.Add(c.Path, c.Prediction, label)
		if p.metrics != nil {
			p.metrics.Decisions.WithLabelValues(c.Path, strconv.FormatBool(c.Prediction)).Inc()
		}
		if c.Prediction || p.cfg.Debug {
			alerts = append(alerts, p.alert(c, detectTime))
		}
	}
	log.Debug().Int("flows", len(batch)).Int("decided", decided).Int("reported", len(alerts)).Msg("batch classified")

	if err := p.writer.Write(ctx, alerts); err != nil {
		return errors.Join(scoreErr, fmt.Errorf("failed to write %d alerts: %w", len(alerts), err))
	}
	return scoreErr
}

// flushForRebind decides the buffer before a schema change. Flows left
// undecided by a scorer failure cannot be carried over to the new binding.
func (p *Pipeline) flushForRebind(ctx context.Context) error {
	err := p.Flush(ctx)
	if len(p.buffer) > 0 {
		log.Warn().Int("dropped", len(p.buffer)).Msg("schema changed with unscored flows buffered, dropping them")
		p.buffer = p.buffer[:0]
	}
	return err
}

// score queries the model once for every pending flow and finishes their walk
// through the chain. On error no candidate is touched.
func (p *Pipeline) score(ctx context.Context, pending []*Candidate) error {
	if len(pending) == 0 {
		return nil
	}
	vectors := make([][]float64, len(pending))
	for i, c := range pending {
		vectors[i] = c.Features
	}
	scores, err := p.scorer.Score(ctx, vectors)
	if err != nil {
		return fmt.Errorf("failed to score %d flows: %w", len(pending), err)
	}
	if len(scores) != len(pending) {
		return fmt.Errorf("scorer returned %d scores for %d flows", len(scores), len(pending))
	}
	for i, c := range pending {
		c.Score = scores[i]
		p.advance(c, true)
	}
	return nil
}

// requeue puts undecided flows back in front of the buffer. The buffer never
// grows past its size; the oldest flows are dropped first.
func (p *Pipeline) requeue(pending []*Candidate) {
	buffer := append(pending, p.buffer...)
	if over := len(buffer) - p.cfg.BufferSize; over > 0 {
		log.Warn().Int("dropped", over).Msg("scorer unavailable, dropping oldest buffered flows")
		buffer = buffer[over:]
	}
	p.buffer = buffer
}

// advance walks c through the chain from its current stage. Without a score it
// stops in front of the first stage that needs one and returns false.
func (p *Pipeline) advance(c *Candidate, scored bool) bool {
	for ; c.stage < len(p.stages); c.stage++ {
		s := p.stages[c.stage]
		if s.NeedsScore() && !scored {
			return false
		}
		if s.Accept(c) {
			c.Prediction = s.Predict(c)
			c.Path = s.Name()
			c.decided = true
			return true
		}
	}
	return true
}

// Run consumes src until end of stream or cancellation, flushing the remainder
// and logging the decision summary either way.
func (p *Pipeline) Run(ctx context.Context, src model.Source) error {
	if schema := src.Schema(); schema != nil {
		if err := p.Bind(schema); err != nil {
			return err
		}
	}
	defer p.evaluator.LogSummary()
	for {
		r, err := src.Next(ctx)
		switch {
		case err == nil:
			if err := p.Add(ctx, r); err != nil {
				log.Error().Err(err).Msg("batch classification failed")
			}
		case errors.Is(err, model.ErrSchemaChanged):
			if err := p.flushForRebind(ctx); err != nil {
				log.Error().Err(err).Msg("batch classification failed")
			}
			if err := p.Bind(src.Schema()); err != nil {
				return fmt.Errorf("failed to rebind after schema change: %w", err)
			}
		case errors.Is(err, io.EOF):
			return p.Flush(ctx)
		case ctx.Err() != nil:
			if err := p.Flush(context.WithoutCancel(ctx)); err != nil {
				log.Error().Err(err).Msg("final batch failed")
			}
			return ctx.Err()
		default:
			return fmt.Errorf("failed to read flow record: %w", err)
		}
	}
}

// outputNames are copied from the flow into every report when present.
var outputNames = []string{
	"SRC_IP", "DST_IP", "SRC_PORT", "DST_PORT", "PROTOCOL",
	"PACKETS", "PACKETS_REV", "BYTES", "BYTES_REV",
	"TIME_FIRST", "TIME_LAST", "TLS_SNI",
}

type outputFields struct {
	names []string
	ids   []model.FieldID
	srcIP model.FieldID
}

func bindOutput(schema *model.Schema) outputFields {
	out := outputFields{srcIP: model.NoField}
	for _, name := range outputNames {
		if id, err := schema.Lookup(name); err == nil {
			out.names = append(out.names, name)
			out.ids = append(out.ids, id)
		}
	}
	if schema.Has("LABEL") {
		id, _ := schema.Lookup("LABEL")
		out.names = append(out.names, "LABEL")
		out.ids = append(out.ids, id)
	}
	if id, err := schema.Lookup("SRC_IP"); err == nil {
		out.srcIP = id
	}
	return out
}

func (p *Pipeline) alert(c *Candidate, detectTime time.Time) *model.Alert {
	flow := make(map[string]any, len(p.output.names)+3)
	for i, name := range p.output.names {
		flow[name] = c.Record.Get(p.output.ids[i])
	}
	var prediction uint8
	if c.Prediction {
		prediction = 1
	}
	flow["PREDICTION"] = prediction
	flow["EXPLANATION"] = c.Path
	flow["DETECT_TIME"] = detectTime

	return &model.Alert{
		Address:    c.Record.Addr(p.output.srcIP),
		Rule:       c.Path,
		DetectTime: detectTime,
		Verdicts:   []model.Verdict{{Detector: c.Path, Result: prediction, Explanation: c.Path}},
		Flow:       flow,
	}
}
