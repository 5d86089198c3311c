package sshclf

import (
	"NetFusion/internal/engine/pipeline"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Rule names every SSH report.
const Rule = "SSH"

// Config parameterises a Classifier.
type Config struct {
	BufferSize int
	// Debug copies the packet lists into every report.
	Debug bool
}

// Result is the classification of one SSH session.
type Result struct {
	Auth    AuthResult
	Method  AuthMethod
	Timing  Timing
	Traffic Traffic
	// Category indexes MACCategories, or is -1 when unknown.
	Category int
}

// Classify runs every detector over one session.
func Classify(s *Session, category int) Result {
	auth, method := DetectAuth(s, category)
	return Result{
		Auth:     auth,
		Method:   method,
		Timing:   DetectTiming(s),
		Traffic:  DetectTraffic(s, auth),
		Category: category,
	}
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithMACModel predicts the MAC category of each session from MACFeatures. The
// model answers with an index into MACCategories.
func WithMACModel(m model.Scorer) Option {
	return func(c *Classifier) { c.macModel = m }
}

// WithMetrics counts every classified session.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithClock overrides the source of detect times.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

type candidate struct {
	record  *model.Record
	session *Session
}

type fieldIDs struct {
	content, contentRev model.FieldID
	bytes, bytesRev     model.FieldID
	packets, packetsRev model.FieldID
	directions, flags   model.FieldID
	lengths, times      model.FieldID
	srcSizes, dstSizes  model.FieldID
}

// Classifier buffers SSH sessions and classifies them in batches, so the MAC
// category model is queried once per batch.
type Classifier struct {
	cfg       Config
	writer    model.AlertWriter
	macModel  model.Scorer
	metrics   *metrics.Metrics
	evaluator *pipeline.Evaluator
	now       func() time.Time

	schema *model.Schema
	fields fieldIDs
	output []outputField
	srcIP  model.FieldID

	buffer []candidate
}

// New creates a classifier reporting to writer.
func New(cfg Config, writer model.AlertWriter, opts ...Option) (*Classifier, error) {
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", cfg.BufferSize)
	}
	if writer == nil {
		return nil, errors.New("an alert writer is required")
	}
	c := &Classifier{
		cfg:       cfg,
		writer:    writer,
		evaluator: pipeline.NewEvaluator(),
		now:       time.Now,
		buffer:    make([]candidate, 0, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Evaluator returns the counters, keyed by authentication method with a
// successful login as the positive outcome.
func (c *Classifier) Evaluator() *pipeline.Evaluator { return c.evaluator }

// Bind resolves every field the classifier reads. Size histograms are optional.
func (c *Classifier) Bind(schema *model.Schema) error {
	if schema == nil {
		return errors.New("cannot bind to a nil schema")
	}
	var f fieldIDs
	for name, id := range map[string]*model.FieldID{
		"IDP_CONTENT": &f.content, "IDP_CONTENT_REV": &f.contentRev,
		"BYTES": &f.bytes, "BYTES_REV": &f.bytesRev,
		"PACKETS": &f.packets, "PACKETS_REV": &f.packetsRev,
		"PPI_PKT_DIRECTIONS": &f.directions, "PPI_PKT_FLAGS": &f.flags,
		"PPI_PKT_LENGTHS": &f.lengths, "PPI_PKT_TIMES": &f.times,
	} {
		var err error
		if *id, err = schema.Lookup(name); err != nil {
			return fmt.Errorf("ssh classifier: %w", err)
		}
	}
	f.srcSizes, f.dstSizes = optional(schema, "S_PHISTS_SIZES"), optional(schema, "D_PHISTS_SIZES")
	c.fields = f
	c.output, c.srcIP = bindOutput(schema, c.cfg.Debug), optional(schema, "SRC_IP")
	c.schema = schema
	return nil
}

func optional(schema *model.Schema, name string) model.FieldID {
	id, err := schema.Lookup(name)
	if err != nil {
		return model.NoField
	}
	return id
}

// Session returns the session view of r, or nil when r is not an SSH flow.
func (c *Classifier) Session(r *model.Record) *Session {
	f := c.fields
	directions := r.Floats(f.directions)
	if !IsSSH(r.Bytes(f.content), r.Bytes(f.contentRev), r.Uint(f.bytes), r.Uint(f.bytesRev),
		r.Uint(f.packets), r.Uint(f.packetsRev), directions) {
		return nil
	}
	return NewSession(r.Floats(f.lengths), directions, r.Floats(f.flags), r.Times(f.times),
		r.Floats(f.srcSizes), r.Floats(f.dstSizes))
}

// Add buffers one flow when it is an SSH session and classifies the whole
// buffer once it is full.
func (c *Classifier) Add(ctx context.Context, r *model.Record) error {
	if !r.Schema.Equal(c.schema) {
		if err := c.Flush(ctx); err != nil {
			return err
		}
		if err := c.Bind(r.Schema); err != nil {
			return err
		}
	}
	s := c.Session(r)
	if s == nil {
		return nil
	}
	c.buffer = append(c.buffer, candidate{record: r, session: s})
	if len(c.buffer) >= c.cfg.BufferSize {
		return c.Flush(ctx)
	}
	return nil
}

// Flush classifies every buffered session and writes one report each. A
// failing MAC model only costs precision: the batch falls back to the default
// success size.
func (c *Classifier) Flush(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}
	batch := c.buffer
	c.buffer = make([]candidate, 0, c.cfg.BufferSize)

	categories := c.categories(ctx, batch)
	detectTime := c.now()
	alerts := make([]*model.Alert, 0, len(batch))
	for i, cand := range batch {
		res := Classify(cand.session, categories[i])
		c.evaluator.Add(res.Method.String(), res.Auth == AuthOK, "")
		if c.metrics != nil {
			c.metrics.Decisions.WithLabelValues(Rule+"_"+res.Method.String(), strconv.FormatBool(res.Auth == AuthOK)).Inc()
		}
		alerts = append(alerts, c.alert(cand, res, detectTime))
	}
	log.Debug().Int("sessions", len(batch)).Msg("ssh batch classified")

	if err := c.writer.Write(ctx, alerts); err != nil {
		return fmt.Errorf("failed to write %d alerts: %w", len(alerts), err)
	}
	return nil
}

// categories predicts the MAC category of every session, or -1 for all of
// them without a usable model answer.
func (c *Classifier) categories(ctx context.Context, batch []candidate) []int {
	out := make([]int, len(batch))
	for i := range out {
		out[i] = -1
	}
	if c.macModel == nil {
		return out
	}
	vectors := make([][]float64, len(batch))
	for i, cand := range batch {
		vectors[i] = cand.session.MACFeatures()
	}
	classes, err := c.macModel.Score(ctx, vectors)
	if err == nil && len(classes) != len(batch) {
		err = fmt.Errorf("model returned %d classes for %d sessions", len(classes), len(batch))
	}
	if err != nil {
		log.Warn().Err(err).Int("sessions", len(batch)).Msg("MAC category model failed, using default thresholds")
		return out
	}
	for i, class := range classes {
		if class == math.Trunc(class) && class >= 0 && int(class) < len(MACCategories) {
			out[i] = int(class)
		}
	}
	return out
}

// Run consumes src until end of stream or cancellation, flushing the remainder
// and logging the result summary either way.
func (c *Classifier) Run(ctx context.Context, src model.Source) error {
	if schema := src.Schema(); schema != nil {
		if err := c.Bind(schema); err != nil {
			return err
		}
	}
	defer c.evaluator.LogSummary()
	for {
		r, err := src.Next(ctx)
		switch {
		case err == nil:
			if err := c.Add(ctx, r); err != nil {
				log.Error().Err(err).Msg("ssh batch failed")
			}
		case errors.Is(err, model.ErrSchemaChanged):
			if err := c.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("ssh batch failed")
			}
			if err := c.Bind(src.Schema()); err != nil {
				return fmt.Errorf("failed to rebind after schema change: %w", err)
			}
		case errors.Is(err, io.EOF):
			return c.Flush(ctx)
		case ctx.Err() != nil:
			if err := c.Flush(context.WithoutCancel(ctx)); err != nil {
				log.Error().Err(err).Msg("final ssh batch failed")
			}
			return ctx.Err()
		default:
			return fmt.Errorf("failed to read flow record: %w", err)
		}
	}
}

var (
	outputNames = []string{
		"SRC_IP", "DST_IP", "SRC_PORT", "DST_PORT", "LINK_BIT_FIELD",
		"PACKETS", "PACKETS_REV", "BYTES", "BYTES_REV",
		"TIME_FIRST", "TIME_LAST", "LABEL",
	}
	debugNames = []string{"PPI_PKT_DIRECTIONS", "PPI_PKT_FLAGS", "PPI_PKT_LENGTHS", "PPI_PKT_TIMES"}
)

type outputField struct {
	name string
	id   model.FieldID
}

func bindOutput(schema *model.Schema, debug bool) []outputField {
	names := outputNames
	if debug {
		names = append(append([]string(nil), outputNames...), debugNames...)
	}
	var out []outputField
	for _, name := range names {
		if id, err := schema.Lookup(name); err == nil {
			out = append(out, outputField{name: name, id: id})
		}
	}
	return out
}

func (c *Classifier) alert(cand candidate, res Result, detectTime time.Time) *model.Alert {
	flow := make(map[string]any, len(c.output)+6)
	for _, f := range c.output {
		flow[f.name] = cand.record.Get(f.id)
	}
	mac := ""
	if res.Category >= 0 {
		mac = MACCategories[res.Category].Name
	}
	flow["AUTHENTICATION_RESULT"] = res.Auth.String()
	flow["AUTHENTICATION_METHOD"] = res.Method.String()
	flow["AUTHENTICATION_TIMING"] = res.Timing.String()
	flow["TRAFFIC_CATEGORY"] = res.Traffic.String()
	flow["MAC_CATEGORY"] = mac
	flow["DETECT_TIME"] = detectTime

	return &model.Alert{
		Address:    cand.record.Addr(c.srcIP),
		Rule:       Rule,
		DetectTime: detectTime,
		Verdicts: []model.Verdict{
			{Detector: "AUTHENTICATION", Result: flag(res.Auth == AuthOK), Explanation: res.Auth.String() + "/" + res.Method.String()},
			{Detector: "TIMING", Result: flag(res.Timing == TimingUser), Explanation: res.Timing.String()},
			{Detector: "TRAFFIC", Result: flag(res.Traffic != TrafficOther), Explanation: res.Traffic.String()},
		},
		Flow: flow,
	}
}

func flag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
