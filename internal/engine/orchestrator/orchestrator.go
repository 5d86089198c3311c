// Package orchestrator drives the fusion engine: it routes each flow to its
// entity coordinate, fans it out to every detector, and on window expiry
// evaluates every rule for every entity of the observed ranges.
package orchestrator

import (
	"NetFusion/internal/engine/detector"
	"NetFusion/internal/engine/rules"
	"NetFusion/internal/engine/store"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Names of the fields the orchestrator itself reads.
const (
	FieldSrcIP    = "SRC_IP"
	FieldDstIP    = "DST_IP"
	FieldTimeLast = "TIME_LAST"
)

// Status is a point-in-time view of the engine for operators.
type Status struct {
	WindowOpen    bool      `json:"window_open"`
	WindowEnd     time.Time `json:"window_end"`
	WindowSize    string    `json:"window_size"`
	FlowsSeen     uint64    `json:"flows_seen"`
	FlowsAccepted uint64    `json:"flows_accepted"`
	Exports       uint64    `json:"exports"`
	Alerts        uint64    `json:"alerts"`
	Entities      uint64    `json:"entities"`
	Schema        string    `json:"schema"`
}

// Index maps observed addresses onto store coordinates. *iprange.Table implements it.
type Index interface {
	Accept(src, dst netip.Addr) (reversed bool, ok bool)
	IndexFor(a netip.Addr) (store.Coordinate, error)
	Addr(c store.Coordinate) netip.Addr
	Size() store.Size
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics reports flow and export counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the source of alert detect times.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the time-window lifecycle. Process, Export and End must be
// called from a single goroutine; Status may be called from any.
type Orchestrator struct {
	table     Index
	size      store.Size
	detectors []detector.Detector
	rules     []rules.Rule
	window    time.Duration
	writer    model.AlertWriter
	metrics   *metrics.Metrics
	now       func() time.Time

	schema   *model.Schema
	srcIP    model.FieldID
	dstIP    model.FieldID
	timeLast model.FieldID

	windowSet bool
	windowEnd time.Time

	mu     sync.Mutex
	status Status
}

// New creates an orchestrator over the observed ranges. Detectors must have been
// built against table.Size().
func New(table Index, detectors []detector.Detector, ruleSet []rules.Rule, window time.Duration, writer model.AlertWriter, opts ...Option) (*Orchestrator, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window size must be a positive duration")
	}
	if writer == nil {
		return nil, errors.New("an alert writer is required")
	}
	o := &Orchestrator{
		table:     table,
		size:      table.Size(),
		detectors: detectors,
		rules:     ruleSet,
		window:    window,
		writer:    writer,
		now:       time.Now,
		srcIP:     model.NoField,
		dstIP:     model.NoField,
		timeLast:  model.NoField,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.status.WindowSize = window.String()
	o.status.Entities = o.size.Total()

	for _, r := range ruleSet {
		log.Info().Str("rule", r.Explain()).Msg("rule registered")
	}
	return o, nil
}

// Rules returns the explanation of every rule in evaluation order.
func (o *Orchestrator) Rules() []string {
	out := make([]string, len(o.rules))
	for i, r := range o.rules {
		out[i] = r.Explain()
	}
	return out
}

// Detectors returns the IDs of every detector in fan-out order.
func (o *Orchestrator) Detectors() []string {
	out := make([]string, len(o.detectors))
	for i, d := range o.detectors {
		out[i] = d.ID()
	}
	return out
}

// Bind resolves every field reference against schema. It runs before the first
// record and again after every upstream schema change.
func (o *Orchestrator) Bind(schema *model.Schema) error {
	if schema == nil {
		return errors.New("cannot bind to a nil schema")
	}
	var err error
	if o.srcIP, err = schema.Lookup(FieldSrcIP); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if o.dstIP, err = schema.Lookup(FieldDstIP); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if o.timeLast, err = schema.Lookup(FieldTimeLast); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	for _, d := range o.detectors {
		if err := d.Bind(schema); err != nil {
			return err
		}
	}

	rebind := o.schema != nil
	o.schema = schema
	o.mu.Lock()
	o.status.Schema = schema.Template()
	o.mu.Unlock()
	if rebind && o.metrics != nil {
		o.metrics.SchemaChanges.Inc()
	}
	log.Debug().Bool("rebind", rebind).Int("fields", schema.Len()).Msg("schema bound")
	return nil
}

// Process folds one record into the current window and exports the window when
// the record's timestamp passes its end. Records outside the observed ranges are
// ignored and do not advance the window.
func (o *Orchestrator) Process(ctx context.Context, rec *model.Record) error {
	if !rec.Schema.Equal(o.schema) {
		if err := o.Bind(rec.Schema); err != nil {
			return err
		}
	}
	o.countFlow(false)
	if o.metrics != nil {
		o.metrics.FlowsReceived.Inc()
	}

	src, dst := rec.Addr(o.srcIP), rec.Addr(o.dstIP)
	reversed, ok := o.table.Accept(src, dst)
	if !ok {
		return nil
	}
	o.countFlow(true)
	if o.metrics != nil {
		o.metrics.FlowsAccepted.Inc()
	}

	// Window arithmetic runs on whole seconds of TIME_LAST.
	at := rec.Time(o.timeLast).Truncate(time.Second)
	flow := &detector.Flow{Record: rec, Src: src, Dst: dst, Time: at, Reversed: reversed}
	if reversed {
		flow.Src, flow.Dst = dst, src
	}

	// 1. Open the first window lazily.
	if !o.windowSet {
		o.openWindow(flow.Time)
	}

	// 2. Resolve the entity. An accepted address must always be indexed.
	c, err := o.table.IndexFor(flow.Src)
	if err != nil {
		panic(fmt.Sprintf("accepted flow has no coordinate: %v", err))
	}

	// 3. Fan out to every detector.
	for _, d := range o.detectors {
		if d.Accept(flow) {
			d.Update(c, flow)
		}
	}

	// 4. The flow that crosses the boundary belongs to the closing window.
	if flow.Time.After(o.windowEnd) {
		err := o.Export(ctx)
		o.openWindow(flow.Time)
		return err
	}
	return nil
}

// Export evaluates every rule for every entity, writes the resulting alerts in
// one flush, and resets every detector. It does not move the window.
func (o *Orchestrator) Export(ctx context.Context) error {
	start := time.Now()
	detectTime := o.now()

	for _, d := range o.detectors {
		d.OnWindowExpired()
	}

	var alerts []*model.Alert
	o.size.Each(func(c store.Coordinate) {
		for _, r := range o.rules {
			for _, d := range o.detectors {
				r.Register(d.ID(), d.Result(c))
			}
			if r.Result() {
				alerts = append(alerts, o.alert(c, r, detectTime))
			}
		}
		for _, d := range o.detectors {
			d.Reset(c)
		}
	})

	o.mu.Lock()
	o.status.Exports++
	o.status.Alerts += uint64(len(alerts))
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.WindowsExported.Inc()
		o.metrics.ExportDuration.Observe(time.Since(start).Seconds())
		for _, a := range alerts {
			o.metrics.Alerts.WithLabelValues(a.Rule).Inc()
		}
	}
	log.Info().Int("alerts", len(alerts)).Dur("took", time.Since(start)).Msg("window exported")

	if err := o.writer.Write(ctx, alerts); err != nil {
		return fmt.Errorf("failed to write %d alerts: %w", len(alerts), err)
	}
	return nil
}

// End runs the final export at end of stream.
func (o *Orchestrator) End(ctx context.Context) error {
	log.Info().Msg("end of stream, running final export")
	return o.Export(ctx)
}

// Run consumes src until end of stream or cancellation. Both run one final
// export. Write failures are logged and do not stop the stream.
func (o *Orchestrator) Run(ctx context.Context, src model.Source) error {
	if schema := src.Schema(); schema != nil {
		if err := o.Bind(schema); err != nil {
			return err
		}
	}
	for {
		rec, err := src.Next(ctx)
		switch {
		case err == nil:
			if err := o.Process(ctx, rec); err != nil {
				log.Error().Err(err).Msg("window export failed")
			}
		case errors.Is(err, model.ErrSchemaChanged):
			if err := o.Bind(src.Schema()); err != nil {
				return fmt.Errorf("failed to rebind after schema change: %w", err)
			}
			log.Info().Str("schema", src.Schema().Template()).Msg("upstream schema changed")
		case errors.Is(err, io.EOF):
			return o.End(ctx)
		case ctx.Err() != nil:
			if endErr := o.End(context.WithoutCancel(ctx)); endErr != nil {
				log.Error().Err(endErr).Msg("final export failed")
			}
			return ctx.Err()
		default:
			return fmt.Errorf("failed to read flow record: %w", err)
		}
	}
}

// Status returns a snapshot of the engine counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) openWindow(t time.Time) {
	o.windowSet = true
	o.windowEnd = t.Add(o.window)
	o.mu.Lock()
	o.status.WindowOpen = true
	o.status.WindowEnd = o.windowEnd
	o.mu.Unlock()
}

func (o *Orchestrator) countFlow(accepted bool) {
	o.mu.Lock()
	if accepted {
		o.status.FlowsAccepted++
	} else {
		o.status.FlowsSeen++
	}
	o.mu.Unlock()
}

func (o *Orchestrator) alert(c store.Coordinate, r rules.Rule, detectTime time.Time) *model.Alert {
	verdicts := make([]model.Verdict, len(o.detectors))
	for i, d := range o.detectors {
		verdicts[i] = model.Verdict{Detector: d.ID(), Result: d.Result(c), Explanation: d.Explain(c)}
	}
	return &model.Alert{
		Address:    o.table.Addr(c),
		Rule:       r.Explain(),
		DetectTime: detectTime,
		Verdicts:   verdicts,
	}
}
