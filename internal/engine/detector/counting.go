package detector

import (
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/engine/store"
	"NetFusion/internal/model"
	"fmt"
)

// Port counts flows where any of the configured port fields equals port.
type Port struct {
	base
	port      uint16
	threshold uint32
	fields    []string
	ids       []model.FieldID
	counts    *store.CounterStore
}

// NewPort creates a port detector. Without fields it looks at SRC_PORT and DST_PORT.
func NewPort(id string, port uint16, threshold uint32, size store.Size, fields ...string) *Port {
	if len(fields) == 0 {
		fields = []string{"SRC_PORT", "DST_PORT"}
	}
	return &Port{
		base:      base{id: id},
		port:      port,
		threshold: threshold,
		fields:    fields,
		counts:    store.NewCounterStore(size),
	}
}

// Bind implements Detector.
func (d *Port) Bind(schema *model.Schema) error {
	ids := make([]model.FieldID, 0, len(d.fields))
	for _, name := range d.fields {
		id, err := lookup(schema, d.id, name)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	d.ids = ids
	return nil
}

// Update implements Detector. A flow counts at most once.
func (d *Port) Update(c store.Coordinate, f *Flow) {
	for _, id := range d.ids {
		if f.Uint(id) == uint64(d.port) {
			d.counts.Increment(c)
			return
		}
	}
}

func (d *Port) Result(c store.Coordinate) Verdict { return verdict(d.counts.Get(c), d.threshold) }

func (d *Port) Explain(c store.Coordinate) string {
	return fmt.Sprintf("%dx PORT %d", d.counts.Get(c), d.port)
}

func (d *Port) Reset(c store.Coordinate) { d.counts.Reset(c) }

// ConfLevel counts flows whose confidence field reaches the probability threshold.
type ConfLevel struct {
	base
	field      string
	fieldID    model.FieldID
	confidence uint64
	threshold  uint32
	counts     *store.CounterStore
}

// NewConfLevel creates a confidence level detector reading field.
func NewConfLevel(id, field string, confidence uint64, threshold uint32, size store.Size) *ConfLevel {
	return &ConfLevel{
		base:       base{id: id},
		field:      field,
		fieldID:    model.NoField,
		confidence: confidence,
		threshold:  threshold,
		counts:     store.NewCounterStore(size),
	}
}

// Bind implements Detector.
func (d *ConfLevel) Bind(schema *model.Schema) error {
	id, err := lookup(schema, d.id, d.field)
	if err != nil {
		return err
	}
	d.fieldID = id
	return nil
}

func (d *ConfLevel) Update(c store.Coordinate, f *Flow) {
	if f.Uint(d.fieldID) >= d.confidence {
		d.counts.Increment(c)
	}
}

func (d *ConfLevel) Result(c store.Coordinate) Verdict { return verdict(d.counts.Get(c), d.threshold) }

func (d *ConfLevel) Explain(c store.Coordinate) string {
	return fmt.Sprintf("%dx CONF_LEVEL >= %d", d.counts.Get(c), d.confidence)
}

func (d *ConfLevel) Reset(c store.Coordinate) { d.counts.Reset(c) }

// MaxConfidence is the confidence value that latches a StickyConfLevel detector.
const MaxConfidence = 100

// StickyConfLevel is a ConfLevel that additionally latches when a flow carries
// MaxConfidence. Once latched, the verdict is Strong until Reset.
type StickyConfLevel struct {
	*ConfLevel
	seen *store.FlagStore
}

// NewStickyConfLevel creates a latching confidence level detector.
func NewStickyConfLevel(id, field string, confidence uint64, threshold uint32, size store.Size) *StickyConfLevel {
	return &StickyConfLevel{
		ConfLevel: NewConfLevel(id, field, confidence, threshold, size),
		seen:      store.NewFlagStore(size),
	}
}

func (d *StickyConfLevel) Update(c store.Coordinate, f *Flow) {
	d.ConfLevel.Update(c, f)
	if f.Uint(d.fieldID) == MaxConfidence {
		d.seen.Set(c)
	}
}

func (d *StickyConfLevel) Result(c store.Coordinate) Verdict {
	if d.seen.IsSet(c) {
		return Strong
	}
	return d.ConfLevel.Result(c)
}

func (d *StickyConfLevel) Explain(c store.Coordinate) string {
	explanation := d.ConfLevel.Explain(c)
	if d.seen.IsSet(c) {
		explanation += fmt.Sprintf(" and %s %d%% SEEN", d.field, MaxConfidence)
	}
	return explanation
}

func (d *StickyConfLevel) Reset(c store.Coordinate) {
	d.ConfLevel.Reset(c)
	d.seen.Reset(c)
}

// Binary counts flows carrying a non-zero upstream flag such as TOR_DETECTED.
type Binary struct {
	base
	field     string
	fieldID   model.FieldID
	label     string
	threshold uint32
	counts    *store.CounterStore
}

// NewBinary creates a binary-signal detector. label is used in explanations,
// e.g. "TOR CONNECTIONS" gives "3x TOR CONNECTIONS".
func NewBinary(id, field, label string, threshold uint32, size store.Size) *Binary {
	return &Binary{
		base:      base{id: id},
		field:     field,
		fieldID:   model.NoField,
		label:     label,
		threshold: threshold,
		counts:    store.NewCounterStore(size),
	}
}

// Bind implements Detector.
func (d *Binary) Bind(schema *model.Schema) error {
	id, err := lookup(schema, d.id, d.field)
	if err != nil {
		return err
	}
	d.fieldID = id
	return nil
}

func (d *Binary) Update(c store.Coordinate, f *Flow) {
	if f.Uint(d.fieldID) != 0 {
		d.counts.Increment(c)
	}
}

func (d *Binary) Result(c store.Coordinate) Verdict { return verdict(d.counts.Get(c), d.threshold) }

func (d *Binary) Explain(c store.Coordinate) string {
	return fmt.Sprintf("%dx %s", d.counts.Get(c), d.label)
}

func (d *Binary) Reset(c store.Coordinate) { d.counts.Reset(c) }

// Blocklist counts flows whose source or destination is in a reloadable set.
type Blocklist struct {
	base
	set       *ipset.Shared
	threshold uint32
	counts    *store.CounterStore
}

// NewBlocklist creates a blocklist detector over a shared set. The set is owned
// jointly with the reloader that refreshes it.
func NewBlocklist(id string, set *ipset.Shared, threshold uint32, size store.Size) *Blocklist {
	return &Blocklist{
		base:      base{id: id},
		set:       set,
		threshold: threshold,
		counts:    store.NewCounterStore(size),
	}
}

// Update implements Detector. Both endpoints are checked against one set version.
func (d *Blocklist) Update(c store.Coordinate, f *Flow) {
	if d.set.Matches(f.Src, f.Dst) > 0 {
		d.counts.Increment(c)
	}
}

func (d *Blocklist) Result(c store.Coordinate) Verdict { return verdict(d.counts.Get(c), d.threshold) }

func (d *Blocklist) Explain(c store.Coordinate) string {
	return fmt.Sprintf("%dx BLOCKLISTED FLOWS", d.counts.Get(c))
}

func (d *Blocklist) Reset(c store.Coordinate) { d.counts.Reset(c) }
