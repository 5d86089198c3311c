// Package detector implements the weak detectors fused by the orchestrator.
//
// A detector classifies one flow at a time and accumulates its weak verdict per
// entity in its own store. Stores are only touched from the flow-processing
// goroutine; reference data shared with a reloader carries its own lock.
package detector

import (
	"NetFusion/internal/engine/store"
	"NetFusion/internal/model"
	"fmt"
	"net/netip"
	"time"
)

// Verdict is a detector's per-entity result.
type Verdict = uint8

const (
	Negative Verdict = 0
	Positive Verdict = 1
	// Strong is reported by detectors that latched a maximum-confidence observation.
	Strong Verdict = 2
)

// Identifiers of the built-in tunnel detectors.
const (
	ConfLevelOVPN   = "CONF_LEVEL_OVPN"
	ConfLevelWG     = "CONF_LEVEL_WG"
	ConfLevelSSA    = "CONF_LEVEL_SSA"
	DefaultPortOVPN = "DEFAULT_PORT_OVPN"
	DefaultPortWG   = "DEFAULT_PORT_WG"
	Tor             = "TOR"
	Blocklisted     = "BLOCKLIST"
)

// Detector is the capability set shared by every weak detector.
type Detector interface {
	// ID names the detector in rules and alert records.
	ID() string
	// Bind resolves the detector's source fields against a schema. It is called
	// at startup and again after every upstream schema change.
	Bind(schema *model.Schema) error
	// Accept is a cheap prefilter run before Update.
	Accept(f *Flow) bool
	// Update folds one flow into the state at c.
	Update(c store.Coordinate, f *Flow)
	// Result reads the current window verdict at c.
	Result(c store.Coordinate) Verdict
	// Explain describes the verdict at c.
	Explain(c store.Coordinate) string
	// Reset clears the window state at c.
	Reset(c store.Coordinate)
	// OnWindowExpired runs once per export before any Result call.
	OnWindowExpired()
}

// Flow is one record seen from the observed entity: Src is always the address
// inside an observed range. When Reversed is set, field reads are mirrored so
// that SRC_x/DST_x and x/x_REV swap.
type Flow struct {
	Record   *model.Record
	Src      netip.Addr
	Dst      netip.Addr
	Time     time.Time
	Reversed bool
}

func (f *Flow) field(id model.FieldID) model.FieldID {
	if f.Reversed && id >= 0 {
		return f.Record.Schema.Mirror(id)
	}
	return id
}

// Uint reads an oriented unsigned field.
func (f *Flow) Uint(id model.FieldID) uint64 { return f.Record.Uint(f.field(id)) }

// Float reads an oriented numeric field.
func (f *Flow) Float(id model.FieldID) float64 { return f.Record.Float(f.field(id)) }

// String reads an oriented string field.
func (f *Flow) String(id model.FieldID) string { return f.Record.String(f.field(id)) }

// base provides the optional parts of the contract.
type base struct {
	id string
}

func (b base) ID() string { return b.id }

func (b base) Accept(*Flow) bool { return true }

func (b base) OnWindowExpired() {}

func (b base) Bind(*model.Schema) error { return nil }

func lookup(schema *model.Schema, detector, name string) (model.FieldID, error) {
	id, err := schema.Lookup(name)
	if err != nil {
		return model.NoField, fmt.Errorf("detector %s: %w", detector, err)
	}
	return id, nil
}

func verdict(count, threshold uint32) Verdict {
	if count >= threshold {
		return Positive
	}
	return Negative
}
