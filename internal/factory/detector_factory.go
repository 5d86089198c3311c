package factory

import (
	"NetFusion/internal/config"
	"NetFusion/internal/engine/detector"
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/engine/store"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Deps carries the shared resources detectors are built against.
type Deps struct {
	Size      store.Size
	Blocklist *ipset.Shared
}

// DetectorFactory creates one detector from its definition.
type DetectorFactory func(def config.DetectorDef, deps Deps) (detector.Detector, error)

// registry holds the mapping of detector kinds to their factory functions.
var registry = make(map[string]DetectorFactory)

// RegisterDetector registers a new detector kind with its factory function.
func RegisterDetector(kind string, factory DetectorFactory) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("detector kind '%s' already registered", kind))
	}
	registry[kind] = factory
}

// Create builds the detectors in definition order. IDs must be unique.
func Create(defs []config.DetectorDef, deps Deps) ([]detector.Detector, error) {
	detectors := make([]detector.Detector, 0, len(defs))
	seen := make(map[string]bool, len(defs))

	for _, def := range defs {
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate detector id '%s'", def.ID)
		}
		seen[def.ID] = true

		factory, ok := registry[def.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown detector kind '%s' for '%s'", def.Kind, def.ID)
		}
		d, err := factory(def, deps)
		if err != nil {
			return nil, fmt.Errorf("error creating detector '%s': %w", def.ID, err)
		}
		log.Debug().Str("id", def.ID).Str("kind", def.Kind).Uint32("threshold", def.Threshold).Msg("detector created")
		detectors = append(detectors, d)
	}
	return detectors, nil
}

// DefaultDefs returns the built-in tunnel detector set.
func DefaultDefs(t config.Thresholds, blocklistThreshold uint32) []config.DetectorDef {
	return []config.DetectorDef{
		{ID: detector.ConfLevelOVPN, Kind: "sticky_conf_level", Field: "OVPN_CONF_LEVEL", Confidence: t.OVPNConfidence, Threshold: t.OVPNConf},
		{ID: detector.ConfLevelWG, Kind: "conf_level", Field: "WG_CONF_LEVEL", Confidence: t.WGConfidence, Threshold: t.WGConf},
		{ID: detector.ConfLevelSSA, Kind: "conf_level", Field: "SSA_CONF_LEVEL", Confidence: t.SSAConfidence, Threshold: t.SSAConf},
		{ID: detector.DefaultPortOVPN, Kind: "port", Port: 1194, Threshold: t.OVPNPort},
		{ID: detector.DefaultPortWG, Kind: "port", Port: 51820, Threshold: t.WGPort},
		{ID: detector.Tor, Kind: "binary", Field: "TOR_DETECTED", Label: "TOR CONNECTIONS", Threshold: t.Tor},
		{ID: detector.Blocklisted, Kind: "blocklist", Threshold: blocklistThreshold},
	}
}

func init() {
	RegisterDetector("port", func(def config.DetectorDef, deps Deps) (detector.Detector, error) {
		if def.Port == 0 {
			return nil, errors.New("port detector needs a non-zero port")
		}
		return detector.NewPort(def.ID, def.Port, def.Threshold, deps.Size, def.Fields...), nil
	})
	RegisterDetector("conf_level", func(def config.DetectorDef, deps Deps) (detector.Detector, error) {
		if def.Field == "" {
			return nil, errors.New("conf_level detector needs a field")
		}
		return detector.NewConfLevel(def.ID, def.Field, def.Confidence, def.Threshold, deps.Size), nil
	})
	RegisterDetector("sticky_conf_level", func(def config.DetectorDef, deps Deps) (detector.Detector, error) {
		if def.Field == "" {
			return nil, errors.New("sticky_conf_level detector needs a field")
		}
		return detector.NewStickyConfLevel(def.ID, def.Field, def.Confidence, def.Threshold, deps.Size), nil
	})
	RegisterDetector("binary", func(def config.DetectorDef, deps Deps) (detector.Detector, error) {
		if def.Field == "" {
			return nil, errors.New("binary detector needs a field")
		}
		label := def.Label
		if label == "" {
			label = def.Field
		}
		return detector.NewBinary(def.ID, def.Field, label, def.Threshold, deps.Size), nil
	})
	RegisterDetector("blocklist", func(def config.DetectorDef, deps Deps) (detector.Detector, error) {
		if deps.Blocklist == nil {
			return nil, errors.New("blocklist detector needs a blocklist set")
		}
		return detector.NewBlocklist(def.ID, deps.Blocklist, def.Threshold, deps.Size), nil
	})
}
