package rules

import (
	"NetFusion/internal/config"
	"NetFusion/internal/engine/detector"
	"errors"
	"fmt"
)

// ErrUnknownDetector is returned when a rule references a detector that is not configured.
var ErrUnknownDetector = errors.New("rule references unknown detector")

// Build turns declarative rule definitions into rule trees. known reports
// whether a detector ID exists.
func Build(defs []config.RuleDef, known func(id string) bool) ([]Rule, error) {
	out := make([]Rule, 0, len(defs))
	for i, def := range defs {
		r, err := build(def, known)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func build(def config.RuleDef, known func(string) bool) (Rule, error) {
	set := 0
	if def.Detector != "" {
		set++
	}
	if len(def.All) > 0 {
		set++
	}
	if len(def.Any) > 0 {
		set++
	}
	if set != 1 {
		return nil, errors.New("exactly one of detector, all or any must be given")
	}

	switch {
	case def.Detector != "":
		if known != nil && !known(def.Detector) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDetector, def.Detector)
		}
		expected := detector.Positive
		if def.Expect != nil {
			expected = *def.Expect
		}
		leaf := NewLeafExpecting(def.Detector, expected)
		if def.Name != "" {
			leaf.Labeled(def.Name)
		}
		return leaf, nil
	case len(def.All) > 0:
		children, err := buildChildren(def.All, known)
		if err != nil {
			return nil, err
		}
		return NewAnd(children...), nil
	default:
		children, err := buildChildren(def.Any, known)
		if err != nil {
			return nil, err
		}
		return NewOr(children...), nil
	}
}

func buildChildren(defs []config.RuleDef, known func(string) bool) ([]Rule, error) {
	children := make([]Rule, 0, len(defs))
	for _, d := range defs {
		child, err := build(d, known)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// Defaults returns the built-in tunnel detection rule set.
func Defaults() []Rule {
	return []Rule{
		NewLeafExpecting(detector.ConfLevelOVPN, detector.Strong).Labeled("OVPN_CONF_LEVEL_100"),
		NewAnd(NewLeaf(detector.ConfLevelOVPN), NewLeaf(detector.ConfLevelSSA)),
		NewAnd(NewLeaf(detector.ConfLevelWG), NewLeaf(detector.ConfLevelSSA)),
		NewLeaf(detector.Tor),
		NewLeaf(detector.Blocklisted),
		NewAnd(NewLeaf(detector.ConfLevelOVPN), NewLeaf(detector.DefaultPortOVPN)),
		NewAnd(NewLeaf(detector.ConfLevelWG), NewLeaf(detector.DefaultPortWG)),
	}
}
