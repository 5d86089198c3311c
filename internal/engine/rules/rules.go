// Package rules evaluates boolean combinations of weak detector verdicts.
//
// A rule tree is built once and reused for every entity and window. Before
// reading Result for an entity, every detector verdict for that entity must be
// registered; composites forward registrations to all children so the caller
// never needs to know the tree shape.
package rules

import (
	"NetFusion/internal/engine/detector"
	"strconv"
	"strings"
)

// Rule is a node of a rule tree.
type Rule interface {
	// Register records the latest verdict of detector id. Last write wins.
	Register(id string, v detector.Verdict)
	// Result evaluates the rule over the registered verdicts.
	Result() bool
	// Explain returns the human readable form of the rule.
	Explain() string
	// Detectors lists every detector ID the rule references.
	Detectors() []string
}

// Leaf fires when the registered verdict of one detector equals the expected value.
type Leaf struct {
	id       string
	label    string
	expected detector.Verdict
	value    detector.Verdict
}

// NewLeaf creates a leaf expecting detector.Positive.
func NewLeaf(id string) *Leaf {
	return NewLeafExpecting(id, detector.Positive)
}

// NewLeafExpecting creates a leaf expecting a specific verdict.
func NewLeafExpecting(id string, expected detector.Verdict) *Leaf {
	return &Leaf{id: id, expected: expected}
}

func (l *Leaf) Register(id string, v detector.Verdict) {
	if id == l.id {
		l.value = v
	}
}

func (l *Leaf) Result() bool { return l.value == l.expected }

// Labeled overrides the explanation of the leaf. It must be called before the
// leaf is composed, since composites capture explanations at construction.
func (l *Leaf) Labeled(label string) *Leaf {
	l.label = label
	return l
}

// Explain returns the label, or the detector ID suffixed with the expected
// verdict when it is not the generic positive.
func (l *Leaf) Explain() string {
	switch {
	case l.label != "":
		return l.label
	case l.expected == detector.Positive:
		return l.id
	}
	return l.id + "=" + strconv.Itoa(int(l.expected))
}

func (l *Leaf) Detectors() []string { return []string{l.id} }

type composite struct {
	children    []Rule
	explanation string
}

func newComposite(op string, children []Rule) composite {
	c := composite{children: children}
	switch len(children) {
	case 0:
		c.explanation = "Empty"
	case 1:
		c.explanation = children[0].Explain()
	default:
		parts := make([]string, len(children))
		for i, child := range children {
			parts[i] = child.Explain()
		}
		c.explanation = "(" + strings.Join(parts, " "+op+" ") + ")"
	}
	return c
}

func (c *composite) Register(id string, v detector.Verdict) {
	for _, child := range c.children {
		child.Register(id, v)
	}
}

func (c *composite) Explain() string { return c.explanation }

func (c *composite) Detectors() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, child := range c.children {
		for _, id := range child.Detectors() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// And fires when every child fires. An empty And never fires.
type And struct{ composite }

// NewAnd combines children with logical AND.
func NewAnd(children ...Rule) *And {
	return &And{newComposite("&&", children)}
}

// Result is true when no child is false, so an empty And always fires.
func (a *And) Result() bool {
	for _, child := range a.children {
		if !child.Result() {
			return false
		}
	}
	return true
}

// Or fires when any child fires.
type Or struct{ composite }

// NewOr combines children with logical OR.
func NewOr(children ...Rule) *Or {
	return &Or{newComposite("||", children)}
}

func (o *Or) Result() bool {
	for _, child := range o.children {
		if child.Result() {
			return true
		}
	}
	return false
}
