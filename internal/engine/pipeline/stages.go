package pipeline

import (
	"NetFusion/internal/model"
	"fmt"
	"regexp"
)

// Stage is one link of the priority chain. The first stage that accepts a
// candidate decides it; later stages never see it.
type Stage interface {
	// Name is recorded as the explanation of every decision the stage makes.
	Name() string
	Bind(schema *model.Schema) error
	// NeedsScore reports whether Accept or Predict read the candidate's ML score.
	NeedsScore() bool
	Accept(c *Candidate) bool
	Predict(c *Candidate) bool
}

// Names of the built-in stages.
const (
	PathStratum  = "STRATUM"
	PathDST      = "DST"
	PathML       = "ML"
	PathTCPFlags = "TCP_FLAGS"
)

var stratumPattern = regexp.MustCompile(`("(jsonrpc|method|worker)":\s?")|(params":|mining\.(set|not))`)

// Stratum matches mining-protocol requests in the first payload bytes of either direction.
type Stratum struct {
	content    model.FieldID
	contentRev model.FieldID
}

// NewStratum creates the content signature stage.
func NewStratum() *Stratum {
	return &Stratum{content: model.NoField, contentRev: model.NoField}
}

func (s *Stratum) Name() string { return PathStratum }

func (s *Stratum) NeedsScore() bool { return false }

func (s *Stratum) Bind(schema *model.Schema) error {
	var err error
	if s.content, err = schema.Lookup("IDP_CONTENT"); err != nil {
		return fmt.Errorf("stage %s: %w", PathStratum, err)
	}
	if s.contentRev, err = schema.Lookup("IDP_CONTENT_REV"); err != nil {
		return fmt.Errorf("stage %s: %w", PathStratum, err)
	}
	return nil
}

func (s *Stratum) Accept(c *Candidate) bool {
	return stratumPattern.Match(c.Record.Bytes(s.content)) || stratumPattern.Match(c.Record.Bytes(s.contentRev))
}

func (s *Stratum) Predict(*Candidate) bool { return true }

// DST fuses the server name score with the ML probability for TLS flows.
type DST struct {
	sni       model.FieldID
	threshold float64
}

// NewDST creates the Dempster-Shafer stage. A flow is positive when the
// combined belief is strictly greater than threshold.
func NewDST(threshold float64) *DST {
	return &DST{sni: model.NoField, threshold: threshold}
}

func (d *DST) Name() string { return PathDST }

func (d *DST) NeedsScore() bool { return true }

func (d *DST) Bind(schema *model.Schema) error {
	var err error
	if d.sni, err = schema.Lookup("TLS_SNI"); err != nil {
		return fmt.Errorf("stage %s: %w", PathDST, err)
	}
	return nil
}

func (d *DST) Accept(c *Candidate) bool { return c.Record.String(d.sni) != "" }

func (d *DST) Predict(c *Candidate) bool {
	c.SNIScore = SNIScore(c.Record.String(d.sni))
	c.Combined = DempsterShafer(c.SNIScore, c.Score)
	return c.Combined > d.threshold
}

// ML decides every remaining flow from the model probability alone.
type ML struct {
	threshold float64
}

// NewML creates the fallback stage. A flow is positive when its probability is
// at least threshold.
func NewML(threshold float64) *ML {
	return &ML{threshold: threshold}
}

func (m *ML) Name() string { return PathML }

func (m *ML) NeedsScore() bool { return true }

func (m *ML) Bind(*model.Schema) error { return nil }

func (m *ML) Accept(*Candidate) bool { return true }

func (m *ML) Predict(c *Candidate) bool { return c.Score >= m.threshold }

var (
	shortNamePattern = regexp.MustCompile(`[.-](btc|eth|xmr|rvn)|(btc|eth|xmr|rvn)[.-]`)
	keywordPattern   = regexp.MustCompile(`mine|pool|mining`)
)

// SNIScore rates a TLS server name: the mean of a cryptocurrency short-name hit
// and a mining keyword hit, so 0, 0.5 or 1.
func SNIScore(sni string) float64 {
	var score float64
	if shortNamePattern.MatchString(sni) {
		score++
	}
	if keywordPattern.MatchString(sni) {
		score++
	}
	return score / 2
}

// DempsterShafer combines independent binary beliefs: prod(p) / (prod(p) + prod(1-p)).
// Total conflict yields 0.
func DempsterShafer(beliefs ...float64) float64 {
	if len(beliefs) == 0 {
		return 0
	}
	pos, neg := 1.0, 1.0
	for _, p := range beliefs {
		pos *= p
		neg *= 1 - p
	}
	if pos+neg == 0 {
		return 0
	}
	return pos / (pos + neg)
}

// DefaultStages returns the cryptomining chain: STRATUM, then DST, then ML.
func DefaultStages(dstThreshold, mlThreshold float64) []Stage {
	return []Stage{NewStratum(), NewDST(dstThreshold), NewML(mlThreshold)}
}
