package rules

import (
	"NetFusion/internal/config"
	"NetFusion/internal/engine/detector"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaf_EqualityAndLastWriteWins(t *testing.T) {
	l := NewLeaf("A")
	assert.False(t, l.Result())

	l.Register("B", detector.Positive)
	assert.False(t, l.Result())

	l.Register("A", detector.Positive)
	assert.True(t, l.Result())

	l.Register("A", detector.Strong)
	assert.False(t, l.Result(), "leaf compares for equality")

	l.Register("A", detector.Positive)
	l.Register("A", detector.Positive)
	assert.True(t, l.Result())
}

func TestComposite_TruthTables(t *testing.T) {
	cases := []struct {
		a, b            detector.Verdict
		wantAnd, wantOr bool
	}{
		{0, 0, false, false},
		{1, 0, false, true},
		{0, 1, false, true},
		{1, 1, true, true},
	}
	and := NewAnd(NewLeaf("A"), NewLeaf("B"))
	or := NewOr(NewLeaf("A"), NewLeaf("B"))
	for _, c := range cases {
		for _, r := range []Rule{and, or} {
			r.Register("A", c.a)
			r.Register("B", c.b)
		}
		assert.Equal(t, c.wantAnd, and.Result(), "and(%d,%d)", c.a, c.b)
		assert.Equal(t, c.wantOr, or.Result(), "or(%d,%d)", c.a, c.b)
	}
}

func TestComposite_NestedForwardingIgnoresShape(t *testing.T) {
	r := NewOr(
		NewAnd(NewLeaf("A"), NewOr(NewLeaf("B"), NewLeafExpecting("C", detector.Strong))),
		NewLeaf("D"),
	)
	for _, id := range []string{"A", "B", "C", "D"} {
		r.Register(id, detector.Negative)
	}
	assert.False(t, r.Result())

	r.Register("A", detector.Positive)
	r.Register("C", detector.Strong)
	assert.True(t, r.Result())
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, r.Detectors())
}

func TestExplanations(t *testing.T) {
	assert.Equal(t, "Empty", NewAnd().Explain())
	assert.Equal(t, "Empty", NewOr().Explain())
	assert.Equal(t, "A", NewAnd(NewLeaf("A")).Explain())
	assert.Equal(t, "(A && B)", NewAnd(NewLeaf("A"), NewLeaf("B")).Explain())
	assert.Equal(t, "(A || (B && C=2))",
		NewOr(NewLeaf("A"), NewAnd(NewLeaf("B"), NewLeafExpecting("C", 2))).Explain())
	assert.Equal(t, "OVPN_CONF_LEVEL_100", NewLeafExpecting("X", 2).Labeled("OVPN_CONF_LEVEL_100").Explain())
}

func TestEmptyComposites(t *testing.T) {
	assert.True(t, NewAnd().Result(), "empty conjunction")
	assert.False(t, NewOr().Result(), "empty disjunction")
}

func TestDefaults(t *testing.T) {
	want := []string{
		"OVPN_CONF_LEVEL_100",
		"(CONF_LEVEL_OVPN && CONF_LEVEL_SSA)",
		"(CONF_LEVEL_WG && CONF_LEVEL_SSA)",
		"TOR",
		"BLOCKLIST",
		"(CONF_LEVEL_OVPN && DEFAULT_PORT_OVPN)",
		"(CONF_LEVEL_WG && DEFAULT_PORT_WG)",
	}
	var got []string
	for _, r := range Defaults() {
		got = append(got, r.Explain())
	}
	assert.Equal(t, want, got)

	strong := Defaults()[0]
	strong.Register(detector.ConfLevelOVPN, detector.Positive)
	assert.False(t, strong.Result())
	strong.Register(detector.ConfLevelOVPN, detector.Strong)
	assert.True(t, strong.Result())
}

func TestBuild(t *testing.T) {
	two := uint8(2)
	defs := []config.RuleDef{
		{Detector: "CONF_LEVEL_OVPN", Expect: &two, Name: "OVPN_CONF_LEVEL_100"},
		{All: []config.RuleDef{{Detector: "CONF_LEVEL_WG"}, {Any: []config.RuleDef{{Detector: "TOR"}, {Detector: "BLOCKLIST"}}}}},
	}
	known := func(id string) bool { return id != "MISSING" }

	built, err := Build(defs, known)
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "OVPN_CONF_LEVEL_100", built[0].Explain())
	assert.Equal(t, "(CONF_LEVEL_WG && (TOR || BLOCKLIST))", built[1].Explain())

	_, err = Build([]config.RuleDef{{Detector: "MISSING"}}, known)
	assert.True(t, errors.Is(err, ErrUnknownDetector))

	_, err = Build([]config.RuleDef{{Detector: "TOR", All: []config.RuleDef{{Detector: "TOR"}}}}, known)
	assert.Error(t, err)

	_, err = Build([]config.RuleDef{{}}, known)
	assert.Error(t, err)
}
