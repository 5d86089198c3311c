package detector

import (
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/engine/store"
	"NetFusion/internal/model"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = model.MustSchema(
	model.Field{Name: "SRC_IP", Type: model.TypeAddr},
	model.Field{Name: "DST_IP", Type: model.TypeAddr},
	model.Field{Name: "SRC_PORT", Type: model.TypeUint},
	model.Field{Name: "DST_PORT", Type: model.TypeUint},
	model.Field{Name: "OVPN_CONF_LEVEL", Type: model.TypeUint},
	model.Field{Name: "TOR_DETECTED", Type: model.TypeUint},
	model.Field{Name: "BYTES", Type: model.TypeUint},
	model.Field{Name: "BYTES_REV", Type: model.TypeUint},
)

var (
	size = store.Size{Slots: []uint32{4}}
	at   = store.Coordinate{Slot: 2}
)

func flow(t *testing.T, values map[string]any) *Flow {
	t.Helper()
	rec := model.NewRecord(testSchema)
	for k, v := range values {
		require.NoError(t, rec.SetByName(k, v))
	}
	return &Flow{Record: rec, Src: rec.Addr(0), Dst: rec.Addr(1)}
}

func TestPort_ThresholdIsInclusive(t *testing.T) {
	d := NewPort(DefaultPortOVPN, 1194, 2, size)
	require.NoError(t, d.Bind(testSchema))

	f := flow(t, map[string]any{"DST_PORT": 1194, "SRC_PORT": 40000})
	d.Update(at, f)
	assert.Equal(t, Negative, d.Result(at))
	assert.Equal(t, "1x PORT 1194", d.Explain(at))

	d.Update(at, f)
	assert.Equal(t, Positive, d.Result(at))
	assert.Equal(t, "2x PORT 1194", d.Explain(at))
	assert.Equal(t, Negative, d.Result(store.Coordinate{Slot: 1}))
}

func TestPort_CountsOncePerFlow(t *testing.T) {
	d := NewPort(DefaultPortWG, 51820, 5, size)
	require.NoError(t, d.Bind(testSchema))

	d.Update(at, flow(t, map[string]any{"SRC_PORT": 51820, "DST_PORT": 51820}))
	assert.Equal(t, "1x PORT 51820", d.Explain(at))
	d.Update(at, flow(t, map[string]any{"SRC_PORT": 443, "DST_PORT": 80}))
	assert.Equal(t, "1x PORT 51820", d.Explain(at))
}

func TestPort_BindFailsOnMissingField(t *testing.T) {
	d := NewPort(DefaultPortWG, 51820, 5, size, "L4_PORT")
	assert.ErrorIs(t, d.Bind(testSchema), model.ErrUnknownField)
}

func TestConfLevel_CountsAtOrAboveConfidence(t *testing.T) {
	d := NewConfLevel(ConfLevelWG, "OVPN_CONF_LEVEL", 50, 2, size)
	require.NoError(t, d.Bind(testSchema))

	d.Update(at, flow(t, map[string]any{"OVPN_CONF_LEVEL": 49}))
	d.Update(at, flow(t, map[string]any{"OVPN_CONF_LEVEL": 50}))
	assert.Equal(t, Negative, d.Result(at))
	d.Update(at, flow(t, map[string]any{"OVPN_CONF_LEVEL": 99}))
	assert.Equal(t, Positive, d.Result(at))
	assert.Equal(t, "2x CONF_LEVEL >= 50", d.Explain(at))
}

func TestStickyConfLevel_OverridesUntilReset(t *testing.T) {
	d := NewStickyConfLevel(ConfLevelOVPN, "OVPN_CONF_LEVEL", 50, 5, size)
	require.NoError(t, d.Bind(testSchema))

	d.Update(at, flow(t, map[string]any{"OVPN_CONF_LEVEL": 100}))
	assert.Equal(t, Strong, d.Result(at))
	assert.Equal(t, "1x CONF_LEVEL >= 50 and OVPN_CONF_LEVEL 100% SEEN", d.Explain(at))

	d.Update(at, flow(t, map[string]any{"OVPN_CONF_LEVEL": 0}))
	assert.Equal(t, Strong, d.Result(at))

	d.Reset(at)
	assert.Equal(t, Negative, d.Result(at))
	assert.Equal(t, "0x CONF_LEVEL >= 50", d.Explain(at))
}

func TestBinary_CountsFlaggedFlows(t *testing.T) {
	d := NewBinary(Tor, "TOR_DETECTED", "TOR CONNECTIONS", 1, size)
	require.NoError(t, d.Bind(testSchema))

	d.Update(at, flow(t, map[string]any{"TOR_DETECTED": 0}))
	assert.Equal(t, Negative, d.Result(at))
	d.Update(at, flow(t, map[string]any{"TOR_DETECTED": 1}))
	assert.Equal(t, Positive, d.Result(at))
	assert.Equal(t, "1x TOR CONNECTIONS", d.Explain(at))
}

func TestBlocklist_CountsOncePerFlow(t *testing.T) {
	bad := netip.MustParseAddr("6.6.6.6")
	set := ipset.NewShared(ipset.New([]netip.Addr{bad}, nil))
	d := NewBlocklist(Blocklisted, set, 2, size)
	require.NoError(t, d.Bind(testSchema))

	d.Update(at, flow(t, map[string]any{"SRC_IP": "10.0.0.2", "DST_IP": "6.6.6.6"}))
	assert.Equal(t, "1x BLOCKLISTED FLOWS", d.Explain(at))
	d.Update(at, flow(t, map[string]any{"SRC_IP": "6.6.6.6", "DST_IP": "6.6.6.6"}))
	assert.Equal(t, "2x BLOCKLISTED FLOWS", d.Explain(at))
	assert.Equal(t, Positive, d.Result(at))
	d.Update(at, flow(t, map[string]any{"SRC_IP": "10.0.0.2", "DST_IP": "7.7.7.7"}))
	assert.Equal(t, "2x BLOCKLISTED FLOWS", d.Explain(at))
}

func TestReset_ReturnsToZeroObservations(t *testing.T) {
	set := ipset.NewShared(ipset.New(nil, []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}))
	detectors := []Detector{
		NewPort(DefaultPortOVPN, 1194, 1, size),
		NewConfLevel(ConfLevelSSA, "OVPN_CONF_LEVEL", 1, 1, size),
		NewStickyConfLevel(ConfLevelOVPN, "OVPN_CONF_LEVEL", 1, 1, size),
		NewBinary(Tor, "TOR_DETECTED", "TOR CONNECTIONS", 1, size),
		NewBlocklist(Blocklisted, set, 1, size),
	}
	f := flow(t, map[string]any{
		"SRC_IP": "10.0.0.2", "DST_IP": "1.1.1.1", "DST_PORT": 1194, "OVPN_CONF_LEVEL": 100, "TOR_DETECTED": 1,
	})
	for _, d := range detectors {
		require.NoError(t, d.Bind(testSchema))
		d.Update(at, f)
		require.NotEqual(t, Negative, d.Result(at), d.ID())
		d.Reset(at)
		assert.Equal(t, Negative, d.Result(at), d.ID())
		assert.Regexp(t, `^0x `, d.Explain(at), d.ID())
		assert.NotContains(t, d.Explain(at), "SEEN", d.ID())
	}
}

func TestFlow_ReversedMirrorsFields(t *testing.T) {
	f := flow(t, map[string]any{"SRC_PORT": 1, "DST_PORT": 2, "BYTES": 10, "BYTES_REV": 20, "TOR_DETECTED": 1})
	srcPort, _ := testSchema.Lookup("SRC_PORT")
	bytes, _ := testSchema.Lookup("BYTES")
	tor, _ := testSchema.Lookup("TOR_DETECTED")

	assert.Equal(t, uint64(1), f.Uint(srcPort))
	assert.Equal(t, uint64(10), f.Uint(bytes))
	f.Reversed = true
	assert.Equal(t, uint64(2), f.Uint(srcPort))
	assert.Equal(t, uint64(20), f.Uint(bytes))
	assert.Equal(t, uint64(1), f.Uint(tor))
}
