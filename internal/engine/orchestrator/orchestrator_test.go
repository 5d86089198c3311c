package orchestrator

import (
	"NetFusion/internal/engine/detector"
	"NetFusion/internal/engine/iprange"
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/engine/rules"
	"NetFusion/internal/engine/store"
	"NetFusion/internal/model"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	window = 10 * time.Minute

	flowSchema = model.MustSchema(
		model.Field{Name: "SRC_IP", Type: model.TypeAddr},
		model.Field{Name: "DST_IP", Type: model.TypeAddr},
		model.Field{Name: "SRC_PORT", Type: model.TypeUint},
		model.Field{Name: "DST_PORT", Type: model.TypeUint},
		model.Field{Name: "TIME_LAST", Type: model.TypeTime},
	)
)

type collector struct {
	flushes [][]*model.Alert
}

func (c *collector) Write(_ context.Context, alerts []*model.Alert) error {
	c.flushes = append(c.flushes, alerts)
	return nil
}

func (c *collector) all() []*model.Alert {
	var out []*model.Alert
	for _, f := range c.flushes {
		out = append(out, f...)
	}
	return out
}

func record(t testing.TB, schema *model.Schema, src, dst string, dstPort int, at time.Time) *model.Record {
	t.Helper()
	rec := model.NewRecord(schema)
	require.NoError(t, rec.SetByName("SRC_IP", src))
	require.NoError(t, rec.SetByName("DST_IP", dst))
	require.NoError(t, rec.SetByName("SRC_PORT", 40000))
	require.NoError(t, rec.SetByName("DST_PORT", dstPort))
	require.NoError(t, rec.SetByName("TIME_LAST", at))
	return rec
}

func newPortEngine(t testing.TB, threshold uint32) (*Orchestrator, *collector, *detector.Port) {
	t.Helper()
	table := iprange.NewTable(iprange.MustParseRange("10.0.0.0", "24"))
	port := detector.NewPort(detector.DefaultPortOVPN, 1194, threshold, table.Size())
	out := &collector{}
	o, err := New(table, []detector.Detector{port}, []rules.Rule{rules.NewLeaf(detector.DefaultPortOVPN)}, window, out,
		WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	require.NoError(t, o.Bind(flowSchema))
	return o, out, port
}

func TestProcess_BoundaryFlowStaysInWindow(t *testing.T) {
	o, out, _ := newPortEngine(t, 1)
	ctx := context.Background()

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0)))
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0.Add(window))))
	assert.Empty(t, out.flushes, "a flow at exactly the window end does not close it")

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.6", "8.8.8.8", 1194, t0.Add(window+time.Second))))
	require.Len(t, out.flushes, 1)
	alerts := out.flushes[0]
	require.Len(t, alerts, 2, "the crossing flow is counted in the closing window")
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), alerts[0].Address)
	assert.Equal(t, "2x PORT 1194", alerts[0].Verdicts[0].Explanation)
	assert.Equal(t, netip.MustParseAddr("10.0.0.6"), alerts[1].Address)

	status := o.Status()
	assert.Equal(t, t0.Add(2*window+time.Second), status.WindowEnd)
	assert.Equal(t, uint64(1), status.Exports)
}

func TestProcess_WindowUsesWholeSeconds(t *testing.T) {
	o, out, _ := newPortEngine(t, 1)
	ctx := context.Background()

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0.Add(300*time.Millisecond))))
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0.Add(window+900*time.Millisecond))))
	assert.Empty(t, out.flushes, "a flow within the boundary second does not close the window")
	assert.Equal(t, t0.Add(window), o.Status().WindowEnd)

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0.Add(window+time.Second))))
	assert.Len(t, out.flushes, 1)
}

func TestProcess_IgnoredFlowsDoNotOpenWindow(t *testing.T) {
	o, out, _ := newPortEngine(t, 1)
	ctx := context.Background()

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "192.168.1.1", "8.8.8.8", 1194, t0)))
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "192.168.1.1", "8.8.8.8", 1194, t0.Add(time.Hour))))

	assert.Empty(t, out.flushes)
	status := o.Status()
	assert.False(t, status.WindowOpen)
	assert.Equal(t, uint64(2), status.FlowsSeen)
	assert.Zero(t, status.FlowsAccepted)
}

func TestScenarioA_PortDetectorOverOneWindow(t *testing.T) {
	o, out, _ := newPortEngine(t, 2)
	ctx := context.Background()

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0)))
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "1.1.1.1", 1194, t0.Add(time.Minute))))
	require.NoError(t, o.End(ctx))

	alerts := out.all()
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), a.Address)
	assert.Equal(t, detector.DefaultPortOVPN, a.Rule)
	assert.Equal(t, t0, a.DetectTime)
	assert.Equal(t, []model.Verdict{{Detector: detector.DefaultPortOVPN, Result: detector.Positive, Explanation: "2x PORT 1194"}}, a.Verdicts)
}

func TestScenarioB_BlocklistCountsSourceSideOnce(t *testing.T) {
	table := iprange.NewTable(iprange.MustParseRange("10.0.0.0", "24"))
	set := ipset.NewShared(ipset.New([]netip.Addr{netip.MustParseAddr("203.0.113.9")}, nil))
	bl := detector.NewBlocklist(detector.Blocklisted, set, 3, table.Size())
	out := &collector{}
	o, err := New(table, []detector.Detector{bl}, []rules.Rule{rules.NewLeaf(detector.Blocklisted)}, window, out)
	require.NoError(t, err)
	ctx := context.Background()

	entity, err := table.IndexFor(netip.MustParseAddr("10.0.0.7"))
	require.NoError(t, err)

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.7", "203.0.113.9", 443, t0)))
	assert.Equal(t, "1x BLOCKLISTED FLOWS", bl.Explain(entity))

	// Seen from the other side the observed entity is still 10.0.0.7.
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "203.0.113.9", "10.0.0.7", 443, t0.Add(time.Second))))
	assert.Equal(t, "2x BLOCKLISTED FLOWS", bl.Explain(entity))

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.7", "198.51.100.1", 443, t0.Add(2*time.Second))))
	assert.Equal(t, "2x BLOCKLISTED FLOWS", bl.Explain(entity))

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.7", "203.0.113.9", 443, t0.Add(3*time.Second))))
	require.NoError(t, o.End(ctx))

	alerts := out.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), alerts[0].Address)
	assert.Equal(t, "3x BLOCKLISTED FLOWS", alerts[0].Verdicts[0].Explanation)
}

func TestExport_IdempotentAfterReset(t *testing.T) {
	o, out, port := newPortEngine(t, 1)
	ctx := context.Background()

	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0)))
	require.NoError(t, o.Export(ctx))
	require.NoError(t, o.Export(ctx))

	require.Len(t, out.flushes, 2, "every export flushes")
	assert.Len(t, out.flushes[0], 1)
	assert.Empty(t, out.flushes[1])
	assert.Equal(t, "0x PORT 1194", port.Explain(store.Coordinate{Slot: 5}))
}

func TestRun_EndOfStreamExportsOnce(t *testing.T) {
	o, out, _ := newPortEngine(t, 1)
	src := model.NewMemorySource(
		record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0),
		record(t, flowSchema, "10.0.0.9", "8.8.8.8", 22, t0.Add(time.Minute)),
	)

	require.NoError(t, o.Run(context.Background(), src))
	require.Len(t, out.flushes, 1)
	require.Len(t, out.flushes[0], 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), out.flushes[0][0].Address)
}

func TestRun_RebindsOnSchemaChange(t *testing.T) {
	o, out, _ := newPortEngine(t, 2)

	reordered := model.MustSchema(
		model.Field{Name: "TIME_LAST", Type: model.TypeTime},
		model.Field{Name: "DST_PORT", Type: model.TypeUint},
		model.Field{Name: "SRC_PORT", Type: model.TypeUint},
		model.Field{Name: "DST_IP", Type: model.TypeAddr},
		model.Field{Name: "SRC_IP", Type: model.TypeAddr},
		model.Field{Name: "BYTES", Type: model.TypeUint},
	)
	src := model.NewMemorySource(
		record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0),
		record(t, reordered, "10.0.0.5", "8.8.8.8", 1194, t0.Add(time.Minute)),
	)

	require.NoError(t, o.Run(context.Background(), src))
	alerts := out.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "2x PORT 1194", alerts[0].Verdicts[0].Explanation)
	assert.Equal(t, reordered.Template(), o.Status().Schema)
}

func TestBind_MissingFieldFails(t *testing.T) {
	o, _, _ := newPortEngine(t, 1)
	noTime := model.MustSchema(
		model.Field{Name: "SRC_IP", Type: model.TypeAddr},
		model.Field{Name: "DST_IP", Type: model.TypeAddr},
	)
	assert.ErrorIs(t, o.Bind(noTime), model.ErrUnknownField)
}

func TestRun_CancelledContextRunsFinalExport(t *testing.T) {
	o, out, _ := newPortEngine(t, 1)
	require.NoError(t, o.Process(context.Background(), record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Run(ctx, model.NewMemorySource())
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, out.flushes, 1)
	assert.Len(t, out.flushes[0], 1)
}

// brokenIndex accepts every flow but cannot index any address.
type brokenIndex struct{}

func (brokenIndex) Accept(netip.Addr, netip.Addr) (bool, bool) { return false, true }

func (brokenIndex) IndexFor(a netip.Addr) (store.Coordinate, error) {
	return store.Coordinate{}, iprange.ErrUnindexed
}

func (brokenIndex) Addr(store.Coordinate) netip.Addr { return netip.Addr{} }

func (brokenIndex) Size() store.Size { return store.Size{Slots: []uint32{1}} }

func TestProcess_UnindexedAcceptedAddressPanics(t *testing.T) {
	o, err := New(brokenIndex{}, nil, nil, window, &collector{})
	require.NoError(t, err)
	require.NoError(t, o.Bind(flowSchema))

	assert.Panics(t, func() {
		_ = o.Process(context.Background(), record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0))
	})
}

// expiryProbe records the order of lifecycle calls.
type expiryProbe struct {
	calls []string
}

func (p *expiryProbe) ID() string { return "PROBE" }

func (p *expiryProbe) Bind(*model.Schema) error { return nil }

func (p *expiryProbe) Accept(*detector.Flow) bool { return true }

func (p *expiryProbe) Update(store.Coordinate, *detector.Flow) { p.calls = append(p.calls, "update") }

func (p *expiryProbe) Explain(store.Coordinate) string { return "" }

func (p *expiryProbe) OnWindowExpired() { p.calls = append(p.calls, "expired") }

func (p *expiryProbe) Reset(store.Coordinate) {}

func (p *expiryProbe) Result(store.Coordinate) detector.Verdict {
	if n := len(p.calls); n == 0 || p.calls[n-1] != "result" {
		p.calls = append(p.calls, "result")
	}
	return detector.Negative
}

func TestExport_WindowExpiredPrecedesResults(t *testing.T) {
	probe := &expiryProbe{}
	table := iprange.NewTable(iprange.MustParseRange("10.0.0.0", "30"))
	o, err := New(table, []detector.Detector{probe}, []rules.Rule{rules.NewLeaf("PROBE")}, window, &collector{})
	require.NoError(t, err)
	require.NoError(t, o.Bind(flowSchema))

	ctx := context.Background()
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.1", "8.8.8.8", 1, t0)))
	require.NoError(t, o.End(ctx))

	assert.Equal(t, []string{"update", "expired", "result"}, probe.calls)
}

func TestNew_RejectsInvalidWindow(t *testing.T) {
	table := iprange.NewTable()
	_, err := New(table, nil, nil, 0, &collector{})
	assert.Error(t, err)
	_, err = New(table, nil, nil, window, nil)
	assert.Error(t, err)
}

func TestExport_CompositeRulesAreEvaluatedPerEntity(t *testing.T) {
	table := iprange.NewTable(iprange.MustParseRange("10.0.0.0", "24"))
	set := ipset.NewShared(ipset.New([]netip.Addr{netip.MustParseAddr("203.0.113.9")}, nil))
	port := detector.NewPort(detector.DefaultPortOVPN, 1194, 1, table.Size())
	bl := detector.NewBlocklist(detector.Blocklisted, set, 1, table.Size())
	both := rules.NewAnd(rules.NewLeaf(detector.DefaultPortOVPN), rules.NewLeaf(detector.Blocklisted))
	either := rules.NewOr(rules.NewLeaf(detector.DefaultPortOVPN), rules.NewLeaf(detector.Blocklisted))
	out := &collector{}
	o, err := New(table, []detector.Detector{port, bl}, []rules.Rule{both, either}, window, out)
	require.NoError(t, err)
	ctx := context.Background()

	// 10.0.0.3 is walked before 10.0.0.5 and meets both detectors; 10.0.0.5
	// only meets the port detector and must not inherit its verdicts.
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.3", "203.0.113.9", 1194, t0)))
	require.NoError(t, o.Process(ctx, record(t, flowSchema, "10.0.0.5", "8.8.8.8", 1194, t0.Add(time.Second))))
	require.NoError(t, o.End(ctx))

	fired := map[string][]string{}
	for _, a := range out.all() {
		fired[a.Address.String()] = append(fired[a.Address.String()], a.Rule)
	}
	assert.Equal(t, map[string][]string{
		"10.0.0.3": {both.Explain(), either.Explain()},
		"10.0.0.5": {either.Explain()},
	}, fired)
}
