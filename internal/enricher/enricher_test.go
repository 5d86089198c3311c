package enricher

import (
	"NetFusion/internal/engine/ipset"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"context"
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inSchema = model.MustSchema(
	model.Field{Name: "SRC_IP", Type: model.TypeAddr},
	model.Field{Name: "DST_IP", Type: model.TypeAddr},
	model.Field{Name: "DST_PORT", Type: model.TypeUint},
)

const relay = "192.0.2.10"

func newEnricher(t *testing.T, m *metrics.Metrics) *Enricher {
	t.Helper()
	relays := ipset.NewShared(ipset.New([]netip.Addr{netip.MustParseAddr(relay)}, nil))
	e := New(relays, m)
	require.NoError(t, e.Bind(inSchema))
	return e
}

func rec(t *testing.T, src, dst string) *model.Record {
	t.Helper()
	r := model.NewRecord(inSchema)
	require.NoError(t, r.SetByName("SRC_IP", src))
	require.NoError(t, r.SetByName("DST_IP", dst))
	require.NoError(t, r.SetByName("DST_PORT", 9001))
	return r
}

func TestEnrich_Directions(t *testing.T) {
	m := metrics.New()
	e := newEnricher(t, m)

	cases := []struct {
		src, dst      string
		wantDetected  uint64
		wantDirection int64
	}{
		{"10.0.0.1", relay, 1, DirectionDestination},
		{relay, "10.0.0.1", 1, DirectionSource},
		{relay, relay, 1, DirectionDestination},
		{"10.0.0.1", "10.0.0.2", 0, DirectionNone},
	}
	for _, c := range cases {
		out, err := e.Enrich(rec(t, c.src, c.dst))
		require.NoError(t, err)
		detected, _ := out.Schema.Lookup(FieldDetected)
		direction, _ := out.Schema.Lookup(FieldDirection)
		assert.Equal(t, c.wantDetected, out.Uint(detected), "%s -> %s", c.src, c.dst)
		assert.Equal(t, c.wantDirection, out.Int(direction), "%s -> %s", c.src, c.dst)

		port, _ := out.Schema.Lookup("DST_PORT")
		assert.Equal(t, uint64(9001), out.Uint(port), "input fields are carried over")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Enriched.WithLabelValues("destination")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Enriched.WithLabelValues("none")))
}

func TestBind_DerivesOutputSchema(t *testing.T) {
	e := newEnricher(t, nil)
	assert.Equal(t, "ipaddr SRC_IP,ipaddr DST_IP,uint64 DST_PORT,uint64 TOR_DETECTED,int64 TOR_DIRECTION", e.OutputSchema().Template())

	assert.ErrorIs(t, e.Bind(model.MustSchema(model.Field{Name: "SRC_IP", Type: model.TypeAddr})), model.ErrUnknownField)
}

type recordingPublisher struct {
	records []*model.Record
	ended   bool
}

func (p *recordingPublisher) PublishRecord(_ context.Context, r *model.Record) error {
	p.records = append(p.records, r)
	return nil
}

func (p *recordingPublisher) PublishEnd(context.Context) error {
	p.ended = true
	return nil
}

func TestRun_ForwardsRecordsAndEnd(t *testing.T) {
	e := New(ipset.NewShared(ipset.New([]netip.Addr{netip.MustParseAddr(relay)}, nil)), nil)
	pub := &recordingPublisher{}
	src := model.NewMemorySource(rec(t, "10.0.0.1", relay), rec(t, "10.0.0.1", "10.0.0.3"))

	require.NoError(t, e.Run(context.Background(), src, pub))
	require.Len(t, pub.records, 2)
	assert.True(t, pub.ended)
	assert.True(t, pub.records[0].Schema.Has(FieldDirection))
}
