package writer

import (
	"NetFusion/internal/config"
	"NetFusion/internal/metrics"
	"NetFusion/internal/model"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func alert(addr, rule string) *model.Alert {
	return &model.Alert{
		Address:    netip.MustParseAddr(addr),
		Rule:       rule,
		DetectTime: t0,
		Verdicts:   []model.Verdict{{Detector: "BLOCKLISTED", Result: 3, Explanation: "3x BLOCKLISTED FLOWS"}},
	}
}

func TestRedisWriter_RecentAndPerEntity(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	w := newRedisWriter(client, config.RedisConfig{Prefix: "nf", Keep: 2, TTL: config.Duration(time.Hour)})
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, []*model.Alert{alert("10.0.0.1", "r1"), alert("10.0.0.2", "r2")}))
	require.NoError(t, w.Write(ctx, []*model.Alert{alert("10.0.0.1", "r3")}))
	require.NoError(t, w.Write(ctx, nil))

	recent, err := w.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2, "global list is trimmed to keep")
	assert.Equal(t, "r3", recent[0].Rule)
	assert.Equal(t, "r2", recent[1].Rule)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), recent[1].Address)
	assert.True(t, t0.Equal(recent[0].DetectTime))

	mine, err := w.ForEntity(ctx, netip.MustParseAddr("10.0.0.1"), 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "r3", mine[0].Rule)
	assert.Equal(t, "r1", mine[1].Rule)

	assert.Equal(t, time.Hour, s.TTL("nf:alerts:entity:10.0.0.1"))

	none, err := w.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRing_KeepsNewest(t *testing.T) {
	r := NewRing(3)
	ctx := context.Background()
	got, err := r.Recent(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, rule := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Write(ctx, []*model.Alert{alert("10.0.0.1", rule)}))
	}
	assert.Equal(t, 3, r.Len())

	got, err = r.Recent(ctx, 5)
	require.NoError(t, err)
	rules := make([]string, len(got))
	for i, a := range got {
		rules[i] = a.Rule
	}
	assert.Equal(t, []string{"d", "c", "b"}, rules)

	got, err = r.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Rule)
}

type failingWriter struct{ calls int }

func (w *failingWriter) Write(context.Context, []*model.Alert) error {
	w.calls++
	return errors.New("sink down")
}

func TestMulti_ContinuesPastFailures(t *testing.T) {
	m := metrics.New()
	bad := &failingWriter{}
	ring := NewRing(10)
	w := NewMulti(m, Named{Name: "broken", Writer: bad})
	w.Add("ring", ring)

	err := w.Write(context.Background(), []*model.Alert{alert("10.0.0.1", "r")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, ring.Len(), "healthy writers still receive the export")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriterErrors.WithLabelValues("broken")))
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogWriterTo(zerolog.New(&buf))
	a := alert("10.0.0.9", "3x BLOCKLISTED FLOWS")
	a.Flow = map[string]any{"DST_PORT": uint64(22)}
	require.NoError(t, w.Write(context.Background(), []*model.Alert{a}))

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "10.0.0.9", ev["address"])
	assert.Equal(t, "3x BLOCKLISTED FLOWS", ev["rule"])
	assert.Equal(t, 3.0, ev["BLOCKLISTED"])
	assert.Equal(t, "warn", ev["level"])
}

func TestFileWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alerts")
	w, err := NewFileWriter(dir)
	require.NoError(t, err)
	w.now = func() time.Time { return t0 }

	ctx := context.Background()
	require.NoError(t, w.Write(ctx, nil))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "empty exports create no file")

	require.NoError(t, w.Write(ctx, []*model.Alert{alert("10.0.0.1", "a"), alert("10.0.0.2", "b")}))
	file, err := os.Open(filepath.Join(dir, "alerts_2024-03-01_12-00-00.000.jsonl"))
	require.NoError(t, err)
	defer file.Close()

	var rules []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var a model.Alert
		require.NoError(t, json.Unmarshal(sc.Bytes(), &a))
		rules = append(rules, a.Rule)
	}
	assert.Equal(t, []string{"a", "b"}, rules)
}

func TestNewAlertRow(t *testing.T) {
	a := alert("10.0.0.1", "r")
	a.Flow = map[string]any{"DST_PORT": 443}
	row, err := newAlertRow(a)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", row.address)
	assert.Equal(t, []string{"BLOCKLISTED"}, row.detectors)
	assert.Equal(t, []uint8{3}, row.results)
	assert.JSONEq(t, `{"DST_PORT":443}`, row.flow)
}

func TestAlertRow_RoundTrip(t *testing.T) {
	a := alert("2001:db8::7", "TOR && BLOCKLISTED")
	a.Flow = map[string]any{"DST_PORT": 9001.0}
	row, err := newAlertRow(a)
	require.NoError(t, err)

	back, err := row.alert()
	require.NoError(t, err)
	assert.Equal(t, a, back)

	row.address = "bogus"
	_, err = row.alert()
	assert.Error(t, err)
}
