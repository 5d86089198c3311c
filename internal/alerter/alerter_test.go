package alerter

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mailbox struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (m *mailbox) Send(subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subjects)
}

func alert(addr, rule string) *model.Alert {
	return &model.Alert{
		Address:    netip.MustParseAddr(addr),
		Rule:       rule,
		DetectTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Verdicts:   []model.Verdict{{Detector: "TOR", Result: 2}, {Detector: "BLOCKLISTED", Result: 1}},
	}
}

func TestAlerter_DigestOnStop(t *testing.T) {
	box := &mailbox{}
	a, err := NewAlerter(config.AlerterConfig{Interval: config.Duration(time.Hour), MaxItems: 2}, box)
	require.NoError(t, err)
	a.Start()

	require.NoError(t, a.Write(context.Background(), []*model.Alert{
		alert("10.0.0.1", "<b>r1</b>"),
		alert("10.0.0.2", "r2"),
		alert("10.0.0.3", "r3"),
	}))
	a.Stop()

	require.Equal(t, 1, box.count())
	assert.Equal(t, "NetFusion Alert Summary (3 Triggered)", box.subjects[0])
	body := box.bodies[0]
	assert.Contains(t, body, "<h1>NetFusion Alert Summary</h1>")
	assert.Contains(t, body, "10.0.0.2")
	assert.NotContains(t, body, "10.0.0.3", "alerts beyond max_items are only counted")
	assert.Contains(t, body, "1 more alert(s) were omitted.")
	assert.Contains(t, body, "TOR=2, BLOCKLISTED=1")
	assert.Contains(t, body, "&lt;b&gt;r1&lt;/b&gt;", "rule text is escaped")
	assert.Contains(t, body, "2024-03-01 12:00:00")
}

func TestAlerter_NoDigestWithoutAlerts(t *testing.T) {
	box := &mailbox{}
	a, err := NewAlerter(config.AlerterConfig{Interval: config.Duration(time.Hour)}, box)
	require.NoError(t, err)
	a.Start()
	a.Stop()
	assert.Zero(t, box.count())
}

func TestAlerter_Periodic(t *testing.T) {
	box := &mailbox{}
	a, err := NewAlerter(config.AlerterConfig{Interval: config.Duration(10 * time.Millisecond)}, box)
	require.NoError(t, err)
	a.Start()
	defer a.Stop()

	require.NoError(t, a.Write(context.Background(), []*model.Alert{alert("10.0.0.1", "r1")}))
	assert.Eventually(t, func() bool { return box.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Write(context.Background(), []*model.Alert{alert("10.0.0.2", "r2")}))
	assert.Eventually(t, func() bool { return box.count() == 2 }, time.Second, 5*time.Millisecond)
	box.mu.Lock()
	assert.True(t, strings.Contains(box.bodies[1], "10.0.0.2"))
	box.mu.Unlock()
}

func TestNewAlerter_RejectsZeroInterval(t *testing.T) {
	_, err := NewAlerter(config.AlerterConfig{}, nil)
	assert.Error(t, err)
}
