package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  ranges_path: /tmp/ranges.txt
  window: 60
blocklist:
  path: /tmp/blocklist.txt
  refresh: 10s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Engine.Window.Duration())
	assert.Equal(t, "/tmp/ranges.txt", cfg.Engine.RangesPath)
	assert.Equal(t, 10*time.Second, cfg.Blocklist.Refresh.Duration())
	assert.Equal(t, uint32(5), cfg.Blocklist.Threshold)
	assert.Equal(t, uint64(50), cfg.Engine.Thresholds.OVPNConfidence)
	assert.Equal(t, 15*time.Second, cfg.Tor.Refresh.Duration())
	assert.Equal(t, 0.03, cfg.Crypto.DSTThreshold)
	assert.Equal(t, 0.99, cfg.Crypto.MLThreshold)
	assert.Equal(t, 50000, cfg.Crypto.BufferSize)
	assert.Equal(t, 10000, cfg.SSH.BufferSize)
	assert.Empty(t, cfg.SSH.ModelAddr)
	assert.False(t, cfg.Engine.Debug)
}

func TestLoadConfig_RuleTree(t *testing.T) {
	path := writeConfig(t, `
engine:
  rules:
    - detector: CONF_LEVEL_OVPN
      expect: 2
      name: OVPN_CONF_LEVEL_100
    - all:
        - detector: CONF_LEVEL_WG
        - any:
            - detector: DEFAULT_PORT_WG
            - detector: CONF_LEVEL_SSA
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Engine.Rules, 2)
	require.NotNil(t, cfg.Engine.Rules[0].Expect)
	assert.Equal(t, uint8(2), *cfg.Engine.Rules[0].Expect)
	require.Len(t, cfg.Engine.Rules[1].All, 2)
	assert.Len(t, cfg.Engine.Rules[1].All[1].Any, 2)
}

func TestLoadConfig_MissingPathIsFatal(t *testing.T) {
	path := writeConfig(t, `
engine:
  ranges_path: ""
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingPath))
}

func TestLoadConfig_RejectsZeroThresholds(t *testing.T) {
	cases := map[string]string{
		"built-in": `
engine:
  ranges_path: /tmp/ranges.txt
  thresholds:
    tor: 0
blocklist:
  path: /tmp/blocklist.txt
`,
		"blocklist": `
engine:
  ranges_path: /tmp/ranges.txt
blocklist:
  path: /tmp/blocklist.txt
  threshold: 0
`,
		"declared detector": `
engine:
  ranges_path: /tmp/ranges.txt
  detectors:
    - { id: DEFAULT_PORT_OVPN, kind: port, port: 1194 }
blocklist:
  path: /tmp/blocklist.txt
`,
	}
	for name, content := range cases {
		_, err := LoadConfig(writeConfig(t, content))
		assert.ErrorIs(t, err, ErrZeroThreshold, name)
	}

	// Built-in thresholds are unused once detectors are declared.
	cfg, err := LoadConfig(writeConfig(t, `
engine:
  ranges_path: /tmp/ranges.txt
  thresholds:
    tor: 0
  detectors:
    - { id: DEFAULT_PORT_OVPN, kind: port, port: 1194, threshold: 1 }
blocklist:
  path: /tmp/blocklist.txt
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Engine.Detectors, 1)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
engine:
  window: soon
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := LoadConfig("../../configs/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, cfg.Engine.Window.Duration())
	assert.True(t, cfg.Blocklist.Watch)
	assert.Equal(t, "netfusion.flows", cfg.NATS.InputSubject)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Alerter.Interval.Duration())
	assert.Empty(t, cfg.Engine.Detectors)
}
