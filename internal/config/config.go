package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingPath is returned when a required file path is not configured.
var ErrMissingPath = errors.New("required file path not configured")

// ErrZeroThreshold is returned for a detector threshold below 1, which would
// make the detector fire for every entity in every window.
var ErrZeroThreshold = errors.New("detector threshold must be at least 1")

// DetectorDef declares one weak detector of the fusion engine.
type DetectorDef struct {
	ID         string   `yaml:"id"`
	Kind       string   `yaml:"kind"` // port, conf_level, sticky_conf_level, blocklist, binary
	Port       uint16   `yaml:"port"`
	Fields     []string `yaml:"fields"`
	Field      string   `yaml:"field"`
	Label      string   `yaml:"label"`
	Confidence uint64   `yaml:"confidence"`
	Threshold  uint32   `yaml:"threshold"`
}

// RuleDef declares a rule tree. Exactly one of Detector, All or Any is set.
// Name only applies to leaves and replaces the leaf's explanation.
type RuleDef struct {
	Name     string    `yaml:"name,omitempty"`
	Detector string    `yaml:"detector,omitempty"`
	Expect   *uint8    `yaml:"expect,omitempty"`
	All      []RuleDef `yaml:"all,omitempty"`
	Any      []RuleDef `yaml:"any,omitempty"`
}

// EngineConfig holds the fusion engine settings.
type EngineConfig struct {
	Window     Duration      `yaml:"window"`
	RangesPath string        `yaml:"ranges_path"`
	Debug      bool          `yaml:"debug"`
	LogLevel   string        `yaml:"log_level"`
	LogFormat  string        `yaml:"log_format"` // console or json
	Detectors  []DetectorDef `yaml:"detectors"`
	Rules      []RuleDef     `yaml:"rules"`
	Thresholds Thresholds    `yaml:"thresholds"`
}

// Thresholds parameterises the built-in tunnel detector set.
type Thresholds struct {
	OVPNPort       uint32 `yaml:"ovpn_port"`
	WGPort         uint32 `yaml:"wg_port"`
	OVPNConfidence uint64 `yaml:"ovpn_confidence"`
	OVPNConf       uint32 `yaml:"ovpn_conf"`
	WGConfidence   uint64 `yaml:"wg_confidence"`
	WGConf         uint32 `yaml:"wg_conf"`
	SSAConfidence  uint64 `yaml:"ssa_confidence"`
	SSAConf        uint32 `yaml:"ssa_conf"`
	Tor            uint32 `yaml:"tor"`
}

// ReferenceListConfig describes a reloadable reference file.
type ReferenceListConfig struct {
	Path      string   `yaml:"path"`
	Refresh   Duration `yaml:"refresh"`
	Threshold uint32   `yaml:"threshold"`
	Watch     bool     `yaml:"watch"`
}

// CryptoConfig holds the cryptomining pipeline settings.
type CryptoConfig struct {
	DSTThreshold   float64 `yaml:"dst_threshold"`
	MLThreshold    float64 `yaml:"ml_threshold"`
	BufferSize     int     `yaml:"buffer_size"`
	MinPackets     uint64  `yaml:"min_packets"`
	ScorerAddr     string  `yaml:"scorer_addr"`
	ScorerMethod   string  `yaml:"scorer_method"`
	Debug          bool    `yaml:"debug"`
	TCPFlagsFilter bool    `yaml:"tcp_flags_filter"` // decide unnamed FIN/RST flows as negative
}

// SSHConfig holds the SSH session classifier settings.
type SSHConfig struct {
	BufferSize  int    `yaml:"buffer_size"`
	ModelAddr   string `yaml:"model_addr"` // MAC category model; fixed thresholds when empty
	ModelMethod string `yaml:"model_method"`
	Debug       bool   `yaml:"debug"`
}

// NATSConfig holds the stream transport settings.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	InputSubject  string   `yaml:"input_subject"`
	OutputSubject string   `yaml:"output_subject"`
	AlertSubject  string   `yaml:"alert_subject"`
	Timeout       Duration `yaml:"timeout"`
}

// ClickHouseConfig holds the ClickHouse alert sink settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// RedisConfig holds the recent-alert cache settings.
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	Keep     int64    `yaml:"keep"`
	TTL      Duration `yaml:"ttl"`
}

// SMTPConfig holds the settings for the e-mail notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// AlerterConfig holds the settings for the alert digest.
type AlerterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	MaxItems int      `yaml:"max_items"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	RecentSize int    `yaml:"recent_size"`
}

// ReplayConfig holds the pcap replay settings.
type ReplayConfig struct {
	ActiveTimeout   Duration `yaml:"active_timeout"`
	InactiveTimeout Duration `yaml:"inactive_timeout"`
	NumShards       uint32   `yaml:"num_shards"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine     EngineConfig        `yaml:"engine"`
	Blocklist  ReferenceListConfig `yaml:"blocklist"`
	Tor        ReferenceListConfig `yaml:"tor"`
	Crypto     CryptoConfig        `yaml:"crypto"`
	SSH        SSHConfig           `yaml:"ssh"`
	NATS       NATSConfig          `yaml:"nats"`
	ClickHouse ClickHouseConfig    `yaml:"clickhouse"`
	Redis      RedisConfig         `yaml:"redis"`
	SMTP       SMTPConfig          `yaml:"smtp"`
	Alerter    AlerterConfig       `yaml:"alerter"`
	API        APIConfig           `yaml:"api"`
	Replay     ReplayConfig        `yaml:"replay"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Window:     Duration(900 * time.Second),
			RangesPath: "/opt/netfusion/ipRanges.txt",
			LogLevel:   "info",
			LogFormat:  "console",
			Thresholds: Thresholds{
				OVPNPort:       5,
				WGPort:         5,
				OVPNConfidence: 50,
				OVPNConf:       5,
				WGConfidence:   50,
				WGConf:         5,
				SSAConfidence:  50,
				SSAConf:        5,
				Tor:            5,
			},
		},
		Blocklist: ReferenceListConfig{
			Path:      "/opt/netfusion/blocklist.txt",
			Refresh:   Duration(30 * time.Second),
			Threshold: 5,
		},
		Tor: ReferenceListConfig{
			Path:    "/opt/netfusion/torRelays.txt",
			Refresh: Duration(15 * time.Second),
		},
		Crypto: CryptoConfig{
			DSTThreshold: 0.03,
			MLThreshold:  0.99,
			BufferSize:   50000,
			MinPackets:   8,
			ScorerMethod: "/netfusion.scorer.v1.Scorer/Score",
		},
		SSH: SSHConfig{
			BufferSize:  10000,
			ModelMethod: "/netfusion.scorer.v1.Scorer/Score",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			InputSubject:  "netfusion.flows",
			OutputSubject: "netfusion.flows.enriched",
			AlertSubject:  "netfusion.alerts",
			Timeout:       Duration(5 * time.Second),
		},
		ClickHouse: ClickHouseConfig{
			Host:     "127.0.0.1",
			Port:     9000,
			Database: "default",
			Username: "default",
			Table:    "fusion_alerts",
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "netfusion",
			Keep:   100,
			TTL:    Duration(24 * time.Hour),
		},
		Alerter: AlerterConfig{
			Interval: Duration(5 * time.Minute),
			MaxItems: 200,
		},
		API: APIConfig{
			ListenAddr: ":8080",
			RecentSize: 1000,
		},
		Replay: ReplayConfig{
			ActiveTimeout:   Duration(300 * time.Second),
			InactiveTimeout: Duration(30 * time.Second),
			NumShards:       64,
		},
	}
}

// LoadConfig reads the configuration from a YAML file on top of Default and validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects ambiguous or unusable settings.
func (c *Config) Validate() error {
	if c.Engine.RangesPath == "" {
		return fmt.Errorf("%w: engine.ranges_path", ErrMissingPath)
	}
	if c.Blocklist.Path == "" {
		return fmt.Errorf("%w: blocklist.path", ErrMissingPath)
	}
	if c.Engine.Window.Duration() < time.Second {
		return fmt.Errorf("engine.window must be at least 1s, got %s", c.Engine.Window)
	}
	if c.Blocklist.Refresh.Duration() <= 0 {
		return fmt.Errorf("blocklist.refresh must be positive, got %s", c.Blocklist.Refresh)
	}
	if c.Crypto.BufferSize <= 0 {
		return fmt.Errorf("crypto.buffer_size must be positive, got %d", c.Crypto.BufferSize)
	}
	if c.SSH.BufferSize <= 0 {
		return fmt.Errorf("ssh.buffer_size must be positive, got %d", c.SSH.BufferSize)
	}
	for i, d := range c.Engine.Detectors {
		if d.ID == "" || d.Kind == "" {
			return fmt.Errorf("engine.detectors[%d]: id and kind are required", i)
		}
		if d.Threshold < 1 {
			return fmt.Errorf("engine.detectors[%d] (%s): %w", i, d.ID, ErrZeroThreshold)
		}
	}
	if len(c.Engine.Detectors) == 0 {
		// The built-in set is only built from these when no detectors are declared.
		t := c.Engine.Thresholds
		for _, th := range []struct {
			name  string
			value uint32
		}{
			{"engine.thresholds.ovpn_port", t.OVPNPort},
			{"engine.thresholds.wg_port", t.WGPort},
			{"engine.thresholds.ovpn_conf", t.OVPNConf},
			{"engine.thresholds.wg_conf", t.WGConf},
			{"engine.thresholds.ssa_conf", t.SSAConf},
			{"engine.thresholds.tor", t.Tor},
			{"blocklist.threshold", c.Blocklist.Threshold},
		} {
			if th.value < 1 {
				return fmt.Errorf("%s: %w", th.name, ErrZeroThreshold)
			}
		}
	}
	return nil
}

// Duration is a time.Duration that unmarshals from Go duration strings ("30s")
// or plain integers interpreted as seconds.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration at line %d: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q at line %d: %w", s, value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
