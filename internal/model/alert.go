package model

import (
	"context"
	"net/netip"
	"time"
)

// Verdict is one detector's contribution to an alert.
type Verdict struct {
	Detector    string `json:"detector"`
	Result      uint8  `json:"result"`
	Explanation string `json:"explanation"`
}

// Alert is emitted when a rule fires for an entity, or when a per-flow classifier reports a flow.
type Alert struct {
	Address    netip.Addr     `json:"address"`
	Rule       string         `json:"rule"`
	DetectTime time.Time      `json:"detect_time"`
	Verdicts   []Verdict      `json:"verdicts"`
	Flow       map[string]any `json:"flow,omitempty"`
}

// AlertWriter defines a generic interface for delivering alerts downstream.
// Each Write call is one flush; implementations must not hold alerts across calls.
type AlertWriter interface {
	Write(ctx context.Context, alerts []*Alert) error
}

// Scorer defines the interface for an external machine-learning model.
// It returns one probability per feature vector, in order.
type Scorer interface {
	Score(ctx context.Context, features [][]float64) ([]float64, error)
}

// Notifier sends a human-readable digest to operators.
type Notifier interface {
	Send(subject, body string) error
}
