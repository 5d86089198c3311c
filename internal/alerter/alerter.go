package alerter

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"context"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var digestTemplate = template.Must(template.New("digest").Parse(`<h1>NetFusion Alert Summary</h1>
<p>The following alerts were raised since the last digest:</p><hr>
<table>
<tr><th>Detected</th><th>Address</th><th>Rule</th><th>Detectors</th></tr>
{{- range .Alerts}}
<tr><td>{{.DetectTime.UTC.Format "2006-01-02 15:04:05"}}</td><td>{{.Address}}</td><td>{{.Rule}}</td><td>{{range $i, $v := .Verdicts}}{{if $i}}, {{end}}{{$v.Detector}}={{$v.Result}}{{end}}</td></tr>
{{- end}}
</table>
{{- if .Dropped}}
<p>{{.Dropped}} more alert(s) were omitted.</p>
{{- end}}
`))

// Alerter collects alerts and mails a periodic digest. It implements
// model.AlertWriter, so it can sit next to the other sinks.
type Alerter struct {
	notifier model.Notifier
	interval time.Duration
	maxItems int

	mu      sync.Mutex
	pending []*model.Alert
	dropped int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg config.AlerterConfig, notifier model.Notifier) (*Alerter, error) {
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		return nil, fmt.Errorf("invalid alerter interval %s", interval)
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 50
	}
	return &Alerter{
		notifier: notifier,
		interval: interval,
		maxItems: maxItems,
		stopChan: make(chan struct{}),
	}, nil
}

// Write implements model.AlertWriter. Alerts beyond the digest size are
// counted but not kept.
func (a *Alerter) Write(_ context.Context, alerts []*model.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, al := range alerts {
		if len(a.pending) < a.maxItems {
			a.pending = append(a.pending, al)
		} else {
			a.dropped++
		}
	}
	return nil
}

// Start begins sending digests every interval.
func (a *Alerter) Start() {
	log.Info().Dur("interval", a.interval).Msg("Alerter started")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop ends the loop and sends whatever is still pending.
func (a *Alerter) Stop() {
	log.Info().Msg("Stopping Alerter...")
	close(a.stopChan)
	a.wg.Wait()
	a.Flush()
}

// Flush sends a digest of the pending alerts, if any.
func (a *Alerter) Flush() {
	a.mu.Lock()
	alerts, dropped := a.pending, a.dropped
	a.pending, a.dropped = nil, 0
	a.mu.Unlock()

	if len(alerts) == 0 {
		return
	}
	body, err := renderDigest(alerts, dropped)
	if err != nil {
		log.Error().Err(err).Msg("Failed to render alert digest")
		return
	}
	total := len(alerts) + dropped
	log.Info().Int("alerts", total).Msg("Alert digest ready")
	if a.notifier == nil {
		return
	}
	subject := fmt.Sprintf("NetFusion Alert Summary (%d Triggered)", total)
	if err := a.notifier.Send(subject, body); err != nil {
		log.Error().Err(err).Msg("Failed to send alert digest")
		return
	}
	log.Info().Msg("Alert digest sent")
}

func renderDigest(alerts []*model.Alert, dropped int) (string, error) {
	var sb strings.Builder
	err := digestTemplate.Execute(&sb, struct {
		Alerts  []*model.Alert
		Dropped int
	}{alerts, dropped})
	return sb.String(), err
}
