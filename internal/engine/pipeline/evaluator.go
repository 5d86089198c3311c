package pipeline

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Ground-truth labels carried by the LABEL field of evaluation datasets.
const (
	LabelMiner = "Miner"
	LabelOther = "Other"
)

// PathResults counts the decisions of one stage.
type PathResults struct {
	Positives uint64 `json:"positives"`
	Negatives uint64 `json:"negatives"`
	TP        uint64 `json:"tp"`
	FP        uint64 `json:"fp"`
	TN        uint64 `json:"tn"`
	FN        uint64 `json:"fn"`
}

func (r *PathResults) add(o PathResults) {
	r.Positives += o.Positives
	r.Negatives += o.Negatives
	r.TP += o.TP
	r.FP += o.FP
	r.TN += o.TN
	r.FN += o.FN
}

// Evaluator keeps per-stage decision counters. With a ground-truth label the
// counters become a confusion matrix; unknown labels are ignored.
type Evaluator struct {
	mu    sync.Mutex
	paths map[string]*PathResults
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{paths: make(map[string]*PathResults)}
}

// Add records one decision. label is empty outside evaluation runs.
func (e *Evaluator) Add(path string, prediction bool, label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.paths[path]
	if !ok {
		r = &PathResults{}
		e.paths[path] = r
	}

	switch label {
	case "":
		if prediction {
			r.Positives++
		} else {
			r.Negatives++
		}
	case LabelMiner:
		r.Positives++
		if prediction {
			r.TP++
		} else {
			r.FN++
		}
	case LabelOther:
		r.Negatives++
		if prediction {
			r.FP++
		} else {
			r.TN++
		}
	}
}

// Results returns a copy of the per-stage counters.
func (e *Evaluator) Results() map[string]PathResults {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]PathResults, len(e.paths))
	for path, r := range e.paths {
		out[path] = *r
	}
	return out
}

// Total sums the counters of every stage.
func (e *Evaluator) Total() PathResults {
	var total PathResults
	for _, r := range e.Results() {
		total.add(r)
	}
	return total
}

// LogSummary writes one line per stage and one for the whole chain.
func (e *Evaluator) LogSummary() {
	results := e.Results()
	paths := make([]string, 0, len(results))
	for path := range results {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		logResults(path, results[path])
	}
	logResults("TOTAL", e.Total())
}

func logResults(path string, r PathResults) {
	log.Info().
		Str("path", path).
		Uint64("positives", r.Positives).
		Uint64("negatives", r.Negatives).
		Uint64("tp", r.TP).
		Uint64("fp", r.FP).
		Uint64("tn", r.TN).
		Uint64("fn", r.FN).
		Msg("classifier results")
}
