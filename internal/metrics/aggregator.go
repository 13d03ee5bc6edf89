// Package metrics aggregates per-stage analytics for a run.
//
// Counters come from the typed analytics each stage returns; log lines are
// never parsed for numbers. Substeps are either metered directly with
// RecordSubstep or, when a stage only reports totals, allocated from the
// stage total with Distribute and flagged as approximate.
package metrics

import (
	"maps"
	"sync"
	"time"

	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/model"
)

// Weight is a fixed share of a stage total allocated to a named substep.
type Weight struct {
	Name  string  `yaml:"name" mapstructure:"name"`
	Share float64 `yaml:"share" mapstructure:"share"`
}

// Rollup is the run-wide total across all stages.
type Rollup struct {
	Stages      int           `json:"stages"`
	Input       int           `json:"input"`
	Filtered    int           `json:"filtered"`
	Errors      int           `json:"errors"`
	TokenUnits  int64         `json:"token_units"`
	CreditUnits int64         `json:"credit_units"`
	APICalls    int           `json:"api_calls"`
	CacheHits   int           `json:"cache_hits"`
	CacheMisses int           `json:"cache_misses"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	CostUSD     float64       `json:"cost_usd"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRecorder mirrors every recorded stage to Prometheus.
func WithRecorder(r *PrometheusRecorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

// WithCost enables USD estimates, pricing tokens at modelName.
func WithCost(calc *cost.Calculator, modelName string) Option {
	return func(a *Aggregator) {
		a.calc = calc
		a.model = modelName
	}
}

// Aggregator holds analytics keyed by stage id, in first-recorded order.
type Aggregator struct {
	mu       sync.Mutex
	order    []string
	stages   map[string]*model.StageAnalytics
	recorder *PrometheusRecorder
	calc     *cost.Calculator
	model    string
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{stages: make(map[string]*model.StageAnalytics)}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) entry(id string) *model.StageAnalytics {
	s, ok := a.stages[id]
	if !ok {
		s = &model.StageAnalytics{StageID: id, Status: model.StageStatusPending}
		a.stages[id] = s
		a.order = append(a.order, id)
	}
	return s
}

// Record adds a stage's returned analytics. Counters accumulate if the same
// stage id is recorded more than once; status and error take the latest value.
func (a *Aggregator) Record(in model.StageAnalytics) {
	a.mu.Lock()
	s := a.entry(in.StageID)
	s.Status = in.Status
	s.Error = in.Error
	s.Input += in.Input
	s.Output += in.Output
	s.Filtered += in.Filtered
	s.Errors += in.Errors
	s.Skipped += in.Skipped
	s.TokenUnits += in.TokenUnits
	s.InputTokens += in.InputTokens
	s.OutputTokens += in.OutputTokens
	s.CreditUnits += in.CreditUnits
	s.APICalls += in.APICalls
	s.CacheHits += in.CacheHits
	s.CacheMisses += in.CacheMisses
	s.Elapsed += in.Elapsed
	for k, v := range in.Specific {
		s.AddSpecific(k, v)
	}
	s.Substeps = append(s.Substeps, in.Substeps...)
	a.mu.Unlock()

	a.recorder.ObserveStage(in)
}

// RecordSubstep adds a directly metered substep to a stage.
func (a *Aggregator) RecordSubstep(stageID string, sub model.SubstepAnalytics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.entry(stageID)
	sub.Approximate = false
	s.Substeps = append(s.Substeps, sub)
}

// Distribute synthesizes substeps by splitting the stage's token, credit
// and call totals across weights. Shares are normalized to sum to one.
// The result is an allocation, not a measurement, so every synthesized
// substep is marked Approximate. Stages that already have metered
// substeps are left alone and Distribute returns false.
func (a *Aggregator) Distribute(stageID string, weights []Weight) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stages[stageID]
	if !ok || len(s.Substeps) > 0 || len(weights) == 0 {
		return false
	}
	var sum float64
	for _, w := range weights {
		if w.Share > 0 {
			sum += w.Share
		}
	}
	if sum == 0 {
		return false
	}
	for _, w := range weights {
		if w.Share <= 0 {
			continue
		}
		frac := w.Share / sum
		s.Substeps = append(s.Substeps, model.SubstepAnalytics{
			Name:        w.Name,
			TokenUnits:  int64(float64(s.TokenUnits) * frac),
			CreditUnits: int64(float64(s.CreditUnits) * frac),
			APICalls:    int(float64(s.APICalls) * frac),
			Approximate: true,
		})
	}
	return true
}

// Stage returns a copy of one stage's analytics.
func (a *Aggregator) Stage(id string) (model.StageAnalytics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stages[id]
	if !ok {
		return model.StageAnalytics{}, false
	}
	return copyAnalytics(*s), true
}

// Order returns stage ids in first-recorded order.
func (a *Aggregator) Order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

// Snapshot returns a copy of all stage analytics.
func (a *Aggregator) Snapshot() map[string]model.StageAnalytics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.StageAnalytics, len(a.stages))
	for id, s := range a.stages {
		out[id] = copyAnalytics(*s)
	}
	return out
}

// Rollup totals every stage.
func (a *Aggregator) Rollup() Rollup {
	a.mu.Lock()
	defer a.mu.Unlock()

	var r Rollup
	for _, id := range a.order {
		s := a.stages[id]
		r.Stages++
		r.Input += s.Input
		r.Filtered += s.Filtered
		r.Errors += s.Errors
		r.TokenUnits += s.TokenUnits
		r.CreditUnits += s.CreditUnits
		r.APICalls += s.APICalls
		r.CacheHits += s.CacheHits
		r.CacheMisses += s.CacheMisses
		r.Elapsed += s.Elapsed
		if a.calc != nil {
			r.CostUSD += a.calc.Stage(a.model, *s)
		}
	}
	return r
}

func copyAnalytics(s model.StageAnalytics) model.StageAnalytics {
	s.Specific = maps.Clone(s.Specific)
	s.Substeps = append([]model.SubstepAnalytics(nil), s.Substeps...)
	return s
}
