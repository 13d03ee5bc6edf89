// Package pipeline drives records through an ordered list of stages.
//
// A Pipeline is an immutable, reusable definition. Each invocation creates
// its own Run, so independent runs can execute concurrently. A Run is an
// explicit state machine: Step advances it by at most one stage and returns
// the resulting state and events; Execute loops Step to a terminal state.
package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/metrics"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// Pipeline is an ordered stage list plus the collaborators shared by runs.
type Pipeline struct {
	name     string
	stages   []stage.Spec
	prober   Prober
	recorder store.RunRecorder
	prom     *metrics.PrometheusRecorder
	calc     *cost.Calculator
	model    string
	weights  map[string][]metrics.Weight
	engine   *tagging.Engine
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithName labels the pipeline in logs.
func WithName(name string) Option {
	return func(p *Pipeline) { p.name = name }
}

// WithProber sets the connectivity probe run before the first stage.
func WithProber(pr Prober) Option {
	return func(p *Pipeline) { p.prober = pr }
}

// WithRecorder persists a summary of every finished run. History only;
// runs are never resumed from it.
func WithRecorder(r store.RunRecorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithPrometheus mirrors stage analytics to Prometheus.
func WithPrometheus(r *metrics.PrometheusRecorder) Option {
	return func(p *Pipeline) { p.prom = r }
}

// WithCost enables USD estimates in the rollup.
func WithCost(calc *cost.Calculator, modelName string) Option {
	return func(p *Pipeline) {
		p.calc = calc
		p.model = modelName
	}
}

// WithSubstepWeights allocates a stage's totals across named substeps when
// the stage does not meter them itself. The result is marked approximate.
func WithSubstepWeights(stageID string, weights []metrics.Weight) Option {
	return func(p *Pipeline) {
		if p.weights == nil {
			p.weights = make(map[string][]metrics.Weight)
		}
		p.weights[stageID] = weights
	}
}

// New validates the stage list and builds a Pipeline.
func New(stages []stage.Spec, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, eris.New("pipeline: no stages")
	}
	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Stage == nil {
			return nil, eris.Errorf("pipeline: stage %d is nil", i)
		}
		if seen[s.ID()] {
			return nil, eris.Errorf("pipeline: duplicate stage id %q", s.ID())
		}
		seen[s.ID()] = true
	}

	p := &Pipeline{
		name:   "default",
		stages: append([]stage.Spec(nil), stages...),
		engine: tagging.NewEngine(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Stages returns the ordered stage ids.
func (p *Pipeline) Stages() []string {
	ids := make([]string, len(p.stages))
	for i, s := range p.stages {
		ids[i] = s.ID()
	}
	return ids
}
