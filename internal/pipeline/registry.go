package pipeline

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// Factory builds a stage and its default exclusion rules from config.
type Factory func(cfg stage.Config) (stage.Stage, []tagging.Rule, error)

type registryEntry struct {
	description string
	factory     Factory
}

// Registry resolves stage ids in a Definition to stage implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a stage factory under id.
func (r *Registry) Register(id, description string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return eris.Errorf("pipeline: stage %q already registered", id)
	}
	r.entries[id] = registryEntry{description: description, factory: f}
	return nil
}

// IDs returns registered stage ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Describe returns a registered stage's description.
func (r *Registry) Describe(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.description, ok
}

// Build resolves every stage in def. Configured filter rules are validated
// and evaluated after the stage's own default rules. Substep weights are
// returned as pipeline options.
func (r *Registry) Build(def *Definition) ([]stage.Spec, []Option, error) {
	engine := tagging.NewEngine()
	specs := make([]stage.Spec, 0, len(def.Stages))
	var opts []Option

	for _, sd := range def.Stages {
		r.mu.RLock()
		e, ok := r.entries[sd.ID]
		r.mu.RUnlock()
		if !ok {
			return nil, nil, eris.Errorf("pipeline: unknown stage %q", sd.ID)
		}

		cfg := stage.Config{
			BatchSize:   sd.BatchSize,
			Concurrency: sd.Concurrency,
			ItemDelay:   sd.ItemDelay,
			BatchDelay:  sd.BatchDelay,
			Options:     sd.Options,
		}
		st, rules, err := e.factory(cfg)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: build stage %s", sd.ID)
		}
		configured, err := engine.FromFilterRules(sd.Rules)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "pipeline: stage %s rules", sd.ID)
		}

		specs = append(specs, stage.Spec{
			Stage:  st,
			Config: cfg,
			Rules:  append(rules, configured...),
		})
		if len(sd.SubstepWeights) > 0 {
			opts = append(opts, WithSubstepWeights(sd.ID, sd.SubstepWeights))
		}
	}
	return specs, opts, nil
}

// FromDefinition builds a Pipeline from a Definition.
func FromDefinition(def *Definition, reg *Registry, opts ...Option) (*Pipeline, error) {
	specs, defOpts, err := reg.Build(def)
	if err != nil {
		return nil, err
	}
	all := append([]Option{WithName(def.Name)}, defOpts...)
	return New(specs, append(all, opts...)...)
}
