package pipeline

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrich-cli/internal/metrics"
	"github.com/sells-group/enrich-cli/internal/model"
)

// Definition is the YAML form of a pipeline.
type Definition struct {
	Name   string            `yaml:"name" validate:"required"`
	Stages []StageDefinition `yaml:"stages" validate:"required,min=1,dive"`
}

// StageDefinition configures one stage of a Definition.
type StageDefinition struct {
	ID             string             `yaml:"id" validate:"required"`
	BatchSize      int                `yaml:"batch_size" validate:"gte=0"`
	Concurrency    int                `yaml:"concurrency" validate:"gte=0"`
	ItemDelay      time.Duration      `yaml:"item_delay" validate:"gte=0"`
	BatchDelay     time.Duration      `yaml:"batch_delay" validate:"gte=0"`
	Options        map[string]any     `yaml:"options"`
	Rules          []model.FilterRule `yaml:"rules" validate:"dive"`
	SubstepWeights []metrics.Weight   `yaml:"substep_weights"`
}

// LoadDefinition reads and validates a pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read definition %s", path)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: definition %s", path)
	}
	return def, nil
}

// ParseDefinition decodes and validates a YAML pipeline definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse definition")
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&def); err != nil {
		return nil, eris.Wrap(err, "pipeline: invalid definition")
	}
	seen := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		if seen[s.ID] {
			return nil, eris.Errorf("pipeline: duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &def, nil
}

// DefaultStageOrder is the standard enrichment sequence.
var DefaultStageOrder = []string{
	"title_classification",
	"person_enrichment",
	"company_enrichment",
	"headcount_filter",
	"industry_filter",
	"public_company",
	"financial_report",
	"text_extraction",
	"insight_extraction",
}

// DefaultDefinition runs every standard stage with batchSize items per batch.
func DefaultDefinition(batchSize int) *Definition {
	def := &Definition{Name: "default"}
	for _, id := range DefaultStageOrder {
		def.Stages = append(def.Stages, StageDefinition{ID: id, BatchSize: batchSize})
	}
	return def
}
