// Package stage defines the contract every enrichment stage implements.
package stage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// LogFunc receives human-readable trace lines. Lines are for display only;
// no metric is derived from them.
type LogFunc func(line string)

// ProgressFunc receives a completion percentage in [0, 100].
type ProgressFunc func(percent float64)

// Output is what a stage returns: one record per input record, in input
// order, plus the stage's typed analytics.
type Output struct {
	Data      []model.Record
	Analytics model.StageAnalytics
}

// Stage is one step of the linear enrichment pipeline. Stages are stateless
// across invocations and never receive tagged records. They must return
// exactly one output record per input record and must check ctx between
// items.
type Stage interface {
	ID() string
	Description() string
	Process(ctx context.Context, records []model.Record, cfg Config, onLog LogFunc, onProgress ProgressFunc) (*Output, error)
}

// Spec binds a stage to its per-pipeline config and exclusion rules. The
// same Stage may appear in several pipelines with different Specs.
type Spec struct {
	Stage  Stage
	Config Config
	Rules  []tagging.Rule
}

// ID returns the stage id.
func (s Spec) ID() string { return s.Stage.ID() }

// Config carries batch pacing and stage-specific options.
type Config struct {
	// BatchSize bounds how many items are in flight or paced together.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// Concurrency > 1 runs each batch concurrently; otherwise items run
	// sequentially with ItemDelay between them.
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	ItemDelay   time.Duration `yaml:"item_delay" mapstructure:"item_delay"`
	BatchDelay  time.Duration `yaml:"batch_delay" mapstructure:"batch_delay"`
	// Options holds stage-specific settings from the pipeline definition.
	Options map[string]any `yaml:"options" mapstructure:"options"`
}

// String returns a string option or def.
func (c Config) String(key, def string) string {
	if v, ok := c.Options[key]; ok {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return def
}

// Int returns an integer option or def.
func (c Config) Int(key string, def int) int {
	v, ok := c.Options[key]
	if !ok {
		return def
	}
	if f, ok := model.ToFloat(v); ok {
		return int(f)
	}
	return def
}

// Bool returns a boolean option or def.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c.Options[key]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Strings returns a list option. Comma-separated strings are split.
func (c Config) Strings(key string) []string {
	v, ok := c.Options[key]
	if !ok {
		return nil
	}
	var out []string
	switch s := v.(type) {
	case []string:
		out = append(out, s...)
	case []any:
		for _, e := range s {
			out = append(out, fmt.Sprint(e))
		}
	case string:
		out = strings.Split(s, ",")
	}
	cleaned := out[:0]
	for _, e := range out {
		if e = strings.TrimSpace(e); e != "" {
			cleaned = append(cleaned, e)
		}
	}
	return cleaned
}

// Logf formats a line to onLog when it is set.
func Logf(onLog LogFunc, format string, args ...any) {
	if onLog != nil {
		onLog(fmt.Sprintf(format, args...))
	}
}
