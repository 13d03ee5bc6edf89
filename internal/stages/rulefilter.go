package stages

import (
	"context"
	"time"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// ruleFilterStage passes records through unchanged. The globally
// configured filter rules are its exclusion rules; per-definition rules are
// appended by the registry.
type ruleFilterStage struct {
	base
}

func newRuleFilterStage(d Deps, _ stage.Config) (stage.Stage, []tagging.Rule, error) {
	rules, err := tagging.NewEngine().FromFilterRules(d.FilterRules)
	if err != nil {
		return nil, nil, err
	}
	return &ruleFilterStage{base: describe(RuleFilter)}, rules, nil
}

func (s *ruleFilterStage) Process(ctx context.Context, records []model.Record, _ stage.Config, _ stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	out, err := stage.Records(ctx, records, stage.Config{BatchSize: len(records)}, onProgress, func(context.Context, *model.Record) error {
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	return m.finish(start, out, nil), nil
}
