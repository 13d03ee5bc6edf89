package stages

import (
	"context"
	"time"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// headcountStage makes no external calls. Its work is the exclusion rule;
// Process only counts how many records carry a usable headcount.
type headcountStage struct {
	base
	field   string
	minimum int
}

func newHeadcountStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	minimum := d.MinHeadcount
	if minimum <= 0 {
		minimum = DefaultMinHeadcount
	}
	minimum = cfg.Int("min_headcount", minimum)
	field := cfg.String("field", FieldHeadcount)
	s := &headcountStage{base: describe(HeadcountFilter), field: field, minimum: minimum}
	return s, []tagging.Rule{tagging.HeadcountBelow(field, minimum)}, nil
}

func (s *headcountStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))

	out, err := stage.Records(ctx, records, stage.Config{BatchSize: cfg.BatchSize}, onProgress, func(_ context.Context, r *model.Record) error {
		n, ok := r.Number(s.field)
		switch {
		case !ok:
			m.specific("unknown_headcount", 1)
		case n < float64(s.minimum):
			m.specific("below_minimum", 1)
			stage.Logf(onLog, "%s: headcount %.0f below %d", r.NaturalKey(), n, s.minimum)
		}
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	return m.finish(start, out, nil), nil
}
