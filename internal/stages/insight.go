package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/fetcher"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// InsightPrefix prefixes every extracted insight field.
const InsightPrefix = "insight_"

// DefaultInsights are extracted when the insights option is unset.
var DefaultInsights = []string{
	"revenue",
	"revenue_growth",
	"net_income",
	"employees",
	"strategic_priorities",
	"key_risks",
}

const insightSystem = `You are a financial analyst extracting facts from an annual report.
Reply with one JSON object whose keys are exactly the requested insight names.
Use null for anything the report does not state. Keep each value under 300 characters.`

type insightStage struct {
	base
	llm      llm.Client
	retry    resilience.RetryConfig
	breaker  *resilience.Breaker
	insights []string
	maxChars int
}

func newInsightStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	if err := requireLLM(InsightExtraction, d); err != nil {
		return nil, nil, err
	}
	insights := cfg.Strings("insights")
	if len(insights) == 0 {
		insights = DefaultInsights
	}
	retry := d.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("llm", "insights")
	}
	return &insightStage{
		base:     describe(InsightExtraction),
		llm:      d.LLM,
		retry:    retry,
		breaker:  resilience.NewBreaker("insights", d.Breaker),
		insights: insights,
		maxChars: cfg.Int("max_chars", DefaultMaxTextChars),
	}, nil, nil
}

func (s *insightStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		text := strings.TrimSpace(r.String(FieldReportText))
		if text == "" {
			m.specific("no_text", 1)
			r.SetSource(InsightPrefix+s.insights[0], model.SourceMarker{Source: model.SourcePlaceholder, Error: "no report text"})
			return nil
		}

		values, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (map[string]any, error) {
			return resilience.Call(ctx, s.breaker, func(ctx context.Context) (map[string]any, error) {
				return s.extract(ctx, r.CompanyName, text, m)
			})
		})
		if err != nil {
			m.errors(1)
			zap.L().Warn("stages: insight extraction failed", zap.String("key", r.NaturalKey()), zap.Error(err))
			marker := model.SourceMarker{Source: model.SourceError, Error: err.Error()}
			for _, name := range s.insights {
				r.SetSource(InsightPrefix+name, marker)
			}
			return nil
		}

		found := 0
		src := model.SourceMarker{Source: model.SourceProvider}
		for _, name := range s.insights {
			v, ok := values[name]
			if !ok || v == nil {
				continue
			}
			setSourced(r, InsightPrefix+name, v, src)
			found++
		}
		m.specific("insights_found", float64(found))
		stage.Logf(onLog, "%s: %d/%d insights", r.NaturalKey(), found, len(s.insights))
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	return m.finish(start, out, nil), nil
}

func (s *insightStage) extract(ctx context.Context, company, text string, m *meter) (map[string]any, error) {
	prompt := fmt.Sprintf("Company: %s\nInsights: %s\n\nReport:\n%s",
		orDash(company), strings.Join(s.insights, ", "), fetcher.Truncate(text, s.maxChars))
	resp, err := s.llm.Complete(ctx, llm.Request{
		System:      insightSystem,
		Prompt:      prompt,
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.Temperature(0),
		JSON:        true,
	})
	m.tokens(resp)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any)
	if err := llm.DecodeJSON(resp.Text, &values); err != nil {
		return nil, err
	}
	return values, nil
}
