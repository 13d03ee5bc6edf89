package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/jina"
)

// Financial report fields.
const (
	FieldReportURL   = "report_url"
	FieldReportTitle = "report_title"
	FieldReportYear  = "report_year"
)

const reportSystem = `You pick the URL of a company's most recent annual report (10-K, annual report or integrated report).
Choose only from the numbered candidates. Reply with a JSON object:
{"index": <candidate number or 0 if none fits>, "year": <fiscal year or 0>}`

type reportRef struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Year  int    `json:"year,omitempty"`
}

type reportStage struct {
	base
	llm      llm.Client
	jina     jina.Client
	table    *cache.Table[reportRef]
	year     int
	fileType string
}

func newReportStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	if err := requireLLM(FinancialReport, d); err != nil {
		return nil, nil, err
	}
	if d.Jina == nil {
		return nil, nil, eris.New("stages: financial_report requires a search client")
	}
	s := &reportStage{
		base:     describe(FinancialReport),
		llm:      d.LLM,
		jina:     d.Jina,
		table:    newTable[reportRef](d, "financial_report"),
		year:     cfg.Int("year", time.Now().Year()-1),
		fileType: cfg.String("file_type", ""),
	}
	var rules []tagging.Rule
	if cfg.Bool("require_report", true) {
		rules = append(rules, missingUnlessError(FieldReportURL, tagging.TagMissingReport))
	}
	return s, rules, nil
}

func (s *reportStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	sess := s.table.Begin(ctx)

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		name, domain, ticker := r.CompanyName, r.Domain, r.String(FieldTicker)
		key := companyKey(r)
		if key != "" {
			key = fmt.Sprintf("%s:%d", key, s.year)
		}
		ref, src := sess.Lookup(ctx, key, func(ctx context.Context) (reportRef, error) {
			return s.find(ctx, name, domain, ticker, m)
		})
		if src.Source == model.SourceError {
			r.SetSource(FieldReportURL, src)
			return nil
		}
		setSourced(r, FieldReportURL, ref.URL, src)
		if ref.Title != "" {
			r.Set(FieldReportTitle, ref.Title)
		}
		if ref.Year > 0 {
			r.Set(FieldReportYear, ref.Year)
		}
		stage.Logf(onLog, "%s: report %s (%s)", r.NaturalKey(), orDash(ref.URL), src.Source)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

func (s *reportStage) find(ctx context.Context, name, domain, ticker string, m *meter) (reportRef, error) {
	subject := joinNonEmpty(" ", name, ticker)
	if subject == "" {
		subject = domain
	}
	if subject == "" {
		return reportRef{}, resilience.Validationf("stages: report search needs a company name, ticker or domain")
	}

	var opts []jina.SearchOption
	if s.fileType != "" {
		opts = append(opts, jina.WithFileType(s.fileType))
	}
	query := fmt.Sprintf("%s annual report %d", subject, s.year)
	results, err := search(ctx, s.jina, query, m, opts...)
	if err != nil {
		return reportRef{}, err
	}
	if len(results) == 0 {
		return reportRef{}, nil
	}

	resp, err := s.llm.Complete(ctx, llm.Request{
		System:      reportSystem,
		Prompt:      fmt.Sprintf("Company: %s\nWebsite: %s\nTarget fiscal year: %d\n\nCandidates:\n%s", orDash(subject), orDash(domain), s.year, formatResults(results)),
		MaxTokens:   64,
		Temperature: llm.Temperature(0),
		JSON:        true,
	})
	m.tokens(resp)
	if err != nil {
		return reportRef{}, err
	}
	var pick struct {
		Index int `json:"index"`
		Year  int `json:"year"`
	}
	if err := llm.DecodeJSON(resp.Text, &pick); err != nil {
		return reportRef{}, err
	}
	if pick.Index < 1 || pick.Index > len(results) {
		return reportRef{}, nil
	}
	chosen := results[pick.Index-1]
	return reportRef{URL: strings.TrimSpace(chosen.URL), Title: chosen.Title, Year: pick.Year}, nil
}
