package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/jina"
)

// FieldIsPublic records whether the company is publicly traded.
const FieldIsPublic = "is_public"

const publicSystem = `You determine whether a company is publicly traded on a stock exchange.
Use only the search results provided. Reply with a JSON object:
{"public": true|false, "ticker": "<symbol or empty>", "exchange": "<exchange or empty>", "evidence_url": "<url or empty>"}`

// maxSearchResults bounds the snippets sent to the model.
const maxSearchResults = 5

type publicInfo struct {
	Public      bool   `json:"public"`
	Ticker      string `json:"ticker,omitempty"`
	Exchange    string `json:"exchange,omitempty"`
	EvidenceURL string `json:"evidence_url,omitempty"`
}

type publicStage struct {
	base
	llm   llm.Client
	jina  jina.Client
	table *cache.Table[publicInfo]
}

func newPublicStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	if err := requireLLM(PublicCompany, d); err != nil {
		return nil, nil, err
	}
	s := &publicStage{
		base:  describe(PublicCompany),
		llm:   d.LLM,
		jina:  d.Jina,
		table: newTable[publicInfo](d, "public_company"),
	}
	var rules []tagging.Rule
	if cfg.Bool("exclude_private", true) {
		rules = append(rules, tagging.FieldEquals(FieldIsPublic, "false", tagging.TagNotPublic))
	}
	return s, rules, nil
}

func (s *publicStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	sess := s.table.Begin(ctx)

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		if ticker := r.String(FieldTicker); ticker != "" {
			setSourced(r, FieldIsPublic, true, r.Sources[FieldTicker])
			m.specific("known_tickers", 1)
			return nil
		}

		name, domain := r.CompanyName, r.Domain
		info, src := sess.Lookup(ctx, companyKey(r), func(ctx context.Context) (publicInfo, error) {
			return s.detect(ctx, name, domain, m)
		})
		if src.Source == model.SourceError || src.Source == model.SourcePlaceholder {
			r.SetSource(FieldIsPublic, src)
			return nil
		}
		setSourced(r, FieldIsPublic, info.Public, src)
		if info.Ticker != "" {
			setSourced(r, FieldTicker, strings.ToUpper(info.Ticker), src)
		}
		if info.Exchange != "" {
			setSourced(r, FieldExchange, info.Exchange, src)
		}
		stage.Logf(onLog, "%s: %s public=%t ticker=%s (%s)", r.NaturalKey(), orDash(name), info.Public, orDash(info.Ticker), src.Source)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

func (s *publicStage) detect(ctx context.Context, name, domain string, m *meter) (publicInfo, error) {
	subject := joinNonEmpty(" ", name, domain)
	if subject == "" {
		return publicInfo{}, resilience.Validationf("stages: public company check needs a company name or domain")
	}

	results, err := search(ctx, s.jina, subject+" stock ticker investor relations", m)
	if err != nil {
		return publicInfo{}, err
	}
	resp, err := s.llm.Complete(ctx, llm.Request{
		System:      publicSystem,
		Prompt:      fmt.Sprintf("Company: %s\nWebsite: %s\n\nSearch results:\n%s", orDash(name), orDash(domain), formatResults(results)),
		MaxTokens:   256,
		Temperature: llm.Temperature(0),
		JSON:        true,
	})
	m.tokens(resp)
	if err != nil {
		return publicInfo{}, err
	}
	var info publicInfo
	if err := llm.DecodeJSON(resp.Text, &info); err != nil {
		return publicInfo{}, err
	}
	return info, nil
}

// search runs one query and meters it. A nil client returns no results so
// the model answers from the company name alone.
func search(ctx context.Context, client jina.Client, query string, m *meter, opts ...jina.SearchOption) ([]jina.SearchResult, error) {
	if client == nil {
		return nil, nil
	}
	m.calls(1)
	m.specific("searches", 1)
	resp, err := client.Search(ctx, query, opts...)
	if err != nil {
		return nil, err
	}
	m.specific("search_tokens", float64(resp.Tokens()))
	if len(resp.Data) > maxSearchResults {
		return resp.Data[:maxSearchResults], nil
	}
	return resp.Data, nil
}

func formatResults(results []jina.SearchResult) string {
	if len(results) == 0 {
		return "(no results)"
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, strings.ReplaceAll(r.Snippet(), "\n", " "))
	}
	return b.String()
}
