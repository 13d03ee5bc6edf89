package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// Industry filter fields.
const (
	FieldIndustryRelevant = "industry_relevant"
	FieldIndustryMatch    = "industry_match"
)

const industrySystem = `You decide whether a company's industry belongs to a target market.
Reply with a JSON object: {"relevant": true|false, "reason": "<short reason>"}.`

type industryDecision struct {
	Relevant bool   `json:"relevant"`
	Reason   string `json:"reason,omitempty"`
}

type industryStage struct {
	base
	llm      llm.Client
	table    *cache.Table[industryDecision]
	terms    []string
	termsKey string
	fallback bool
}

func newIndustryStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	terms := cfg.Strings("industries")
	if len(terms) == 0 {
		terms = d.Industries
	}
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	slices.Sort(lowered)
	lowered = slices.Compact(lowered)

	fallback := cfg.Bool("llm_fallback", true) && d.LLM != nil
	sum := sha256.Sum256([]byte(strings.Join(lowered, "|")))
	s := &industryStage{
		base:     describe(IndustryFilter),
		llm:      d.LLM,
		table:    newTable[industryDecision](d, "industry"),
		terms:    lowered,
		termsKey: hex.EncodeToString(sum[:6]),
		fallback: fallback,
	}

	rule := tagging.FieldEquals(FieldIndustryRelevant, "false", tagging.TagIndustry)
	if !fallback {
		rule = tagging.IndustryNotIn(FieldIndustry, lowered)
	}
	return s, []tagging.Rule{rule}, nil
}

func (s *industryStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	if len(s.terms) == 0 {
		stage.Logf(onLog, "no relevant industries configured; passing %d records", len(records))
		out, err := stage.Records(ctx, records, stage.Config{}, onProgress, func(context.Context, *model.Record) error { return nil })
		if err != nil {
			return partial(out, err)
		}
		return m.finish(start, out, nil), nil
	}

	sess := s.table.Begin(ctx)
	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		industry := strings.ToLower(strings.TrimSpace(r.String(FieldIndustry)))
		if industry == "" {
			m.specific("unknown_industry", 1)
			return nil
		}
		if tagging.MatchesAny(industry, s.terms) {
			r.Set(FieldIndustryRelevant, true)
			r.Set(FieldIndustryMatch, "term")
			m.specific("term_matches", 1)
			return nil
		}
		if !s.fallback {
			r.Set(FieldIndustryRelevant, false)
			r.Set(FieldIndustryMatch, "term")
			return nil
		}

		key := "industry:" + s.termsKey + ":" + industry
		dec, src := sess.Lookup(ctx, key, func(ctx context.Context) (industryDecision, error) {
			return s.decide(ctx, industry, m)
		})
		if src.Source == model.SourceError {
			r.SetSource(FieldIndustryRelevant, src)
			return nil
		}
		setSourced(r, FieldIndustryRelevant, dec.Relevant, src)
		r.Set(FieldIndustryMatch, "model")
		stage.Logf(onLog, "%s: industry %q relevant=%t (%s) %s", r.NaturalKey(), industry, dec.Relevant, src.Source, dec.Reason)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

func (s *industryStage) decide(ctx context.Context, industry string, m *meter) (industryDecision, error) {
	resp, err := s.llm.Complete(ctx, llm.Request{
		System:      industrySystem,
		Prompt:      fmt.Sprintf("Target industries: %s\n\nCompany industry: %s", strings.Join(s.terms, ", "), industry),
		MaxTokens:   128,
		Temperature: llm.Temperature(0),
		JSON:        true,
	})
	m.tokens(resp)
	if err != nil {
		return industryDecision{}, err
	}
	var dec industryDecision
	if err := llm.DecodeJSON(resp.Text, &dec); err != nil {
		return industryDecision{}, err
	}
	return dec, nil
}
