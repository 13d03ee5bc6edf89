// Package stages holds the concrete enrichment stages and registers them
// with a pipeline.Registry.
package stages

import (
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/fetcher"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/apollo"
	"github.com/sells-group/enrich-cli/pkg/jina"
)

// Stage ids.
const (
	TitleClassification = "title_classification"
	PersonEnrichment    = "person_enrichment"
	CompanyEnrichment   = "company_enrichment"
	HeadcountFilter     = "headcount_filter"
	IndustryFilter      = "industry_filter"
	PublicCompany       = "public_company"
	FinancialReport     = "financial_report"
	TextExtraction      = "text_extraction"
	InsightExtraction   = "insight_extraction"
	RuleFilter          = "rule_filter"
)

// Deps are the collaborators shared by every stage.
type Deps struct {
	Store   store.CacheStore
	LLM     llm.Client
	Apollo  apollo.Client
	Jina    jina.Client
	Fetcher fetcher.Fetcher

	Retry         resilience.RetryConfig
	Breaker       resilience.BreakerConfig
	StalenessDays int

	// MinHeadcount and Industries are defaults; stage options override them.
	MinHeadcount int
	Industries   []string
	// FilterRules feed the rule_filter stage.
	FilterRules []model.FilterRule
	// MaxTextChars bounds extracted report text.
	MaxTextChars int
}

// DefaultMinHeadcount applies when neither Deps nor options set one.
const DefaultMinHeadcount = 50

// DefaultMaxTextChars bounds report text handed to the language model.
const DefaultMaxTextChars = 60000

var descriptions = map[string]string{
	TitleClassification: "Label job titles with the language model; empty titles are irrelevant",
	PersonEnrichment:    "Match people against the enrichment provider (cached)",
	CompanyEnrichment:   "Enrich organizations by domain: headcount, industry, ticker (cached)",
	HeadcountFilter:     "Exclude companies below a minimum headcount",
	IndustryFilter:      "Exclude industries outside the relevant terms, asking the model when unsure",
	PublicCompany:       "Decide whether the company is publicly traded (cached)",
	FinancialReport:     "Find the latest annual report URL (cached)",
	TextExtraction:      "Download the report and extract readable text (cached)",
	InsightExtraction:   "Extract structured insights from report text",
	RuleFilter:          "Apply configured filter rules",
}

type factory func(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error)

// order is the registration order; ids resolve to factories here.
var order = []struct {
	id string
	fn factory
}{
	{TitleClassification, newTitleStage},
	{PersonEnrichment, newPersonStage},
	{CompanyEnrichment, newCompanyStage},
	{HeadcountFilter, newHeadcountStage},
	{IndustryFilter, newIndustryStage},
	{PublicCompany, newPublicStage},
	{FinancialReport, newReportStage},
	{TextExtraction, newTextStage},
	{InsightExtraction, newInsightStage},
	{RuleFilter, newRuleFilterStage},
}

// Register adds every stage to reg.
func Register(reg *pipeline.Registry, d Deps) error {
	for _, o := range order {
		fn := o.fn
		err := reg.Register(o.id, descriptions[o.id], func(cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
			return fn(d, cfg)
		})
		if err != nil {
			return eris.Wrap(err, "stages: register")
		}
	}
	return nil
}

// base carries the id and description every stage reports.
type base struct {
	id, description string
}

func (b base) ID() string          { return b.id }
func (b base) Description() string { return b.description }

func describe(id string) base {
	return base{id: id, description: descriptions[id]}
}

// newTable builds a cache table with the shared retry and breaker policy.
func newTable[T any](d Deps, namespace string) *cache.Table[T] {
	return cache.New[T](d.Store, namespace, cache.Options[T]{
		StalenessDays: d.StalenessDays,
		Retry:         d.Retry,
		Breaker:       resilience.NewBreaker(namespace, d.Breaker),
	})
}

// meter accumulates analytics from concurrent batch workers.
type meter struct {
	mu sync.Mutex
	a  model.StageAnalytics
}

func newMeter(id string, input int) *meter {
	return &meter{a: model.StageAnalytics{StageID: id, Status: model.StageStatusProcessing, Input: input}}
}

func (m *meter) tokens(resp *llm.Response) {
	if resp == nil {
		return
	}
	m.mu.Lock()
	m.a.AddTokens(resp.InputTokens, resp.OutputTokens)
	m.a.APICalls++
	m.mu.Unlock()
}

func (m *meter) calls(n int) {
	m.mu.Lock()
	m.a.APICalls += n
	m.mu.Unlock()
}

func (m *meter) credits(n int64) {
	m.mu.Lock()
	m.a.CreditUnits += n
	m.mu.Unlock()
}

func (m *meter) errors(n int) {
	m.mu.Lock()
	m.a.Errors += n
	m.mu.Unlock()
}

func (m *meter) specific(name string, v float64) {
	m.mu.Lock()
	m.a.AddSpecific(name, v)
	m.mu.Unlock()
}

func (m *meter) substep(s model.SubstepAnalytics) {
	m.mu.Lock()
	m.a.Substeps = append(m.a.Substeps, s)
	m.mu.Unlock()
}

// finish builds the stage output. Cache session stats are added when the
// stage used a cache table.
func (m *meter) finish(start time.Time, data []model.Record, stats *cache.Stats) *stage.Output {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.a
	if stats != nil {
		// Fetch attempts were metered directly by the stage.
		s := *stats
		s.Fetches = 0
		s.Apply(&a)
		a.AddSpecific("cache_stale", float64(stats.Stale))
		a.AddSpecific("cache_bypassed", float64(stats.Bypassed))
	}
	a.Output = len(data)
	a.Elapsed = time.Since(start)
	a.Status = model.StageStatusComplete
	return &stage.Output{Data: data, Analytics: a}
}

// partial hands the settled rows back with err, so a cancelled run keeps
// the work already paid for.
func partial(out []model.Record, err error) (*stage.Output, error) {
	if out == nil {
		return nil, err
	}
	return &stage.Output{Data: out}, err
}

// setSourced writes a field and its provenance together.
func setSourced(r *model.Record, field string, value any, src model.SourceMarker) {
	r.Set(field, value)
	r.SetSource(field, src)
}

// companyKey identifies a company for caches shared across people at the
// same employer: domain first, then organization id, then folded name.
func companyKey(r *model.Record) string {
	if d := strings.TrimSpace(strings.ToLower(r.Domain)); d != "" {
		return "domain:" + d
	}
	if k := r.OrganizationKey(); k != "" {
		return k
	}
	if n := model.FoldName(r.CompanyName); n != "" {
		return "company:" + n
	}
	return ""
}

// missingUnlessError tags records whose field is blank, except when the
// value is blank because the provider call failed.
func missingUnlessError(field, reason string) tagging.Rule {
	empty := tagging.EmptyField(field, reason)
	return tagging.Rule{
		Name:   "missing:" + field,
		Reason: reason,
		Predicate: func(r *model.Record) bool {
			if m, ok := r.Sources[field]; ok && m.Source == model.SourceError {
				return false
			}
			return empty.Predicate(r)
		},
	}
}

// requireLLM fails stage construction when the model client is missing.
func requireLLM(id string, d Deps) error {
	if d.LLM == nil {
		return eris.Errorf("stages: %s requires a language model client", id)
	}
	return nil
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
