package stages

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/fetcher"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/pkg/jina"
)

// fakeFetcher serves canned documents keyed by URL.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]*fetcher.Document
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:  make(map[string]*fetcher.Document),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*fetcher.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	if err, ok := f.errs[rawURL]; ok {
		return nil, err
	}
	doc, ok := f.docs[rawURL]
	if !ok {
		return nil, resilience.StatusError("fetcher", 404, []byte("not found"))
	}
	return doc, nil
}

func (f *fakeFetcher) serve(rawURL, contentType, body string) {
	f.docs[rawURL] = &fetcher.Document{URL: rawURL, ContentType: contentType, Body: []byte(body)}
}

func reportRecord(u string) model.Record {
	r := model.Record{ProfileURL: "linkedin.com/in/" + u}
	if u != "" {
		r.Set(FieldReportURL, u)
	}
	return r
}

func longReport(words int) string {
	return "<html><body><main><h1>Annual Report</h1><p>" +
		strings.Repeat("revenue grew strongly ", words/3) + "</p></main></body></html>"
}

func TestTextExtraction_DirectHTML(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	f := newFakeFetcher()
	f.serve("https://ir.acme.com/ar", "text/html; charset=utf-8", longReport(90))
	env.deps.Fetcher = f

	st, rules := build(t, env.deps, TextExtraction, nil)
	assert.Empty(t, rules)
	out := process(t, st, []model.Record{
		reportRecord("https://ir.acme.com/ar"),
		reportRecord("https://ir.acme.com/ar"),
		reportRecord(""),
	})

	got := out.Data[0]
	assert.Contains(t, got.String(FieldReportText), "# Annual Report")
	words, _ := got.Fields[FieldReportWords].(int)
	assert.GreaterOrEqual(t, words, 90)
	assert.Equal(t, model.SourceCache, out.Data[1].Sources[FieldReportText].Source)
	assert.Equal(t, model.SourcePlaceholder, out.Data[2].Sources[FieldReportText].Source)
	assert.Equal(t, 1, f.calls["https://ir.acme.com/ar"])
	assert.True(t, env.store.has("report_text", "url:https://ir.acme.com/ar"))

	require.Len(t, out.Analytics.Substeps, 2)
	assert.Equal(t, 1, out.Analytics.Substeps[0].APICalls)
	assert.Zero(t, out.Analytics.Substeps[1].APICalls)
	env.jina.AssertNotCalled(t, "Read", mock.Anything, mock.Anything)
}

func TestTextExtraction_PDFFallsBackToReader(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	f := newFakeFetcher()
	f.serve("https://ir.acme.com/ar.pdf", "application/pdf", "%PDF-1.7 ...")
	env.deps.Fetcher = f
	env.jina.On("Read", mock.Anything, "https://ir.acme.com/ar.pdf").Return(&jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{Title: "Annual Report 2025", Content: "Revenue was $1.2B.", Usage: jina.Usage{Tokens: 40}},
	}, nil).Once()

	st, _ := build(t, env.deps, TextExtraction, nil)
	out := process(t, st, []model.Record{reportRecord("https://ir.acme.com/ar.pdf")})

	assert.Equal(t, "Revenue was $1.2B.", out.Data[0].String(FieldReportText))
	assert.Equal(t, 3, out.Data[0].Fields[FieldReportWords])
	assert.Equal(t, float64(40), out.Analytics.Specific["reader_tokens"])
	assert.Equal(t, 2, out.Analytics.APICalls)
}

func TestTextExtraction_InvalidURLNotRetriedOrRead(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	f := newFakeFetcher()
	f.errs["mailto:ir@acme.com"] = resilience.Validationf("fetcher: unsupported scheme %q", "mailto")
	env.deps.Fetcher = f

	st, _ := build(t, env.deps, TextExtraction, nil)
	out := process(t, st, []model.Record{reportRecord("mailto:ir@acme.com")})

	assert.Equal(t, model.SourcePlaceholder, out.Data[0].Sources[FieldReportText].Source)
	assert.Contains(t, out.Data[0].Sources[FieldReportText].Error, "unsupported scheme")
	assert.Equal(t, 1, f.calls["mailto:ir@acme.com"])
	assert.Equal(t, 1, out.Analytics.Skipped)
	assert.Zero(t, out.Analytics.Errors)
}

func TestTextExtraction_ReaderOnly(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.jina.On("Read", mock.Anything, "https://x.test/r").Return(nil, eris.New("jina: boom")).Once()

	st, _ := build(t, env.deps, TextExtraction, map[string]any{"max_chars": 10})
	out := process(t, st, []model.Record{reportRecord("https://x.test/r")})
	assert.Equal(t, model.SourceError, out.Data[0].Sources[FieldReportText].Source)
}

func TestInsightExtraction(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.llm.On("Complete", mock.Anything, promptContains("Company: Acme")).
		Return(llmText(`{"revenue": "$1.2B", "net_income": null, "key_risks": "supply chain"}`), nil).Once()

	st, rules := build(t, env.deps, InsightExtraction, map[string]any{"insights": "revenue, net_income, key_risks"})
	assert.Empty(t, rules)

	withText := model.Record{CompanyName: "Acme"}
	withText.Set(FieldReportText, "Revenue was $1.2B.")
	out := process(t, st, []model.Record{withText, {CompanyName: "Blank"}})

	got := out.Data[0]
	assert.Equal(t, "$1.2B", got.String(InsightPrefix+"revenue"))
	assert.Equal(t, "supply chain", got.String(InsightPrefix+"key_risks"))
	_, ok := got.Get(InsightPrefix + "net_income")
	assert.False(t, ok)
	assert.Equal(t, model.SourcePlaceholder, out.Data[1].Sources[InsightPrefix+"revenue"].Source)
	assert.Equal(t, float64(2), out.Analytics.Specific["insights_found"])
	assert.Equal(t, float64(1), out.Analytics.Specific["no_text"])
}

func TestInsightExtraction_FailureMarksEveryField(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.llm.On("Complete", mock.Anything, mock.Anything).Return(nil, errUpstream).Times(3)

	st, _ := build(t, env.deps, InsightExtraction, nil)
	r := model.Record{CompanyName: "Acme"}
	r.Set(FieldReportText, "text")
	out := process(t, st, []model.Record{r})

	for _, name := range DefaultInsights {
		assert.Equal(t, model.SourceError, out.Data[0].Sources[InsightPrefix+name].Source, name)
	}
	assert.Equal(t, 1, out.Analytics.Errors)
}

func TestRuleFilter(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.deps.FilterRules = []model.FilterRule{
		{Field: "country", Operator: model.OpEquals, Value: "FR", Action: model.ActionEliminate, Reason: "Out of region"},
	}

	st, rules := build(t, env.deps, RuleFilter, nil)
	require.Len(t, rules, 1)

	us, fr := model.Record{}, model.Record{}
	us.Set("country", "US")
	fr.Set("country", "FR")
	out := process(t, st, []model.Record{us, fr})
	assert.Zero(t, out.Analytics.APICalls)

	assert.False(t, rules[0].Predicate(&out.Data[0]))
	assert.True(t, rules[0].Predicate(&out.Data[1]))
	assert.Equal(t, "Out of region", rules[0].Reason)
}
