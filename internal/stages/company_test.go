package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/apollo"
)

func TestCompanyEnrichment(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.apollo.On("EnrichOrganization", mock.Anything, "acme.com").Return(&apollo.OrganizationResponse{Organization: &apollo.Organization{
		ID: "o1", Name: "Acme Corp", PrimaryDomain: "acme.com", Industry: "Industrial Machinery",
		EstimatedNumEmployees: 1200, PubliclyTradedSymbol: "acme", PubliclyTradedExchange: "NYSE",
		Keywords: []string{"pumps", "valves"},
	}}, nil).Once()

	st, rules := build(t, env.deps, CompanyEnrichment, nil)
	assert.Empty(t, rules)

	// Two people at the same company share one provider call.
	out, err := st.Process(context.Background(), []model.Record{
		{ProfileURL: "linkedin.com/in/a", Domain: "ACME.com"},
		{ProfileURL: "linkedin.com/in/b", Domain: "acme.com"},
		{ProfileURL: "linkedin.com/in/c"},
	}, stage.Config{BatchSize: 1}, nil, nil)
	require.NoError(t, err)

	a := out.Data[0]
	assert.Equal(t, 1200, a.Fields[FieldHeadcount])
	assert.Equal(t, "Industrial Machinery", a.String(FieldIndustry))
	assert.Equal(t, "ACME", a.String(FieldTicker))
	assert.Equal(t, "pumps, valves", a.String(FieldKeywords))
	assert.Equal(t, "Acme Corp", a.CompanyName)
	assert.Equal(t, model.SourceProvider, a.Sources[FieldHeadcount].Source)

	b := out.Data[1]
	assert.Equal(t, model.SourceCache, b.Sources[FieldHeadcount].Source)
	assert.Equal(t, float64(1200), mustNumber(t, b, FieldHeadcount))

	c := out.Data[2]
	_, ok := c.Get(FieldHeadcount)
	assert.False(t, ok, "unknown headcount stays unset")
	assert.Equal(t, model.SourcePlaceholder, c.Sources[FieldHeadcount].Source)

	assert.Equal(t, 1, out.Analytics.APICalls)
	assert.Equal(t, int64(1), out.Analytics.CreditUnits)
	assert.Equal(t, 1, out.Analytics.CacheHits)
	assert.Equal(t, 1, out.Analytics.Skipped)
}

func TestCompanyEnrichment_StaleEntryRefetched(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.store.put("company", "domain:acme.com", `{"id":"o1","headcount":10}`, 91*24*time.Hour)
	env.apollo.On("EnrichOrganization", mock.Anything, "acme.com").Return(&apollo.OrganizationResponse{Organization: &apollo.Organization{
		ID: "o1", EstimatedNumEmployees: 12,
	}}, nil).Once()

	st, _ := build(t, env.deps, CompanyEnrichment, nil)
	out := process(t, st, []model.Record{{Domain: "acme.com"}})

	assert.Equal(t, 12, out.Data[0].Fields[FieldHeadcount])
	assert.Equal(t, float64(1), out.Analytics.Specific["cache_stale"])
}

func mustNumber(t *testing.T, r model.Record, field string) float64 {
	t.Helper()
	n, ok := r.Number(field)
	require.True(t, ok, field)
	return n
}

func TestHeadcountFilter(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.deps.MinHeadcount = 100
	st, rules := build(t, env.deps, HeadcountFilter, nil)
	require.Len(t, rules, 1)

	records := []model.Record{{}, {}, {}, {}}
	records[0].Set(FieldHeadcount, 99)
	records[1].Set(FieldHeadcount, 100)
	records[2].Set(FieldHeadcount, "51-200")

	out := process(t, st, records)
	assert.Equal(t, float64(2), out.Analytics.Specific["below_minimum"])
	assert.Equal(t, float64(1), out.Analytics.Specific["unknown_headcount"])
	assert.Zero(t, out.Analytics.APICalls)

	res := tagging.NewEngine().Apply(out.Data, rules)
	assert.Equal(t, 2, res.Tagged)
	assert.Equal(t, tagging.TagLowHeadcount, out.Data[0].TagReason())
	assert.False(t, out.Data[1].Tagged())
	assert.False(t, out.Data[3].Tagged(), "unknown headcount is kept")
}

func TestHeadcountFilter_OptionOverridesDefault(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	st, rules := build(t, env.deps, HeadcountFilter, map[string]any{"min_headcount": 10})
	assert.Equal(t, 10, st.(*headcountStage).minimum)

	r := model.Record{}
	r.Set(FieldHeadcount, 20)
	assert.False(t, rules[0].Predicate(&r))

	st, _ = build(t, env.deps, HeadcountFilter, nil)
	assert.Equal(t, DefaultMinHeadcount, st.(*headcountStage).minimum)
}
