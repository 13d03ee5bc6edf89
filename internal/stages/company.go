package stages

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/apollo"
)

// Company enrichment fields.
const (
	FieldHeadcount   = "headcount"
	FieldIndustry    = "industry"
	FieldRevenue     = "annual_revenue"
	FieldFoundedYear = "founded_year"
	FieldTicker      = "ticker"
	FieldExchange    = "exchange"
	FieldCompanyHQ   = "company_location"
	FieldDescription = "company_description"
	FieldKeywords    = "company_keywords"
)

type companyData struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Industry    string   `json:"industry,omitempty"`
	Headcount   int      `json:"headcount,omitempty"`
	Revenue     float64  `json:"revenue,omitempty"`
	Founded     int      `json:"founded,omitempty"`
	Ticker      string   `json:"ticker,omitempty"`
	Exchange    string   `json:"exchange,omitempty"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

type companyStage struct {
	base
	client apollo.Client
	table  *cache.Table[companyData]
}

func newCompanyStage(d Deps, _ stage.Config) (stage.Stage, []tagging.Rule, error) {
	if d.Apollo == nil {
		return nil, nil, eris.New("stages: company_enrichment requires an enrichment client")
	}
	return &companyStage{
		base:   describe(CompanyEnrichment),
		client: d.Apollo,
		table:  newTable[companyData](d, "company"),
	}, nil, nil
}

func (s *companyStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	sess := s.table.Begin(ctx)

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		domain := strings.ToLower(strings.TrimSpace(r.Domain))
		key := ""
		if domain != "" {
			key = "domain:" + domain
		}
		c, src := sess.Lookup(ctx, key, func(ctx context.Context) (companyData, error) {
			return s.enrich(ctx, domain, m)
		})
		applyCompany(r, c, src)
		stage.Logf(onLog, "%s: company %s headcount=%d industry=%s (%s)",
			r.NaturalKey(), orDash(domain), c.Headcount, orDash(c.Industry), src.Source)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

func (s *companyStage) enrich(ctx context.Context, domain string, m *meter) (companyData, error) {
	if domain == "" {
		return companyData{}, resilience.Validationf("stages: company enrichment needs a domain")
	}
	m.calls(1)
	resp, err := s.client.EnrichOrganization(ctx, domain)
	if err != nil {
		return companyData{}, err
	}
	m.credits(1)
	o := resp.Organization
	if o == nil {
		return companyData{}, nil
	}
	return companyData{
		ID:          o.ID,
		Name:        o.Name,
		Domain:      o.PrimaryDomain,
		Industry:    o.Industry,
		Headcount:   o.EstimatedNumEmployees,
		Revenue:     o.AnnualRevenue,
		Founded:     o.FoundedYear,
		Ticker:      o.PubliclyTradedSymbol,
		Exchange:    o.PubliclyTradedExchange,
		Location:    joinNonEmpty(", ", o.City, o.State, o.Country),
		Description: o.ShortDescription,
		Keywords:    o.Keywords,
	}, nil
}

// applyCompany writes company fields. Unknown values are left unset so
// later filters treat them as unknown rather than zero.
func applyCompany(r *model.Record, c companyData, src model.SourceMarker) {
	if src.Source == model.SourceError || src.Source == model.SourcePlaceholder {
		r.SetSource(FieldHeadcount, src)
		r.SetSource(FieldIndustry, src)
		return
	}
	if c.Headcount > 0 {
		setSourced(r, FieldHeadcount, c.Headcount, src)
	}
	if c.Revenue > 0 {
		setSourced(r, FieldRevenue, c.Revenue, src)
	}
	if c.Founded > 0 {
		setSourced(r, FieldFoundedYear, c.Founded, src)
	}
	for field, v := range map[string]string{
		FieldIndustry:    c.Industry,
		FieldTicker:      strings.ToUpper(c.Ticker),
		FieldExchange:    c.Exchange,
		FieldCompanyHQ:   c.Location,
		FieldDescription: c.Description,
	} {
		if v != "" {
			setSourced(r, field, v, src)
		}
	}
	if len(c.Keywords) > 0 {
		setSourced(r, FieldKeywords, strings.Join(c.Keywords, ", "), src)
	}
	if r.CompanyName == "" {
		r.CompanyName = c.Name
	}
}
