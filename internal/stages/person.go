package stages

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/apollo"
)

// Person enrichment fields.
const (
	FieldPersonMatched   = "person_matched"
	FieldPersonEmail     = "person_email"
	FieldPersonPhone     = "person_phone"
	FieldPersonSeniority = "person_seniority"
	FieldPersonLocation  = "person_location"
	FieldPersonLinkedIn  = "person_linkedin_url"
)

// personData is the cached person match. Every field is omitempty so a
// miss encodes as "{}" and is never written to the cache.
type personData struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name,omitempty"`
	Title            string   `json:"title,omitempty"`
	Email            string   `json:"email,omitempty"`
	EmailStatus      string   `json:"email_status,omitempty"`
	PersonalEmails   []string `json:"personal_emails,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	LinkedInURL      string   `json:"linkedin_url,omitempty"`
	Location         string   `json:"location,omitempty"`
	Seniority        string   `json:"seniority,omitempty"`
	OrganizationID   string   `json:"organization_id,omitempty"`
	OrganizationName string   `json:"organization_name,omitempty"`
	Domain           string   `json:"domain,omitempty"`
}

type personStage struct {
	base
	client       apollo.Client
	table        *cache.Table[personData]
	revealEmails bool
	revealPhone  bool
}

func newPersonStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	if d.Apollo == nil {
		return nil, nil, eris.New("stages: person_enrichment requires an enrichment client")
	}
	s := &personStage{
		base:         describe(PersonEnrichment),
		client:       d.Apollo,
		table:        newTable[personData](d, "person"),
		revealEmails: cfg.Bool("reveal_personal_emails", false),
		revealPhone:  cfg.Bool("reveal_phone_number", false),
	}
	var rules []tagging.Rule
	if cfg.Bool("require_match", false) {
		rules = append(rules, tagging.Rule{
			Name:   "person:unmatched",
			Reason: tagging.TagMissingProfile,
			Predicate: func(r *model.Record) bool {
				v, ok := r.Get(FieldPersonMatched)
				matched, _ := v.(bool)
				return ok && !matched && r.Sources[FieldPersonMatched].Source != model.SourceError
			},
		})
	}
	return s, rules, nil
}

func (s *personStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	sess := s.table.Begin(ctx)

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		req := s.request(r)
		p, src := sess.Lookup(ctx, r.NaturalKey(), func(ctx context.Context) (personData, error) {
			return s.match(ctx, req, m)
		})
		s.apply(r, p, src)
		stage.Logf(onLog, "%s: person %s (%s)", r.NaturalKey(), orDash(p.Name), src.Source)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

func (s *personStage) request(r *model.Record) apollo.PersonMatchRequest {
	return apollo.PersonMatchRequest{
		LinkedInURL:          r.ProfileURL,
		FirstName:            r.FirstName,
		LastName:             r.LastName,
		OrganizationName:     r.CompanyName,
		Domain:               r.Domain,
		RevealPersonalEmails: s.revealEmails,
		RevealPhoneNumber:    s.revealPhone,
	}
}

func (s *personStage) match(ctx context.Context, req apollo.PersonMatchRequest, m *meter) (personData, error) {
	if req.LinkedInURL == "" && (req.FirstName == "" || req.LastName == "" || req.Domain == "" && req.OrganizationName == "") {
		return personData{}, resilience.Validationf("stages: person match needs a profile url or name and company")
	}
	m.calls(1)
	resp, err := s.client.MatchPerson(ctx, req)
	if err != nil {
		return personData{}, err
	}
	m.credits(1)
	if resp.Person == nil {
		return personData{}, nil
	}
	p := resp.Person
	out := personData{
		ID:             p.ID,
		Name:           p.Name,
		Title:          p.Title,
		Email:          p.Email,
		EmailStatus:    p.EmailStatus,
		PersonalEmails: p.PersonalEmails,
		LinkedInURL:    p.LinkedInURL,
		Location:       joinNonEmpty(", ", p.City, p.State, p.Country),
		Seniority:      p.Seniority,
		OrganizationID: p.OrganizationID,
	}
	if len(p.PhoneNumbers) > 0 {
		out.Phone = p.PhoneNumbers[0].SanitizedNumber
	}
	if o := p.Organization; o != nil {
		out.OrganizationName = o.Name
		out.Domain = o.PrimaryDomain
		if out.OrganizationID == "" {
			out.OrganizationID = o.ID
		}
	}
	return out, nil
}

// apply copies a match onto r. Identifying inputs are only filled when
// the lead list left them empty; the profile URL is never rewritten so the
// record keeps its natural key.
func (s *personStage) apply(r *model.Record, p personData, src model.SourceMarker) {
	setSourced(r, FieldPersonMatched, p.ID != "", src)
	if src.Source == model.SourceError || src.Source == model.SourcePlaceholder {
		return
	}
	for field, v := range map[string]string{
		FieldPersonEmail:     p.Email,
		FieldPersonPhone:     p.Phone,
		FieldPersonSeniority: p.Seniority,
		FieldPersonLocation:  p.Location,
		FieldPersonLinkedIn:  p.LinkedInURL,
	} {
		if v != "" {
			setSourced(r, field, v, src)
		}
	}
	if len(p.PersonalEmails) > 0 {
		setSourced(r, "person_personal_emails", p.PersonalEmails, src)
	}
	if r.Title == "" {
		r.Title = p.Title
	}
	if r.CompanyName == "" {
		r.CompanyName = p.OrganizationName
	}
	if r.Domain == "" {
		r.Domain = p.Domain
	}
}
