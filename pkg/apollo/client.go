// Package apollo provides a client for the Apollo.io people and
// organization enrichment API.
package apollo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

const defaultBaseURL = "https://api.apollo.io/api/v1"

// Client defines the Apollo operations used by the pipeline.
type Client interface {
	// MatchPerson enriches one person by profile URL or name + domain.
	MatchPerson(ctx context.Context, req PersonMatchRequest) (*PersonMatchResponse, error)
	// EnrichOrganization enriches one company by domain.
	EnrichOrganization(ctx context.Context, domain string) (*OrganizationResponse, error)
	// Ping checks the API key against the health endpoint.
	Ping(ctx context.Context) error
}

// PersonMatchRequest is the body for POST /people/match.
type PersonMatchRequest struct {
	LinkedInURL          string `json:"linkedin_url,omitempty"`
	FirstName            string `json:"first_name,omitempty"`
	LastName             string `json:"last_name,omitempty"`
	OrganizationName     string `json:"organization_name,omitempty"`
	Domain               string `json:"domain,omitempty"`
	RevealPersonalEmails bool   `json:"reveal_personal_emails"`
	RevealPhoneNumber    bool   `json:"reveal_phone_number"`
}

// PersonMatchResponse wraps the matched person. Person is nil on no match.
type PersonMatchResponse struct {
	Person *Person `json:"person"`
}

// Person is the subset of Apollo's person object the pipeline keeps.
type Person struct {
	ID             string        `json:"id"`
	FirstName      string        `json:"first_name"`
	LastName       string        `json:"last_name"`
	Name           string        `json:"name"`
	Title          string        `json:"title"`
	Headline       string        `json:"headline"`
	Email          string        `json:"email"`
	EmailStatus    string        `json:"email_status"`
	PersonalEmails []string      `json:"personal_emails,omitempty"`
	PhoneNumbers   []PhoneNumber `json:"phone_numbers,omitempty"`
	LinkedInURL    string        `json:"linkedin_url"`
	City           string        `json:"city"`
	State          string        `json:"state"`
	Country        string        `json:"country"`
	Seniority      string        `json:"seniority"`
	OrganizationID string        `json:"organization_id"`
	Organization   *Organization `json:"organization,omitempty"`
}

// PhoneNumber is one revealed phone number.
type PhoneNumber struct {
	RawNumber       string `json:"raw_number"`
	SanitizedNumber string `json:"sanitized_number"`
	Type            string `json:"type"`
}

// OrganizationResponse wraps an enriched organization. Organization is nil
// when Apollo has no record for the domain.
type OrganizationResponse struct {
	Organization *Organization `json:"organization"`
}

// Organization is the subset of Apollo's organization object the pipeline keeps.
type Organization struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	WebsiteURL             string   `json:"website_url"`
	PrimaryDomain          string   `json:"primary_domain"`
	LinkedInURL            string   `json:"linkedin_url"`
	Industry               string   `json:"industry"`
	Keywords               []string `json:"keywords,omitempty"`
	EstimatedNumEmployees  int      `json:"estimated_num_employees"`
	AnnualRevenue          float64  `json:"annual_revenue"`
	FoundedYear            int      `json:"founded_year"`
	PubliclyTradedSymbol   string   `json:"publicly_traded_symbol"`
	PubliclyTradedExchange string   `json:"publicly_traded_exchange"`
	City                   string   `json:"city"`
	State                  string   `json:"state"`
	Country                string   `json:"country"`
	ShortDescription       string   `json:"short_description"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default rate limit (5 req/s). Zero disables it.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an Apollo API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) MatchPerson(ctx context.Context, req PersonMatchRequest) (*PersonMatchResponse, error) {
	if req.LinkedInURL == "" && (req.FirstName == "" || req.LastName == "" || (req.Domain == "" && req.OrganizationName == "")) {
		return nil, resilience.Validationf("apollo: person match needs a profile URL or name plus company")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "apollo: marshal person match")
	}

	var out PersonMatchResponse
	if err := c.do(ctx, http.MethodPost, "/people/match", nil, body, &out); err != nil {
		return nil, eris.Wrap(err, "apollo: person match")
	}
	return &out, nil
}

func (c *httpClient) EnrichOrganization(ctx context.Context, domain string) (*OrganizationResponse, error) {
	if domain == "" {
		return nil, resilience.Validationf("apollo: organization enrich needs a domain")
	}
	q := url.Values{"domain": {domain}}

	var out OrganizationResponse
	if err := c.do(ctx, http.MethodGet, "/organizations/enrich", q, nil, &out); err != nil {
		return nil, eris.Wrapf(err, "apollo: enrich organization %s", domain)
	}
	return &out, nil
}

func (c *httpClient) Ping(ctx context.Context) error {
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/health", nil, nil, &out); err != nil {
		return eris.Wrap(err, "apollo: ping")
	}
	if !out.Healthy {
		return eris.New("apollo: health check reported unhealthy")
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resilience.StatusError("apollo", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
