package model

import (
	"maps"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Source identifies where an enrichment value came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceProvider    Source = "provider"
	SourceError       Source = "error"
	SourcePlaceholder Source = "placeholder"
)

// SourceMarker records provenance for a single enrichment field.
type SourceMarker struct {
	Source Source `json:"source"`
	Error  string `json:"error,omitempty"`
}

// Record is one lead/company row flowing through the pipeline.
type Record struct {
	ProfileURL     string `json:"profile_url,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Title          string `json:"title,omitempty"`
	CompanyName    string `json:"company_name,omitempty"`
	Domain         string `json:"domain,omitempty"`

	// RelevanceTag is write-once. A tagged record is skipped by all later
	// stages but stays in the final output.
	RelevanceTag *string `json:"relevance_tag,omitempty"`

	Fields  map[string]any          `json:"fields,omitempty"`
	Sources map[string]SourceMarker `json:"sources,omitempty"`
}

// Tagged reports whether the record has been excluded.
func (r *Record) Tagged() bool {
	return r.RelevanceTag != nil
}

// Tag excludes the record with the given reason. An existing tag is never
// replaced; the return value reports whether the tag was applied.
func (r *Record) Tag(reason string) bool {
	if r.RelevanceTag != nil {
		return false
	}
	r.RelevanceTag = &reason
	return true
}

// TagReason returns the relevance tag or "" when untagged.
func (r *Record) TagReason() string {
	if r.RelevanceTag == nil {
		return ""
	}
	return *r.RelevanceTag
}

// Set writes an enrichment field.
func (r *Record) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
}

// Get returns an enrichment field value.
func (r *Record) Get(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// String returns a field as a string, or "" if absent or not a string.
func (r *Record) String(field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetSource records the provenance of a field.
func (r *Record) SetSource(field string, m SourceMarker) {
	if r.Sources == nil {
		r.Sources = make(map[string]SourceMarker)
	}
	r.Sources[field] = m
}

// Clone returns a deep-enough copy: maps are duplicated so the copy can be
// mutated without touching the original.
func (r Record) Clone() Record {
	out := r
	if r.RelevanceTag != nil {
		tag := *r.RelevanceTag
		out.RelevanceTag = &tag
	}
	out.Fields = maps.Clone(r.Fields)
	out.Sources = maps.Clone(r.Sources)
	return out
}

// NaturalKey derives the record identity used for cache lookups and merge
// matching. Priority: profile URL, organization id, then first/last name.
// Returns "" when none can be formed.
func (r *Record) NaturalKey() string {
	if k := r.ProfileKey(); k != "" {
		return k
	}
	if k := r.OrganizationKey(); k != "" {
		return k
	}
	return r.NameKey()
}

// ProfileKey returns the normalized profile URL key or "".
func (r *Record) ProfileKey() string {
	u := NormalizeProfileURL(r.ProfileURL)
	if u == "" {
		return ""
	}
	return "url:" + u
}

// OrganizationKey returns the organization id key or "".
func (r *Record) OrganizationKey() string {
	id := strings.TrimSpace(r.OrganizationID)
	if id == "" {
		return ""
	}
	return "org:" + id
}

// NameKey returns the folded first|last name key or "".
func (r *Record) NameKey() string {
	first := FoldName(r.FirstName)
	last := FoldName(r.LastName)
	if first == "" || last == "" {
		return ""
	}
	return "name:" + first + "|" + last
}

// NormalizeProfileURL lowercases the host and path and strips scheme, query,
// fragment, "www." and trailing slashes.
func NormalizeProfileURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(strings.ToLower(u.Path), "/")
	return host + path
}

// FoldName lowercases a name, strips diacritics and collapses whitespace so
// "José  Álvarez" and "jose alvarez" produce the same key.
func FoldName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
