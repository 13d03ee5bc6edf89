package model

import (
	"fmt"
	"strconv"
	"strings"
)

// FilterOperator compares a record field against a rule value.
type FilterOperator string

const (
	OpEquals      FilterOperator = "equals"
	OpContains    FilterOperator = "contains"
	OpStartsWith  FilterOperator = "startsWith"
	OpEndsWith    FilterOperator = "endsWith"
	OpGreaterThan FilterOperator = "greaterThan"
	OpLessThan    FilterOperator = "lessThan"
	OpBetween     FilterOperator = "between"
)

// FilterAction decides what a matching rule does to a record.
type FilterAction string

const (
	// ActionEliminate tags records that match.
	ActionEliminate FilterAction = "eliminate"
	// ActionPass tags records that do not match.
	ActionPass FilterAction = "pass"
)

// FilterRule is a user-configured soft filter.
type FilterRule struct {
	Field    string         `json:"field" yaml:"field" mapstructure:"field" validate:"required"`
	Operator FilterOperator `json:"operator" yaml:"operator" mapstructure:"operator" validate:"required,oneof=equals contains startsWith endsWith greaterThan lessThan between"`
	Value    string         `json:"value" yaml:"value" mapstructure:"value" validate:"required"`
	Value2   string         `json:"value2,omitempty" yaml:"value2" mapstructure:"value2" validate:"required_if=Operator between"`
	Action   FilterAction   `json:"action" yaml:"action" mapstructure:"action" validate:"required,oneof=eliminate pass"`
	Reason   string         `json:"reason,omitempty" yaml:"reason" mapstructure:"reason"`
}

// Value returns a field by name, checking identifying columns before
// enrichment fields.
func (r *Record) Value(field string) (any, bool) {
	switch field {
	case "profile_url":
		return r.ProfileURL, r.ProfileURL != ""
	case "organization_id":
		return r.OrganizationID, r.OrganizationID != ""
	case "first_name":
		return r.FirstName, r.FirstName != ""
	case "last_name":
		return r.LastName, r.LastName != ""
	case "title":
		return r.Title, r.Title != ""
	case "company_name":
		return r.CompanyName, r.CompanyName != ""
	case "domain":
		return r.Domain, r.Domain != ""
	}
	return r.Get(field)
}

// Number returns a field coerced to float64. Strings such as "1,200" or
// "51-200" (lower bound) are parsed best-effort.
func (r *Record) Number(field string) (float64, bool) {
	v, ok := r.Value(field)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat coerces common JSON-ish values to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
		s = strings.TrimSuffix(s, "+")
		if i := strings.Index(s, "-"); i > 0 {
			s = s[:i]
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToString renders a field value for string comparison.
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
