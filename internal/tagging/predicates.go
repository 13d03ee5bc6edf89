package tagging

import (
	"fmt"
	"strings"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Common relevance tags.
const (
	TagIrrelevant     = "Irrelevant"
	TagLowHeadcount   = "Headcount below minimum"
	TagIndustry       = "Industry not relevant"
	TagNotPublic      = "Not a public company"
	TagMissingReport  = "No financial report found"
	TagMissingProfile = "No enrichment match"
)

// EmptyField tags records whose field is missing or blank.
func EmptyField(field, reason string) Rule {
	return Rule{
		Name:   "empty:" + field,
		Reason: reason,
		Predicate: func(r *model.Record) bool {
			v, ok := r.Value(field)
			return !ok || strings.TrimSpace(model.ToString(v)) == ""
		},
	}
}

// FieldEquals tags records whose field equals value, case-insensitively.
func FieldEquals(field, value, reason string) Rule {
	return Rule{
		Name:   fmt.Sprintf("equals:%s", field),
		Reason: reason,
		Predicate: func(r *model.Record) bool {
			v, ok := r.Value(field)
			return ok && strings.EqualFold(strings.TrimSpace(model.ToString(v)), value)
		},
	}
}

// HeadcountBelow tags records whose numeric field is below min. Records
// with an unknown headcount are kept.
func HeadcountBelow(field string, minimum int) Rule {
	return Rule{
		Name:   "headcount:" + field,
		Reason: TagLowHeadcount,
		Predicate: func(r *model.Record) bool {
			n, ok := r.Number(field)
			return ok && n < float64(minimum)
		},
	}
}

// IndustryNotIn tags records whose industry contains none of terms.
// Records without an industry, or rules with no terms, tag nothing.
func IndustryNotIn(field string, terms []string) Rule {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	return Rule{
		Name:   "industry:" + field,
		Reason: TagIndustry,
		Predicate: func(r *model.Record) bool {
			if len(lowered) == 0 {
				return false
			}
			v, ok := r.Value(field)
			if !ok {
				return false
			}
			industry := strings.ToLower(strings.TrimSpace(model.ToString(v)))
			if industry == "" {
				return false
			}
			return !MatchesAny(industry, lowered)
		},
	}
}

// MatchesAny reports whether s contains any of the lowercase terms.
func MatchesAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
