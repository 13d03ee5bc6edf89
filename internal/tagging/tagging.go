// Package tagging decides which records are excluded from later stages.
//
// Tagging is additive only: a tagged record keeps every field it already
// has, gains a relevance tag, and stays in the final output. Rules are
// evaluated in priority order and the first satisfied rule sets the tag.
package tagging

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Predicate reports whether a record should be excluded.
type Predicate func(r *model.Record) bool

// Rule is one exclusion check. Reason becomes the record's relevance tag.
type Rule struct {
	Name      string
	Reason    string
	Predicate Predicate
}

// Result summarizes one Apply call.
type Result struct {
	Tagged int            `json:"tagged"`
	ByRule map[string]int `json:"by_rule,omitempty"`
}

// Engine applies rules and builds rules from configuration.
type Engine struct {
	validate *validator.Validate
}

// NewEngine creates an Engine with its filter-rule validator.
func NewEngine() *Engine {
	return &Engine{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Apply evaluates rules against every untagged record. Already-tagged
// records are never touched, so an existing tag is never replaced.
func (e *Engine) Apply(records []model.Record, rules []Rule) Result {
	res := Result{}
	if len(rules) == 0 {
		return res
	}
	for i := range records {
		r := &records[i]
		if r.Tagged() {
			continue
		}
		for _, rule := range rules {
			if rule.Predicate == nil || !rule.Predicate(r) {
				continue
			}
			if r.Tag(rule.Reason) {
				res.Tagged++
				if res.ByRule == nil {
					res.ByRule = make(map[string]int)
				}
				res.ByRule[rule.Name]++
			}
			break
		}
	}
	return res
}

// Validate checks a set of filter rules.
func (e *Engine) Validate(rules []model.FilterRule) error {
	for i := range rules {
		if err := e.validate.Struct(rules[i]); err != nil {
			return eris.Wrapf(err, "tagging: filter rule %d (%s)", i, rules[i].Field)
		}
	}
	return nil
}

// FromFilterRules validates configured filter rules and converts them, in
// order, to tagging rules. An eliminate rule tags records that match; a
// pass rule tags records that do not.
func (e *Engine) FromFilterRules(rules []model.FilterRule) ([]Rule, error) {
	if err := e.Validate(rules); err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(rules))
	for _, fr := range rules {
		reason := fr.Reason
		if reason == "" {
			reason = defaultReason(fr)
		}
		out = append(out, Rule{
			Name:   fmt.Sprintf("filter:%s:%s", fr.Field, fr.Operator),
			Reason: reason,
			Predicate: func(r *model.Record) bool {
				matched := Match(r, fr)
				if fr.Action == model.ActionPass {
					return !matched
				}
				return matched
			},
		})
	}
	return out, nil
}

func defaultReason(fr model.FilterRule) string {
	if fr.Action == model.ActionPass {
		return fmt.Sprintf("Filtered: %s not %s %s", fr.Field, fr.Operator, fr.Value)
	}
	return fmt.Sprintf("Filtered: %s %s %s", fr.Field, fr.Operator, fr.Value)
}

// Match evaluates a single filter condition. A missing field never
// matches. String comparisons are case-insensitive; numeric operators
// coerce both sides with model.ToFloat and between is inclusive.
func Match(r *model.Record, fr model.FilterRule) bool {
	v, ok := r.Value(fr.Field)
	if !ok {
		return false
	}

	switch fr.Operator {
	case model.OpGreaterThan, model.OpLessThan, model.OpBetween:
		n, ok := model.ToFloat(v)
		if !ok {
			return false
		}
		lo, ok := model.ToFloat(fr.Value)
		if !ok {
			return false
		}
		switch fr.Operator {
		case model.OpGreaterThan:
			return n > lo
		case model.OpLessThan:
			return n < lo
		default:
			hi, ok := model.ToFloat(fr.Value2)
			if !ok {
				return false
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			return n >= lo && n <= hi
		}
	}

	s := strings.ToLower(strings.TrimSpace(model.ToString(v)))
	want := strings.ToLower(strings.TrimSpace(fr.Value))
	switch fr.Operator {
	case model.OpEquals:
		return s == want
	case model.OpContains:
		return strings.Contains(s, want)
	case model.OpStartsWith:
		return strings.HasPrefix(s, want)
	case model.OpEndsWith:
		return strings.HasSuffix(s, want)
	default:
		return false
	}
}
