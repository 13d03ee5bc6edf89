// Package merge folds a stage's output, computed over the untagged subset,
// back into the full working set.
package merge

import (
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Match kinds, in priority order.
const (
	ByNaturalKey   = "natural_key"
	ByOrganization = "organization_id"
	ByName         = "name"
	ByPosition     = "position"
)

// Result summarizes one merge.
type Result struct {
	Matched int            `json:"matched"`
	Misses  int            `json:"misses"`
	ByKind  map[string]int `json:"by_kind,omitempty"`
}

type index struct {
	natural map[string][]int
	org     map[string][]int
	name    map[string][]int
	used    []bool
}

// buildIndex indexes untagged rows only. Tagged rows never take part in a
// stage, so they must never receive its output.
func buildIndex(working []model.Record) *index {
	idx := &index{
		natural: make(map[string][]int),
		org:     make(map[string][]int),
		name:    make(map[string][]int),
		used:    make([]bool, len(working)),
	}
	for i := range working {
		r := &working[i]
		if r.Tagged() {
			continue
		}
		if k := r.NaturalKey(); k != "" {
			idx.natural[k] = append(idx.natural[k], i)
		}
		if k := r.OrganizationKey(); k != "" {
			idx.org[k] = append(idx.org[k], i)
		}
		if k := r.NameKey(); k != "" {
			idx.name[k] = append(idx.name[k], i)
		}
	}
	return idx
}

// take returns the first unconsumed position for key.
func (idx *index) take(m map[string][]int, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	for _, i := range m[key] {
		if !idx.used[i] {
			idx.used[i] = true
			return i, true
		}
	}
	return 0, false
}

// Into merges processed rows into working and returns the updated set.
//
// origins optionally gives the working index each processed row was drawn
// from. The origin row is tried first and accepted when it is untagged,
// unconsumed and has the same natural key. Otherwise each processed row is
// matched by natural key, then organization id, then first+last name; the
// first match wins and each working row is matched at most once. Tagged
// rows are never matched.
//
// A processed row that matches nothing is logged, counted as a miss and
// appended, so no data is dropped.
func Into(working, processed []model.Record, origins []int) ([]model.Record, Result) {
	idx := buildIndex(working)
	res := Result{ByKind: make(map[string]int)}

	for pi := range processed {
		src := &processed[pi]
		i, kind, ok := idx.match(working, src, pi, origins)
		if !ok {
			res.Misses++
			zap.L().Warn("merge: processed row matched nothing in working set",
				zap.Int("row", pi),
				zap.String("natural_key", src.NaturalKey()),
			)
			working = append(working, src.Clone())
			continue
		}
		res.Matched++
		res.ByKind[kind]++
		Record(&working[i], src)
	}
	return working, res
}

func (idx *index) match(working []model.Record, src *model.Record, pi int, origins []int) (int, string, bool) {
	if pi < len(origins) {
		i := origins[pi]
		if i >= 0 && i < len(working) && !idx.used[i] && !working[i].Tagged() &&
			working[i].NaturalKey() == src.NaturalKey() {
			idx.used[i] = true
			if src.NaturalKey() != "" {
				return i, ByNaturalKey, true
			}
			return i, ByPosition, true
		}
	}
	if i, ok := idx.take(idx.natural, src.NaturalKey()); ok {
		return i, ByNaturalKey, true
	}
	if i, ok := idx.take(idx.org, src.OrganizationKey()); ok {
		return i, ByOrganization, true
	}
	if i, ok := idx.take(idx.name, src.NameKey()); ok {
		return i, ByName, true
	}
	return 0, "", false
}

// Record folds src into dst additively: identifying columns are only
// filled when empty, fields and sources are overwritten or added but never
// removed, and a tag is applied only if dst has none.
func Record(dst *model.Record, src *model.Record) {
	fill(&dst.ProfileURL, src.ProfileURL)
	fill(&dst.OrganizationID, src.OrganizationID)
	fill(&dst.FirstName, src.FirstName)
	fill(&dst.LastName, src.LastName)
	fill(&dst.Title, src.Title)
	fill(&dst.CompanyName, src.CompanyName)
	fill(&dst.Domain, src.Domain)

	for k, v := range src.Fields {
		dst.Set(k, v)
	}
	for k, m := range src.Sources {
		dst.SetSource(k, m)
	}
	if src.RelevanceTag != nil {
		dst.Tag(*src.RelevanceTag)
	}
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
