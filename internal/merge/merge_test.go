package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
)

func TestInto_PriorityOrder(t *testing.T) {
	t.Parallel()
	working := []model.Record{
		{ProfileURL: "https://www.linkedin.com/in/jane/", FirstName: "Jane", LastName: "Doe"},
		{ProfileURL: "linkedin.com/in/sam", OrganizationID: "org-7", FirstName: "Sam", LastName: "Lee"},
		{FirstName: "José", LastName: "Álvarez"},
	}
	processed := []model.Record{
		{ProfileURL: "linkedin.com/in/jane", Fields: map[string]any{"email": "jane@x.co"}},
		{OrganizationID: "org-7", Fields: map[string]any{"email": "sam@x.co"}},
		{FirstName: "jose", LastName: "alvarez", OrganizationID: "org-9", Fields: map[string]any{"email": "jose@x.co"}},
	}

	out, res := Into(working, processed, nil)

	require.Len(t, out, 3)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 0, res.Misses)
	assert.Equal(t, 1, res.ByKind[ByNaturalKey])
	assert.Equal(t, 1, res.ByKind[ByOrganization])
	assert.Equal(t, 1, res.ByKind[ByName])
	assert.Equal(t, "jane@x.co", out[0].Fields["email"])
	assert.Equal(t, "sam@x.co", out[1].Fields["email"])
	assert.Equal(t, "jose@x.co", out[2].Fields["email"])
	assert.Equal(t, "org-9", out[2].OrganizationID, "empty identity columns are filled")
}

func TestInto_DuplicateKeysMatchOnce(t *testing.T) {
	t.Parallel()
	working := []model.Record{
		{OrganizationID: "org-1"},
		{OrganizationID: "org-1"},
	}
	processed := []model.Record{
		{OrganizationID: "org-1", Fields: map[string]any{"n": 1}},
		{OrganizationID: "org-1", Fields: map[string]any{"n": 2}},
	}

	out, res := Into(working, processed, nil)
	require.Len(t, out, 2)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, out[0].Fields["n"])
	assert.Equal(t, 2, out[1].Fields["n"])
}

func TestInto_MissIsReportedAndKept(t *testing.T) {
	t.Parallel()
	working := []model.Record{{OrganizationID: "org-1"}}
	processed := []model.Record{{OrganizationID: "org-2", Fields: map[string]any{"x": true}}}

	out, res := Into(working, processed, nil)

	assert.Equal(t, 1, res.Misses)
	require.Len(t, out, 2)
	assert.Equal(t, "org-2", out[1].OrganizationID)
}

func TestInto_KeylessRowsUseOrigin(t *testing.T) {
	t.Parallel()
	working := []model.Record{
		{CompanyName: "A"},
		{CompanyName: "B"},
	}
	processed := []model.Record{
		{CompanyName: "B", Fields: map[string]any{"seen": "b"}},
	}

	out, res := Into(working, processed, []int{1})

	require.Len(t, out, 2)
	assert.Equal(t, 1, res.ByKind[ByPosition])
	assert.Nil(t, out[0].Fields)
	assert.Equal(t, "b", out[1].Fields["seen"])
}

func TestInto_TaggedDuplicateNeverReceivesOutput(t *testing.T) {
	t.Parallel()
	reason := "title_classification:irrelevant"
	working := []model.Record{
		{ProfileURL: "linkedin.com/in/jane", RelevanceTag: &reason},
		{ProfileURL: "linkedin.com/in/jane"},
	}
	processed := []model.Record{working[1].Clone()}
	processed[0].Set("email", "jane@x.co")

	out, res := Into(working, processed, []int{1})

	require.Len(t, out, 2)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 0, res.Misses)
	assert.Nil(t, out[0].Fields)
	assert.Equal(t, "jane@x.co", out[1].Fields["email"])
}

func TestInto_TaggedDuplicateSkippedWithoutOrigins(t *testing.T) {
	t.Parallel()
	reason := "headcount_filter:below_minimum"
	working := []model.Record{
		{OrganizationID: "org-1", RelevanceTag: &reason},
		{OrganizationID: "org-1"},
	}
	processed := []model.Record{{OrganizationID: "org-1", Fields: map[string]any{"n": 1}}}

	out, res := Into(working, processed, nil)

	require.Len(t, out, 2)
	assert.Equal(t, 1, res.ByKind[ByNaturalKey]+res.ByKind[ByOrganization])
	assert.Nil(t, out[0].Fields)
	assert.Equal(t, 1, out[1].Fields["n"])
}

func TestInto_OriginPreferredOverEarlierDuplicate(t *testing.T) {
	t.Parallel()
	working := []model.Record{
		{OrganizationID: "org-1"},
		{OrganizationID: "org-1"},
	}
	processed := []model.Record{{OrganizationID: "org-1", Fields: map[string]any{"n": 2}}}

	out, _ := Into(working, processed, []int{1})

	assert.Nil(t, out[0].Fields)
	assert.Equal(t, 2, out[1].Fields["n"])
}

func TestRecord_AdditiveAndWriteOnceTag(t *testing.T) {
	t.Parallel()
	first := "first"
	second := "second"
	dst := model.Record{
		Title:        "CEO",
		RelevanceTag: &first,
		Fields:       map[string]any{"a": 1, "b": 2},
	}
	src := model.Record{
		Title:        "Chief Executive",
		RelevanceTag: &second,
		Fields:       map[string]any{"b": 3, "c": 4},
		Sources:      map[string]model.SourceMarker{"c": {Source: model.SourceProvider}},
	}

	Record(&dst, &src)

	assert.Equal(t, "CEO", dst.Title)
	assert.Equal(t, "first", dst.TagReason())
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, dst.Fields)
	assert.Equal(t, model.SourceProvider, dst.Sources["c"].Source)
}
