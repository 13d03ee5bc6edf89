package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

const sampleDefinition = `
name: leads
stages:
  - id: classify
    batch_size: 10
    concurrency: 4
    item_delay: 200ms
    batch_delay: 1s
    options:
      model: claude-haiku-4-5
  - id: enrich
    rules:
      - field: country
        operator: equals
        value: US
        action: pass
        reason: Outside US
    substep_weights:
      - name: person
        share: 0.75
      - name: company
        share: 0.25
`

func TestParseDefinition(t *testing.T) {
	t.Parallel()
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	assert.Equal(t, "leads", def.Name)
	require.Len(t, def.Stages, 2)
	c := def.Stages[0]
	assert.Equal(t, "classify", c.ID)
	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, 4, c.Concurrency)
	assert.Equal(t, 200*time.Millisecond, c.ItemDelay)
	assert.Equal(t, time.Second, c.BatchDelay)
	assert.Equal(t, "claude-haiku-4-5", c.Options["model"])

	e := def.Stages[1]
	require.Len(t, e.Rules, 1)
	assert.Equal(t, model.OpEquals, e.Rules[0].Operator)
	assert.Equal(t, model.ActionPass, e.Rules[0].Action)
	require.Len(t, e.SubstepWeights, 2)
	assert.InDelta(t, 0.75, e.SubstepWeights[0].Share, 1e-9)
}

func TestParseDefinition_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "stages: [{id: a}]", "invalid definition"},
		{"no stages", "name: x", "invalid definition"},
		{"missing id", "name: x\nstages: [{batch_size: 3}]", "invalid definition"},
		{"negative batch", "name: x\nstages: [{id: a, batch_size: -1}]", "invalid definition"},
		{"bad operator", "name: x\nstages: [{id: a, rules: [{field: f, operator: like, value: v, action: pass}]}]", "invalid definition"},
		{"between without value2", "name: x\nstages: [{id: a, rules: [{field: f, operator: between, value: '1', action: pass}]}]", "invalid definition"},
		{"duplicate id", "name: x\nstages: [{id: a}, {id: a}]", "duplicate stage id"},
		{"malformed", "name: [", "parse definition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "leads", def.Name)

	_, err = LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultDefinition(t *testing.T) {
	t.Parallel()
	def := DefaultDefinition(25)
	require.Len(t, def.Stages, len(DefaultStageOrder))
	for i, sd := range def.Stages {
		assert.Equal(t, DefaultStageOrder[i], sd.ID)
		assert.Equal(t, 25, sd.BatchSize)
	}
}

func testRegistry(t *testing.T) (*Registry, map[string]*stage.Config) {
	t.Helper()
	reg := NewRegistry()
	configs := make(map[string]*stage.Config)
	for _, id := range []string{"classify", "enrich"} {
		err := reg.Register(id, "test "+id, func(cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
			configs[id] = &cfg
			var rules []tagging.Rule
			if id == "classify" {
				rules = []tagging.Rule{tagging.EmptyField("label", tagging.TagIrrelevant)}
			}
			return setField(id, "label", "ok"), rules, nil
		})
		require.NoError(t, err)
	}
	return reg, configs
}

func TestRegistry_Build(t *testing.T) {
	t.Parallel()
	reg, configs := testRegistry(t)
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	specs, opts, err := reg.Build(def)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Len(t, opts, 1, "substep weights become an option")

	assert.Equal(t, 10, configs["classify"].BatchSize)
	assert.Equal(t, 200*time.Millisecond, specs[0].Config.ItemDelay)
	require.Len(t, specs[0].Rules, 1)
	require.Len(t, specs[1].Rules, 1)
	assert.Equal(t, "Outside US", specs[1].Rules[0].Reason)

	assert.Equal(t, []string{"classify", "enrich"}, reg.IDs())
	desc, ok := reg.Describe("enrich")
	assert.True(t, ok)
	assert.Equal(t, "test enrich", desc)
}

func TestRegistry_Errors(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(t)

	err := reg.Register("classify", "again", nil)
	require.Error(t, err)

	_, _, err = reg.Build(&Definition{Name: "x", Stages: []StageDefinition{{ID: "unknown"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestFromDefinition_RunsConfiguredRules(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry(t)
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	p, err := FromDefinition(def, reg)
	require.NoError(t, err)
	assert.Equal(t, "leads", p.Name())

	records := []model.Record{
		{ProfileURL: "linkedin.com/in/us", Fields: map[string]any{"country": "US"}},
		{ProfileURL: "linkedin.com/in/fr", Fields: map[string]any{"country": "FR"}},
	}
	res := p.Execute(context.Background(), records, Callbacks{})
	require.True(t, res.Completed)
	assert.False(t, res.Data[0].Tagged())
	assert.Equal(t, "Outside US", res.Data[1].TagReason())

	enrich := res.Analytics["enrich"]
	require.Len(t, enrich.Substeps, 2)
	assert.True(t, enrich.Substeps[0].Approximate)
}
