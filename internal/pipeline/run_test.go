package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

type processFunc func(ctx context.Context, records []model.Record, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error)

type fakeStage struct {
	id string
	fn processFunc

	mu    sync.Mutex
	calls int
	seen  [][]model.Record
}

func (f *fakeStage) ID() string          { return f.id }
func (f *fakeStage) Description() string { return "fake " + f.id }

func (f *fakeStage) Process(ctx context.Context, records []model.Record, _ stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, records)
	f.mu.Unlock()
	return f.fn(ctx, records, onLog, onProgress)
}

func (f *fakeStage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// setField returns a stage that writes field=value on every record.
func setField(id, field string, value any) *fakeStage {
	return &fakeStage{id: id, fn: func(_ context.Context, records []model.Record, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
		out := make([]model.Record, len(records))
		for i := range records {
			out[i] = records[i].Clone()
			out[i].Set(field, value)
			onProgress(float64(i+1) * 100 / float64(len(records)))
		}
		onLog("set " + field)
		return &stage.Output{Data: out, Analytics: model.StageAnalytics{APICalls: len(records)}}, nil
	}}
}

func leads() []model.Record {
	return []model.Record{
		{ProfileURL: "linkedin.com/in/a", Title: "CEO", Fields: map[string]any{"headcount": 500}},
		{ProfileURL: "linkedin.com/in/b", Title: "Intern", Fields: map[string]any{"headcount": 500}},
		{ProfileURL: "linkedin.com/in/c", Title: "CFO", Fields: map[string]any{"headcount": 5}},
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []model.RunSummary
}

func (f *fakeRecorder) SaveRun(_ context.Context, run model.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRecorder) GetRun(context.Context, string) (*model.RunSummary, error) {
	return nil, store.ErrNotFound
}

func (f *fakeRecorder) ListRuns(context.Context, store.RunFilter) ([]model.RunSummary, error) {
	return nil, nil
}

func TestExecute_TagsAndConservesCounts(t *testing.T) {
	t.Parallel()
	classify := &fakeStage{id: "classify", fn: func(_ context.Context, records []model.Record, _ stage.LogFunc, _ stage.ProgressFunc) (*stage.Output, error) {
		out := make([]model.Record, len(records))
		for i := range records {
			out[i] = records[i].Clone()
			label := "Relevant"
			if records[i].Title == "Intern" {
				label = tagging.TagIrrelevant
			}
			out[i].Set("label", label)
		}
		return &stage.Output{Data: out}, nil
	}}
	enrich := setField("enrich", "email", "x@y.z")
	final := setField("final", "done", true)

	rec := &fakeRecorder{}
	p, err := New([]stage.Spec{
		{Stage: classify, Rules: []tagging.Rule{tagging.FieldEquals("label", tagging.TagIrrelevant, tagging.TagIrrelevant)}},
		{Stage: enrich, Rules: []tagging.Rule{tagging.HeadcountBelow("headcount", 50)}},
		{Stage: final},
	}, WithRecorder(rec))
	require.NoError(t, err)

	res := p.Execute(context.Background(), leads(), Callbacks{})

	require.NoError(t, res.Error)
	assert.True(t, res.Completed)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	require.Len(t, res.Data, 3, "tagged records stay in the output")

	assert.Equal(t, tagging.TagIrrelevant, res.Data[1].TagReason())
	assert.Equal(t, tagging.TagLowHeadcount, res.Data[2].TagReason())
	assert.False(t, res.Data[0].Tagged())
	assert.Equal(t, true, res.Data[0].Fields["done"])
	assert.Equal(t, "x@y.z", res.Data[2].Fields["email"], "fields written before tagging are kept")
	_, ok := res.Data[1].Fields["email"]
	assert.False(t, ok, "tagged records are not processed by later stages")

	require.Len(t, enrich.seen, 1)
	assert.Len(t, enrich.seen[0], 2)
	require.Len(t, final.seen, 1)
	assert.Len(t, final.seen[0], 1)

	assert.Equal(t, 3, res.Analytics["classify"].Input)
	assert.Equal(t, 3, res.Analytics["classify"].Output)
	assert.Equal(t, 1, res.Analytics["classify"].Filtered)
	assert.Equal(t, 2, res.Analytics["enrich"].Input)
	assert.Equal(t, 1, res.Analytics["enrich"].Filtered)
	assert.Equal(t, 3, res.Rollup.APICalls)

	assert.Equal(t, 3, res.Summary.OriginalCount)
	assert.Equal(t, 1, res.Summary.SurvivorCount)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, model.RunStatusComplete, rec.runs[0].Status)
}

func TestStep_AdvancesOneStageAtATime(t *testing.T) {
	t.Parallel()
	p, err := New([]stage.Spec{
		{Stage: setField("one", "a", 1)},
		{Stage: setField("two", "b", 2)},
	})
	require.NoError(t, err)
	run := p.NewRun(leads(), Callbacks{})
	ctx := context.Background()

	res, err := run.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusProcessing, res.Next)
	assert.Equal(t, 0, run.CurrentStep())
	assert.Equal(t, EventStarted, res.Events[0].Type)

	res, err = run.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusProcessing, res.Next)
	assert.Equal(t, 1, run.CurrentStep())
	require.Len(t, res.Events, 2)
	assert.Equal(t, EventStageStarted, res.Events[0].Type)
	assert.Equal(t, EventStageCompleted, res.Events[1].Type)
	assert.Equal(t, "one", res.Events[1].StageID)

	res, err = run.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Next)
	assert.Equal(t, EventFinished, res.Events[len(res.Events)-1].Type)

	_, err = run.Step(ctx)
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestExecute_EmptySubsetIsSkipped(t *testing.T) {
	t.Parallel()
	tagAll := &fakeStage{id: "tag_all", fn: func(_ context.Context, records []model.Record, _ stage.LogFunc, _ stage.ProgressFunc) (*stage.Output, error) {
		out := make([]model.Record, len(records))
		for i := range records {
			out[i] = records[i].Clone()
			out[i].Tag("nope")
		}
		return &stage.Output{Data: out}, nil
	}}
	next := setField("next", "x", 1)
	last := setField("last", "y", 1)

	p, err := New([]stage.Spec{{Stage: tagAll}, {Stage: next}, {Stage: last}})
	require.NoError(t, err)
	res := p.Execute(context.Background(), leads(), Callbacks{})

	assert.True(t, res.Completed)
	assert.Equal(t, 0, next.callCount())
	assert.Equal(t, 0, last.callCount())
	assert.Equal(t, model.StageStatusSkipped, res.Analytics["next"].Status)
	assert.Equal(t, model.StageStatusSkipped, res.Analytics["last"].Status)
	assert.Equal(t, 0, res.Summary.SurvivorCount)
	assert.Len(t, res.Data, 3)
}

func TestExecute_StageErrorIsFatal(t *testing.T) {
	t.Parallel()
	boom := errors.New("provider exploded")
	failing := &fakeStage{id: "failing", fn: func(context.Context, []model.Record, stage.LogFunc, stage.ProgressFunc) (*stage.Output, error) {
		return nil, boom
	}}
	after := setField("after", "x", 1)

	rec := &fakeRecorder{}
	p, err := New([]stage.Spec{{Stage: setField("first", "a", 1)}, {Stage: failing}, {Stage: after}}, WithRecorder(rec))
	require.NoError(t, err)

	res := p.Execute(context.Background(), leads(), Callbacks{})

	assert.False(t, res.Completed)
	assert.Equal(t, model.RunStatusError, res.Status)
	var serr *StageError
	require.ErrorAs(t, res.Error, &serr)
	assert.Equal(t, "failing", serr.StageID)
	assert.ErrorIs(t, res.Error, boom)
	assert.Equal(t, 0, after.callCount())
	assert.Equal(t, model.StageStatusError, res.Analytics["failing"].Status)
	assert.Equal(t, 1, res.Data[0].Fields["a"], "earlier stage output is kept")
	require.Len(t, rec.runs, 1)
	assert.Contains(t, rec.runs[0].Error, "provider exploded")
}

func TestExecute_CountViolationIsFatal(t *testing.T) {
	t.Parallel()
	dropper := &fakeStage{id: "dropper", fn: func(_ context.Context, records []model.Record, _ stage.LogFunc, _ stage.ProgressFunc) (*stage.Output, error) {
		return &stage.Output{Data: records[:1]}, nil
	}}
	p, err := New([]stage.Spec{{Stage: dropper}})
	require.NoError(t, err)

	res := p.Execute(context.Background(), leads(), Callbacks{})
	assert.Equal(t, model.RunStatusError, res.Status)
	require.Error(t, res.Error)
	assert.Contains(t, res.Error.Error(), "1 records for 3 inputs")
	assert.Len(t, res.Data, 3)
}

func TestExecute_PanicIsStageError(t *testing.T) {
	t.Parallel()
	panicky := &fakeStage{id: "panicky", fn: func(context.Context, []model.Record, stage.LogFunc, stage.ProgressFunc) (*stage.Output, error) {
		panic("nil map")
	}}
	p, err := New([]stage.Spec{{Stage: panicky}})
	require.NoError(t, err)

	res := p.Execute(context.Background(), leads(), Callbacks{})
	assert.Equal(t, model.RunStatusError, res.Status)
	assert.Contains(t, res.Error.Error(), "panic: nil map")
}

func TestExecute_CancelAtStageBoundary(t *testing.T) {
	t.Parallel()
	var run *Run
	first := &fakeStage{id: "first", fn: func(_ context.Context, records []model.Record, _ stage.LogFunc, _ stage.ProgressFunc) (*stage.Output, error) {
		out := make([]model.Record, len(records))
		for i := range records {
			out[i] = records[i].Clone()
			out[i].Set("first", true)
		}
		// Cancellation requested while this stage's work is in flight.
		run.Cancel()
		return &stage.Output{Data: out}, nil
	}}
	second := setField("second", "x", 1)

	p, err := New([]stage.Spec{{Stage: first}, {Stage: second}})
	require.NoError(t, err)
	run = p.NewRun(leads(), Callbacks{})

	res := run.Execute(context.Background())

	assert.Equal(t, model.RunStatusCancelled, res.Status)
	assert.False(t, res.Completed)
	assert.NoError(t, res.Error, "cancellation is not an error")
	assert.Equal(t, 0, second.callCount())
	require.Len(t, res.Data, 3)
	for _, r := range res.Data {
		assert.Equal(t, true, r.Fields["first"], "settled stage output is returned")
	}
}

func TestExecute_CancelInterruptsStageItems(t *testing.T) {
	t.Parallel()
	var run *Run
	var processed int
	slow := &fakeStage{id: "slow", fn: func(ctx context.Context, records []model.Record, _ stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
		out, err := stage.Records(ctx, records, stage.Config{BatchSize: 1}, onProgress, func(context.Context, *model.Record) error {
			processed++
			if processed == 1 {
				run.Cancel()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &stage.Output{Data: out}, nil
	}}

	p, err := New([]stage.Spec{{Stage: slow}, {Stage: setField("after", "x", 1)}})
	require.NoError(t, err)
	run = p.NewRun(leads(), Callbacks{})

	res := run.Execute(context.Background())

	assert.Equal(t, model.RunStatusCancelled, res.Status)
	assert.NoError(t, res.Error)
	assert.Equal(t, 1, processed, "remaining items are not processed after cancel")
	assert.Len(t, res.Data, 3)
}

func TestExecute_CancelKeepsSettledItems(t *testing.T) {
	t.Parallel()
	var run *Run
	var processed int
	marking := &fakeStage{id: "marking", fn: func(ctx context.Context, records []model.Record, _ stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
		out, err := stage.Records(ctx, records, stage.Config{BatchSize: 1}, onProgress, func(_ context.Context, r *model.Record) error {
			processed++
			r.Set("done", true)
			if processed == 2 {
				run.Cancel()
			}
			return nil
		})
		return &stage.Output{Data: out}, err
	}}

	p, err := New([]stage.Spec{{Stage: marking}})
	require.NoError(t, err)
	run = p.NewRun(leads(), Callbacks{})

	res := run.Execute(context.Background())

	assert.Equal(t, model.RunStatusCancelled, res.Status)
	assert.NoError(t, res.Error)
	require.Len(t, res.Data, 3)
	assert.Equal(t, true, res.Data[0].Fields["done"])
	assert.Equal(t, true, res.Data[1].Fields["done"])
	_, ok := res.Data[2].Fields["done"]
	assert.False(t, ok, "unprocessed items are left as they were")
}

func TestExecute_CallerContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeStage{id: "first", fn: func(_ context.Context, records []model.Record, _ stage.LogFunc, _ stage.ProgressFunc) (*stage.Output, error) {
		cancel()
		return &stage.Output{Data: records}, nil
	}}
	second := setField("second", "x", 1)
	p, err := New([]stage.Spec{{Stage: first}, {Stage: second}})
	require.NoError(t, err)

	res := p.Execute(ctx, leads(), Callbacks{})
	assert.Equal(t, model.RunStatusCancelled, res.Status)
	assert.NoError(t, res.Error)
	assert.Equal(t, 0, second.callCount())
}

func TestCancel_BeforeStart(t *testing.T) {
	t.Parallel()
	only := setField("only", "x", 1)
	p, err := New([]stage.Spec{{Stage: only}})
	require.NoError(t, err)
	run := p.NewRun(leads(), Callbacks{})

	run.Cancel()
	res := run.Execute(context.Background())

	assert.Equal(t, model.RunStatusCancelled, res.Status)
	assert.Equal(t, 0, only.callCount())
}

func TestExecute_ProbeFailureAbortsBeforeStages(t *testing.T) {
	t.Parallel()
	only := setField("only", "x", 1)
	p, err := New([]stage.Spec{{Stage: only}}, WithProber(Services{
		"store": func(context.Context) error { return nil },
		"llm":   func(context.Context) error { return errors.New("dial tcp: connection refused") },
	}))
	require.NoError(t, err)

	run := p.NewRun(leads(), Callbacks{})
	_, stepErr := run.Step(context.Background())
	require.ErrorIs(t, stepErr, ErrConnection)

	res := run.Result()
	assert.Equal(t, model.RunStatusError, res.Status)
	assert.ErrorIs(t, res.Error, ErrConnection)
	assert.Contains(t, res.Error.Error(), "connection refused")
	assert.Equal(t, 0, only.callCount())
}

func TestExecute_CallbacksAndLogs(t *testing.T) {
	t.Parallel()
	p, err := New([]stage.Spec{{Stage: setField("one", "a", 1)}})
	require.NoError(t, err)

	var mu sync.Mutex
	var progress []float64
	var events []EventType
	var lines []string
	res := p.Execute(context.Background(), leads(), Callbacks{
		OnLog: func(stageID, line string) {
			mu.Lock()
			lines = append(lines, stageID+":"+line)
			mu.Unlock()
		},
		OnProgress: func(_ string, index, total int, pct float64) {
			assert.Equal(t, 0, index)
			assert.Equal(t, 1, total)
			progress = append(progress, pct)
		},
		OnEvent: func(ev Event) { events = append(events, ev.Type) },
	})

	require.True(t, res.Completed)
	assert.Equal(t, []float64{100.0 / 3, 200.0 / 3, 100}, progress)
	assert.Equal(t, []EventType{EventStarted, EventStageStarted, EventStageCompleted, EventFinished}, events)
	assert.Contains(t, lines, "one:set a")
}

func TestExecute_IndependentRuns(t *testing.T) {
	t.Parallel()
	p, err := New([]stage.Spec{{Stage: setField("one", "a", 1)}, {Stage: setField("two", "b", 2)}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Result, len(leads()))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Execute(context.Background(), leads()[:i+1], Callbacks{})
		}()
	}
	wg.Wait()

	for i, res := range results {
		assert.True(t, res.Completed)
		assert.Equal(t, i+1, res.Summary.OriginalCount)
		assert.Equal(t, i+1, res.Analytics["one"].Input)
	}
}

func TestExecute_InputNotMutated(t *testing.T) {
	t.Parallel()
	in := leads()
	p, err := New([]stage.Spec{{Stage: setField("one", "a", 1)}})
	require.NoError(t, err)

	p.Execute(context.Background(), in, Callbacks{})
	_, ok := in[0].Fields["a"]
	assert.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(nil)
	require.Error(t, err)

	_, err = New([]stage.Spec{{Stage: setField("a", "x", 1)}, {Stage: setField("a", "y", 1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = New([]stage.Spec{{}})
	require.Error(t, err)
}
