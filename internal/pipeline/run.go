package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/merge"
	"github.com/sells-group/enrich-cli/internal/metrics"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
)

// ErrRunFinished is returned by Step on a run in a terminal state.
var ErrRunFinished = eris.New("pipeline: run already finished")

// StageError is a fatal stage failure. It aborts the whole run; cache
// writes already made by the stage are not rolled back.
type StageError struct {
	StageID string
	Index   int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.StageID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Callbacks receive live run output. All are optional.
type Callbacks struct {
	OnLog      func(stageID, line string)
	OnProgress func(stageID string, index, total int, percent float64)
	OnEvent    func(Event)
}

// StepResult is the outcome of one Step.
type StepResult struct {
	Next   model.RunStatus
	Events []Event
}

// Result is what every run yields, whatever its outcome.
type Result struct {
	Completed bool                            `json:"completed"`
	Status    model.RunStatus                 `json:"status"`
	Error     error                           `json:"-"`
	Data      []model.Record                  `json:"data"`
	Analytics map[string]model.StageAnalytics `json:"analytics"`
	Rollup    metrics.Rollup                  `json:"rollup"`
	Summary   model.RunSummary                `json:"summary"`
}

// Run is one invocation of a Pipeline. It owns its working set, cursor and
// analytics; nothing is shared with other runs.
type Run struct {
	id  string
	p   *Pipeline
	cb  Callbacks
	log *zap.Logger
	agg *metrics.Aggregator
	now func() time.Time

	mu              sync.Mutex
	state           model.RunStatus
	current         int
	records         []model.Record
	original        int
	err             error
	logs            []string
	startedAt       time.Time
	finishedAt      time.Time
	cancelRequested bool
	stageCancel     context.CancelFunc
}

// NewRun creates a pending run over a copy of records.
func (p *Pipeline) NewRun(records []model.Record, cb Callbacks) *Run {
	working := make([]model.Record, len(records))
	for i := range records {
		working[i] = records[i].Clone()
	}
	id := uuid.NewString()
	return &Run{
		id:       id,
		p:        p,
		cb:       cb,
		log:      zap.L().With(zap.String("run_id", id), zap.String("pipeline", p.name)),
		agg:      metrics.NewAggregator(metrics.WithRecorder(p.prom), metrics.WithCost(p.calc, p.model)),
		now:      time.Now,
		state:    model.RunStatusPending,
		records:  working,
		original: len(records),
	}
}

// Execute runs records through the pipeline to completion.
func (p *Pipeline) Execute(ctx context.Context, records []model.Record, cb Callbacks) Result {
	return p.NewRun(records, cb).Execute(ctx)
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// State returns the current run state.
func (r *Run) State() model.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CurrentStep returns the index of the next stage to run.
func (r *Run) CurrentStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Logs returns the accumulated log stream.
func (r *Run) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

// Cancel requests cooperative cancellation. The in-flight stage's context
// is cancelled so it stops at its next item; its settled output is still
// merged and the run ends as cancelled with partial data.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.cancelRequested = true
	if r.stageCancel != nil {
		r.stageCancel()
	}
	r.mu.Unlock()

	r.log.Info("pipeline: cancellation requested")
	r.apply(context.Background(), Event{Type: EventCancelRequested})
}

// Execute loops Step until the run reaches a terminal state.
func (r *Run) Execute(ctx context.Context) Result {
	for {
		res, err := r.Step(ctx)
		if err != nil || res.Next.Terminal() {
			break
		}
	}
	return r.Result()
}

// Step advances the run by at most one stage. It returns an error only
// for a fatal failure (probe or stage) or when the run is already
// finished; cancellation is reported through the returned state.
func (r *Run) Step(ctx context.Context) (StepResult, error) {
	r.mu.Lock()
	state := r.state
	current := r.current
	r.mu.Unlock()

	switch {
	case state.Terminal():
		return StepResult{Next: state}, ErrRunFinished
	case state == model.RunStatusPending:
		return r.start(ctx)
	case state == model.RunStatusCancelling:
		return r.apply(ctx, Event{Type: EventCancelObserved}), nil
	case ctx.Err() != nil:
		return r.apply(ctx,
			Event{Type: EventCancelRequested, Message: ctx.Err().Error()},
			Event{Type: EventCancelObserved},
		), nil
	case current >= len(r.p.stages):
		return r.apply(ctx, Event{Type: EventFinished}), nil
	default:
		return r.runStage(ctx, current)
	}
}

func (r *Run) start(ctx context.Context) (StepResult, error) {
	r.mu.Lock()
	r.startedAt = r.now()
	r.mu.Unlock()

	r.log.Info("pipeline: starting run",
		zap.Int("records", r.original),
		zap.Int("stages", len(r.p.stages)),
	)

	if r.p.prober != nil {
		if err := r.p.prober.Probe(ctx); err != nil {
			perr := eris.Wrap(ErrConnection, err.Error())
			r.mu.Lock()
			r.err = perr
			r.mu.Unlock()
			r.log.Error("pipeline: connectivity probe failed", zap.Error(err))
			return r.apply(ctx, Event{Type: EventProbeFailed, Message: err.Error()}), perr
		}
	}
	return r.apply(ctx, Event{Type: EventStarted}), nil
}

func (r *Run) runStage(ctx context.Context, idx int) (StepResult, error) {
	spec := r.p.stages[idx]
	id := spec.ID()
	log := r.log.With(zap.String("stage", id), zap.Int("index", idx))

	r.mu.Lock()
	subset, origins := untagged(r.records)
	before := countTagged(r.records)
	r.mu.Unlock()

	events := []Event{{Type: EventStageStarted, StageID: id, Index: idx}}

	if len(subset) == 0 {
		a := model.StageAnalytics{StageID: id, Status: model.StageStatusSkipped}
		r.agg.Record(a)
		r.mu.Lock()
		r.current++
		r.mu.Unlock()
		r.appendLog(id, "No untagged records; stage skipped")
		log.Info("pipeline: stage skipped")
		events = append(events, Event{Type: EventStageSkipped, StageID: id, Index: idx, Analytics: &a})
		return r.apply(ctx, r.maybeFinish(events)...), nil
	}

	stageCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stageCancel = cancel
	if r.cancelRequested {
		cancel()
	}
	r.mu.Unlock()

	log.Info("pipeline: stage starting", zap.Int("records", len(subset)))
	start := time.Now()
	out, err := r.process(stageCtx, spec, idx, subset)
	elapsed := time.Since(start)
	cancel()

	r.mu.Lock()
	r.stageCancel = nil
	cancelled := r.cancelRequested
	r.mu.Unlock()

	if err != nil && (cancelled || ctx.Err() != nil) {
		settled := 0
		if out != nil && len(out.Data) == len(subset) {
			r.mu.Lock()
			merged, mres := merge.Into(r.records, out.Data, origins)
			r.p.engine.Apply(merged, spec.Rules)
			r.records = merged
			r.mu.Unlock()
			settled = mres.Matched
		}
		log.Info("pipeline: stage interrupted by cancellation",
			zap.Duration("elapsed", elapsed),
			zap.Int("merged", settled),
		)
		r.appendLog(id, "Stage interrupted by cancellation")
		events = append(events,
			Event{Type: EventCancelRequested, StageID: id, Index: idx},
			Event{Type: EventCancelObserved, StageID: id, Index: idx, Message: "stage interrupted"},
		)
		return r.apply(ctx, events...), nil
	}

	if err == nil {
		switch {
		case out == nil:
			err = eris.New("stage returned no output")
		case len(out.Data) != len(subset):
			err = eris.Errorf("stage returned %d records for %d inputs", len(out.Data), len(subset))
		}
	}
	if err != nil {
		serr := &StageError{StageID: id, Index: idx, Err: err}
		a := model.StageAnalytics{StageID: id, Status: model.StageStatusError, Input: len(subset), Elapsed: elapsed, Error: err.Error()}
		r.agg.Record(a)
		r.mu.Lock()
		r.err = serr
		r.mu.Unlock()
		log.Error("pipeline: stage failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		r.appendLog(id, "Stage failed: "+err.Error())
		events = append(events, Event{Type: EventStageFailed, StageID: id, Index: idx, Message: err.Error(), Analytics: &a})
		return r.apply(ctx, events...), serr
	}

	r.mu.Lock()
	merged, mres := merge.Into(r.records, out.Data, origins)
	tres := r.p.engine.Apply(merged, spec.Rules)
	r.records = merged
	after := countTagged(merged)
	r.current++
	r.mu.Unlock()

	a := out.Analytics
	a.StageID = id
	a.Status = model.StageStatusComplete
	a.Input = len(subset)
	a.Output = len(out.Data)
	a.Filtered = after - before
	if a.Elapsed == 0 {
		a.Elapsed = elapsed
	}
	if mres.Misses > 0 {
		a.AddSpecific("merge_misses", float64(mres.Misses))
	}
	r.agg.Record(a)
	if w, ok := r.p.weights[id]; ok {
		r.agg.Distribute(id, w)
	}

	log.Info("pipeline: stage complete",
		zap.Int("input", a.Input),
		zap.Int("filtered", a.Filtered),
		zap.Int("tagged_by_rules", tres.Tagged),
		zap.Int("merge_misses", mres.Misses),
		zap.Int64("duration_ms", a.Elapsed.Milliseconds()),
	)
	r.appendLog(id, fmt.Sprintf("Stage complete: %d processed, %d filtered", a.Input, a.Filtered))

	events = append(events, Event{Type: EventStageCompleted, StageID: id, Index: idx, Analytics: &a})
	return r.apply(ctx, r.maybeFinish(events)...), nil
}

// process calls the stage with wrapped callbacks. A panicking stage is a
// fatal stage error, not a crash.
func (r *Run) process(ctx context.Context, spec stage.Spec, idx int, subset []model.Record) (out *stage.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("panic: %v", p)
		}
	}()

	id := spec.ID()
	total := len(r.p.stages)
	var mu sync.Mutex
	last := 0.0
	onProgress := func(pct float64) {
		mu.Lock()
		defer mu.Unlock()
		pct = min(max(pct, last), 100)
		last = pct
		if r.cb.OnProgress != nil {
			r.cb.OnProgress(id, idx, total, pct)
		}
	}
	onLog := func(line string) { r.appendLog(id, line) }

	return spec.Stage.Process(ctx, subset, spec.Config, onLog, onProgress)
}

func (r *Run) maybeFinish(events []Event) []Event {
	r.mu.Lock()
	done := r.current >= len(r.p.stages)
	r.mu.Unlock()
	if done {
		events = append(events, Event{Type: EventFinished})
	}
	return events
}

// apply feeds events through Transition. Events after a terminal state
// are dropped. Reaching a terminal state finalizes the run.
func (r *Run) apply(ctx context.Context, events ...Event) StepResult {
	r.mu.Lock()
	applied := make([]Event, 0, len(events))
	finished := false
	for _, ev := range events {
		if r.state.Terminal() {
			break
		}
		next, err := Transition(r.state, ev.Type)
		if err != nil {
			r.log.Warn("pipeline: ignored event", zap.Error(err))
			continue
		}
		r.state = next
		applied = append(applied, ev)
		if next.Terminal() {
			finished = true
			r.finishedAt = r.now()
			if r.startedAt.IsZero() {
				r.startedAt = r.finishedAt
			}
		}
	}
	state := r.state
	r.mu.Unlock()

	if r.cb.OnEvent != nil {
		for _, ev := range applied {
			r.cb.OnEvent(ev)
		}
	}
	if finished {
		r.finish(ctx)
	}
	return StepResult{Next: state, Events: applied}
}

func (r *Run) finish(ctx context.Context) {
	summary := r.Summary()

	r.appendLog("", fmt.Sprintf("Pipeline %s: %d of %d records remain untagged",
		summary.Status, summary.SurvivorCount, summary.OriginalCount))
	r.log.Info("pipeline: run finished",
		zap.String("status", string(summary.Status)),
		zap.Int("original", summary.OriginalCount),
		zap.Int("survivors", summary.SurvivorCount),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	r.p.prom.ObserveRun(summary.Status)

	if r.p.recorder != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.p.recorder.SaveRun(saveCtx, summary); err != nil {
			r.log.Warn("pipeline: failed to record run", zap.Error(err))
		}
	}
}

// Summary reports the run's status and original vs. surviving counts.
func (r *Run) Summary() model.RunSummary {
	r.mu.Lock()
	s := model.RunSummary{
		ID:            r.id,
		Status:        r.state,
		OriginalCount: r.original,
		SurvivorCount: len(r.records) - countTagged(r.records),
		StartedAt:     r.startedAt,
		FinishedAt:    r.finishedAt,
	}
	if r.err != nil {
		s.Error = r.err.Error()
	}
	r.mu.Unlock()
	s.Analytics = r.agg.Snapshot()
	return s
}

// Result returns the run's current outcome. Data is a copy of the working
// set, including tagged records.
func (r *Run) Result() Result {
	summary := r.Summary()

	r.mu.Lock()
	data := make([]model.Record, len(r.records))
	for i := range r.records {
		data[i] = r.records[i].Clone()
	}
	err := r.err
	r.mu.Unlock()

	return Result{
		Completed: summary.Status == model.RunStatusComplete,
		Status:    summary.Status,
		Error:     err,
		Data:      data,
		Analytics: summary.Analytics,
		Rollup:    r.agg.Rollup(),
		Summary:   summary,
	}
}

func (r *Run) appendLog(stageID, line string) {
	entry := line
	if stageID != "" {
		entry = "[" + stageID + "] " + line
	}
	r.mu.Lock()
	r.logs = append(r.logs, entry)
	r.mu.Unlock()

	r.log.Debug("pipeline: stage log", zap.String("stage", stageID), zap.String("line", line))
	if r.cb.OnLog != nil {
		r.cb.OnLog(stageID, line)
	}
}

// untagged clones the records still eligible for processing and returns
// their positions in the working set.
func untagged(records []model.Record) ([]model.Record, []int) {
	var subset []model.Record
	var origins []int
	for i := range records {
		if records[i].Tagged() {
			continue
		}
		subset = append(subset, records[i].Clone())
		origins = append(origins, i)
	}
	return subset, origins
}

func countTagged(records []model.Record) int {
	n := 0
	for i := range records {
		if records[i].Tagged() {
			n++
		}
	}
	return n
}
