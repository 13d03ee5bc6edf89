package model

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusComplete   RunStatus = "complete"
	RunStatusError      RunStatus = "error"
	RunStatusCancelled  RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusComplete, RunStatusError, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StageStatus represents the outcome of a single stage invocation.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusComplete   StageStatus = "complete"
	StageStatusSkipped    StageStatus = "skipped"
	StageStatusError      StageStatus = "error"
)

// StageAnalytics holds the counters reported for one stage invocation.
type StageAnalytics struct {
	StageID  string      `json:"stage_id"`
	Status   StageStatus `json:"status"`
	Input    int         `json:"input"`
	Output   int         `json:"output"`
	Filtered int         `json:"filtered"`
	Errors   int         `json:"errors"`
	Skipped  int         `json:"skipped"`

	// TokenUnits counts language-model tokens (input + output).
	TokenUnits   int64 `json:"token_units"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	// CreditUnits counts provider credits consumed.
	CreditUnits int64 `json:"credit_units"`
	APICalls    int   `json:"api_calls"`
	CacheHits   int   `json:"cache_hits"`
	CacheMisses int   `json:"cache_misses"`

	Elapsed  time.Duration      `json:"elapsed_ns"`
	Specific map[string]float64 `json:"specific,omitempty"`
	Substeps []SubstepAnalytics `json:"substeps,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// AddTokens records language-model usage.
func (a *StageAnalytics) AddTokens(input, output int64) {
	a.InputTokens += input
	a.OutputTokens += output
	a.TokenUnits += input + output
}

// AddSpecific accumulates a free-form stage metric.
func (a *StageAnalytics) AddSpecific(name string, v float64) {
	if a.Specific == nil {
		a.Specific = make(map[string]float64)
	}
	a.Specific[name] += v
}

// SubstepAnalytics holds counters for a sub-operation within a stage.
// Approximate is true when the numbers were allocated from the parent total
// rather than measured.
type SubstepAnalytics struct {
	Name        string `json:"name"`
	TokenUnits  int64  `json:"token_units"`
	CreditUnits int64  `json:"credit_units"`
	APICalls    int    `json:"api_calls"`
	Approximate bool   `json:"approximate"`
}

// RunSummary is the persisted outcome of a run, kept for history only.
type RunSummary struct {
	ID            string                    `json:"id"`
	Status        RunStatus                 `json:"status"`
	OriginalCount int                       `json:"original_count"`
	SurvivorCount int                       `json:"survivor_count"`
	Error         string                    `json:"error,omitempty"`
	Analytics     map[string]StageAnalytics `json:"analytics,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	FinishedAt    time.Time                 `json:"finished_at"`
}
