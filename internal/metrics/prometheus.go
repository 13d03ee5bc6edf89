package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/enrich-cli/internal/model"
)

// PrometheusRecorder exports stage analytics as Prometheus metrics.
// A nil recorder is a no-op.
type PrometheusRecorder struct {
	stageDuration *prom.HistogramVec
	records       *prom.CounterVec
	tokens        *prom.CounterVec
	credits       *prom.CounterVec
	apiCalls      *prom.CounterVec
	cacheLookups  *prom.CounterVec
	stageResults  *prom.CounterVec
	runs          *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the enrichment metrics.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "enrich",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual stage invocations",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		records: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "stage_records_total",
			Help:      "Records seen by a stage, by outcome",
		}, []string{"stage", "outcome"}),
		tokens: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "stage_token_units_total",
			Help:      "Language-model tokens consumed",
		}, []string{"stage"}),
		credits: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "stage_credit_units_total",
			Help:      "Enrichment provider credits consumed",
		}, []string{"stage"}),
		apiCalls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "stage_api_calls_total",
			Help:      "External API calls made",
		}, []string{"stage"}),
		cacheLookups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "cache_lookups_total",
			Help:      "Cache-aside lookups by result",
		}, []string{"stage", "result"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "stage_results_total",
			Help:      "Stage invocations by final status",
		}, []string{"stage", "status"}),
		runs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "enrich",
			Name:      "runs_total",
			Help:      "Pipeline runs by final status",
		}, []string{"status"}),
	}
	reg.MustRegister(pr.stageDuration, pr.records, pr.tokens, pr.credits, pr.apiCalls, pr.cacheLookups, pr.stageResults, pr.runs)
	return pr
}

// ObserveStage records one stage's analytics.
func (p *PrometheusRecorder) ObserveStage(a model.StageAnalytics) {
	if p == nil {
		return
	}
	id := a.StageID
	p.stageDuration.WithLabelValues(id).Observe(a.Elapsed.Seconds())
	p.records.WithLabelValues(id, "input").Add(float64(a.Input))
	p.records.WithLabelValues(id, "output").Add(float64(a.Output))
	p.records.WithLabelValues(id, "filtered").Add(float64(a.Filtered))
	p.records.WithLabelValues(id, "error").Add(float64(a.Errors))
	p.records.WithLabelValues(id, "skipped").Add(float64(a.Skipped))
	p.tokens.WithLabelValues(id).Add(float64(a.TokenUnits))
	p.credits.WithLabelValues(id).Add(float64(a.CreditUnits))
	p.apiCalls.WithLabelValues(id).Add(float64(a.APICalls))
	p.cacheLookups.WithLabelValues(id, "hit").Add(float64(a.CacheHits))
	p.cacheLookups.WithLabelValues(id, "miss").Add(float64(a.CacheMisses))
	p.stageResults.WithLabelValues(id, string(a.Status)).Inc()
}

// ObserveRun counts a finished run.
func (p *PrometheusRecorder) ObserveRun(status model.RunStatus) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(string(status)).Inc()
}
