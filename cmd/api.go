package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
	"github.com/sells-group/enrich-cli/internal/store"
)

// runRequest starts a run over inline records. Definition is optional YAML;
// otherwise Stages names the stage ids to run in order, and an empty
// Stages runs every standard stage.
type runRequest struct {
	Definition string         `json:"definition,omitempty"`
	Stages     []string       `json:"stages,omitempty"`
	BatchSize  int            `json:"batch_size,omitempty"`
	Records    []model.Record `json:"records"`
}

// runView is the API representation of a live or finished run.
type runView struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline"`
	Status      model.RunStatus `json:"status"`
	CurrentStep int             `json:"current_step"`
	Stages      []string        `json:"stages"`
	Logs        []string        `json:"logs,omitempty"`
	Result      *runResult      `json:"result,omitempty"`
}

type liveRun struct {
	run      *pipeline.Run
	pipeline *pipeline.Pipeline
	done     chan struct{}
}

// apiServer tracks runs started over HTTP. Runs live in memory; finished
// summaries also reach the run-history store through the pipeline recorder.
type apiServer struct {
	ctx      context.Context
	build    func(*pipeline.Definition) (*pipeline.Pipeline, error)
	registry *pipeline.Registry
	history  store.RunRecorder
	gatherer prometheus.Gatherer
	origins  []string
	maxRuns  int
	// maxActive caps non-terminal runs; 0 disables the cap.
	maxActive int
	maxBody   int64
	batch     int

	mu    sync.Mutex
	runs  map[string]*liveRun
	order []string
	wg    sync.WaitGroup
}

func newAPIServer(ctx context.Context, env *pipelineEnv, sc config.ServerConfig, batchSize int) *apiServer {
	return &apiServer{
		ctx:       ctx,
		build:     env.Build,
		registry:  env.Registry,
		history:   env.Store,
		gatherer:  env.Metrics,
		origins:   sc.CORSOrigins,
		maxRuns:   sc.MaxRuns,
		maxActive: sc.MaxActive,
		maxBody:   sc.MaxBodyBytes,
		batch:     batchSize,
		runs:      make(map[string]*liveRun),
	}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stages", s.handleStages)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Post("/{id}/cancel", s.handleCancelRun)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

func (s *apiServer) handleStages(w http.ResponseWriter, _ *http.Request) {
	type stageInfo struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	}
	ids := s.registry.IDs()
	out := make([]stageInfo, 0, len(ids))
	for _, id := range ids {
		desc, _ := s.registry.Describe(id)
		out = append(out, stageInfo{ID: id, Description: desc})
	}
	writeJSONStatus(w, http.StatusOK, out)
}

func (s *apiServer) definitionFor(req runRequest) (*pipeline.Definition, error) {
	if req.Definition != "" {
		return pipeline.ParseDefinition([]byte(req.Definition))
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = s.batch
	}
	if len(req.Stages) == 0 {
		return pipeline.DefaultDefinition(batch), nil
	}
	def := &pipeline.Definition{Name: "api"}
	for _, id := range req.Stages {
		def.Stages = append(def.Stages, pipeline.StageDefinition{ID: id, BatchSize: batch})
	}
	return def, nil
}

func (s *apiServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "records are required")
		return
	}

	def, err := s.definitionFor(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.build(def)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := p.NewRun(req.Records, pipeline.Callbacks{})
	lr := &liveRun{run: run, pipeline: p, done: make(chan struct{})}
	if !s.track(run.ID(), lr) {
		writeError(w, http.StatusTooManyRequests, "too many active runs")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(lr.done)
		res := run.Execute(s.ctx)
		zap.L().Info("api run finished",
			zap.String("run_id", run.ID()),
			zap.String("status", string(res.Status)),
			zap.Int("survivors", res.Summary.SurvivorCount),
		)
	}()

	writeJSONStatus(w, http.StatusAccepted, s.view(lr, false))
}

// track registers a run and evicts the oldest finished runs past maxRuns.
// It refuses the run when maxActive runs are still executing.
func (s *apiServer) track(id string, lr *liveRun) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxActive > 0 {
		active := 0
		for _, other := range s.runs {
			if !other.run.State().Terminal() {
				active++
			}
		}
		if active >= s.maxActive {
			return false
		}
	}
	s.runs[id] = lr
	s.order = append(s.order, id)

	if s.maxRuns <= 0 {
		return true
	}
	kept := s.order[:0]
	excess := len(s.order) - s.maxRuns
	for _, old := range s.order {
		if excess > 0 && s.runs[old].run.State().Terminal() {
			delete(s.runs, old)
			excess--
			continue
		}
		kept = append(kept, old)
	}
	s.order = kept
	return true
}

func (s *apiServer) lookup(id string) (*liveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.runs[id]
	return lr, ok
}

func (s *apiServer) view(lr *liveRun, withResult bool) runView {
	v := runView{
		ID:          lr.run.ID(),
		Pipeline:    lr.pipeline.Name(),
		Status:      lr.run.State(),
		CurrentStep: lr.run.CurrentStep(),
		Stages:      lr.pipeline.Stages(),
	}
	if withResult {
		v.Logs = lr.run.Logs()
		if v.Status.Terminal() {
			res := newRunResult(v.ID, lr.run.Result(), false)
			v.Result = &res
		}
	}
	return v
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if lr, ok := s.lookup(id); ok {
		writeJSONStatus(w, http.StatusOK, s.view(lr, true))
		return
	}
	if s.history != nil {
		summary, err := s.history.GetRun(r.Context(), id)
		if err == nil {
			writeJSONStatus(w, http.StatusOK, summary)
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func (s *apiServer) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	lr, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if lr.run.State().Terminal() {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	lr.run.Cancel()
	writeJSONStatus(w, http.StatusAccepted, s.view(lr, false))
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONStatus(w, http.StatusOK, []model.RunSummary{})
		return
	}
	filter := store.RunFilter{Status: model.RunStatus(r.URL.Query().Get("status"))}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSONStatus(w, http.StatusOK, runs)
}

// cancelAll asks every live run to stop and waits for them to finish.
func (s *apiServer) cancelAll() {
	s.mu.Lock()
	for _, lr := range s.runs {
		lr.run.Cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
