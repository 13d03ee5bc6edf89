package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/fetcher"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/metrics"
	"github.com/sells-group/enrich-cli/internal/pipeline"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stages"
	"github.com/sells-group/enrich-cli/internal/store"
	anthropicpkg "github.com/sells-group/enrich-cli/pkg/anthropic"
	"github.com/sells-group/enrich-cli/pkg/apollo"
	"github.com/sells-group/enrich-cli/pkg/gemini"
	"github.com/sells-group/enrich-cli/pkg/jina"
)

// pipelineEnv holds the store, the stage registry and the collaborators
// every pipeline built by run/serve shares.
type pipelineEnv struct {
	Store    store.Store
	Registry *pipeline.Registry
	LLM      llm.Client
	Services pipeline.Services
	Metrics  *prometheus.Registry
	Prom     *metrics.PrometheusRecorder
	Cost     *cost.Calculator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// Build resolves def against the registry with the shared options.
func (pe *pipelineEnv) Build(def *pipeline.Definition) (*pipeline.Pipeline, error) {
	modelName := ""
	if pe.LLM != nil {
		modelName = pe.LLM.Model()
	}
	return pipeline.FromDefinition(def, pe.Registry,
		pipeline.WithProber(pe.Services),
		pipeline.WithRecorder(pe.Store),
		pipeline.WithPrometheus(pe.Prom),
		pipeline.WithCost(pe.Cost, modelName),
	)
}

// providers are the external clients a pipeline environment wires.
type providers struct {
	LLM     llm.Client
	Apollo  apollo.Client
	Jina    jina.Client
	Fetcher fetcher.Fetcher
}

// initPipeline opens the store, builds every client and registers the
// stages. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	p, err := initProviders(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env, err := newPipelineEnv(cfg, st, p)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// initProviders constructs the provider clients from configuration.
// Enrichment and search clients are optional; stages that need them fail
// at build time when they are missing.
func initProviders(ctx context.Context, c *config.Config) (providers, error) {
	var p providers

	switch c.LLM.Provider {
	case "gemini":
		gc, err := gemini.NewClient(ctx, gemini.Config{APIKey: c.Gemini.Key, BaseURL: c.Gemini.BaseURL})
		if err != nil {
			return p, eris.Wrap(err, "init gemini")
		}
		p.LLM = llm.NewGemini(gc, c.Gemini.Model)
	default:
		var opts []anthropicpkg.Option
		if c.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
		}
		p.LLM = llm.NewAnthropic(anthropicpkg.NewClient(c.Anthropic.Key, opts...), c.Anthropic.Model)
	}

	if c.Apollo.Key != "" {
		p.Apollo = apollo.NewClient(c.Apollo.Key,
			apollo.WithBaseURL(c.Apollo.BaseURL),
			apollo.WithRateLimit(c.Apollo.RateLimit),
		)
	} else {
		zap.L().Warn("ENRICH_APOLLO_KEY not set, person and company enrichment disabled")
	}

	jinaOpts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL), jina.WithRateLimit(c.Jina.RateLimit)}
	if c.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
	}
	p.Jina = jina.NewClient(c.Jina.Key, jinaOpts...)

	p.Fetcher = fetcher.NewRouter(fetcher.HTTPOptions{
		UserAgent:   c.Fetch.UserAgent,
		Timeout:     time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxBytes:    c.Fetch.MaxBytes,
		RatePerHost: c.Fetch.RatePerHost,
		HostRates:   c.Fetch.HostRateMap(),
	}, fetcher.FTPOptions{
		Timeout:     time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxBytes:    c.Fetch.MaxBytes,
		RatePerHost: c.Fetch.FTPRate,
	})

	return p, nil
}

// newPipelineEnv registers the concrete stages over st and p.
func newPipelineEnv(c *config.Config, st store.Store, p providers) (*pipelineEnv, error) {
	retry := resilience.FromConfig(c.Retry.MaxRetries, c.Retry.UnitMs)
	deps := stages.Deps{
		Store:   st,
		LLM:     p.LLM,
		Apollo:  p.Apollo,
		Jina:    p.Jina,
		Fetcher: p.Fetcher,
		Retry:   retry,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: c.Retry.BreakerThreshold,
			Cooldown:         time.Duration(c.Retry.BreakerCooldownS) * time.Second,
		},
		StalenessDays: c.Pipeline.StalenessDays,
		MinHeadcount:  c.Pipeline.MinHeadcount,
		Industries:    c.Pipeline.Industries,
		FilterRules:   c.Pipeline.FilterRules,
		MaxTextChars:  c.Pipeline.MaxTextChars,
	}

	reg := pipeline.NewRegistry()
	if err := stages.Register(reg, deps); err != nil {
		return nil, err
	}

	services := pipeline.Services{"store": st.Ping}
	if p.LLM != nil {
		services["llm"] = p.LLM.Ping
	}
	if p.Apollo != nil {
		services["apollo"] = p.Apollo.Ping
	}

	promReg := prometheus.NewRegistry()
	return &pipelineEnv{
		Store:    st,
		Registry: reg,
		LLM:      p.LLM,
		Services: services,
		Metrics:  promReg,
		Prom:     metrics.NewPrometheusRecorder(promReg),
		Cost:     cost.NewCalculator(c.Pricing),
	}, nil
}

// loadDefinition reads path, falling back to the configured definition and
// then to the default stage order.
func loadDefinition(path string) (*pipeline.Definition, error) {
	if path == "" {
		path = cfg.Pipeline.Definition
	}
	if path == "" {
		return pipeline.DefaultDefinition(cfg.Pipeline.BatchSize), nil
	}
	return pipeline.LoadDefinition(path)
}
