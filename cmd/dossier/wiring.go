package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"dossier/adapters/gemini"
	"dossier/adapters/perplexity"
	"dossier/adapters/stub"
	"dossier/internal/config"
	"dossier/internal/dossier"
	"dossier/internal/logging"
	"dossier/internal/metrics"
	"dossier/internal/store"
	"dossier/pkg/pipeline"
)

// runtimeOptions selects what a command wires around the engine.
type runtimeOptions struct {
	live        bool
	journalPath string
	metricsAddr string
	observers   []pipeline.Observer
}

// runtime is an engine with its services, journal and metrics endpoint.
type runtime struct {
	engine  *dossier.Engine
	journal *store.Journal
	metrics *metrics.Metrics

	closers []func() error
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	svc, err := services(ctx, opts.live)
	if err != nil {
		return nil, err
	}
	rt := &runtime{}
	log := logging.New("cli")

	observers := pipeline.MultiObserver{&pipeline.LogObserver{Logger: logging.New("pipeline")}}
	var recorders pipeline.MultiRecorder
	var engineOpts []dossier.EngineOption

	if opts.journalPath != "" {
		st, err := store.Open(opts.journalPath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, st.Close)
		rt.journal = store.NewJournal(st)
		observers = append(observers, rt.journal)
		recorders = append(recorders, rt.journal)
		engineOpts = append(engineOpts, dossier.OnFinish(func(out *pipeline.Outcome) {
			if err := rt.journal.Record(out); err != nil {
				log.Warn("journal record failed", "run", out.RunID, "error", err)
			}
		}))
	}

	if opts.metricsAddr != "" {
		rt.metrics = metrics.New()
		observers = append(observers, rt.metrics)
		recorders = append(recorders, rt.metrics)
		stop, err := serveMetrics(opts.metricsAddr, rt.metrics)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, stop)
	}

	observers = append(observers, opts.observers...)
	orch := pipeline.New(
		pipeline.WithAdapter(pipeline.NewAdapter(pipeline.WithRecorder(recorders))),
		pipeline.WithObserver(observers),
	)
	rt.engine = dossier.NewEngine(orch, svc, engineOpts...)
	return rt, nil
}

// services returns the live Gemini and Perplexity clients, or the
// deterministic stubs. The environment sets the clients' default models and
// overall research rate; a domain's models and requests_per_second apply
// per run on top of them.
func services(ctx context.Context, live bool) (dossier.Services, error) {
	if !live {
		return dossier.Services{Reasoning: &stub.Reasoner{}, Research: &stub.Researcher{}}, nil
	}
	env := config.ServicesFromEnv()
	if !env.Live() {
		return dossier.Services{}, fmt.Errorf("live services need %s and %s", config.EnvGeminiAPIKey, config.EnvPerplexityAPIKey)
	}
	reasoning, err := gemini.New(ctx, env.GeminiAPIKey, env.GeminiModel,
		gemini.WithLogger(logging.New("gemini")))
	if err != nil {
		return dossier.Services{}, err
	}
	research, err := perplexity.New(env.PerplexityBaseURL, env.PerplexityAPIKey, env.PerplexityModel,
		perplexity.WithLogger(logging.New("perplexity")),
		perplexity.WithRateLimit(env.ResearchRPS, 2),
	)
	if err != nil {
		return dossier.Services{}, err
	}
	return dossier.Services{Reasoning: reasoning, Research: research}, nil
}

// serveMetrics exposes /metrics on addr and returns a func that shuts the
// listener down.
func serveMetrics(addr string, m *metrics.Metrics) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log := logging.New("metrics")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}, nil
}
