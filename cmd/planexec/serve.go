package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planexec/planexec/internal/catalog"
	"github.com/planexec/planexec/internal/config"
	"github.com/planexec/planexec/internal/events"
	"github.com/planexec/planexec/internal/executor"
	"github.com/planexec/planexec/internal/history"
	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/internal/observability"
	"github.com/planexec/planexec/internal/planner"
	"github.com/planexec/planexec/internal/runner"
	"github.com/planexec/planexec/internal/runs"
	"github.com/planexec/planexec/internal/skills"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/internal/web"
)

// runtime bundles the wired components of one process.
type runtime struct {
	cfg      *config.Config
	runner   *runner.Runner
	bus      *events.Bus
	store    history.Store
	registry *runs.Registry
	catalog  *catalog.Catalog
	metrics  *observability.RunMetrics
	registryProm *prometheus.Registry

	tracerShutdown func(context.Context) error
}

func (rt *runtime) close(ctx context.Context) {
	if rt.tracerShutdown != nil {
		if err := rt.tracerShutdown(ctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("history store close failed", "error", err)
	}
}

// loadConfig loads the file at path, falling back to built-in defaults
// when the default path does not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			slog.Info("no config file found, using defaults", "path", path)
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}

// buildRuntime wires the full component graph from configuration.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	observability.SetupLogging(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewRunMetrics(promReg)

	tracer, tracerShutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.TraceEndpoint,
		SampleRate:  cfg.Observability.TraceSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	client := llm.NewOpenAIClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         apiKey,
		Model:          cfg.LLM.Model,
		DefaultTimeout: cfg.LLM.Timeout.Duration,
	})

	stg := stages.New(client, stages.Config{
		Temperature: cfg.Planner.Temperature,
		Timeout:     cfg.LLM.Timeout.Duration,
		Model:       cfg.Planner.Model,
	}, metrics, tracer)

	cat := catalog.New()
	if err := registerBuiltinTools(cat); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	var embedding chromem.EmbeddingFunc
	if cfg.Planner.Rerank.Enable || cfg.Planner.Memory.Enable {
		embedding = chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI3Small)
	}
	var reranker *planner.Reranker
	if cfg.Planner.Rerank.Enable {
		reranker = planner.NewReranker(embedding, cfg.Planner.Rerank.CandidateK, cfg.Planner.Rerank.TopN)
	}
	var planMemory *planner.PlanMemory
	if cfg.Planner.Memory.Enable {
		planMemory, err = planner.NewPlanMemory(cfg.Planner.Memory.Path, embedding, cfg.Planner.Memory.MinScore)
		if err != nil {
			return nil, fmt.Errorf("init plan memory: %w", err)
		}
	}

	pl := planner.New(client, stg, cat, planner.Config{
		Temperature:         cfg.Planner.Temperature,
		ToolStrategy:        cfg.Planner.ToolStrategy,
		Model:               cfg.Planner.Model,
		Models:              cfg.Planner.Multi.Models,
		MultiEnable:         cfg.Planner.Multi.Enable,
		MultiCandidates:     cfg.Planner.Multi.Candidates,
		CandidateMinTimeout: cfg.Planner.Multi.MinTimeout.Duration,
		CandidateMaxTimeout: cfg.Planner.Multi.MaxTimeout.Duration,
		CandidateTimeFactor: cfg.Planner.Multi.TimeFactor,
		AuditEnable:         cfg.Planner.Multi.Audit,
		MaxSteps:            cfg.Planner.MaxSteps,
		UsePreThought:       cfg.Planner.UsePreThought,
		MemoryEnabled:       cfg.Planner.Memory.Enable,
		RerankEnabled:       cfg.Planner.Rerank.Enable,
	}, reranker, planMemory, metrics)

	var store history.Store
	switch cfg.History.Backend {
	case "sqlite":
		store, err = history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
	default:
		store = history.NewMemoryStore()
	}

	registry := runs.NewRegistry()
	bus := events.NewBus()

	exec := executor.New(cat, stg, registry, metrics, executor.Config{
		MaxConcurrency:             cfg.Executor.MaxConcurrency,
		ToolConcurrencyDefault:     cfg.Executor.ToolConcurrencyDefault,
		ToolConcurrency:            cfg.Executor.ToolConcurrency,
		ProviderConcurrencyDefault: cfg.Executor.ProviderConcurrencyDefault,
		ProviderConcurrency:        cfg.Executor.ProviderConcurrency,
		RecentContextLimit:         cfg.Executor.RecentContextLimit,
		CooldownDefault:            cfg.Executor.CooldownDefault.Duration,
		EnablePlanPatch:            cfg.Executor.PlanPatch.Enable,
		PlanPatchTriggerMode:       cfg.Executor.PlanPatch.TriggerMode,
		MaxPlanPatchCalls:          cfg.Executor.PlanPatch.MaxCalls,
		MaxPatches:                 cfg.Executor.PlanPatch.MaxPatches,
		RetryBudgetPerStep:         cfg.Executor.PlanPatch.RetryBudgetPerStep,
		ImmediateAllowlist:         cfg.Executor.ImmediateAllowlist,
		ImmediateDenylist:          cfg.Executor.ImmediateDenylist,
		VerboseSteps:               cfg.Executor.VerboseSteps,
	})

	var skillMgr *skills.Manager
	if cfg.Skills.Enable {
		skillMgr = skills.NewManager(cfg.Skills.Dir)
		count, err := skillMgr.Load()
		if err != nil {
			slog.Warn("skill loading reported errors", "loaded", count, "error", err)
		} else {
			slog.Info("skills loaded", "count", count)
		}
	}

	run := runner.New(pl, exec, stg, cat, bus, store, registry, skillMgr, metrics, runner.Config{
		EnableEval:               cfg.Runner.EnableEval,
		EnableRepair:             cfg.Runner.EnableRepair,
		MaxRepairs:               cfg.Runner.MaxRepairs,
		EnableReflection:         cfg.Runner.EnableReflection,
		ReflectionMaxSupplements: cfg.Runner.ReflectionMaxSupplements,
		EnableSummary:            cfg.Runner.EnableSummary,
		SkillsMax:                cfg.Skills.Max,
	})

	return &runtime{
		cfg:            cfg,
		runner:         run,
		bus:            bus,
		store:          store,
		registry:       registry,
		catalog:        cat,
		metrics:        metrics,
		registryProm:   promReg,
		tracerShutdown: tracerShutdown,
	}, nil
}

// runServe starts the HTTP gateway and blocks until shutdown.
func runServe(ctx context.Context, configPath string, explicit bool) error {
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.close(closeCtx)
	}()

	handler := web.NewHandler(web.Config{
		Heartbeat: cfg.Server.Heartbeat.Duration,
	}, rt.runner, rt.bus, rt.store, rt.registry)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout.Duration,
		// WriteTimeout stays zero so SSE streams are not cut off.
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	var metricsSrv *http.Server
	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registryProm, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics listening", "addr", cfg.Observability.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}
