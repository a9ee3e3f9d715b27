package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyloop/studyloop/api"
	"github.com/studyloop/studyloop/db"
	"github.com/studyloop/studyloop/internal/config"
	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/memory"
	"github.com/studyloop/studyloop/internal/observability"
	"github.com/studyloop/studyloop/internal/prefs"
	"github.com/studyloop/studyloop/internal/registry"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/tools"
	"github.com/studyloop/studyloop/internal/toolset"
	"github.com/studyloop/studyloop/internal/turn"
	"github.com/studyloop/studyloop/internal/workflow"
)

// Setup builds the full application. On failure everything already
// initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  true,
	})

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing registers with Genkit's TracerProvider, so it has to come
	// before genkit.Init.
	otelShutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Otel.Endpoint,
		Environment: cfg.Otel.Environment,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = otelShutdown

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Kit = tools.NewKit(logger.With("component", "tools"))
	tools.Register(g, a.Kit)
	builtin := tools.Map(g)

	workflows := workflow.Compile(g, cfg.Workflows, logger.With("component", "workflow"))

	reg, err := registry.New(g, cfg.ToolServers,
		time.Duration(cfg.RegistryTTL)*time.Second,
		logger.With("component", "registry"))
	if err != nil {
		return nil, fmt.Errorf("creating tool registry: %w", err)
	}
	a.Registry = reg

	resolver := toolset.NewResolver(reg, workflows, builtin,
		toolset.PredicateFromRules(cfg.AutoEnable),
		logger.With("component", "toolset"))

	threads := thread.NewStore(pool, logger.With("component", "threads"))
	profiles := prefs.NewStore(pool, logger.With("component", "prefs"))
	memories := memory.NewStore(pool, logger.With("component", "memory"))
	recorder := memory.NewRecorder(memory.NewHeuristic(), memories,
		logger.With("component", "memory"))

	a.Service = turn.NewService(turnConfig(cfg), turn.Deps{
		Orchestrator: turn.NewOrchestrator(g, logger.With("component", "orchestrator")),
		Resolver:     resolver,
		Threads:      threads,
		Profiles:     profiles,
		Memories:     memories,
		Recorder:     recorder,
		Logger:       logger.With("component", "turn"),
	})

	a.Server = api.NewServer(api.Deps{
		Chat:        api.NewChatHandler(a.Service, logger.With("component", "api")),
		Threads:     api.NewThreadsHandler(threads, logger.With("component", "api")),
		Health:      api.NewHealthHandler(pool, logger.With("component", "api")),
		Verifier:    identity.NewVerifier(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger.With("component", "api"),
	})

	return a, nil
}

// turnConfig maps application configuration onto the turn service policy.
func turnConfig(cfg *config.Config) turn.Config {
	return turn.Config{
		Model:          cfg.FullModelName(),
		StepBudget:     cfg.StepBudget,
		Persona:        cfg.Persona,
		MemoryWindow:   cfg.MemoryWindow,
		DefaultToolkit: cfg.DefaultToolkit,
		Agents:         cfg.Agents,
		LegacyModels:   cfg.LegacyModels,
		RateRPS:        cfg.RateLimitRPS,
		RateBurst:      cfg.RateLimitBurst,
	}
}

// provideGenkit initializes Genkit with the configured AI provider.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case "", config.ProviderGemini, config.ProviderGoogleAI:
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// provideDBPool runs migrations and creates the PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.ConnString()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
