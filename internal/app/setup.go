package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/implementos/agentd/db"
	"github.com/implementos/agentd/internal/api"
	"github.com/implementos/agentd/internal/config"
	"github.com/implementos/agentd/internal/knowledge"
	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/memory"
	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/observability"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/report"
	"github.com/implementos/agentd/internal/runtime"
	"github.com/implementos/agentd/internal/session"
	"github.com/implementos/agentd/internal/stream"
	"github.com/implementos/agentd/internal/tool"
	"github.com/implementos/agentd/internal/toolkit"
	"github.com/implementos/agentd/internal/toolkit/carttk"
	"github.com/implementos/agentd/internal/toolkit/clienttk"
	"github.com/implementos/agentd/internal/toolkit/producttk"
	"github.com/implementos/agentd/internal/toolkit/reporttk"
	"github.com/implementos/agentd/internal/toolkit/salestk"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing must be registered before genkit.Init so the
	// TracerProvider is ready when flows start.
	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		ServiceName: "agentd",
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = shutdown

	if cfg.UsesPostgres() {
		pool, err := providePool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
	}

	a.Genkit = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if a.Genkit == nil {
		return nil, errors.New("initializing genkit")
	}
	a.Embedder = googlegenai.GoogleAIEmbedder(a.Genkit, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	a.Adapter = model.NewGenkitAdapter(a.Genkit, logger)

	if err := provideStores(a, cfg, logger); err != nil {
		return nil, err
	}

	composer, err := provideComposer(a, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := provideAgents(a, cfg, logger); err != nil {
		return nil, err
	}

	a.Runtime = runtime.New(a.SessionStore, a.Adapter, composer, stream.NewBus(), logger)
	a.Reporter = report.New(a.SessionStore)

	server, err := api.NewServer(api.ServerConfig{
		Logger:       logger,
		Orchestrator: a.Orchestrator,
		Runtime:      a.Runtime,
		Reporter:     a.Reporter,
		Pool:         a.Pool,
		TrustProxy:   cfg.Server.TrustProxy,
		RateBurst:    cfg.Server.RateBurst,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	a.Server = server

	return a, nil
}

// providePool connects to PostgreSQL and runs pending migrations.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// provideStores selects the session store backend. Dev mode
// (storage: memory) keeps everything in-process.
func provideStores(a *App, cfg *config.Config, logger log.Logger) error {
	if !cfg.UsesPostgres() {
		a.SessionStore = session.NewInMemory()
		return nil
	}
	store, err := session.NewPostgres(a.Pool, session.DefaultRetryConfig(), logger)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	a.SessionStore = store
	return nil
}

// provideComposer builds the memory manager. The vector-backed user
// memory and knowledge sources need Postgres; without it the composer
// still handles summaries and transcript flattening.
func provideComposer(a *App, cfg *config.Config, logger log.Logger) (*memory.Manager, error) {
	opts := []memory.Option{}
	if a.Pool != nil {
		store, err := memory.NewPostgresStore(a.Pool, a.Embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("creating memory store: %w", err)
		}
		retriever, err := knowledge.NewRetriever(a.Pool, a.Embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("creating knowledge retriever: %w", err)
		}
		a.knowledge = retriever
		opts = append(opts, memory.WithStore(store), memory.WithKnowledge(retriever))
	}
	return memory.NewManager(a.Adapter, cfg.ModelName, logger, opts...), nil
}

// provideAgents registers every configured agent with its toolkits and
// declares the union of tool specs with the model adapter.
func provideAgents(a *App, cfg *config.Config, _ log.Logger) error {
	client, err := toolkit.NewClient(cfg.Catalog.BaseURL,
		toolkit.WithAPIKey(cfg.Catalog.APIKey))
	if err != nil {
		return fmt.Errorf("creating catalog client: %w", err)
	}

	kits := map[string]toolkit.Toolkit{
		"products": producttk.New(client),
		"cart":     carttk.New(),
		"clients":  clienttk.New(client),
		"sales":    salestk.New(client),
		"reports":  reporttk.New(client),
	}

	a.Orchestrator = orchestrator.New()
	attached := make(map[string]*tool.Spec)

	for _, desc := range cfg.Agents {
		reg := tool.NewRegistry()
		for _, name := range desc.Toolkits {
			if name == "knowledge" {
				if a.knowledge == nil {
					return fmt.Errorf("agent %s: knowledge toolkit requires postgres storage", desc.ID)
				}
				spec, err := knowledge.SearchTool(a.knowledge)
				if err != nil {
					return fmt.Errorf("agent %s: %w", desc.ID, err)
				}
				if err := reg.Register(spec); err != nil {
					return fmt.Errorf("agent %s: %w", desc.ID, err)
				}
				continue
			}
			kit, ok := kits[name]
			if !ok {
				return fmt.Errorf("agent %s: unknown toolkit %q", desc.ID, name)
			}
			if err := toolkit.Register(reg, kit); err != nil {
				return fmt.Errorf("agent %s: %w", desc.ID, err)
			}
		}
		if desc.ModelID == "" {
			desc.ModelID = cfg.ModelName
		}
		if err := a.Orchestrator.Add(desc, reg); err != nil {
			return err
		}
		for _, spec := range reg.Specs() {
			attached[spec.Name] = spec
		}
	}

	specs := make([]*tool.Spec, 0, len(attached))
	for _, spec := range attached {
		specs = append(specs, spec)
	}
	a.Adapter.AttachTools(specs)
	return nil
}
