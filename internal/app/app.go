// Package app provides application initialization and dependency
// wiring. Setup builds every component in dependency order and returns
// an App whose Close releases them in reverse.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/implementos/agentd/internal/api"
	"github.com/implementos/agentd/internal/config"
	"github.com/implementos/agentd/internal/knowledge"
	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/report"
	"github.com/implementos/agentd/internal/runtime"
	"github.com/implementos/agentd/internal/session"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit       *genkit.Genkit
	Embedder     ai.Embedder
	Adapter      *model.GenkitAdapter
	Pool         *pgxpool.Pool
	SessionStore session.Store
	Orchestrator *orchestrator.Orchestrator
	Runtime      *runtime.Runtime
	Reporter     *report.Reporter
	Server       *api.Server

	knowledge    *knowledge.Retriever
	otelShutdown func(context.Context) error
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	slog.Info("shutting down application")

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
		slog.Info("database pool closed")
	}
	return nil
}
