// Package app wires the application together: tracing, database pool,
// Genkit, model client, store, tools, summarizer, orchestrator, and the
// HTTP server. Setup builds everything in dependency order; Close tears
// it down in reverse.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/api"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/summary"
	"github.com/parleyhq/parley/internal/tool"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit *genkit.Genkit
	DBPool *pgxpool.Pool

	Store        *store.Store
	Model        *model.Client
	Tools        *tool.Registry
	Summarizer   *summary.Summarizer
	Orchestrator *chat.Orchestrator
	Server       *api.Server

	otelCleanup func()
	dbCleanup   func()
}

// Close releases all resources in reverse initialization order. Safe to
// call on a partially initialized App.
func (a *App) Close() error {
	a.logger().Info("shutting down application")

	if a.dbCleanup != nil {
		a.dbCleanup()
		a.logger().Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}

func (a *App) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
