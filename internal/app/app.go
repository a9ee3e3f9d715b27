// Package app assembles the application: configuration, logging, tracing,
// database, Genkit, tool registry and the HTTP surface. Entry points in
// cmd/ call Setup and get back a ready App.
package app

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyloop/studyloop/api"
	"github.com/studyloop/studyloop/internal/config"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/registry"
	"github.com/studyloop/studyloop/internal/tools"
	"github.com/studyloop/studyloop/internal/turn"
)

// App is the assembled application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Pool     *pgxpool.Pool
	Kit      *tools.Kit
	Registry *registry.Registry
	Service  *turn.Service
	Server   *api.Server

	otelShutdown func(context.Context) error
}

// Close releases all resources. Safe to call on a partially built App;
// Setup arranges that on its own failure path.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil && a.Logger != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
	}
	return nil
}
