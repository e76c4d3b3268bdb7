// Package app wires the journal, engine and outer surfaces for a workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"ledgerview/internal/config"
	"ledgerview/internal/db"
	"ledgerview/internal/engine"
	"ledgerview/internal/events"
	"ledgerview/internal/migrate"
	"ledgerview/internal/notify"
	"ledgerview/internal/repo"
	"ledgerview/internal/server"
	"ledgerview/internal/source"
	"ledgerview/internal/store"
)

// App is an opened workspace: migrated journal plus an engine seeded from config.
type App struct {
	Config  *config.Config
	Env     config.Env
	DB      *sql.DB
	Repo    repo.Repo
	Journal *events.Writer
	Engine  *engine.Engine
	Log     *slog.Logger
}

// Open opens and migrates the workspace journal and builds an engine that journals to it.
func Open(ctx context.Context, workspace string, cfg *config.Config, env config.Env, log *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	journal := &events.Writer{DB: conn}
	a := &App{
		Config:  cfg,
		Env:     env,
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Journal: journal,
		Log:     log,
	}
	a.Engine, err = NewEngine(ctx, cfg, journal, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// NewEngine builds an engine for cfg and loads its verifier types. A nil journal gives an
// in-memory engine, as used by replay.
func NewEngine(ctx context.Context, cfg *config.Config, journal *events.Writer, log *slog.Logger) (*engine.Engine, error) {
	notifiers := notify.Multi{notify.LogNotifier{Log: log.With("component", "notify")}}
	if journal != nil {
		notifiers = append(notifiers, notify.JournalNotifier{Writer: *journal, Log: log})
	}
	e := engine.New(engine.Options{
		Identity: cfg.IdentityAddress(),
		Notifier: notifiers,
		Journal:  journal,
		Log:      log.With("component", "engine"),
	})
	if types := cfg.DomainVerifierTypes(); len(types) > 0 {
		if _, err := e.Load(ctx, store.AddVerifierTypes{Types: types}); err != nil {
			return nil, fmt.Errorf("load verifier types: %w", err)
		}
	}
	return e, nil
}

// Handler builds the HTTP API for the opened workspace.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:    a.Engine,
		Repo:      a.Repo,
		BasePath:  a.Config.Server.BasePath,
		Auth:      server.AuthConfig{JWTSecret: a.Env.JWTSecret, Logger: a.Log},
		Callbacks: &server.CallbackPoster{Log: a.Log.With("component", "callbacks")},
		Log:       a.Log.With("component", "http"),
	})
}

// Webhooks returns a dispatcher for the configured hooks, or nil when none are set.
func (a *App) Webhooks() *notify.WebhookDispatcher {
	if len(a.Config.Notifications.Webhooks) == 0 {
		return nil
	}
	return &notify.WebhookDispatcher{
		Repo:     a.Repo,
		Webhooks: a.Config.Notifications.Webhooks,
		Log:      a.Log.With("component", "webhooks"),
	}
}

// SourceWorker returns a Kafka-backed worker when a source is configured, else nil.
func (a *App) SourceWorker() (*source.Worker, error) {
	k := a.Config.Source.Kafka
	if !k.Enabled() {
		return nil, nil
	}
	consumer, err := source.NewKafkaConsumer(k)
	if err != nil {
		return nil, err
	}
	return &source.Worker{
		Consumer: consumer,
		Handler:  a.Engine,
		Log:      a.Log.With("component", "source", "topic", k.Topic),
		Interval: k.PollInterval(),
		Batch:    k.BatchSize,
	}, nil
}

func (a *App) Close() error {
	if err := a.Engine.Close(); err != nil {
		a.Log.Warn("close engine", "err", err)
	}
	return a.DB.Close()
}
