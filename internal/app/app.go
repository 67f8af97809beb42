// Package app wires the workspace together: database, config, queue,
// resolver and flow engine, built once and shared by the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"leadline/internal/config"
	"leadline/internal/crm"
	"leadline/internal/db"
	"leadline/internal/dispatch"
	"leadline/internal/flow"
	"leadline/internal/lead"
	"leadline/internal/migrate"
	"leadline/internal/payment"
	"leadline/internal/progress"
	"leadline/internal/repo"
	"leadline/internal/resume"
)

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Repo     repo.Repo
	Leads    *lead.Store
	Queue    *dispatch.Queue
	Progress *progress.Tracker
	Resume   *resume.Resolver
	Engine   *flow.Engine
}

// Open prepares the workspace: opens the database, applies migrations, loads
// the config and builds the component graph. The dispatch worker is not
// started; callers decide whether this process drains the queue.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	var adapter crm.Adapter
	if cfg.CRM.BaseURL != "" && cfg.CRM.APIKey != "" {
		adapter = crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.APIKey, cfg.CRM.LocationID, cfg.CRMTimeout())
	} else {
		log.Printf("app: crm is not configured; dispatch deliveries will fail until it is")
		adapter = crm.NewClient("", "", "", cfg.CRMTimeout())
	}

	leads := lead.NewStore(conn)
	queue := dispatch.NewQueue(conn, adapter, leads)
	queue.MaxAttempts = cfg.Dispatch.MaxAttempts
	queue.BaseInterval = cfg.BaseInterval()
	queue.MaxInterval = cfg.MaxInterval()
	queue.PollInterval = cfg.PollInterval()

	tracker := &progress.Tracker{Repo: repo.Repo{DB: conn}, Queue: queue}
	resolver := &resume.Resolver{
		Repo:   repo.Repo{DB: conn},
		Leads:  leads,
		Queue:  queue,
		Mailer: resume.TagMailer{Queue: queue, Leads: leads},
	}

	var checkout payment.CheckoutClient
	if cfg.Payment.Endpoint != "" {
		checkout = payment.NewClient(cfg.Payment.Endpoint, cfg.Payment.APIKey)
	}

	engine := flow.New(conn, cfg, queue, leads, tracker, resolver, checkout)

	return &App{
		DB:       conn,
		Config:   cfg,
		Repo:     repo.Repo{DB: conn},
		Leads:    leads,
		Queue:    queue,
		Progress: tracker,
		Resume:   resolver,
		Engine:   engine,
	}, nil
}

// StartWorker launches the dispatch drain loop for this process.
func (a *App) StartWorker(ctx context.Context) error {
	return a.Queue.StartWorker(ctx)
}

func (a *App) Close() error {
	return a.DB.Close()
}
