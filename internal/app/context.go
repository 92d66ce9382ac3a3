// Package app assembles what a command needs to run: the workspace
// database, the effective config and a pipeline built from both.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"thesisline/internal/config"
	"thesisline/internal/db"
	"thesisline/internal/engine"
	"thesisline/internal/fetch"
	"thesisline/internal/llm"
	"thesisline/internal/migrate"
	"thesisline/internal/stages"
)

// Context carries the shared pieces commands operate on.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open migrates the workspace database and loads the effective config.
// A workspace without a thesisline.yml runs on the defaults; projects
// created later snapshot whichever config was in effect.
func Open(workspace string, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
		Logger:    logger,
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// BuildPipeline wires the provider client, the fetcher and the three
// stages from the loaded config. The provider credential comes from the
// environment, never from thesisline.yml.
func (c *Context) BuildPipeline(providerKey string) (*engine.Pipeline, error) {
	if providerKey == "" {
		return nil, fmt.Errorf("provider API key not set; export THESISLINE_PROVIDER_API_KEY")
	}
	client := llm.New(c.Config.Provider.BaseURL, providerKey)
	fetcher := fetch.New(fetch.Config{
		Timeout:   time.Duration(c.Config.Fetch.Timeout),
		MaxBytes:  c.Config.Fetch.MaxBytes,
		UserAgent: c.Config.Fetch.UserAgent,
	}, c.Logger)
	research := stages.NewResearch(client, c.Config.Provider.ResearchModel, fetcher, c.Config.Pipeline, c.Logger)
	outline := stages.NewOutline(client, c.Config.Provider.OutlineModel, c.Config.Pipeline, c.Logger)
	writer := stages.NewWriter(client, c.Config.Provider.WriterModel, c.Config.Pipeline, c.Logger)
	return engine.NewPipeline(c.Engine, research, outline, writer, c.Logger), nil
}
