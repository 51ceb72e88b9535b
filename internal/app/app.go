// Package app wires configuration, storage and transport into runnable
// server and client stacks.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldwatch/internal/config"
	"fieldwatch/internal/db"
	"fieldwatch/internal/engine"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/migrate"
	"fieldwatch/internal/outbox"
	"fieldwatch/internal/server"
	fieldwatchsdk "fieldwatch/sdk/go"
)

// LoadConfig reads the server config at path, falling back to the built-in
// defaults when the file does not exist.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Server is a configured engine and its HTTP handler.
type Server struct {
	Engine  *engine.Engine
	Handler http.Handler
	Config  *config.Config
}

// NewServer builds the engine and API handler from cfg. Background loops
// are not started; call Start.
func NewServer(cfg *config.Config, log *zap.SugaredLogger) (*Server, error) {
	log = logging.OrNop(log)
	e, err := engine.New(cfg, log.Named("engine"))
	if err != nil {
		return nil, err
	}
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: cfg.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, Log: log.Named("auth")},
		Log:      log.Named("http"),
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return &Server{Engine: e, Handler: handler, Config: cfg}, nil
}

// Start runs the engine loops and webhook forwarders until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.Engine.Start(ctx)
	if n := server.StartWebhooks(ctx, s.Engine.Hub, s.Config.Notifications.Webhooks, s.Engine.Log.Named("webhooks")); n > 0 {
		s.Engine.Log.Infow("webhook forwarders started", "count", n)
	}
}

func (s *Server) Close() {
	s.Engine.Close()
}

type ClientOptions struct {
	Workspace string
	ServerURL string
	BasePath  string
	ActorID   string
	Token     string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Tick      time.Duration
	Log       *zap.SugaredLogger
}

// Client is the offline-first client stack: a durable outbox in the
// workspace database, the sync worker draining it and the API client.
type Client struct {
	DB         *sql.DB
	Store      *outbox.Store
	Worker     *outbox.Worker
	Dispatcher outbox.Dispatcher
	API        *fieldwatchsdk.Client
}

// OpenClient opens and migrates the workspace database and wires the
// outbox to the server at opts.ServerURL.
func OpenClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	log := logging.OrNop(opts.Log)
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(opts.Workspace), err)
	}
	log.Debugw("workspace ready", "db", db.Path(opts.Workspace), "schema", version)

	api := fieldwatchsdk.New(opts.ServerURL)
	if opts.BasePath != "" {
		api.BasePath = opts.BasePath
	}
	api.ActorID = opts.ActorID
	api.BearerToken = opts.Token

	store := outbox.NewStore(conn)
	worker := outbox.NewWorker(store, api, log.Named("sync"))
	if opts.BaseDelay > 0 {
		worker.Backoff.Base = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		worker.Backoff.Max = opts.MaxDelay
	}
	worker.Tick = opts.Tick
	worker.Probe = outbox.HTTPProbe{URL: strings.TrimRight(opts.ServerURL, "/") + "/" + strings.Trim(api.BasePath, "/") + "/health"}
	worker.OnDiscard = func(d outbox.Discard) {
		log.Warnw("action rejected by server and discarded", "actionId", d.ActionID, "url", d.URL, "status", d.Status, "reason", d.Reason)
	}
	return &Client{
		DB:         conn,
		Store:      store,
		Worker:     worker,
		Dispatcher: outbox.Dispatcher{Store: store, Worker: worker},
		API:        api,
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}
