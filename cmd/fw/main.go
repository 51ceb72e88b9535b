package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fieldwatch/internal/app"
	"fieldwatch/internal/config"
	"fieldwatch/internal/db"
	"fieldwatch/internal/logging"
	"fieldwatch/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "fw",
	Short: "fieldwatch CLI",
	Long: `fieldwatch moderates field incident reports reliably over flaky networks.
- Server: 'fw serve' holds incidents in memory, applies each moderation action once per actionId, pushes live events over /api/ws and evaluates alert rules.
- Client: every action is written to the workspace outbox (.fieldwatch/outbox.db) first, then delivered by the sync worker with backoff; duplicates are harmless.
- Outbox: inspect with 'fw outbox list', drain with 'fw outbox sync', keep draining with 'fw outbox watch'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("server", "http://127.0.0.1:8080", "server base URL")
	flags.String("base-path", "/api", "API base path")
	flags.String("actor-id", "", "act as this user (X-Actor-Id)")
	flags.String("token", "", "bearer token")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "server config file (default <workspace>/fieldwatch.yml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Duration("base-delay", 0, "outbox retry base delay (default 1s)")
	flags.Duration("max-delay", 0, "outbox retry delay cap (default 30s)")
	flags.Duration("tick", 0, "outbox periodic sync interval (default 15s)")
	for _, name := range []string{"workspace", "server", "base-path", "actor-id", "token", "json", "config", "log-level", "base-delay", "max-delay", "tick"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(incidentsCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(loginCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			cfg, err := loadServerConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			metrics.Register(prometheus.DefaultRegisterer)
			s, err := app.NewServer(cfg, log)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()
			s.Start(ctx)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: s.Handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Infow("serving fieldwatch API", "addr", cfg.Server.Addr, "basePath", cfg.Server.BasePath,
				"openapi", cfg.Server.BasePath+"/openapi.json", "docs", "/docs", "metrics", "/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect server config",
		Long:  "Server config (fieldwatch.yml) sets intervals, users, alert rules and templates, and demo seed data. Missing files fall back to built-in defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadServerConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func newLogger() (*zap.SugaredLogger, error) {
	return logging.New(viper.GetString("log-level"))
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

func loadServerConfig() (*config.Config, error) {
	return app.LoadConfig(configPath())
}

// withClient opens the workspace outbox and API client for one command.
func withClient(ctx context.Context, fn func(context.Context, *app.Client) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	c, err := app.OpenClient(ctx, app.ClientOptions{
		Workspace: workspace,
		ServerURL: viper.GetString("server"),
		BasePath:  viper.GetString("base-path"),
		ActorID:   viper.GetString("actor-id"),
		Token:     viper.GetString("token"),
		BaseDelay: viper.GetDuration("base-delay"),
		MaxDelay:  viper.GetDuration("max-delay"),
		Tick:      viper.GetDuration("tick"),
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
