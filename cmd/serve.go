package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/health-record-mcp/internal/archive"
	"github.com/teemow/health-record-mcp/internal/config"
	"github.com/teemow/health-record-mcp/internal/instrumentation"
	"github.com/teemow/health-record-mcp/internal/logging"
	"github.com/teemow/health-record-mcp/internal/mcp/oauth"
	"github.com/teemow/health-record-mcp/internal/projection"
	"github.com/teemow/health-record-mcp/internal/server"
	"github.com/teemow/health-record-mcp/internal/session"
	"github.com/teemow/health-record-mcp/internal/tools/eval_tools"
	"github.com/teemow/health-record-mcp/internal/tools/query_tools"
	"github.com/teemow/health-record-mcp/internal/tools/search_tools"
	"github.com/teemow/health-record-mcp/internal/transport"
)

// serveFlags holds flag values. A flag only overrides the environment when it
// was set explicitly.
type serveFlags struct {
	envFile        string
	debug          bool
	baseURL        string
	httpAddr       string
	retrieverURL   string
	clientPolicy   string
	sessionBackend string
	postgresDSN    string
	metricsEnabled bool
	metricsAddr    string
	logFormat      string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OAuth broker and MCP server",
		Long: `Start the HTTP server that brokers record retrieval and serves MCP over SSE.

Endpoints:
  OAuth:   /.well-known/oauth-authorization-server, /.well-known/oauth-protected-resource,
           /authorize, /ehr-retriever-callback, /token, /register, /revoke
  MCP:     /mcp-sse (Bearer token required), /mcp-messages
  Health:  /healthz, /readyz, /healthz/detailed

Configuration is read from the environment and an optional .env file.
Flags override the environment when set explicitly.

Base URL (required for deployed instances):
  --base-url https://your-domain.com OR MCP_BASE_URL env var
  Defaults to http://localhost<http-addr> for local development.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.envFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, cfg, flags)
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", "Optional env file loaded before parsing the environment")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging. Same as LOG_LEVEL=debug.")
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "Public base URL. Can also use MCP_BASE_URL env var. Example: https://mcp.example.com")
	cmd.Flags().StringVar(&flags.httpAddr, "http-addr", ":8080", "HTTP listen address. Can also use MCP_HTTP_ADDR env var.")
	cmd.Flags().StringVar(&flags.retrieverURL, "retriever-url", "", "URL of the browser record retriever. Can also use EHR_RETRIEVER_URL env var. Default: <base-url>/ehretriever.html")
	cmd.Flags().StringVar(&flags.clientPolicy, "client-policy", config.PolicyStrict, "Client policy: strict or permissive. Can also use OAUTH_CLIENT_POLICY env var.")
	cmd.Flags().StringVar(&flags.sessionBackend, "session-backend", config.BackendSQLite, "Relational backend for sessions: sqlite or postgres. Can also use SESSION_BACKEND env var.")
	cmd.Flags().StringVar(&flags.postgresDSN, "postgres-dsn", "", "Postgres DSN for the postgres backend. Can also use SESSION_POSTGRES_DSN env var.")
	cmd.Flags().BoolVar(&flags.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json. Can also use LOG_FORMAT env var.")

	return cmd
}

// applyFlagOverrides copies explicitly set flags over the loaded configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config, flags serveFlags) {
	changed := cmd.Flags().Changed

	if changed("debug") && flags.debug {
		cfg.Logging.Level = "debug"
	}
	if changed("base-url") {
		cfg.BaseURL = flags.baseURL
	}
	if changed("http-addr") {
		cfg.HTTPAddr = flags.httpAddr
	}
	if changed("retriever-url") {
		cfg.RetrieverURL = flags.retrieverURL
	}
	if changed("client-policy") {
		cfg.OAuth.ClientPolicy = flags.clientPolicy
	}
	if changed("session-backend") {
		cfg.Session.Backend = flags.sessionBackend
	}
	if changed("postgres-dsn") {
		cfg.Session.PostgresDSN = flags.postgresDSN
	}
	if changed("metrics-enabled") {
		cfg.Metrics.Enabled = flags.metricsEnabled
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if changed("log-format") {
		cfg.Logging.Format = flags.logFormat
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	if err := instrConfig.Validate(); err != nil {
		return fmt.Errorf("invalid instrumentation configuration: %w", err)
	}
	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during instrumentation shutdown", logging.Err(err))
		}
	}()
	metrics := provider.Metrics()

	factory, err := newProjectionFactory(ctx, cfg.Session)
	if err != nil {
		return err
	}

	snapshots, err := newArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	store := session.NewStore(session.Options{
		Factory:       factory,
		Archive:       snapshots,
		RetainArchive: cfg.Archive.Retain,
		Metrics:       metrics,
		Logger:        logger,
	})

	oauthHandler, err := oauth.NewHandler(&oauth.Config{
		Issuer:       cfg.BaseURL,
		RetrieverURL: cfg.RetrieverURL,
		ClientPolicy: cfg.OAuth.ClientPolicy,
		FlowTTL:      cfg.OAuth.FlowTTL,
		TokenTTL:     cfg.OAuth.TokenTTL,
		CookieSecret: []byte(cfg.OAuth.CookieSecret),
		RateLimit: oauth.RateLimitConfig{
			Rate:       cfg.RateLimit.RPS,
			Burst:      cfg.RateLimit.Burst,
			TrustProxy: cfg.RateLimit.TrustProxy,
		},
		Security: oauth.SecurityConfig{
			RegistrationAccessToken: cfg.OAuth.RegistrationToken,
			MaxClientsPerIP:         cfg.OAuth.MaxClientsPerIP,
			EnableAuditLogging:      instrConfig.AuditLogging.Enabled,
		},
		Logger:  logger,
		Metrics: metrics,
	}, store)
	if err != nil {
		_ = store.Shutdown(ctx)
		return fmt.Errorf("failed to create OAuth handler: %w", err)
	}

	binder := transport.NewBinder(oauthHandler.Issuer(), metrics, logger)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithToolsConfig(cfg.Tools),
	}
	if instrConfig.AuditLogging.Enabled {
		opts = append(opts, server.WithAuditLogger(instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)))
	}
	serverContext := server.NewServerContext(ctx, store, binder, opts...)

	mcpSrv := server.NewMCPServer(serverContext, version)
	if err := registerAllTools(mcpSrv, serverContext); err != nil {
		_ = serverContext.Shutdown(ctx)
		return err
	}

	httpServer := server.NewHTTPServer(serverContext, mcpSrv, oauthHandler, server.HTTPConfig{
		Addr:    cfg.HTTPAddr,
		BaseURL: cfg.BaseURL,
	})

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled && provider.ServesPrometheus() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.Metrics.Addr,
			InstrumentationProvider: provider,
			Logger:                  logger,
		})
		if err != nil {
			_ = serverContext.Shutdown(ctx)
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
	}

	logger.Info("Serving health record MCP server",
		"version", version,
		"base_url", cfg.BaseURL,
		"retriever_url", cfg.RetrieverURL,
		"client_policy", cfg.OAuth.ClientPolicy,
		"session_backend", store.Backend(),
		"archive", cfg.Archive.Enabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	g.Go(func() error {
		return store.RunSweeper(gctx, cfg.Session.SweepInterval, cfg.Session.IdleTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			}
		}
		if err := serverContext.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// registerAllTools registers the search, query and eval tools.
func registerAllTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	tools := []struct {
		name     string
		register func(*mcpserver.MCPServer, *server.ServerContext) error
	}{
		{search_tools.ToolName, search_tools.RegisterSearchTools},
		{query_tools.ToolName, query_tools.RegisterQueryTools},
		{eval_tools.ToolName, eval_tools.RegisterEvalTools},
	}
	for _, tool := range tools {
		if err := tool.register(s, sc); err != nil {
			return fmt.Errorf("failed to register %s tool: %w", tool.name, err)
		}
	}
	return nil
}

func newProjectionFactory(ctx context.Context, cfg config.SessionConfig) (projection.Factory, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		factory, err := projection.NewPostgresFactory(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres projection: %w", err)
		}
		return factory, nil
	default:
		return projection.NewSQLiteFactory(), nil
	}
}

// newArchive returns nil when no archive endpoint is configured.
func newArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	var sealer *archive.Sealer
	if cfg.EncryptionKey != "" {
		key, err := archive.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid archive encryption key: %w", err)
		}
		if sealer, err = archive.NewSealer(key); err != nil {
			return nil, err
		}
	}

	store, err := archive.NewMinIOStore(ctx, archive.MinIOConfig{
		Endpoint:  cfg.Endpoint,
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
	}, sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return store, nil
}
