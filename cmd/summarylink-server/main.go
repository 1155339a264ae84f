package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/summarylink/internal/config"
	"github.com/ehr/summarylink/internal/domain/conversation"
	"github.com/ehr/summarylink/internal/platform/auth"
	"github.com/ehr/summarylink/internal/platform/db"
	"github.com/ehr/summarylink/internal/platform/explainclient"
	"github.com/ehr/summarylink/internal/platform/metrics"
	"github.com/ehr/summarylink/internal/platform/middleware"
	"github.com/ehr/summarylink/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "summarylink-server",
		Short:         "Summary evidence linking API server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(explainCmd())
	rootCmd.AddCommand(configCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ENV=%s PORT=%s\n", cfg.Env, cfg.Port)
			fmt.Fprintf(out, "EXPLAIN_SERVICE_URL=%s (timeout %s)\n", cfg.ExplainServiceURL, cfg.ExplainTimeout)
			if cfg.HasDatabase() {
				fmt.Fprintln(out, "record lookups: postgres")
			} else {
				fmt.Fprintln(out, "record lookups: open (no DATABASE_URL)")
			}
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	})
	return cmd
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// serverDeps are the collaborators of the HTTP server. Pool is nil when no
// database is configured.
type serverDeps struct {
	Pool      *pgxpool.Pool
	Records   conversation.RecordDirectory
	Explainer conversation.Explainer
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = newLogger(cfg.Env, cfg.LogLevel)

	if cfg.IsDev() {
		logger.Warn().Msg("server is running in DEVELOPMENT mode: requests without a token get admin access")
	}

	deps := serverDeps{
		Records: conversation.NewOpenDirectory(),
		Explainer: explainclient.New(cfg.ExplainServiceURL, explainclient.Options{
			Timeout: cfg.ExplainTimeout,
		}),
	}

	// Database
	if cfg.HasDatabase() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		deps.Pool = pool
		deps.Records = conversation.NewRecordDirectoryPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set: record IDs are not checked")
	}

	e, svc := newServer(cfg, logger, deps)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	// Conversations are closed after HTTP so no request can open a new one.
	if err := svc.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("conversation shutdown error")
	}
	return nil
}

// newServer assembles the echo instance and the conversation service.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) (*echo.Echo, *conversation.Service) {
	hub := websocket.NewHub(
		websocket.WithTopicPrefix("conversation/"),
		websocket.WithLogger(logger),
		websocket.WithDropCounter(metrics.WebSocketDropped),
	)

	svc := conversation.NewService(conversation.NewStore(), deps.Records, deps.Explainer, conversation.ServiceConfig{
		Welcome:     cfg.WelcomeMessage,
		Events:      hub,
		Instruments: metrics.NewRecorder(),
		Logger:      logger.With().Str("component", "conversation").Logger(),
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
		FrameAncestors: cfg.CORSOrigins,
		HSTS:           !cfg.IsDev(),
	}))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit("64K"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"version":       version,
			"conversations": len(svc.List(c.Request().Context())),
			"ws_clients":    hub.ClientCount(),
		})
	})
	if deps.Pool != nil {
		e.GET("/health/db", db.HealthHandler(deps.Pool))
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// WebSocket push
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""), authMW)

	// API
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg))
	conversation.NewHandler(svc).RegisterRoutes(apiV1)

	return e, svc
}
