package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/research-orchestrator/internal/auth"
	"github.com/Kocoro-lab/research-orchestrator/internal/config"
	"github.com/Kocoro-lab/research-orchestrator/internal/health"
	"github.com/Kocoro-lab/research-orchestrator/internal/httpapi"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

func main() {
	var (
		configPath = flag.String("config", config.Path(), "path to research.yaml")
		query      = flag.String("query", "", "run one workflow for this query, print the document as JSON and exit")
		quick      = flag.Bool("quick", false, "with -query, run the single-pass pipeline and print markdown")
		issueToken = flag.String("issue-token", "", "print a signed API token for this subject and exit")
		tokenRole  = flag.String("role", auth.RoleOperator, "role of the token printed by -issue-token")
	)
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if *issueToken != "" {
		if cfg.Auth.JWTSecret == "" {
			logger.Fatal("auth.jwt_secret is not set")
		}
		token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0).GenerateToken(*issueToken, *tokenRole)
		if err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		if shutdownTracing == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer a.close()

	if *query != "" {
		if err := runOnce(ctx, a, *query, *quick); err != nil {
			logger.Error("Research failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, a, *configPath); err != nil {
		logger.Error("Server failed", zap.Error(err))
		os.Exit(1)
	}
}

// newLogger builds a production logger, or a development one for debug
// level or console format.
func newLogger(level, format string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(level, "debug") || strings.EqualFold(format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// runOnce executes one research run and prints the result to stdout.
func runOnce(ctx context.Context, a *app, query string, quick bool) error {
	if quick {
		out, err := a.quick.Research(ctx, query)
		if err != nil {
			return err
		}
		fmt.Print(out.Markdown())
		return nil
	}

	runID, doc, err := a.orch.Run(ctx, query)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// serve runs the API server and the admin metrics server until ctx ends.
func serve(ctx context.Context, a *app, configPath string) error {
	cfg, logger := a.cfg, a.logger

	if _, err := os.Stat(configPath); err == nil {
		watcher, err := config.Watch(configPath, logger)
		if err != nil {
			logger.Warn("Configuration hot reload disabled", zap.Error(err))
		} else {
			watcher.RegisterCallback(a.onConfigChange)
		}
	}

	a.health.Start(ctx)

	mux := http.NewServeMux()
	health.NewHTTPHandler(a.health, logger).RegisterRoutes(mux)

	var jwtManager *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
	} else {
		logger.Warn("API authentication is disabled")
	}
	authMW := auth.NewMiddleware(jwtManager, !cfg.Auth.Enabled, logger)
	limiter := a.apiRateLimiter()

	wrap := func(route string, next http.Handler) http.Handler {
		scope := auth.ScopeResearchRead
		if strings.HasPrefix(route, http.MethodPost+" ") {
			scope = auth.ScopeResearchWrite
		}
		mws := []func(http.Handler) http.Handler{authMW.HTTPMiddleware}
		if limiter != nil {
			mws = append(mws, limiter.Middleware)
		}
		h := httpapi.Chain(auth.RequireScope(scope, next), mws...)
		return httpapi.Instrument(route, logger, h)
	}
	httpapi.NewResearchHandler(ctx, a.orch, logger,
		httpapi.WithQuickResearch(a.quick),
		httpapi.WithArchives(a.archives()...),
	).RegisterRoutes(mux, wrap)
	httpapi.NewStreamingHandler(a.stream, logger).RegisterRoutes(mux, wrap)

	api := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// Streams stay open; handlers bound their own writes.
		IdleTimeout: 60 * time.Second,
	}

	var admin *http.Server
	if cfg.Observability.Metrics.Enabled {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", promhttp.Handler())
		admin = &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Observability.Metrics.Port),
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", zap.Int("port", cfg.Observability.Metrics.Port))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down research orchestrator")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(sctx)
	}
	return api.Shutdown(sctx)
}
