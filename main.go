package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/MGallo-Code/polaris/internal/api"
	"github.com/MGallo-Code/polaris/internal/broker"
	"github.com/MGallo-Code/polaris/internal/config"
	"github.com/MGallo-Code/polaris/internal/oauth"
	"github.com/MGallo-Code/polaris/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the JSON slog handler at the configured level.
func setupLogging(cfg *config.Config) {
	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))
}

// openStore connects the backend selected by cfg.StoreDriver and applies its
// migrations. The returned close func releases the connection.
func openStore(ctx context.Context, cfg *config.Config) (broker.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up postgres store: %w", err)
		}
		if err := ps.Migrate(ctx, store.PostgresMigrations()); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return ps, ps.Close, nil

	case config.DriverRedis:
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up redis client: %w", err)
		}
		return store.NewRedisStore(rdb, cfg.StateRetention), func() { rdb.Close() }, nil

	case config.DriverMemory:
		slog.Warn("using in-memory store; pending states and credentials are lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	default:
		ss, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up sqlite store: %w", err)
		}
		return ss, func() { ss.Close() }, nil
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	// Close at end of run func
	defer closeStore()

	dir := oauth.NewDirectory(oauth.DirectoryConfig{
		AuthDomain:  cfg.AuthDomain,
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		Scope:       cfg.OAuthScope,

		ExchangeStyle: oauth.ExchangeStyle(cfg.TokenExchangeStyle),
	})
	tc := oauth.NewTokenClient(dir, cfg.TokenExchangeTimeout, cfg.UserAgent)
	tc.SetRateLimit(float64(cfg.TokenExchangeRPS), cfg.TokenExchangeRPS)
	br := broker.New(dir, st, tc, cfg.StateTTL)
	h := api.Handler{BR: br}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(&h)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("polaris listening", "addr", ln.Addr().String(), "store", cfg.StoreDriver)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Expired-state sweeper; stops when gctx is cancelled.
	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			return br.RunSweeper(gctx, cfg.SweepInterval, cfg.StateRetention)
		})
	}

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Graceful shutdown once ctx is cancelled or the server fails.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Stops accepting new conns, waits for in-flight requests, gives up after 30s.
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	// The callback reporter and browser-based tooling may call from any origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.CheckHealth)
	r.Post("/generate-auth-url", h.GenerateAuthURL)
	r.Post("/generate-auth-urls", h.GenerateAuthURLs)
	r.Post("/report-callback", h.ReportCallback)
	r.Get("/fetch-and-clear-callbacks", h.FetchAndClearCallbacks)

	return r
}
