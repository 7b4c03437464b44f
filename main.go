package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/charon-misskey/internal/auth"
	"github.com/MGallo-Code/charon-misskey/internal/config"
	"github.com/MGallo-Code/charon-misskey/internal/oauth"
	"github.com/MGallo-Code/charon-misskey/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Redis is optional; without it sessions are read from Postgres on every request.
	var rs auth.SessionCache = store.NoopSessionCache{}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rs = store.NewRedisStore(rdb)
	} else {
		slog.Warn("REDIS_URL not set, session cache disabled")
	}

	vs := newVerifierStore(cfg, rdb)
	h := &auth.AuthHandler{
		PS:            ps,
		RS:            rs,
		Verifiers:     vs,
		SessionTTL:    cfg.SessionTTL,
		LoginRedirect: cfg.LoginRedirect,
		ErrorRedirect: cfg.ErrorRedirect,
	}
	flow := newFlowHandler(cfg, h, vs)

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h, flow, cfg.CallbackPath)}

	// Session cleanup goroutine; removes sessions expired >7 days ago, runs every 24h.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go func() {
		const retention = 7 * 24 * time.Hour
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := ps.CleanupExpiredSessions(cleanupCtx, retention)
				if err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else {
					slog.Info("session cleanup complete", "deleted", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("charon-misskey listening", "addr", ln.Addr().String(), "callback_path", cfg.CallbackPath, "verifier_store", cfg.VerifierStore)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns, then waits for in-flight requests (including outbound
	// Misskey calls) until the timeout.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newVerifierStore picks where PKCE verifiers live between redirect and callback.
// LoadConfig guarantees rdb is non-nil for the redis mode.
func newVerifierStore(cfg *config.Config, rdb *redis.Client) auth.VerifierStore {
	switch cfg.VerifierStore {
	case config.VerifierStoreRedis:
		return &auth.ServerVerifierStore{Secrets: store.NewRedisSecretStore(rdb, "pkce:"), Path: cfg.CallbackPath}
	case config.VerifierStoreMemory:
		return &auth.ServerVerifierStore{Secrets: store.NewMemorySecretStore(time.Minute), Path: cfg.CallbackPath}
	default:
		return &auth.CookieVerifierStore{Path: cfg.CallbackPath, Secret: cfg.VerifierCookieSecret}
	}
}

// newFlowHandler wires the Misskey flow to the application callbacks.
func newFlowHandler(cfg *config.Config, h *auth.AuthHandler, vs auth.VerifierStore) *auth.FlowHandler {
	return &auth.FlowHandler{
		Env:       cfg.MisskeyOptions(),
		Defaults:  oauth.DefaultOptions(),
		Store:     vs,
		Client:    oauth.NewMisskeyClient(nil, cfg.HTTPTimeout),
		OnSuccess: h.OnMisskeySuccess,
		OnError:   h.OnMisskeyError,
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, flow http.Handler, callbackPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	// One route for both phases: no ?code starts the flow, ?code finishes it.
	r.Method(http.MethodGet, callbackPath, flow)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		// CSRF reads token injected by RequireAuth above
		// DO NOT RUN CSRF BEFORE RequireAuth
		r.Use(h.CSRFMiddleware)
		r.Get("/me", h.Me)
		r.Post("/logout", h.Logout)
	})

	return r
}
