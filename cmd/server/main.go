package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/andyleap/skyid/internal/api"
	"github.com/andyleap/skyid/internal/auth"
	"github.com/andyleap/skyid/internal/metrics"
	"github.com/andyleap/skyid/internal/oauth"
	"github.com/andyleap/skyid/internal/session"
	"github.com/andyleap/skyid/internal/storage"
	"github.com/andyleap/skyid/internal/ui"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// backends opens each storage backend at most once so that, for example,
// sqlite users and sqlite grants share one database handle.
type backends struct {
	cfg *Config

	memory      *storage.MemoryStorage
	redisClient *redis.Client
	redis       *storage.RedisStorage
	sqlite      *storage.SQLiteStorage
}

func (b *backends) memoryStorage() *storage.MemoryStorage {
	if b.memory == nil {
		b.memory = storage.NewMemoryStorage()
	}
	return b.memory
}

func (b *backends) redisStorage(ctx context.Context) (*storage.RedisStorage, error) {
	if b.redis != nil {
		return b.redis, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Redis.Addr,
		Password: b.cfg.Redis.Password,
		DB:       b.cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b.redisClient = redisClient
	b.redis = storage.NewRedisStorage(redisClient, b.cfg.Redis.KeyPrefix)
	slog.Info("Connected to Redis", "addr", b.cfg.Redis.Addr)
	return b.redis, nil
}

func (b *backends) sqliteStorage(ctx context.Context) (*storage.SQLiteStorage, error) {
	if b.sqlite != nil {
		return b.sqlite, nil
	}

	if dir := filepath.Dir(b.cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}
	s, err := storage.NewSQLiteStorage(ctx, b.cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	b.sqlite = s
	slog.Info("Opened SQLite database", "path", b.cfg.SQLitePath)
	return b.sqlite, nil
}

func (b *backends) Close() {
	if b.memory != nil {
		b.memory.Close()
	}
	if b.redisClient != nil {
		if err := b.redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
	}
	if b.sqlite != nil {
		if err := b.sqlite.Close(); err != nil {
			slog.Error("Failed to close SQLite database", "error", err)
		}
	}
}

type recordStorage interface {
	storage.UserStorage
	storage.ClientStorage
}

func (b *backends) records(ctx context.Context) (recordStorage, error) {
	switch b.cfg.StorageMode {
	case "s3":
		s3Storage, err := storage.NewS3Storage(b.cfg.S3.Endpoint, b.cfg.S3.AccessKey, b.cfg.S3.SecretKey, b.cfg.S3.Bucket, b.cfg.S3.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		slog.Info("Using S3 storage", "endpoint", b.cfg.S3.Endpoint, "bucket", b.cfg.S3.Bucket)
		return s3Storage, nil
	case "filesystem":
		fsStorage, err := storage.NewFilesystemStorage(b.cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem storage: %w", err)
		}
		slog.Info("Using filesystem storage", "path", b.cfg.DataPath)
		return fsStorage, nil
	case "sqlite":
		return b.sqliteStorage(ctx)
	default:
		return nil, fmt.Errorf("invalid STORAGE_MODE %q", b.cfg.StorageMode)
	}
}

func (b *backends) state(ctx context.Context) (storage.StateStorage, error) {
	switch b.cfg.StateMode {
	case "redis":
		return b.redisStorage(ctx)
	case "sqlite":
		return b.sqliteStorage(ctx)
	case "memory":
		slog.Warn("Using in-memory grants and tokens (not persistent)")
		return b.memoryStorage(), nil
	default:
		return nil, fmt.Errorf("invalid STATE_MODE %q", b.cfg.StateMode)
	}
}

func (b *backends) sessions(ctx context.Context) (storage.SessionStorage, error) {
	switch b.cfg.SessionMode {
	case "redis":
		return b.redisStorage(ctx)
	case "memory":
		slog.Warn("Using in-memory sessions (not persistent)")
		return b.memoryStorage(), nil
	default:
		return nil, fmt.Errorf("invalid SESSION_MODE %q", b.cfg.SessionMode)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup WebAuthn
	wconfig := &webauthn.Config{
		RPDisplayName: "SkyID",
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		fatal("Failed to create WebAuthn instance", err)
	}

	// Setup storage
	stores := &backends{cfg: cfg}
	defer stores.Close()

	records, err := stores.records(ctx)
	if err != nil {
		fatal("Failed to setup user storage", err)
	}
	stateStorage, err := stores.state(ctx)
	if err != nil {
		fatal("Failed to setup state storage", err)
	}
	sessionStorage, err := stores.sessions(ctx)
	if err != nil {
		fatal("Failed to setup session storage", err)
	}

	// Setup metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Setup OAuth core
	clients := oauth.NewRegistry(records, oauth.WithMetrics(m))
	codes, err := oauth.NewCodeStore(stateStorage, cfg.CodeTTL, oauth.WithMetrics(m))
	if err != nil {
		fatal("Invalid authorization code configuration", err)
	}
	consent := oauth.NewConsentFlow(clients, codes, oauth.WithMetrics(m))
	issuer := oauth.NewTokenIssuer(clients, codes, stateStorage, cfg.TokenTTL, oauth.WithMetrics(m))

	seed, err := loadClients(cfg.ClientsFile)
	if err != nil {
		fatal("Failed to load clients file", err)
	}
	if err := clients.Seed(ctx, seed); err != nil {
		fatal("Failed to seed clients", err)
	}

	if cfg.SweepInterval <= 0 {
		slog.Warn("Grant sweeper disabled", "interval", cfg.SweepInterval)
	}
	go codes.RunSweeper(ctx, cfg.SweepInterval)

	// Setup services
	sessions := session.NewProvider(sessionStorage, "/login", cfg.SessionTTL, cfg.SecureCookie)
	webauthnService := auth.NewWebAuthnService(webAuthn, records, sessionStorage, sessions)
	apiServer := api.NewServer(issuer, sessions)

	// Setup OAuth handlers
	oauthUIHandlers, err := ui.NewOAuthUIHandlers(consent, sessions)
	if err != nil {
		fatal("Failed to create OAuth UI handlers", err)
	}
	oauthAPIHandlers := api.NewOAuthAPIHandlers(clients, issuer, sessions)

	// Setup routes
	mux := http.NewServeMux()

	// OAuth routes (main flow)
	mux.HandleFunc("GET /oauth/authorize", oauthUIHandlers.AuthorizeHandler)
	mux.HandleFunc("POST /oauth/authorize", oauthUIHandlers.DecisionHandler)
	mux.HandleFunc("POST /oauth/token", oauthAPIHandlers.TokenHandler)
	mux.HandleFunc("POST /oauth/revoke", oauthAPIHandlers.RevokeHandler)

	// Developer API
	mux.HandleFunc("POST /api/v1/clients", oauthAPIHandlers.CreateClientHandler)
	mux.HandleFunc("GET /api/v1/clients", oauthAPIHandlers.ListClientsHandler)
	mux.HandleFunc("GET /api/v1/validate", apiServer.ValidateTokenHandler)

	// Passkey login
	mux.HandleFunc("POST /api/v1/register/begin", webauthnService.RegisterBeginHandler)
	mux.HandleFunc("POST /api/v1/register/finish", webauthnService.RegisterFinishHandler)
	mux.HandleFunc("POST /api/v1/login/begin", webauthnService.LoginBeginHandler)
	mux.HandleFunc("POST /api/v1/login/finish", webauthnService.LoginFinishHandler)
	mux.HandleFunc("POST /api/v1/logout", apiServer.LogoutHandler)

	mux.HandleFunc("GET /health", apiServer.HealthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	mux.HandleFunc("GET /login", oauthUIHandlers.LoginHandler)
	mux.HandleFunc("GET /register", oauthUIHandlers.RegisterHandler)

	// Index page (landing or redirect)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		serveIndex(w, r, cfg, oauthUIHandlers)
	})

	// Apply middleware
	handler := api.LoggingMiddleware(api.CORSMiddleware(mux))

	// Create HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}()

	slog.Info("SkyID starting",
		"port", cfg.Port,
		"storage_mode", cfg.StorageMode,
		"state_mode", cfg.StateMode,
		"session_mode", cfg.SessionMode,
		"seeded_clients", len(seed))
	fmt.Printf("Example OAuth URL: http://localhost:%s/oauth/authorize?client_id=<client_id>&response_type=code&state=xyz123\n", cfg.Port)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("Server failed", err)
	}
	slog.Info("Server stopped")
}

func serveIndex(w http.ResponseWriter, r *http.Request, cfg *Config, uiHandlers *ui.OAuthUIHandlers) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	// If redirect URL is configured, redirect to it
	if cfg.IndexRedirect != "" {
		http.Redirect(w, r, cfg.IndexRedirect, http.StatusFound)
		return
	}

	if err := uiHandlers.RenderLandingPage(w); err != nil {
		slog.Error("Failed to render landing page", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
