package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/api"
	"github.com/trustseal/evidence/internal/kurrentdb"
	"github.com/trustseal/evidence/internal/ledger"
	"github.com/trustseal/evidence/internal/shared/auth"
	"github.com/trustseal/evidence/internal/shared/config"
	"github.com/trustseal/evidence/internal/shared/database"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/metrics"
	secmiddleware "github.com/trustseal/evidence/internal/shared/middleware"
	"github.com/trustseal/evidence/internal/shared/types"
	"github.com/trustseal/evidence/internal/signature"
	"github.com/trustseal/evidence/internal/tsa"
	"github.com/trustseal/evidence/internal/vault"
)

// App holds all application dependencies
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	DB      *database.DB
	Kurrent *kurrentdb.Client
	Vault   *vault.Vault
	TSA     *tsa.Client
	Signer  *signature.Signer
	Ledger  *ledger.Ledger

	authority *tsa.Authority
	closers   []func()
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Server.Env)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	defer app.Close()

	r := app.Router()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("server shutdown error")
		}
		close(done)
	}()

	logger.WithFields(logrus.Fields{
		"env":            cfg.Server.Env,
		"port":           cfg.Server.Port,
		"ledger_backend": cfg.Ledger.Backend,
		"tsa_mock":       cfg.TSA.Mock,
		"signing":        app.Signer != nil,
	}).Info("evidence service listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server error")
	}

	<-done
	logger.Info("server stopped")
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	v, err := vault.New(cfg.Vault.MasterKey, vault.WithKeyCacheTTL(cfg.Vault.KeyCacheTTL), vault.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	app.Vault = v
	app.closers = append(app.closers, v.Close)
	if err := vaultProbe(v); err != nil {
		return nil, err
	}

	if cfg.Ledger.Backend == "postgres" || !cfg.TSA.Mock {
		if err := app.openDatabase(ctx); err != nil {
			if cfg.Ledger.Backend == "postgres" {
				return nil, err
			}
			logger.WithError(err).Warn("database not available, timestamp tokens kept in memory")
		}
	}

	if err := app.setupTSA(); err != nil {
		return nil, err
	}

	if cfg.Signing.Configured() {
		creds, err := signature.LoadFromConfig(cfg.Signing, logger)
		if err != nil {
			return nil, err
		}
		app.Signer = signature.NewSigner(creds, app.TSA, logger)
		logger.WithField("signer", app.Signer.Certificate().Subject).Info("signing credentials loaded")
	}

	store, err := app.ledgerStore(ctx)
	if err != nil {
		return nil, err
	}

	app.Ledger, err = ledger.New(store, ledger.ConfigFrom(cfg.Ledger),
		ledger.WithTimestamper(app.TSA),
		ledger.WithTokenVerifier(app.TSA),
		ledger.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	db, err := database.New(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db.Close)

	if err := database.Migrate(ctx, db.Pool, a.Logger); err != nil {
		return err
	}
	a.DB = db
	return nil
}

func (a *App) setupTSA() error {
	cfg := tsa.ConfigFromEnv(a.Config.TSA)

	if a.Config.TSA.LocalAuthority && !cfg.Mock {
		authority, err := tsa.NewAuthorityWithGeneratedCert(a.Config.TSA.LocalOrgName)
		if err != nil {
			return err
		}
		a.authority = authority
		if cfg.Primary.URL == "" {
			cfg.Primary.URL = fmt.Sprintf("http://localhost:%d/tsa", a.Config.Server.Port)
		}
		a.Logger.WithField("url", cfg.Primary.URL).Warn("using in-process timestamp authority")
	}

	var store tsa.TokenStore
	if a.DB != nil {
		store = tsa.NewPostgresTokenStore(a.DB.Pool)
	}

	client, err := tsa.NewClient(cfg, store, a.Logger)
	if err != nil {
		return err
	}
	a.TSA = client
	return nil
}

func (a *App) ledgerStore(ctx context.Context) (ledger.Store, error) {
	cfg := a.Config.Ledger

	switch cfg.Backend {
	case "postgres":
		return ledger.NewPostgresStore(a.DB.Pool), nil

	case "kurrentdb":
		client, err := kurrentdb.NewClient(kurrentdb.ConfigFrom(a.Config.KurrentDB))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		a.Kurrent = client
		return ledger.NewKurrentStore(client, cfg.MaxAppendRetries, a.Logger), nil

	case "badger":
		store, err := ledger.OpenBadgerStore(cfg.BadgerPath, cfg.MaxAppendRetries, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil

	default:
		a.Logger.Warn("ledger backend is in memory, entries are lost on restart")
		return ledger.NewMemoryStore(), nil
	}
}

// Close releases resources in reverse acquisition order
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Router builds the HTTP surface
func (a *App) Router() chi.Router {
	cfg := a.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(a.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	if a.authority != nil {
		r.With(secmiddleware.MaxBody(64 << 10)).Handle("/tsa", a.authority)
	}

	limiter := secmiddleware.NewIPRateLimiter(50, 100)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(secmiddleware.MaxBody(1 << 20))
		if !cfg.Server.IsDevelopment() {
			r.Use(auth.Middleware(cfg.Auth))
		}

		h := api.NewHandler(a.Ledger, a.TSA, cfg.Server.IsDevelopment(), a.Logger)
		if a.Signer != nil {
			h.WithSigner(a.Signer)
		}
		r.Mount("/", h.Routes())
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"server": "ready",
	}

	if a.DB != nil {
		if err := a.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}
	} else {
		checks["database"] = "not configured"
	}

	if a.Kurrent != nil {
		if err := a.Kurrent.HealthCheck(r.Context()); err != nil {
			checks["kurrentdb"] = "not ready: " + err.Error()
		} else {
			checks["kurrentdb"] = "ready"
		}
	} else {
		checks["kurrentdb"] = "not configured"
	}

	if err := vaultProbe(a.Vault); err != nil {
		checks["vault"] = "not ready: " + err.Error()
	} else {
		checks["vault"] = "ready"
	}

	allReady := true
	for _, status := range checks {
		if status != "ready" && status != "not configured" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}

var probeTenant = types.NewDeterministicID("vault", "probe")

// vaultProbe round-trips a value through the vault so a wrong master key
// fails at startup rather than on first use.
func vaultProbe(v *vault.Vault) error {
	blob, err := v.Encrypt(probeTenant, []byte("probe"))
	if err != nil {
		return err
	}
	_, err = v.Decrypt(probeTenant, blob)
	return err
}
