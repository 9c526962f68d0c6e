// Command settld-server is the kernel's process entrypoint: it reads
// pkg/config, wires a persistence backend (in-memory, SQLite, or
// Postgres, selected by DATABASE_URL), constructs every domain
// component, and serves pkg/api's routes over HTTP until a termination
// signal asks it to drain and exit. Grounded on the teacher's
// core/cmd/helm/main.go runServer: same DATABASE_URL-present-or-absent
// fallback, same graceful-shutdown-on-SIGTERM shape, re-pointed at this
// kernel's component constructors instead of the teacher's ledger/agent
// wiring.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/settld/kernel/pkg/api"
	"github.com/settld/kernel/pkg/config"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/eventlog"
	"github.com/settld/kernel/pkg/gate"
	"github.com/settld/kernel/pkg/obs"
	"github.com/settld/kernel/pkg/opsauth"
	"github.com/settld/kernel/pkg/policy"
	"github.com/settld/kernel/pkg/rail"
	"github.com/settld/kernel/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	obsProvider, err := obs.New(context.Background(), obs.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		Enabled:        true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "settld-server: observability init: %v\n", err)
		return 1
	}
	logger := obsProvider.Logger()

	backingStore, err := openStore(cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return 1
	}

	railAdapter, err := openRail(cfg)
	if err != nil {
		logger.Error("rail adapter init failed", "error", err)
		return 1
	}

	signers := cryptox.NewRegistry()
	overrideSecret, err := randomSecret()
	if err != nil {
		logger.Error("override secret generation failed", "error", err)
		return 1
	}
	walletTokenSecret, err := randomSecret()
	if err != nil {
		logger.Error("wallet token secret generation failed", "error", err)
		return 1
	}

	wallets := escrow.NewLedger(backingStore.Wallets)
	sessions := eventlog.NewLog(backingStore.Events, signers)
	gates := &gate.Machine{
		Store:             backingStore.Gates,
		Wallets:           wallets,
		Rail:              railAdapter,
		Idempotency:       backingStore.Idempotency,
		OverrideSecret:    overrideSecret,
		WalletTokenSecret: walletTokenSecret,
	}

	srv := &api.Server{
		Wallets:         wallets,
		Grants:          backingStore.Grants,
		Gates:           gates,
		Sessions:        sessions,
		SessionsBackend: backingStore.Events,
		Signers:         signers,
		Idempotency:     backingStore.Idempotency,
		OpsAuth:         opsauth.NewValidator(cfg.OpsTokens, cfg.JWTSigningKey),
		Policy:          policy.DefaultProfile(),
		RateLimiter:     api.NewTenantRateLimiter(50, 100),
		Receipts:        api.NewReceiptLog(),
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("settld-server listening", "port", cfg.Port, "environment", cfg.Environment)
		serveErr <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited unexpectedly", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		if err := obsProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}
	return 0
}

// openStore picks the persistence backend per DATABASE_URL (§6): empty
// falls back to the in-memory mode the teacher calls "Lite Mode" for
// SQLite, a "sqlite://" prefix opens a local SQLite file, and anything
// else is handed to the Postgres driver.
func openStore(cfg *config.Config) (*store.Store, error) {
	switch {
	case cfg.DatabaseURL == "":
		return store.NewMemoryStore(24 * time.Hour), nil
	case len(cfg.DatabaseURL) >= len("sqlite://") && cfg.DatabaseURL[:len("sqlite://")] == "sqlite://":
		return store.NewSQLiteStoreFull(cfg.DatabaseURL[len("sqlite://"):])
	default:
		return store.NewPostgresStoreFull(cfg.DatabaseURL)
	}
}

// openRail selects the external reserve-rail adapter per
// X402_CIRCLE_RESERVE_MODE (§4.9). Sandbox/production both need a Redis
// reconciliation cache; stub needs nothing external.
func openRail(cfg *config.Config) (rail.Adapter, error) {
	switch cfg.ReserveMode {
	case config.ReserveModeStub, "":
		return rail.NewStub(), nil
	case config.ReserveModeSandbox, config.ReserveModeProduction:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("settld-server: parse REDIS_URL: %w", err)
		}
		mode := rail.ModeSandbox
		if cfg.ReserveMode == config.ReserveModeProduction {
			mode = rail.ModeProduction
		}
		return rail.NewHTTPAdapter(rail.HTTPConfig{
			Mode:    mode,
			BaseURL: cfg.RailBaseURL,
			APIKey:  cfg.RailAPIKey,
			Redis:   redis.NewClient(opts),
			Limiter: rate.NewLimiter(rate.Limit(5), 5),
			Timeout: time.Duration(cfg.RailTimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("settld-server: unknown X402_CIRCLE_RESERVE_MODE %q", cfg.ReserveMode)
	}
}

func randomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("settld-server: generate secret: %w", err)
	}
	return b, nil
}
