package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/certstore"
	"github.com/veritrail/veritrail/internal/config"
	"github.com/veritrail/veritrail/internal/health"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/regime"
	"github.com/veritrail/veritrail/internal/retention"
	"github.com/veritrail/veritrail/internal/server"
	"github.com/veritrail/veritrail/internal/signature"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("veritrail exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ── Database ─────────────────────────────────────────────────────────────
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	// ── Signing engine ───────────────────────────────────────────────────────
	engine, err := signature.NewEngine([]byte(cfg.Signing.HMACSecret), logger)
	if err != nil {
		return err
	}

	// ── Fiscal ledger ────────────────────────────────────────────────────────
	fiscalLedger := ledger.NewPostgresLedger(pool, engine, logger)

	tenants, err := fiscalLedger.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range tenants {
		report, err := fiscalLedger.Verify(ctx, tenant)
		if err != nil {
			return fmt.Errorf("verify chain for %s: %w", tenant, err)
		}
		if !report.Valid {
			logger.Warn("fiscal chain integrity check FAILED",
				zap.String("tenant", tenant),
				zap.Int("broken_at", report.BrokenAt),
				zap.String("reason", report.Reason),
			)
		}
	}
	logger.Info("fiscal ledger verified", zap.Int("tenants", len(tenants)))

	// ── Certificate store ────────────────────────────────────────────────────
	var store certstore.Store
	if cfg.CertStore.Backend == "platform" {
		store = certstore.NewPlatformStore(cfg.CertStore.CommandTimeout, logger)
	} else {
		store = certstore.NewFileStore(cfg.CertStore.Dir, logger)
	}
	if !store.Available() {
		logger.Warn("certificate store unavailable, regime submissions will fail until it is reachable",
			zap.String("backend", cfg.CertStore.Backend))
	}
	registry := certstore.NewPostgresRegistry(pool)

	// ── Regime adapters ──────────────────────────────────────────────────────
	var adapters []regime.Adapter
	if cfg.Regimes.RegimeA.Enabled {
		adapters = append(adapters, regime.NewAdapterA(store, registry, engine, logger))
	}
	if cfg.Regimes.RegimeB.Enabled {
		adapters = append(adapters, regime.NewAdapterB(store, registry, engine, logger))
	}

	var dispatcher *regime.Dispatcher
	if len(adapters) > 0 {
		submitter := regime.NewSubmitter(cfg.Regimes.Endpoints(), cfg.Regimes.APIKey, cfg.Regimes.Timeout, logger)
		dispatcher = regime.NewDispatcher(adapters, regime.NewPostgresEnvelopeStore(pool), submitter, logger)
		logger.Info("regime adapters enabled", zap.Int("count", len(adapters)))
	} else {
		logger.Info("no regime enabled, entries are chained and signed locally only")
	}

	// ── Retention ────────────────────────────────────────────────────────────
	policies, err := cfg.PolicySet()
	if err != nil {
		return err
	}
	sweeper := retention.NewSweeper(fiscalLedger, logger)

	// ── Authentication ───────────────────────────────────────────────────────
	var tokens *server.TokenIssuer
	if cfg.Server.JWTPublicKey != "" {
		pub, err := loadPublicKey(cfg.Server.JWTPublicKey)
		if err != nil {
			return fmt.Errorf("load jwt public key: %w", err)
		}
		tokens = server.NewTokenIssuer(nil, pub, "veritrail", 0)
	} else {
		logger.Warn("no jwt public key configured, API authentication is DISABLED")
	}

	var monitor *health.Monitor
	if endpoints := cfg.Regimes.Endpoints(); len(endpoints) > 0 {
		monitor = health.NewMonitor(endpoints, health.Config{}, logger)
	}

	// ── HTTP router ──────────────────────────────────────────────────────────
	router := server.NewRouter(
		server.Options{
			CORSOrigins:  cfg.Server.CORSOrigins,
			RateLimitRPS: cfg.Server.RateLimitRPS,
			Tokens:       tokens,
			Authorities:  monitor,
			Logger:       logger,
		},
		server.NewEventsHandler(fiscalLedger, dispatcher, logger),
		server.NewCertHandler(store, registry, logger),
		server.NewRetentionHandler(sweeper, policies, logger),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// ── Background: authority endpoint monitoring ────────────────────────────
	if monitor != nil {
		go monitor.Start(runCtx)
	}

	// ── Background: retry pending envelopes every 5 minutes ─────────────────
	if dispatcher != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					if n, err := dispatcher.SubmitPending(rctx, 100); err != nil {
						logger.Warn("pending envelope retry error", zap.Error(err))
					} else if n > 0 {
						logger.Info("pending envelopes accepted", zap.Int("count", n))
					}
					cancel()
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("veritrail HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	stopBackground()
	logger.Info("shutting down veritrail...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("veritrail stopped")
	return nil
}

// loadPublicKey reads an RSA public key from a PEM file.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key: %T", key)
	}
	return pub, nil
}
