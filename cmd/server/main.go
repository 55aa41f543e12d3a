// Package main is the analytics server entry point. Startup order: config →
// signing secret and data key → credential store (bootstrap admin) → data
// store → analytics engine → broker → APIs → background sweeper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spintel/analytics-server/infrastructure/crypto"
	"github.com/spintel/analytics-server/infrastructure/logging"
	"github.com/spintel/analytics-server/infrastructure/metrics"
	"github.com/spintel/analytics-server/internal/analytics"
	"github.com/spintel/analytics-server/internal/api"
	"github.com/spintel/analytics-server/internal/auth"
	"github.com/spintel/analytics-server/internal/broker"
	"github.com/spintel/analytics-server/internal/config"
	"github.com/spintel/analytics-server/internal/store"
)

const serviceName = "analytics-server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)

	// The data-encryption key is derived from the signing secret so a single
	// configured secret covers both; both are read-only after startup.
	dataKey, err := crypto.DeriveKey([]byte(cfg.JWTSecret), "data-encryption")
	if err != nil {
		return fmt.Errorf("derive data key: %w", err)
	}

	m := metrics.New(serviceName)
	engine := analytics.NewEngine(cfg.BatchSize)

	st, err := store.Open(store.Options{
		DataDir:          cfg.DataDir,
		Key:              dataKey,
		EnableEncryption: cfg.EnableEncryption,
		Logger:           log,
		OnMutate:         engine.Invalidate,
		OnFlushError: func(owner string, err error) {
			m.FlushFailures.Inc()
		},
	})
	if err != nil {
		return fmt.Errorf("open data store: %w", err)
	}

	creds, err := auth.OpenCredentialStore(auth.CredentialStoreOptions{
		DataDir:          cfg.DataDir,
		Key:              dataKey,
		EnableEncryption: cfg.EnableEncryption,
		AdminUsername:    cfg.AdminUsername,
		AdminPassword:    cfg.AdminPassword,
		Hooks:            st,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return err
	}

	br := broker.New(log, func(delta int) {
		m.StreamSubscriptions.Add(float64(delta))
	})

	srv := api.NewServer(api.Dependencies{
		Config:  cfg,
		Logger:  log,
		Creds:   creds,
		Tokens:  tokens,
		Store:   st,
		Engine:  engine,
		Broker:  br,
		Metrics: m,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background sweeper: retry failed tenant flushes and expire stale
	// limiter windows.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", st.SweepFlush); err != nil {
		return fmt.Errorf("schedule flush sweep: %w", err)
	}
	if _, err := sweeper.AddFunc("@every 15m", srv.Limiter().Cleanup); err != nil {
		return fmt.Errorf("schedule limiter cleanup: %w", err)
	}
	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.WithFields(map[string]interface{}{
		"port":        cfg.Port,
		"environment": string(cfg.Env),
		"batch_size":  cfg.BatchSize,
		"encryption":  cfg.EnableEncryption,
	}).Info("server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithFields(map[string]interface{}{"signal": sig.String()}).Info("shutting down")
	}

	// Stop accepting, notify and close the streams, then drain in-flight
	// handlers up to the deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
		close(shutdownDone)
	}()

	br.CloseAll()

	select {
	case <-shutdownDone:
	case <-shutdownCtx.Done():
	}

	sweeper.Stop()
	st.FlushAll()

	log.Info("shutdown complete")
	return nil
}
