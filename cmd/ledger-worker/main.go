package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmonetize/openmonetize-sub001/internal/app"
	"github.com/openmonetize/openmonetize-sub001/internal/config"
	"github.com/openmonetize/openmonetize-sub001/internal/logging"
	"github.com/openmonetize/openmonetize-sub001/internal/utils"
)

// maintenanceInterval is how often expired pricing cache entries are dropped
// and the database gauges refreshed
const maintenanceInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ledger-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	base, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "ledger-worker",
	})
	if err != nil {
		return err
	}
	defer base.Sync()
	logger := utils.NewLogger(base, "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, base)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Backend.DB != nil {
		if err := a.Backend.DB.Migrate(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      a.Router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.Pool.Start(gctx)
		a.Manager.Start(gctx)
		<-gctx.Done()

		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server forced to shutdown", "error", err)
		}

		a.Manager.Stop()
		return a.Pool.Stop()
	})

	if a.Backend.DB != nil {
		g.Go(func() error {
			a.Backend.DB.ReportMetrics()
			ticker := time.NewTicker(maintenanceInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					burnTables, costs := a.Backend.DB.CleanupExpiredCacheEntries()
					if burnTables+costs > 0 {
						logger.Debug("Expired pricing cache entries removed", "burn_tables", burnTables, "provider_costs", costs)
					}
					stats := a.Backend.DB.ReportMetrics()
					if stats.WaitCount > 0 {
						logger.Debug("Database pool stats", "open", stats.OpenConnections, "in_use", stats.InUse, "wait_count", stats.WaitCount)
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Worker exited")
	return nil
}
