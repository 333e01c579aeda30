// Package main is the entrypoint for the pool load generator.
// It loads configuration, builds a SQL Server backed pool, drives it
// with concurrent workers and exposes pool metrics for Prometheus.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/metrics"
	"github.com/joao-brasil/connpool/pkg/pool"
	"github.com/joao-brasil/connpool/pkg/sqlserver"
)

var configPath = flag.String("config", "configs/poolbench.yaml", "Path to bench configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting connection pool bench")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: pool=%s target=%s workers=%d duration=%s",
		cfg.Pool.Name, cfg.SQLServer.Addr(), cfg.Bench.Workers, time.Duration(cfg.Bench.Duration))

	// ─── Initialize Metrics ──────────────────────────────────────────
	metrics.ConnectionsActive.WithLabelValues(cfg.Pool.Name).Set(0)
	metrics.ConnectionsIdle.WithLabelValues(cfg.Pool.Name).Set(0)
	metrics.ConnectionsPending.WithLabelValues(cfg.Pool.Name).Set(0)
	metrics.WaitQueueLength.WithLabelValues(cfg.Pool.Name).Set(0)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Bench.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Bench.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Build the Pool ──────────────────────────────────────────────
	manager := sqlserver.NewManager(cfg.SQLServer)
	builder := config.Builder[*sql.DB](cfg.Pool).ErrorSink(pool.LogErrorSink{})

	var p *pool.Pool[*sql.DB]
	if cfg.Bench.Eager {
		buildCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		p, err = builder.Build(buildCtx, manager)
		cancel()
	} else {
		p, err = builder.BuildUnchecked(manager)
	}
	if err != nil {
		log.Fatalf("[main] Failed to build pool: %v", err)
	}
	defer func() {
		log.Println("[main] Closing pool...")
		if err := p.Close(); err != nil {
			log.Printf("[main] Pool close error: %v", err)
		}
	}()

	st := p.Stats()
	log.Printf("[main] Pool ready: connections=%d idle=%d max=%d", st.Connections, st.Idle, st.Max)
	metrics.ConnectionsMax.WithLabelValues(cfg.Pool.Name).Set(float64(st.Max))

	// ─── Run Workers ─────────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Bench.Duration.Std())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] Received %s, stopping workers", sig)
		cancel()
	}()

	go publishStats(ctx, p, cfg.Pool.Name)

	var (
		wg       sync.WaitGroup
		ok       atomic.Int64
		timedOut atomic.Int64
		failed   atomic.Int64
	)
	start := time.Now()
	for i := 0; i < cfg.Bench.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for ctx.Err() == nil {
				runOnce(ctx, p, cfg, &ok, &timedOut, &failed)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ─── Report ──────────────────────────────────────────────────────
	total := ok.Load() + timedOut.Load() + failed.Load()
	log.Printf("[main] Bench finished in %s: total=%d ok=%d timed_out=%d failed=%d (%.1f ops/s)",
		elapsed.Round(time.Millisecond), total, ok.Load(), timedOut.Load(), failed.Load(),
		float64(total)/elapsed.Seconds())
	st = p.Stats()
	log.Printf("[main] Final pool state: connections=%d idle=%d pending=%d waiters=%d",
		st.Connections, st.Idle, st.Pending, st.Waiters)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := metricsServer.Shutdown(shutCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
}

// runOnce borrows a connection, runs a probe query and holds the
// connection for the configured time, counting the outcome.
func runOnce(ctx context.Context, p *pool.Pool[*sql.DB], cfg *config.Config,
	ok, timedOut, failed *atomic.Int64) {

	start := time.Now()
	err := p.Run(ctx, func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
			return err
		}
		select {
		case <-time.After(cfg.Bench.HoldTime.Std()):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	metrics.RunDuration.WithLabelValues(cfg.Pool.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		ok.Add(1)
		metrics.RunsTotal.WithLabelValues(cfg.Pool.Name, "ok").Inc()
	case errors.Is(err, pool.ErrTimedOut):
		timedOut.Add(1)
		metrics.RunsTotal.WithLabelValues(cfg.Pool.Name, "timeout").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown in progress; not an interesting outcome.
	default:
		failed.Add(1)
		metrics.RunsTotal.WithLabelValues(cfg.Pool.Name, "error").Inc()
		log.Printf("[bench] run error: %v", err)
	}
}

// publishStats refreshes the pool gauges once per second.
func publishStats(ctx context.Context, p *pool.Pool[*sql.DB], name string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Stats()
			metrics.ConnectionsActive.WithLabelValues(name).Set(float64(st.Connections - st.Idle))
			metrics.ConnectionsIdle.WithLabelValues(name).Set(float64(st.Idle))
			metrics.ConnectionsPending.WithLabelValues(name).Set(float64(st.Pending))
			metrics.WaitQueueLength.WithLabelValues(name).Set(float64(st.Waiters))
		}
	}
}
