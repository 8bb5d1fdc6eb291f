// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/manfredsteger/polly/cliparse"
	"github.com/manfredsteger/polly/db"
	"github.com/manfredsteger/polly/hub"
	"github.com/manfredsteger/polly/middleware"
	"github.com/manfredsteger/polly/router"
	"github.com/manfredsteger/polly/store"
)

const shutdownTimeout = 10 * time.Second

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func setupLogger(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openDatabase opens and pings the configured database.
func openDatabase(cfg cliparse.Config) (*sql.DB, error) {
	dsn := cfg.DatabaseURL
	if cfg.DatabaseType == cliparse.DatabaseSQLite && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open(cfg.DatabaseType, dsn)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if cfg.DatabaseType == cliparse.DatabaseSQLite {
		// Capacity checks rely on serialized writers.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return conn, nil
}

func run() error {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := cliparse.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("error parsing flags: %w", err)
	}

	logger := setupLogger(cfg.Debug)
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		return err
	}

	liveCfg, err := cliparse.LoadLiveConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}

	dbConn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if err := db.CreateSchema(dbConn); err != nil {
		return err
	}
	logger.Info("database schema ready", "type", cfg.DatabaseType)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	liveHub, err := hub.New(hub.Config{
		Source:          store.NewPollStore(dbConn, cfg.DatabaseType),
		Logger:          logger.With("component", "hub"),
		PromRegistry:    reg,
		EvictionGrace:   liveCfg.EvictionGrace,
		LivenessTimeout: liveCfg.LivenessTimeout,
		SendBuffer:      liveCfg.SendBuffer,
		MaxMessageBytes: liveCfg.MaxMessageBytes,
		MessageRate:     liveCfg.MessageRate,
		MessageBurst:    liveCfg.MessageBurst,
	})
	if err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           middleware.CORS(router.NewRouter(dbConn, cfg, liveHub)),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server.
		err := liveHub.Shutdown(shutdownCtx)
		for _, srv := range servers {
			err = errors.Join(err, srv.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
