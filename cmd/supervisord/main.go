// Package main — cmd/supervisord/main.go
//
// Supervisor daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/gocapcom/config.yaml.
//  2. Initialise structured logger (zap; JSON unless log_format is console).
//  3. Open the bbolt audit ledger.
//  4. Prune stale ledger entries, then start the Prometheus metrics
//     server (127.0.0.1:9091).
//  5. Build the umbilical RPC dialer (mTLS gRPC to launch agents).
//  6. Build the registry from the configured subsystem descriptors.
//  7. Start the status feed websocket server (127.0.0.1:9092).
//  8. Start the operator Unix socket server under tableflip, so a
//     SIGHUP-triggered binary upgrade hands the listening socket to the
//     new process without dropping an in-flight operator connection.
//  9. Start every subsystem's driver loop.
// 10. Register a SIGHUP handler that re-reads and re-validates the
//     config (logging the result; the running process applies none of
//     it) and requests a tableflip upgrade.
// 11. Block on SIGINT/SIGTERM, a completed tableflip upgrade, or an
//     emergency abort from a critical subsystem, for graceful shutdown.
//
// Shutdown sequence:
//  1. Cancel root context (propagates to every subsystem driver).
//  2. Wait for every subsystem driver to return (max 10s).
//  3. Close the audit ledger.
//  4. Flush logger.
//  5. Exit 0, or 1 on emergency abort.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/config"
	"github.com/dloman/gocapcom/internal/ledger"
	"github.com/dloman/gocapcom/internal/observability"
	"github.com/dloman/gocapcom/internal/operator"
	"github.com/dloman/gocapcom/internal/registry"
	"github.com/dloman/gocapcom/internal/statusfeed"
	"github.com/dloman/gocapcom/internal/umbilicalrpc"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/gocapcom/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("supervisord %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("supervisord starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open the audit ledger ─────────────────────────────────────────
	db, err := ledger.Open(cfg.Ledger.DBPath, cfg.Ledger.RetentionDays)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err), zap.String("path", cfg.Ledger.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("audit ledger opened", zap.String("path", cfg.Ledger.DBPath))

	// ── Step 4: Prune stale ledger entries ────────────────────────────────────
	pruned, err := db.PruneOld()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Observability ──────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	sink := alarm.NewMultiSink(alarm.NewLogSink(log), ledger.NewSink(db), observability.NewAlarmSink(metrics))

	// ── Step 5: Umbilical RPC dialer ──────────────────────────────────────────
	dialer := umbilicalrpc.Dialer{
		Addresses: staticAddressBook(cfg.Umbilical.Computes),
		TLS: umbilicalrpc.TLSFiles{
			CertFile:     cfg.Umbilical.TLSCertFile,
			KeyFile:      cfg.Umbilical.TLSKeyFile,
			ClientCAFile: cfg.Umbilical.TLSCAFile,
		},
		Log: log,
	}

	// ── Step 6: Build the registry ────────────────────────────────────────────
	reg, err := registry.New(cfg.Descriptors(), dialer, sink, db, log)
	if err != nil {
		log.Fatal("registry build failed", zap.Error(err))
	}
	log.Info("registry built", zap.Int("subsystems", len(cfg.Subsystems)))

	// ── Step 7: Status feed ────────────────────────────────────────────────────
	if cfg.StatusFeed.Enabled {
		feed := statusfeed.New(reg, log)
		go func() {
			if err := feed.ServeStatusFeed(ctx, cfg.StatusFeed.Addr); err != nil {
				log.Error("status feed server error", zap.Error(err))
			}
		}()
		log.Info("status feed started", zap.String("addr", cfg.StatusFeed.Addr))
	}

	// ── Step 8: tableflip, then the operator socket server ────────────────────
	// tableflip owns process lifetime once created: it must be able to
	// hand off the operator listener across a binary upgrade without
	// dropping whichever operator connection is in flight.
	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		log.Fatal("tableflip init failed", zap.Error(err))
	}
	defer upg.Stop()

	if cfg.Operator.Enabled {
		_ = os.Remove(cfg.Operator.SocketPath)
		opLis, err := upg.Listen("unix", cfg.Operator.SocketPath)
		if err != nil {
			log.Fatal("operator socket listen failed", zap.Error(err), zap.String("path", cfg.Operator.SocketPath))
		}
		if err := os.Chmod(cfg.Operator.SocketPath, 0o600); err != nil {
			log.Fatal("operator socket chmod failed", zap.Error(err))
		}
		opSrv := operator.NewServer(cfg.Operator.SocketPath, reg, log)
		go func() {
			if err := opSrv.Serve(ctx, opLis); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	if err := upg.Ready(); err != nil {
		log.Fatal("tableflip Ready failed", zap.Error(err))
	}

	// ── Step 9: Run every subsystem's driver loop ─────────────────────────────
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.Run(ctx)
	}()

	// ── Step 10: SIGHUP hot-reload + tableflip upgrade ────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config and requesting binary upgrade")
			if _, err := config.Load(*configPath); err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
			} else {
				log.Info("config re-read and validated (not applied to the running process)")
			}
			if err := upg.Upgrade(); err != nil {
				log.Error("tableflip upgrade failed", zap.Error(err))
			}
		}
	}()

	// ── Step 11: Block on shutdown signal, upgrade exit, or emergency abort ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-upg.Exit():
		log.Info("tableflip upgrade complete — this process winding down")
	case name := <-reg.Aborts():
		log.Error("emergency abort — critical subsystem reached Broken", zap.String("subsystem", name))
		exitCode = 1
	}

	cancel()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info("all subsystem drivers stopped")
	case <-time.After(10 * time.Second):
		log.Warn("shutdown drain timeout — forcing exit")
	}

	log.Info("supervisord shutdown complete")
	// os.Exit skips deferred calls, so close the ledger and flush the
	// logger explicitly.
	_ = db.Close()
	_ = log.Sync()
	os.Exit(exitCode)
}

// staticAddressBook resolves compute names from a fixed map read out of
// config, implementing umbilicalrpc.AddressBook.
type staticAddressBook map[string]string

func (b staticAddressBook) Address(compute string) (string, error) {
	addr, ok := b[compute]
	if !ok {
		return "", fmt.Errorf("no address configured for compute %q", compute)
	}
	return addr, nil
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
