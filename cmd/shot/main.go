// Command shot drives sustained self-transfer load against a node set,
// recycling the capacity it spends.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gateway-fm/cellshot/internal/account"
	"github.com/gateway-fm/cellshot/internal/config"
	"github.com/gateway-fm/cellshot/internal/follower"
	"github.com/gateway-fm/cellshot/internal/harvester"
	"github.com/gateway-fm/cellshot/internal/metrics"
	"github.com/gateway-fm/cellshot/internal/pattern"
	"github.com/gateway-fm/cellshot/internal/pipeline"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/ratelimit"
	"github.com/gateway-fm/cellshot/internal/reconciler"
	"github.com/gateway-fm/cellshot/internal/rpc"
	"github.com/gateway-fm/cellshot/internal/sender"
	"github.com/gateway-fm/cellshot/internal/storage"
	"github.com/gateway-fm/cellshot/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		if config.IsHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Command {
	case config.CommandStats:
		err = runStats(ctx, cfg, os.Stdout)
	default:
		err = run(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("shot failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewSQLiteStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening ledger %s: %w", cfg.DBPath(), err)
	}
	defer store.Close()
	logger.Info("opened ledger", slog.String("path", cfg.DBPath()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheusMetrics(reg)

	clients := make([]rpc.Client, 0, len(cfg.Run.Nodes))
	for _, node := range cfg.Run.Nodes {
		rc := rpc.DefaultClientConfig(node)
		rc.MaxConns = cfg.Run.MaxInFlight
		rc.Logger = logger
		clients = append(clients, rpc.NewObservedClient(rpc.NewHTTPClient(rc), m))
	}

	probe := backoff.NewExponentialBackOff()
	probe.MaxElapsedTime = time.Minute
	tip, err := probeTip(ctx, clients, probe, logger)
	if err != nil {
		return err
	}
	if err := store.SetCursor(ctx, storage.CursorTurn, tip); err != nil {
		return fmt.Errorf("setting turn cursor: %w", err)
	}

	owned, err := account.Owned(cfg.ID)
	if err != nil {
		return err
	}
	source := account.Source()
	if cfg.Run.SourceLockHash != "" {
		if err := source.OverrideLockHash(cfg.Run.SourceLockHash); err != nil {
			return err
		}
	}

	senders := clients
	if len(clients) > 1 {
		senders = clients[1:]
	}
	pool, err := rpc.NewPool(senders...)
	if err != nil {
		return err
	}

	hub := progress.NewHub(0)

	var sendLimiter *ratelimit.Limiter
	if cfg.Run.MaxSendRate > 0 {
		sendLimiter = ratelimit.New(cfg.Run.MaxSendRate)
	}
	dispatcher := sender.New(sender.Config{
		Target:      pool,
		Concurrency: cfg.Run.MaxInFlight,
		Limiter:     sendLimiter,
		Metrics:     m,
		Logger:      logger,
	})

	var schedule pattern.Pattern
	if sendLimiter != nil {
		if schedule, err = cfg.Run.Pattern(); err != nil {
			return err
		}
		if schedule.Name() == pattern.Constant {
			schedule = nil
		} else {
			logger.Info("scheduling send rate", slog.String("pattern", string(schedule.Name())))
		}
	}

	var harvestLimiter *rate.Limiter
	if cfg.Run.HarvestRate > 0 {
		harvestLimiter = rate.NewLimiter(rate.Limit(cfg.Run.HarvestRate), 1)
	}

	fol := follower.New(follower.Config{
		Client:   clients[0],
		Store:    store,
		Margin:   cfg.Run.SafetyMargin,
		Start:    deref(cfg.Run.SkipBefore),
		Metrics:  m,
		Progress: hub,
		Logger:   logger,
	})
	harv := harvester.New(harvester.Config{
		Index:      clients[0],
		Target:     clients[0],
		Store:      store,
		Source:     source,
		Owned:      owned,
		Margin:     cfg.Run.SafetyMargin,
		Start:      deref(cfg.Run.StealSince),
		HighWater:  cfg.Run.HighWater,
		MaxOutputs: cfg.Run.MaxOutputs,
		Limiter:    harvestLimiter,
		Metrics:    m,
		Progress:   hub,
		Logger:     logger,
	})
	pipe := pipeline.New(pipeline.Config{
		Store:      store,
		Dispatcher: dispatcher,
		Owned:      owned,
		BatchSize:  cfg.Run.BatchSize,
		Interval:   cfg.Run.Interval(),
		Metrics:    m,
		Progress:   hub,
		Logger:     logger,
	})
	rec := reconciler.New(reconciler.Config{
		Store:    store,
		Metrics:  m,
		Progress: hub,
		Logger:   logger,
	})

	instance := uuid.NewString()
	logger.Info("starting run",
		slog.String("id", cfg.ID),
		slog.String("instance", instance),
		slog.Uint64("turn", tip),
		slog.Int("endpoints", len(clients)),
		slog.Int("send_endpoints", pool.Len()),
		slog.String("owned_lock_hash", owned.LockHash().Hex()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fol.Run(gctx) })
	g.Go(func() error { return harv.Run(gctx) })
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })

	if schedule != nil {
		g.Go(func() error { return pattern.Drive(gctx, schedule, sendLimiter, time.Second) })
	}

	if cfg.Run.HTTPAddr != "" {
		status := &statusProvider{
			instance:  instance,
			id:        cfg.ID,
			startedAt: time.Now().UTC(),
			endpoints: cfg.Run.Nodes,
			follower:  fol,
			pipeline:  pipe,
			reports:   rec,
			hub:       hub,
		}
		srv := transport.NewServer(transport.ServerConfig{
			Status:   status,
			Probes:   []transport.ReadinessProbe{followerProbe(fol)},
			Hub:      hub,
			Gatherer: reg,
			Logger:   logger,
		})
		g.Go(func() error { return serveHTTP(gctx, cfg.Run.HTTPAddr, srv, logger) })
	}

	err = g.Wait()
	logger.Info("run stopped", slog.Any("outcomes", pipe.Status().Outcomes))
	return err
}

// probeTip returns the tip height from the first endpoint that answers,
// retrying with b until one does.
func probeTip(ctx context.Context, clients []rpc.Client, b backoff.BackOff, logger *slog.Logger) (uint64, error) {
	var tip uint64
	operation := func() error {
		var errs []error
		for _, c := range clients {
			h, err := c.TipHeight(ctx)
			if err == nil {
				tip = h
				return nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", c.URL(), err))
		}
		return errors.Join(errs...)
	}

	var attempts int
	notify := func(err error, d time.Duration) {
		attempts++
		logger.Warn("no endpoint answered, retrying",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempts),
			slog.Duration("next_retry_in", d),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return 0, fmt.Errorf("no endpoint reachable after %d attempts: %w", attempts+1, err)
	}
	return tip, nil
}

func serveHTTP(ctx context.Context, addr string, s *transport.Server, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting HTTP server", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}

func runStats(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if _, err := os.Stat(cfg.DBPath()); err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	store, err := storage.NewSQLiteStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening ledger %s: %w", cfg.DBPath(), err)
	}
	defer store.Close()

	rec := reconciler.New(reconciler.Config{
		Store:  store,
		Window: cfg.Stats.Window,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	report, err := rec.Compute(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
