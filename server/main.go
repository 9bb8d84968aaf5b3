package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"collabtext/internal/archive"
	"collabtext/internal/archive/bolt"
	"collabtext/internal/archive/postgres"
	"collabtext/internal/archive/redisrelay"
	"collabtext/internal/collab"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/metrics"
	"collabtext/internal/session"
	"collabtext/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "collabtext:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	sinks, loader, closers, err := openArchive(ctx, cfg, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close archive backend", "error", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	engineOpts := collab.Options{
		Store: session.NewStore(session.Options{
			HistoryLimit:  cfg.Session.HistoryLimit,
			HistoryRetain: cfg.Session.HistoryRetain,
			Logger:        logger,
		}),
		EvictOnEmpty: cfg.Session.EvictOnEmpty,
		Metrics:      m,
		Logger:       logger,
	}
	if loader != nil {
		engineOpts.Loader = loader
	}
	var pipeline *archive.Pipeline
	if len(sinks) > 0 {
		pipeline = archive.NewPipeline(sinks, archive.PipelineOptions{
			QueueSize: cfg.Archive.QueueSize,
			MaxRetry:  cfg.Archive.MaxRetry,
			Logger:    logger,
			Metrics:   m,
		})
		engineOpts.Archive = pipeline
	}
	engine := collab.New(engineOpts)

	srv := transport.NewServer(engine, transport.Options{
		ReadLimit:    cfg.Server.ReadLimit,
		SendBuffer:   cfg.Server.SendBuffer,
		PingInterval: cfg.Server.PingInterval,
		PongTimeout:  cfg.Server.PongTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		Logger:       logger,
		Metrics:      m,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(discovery.Options{
			Instance: cfg.Discovery.Instance,
			Service:  cfg.Discovery.Service,
			Addr:     cfg.Server.Addr,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer adv.Shutdown()
		go logPeers(ctx, cfg.Discovery.Service, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("CollabText sync server starting", "addr", cfg.Server.Addr, "archive_sinks", len(sinks))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "failed to start server")
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown incomplete", "error", err)
	}
	if pipeline != nil {
		if err := pipeline.Close(shutdownCtx); err != nil {
			logger.Warn("archive queue not drained", "error", err)
		}
	}
	logger.Info("server stopped")
	return nil
}

// openArchive connects every enabled backend. closers are returned even on
// error so that whatever was opened gets closed.
func openArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]archive.Sink, archive.Loader, []io.Closer, error) {
	var (
		sinks   []archive.Sink
		loaders archive.Loaders
		closers []io.Closer
	)
	if cfg.Postgres.Enabled {
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, closers, err
		}
		closers = append(closers, closerFunc(func() error { pool.Close(); return nil }))
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, closers, err
		}
		sinks = append(sinks, store)
		loaders = append(loaders, store)
		logger.Info("connected to PostgreSQL")
	}
	if cfg.Bolt.Enabled {
		store, err := bolt.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, nil, closers, err
		}
		closers = append(closers, store)
		sinks = append(sinks, store)
		loaders = append(loaders, store)
		logger.Info("opened bolt archive", "path", cfg.Bolt.Path)
	}
	if cfg.Redis.Enabled {
		rdb, err := redisrelay.Connect(ctx, cfg.Redis.Address)
		if err != nil {
			return nil, nil, closers, err
		}
		closers = append(closers, rdb)
		sinks = append(sinks, redisrelay.New(rdb, cfg.Redis.ChannelPrefix))
		logger.Info("connected to Redis", "addr", cfg.Redis.Address)
	}
	if len(loaders) == 0 {
		return sinks, nil, closers, nil
	}
	return sinks, loaders, closers, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func logPeers(ctx context.Context, service string, logger *slog.Logger) {
	browseCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	peers, err := discovery.Browse(browseCtx, service)
	if err != nil {
		logger.Warn("mDNS browse failed", "error", err)
		return
	}
	for _, p := range peers {
		logger.Info("mDNS discovered peer", "instance", p.Instance, "addrs", p.Addrs, "port", p.Port)
	}
	logger.Info("mDNS browsing finished", "peers", len(peers))
}
