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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardian/internal/config"
	"guardian/internal/handlers"
	"guardian/internal/remote"
	"guardian/internal/repository"
	"guardian/internal/security"
	"guardian/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open persistence (sqlite, postgres, mysql, badger or memory)
	backend, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	defer backend.Close()

	opts := []store.Option{store.WithLogger(logger.Named("store"))}
	if backend.Persister != nil {
		opts = append(opts, store.WithPersister(backend.Persister))
	}
	tree, err := store.NewTree(ctx, opts...)
	if err != nil {
		return err
	}
	defer tree.Close()
	logger.Info("tree loaded", zap.String("backend", backend.Name))

	streams := remote.NewServer(tree, logger.Named("stream"))
	var limiter *security.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = security.NewRateLimiter(cfg.RateLimit, cfg.RateLimitEvery)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		CorsOrigins: cfg.CorsOrigins,
		AdminToken:  cfg.AdminToken,
		Backend:     backend.Name,
	}, tree, streams, handlers.NewMiddleware(limiter, logger.Named("http")), logger.Named("http"))

	addr := ":" + cfg.ServerPort
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Sockets are hijacked, so they are closed separately; their
		// disconnect hooks must land before the tree closes.
		httpErr := server.Shutdown(shutdownCtx)
		streamErr := streams.Shutdown(shutdownCtx)
		return errors.Join(httpErr, streamErr)
	})
	return g.Wait()
}
