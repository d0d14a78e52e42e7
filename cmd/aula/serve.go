package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/aula-app/aula-engine/internal/auth"
	"github.com/aula-app/aula-engine/internal/config"
	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/httpapi"
	"github.com/aula-app/aula-engine/internal/obs"
	"github.com/aula-app/aula-engine/internal/results"
	"github.com/aula-app/aula-engine/internal/tallycache"
)

var serveFlags = struct {
	demo     bool
	demoRoom string
}{}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.demo, "demo", false, "seed demo users into the in-memory store")
	cmd.Flags().StringVar(&serveFlags.demoRoom, "demo-room", "room-1", "room the demo users join")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := obs.Logger()
	obs.InitBuildInfo(version, commit)

	shutdownTracing, err := obs.SetupTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if cfg.AuthSecret != "" {
		if err := auth.Configure(cfg.AuthSecret); err != nil {
			return fmt.Errorf("configure auth: %w", err)
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.close() }()
	if store.db == nil {
		log.Warn().Msg("no AULA_PG_DSN configured, state is kept in memory")
		if serveFlags.demo {
			if err := seedDemo(ctx, store, serveFlags.demoRoom); err != nil {
				return err
			}
			log.Info().Str("room", serveFlags.demoRoom).Msg("demo users seeded")
		}
	}

	cache := tallycache.New(cfg.RedisURL, cfg.TallyCacheTTL)
	defer func() { _ = cache.Close() }()

	bus := events.New(64)
	svc, err := engine.NewService(store,
		engine.WithWorkflow(cfg.Workflow),
		engine.WithPublisher(bus),
		engine.WithTallyCache(cache),
	)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	workerDone := results.NewWorker(svc, bus, cfg.ShutdownTimeout).Start(workerCtx)

	probe := httpapi.ReadyProbe{DB: store.db, Cache: cache}
	api := httpapi.New(httpapi.Options{
		Service:    svc,
		Bus:        bus,
		Ready:      probe,
		Version:    version,
		DevTokens:  cfg.DevTokens,
		TokenTTL:   cfg.TokenTTL,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		cancelWorker()
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	obs.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
	}
	obs.SetReady(false)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		// Open event streams keep their connections until forced.
		log.Warn().Err(err).Msg("http shutdown")
		_ = srv.Close()
	}
	grpcSrv.GracefulStop()

	cancelWorker()
	select {
	case <-workerDone:
	case <-sctx.Done():
		log.Warn().Msg("results worker did not stop in time")
	}
	log.Info().Msg("stopped")
	return runErr
}
