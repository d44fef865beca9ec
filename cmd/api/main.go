package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/config"
	"gatekeeper.dev/internal/grpcapi"
	"gatekeeper.dev/internal/httpapi"
	"gatekeeper.dev/internal/jobs"
	"gatekeeper.dev/internal/obs"
	"gatekeeper.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := obs.Logger()
		boot.Fatal().Err(err).Msg("load config")
	}
	if cfg.Version == "" {
		cfg.Version = version
	}

	logger := obs.NewLogger(cfg.Environment, cfg.LogLevel, os.Stdout)
	obs.SetLogger(logger)
	obs.Init()
	build := obs.InitBuildInfo(cfg.Version, commit)
	logger.Info().
		Str("version", build.Version).
		Str("commit", build.Commit).
		Str("go", build.GoVersion).
		Bool("dirty", build.Dirty).
		Msg("starting gatekeeper")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("gatekeeper stopped with error")
	}
	logger.Info().Msg("stopped")
}

func run(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) error {
	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pgStore.Ping(pingCtx)
		cancel()
		if err != nil {
			return err
		}
		store, db = pgStore, pgStore.DB()
		logger.Info().Msg("using postgres store")
	} else {
		store = auth.NewInMemory()
		logger.Warn().Msg("no postgres dsn configured; state is kept in memory")
	}

	svc, err := auth.NewService(store, logger, authorityOptions(cfg.Tokens)...)
	if err != nil {
		return err
	}
	if err := svc.Bootstrap(ctx, cfg.Bootstrap.AdminUsername, cfg.Bootstrap.AdminPassword); err != nil {
		return err
	}

	scheduler := jobs.NewScheduler(svc, cfg.Jobs.PurgeSchedule, cfg.Jobs.PurgeRetention, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}

	proxies, err := httpapi.ParseProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(svc,
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(cfg.Version),
		httpapi.WithLogger(logger),
		httpapi.WithLoginRateLimit(cfg.HTTP.LoginRate, cfg.HTTP.LoginBurst),
		httpapi.WithCORSOrigins(cfg.AllowCORSOrigins),
		httpapi.WithTrustedProxies(proxies),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", cfg.Version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	gsrv := grpcapi.New(svc, probe, logger)
	grpcServer := gsrv.NewGRPCServer()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		go gsrv.WatchReadiness(ctx, 10*time.Second)
		go func() {
			logger.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc listening")
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	scheduler.Stop(shutdownCtx)
	return runErr
}

func authorityOptions(tc config.TokenConfig) []auth.AuthorityOption {
	opts := []auth.AuthorityOption{
		auth.WithIssuer(tc.Issuer),
		auth.WithAudience(tc.Audience),
		auth.WithAccessTTL(tc.AccessTTL),
		auth.WithRefreshTTL(tc.RefreshTTL),
	}
	if tc.PrivateKeyPEM != "" {
		opts = append(opts, auth.WithRS256Keys(tc.PrivateKeyPEM, tc.PublicKeyPEM))
	} else {
		opts = append(opts, auth.WithSigningSecret(tc.SigningSecret))
	}
	if tc.KeyID != "" {
		opts = append(opts, auth.WithKeyID(tc.KeyID))
	}
	return opts
}
