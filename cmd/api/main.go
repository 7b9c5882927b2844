package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/config"
	"tenantcore.io/internal/credentials"
	"tenantcore.io/internal/entitlements"
	"tenantcore.io/internal/guard"
	"tenantcore.io/internal/httpapi"
	"tenantcore.io/internal/jobs"
	"tenantcore.io/internal/membership"
	"tenantcore.io/internal/obs"
	"tenantcore.io/internal/tokens"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

const readinessInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().WithError(err).Fatal("tenantcore-api stopped")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("flush traces")
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("close store")
		}
	}()

	production := cfg.IsProduction()
	keys, err := loadKeys(cfg.Tokens, production)
	if err != nil {
		return err
	}
	secrets, err := webhookSecrets(cfg.Billing, production)
	if err != nil {
		return err
	}

	users, err := credentials.NewService(store, credentials.WithHashParams(credentials.HashParams{
		Memory:      cfg.Passwords.Memory,
		Iterations:  cfg.Passwords.Iterations,
		Parallelism: cfg.Passwords.Parallelism,
	}))
	if err != nil {
		return err
	}
	orgs, err := membership.NewRegistry(store)
	if err != nil {
		return err
	}
	gate, err := entitlements.NewGate(store, cfg.Billing.GracePeriod, time.Now)
	if err != nil {
		return err
	}
	authz, err := guard.New(orgs, gate, guard.WithStrictTimeout(cfg.Guard.StrictTimeout))
	if err != nil {
		return err
	}
	verifier, err := billing.NewVerifier(secrets, cfg.Billing.Tolerance, time.Now)
	if err != nil {
		return err
	}
	reconciler, err := billing.NewReconciler(store, verifier,
		billing.WithRecentCache(cfg.Billing.RecentCacheSize, cfg.Billing.RecentCacheTTL))
	if err != nil {
		return err
	}
	sessions, err := tokens.NewService(tokens.Deps{
		Keys:         keys,
		Refresh:      store,
		Users:        users,
		Members:      orgs,
		Entitlements: gate,
	},
		tokens.WithIssuer(cfg.Tokens.Issuer),
		tokens.WithAccessTTL(cfg.Tokens.AccessTTL),
		tokens.WithRefreshTTL(cfg.Tokens.RefreshTTL),
		tokens.WithLeeway(cfg.Tokens.Leeway),
	)
	if err != nil {
		return err
	}

	limiter, redisLimiter, err := newLimiter(*cfg)
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.Pinger{"store": store}}
	if redisLimiter != nil {
		probe.Checks["redis"] = redisLimiter
		defer func() { _ = redisLimiter.Close() }()
	}

	opts := []httpapi.Option{
		httpapi.WithVersion(version),
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins...),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if limiter != nil {
		opts = append(opts, httpapi.WithLimiter(limiter))
	}
	api, err := httpapi.New(httpapi.Deps{
		Users:        users,
		Tokens:       sessions,
		Orgs:         orgs,
		Guard:        authz,
		Billing:      reconciler,
		Entitlements: gate,
		Keys:         keys,
		Ready:        probe,
	}, opts...)
	if err != nil {
		return err
	}

	scheduler := jobs.New(time.Minute)
	if err := scheduler.Add("purge_refresh_tokens", cfg.Jobs.PurgeSchedule,
		jobs.PurgeRefreshTokens(sessions, cfg.Tokens.RefreshTTL, time.Now)); err != nil {
		return err
	}
	if err := scheduler.Add("prune_signing_keys", cfg.Jobs.PurgeSchedule,
		jobs.PruneSigningKeys(keys, cfg.Tokens.KeyRetention, time.Now)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	health := httpapi.NewHealthServer(probe)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, health)

	var grpcLis net.Listener
	if cfg.Server.GRPCPort > 0 {
		if grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr()); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("starting tenantcore-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			log.WithField("addr", grpcLis.Addr().String()).Info("starting grpc health")
			return grpcSrv.Serve(grpcLis)
		})
		g.Go(func() error {
			health.Monitor(gctx, readinessInterval)
			return nil
		})
	}
	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		obs.SetReady(false)
		grpcSrv.GracefulStop()
		scheduler.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
