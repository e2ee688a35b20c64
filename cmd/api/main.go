package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"passage.org/internal/activation"
	"passage.org/internal/audit"
	"passage.org/internal/auth"
	"passage.org/internal/codec"
	"passage.org/internal/config"
	"passage.org/internal/httpapi"
	"passage.org/internal/obs"
	"passage.org/internal/ratelimit"
	"passage.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file (default $"+config.EnvConfigFile+")")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("passage-api %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg); err != nil {
		obs.Logger().Fatal().Err(err).Msg("api_exit")
	}
}

func run(cfg *config.Config) error {
	log := obs.Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// durable store, or process-local when no DSN is set
	var (
		store      activation.Store
		auditStore audit.Store
		probe      httpapi.ReadyProbe
	)
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pgStore.Close()
		store, auditStore, probe.Store = pgStore, pgStore, pgStore
	} else {
		log.Warn().Msg("no postgres dsn configured, state is process-local")
		store, auditStore = activation.NewInMemory(), audit.NewMemory()
	}

	var limitStore ratelimit.Store
	if cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := ratelimit.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return err
		}
		defer rdb.Close()
		limitStore, probe.Limiter = rdb, rdb
	} else {
		log.Warn().Msg("no redis configured, rate limits are per instance")
		limitStore = ratelimit.NewMemory()
	}

	trail := audit.NewTrail(auditStore,
		audit.WithTimeout(cfg.Audit.Timeout),
		audit.WithRetries(cfg.Audit.Retries, 50*time.Millisecond),
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithFailClosed(cfg.Audit.FailClosed),
	)
	if cfg.Postgres.DSN != "" {
		probe.Audit = trail
	}

	pepper, err := cfg.Pepper()
	if err != nil {
		return err
	}
	c, err := codec.New(pepper, codec.WithObserver(obs.ObserveVerify))
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer([]byte(cfg.Secrets.SessionSecret))
	if err != nil {
		return err
	}

	act := cfg.Activation
	svc := activation.New(store, c, ratelimit.New(limitStore), trail, issuer,
		activation.WithLockoutThreshold(act.LockoutThreshold),
		activation.WithDefaultTTL(act.DefaultTTL),
		activation.WithRetention(act.Retention),
		activation.WithLatencyFloors(act.PreviewFloor, act.CompleteFloor),
		activation.WithLimits(activation.Limits{
			PreviewOrigin:      activation.Limit(act.Limits.PreviewPerOrigin),
			CompleteOrigin:     activation.Limit(act.Limits.CompletePerOrigin),
			CompleteCredential: activation.Limit(act.Limits.CompletePerCredential),
		}),
	)

	log.Info().Int("lockout_threshold", svc.Threshold()).Dur("default_ttl", act.DefaultTTL).Msg("activation_configured")

	api := httpapi.New(svc, trail, issuer, probe, version,
		httpapi.WithTrustProxy(cfg.HTTP.TrustProxy),
		httpapi.WithFloodGuard(cfg.HTTP.FloodRPS, cfg.HTTP.FloodBurst),
		httpapi.WithMaxBody(cfg.HTTP.MaxBodyBytes),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var wg sync.WaitGroup
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	wg.Add(2)
	go func() { defer wg.Done(); trail.Run(bg, cfg.Audit.FlushInterval) }()
	go func() { defer wg.Done(); svc.RunSweeper(bg, act.SweepInterval) }()

	errc := make(chan error, 2)
	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCHealth(probe)
		health.Register(grpcSrv)
		wg.Add(1)
		go func() { defer wg.Done(); health.Run(bg, 10*time.Second) }()
		go func() {
			log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc_listen")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http_listen")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting_down")
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http_shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	// stops the sweeper and gives the audit trail its final flush
	cancelBG()
	wg.Wait()
	log.Info().Int("audit_pending", trail.Buffered()).Msg("stopped")
	return runErr
}
