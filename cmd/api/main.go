package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/config"
	"contestkit.org/internal/httpapi"
	"contestkit.org/internal/migrate"
	"contestkit.org/internal/notify"
	"contestkit.org/internal/obs"
	"contestkit.org/internal/store/mem"
	"contestkit.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load("contestkit-api", os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo("contestkit-api", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.LogEvent(obs.LevelError, "api stopped with error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	var (
		users httpapi.UserDirectory
		ready httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		if cfg.Migrate {
			applied, err := migrate.NewManager(store.DB(), pg.Migrations).Up(ctx)
			if err != nil {
				return err
			}
			obs.Info("migrations applied", map[string]any{"applied": applied})
		}
		users, ready.DB = store, store
	} else {
		obs.Warn("no postgres dsn configured; using in-memory user store", nil)
		users = mem.New()
	}

	tokens, err := cfg.TokenService()
	if err != nil {
		return err
	}
	resolver, err := cfg.Resolver(users)
	if err != nil {
		return err
	}
	proxies, err := cfg.Proxies()
	if err != nil {
		return err
	}
	guard, err := auth.NewCredentialGuard(tokens, resolver, cfg.LegacyAdminSecret)
	if err != nil {
		return err
	}
	if cfg.LegacyAdminSecret != "" {
		obs.Warn("legacy admin secret enabled", nil)
	}

	limiter, closeLimiter, err := cfg.Limiter(ctx)
	if err != nil {
		return err
	}
	defer closeLimiter()

	codes, err := cfg.OTP()
	if err != nil {
		return err
	}
	defer codes.Close()

	api, err := httpapi.New(httpapi.Deps{
		Tokens:     tokens,
		Guard:      guard,
		Resolver:   resolver,
		Users:      users,
		Limiter:    limiter,
		OTP:        codes,
		Sender:     notify.LogSender{},
		Ready:      ready,
		Version:    version,
		SMSMax:     cfg.SMSMax,
		SMSWindow:  cfg.SMSWindow,
		FloodBurst: cfg.FloodBurst,
		FloodRate:  cfg.FloodRate,

		TrustedProxies: proxies,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var (
		grpcSrv *grpc.Server
		hs      *health.Server
	)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv, hs = httpapi.NewGRPCServer(httpapi.AuthInterceptor(guard, limiter, nil))
		go func() {
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcSrv != nil {
		hs.Shutdown()
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	obs.Info("stopped", nil)
	return nil
}
