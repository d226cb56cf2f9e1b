package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/config"
	"realmkey.org/internal/httpapi"
	"realmkey.org/internal/obs"
	"realmkey.org/internal/store/pg"
	"realmkey.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		obs.Logger().WithError(err).Fatal("realmkey stopped")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := obs.Logger()
	if err := obs.SetLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	// Инициализация observability (регистрация метрик)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		pg.WithTxRetries(cfg.Database.TxRetries),
		pg.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	issuer, err := token.NewIssuer(cfg.Token.SigningKey, cfg.Token.Host, token.WithLeeway(cfg.Token.Leeway))
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	svc, err := auth.NewService(store, issuer, auth.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	api := httpapi.New(svc, version,
		httpapi.WithAdminToken(cfg.AdminToken),
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		httpapi.WithTrustedProxies(proxies...),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(httpapi.ReadyProbe{Service: svc}, 5*time.Second)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go health.Run(healthCtx)

	errCh := make(chan error, 2)
	go func() {
		logger.WithFields(log.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", cfg.GRPC.Addr).Info("grpc listening")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed")
	}

	stopHealth()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	return runErr
}
