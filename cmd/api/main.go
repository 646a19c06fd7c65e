package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lendingdesk/internal/account"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/config"
	"lendingdesk/internal/database"
	"lendingdesk/internal/logging"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/telemetry"
)

const expiryInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("api stopped")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	db, err := database.Open(ctx, database.Options{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	clk := clock.NewSystem()
	svc := newServices(db, clk, account.DefaultLimits, logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL, clk)
	r := newRouter(db, svc, issuer, clk, logger)

	go expireLapsedMemberships(ctx, svc.members, clk, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("lending API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// expireLapsedMemberships flips lapsed active memberships to expired on a
// fixed interval until ctx is cancelled.
func expireLapsedMemberships(ctx context.Context, members membership.Service, clk clock.Clock, logger logrus.FieldLogger) {
	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		ids, err := members.ExpireLapsed(ctx, clk.Now())
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("membership expiry sweep failed")
		} else if len(ids) > 0 {
			logger.WithField("count", len(ids)).Info("memberships expired")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
