// Package marketd wires the marketplace services into a running process.
package marketd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditmarket/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditmarket/internal/jobs"
	"github.com/MarkoPoloResearchLab/creditmarket/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmarket/internal/telemetry"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments/remita"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/rewards"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/sessions"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const tracingShutdownTimeout = 5 * time.Second

// Run serves HTTP, gRPC health and, on postgres, the payment sweeper until ctx is done.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	database, err := OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = database.Close() }()

	app, err := buildApplication(cfg, database, logger)
	if err != nil {
		return err
	}

	auth, err := httpapi.SessionAuth(cfg.SessionSigningKey, cfg.SessionIssuer, cfg.SessionCookieName)
	if err != nil {
		return err
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, app.dependencies, auth)
	if err != nil {
		return err
	}

	sqlDB, err := database.DB.DB()
	if err != nil {
		return err
	}
	healthServer := grpcserver.New(sqlDB, grpcserver.WithLogger(logger))
	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	running := 0
	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			err := fn(runCtx)
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errCh <- err
		}()
	}

	start("http", func(ctx context.Context) error {
		return httpapi.Serve(ctx, httpapi.Config{ListenAddr: cfg.HTTPListenAddr}, router, logger)
	})
	start("grpc", func(ctx context.Context) error {
		return healthServer.Serve(ctx, grpcListener)
	})
	if database.Driver == DriverPostgres {
		start("sweeper", func(ctx context.Context) error {
			return runSweeper(ctx, cfg, app.reconciler, logger)
		})
	} else {
		logger.Info("payment sweeper disabled", zap.String("driver", database.Driver))
	}

	// The first component to return stops the others.
	var firstErr error
	for ; running > 0; running-- {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

type application struct {
	dependencies httpapi.Dependencies
	reconciler   *payments.Reconciler
}

func buildApplication(cfg Config, database *Database, logger *zap.Logger) (application, error) {
	ledgerService, err := newLedgerService(database, logger)
	if err != nil {
		return application{}, err
	}
	roles := gormstore.NewRoleStore(database.DB)
	sessionService, err := sessions.NewService(
		gormstore.NewSessionStore(database.DB),
		sessions.LedgerEscrow(ledgerService),
		roles,
		sessions.WithLogger(logger),
	)
	if err != nil {
		return application{}, fmt.Errorf("session service init: %w", err)
	}

	gateway, err := remita.NewClient(cfg.Gateway, nil)
	if err != nil {
		return application{}, fmt.Errorf("gateway init: %w", err)
	}
	paymentStore := gormstore.NewPaymentStore(database.DB)
	paymentService, err := payments.NewService(paymentStore, gateway,
		payments.WithLogger(logger),
		payments.WithCreditsPerUnit(cfg.CreditsPerUnit),
	)
	if err != nil {
		return application{}, fmt.Errorf("payment service init: %w", err)
	}
	reconciler, err := payments.NewReconciler(paymentStore, gateway, payments.LedgerCrediter(ledgerService), []byte(cfg.WebhookSecret),
		payments.WithLogger(logger),
	)
	if err != nil {
		return application{}, fmt.Errorf("reconciler init: %w", err)
	}
	rewardService, err := rewards.NewService(ledgerService, cfg.Rewards, nil,
		rewards.WithReferrals(gormstore.NewReferralStore(database.DB), rewards.LedgerCrediter(ledgerService)))
	if err != nil {
		return application{}, fmt.Errorf("rewards service init: %w", err)
	}

	return application{
		dependencies: httpapi.Dependencies{
			Ledger:     ledgerService,
			Sessions:   sessionService,
			Payments:   paymentService,
			Reconciler: reconciler,
			Rewards:    rewardService,
			Roles:      roles,
			Logger:     logger,
		},
		reconciler: reconciler,
	}, nil
}

func runSweeper(ctx context.Context, cfg Config, reconciler *payments.Reconciler, logger *zap.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()

	if err := jobs.Migrate(ctx, pool); err != nil {
		return err
	}
	worker := jobs.NewSweepWorker(reconciler, logger, nil)
	client, err := jobs.NewClient(pool, worker, cfg.Sweep)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	logger.Info("payment sweeper started", zap.Duration("interval", cfg.Sweep.Interval))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("river stop: %w", err)
	}
	return nil
}
