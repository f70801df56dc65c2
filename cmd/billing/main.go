// cmd/billing/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"coopledger/internal/config"
	"coopledger/internal/observability"
	"coopledger/internal/payments"
	"coopledger/internal/plans"
	"coopledger/internal/server"
	"coopledger/internal/store/postgres"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	log := logger.WithField("service", "billing")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
		ServiceName:    "coopledger-billing",
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracing")
	}

	db, err := server.OpenDB(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	store := postgres.New(db)
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("failed to migrate database")
		}
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
		metrics.RegisterDB(db, "coopledger")
	}

	dispatcher := server.NewDispatcher(cfg, metrics, log)
	billing := server.NewBilling(cfg, store, dispatcher, log)

	router := server.NewRouter(log, metrics)
	payments.NewHandler(billing.Payments).Routes(router)
	plans.NewHandler(billing.Plans).Routes(router)

	srv := server.New(cfg.Server, cfg.Server.BillingPort, router)
	if err := server.Run(ctx, srv, cfg.Server.ShutdownTimeout, log, dispatcher.Close, shutdownTracing); err != nil {
		log.WithError(err).Error("billing service stopped with error")
		os.Exit(1)
	}
}
