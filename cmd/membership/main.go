// cmd/membership/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"coopledger/internal/config"
	"coopledger/internal/eventstore"
	"coopledger/internal/lock"
	"coopledger/internal/membership"
	"coopledger/internal/observability"
	"coopledger/internal/plans"
	"coopledger/internal/server"
	"coopledger/internal/store/postgres"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	log := logger.WithField("service", "membership")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
		ServiceName:    "coopledger-membership",
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

	var locker membership.Locker
	if cfg.Redis.URL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client, cfg.Redis.KeyPrefix)
	} else {
		log.Warn("REDIS_URL not set, approvals are only serialized within this process")
	}

	dispatcher := server.NewDispatcher(cfg, metrics, log)

	fee, err := cfg.Membership.EnrollmentFee()
	if err != nil {
		log.WithError(err).Fatal("invalid enrollment fee")
	}
	m := cfg.Membership
	svc := membership.NewService(membership.Dependencies{
		Repository: store,
		Ledger:     store,
		Plans:      plans.NewCachedReader(store, cfg.Plans.CacheSize, cfg.Plans.CacheTTL),
		Journal:    eventstore.New(store),
		Notifier:   dispatcher,
		Locker:     locker,
	}, membership.Options{
		NumberPrefix:         m.NumberPrefix,
		DefaultEnrollmentFee: fee,
		EnrollmentFeeDueDays: m.EnrollmentFeeDueDays,
		CredentialLength:     m.CredentialLength,
		MaxNumberAttempts:    m.MaxNumberAttempts,
		LockTTL:              m.LockTTL,
		ApprovalRate:         rate.Limit(m.ApprovalsPerSecond),
		ApprovalBurst:        m.ApprovalBurst,
		LoginRate:            rate.Limit(m.LoginsPerMinute / 60),
		LoginBurst:           m.LoginBurst,
	}, log)

	router := server.NewRouter(log, metrics)
	membership.NewHandler(svc).Routes(router)

	srv := server.New(cfg.Server, cfg.Server.MembershipPort, router)
	if err := server.Run(ctx, srv, cfg.Server.ShutdownTimeout, log, dispatcher.Close, shutdownTracing); err != nil {
		log.WithError(err).Error("membership service stopped with error")
		os.Exit(1)
	}
}
