// cmd/scheduler/main.go
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"coopledger/internal/audit"
	"coopledger/internal/config"
	"coopledger/internal/observability"
	"coopledger/internal/scheduler"
	"coopledger/internal/server"
	"coopledger/internal/store/postgres"

	"github.com/sirupsen/logrus"
)

var runOnce = flag.String("run-once", "", "Run the named job once and exit (overdue-reminders or ledger-audit)")

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	log := logger.WithField("service", "scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
		ServiceName:    "coopledger-scheduler",
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

	metrics := observability.NewMetrics()
	metrics.RegisterDB(db, "coopledger")

	dispatcher := server.NewDispatcher(cfg, metrics, log)
	billing := server.NewBilling(cfg, postgres.New(db), dispatcher, log)

	opts := audit.DefaultOptions()
	opts.Values = metrics.AuditValues
	auditor := audit.NewAuditor(db, opts, log)
	auditor.RegisterLedgerInvariants(cfg.Scheduler.MaxOverduePercent)

	jobs := scheduler.New(log, metrics.ReminderRuns)
	for _, job := range []scheduler.Job{
		scheduler.ReminderJob(cfg.Scheduler.ReminderSchedule, billing.Payments, log),
		scheduler.AuditJob(cfg.Scheduler.AuditSchedule, auditor),
	} {
		if err := jobs.Add(job); err != nil {
			log.WithError(err).Fatal("failed to schedule job")
		}
	}

	if *runOnce != "" {
		err := jobs.RunNow(ctx, *runOnce)
		if cerr := dispatcher.Close(context.Background()); cerr != nil {
			log.WithError(cerr).Warn("notifications not fully flushed")
		}
		if err != nil {
			log.WithError(err).Fatal("job failed")
		}
		return
	}

	jobs.Start()

	router := server.NewRouter(log, metrics)
	router.Method(http.MethodGet, "/audit", auditor)
	jobs.Routes(router)

	srv := server.New(cfg.Server, cfg.Server.SchedulerPort, router)
	if err := server.Run(ctx, srv, cfg.Server.ShutdownTimeout, log, jobs.Stop, dispatcher.Close, shutdownTracing); err != nil {
		log.WithError(err).Error("scheduler stopped with error")
		os.Exit(1)
	}
}
