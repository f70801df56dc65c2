package server

import (
	"coopledger/internal/clients"
	"coopledger/internal/config"
	"coopledger/internal/eventstore"
	"coopledger/internal/notify"
	"coopledger/internal/observability"
	"coopledger/internal/payments"
	"coopledger/internal/plans"
	"coopledger/internal/store/postgres"

	"github.com/sirupsen/logrus"
)

// NewDispatcher delivers through the notification service when one is
// configured and to the log otherwise.
func NewDispatcher(cfg *config.Config, metrics *observability.Metrics, logger logrus.FieldLogger) *notify.Dispatcher {
	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.Services.NotificationURL != "" {
		sender = clients.NewNotificationClient(cfg.Services.NotificationURL)
	} else {
		logger.Warn("NOTIFICATION_SERVICE_URL not set, notifications are only logged")
	}
	opts := notify.Options{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
		Retry:       cfg.Notify.Retry,
	}
	if metrics != nil {
		opts.Outcomes = metrics.NotificationOutcomes
	}
	return notify.NewDispatcher(sender, opts, logger)
}

// Billing is the billing side of the system: the plan catalog and the
// payments service over one store.
type Billing struct {
	Plans    plans.Service
	Payments payments.Service
}

// NewBilling wires the billing services. Members are read from the
// membership service when its URL is configured and from the shared
// database otherwise; the enrollment flag is always written locally.
func NewBilling(cfg *config.Config, store *postgres.Store, notifier *notify.Dispatcher, logger logrus.FieldLogger) Billing {
	journal := eventstore.New(store)
	catalog := plans.NewService(store, journal, cfg.Plans.CacheSize, cfg.Plans.CacheTTL, logger)

	deps := payments.Dependencies{
		Repository:    store,
		Members:       store,
		MemberUpdates: store,
		Plans:         catalog,
		Journal:       journal,
		Notifier:      notifier,
	}
	if cfg.Services.MembershipURL != "" {
		deps.Members = clients.NewMembershipClient(cfg.Services.MembershipURL)
	}
	return Billing{Plans: catalog, Payments: payments.NewService(deps, logger)}
}
