// cmd/api/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"coopledger/internal/config"
	"coopledger/internal/httpapi"
	"coopledger/internal/observability"
	"coopledger/internal/server"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	log := logger.WithField("service", "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}
	router, err := newGateway(cfg.Services, log, metrics)
	if err != nil {
		log.WithError(err).Fatal("failed to build gateway")
	}

	srv := server.New(cfg.Server, cfg.Server.GatewayPort, router)
	if err := server.Run(ctx, srv, cfg.Server.ShutdownTimeout, log); err != nil {
		log.WithError(err).Error("gateway stopped with error")
		os.Exit(1)
	}
}

// newGateway routes each public prefix to its upstream service.
func newGateway(services config.ServicesConfig, log logrus.FieldLogger, metrics *observability.Metrics) (http.Handler, error) {
	router := server.NewRouter(log, metrics)
	for prefix, target := range map[string]string{
		"/api/v1/members": services.MembershipURL,
		"/api/v1/billing": services.BillingURL,
	} {
		proxy, err := newProxy(target, log)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", prefix, err)
		}
		router.Mount(prefix, http.StripPrefix(prefix, proxy))
	}
	return router, nil
}

func newProxy(target string, log logrus.FieldLogger) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithField("upstream", u.Host).Warn("upstream unavailable")
		httpapi.WriteErrorStatus(w, http.StatusBadGateway, err)
	}
	return proxy, nil
}
