package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coopledger/internal/config"
	"coopledger/internal/observability"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	r := NewRouter(quietLogger(), observability.NewMetrics())
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coopledger_http_requests_total")
}

func TestRouterWithoutMetrics(t *testing.T) {
	r := NewRouter(quietLogger(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunShutsDownAndCleansUp(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	srv := New(cfg, "0", http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	cleaned := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, srv, time.Second, quietLogger(), func(context.Context) error {
			close(cleaned)
			return nil
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	<-cleaned
}

func TestRunReportsCleanupErrors(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	srv := New(cfg, "0", http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, srv, time.Second, quietLogger(), func(context.Context) error {
		return errors.New("flush failed")
	})
	assert.ErrorContains(t, err, "flush failed")
}

func TestOpenDBRequiresURL(t *testing.T) {
	_, err := OpenDB(context.Background(), config.DatabaseConfig{})
	assert.ErrorContains(t, err, "database URL is required")
}
