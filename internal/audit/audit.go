// Package audit checks stored ledgers against the billing invariants. Each
// check is a SQL metric compared to a threshold; a failed comparison is a
// violation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Metric is a measurable property of the stored data.
type Metric struct {
	Name        string
	Description string
	Severity    Severity
	Query       func(context.Context) (float64, error)
	Threshold   Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Violation is a metric outside its threshold, or one that could not be
// measured.
type Violation struct {
	Metric      string   `json:"metric"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Operator    string   `json:"operator"`
	Expected    float64  `json:"expected"`
	Actual      float64  `json:"actual"`
	Error       string   `json:"error,omitempty"`
}

// Report is the outcome of one audit run.
type Report struct {
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Duration   time.Duration      `json:"duration"`
	Values     map[string]float64 `json:"values"`
	Violations []Violation        `json:"violations"`
}

// Healthy reports whether no critical violation was found.
func (r Report) Healthy() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

type Options struct {
	// Concurrency bounds the number of queries in flight.
	Concurrency int
	// QueryTimeout bounds each metric query.
	QueryTimeout time.Duration
	// Values, when set, receives every measured value labelled by metric.
	Values *prometheus.GaugeVec
}

func DefaultOptions() Options {
	return Options{Concurrency: 4, QueryTimeout: 10 * time.Second}
}

// Auditor runs the registered metrics.
type Auditor struct {
	db      *sql.DB
	opts    Options
	logger  logrus.FieldLogger
	tracer  trace.Tracer
	mu      sync.Mutex
	metrics []Metric
	last    *Report
}

// NewAuditor creates an auditor without metrics; see RegisterLedgerInvariants.
func NewAuditor(db *sql.DB, opts Options, logger logrus.FieldLogger) *Auditor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Auditor{
		db:     db,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("coopledger/audit"),
	}
}

// Register adds a metric to every subsequent run.
func (a *Auditor) Register(m Metric) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = append(a.metrics, m)
}

// Metrics returns the registered metrics.
func (a *Auditor) Metrics() []Metric {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Metric(nil), a.metrics...)
}

// Last returns the most recent report, or nil before the first run.
func (a *Auditor) Last() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Run measures every metric. Query failures become violations; Run itself
// only fails when ctx ends first.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.run")
	defer span.End()

	metrics := a.Metrics()
	report := Report{StartedAt: time.Now().UTC(), Values: make(map[string]float64, len(metrics))}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(a.opts.Concurrency)
	for _, m := range metrics {
		g.Go(func() error {
			value, err := a.measure(ctx, m)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Violations = append(report.Violations, violation(m, -1, err))
				return nil
			}
			report.Values[m.Name] = value
			if a.opts.Values != nil {
				a.opts.Values.WithLabelValues(m.Name).Set(value)
			}
			if !m.Threshold.Holds(value) {
				report.Violations = append(report.Violations, violation(m, value, nil))
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	sort.Slice(report.Violations, func(i, j int) bool { return report.Violations[i].Metric < report.Violations[j].Metric })
	report.FinishedAt = time.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	span.SetAttributes(
		attribute.Int("audit.metrics", len(metrics)),
		attribute.Int("audit.violations", len(report.Violations)),
		attribute.Bool("audit.healthy", report.Healthy()),
	)
	a.log(report)

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	return report, nil
}

func (a *Auditor) measure(ctx context.Context, m Metric) (float64, error) {
	if a.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.QueryTimeout)
		defer cancel()
	}
	return m.Query(ctx)
}

func (a *Auditor) log(report Report) {
	if len(report.Violations) == 0 {
		a.logger.WithFields(logrus.Fields{
			"metrics":  len(report.Values),
			"duration": report.Duration,
		}).Info("ledger audit passed")
		return
	}
	for _, v := range report.Violations {
		entry := a.logger.WithFields(logrus.Fields{
			"metric":   v.Metric,
			"expected": fmt.Sprintf("%s %g", v.Operator, v.Expected),
			"actual":   v.Actual,
		})
		if v.Error != "" {
			entry = entry.WithField("error", v.Error)
		}
		if v.Severity == SeverityCritical {
			entry.Error(v.Description)
		} else {
			entry.Warn(v.Description)
		}
	}
}

func violation(m Metric, actual float64, err error) Violation {
	v := Violation{
		Metric:      m.Name,
		Description: m.Description,
		Severity:    m.Severity,
		Operator:    m.Threshold.Operator,
		Expected:    m.Threshold.Value,
		Actual:      actual,
	}
	if err != nil {
		v.Error = err.Error()
	}
	return v
}

// ServeHTTP runs an audit and writes the report. Unhealthy reports are
// served with 503.
func (a *Auditor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, err := a.Run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}
