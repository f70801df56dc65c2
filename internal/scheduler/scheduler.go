// Package scheduler runs the periodic billing jobs: overdue reminders and
// the ledger audit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"coopledger/internal/audit"
	"coopledger/internal/httpapi"
	"coopledger/internal/payments"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Status is the outcome of a job's most recent run.
type Status struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Error    string    `json:"error,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}

type entry struct {
	job    Job
	id     cron.EntryID
	status Status

	// running is shared by scheduled and manual runs.
	running atomic.Bool
}

// Scheduler wraps a cron instance. A job never overlaps itself, whether it
// was started by its schedule or by RunNow, and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger logrus.FieldLogger
	runs   *prometheus.CounterVec

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a scheduler. runs may be nil; otherwise it is labelled by
// result and receives one increment per run.
func New(logger logrus.FieldLogger, runs *prometheus.CounterVec) *Scheduler {
	cl := cron.PrintfLogger(logger)
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		runs:   runs,
		jobs:   make(map[string]*entry),
	}
}

// Add registers job under its cron schedule.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	e := &entry{job: job, status: Status{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		_ = s.execute(context.Background(), e)
	})
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", job.Name, err)
	}
	e.id = id
	s.jobs[job.Name] = e
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.jobs)).Info("scheduler started")
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes the named job immediately, outside its schedule. It fails
// without running when the job is already in progress.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q: %w", name, errUnknownJob)
	}
	return s.execute(ctx, e)
}

// Statuses lists every job sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.status
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			st.Next = next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	log := s.logger.WithField("job", e.job.Name)
	if !e.running.CompareAndSwap(false, true) {
		log.Warn("job still running, skipped")
		return fmt.Errorf("job %q: %w", e.job.Name, errJobRunning)
	}
	defer e.running.Store(false)

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}
	log.Info("job started")

	start := time.Now()
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.status.LastRun = start
	e.status.Duration = elapsed.String()
	e.status.Error = ""
	if err != nil {
		e.status.Error = err.Error()
	}
	s.mu.Unlock()

	result := "success"
	if err != nil {
		result = "failure"
		log.WithError(err).WithField("duration", elapsed).Error("job failed")
	} else {
		log.WithField("duration", elapsed).Info("job finished")
	}
	if s.runs != nil {
		s.runs.WithLabelValues(result).Inc()
	}
	return err
}

var (
	errUnknownJob = errors.New("unknown job")
	errJobRunning = errors.New("already running")
)

// Routes exposes job status and manual triggers.
func (s *Scheduler) Routes(r chi.Router) {
	r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, s.Statuses())
	})
	r.Post("/jobs/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		s.mu.Lock()
		_, ok := s.jobs[name]
		s.mu.Unlock()
		if !ok {
			httpapi.WriteErrorStatus(w, http.StatusNotFound, fmt.Errorf("job %q: %w", name, errUnknownJob))
			return
		}
		if err := s.RunNow(r.Context(), name); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, errJobRunning) {
				status = http.StatusConflict
			}
			httpapi.WriteErrorStatus(w, status, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
	})
}

// Reminders is the slice of the billing service the reminder job needs.
type Reminders interface {
	SendOverdueReminders(ctx context.Context) (payments.ReminderReport, error)
}

// ReminderJob notifies every member with overdue payments.
func ReminderJob(schedule string, svc Reminders, logger logrus.FieldLogger) Job {
	return Job{
		Name:     "overdue-reminders",
		Schedule: schedule,
		Timeout:  10 * time.Minute,
		Run: func(ctx context.Context) error {
			report, err := svc.SendOverdueReminders(ctx)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"batch_id":   report.BatchID,
				"members":    report.Members,
				"payments":   report.Payments,
				"amount":     report.Amount.StringFixed(2),
				"dispatched": report.Dispatched,
				"skipped":    report.Skipped,
			}).Info("overdue reminders sent")
			return nil
		},
	}
}

// AuditJob evaluates the ledger invariants. Critical violations fail the run.
func AuditJob(schedule string, auditor *audit.Auditor) Job {
	return Job{
		Name:     "ledger-audit",
		Schedule: schedule,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			report, err := auditor.Run(ctx)
			if err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("ledger audit found %d violations", len(report.Violations))
			}
			return nil
		},
	}
}
