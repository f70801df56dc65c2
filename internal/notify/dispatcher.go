// Package notify delivers notification events asynchronously. Callers enqueue
// and move on; delivery failures are retried and logged but never reach the
// operation that produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrPermanent marks a delivery error that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Message is one queued notification. Messages enqueued under the same batch
// context share a BatchID, so a listing can group them without guessing.
type Message struct {
	ID        uuid.UUID         `json:"id"`
	BatchID   uuid.UUID         `json:"batch_id"`
	Event     string            `json:"event"`
	Recipient billing.Recipient `json:"recipient"`
	Data      map[string]any    `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sender performs the actual delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type batchKey struct{}

// WithBatch tags every event enqueued with ctx with batchID.
func WithBatch(ctx context.Context, batchID uuid.UUID) context.Context {
	return context.WithValue(ctx, batchKey{}, batchID)
}

// BatchFrom returns the batch id carried by ctx.
func BatchFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(batchKey{}).(uuid.UUID)
	return id, ok
}

// Options configures a Dispatcher.
type Options struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Retry       RetryConfig
	Outcomes    *prometheus.CounterVec
}

// Dispatcher is a bounded outbox drained by a pool of workers.
type Dispatcher struct {
	sender  Sender
	policy  *RetryPolicy
	timeout time.Duration
	logger  logrus.FieldLogger
	metrics *prometheus.CounterVec

	queue  chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts opts.Workers workers.
func NewDispatcher(sender Sender, opts Options, logger logrus.FieldLogger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:  sender,
		policy:  NewRetryPolicy(opts.Retry),
		timeout: opts.SendTimeout,
		logger:  logger,
		metrics: opts.Outcomes,
		queue:   make(chan Message, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.worker(id)
		}(i)
	}
	return d
}

// SendEvent enqueues an event. It returns false when the dispatcher is closed
// or its queue is full; it never blocks on delivery.
func (d *Dispatcher) SendEvent(ctx context.Context, event string, recipient billing.Recipient, data map[string]any) bool {
	msg := Message{
		ID:        uuid.New(),
		Event:     event,
		Recipient: recipient,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if batchID, ok := BatchFrom(ctx); ok {
		msg.BatchID = batchID
	} else {
		msg.BatchID = msg.ID
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.observe("rejected")
		return false
	}
	select {
	case d.queue <- msg:
		d.observe("queued")
		return true
	default:
		d.observe("dropped")
		d.logger.WithFields(logrus.Fields{"event": event, "member_id": recipient.MemberID}).Warn("notification queue full")
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("notification dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker(id int) {
	for msg := range d.queue {
		d.deliver(id, msg)
	}
}

func (d *Dispatcher) deliver(worker int, msg Message) {
	log := d.logger.WithFields(logrus.Fields{
		"event":           msg.Event,
		"notification_id": msg.ID,
		"batch_id":        msg.BatchID,
		"member_id":       msg.Recipient.MemberID,
	})
	defer func() {
		if r := recover(); r != nil {
			d.observe("panic")
			log.WithField("worker", worker).Errorf("panic delivering notification: %v\n%s", r, debug.Stack())
		}
	}()

	for attempt := 1; ; attempt++ {
		err := d.attempt(msg)
		if err == nil {
			d.observe("delivered")
			return
		}
		if !d.policy.ShouldRetry(attempt, err) {
			d.observe("failed")
			log.WithError(err).WithField("attempts", attempt).Error("notification delivery failed")
			return
		}

		delay := d.policy.NextRetryDelay(attempt)
		log.WithError(err).WithField("retry_in", delay).Debug("notification delivery failed, retrying")
		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
			d.observe("abandoned")
			log.Warn("notification abandoned on shutdown")
			return
		}
	}
}

func (d *Dispatcher) attempt(msg Message) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	return d.sender.Send(ctx, msg)
}

func (d *Dispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.WithLabelValues(outcome).Inc()
	}
}

// LogSender writes notifications to the log instead of delivering them. It
// stands in when no notification service is configured.
type LogSender struct {
	Logger logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.WithFields(logrus.Fields{
		"event":     msg.Event,
		"batch_id":  msg.BatchID,
		"member_id": msg.Recipient.MemberID,
		"email":     msg.Recipient.Email,
	}).Info("notification")
	return nil
}
