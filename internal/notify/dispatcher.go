package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/pkg/metrics"
)

// Admission is the policy applied when the job queue is full.
type Admission string

const (
	// AdmitBlock waits up to the admission timeout for a free slot, then rejects.
	AdmitBlock Admission = "block"
	// AdmitDropOldest fails the oldest queued job to make room.
	AdmitDropOldest Admission = "drop-oldest"
)

// ParseAdmission converts a configuration value to an Admission.
func ParseAdmission(s string) (Admission, error) {
	switch Admission(s) {
	case AdmitBlock, AdmitDropOldest:
		return Admission(s), nil
	case "":
		return AdmitBlock, nil
	default:
		return "", fmt.Errorf("unknown admission policy %q", s)
	}
}

// ErrQueueClosed is returned by Start after Shutdown.
var ErrQueueClosed = errors.New("notification queue closed")

const (
	defaultWorkers          = 4
	defaultQueueSize        = 256
	defaultMaxAttempts      = 3
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultSendTimeout      = 10 * time.Second
	defaultAdmissionTimeout = 100 * time.Millisecond
	defaultStoreTimeout     = 2 * time.Second
)

// DispatcherConfig holds the configuration for Dispatcher.
type DispatcherConfig struct {
	Logger *slog.Logger
	Sender Sender
	// Jobs defaults to a MemoryJobStore.
	Jobs      JobStore
	Recipient string
	Admission Admission
	// Format defaults to FormatMessage.
	Format           func(alertlog.Event) string
	Workers          int
	QueueSize        int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	SendTimeout      time.Duration
	AdmissionTimeout time.Duration
	StoreTimeout     time.Duration
	// Metrics is optional.
	Metrics *metrics.PipelineMetrics
}

// Dispatcher delivers alerts with a fixed worker pool fed by a bounded queue.
type Dispatcher struct {
	logger           *slog.Logger
	sender           Sender
	jobs             JobStore
	format           func(alertlog.Event) string
	metrics          *metrics.PipelineMetrics
	queue            chan Job
	ctx              context.Context
	cancel           context.CancelFunc
	recipient        string
	admission        Admission
	wg               sync.WaitGroup
	admit            sync.Mutex
	workers          int
	maxAttempts      int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	sendTimeout      time.Duration
	admissionTimeout time.Duration
	storeTimeout     time.Duration
	started          bool
	closed           bool
}

// NewDispatcher creates a new Dispatcher. Call Start to run the workers.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Sender == nil {
		return nil, errors.New("sender cannot be nil")
	}

	admission, err := ParseAdmission(string(cfg.Admission))
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		logger:           cfg.Logger,
		sender:           cfg.Sender,
		jobs:             cfg.Jobs,
		format:           cfg.Format,
		metrics:          cfg.Metrics,
		recipient:        cfg.Recipient,
		admission:        admission,
		workers:          orDefault(cfg.Workers, defaultWorkers),
		maxAttempts:      orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		baseBackoff:      orDefault(cfg.BaseBackoff, defaultBaseBackoff),
		maxBackoff:       orDefault(cfg.MaxBackoff, defaultMaxBackoff),
		sendTimeout:      orDefault(cfg.SendTimeout, defaultSendTimeout),
		admissionTimeout: orDefault(cfg.AdmissionTimeout, defaultAdmissionTimeout),
		storeTimeout:     orDefault(cfg.StoreTimeout, defaultStoreTimeout),
	}

	if d.jobs == nil {
		d.jobs = NewMemoryJobStore()
	}
	if d.format == nil {
		d.format = FormatMessage
	}
	if d.maxBackoff < d.baseBackoff {
		d.maxBackoff = d.baseBackoff
	}

	d.queue = make(chan Job, orDefault(cfg.QueueSize, defaultQueueSize))
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Start launches the worker pool. Cancelling ctx does not stop the workers;
// use Shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.admit.Lock()
	defer d.admit.Unlock()

	if d.closed {
		return ErrQueueClosed
	}
	if d.started {
		return errors.New("dispatcher already started")
	}

	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.started = true

	for i := range d.workers {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("notification dispatcher started",
		"workers", d.workers,
		"queue_size", cap(d.queue),
		"admission", d.admission,
	)
	return nil
}

// Enqueue hands an alert to the dispatcher and reports whether it was accepted.
// It never blocks longer than the store timeout plus the admission timeout.
// The job record is written before the admission lock is taken, so a slow
// JobStore does not serialize callers from other shards.
func (d *Dispatcher) Enqueue(e alertlog.Event) bool {
	log := d.logger.With("alert_id", e.ID, "device_id", e.DeviceID, "kind", e.Kind)

	if d.isClosed() {
		log.Warn("notification rejected", "reason", "closed")
		d.rejected("closed")
		return false
	}

	job := Job{Event: e, Status: StatusPending}

	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	created, err := d.jobs.Create(ctx, job)
	cancel()
	if err != nil {
		log.Warn("failed to record notification job", "error", err)
	} else if !created {
		log.Debug("notification job already exists")
		return true
	}

	d.admit.Lock()
	defer d.admit.Unlock()

	if d.closed {
		log.Warn("notification rejected", "reason", "closed")
		d.rejected("closed")
		d.finish(job, StatusFailed, "rejected: dispatcher closed")
		return false
	}

	switch d.admission {
	case AdmitDropOldest:
		d.admitDropOldest(job)
	default:
		if !d.admitBlock(job) {
			log.Warn("notification rejected", "reason", "timeout", "queue_size", cap(d.queue))
			d.rejected("timeout")
			d.finish(job, StatusFailed, "admission timeout: queue full")
			return false
		}
	}

	d.observeDepth()
	return true
}

func (d *Dispatcher) isClosed() bool {
	d.admit.Lock()
	defer d.admit.Unlock()
	return d.closed
}

func (d *Dispatcher) admitBlock(job Job) bool {
	select {
	case d.queue <- job:
		return true
	default:
	}

	timer := time.NewTimer(d.admissionTimeout)
	defer timer.Stop()

	select {
	case d.queue <- job:
		return true
	case <-timer.C:
		return false
	}
}

// admitDropOldest relies on the admission lock: only workers drain the queue
// concurrently, so the loop terminates.
func (d *Dispatcher) admitDropOldest(job Job) {
	for {
		select {
		case d.queue <- job:
			return
		default:
		}

		select {
		case oldest := <-d.queue:
			d.logger.Warn("notification dropped",
				"reason", "dropped_oldest",
				"alert_id", oldest.AlertEventID(),
				"device_id", oldest.Event.DeviceID,
			)
			d.rejected("dropped_oldest")
			d.finish(oldest, StatusFailed, "dropped: queue full")
		default:
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for job := range d.queue {
		d.observeDepth()
		d.deliver(job)
	}

	d.logger.Debug("notification worker stopped", "worker", id)
}

func (d *Dispatcher) deliver(job Job) {
	log := d.logger.With(
		"alert_id", job.AlertEventID(),
		"device_id", job.Event.DeviceID,
		"kind", job.Event.Kind,
	)
	text := d.format(job.Event)

	for {
		if d.ctx.Err() != nil {
			log.Warn("notification abandoned", "attempt", job.Attempt, "reason", "shutdown")
			d.finish(job, StatusFailed, "abandoned at shutdown")
			return
		}

		job.Attempt++
		err := d.send(text)
		if err == nil {
			d.attempted("success")
			log.Info("notification sent", "attempt", job.Attempt)
			d.finish(job, StatusSent, "")
			return
		}

		d.attempted("error")
		job.LastError = err.Error()

		if job.Attempt >= d.maxAttempts {
			log.Error("notification failed, alert remains in log",
				"attempts", job.Attempt,
				"error", err,
			)
			d.finish(job, StatusFailed, "")
			return
		}

		delay := d.backoff(job.Attempt)
		job.NextRetryAt = time.Now().Add(delay)
		d.update(job)

		log.Warn("notification attempt failed",
			"attempt", job.Attempt,
			"max_attempts", d.maxAttempts,
			"retry_in", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-d.ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) send(text string) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()
	return d.sender.SendMessage(ctx, d.recipient, text)
}

// backoff returns the delay after the given failed attempt.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return min(delay, d.maxBackoff)
}

func (d *Dispatcher) finish(job Job, status Status, reason string) {
	job.Status = status
	job.NextRetryAt = time.Time{}
	if reason != "" {
		job.LastError = reason
	}
	if status == StatusSent {
		job.LastError = ""
	}

	d.update(job)

	if d.metrics != nil {
		d.metrics.DispatchJobs.WithLabelValues(string(status)).Inc()
	}
}

func (d *Dispatcher) update(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	defer cancel()

	if err := d.jobs.Update(ctx, job); err != nil {
		d.logger.Warn("failed to record notification job",
			"alert_id", job.AlertEventID(),
			"status", job.Status,
			"error", err,
		)
	}
}

// Shutdown stops accepting jobs and waits for the workers until ctx is done.
// Jobs still queued or retrying at that point are marked Failed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.admit.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	started := d.started
	d.admit.Unlock()

	if !started {
		d.cancel()
		for job := range d.queue {
			d.finish(job, StatusFailed, "abandoned at shutdown")
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("notification dispatcher stopped before draining", "error", ctx.Err())
		return fmt.Errorf("notification dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) rejected(reason string) {
	if d.metrics != nil {
		d.metrics.EnqueueRejected.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) attempted(status string) {
	if d.metrics != nil {
		d.metrics.DispatchAttempts.WithLabelValues(status).Inc()
	}
}

func (d *Dispatcher) observeDepth() {
	if d.metrics != nil {
		d.metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
	}
}
