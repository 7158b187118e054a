package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/pkg/metrics"
)

// ErrAlertNotRecorded means an alert could not be appended to the alert log
// after all local retries. Processing must stop: the audit trail is incomplete.
var ErrAlertNotRecorded = errors.New("alert not recorded")

const (
	defaultAppendAttempts = 3
	defaultAppendBackoff  = 100 * time.Millisecond
)

// Notifier accepts recorded alerts for asynchronous delivery. Enqueue must not
// block beyond its own admission policy and reports whether the job was accepted.
type Notifier interface {
	Enqueue(e alertlog.Event) bool
}

// PipelineConfig holds the configuration for Pipeline.
type PipelineConfig struct {
	Logger   *slog.Logger
	Machine  *Machine
	Log      alertlog.Log
	Notifier Notifier
	// AppendAttempts bounds the local retries of a failing append.
	AppendAttempts int
	// AppendBackoff is the delay before the first retry; it doubles per attempt.
	AppendBackoff time.Duration
	// Metrics is optional.
	Metrics *metrics.PipelineMetrics
}

// Pipeline connects evaluation, the alert log and notification dispatch.
// The log append is synchronous and is the durability boundary; the
// notification is handed off after the append succeeds and never fails the
// evaluation.
type Pipeline struct {
	logger   *slog.Logger
	machine  *Machine
	log      alertlog.Log
	notifier Notifier
	attempts int
	backoff  time.Duration
	metrics  *metrics.PipelineMetrics
}

// NewPipeline creates a new Pipeline instance.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Machine == nil {
		return nil, errors.New("machine cannot be nil")
	}

	if cfg.Log == nil {
		return nil, errors.New("alert log cannot be nil")
	}

	if cfg.Notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}

	attempts := cfg.AppendAttempts
	if attempts <= 0 {
		attempts = defaultAppendAttempts
	}

	backoff := cfg.AppendBackoff
	if backoff <= 0 {
		backoff = defaultAppendBackoff
	}

	return &Pipeline{
		logger:   cfg.Logger,
		machine:  cfg.Machine,
		log:      cfg.Log,
		notifier: cfg.Notifier,
		attempts: attempts,
		backoff:  backoff,
		metrics:  cfg.Metrics,
	}, nil
}

// HandleTelemetry evaluates a position report.
func (p *Pipeline) HandleTelemetry(ctx context.Context, t Telemetry) (Outcome, error) {
	outcome, err := p.machine.EvaluatePosition(ctx, t, p.record)
	p.observe(outcome, err)
	return outcome, err
}

// HandleFall evaluates a fall event.
func (p *Pipeline) HandleFall(ctx context.Context, f FallEvent) (Outcome, error) {
	outcome, err := p.machine.EvaluateFall(ctx, f, p.record)
	p.observe(outcome, err)
	return outcome, err
}

func (p *Pipeline) observe(outcome Outcome, err error) {
	if p.metrics == nil || err != nil {
		return
	}
	if outcome.Alert != nil {
		p.metrics.AlertsEmitted.WithLabelValues(string(outcome.Alert.Kind)).Inc()
		return
	}
	if outcome.Reason != ReasonNone {
		p.metrics.EvaluationsSuppressed.WithLabelValues(string(outcome.Reason)).Inc()
	}
}

// record appends e with bounded retries and then hands it to the notifier.
func (p *Pipeline) record(ctx context.Context, e alertlog.Event) (alertlog.Event, error) {
	backoff := p.backoff

	var lastErr error
retry:
	for attempt := 1; attempt <= p.attempts; attempt++ {
		id, err := p.log.Append(ctx, e)
		if err == nil {
			e.ID = id
			if !p.notifier.Enqueue(e) {
				p.logger.Warn("notification not enqueued, alert remains in log",
					"alert_id", id,
					"device_id", e.DeviceID,
					"kind", e.Kind,
				)
			}
			return e, nil
		}

		if errors.Is(err, alertlog.ErrInvalidEvent) {
			return alertlog.Event{}, fmt.Errorf("%w: %w", ErrAlertNotRecorded, err)
		}

		lastErr = err
		p.logger.Error("alert log append failed",
			"device_id", e.DeviceID,
			"kind", e.Kind,
			"attempt", attempt,
			"max_attempts", p.attempts,
			"error", err,
		)

		if attempt == p.attempts {
			break
		}

		if p.metrics != nil {
			p.metrics.AppendRetries.Inc()
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	if p.metrics != nil {
		p.metrics.AppendFailures.Inc()
	}

	return alertlog.Event{}, fmt.Errorf("%w: %s for %s: %w", ErrAlertNotRecorded, e.Kind, e.DeviceID, lastErr)
}
