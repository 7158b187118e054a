// Package producer runs simulated wearers and publishes their readings to
// the broker the ingest gateway consumes from.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/carewatch/internal/ingest"
	"procodus.dev/carewatch/pkg/generator"
	"procodus.dev/carewatch/pkg/metrics"
)

// Producer owns a group of wearers and publishes one step for each per tick.
type Producer struct {
	publisher Publisher
	gen       *generator.Generator
	metrics   *metrics.SimulatorMetrics

	// Wearers are the simulated devices.
	Wearers []*generator.Wearer
}

// NewProducer creates wearerCount wearers from gen.
func NewProducer(publisher Publisher, gen *generator.Generator, wearerCount int) (*Producer, error) {
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if gen == nil {
		return nil, errors.New("generator cannot be nil")
	}
	if wearerCount <= 0 {
		return nil, errors.New("wearer count must be greater than 0")
	}

	p := &Producer{
		publisher: publisher,
		gen:       gen,
		Wearers:   make([]*generator.Wearer, 0, wearerCount),
	}

	for range wearerCount {
		w, err := gen.NewWearer()
		if err != nil {
			return nil, err
		}
		p.Wearers = append(p.Wearers, w)
	}

	return p, nil
}

// SetMetrics sets the metrics collector for this producer.
func (p *Producer) SetMetrics(m *metrics.SimulatorMetrics) {
	p.metrics = m
}

// Tick advances every wearer by one step, publishing its position and any
// impact reading. Publishing continues past failures; all errors are returned
// joined.
func (p *Producer) Tick(ctx context.Context, now time.Time) error {
	var errs []error

	for _, w := range p.Wearers {
		if err := p.publish(ctx, ingest.TopicTelemetry, p.gen.Step(w, now)); err != nil {
			errs = append(errs, err)
		}

		fall, ok := p.gen.Impact(w, now)
		if !ok {
			continue
		}
		if p.metrics != nil && p.gen.IsFall(fall) {
			p.metrics.FallsSimulated.Inc()
		}
		if err := p.publish(ctx, ingest.TopicFall, fall); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Producer) publish(ctx context.Context, topic string, v any) error {
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.PublishDuration.WithLabelValues(topic))
		defer timer.ObserveDuration()
	}

	message, err := json.Marshal(v)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(topic, "marshal_error").Inc()
		}
		return err
	}

	if err := p.publisher.Publish(ctx, topic, message); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues(topic, "publish_error").Inc()
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.MessagesPublished.WithLabelValues(topic).Inc()
	}

	return nil
}
