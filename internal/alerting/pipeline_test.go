package alerting_test

import (
	"context"
	"errors"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/carewatch/internal/alerting"
	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/internal/devicestate"
	"procodus.dev/carewatch/internal/geofence"
	"procodus.dev/carewatch/pkg/metrics"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		store    *devicestate.MemoryStore
		log      *alertlog.MemoryLog
		notifier *recordingNotifier
		resolver *geofence.Resolver
		t0       time.Time
		origin   geofence.Point
	)

	newPipeline := func(alertLog alertlog.Log, alertOnReturn bool, m *metrics.PipelineMetrics) *alerting.Pipeline {
		machine, err := alerting.NewMachine(&alerting.MachineConfig{
			Logger:         testLogger(),
			Store:          store,
			Areas:          resolver,
			FallThresholdG: 2.5,
			FallDebounce:   30 * time.Second,
			AlertOnReturn:  alertOnReturn,
		})
		Expect(err).NotTo(HaveOccurred())

		pipeline, err := alerting.NewPipeline(&alerting.PipelineConfig{
			Logger:        testLogger(),
			Machine:       machine,
			Log:           alertLog,
			Notifier:      notifier,
			AppendBackoff: time.Millisecond,
			Metrics:       m,
		})
		Expect(err).NotTo(HaveOccurred())
		return pipeline
	}

	at := func(distance float64, offset time.Duration) alerting.Telemetry {
		return alerting.Telemetry{
			DeviceID:   "A",
			Position:   geofence.Offset(origin, 90, distance),
			ObservedAt: t0.Add(offset),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = devicestate.NewMemoryStore()
		log = alertlog.NewMemoryLog(0)
		notifier = &recordingNotifier{}
		t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		origin = geofence.Point{}

		var err error
		resolver, err = geofence.NewResolver(geofence.ResolverConfig{
			Areas:         []geofence.Area{{ID: "home", Center: origin, RadiusMeters: 100}},
			DefaultAreaID: "home",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("geofence transitions", func() {
		It("should alert on departure and return but not on first contact", func() {
			pipeline := newPipeline(log, true, nil)

			outcome, err := pipeline.HandleTelemetry(ctx, at(50, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).To(BeNil())
			Expect(outcome.Reason).To(Equal(alerting.ReasonFirstContact))
			st, _, _ := store.Get(ctx, "A")
			Expect(st.Containment).To(Equal(geofence.Inside))

			outcome, err = pipeline.HandleTelemetry(ctx, at(150, time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())
			Expect(outcome.Alert.Kind).To(Equal(alertlog.LeftSafeZone))
			st, _, _ = store.Get(ctx, "A")
			Expect(st.Containment).To(Equal(geofence.Outside))

			outcome, err = pipeline.HandleTelemetry(ctx, at(60, 2*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())
			Expect(outcome.Alert.Kind).To(Equal(alertlog.ReturnedToSafeZone))

			events, err := alertlog.Collect(log.List(ctx))
			Expect(err).NotTo(HaveOccurred())
			Expect(kindsOf(events)).To(Equal([]alertlog.Kind{alertlog.LeftSafeZone, alertlog.ReturnedToSafeZone}))
			Expect(kindsOf(notifier.Events())).To(Equal(kindsOf(events)))
			Expect(notifier.Events()[0].ID).To(Equal(events[0].ID))
			Expect(events[0].Location).NotTo(BeNil())
		})

		It("should record every transition within one second", func() {
			pipeline := newPipeline(log, true, nil)

			for i, d := range []float64{50, 150, 50, 150} {
				_, err := pipeline.HandleTelemetry(ctx, at(d, time.Duration(i)*200*time.Millisecond))
				Expect(err).NotTo(HaveOccurred())
			}

			events, err := alertlog.Collect(log.List(ctx))
			Expect(err).NotTo(HaveOccurred())
			Expect(kindsOf(events)).To(Equal([]alertlog.Kind{
				alertlog.LeftSafeZone, alertlog.ReturnedToSafeZone, alertlog.LeftSafeZone,
			}))
			Expect(kindsOf(notifier.Events())).To(Equal(kindsOf(events)))
			st, _, _ := store.Get(ctx, "A")
			Expect(st.Containment).To(Equal(geofence.Outside))
		})

		It("should not re-alert for repeated pings in the same zone", func() {
			pipeline := newPipeline(log, true, nil)

			for i, d := range []float64{50, 150, 160, 170, 180} {
				_, err := pipeline.HandleTelemetry(ctx, at(d, time.Duration(i)*time.Minute))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(log.Len()).To(Equal(1))
		})

		It("should skip the return alert when disabled", func() {
			pipeline := newPipeline(log, false, nil)

			_, _ = pipeline.HandleTelemetry(ctx, at(50, 0))
			_, _ = pipeline.HandleTelemetry(ctx, at(150, time.Minute))
			outcome, err := pipeline.HandleTelemetry(ctx, at(60, 2*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Reason).To(Equal(alerting.ReasonReturnDisabled))
			Expect(log.Len()).To(Equal(1))

			outcome, err = pipeline.HandleTelemetry(ctx, at(150, 3*time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert.Kind).To(Equal(alertlog.LeftSafeZone))
		})

		It("should emit one alert per containment change for any sequence", func() {
			pipeline := newPipeline(log, true, nil)
			rng := rand.New(rand.NewSource(42))

			transitions := 0
			previous := geofence.Unknown
			for i := range 200 {
				distance := rng.Float64() * 200
				t := at(distance, time.Duration(i)*time.Second)
				current := geofence.Classify(geofence.Area{Center: origin, RadiusMeters: 100}, t.Position)
				if previous != geofence.Unknown && previous != current {
					transitions++
				}
				previous = current

				_, err := pipeline.HandleTelemetry(ctx, t)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(transitions).To(BeNumerically(">", 10))
			Expect(log.Len()).To(Equal(transitions))
		})

		It("should not alert after the device state was evicted", func() {
			pipeline := newPipeline(log, true, nil)

			_, _ = pipeline.HandleTelemetry(ctx, at(50, 0))
			_, err := store.Evict(ctx, t0.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())

			outcome, err := pipeline.HandleTelemetry(ctx, at(150, 2*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Reason).To(Equal(alerting.ReasonFirstContact))
			Expect(log.Len()).To(BeZero())
		})

		It("should update the position but never alert without a configured area", func() {
			var err error
			resolver, err = geofence.NewResolver(geofence.ResolverConfig{
				Areas: []geofence.Area{{ID: "home", Center: origin, RadiusMeters: 100}},
			})
			Expect(err).NotTo(HaveOccurred())
			pipeline := newPipeline(log, true, nil)

			outcome, err := pipeline.HandleTelemetry(ctx, at(50, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Reason).To(Equal(alerting.ReasonNoArea))

			_, err = pipeline.HandleTelemetry(ctx, at(5000, time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(log.Len()).To(BeZero())

			st, found, err := store.Get(ctx, "A")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(st.Containment).To(Equal(geofence.Unknown))
			Expect(geofence.Distance(origin, st.Position())).To(BeNumerically("~", 5000, 1e-6))
		})
	})

	Describe("fall detection", func() {
		fall := func(g float64, offset time.Duration) alerting.FallEvent {
			return alerting.FallEvent{DeviceID: "A", AccelerationG: g, ObservedAt: t0.Add(offset)}
		}

		It("should debounce falls within the window", func() {
			pipeline := newPipeline(log, true, nil)

			outcome, err := pipeline.HandleFall(ctx, fall(3.5, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())
			Expect(outcome.Alert.Kind).To(Equal(alertlog.FallDetected))

			outcome, err = pipeline.HandleFall(ctx, fall(4.0, 10*time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).To(BeNil())
			Expect(outcome.Reason).To(Equal(alerting.ReasonDebounced))
			st, _, _ := store.Get(ctx, "A")
			Expect(st.LastFallAlertAt.Equal(t0)).To(BeTrue())

			outcome, err = pipeline.HandleFall(ctx, fall(3.0, 40*time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())

			events, err := alertlog.Collect(log.List(ctx))
			Expect(err).NotTo(HaveOccurred())
			Expect(kindsOf(events)).To(Equal([]alertlog.Kind{alertlog.FallDetected, alertlog.FallDetected}))
			st, _, _ = store.Get(ctx, "A")
			Expect(st.LastFallAlertAt.Equal(t0.Add(40 * time.Second))).To(BeTrue())
		})

		It("should ignore events at or below the threshold", func() {
			pipeline := newPipeline(log, true, nil)

			outcome, err := pipeline.HandleFall(ctx, fall(2.5, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Reason).To(Equal(alerting.ReasonBelowThreshold))
			Expect(log.Len()).To(BeZero())
		})

		It("should attach the last known position", func() {
			pipeline := newPipeline(log, true, nil)

			_, _ = pipeline.HandleTelemetry(ctx, at(20, 0))
			outcome, err := pipeline.HandleFall(ctx, fall(5, time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert.Location).NotTo(BeNil())
			Expect(geofence.Distance(origin, *outcome.Alert.Location)).To(BeNumerically("~", 20, 1e-6))
		})

		It("should debounce falls per device", func() {
			pipeline := newPipeline(log, true, nil)

			_, _ = pipeline.HandleFall(ctx, fall(3.5, 0))
			other := fall(3.5, time.Second)
			other.DeviceID = "B"
			outcome, err := pipeline.HandleFall(ctx, other)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())
		})
	})

	Describe("alert log failures", func() {
		It("should retry a failing append and succeed", func() {
			flaky := &flakyLog{Log: log, failures: 2, err: errors.New("db unavailable")}
			reg := prometheus.NewRegistry()
			m := metrics.NewPipelineMetricsWith(reg, "test")
			pipeline := newPipeline(flaky, true, m)

			outcome, err := pipeline.HandleFall(ctx, alerting.FallEvent{DeviceID: "A", AccelerationG: 9, ObservedAt: t0})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())
			Expect(flaky.Calls()).To(Equal(3))
			Expect(testutil.ToFloat64(m.AppendRetries)).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.AlertsEmitted.WithLabelValues("fall_detected"))).To(Equal(1.0))
		})

		It("should report a fatal error after exhausting retries and keep state re-evaluable", func() {
			flaky := &flakyLog{Log: log, failures: 3, err: errors.New("db unavailable")}
			pipeline := newPipeline(flaky, true, nil)

			_, err := pipeline.HandleTelemetry(ctx, at(50, 0))
			Expect(err).NotTo(HaveOccurred())

			_, err = pipeline.HandleTelemetry(ctx, at(150, time.Minute))
			Expect(errors.Is(err, alerting.ErrAlertNotRecorded)).To(BeTrue())
			Expect(notifier.Events()).To(BeEmpty())

			st, _, _ := store.Get(ctx, "A")
			Expect(st.Containment).To(Equal(geofence.Inside))

			outcome, err := pipeline.HandleTelemetry(ctx, at(150, time.Minute))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert.Kind).To(Equal(alertlog.LeftSafeZone))
		})

		It("should not mark the fall debounce when the alert was not recorded", func() {
			flaky := &flakyLog{Log: log, failures: 3, err: errors.New("db unavailable")}
			pipeline := newPipeline(flaky, true, nil)

			_, err := pipeline.HandleFall(ctx, alerting.FallEvent{DeviceID: "A", AccelerationG: 9, ObservedAt: t0})
			Expect(errors.Is(err, alerting.ErrAlertNotRecorded)).To(BeTrue())

			st, _, _ := store.Get(ctx, "A")
			Expect(st.LastFallAlertAt).To(BeNil())
		})

		It("should keep the alert when the notifier rejects it", func() {
			notifier.reject = true
			pipeline := newPipeline(log, true, nil)

			outcome, err := pipeline.HandleFall(ctx, alerting.FallEvent{DeviceID: "A", AccelerationG: 9, ObservedAt: t0})
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Alert).NotTo(BeNil())
			Expect(log.Len()).To(Equal(1))
		})
	})

	Describe("NewPipeline", func() {
		It("should return error when config is nil", func() {
			p, err := alerting.NewPipeline(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(p).To(BeNil())
		})

		It("should require a notifier", func() {
			machine, err := alerting.NewMachine(&alerting.MachineConfig{
				Logger: testLogger(), Store: store, Areas: resolver, FallThresholdG: 2.5,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = alerting.NewPipeline(&alerting.PipelineConfig{Logger: testLogger(), Machine: machine, Log: log})
			Expect(err).To(MatchError(ContainSubstring("notifier")))
		})
	})

	Describe("NewMachine", func() {
		It("should reject a non-positive threshold", func() {
			_, err := alerting.NewMachine(&alerting.MachineConfig{Logger: testLogger(), Store: store, Areas: resolver})
			Expect(err).To(MatchError(ContainSubstring("threshold")))
		})
	})
})
