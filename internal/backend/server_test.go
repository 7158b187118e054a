package backend_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/carewatch/internal/alerting"
	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/internal/backend"
	"procodus.dev/carewatch/internal/geofence"
	"procodus.dev/carewatch/internal/ingest"
	"procodus.dev/carewatch/pkg/alertpb"
)

// chanSource delivers messages pushed on a channel.
type chanSource struct {
	msgs   chan ingest.Message
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newChanSource() *chanSource {
	return &chanSource{msgs: make(chan ingest.Message, 16), done: make(chan struct{})}
}

func (s *chanSource) Start(ctx context.Context, deliver func(ingest.Message)) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case m := <-s.msgs:
				deliver(m)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *chanSource) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *chanSource) Stopped() <-chan struct{} { return s.done }

func (s *chanSource) Close() error {
	s.Stop()
	s.closed.Store(true)
	return nil
}

// gatedLog holds every Append until release is closed.
type gatedLog struct {
	alertlog.Log
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedLog) Append(ctx context.Context, e alertlog.Event) (uint64, error) {
	l.once.Do(func() { close(l.entered) })
	select {
	case <-l.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return l.Log.Append(ctx, e)
}

// acks records the outcome of each message.
type acks struct {
	mu     sync.Mutex
	acked  int
	nacked []bool
}

func (a *acks) message(topic, payload string) ingest.Message {
	return ingest.Message{
		Topic:   topic,
		Payload: []byte(payload),
		Ack: func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.acked++
		},
		Nack: func(requeue bool) {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.nacked = append(a.nacked, requeue)
		},
	}
}

func (a *acks) Acked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

func (a *acks) Nacked() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.nacked...)
}

// recordingSender keeps every notification text.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendMessage(_ context.Context, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

var _ = Describe("Server", func() {
	home := geofence.Point{Latitude: -23.5505, Longitude: -46.6333}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	telemetry := func(device string, meters float64, at time.Time) string {
		p := geofence.Offset(home, 90, meters)
		return fmt.Sprintf(`{"deviceId":%q,"latitude":%f,"longitude":%f,"observedAt":%d}`,
			device, p.Latitude, p.Longitude, at.Unix())
	}

	var (
		source *chanSource
		sender *recordingSender
		acker  *acks
	)

	validConfig := func() *backend.ServerConfig {
		return &backend.ServerConfig{
			Logger:  testLogger(),
			Sources: []ingest.Source{source},
			Geofence: geofence.ResolverConfig{
				Areas:         []geofence.Area{{ID: "home", Center: home, RadiusMeters: 100}},
				DefaultAreaID: "home",
			},
			AlertOnReturn:   true,
			Sender:          sender,
			Shards:          4,
			ShutdownTimeout: 2 * time.Second,
		}
	}

	BeforeEach(func() {
		source = newChanSource()
		sender = &recordingSender{}
		acker = &acks{}
	})

	Describe("NewServer", func() {
		It("should create a server", func() {
			server, err := backend.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		DescribeTable("invalid configuration",
			func(mutate func(*backend.ServerConfig), msg string) {
				cfg := validConfig()
				mutate(cfg)
				server, err := backend.NewServer(cfg)
				Expect(err).To(MatchError(ContainSubstring(msg)))
				Expect(server).To(BeNil())
			},
			Entry("nil logger", func(c *backend.ServerConfig) { c.Logger = nil }, "logger"),
			Entry("no sources", func(c *backend.ServerConfig) { c.Sources = nil }, "ingest source"),
			Entry("amqp without queue", func(c *backend.ServerConfig) {
				c.RabbitMQURL = "amqp://localhost:5672"
			}, "queue name"),
			Entry("database without host", func(c *backend.ServerConfig) {
				c.DB = &backend.DBConfig{Port: 5432, User: "u", DBName: "d"}
			}, "database host"),
			Entry("database without port", func(c *backend.ServerConfig) {
				c.DB = &backend.DBConfig{Host: "h", User: "u", DBName: "d"}
			}, "database port"),
			Entry("negative grpc port", func(c *backend.ServerConfig) { c.GRPCPort = -1 }, "gRPC port"),
			Entry("negative debounce", func(c *backend.ServerConfig) { c.FallDebounce = -time.Second }, "negative"),
		)

		It("should reject an invalid geofence when run", func() {
			cfg := validConfig()
			cfg.Geofence.Areas[0].RadiusMeters = 0

			server, err := backend.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Run(context.Background())).To(MatchError(ContainSubstring("geofence")))
		})
	})

	Describe("Run", func() {
		It("should alert on zone transitions, notify and list the alerts over gRPC", func() {
			server, err := backend.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()
			Eventually(server.Ready()).Should(BeClosed())

			source.msgs <- acker.message(ingest.TopicTelemetry, telemetry("watch-1", 50, start))
			source.msgs <- acker.message(ingest.TopicTelemetry, telemetry("watch-1", 150, start.Add(time.Minute)))
			source.msgs <- acker.message(ingest.TopicTelemetry, telemetry("watch-1", 60, start.Add(2*time.Minute)))
			source.msgs <- acker.message(ingest.TopicTelemetry, `not json`)

			Eventually(acker.Acked).Should(Equal(4))
			Eventually(sender.Sent).Should(HaveLen(2))

			port := server.GRPCAddr().(*net.TCPAddr).Port
			conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			resp, err := alertpb.NewAlertServiceClient(conn).ListAlerts(ctx, &alertpb.ListAlertsRequest{DeviceID: "watch-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Alerts).To(HaveLen(2))
			Expect(resp.Alerts[0].Kind).To(Equal(string(alertlog.LeftSafeZone)))
			Expect(resp.Alerts[1].Kind).To(Equal(string(alertlog.ReturnedToSafeZone)))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should acknowledge in-flight messages before closing the sources", func() {
			gated := &gatedLog{
				Log:     alertlog.NewMemoryLog(0),
				entered: make(chan struct{}),
				release: make(chan struct{}),
			}
			cfg := validConfig()
			cfg.AlertLog = gated

			server, err := backend.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()
			Eventually(server.Ready()).Should(BeClosed())

			var closedAtAck atomic.Bool
			departure := acker.message(ingest.TopicTelemetry, telemetry("watch-3", 150, start.Add(time.Minute)))
			ack := departure.Ack
			departure.Ack = func() {
				closedAtAck.Store(source.closed.Load())
				ack()
			}

			source.msgs <- acker.message(ingest.TopicTelemetry, telemetry("watch-3", 50, start))
			source.msgs <- departure
			Eventually(gated.entered).Should(BeClosed())

			cancel()
			Eventually(source.Stopped()).Should(BeClosed())
			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
			close(gated.release)

			Eventually(done).Should(Receive(BeNil()))
			Expect(acker.Acked()).To(Equal(2))
			Expect(acker.Nacked()).To(BeEmpty())
			Expect(closedAtAck.Load()).To(BeFalse())
			Expect(source.closed.Load()).To(BeTrue())
		})

		It("should halt and report when alerts cannot be recorded", func() {
			cfg := validConfig()
			cfg.AlertLog = brokenLog{err: errors.New("disk full")}

			server, err := backend.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() { done <- server.Run(context.Background()) }()
			Eventually(server.Ready()).Should(BeClosed())

			source.msgs <- acker.message(ingest.TopicTelemetry, telemetry("watch-2", 50, start))
			source.msgs <- acker.message(ingest.TopicTelemetry, telemetry("watch-2", 150, start.Add(time.Minute)))

			var runErr error
			Eventually(done, 5*time.Second).Should(Receive(&runErr))
			Expect(runErr).To(MatchError(alerting.ErrAlertNotRecorded))
			Expect(acker.Acked()).To(Equal(1))
			Expect(acker.Nacked()).To(Equal([]bool{true}))
			Expect(sender.Sent()).To(BeEmpty())
		})
	})
})
