package ingest_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/carewatch/internal/ingest"
	"procodus.dev/carewatch/pkg/mq"
	"procodus.dev/carewatch/pkg/mq/mock"
)

// fakeAcknowledger records AMQP acknowledgements by delivery tag.
type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked map[uint64]bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nacked == nil {
		a.nacked = make(map[uint64]bool)
	}
	a.nacked[tag] = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) Acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

// collector gathers delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []ingest.Message
}

func (c *collector) deliver(m ingest.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) Messages() []ingest.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ingest.Message(nil), c.msgs...)
}

var _ = Describe("Topic keys", func() {
	It("should map MQTT topics to routing keys and back", func() {
		Expect(ingest.TopicKey(ingest.TopicFall)).To(Equal("device.fall-event"))
		Expect(ingest.KeyTopic("device.telemetry")).To(Equal(ingest.TopicTelemetry))
		Expect(ingest.BindingKeys).To(ConsistOf("device.telemetry", "device.fall-event"))
	})
})

var _ = Describe("AMQPSource", func() {
	var (
		client *mock.MockClient
		ack    *fakeAcknowledger
		sink   *collector
	)

	BeforeEach(func() {
		client = mock.NewMockClient()
		ack = &fakeAcknowledger{}
		sink = &collector{}
	})

	It("should require a client", func() {
		s, err := ingest.NewAMQPSource(nil, testLogger())
		Expect(err).To(MatchError(ContainSubstring("mq client")))
		Expect(s).To(BeNil())
	})

	It("should deliver messages with their topic and acknowledgement", func() {
		deliveries := make(chan amqp.Delivery, 2)
		client.ConsumeChannel = deliveries

		s, err := ingest.NewAMQPSource(client, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Start(context.Background(), sink.deliver)).To(Succeed())
		DeferCleanup(s.Close)

		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: "device.telemetry", Body: []byte(`{"a":1}`)}
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, RoutingKey: "device.fall-event", Body: []byte(`{"b":2}`)}

		Eventually(sink.Messages).Should(HaveLen(2))
		msgs := sink.Messages()
		Expect(msgs[0].Topic).To(Equal(ingest.TopicTelemetry))
		Expect(msgs[1].Topic).To(Equal(ingest.TopicFall))
		Expect(string(msgs[1].Payload)).To(Equal(`{"b":2}`))

		msgs[0].Ack()
		msgs[1].Nack(true)
		Expect(ack.Acked()).To(Equal([]uint64{1}))
		Expect(ack.nacked).To(HaveKeyWithValue(uint64(2), true))
	})

	It("should keep retrying while disconnected and re-subscribe after the channel closes", func() {
		var (
			mu    sync.Mutex
			calls int
		)
		second := make(chan amqp.Delivery, 1)
		client.ConsumeFunc = func() (<-chan amqp.Delivery, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			switch calls {
			case 1:
				return nil, mq.ErrNotConnected
			case 2:
				closed := make(chan amqp.Delivery)
				close(closed)
				return closed, nil
			default:
				return second, nil
			}
		}

		s, err := ingest.NewAMQPSource(client, testLogger())
		Expect(err).NotTo(HaveOccurred())
		s.SetRetryDelay(5 * time.Millisecond)
		Expect(s.Start(context.Background(), sink.deliver)).To(Succeed())

		second <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, RoutingKey: "device.telemetry"}
		Eventually(sink.Messages).Should(HaveLen(1))
		Expect(client.Consumed()).To(Equal(3))

		Expect(s.Close()).To(Succeed())
		Expect(client.CloseCalls).To(Equal(1))
	})

	It("should stop delivering but keep the channel open until closed", func() {
		deliveries := make(chan amqp.Delivery, 2)
		client.ConsumeChannel = deliveries

		s, err := ingest.NewAMQPSource(client, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Start(context.Background(), sink.deliver)).To(Succeed())

		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: "device.telemetry"}
		Eventually(sink.Messages).Should(HaveLen(1))

		s.Stop()
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, RoutingKey: "device.telemetry"}
		Consistently(sink.Messages, 30*time.Millisecond).Should(HaveLen(1))
		Expect(client.CloseCalls).To(BeZero())

		sink.Messages()[0].Ack()
		Expect(ack.Acked()).To(Equal([]uint64{1}))

		Expect(s.Close()).To(Succeed())
		Expect(s.Close()).To(Succeed())
		Expect(client.CloseCalls).To(Equal(1))
	})

	It("should stop when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		s, err := ingest.NewAMQPSource(client, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Start(ctx, sink.deliver)).To(Succeed())

		cancel()
		done := make(chan struct{})
		go func() {
			_ = s.Close()
			close(done)
		}()
		Eventually(done).Should(BeClosed())
	})
})

// fakeMQTTMessage implements the paho Message interface.
type fakeMQTTMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (m *fakeMQTTMessage) Duplicate() bool   { return false }
func (m *fakeMQTTMessage) Qos() byte         { return 1 }
func (m *fakeMQTTMessage) Retained() bool    { return false }
func (m *fakeMQTTMessage) Topic() string     { return m.topic }
func (m *fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m *fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m *fakeMQTTMessage) Ack()              { m.acked = true }

var _ = Describe("MQTTSource", func() {
	It("should validate its configuration", func() {
		_, err := ingest.NewMQTTSource(nil, testLogger())
		Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))

		_, err = ingest.NewMQTTSource(&ingest.MQTTConfig{}, testLogger())
		Expect(err).To(MatchError(ContainSubstring("broker")))

		_, err = ingest.NewMQTTSource(&ingest.MQTTConfig{Broker: "tcp://localhost:1883", QoS: 3}, testLogger())
		Expect(err).To(MatchError(ContainSubstring("qos")))
	})

	It("should deliver broker messages and ack through the message", func() {
		s, err := ingest.NewMQTTSource(&ingest.MQTTConfig{Broker: "tcp://localhost:1883"}, testLogger())
		Expect(err).NotTo(HaveOccurred())

		sink := &collector{}
		msg := &fakeMQTTMessage{topic: ingest.TopicTelemetry, payload: []byte(`{}`)}
		s.HandleMQTT(sink.deliver, msg)

		Expect(sink.Messages()).To(HaveLen(1))
		got := sink.Messages()[0]
		Expect(got.Topic).To(Equal(ingest.TopicTelemetry))
		Expect(msg.acked).To(BeFalse())

		got.Ack()
		Expect(msg.acked).To(BeTrue())
	})

	It("should leave messages unacked after stop", func() {
		s, err := ingest.NewMQTTSource(&ingest.MQTTConfig{Broker: "tcp://localhost:1883"}, testLogger())
		Expect(err).NotTo(HaveOccurred())
		s.Stop()

		sink := &collector{}
		msg := &fakeMQTTMessage{topic: ingest.TopicTelemetry, payload: []byte(`{}`)}
		s.HandleMQTT(sink.deliver, msg)

		Expect(sink.Messages()).To(BeEmpty())
		Expect(msg.acked).To(BeFalse())
	})

	It("should fail to start without a reachable broker", func() {
		s, err := ingest.NewMQTTSource(&ingest.MQTTConfig{
			Broker:         "tcp://127.0.0.1:1",
			ConnectTimeout: 500 * time.Millisecond,
		}, testLogger())
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Start(context.Background(), func(ingest.Message) {})).NotTo(Succeed())
		Expect(s.Close()).To(Succeed())
	})
})
