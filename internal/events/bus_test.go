package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/pkg/logger"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBusAssignsMetadataAndFilters(t *testing.T) {
	bus := NewBus("acme", WithBusLogger(logger.Discard()))
	defer bus.Close()

	tasks := bus.Subscribe("task.*")
	all := bus.Subscribe()

	bus.Publish(Event{Topic: TopicGoalStarted, GoalRunID: "run-1"})
	published := bus.Publish(Event{Topic: TopicTaskCreated, GoalRunID: "run-1", Payload: map[string]any{"task_id": "t1"}})

	assert.Equal(t, uint64(2), published.Seq)
	assert.Equal(t, "acme", published.Company)
	assert.NotEmpty(t, published.ID)
	assert.False(t, published.OccurredAt.IsZero())

	first := recv(t, all)
	assert.Equal(t, TopicGoalStarted, first.Topic)
	second := recv(t, all)
	assert.Equal(t, TopicTaskCreated, second.Topic)

	got := recv(t, tasks)
	assert.Equal(t, TopicTaskCreated, got.Topic)
	assert.Equal(t, "t1", got.Payload["task_id"])
	assert.Equal(t, 0, tasks.Pending())
}

func TestBusPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus("acme", WithBusLogger(logger.Discard()))
	defer bus.Close()
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(Event{Topic: TopicCostUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on an unread subscriber")
	}

	for i := 1; i <= 500; i++ {
		ev := recv(t, slow)
		require.Equal(t, uint64(i), ev.Seq, "events must arrive in publish order")
	}
}

func TestSubscribeFromReplaysHistory(t *testing.T) {
	bus := NewBus("acme", WithHistorySize(3), WithBusLogger(logger.Discard()))
	defer bus.Close()
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Topic: TopicTaskTransitioned})
	}
	assert.Len(t, bus.History(0), 3)

	sub := bus.SubscribeFrom(3)
	assert.Equal(t, uint64(4), recv(t, sub).Seq)
	assert.Equal(t, uint64(5), recv(t, sub).Seq)

	bus.Restore(100)
	assert.Equal(t, uint64(101), bus.Publish(Event{Topic: TopicGoalCompleted}).Seq)
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	bus := NewBus("acme", WithBusLogger(logger.Discard()))
	sub := bus.Subscribe()
	sub.Close()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	bus.Close()
	after := bus.Subscribe()
	select {
	case _, ok := <-after.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("subscription on closed bus should be closed")
	}
}

func TestTopicMatch(t *testing.T) {
	assert.True(t, TopicPaymentSent.Match("payment.*"))
	assert.True(t, TopicPaymentSent.Match("*"))
	assert.True(t, TopicPaymentSent.Match("payment.sent"))
	assert.False(t, TopicPaymentSent.Match("task.*"))
	assert.False(t, TopicCycleWave.Match("cycle.started"))
	assert.Equal(t, "cycle", TopicCycleWave.Domain())
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []Event
}

func (s *flakySink) Name() string { return "flaky" }
func (s *flakySink) Close() error { return nil }
func (s *flakySink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *flakySink) snapshot() (int, []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]Event(nil), s.got...)
}

func TestForwarderRetriesUntilDelivered(t *testing.T) {
	bus := NewBus("acme", WithBusLogger(logger.Discard()))
	defer bus.Close()
	sink := &flakySink{failures: 2}
	fwd := NewForwarder(bus, []Sink{sink},
		WithDeliveryBackoff(time.Millisecond, 2*time.Millisecond),
		WithForwarderLogger(logger.Discard()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fwd.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.Publish(Event{Topic: TopicTaskCreated})
		_, got := sink.snapshot()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	calls, _ := sink.snapshot()
	assert.GreaterOrEqual(t, calls, 3)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestForwarderReportsExhaustion(t *testing.T) {
	bus := NewBus("acme", WithBusLogger(logger.Discard()))
	defer bus.Close()
	sink := &flakySink{failures: 1000}

	exhausted := make(chan error, 1)
	fwd := NewForwarder(bus, []Sink{sink},
		WithDeliveryAttempts(2),
		WithDeliveryBackoff(time.Millisecond, time.Millisecond),
		WithForwarderLogger(logger.Discard()),
		WithExhaustedHandler(func(_ context.Context, name string, _ Event, err error) {
			select {
			case exhausted <- err:
			default:
			}
		}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = fwd.Run(ctx) }()

	var err error
	require.Eventually(t, func() bool {
		bus.Publish(Event{Topic: TopicPaymentFailed})
		select {
		case err = <-exhausted:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, xerrors.Is(err, xerrors.CodeEventDelivery))
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}
func (f *fakeStream) Close() error { return nil }

func TestRedisStreamSinkWritesEnvelope(t *testing.T) {
	client := &fakeStream{}
	sink := newRedisStreamSink(client, RedisStreamConfig{Stream: "events"})
	ev := Event{ID: "e1", Seq: 7, Topic: TopicTaskCreated, Company: "acme"}
	require.NoError(t, sink.Deliver(context.Background(), ev))

	require.Len(t, client.args, 1)
	args := client.args[0]
	assert.Equal(t, "events", args.Stream)
	assert.True(t, args.Approx)
	values := args.Values.(map[string]any)
	assert.Equal(t, "e1", values["id"])
	assert.Equal(t, "7", values["seq"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &decoded))
	assert.Equal(t, TopicTaskCreated, decoded.Topic)

	client.err = errors.New("READONLY")
	assert.Error(t, sink.Deliver(context.Background(), ev))
}

type fakeNATS struct{ msgs []*nats.Msg }

func (f *fakeNATS) PublishMsg(m *nats.Msg) error { f.msgs = append(f.msgs, m); return nil }
func (f *fakeNATS) Close()                       {}

func TestNATSSinkSubjectAndDedupHeader(t *testing.T) {
	conn := &fakeNATS{}
	sink := newNATSSink(conn, "")
	require.NoError(t, sink.Deliver(context.Background(), Event{ID: "e9", Topic: TopicPaymentRequested, Company: "acme"}))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "agentcompany.acme.payment.requested", conn.msgs[0].Subject)
	assert.Equal(t, "e9", conn.msgs[0].Header.Get(nats.MsgIdHdr))
}

type fakeAMQP struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeAMQP) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil, nil
}
func (f *fakeAMQP) Close() error { return nil }

func TestRabbitMQSinkRoutingKey(t *testing.T) {
	ch := &fakeAMQP{}
	sink := &RabbitMQSink{ch: ch, exchange: "agentcompany.events"}
	require.NoError(t, sink.Deliver(context.Background(), Event{ID: "e2", Topic: TopicCycleWave, Company: "acme"}))
	assert.Equal(t, "agentcompany.events", ch.exchange)
	assert.Equal(t, "acme.cycle.wave", ch.key)
	assert.Equal(t, "e2", ch.msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), ch.msg.DeliveryMode)
}
