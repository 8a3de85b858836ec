package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/intent"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoDispatcher struct {
	mu    sync.Mutex
	calls []intent.Call
}

func (d *echoDispatcher) Dispatch(_ context.Context, call intent.Call) intent.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return intent.Result{ID: call.ID, Tool: call.Name, Status: intent.StatusApproved, Detail: "ok"}
}

func (d *echoDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func runWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	return cancel, done
}

func receiveResult(t *testing.T, q *MemoryQueue) intent.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	body, err := q.Receive(ctx)
	require.NoError(t, err)
	var result intent.Result
	require.NoError(t, json.Unmarshal(body, &result))
	return result
}

func TestWorkerDispatchesCallsAndPublishesResults(t *testing.T) {
	calls, results := NewMemoryQueue(16), NewMemoryQueue(16)
	d := &echoDispatcher{}
	w := NewWorker(d, calls, results, WithWorkerCount(3), WithWorkerLogger(logger.Discard()))
	cancel, done := runWorker(t, w)

	for i, id := range []string{"a", "b", "c"} {
		body, err := json.Marshal(intent.Call{ID: id, Name: intent.ToolGetBalance})
		require.NoError(t, err)
		require.NoError(t, calls.Publish(context.Background(), body), "call %d", i)
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		res := receiveResult(t, results)
		assert.Equal(t, intent.StatusApproved, res.Status)
		seen[res.ID] = true
	}
	assert.Len(t, seen, 3)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 3, d.count())
}

func TestWorkerKeepsNumericArguments(t *testing.T) {
	calls, results := NewMemoryQueue(4), NewMemoryQueue(4)
	d := &echoDispatcher{}
	cancel, done := runWorker(t, NewWorker(d, calls, results, WithWorkerLogger(logger.Discard())))
	defer func() { cancel(); <-done }()

	require.NoError(t, calls.Publish(context.Background(), []byte(`{"id":"n","name":"transferSOL","args":{"to":"x","amount":0.1}}`)))
	receiveResult(t, results)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.calls, 1)
	assert.Equal(t, json.Number("0.1"), d.calls[0].Args["amount"])
}

func TestWorkerRejectsMalformedMessages(t *testing.T) {
	calls, results := NewMemoryQueue(4), NewMemoryQueue(4)
	d := &echoDispatcher{}
	cancel, done := runWorker(t, NewWorker(d, calls, results, WithWorkerLogger(logger.Discard())))
	defer func() { cancel(); <-done }()

	require.NoError(t, calls.Publish(context.Background(), []byte("{not json")))
	res := receiveResult(t, results)
	assert.Equal(t, intent.StatusRejected, res.Status)
	assert.Equal(t, xerrors.CodeInvalidArgument, res.Code)
	assert.Zero(t, d.count())
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, []byte) error {
	return xerrors.New(xerrors.CodeQueueFailure, "broker down")
}
func (failingProducer) Close() error { return nil }

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestWorkerAlertsWhenResultIsLost(t *testing.T) {
	alerts := &recordingAlerts{}
	w := NewWorker(&echoDispatcher{}, NewMemoryQueue(1), failingProducer{},
		WithWorkerLogger(logger.Discard()), WithAlertDispatcher(alerts))

	err := w.handle(context.Background(), []byte(`{"id":"lost","name":"getBalance"}`))
	require.Error(t, err)
	require.Len(t, alerts.events, 1)
	event := alerts.events[0]
	assert.Equal(t, xerrors.CodeQueueFailure, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, "lost", event.Metadata["call_id"])
}

func TestWorkerRequiresConsumer(t *testing.T) {
	err := NewWorker(&echoDispatcher{}, nil, nil).Start(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.Error(t, q.Publish(context.Background(), []byte("x")))
	_, err := q.Receive(context.Background())
	assert.Error(t, err)
}

type fakeLists struct {
	mu     sync.Mutex
	lists  map[string]chan string
	closed bool
}

func newFakeLists() *fakeLists {
	return &fakeLists{lists: make(map[string]chan string)}
}

func (f *fakeLists) list(key string) chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.lists[key]
	if !ok {
		ch = make(chan string, 16)
		f.lists[key] = ch
	}
	return ch
}

func (f *fakeLists) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	ch := f.list(key)
	for _, v := range values {
		switch value := v.(type) {
		case []byte:
			ch <- string(value)
		case string:
			ch <- value
		}
	}
	return redis.NewIntResult(int64(len(ch)), nil)
}

func (f *fakeLists) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	ch := f.list(keys[0])
	select {
	case v := <-ch:
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	case <-time.After(timeout):
		return redis.NewStringSliceResult(nil, redis.Nil)
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	}
}

func (f *fakeLists) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRedisQueueRoundTrip(t *testing.T) {
	lists := newFakeLists()
	calls := newRedisQueue(lists, RedisQueueConfig{Queue: "calls", BlockWait: 20 * time.Millisecond})
	results := newRedisQueue(lists, RedisQueueConfig{Queue: "results", BlockWait: 20 * time.Millisecond})

	d := &echoDispatcher{}
	cancel, done := runWorker(t, NewWorker(d, calls, results, WithWorkerCount(2), WithWorkerLogger(logger.Discard())))

	require.NoError(t, calls.Publish(context.Background(), []byte(`{"id":"r1","name":"getBalance"}`)))

	var body []byte
	require.Eventually(t, func() bool {
		var err error
		body, err = results.Receive(context.Background())
		return err == nil && body != nil
	}, 2*time.Second, 10*time.Millisecond)

	var result intent.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "r1", result.ID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, calls.Close())
	assert.True(t, lists.closed)
}

func TestRedisQueueReceiveTimeout(t *testing.T) {
	q := newRedisQueue(newFakeLists(), RedisQueueConfig{BlockWait: time.Millisecond})
	body, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Equal(t, "agentpay:intents", q.queue)
}

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	acked      []uint64
	tag        uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.tag++
	tag := f.tag
	f.published = append(f.published, msg)
	f.mu.Unlock()
	f.deliveries <- amqp.Delivery{Acknowledger: f, DeliveryTag: tag, Body: msg.Body}
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Nack(uint64, bool, bool) error { return errors.New("unexpected nack") }
func (f *fakeChannel) Reject(uint64, bool) error     { return errors.New("unexpected reject") }

func (f *fakeChannel) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func TestRabbitMQQueueAcksEveryDelivery(t *testing.T) {
	ch := newFakeChannel()
	calls := &RabbitMQQueue{ch: ch, queue: "calls"}
	results := NewMemoryQueue(4)

	d := &echoDispatcher{}
	cancel, done := runWorker(t, NewWorker(d, calls, results, WithWorkerLogger(logger.Discard())))

	require.NoError(t, calls.Publish(context.Background(), []byte(`{"id":"q1","name":"getBalance"}`)))
	require.NoError(t, calls.Publish(context.Background(), []byte(`garbage`)))

	first := receiveResult(t, results)
	second := receiveResult(t, results)
	statuses := []intent.Status{first.Status, second.Status}
	assert.ElementsMatch(t, []intent.Status{intent.StatusApproved, intent.StatusRejected}, statuses)
	require.Eventually(t, func() bool { return ch.ackCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
}

func TestOpenDrivers(t *testing.T) {
	pair, err := Open(context.Background(), config.IntentQueueConfig{Driver: "disabled"})
	require.NoError(t, err)
	assert.Nil(t, pair)

	pair, err = Open(context.Background(), config.IntentQueueConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.NoError(t, pair.Close())

	_, err = Open(context.Background(), config.IntentQueueConfig{Driver: "kafka"})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = Open(context.Background(), config.IntentQueueConfig{Driver: "redis"})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = Open(context.Background(), config.IntentQueueConfig{Driver: "rabbitmq"})
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}
