package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/outbox"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBroker struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []amqp.Publishing
	keys []string
}

func (b *memBroker) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[msg.MessageId] {
		return context.DeadlineExceeded
	}
	b.sent = append(b.sent, msg)
	b.keys = append(b.keys, key)
	return nil
}

func TestFlush_PublishesAndMarks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	clock := time.Now()
	store := ledger.NewMemory().WithClock(func() time.Time { return clock })
	ok := ledger.OutboxRecord{ID: uuid.New(), AggregateType: "purchase", AggregateID: uuid.New(), EventType: "purchase.paid", Payload: []byte(`{}`), CreatedAt: time.Now(), DedupeKey: "a:purchase.paid"}
	stuck := ledger.OutboxRecord{ID: uuid.New(), AggregateType: "purchase", AggregateID: uuid.New(), EventType: "purchase.failed", Payload: []byte(`{}`), CreatedAt: time.Now(), DedupeKey: "b:purchase.failed"}
	require.NoError(t, store.InsertOutbox(ctx, ok))
	require.NoError(t, store.InsertOutbox(ctx, stuck))

	broker := &memBroker{fail: map[string]bool{"b:purchase.failed": true}}
	pub := outbox.NewPublisher(store, broker, observability.NewLoggerFrom(log)).WithRetries(0)

	n, err := pub.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, broker.sent, 1)
	assert.Equal(t, "purchase.paid", broker.keys[0])
	assert.Equal(t, "a:purchase.paid", broker.sent[0].MessageId)

	n, err = pub.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the failed record is still under its claim")
	assert.Len(t, broker.sent, 1)

	clock = clock.Add(2 * time.Minute)
	broker.mu.Lock()
	broker.fail = nil
	broker.mu.Unlock()
	n, err = pub.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, broker.sent, 2)
	assert.Equal(t, "b:purchase.failed", broker.sent[1].MessageId)
}

func TestFlush_ConcurrentRelaysPublishEachRecordOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store := ledger.NewMemory()
	for i := 0; i < 40; i++ {
		require.NoError(t, store.InsertOutbox(ctx, ledger.OutboxRecord{
			ID: uuid.New(), AggregateID: uuid.New(), EventType: "purchase.paid",
			Payload: []byte(`{}`), CreatedAt: time.Now(), DedupeKey: uuid.NewString(),
		}))
	}
	broker := &memBroker{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub := outbox.NewPublisher(store, broker, observability.NewLoggerFrom(log))
			_, err := pub.Flush(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, msg := range broker.sent {
		seen[msg.MessageId]++
	}
	assert.Len(t, seen, 40)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}
