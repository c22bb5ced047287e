package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanguard/internal/config"
	"scanguard/internal/model"
)

// fakeTopic replays a fixed partition. reopen rewinds to the committed
// offset the way a new consumer group member would.
type fakeTopic struct {
	mu        sync.Mutex
	messages  []kafka.Message
	pos       int
	committed int
}

func newFakeTopic(payloads ...string) *fakeTopic {
	t := &fakeTopic{}
	for i, p := range payloads {
		t.messages = append(t.messages, kafka.Message{Offset: int64(i), Value: []byte(p)})
	}
	return t
}

func (f *fakeTopic) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.pos < len(f.messages) {
		m := f.messages[f.pos]
		f.pos++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeTopic) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		if int(m.Offset)+1 > f.committed {
			f.committed = int(m.Offset) + 1
		}
	}
	return nil
}

func (f *fakeTopic) Close() error { return nil }

func (f *fakeTopic) reopen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = f.committed
}

func (f *fakeTopic) committedOffset() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func hostsMessage(ips ...string) string {
	rows := make([]string, 0, len(ips))
	for _, ip := range ips {
		rows = append(rows, fmt.Sprintf(`{"ip":%q,"port":22,"service":"ssh"}`, ip))
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func ips(records []model.InventoryRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.IP)
	}
	return out
}

func TestReadInventoryKeepsMessagesWhole(t *testing.T) {
	topic := newFakeTopic(
		hostsMessage("10.0.0.1", "10.0.0.2"),
		hostsMessage("10.0.0.3", "10.0.0.4"),
		hostsMessage("10.0.0.5"),
	)
	cfg := config.KafkaConfig{MaxRecords: 3, IdleTimeout: 20 * time.Millisecond}

	first, err := readInventory(context.Background(), topic, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips(first))
	assert.Equal(t, 1, topic.committedOffset(), "message that would overflow stays uncommitted")

	topic.reopen()
	second, err := readInventory(context.Background(), topic, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.4", "10.0.0.5"}, ips(second))
	assert.Equal(t, 3, topic.committedOffset())
}

func TestReadInventoryTakesOversizedFirstMessage(t *testing.T) {
	topic := newFakeTopic(hostsMessage("10.0.0.1", "10.0.0.2", "10.0.0.3"))
	cfg := config.KafkaConfig{MaxRecords: 2, IdleTimeout: 20 * time.Millisecond}

	records, err := readInventory(context.Background(), topic, cfg, nil, nil)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 1, topic.committedOffset())
}

func TestReadInventoryStopsWhenIdle(t *testing.T) {
	topic := newFakeTopic()
	cfg := config.KafkaConfig{IdleTimeout: 20 * time.Millisecond}

	records, err := readInventory(context.Background(), topic, cfg, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStreamInventoryCommitsAfterDelivery(t *testing.T) {
	topic := newFakeTopic(hostsMessage("10.0.0.1", "10.0.0.2"), hostsMessage("10.0.0.3"))
	out := make(chan model.InventoryRecord, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		streamInventory(ctx, topic, nil, out, nil)
	}()

	got := make([]string, 0, 3)
	for len(got) < 3 {
		select {
		case rec := <-out:
			got = append(got, rec.IP)
		case <-time.After(2 * time.Second):
			t.Fatal("records not streamed")
		}
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, got)
	assert.Eventually(t, func() bool { return topic.committedOffset() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestDeliverCountsDrops(t *testing.T) {
	out := make(chan model.InventoryRecord, 1)
	records := []model.InventoryRecord{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}, {IP: "10.0.0.3"}}
	assert.Equal(t, 2, Deliver(context.Background(), out, records, nil))
	assert.Equal(t, "10.0.0.1", (<-out).IP)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 3, Deliver(ctx, out, records, nil))
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := newBackoff(time.Millisecond, 4*time.Millisecond)
	for i := 0; i < 4; i++ {
		require.True(t, b.Wait(context.Background()))
	}
	assert.Equal(t, 4*time.Millisecond, b.next)
	b.Reset()
	assert.Equal(t, time.Millisecond, b.next)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, newBackoff(time.Hour, time.Hour).Wait(ctx))
}
