package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/registry"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type flakyTransport struct {
	Transport
	failFor string
}

func (f *flakyTransport) Publish(ctx context.Context, msg Message) error {
	if msg.To == f.failFor {
		return errors.New("broker unavailable")
	}
	return f.Transport.Publish(ctx, msg)
}

func newTestBus(t *testing.T, transport Transport, agents ...registry.AgentInfo) (*Bus, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	for _, a := range agents {
		_, err := reg.Register(context.Background(), a)
		require.NoError(t, err)
	}
	b := New(transport, reg, zap.NewNop())
	t.Cleanup(func() { _ = b.Close() })
	return b, reg
}

type seqPayload struct {
	Seq int `json:"seq"`
}

func TestBus_SendUnknownTarget(t *testing.T) {
	b, _ := newTestBus(t, NewMemoryTransport(0), registry.AgentInfo{ID: "a1"})

	msg, err := NewMessage("a1", "ghost", "ping", nil)
	require.NoError(t, err)
	_, err = b.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, err = b.Subscribe("ghost", func(context.Context, Message) {})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestBus_SendPreservesOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, NewMemoryTransport(0), registry.AgentInfo{ID: "sender"}, registry.AgentInfo{ID: "receiver"})

	var got collector
	unsub, err := b.Subscribe("receiver", got.handle)
	require.NoError(t, err)
	defer unsub()

	const n = 200
	for i := 0; i < n; i++ {
		msg, err := NewMessage("sender", "receiver", "seq", seqPayload{Seq: i})
		require.NoError(t, err)
		receipt, err := b.Send(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, receipt.MessageID)
		assert.Equal(t, "receiver", receipt.To)
	}

	require.Eventually(t, func() bool { return got.len() == n }, 2*time.Second, 5*time.Millisecond)
	for i, msg := range got.snapshot() {
		var p seqPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, i, p.Seq)
	}
}

func TestBus_QueuedBeforeSubscribe(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, NewMemoryTransport(0), registry.AgentInfo{ID: "a1"}, registry.AgentInfo{ID: "a2"})

	for i := 0; i < 3; i++ {
		msg, _ := NewMessage("a1", "a2", "seq", seqPayload{Seq: i})
		_, err := b.Send(ctx, msg)
		require.NoError(t, err)
	}

	var got collector
	unsub, err := b.Subscribe("a2", got.handle)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return got.len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestBus_MultipleHandlersAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, NewMemoryTransport(0), registry.AgentInfo{ID: "a1"})
	b.DeclareEndpoint("pool")

	var first, second collector
	unsubFirst, err := b.Subscribe("pool", first.handle)
	require.NoError(t, err)
	unsubSecond, err := b.Subscribe("pool", second.handle)
	require.NoError(t, err)

	msg, _ := NewMessage("a1", "pool", "hello", nil)
	_, err = b.Send(ctx, msg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, time.Second, 5*time.Millisecond)

	unsubFirst()
	unsubFirst()
	msg, _ = NewMessage("a1", "pool", "hello", nil)
	_, err = b.Send(ctx, msg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return second.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, first.len())

	unsubSecond()
	// Mailbox can be consumed again after the last handler left.
	var third collector
	unsub, err := b.Subscribe("pool", third.handle)
	require.NoError(t, err)
	unsub()
}

func TestBus_Broadcast(t *testing.T) {
	ctx := context.Background()
	agents := []registry.AgentInfo{
		{ID: "coord", Type: "coordinator"},
		{ID: "ocr-1", Type: "worker", Capabilities: []string{"ocr"}},
		{ID: "ocr-2", Type: "worker", Capabilities: []string{"ocr", "pdf"}},
		{ID: "plain", Type: "worker", Capabilities: []string{"summarize"}},
	}

	t.Run("filter and sender exclusion", func(t *testing.T) {
		b, _ := newTestBus(t, NewMemoryTransport(0), agents...)
		msg, _ := NewMessage("coord", "", "announce", nil)

		res := b.Broadcast(ctx, msg, ByCapability("ocr"))
		require.True(t, res.OK())
		require.Len(t, res.Delivered, 2)
		assert.Equal(t, "ocr-1", res.Delivered[0].To)
		assert.Equal(t, "ocr-2", res.Delivered[1].To)
		assert.NotEqual(t, res.Delivered[0].MessageID, res.Delivered[1].MessageID)

		res = b.Broadcast(ctx, msg, nil)
		assert.Len(t, res.Delivered, 3)

		res = b.Broadcast(ctx, msg, ByType("coordinator"))
		assert.Empty(t, res.Delivered, "sender never receives its own broadcast")
	})

	t.Run("partial failure", func(t *testing.T) {
		b, _ := newTestBus(t, &flakyTransport{Transport: NewMemoryTransport(0), failFor: "ocr-1"}, agents...)
		msg, _ := NewMessage("coord", "", "announce", nil)

		res := b.Broadcast(ctx, msg, ByType("worker"))
		assert.False(t, res.OK())
		require.Contains(t, res.Failed, "ocr-1")
		require.Len(t, res.Delivered, 2)
		assert.Equal(t, "ocr-2", res.Delivered[0].To)
		assert.Equal(t, "plain", res.Delivered[1].To)
	})
}

func TestBus_SubscribeType(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, NewMemoryTransport(0),
		registry.AgentInfo{ID: "coord"},
		registry.AgentInfo{ID: "w1"},
		registry.AgentInfo{ID: "w2"},
	)

	var cancels, all collector
	unsub := b.SubscribeType(TypeTaskCancel, cancels.handle)
	unsubAll := b.SubscribeType("", all.handle)
	defer unsubAll()

	msg, _ := NewMessage("coord", "w1", TypeTaskCancel, nil)
	_, err := b.Send(ctx, msg)
	require.NoError(t, err)
	msg, _ = NewMessage("coord", "w1", TypeTaskAssign, nil)
	_, err = b.Send(ctx, msg)
	require.NoError(t, err)
	msg, _ = NewMessage("coord", "", TypeTaskCancel, nil)
	res := b.Broadcast(ctx, msg, nil)
	require.True(t, res.OK())

	require.Eventually(t, func() bool { return cancels.len() == 3 && all.len() == 4 }, time.Second, 5*time.Millisecond)
	got := cancels.snapshot()
	assert.Equal(t, "w1", got[0].To)
	assert.Equal(t, "w1", got[1].To)
	assert.Equal(t, "w2", got[2].To)

	unsub()
	msg, _ = NewMessage("coord", "w2", TypeTaskCancel, nil)
	_, err = b.Send(ctx, msg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return all.len() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, cancels.len())
}

func TestBus_Close(t *testing.T) {
	b, _ := newTestBus(t, NewMemoryTransport(0), registry.AgentInfo{ID: "a1"})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	msg, _ := NewMessage("x", "a1", "ping", nil)
	_, err := b.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Subscribe("a1", func(context.Context, Message) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, b.Broadcast(context.Background(), msg, nil).OK())
}

func TestMemoryTransport_MailboxLimit(t *testing.T) {
	tr := NewMemoryTransport(2)
	defer tr.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Publish(ctx, Message{To: "box"}))
	}
	assert.ErrorIs(t, tr.Publish(ctx, Message{To: "box"}), ErrMailboxFull)
	assert.Equal(t, 2, tr.Pending("box"))

	stop, err := tr.Consume("box", func(Message) {})
	require.NoError(t, err)
	_, err = tr.Consume("box", func(Message) {})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
	require.Eventually(t, func() bool { return tr.Pending("box") == 0 }, time.Second, 5*time.Millisecond)
	stop()
	stop()
}

func newRedisTransport(t *testing.T) (*RedisTransport, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tr := NewRedisTransport(client, RedisTransportConfig{Prefix: "test", Block: 50 * time.Millisecond}, zap.NewNop())
	return tr, client
}

func TestRedisTransport_DeliversInOrderAndResumes(t *testing.T) {
	ctx := context.Background()
	tr, client := newRedisTransport(t)
	defer tr.Close()

	publish := func(seq int) {
		msg, err := NewMessage("pool", "w1", TypeTaskAssign, seqPayload{Seq: seq})
		require.NoError(t, err)
		require.NoError(t, tr.Publish(ctx, msg))
	}
	for i := 0; i < 5; i++ {
		publish(i)
	}

	var got collector
	stop, err := tr.Consume("w1", func(m Message) { got.handle(ctx, m) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.len() == 5 }, 2*time.Second, 10*time.Millisecond)
	stop()

	first := got.snapshot()[0]
	assert.Equal(t, "pool", first.From)
	assert.Equal(t, TypeTaskAssign, first.Type)
	assert.False(t, first.CreatedAt.IsZero())

	cursor, err := client.Get(ctx, "test:mbox:w1:cursor").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, cursor)

	// A new consumer resumes after the stored cursor.
	publish(5)
	publish(6)
	var resumed collector
	stop, err = tr.Consume("w1", func(m Message) { resumed.handle(ctx, m) })
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool { return resumed.len() == 2 }, 2*time.Second, 10*time.Millisecond)

	for i, msg := range resumed.snapshot() {
		var p seqPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, 5+i, p.Seq)
	}
}

func TestRedisTransport_WithBus(t *testing.T) {
	ctx := context.Background()
	tr, _ := newRedisTransport(t)
	b, _ := newTestBus(t, tr, registry.AgentInfo{ID: "a1"}, registry.AgentInfo{ID: "a2"})

	var got collector
	unsub, err := b.Subscribe("a2", got.handle)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < 10; i++ {
		msg, _ := NewMessage("a1", "a2", "seq", seqPayload{Seq: i})
		_, err := b.Send(ctx, msg)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return got.len() == 10 }, 2*time.Second, 10*time.Millisecond)
	for i, msg := range got.snapshot() {
		var p seqPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, i, p.Seq)
	}

	require.NoError(t, b.Close())
	assert.ErrorIs(t, tr.Publish(ctx, Message{To: "a2"}), ErrClosed)
}
