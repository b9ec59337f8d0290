package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/devfleet/devfleet/protocol"
)

// collector 按到达顺序收集消息,测试辅助。
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (c *collector) handle(_ context.Context, msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) snapshot() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestMemoryTransportPublishSubscribe(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))

	msg := protocol.NewCommand("agent-1", "generate_code", map[string]any{"task": "t-1"})
	require.NoError(t, tr.Publish(ctx, msg))

	require.Eventually(t, func() bool { return col.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := col.snapshot()[0]
	assert.Equal(t, msg.Header.MessageID, got.Header.MessageID)
	cmd, ok := got.Command()
	require.True(t, ok)
	assert.Equal(t, "generate_code", cmd.Action)
}

func TestMemoryTransportResumeBeforeSubscribe(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	// 订阅前发布的消息保留在分区中
	for i := 0; i < 10; i++ {
		msg := protocol.NewCommand("agent-1", fmt.Sprintf("action-%02d", i), nil)
		require.NoError(t, tr.Publish(ctx, msg))
	}

	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))
	require.Eventually(t, func() bool { return col.len() == 10 }, 2*time.Second, 10*time.Millisecond)

	// 按发布顺序补投
	for i, msg := range col.snapshot() {
		cmd, ok := msg.Command()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("action-%02d", i), cmd.Action)
	}
}

func TestMemoryTransportFIFOPerAgent(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	cols := map[string]*collector{"agent-a": {}, "agent-b": {}}
	for id, col := range cols {
		require.NoError(t, tr.Subscribe(ctx, id, col.handle))
	}

	const n = 50
	for i := 0; i < n; i++ {
		for id := range cols {
			msg := protocol.NewEvent(id, fmt.Sprintf("seq-%03d", i), nil)
			require.NoError(t, tr.Publish(ctx, msg))
		}
	}

	require.Eventually(t, func() bool {
		return cols["agent-a"].len() == n && cols["agent-b"].len() == n
	}, 5*time.Second, 10*time.Millisecond)

	// 单 Agent 内严格 FIFO
	for id, col := range cols {
		for i, msg := range col.snapshot() {
			ev, ok := msg.Event()
			require.True(t, ok, "agent %s message %d", id, i)
			assert.Equal(t, fmt.Sprintf("seq-%03d", i), ev.EventType)
		}
	}
}

func TestMemoryTransportBroadcast(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	colA, colB := &collector{}, &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-a", colA.handle))
	require.NoError(t, tr.Subscribe(ctx, "agent-b", colB.handle))

	msg := protocol.NewEvent("", "fleet_shutdown", map[string]any{"grace": "30s"})
	require.NoError(t, tr.Broadcast(ctx, msg))

	require.Eventually(t, func() bool {
		return colA.len() == 1 && colB.len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryTransportBroadcastForcesEventType(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-a", col.handle))

	msg := protocol.NewResponse("agent-a", "corr-1", protocol.RawBody{"status": "ok"})
	require.NoError(t, tr.Broadcast(ctx, msg))

	require.Eventually(t, func() bool { return col.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// 线上类型被强制为 event,调用方的消息不受影响
	assert.Equal(t, protocol.TypeEvent, col.snapshot()[0].Header.Type)
	assert.Equal(t, protocol.TypeResponse, msg.Header.Type)
}

func TestMemoryTransportDoubleSubscribe(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))
	assert.ErrorIs(t, tr.Subscribe(ctx, "agent-1", col.handle), ErrAlreadySubscribed)
}

func TestMemoryTransportHandlerErrorDoesNotStopConsumer(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	col := &collector{}
	var calls int
	var mu sync.Mutex
	handler := func(ctx context.Context, msg *protocol.Message) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return fmt.Errorf("transient failure")
		}
		return col.handle(ctx, msg)
	}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", handler))

	require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-1", "fails", nil)))
	require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-1", "succeeds", nil)))

	require.Eventually(t, func() bool { return col.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestMemoryTransportClose(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	ctx := context.Background()

	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))

	require.NoError(t, tr.Close(ctx))
	// 幂等
	require.NoError(t, tr.Close(ctx))

	assert.ErrorIs(t, tr.Publish(ctx, protocol.NewCommand("agent-1", "x", nil)), ErrQueueClosed)
	assert.ErrorIs(t, tr.Subscribe(ctx, "agent-2", col.handle), ErrQueueClosed)
	assert.Equal(t, 0, tr.Stats().ActiveSubscribers)
}

// fakeTransportMetrics 记录观察到的指标调用,测试辅助。
type fakeTransportMetrics struct {
	mu         sync.Mutex
	published  []string
	delivered  []string
	dropped    int
	depthCalls int
}

func (f *fakeTransportMetrics) RecordPublish(backend, topic string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, backend+"/"+topic)
}

func (f *fakeTransportMetrics) RecordDelivery(backend, topic string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "error"
	}
	f.delivered = append(f.delivered, backend+"/"+topic+"/"+status)
}

func (f *fakeTransportMetrics) RecordDropped(string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped++
}

func (f *fakeTransportMetrics) RecordQueueDepth(string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depthCalls++
}

func (f *fakeTransportMetrics) snapshot() (published, delivered []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...), append([]string(nil), f.delivered...)
}

func TestMemoryTransportReportsMetrics(t *testing.T) {
	fm := &fakeTransportMetrics{}
	tr := NewMemoryTransport(zap.NewNop()).WithMetrics(fm)
	defer tr.Close(context.Background())

	ctx := context.Background()
	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))
	require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-1", "x", nil)))

	require.Eventually(t, func() bool {
		_, delivered := fm.snapshot()
		return len(delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	published, delivered := fm.snapshot()
	assert.Equal(t, []string{"memory/commands"}, published)
	assert.Equal(t, []string{"memory/commands/ok"}, delivered)
}

func TestMemoryTransportCloseAccountsUndelivered(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	ctx := context.Background()

	// 无订阅者,消息滞留在分区缓冲中
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-1", fmt.Sprintf("a-%d", i), nil)))
	}
	require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-2", "b", nil)))

	require.NoError(t, tr.Close(ctx))

	stats := tr.Stats()
	assert.Equal(t, uint64(4), stats.Published)
	assert.Equal(t, uint64(4), stats.Dropped, "undelivered buffered messages counted on close")
	assert.Equal(t, uint64(0), stats.Delivered)
}

func TestMemoryTransportUnsubscribeResume(t *testing.T) {
	tr := NewMemoryTransport(zap.NewNop())
	defer tr.Close(context.Background())

	ctx := context.Background()
	col := &collector{}
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))
	require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-1", "before", nil)))
	require.Eventually(t, func() bool { return col.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Unsubscribe("agent-1"))

	// 取消订阅期间发布的消息在重新订阅后补投
	require.NoError(t, tr.Publish(ctx, protocol.NewCommand("agent-1", "during", nil)))
	require.NoError(t, tr.Subscribe(ctx, "agent-1", col.handle))
	require.Eventually(t, func() bool { return col.len() == 2 }, 2*time.Second, 10*time.Millisecond)

	cmd, _ := col.snapshot()[1].Command()
	assert.Equal(t, "during", cmd.Action)
}

// 属性:任意交错的多 Agent 发布序列,每个 Agent 观察到的顺序与其发布子序列一致。
func TestMemoryTransportOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := NewMemoryTransport(zap.NewNop())
		defer tr.Close(context.Background())

		ctx := context.Background()
		agents := []string{"agent-a", "agent-b", "agent-c"}
		cols := make(map[string]*collector, len(agents))
		for _, id := range agents {
			cols[id] = &collector{}
			if err := tr.Subscribe(ctx, id, cols[id].handle); err != nil {
				rt.Fatalf("subscribe: %v", err)
			}
		}

		published := make(map[string][]string)
		n := rapid.IntRange(1, 60).Draw(rt, "n")
		for i := 0; i < n; i++ {
			id := rapid.SampledFrom(agents).Draw(rt, "agent")
			ev := fmt.Sprintf("%s-%04d", id, i)
			if err := tr.Publish(ctx, protocol.NewEvent(id, ev, nil)); err != nil {
				rt.Fatalf("publish: %v", err)
			}
			published[id] = append(published[id], ev)
		}

		deadline := time.Now().Add(5 * time.Second)
		for _, id := range agents {
			for cols[id].len() < len(published[id]) {
				if time.Now().After(deadline) {
					rt.Fatalf("agent %s: got %d of %d", id, cols[id].len(), len(published[id]))
				}
				time.Sleep(5 * time.Millisecond)
			}
			for i, msg := range cols[id].snapshot() {
				ev, _ := msg.Event()
				if ev.EventType != published[id][i] {
					rt.Fatalf("agent %s position %d: got %s want %s", id, i, ev.EventType, published[id][i])
				}
			}
		}
	})
}
