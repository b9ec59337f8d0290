package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devfleet/devfleet/internal/channel"
	"github.com/devfleet/devfleet/protocol"
	"github.com/devfleet/devfleet/types"
)

// MemoryTransport 进程内传输实现。
// 每个 Agent 对应一个有序分区缓冲,订阅后由独立消费协程排空;
// 消息以线格式字节在分区内流转,与 Redis 实现保持同样的投递语义,
// 毒消息(无法解码的字节)同样被记录并跳过。
type MemoryTransport struct {
	logger  *zap.Logger
	config  channel.PartitionConfig
	metrics Metrics

	state atomic.Int32 // transportState

	mu         sync.RWMutex
	partitions map[string]*channel.Partition[[]byte]
	subs       map[string]*memorySubscriber

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type memorySubscriber struct {
	agentID string
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMemoryTransport 创建进程内传输。
func NewMemoryTransport(logger *zap.Logger) *MemoryTransport {
	t := &MemoryTransport{
		logger:     logger.With(zap.String("component", "memory_transport")),
		config:     channel.DefaultPartitionConfig(),
		partitions: make(map[string]*channel.Partition[[]byte]),
		subs:       make(map[string]*memorySubscriber),
	}
	t.state.Store(int32(stateRunning))
	return t
}

// WithMetrics 注入指标观察者,返回自身以便链式调用。
func (t *MemoryTransport) WithMetrics(m Metrics) *MemoryTransport {
	t.metrics = m
	return t
}

// Publish 将消息编码后投入目标 Agent 的分区。
// agent_id 为空的消息走广播路径。入队即成功,投递异步进行。
func (t *MemoryTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	if !t.running() {
		return ErrQueueClosed
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		t.failed.Add(1)
		return &TransportError{Op: "publish", Topic: TopicFor(msg.Header.Type), Cause: err}
	}

	if msg.Header.AgentID == "" {
		return t.broadcast(ctx, msg.Header.Type, data)
	}

	start := time.Now()
	part := t.partition(msg.Header.AgentID)
	if err := part.Enqueue(ctx, data); err != nil {
		t.failed.Add(1)
		return &TransportError{Op: "publish", Topic: TopicFor(msg.Header.Type), Cause: err}
	}
	t.published.Add(1)
	if t.metrics != nil {
		t.metrics.RecordPublish("memory", string(TopicFor(msg.Header.Type)), time.Since(start))
		t.metrics.RecordQueueDepth(msg.Header.AgentID, part.Len())
	}
	return nil
}

// Broadcast 将消息投递给所有当前活跃订阅者。
// 线上强制 message_type=event(仅传输内部生效,调用方的消息不变)。
func (t *MemoryTransport) Broadcast(ctx context.Context, msg *protocol.Message) error {
	if !t.running() {
		return ErrQueueClosed
	}

	wire := *msg
	wire.Header.Type = protocol.TypeEvent

	data, err := protocol.Marshal(&wire)
	if err != nil {
		t.failed.Add(1)
		return &TransportError{Op: "broadcast", Topic: TopicBroadcast, Cause: err}
	}
	return t.broadcast(ctx, protocol.TypeEvent, data)
}

func (t *MemoryTransport) broadcast(ctx context.Context, mt protocol.MessageType, data []byte) error {
	t.mu.RLock()
	targets := make([]*channel.Partition[[]byte], 0, len(t.subs))
	for agentID := range t.subs {
		targets = append(targets, t.partitions[agentID])
	}
	t.mu.RUnlock()

	for _, part := range targets {
		if err := part.Enqueue(ctx, data); err != nil {
			t.failed.Add(1)
			return &TransportError{Op: "broadcast", Topic: TopicFor(mt), Cause: err}
		}
		t.published.Add(1)
	}
	return nil
}

// Subscribe 为 agentID 启动消费协程。
// 订阅前已发布的消息保留在分区中,订阅后按序补投(续读语义)。
func (t *MemoryTransport) Subscribe(ctx context.Context, agentID string, h Handler) error {
	if !t.running() {
		return ErrQueueClosed
	}

	t.mu.Lock()
	if _, ok := t.subs[agentID]; ok {
		t.mu.Unlock()
		return ErrAlreadySubscribed
	}

	part, ok := t.partitions[agentID]
	if !ok {
		part = channel.NewPartition[[]byte](t.config)
		t.partitions[agentID] = part
	}

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &memorySubscriber{
		agentID: agentID,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.subs[agentID] = sub
	t.mu.Unlock()

	go t.consume(consumeCtx, sub, part)

	t.logger.Info("订阅者已注册", zap.String("agent_id", agentID))
	return nil
}

// Unsubscribe 停止 agentID 的消费协程。
// 分区缓冲保留,重新订阅后从未消费的位置继续。
func (t *MemoryTransport) Unsubscribe(agentID string) error {
	t.mu.Lock()
	sub, ok := t.subs[agentID]
	if ok {
		delete(t.subs, agentID)
	}
	t.mu.Unlock()

	if !ok {
		return types.NewError(types.ErrAgentNotFound, "no active subscription for agent "+agentID)
	}

	sub.cancel()
	<-sub.done
	t.logger.Info("订阅者已注销", zap.String("agent_id", agentID))
	return nil
}

func (t *MemoryTransport) consume(ctx context.Context, sub *memorySubscriber, part *channel.Partition[[]byte]) {
	defer close(sub.done)

	for {
		pollCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		data, err := part.Dequeue(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			part.Tune()
			continue
		}
		t.deliver(ctx, sub, data)
	}
}

func (t *MemoryTransport) deliver(ctx context.Context, sub *memorySubscriber, data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		// 毒消息:记录并跳过,不中断消费循环
		t.dropped.Add(1)
		if t.metrics != nil {
			t.metrics.RecordDropped("memory", string(TopicBroadcast))
		}
		t.logger.Warn("丢弃无法解码的消息",
			zap.String("agent_id", sub.agentID),
			zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.failed.Add(1)
			t.logger.Error("消息处理器 panic",
				zap.String("agent_id", sub.agentID),
				zap.String("message_id", msg.Header.MessageID),
				zap.Any("panic", r))
		}
	}()

	err = sub.handler(ctx, msg)
	if t.metrics != nil {
		t.metrics.RecordDelivery("memory", string(TopicFor(msg.Header.Type)), err)
	}
	if err != nil {
		t.failed.Add(1)
		t.logger.Warn("消息处理失败",
			zap.String("agent_id", sub.agentID),
			zap.String("message_id", msg.Header.MessageID),
			zap.Error(err))
		return
	}
	t.delivered.Add(1)
}

// Stats 返回队列统计快照。
func (t *MemoryTransport) Stats() QueueStats {
	t.mu.RLock()
	active := len(t.subs)
	t.mu.RUnlock()

	return QueueStats{
		Backend:           "memory",
		ActiveSubscribers: active,
		Published:         t.published.Load(),
		Delivered:         t.delivered.Load(),
		Failed:            t.failed.Load(),
		Dropped:           t.dropped.Load(),
	}
}

// Close 关闭传输:停止全部消费协程并等待退出。幂等。
func (t *MemoryTransport) Close(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(stateRunning), int32(stateClosing)) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*memorySubscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*memorySubscriber)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			t.state.Store(int32(stateClosed))
			return ctx.Err()
		}
	}

	// 消费协程已停,分区中残留的消息不再投递:逐分区记录数量并计入 dropped
	t.mu.Lock()
	for agentID, part := range t.partitions {
		if n := part.Len(); n > 0 {
			t.dropped.Add(uint64(n))
			t.logger.Warn("关闭时丢弃未投递的缓冲消息",
				zap.String("agent_id", agentID),
				zap.Int("count", n))
		}
	}
	t.mu.Unlock()

	t.state.Store(int32(stateClosed))
	t.logger.Info("内存传输已关闭")
	return nil
}

// partition 返回 agentID 的分区缓冲,不存在则创建。
func (t *MemoryTransport) partition(agentID string) *channel.Partition[[]byte] {
	t.mu.RLock()
	part, ok := t.partitions[agentID]
	t.mu.RUnlock()
	if ok {
		return part
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if part, ok = t.partitions[agentID]; ok {
		return part
	}
	part = channel.NewPartition[[]byte](t.config)
	t.partitions[agentID] = part
	return part
}

func (t *MemoryTransport) running() bool {
	return transportState(t.state.Load()) == stateRunning
}
