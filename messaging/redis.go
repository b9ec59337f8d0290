package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devfleet/devfleet/internal/retry"
	"github.com/devfleet/devfleet/protocol"
	"github.com/devfleet/devfleet/types"
)

// RedisConfig Redis Streams 传输配置。
type RedisConfig struct {
	// Prefix 流名前缀,默认 "devfleet"
	Prefix string `yaml:"prefix" json:"prefix"`
	// BatchSize 单次 XREADGROUP 拉取条数
	BatchSize int64 `yaml:"batch_size" json:"batch_size"`
	// BlockTimeout 消费阻塞等待时长
	BlockTimeout time.Duration `yaml:"block_timeout" json:"block_timeout"`
	// MaxStreamLen 流的近似最大长度(XADD MAXLEN ~),0 表示不限
	MaxStreamLen int64 `yaml:"max_stream_len" json:"max_stream_len"`
	// PublishRate 每秒发布上限,0 表示不限流
	PublishRate float64 `yaml:"publish_rate" json:"publish_rate"`
	// Retry 发布失败的重试策略
	Retry retry.Policy `yaml:"retry" json:"retry"`
}

// DefaultRedisConfig 返回默认配置。
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:       "devfleet",
		BatchSize:    16,
		BlockTimeout: 2 * time.Second,
		MaxStreamLen: 100000,
		Retry:        retry.DefaultPolicy(),
	}
}

// RedisTransport 基于 Redis Streams 的传输实现。
//
// 每个 Agent 对应一条专属流(保证单 Agent 内 FIFO),外加一条共享广播流。
// 每个 Agent 有独立消费者组:专属流从头补读,广播流只接收订阅之后的消息。
// 消费者组保证重新订阅后从最后确认的位置续读(at-least-once)。
// client 由调用方创建并负责关闭,便于测试时注入 miniredis。
type RedisTransport struct {
	client  redis.UniversalClient
	config  RedisConfig
	logger  *zap.Logger
	limiter *rate.Limiter
	metrics Metrics

	state atomic.Int32 // transportState

	mu   sync.RWMutex
	subs map[string]*redisSubscriber

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type redisSubscriber struct {
	agentID string
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisTransport 创建 Redis Streams 传输。
func NewRedisTransport(client redis.UniversalClient, config RedisConfig, logger *zap.Logger) *RedisTransport {
	if config.Prefix == "" {
		config.Prefix = "devfleet"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 2 * time.Second
	}

	var limiter *rate.Limiter
	if config.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PublishRate), int(config.PublishRate))
	}

	t := &RedisTransport{
		client:  client,
		config:  config,
		logger:  logger.With(zap.String("component", "redis_transport")),
		limiter: limiter,
		subs:    make(map[string]*redisSubscriber),
	}
	t.state.Store(int32(stateRunning))
	return t
}

// WithMetrics 注入指标观察者,返回自身以便链式调用。
func (t *RedisTransport) WithMetrics(m Metrics) *RedisTransport {
	t.metrics = m
	return t
}

func (t *RedisTransport) agentStream(agentID string) string {
	return t.config.Prefix + ":agent:" + agentID
}

func (t *RedisTransport) broadcastStream() string {
	return t.config.Prefix + ":" + string(TopicBroadcast)
}

func (t *RedisTransport) group(agentID string) string {
	return t.config.Prefix + ":cg:" + agentID
}

// Publish 将消息追加到目标 Agent 的流。agent_id 为空的消息进广播流。
func (t *RedisTransport) Publish(ctx context.Context, msg *protocol.Message) error {
	if !t.running() {
		return ErrQueueClosed
	}

	stream := t.broadcastStream()
	if msg.Header.AgentID != "" {
		stream = t.agentStream(msg.Header.AgentID)
	}
	return t.append(ctx, stream, msg)
}

// Broadcast 将消息追加到广播流,所有订阅者都会收到。
// 线上强制 message_type=event(仅传输内部生效,调用方的消息不变)。
func (t *RedisTransport) Broadcast(ctx context.Context, msg *protocol.Message) error {
	if !t.running() {
		return ErrQueueClosed
	}

	wire := *msg
	wire.Header.Type = protocol.TypeEvent
	return t.append(ctx, t.broadcastStream(), &wire)
}

func (t *RedisTransport) append(ctx context.Context, stream string, msg *protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		t.failed.Add(1)
		return &TransportError{Op: "publish", Topic: TopicFor(msg.Header.Type), Cause: err}
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			t.failed.Add(1)
			return types.WrapError(types.ErrPublishTimeout, "publish rate wait aborted", err)
		}
	}

	start := time.Now()
	err = retry.Do(ctx, t.config.Retry, func(ctx context.Context) error {
		return t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: t.config.MaxStreamLen,
			Approx: true,
			Values: map[string]any{
				"payload":    string(data),
				"topic":      string(TopicFor(msg.Header.Type)),
				"message_id": msg.Header.MessageID,
			},
		}).Err()
	})
	if err != nil {
		t.failed.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return types.WrapError(types.ErrPublishTimeout, "publish to "+stream+" timed out", err).WithRetryable(true)
		}
		return &TransportError{Op: "publish", Topic: TopicFor(msg.Header.Type), Cause: err}
	}

	t.published.Add(1)
	if t.metrics != nil {
		t.metrics.RecordPublish("redis", string(TopicFor(msg.Header.Type)), time.Since(start))
	}
	return nil
}

// Subscribe 为 agentID 启动消费协程,读取其专属流与广播流。
func (t *RedisTransport) Subscribe(ctx context.Context, agentID string, h Handler) error {
	if !t.running() {
		return ErrQueueClosed
	}

	t.mu.Lock()
	if _, ok := t.subs[agentID]; ok {
		t.mu.Unlock()
		return ErrAlreadySubscribed
	}

	group := t.group(agentID)
	// 专属流从头补读(订阅前积压的消息也要投递);广播流只收新消息
	if err := t.ensureGroup(ctx, t.agentStream(agentID), group, "0"); err != nil {
		t.mu.Unlock()
		return err
	}
	if err := t.ensureGroup(ctx, t.broadcastStream(), group, "$"); err != nil {
		t.mu.Unlock()
		return err
	}

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscriber{
		agentID: agentID,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	t.subs[agentID] = sub
	t.mu.Unlock()

	go t.consume(consumeCtx, sub)

	t.logger.Info("订阅者已注册",
		zap.String("agent_id", agentID),
		zap.String("stream", t.agentStream(agentID)))
	return nil
}

func (t *RedisTransport) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &TransportError{Op: "subscribe", Topic: TopicBroadcast, Cause: err}
	}
	return nil
}

// Unsubscribe 停止 agentID 的消费协程。
// 消费者组保留在 Redis 中,重新订阅后从最后确认位置续读。
func (t *RedisTransport) Unsubscribe(agentID string) error {
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

func (t *RedisTransport) consume(ctx context.Context, sub *redisSubscriber) {
	defer close(sub.done)

	group := t.group(sub.agentID)
	streams := []string{t.agentStream(sub.agentID), t.broadcastStream(), ">", ">"}

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: sub.agentID,
			Streams:  streams,
			Count:    t.config.BatchSize,
			Block:    t.config.BlockTimeout,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.Warn("读取消息流失败",
				zap.String("agent_id", sub.agentID),
				zap.Error(err))
			select {
			case <-time.After(t.config.Retry.Delay(0)):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				t.deliver(ctx, sub, group, stream.Stream, entry)
			}
		}
	}
}

func (t *RedisTransport) deliver(ctx context.Context, sub *redisSubscriber, group, stream string, entry redis.XMessage) {
	// 无论处理结果如何都确认,毒消息与处理失败均不重投
	defer t.client.XAck(ctx, stream, group, entry.ID)

	payload, ok := entry.Values["payload"].(string)
	if !ok {
		t.dropped.Add(1)
		if t.metrics != nil {
			t.metrics.RecordDropped("redis", string(TopicBroadcast))
		}
		t.logger.Warn("流条目缺少 payload 字段",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID))
		return
	}

	msg, err := protocol.Unmarshal([]byte(payload))
	if err != nil {
		t.dropped.Add(1)
		if t.metrics != nil {
			t.metrics.RecordDropped("redis", string(TopicBroadcast))
		}
		t.logger.Warn("丢弃无法解码的消息",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
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
		t.metrics.RecordDelivery("redis", string(TopicFor(msg.Header.Type)), err)
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
func (t *RedisTransport) Stats() QueueStats {
	t.mu.RLock()
	active := len(t.subs)
	t.mu.RUnlock()

	return QueueStats{
		Backend:           "redis",
		ActiveSubscribers: active,
		Published:         t.published.Load(),
		Delivered:         t.delivered.Load(),
		Failed:            t.failed.Load(),
		Dropped:           t.dropped.Load(),
	}
}

// Close 停止全部消费协程并等待退出。幂等;不关闭注入的 client。
func (t *RedisTransport) Close(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(stateRunning), int32(stateClosing)) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*redisSubscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*redisSubscriber)
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

	t.state.Store(int32(stateClosed))
	t.logger.Info("Redis 传输已关闭")
	return nil
}

func (t *RedisTransport) running() bool {
	return transportState(t.state.Load()) == stateRunning
}
