package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devfleet/devfleet/protocol"
)

// Topic 路由键，由消息类型唯一确定，不可按调用配置
type Topic string

const (
	TopicCommands  Topic = "commands"
	TopicEvents    Topic = "events"
	TopicResponses Topic = "responses"
	TopicBroadcast Topic = "broadcast"
)

// TopicFor 返回消息类型对应的主题。
// command/event/response 各有专属主题，其余一律进 broadcast。
func TopicFor(t protocol.MessageType) Topic {
	switch t {
	case protocol.TypeCommand:
		return TopicCommands
	case protocol.TypeEvent:
		return TopicEvents
	case protocol.TypeResponse:
		return TopicResponses
	default:
		return TopicBroadcast
	}
}

// Handler 订阅者的消息处理回调。
// 处理器必须自行过滤不理解的消息类型而不是报错；返回的 error 只用于
// 记录，不会触发重投。
type Handler func(ctx context.Context, msg *protocol.Message) error

// Metrics 传输层指标观察者,由装配方注入。
// 实现必须可并发调用;未注入时传输层不采集任何指标。
type Metrics interface {
	RecordPublish(backend, topic string, duration time.Duration)
	RecordDelivery(backend, topic string, err error)
	RecordDropped(backend, topic string)
	RecordQueueDepth(agentID string, depth int)
}

// QueueStats 队列统计信息，供健康检查/可观测性协作方使用
type QueueStats struct {
	Backend           string `json:"backend"`
	ActiveSubscribers int    `json:"active_subscribers"`
	Published         uint64 `json:"published"`
	Delivered         uint64 `json:"delivered"`
	Failed            uint64 `json:"failed"`
	Dropped           uint64 `json:"dropped"`
}

// Transport 消息队列传输契约。
// Publish 只保证入队成功，投递异步进行；Subscribe 每个 Agent 每进程
// 仅一个活跃消费者；Close 幂等，取消全部消费循环并排空出站缓冲。
type Transport interface {
	Publish(ctx context.Context, msg *protocol.Message) error
	Subscribe(ctx context.Context, agentID string, h Handler) error
	Unsubscribe(agentID string) error
	Broadcast(ctx context.Context, msg *protocol.Message) error
	Stats() QueueStats
	Close(ctx context.Context) error
}

// ErrQueueClosed 队列已关闭，所有操作被拒绝
var ErrQueueClosed = errors.New("message queue closed")

// ErrAlreadySubscribed 同一 Agent 在本进程内已有活跃消费者
var ErrAlreadySubscribed = errors.New("agent already subscribed")

// TransportError 传输层错误（发布失败、broker 不可用、超时等）
type TransportError struct {
	Op    string
	Topic Topic
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on %s: %v", e.Op, e.Topic, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// 传输层生命周期：CREATED → RUNNING →（Close）→ CLOSING → CLOSED
type transportState int32

const (
	stateCreated transportState = iota
	stateRunning
	stateClosing
	stateClosed
)
