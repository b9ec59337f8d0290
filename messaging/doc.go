// Package messaging 提供协调器与 Agent 之间的消息队列传输层。
//
// Transport 是唯一对外契约：按消息类型映射到固定主题（commands/events/
// responses/broadcast），以 Agent ID 为分区键保证单 Agent 内的 FIFO 投递，
// 跨 Agent 无全序保证。投递语义为 at-least-once：发布只确认入队成功，
// 消费侧对单条消息的错误记录后跳过（毒消息隔离），不会无限重试。
//
// 两个实现：MemoryTransport（进程内，每个订阅者独立消费协程）和
// RedisTransport（Redis Streams，消费者组在重新订阅后从最后确认位置续读）。
package messaging
