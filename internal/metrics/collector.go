package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 生命周期指标
	stateTransitions    *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	agentsByState       *prometheus.GaugeVec

	// 消息指标
	messagesPublished  *prometheus.CounterVec
	messagesDelivered  *prometheus.CounterVec
	messagesFailed     *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
	publishDuration    *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec

	// 路由指标
	routingDecisions  *prometheus.CounterVec
	routingCandidates *prometheus.HistogramVec
	broadcastResults  *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 生命周期指标
	c.stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.transitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_transitions_rejected_total",
			Help:      "Total number of rejected state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.agentsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_by_state",
			Help:      "Number of agents currently in each state",
		},
		[]string{"state"},
	)

	// 消息指标
	c.messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		},
		[]string{"backend", "topic"},
	)

	c.messagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Total number of messages delivered to handlers",
		},
		[]string{"backend", "topic"},
	)

	c.messagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of handler failures",
		},
		[]string{"backend", "topic"},
	)

	c.messagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of undecodable messages dropped",
		},
		[]string{"backend", "topic"},
	)

	c.publishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Message publish duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend", "topic"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of messages buffered per agent queue",
		},
		[]string{"agent_id"},
	)

	// 路由指标
	c.routingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing decisions",
		},
		[]string{"strategy", "status"},
	)

	c.routingCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_candidates",
			Help:      "Number of candidate agents per routing decision",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"strategy"},
	)

	c.broadcastResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_results_total",
			Help:      "Broadcast delivery outcomes",
		},
		[]string{"result"}, // result: delivered, failed, skipped
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎭 生命周期指标记录
// =============================================================================

// RecordStateTransition 记录状态转换
func (c *Collector) RecordStateTransition(fromState, toState string) {
	c.stateTransitions.WithLabelValues(fromState, toState).Inc()
	c.agentsByState.WithLabelValues(fromState).Dec()
	c.agentsByState.WithLabelValues(toState).Inc()
}

// RecordTransitionRejected 记录被拒绝的非法转换
func (c *Collector) RecordTransitionRejected(fromState, toState string) {
	c.transitionsRejected.WithLabelValues(fromState, toState).Inc()
}

// RecordAgentRegistered 记录新注册的 Agent
func (c *Collector) RecordAgentRegistered(state string) {
	c.agentsByState.WithLabelValues(state).Inc()
}

// =============================================================================
// 📬 消息指标记录
// =============================================================================

// RecordPublish 记录消息发布
func (c *Collector) RecordPublish(backend, topic string, duration time.Duration) {
	c.messagesPublished.WithLabelValues(backend, topic).Inc()
	c.publishDuration.WithLabelValues(backend, topic).Observe(duration.Seconds())
}

// RecordDelivery 记录消息投递结果
func (c *Collector) RecordDelivery(backend, topic string, err error) {
	if err != nil {
		c.messagesFailed.WithLabelValues(backend, topic).Inc()
		return
	}
	c.messagesDelivered.WithLabelValues(backend, topic).Inc()
}

// RecordDropped 记录因无法解码而丢弃的消息
func (c *Collector) RecordDropped(backend, topic string) {
	c.messagesDropped.WithLabelValues(backend, topic).Inc()
}

// RecordQueueDepth 记录队列积压深度
func (c *Collector) RecordQueueDepth(agentID string, depth int) {
	c.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

// =============================================================================
// 🧭 路由指标记录
// =============================================================================

// RecordRoutingDecision 记录路由决策结果
func (c *Collector) RecordRoutingDecision(strategy, status string, candidates int) {
	c.routingDecisions.WithLabelValues(strategy, status).Inc()
	c.routingCandidates.WithLabelValues(strategy).Observe(float64(candidates))
}

// RecordBroadcast 记录一次广播的投递结果
func (c *Collector) RecordBroadcast(delivered, failed, skipped int) {
	c.broadcastResults.WithLabelValues("delivered").Add(float64(delivered))
	c.broadcastResults.WithLabelValues("failed").Add(float64(failed))
	c.broadcastResults.WithLabelValues("skipped").Add(float64(skipped))
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
