// Package router 基于能力与负载为请求挑选目标 Agent,并执行广播扇出。
//
// 候选集 = 声明了全部所需能力的 Agent ∩ 生命周期可接任务的 Agent,
// 为空直接报 NoAvailableAgentError,绝不静默兜底。选中后通过传输层
// 发布 COMMAND,路由本身不改生命周期状态,任务指派由调用方走
// lifecycle.Service 完成。
package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devfleet/devfleet/availability"
	"github.com/devfleet/devfleet/internal/ctxkeys"
	"github.com/devfleet/devfleet/internal/pool"
	"github.com/devfleet/devfleet/lifecycle"
	"github.com/devfleet/devfleet/messaging"
	"github.com/devfleet/devfleet/protocol"
	"github.com/devfleet/devfleet/types"
)

// Policy 负载均衡策略。
type Policy string

const (
	PolicyLeastBusy  Policy = "least_busy"
	PolicyRoundRobin Policy = "round_robin"
	PolicyRandom     Policy = "random"
)

// Valid 是否为已知策略。
func (p Policy) Valid() bool {
	switch p {
	case PolicyLeastBusy, PolicyRoundRobin, PolicyRandom:
		return true
	}
	return false
}

// RouteRequest 一次能力路由请求。
type RouteRequest struct {
	Capabilities []string
	Action       string
	Data         map[string]any
	Policy       Policy
	Priority     protocol.Priority
}

// RoutingDecision 路由结果。
type RoutingDecision struct {
	SelectedAgentID string `json:"selected_agent_id"`
	Strategy        Policy `json:"strategy"`
	CandidateCount  int    `json:"candidate_count"`
	Reason          string `json:"reason"`
	MessageID       string `json:"message_id"`
}

// SendRequest 直达发送请求,绕过能力路由。
// Force 允许向 BUSY 的 Agent 排队发送(显式配置,不是隐藏例外)。
type SendRequest struct {
	AgentID  string
	Action   string
	Data     map[string]any
	Priority protocol.Priority
	TTL      time.Duration
	Metadata map[string]string
	Force    bool
}

// BroadcastRequest 广播请求。AgentTypes 为空表示全部类型。
type BroadcastRequest struct {
	AgentTypes    []types.AgentType
	ExcludeAgents []string
	Action        string
	Data          map[string]any
	Priority      protocol.Priority
}

// BroadcastResult 广播聚合结果。部分成功是正常结果,不折叠成全成败。
type BroadcastResult struct {
	TotalAgents     int      `json:"total_agents"`
	SuccessfulSends int      `json:"successful_sends"`
	FailedSends     int      `json:"failed_sends"`
	SkippedAgents   []string `json:"skipped_agents"`
	MessageIDs      []string `json:"message_ids"`
}

// NoAvailableAgentError 候选集为空。
type NoAvailableAgentError struct {
	Capabilities []string
	Policy       Policy
}

func (e *NoAvailableAgentError) Error() string {
	return fmt.Sprintf("no available agent for capabilities [%s] (policy %s)",
		strings.Join(e.Capabilities, ", "), e.Policy)
}

// AgentUnavailableError Agent 存在但当前不可接任务。
type AgentUnavailableError struct {
	AgentID string
	State   lifecycle.State
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable for tasks in state %s", e.AgentID, e.State)
}

// TaskSubmitter 广播扇出的并发执行器,由 worker pool 满足。
type TaskSubmitter interface {
	SubmitWait(ctx context.Context, task pool.Task) error
}

// Metrics 路由指标观察者,由装配方注入;未注入时不采集。
type Metrics interface {
	RecordRoutingDecision(strategy, status string, candidates int)
	RecordBroadcast(delivered, failed, skipped int)
}

// Router 消息路由器。
type Router struct {
	transport messaging.Transport
	fleet     *lifecycle.Service
	provider  availability.Provider
	submitter TaskSubmitter
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   Metrics

	rrCounter atomic.Uint64
	randInt   func(n int) int
	ledger    *ledger
}

// New 创建路由器。submitter 为 nil 时广播串行执行。
func New(transport messaging.Transport, fleet *lifecycle.Service, provider availability.Provider, submitter TaskSubmitter, logger *zap.Logger) *Router {
	return &Router{
		transport: transport,
		fleet:     fleet,
		provider:  provider,
		submitter: submitter,
		logger:    logger.With(zap.String("component", "router")),
		tracer:    otel.Tracer("devfleet/router"),
		randInt:   rand.IntN,
		ledger:    newLedger(defaultLedgerSize),
	}
}

// WithMetrics 注入指标观察者,返回自身以便链式调用。
func (r *Router) WithMetrics(m Metrics) *Router {
	r.metrics = m
	return r
}

func (r *Router) recordDecision(policy Policy, status string, candidates int) {
	if r.metrics != nil {
		r.metrics.RecordRoutingDecision(string(policy), status, candidates)
	}
}

// Route 为请求挑选一个目标 Agent 并发布 COMMAND。
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RoutingDecision, error) {
	ctx, span := r.tracer.Start(ctx, "router.route",
		trace.WithAttributes(
			attribute.StringSlice("route.capabilities", req.Capabilities),
			attribute.String("route.policy", string(req.Policy)),
		))
	defer span.End()

	policy := req.Policy
	if policy == "" {
		policy = PolicyLeastBusy
	}
	if !policy.Valid() {
		return nil, types.NewError(types.ErrInternalError,
			fmt.Sprintf("unknown load balancing policy %q", policy))
	}
	if req.Priority == 0 {
		req.Priority = protocol.PriorityNormal
	}

	candidates, err := r.candidates(ctx, req.Capabilities)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		r.recordDecision(policy, "no_candidates", 0)
		return nil, &NoAvailableAgentError{Capabilities: req.Capabilities, Policy: policy}
	}

	selected, reason, err := r.choose(ctx, policy, candidates)
	if err != nil {
		return nil, err
	}

	msg := protocol.NewCommand(selected, req.Action, req.Data).WithPriority(req.Priority)
	if corr, ok := ctxkeys.CorrelationID(ctx); ok {
		msg = msg.WithCorrelationID(corr)
	}
	r.ledger.routed(msg.Header.MessageID, selected, req.Action, policy)
	if err := r.transport.Publish(ctx, msg); err != nil {
		r.ledger.failed(msg.Header.MessageID)
		r.recordDecision(policy, "publish_failed", len(candidates))
		return nil, err
	}
	r.ledger.sent(msg.Header.MessageID)
	r.recordDecision(policy, "routed", len(candidates))

	span.SetAttributes(attribute.String("route.selected", selected))
	r.logger.Info("路由决策",
		zap.String("selected", selected),
		zap.String("policy", string(policy)),
		zap.Int("candidates", len(candidates)),
		zap.String("message_id", msg.Header.MessageID))

	return &RoutingDecision{
		SelectedAgentID: selected,
		Strategy:        policy,
		CandidateCount:  len(candidates),
		Reason:          reason,
		MessageID:       msg.Header.MessageID,
	}, nil
}

// candidates 求能力交集再与生命周期可用集求交,结果按 ID 升序。
func (r *Router) candidates(ctx context.Context, capabilities []string) ([]string, error) {
	if len(capabilities) == 0 {
		return nil, types.NewError(types.ErrInternalError, "route request with no capabilities")
	}

	var set map[string]struct{}
	for _, capability := range capabilities {
		ids, err := r.provider.AgentsByCapability(ctx, capability)
		if err != nil {
			return nil, err
		}
		next := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if set == nil {
				next[id] = struct{}{}
				continue
			}
			if _, ok := set[id]; ok {
				next[id] = struct{}{}
			}
		}
		set = next
		if len(set) == 0 {
			return nil, nil
		}
	}

	available := r.fleet.AvailableAgents()
	out := make([]string, 0, len(available))
	for _, id := range available {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// choose 在候选集上应用负载均衡策略。candidates 已按 ID 升序,
// 保证同输入下 least_busy 与 round_robin 的确定性。
func (r *Router) choose(ctx context.Context, policy Policy, candidates []string) (string, string, error) {
	switch policy {
	case PolicyRoundRobin:
		idx := int(r.rrCounter.Add(1)-1) % len(candidates)
		return candidates[idx], fmt.Sprintf("round_robin slot %d of %d", idx, len(candidates)), nil

	case PolicyRandom:
		idx := r.randInt(len(candidates))
		return candidates[idx], fmt.Sprintf("random pick of %d", len(candidates)), nil

	default: // least_busy
		best := candidates[0]
		bestLoad, err := r.provider.AgentLoad(ctx, best)
		if err != nil {
			return "", "", err
		}
		for _, id := range candidates[1:] {
			load, err := r.provider.AgentLoad(ctx, id)
			if err != nil {
				return "", "", err
			}
			if lessBusy(id, load, best, bestLoad) {
				best, bestLoad = id, load
			}
		}
		return best, fmt.Sprintf("least_busy with %d current tasks", bestLoad.CurrentTasks), nil
	}
}

// lessBusy 比较两个候选:任务数少者优先,平手看心跳更早,再平手取 ID 小。
func lessBusy(id string, load availability.Load, bestID string, best availability.Load) bool {
	if load.CurrentTasks != best.CurrentTasks {
		return load.CurrentTasks < best.CurrentTasks
	}
	if !load.LastHeartbeat.Equal(best.LastHeartbeat) {
		return load.LastHeartbeat.Before(best.LastHeartbeat)
	}
	return id < bestID
}

// Send 直达发送。目标必须已注册;非可接任务状态时除非 Force 否则拒绝。
func (r *Router) Send(ctx context.Context, req SendRequest) (*protocol.Message, error) {
	ctx, span := r.tracer.Start(ctx, "router.send",
		trace.WithAttributes(attribute.String("send.agent_id", req.AgentID)))
	defer span.End()

	mgr, err := r.fleet.Manager(req.AgentID)
	if err != nil {
		return nil, err
	}
	if !mgr.IsAvailableForTasks() && !req.Force {
		return nil, &AgentUnavailableError{AgentID: req.AgentID, State: mgr.CurrentState()}
	}

	if req.Priority == 0 {
		req.Priority = protocol.PriorityNormal
	}

	data := make(map[string]any, len(req.Data)+2)
	for k, v := range req.Data {
		data[k] = v
	}
	if req.TTL > 0 {
		data["expires_at"] = time.Now().UTC().Add(req.TTL).Format(time.RFC3339Nano)
	}
	if len(req.Metadata) > 0 {
		data["metadata"] = req.Metadata
	}

	msg := protocol.NewCommand(req.AgentID, req.Action, data).WithPriority(req.Priority)
	if corr, ok := ctxkeys.CorrelationID(ctx); ok {
		msg = msg.WithCorrelationID(corr)
	}
	r.ledger.routed(msg.Header.MessageID, req.AgentID, req.Action, "")
	if err := r.transport.Publish(ctx, msg); err != nil {
		r.ledger.failed(msg.Header.MessageID)
		return nil, err
	}
	r.ledger.sent(msg.Header.MessageID)
	return msg, nil
}

// MessageStatus 查询账本中一条消息的路由状态。
func (r *Router) MessageStatus(messageID string) (MessageRecord, bool) {
	return r.ledger.status(messageID)
}

// CancelMessage 取消一条已路由的消息,账本中无记录或已失败/已取消时返回 false。
// 取消只更新账本状态,不撤回已发布到传输层的消息。
func (r *Router) CancelMessage(messageID string) bool {
	ok := r.ledger.cancel(messageID)
	if ok {
		r.logger.Info("消息已取消", zap.String("message_id", messageID))
	}
	return ok
}

// BroadcastTo 按类型解析目标集合并逐个发送,聚合每个目标的结果。
// 单个失败不会中止其余发送;不可接任务的目标计入 skipped。
func (r *Router) BroadcastTo(ctx context.Context, req BroadcastRequest) (*BroadcastResult, error) {
	ctx, span := r.tracer.Start(ctx, "router.broadcast_to")
	defer span.End()

	agentTypes := req.AgentTypes
	if len(agentTypes) == 0 {
		agentTypes = types.AgentTypeValues()
	}
	if req.Priority == 0 {
		req.Priority = protocol.PriorityNormal
	}

	excluded := make(map[string]struct{}, len(req.ExcludeAgents))
	for _, id := range req.ExcludeAgents {
		excluded[id] = struct{}{}
	}

	seen := make(map[string]struct{})
	var targets []string
	for _, at := range agentTypes {
		ids, err := r.provider.AgentsByType(ctx, at)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if _, skip := excluded[id]; skip {
				continue
			}
			targets = append(targets, id)
		}
	}
	sort.Strings(targets)

	result := &BroadcastResult{TotalAgents: len(targets)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range targets {
		agentID := id

		mgr, err := r.fleet.Manager(agentID)
		if err != nil || !mgr.IsAvailableForTasks() {
			result.SkippedAgents = append(result.SkippedAgents, agentID)
			continue
		}

		send := func(ctx context.Context) error {
			msg := protocol.NewCommand(agentID, req.Action, req.Data).WithPriority(req.Priority)
			r.ledger.routed(msg.Header.MessageID, agentID, req.Action, "")
			if err := r.transport.Publish(ctx, msg); err != nil {
				r.ledger.failed(msg.Header.MessageID)
				mu.Lock()
				result.FailedSends++
				mu.Unlock()
				r.logger.Warn("广播单点发送失败",
					zap.String("agent_id", agentID), zap.Error(err))
				return nil
			}
			r.ledger.sent(msg.Header.MessageID)
			mu.Lock()
			result.SuccessfulSends++
			result.MessageIDs = append(result.MessageIDs, msg.Header.MessageID)
			mu.Unlock()
			return nil
		}

		if r.submitter == nil {
			_ = send(ctx)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.submitter.SubmitWait(ctx, send); err != nil {
				mu.Lock()
				result.FailedSends++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Strings(result.SkippedAgents)
	sort.Strings(result.MessageIDs)

	if r.metrics != nil {
		r.metrics.RecordBroadcast(result.SuccessfulSends, result.FailedSends, len(result.SkippedAgents))
	}

	span.SetAttributes(
		attribute.Int("broadcast.total", result.TotalAgents),
		attribute.Int("broadcast.successful", result.SuccessfulSends),
		attribute.Int("broadcast.failed", result.FailedSends),
	)
	return result, nil
}
