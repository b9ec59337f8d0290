package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devfleet/devfleet/internal/ctxkeys"
)

// 事件名称，对应转换前后两个钩子
const (
	EventPreTransition  = "pre_transition"
	EventPostTransition = "post_transition"
)

// Transition 一次已接受的状态转换记录，追加后不可变更
type Transition struct {
	From        State          `json:"from_state"`
	To          State          `json:"to_state"`
	Timestamp   time.Time      `json:"timestamp"`
	Reason      string         `json:"reason"`
	TriggeredBy string         `json:"triggered_by"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TransitionEvent 传递给事件处理器的载荷
type TransitionEvent struct {
	EventType   string
	AgentID     string
	From        State
	To          State
	Reason      string
	TriggeredBy string
	Metadata    map[string]any
	Timestamp   time.Time
}

// Handler 生命周期事件处理器。处理器是尽力而为的观察者：
// panic 会被捕获并记录，不会阻止转换，也不会影响后续处理器。
type Handler func(TransitionEvent)

// Dispatcher 执行异步注册的处理器
type Dispatcher interface {
	Go(fn func())
}

// Metrics 生命周期指标观察者,由装配方注入;未注入时不采集。
type Metrics interface {
	RecordStateTransition(fromState, toState string)
	RecordTransitionRejected(fromState, toState string)
	RecordAgentRegistered(state string)
}

// goDispatcher 直接起 goroutine 的默认调度器
type goDispatcher struct{}

func (goDispatcher) Go(fn func()) { go fn() }

type registeredHandler struct {
	fn    Handler
	async bool
}

// StateInfo 当前状态快照
type StateInfo struct {
	AgentID          string       `json:"agent_id"`
	CurrentState     State        `json:"current_state"`
	ValidTransitions []State      `json:"valid_transitions"`
	HistoryCount     int          `json:"state_history_count"`
	LastTransition   *Transition  `json:"last_transition,omitempty"`
}

// Manager 管理单个 Agent 的生命周期状态机。
// 转换通过 transitionMu 串行化（单写者），状态与历史的读取走 mu。
type Manager struct {
	agentID string
	logger  *zap.Logger

	transitionMu sync.Mutex // 串行化整个转换流程，含事件派发
	mu           sync.RWMutex
	current      State
	history      []Transition

	handlerMu sync.RWMutex
	handlers  map[string][]registeredHandler

	dispatch Dispatcher
	metrics  Metrics
}

// NewManager 创建生命周期管理器，初始状态为 REGISTERED
func NewManager(agentID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		agentID:  agentID,
		logger:   logger.With(zap.String("component", "lifecycle"), zap.String("agent_id", agentID)),
		current:  StateRegistered,
		handlers: make(map[string][]registeredHandler),
		dispatch: goDispatcher{},
	}
	// 历史只记录被接受的转换；首条记录的 From 必为 REGISTERED
	m.logger.Info("lifecycle manager initialized", zap.String("state", string(StateRegistered)))
	return m
}

// WithDispatcher 设置异步处理器的调度器
func (m *Manager) WithDispatcher(d Dispatcher) *Manager {
	if d != nil {
		m.dispatch = d
	}
	return m
}

// WithMetrics 注入指标观察者,返回自身以便链式调用。
func (m *Manager) WithMetrics(mt Metrics) *Manager {
	m.metrics = mt
	return m
}

// AgentID 返回所属 Agent ID
func (m *Manager) AgentID() string {
	return m.agentID
}

// CurrentState 返回当前状态
func (m *Manager) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransitionTo 检查从当前状态到目标状态的转换是否合法（无副作用）
func (m *Manager) CanTransitionTo(target State) bool {
	return CanTransition(m.CurrentState(), target)
}

// TransitionTo 执行受保护的状态转换。
// 非法转换返回 *InvalidTransitionError：状态不变、不触发事件、不写历史。
// 成功时依次：同步触发 pre_transition → 更新状态并追加历史 → 触发
// post_transition。处理器按注册顺序执行，失败不回滚转换。
func (m *Manager) TransitionTo(ctx context.Context, target State, reason, triggeredBy string, metadata map[string]any) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	from := m.CurrentState()
	if !CanTransition(from, target) {
		if m.metrics != nil {
			m.metrics.RecordTransitionRejected(string(from), string(target))
		}
		m.logger.Warn("invalid state transition rejected",
			zap.String("from", string(from)),
			zap.String("to", string(target)),
		)
		return &InvalidTransitionError{AgentID: m.agentID, From: from, To: target}
	}

	if triggeredBy == "" {
		if actor, ok := ctxkeys.TriggeredBy(ctx); ok {
			triggeredBy = actor
		} else {
			triggeredBy = "system"
		}
	}
	now := time.Now().UTC()

	m.emit(TransitionEvent{
		EventType:   EventPreTransition,
		AgentID:     m.agentID,
		From:        from,
		To:          target,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Metadata:    metadata,
		Timestamp:   now,
	})

	m.mu.Lock()
	m.current = target
	m.history = append(m.history, Transition{
		From:        from,
		To:          target,
		Timestamp:   now,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Metadata:    metadata,
	})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordStateTransition(string(from), string(target))
	}

	m.emit(TransitionEvent{
		EventType:   EventPostTransition,
		AgentID:     m.agentID,
		From:        from,
		To:          target,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Metadata:    metadata,
		Timestamp:   now,
	})

	m.logger.Info("agent state transitioned",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
		zap.String("triggered_by", triggeredBy),
	)
	return nil
}

// OnEvent 注册同步事件处理器（pre_transition / post_transition）
func (m *Manager) OnEvent(eventType string, h Handler) {
	m.registerHandler(eventType, h, false)
}

// OnEventAsync 注册异步事件处理器，通过 Dispatcher 执行
func (m *Manager) OnEventAsync(eventType string, h Handler) {
	m.registerHandler(eventType, h, true)
}

func (m *Manager) registerHandler(eventType string, h Handler, async bool) {
	if h == nil {
		return
	}
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], registeredHandler{fn: h, async: async})
}

// emit 按注册顺序触发处理器。panic 被捕获记录，后续处理器继续执行。
func (m *Manager) emit(ev TransitionEvent) {
	m.handlerMu.RLock()
	handlers := make([]registeredHandler, len(m.handlers[ev.EventType]))
	copy(handlers, m.handlers[ev.EventType])
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		h := h
		run := func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("lifecycle event handler panicked",
						zap.String("event_type", ev.EventType),
						zap.Any("recover", r),
					)
				}
			}()
			h.fn(ev)
		}
		if h.async {
			m.dispatch.Go(run)
		} else {
			run()
		}
	}
}

// History 返回状态转换历史副本；limit > 0 时仅返回最近 limit 条
func (m *Manager) History(limit int) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.history
	if limit > 0 && limit < len(src) {
		src = src[len(src)-limit:]
	}
	out := make([]Transition, len(src))
	copy(out, src)
	return out
}

// StateInfo 返回当前状态信息，含一跳可达状态集合
func (m *Manager) StateInfo() StateInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := StateInfo{
		AgentID:          m.agentID,
		CurrentState:     m.current,
		ValidTransitions: ValidTransitionsFrom(m.current),
		HistoryCount:     len(m.history),
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		info.LastTransition = &last
	}
	return info
}

// IsOperational Agent 是否处于可运转状态（ONLINE/BUSY/IDLE）
func (m *Manager) IsOperational() bool {
	switch m.CurrentState() {
	case StateOnline, StateBusy, StateIdle:
		return true
	}
	return false
}

// IsAvailableForTasks Agent 是否可接受新任务（ONLINE/IDLE）
func (m *Manager) IsAvailableForTasks() bool {
	switch m.CurrentState() {
	case StateOnline, StateIdle:
		return true
	}
	return false
}

// IsInErrorState Agent 是否处于错误状态（ERROR/FAILED/TIMEOUT）
func (m *Manager) IsInErrorState() bool {
	switch m.CurrentState() {
	case StateError, StateFailed, StateTimeout:
		return true
	}
	return false
}

// IsInMaintenance Agent 是否处于维护状态（MAINTENANCE/SUSPENDED）
func (m *Manager) IsInMaintenance() bool {
	switch m.CurrentState() {
	case StateMaintenance, StateSuspended:
		return true
	}
	return false
}
