package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Service 舰队级生命周期服务。
// 按 Agent ID 持有一组 Manager；map 支持并发读取，单个 Agent 的转换由
// 其 Manager 串行化。通过 OnEvent 注册的处理器对现有和后续注册的全部
// Agent 生效，供持久化、可观测性等协作方消费转换事件。
type Service struct {
	mu       sync.RWMutex
	managers map[string]*Manager

	handlerMu     sync.RWMutex
	fleetHandlers []fleetHandler

	dispatch Dispatcher
	metrics  Metrics
	logger   *zap.Logger
}

type fleetHandler struct {
	eventType string
	fn        Handler
	async     bool
}

// NewService 创建生命周期服务
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		managers: make(map[string]*Manager),
		dispatch: goDispatcher{},
		logger:   logger.With(zap.String("component", "lifecycle_service")),
	}
}

// WithDispatcher 设置异步事件处理器的调度器
func (s *Service) WithDispatcher(d Dispatcher) *Service {
	if d != nil {
		s.dispatch = d
	}
	return s
}

// WithMetrics 注入指标观察者,对现有和后续注册的全部 Agent 生效。
func (s *Service) WithMetrics(m Metrics) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
	for _, mgr := range s.managers {
		mgr.WithMetrics(m)
	}
	return s
}

// Manager 返回指定 Agent 的生命周期管理器
func (s *Service) Manager(agentID string) (*Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[agentID]
	if !ok {
		return nil, &AgentNotFoundError{AgentID: agentID}
	}
	return m, nil
}

// RegisterAgent 注册 Agent。幂等：已注册时不产生任何副作用。
func (s *Service) RegisterAgent(agentID string) error {
	s.mu.Lock()
	if _, ok := s.managers[agentID]; ok {
		s.mu.Unlock()
		return nil
	}
	m := NewManager(agentID, s.logger).WithDispatcher(s.dispatch).WithMetrics(s.metrics)
	s.managers[agentID] = m
	if s.metrics != nil {
		s.metrics.RecordAgentRegistered(string(StateRegistered))
	}
	s.mu.Unlock()

	// 舰队级处理器应用到新 Manager
	s.handlerMu.RLock()
	for _, h := range s.fleetHandlers {
		if h.async {
			m.OnEventAsync(h.eventType, h.fn)
		} else {
			m.OnEvent(h.eventType, h.fn)
		}
	}
	s.handlerMu.RUnlock()

	s.logger.Info("agent registered", zap.String("agent_id", agentID))
	return nil
}

// OnEvent 注册舰队级同步事件处理器，对所有 Agent 生效
func (s *Service) OnEvent(eventType string, h Handler) {
	s.registerFleetHandler(eventType, h, false)
}

// OnEventAsync 注册舰队级异步事件处理器
func (s *Service) OnEventAsync(eventType string, h Handler) {
	s.registerFleetHandler(eventType, h, true)
}

func (s *Service) registerFleetHandler(eventType string, h Handler, async bool) {
	if h == nil {
		return
	}
	s.handlerMu.Lock()
	s.fleetHandlers = append(s.fleetHandlers, fleetHandler{eventType: eventType, fn: h, async: async})
	s.handlerMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.managers {
		if async {
			m.OnEventAsync(eventType, h)
		} else {
			m.OnEvent(eventType, h)
		}
	}
}

// DeployAgent 部署 Agent：REGISTERED → DEPLOYING → DEPLOYED
func (s *Service) DeployAgent(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if err := m.TransitionTo(ctx, StateDeploying, "starting deployment", "", nil); err != nil {
		return err
	}
	return m.TransitionTo(ctx, StateDeployed, "deployment completed", "", nil)
}

// StartAgent 启动 Agent：经 STARTING 到 ONLINE
func (s *Service) StartAgent(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if err := m.TransitionTo(ctx, StateStarting, "starting agent", "", nil); err != nil {
		return err
	}
	return m.TransitionTo(ctx, StateOnline, "agent started successfully", "", nil)
}

// StopAgent 停止 Agent：经 STOPPING 到 OFFLINE
func (s *Service) StopAgent(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if err := m.TransitionTo(ctx, StateStopping, "stopping agent", "", nil); err != nil {
		return err
	}
	return m.TransitionTo(ctx, StateOffline, "agent stopped", "", nil)
}

// AssignTask 分配任务：仅当 Agent 可接受任务（ONLINE/IDLE）时转入 BUSY
func (s *Service) AssignTask(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if !m.IsAvailableForTasks() {
		s.logger.Warn("agent not available for tasks",
			zap.String("agent_id", agentID),
			zap.String("state", string(m.CurrentState())),
		)
		return &InvalidTransitionError{AgentID: agentID, From: m.CurrentState(), To: StateBusy}
	}
	return m.TransitionTo(ctx, StateBusy, "task assigned", "", nil)
}

// CompleteTask 任务完成：BUSY → IDLE
func (s *Service) CompleteTask(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if m.CurrentState() != StateBusy {
		return &InvalidTransitionError{AgentID: agentID, From: m.CurrentState(), To: StateIdle}
	}
	return m.TransitionTo(ctx, StateIdle, "task completed", "", nil)
}

// PutInMaintenance 进入维护模式
func (s *Service) PutInMaintenance(ctx context.Context, agentID, reason string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "maintenance"
	}
	return m.TransitionTo(ctx, StateMaintenance, reason, "", nil)
}

// ResumeFromMaintenance 从维护模式恢复到 ONLINE
func (s *Service) ResumeFromMaintenance(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if m.CurrentState() != StateMaintenance {
		return &InvalidTransitionError{AgentID: agentID, From: m.CurrentState(), To: StateOnline}
	}
	return m.TransitionTo(ctx, StateOnline, "resumed from maintenance", "", nil)
}

// HandleError 将 Agent 转入 ERROR 状态。
// 转换仍受邻接表约束：当前状态的出边不含 ERROR 时返回
// *InvalidTransitionError，而不是无条件强制转换。
func (s *Service) HandleError(ctx context.Context, agentID, errorMessage string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	return m.TransitionTo(ctx, StateError, "error: "+errorMessage, "",
		map[string]any{"error_message": errorMessage})
}

// TerminateAgent 终止 Agent：到 TERMINATED（需处于 STOPPING/OFFLINE）
func (s *Service) TerminateAgent(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	return m.TransitionTo(ctx, StateTerminated, "agent terminated", "", nil)
}

// DeleteAgent 删除 Agent：转入 DELETED 终态并回收其 Manager
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	m, err := s.Manager(agentID)
	if err != nil {
		return err
	}
	if err := m.TransitionTo(ctx, StateDeleted, "agent deleted", "", nil); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.managers, agentID)
	s.mu.Unlock()

	s.logger.Info("agent deleted and manager released", zap.String("agent_id", agentID))
	return nil
}

// AgentStatus 返回指定 Agent 的状态信息
func (s *Service) AgentStatus(agentID string) (StateInfo, error) {
	m, err := s.Manager(agentID)
	if err != nil {
		return StateInfo{}, err
	}
	return m.StateInfo(), nil
}

// AllStatuses 返回全部 Agent 的状态信息
func (s *Service) AllStatuses() map[string]StateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]StateInfo, len(s.managers))
	for id, m := range s.managers {
		out[id] = m.StateInfo()
	}
	return out
}

// OperationalAgents 返回可运转的 Agent（ONLINE/BUSY/IDLE）
func (s *Service) OperationalAgents() []string {
	return s.filterAgents(func(m *Manager) bool { return m.IsOperational() })
}

// AvailableAgents 返回可接受任务的 Agent（ONLINE/IDLE）
func (s *Service) AvailableAgents() []string {
	return s.filterAgents(func(m *Manager) bool { return m.IsAvailableForTasks() })
}

// AgentsInError 返回处于错误状态的 Agent
func (s *Service) AgentsInError() []string {
	return s.filterAgents(func(m *Manager) bool { return m.IsInErrorState() })
}

// AgentsInMaintenance 返回处于维护状态的 Agent
func (s *Service) AgentsInMaintenance() []string {
	return s.filterAgents(func(m *Manager) bool { return m.IsInMaintenance() })
}

func (s *Service) filterAgents(pred func(*Manager) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, m := range s.managers {
		if pred(m) {
			out = append(out, id)
		}
	}
	return out
}
