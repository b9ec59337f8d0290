package lifecycle

import "fmt"

// State 定义 Agent 生命周期状态
type State string

const (
	// 初始状态
	StateRegistered State = "registered" // 已注册但未部署
	StateDeploying  State = "deploying"  // 部署中
	StateDeployed   State = "deployed"   // 已部署但未激活

	// 活跃状态
	StateStarting State = "starting" // 启动中
	StateOnline   State = "online"   // 在线就绪
	StateBusy     State = "busy"     // 处理任务中
	StateIdle     State = "idle"     // 在线但无活跃任务

	// 过渡状态
	StateStopping State = "stopping" // 关闭中
	StateUpdating State = "updating" // 更新中
	StateScaling  State = "scaling"  // 扩缩容中

	// 错误状态
	StateError   State = "error"   // 错误状态
	StateFailed  State = "failed"  // 启动/运行失败
	StateTimeout State = "timeout" // 超时

	// 维护状态
	StateMaintenance State = "maintenance" // 维护模式
	StateSuspended   State = "suspended"   // 已挂起
	StateOffline     State = "offline"     // 离线

	// 终态
	StateTerminated State = "terminated" // 已终止
	StateDeleted    State = "deleted"    // 已删除（无出边）
)

// validTransitions 定义合法的状态转换邻接表
var validTransitions = map[State][]State{
	StateRegistered:  {StateDeploying, StateDeleted},
	StateDeploying:   {StateDeployed, StateFailed, StateError},
	StateDeployed:    {StateStarting, StateUpdating, StateDeleted},
	StateStarting:    {StateOnline, StateFailed, StateError, StateTimeout},
	StateOnline:      {StateBusy, StateIdle, StateStopping, StateUpdating, StateMaintenance, StateSuspended, StateOffline, StateError},
	StateBusy:        {StateIdle, StateOnline, StateStopping, StateMaintenance, StateSuspended, StateOffline, StateError},
	StateIdle:        {StateBusy, StateOnline, StateStopping, StateUpdating, StateMaintenance, StateSuspended, StateOffline, StateError},
	StateStopping:    {StateOffline, StateTerminated, StateError},
	StateUpdating:    {StateOnline, StateFailed, StateError},
	StateScaling:     {StateOnline, StateBusy, StateIdle, StateError},
	StateError:       {StateOnline, StateOffline, StateMaintenance, StateFailed},
	StateFailed:      {StateStarting, StateDeploying, StateDeleted},
	StateTimeout:     {StateOffline, StateError, StateStarting},
	StateMaintenance: {StateOnline, StateOffline, StateSuspended},
	StateSuspended:   {StateOnline, StateMaintenance, StateOffline},
	StateOffline:     {StateStarting, StateMaintenance, StateTerminated, StateDeleted},
	StateTerminated:  {StateDeleted},
	StateDeleted:     {},
}

// StateValues 返回全部 18 个生命周期状态
func StateValues() []State {
	return []State{
		StateRegistered, StateDeploying, StateDeployed,
		StateStarting, StateOnline, StateBusy, StateIdle,
		StateStopping, StateUpdating, StateScaling,
		StateError, StateFailed, StateTimeout,
		StateMaintenance, StateSuspended, StateOffline,
		StateTerminated, StateDeleted,
	}
}

// Valid 检查状态是否为已知状态
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransitionsFrom 返回从给定状态一跳可达的状态集合
func ValidTransitionsFrom(from State) []State {
	allowed := validTransitions[from]
	out := make([]State, len(allowed))
	copy(out, allowed)
	return out
}

// InvalidTransitionError 非法状态转换错误
type InvalidTransitionError struct {
	AgentID string
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("agent %s: invalid state transition: %s -> %s", e.AgentID, e.From, e.To)
}

// AgentNotFoundError 未注册的 Agent
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %s not registered", e.AgentID)
}
