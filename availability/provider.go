// Package availability 维护 Agent 的能力画像与实时负载。
//
// 路由器依赖这里回答三个问题:哪些 Agent 具备某能力、某个 Agent 当前
// 负载如何、给定能力集合下谁最空闲。MemoryProvider 是权威数据源,
// CachedProvider 在其之上加 Redis 快照缓存(最终一致,容忍短暂过期)。
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/devfleet/devfleet/types"
)

// AgentProfile Agent 注册时声明的能力画像。
type AgentProfile struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         types.AgentType `json:"type"`
	Capabilities []string        `json:"capabilities"`
	MaxTasks     int             `json:"max_tasks"`
}

// Load Agent 的实时负载快照。
type Load struct {
	CurrentTasks  int       `json:"current_tasks"`
	MaxTasks      int       `json:"max_tasks"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HasCapacity 是否还能接新任务。MaxTasks<=0 视为不限。
func (l Load) HasCapacity() bool {
	return l.MaxTasks <= 0 || l.CurrentTasks < l.MaxTasks
}

// Provider 可用性读侧契约,路由器只依赖这一面。
type Provider interface {
	// AgentsByCapability 返回声明了 capability 的 Agent ID,按 ID 升序。
	AgentsByCapability(ctx context.Context, capability string) ([]string, error)
	// AgentsByType 返回指定类型的 Agent ID,按 ID 升序。
	AgentsByType(ctx context.Context, agentType types.AgentType) ([]string, error)
	// AgentLoad 返回 Agent 的负载快照。
	AgentLoad(ctx context.Context, agentID string) (Load, error)
	// Profile 返回 Agent 的能力画像。
	Profile(ctx context.Context, agentID string) (AgentProfile, error)
}

// Registry 可用性写侧契约。
type Registry interface {
	Register(ctx context.Context, profile AgentProfile) error
	Unregister(ctx context.Context, agentID string) error
	Heartbeat(ctx context.Context, agentID string) error
	TaskStarted(ctx context.Context, agentID string) error
	TaskFinished(ctx context.Context, agentID string) error
}

// UnknownAgentError 查询了未注册的 Agent。
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agent %s not registered with availability service", e.AgentID)
}
