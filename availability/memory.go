package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devfleet/devfleet/types"
)

// MemoryProvider 进程内权威可用性数据源。
// 注册、心跳与任务计数都在这里落账;读写都加锁,负载计数单调一致。
type MemoryProvider struct {
	logger *zap.Logger

	mu       sync.RWMutex
	profiles map[string]AgentProfile
	loads    map[string]*Load
}

var _ Provider = (*MemoryProvider)(nil)
var _ Registry = (*MemoryProvider)(nil)

// NewMemoryProvider 创建内存可用性数据源。
func NewMemoryProvider(logger *zap.Logger) *MemoryProvider {
	return &MemoryProvider{
		logger:   logger.With(zap.String("component", "availability")),
		profiles: make(map[string]AgentProfile),
		loads:    make(map[string]*Load),
	}
}

// Register 登记 Agent 画像。重复注册覆盖画像但保留已有负载计数。
func (p *MemoryProvider) Register(_ context.Context, profile AgentProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.profiles[profile.ID] = profile
	if load, ok := p.loads[profile.ID]; ok {
		load.MaxTasks = profile.MaxTasks
	} else {
		p.loads[profile.ID] = &Load{
			MaxTasks:      profile.MaxTasks,
			LastHeartbeat: time.Now().UTC(),
		}
	}

	p.logger.Info("agent 画像已登记",
		zap.String("agent_id", profile.ID),
		zap.String("type", string(profile.Type)),
		zap.Strings("capabilities", profile.Capabilities))
	return nil
}

// Unregister 移除 Agent。
func (p *MemoryProvider) Unregister(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.profiles[agentID]; !ok {
		return &UnknownAgentError{AgentID: agentID}
	}
	delete(p.profiles, agentID)
	delete(p.loads, agentID)
	return nil
}

// Heartbeat 刷新心跳时间。
func (p *MemoryProvider) Heartbeat(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	load, ok := p.loads[agentID]
	if !ok {
		return &UnknownAgentError{AgentID: agentID}
	}
	load.LastHeartbeat = time.Now().UTC()
	return nil
}

// TaskStarted 任务计数 +1。
func (p *MemoryProvider) TaskStarted(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	load, ok := p.loads[agentID]
	if !ok {
		return &UnknownAgentError{AgentID: agentID}
	}
	load.CurrentTasks++
	return nil
}

// TaskFinished 任务计数 -1,不会降到负数。
func (p *MemoryProvider) TaskFinished(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	load, ok := p.loads[agentID]
	if !ok {
		return &UnknownAgentError{AgentID: agentID}
	}
	if load.CurrentTasks > 0 {
		load.CurrentTasks--
	}
	return nil
}

// AgentsByCapability 返回声明了 capability 的 Agent ID,按 ID 升序。
func (p *MemoryProvider) AgentsByCapability(_ context.Context, capability string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	for id, profile := range p.profiles {
		for _, c := range profile.Capabilities {
			if c == capability {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// AgentsByType 返回指定类型的 Agent ID,按 ID 升序。
func (p *MemoryProvider) AgentsByType(_ context.Context, agentType types.AgentType) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	for id, profile := range p.profiles {
		if profile.Type == agentType {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AgentLoad 返回负载快照。
func (p *MemoryProvider) AgentLoad(_ context.Context, agentID string) (Load, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	load, ok := p.loads[agentID]
	if !ok {
		return Load{}, &UnknownAgentError{AgentID: agentID}
	}
	return *load, nil
}

// Profile 返回能力画像。
func (p *MemoryProvider) Profile(_ context.Context, agentID string) (AgentProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	profile, ok := p.profiles[agentID]
	if !ok {
		return AgentProfile{}, &UnknownAgentError{AgentID: agentID}
	}
	return profile, nil
}
