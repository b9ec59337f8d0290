package availability

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/devfleet/devfleet/internal/cache"
	"github.com/devfleet/devfleet/types"
)

// CachedProvider 在权威数据源之上加 Redis 快照缓存。
//
// 读路径先查缓存,未命中回源并写回;缓存故障时直接回源,只记日志。
// 并发的同 key 回源通过 singleflight 合并,避免缓存失效后的击穿。
// 写路径穿透到内层并使相关快照失效。快照 TTL 内可能读到略旧的负载,
// 路由结果最终一致,这是接受的取舍。
// Metrics 缓存命中指标观察者,由装配方注入;未注入时不采集。
type Metrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type CachedProvider struct {
	inner  interface {
		Provider
		Registry
	}
	cache   *cache.Manager
	ttl     time.Duration
	group   singleflight.Group
	metrics Metrics
	logger  *zap.Logger
}

var _ Provider = (*CachedProvider)(nil)
var _ Registry = (*CachedProvider)(nil)

// NewCachedProvider 包装 inner,快照 TTL 默认 30 秒。
func NewCachedProvider(inner *MemoryProvider, cm *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedProvider{
		inner:  inner,
		cache:  cm,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "availability_cache")),
	}
}

// WithMetrics 注入指标观察者,返回自身以便链式调用。
func (p *CachedProvider) WithMetrics(m Metrics) *CachedProvider {
	p.metrics = m
	return p
}

func (p *CachedProvider) recordHit(cacheType string, hit bool) {
	if p.metrics == nil {
		return
	}
	if hit {
		p.metrics.RecordCacheHit(cacheType)
	} else {
		p.metrics.RecordCacheMiss(cacheType)
	}
}

// AgentsByCapability 缓存能力倒排快照。
func (p *CachedProvider) AgentsByCapability(ctx context.Context, capability string) ([]string, error) {
	key := p.cache.CapabilityKey(capability)

	var cached []string
	err := p.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		p.recordHit("capability", true)
		return cached, nil
	}
	p.recordHit("capability", false)
	if !cache.IsCacheMiss(err) {
		p.logger.Warn("能力快照读取失败,回源", zap.String("capability", capability), zap.Error(err))
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		agents, err := p.inner.AgentsByCapability(ctx, capability)
		if err != nil {
			return nil, err
		}
		if err := p.cache.SetJSON(ctx, key, agents, p.ttl); err != nil {
			p.logger.Warn("能力快照写入失败", zap.String("capability", capability), zap.Error(err))
		}
		return agents, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// AgentsByType 类型查询不缓存,直接回源(基数小且注册变更低频)。
func (p *CachedProvider) AgentsByType(ctx context.Context, agentType types.AgentType) ([]string, error) {
	return p.inner.AgentsByType(ctx, agentType)
}

// AgentLoad 缓存负载快照。
func (p *CachedProvider) AgentLoad(ctx context.Context, agentID string) (Load, error) {
	key := p.cache.AgentLoadKey(agentID)

	var cached Load
	err := p.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		p.recordHit("agent_load", true)
		return cached, nil
	}
	p.recordHit("agent_load", false)
	if !cache.IsCacheMiss(err) {
		p.logger.Warn("负载快照读取失败,回源", zap.String("agent_id", agentID), zap.Error(err))
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		load, err := p.inner.AgentLoad(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if err := p.cache.SetJSON(ctx, key, load, p.ttl); err != nil {
			p.logger.Warn("负载快照写入失败", zap.String("agent_id", agentID), zap.Error(err))
		}
		return load, nil
	})
	if err != nil {
		return Load{}, err
	}
	return v.(Load), nil
}

// Profile 画像直接回源。
func (p *CachedProvider) Profile(ctx context.Context, agentID string) (AgentProfile, error) {
	return p.inner.Profile(ctx, agentID)
}

// Register 穿透注册并使相关快照失效。
func (p *CachedProvider) Register(ctx context.Context, profile AgentProfile) error {
	if err := p.inner.Register(ctx, profile); err != nil {
		return err
	}
	p.invalidate(ctx, profile.ID, profile.Capabilities)
	return nil
}

// Unregister 穿透注销并使相关快照失效。
func (p *CachedProvider) Unregister(ctx context.Context, agentID string) error {
	profile, perr := p.inner.Profile(ctx, agentID)
	if err := p.inner.Unregister(ctx, agentID); err != nil {
		return err
	}
	if perr == nil {
		p.invalidate(ctx, agentID, profile.Capabilities)
	} else {
		p.invalidate(ctx, agentID, nil)
	}
	return nil
}

// Heartbeat 穿透心跳并使负载快照失效。
func (p *CachedProvider) Heartbeat(ctx context.Context, agentID string) error {
	if err := p.inner.Heartbeat(ctx, agentID); err != nil {
		return err
	}
	p.invalidate(ctx, agentID, nil)
	return nil
}

// TaskStarted 穿透计数并使负载快照失效。
func (p *CachedProvider) TaskStarted(ctx context.Context, agentID string) error {
	if err := p.inner.TaskStarted(ctx, agentID); err != nil {
		return err
	}
	p.invalidate(ctx, agentID, nil)
	return nil
}

// TaskFinished 穿透计数并使负载快照失效。
func (p *CachedProvider) TaskFinished(ctx context.Context, agentID string) error {
	if err := p.inner.TaskFinished(ctx, agentID); err != nil {
		return err
	}
	p.invalidate(ctx, agentID, nil)
	return nil
}

func (p *CachedProvider) invalidate(ctx context.Context, agentID string, capabilities []string) {
	if err := p.cache.InvalidateAgent(ctx, agentID, capabilities); err != nil {
		// 失效失败只记日志,快照随 TTL 自然过期
		p.logger.Warn("快照失效失败", zap.String("agent_id", agentID), zap.Error(err))
	}
}
