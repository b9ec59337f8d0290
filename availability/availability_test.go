package availability

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devfleet/devfleet/internal/cache"
	"github.com/devfleet/devfleet/types"
)

func coderProfile(id string) AgentProfile {
	return AgentProfile{
		ID:           id,
		Name:         "coder " + id,
		Type:         types.AgentTypeCodeGenerator,
		Capabilities: []string{"generate_code", "review_code"},
		MaxTasks:     3,
	}
}

func TestMemoryProviderCapabilityLookup(t *testing.T) {
	p := NewMemoryProvider(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-b")))
	require.NoError(t, p.Register(ctx, coderProfile("agent-a")))
	require.NoError(t, p.Register(ctx, AgentProfile{
		ID:           "agent-t",
		Type:         types.AgentTypeTestEngineer,
		Capabilities: []string{"run_tests"},
		MaxTasks:     2,
	}))

	got, err := p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)
	// 确定性:按 ID 升序
	assert.Equal(t, []string{"agent-a", "agent-b"}, got)

	got, err = p.AgentsByCapability(ctx, "deploy")
	require.NoError(t, err)
	assert.Empty(t, got)

	byType, err := p.AgentsByType(ctx, types.AgentTypeTestEngineer)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-t"}, byType)
}

func TestMemoryProviderLoadAccounting(t *testing.T) {
	p := NewMemoryProvider(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-1")))

	require.NoError(t, p.TaskStarted(ctx, "agent-1"))
	require.NoError(t, p.TaskStarted(ctx, "agent-1"))

	load, err := p.AgentLoad(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, load.CurrentTasks)
	assert.Equal(t, 3, load.MaxTasks)
	assert.True(t, load.HasCapacity())

	require.NoError(t, p.TaskStarted(ctx, "agent-1"))
	load, _ = p.AgentLoad(ctx, "agent-1")
	assert.False(t, load.HasCapacity())

	require.NoError(t, p.TaskFinished(ctx, "agent-1"))
	require.NoError(t, p.TaskFinished(ctx, "agent-1"))
	require.NoError(t, p.TaskFinished(ctx, "agent-1"))
	// 不会降到负数
	require.NoError(t, p.TaskFinished(ctx, "agent-1"))
	load, _ = p.AgentLoad(ctx, "agent-1")
	assert.Equal(t, 0, load.CurrentTasks)
}

func TestMemoryProviderUnknownAgent(t *testing.T) {
	p := NewMemoryProvider(zap.NewNop())
	ctx := context.Background()

	_, err := p.AgentLoad(ctx, "ghost")
	var unknown *UnknownAgentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.AgentID)

	assert.Error(t, p.Heartbeat(ctx, "ghost"))
	assert.Error(t, p.TaskStarted(ctx, "ghost"))
	assert.Error(t, p.Unregister(ctx, "ghost"))
}

func TestMemoryProviderHeartbeat(t *testing.T) {
	p := NewMemoryProvider(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-1")))
	before, _ := p.AgentLoad(ctx, "agent-1")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Heartbeat(ctx, "agent-1"))

	after, _ := p.AgentLoad(ctx, "agent-1")
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func setupCached(t *testing.T) (*CachedProvider, *MemoryProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	cm, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	inner := NewMemoryProvider(zap.NewNop())
	return NewCachedProvider(inner, cm, 30*time.Second, zap.NewNop()), inner, mr
}

func TestCachedProviderReadThrough(t *testing.T) {
	p, inner, _ := setupCached(t)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-1")))

	got, err := p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, got)

	// 绕过缓存写侧直接改权威数据,TTL 内读到的是快照
	require.NoError(t, inner.Register(ctx, coderProfile("agent-2")))
	got, err = p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, got)
}

func TestCachedProviderInvalidationOnWrite(t *testing.T) {
	p, _, _ := setupCached(t)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-1")))

	load, err := p.AgentLoad(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, load.CurrentTasks)

	// 写路径使快照失效,下一次读取回源拿到新计数
	require.NoError(t, p.TaskStarted(ctx, "agent-1"))
	load, err = p.AgentLoad(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, load.CurrentTasks)
}

func TestCachedProviderTTLExpiry(t *testing.T) {
	p, inner, mr := setupCached(t)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-1")))
	_, err := p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)

	require.NoError(t, inner.Register(ctx, coderProfile("agent-2")))
	mr.FastForward(31 * time.Second)

	got, err := p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-2"}, got)
}

// fakeCacheMetrics 记录缓存命中统计,测试辅助。
type fakeCacheMetrics struct {
	hits   map[string]int
	misses map[string]int
}

func newFakeCacheMetrics() *fakeCacheMetrics {
	return &fakeCacheMetrics{hits: map[string]int{}, misses: map[string]int{}}
}

func (f *fakeCacheMetrics) RecordCacheHit(cacheType string)  { f.hits[cacheType]++ }
func (f *fakeCacheMetrics) RecordCacheMiss(cacheType string) { f.misses[cacheType]++ }

func TestCachedProviderReportsHitAndMiss(t *testing.T) {
	p, _, _ := setupCached(t)
	fm := newFakeCacheMetrics()
	p.WithMetrics(fm)
	ctx := context.Background()

	require.NoError(t, p.Register(ctx, coderProfile("agent-1")))

	// 首读回源,二读命中快照
	_, err := p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)
	_, err = p.AgentsByCapability(ctx, "generate_code")
	require.NoError(t, err)

	_, err = p.AgentLoad(ctx, "agent-1")
	require.NoError(t, err)
	_, err = p.AgentLoad(ctx, "agent-1")
	require.NoError(t, err)

	assert.Equal(t, 1, fm.misses["capability"])
	assert.Equal(t, 1, fm.hits["capability"])
	assert.Equal(t, 1, fm.misses["agent_load"])
	assert.Equal(t, 1, fm.hits["agent_load"])
}
