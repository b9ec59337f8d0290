package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultConfig()
	config.Addr = mr.Addr()
	config.DefaultTTL = 1 * time.Minute
	config.HealthCheckInterval = 0

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()

	err := manager.Set(ctx, "test-key", "test-value", 1*time.Minute)
	require.NoError(t, err)

	value, err := manager.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", value)
}

func TestManager_GetMiss(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	_, err := manager.Get(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	type load struct {
		CurrentTasks int `json:"current_tasks"`
		MaxTasks     int `json:"max_tasks"`
	}

	err := manager.SetJSON(ctx, manager.AgentLoadKey("agent-1"), load{CurrentTasks: 2, MaxTasks: 5}, 0)
	require.NoError(t, err)

	var got load
	require.NoError(t, manager.GetJSON(ctx, manager.AgentLoadKey("agent-1"), &got))
	assert.Equal(t, 2, got.CurrentTasks)
	assert.Equal(t, 5, got.MaxTasks)
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "volatile", "v", 10*time.Second))

	// miniredis 手动推进时钟触发过期
	mr.FastForward(11 * time.Second)

	_, err := manager.Get(ctx, "volatile")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_InvalidateAgent(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, manager.AgentLoadKey("agent-1"), "x", 0))
	require.NoError(t, manager.Set(ctx, manager.CapabilityKey("generate_code"), "y", 0))

	require.NoError(t, manager.InvalidateAgent(ctx, "agent-1", []string{"generate_code"}))

	_, err := manager.Get(ctx, manager.AgentLoadKey("agent-1"))
	assert.True(t, IsCacheMiss(err))
	_, err = manager.Get(ctx, manager.CapabilityKey("generate_code"))
	assert.True(t, IsCacheMiss(err))
}

func TestManager_CloseIdempotent(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	err := manager.Set(context.Background(), "k", "v", 0)
	assert.Error(t, err)
}
