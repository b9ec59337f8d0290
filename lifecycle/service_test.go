package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(zap.NewNop())
}

// 上线到 ONLINE 的辅助函数
func bringOnline(t *testing.T, s *Service, agentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.RegisterAgent(agentID))
	require.NoError(t, s.DeployAgent(ctx, agentID))
	require.NoError(t, s.StartAgent(ctx, agentID))
}

func TestServiceRegisterIdempotent(t *testing.T) {
	s := newTestService(t)

	require.NoError(t, s.RegisterAgent("agent-1"))
	m1, err := s.Manager("agent-1")
	require.NoError(t, err)

	require.NoError(t, s.RegisterAgent("agent-1"))
	m2, err := s.Manager("agent-1")
	require.NoError(t, err)

	assert.Same(t, m1, m2, "re-register must not replace the manager")
}

func TestServiceMetricsObserver(t *testing.T) {
	fm := &fakeMetrics{}
	s := newTestService(t).WithMetrics(fm)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent("agent-1"))
	require.NoError(t, s.RegisterAgent("agent-1")) // 幂等注册不重复计数
	require.NoError(t, s.DeployAgent(ctx, "agent-1"))

	assert.Equal(t, 1, fm.registered)
	assert.Equal(t, []string{"registered->deploying", "deploying->deployed"}, fm.transitions)
}

func TestServiceUnknownAgent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var notFound *AgentNotFoundError

	_, err := s.Manager("ghost")
	assert.ErrorAs(t, err, &notFound)

	assert.ErrorAs(t, s.DeployAgent(ctx, "ghost"), &notFound)
	assert.ErrorAs(t, s.AssignTask(ctx, "ghost"), &notFound)

	_, err = s.AgentStatus("ghost")
	assert.ErrorAs(t, err, &notFound)
}

func TestServiceFullLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	bringOnline(t, s, "agent-1")

	info, err := s.AgentStatus("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateOnline, info.CurrentState)

	require.NoError(t, s.AssignTask(ctx, "agent-1"))
	require.NoError(t, s.CompleteTask(ctx, "agent-1"))

	info, err = s.AgentStatus("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, info.CurrentState)

	require.NoError(t, s.StopAgent(ctx, "agent-1"))
	require.NoError(t, s.TerminateAgent(ctx, "agent-1"))
	require.NoError(t, s.DeleteAgent(ctx, "agent-1"))

	// 删除后 Manager 被回收
	_, err = s.Manager("agent-1")
	var notFound *AgentNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestServiceAssignTaskRequiresAvailability(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterAgent("agent-1"))

	var invalid *InvalidTransitionError
	require.ErrorAs(t, s.AssignTask(ctx, "agent-1"), &invalid)
	assert.Equal(t, StateRegistered, invalid.From)

	bringOnline(t, s, "agent-2")
	require.NoError(t, s.AssignTask(ctx, "agent-2"))

	// BUSY 状态不能再接任务
	require.ErrorAs(t, s.AssignTask(ctx, "agent-2"), &invalid)
	assert.Equal(t, StateBusy, invalid.From)
}

func TestServiceCompleteTaskRequiresBusy(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	bringOnline(t, s, "agent-1")

	var invalid *InvalidTransitionError
	assert.ErrorAs(t, s.CompleteTask(ctx, "agent-1"), &invalid)
}

func TestServiceMaintenanceCycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	bringOnline(t, s, "agent-1")

	require.NoError(t, s.PutInMaintenance(ctx, "agent-1", "kernel upgrade"))
	info, _ := s.AgentStatus("agent-1")
	assert.Equal(t, StateMaintenance, info.CurrentState)

	require.NoError(t, s.ResumeFromMaintenance(ctx, "agent-1"))
	info, _ = s.AgentStatus("agent-1")
	assert.Equal(t, StateOnline, info.CurrentState)

	// 非维护状态不能 resume
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, s.ResumeFromMaintenance(ctx, "agent-1"), &invalid)
}

func TestServiceHandleErrorRespectsAdjacency(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	bringOnline(t, s, "agent-1")
	require.NoError(t, s.HandleError(ctx, "agent-1", "oom"))

	info, _ := s.AgentStatus("agent-1")
	assert.Equal(t, StateError, info.CurrentState)
	require.NotNil(t, info.LastTransition)
	assert.Equal(t, "oom", info.LastTransition.Metadata["error_message"])

	// REGISTERED 没有到 ERROR 的出边
	require.NoError(t, s.RegisterAgent("agent-2"))
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, s.HandleError(ctx, "agent-2", "oom"), &invalid)
}

func TestServiceFleetHandlers(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	s.OnEvent(EventPostTransition, func(ev TransitionEvent) {
		mu.Lock()
		events = append(events, ev.AgentID+":"+string(ev.To))
		mu.Unlock()
	})

	// 处理器对已注册和后续注册的 Agent 都生效
	require.NoError(t, s.RegisterAgent("agent-1"))
	require.NoError(t, s.DeployAgent(ctx, "agent-1"))

	require.NoError(t, s.RegisterAgent("agent-2"))
	require.NoError(t, s.DeployAgent(ctx, "agent-2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"agent-1:deploying", "agent-1:deployed",
		"agent-2:deploying", "agent-2:deployed",
	}, events)
}

func TestServiceFilters(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	bringOnline(t, s, "online-1")

	bringOnline(t, s, "busy-1")
	require.NoError(t, s.AssignTask(ctx, "busy-1"))

	bringOnline(t, s, "error-1")
	require.NoError(t, s.HandleError(ctx, "error-1", "crash"))

	bringOnline(t, s, "maint-1")
	require.NoError(t, s.PutInMaintenance(ctx, "maint-1", ""))

	require.NoError(t, s.RegisterAgent("registered-1"))

	assert.ElementsMatch(t, []string{"online-1", "busy-1"}, s.OperationalAgents())
	assert.ElementsMatch(t, []string{"online-1"}, s.AvailableAgents())
	assert.ElementsMatch(t, []string{"error-1"}, s.AgentsInError())
	assert.ElementsMatch(t, []string{"maint-1"}, s.AgentsInMaintenance())

	statuses := s.AllStatuses()
	assert.Len(t, statuses, 5)
	assert.Equal(t, StateRegistered, statuses["registered-1"].CurrentState)
}
