package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteRecordsMessageStatus(t *testing.T) {
	r, _, fleet, prov := newTestRouter(t)
	ctx := context.Background()

	onlineAgent(t, fleet, prov, "agent-1", "generate_code")

	decision, err := r.Route(ctx, RouteRequest{Capabilities: []string{"generate_code"}, Action: "x"})
	require.NoError(t, err)

	rec, ok := r.MessageStatus(decision.MessageID)
	require.True(t, ok)
	assert.Equal(t, MessageStateSent, rec.State)
	assert.Equal(t, "agent-1", rec.AgentID)
	assert.Equal(t, "x", rec.Action)
	assert.Equal(t, PolicyLeastBusy, rec.Strategy)
	assert.False(t, rec.RoutedAt.IsZero())
	assert.False(t, rec.SentAt.IsZero())

	_, ok = r.MessageStatus("no-such-message")
	assert.False(t, ok)
}

func TestSendFailureRecordedInLedger(t *testing.T) {
	r, tr, fleet, prov := newTestRouter(t)
	ctx := context.Background()

	onlineAgent(t, fleet, prov, "agent-1", "generate_code")
	tr.failFor["agent-1"] = true

	_, err := r.Route(ctx, RouteRequest{Capabilities: []string{"generate_code"}, Action: "x"})
	require.Error(t, err)

	// 发布失败的消息也留痕,状态为 failed
	var failed int
	for _, id := range r.ledger.snapshotIDs() {
		rec, ok := r.MessageStatus(id)
		require.True(t, ok)
		if rec.State == MessageStateFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestCancelMessage(t *testing.T) {
	r, _, fleet, prov := newTestRouter(t)
	ctx := context.Background()

	onlineAgent(t, fleet, prov, "agent-1", "generate_code")
	msg, err := r.Send(ctx, SendRequest{AgentID: "agent-1", Action: "run"})
	require.NoError(t, err)

	assert.True(t, r.CancelMessage(msg.Header.MessageID))
	rec, ok := r.MessageStatus(msg.Header.MessageID)
	require.True(t, ok)
	assert.Equal(t, MessageStateCancelled, rec.State)

	// 重复取消与未知 ID 均失败
	assert.False(t, r.CancelMessage(msg.Header.MessageID))
	assert.False(t, r.CancelMessage("no-such-message"))
}

func TestLedgerEvictsOldestAtCapacity(t *testing.T) {
	l := newLedger(3)
	for i := 0; i < 5; i++ {
		l.routed(fmt.Sprintf("m-%d", i), "agent-1", "x", PolicyLeastBusy)
	}

	assert.Equal(t, 3, l.len())
	_, ok := l.status("m-0")
	assert.False(t, ok)
	_, ok = l.status("m-1")
	assert.False(t, ok)
	_, ok = l.status("m-4")
	assert.True(t, ok)
}

func TestLedgerSentRequiresRouted(t *testing.T) {
	l := newLedger(8)
	l.sent("never-routed")
	_, ok := l.status("never-routed")
	assert.False(t, ok)

	l.routed("m-1", "agent-1", "x", "")
	l.failed("m-1")
	l.sent("m-1") // 失败后不再翻转为 sent
	rec, ok := l.status("m-1")
	require.True(t, ok)
	assert.Equal(t, MessageStateFailed, rec.State)
}
