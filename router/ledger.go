package router

import (
	"sync"
	"time"
)

// MessageState 账本中消息的状态。
type MessageState string

const (
	MessageStateRouted    MessageState = "routed"    // 已完成路由决策,尚未确认发布
	MessageStateSent      MessageState = "sent"      // 已成功发布到传输层
	MessageStateFailed    MessageState = "failed"    // 发布失败
	MessageStateCancelled MessageState = "cancelled" // 调用方主动取消
)

// MessageRecord 单条消息的路由账目。
type MessageRecord struct {
	MessageID string       `json:"message_id"`
	AgentID   string       `json:"agent_id"`
	Action    string       `json:"action"`
	Strategy  Policy       `json:"strategy,omitempty"`
	State     MessageState `json:"state"`
	RoutedAt  time.Time    `json:"routed_at"`
	SentAt    time.Time    `json:"sent_at,omitempty"`
}

// ledger 有界的消息状态账本。容量满时淘汰最旧的记录,
// 账本只做查询与取消标记,不参与投递路径。
type ledger struct {
	mu      sync.Mutex
	cap     int
	order   []string
	records map[string]*MessageRecord
}

const defaultLedgerSize = 4096

func newLedger(capacity int) *ledger {
	if capacity <= 0 {
		capacity = defaultLedgerSize
	}
	return &ledger{
		cap:     capacity,
		records: make(map[string]*MessageRecord, capacity),
	}
}

func (l *ledger) routed(messageID, agentID, action string, strategy Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[messageID]; ok {
		return
	}
	if len(l.order) >= l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.records, oldest)
	}
	l.order = append(l.order, messageID)
	l.records[messageID] = &MessageRecord{
		MessageID: messageID,
		AgentID:   agentID,
		Action:    action,
		Strategy:  strategy,
		State:     MessageStateRouted,
		RoutedAt:  time.Now().UTC(),
	}
}

func (l *ledger) sent(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[messageID]
	if !ok || rec.State != MessageStateRouted {
		return
	}
	rec.State = MessageStateSent
	rec.SentAt = time.Now().UTC()
}

func (l *ledger) failed(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[messageID]; ok && rec.State == MessageStateRouted {
		rec.State = MessageStateFailed
	}
}

func (l *ledger) status(messageID string) (MessageRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[messageID]
	if !ok {
		return MessageRecord{}, false
	}
	return *rec, true
}

// cancel 把 routed/sent 的记录标记为已取消;失败或重复取消返回 false。
func (l *ledger) cancel(messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[messageID]
	if !ok {
		return false
	}
	switch rec.State {
	case MessageStateRouted, MessageStateSent:
		rec.State = MessageStateCancelled
		return true
	}
	return false
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// snapshotIDs 按记录顺序返回账本中的消息 ID。
func (l *ledger) snapshotIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}
