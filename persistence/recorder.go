package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devfleet/devfleet/lifecycle"
)

// Recorder 把 Store 适配成 lifecycle 的 post_transition 观察者。
type Recorder struct {
	store   *Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewRecorder 创建记录器,单次落库超时默认 5 秒。
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:   store,
		timeout: 5 * time.Second,
		logger:  logger.With(zap.String("component", "transition_recorder")),
	}
}

// Handler 返回可注册到 lifecycle.Service 的事件处理器。
// 只消费 post_transition;落库失败记日志,不影响状态机。
func (r *Recorder) Handler() lifecycle.Handler {
	return func(ev lifecycle.TransitionEvent) {
		if ev.EventType != lifecycle.EventPostTransition {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.store.RecordTransition(ctx, ev); err != nil {
			r.logger.Error("转换历史落库失败",
				zap.String("agent_id", ev.AgentID),
				zap.String("from", string(ev.From)),
				zap.String("to", string(ev.To)),
				zap.Error(err))
		}
	}
}
