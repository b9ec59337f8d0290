// Package ctxkeys 定义跨组件传递的 context 键。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	triggeredByKey   contextKey = "triggered_by"
)

// WithCorrelationID 设置请求关联 ID，路由时写入消息头
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID 获取请求关联 ID
func CorrelationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTriggeredBy 设置操作发起者，生命周期转换记录使用
func WithTriggeredBy(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, triggeredByKey, actor)
}

// TriggeredBy 获取操作发起者
func TriggeredBy(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(triggeredByKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
