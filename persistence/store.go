// Package persistence 持久化 Agent 状态与转换历史。
//
// 核心状态机只在内存中记账;这里作为 post_transition 事件的协作方,
// 把每次被接受的转换落库:AgentStatusRecord 保存最新状态,
// TransitionRecord 逐条追加历史。写入是尽力而为的观察者,失败只记
// 日志,绝不反向阻塞转换。
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/devfleet/devfleet/internal/database"
	"github.com/devfleet/devfleet/lifecycle"
)

// AgentStatusRecord Agent 最新状态。
type AgentStatusRecord struct {
	AgentID   string    `gorm:"primaryKey;size:128" json:"agent_id"`
	State     string    `gorm:"size:32;index" json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionRecord 单次状态转换的历史记录。
type TransitionRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AgentID     string    `gorm:"size:128;index:idx_transitions_agent_time" json:"agent_id"`
	FromState   string    `gorm:"size:32" json:"from_state"`
	ToState     string    `gorm:"size:32" json:"to_state"`
	Reason      string    `gorm:"size:512" json:"reason"`
	TriggeredBy string    `gorm:"size:128" json:"triggered_by"`
	Metadata    string    `gorm:"type:text" json:"metadata"`
	OccurredAt  time.Time `gorm:"index:idx_transitions_agent_time" json:"occurred_at"`
}

// Metrics 存储层指标观察者,由装配方注入;未注入时不采集。
type Metrics interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// Store 状态与历史存储。
type Store struct {
	pool    *database.PoolManager
	metrics Metrics
	logger  *zap.Logger
}

// NewStore 创建存储并迁移表结构。
func NewStore(pool *database.PoolManager, logger *zap.Logger) (*Store, error) {
	if err := pool.DB().AutoMigrate(&AgentStatusRecord{}, &TransitionRecord{}); err != nil {
		return nil, err
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "persistence")),
	}, nil
}

// WithMetrics 注入指标观察者,返回自身以便链式调用。
func (s *Store) WithMetrics(m Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(s.pool.Driver(), operation, time.Since(start))
	}
}

// RecordTransition 在一个事务里更新最新状态并追加历史。
func (s *Store) RecordTransition(ctx context.Context, ev lifecycle.TransitionEvent) error {
	defer s.observe("record_transition", time.Now())

	meta := ""
	if len(ev.Metadata) > 0 {
		if data, err := json.Marshal(ev.Metadata); err == nil {
			meta = string(data)
		}
	}

	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		status := AgentStatusRecord{
			AgentID:   ev.AgentID,
			State:     string(ev.To),
			UpdatedAt: ev.Timestamp,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).Create(&status).Error; err != nil {
			return err
		}

		record := TransitionRecord{
			AgentID:     ev.AgentID,
			FromState:   string(ev.From),
			ToState:     string(ev.To),
			Reason:      ev.Reason,
			TriggeredBy: ev.TriggeredBy,
			Metadata:    meta,
			OccurredAt:  ev.Timestamp,
		}
		return tx.Create(&record).Error
	})
}

// AgentStatus 读取最新状态,不存在返回 gorm.ErrRecordNotFound。
func (s *Store) AgentStatus(ctx context.Context, agentID string) (*AgentStatusRecord, error) {
	var record AgentStatusRecord
	err := s.pool.DB().WithContext(ctx).
		Where("agent_id = ?", agentID).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// TransitionHistory 按时间倒序取最近 limit 条历史,limit<=0 取全部。
func (s *Store) TransitionHistory(ctx context.Context, agentID string, limit int) ([]TransitionRecord, error) {
	defer s.observe("transition_history", time.Now())
	q := s.pool.DB().WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("occurred_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var records []TransitionRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// PurgeAgent 删除某个 Agent 的状态与全部历史(Agent 被 DELETED 后调用)。
func (s *Store) PurgeAgent(ctx context.Context, agentID string) error {
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("agent_id = ?", agentID).Delete(&AgentStatusRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("agent_id = ?", agentID).Delete(&TransitionRecord{}).Error
	})
}
