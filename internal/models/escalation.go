package models

import (
	"time"
)

// EscalationStatus 升级记录状态
// active（初始）→ acknowledged（冻结，不再自动升级）→ resolved（终态）；
// active → escalated（级别+1，重置确认超时时钟）→ … → resolved；
// 除 resolved 外任意状态可直接 resolved。
type EscalationStatus string

const (
	EscalationActive       EscalationStatus = "active"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationEscalated    EscalationStatus = "escalated"
	EscalationResolved     EscalationStatus = "resolved"
)

// IsOpen 状态是否仍参与确认超时升级（active / escalated）
func (s EscalationStatus) IsOpen() bool {
	return s == EscalationActive || s == EscalationEscalated
}

// NotifiedEntry 通知历史条目（JSONB 数组元素）
type NotifiedEntry struct {
	Level      int       `json:"level"`
	Kind       string    `json:"kind"` // escalation, reminder, overdue, resolution_overdue, manual
	Recipients []string  `json:"recipients"`
	Channels   []string  `json:"channels"`
	NotifiedAt time.Time `json:"notified_at"`
	By         string    `json:"by,omitempty"` // 手动升级时的操作人
	Notes      string    `json:"notes,omitempty"`
}

// EscalationRecord 升级记录（与未关闭的安灯事件 1:1，对应 escalation_records 表）
// 由升级引擎独占变更；version 字段用于按记录的乐观锁（CAS 更新）；
// escalation_level 只增不减；status=resolved 后为终态，不再变更。
type EscalationRecord struct {
	RecordID        string           `json:"record_id" db:"record_id"`
	AndonEventID    string           `json:"andon_event_id" db:"andon_event_id"`
	Priority        AndonPriority    `json:"priority" db:"priority"`
	EscalationLevel int              `json:"escalation_level" db:"escalation_level"`
	Status          EscalationStatus `json:"status" db:"status"`
	Version         int64            `json:"version" db:"version"`
	// LevelStartedAt 当前级别的确认超时时钟起点
	LevelStartedAt     time.Time  `json:"level_started_at" db:"level_started_at"`
	LastReminderSentAt *time.Time `json:"last_reminder_sent_at,omitempty" db:"last_reminder_sent_at"`
	// LastNotifyFailed 最近一次通知投递失败（运维可见的降级标记）
	LastNotifyFailed bool            `json:"last_notify_failed" db:"last_notify_failed"`
	NotifiedHistory  []NotifiedEntry `json:"notified_history" db:"notified_history"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// RuleLevel 升级规则中的单个级别
type RuleLevel struct {
	Level        int      `yaml:"level" json:"level"`
	DelayMinutes int      `yaml:"delay_minutes" json:"delay_minutes"` // 本级别的确认超时
	Recipients   []string `yaml:"recipients" json:"recipients"`
	Channels     []string `yaml:"channels" json:"channels"`
}

// AckTimeout 本级别的确认超时时长
func (l *RuleLevel) AckTimeout() time.Duration {
	return time.Duration(l.DelayMinutes) * time.Minute
}

// EscalationRule 升级规则（按优先级配置，静态只读）
type EscalationRule struct {
	Priority                 AndonPriority `yaml:"priority" json:"priority"`
	ResolutionTimeoutMinutes int           `yaml:"resolution_timeout_minutes" json:"resolution_timeout_minutes"`
	Levels                   []RuleLevel   `yaml:"levels" json:"levels"` // 按 level 升序
}

// LevelAt 返回指定级别的规则，不存在时返回 nil
func (r *EscalationRule) LevelAt(level int) *RuleLevel {
	for i := range r.Levels {
		if r.Levels[i].Level == level {
			return &r.Levels[i]
		}
	}
	return nil
}

// MaxLevel 规则定义的最高级别
func (r *EscalationRule) MaxLevel() int {
	max := 0
	for i := range r.Levels {
		if r.Levels[i].Level > max {
			max = r.Levels[i].Level
		}
	}
	return max
}

// ResolutionTimeout 解决超时时长
func (r *EscalationRule) ResolutionTimeout() time.Duration {
	return time.Duration(r.ResolutionTimeoutMinutes) * time.Minute
}
