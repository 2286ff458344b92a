package models

import (
	"time"
)

// AndonPriority 安灯事件优先级
type AndonPriority string

const (
	PriorityLow      AndonPriority = "low"
	PriorityMedium   AndonPriority = "medium"
	PriorityHigh     AndonPriority = "high"
	PriorityCritical AndonPriority = "critical"
)

// Valid 检查优先级取值
func (p AndonPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AndonStatus 安灯事件状态
// 状态单调推进：open → acknowledged → resolved；
// open 可直接 resolved；自动升级时 open → escalated。
type AndonStatus string

const (
	AndonOpen         AndonStatus = "open"
	AndonAcknowledged AndonStatus = "acknowledged"
	AndonEscalated    AndonStatus = "escalated"
	AndonResolved     AndonStatus = "resolved"
)

// AndonEvent 安灯事件（对应 andon_events 表）
type AndonEvent struct {
	EventID         string        `json:"event_id" db:"event_id"`
	LineID          string        `json:"line_id" db:"line_id"`
	EquipmentCode   string        `json:"equipment_code" db:"equipment_code"`
	EventType       string        `json:"event_type" db:"event_type"` // quality, material, maintenance, safety 等
	Priority        AndonPriority `json:"priority" db:"priority"`
	Description     string        `json:"description" db:"description"`
	Status          AndonStatus   `json:"status" db:"status"`
	ReportedBy      string        `json:"reported_by" db:"reported_by"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	AcknowledgedAt  *time.Time    `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy  *string       `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy      *string       `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNotes *string       `json:"resolution_notes,omitempty" db:"resolution_notes"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// IsTerminal 事件是否已终结
func (e *AndonEvent) IsTerminal() bool {
	return e.Status == AndonResolved
}
