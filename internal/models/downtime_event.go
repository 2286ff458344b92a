package models

import (
	"time"
)

// DowntimeCategory 停机分类
type DowntimeCategory string

const (
	DowntimePlanned     DowntimeCategory = "planned"
	DowntimeUnplanned   DowntimeCategory = "unplanned"
	DowntimeChangeover  DowntimeCategory = "changeover"
	DowntimeMaintenance DowntimeCategory = "maintenance"
)

// StopReason 停机原因（封闭的标签变体：分类 + 原因码 + 描述）
type StopReason struct {
	Category   DowntimeCategory `json:"category"`
	ReasonCode string           `json:"reason_code"`
	ReasonDesc string           `json:"reason_description"`
}

// 非故障停机的固定原因码
const (
	ReasonCodePlannedStop = "PLANNED_STOP"
	ReasonCodeSpeedLoss   = "SPEED_LOSS"
	ReasonCodeUnknown     = "UNKNOWN"
)

// DowntimeEvent 停机事件（对应 downtime_events 表）
// 不变式：任一 equipment_code 同一时刻最多存在一条 end_time 为空的事件；
// 打开中的事件只由检测器变更，关闭后变为只读。
type DowntimeEvent struct {
	EventID       string           `json:"event_id" db:"event_id"`
	EquipmentCode string           `json:"equipment_code" db:"equipment_code"`
	LineID        string           `json:"line_id" db:"line_id"`
	StartTime     time.Time        `json:"start_time" db:"start_time"`
	EndTime       *time.Time       `json:"end_time,omitempty" db:"end_time"`
	Duration      time.Duration    `json:"duration" db:"duration_ms"` // 关闭时为 end_time - start_time
	ReasonCode    string           `json:"reason_code" db:"reason_code"`
	ReasonDesc    string           `json:"reason_description" db:"reason_description"`
	Category      DowntimeCategory `json:"category" db:"category"`
	ConfirmedBy   *string          `json:"confirmed_by,omitempty" db:"confirmed_by"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// IsOpen 事件是否仍在进行中
func (e *DowntimeEvent) IsOpen() bool {
	return e.EndTime == nil
}

// DowntimeDelta 检测器对外发出的增量（打开或关闭）
type DowntimeDelta struct {
	Kind  DowntimeDeltaKind `json:"kind"`
	Event *DowntimeEvent    `json:"event"`
}

// DowntimeDeltaKind 增量类型
type DowntimeDeltaKind string

const (
	DowntimeOpened DowntimeDeltaKind = "opened"
	DowntimeClosed DowntimeDeltaKind = "closed"
)
