package models

import (
	"time"
)

// FaultMarker 故障来源标记（相对于设备本身的故障分类）
type FaultMarker string

const (
	FaultMarkerInternal   FaultMarker = "INTERNAL"   // 设备自身故障
	FaultMarkerUpstream   FaultMarker = "UPSTREAM"   // 上游工位引起
	FaultMarkerDownstream FaultMarker = "DOWNSTREAM" // 下游工位引起
)

// Rank 故障标记优先级（数值越小优先级越高）
// INTERNAL > UPSTREAM > DOWNSTREAM
func (m FaultMarker) Rank() int {
	switch m {
	case FaultMarkerInternal:
		return 0
	case FaultMarkerUpstream:
		return 1
	case FaultMarkerDownstream:
		return 2
	default:
		return 3
	}
}

// FaultInfo 故障字典条目（按 equipment_code + bit_index 查询）
type FaultInfo struct {
	EquipmentCode string      `json:"equipment_code" db:"equipment_code"`
	BitIndex      int         `json:"bit_index" db:"bit_index"`
	Name          string      `json:"name" db:"name"`
	Description   string      `json:"description" db:"description"`
	Marker        FaultMarker `json:"marker" db:"marker"`
}

// EquipmentStatusSnapshot 设备状态快照（遥测输入，约 1Hz，核心不持久化）
type EquipmentStatusSnapshot struct {
	EquipmentCode string    `json:"equipment_code"`
	LineID        string    `json:"line_id"`
	Timestamp     time.Time `json:"timestamp"`
	Running       bool      `json:"running"`
	FaultBits     []int     `json:"fault_bits"` // 当前置位的故障位索引（升序）
	Speed         float64   `json:"speed"`
	PlannedStop   bool      `json:"planned_stop"`
}

// Validate 校验快照的必填字段
func (s *EquipmentStatusSnapshot) Validate() error {
	if s.EquipmentCode == "" {
		return ErrMalformedSnapshot
	}
	if s.Timestamp.IsZero() {
		return ErrMalformedSnapshot
	}
	return nil
}
