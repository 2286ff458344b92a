package models

import (
	"time"
)

// OEESample OEE 计算结果（一经计算不可变，由 OEE 计算器产出）
// 所有比率都压到 [0,1] 区间，OEE = Availability × Performance × Quality。
type OEESample struct {
	EquipmentCode string    `json:"equipment_code" db:"equipment_code"`
	LineID        string    `json:"line_id" db:"line_id"`
	WindowStart   time.Time `json:"window_start" db:"window_start"`
	WindowEnd     time.Time `json:"window_end" db:"window_end"`
	Availability  float64   `json:"availability" db:"availability"`
	Performance   float64   `json:"performance" db:"performance"`
	Quality       float64   `json:"quality" db:"quality"`
	OEE           float64   `json:"oee" db:"oee"`
	GoodParts     int64     `json:"good_parts" db:"good_parts"`
	TotalParts    int64     `json:"total_parts" db:"total_parts"`
	// RealTime 标记实时样本：窗口末端为当前时刻，折算了进行中的停机，
	// 结果随时间变化，调用方不可当作幂等值使用。
	RealTime bool `json:"real_time" db:"real_time"`
}

// ProductionCounters 生产计数器（按设备和时间窗从计数表读取）
type ProductionCounters struct {
	EquipmentCode string    `json:"equipment_code" db:"equipment_code"`
	LineID        string    `json:"line_id" db:"line_id"`
	WindowStart   time.Time `json:"window_start" db:"window_start"`
	WindowEnd     time.Time `json:"window_end" db:"window_end"`
	// PlannedProduction 窗口内的计划生产时间
	PlannedProduction time.Duration `json:"planned_production" db:"planned_production_ms"`
	TargetOutput      float64       `json:"target_output" db:"target_output"`
	ActualOutput      float64       `json:"actual_output" db:"actual_output"`
	GoodParts         int64         `json:"good_parts" db:"good_parts"`
	TotalParts        int64         `json:"total_parts" db:"total_parts"`
}
