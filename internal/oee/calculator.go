package oee

import (
	"context"
	"fmt"
	"time"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// CounterSource 生产计数来源（由 repository.CountersRepository 实现）
type CounterSource interface {
	GetCounters(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (*models.ProductionCounters, error)
}

// DowntimeSource 停机数据来源（由 repository.DowntimeEventsRepository 实现）
type DowntimeSource interface {
	SumClosedDowntime(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (time.Duration, error)
	GetOpenEvent(ctx context.Context, equipmentCode string) (*models.DowntimeEvent, error)
}

// Calculator OEE 计算器
// Availability = min(1, 运行时间 / 计划生产时间)
// Performance  = min(1, 实际产出 / 目标产出)
// Quality      = 良品 / 总数
// OEE          = Availability × Performance × Quality
// 所有比率防御性压到 [0,1]，时钟偏移不会产生负值或超 1 的结果。
type Calculator struct {
	counters       CounterSource
	downtime       DowntimeSource
	realTimeWindow time.Duration // 实时计算的回看窗口
	logger         *zap.Logger
}

// NewCalculator 创建 OEE 计算器
func NewCalculator(counters CounterSource, downtime DowntimeSource, realTimeWindow time.Duration, logger *zap.Logger) *Calculator {
	if realTimeWindow <= 0 {
		realTimeWindow = 8 * time.Hour // 默认按一个班次回看
	}
	return &Calculator{
		counters:       counters,
		downtime:       downtime,
		realTimeWindow: realTimeWindow,
		logger:         logger,
	}
}

// Calculate 计算历史时间窗的 OEE 样本
// 窗口内停机全部关闭后，同一窗口的重复调用是确定且幂等的。
func (c *Calculator) Calculate(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (*models.OEESample, error) {
	if equipmentCode == "" {
		return nil, fmt.Errorf("equipment_code is required")
	}
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("window_end must be after window_start")
	}

	downtime, err := c.downtime.SumClosedDowntime(ctx, equipmentCode, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to sum downtime: %w", err)
	}

	return c.calculate(ctx, equipmentCode, windowStart, windowEnd, downtime, false)
}

// CalculateRealTime 计算实时 OEE 样本
// 额外把当前打开中的停机事件按已流逝时长计入。结果随时间变化，
// 不是幂等值，样本带 RealTime 标记。
func (c *Calculator) CalculateRealTime(ctx context.Context, equipmentCode string) (*models.OEESample, error) {
	if equipmentCode == "" {
		return nil, fmt.Errorf("equipment_code is required")
	}

	windowEnd := time.Now()
	windowStart := windowEnd.Add(-c.realTimeWindow)

	downtime, err := c.downtime.SumClosedDowntime(ctx, equipmentCode, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to sum downtime: %w", err)
	}

	// 折算进行中的停机（按窗口裁剪，计划停机不计入）
	open, err := c.downtime.GetOpenEvent(ctx, equipmentCode)
	if err != nil {
		return nil, fmt.Errorf("failed to get open downtime: %w", err)
	}
	if open != nil && open.Category != models.DowntimePlanned {
		start := open.StartTime
		if start.Before(windowStart) {
			start = windowStart
		}
		if elapsed := windowEnd.Sub(start); elapsed > 0 {
			downtime += elapsed
		}
	}

	return c.calculate(ctx, equipmentCode, windowStart, windowEnd, downtime, true)
}

// calculate 公共计算路径
func (c *Calculator) calculate(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time, downtime time.Duration, realTime bool) (*models.OEESample, error) {
	counters, err := c.counters.GetCounters(ctx, equipmentCode, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}

	planned := counters.PlannedProduction
	operating := planned - downtime
	if operating < 0 {
		operating = 0
	}

	var availability float64
	if planned > 0 {
		availability = clamp01(operating.Seconds() / planned.Seconds())
	}

	var performance float64
	if counters.TargetOutput > 0 {
		performance = clamp01(counters.ActualOutput / counters.TargetOutput)
	}

	var quality float64
	if counters.TotalParts > 0 {
		quality = clamp01(float64(counters.GoodParts) / float64(counters.TotalParts))
	}

	sample := &models.OEESample{
		EquipmentCode: equipmentCode,
		LineID:        counters.LineID,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		Availability:  availability,
		Performance:   performance,
		Quality:       quality,
		OEE:           availability * performance * quality,
		GoodParts:     counters.GoodParts,
		TotalParts:    counters.TotalParts,
		RealTime:      realTime,
	}

	c.logger.Debug("OEE sample computed",
		zap.String("equipment_code", equipmentCode),
		zap.Float64("availability", sample.Availability),
		zap.Float64("performance", sample.Performance),
		zap.Float64("quality", sample.Quality),
		zap.Float64("oee", sample.OEE),
		zap.Bool("real_time", realTime),
	)

	return sample, nil
}

// clamp01 压到 [0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
