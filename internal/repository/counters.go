package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// CountersRepository 生产计数器仓库
// 计数由 PLC 采集服务写入 production_counters 表，这里只读聚合。
type CountersRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCountersRepository 创建生产计数器仓库
func NewCountersRepository(db *sql.DB, logger *zap.Logger) *CountersRepository {
	return &CountersRepository{
		db:     db,
		logger: logger,
	}
}

// GetCounters 汇总时间窗内某设备的生产计数
// 无任何计数行时返回全零计数（不是错误），OEE 计算按零分母规则处理。
func (r *CountersRepository) GetCounters(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (*models.ProductionCounters, error) {
	if equipmentCode == "" {
		return nil, fmt.Errorf("equipment_code is required")
	}

	query := `
		SELECT
			COALESCE(MAX(line_id), ''),
			COALESCE(SUM(planned_production_ms), 0)::BIGINT,
			COALESCE(SUM(target_output), 0),
			COALESCE(SUM(actual_output), 0),
			COALESCE(SUM(good_parts), 0)::BIGINT,
			COALESCE(SUM(total_parts), 0)::BIGINT
		FROM production_counters
		WHERE equipment_code = $1
		  AND bucket_start >= $2
		  AND bucket_start < $3
	`

	counters := &models.ProductionCounters{
		EquipmentCode: equipmentCode,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
	}

	var plannedMS int64
	err := r.db.QueryRowContext(ctx, query, equipmentCode, windowStart, windowEnd).Scan(
		&counters.LineID,
		&plannedMS,
		&counters.TargetOutput,
		&counters.ActualOutput,
		&counters.GoodParts,
		&counters.TotalParts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get production counters: %w", err)
	}

	counters.PlannedProduction = time.Duration(plannedMS) * time.Millisecond
	return counters, nil
}
