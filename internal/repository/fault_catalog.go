package repository

import (
	"context"
	"database/sql"
	"fmt"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// FaultCatalogRepository 故障字典仓库（只读）
// (equipment_code, bit_index) → 故障名称/描述/来源标记；
// 不存在映射按"无故障信息"处理，返回 (nil, nil) 而不是错误。
type FaultCatalogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewFaultCatalogRepository 创建故障字典仓库
func NewFaultCatalogRepository(db *sql.DB, logger *zap.Logger) *FaultCatalogRepository {
	return &FaultCatalogRepository{
		db:     db,
		logger: logger,
	}
}

// GetFault 查询单个故障位的字典条目
func (r *FaultCatalogRepository) GetFault(ctx context.Context, equipmentCode string, bitIndex int) (*models.FaultInfo, error) {
	if equipmentCode == "" {
		return nil, fmt.Errorf("equipment_code is required")
	}
	if bitIndex < 0 {
		return nil, fmt.Errorf("bit_index must be non-negative")
	}

	query := `
		SELECT equipment_code, bit_index, name, description, marker
		FROM fault_catalog
		WHERE equipment_code = $1
		  AND bit_index = $2
	`

	var info models.FaultInfo
	err := r.db.QueryRowContext(ctx, query, equipmentCode, bitIndex).Scan(
		&info.EquipmentCode,
		&info.BitIndex,
		&info.Name,
		&info.Description,
		&info.Marker,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 无故障信息
		}
		return nil, fmt.Errorf("failed to get fault catalog entry: %w", err)
	}

	return &info, nil
}

// ListFaults 查询某设备的全部故障字典条目（按 bit_index 升序）
func (r *FaultCatalogRepository) ListFaults(ctx context.Context, equipmentCode string) ([]*models.FaultInfo, error) {
	if equipmentCode == "" {
		return nil, fmt.Errorf("equipment_code is required")
	}

	query := `
		SELECT equipment_code, bit_index, name, description, marker
		FROM fault_catalog
		WHERE equipment_code = $1
		ORDER BY bit_index
	`

	rows, err := r.db.QueryContext(ctx, query, equipmentCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query fault catalog: %w", err)
	}
	defer rows.Close()

	faults := []*models.FaultInfo{}
	for rows.Next() {
		var info models.FaultInfo
		if err := rows.Scan(
			&info.EquipmentCode,
			&info.BitIndex,
			&info.Name,
			&info.Description,
			&info.Marker,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fault catalog entry: %w", err)
		}
		faults = append(faults, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fault catalog: %w", err)
	}

	return faults, nil
}

// EquipmentExists 检查设备是否登记在 equipment 表中
// 未知设备的快照按 no-op 处理，这里只做存在性检查。
func (r *FaultCatalogRepository) EquipmentExists(ctx context.Context, equipmentCode string) (bool, error) {
	if equipmentCode == "" {
		return false, fmt.Errorf("equipment_code is required")
	}

	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM equipment WHERE equipment_code = $1)`,
		equipmentCode,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check equipment existence: %w", err)
	}

	return exists, nil
}
