package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// DowntimeEventsRepository 停机事件仓库
type DowntimeEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDowntimeEventsRepository 创建停机事件仓库
func NewDowntimeEventsRepository(db *sql.DB, logger *zap.Logger) *DowntimeEventsRepository {
	return &DowntimeEventsRepository{
		db:     db,
		logger: logger,
	}
}

// DowntimeEventFilters 停机事件过滤条件
type DowntimeEventFilters struct {
	// 时间段过滤
	StartTime *time.Time // start_time >= StartTime
	EndTime   *time.Time // start_time <= EndTime

	// 设备/产线过滤
	EquipmentCode *string
	LineID        *string

	// 分类过滤
	Category   *models.DowntimeCategory
	Categories []models.DowntimeCategory // IN 查询

	// 原因码过滤
	ReasonCode *string

	// 只查打开中/已关闭
	OpenOnly   bool
	ClosedOnly bool
}

const downtimeEventColumns = `
	event_id,
	equipment_code,
	line_id,
	start_time,
	end_time,
	duration_ms,
	reason_code,
	reason_description,
	category,
	confirmed_by,
	created_at,
	updated_at`

// scanDowntimeEvent 扫描单行停机事件
func scanDowntimeEvent(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.DowntimeEvent, error) {
	var event models.DowntimeEvent
	var endTimePtr sql.NullTime
	var durationMS sql.NullInt64
	var confirmedBy sql.NullString

	err := scanner.Scan(
		&event.EventID,
		&event.EquipmentCode,
		&event.LineID,
		&event.StartTime,
		&endTimePtr,
		&durationMS,
		&event.ReasonCode,
		&event.ReasonDesc,
		&event.Category,
		&confirmedBy,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if endTimePtr.Valid {
		event.EndTime = &endTimePtr.Time
	}
	if durationMS.Valid {
		event.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	}
	if confirmedBy.Valid {
		event.ConfirmedBy = &confirmedBy.String
	}

	return &event, nil
}

// ============================================
// 基础 CRUD 操作
// ============================================

// GetDowntimeEvent 根据 event_id 获取单个停机事件
func (r *DowntimeEventsRepository) GetDowntimeEvent(ctx context.Context, eventID string) (*models.DowntimeEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM downtime_events
		WHERE event_id = $1
	`, downtimeEventColumns)

	event, err := scanDowntimeEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("downtime event not found: event_id=%s: %w", eventID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get downtime event: %w", err)
	}

	return event, nil
}

// GetOpenEvent 获取某设备当前打开中的停机事件（end_time 为空）
// 不存在时返回 (nil, nil)；发现多条打开中事件时返回不变式违反错误。
func (r *DowntimeEventsRepository) GetOpenEvent(ctx context.Context, equipmentCode string) (*models.DowntimeEvent, error) {
	if equipmentCode == "" {
		return nil, fmt.Errorf("equipment_code is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM downtime_events
		WHERE equipment_code = $1
		  AND end_time IS NULL
		ORDER BY start_time
	`, downtimeEventColumns)

	rows, err := r.db.QueryContext(ctx, query, equipmentCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query open downtime event: %w", err)
	}
	defer rows.Close()

	var open []*models.DowntimeEvent
	for rows.Next() {
		event, err := scanDowntimeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan downtime event: %w", err)
		}
		open = append(open, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downtime events: %w", err)
	}

	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		return open[0], nil
	default:
		// 同一设备出现多条打开中事件说明并发缺陷，必须大声暴露
		r.logger.Error("Duplicate open downtime events detected",
			zap.String("equipment_code", equipmentCode),
			zap.Int("open_count", len(open)),
		)
		return nil, fmt.Errorf("equipment_code=%s has %d open events: %w",
			equipmentCode, len(open), models.ErrDuplicateOpenDowntime)
	}
}

// CreateDowntimeEvent 创建停机事件（打开）
// downtime_events 表对 (equipment_code) WHERE end_time IS NULL 建有部分唯一索引，
// 并发打开第二条时由数据库兜底拒绝。
func (r *DowntimeEventsRepository) CreateDowntimeEvent(ctx context.Context, event *models.DowntimeEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.EquipmentCode == "" {
		return fmt.Errorf("equipment_code is required")
	}
	if event.StartTime.IsZero() {
		return fmt.Errorf("start_time is required")
	}

	query := `
		INSERT INTO downtime_events (
			event_id,
			equipment_code,
			line_id,
			start_time,
			end_time,
			duration_ms,
			reason_code,
			reason_description,
			category,
			confirmed_by,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, NULL, NULL, $5, $6, $7, NULL, $8, $9
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.EquipmentCode,
		event.LineID,
		event.StartTime,
		event.ReasonCode,
		event.ReasonDesc,
		event.Category,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "uniq_downtime_open") {
			return fmt.Errorf("equipment_code=%s: %w", event.EquipmentCode, models.ErrDuplicateOpenDowntime)
		}
		return fmt.Errorf("failed to create downtime event: %w", err)
	}

	return nil
}

// CloseDowntimeEvent 关闭停机事件（设置 end_time 和 duration）
// 只关闭仍然打开的事件；已关闭的事件是只读的。
func (r *DowntimeEventsRepository) CloseDowntimeEvent(ctx context.Context, eventID string, endTime time.Time, duration time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if endTime.IsZero() {
		return fmt.Errorf("end_time is required")
	}

	query := `
		UPDATE downtime_events
		SET end_time = $1,
		    duration_ms = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $3
		  AND end_time IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, endTime, duration.Milliseconds(), eventID)
	if err != nil {
		return fmt.Errorf("failed to close downtime event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("downtime event not found or already closed: event_id=%s: %w", eventID, models.ErrNotFound)
	}

	return nil
}

// ConfirmDowntimeEvent 人工确认停机原因（填写 confirmed_by，可修正分类和原因）
func (r *DowntimeEventsRepository) ConfirmDowntimeEvent(ctx context.Context, eventID, confirmedBy string, reason *models.StopReason) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if confirmedBy == "" {
		return fmt.Errorf("confirmed_by is required")
	}

	setParts := []string{"confirmed_by = $1", "updated_at = CURRENT_TIMESTAMP"}
	args := []interface{}{confirmedBy}
	argN := 2

	if reason != nil {
		setParts = append(setParts,
			fmt.Sprintf("category = $%d", argN),
			fmt.Sprintf("reason_code = $%d", argN+1),
			fmt.Sprintf("reason_description = $%d", argN+2),
		)
		args = append(args, reason.Category, reason.ReasonCode, reason.ReasonDesc)
		argN += 3
	}

	args = append(args, eventID)
	query := fmt.Sprintf(`
		UPDATE downtime_events
		SET %s
		WHERE event_id = $%d
	`, strings.Join(setParts, ", "), argN)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to confirm downtime event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("downtime event not found: event_id=%s: %w", eventID, models.ErrNotFound)
	}

	return nil
}

// ============================================
// 查询操作
// ============================================

// buildWhereClause 构建 WHERE 子句
func (r *DowntimeEventsRepository) buildWhereClause(filters DowntimeEventFilters, args *[]interface{}, argN *int) []string {
	where := []string{}

	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("start_time >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("start_time <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}
	if filters.EquipmentCode != nil {
		where = append(where, fmt.Sprintf("equipment_code = $%d", *argN))
		*args = append(*args, *filters.EquipmentCode)
		*argN++
	}
	if filters.LineID != nil {
		where = append(where, fmt.Sprintf("line_id = $%d", *argN))
		*args = append(*args, *filters.LineID)
		*argN++
	}
	if filters.Category != nil {
		where = append(where, fmt.Sprintf("category = $%d", *argN))
		*args = append(*args, *filters.Category)
		*argN++
	}
	if len(filters.Categories) > 0 {
		placeholders := make([]string, len(filters.Categories))
		for i := range filters.Categories {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.Categories[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("category IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.ReasonCode != nil {
		where = append(where, fmt.Sprintf("reason_code = $%d", *argN))
		*args = append(*args, *filters.ReasonCode)
		*argN++
	}
	if filters.OpenOnly {
		where = append(where, "end_time IS NULL")
	}
	if filters.ClosedOnly {
		where = append(where, "end_time IS NOT NULL")
	}

	return where
}

// ListDowntimeEvents 列表查询（支持多条件过滤、分页）
func (r *DowntimeEventsRepository) ListDowntimeEvents(ctx context.Context, filters DowntimeEventFilters, page, size int) ([]*models.DowntimeEvent, int, error) {
	args := []interface{}{}
	argN := 1
	where := r.buildWhereClause(filters, &args, &argN)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	// 计算总数
	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM downtime_events
		%s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count downtime events: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM downtime_events
		%s
		ORDER BY start_time DESC
		LIMIT $%d OFFSET $%d
	`, downtimeEventColumns, whereClause, len(args)+1, len(args)+2)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query downtime events: %w", err)
	}
	defer rows.Close()

	events := []*models.DowntimeEvent{}
	for rows.Next() {
		event, err := scanDowntimeEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan downtime event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate downtime events: %w", err)
	}

	return events, total, nil
}

// ============================================
// 统计查询（供 OEE 计算使用）
// ============================================

// SumClosedDowntime 汇总时间窗内已关闭的停机时长（只计非计划停机）
// 与窗口部分重叠的事件按重叠部分计入。
func (r *DowntimeEventsRepository) SumClosedDowntime(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (time.Duration, error) {
	if equipmentCode == "" {
		return 0, fmt.Errorf("equipment_code is required")
	}

	// LEAST/GREATEST 裁剪到窗口边界
	query := `
		SELECT COALESCE(SUM(
			EXTRACT(EPOCH FROM (LEAST(end_time, $3) - GREATEST(start_time, $2))) * 1000
		), 0)::BIGINT
		FROM downtime_events
		WHERE equipment_code = $1
		  AND end_time IS NOT NULL
		  AND category <> 'planned'
		  AND end_time > $2
		  AND start_time < $3
	`

	var totalMS int64
	err := r.db.QueryRowContext(ctx, query, equipmentCode, windowStart, windowEnd).Scan(&totalMS)
	if err != nil {
		return 0, fmt.Errorf("failed to sum closed downtime: %w", err)
	}

	return time.Duration(totalMS) * time.Millisecond, nil
}
