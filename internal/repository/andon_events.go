package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// AndonEventsRepository 安灯事件仓库
type AndonEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAndonEventsRepository 创建安灯事件仓库
func NewAndonEventsRepository(db *sql.DB, logger *zap.Logger) *AndonEventsRepository {
	return &AndonEventsRepository{
		db:     db,
		logger: logger,
	}
}

// AndonEventFilters 安灯事件过滤条件
type AndonEventFilters struct {
	// 时间段过滤
	StartTime *time.Time // created_at >= StartTime
	EndTime   *time.Time // created_at <= EndTime

	// 位置过滤
	LineID        *string
	EquipmentCode *string

	// 类型和优先级过滤
	EventType  *string
	Priority   *models.AndonPriority
	Priorities []models.AndonPriority // IN 查询

	// 状态过滤
	Status   *models.AndonStatus
	Statuses []models.AndonStatus // IN 查询

	// 上报人/处理人过滤
	ReportedBy     *string
	AcknowledgedBy *string
}

const andonEventColumns = `
	event_id,
	line_id,
	equipment_code,
	event_type,
	priority,
	description,
	status,
	reported_by,
	created_at,
	acknowledged_at,
	acknowledged_by,
	resolved_at,
	resolved_by,
	resolution_notes,
	updated_at`

// scanAndonEvent 扫描单行安灯事件
func scanAndonEvent(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.AndonEvent, error) {
	var event models.AndonEvent
	var ackAt, resolvedAt sql.NullTime
	var ackBy, resolvedBy, notes sql.NullString

	err := scanner.Scan(
		&event.EventID,
		&event.LineID,
		&event.EquipmentCode,
		&event.EventType,
		&event.Priority,
		&event.Description,
		&event.Status,
		&event.ReportedBy,
		&event.CreatedAt,
		&ackAt,
		&ackBy,
		&resolvedAt,
		&resolvedBy,
		&notes,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if ackAt.Valid {
		event.AcknowledgedAt = &ackAt.Time
	}
	if ackBy.Valid {
		event.AcknowledgedBy = &ackBy.String
	}
	if resolvedAt.Valid {
		event.ResolvedAt = &resolvedAt.Time
	}
	if resolvedBy.Valid {
		event.ResolvedBy = &resolvedBy.String
	}
	if notes.Valid {
		event.ResolutionNotes = &notes.String
	}

	return &event, nil
}

// ============================================
// 基础 CRUD 操作
// ============================================

// GetAndonEvent 根据 event_id 获取单个安灯事件
func (r *AndonEventsRepository) GetAndonEvent(ctx context.Context, eventID string) (*models.AndonEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM andon_events
		WHERE event_id = $1
	`, andonEventColumns)

	event, err := scanAndonEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("andon event not found: event_id=%s: %w", eventID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get andon event: %w", err)
	}

	return event, nil
}

// CreateWithEscalation 在同一事务中创建安灯事件及其升级记录
// 两者必须同时成功：升级记录创建失败时整体回滚（原子创建，不允许半成品）。
func (r *AndonEventsRepository) CreateWithEscalation(ctx context.Context, event *models.AndonEvent, record *models.EscalationRecord) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if record == nil {
		return fmt.Errorf("escalation record is required")
	}
	if record.AndonEventID != event.EventID {
		return fmt.Errorf("escalation record andon_event_id must match event_id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	eventQuery := `
		INSERT INTO andon_events (
			event_id,
			line_id,
			equipment_code,
			event_type,
			priority,
			description,
			status,
			reported_by,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	if _, err := tx.ExecContext(ctx, eventQuery,
		event.EventID,
		event.LineID,
		event.EquipmentCode,
		event.EventType,
		event.Priority,
		event.Description,
		event.Status,
		event.ReportedBy,
		event.CreatedAt,
		event.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create andon event: %w", err)
	}

	historyJSON, err := json.Marshal(record.NotifiedHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal notified history: %w", err)
	}

	recordQuery := `
		INSERT INTO escalation_records (
			record_id,
			andon_event_id,
			priority,
			escalation_level,
			status,
			version,
			level_started_at,
			last_reminder_sent_at,
			last_notify_failed,
			notified_history,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, NULL, $8, $9, $10, $11
		)
	`

	if _, err := tx.ExecContext(ctx, recordQuery,
		record.RecordID,
		record.AndonEventID,
		record.Priority,
		record.EscalationLevel,
		record.Status,
		record.Version,
		record.LevelStartedAt,
		record.LastNotifyFailed,
		historyJSON,
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create escalation record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit andon event creation: %w", err)
	}

	return nil
}

// UpdateAndonEvent 更新安灯事件（部分更新，只允许状态相关字段）
func (r *AndonEventsRepository) UpdateAndonEvent(ctx context.Context, eventID string, updates map[string]interface{}) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	// 允许更新的字段
	allowedFields := map[string]bool{
		"status":           true,
		"acknowledged_at":  true,
		"acknowledged_by":  true,
		"resolved_at":      true,
		"resolved_by":      true,
		"resolution_notes": true,
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !allowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, eventID)
	query := fmt.Sprintf(`
		UPDATE andon_events
		SET %s
		WHERE event_id = $%d
	`, strings.Join(setParts, ", "), argN)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update andon event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("andon event not found: event_id=%s: %w", eventID, models.ErrNotFound)
	}

	return nil
}

// ============================================
// 查询操作
// ============================================

// buildWhereClause 构建 WHERE 子句
func (r *AndonEventsRepository) buildWhereClause(filters AndonEventFilters, args *[]interface{}, argN *int) []string {
	where := []string{}

	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}
	if filters.LineID != nil {
		where = append(where, fmt.Sprintf("line_id = $%d", *argN))
		*args = append(*args, *filters.LineID)
		*argN++
	}
	if filters.EquipmentCode != nil {
		where = append(where, fmt.Sprintf("equipment_code = $%d", *argN))
		*args = append(*args, *filters.EquipmentCode)
		*argN++
	}
	if filters.EventType != nil {
		where = append(where, fmt.Sprintf("event_type = $%d", *argN))
		*args = append(*args, *filters.EventType)
		*argN++
	}
	if filters.Priority != nil {
		where = append(where, fmt.Sprintf("priority = $%d", *argN))
		*args = append(*args, *filters.Priority)
		*argN++
	}
	if len(filters.Priorities) > 0 {
		placeholders := make([]string, len(filters.Priorities))
		for i := range filters.Priorities {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.Priorities[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("priority IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", *argN))
		*args = append(*args, *filters.Status)
		*argN++
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.Statuses[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.ReportedBy != nil {
		where = append(where, fmt.Sprintf("reported_by = $%d", *argN))
		*args = append(*args, *filters.ReportedBy)
		*argN++
	}
	if filters.AcknowledgedBy != nil {
		where = append(where, fmt.Sprintf("acknowledged_by = $%d", *argN))
		*args = append(*args, *filters.AcknowledgedBy)
		*argN++
	}

	return where
}

// ListAndonEvents 列表查询（支持多条件过滤、分页）
func (r *AndonEventsRepository) ListAndonEvents(ctx context.Context, filters AndonEventFilters, page, size int) ([]*models.AndonEvent, int, error) {
	args := []interface{}{}
	argN := 1
	where := r.buildWhereClause(filters, &args, &argN)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM andon_events
		%s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count andon events: %w", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM andon_events
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, andonEventColumns, whereClause, len(args)+1, len(args)+2)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query andon events: %w", err)
	}
	defer rows.Close()

	events := []*models.AndonEvent{}
	for rows.Next() {
		event, err := scanAndonEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan andon event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate andon events: %w", err)
	}

	return events, total, nil
}

// GetOpenAndonEvents 获取未终结的安灯事件（open / acknowledged / escalated）
func (r *AndonEventsRepository) GetOpenAndonEvents(ctx context.Context, filters AndonEventFilters, page, size int) ([]*models.AndonEvent, int, error) {
	filters.Statuses = []models.AndonStatus{models.AndonOpen, models.AndonAcknowledged, models.AndonEscalated}
	return r.ListAndonEvents(ctx, filters, page, size)
}
