package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// EscalationsRepository 升级记录仓库
// 写路径只提供按 version 的 CAS 更新（乐观锁），保证监控循环与
// 用户操作（确认/解决/手动升级）对同一记录的并发变更全序可见。
type EscalationsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEscalationsRepository 创建升级记录仓库
func NewEscalationsRepository(db *sql.DB, logger *zap.Logger) *EscalationsRepository {
	return &EscalationsRepository{
		db:     db,
		logger: logger,
	}
}

const escalationColumns = `
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
	updated_at,
	resolved_at`

// scanEscalationRecord 扫描单行升级记录
func scanEscalationRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.EscalationRecord, error) {
	var record models.EscalationRecord
	var lastReminder, resolvedAt sql.NullTime
	var historyJSON []byte

	err := scanner.Scan(
		&record.RecordID,
		&record.AndonEventID,
		&record.Priority,
		&record.EscalationLevel,
		&record.Status,
		&record.Version,
		&record.LevelStartedAt,
		&lastReminder,
		&record.LastNotifyFailed,
		&historyJSON,
		&record.CreatedAt,
		&record.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if lastReminder.Valid {
		record.LastReminderSentAt = &lastReminder.Time
	}
	if resolvedAt.Valid {
		record.ResolvedAt = &resolvedAt.Time
	}

	// 处理 JSONB 字段
	record.NotifiedHistory = []models.NotifiedEntry{}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &record.NotifiedHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notified history: %w", err)
		}
	}

	return &record, nil
}

// ============================================
// 查询操作
// ============================================

// GetEscalationRecord 根据 record_id 获取升级记录
func (r *EscalationsRepository) GetEscalationRecord(ctx context.Context, recordID string) (*models.EscalationRecord, error) {
	if recordID == "" {
		return nil, fmt.Errorf("record_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM escalation_records
		WHERE record_id = $1
	`, escalationColumns)

	record, err := scanEscalationRecord(r.db.QueryRowContext(ctx, query, recordID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("escalation record not found: record_id=%s: %w", recordID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get escalation record: %w", err)
	}

	return record, nil
}

// GetByAndonEvent 根据安灯事件ID获取升级记录（1:1 关系）
func (r *EscalationsRepository) GetByAndonEvent(ctx context.Context, andonEventID string) (*models.EscalationRecord, error) {
	if andonEventID == "" {
		return nil, fmt.Errorf("andon_event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM escalation_records
		WHERE andon_event_id = $1
	`, escalationColumns)

	record, err := scanEscalationRecord(r.db.QueryRowContext(ctx, query, andonEventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("escalation record not found: andon_event_id=%s: %w", andonEventID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get escalation record: %w", err)
	}

	return record, nil
}

// ListUnresolvedEscalations 获取所有仍需监控的升级记录（status <> resolved）
// acknowledged 也在列：确认只冻结级别升级，解决超时仍由监控器盯着；
// resolved 是终态，按状态过滤天然跳过，无需额外的取消信号。
func (r *EscalationsRepository) ListUnresolvedEscalations(ctx context.Context) ([]*models.EscalationRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM escalation_records
		WHERE status <> 'resolved'
		ORDER BY created_at
	`, escalationColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved escalations: %w", err)
	}
	defer rows.Close()

	records := []*models.EscalationRecord{}
	for rows.Next() {
		record, err := scanEscalationRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation records: %w", err)
	}

	return records, nil
}

// ============================================
// CAS 更新
// ============================================

// CompareAndSwap 按 version 条件更新升级记录
// 只有当数据库中的 version 等于 expectedVersion 时更新才生效，
// 同时 version 加一；未命中返回 models.ErrVersionConflict，
// 调用方应重读记录后重新评估（若已 acknowledged/resolved 则安全放弃）。
func (r *EscalationsRepository) CompareAndSwap(ctx context.Context, record *models.EscalationRecord, expectedVersion int64) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if record.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}

	historyJSON, err := json.Marshal(record.NotifiedHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal notified history: %w", err)
	}

	// escalation_level 只增不减由 WHERE 条件兜底；
	// 命中该条件失败与版本冲突同样走重读路径。
	query := `
		UPDATE escalation_records
		SET escalation_level = $1,
		    status = $2,
		    level_started_at = $3,
		    last_reminder_sent_at = $4,
		    last_notify_failed = $5,
		    notified_history = $6,
		    resolved_at = $7,
		    version = version + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE record_id = $8
		  AND version = $9
		  AND escalation_level <= $1
		  AND status <> 'resolved'
	`

	result, err := r.db.ExecContext(ctx, query,
		record.EscalationLevel,
		record.Status,
		record.LevelStartedAt,
		record.LastReminderSentAt,
		record.LastNotifyFailed,
		historyJSON,
		record.ResolvedAt,
		record.RecordID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update escalation record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("record_id=%s expected_version=%d: %w",
			record.RecordID, expectedVersion, models.ErrVersionConflict)
	}

	record.Version = expectedVersion + 1
	return nil
}
