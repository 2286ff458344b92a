package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"prodline-monitor/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockEscalationsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *EscalationsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewEscalationsRepository(db, logger)

	return db, mock, repo
}

var escalationColumnNames = []string{
	"record_id", "andon_event_id", "priority", "escalation_level", "status",
	"version", "level_started_at", "last_reminder_sent_at", "last_notify_failed",
	"notified_history", "created_at", "updated_at", "resolved_at",
}

// ============================================
// 查询操作测试
// ============================================

func TestGetEscalationRecord_Success(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	recordID := uuid.New().String()
	andonEventID := uuid.New().String()
	now := time.Now()

	history := `[{"level":2,"kind":"escalation","recipients":["supervisor"],"channels":["push"],"notified_at":"2026-03-10T08:15:00Z"}]`
	rows := sqlmock.NewRows(escalationColumnNames).AddRow(
		recordID, andonEventID, "high", 2, "escalated",
		int64(3), now, nil, false,
		history, now, now, nil,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(recordID).
		WillReturnRows(rows)

	record, err := repo.GetEscalationRecord(context.Background(), recordID)

	require.NoError(t, err)
	assert.Equal(t, recordID, record.RecordID)
	assert.Equal(t, models.PriorityHigh, record.Priority)
	assert.Equal(t, 2, record.EscalationLevel)
	assert.Equal(t, models.EscalationEscalated, record.Status)
	assert.Equal(t, int64(3), record.Version)

	// JSONB 历史反序列化
	require.Len(t, record.NotifiedHistory, 1)
	assert.Equal(t, "escalation", record.NotifiedHistory[0].Kind)
	assert.Equal(t, []string{"supervisor"}, record.NotifiedHistory[0].Recipients)
}

func TestGetEscalationRecord_NotFound(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	recordID := uuid.New().String()
	mock.ExpectQuery(`SELECT`).
		WithArgs(recordID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetEscalationRecord(context.Background(), recordID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetByAndonEvent_Success(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	andonEventID := uuid.New().String()
	now := time.Now()

	rows := sqlmock.NewRows(escalationColumnNames).AddRow(
		uuid.New().String(), andonEventID, "critical", 1, "active",
		int64(1), now, nil, false,
		`[]`, now, now, nil,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(andonEventID).
		WillReturnRows(rows)

	record, err := repo.GetByAndonEvent(context.Background(), andonEventID)
	require.NoError(t, err)
	assert.Equal(t, andonEventID, record.AndonEventID)
	assert.Empty(t, record.NotifiedHistory)
}

// 扫描结果含所有未解决状态；acknowledged 也在列（解决超时仍需监控）
func TestListUnresolvedEscalations(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(escalationColumnNames).
		AddRow(uuid.New().String(), uuid.New().String(), "high", 1, "active",
			int64(1), now, nil, false, `[]`, now, now, nil).
		AddRow(uuid.New().String(), uuid.New().String(), "critical", 2, "escalated",
			int64(4), now, now, false, `[]`, now, now, nil).
		AddRow(uuid.New().String(), uuid.New().String(), "medium", 1, "acknowledged",
			int64(2), now, nil, false, `[]`, now, now, nil)

	mock.ExpectQuery(`SELECT(.|\n)*status <> 'resolved'`).
		WillReturnRows(rows)

	records, err := repo.ListUnresolvedEscalations(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, models.EscalationActive, records[0].Status)
	assert.Equal(t, models.EscalationEscalated, records[1].Status)
	assert.Equal(t, models.EscalationAcknowledged, records[2].Status)
	require.NotNil(t, records[1].LastReminderSentAt)
}

func TestListUnresolvedEscalations_Empty(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WillReturnRows(sqlmock.NewRows(escalationColumnNames))

	records, err := repo.ListUnresolvedEscalations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

// ============================================
// CAS 更新测试
// ============================================

func casRecord() *models.EscalationRecord {
	now := time.Now()
	return &models.EscalationRecord{
		RecordID:        uuid.New().String(),
		AndonEventID:    uuid.New().String(),
		Priority:        models.PriorityHigh,
		EscalationLevel: 2,
		Status:          models.EscalationEscalated,
		Version:         1,
		LevelStartedAt:  now,
		NotifiedHistory: []models.NotifiedEntry{},
	}
}

func TestCompareAndSwap_Success(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	record := casRecord()

	mock.ExpectExec(`UPDATE escalation_records`).
		WithArgs(record.EscalationLevel, record.Status, record.LevelStartedAt,
			record.LastReminderSentAt, record.LastNotifyFailed, sqlmock.AnyArg(),
			record.ResolvedAt, record.RecordID, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CompareAndSwap(context.Background(), record, 1)
	require.NoError(t, err)

	// 成功后内存中的 version 与库里保持一致
	assert.Equal(t, int64(2), record.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 版本未命中：0 行更新 → 版本冲突，version 不变
func TestCompareAndSwap_VersionConflict(t *testing.T) {
	db, mock, repo := setupMockEscalationsDB(t)
	defer db.Close()

	record := casRecord()

	mock.ExpectExec(`UPDATE escalation_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CompareAndSwap(context.Background(), record, 1)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.Equal(t, int64(1), record.Version)
}

func TestCompareAndSwap_Validation(t *testing.T) {
	db, _, repo := setupMockEscalationsDB(t)
	defer db.Close()

	err := repo.CompareAndSwap(context.Background(), nil, 1)
	assert.Error(t, err)

	err = repo.CompareAndSwap(context.Background(), &models.EscalationRecord{}, 1)
	assert.ErrorContains(t, err, "record_id")
}
