package repository

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"prodline-monitor/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockAndonEventsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AndonEventsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAndonEventsRepository(db, logger)

	return db, mock, repo
}

var andonEventColumnNames = []string{
	"event_id", "line_id", "equipment_code", "event_type", "priority",
	"description", "status", "reported_by", "created_at", "acknowledged_at",
	"acknowledged_by", "resolved_at", "resolved_by", "resolution_notes", "updated_at",
}

func sampleAndonEvent() (*models.AndonEvent, *models.EscalationRecord) {
	now := time.Now()
	eventID := uuid.New().String()
	event := &models.AndonEvent{
		EventID:       eventID,
		LineID:        "LINE-A",
		EquipmentCode: "FILLER-01",
		EventType:     "maintenance",
		Priority:      models.PriorityHigh,
		Description:   "jam on infeed",
		Status:        models.AndonOpen,
		ReportedBy:    "operator-7",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	record := &models.EscalationRecord{
		RecordID:        uuid.New().String(),
		AndonEventID:    eventID,
		Priority:        models.PriorityHigh,
		EscalationLevel: 1,
		Status:          models.EscalationActive,
		Version:         1,
		LevelStartedAt:  now,
		NotifiedHistory: []models.NotifiedEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return event, record
}

// ============================================
// 基础 CRUD 操作测试
// ============================================

func TestGetAndonEvent_Success(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()
	now := time.Now()

	rows := sqlmock.NewRows(andonEventColumnNames).AddRow(
		eventID, "LINE-A", "FILLER-01", "maintenance", "high",
		"jam on infeed", "open", "operator-7", now, nil,
		nil, nil, nil, nil, now,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(eventID).
		WillReturnRows(rows)

	event, err := repo.GetAndonEvent(context.Background(), eventID)

	require.NoError(t, err)
	assert.Equal(t, eventID, event.EventID)
	assert.Equal(t, models.PriorityHigh, event.Priority)
	assert.Equal(t, models.AndonOpen, event.Status)
	assert.Nil(t, event.AcknowledgedAt)
	assert.False(t, event.IsTerminal())
}

func TestGetAndonEvent_NotFound(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()
	mock.ExpectQuery(`SELECT`).
		WithArgs(eventID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetAndonEvent(context.Background(), eventID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// 事件与升级记录在同一事务中创建
func TestCreateWithEscalation_Success(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	event, record := sampleAndonEvent()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO andon_events`).
		WithArgs(event.EventID, event.LineID, event.EquipmentCode, event.EventType,
			event.Priority, event.Description, event.Status, event.ReportedBy,
			event.CreatedAt, event.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escalation_records`).
		WithArgs(record.RecordID, record.AndonEventID, record.Priority,
			record.EscalationLevel, record.Status, record.Version,
			record.LevelStartedAt, record.LastNotifyFailed, sqlmock.AnyArg(),
			record.CreatedAt, record.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateWithEscalation(context.Background(), event, record)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// 升级记录插入失败：整体回滚，不留半成品事件
func TestCreateWithEscalation_RollbackOnRecordFailure(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	event, record := sampleAndonEvent()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO andon_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escalation_records`).
		WillReturnError(fmt.Errorf("constraint violation"))
	mock.ExpectRollback()

	err := repo.CreateWithEscalation(context.Background(), event, record)
	assert.ErrorContains(t, err, "escalation record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithEscalation_MismatchedIDs(t *testing.T) {
	db, _, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	event, record := sampleAndonEvent()
	record.AndonEventID = uuid.New().String()

	err := repo.CreateWithEscalation(context.Background(), event, record)
	assert.ErrorContains(t, err, "must match")
}

func TestUpdateAndonEvent_Success(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	eventID := uuid.New().String()

	mock.ExpectExec(`UPDATE andon_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAndonEvent(context.Background(), eventID, map[string]interface{}{
		"status": models.AndonAcknowledged,
	})
	require.NoError(t, err)
}

func TestUpdateAndonEvent_DisallowedField(t *testing.T) {
	db, _, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	err := repo.UpdateAndonEvent(context.Background(), uuid.New().String(), map[string]interface{}{
		"priority": models.PriorityCritical,
	})
	assert.ErrorContains(t, err, "not allowed")
}

func TestUpdateAndonEvent_NotFound(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE andon_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateAndonEvent(context.Background(), uuid.New().String(), map[string]interface{}{
		"status": models.AndonResolved,
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// ============================================
// 查询操作测试
// ============================================

func TestListAndonEvents_WithFilters(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	lineID := "LINE-A"
	priority := models.PriorityHigh
	filters := AndonEventFilters{
		LineID:   &lineID,
		Priority: &priority,
	}

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(lineID, priority).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	now := time.Now()
	rows := sqlmock.NewRows(andonEventColumnNames).AddRow(
		uuid.New().String(), lineID, "FILLER-01", "maintenance", "high",
		"jam on infeed", "open", "operator-7", now, nil,
		nil, nil, nil, nil, now,
	)
	mock.ExpectQuery(`SELECT`).
		WithArgs(lineID, priority, 20, 0).
		WillReturnRows(rows)

	events, total, err := repo.ListAndonEvents(context.Background(), filters, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, lineID, events[0].LineID)
}

// 未终结状态过滤：open / acknowledged / escalated
func TestGetOpenAndonEvents_StatusFilter(t *testing.T) {
	db, mock, repo := setupMockAndonEventsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(models.AndonOpen, models.AndonAcknowledged, models.AndonEscalated).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT`).
		WithArgs(models.AndonOpen, models.AndonAcknowledged, models.AndonEscalated, 20, 0).
		WillReturnRows(sqlmock.NewRows(andonEventColumnNames))

	events, total, err := repo.GetOpenAndonEvents(context.Background(), AndonEventFilters{}, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, events)
}
