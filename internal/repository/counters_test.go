package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockCountersDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CountersRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewCountersRepository(db, logger)

	return db, mock, repo
}

var counterColumnNames = []string{
	"line_id", "planned_production_ms", "target_output", "actual_output", "good_parts", "total_parts",
}

func TestGetCounters_Success(t *testing.T) {
	db, mock, repo := setupMockCountersDB(t)
	defer db.Close()

	windowStart := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	windowEnd := windowStart.Add(8 * time.Hour)

	rows := sqlmock.NewRows(counterColumnNames).AddRow(
		"LINE-A", int64(28800000), float64(100), float64(90), int64(85), int64(100),
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs("FILLER-01", windowStart, windowEnd).
		WillReturnRows(rows)

	counters, err := repo.GetCounters(context.Background(), "FILLER-01", windowStart, windowEnd)

	require.NoError(t, err)
	assert.Equal(t, "FILLER-01", counters.EquipmentCode)
	assert.Equal(t, "LINE-A", counters.LineID)
	assert.Equal(t, 8*time.Hour, counters.PlannedProduction)
	assert.Equal(t, float64(100), counters.TargetOutput)
	assert.Equal(t, float64(90), counters.ActualOutput)
	assert.Equal(t, int64(85), counters.GoodParts)
	assert.Equal(t, int64(100), counters.TotalParts)
	assert.Equal(t, windowStart, counters.WindowStart)
	assert.Equal(t, windowEnd, counters.WindowEnd)
}

// 窗口内无计数行：全零计数，不是错误
func TestGetCounters_NoRows(t *testing.T) {
	db, mock, repo := setupMockCountersDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(counterColumnNames).AddRow(
		"", int64(0), float64(0), float64(0), int64(0), int64(0),
	)

	mock.ExpectQuery(`SELECT`).
		WillReturnRows(rows)

	counters, err := repo.GetCounters(context.Background(), "FILLER-01", time.Now().Add(-time.Hour), time.Now())

	require.NoError(t, err)
	assert.Zero(t, counters.PlannedProduction)
	assert.Zero(t, counters.TotalParts)
}

func TestGetCounters_Validation(t *testing.T) {
	db, _, repo := setupMockCountersDB(t)
	defer db.Close()

	_, err := repo.GetCounters(context.Background(), "", time.Now(), time.Now())
	assert.Error(t, err)
}
