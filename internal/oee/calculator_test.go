package oee_test

import (
	"context"
	"testing"
	"time"

	"prodline-monitor/internal/models"
	"prodline-monitor/internal/oee"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCounters 仅用于单元测试
type fakeCounters struct {
	counters *models.ProductionCounters
}

func (f *fakeCounters) GetCounters(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (*models.ProductionCounters, error) {
	c := *f.counters
	c.EquipmentCode = equipmentCode
	c.WindowStart = windowStart
	c.WindowEnd = windowEnd
	return &c, nil
}

// fakeDowntime 仅用于单元测试
type fakeDowntime struct {
	closed time.Duration
	open   *models.DowntimeEvent
}

func (f *fakeDowntime) SumClosedDowntime(ctx context.Context, equipmentCode string, windowStart, windowEnd time.Time) (time.Duration, error) {
	return f.closed, nil
}

func (f *fakeDowntime) GetOpenEvent(ctx context.Context, equipmentCode string) (*models.DowntimeEvent, error) {
	return f.open, nil
}

func TestCalculate_FullShift(t *testing.T) {
	// good_parts=85, total_parts=100, target=100, actual=90,
	// planned=480min, operating=432min（即 48min 停机）
	counters := &fakeCounters{counters: &models.ProductionCounters{
		LineID:            "LINE-1",
		PlannedProduction: 480 * time.Minute,
		TargetOutput:      100,
		ActualOutput:      90,
		GoodParts:         85,
		TotalParts:        100,
	}}
	downtime := &fakeDowntime{closed: 48 * time.Minute}

	calc := oee.NewCalculator(counters, downtime, 0, zap.NewNop())

	start := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	sample, err := calc.Calculate(context.Background(), "CNC-01", start, start.Add(8*time.Hour))

	require.NoError(t, err)
	assert.InDelta(t, 0.9, sample.Availability, 1e-9)
	assert.InDelta(t, 0.9, sample.Performance, 1e-9)
	assert.InDelta(t, 0.85, sample.Quality, 1e-9)
	assert.InDelta(t, 0.6885, sample.OEE, 1e-9)
	assert.False(t, sample.RealTime)
	assert.Equal(t, "LINE-1", sample.LineID)
}

func TestCalculate_OEEIsProductOfRatios(t *testing.T) {
	counters := &fakeCounters{counters: &models.ProductionCounters{
		PlannedProduction: 400 * time.Minute,
		TargetOutput:      120,
		ActualOutput:      75,
		GoodParts:         70,
		TotalParts:        75,
	}}
	downtime := &fakeDowntime{closed: 30 * time.Minute}

	calc := oee.NewCalculator(counters, downtime, 0, zap.NewNop())

	start := time.Now().Add(-time.Hour)
	sample, err := calc.Calculate(context.Background(), "CNC-01", start, time.Now())

	require.NoError(t, err)
	assert.InDelta(t, sample.Availability*sample.Performance*sample.Quality, sample.OEE, 1e-12)
	for _, v := range []float64{sample.Availability, sample.Performance, sample.Quality, sample.OEE} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestCalculate_ZeroDenominators(t *testing.T) {
	counters := &fakeCounters{counters: &models.ProductionCounters{
		PlannedProduction: 0,
		TargetOutput:      0,
		GoodParts:         0,
		TotalParts:        0,
	}}
	downtime := &fakeDowntime{}

	calc := oee.NewCalculator(counters, downtime, 0, zap.NewNop())

	start := time.Now().Add(-time.Hour)
	sample, err := calc.Calculate(context.Background(), "CNC-01", start, time.Now())

	require.NoError(t, err)
	assert.Zero(t, sample.Availability)
	assert.Zero(t, sample.Performance)
	assert.Zero(t, sample.Quality)
	assert.Zero(t, sample.OEE)
}

func TestCalculate_ClampsAgainstClockSkew(t *testing.T) {
	// 停机超过计划时间（时钟偏移/脏数据）：不允许出现负值
	counters := &fakeCounters{counters: &models.ProductionCounters{
		PlannedProduction: 60 * time.Minute,
		TargetOutput:      100,
		ActualOutput:      140, // 超产也压到 1
		GoodParts:         100,
		TotalParts:        100,
	}}
	downtime := &fakeDowntime{closed: 90 * time.Minute}

	calc := oee.NewCalculator(counters, downtime, 0, zap.NewNop())

	start := time.Now().Add(-time.Hour)
	sample, err := calc.Calculate(context.Background(), "CNC-01", start, time.Now())

	require.NoError(t, err)
	assert.Zero(t, sample.Availability)
	assert.Equal(t, 1.0, sample.Performance)
	assert.Equal(t, 1.0, sample.Quality)
}

func TestCalculate_RejectsInvalidWindow(t *testing.T) {
	calc := oee.NewCalculator(&fakeCounters{counters: &models.ProductionCounters{}}, &fakeDowntime{}, 0, zap.NewNop())

	now := time.Now()
	_, err := calc.Calculate(context.Background(), "CNC-01", now, now)
	assert.Error(t, err)

	_, err = calc.Calculate(context.Background(), "", now.Add(-time.Hour), now)
	assert.Error(t, err)
}

func TestCalculateRealTime_FoldsInOpenDowntime(t *testing.T) {
	counters := &fakeCounters{counters: &models.ProductionCounters{
		PlannedProduction: 60 * time.Minute,
		TargetOutput:      60,
		ActualOutput:      60,
		GoodParts:         60,
		TotalParts:        60,
	}}
	// 打开中的停机已持续 15 分钟
	downtime := &fakeDowntime{
		closed: 0,
		open: &models.DowntimeEvent{
			EventID:       "evt-1",
			EquipmentCode: "CNC-01",
			StartTime:     time.Now().Add(-15 * time.Minute),
			Category:      models.DowntimeUnplanned,
		},
	}

	calc := oee.NewCalculator(counters, downtime, time.Hour, zap.NewNop())

	sample, err := calc.CalculateRealTime(context.Background(), "CNC-01")

	require.NoError(t, err)
	assert.True(t, sample.RealTime)
	// operating ≈ 45min / 60min
	assert.InDelta(t, 0.75, sample.Availability, 0.01)
}

func TestCalculateRealTime_PlannedOpenDowntimeNotCounted(t *testing.T) {
	counters := &fakeCounters{counters: &models.ProductionCounters{
		PlannedProduction: 60 * time.Minute,
		TargetOutput:      60,
		ActualOutput:      60,
		GoodParts:         60,
		TotalParts:        60,
	}}
	downtime := &fakeDowntime{
		open: &models.DowntimeEvent{
			EventID:       "evt-2",
			EquipmentCode: "CNC-01",
			StartTime:     time.Now().Add(-20 * time.Minute),
			Category:      models.DowntimePlanned,
		},
	}

	calc := oee.NewCalculator(counters, downtime, time.Hour, zap.NewNop())

	sample, err := calc.CalculateRealTime(context.Background(), "CNC-01")

	require.NoError(t, err)
	assert.Equal(t, 1.0, sample.Availability)
}
