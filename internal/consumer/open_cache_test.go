package consumer

import (
	"context"
	"testing"
	"time"

	"prodline-monitor/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*OpenDowntimeCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewOpenDowntimeCache(client, "downtime:open:", time.Hour, zap.NewNop())
	return cache, mr
}

func openedDelta(equipmentCode string) *models.DowntimeDelta {
	return &models.DowntimeDelta{
		Kind: models.DowntimeOpened,
		Event: &models.DowntimeEvent{
			EventID:       "evt-1",
			EquipmentCode: equipmentCode,
			LineID:        "LINE-A",
			StartTime:     time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
			ReasonCode:    "JAM_INFEED",
			Category:      models.DowntimeUnplanned,
		},
	}
}

func TestOpenDowntimeCache_ApplyOpened(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	cache.Apply(ctx, openedDelta("FILLER-01"))

	require.True(t, mr.Exists("downtime:open:FILLER-01"))

	event, err := cache.Get(ctx, "FILLER-01")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "evt-1", event.EventID)
	assert.Equal(t, "JAM_INFEED", event.ReasonCode)
}

func TestOpenDowntimeCache_ApplyClosedEvicts(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	cache.Apply(ctx, openedDelta("FILLER-01"))
	require.True(t, mr.Exists("downtime:open:FILLER-01"))

	end := time.Date(2026, 3, 10, 8, 12, 0, 0, time.UTC)
	cache.Apply(ctx, &models.DowntimeDelta{
		Kind: models.DowntimeClosed,
		Event: &models.DowntimeEvent{
			EventID:       "evt-1",
			EquipmentCode: "FILLER-01",
			EndTime:       &end,
		},
	})

	assert.False(t, mr.Exists("downtime:open:FILLER-01"))

	event, err := cache.Get(ctx, "FILLER-01")
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestOpenDowntimeCache_GetMiss(t *testing.T) {
	cache, _ := newTestCache(t)

	event, err := cache.Get(context.Background(), "UNKNOWN-99")
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestOpenDowntimeCache_TTLSet(t *testing.T) {
	cache, mr := newTestCache(t)

	cache.Apply(context.Background(), openedDelta("FILLER-01"))

	ttl := mr.TTL("downtime:open:FILLER-01")
	assert.Equal(t, time.Hour, ttl)
}

// Redis 不可用时 Apply 只记日志不恐慌
func TestOpenDowntimeCache_RedisDownIsNonFatal(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	assert.NotPanics(t, func() {
		cache.Apply(context.Background(), openedDelta("FILLER-01"))
	})
}
