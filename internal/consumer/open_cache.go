package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"prodline-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// OpenDowntimeCache 打开中停机事件的 Redis 缓存
// 键：{prefix}{equipment_code}，值：事件 JSON。看板等读方可据此
// 低延迟读取当前停机，权威数据仍在库里，缓存失效只影响延迟不影响正确性。
type OpenDowntimeCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewOpenDowntimeCache 创建打开中停机事件缓存
func NewOpenDowntimeCache(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *OpenDowntimeCache {
	return &OpenDowntimeCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *OpenDowntimeCache) key(equipmentCode string) string {
	return c.prefix + equipmentCode
}

// Apply 按停机增量维护缓存：打开写入，关闭删除
// 缓存失败只记日志，不向上游报错。
func (c *OpenDowntimeCache) Apply(ctx context.Context, delta *models.DowntimeDelta) {
	if delta == nil || delta.Event == nil {
		return
	}

	key := c.key(delta.Event.EquipmentCode)

	switch delta.Kind {
	case models.DowntimeOpened:
		data, err := json.Marshal(delta.Event)
		if err != nil {
			c.logger.Warn("Failed to marshal downtime event for cache",
				zap.String("event_id", delta.Event.EventID),
				zap.Error(err),
			)
			return
		}
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("Failed to cache open downtime event",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	case models.DowntimeClosed:
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.logger.Warn("Failed to evict closed downtime event",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// Get 读取某设备当前打开中的停机事件，缓存未命中返回 (nil, nil)
func (c *OpenDowntimeCache) Get(ctx context.Context, equipmentCode string) (*models.DowntimeEvent, error) {
	data, err := c.client.Get(ctx, c.key(equipmentCode)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read open downtime cache: %w", err)
	}

	var event models.DowntimeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached downtime event: %w", err)
	}
	return &event, nil
}
