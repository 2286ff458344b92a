package broadcast

import (
	"context"

	"prodline-monitor/internal/config"
	"prodline-monitor/internal/models"
	"prodline-monitor/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Publisher 实时广播发布器（Redis Streams）
// 向外部订阅方通告停机打开/关闭、OEE 样本和升级状态变更。
// 核心视角下是 fire-and-forget：发布失败只记日志，不影响领域流程。
type Publisher struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewPublisher 创建广播发布器
func NewPublisher(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// PublishDowntime 通告停机事件增量
func (p *Publisher) PublishDowntime(ctx context.Context, delta *models.DowntimeDelta) {
	p.publish(ctx, p.config.Broadcast.DowntimeStream, delta)
}

// PublishOEESample 通告 OEE 样本
func (p *Publisher) PublishOEESample(ctx context.Context, sample *models.OEESample) {
	p.publish(ctx, p.config.Broadcast.OEEStream, sample)
}

// EscalationTransition 升级状态变更广播载荷
type EscalationTransition struct {
	RecordID     string                  `json:"record_id"`
	AndonEventID string                  `json:"andon_event_id"`
	Transition   string                  `json:"transition"` // created, escalated, acknowledged, resolved, overdue, reminder
	Level        int                     `json:"level"`
	Status       models.EscalationStatus `json:"status"`
}

// PublishEscalation 通告升级状态变更
func (p *Publisher) PublishEscalation(ctx context.Context, transition *EscalationTransition) {
	p.publish(ctx, p.config.Broadcast.EscalationStream, transition)
}

func (p *Publisher) publish(ctx context.Context, stream string, payload interface{}) {
	if _, err := redisx.PublishJSONToStream(ctx, p.redisClient, stream, payload); err != nil {
		p.logger.Warn("Failed to publish broadcast message",
			zap.String("stream", stream),
			zap.Error(err),
		)
	}
}
