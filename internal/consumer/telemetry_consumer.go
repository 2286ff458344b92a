package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"prodline-monitor/internal/andon"
	"prodline-monitor/internal/models"
	"prodline-monitor/pkg/mqtt"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅接口（由 pkg/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Observer 停机检测接口（由 detector.Detector 实现）
type Observer interface {
	Observe(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) (*models.DowntimeDelta, error)
	ActiveFaults(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) ([]*models.FaultInfo, error)
}

// AndonCreator 安灯事件创建接口（由 andon.Manager 实现）
type AndonCreator interface {
	Create(ctx context.Context, req *andon.CreateRequest) (*models.AndonEvent, error)
}

// TelemetryOptions 遥测消费配置
type TelemetryOptions struct {
	StatusTopic       string
	QoS               byte
	AutoAndon         bool
	AutoAndonPriority models.AndonPriority
}

// TelemetryConsumer 设备状态快照消费者
// 订阅 MQTT 状态主题，逐条喂给停机检测器，并维护打开中停机缓存。
// 单条快照处理失败只记日志，不中断订阅（遥测约 1Hz，漏一拍下一拍补上）。
type TelemetryConsumer struct {
	subscriber Subscriber
	observer   Observer
	cache      *OpenDowntimeCache
	andon      AndonCreator
	opts       TelemetryOptions
	logger     *zap.Logger
}

// NewTelemetryConsumer 创建遥测消费者
func NewTelemetryConsumer(subscriber Subscriber, observer Observer, cache *OpenDowntimeCache, andonCreator AndonCreator, opts TelemetryOptions, logger *zap.Logger) *TelemetryConsumer {
	return &TelemetryConsumer{
		subscriber: subscriber,
		observer:   observer,
		cache:      cache,
		andon:      andonCreator,
		opts:       opts,
		logger:     logger,
	}
}

// Start 订阅状态主题
func (c *TelemetryConsumer) Start(ctx context.Context) error {
	handler := func(topic string, payload []byte) error {
		return c.handleMessage(ctx, topic, payload)
	}
	if err := c.subscriber.Subscribe(c.opts.StatusTopic, c.opts.QoS, handler); err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}

	c.logger.Info("Telemetry consumer started",
		zap.String("topic", c.opts.StatusTopic),
		zap.Bool("auto_andon", c.opts.AutoAndon),
	)
	return nil
}

// Stop 取消订阅
func (c *TelemetryConsumer) Stop() {
	if err := c.subscriber.Unsubscribe(c.opts.StatusTopic); err != nil {
		c.logger.Warn("Failed to unsubscribe status topic",
			zap.Error(err),
		)
	}
}

// handleMessage 处理单条状态消息
func (c *TelemetryConsumer) handleMessage(ctx context.Context, topic string, payload []byte) error {
	var snapshot models.EquipmentStatusSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		c.logger.Warn("Failed to parse status snapshot",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", models.ErrMalformedSnapshot, err)
	}

	delta, err := c.observer.Observe(ctx, &snapshot)
	if err != nil {
		c.logger.Error("Failed to process status snapshot",
			zap.String("equipment_code", snapshot.EquipmentCode),
			zap.Error(err),
		)
		return err
	}
	if delta == nil {
		return nil
	}

	if c.cache != nil {
		c.cache.Apply(ctx, delta)
	}

	if delta.Kind == models.DowntimeOpened {
		c.maybeRaiseAndon(ctx, &snapshot, delta.Event)
	}

	return nil
}

// maybeRaiseAndon 设备自身故障引发的非计划停机自动拉起安灯事件
// 仅 INTERNAL 标记的故障触发：上下游连带停机由源头设备的事件覆盖。
// 创建失败只记日志，停机事件本身已落库，不受影响。
func (c *TelemetryConsumer) maybeRaiseAndon(ctx context.Context, snapshot *models.EquipmentStatusSnapshot, event *models.DowntimeEvent) {
	if !c.opts.AutoAndon || c.andon == nil {
		return
	}
	if event.Category != models.DowntimeUnplanned {
		return
	}

	faults, err := c.observer.ActiveFaults(ctx, snapshot)
	if err != nil {
		c.logger.Warn("Failed to resolve faults for auto andon",
			zap.String("equipment_code", snapshot.EquipmentCode),
			zap.Error(err),
		)
		return
	}

	var internal *models.FaultInfo
	for _, fault := range faults {
		if fault.Marker == models.FaultMarkerInternal {
			internal = fault
			break
		}
	}
	if internal == nil {
		return
	}

	created, err := c.andon.Create(ctx, &andon.CreateRequest{
		LineID:        snapshot.LineID,
		EquipmentCode: snapshot.EquipmentCode,
		EventType:     "maintenance",
		Priority:      c.opts.AutoAndonPriority,
		Description:   fmt.Sprintf("Auto-raised: %s (%s)", internal.Name, internal.Description),
		ReportedBy:    "system",
	})
	if err != nil {
		c.logger.Error("Failed to auto-raise andon event",
			zap.String("equipment_code", snapshot.EquipmentCode),
			zap.String("fault", internal.Name),
			zap.Error(err),
		)
		return
	}

	c.logger.Info("Andon event auto-raised from internal fault",
		zap.String("andon_event_id", created.EventID),
		zap.String("downtime_event_id", event.EventID),
		zap.String("fault", internal.Name),
	)
}
