package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Notification 通知内容
type Notification struct {
	Recipients []string               `json:"recipients"`
	Channels   []string               `json:"channels"` // mqtt 主题后缀，如 "push", "email", "sms"
	Subject    string                 `json:"subject"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"` // 事件ID、级别等附加上下文
	SentAt     time.Time              `json:"sent_at"`
}

// Dispatcher 通知投递接口
// 投递失败视为可重试错误；具体的推送/邮件/短信送达由外部网关完成，
// 这里只负责把消息交给传输层。
type Dispatcher interface {
	Notify(ctx context.Context, notification Notification) error
}

// Publisher MQTT 发布接口（由 pkg/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTDispatcher 按通道发布到 MQTT 主题的投递器
// 主题格式：{prefix}{channel}，如 "factory/notify/push"。
type MQTTDispatcher struct {
	publisher   Publisher
	topicPrefix string
	qos         byte
	logger      *zap.Logger
}

// NewMQTTDispatcher 创建 MQTT 投递器
func NewMQTTDispatcher(publisher Publisher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTDispatcher {
	return &MQTTDispatcher{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		qos:         qos,
		logger:      logger,
	}
}

// Notify 把通知发布到每个通道的主题；任一通道失败即整体失败（可重试）
func (d *MQTTDispatcher) Notify(ctx context.Context, notification Notification) error {
	if len(notification.Channels) == 0 {
		return fmt.Errorf("notification has no channels")
	}

	notification.SentAt = time.Now()
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	for _, channel := range notification.Channels {
		topic := d.topicPrefix + channel
		if err := d.publisher.Publish(topic, d.qos, false, payload); err != nil {
			return fmt.Errorf("failed to dispatch to channel %s: %w", channel, err)
		}
		d.logger.Debug("Notification dispatched",
			zap.String("topic", topic),
			zap.Int("recipient_count", len(notification.Recipients)),
		)
	}

	return nil
}
