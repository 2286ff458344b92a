package config

import (
	"os"
	"strconv"
	"strings"

	"prodline-monitor/pkg/database"
	"prodline-monitor/pkg/mqtt"
	"prodline-monitor/pkg/redisx"
)

// Config 产线监控服务配置
type Config struct {
	Database database.Config
	Redis    redisx.Config
	MQTT     mqtt.Config

	// 遥测输入配置
	Telemetry struct {
		StatusTopic string // 设备状态快照订阅主题，如 "factory/+/+/status"
		QoS         byte
		// INTERNAL 故障自动触发安灯事件
		AutoAndon         bool
		AutoAndonPriority string // 自动触发的安灯优先级
	}

	// 实时广播配置（Redis Streams）
	Broadcast struct {
		DowntimeStream   string // 停机事件流
		OEEStream        string // OEE 样本流
		EscalationStream string // 升级状态变更流
	}

	// 停机检测配置
	Downtime struct {
		OpenCacheKeyPrefix string // 打开中停机事件缓存键前缀，如 "downtime:open:"
		OpenCacheTTL       int    // 缓存 TTL（秒）
	}

	// OEE 采样配置
	OEE struct {
		SampleInterval int      // 实时采样间隔（秒），0 表示关闭采样循环
		Equipment      []string // 参与实时采样的设备列表
	}

	// 升级引擎配置
	Escalation struct {
		RulesFile       string // 升级规则 YAML 文件路径
		MonitorInterval int    // 监控扫描间隔（秒）
		ReminderWindow  int    // 超时前的提醒窗口（分钟）
		RecordTimeout   int    // 单条记录处理的超时上限（秒），防止一次慢调用拖住整轮扫描
	}

	// 通知投递配置
	Notify struct {
		TopicPrefix string // 通知主题前缀，如 "factory/notify/"
		MaxAttempts int    // 最大重试次数
		BackoffMS   int    // 初始退避（毫秒），指数增长
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "prodline")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "prodline-monitor")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Telemetry.StatusTopic = getEnv("TELEMETRY_STATUS_TOPIC", "factory/+/+/status")
	cfg.Telemetry.QoS = 1
	cfg.Telemetry.AutoAndon = getEnv("TELEMETRY_AUTO_ANDON", "true") == "true"
	cfg.Telemetry.AutoAndonPriority = getEnv("TELEMETRY_AUTO_ANDON_PRIORITY", "high")

	cfg.Broadcast.DowntimeStream = getEnv("BROADCAST_DOWNTIME_STREAM", "prodline:downtime")
	cfg.Broadcast.OEEStream = getEnv("BROADCAST_OEE_STREAM", "prodline:oee")
	cfg.Broadcast.EscalationStream = getEnv("BROADCAST_ESCALATION_STREAM", "prodline:escalation")

	cfg.Downtime.OpenCacheKeyPrefix = getEnv("DOWNTIME_OPEN_CACHE_PREFIX", "downtime:open:")
	cfg.Downtime.OpenCacheTTL = getEnvInt("DOWNTIME_OPEN_CACHE_TTL", 3600)

	cfg.OEE.SampleInterval = getEnvInt("OEE_SAMPLE_INTERVAL", 60)
	cfg.OEE.Equipment = getEnvList("OEE_EQUIPMENT", nil)

	cfg.Escalation.RulesFile = getEnv("ESCALATION_RULES_FILE", "configs/escalation_rules.yaml")
	cfg.Escalation.MonitorInterval = getEnvInt("ESCALATION_MONITOR_INTERVAL", 30)
	cfg.Escalation.ReminderWindow = getEnvInt("ESCALATION_REMINDER_WINDOW", 2)
	cfg.Escalation.RecordTimeout = getEnvInt("ESCALATION_RECORD_TIMEOUT", 10)

	cfg.Notify.TopicPrefix = getEnv("NOTIFY_TOPIC_PREFIX", "factory/notify/")
	cfg.Notify.MaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 3)
	cfg.Notify.BackoffMS = getEnvInt("NOTIFY_BACKOFF_MS", 500)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
