package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"prodline-monitor/internal/andon"
	"prodline-monitor/internal/broadcast"
	"prodline-monitor/internal/config"
	"prodline-monitor/internal/consumer"
	"prodline-monitor/internal/detector"
	"prodline-monitor/internal/escalation"
	"prodline-monitor/internal/models"
	"prodline-monitor/internal/notifier"
	"prodline-monitor/internal/oee"
	"prodline-monitor/internal/repository"
	"prodline-monitor/pkg/database"
	"prodline-monitor/pkg/mqtt"
	"prodline-monitor/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// MonitorService 产线监控服务
// 组装并托管全部组件：
// - 遥测消费（MQTT 状态快照 → 停机检测 → 打开中停机缓存 / 自动安灯）
// - OEE 实时采样循环
// - 安灯事件管理 + 升级引擎监控循环
// - Redis Streams 实时广播、MQTT 通知投递
type MonitorService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	andonManager *andon.Manager
	engine       *escalation.Engine
	calculator   *oee.Calculator
	downtimeRepo *repository.DowntimeEventsRepository
	telemetry    *consumer.TelemetryConsumer
	sampler      *consumer.OEESampler
}

// NewMonitorService 创建产线监控服务（建立全部外部连接并装配组件）
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 外部连接
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient, err := redisx.NewClient(&cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	// 2. 仓库
	downtimeRepo := repository.NewDowntimeEventsRepository(db, logger)
	andonRepo := repository.NewAndonEventsRepository(db, logger)
	escalationRepo := repository.NewEscalationsRepository(db, logger)
	countersRepo := repository.NewCountersRepository(db, logger)
	faultCatalog := repository.NewFaultCatalogRepository(db, logger)

	// 3. 广播与通知
	broadcaster := broadcast.NewPublisher(cfg, redisClient, logger)

	dispatcher := notifier.NewRetryingDispatcher(
		notifier.NewMQTTDispatcher(mqttClient, cfg.Notify.TopicPrefix, cfg.MQTT.QoS, logger),
		cfg.Notify.MaxAttempts,
		time.Duration(cfg.Notify.BackoffMS)*time.Millisecond,
		logger,
	)

	// 4. 升级引擎
	rules, err := escalation.LoadRuleTable(cfg.Escalation.RulesFile)
	if err != nil {
		db.Close()
		redisClient.Close()
		mqttClient.Disconnect()
		return nil, fmt.Errorf("failed to load escalation rules: %w", err)
	}

	engine := escalation.NewEngine(rules, escalationRepo, dispatcher, broadcaster, escalation.Options{
		MonitorInterval: time.Duration(cfg.Escalation.MonitorInterval) * time.Second,
		ReminderWindow:  time.Duration(cfg.Escalation.ReminderWindow) * time.Minute,
		RecordTimeout:   time.Duration(cfg.Escalation.RecordTimeout) * time.Second,
	}, logger)

	// 5. 安灯管理、停机检测、OEE 计算
	andonManager := andon.NewManager(andonRepo, engine, logger)
	faultDetector := detector.NewDetector(faultCatalog, downtimeRepo, broadcaster, logger)
	calculator := oee.NewCalculator(countersRepo, downtimeRepo, 0, logger)

	// 6. 消费侧
	openCache := consumer.NewOpenDowntimeCache(
		redisClient,
		cfg.Downtime.OpenCacheKeyPrefix,
		time.Duration(cfg.Downtime.OpenCacheTTL)*time.Second,
		logger,
	)

	telemetry := consumer.NewTelemetryConsumer(mqttClient, faultDetector, openCache, andonManager, consumer.TelemetryOptions{
		StatusTopic:       cfg.Telemetry.StatusTopic,
		QoS:               cfg.Telemetry.QoS,
		AutoAndon:         cfg.Telemetry.AutoAndon,
		AutoAndonPriority: models.AndonPriority(cfg.Telemetry.AutoAndonPriority),
	}, logger)

	sampler := consumer.NewOEESampler(
		calculator,
		broadcaster,
		cfg.OEE.Equipment,
		time.Duration(cfg.OEE.SampleInterval)*time.Second,
		logger,
	)

	return &MonitorService{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		andonManager: andonManager,
		engine:       engine,
		calculator:   calculator,
		downtimeRepo: downtimeRepo,
		telemetry:    telemetry,
		sampler:      sampler,
	}, nil
}

// Start 启动服务（阻塞直到 ctx 取消或某个循环出错）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting production line monitor")

	if err := s.telemetry.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 2)

	go func() {
		errChan <- s.engine.Run(ctx)
	}()
	go func() {
		errChan <- s.sampler.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 释放全部外部连接
func (s *MonitorService) Stop() {
	s.logger.Info("Stopping production line monitor")

	if s.telemetry != nil {
		s.telemetry.Stop()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// Andon 返回安灯事件管理器（供 API 层等调用方使用）
func (s *MonitorService) Andon() *andon.Manager {
	return s.andonManager
}

// Escalation 返回升级引擎
func (s *MonitorService) Escalation() *escalation.Engine {
	return s.engine
}

// OEE 返回 OEE 计算器
func (s *MonitorService) OEE() *oee.Calculator {
	return s.calculator
}

// Downtime 返回停机事件仓库（历史查询与人工确认入口）
func (s *MonitorService) Downtime() *repository.DowntimeEventsRepository {
	return s.downtimeRepo
}
