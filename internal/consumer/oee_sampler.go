package consumer

import (
	"context"
	"time"

	"prodline-monitor/internal/models"

	"go.uber.org/zap"
)

// OEECalculator 实时 OEE 计算接口（由 oee.Calculator 实现）
type OEECalculator interface {
	CalculateRealTime(ctx context.Context, equipmentCode string) (*models.OEESample, error)
}

// OEEBroadcaster OEE 样本广播接口（由 broadcast.Publisher 实现）
type OEEBroadcaster interface {
	PublishOEESample(ctx context.Context, sample *models.OEESample)
}

// OEESampler 实时 OEE 采样循环
// 按固定间隔为配置中的每台设备计算实时 OEE 并广播快照。
// 单台设备计算失败不影响其余设备，下一轮重新计算。
type OEESampler struct {
	calculator  OEECalculator
	broadcaster OEEBroadcaster
	equipment   []string
	interval    time.Duration
	logger      *zap.Logger
}

// NewOEESampler 创建 OEE 采样循环
func NewOEESampler(calculator OEECalculator, broadcaster OEEBroadcaster, equipment []string, interval time.Duration, logger *zap.Logger) *OEESampler {
	return &OEESampler{
		calculator:  calculator,
		broadcaster: broadcaster,
		equipment:   equipment,
		interval:    interval,
		logger:      logger,
	}
}

// Run 启动采样循环（阻塞直到 ctx 取消）
func (s *OEESampler) Run(ctx context.Context) error {
	if s.interval <= 0 || len(s.equipment) == 0 {
		s.logger.Info("OEE sampler disabled")
		<-ctx.Done()
		return nil
	}

	s.logger.Info("OEE sampler started",
		zap.Duration("interval", s.interval),
		zap.Int("equipment_count", len(s.equipment)),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sampleAll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("OEE sampler stopped")
			return nil
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

// sampleAll 单轮采样：逐台设备计算并广播
func (s *OEESampler) sampleAll(ctx context.Context) {
	for _, code := range s.equipment {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, err := s.calculator.CalculateRealTime(ctx, code)
		if err != nil {
			s.logger.Error("Failed to calculate real-time OEE",
				zap.String("equipment_code", code),
				zap.Error(err),
			)
			continue
		}

		s.broadcaster.PublishOEESample(ctx, sample)
	}
}
