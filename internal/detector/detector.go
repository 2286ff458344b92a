package detector

import (
	"context"
	"errors"
	"time"

	"prodline-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FaultCatalog 故障字典查询接口（由 repository.FaultCatalogRepository 实现）
type FaultCatalog interface {
	GetFault(ctx context.Context, equipmentCode string, bitIndex int) (*models.FaultInfo, error)
	EquipmentExists(ctx context.Context, equipmentCode string) (bool, error)
}

// DowntimeStore 停机事件存取接口（由 repository.DowntimeEventsRepository 实现）
type DowntimeStore interface {
	GetOpenEvent(ctx context.Context, equipmentCode string) (*models.DowntimeEvent, error)
	CreateDowntimeEvent(ctx context.Context, event *models.DowntimeEvent) error
	CloseDowntimeEvent(ctx context.Context, eventID string, endTime time.Time, duration time.Duration) error
}

// Broadcaster 实时广播接口（fire-and-forget，投递失败只记日志）
type Broadcaster interface {
	PublishDowntime(ctx context.Context, delta *models.DowntimeDelta)
}

// Detector 停机检测器
// 消费设备状态快照，检测运行/停止切换，负责打开与关闭停机事件。
// 打开中的事件由本检测器独占变更（同一设备同一时刻最多一条打开中事件）。
type Detector struct {
	catalog     FaultCatalog
	store       DowntimeStore
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewDetector 创建停机检测器
func NewDetector(catalog FaultCatalog, store DowntimeStore, broadcaster Broadcaster, logger *zap.Logger) *Detector {
	return &Detector{
		catalog:     catalog,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Observe 处理一条设备状态快照，返回产生的停机事件增量（可能为 nil）
// 重复的相同快照不产生额外增量：
// - running=true 且无打开中事件 → no-op
// - running=false 且已有打开中事件 → no-op（不重复打开）
// 畸形快照返回输入错误；未知设备记 warning 后按 no-op 处理。
func (d *Detector) Observe(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) (*models.DowntimeDelta, error) {
	if snapshot == nil {
		return nil, models.ErrMalformedSnapshot
	}
	if err := snapshot.Validate(); err != nil {
		d.logger.Warn("Rejected malformed snapshot",
			zap.String("equipment_code", snapshot.EquipmentCode),
			zap.Error(err),
		)
		return nil, err
	}

	known, err := d.catalog.EquipmentExists(ctx, snapshot.EquipmentCode)
	if err != nil {
		return nil, err
	}
	if !known {
		d.logger.Warn("Snapshot for unknown equipment ignored",
			zap.String("equipment_code", snapshot.EquipmentCode),
		)
		return nil, nil
	}

	if snapshot.Running {
		return d.observeRunning(ctx, snapshot)
	}
	return d.observeStopped(ctx, snapshot)
}

// observeRunning 处理运行中的快照：存在打开中事件则关闭
func (d *Detector) observeRunning(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) (*models.DowntimeDelta, error) {
	open, err := d.store.GetOpenEvent(ctx, snapshot.EquipmentCode)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}

	endTime := snapshot.Timestamp
	duration := endTime.Sub(open.StartTime)

	if err := d.store.CloseDowntimeEvent(ctx, open.EventID, endTime, duration); err != nil {
		// 并发关闭的极端情况：事件已被关闭，按 no-op 处理
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	open.EndTime = &endTime
	open.Duration = duration
	open.UpdatedAt = endTime

	d.logger.Info("Downtime event closed",
		zap.String("event_id", open.EventID),
		zap.String("equipment_code", open.EquipmentCode),
		zap.Duration("duration", duration),
	)

	delta := &models.DowntimeDelta{Kind: models.DowntimeClosed, Event: open}
	d.broadcaster.PublishDowntime(ctx, delta)
	return delta, nil
}

// observeStopped 处理停止中的快照：无打开中事件则确定原因并打开
func (d *Detector) observeStopped(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) (*models.DowntimeDelta, error) {
	open, err := d.store.GetOpenEvent(ctx, snapshot.EquipmentCode)
	if err != nil {
		return nil, err
	}
	if open != nil {
		// 事件保持打开，检测器不重复打开
		return nil, nil
	}

	reason, _, err := d.DetermineReason(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	now := snapshot.Timestamp
	event := &models.DowntimeEvent{
		EventID:       uuid.New().String(),
		EquipmentCode: snapshot.EquipmentCode,
		LineID:        snapshot.LineID,
		StartTime:     snapshot.Timestamp,
		ReasonCode:    reason.ReasonCode,
		ReasonDesc:    reason.ReasonDesc,
		Category:      reason.Category,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := d.store.CreateDowntimeEvent(ctx, event); err != nil {
		return nil, err
	}

	d.logger.Info("Downtime event opened",
		zap.String("event_id", event.EventID),
		zap.String("equipment_code", event.EquipmentCode),
		zap.String("reason_code", event.ReasonCode),
		zap.String("category", string(event.Category)),
	)

	delta := &models.DowntimeDelta{Kind: models.DowntimeOpened, Event: event}
	d.broadcaster.PublishDowntime(ctx, delta)
	return delta, nil
}

// DetermineReason 确定停机原因（按优先级，首个命中生效）：
// 1. 有置位故障 → 取字典条目；多个故障按标记优先级再按最小 bit_index 选择
// 2. planned_stop=true → 计划停机
// 3. speed=0 且无故障无计划标记 → 速度损失
// 4. 兜底 → 未知原因
// 同时返回命中的故障条目（无故障时为 nil），供自动安灯触发方复用。
func (d *Detector) DetermineReason(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) (models.StopReason, *models.FaultInfo, error) {
	faults, err := d.ActiveFaults(ctx, snapshot)
	if err != nil {
		return models.StopReason{}, nil, err
	}

	if top := HighestPriorityFault(faults); top != nil {
		return models.StopReason{
			Category:   models.DowntimeUnplanned,
			ReasonCode: top.Name,
			ReasonDesc: top.Description,
		}, top, nil
	}

	if snapshot.PlannedStop {
		return models.StopReason{
			Category:   models.DowntimePlanned,
			ReasonCode: models.ReasonCodePlannedStop,
			ReasonDesc: "Planned Stop",
		}, nil, nil
	}

	if snapshot.Speed == 0 {
		return models.StopReason{
			Category:   models.DowntimeUnplanned,
			ReasonCode: models.ReasonCodeSpeedLoss,
			ReasonDesc: "Speed Loss",
		}, nil, nil
	}

	return models.StopReason{
		Category:   models.DowntimeUnplanned,
		ReasonCode: models.ReasonCodeUnknown,
		ReasonDesc: "Unknown Reason",
	}, nil, nil
}

// ActiveFaults 解析快照中全部置位故障位对应的字典条目
// 字典中不存在的位按"无故障信息"跳过。
func (d *Detector) ActiveFaults(ctx context.Context, snapshot *models.EquipmentStatusSnapshot) ([]*models.FaultInfo, error) {
	var faults []*models.FaultInfo
	for _, bit := range snapshot.FaultBits {
		info, err := d.catalog.GetFault(ctx, snapshot.EquipmentCode, bit)
		if err != nil {
			return nil, err
		}
		if info != nil {
			faults = append(faults, info)
		}
	}
	return faults, nil
}
