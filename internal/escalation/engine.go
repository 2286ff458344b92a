package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prodline-monitor/internal/broadcast"
	"prodline-monitor/internal/models"
	"prodline-monitor/internal/notifier"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 升级记录存取接口（由 repository.EscalationsRepository 实现）
type Store interface {
	ListUnresolvedEscalations(ctx context.Context) ([]*models.EscalationRecord, error)
	GetByAndonEvent(ctx context.Context, andonEventID string) (*models.EscalationRecord, error)
	CompareAndSwap(ctx context.Context, record *models.EscalationRecord, expectedVersion int64) error
}

// Broadcaster 升级状态变更广播接口（由 broadcast.Publisher 实现）
type Broadcaster interface {
	PublishEscalation(ctx context.Context, transition *broadcast.EscalationTransition)
}

// Options 引擎运行参数
type Options struct {
	MonitorInterval time.Duration // 监控扫描间隔
	ReminderWindow  time.Duration // 超时前的提醒窗口
	RecordTimeout   time.Duration // 单条记录处理的超时上限
}

// Engine 升级引擎
// 独占管理 EscalationRecord：创建、确认、解决、手动升级，以及周期性
// 监控扫描（超时自动升级 + 临近超时提醒 + 解决超时告警）。
// 监控循环与同步调用并发作用于同一记录时，靠仓库的按版本 CAS 决出
// 先后：先提交者生效，后到者重读记录重新评估（已确认/已解决则安全放弃）。
type Engine struct {
	rules       *RuleTable
	store       Store
	dispatcher  notifier.Dispatcher
	broadcaster Broadcaster
	opts        Options
	logger      *zap.Logger

	now func() time.Time // 可注入时钟，便于测试
}

// NewEngine 创建升级引擎
func NewEngine(rules *RuleTable, store Store, dispatcher notifier.Dispatcher, broadcaster Broadcaster, opts Options, logger *zap.Logger) *Engine {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 10 * time.Second
	}
	return &Engine{
		rules:       rules,
		store:       store,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// ============================================
// 记录生命周期
// ============================================

// BuildRecord 为新建的安灯事件构建升级记录（级别 1，active）
// 记录与事件由调用方在同一事务中落库（原子创建）。
func (e *Engine) BuildRecord(event *models.AndonEvent) (*models.EscalationRecord, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	if _, err := e.rules.MustHave(event.Priority); err != nil {
		return nil, err
	}

	now := e.now()
	return &models.EscalationRecord{
		RecordID:        uuid.New().String(),
		AndonEventID:    event.EventID,
		Priority:        event.Priority,
		EscalationLevel: 1,
		Status:          models.EscalationActive,
		Version:         1,
		LevelStartedAt:  now,
		NotifiedHistory: []models.NotifiedEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// AnnounceCreated 记录落库后通知级别 1 接收人并广播创建
// 投递失败只记降级标记，不影响事件创建。
func (e *Engine) AnnounceCreated(ctx context.Context, event *models.AndonEvent, record *models.EscalationRecord) {
	rule := e.rules.For(record.Priority)
	if rule == nil {
		return
	}
	level := rule.LevelAt(record.EscalationLevel)
	if level == nil {
		return
	}

	e.broadcaster.PublishEscalation(ctx, &broadcast.EscalationTransition{
		RecordID:     record.RecordID,
		AndonEventID: record.AndonEventID,
		Transition:   "created",
		Level:        record.EscalationLevel,
		Status:       record.Status,
	})

	err := e.dispatcher.Notify(ctx, notifier.Notification{
		Recipients: level.Recipients,
		Channels:   level.Channels,
		Subject:    "Andon event created",
		Message:    fmt.Sprintf("Andon event on %s (%s): %s", event.EquipmentCode, event.Priority, event.Description),
		Context: map[string]interface{}{
			"andon_event_id": event.EventID,
			"level":          record.EscalationLevel,
		},
	})
	if err != nil {
		e.logger.Error("Failed to notify initial recipients",
			zap.String("andon_event_id", event.EventID),
			zap.Error(err),
		)
		e.markNotifyFailed(ctx, record.AndonEventID)
	}
}

// Acknowledge 确认：冻结自动升级（计时停止，交由解决超时兜底）
// 记录已是 acknowledged 时幂等成功：确认本身落库后事件行更新可能
// 因瞬时故障失败，调用方重试必须能补齐事件行而不是被卡死。
func (e *Engine) Acknowledge(ctx context.Context, andonEventID, by string) error {
	return e.mutate(ctx, andonEventID, "acknowledge", func(record *models.EscalationRecord) error {
		if record.Status == models.EscalationAcknowledged {
			return errUnchanged
		}
		if !record.Status.IsOpen() {
			return models.NewTransitionError("acknowledge", string(record.Status))
		}
		record.Status = models.EscalationAcknowledged
		return nil
	}, "acknowledged")
}

// Resolve 解决：终态，计时全部作废，监控永久跳过该记录
// 任意状态均可直接解决；已是 resolved 时幂等成功（同 Acknowledge，
// 允许调用方重试补齐事件行）。
func (e *Engine) Resolve(ctx context.Context, andonEventID, by string) error {
	return e.mutate(ctx, andonEventID, "resolve", func(record *models.EscalationRecord) error {
		if record.Status == models.EscalationResolved {
			return errUnchanged
		}
		now := e.now()
		record.Status = models.EscalationResolved
		record.ResolvedAt = &now
		return nil
	}, "resolved")
}

// EscalateManually 手动升级到指定级别
// 级别只增不减：目标级别不高于当前级别时保持当前级别，仅记审计；
// 已确认（冻结）的记录手动升级后保持冻结，不重新武装自动监控。
func (e *Engine) EscalateManually(ctx context.Context, andonEventID string, toLevel int, by, notes string) error {
	if toLevel < 1 {
		return fmt.Errorf("to_level must be >= 1")
	}

	return e.mutate(ctx, andonEventID, "escalate", func(record *models.EscalationRecord) error {
		if record.Status == models.EscalationResolved {
			return models.NewTransitionError("escalate", string(record.Status))
		}

		rule, err := e.rules.MustHave(record.Priority)
		if err != nil {
			return err
		}

		target := toLevel
		if target > rule.MaxLevel() {
			target = rule.MaxLevel()
		}
		if target < record.EscalationLevel {
			target = record.EscalationLevel // 级别永不下降
		}

		now := e.now()
		if target > record.EscalationLevel {
			record.EscalationLevel = target
			record.LevelStartedAt = now
			record.LastReminderSentAt = nil
			// 冻结状态（acknowledged）保持不变：手动升级不重新武装自动监控
			if record.Status.IsOpen() {
				record.Status = models.EscalationEscalated
			}
		}

		entry := models.NotifiedEntry{
			Level:      record.EscalationLevel,
			Kind:       "manual",
			NotifiedAt: now,
			By:         by,
			Notes:      notes,
		}
		if level := rule.LevelAt(record.EscalationLevel); level != nil {
			entry.Recipients = level.Recipients
			entry.Channels = level.Channels
		}
		record.NotifiedHistory = append(record.NotifiedHistory, entry)
		return nil
	}, "escalated")
}

// errUnchanged apply 回调用其声明记录已处于目标状态，mutate 按幂等成功返回
var errUnchanged = errors.New("record already in target state")

// mutate 读取-变更-CAS 提交，版本冲突时重读后重试一次
func (e *Engine) mutate(ctx context.Context, andonEventID, op string, apply func(*models.EscalationRecord) error, transition string) error {
	for attempt := 0; attempt < 2; attempt++ {
		record, err := e.store.GetByAndonEvent(ctx, andonEventID)
		if err != nil {
			return err
		}

		expectedVersion := record.Version
		if err := apply(record); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}

		err = e.store.CompareAndSwap(ctx, record, expectedVersion)
		if err == nil {
			e.broadcaster.PublishEscalation(ctx, &broadcast.EscalationTransition{
				RecordID:     record.RecordID,
				AndonEventID: record.AndonEventID,
				Transition:   transition,
				Level:        record.EscalationLevel,
				Status:       record.Status,
			})
			return nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}

		e.logger.Debug("CAS conflict, re-reading record",
			zap.String("andon_event_id", andonEventID),
			zap.String("op", op),
		)
	}

	return fmt.Errorf("operation %s on andon_event_id=%s: %w", op, andonEventID, models.ErrVersionConflict)
}

// markNotifyFailed 尽力设置投递失败标记（冲突时放弃，不影响主流程）
func (e *Engine) markNotifyFailed(ctx context.Context, andonEventID string) {
	record, err := e.store.GetByAndonEvent(ctx, andonEventID)
	if err != nil {
		return
	}
	expectedVersion := record.Version
	record.LastNotifyFailed = true
	if err := e.store.CompareAndSwap(ctx, record, expectedVersion); err != nil {
		e.logger.Debug("Failed to mark notify failure",
			zap.String("andon_event_id", andonEventID),
			zap.Error(err),
		)
	}
}

// ============================================
// 监控循环
// ============================================

// Run 启动监控循环（阻塞直到 ctx 取消）
// 轮询式扫描而非逐事件定时器：状态全部在库里，进程重启不丢失。
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Escalation monitor started",
		zap.Duration("interval", e.opts.MonitorInterval),
		zap.Duration("reminder_window", e.opts.ReminderWindow),
	)

	ticker := time.NewTicker(e.opts.MonitorInterval)
	defer ticker.Stop()

	// 立即执行一次
	e.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Escalation monitor stopped")
			return nil
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep 单轮扫描：逐条独立处理，单条失败不影响其余记录
func (e *Engine) Sweep(ctx context.Context) {
	records, err := e.store.ListUnresolvedEscalations(ctx)
	if err != nil {
		e.logger.Error("Failed to list unresolved escalations",
			zap.Error(err),
		)
		return
	}

	for _, record := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// 每条记录有界超时，防止一次慢调用拖住整轮扫描
		recordCtx, cancel := context.WithTimeout(ctx, e.opts.RecordTimeout)
		if err := e.processRecord(recordCtx, record); err != nil {
			e.logger.Error("Failed to process escalation record",
				zap.String("record_id", record.RecordID),
				zap.String("andon_event_id", record.AndonEventID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// processRecord 处理单条记录：解决超时告警 / 超时升级 / 顶级超时告警 / 临近超时提醒
func (e *Engine) processRecord(ctx context.Context, record *models.EscalationRecord) error {
	if record.Status == models.EscalationResolved {
		return nil
	}

	rule, err := e.rules.MustHave(record.Priority)
	if err != nil {
		return err
	}
	level := rule.LevelAt(record.EscalationLevel)
	if level == nil {
		return fmt.Errorf("rule for priority %q has no level %d", record.Priority, record.EscalationLevel)
	}

	now := e.now()

	// 解决超时从事件创建起计时，确认不清零：已确认只冻结级别升级，
	// 事件整体拖过解决时限照样告警。
	if rule.ResolutionTimeoutMinutes > 0 && now.Sub(record.CreatedAt) >= rule.ResolutionTimeout() {
		return e.markResolutionOverdue(ctx, record, level, now)
	}

	// acknowledged 冻结确认超时计时，不参与级别升级与提醒
	if !record.Status.IsOpen() {
		return nil
	}

	elapsed := now.Sub(record.LevelStartedAt)
	timeout := level.AckTimeout()

	switch {
	case elapsed >= timeout:
		next := rule.LevelAt(record.EscalationLevel + 1)
		if next == nil {
			return e.markOverdue(ctx, record, level, now)
		}
		return e.advance(ctx, record, next, now)

	case e.opts.ReminderWindow > 0 && timeout-elapsed <= e.opts.ReminderWindow:
		return e.sendReminder(ctx, record, level, now)
	}

	return nil
}

// advance 升级到下一级别：先 CAS 提交状态变更，再投递通知
// 通知失败不回滚升级，只记降级标记；CAS 冲突时放弃本轮
// （对方的变更已生效，下一轮重新评估即可）。
func (e *Engine) advance(ctx context.Context, record *models.EscalationRecord, next *models.RuleLevel, now time.Time) error {
	if next.Level <= record.EscalationLevel {
		// 升级方向出错说明规则或并发有缺陷，大声暴露
		return fmt.Errorf("level %d -> %d: %w", record.EscalationLevel, next.Level, models.ErrEscalationLevelDecrease)
	}

	expectedVersion := record.Version
	record.EscalationLevel = next.Level
	record.Status = models.EscalationEscalated
	record.LevelStartedAt = now
	record.LastReminderSentAt = nil
	record.NotifiedHistory = append(record.NotifiedHistory, models.NotifiedEntry{
		Level:      next.Level,
		Kind:       "escalation",
		Recipients: next.Recipients,
		Channels:   next.Channels,
		NotifiedAt: now,
	})

	if err := e.store.CompareAndSwap(ctx, record, expectedVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			// 用户操作抢先提交（确认/解决），本轮安全放弃
			e.logger.Debug("Escalation advance lost CAS race",
				zap.String("record_id", record.RecordID),
			)
			return nil
		}
		return err
	}

	e.logger.Info("Escalation level advanced",
		zap.String("record_id", record.RecordID),
		zap.String("andon_event_id", record.AndonEventID),
		zap.Int("level", record.EscalationLevel),
	)

	e.broadcaster.PublishEscalation(ctx, &broadcast.EscalationTransition{
		RecordID:     record.RecordID,
		AndonEventID: record.AndonEventID,
		Transition:   "escalated",
		Level:        record.EscalationLevel,
		Status:       record.Status,
	})

	err := e.dispatcher.Notify(ctx, notifier.Notification{
		Recipients: next.Recipients,
		Channels:   next.Channels,
		Subject:    "Andon event escalated",
		Message:    fmt.Sprintf("Andon event %s escalated to level %d", record.AndonEventID, next.Level),
		Context: map[string]interface{}{
			"andon_event_id": record.AndonEventID,
			"level":          next.Level,
		},
	})
	if err != nil {
		e.logger.Error("Failed to notify escalation recipients",
			zap.String("record_id", record.RecordID),
			zap.Int("level", next.Level),
			zap.Error(err),
		)
		e.markNotifyFailed(ctx, record.AndonEventID)
	}

	return nil
}

// markOverdue 已到顶级且超时：只告警，不再升级
// 用 last_reminder_sent_at 去重，提醒窗口内最多告警一次。
func (e *Engine) markOverdue(ctx context.Context, record *models.EscalationRecord, level *models.RuleLevel, now time.Time) error {
	if record.LastReminderSentAt != nil && now.Sub(*record.LastReminderSentAt) < e.overduePeriod() {
		return nil
	}

	expectedVersion := record.Version
	record.LastReminderSentAt = &now
	record.NotifiedHistory = append(record.NotifiedHistory, models.NotifiedEntry{
		Level:      record.EscalationLevel,
		Kind:       "overdue",
		Recipients: level.Recipients,
		Channels:   level.Channels,
		NotifiedAt: now,
	})

	if err := e.store.CompareAndSwap(ctx, record, expectedVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil
		}
		return err
	}

	e.broadcaster.PublishEscalation(ctx, &broadcast.EscalationTransition{
		RecordID:     record.RecordID,
		AndonEventID: record.AndonEventID,
		Transition:   "overdue",
		Level:        record.EscalationLevel,
		Status:       record.Status,
	})

	err := e.dispatcher.Notify(ctx, notifier.Notification{
		Recipients: level.Recipients,
		Channels:   level.Channels,
		Subject:    "Andon event overdue",
		Message:    fmt.Sprintf("Andon event %s is overdue at top level %d", record.AndonEventID, record.EscalationLevel),
		Context: map[string]interface{}{
			"andon_event_id": record.AndonEventID,
			"level":          record.EscalationLevel,
		},
	})
	if err != nil {
		e.markNotifyFailed(ctx, record.AndonEventID)
	}

	return nil
}

// markResolutionOverdue 事件创建起超过解决时限：周期性告警，级别不变
// acknowledged 记录同样告警（冻结只停确认超时，不豁免解决时限）。
func (e *Engine) markResolutionOverdue(ctx context.Context, record *models.EscalationRecord, level *models.RuleLevel, now time.Time) error {
	if record.LastReminderSentAt != nil && now.Sub(*record.LastReminderSentAt) < e.overduePeriod() {
		return nil
	}

	expectedVersion := record.Version
	record.LastReminderSentAt = &now
	record.NotifiedHistory = append(record.NotifiedHistory, models.NotifiedEntry{
		Level:      record.EscalationLevel,
		Kind:       "resolution_overdue",
		Recipients: level.Recipients,
		Channels:   level.Channels,
		NotifiedAt: now,
	})

	if err := e.store.CompareAndSwap(ctx, record, expectedVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil
		}
		return err
	}

	e.broadcaster.PublishEscalation(ctx, &broadcast.EscalationTransition{
		RecordID:     record.RecordID,
		AndonEventID: record.AndonEventID,
		Transition:   "resolution_overdue",
		Level:        record.EscalationLevel,
		Status:       record.Status,
	})

	err := e.dispatcher.Notify(ctx, notifier.Notification{
		Recipients: level.Recipients,
		Channels:   level.Channels,
		Subject:    "Andon resolution overdue",
		Message:    fmt.Sprintf("Andon event %s has exceeded its resolution time limit", record.AndonEventID),
		Context: map[string]interface{}{
			"andon_event_id": record.AndonEventID,
			"level":          record.EscalationLevel,
		},
	})
	if err != nil {
		e.markNotifyFailed(ctx, record.AndonEventID)
	}

	return nil
}

// sendReminder 临近超时提醒：同一周期内只发一次
func (e *Engine) sendReminder(ctx context.Context, record *models.EscalationRecord, level *models.RuleLevel, now time.Time) error {
	// 本级别周期内已提醒过（last_reminder 在当前级别开始之后）则跳过
	if record.LastReminderSentAt != nil && record.LastReminderSentAt.After(record.LevelStartedAt) {
		return nil
	}

	expectedVersion := record.Version
	record.LastReminderSentAt = &now
	record.NotifiedHistory = append(record.NotifiedHistory, models.NotifiedEntry{
		Level:      record.EscalationLevel,
		Kind:       "reminder",
		Recipients: level.Recipients,
		Channels:   level.Channels,
		NotifiedAt: now,
	})

	if err := e.store.CompareAndSwap(ctx, record, expectedVersion); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil
		}
		return err
	}

	e.broadcaster.PublishEscalation(ctx, &broadcast.EscalationTransition{
		RecordID:     record.RecordID,
		AndonEventID: record.AndonEventID,
		Transition:   "reminder",
		Level:        record.EscalationLevel,
		Status:       record.Status,
	})

	err := e.dispatcher.Notify(ctx, notifier.Notification{
		Recipients: level.Recipients,
		Channels:   level.Channels,
		Subject:    "Andon acknowledgment due soon",
		Message:    fmt.Sprintf("Andon event %s at level %d is approaching its acknowledgment timeout", record.AndonEventID, record.EscalationLevel),
		Context: map[string]interface{}{
			"andon_event_id": record.AndonEventID,
			"level":          record.EscalationLevel,
		},
	})
	if err != nil {
		e.markNotifyFailed(ctx, record.AndonEventID)
	}

	return nil
}

// overduePeriod 顶级超时告警的重复间隔
func (e *Engine) overduePeriod() time.Duration {
	if e.opts.ReminderWindow > 0 {
		return e.opts.ReminderWindow
	}
	return e.opts.MonitorInterval
}
