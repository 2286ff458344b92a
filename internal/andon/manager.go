package andon

import (
	"context"
	"fmt"
	"time"

	"prodline-monitor/internal/models"
	"prodline-monitor/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 安灯事件存取接口（由 repository.AndonEventsRepository 实现）
type Store interface {
	GetAndonEvent(ctx context.Context, eventID string) (*models.AndonEvent, error)
	CreateWithEscalation(ctx context.Context, event *models.AndonEvent, record *models.EscalationRecord) error
	UpdateAndonEvent(ctx context.Context, eventID string, updates map[string]interface{}) error
	ListAndonEvents(ctx context.Context, filters repository.AndonEventFilters, page, size int) ([]*models.AndonEvent, int, error)
	GetOpenAndonEvents(ctx context.Context, filters repository.AndonEventFilters, page, size int) ([]*models.AndonEvent, int, error)
}

// Escalator 升级引擎接口（由 escalation.Engine 实现）
type Escalator interface {
	BuildRecord(event *models.AndonEvent) (*models.EscalationRecord, error)
	AnnounceCreated(ctx context.Context, event *models.AndonEvent, record *models.EscalationRecord)
	Acknowledge(ctx context.Context, andonEventID, by string) error
	Resolve(ctx context.Context, andonEventID, by string) error
	EscalateManually(ctx context.Context, andonEventID string, toLevel int, by, notes string) error
}

// CreateRequest 安灯事件创建请求
type CreateRequest struct {
	LineID        string               `json:"line_id"`
	EquipmentCode string               `json:"equipment_code"`
	EventType     string               `json:"event_type"`
	Priority      models.AndonPriority `json:"priority"`
	Description   string               `json:"description"`
	ReportedBy    string               `json:"reported_by"`
}

// Validate 校验创建请求
func (r *CreateRequest) Validate() error {
	if r.LineID == "" {
		return fmt.Errorf("line_id is required")
	}
	if r.EquipmentCode == "" {
		return fmt.Errorf("equipment_code is required")
	}
	if r.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", r.Priority)
	}
	if r.ReportedBy == "" {
		return fmt.Errorf("reported_by is required")
	}
	return nil
}

// Manager 安灯事件管理器
// 事件与其升级记录原子创建（同一事务）；事件状态与升级记录状态由
// 管理器和升级引擎配对推进，事件侧是操作入口，记录侧是计时权威。
type Manager struct {
	store     Store
	escalator Escalator
	logger    *zap.Logger

	now func() time.Time
}

// NewManager 创建安灯事件管理器
func NewManager(store Store, escalator Escalator, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		escalator: escalator,
		logger:    logger,
		now:       time.Now,
	}
}

// Create 创建安灯事件及其升级记录
// 入库成功后通知级别 1 接收人并广播；通知失败不影响创建结果。
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*models.AndonEvent, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	event := &models.AndonEvent{
		EventID:       uuid.New().String(),
		LineID:        req.LineID,
		EquipmentCode: req.EquipmentCode,
		EventType:     req.EventType,
		Priority:      req.Priority,
		Description:   req.Description,
		Status:        models.AndonOpen,
		ReportedBy:    req.ReportedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	record, err := m.escalator.BuildRecord(event)
	if err != nil {
		return nil, fmt.Errorf("failed to build escalation record: %w", err)
	}

	if err := m.store.CreateWithEscalation(ctx, event, record); err != nil {
		return nil, err
	}

	m.logger.Info("Andon event created",
		zap.String("event_id", event.EventID),
		zap.String("equipment_code", event.EquipmentCode),
		zap.String("priority", string(event.Priority)),
	)

	m.escalator.AnnounceCreated(ctx, event, record)

	return event, nil
}

// Acknowledge 确认安灯事件：冻结自动升级
// 仅允许 open / escalated 状态的事件。
func (m *Manager) Acknowledge(ctx context.Context, eventID, by string) error {
	if by == "" {
		return fmt.Errorf("acknowledged_by is required")
	}

	event, err := m.store.GetAndonEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status != models.AndonOpen && event.Status != models.AndonEscalated {
		return models.NewTransitionError("acknowledge", string(event.Status))
	}

	// 先冻结升级记录，再落事件状态：记录侧是监控扫描的选取依据，
	// 顺序反了会留出一个仍可被自动升级的窗口。事件行更新失败时
	// 靠引擎确认的幂等性重试补齐（记录已冻结不算错）。
	if err := m.escalator.Acknowledge(ctx, eventID, by); err != nil {
		return err
	}

	now := m.now()
	if err := m.store.UpdateAndonEvent(ctx, eventID, map[string]interface{}{
		"status":          models.AndonAcknowledged,
		"acknowledged_at": now,
		"acknowledged_by": by,
	}); err != nil {
		return err
	}

	m.logger.Info("Andon event acknowledged",
		zap.String("event_id", eventID),
		zap.String("by", by),
	)

	return nil
}

// Resolve 解决安灯事件：终态
// 除已解决外任意状态的事件均可直接解决。
func (m *Manager) Resolve(ctx context.Context, eventID, by, notes string) error {
	if by == "" {
		return fmt.Errorf("resolved_by is required")
	}

	event, err := m.store.GetAndonEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.IsTerminal() {
		return models.NewTransitionError("resolve", string(event.Status))
	}

	if err := m.escalator.Resolve(ctx, eventID, by); err != nil {
		return err
	}

	now := m.now()
	updates := map[string]interface{}{
		"status":      models.AndonResolved,
		"resolved_at": now,
		"resolved_by": by,
	}
	if notes != "" {
		updates["resolution_notes"] = notes
	}
	if err := m.store.UpdateAndonEvent(ctx, eventID, updates); err != nil {
		return err
	}

	m.logger.Info("Andon event resolved",
		zap.String("event_id", eventID),
		zap.String("by", by),
	)

	return nil
}

// EscalateManually 手动升级到指定级别
// 级别只增不减；已确认的事件保持确认状态（不重新武装自动监控）。
func (m *Manager) EscalateManually(ctx context.Context, eventID string, toLevel int, by, notes string) error {
	if by == "" {
		return fmt.Errorf("escalated_by is required")
	}

	event, err := m.store.GetAndonEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.IsTerminal() {
		return models.NewTransitionError("escalate", string(event.Status))
	}

	if err := m.escalator.EscalateManually(ctx, eventID, toLevel, by, notes); err != nil {
		return err
	}

	// 已确认的事件状态不变；open 事件标记为 escalated
	if event.Status == models.AndonOpen {
		if err := m.store.UpdateAndonEvent(ctx, eventID, map[string]interface{}{
			"status": models.AndonEscalated,
		}); err != nil {
			return err
		}
	}

	m.logger.Info("Andon event manually escalated",
		zap.String("event_id", eventID),
		zap.Int("to_level", toLevel),
		zap.String("by", by),
	)

	return nil
}

// Get 获取单个安灯事件
func (m *Manager) Get(ctx context.Context, eventID string) (*models.AndonEvent, error) {
	return m.store.GetAndonEvent(ctx, eventID)
}

// List 列表查询安灯事件
func (m *Manager) List(ctx context.Context, filters repository.AndonEventFilters, page, size int) ([]*models.AndonEvent, int, error) {
	return m.store.ListAndonEvents(ctx, filters, page, size)
}

// ListOpen 列出未终结的安灯事件
func (m *Manager) ListOpen(ctx context.Context, filters repository.AndonEventFilters, page, size int) ([]*models.AndonEvent, int, error) {
	return m.store.GetOpenAndonEvents(ctx, filters, page, size)
}
