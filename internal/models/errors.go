package models

import (
	"errors"
	"fmt"
)

// 错误分类（见错误处理设计）：
// 输入错误 → 记日志后作为 no-op，不向上抛出崩溃；
// 非法状态迁移 → 返回带原因码的类型化错误，状态不变；
// 瞬时基础设施错误 → 有界退避重试，降级记录但不回滚领域状态；
// 不变式违反 → 视为并发缺陷，必须大声暴露，绝不静默修正。
var (
	// ErrMalformedSnapshot 快照缺少必填字段（输入错误）
	ErrMalformedSnapshot = errors.New("malformed snapshot: equipment_code and timestamp are required")

	// ErrUnknownEquipment 未知设备（输入错误，调用侧按 no-op 处理）
	ErrUnknownEquipment = errors.New("unknown equipment_code")

	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict 乐观锁版本冲突（CAS 未命中，调用侧重读后重试）
	ErrVersionConflict = errors.New("version conflict: record was modified concurrently")

	// ErrDuplicateOpenDowntime 同一设备出现第二条打开中的停机事件（不变式违反）
	ErrDuplicateOpenDowntime = errors.New("invariant violation: duplicate open downtime event for equipment")

	// ErrEscalationLevelDecrease 升级级别试图下降（不变式违反）
	ErrEscalationLevelDecrease = errors.New("invariant violation: escalation level must never decrease")
)

// TransitionError 非法状态迁移错误（拒绝操作，状态保持不变）
type TransitionError struct {
	Op     string // 被拒绝的操作，如 "acknowledge"
	Status string // 当前状态
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s in status %q", e.Op, e.Status)
}

// NewTransitionError 构造迁移错误
func NewTransitionError(op string, status string) *TransitionError {
	return &TransitionError{Op: op, Status: status}
}

// IsTransitionError 判断是否为状态迁移错误
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
