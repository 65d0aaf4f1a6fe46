package task

import (
	"context"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/role"
)

// Replacement 描述恢复策略希望创建的替代子任务。Role 为空时沿用失败任务的角色。
type Replacement struct {
	Description string  `json:"description"`
	Role        role.ID `json:"role,omitempty"`
}

// RecoveryHook 在子任务失败时决定父任务是否可以通过替代子任务继续。
// 返回 nil 表示不恢复，父任务随之失败。
type RecoveryHook interface {
	Recover(ctx context.Context, parent, failedChild *Task) (*Replacement, error)
}

// RecoveryFunc 允许用函数实现 RecoveryHook。
type RecoveryFunc func(ctx context.Context, parent, failedChild *Task) (*Replacement, error)

// Recover 实现 RecoveryHook。
func (f RecoveryFunc) Recover(ctx context.Context, parent, failedChild *Task) (*Replacement, error) {
	return f(ctx, parent, failedChild)
}

// RetryOnce 为每个失败的子任务创建一次相同内容的替代任务。
// 替代任务自身再次失败，或失败原因是找不到对应角色的智能体时不再恢复。
func RetryOnce() RecoveryHook {
	return RecoveryFunc(func(_ context.Context, _ *Task, failed *Task) (*Replacement, error) {
		if failed == nil || failed.Replaces != "" {
			return nil, nil
		}
		if failed.ErrorCode == string(xerrors.CodeNoAgentForRole) {
			return nil, nil
		}
		return &Replacement{Description: failed.Description, Role: failed.Role}, nil
	})
}

// RecoveryPolicy 按名称返回内置恢复策略："" 或 "none" 表示不恢复。
func RecoveryPolicy(name string) (RecoveryHook, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "retry_once":
		return RetryOnce(), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的恢复策略: "+name)
	}
}
