package task

import "context"

// Store 抽象了任务状态的存取接口。
//
// 所有状态变化都必须经过 Assign/Transition，它们依据状态机校验迁移；
// Update 只能修改非状态字段。
type Store interface {
	Create(ctx context.Context, task *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Assign(ctx context.Context, id, agentID string) (*Task, error)
	Transition(ctx context.Context, id string, to Status, opts ...TransitionOption) (*Task, error)
	Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	AddCost(ctx context.Context, id string, usd float64) error
	Supersede(ctx context.Context, failedID, replacementID string) error

	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	RunTasks(ctx context.Context, goalRunID string) ([]*Task, error)
	Ready(ctx context.Context, goalRunID string) ([]*Task, error)
	Children(ctx context.Context, id string) ([]*Task, error)
	Rollup(ctx context.Context, id string) (Rollup, error)
	Count(ctx context.Context, goalRunID string) (int, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)

	Restore(ctx context.Context, tasks []*Task) error
	Close() error
}
