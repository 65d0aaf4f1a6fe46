package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/pkg/logger"
)

// MemoryStore 在内存中保存一家公司的全部任务，并维护父子索引与目标运行索引。
//
// 所有变更在同一把锁内完成并在锁内发布事件，因此订阅者看到的事件顺序与状态
// 变化顺序一致；读取操作拿到的是一致快照的副本。
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	children map[string][]string
	byRun    map[string][]string
	seq      int64

	publisher events.Publisher
	log       *slog.Logger
	audit     *slog.Logger
	now       func() time.Time
}

// MemoryOption 配置 MemoryStore。
type MemoryOption func(*MemoryStore)

// WithPublisher 设置任务事件的发布目标。
func WithPublisher(p events.Publisher) MemoryOption {
	return func(m *MemoryStore) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithLogger 设置运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) MemoryOption {
	return func(m *MemoryStore) {
		if log != nil {
			m.log = log
		}
		if audit != nil {
			m.audit = audit
		}
	}
}

// WithClock 替换时间来源，测试中使用。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tasks:     make(map[string]*Task),
		children:  make(map[string][]string),
		byRun:     make(map[string][]string),
		publisher: events.Nop,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = logger.Or(m.log, "task")
	if m.audit == nil {
		m.audit = logger.Audit()
	}
	return m
}

// Create 实现 Store 接口。新任务总是处于 pending 状态。
func (m *MemoryStore) Create(_ context.Context, input *Task) (*Task, error) {
	if input == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(input.Description) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := cloneTask(input)
	if t.ID == "" {
		t.ID = NewID()
	}
	if _, ok := m.tasks[t.ID]; ok {
		return nil, ErrTaskConflict
	}
	if t.Creator == "" {
		t.Creator = CreatorOperator
	}
	if t.ParentID != "" {
		parent, ok := m.tasks[t.ParentID]
		if !ok {
			return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("父任务 %s 不存在", t.ParentID))
		}
		if parent.GoalRunID != t.GoalRunID {
			return nil, xerrors.New(CodeTaskValidation, "父任务必须属于同一目标运行")
		}
	}
	deps := make([]string, 0, len(t.DependsOn))
	seen := make(map[string]struct{}, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		other, ok := m.tasks[dep]
		if !ok {
			return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("依赖任务 %s 不存在", dep))
		}
		if other.GoalRunID != t.GoalRunID {
			return nil, xerrors.New(CodeTaskValidation, "依赖任务必须属于同一目标运行")
		}
		deps = append(deps, dep)
	}

	now := m.now()
	m.seq++
	t.Seq = m.seq
	t.DependsOn = deps
	t.Status = StatusPending
	t.Assignee = ""
	t.Result = ""
	t.FailureReason = ""
	t.ErrorCode = ""
	t.SupersededBy = ""
	t.CompletedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	m.index(t)

	m.publisher.Publish(events.Event{
		Topic:     events.TopicTaskCreated,
		GoalRunID: t.GoalRunID,
		Payload: map[string]any{
			"task_id":     t.ID,
			"description": t.Description,
			"role":        string(t.Role),
			"creator":     t.Creator,
			"parent_id":   t.ParentID,
			"depends_on":  append([]string(nil), t.DependsOn...),
			"status":      string(t.Status),
		},
	})
	m.log.Debug("任务已创建", slog.String(logger.KeyTask, t.ID), slog.String(logger.KeyGoalRun, t.GoalRunID))
	return cloneTask(t), nil
}

func (m *MemoryStore) index(t *Task) {
	m.tasks[t.ID] = t
	if t.ParentID != "" {
		m.children[t.ParentID] = append(m.children[t.ParentID], t.ID)
	}
	m.byRun[t.GoalRunID] = append(m.byRun[t.GoalRunID], t.ID)
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Assign 把 pending 任务分配给智能体。
func (m *MemoryStore) Assign(_ context.Context, id, agentID string) (*Task, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusPending {
		return cloneTask(t), invalidTransition(id, t.Status, StatusAssigned)
	}
	t.Assignee = agentID
	m.apply(t, StatusAssigned, transitionParams{})
	return cloneTask(t), nil
}

// Transition 依据状态机迁移任务状态。
func (m *MemoryStore) Transition(_ context.Context, id string, to Status, opts ...TransitionOption) (*Task, error) {
	params := transitionParams{}
	for _, opt := range opts {
		if opt != nil {
			opt(&params)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !CanTransition(t.Status, to) {
		return cloneTask(t), invalidTransition(id, t.Status, to)
	}
	if to == StatusReview || to == StatusDone {
		if r := rollupOf(m.childrenOf(id)); r.Status != RollupNone && r.Status != RollupDone {
			return cloneTask(t), xerrors.New(xerrors.CodeInvalidTransition,
				fmt.Sprintf("任务 %s 仍有 %d 个子任务未完成", id, r.Open+r.Failed),
				xerrors.WithMetadata("task_id", id),
				xerrors.WithMetadata("to", string(to)),
			)
		}
	}
	m.apply(t, to, params)
	return cloneTask(t), nil
}

func (m *MemoryStore) apply(t *Task, to Status, p transitionParams) {
	from := t.Status
	now := m.now()
	t.Status = to
	t.UpdatedAt = now
	if p.result != nil {
		t.Result = *p.result
	}
	if p.clearWait {
		t.PendingResult = ""
	}
	switch to {
	case StatusFailed:
		t.FailureReason = p.reason
		t.ErrorCode = string(p.code)
	case StatusInProgress:
		if from == StatusReview {
			t.Reworks++
		}
	}
	if to.Terminal() {
		at := now
		t.CompletedAt = &at
	}

	payload := map[string]any{
		"task_id":  t.ID,
		"from":     string(from),
		"to":       string(to),
		"assignee": t.Assignee,
	}
	if t.ParentID != "" {
		payload["parent_id"] = t.ParentID
	}
	if to == StatusFailed {
		payload["reason"] = t.FailureReason
		payload["error_code"] = t.ErrorCode
	}
	m.publisher.Publish(events.Event{
		Topic:     events.TopicTaskTransitioned,
		GoalRunID: t.GoalRunID,
		Payload:   payload,
	})
	m.audit.Info("任务状态迁移",
		slog.String(logger.KeyGoalRun, t.GoalRunID),
		slog.String(logger.KeyTask, t.ID),
		slog.String(logger.KeyAgent, t.Assignee),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", t.FailureReason),
	)
}

// Update 修改任务的非状态字段，fn 对状态、归属与依赖的修改会被忽略。
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Task) error) (*Task, error) {
	if fn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "更新函数不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	draft := cloneTask(t)
	if err := fn(draft); err != nil {
		return cloneTask(t), err
	}
	t.Description = draft.Description
	t.Role = draft.Role
	t.PendingResult = draft.PendingResult
	t.Attempts = draft.Attempts
	t.Reworks = draft.Reworks
	t.UpdatedAt = m.now()
	return cloneTask(t), nil
}

// AddCost 累加任务归属的花费。
func (m *MemoryStore) AddCost(_ context.Context, id string, usd float64) error {
	if usd <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.CostUSD += usd
	return nil
}

// Supersede 标记失败任务已被替代，并把同一运行中尚未开始的依赖改指向替代任务。
func (m *MemoryStore) Supersede(_ context.Context, failedID, replacementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed, ok := m.tasks[failedID]
	if !ok {
		return ErrTaskNotFound
	}
	replacement, ok := m.tasks[replacementID]
	if !ok {
		return ErrTaskNotFound
	}
	if failed.Status != StatusFailed {
		return xerrors.New(CodeTaskRecovery, fmt.Sprintf("任务 %s 未失败，不能被替代", failedID))
	}
	if failed.SupersededBy != "" {
		return xerrors.New(CodeTaskRecovery, fmt.Sprintf("任务 %s 已被 %s 替代", failedID, failed.SupersededBy))
	}
	if replacement.ParentID != failed.ParentID || replacement.GoalRunID != failed.GoalRunID {
		return xerrors.New(CodeTaskRecovery, "替代任务必须与失败任务同属一个父任务")
	}
	failed.SupersededBy = replacementID
	failed.UpdatedAt = m.now()
	replacement.Replaces = failedID

	for _, id := range m.byRun[failed.GoalRunID] {
		other := m.tasks[id]
		if other.Status != StatusPending && other.Status != StatusAssigned {
			continue
		}
		for i, dep := range other.DependsOn {
			if dep == failedID {
				other.DependsOn[i] = replacementID
			}
		}
	}
	m.log.Info("失败任务已被替代",
		slog.String(logger.KeyGoalRun, failed.GoalRunID),
		slog.String(logger.KeyTask, failedID),
		slog.String("replacement", replacementID),
	)
	return nil
}

// List 按过滤条件返回任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if opts.matches(t) {
			results = append(results, cloneTask(t))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch opts.Order {
		case SortByUpdatedDesc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.Seq > b.Seq
		case SortByUpdatedAsc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.Seq < b.Seq
		default:
			return a.Seq < b.Seq
		}
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// RunTasks 按创建顺序返回一次目标运行的全部任务。
func (m *MemoryStore) RunTasks(_ context.Context, goalRunID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRun[goalRunID]
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneTask(m.tasks[id]))
	}
	sortBySeq(out)
	return out, nil
}

// Ready 返回依赖全部完成、父任务未结束且自身尚未开始的任务，按创建顺序排列。
func (m *MemoryStore) Ready(_ context.Context, goalRunID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ready []*Task
	for _, id := range m.byRun[goalRunID] {
		t := m.tasks[id]
		if t.Status != StatusPending && t.Status != StatusAssigned {
			continue
		}
		if t.ParentID != "" {
			if parent, ok := m.tasks[t.ParentID]; !ok || parent.Status.Terminal() {
				continue
			}
		}
		if !m.depsDone(t) {
			continue
		}
		ready = append(ready, cloneTask(t))
	}
	sortBySeq(ready)
	return ready, nil
}

func (m *MemoryStore) depsDone(t *Task) bool {
	for _, dep := range t.DependsOn {
		other, ok := m.tasks[dep]
		if !ok || other.Status != StatusDone {
			return false
		}
	}
	return true
}

// Children 返回任务的直接子任务（包括已被替代的）。
func (m *MemoryStore) Children(_ context.Context, id string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	children := m.childrenOf(id)
	out := make([]*Task, 0, len(children))
	for _, child := range children {
		out = append(out, cloneTask(child))
	}
	return out, nil
}

func (m *MemoryStore) childrenOf(id string) []*Task {
	ids := m.children[id]
	out := make([]*Task, 0, len(ids))
	for _, cid := range ids {
		if child, ok := m.tasks[cid]; ok {
			out = append(out, child)
		}
	}
	sortBySeq(out)
	return out
}

// Rollup 汇总任务的子任务状态。
func (m *MemoryStore) Rollup(_ context.Context, id string) (Rollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return Rollup{}, ErrTaskNotFound
	}
	return rollupOf(m.childrenOf(id)), nil
}

// Count 返回一次目标运行已创建的任务数量。
func (m *MemoryStore) Count(_ context.Context, goalRunID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRun[goalRunID]), nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := TaskStats{}
	for _, t := range m.tasks {
		if opts.matches(t) {
			stats.add(t)
		}
	}
	return stats, nil
}

// Restore 从快照装载任务，已存在的同 ID 任务会被覆盖。不会发布事件。
func (m *MemoryStore) Restore(_ context.Context, tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			return xerrors.New(CodeTaskValidation, "快照中的任务缺少 ID")
		}
		if !IsValidStatus(t.Status) {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("快照中的任务 %s 状态无效: %s", t.ID, t.Status))
		}
		sorted = append(sorted, cloneTask(t))
	}
	sortBySeq(sorted)
	for _, t := range sorted {
		if _, exists := m.tasks[t.ID]; exists {
			m.tasks[t.ID] = t
			continue
		}
		m.index(t)
		if t.Seq > m.seq {
			m.seq = t.Seq
		}
	}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func sortBySeq(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
