package cycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"AgentCompany/internal/cost"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/task"
)

// ErrSnapshotNotFound 表示没有该运行的快照。
var ErrSnapshotNotFound = xerrors.New(xerrors.CodeNotFound, "快照不存在")

// Snapshot 是恢复一次目标运行所需的全部状态。
type Snapshot struct {
	Run      *GoalRun     `json:"run"`
	Tasks    []*task.Task `json:"tasks"`
	Ledger   cost.State   `json:"ledger"`
	EventSeq uint64       `json:"event_seq"`
	SavedAt  time.Time    `json:"saved_at"`
}

// SnapshotStore 持久化快照。Save 对同一运行覆盖写入。
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, goalRunID string) (*Snapshot, error)
	List(ctx context.Context) ([]*GoalRun, error)
	Close() error
}

// MemorySnapshotStore 是进程内的快照存储，适用于 memory 存储驱动与测试。
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemorySnapshotStore 创建内存快照存储。
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

// Save 实现 SnapshotStore。
func (m *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少运行信息")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Run.ID] = CloneSnapshot(snap)
	return nil
}

// Load 实现 SnapshotStore。
func (m *MemorySnapshotStore) Load(_ context.Context, goalRunID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[goalRunID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return CloneSnapshot(snap), nil
}

// List 实现 SnapshotStore，按开始时间排序。
func (m *MemorySnapshotStore) List(_ context.Context) ([]*GoalRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*GoalRun, 0, len(m.snaps))
	for _, snap := range m.snaps {
		out = append(out, cloneRun(snap.Run))
	}
	SortRuns(out)
	return out, nil
}

// Close 实现 SnapshotStore。
func (m *MemorySnapshotStore) Close() error { return nil }

// SortRuns 按开始时间、ID 排序。
func SortRuns(runs []*GoalRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}

// CloneSnapshot 深拷贝快照。
func CloneSnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Run = cloneRun(s.Run)
	cp.Tasks = make([]*task.Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		c := *t
		c.DependsOn = append([]string(nil), t.DependsOn...)
		if t.CompletedAt != nil {
			at := *t.CompletedAt
			c.CompletedAt = &at
		}
		cp.Tasks = append(cp.Tasks, &c)
	}
	cp.Ledger.Pairs = append([]cost.PairTotal(nil), s.Ledger.Pairs...)
	return &cp
}

// PrepareResume 把快照中的任务整理为可以继续调度的状态：没有子任务的 in_progress
// 或 review 任务恢复为 assigned 重新执行；有子任务的父任务保持原样，由调度器结算。
func PrepareResume(tasks []*task.Task) []*task.Task {
	parents := make(map[string]bool)
	for _, t := range tasks {
		if t.ParentID != "" && t.SupersededBy == "" {
			parents[t.ParentID] = true
		}
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		c := *t
		c.DependsOn = append([]string(nil), t.DependsOn...)
		if (c.Status == task.StatusInProgress || c.Status == task.StatusReview) && !parents[c.ID] {
			c.Status = task.StatusAssigned
			c.PendingResult = ""
		}
		out = append(out, &c)
	}
	return out
}
