package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或状态查询。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Assigned        int   `json:"assigned"`
	InProgress      int   `json:"in_progress"`
	Review          int   `json:"review"`
	Done            int   `json:"done"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusAssigned:
		s.Assigned++
	case StatusInProgress:
		s.InProgress++
	case StatusReview:
		s.Review++
	case StatusDone:
		s.Done++
	case StatusFailed:
		s.Failed++
	}
	updated := t.UpdatedAt.Unix()
	if updated > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updated
	}
	if s.OldestUpdatedAt == 0 || updated < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updated
	}
}

// RollupStatus 是父任务由子任务推导出的聚合状态。
type RollupStatus string

const (
	// RollupNone 表示任务没有有效子任务。
	RollupNone RollupStatus = "none"
	// RollupOpen 表示仍有子任务未结束。
	RollupOpen RollupStatus = "open"
	// RollupDone 表示全部子任务已完成。
	RollupDone RollupStatus = "done"
	// RollupFailed 表示至少一个子任务失败且未被替代。
	RollupFailed RollupStatus = "failed"
)

// Rollup 汇总一个任务的子任务状态，被替代的失败子任务不计入。
type Rollup struct {
	Status         RollupStatus `json:"status"`
	Total          int          `json:"total"`
	Done           int          `json:"done"`
	Failed         int          `json:"failed"`
	Open           int          `json:"open"`
	FailedChildren []string     `json:"failed_children,omitempty"`
}

func rollupOf(children []*Task) Rollup {
	r := Rollup{Status: RollupNone}
	for _, child := range children {
		if child.SupersededBy != "" {
			continue
		}
		r.Total++
		switch child.Status {
		case StatusDone:
			r.Done++
		case StatusFailed:
			r.Failed++
			r.FailedChildren = append(r.FailedChildren, child.ID)
		default:
			r.Open++
		}
	}
	switch {
	case r.Total == 0:
		r.Status = RollupNone
	case r.Failed > 0:
		r.Status = RollupFailed
	case r.Open > 0:
		r.Status = RollupOpen
	default:
		r.Status = RollupDone
	}
	return r
}
