// Package cycle 实现每个目标运行的 Plan → (Wave)* → Review 循环。
//
// CycleController 拥有 GoalRun 与 Cycle/Wave 的记账，在开始新波次或新周期之前
// 检查限额，从不在执行途中打断任务。运行状态在规划后、每个波次后、评审时与
// 终止时写入快照，崩溃后可以从快照恢复。
package cycle

import (
	"fmt"
	"strings"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/scheduler"
	"AgentCompany/internal/task"
)

// Phase 是周期所处的阶段。
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseReviewing Phase = "reviewing"
	PhaseFinished  Phase = "finished"
)

// Outcome 是目标运行的终态，运行中为空。
type Outcome string

const (
	OutcomeRunning        Outcome = ""
	OutcomeDone           Outcome = "done"
	OutcomeFailed         Outcome = "failed"
	OutcomeAbortedByLimit Outcome = "aborted-by-limit"
)

// Decision 是协调智能体评审的结论。
type Decision string

const (
	DecisionDone     Decision = "DONE"
	DecisionContinue Decision = "CONTINUE"
	DecisionFailed   Decision = "FAILED"
)

// StoppedByOperator 是操作员停止运行时记录的原因。
const StoppedByOperator = "stopped by operator"

var (
	// ErrRunNotFound 表示目标运行不存在。
	ErrRunNotFound = xerrors.New(xerrors.CodeNotFound, "目标运行不存在")
	// ErrRunFinished 表示目标运行已经结束。
	ErrRunFinished = xerrors.New(xerrors.CodeAlreadyCompleted, "目标运行已经结束")
	// ErrRunActive 表示目标运行仍在进行，不能恢复。
	ErrRunActive = xerrors.New(xerrors.CodeConflict, "目标运行仍在进行")
)

// Limits 是目标运行开始时的限额快照，运行期间不再变化。
type Limits struct {
	MaxCycles        int     `json:"max_cycles"`
	MaxWavesPerCycle int     `json:"max_waves_per_cycle"`
	MaxTotalTasks    int     `json:"max_total_tasks"`
	MaxTimeSeconds   int     `json:"max_time_seconds"`
	MaxCostUSD       float64 `json:"max_cost_usd"`
}

// DefaultLimits 返回默认限额。
func DefaultLimits() Limits {
	return Limits{
		MaxCycles:        5,
		MaxWavesPerCycle: 10,
		MaxTotalTasks:    50,
		MaxTimeSeconds:   3600,
	}
}

// Normalize 用默认值填充非正的限额，MaxCostUSD 为 0 表示不限。
func (l Limits) Normalize() Limits {
	def := DefaultLimits()
	if l.MaxCycles <= 0 {
		l.MaxCycles = def.MaxCycles
	}
	if l.MaxWavesPerCycle <= 0 {
		l.MaxWavesPerCycle = def.MaxWavesPerCycle
	}
	if l.MaxTotalTasks <= 0 {
		l.MaxTotalTasks = def.MaxTotalTasks
	}
	if l.MaxTimeSeconds <= 0 {
		l.MaxTimeSeconds = def.MaxTimeSeconds
	}
	if l.MaxCostUSD < 0 {
		l.MaxCostUSD = 0
	}
	return l
}

// MaxTime 返回运行时长上限。
func (l Limits) MaxTime() time.Duration {
	return time.Duration(l.MaxTimeSeconds) * time.Second
}

// CycleRecord 记录一个周期。
type CycleRecord struct {
	Number    int              `json:"number"`
	Phase     Phase            `json:"phase"`
	Waves     []scheduler.Wave `json:"waves,omitempty"`
	Planned   int              `json:"planned"`
	Warnings  []string         `json:"warnings,omitempty"`
	Decision  Decision         `json:"decision,omitempty"`
	Review    string           `json:"review,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}

// GoalRun 是一次目标运行。
type GoalRun struct {
	ID          string        `json:"id"`
	Company     string        `json:"company"`
	Goal        string        `json:"goal"`
	Coordinator string        `json:"coordinator"`
	Limits      Limits        `json:"limits"`
	Cycle       int           `json:"cycle"`
	Phase       Phase         `json:"phase"`
	Cycles      []CycleRecord `json:"cycles"`
	Outcome     Outcome       `json:"outcome,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`

	// ElapsedBefore 是恢复之前已经消耗的运行时长，ResumedAt 为最近一次开始计时的时间。
	ElapsedBefore time.Duration `json:"elapsed_before,omitempty"`
	ResumedAt     time.Time     `json:"resumed_at"`
}

// Terminal 判断运行是否已经结束。
func (r *GoalRun) Terminal() bool {
	return r.Outcome != OutcomeRunning
}

// Elapsed 返回运行累计时长。
func (r *GoalRun) Elapsed(now time.Time) time.Duration {
	if r.EndedAt != nil {
		now = *r.EndedAt
	}
	return r.ElapsedBefore + now.Sub(r.ResumedAt)
}

// current 返回当前周期记录，没有时返回 nil。
func (r *GoalRun) current() *CycleRecord {
	if len(r.Cycles) == 0 {
		return nil
	}
	return &r.Cycles[len(r.Cycles)-1]
}

func cloneRun(r *GoalRun) *GoalRun {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Cycles = make([]CycleRecord, len(r.Cycles))
	for i, c := range r.Cycles {
		c.Waves = append([]scheduler.Wave(nil), c.Waves...)
		c.Warnings = append([]string(nil), c.Warnings...)
		if c.EndedAt != nil {
			t := *c.EndedAt
			c.EndedAt = &t
		}
		cp.Cycles[i] = c
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// statusTag 返回目标摘要中的状态标记。
func statusTag(s task.Status) string {
	switch s {
	case task.StatusDone:
		return "[DONE]"
	case task.StatusFailed:
		return "[FAIL]"
	case task.StatusInProgress:
		return "[....]"
	case task.StatusReview:
		return "[REVW]"
	default:
		return "[WAIT]"
	}
}

// Summary 把任务列表渲染为评审与再规划使用的进度摘要，首行是完成数量。
func Summary(tasks []*task.Task) string {
	if len(tasks) == 0 {
		return "  (no tasks yet)\n"
	}
	done := 0
	for _, t := range tasks {
		if t.Status == task.StatusDone {
			done++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d/%d tasks:\n\n", done, len(tasks))
	for _, t := range tasks {
		assignee := t.Assignee
		if assignee == "" {
			assignee = "unassigned"
		}
		fmt.Fprintf(&b, "  %s (%s) %s\n", statusTag(t.Status), assignee, task.Truncate(t.Description, 80))
		result := t.Result
		if result == "" && t.Status == task.StatusFailed {
			result = t.FailureReason
		}
		if result != "" {
			fmt.Fprintf(&b, "          Result: %s\n", task.Truncate(result, 120))
		}
	}
	return b.String()
}
