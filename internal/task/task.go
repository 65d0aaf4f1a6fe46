package task

import (
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/role"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// CreatorOperator 表示由人类操作员直接创建的任务。
const CreatorOperator = "operator"

// Task 是一次目标运行中的一个工作单元。
type Task struct {
	ID          string   `json:"id"`
	GoalRunID   string   `json:"goal_run_id"`
	Seq         int64    `json:"seq"`
	Description string   `json:"description"`
	Role        role.ID  `json:"role,omitempty"`
	Creator     string   `json:"creator"`
	Assignee    string   `json:"assignee,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      Status   `json:"status"`

	Result        string `json:"result,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`

	// PendingResult 保存智能体已经给出、但仍需等待子任务完成的结果。
	PendingResult string `json:"pending_result,omitempty"`
	// SupersededBy 指向恢复策略创建的替代任务，被替代的失败子任务不再参与汇总。
	SupersededBy string `json:"superseded_by,omitempty"`
	// Replaces 指向本任务所替代的失败任务。
	Replaces string `json:"replaces,omitempty"`

	Attempts int     `json:"attempts"`
	Reworks  int     `json:"reworks"`
	CostUSD  float64 `json:"cost_usd"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal 判断任务是否已经结束。
func (t *Task) IsTerminal() bool {
	return t != nil && t.Status.Terminal()
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Active 判断状态是否代表任务正在被执行或评审。
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusReview
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务 ID 已存在。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示状态迁移不在状态机允许的边上。
	ErrInvalidTransition = xerrors.New(xerrors.CodeInvalidTransition, "invalid transition")
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskRecovery   xerrors.Code = "TASK_RECOVERY_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskRecovery, xerrors.Attributes{
		Message:   "task recovery failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// NewID 生成 12 位十六进制的短任务 ID。
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAssigned, StatusInProgress, StatusReview, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

// Truncate 按 rune 截断文本，超出部分以 "..." 结尾。
func Truncate(text string, n int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if n <= 0 || len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
