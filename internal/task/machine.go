package task

import (
	"fmt"

	xerrors "AgentCompany/internal/errors"
)

// transitions 是任务状态机允许的全部边。
//
// pending/assigned -> failed 只由引擎在分派失败（NoAgentForRole）或目标运行
// 结束时放弃未启动任务使用；pending -> done 等其他边一律拒绝。
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusFailed},
	StatusAssigned:   {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusReview, StatusDone, StatusFailed},
	StatusReview:     {StatusDone, StatusInProgress},
}

// CanTransition 判断 from -> to 是否是合法的边。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses 返回从 from 出发的合法目标状态。
func NextStatuses(from Status) []Status {
	return append([]Status(nil), transitions[from]...)
}

func invalidTransition(id string, from, to Status) error {
	return xerrors.New(xerrors.CodeInvalidTransition,
		fmt.Sprintf("任务 %s 不允许从 %s 迁移到 %s", id, from, to),
		xerrors.WithMetadata("task_id", id),
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)),
	)
}

// transitionParams 携带一次状态迁移附带的数据。
type transitionParams struct {
	result    *string
	reason    string
	code      xerrors.Code
	clearWait bool
}

// TransitionOption 配置状态迁移附带的数据。
type TransitionOption func(*transitionParams)

// WithResult 记录任务结果。
func WithResult(result string) TransitionOption {
	return func(p *transitionParams) {
		p.result = &result
	}
}

// WithFailure 记录失败原因与错误码。
func WithFailure(code xerrors.Code, reason string) TransitionOption {
	return func(p *transitionParams) {
		p.code = code
		p.reason = reason
	}
}

// WithFailureError 从 error 中提取错误码和原因。
func WithFailureError(err error) TransitionOption {
	return func(p *transitionParams) {
		if err == nil {
			return
		}
		p.code = xerrors.CodeOf(err)
		p.reason = err.Error()
	}
}

// ClearingPendingResult 在迁移时清空 PendingResult。
func ClearingPendingResult() TransitionOption {
	return func(p *transitionParams) {
		p.clearWait = true
	}
}
