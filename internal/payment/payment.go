// Package payment 实现由人类审批的付款队列。
//
// 智能体只能提交付款请求；请求离开 pending 状态只能通过操作员的
// Approve/Reject 调用。批准后恰好触发一次链上提交。
package payment

import (
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/google/uuid"

	xerrors "AgentCompany/internal/errors"
)

// Status 是审批状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// SubmissionStatus 是批准后链上提交的结果。
type SubmissionStatus string

const (
	SubmissionNone   SubmissionStatus = ""
	SubmissionSent   SubmissionStatus = "sent"
	SubmissionFailed SubmissionStatus = "failed"
)

// DecidedByOperator 是唯一合法的审批人。
const DecidedByOperator = "operator"

// Request 是一笔待审批的付款请求。
type Request struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Agent     string    `json:"agent"`
	GoalRunID string    `json:"goal_run_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	To        string    `json:"to_address"`
	Amount    string    `json:"amount"`
	Chain     string    `json:"chain"`
	Token     string    `json:"token"`
	Reason    string    `json:"reason"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`

	Submission  SubmissionStatus `json:"submission_status,omitempty"`
	TxHash      string           `json:"tx_hash,omitempty"`
	SubmitError string           `json:"submit_error,omitempty"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty"`
}

// Submission 记录一次链上提交的结果。
type Submission struct {
	Status SubmissionStatus
	TxHash string
	Error  string
	At     time.Time
}

const (
	CodePaymentNotFound   xerrors.Code = "PAYMENT_NOT_FOUND"
	CodePaymentValidation xerrors.Code = "PAYMENT_VALIDATION_FAILED"
)

var (
	// ErrNotFound 表示付款请求不存在。
	ErrNotFound = xerrors.New(CodePaymentNotFound, "payment request not found")
	// ErrNotPending 表示付款请求已经被处理过。
	ErrNotPending = xerrors.New(xerrors.CodeNotPending, "payment request is not pending")
)

func init() {
	xerrors.Register(CodePaymentNotFound, xerrors.Attributes{
		Message:   "payment request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentValidation, xerrors.Attributes{
		Message:   "payment request validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// NewID 生成付款请求 ID。
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ValidAddress 校验 EVM 地址格式。
func ValidAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}

// plainDecimal 只接受普通十进制写法，排除分数与科学计数法，保证操作员看到的金额
// 就是智能体写下的金额。
var plainDecimal = regexp.MustCompile(`^\d+(\.\d+)?$`)

// ParseAmount 把十进制字符串金额精确换算为 wei，要求大于 0 且不超过 18 位小数。
func ParseAmount(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if !plainDecimal.MatchString(amount) {
		return nil, xerrors.New(CodePaymentValidation, "金额格式无效: "+amount)
	}
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, xerrors.New(CodePaymentValidation, "金额格式无效: "+amount)
	}
	if rat.Sign() <= 0 {
		return nil, xerrors.New(CodePaymentValidation, "金额必须大于 0")
	}
	wei := new(big.Rat).Mul(rat, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !wei.IsInt() {
		return nil, xerrors.New(CodePaymentValidation, "金额精度超过 18 位小数: "+amount)
	}
	return new(big.Int).Set(wei.Num()), nil
}

func cloneRequest(r *Request) *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		clone.DecidedAt = &at
	}
	if r.SubmittedAt != nil {
		at := *r.SubmittedAt
		clone.SubmittedAt = &at
	}
	return &clone
}
