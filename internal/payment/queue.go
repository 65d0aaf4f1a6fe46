package payment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/internal/observability/alerting"
	"AgentCompany/pkg/logger"
)

// Submitter 把一笔已批准的付款提交到链上并返回交易哈希。
type Submitter interface {
	Submit(ctx context.Context, chain, to string, amountWei *big.Int) (string, error)
}

// SubmitterFunc 允许用函数实现 Submitter。
type SubmitterFunc func(ctx context.Context, chain, to string, amountWei *big.Int) (string, error)

// Submit 实现 Submitter。
func (f SubmitterFunc) Submit(ctx context.Context, chain, to string, amountWei *big.Int) (string, error) {
	return f(ctx, chain, to, amountWei)
}

// Chains 用于校验链名称并查询原生代币符号。
type Chains interface {
	NativeSymbol(chain string) (string, bool)
}

// EnqueueRequest 是智能体发起付款请求时提供的信息。
type EnqueueRequest struct {
	Agent     string
	GoalRunID string
	TaskID    string
	To        string
	Amount    string
	Chain     string
	Reason    string
}

// Queue 是一家公司的付款审批队列。
type Queue struct {
	store         Store
	submitter     Submitter
	chains        Chains
	defaultChain  string
	submitTimeout time.Duration
	publisher     events.Publisher
	alerter       alerting.Dispatcher
	log           *slog.Logger
	audit         *slog.Logger
	now           func() time.Time
}

// Option 配置 Queue。
type Option func(*Queue)

// WithSubmitter 设置链上提交器。
func WithSubmitter(s Submitter) Option {
	return func(q *Queue) { q.submitter = s }
}

// WithChains 设置链定义查询。
func WithChains(c Chains) Option {
	return func(q *Queue) { q.chains = c }
}

// WithDefaultChain 设置请求未指定链时使用的链。
func WithDefaultChain(chain string) Option {
	return func(q *Queue) {
		if chain != "" {
			q.defaultChain = chain
		}
	}
}

// WithSubmitTimeout 设置单次提交的超时时间。
func WithSubmitTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.submitTimeout = d
		}
	}
}

// WithPublisher 设置付款事件的发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) {
		if p != nil {
			q.publisher = p
		}
	}
}

// WithAlerter 设置提交失败时的告警派发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(q *Queue) { q.alerter = d }
}

// WithLogger 设置运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
		if audit != nil {
			q.audit = audit
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue 创建付款审批队列。
func NewQueue(store Store, opts ...Option) *Queue {
	if store == nil {
		store = NewMemoryStore()
	}
	q := &Queue{
		store:         store,
		defaultChain:  "ethereum",
		submitTimeout: 2 * time.Minute,
		publisher:     events.Nop,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.log = logger.Or(q.log, "payment")
	if q.audit == nil {
		q.audit = logger.Audit()
	}
	return q
}

// Enqueue 校验并写入一笔 pending 状态的付款请求，不会移动任何资金。
func (q *Queue) Enqueue(ctx context.Context, in EnqueueRequest) (*Request, error) {
	to := strings.TrimSpace(in.To)
	if !ValidAddress(to) {
		return nil, xerrors.New(CodePaymentValidation, "收款地址无效: "+in.To)
	}
	if _, err := ParseAmount(in.Amount); err != nil {
		return nil, err
	}
	chain := strings.ToLower(strings.TrimSpace(in.Chain))
	if chain == "" {
		chain = q.defaultChain
	}
	token := ""
	if q.chains != nil {
		symbol, ok := q.chains.NativeSymbol(chain)
		if !ok {
			return nil, xerrors.New(CodePaymentValidation, "不支持的链: "+chain)
		}
		token = symbol
	}

	req := &Request{
		ID:        NewID(),
		Agent:     in.Agent,
		GoalRunID: in.GoalRunID,
		TaskID:    in.TaskID,
		To:        to,
		Amount:    strings.TrimSpace(in.Amount),
		Chain:     chain,
		Token:     token,
		Reason:    strings.TrimSpace(in.Reason),
		Status:    StatusPending,
		CreatedAt: q.now(),
	}
	if err := q.store.Insert(ctx, req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存付款请求失败")
	}
	q.publish(events.TopicPaymentRequested, req, nil)
	q.audit.Info("付款请求已入队",
		slog.String(logger.KeyPayment, req.ID),
		slog.String(logger.KeyAgent, req.Agent),
		slog.String(logger.KeyGoalRun, req.GoalRunID),
		slog.String("to", req.To),
		slog.String("amount", req.Amount),
		slog.String("chain", req.Chain),
	)
	return cloneRequest(req), nil
}

// Approve 批准一笔 pending 请求并触发恰好一次链上提交。
// 对已批准的请求重复调用是无操作；对已拒绝的请求返回 ErrNotPending。
func (q *Queue) Approve(ctx context.Context, id string) (*Request, error) {
	req, err := q.store.Decide(ctx, id, StatusApproved, DecidedByOperator, q.now())
	if err != nil {
		if stdErrors.Is(err, ErrNotPending) && req != nil && req.Status == StatusApproved {
			q.log.Info("付款请求已批准，忽略重复批准", slog.String(logger.KeyPayment, id))
			return req, nil
		}
		return req, err
	}
	q.publish(events.TopicPaymentApproved, req, nil)
	q.audit.Info("付款请求已批准",
		slog.String(logger.KeyPayment, req.ID),
		slog.String("decided_by", req.DecidedBy),
		slog.String("amount", req.Amount),
		slog.String("to", req.To),
	)
	return q.submit(ctx, req), nil
}

// Reject 拒绝一笔 pending 请求，不会移动任何资金。
func (q *Queue) Reject(ctx context.Context, id string) (*Request, error) {
	req, err := q.store.Decide(ctx, id, StatusRejected, DecidedByOperator, q.now())
	if err != nil {
		return req, err
	}
	q.publish(events.TopicPaymentRejected, req, nil)
	q.audit.Info("付款请求已拒绝",
		slog.String(logger.KeyPayment, req.ID),
		slog.String("decided_by", req.DecidedBy),
	)
	return req, nil
}

func (q *Queue) submit(ctx context.Context, req *Request) *Request {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.submitTimeout)
	defer cancel()

	var (
		txHash string
		err    error
	)
	if q.submitter == nil {
		err = stdErrors.New("未配置付款提交器")
	} else {
		var wei *big.Int
		if wei, err = ParseAmount(req.Amount); err == nil {
			txHash, err = q.submitter.Submit(ctx, req.Chain, req.To, wei)
		}
	}

	sub := Submission{Status: SubmissionSent, TxHash: txHash, At: q.now()}
	if err != nil {
		sub = Submission{Status: SubmissionFailed, Error: err.Error(), At: q.now()}
	}
	updated, storeErr := q.store.RecordSubmission(ctx, req.ID, sub)
	if storeErr != nil {
		q.log.Error("记录付款提交结果失败", slog.Any("error", storeErr), slog.String(logger.KeyPayment, req.ID))
		updated = cloneRequest(req)
		updated.Submission, updated.TxHash, updated.SubmitError = sub.Status, sub.TxHash, sub.Error
		at := sub.At
		updated.SubmittedAt = &at
	}

	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodePaymentSubmission, err, fmt.Sprintf("付款 %s 提交失败", req.ID),
			xerrors.WithMetadata("chain", req.Chain))
		q.publish(events.TopicPaymentFailed, updated, map[string]any{"error": err.Error()})
		q.audit.Error("付款提交失败", slog.String(logger.KeyPayment, req.ID), slog.Any("error", err))
		ev := alerting.FromError(wrapped, "submit")
		ev.PaymentID = req.ID
		ev.GoalRunID = req.GoalRunID
		alerting.Emit(ctx, q.alerter, ev)
		return updated
	}
	q.publish(events.TopicPaymentSent, updated, map[string]any{"tx_hash": txHash})
	q.audit.Info("付款已提交", slog.String(logger.KeyPayment, req.ID), slog.String("tx_hash", txHash))
	return updated
}

// Get 返回一笔付款请求。
func (q *Queue) Get(ctx context.Context, id string) (*Request, error) {
	return q.store.Get(ctx, id)
}

// List 按创建顺序列出付款请求，status 为空时返回全部。
func (q *Queue) List(ctx context.Context, status Status) ([]*Request, error) {
	return q.store.List(ctx, status)
}

func (q *Queue) publish(topic events.Topic, req *Request, extra map[string]any) {
	payload := map[string]any{
		"payment_id": req.ID,
		"agent":      req.Agent,
		"to_address": req.To,
		"amount":     req.Amount,
		"chain":      req.Chain,
		"status":     string(req.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	q.publisher.Publish(events.Event{Topic: topic, GoalRunID: req.GoalRunID, Payload: payload})
}
