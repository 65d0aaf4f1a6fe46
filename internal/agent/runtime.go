package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"AgentCompany/internal/cost"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/knowledge"
	"AgentCompany/internal/llm"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

const (
	defaultMaxIterations = 25
	defaultMaxTokens     = 4096
)

// Invocation 描述一次任务执行。
type Invocation struct {
	Task    *task.Task
	Agent   Agent
	Goal    string
	Context string
}

// Outcome 是一次任务执行的结果。
type Outcome struct {
	Status     task.Status `json:"status"`
	Result     string      `json:"result"`
	Delegated  []string    `json:"delegated,omitempty"`
	Payments   []string    `json:"payments,omitempty"`
	Iterations int         `json:"iterations"`
	CostUSD    float64     `json:"cost_usd"`
}

// CompleteRequest 是一次不带工具的单轮调用，用于规划与评审。
type CompleteRequest struct {
	Agent  Agent
	Goal   string
	Prompt string
}

// Runtime 是 invokeAgent 能力的实现。调用大模型期间不持有任何锁。
type Runtime struct {
	company       string
	directory     *Directory
	client        llm.Client
	ledger        *cost.Ledger
	knowledge     knowledge.Provider
	tasks         task.Store
	delegator     Delegator
	payments      PaymentRequester
	chains        []string
	defaultModel  string
	maxIterations int
	callTimeout   time.Duration
	callAttempts  int
	callBackoff   time.Duration
	log           *slog.Logger
}

// Option 定义可选的 Runtime 配置。
type Option func(*Runtime)

// WithLedger 设置花费账本。
func WithLedger(l *cost.Ledger) Option {
	return func(r *Runtime) { r.ledger = l }
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充业务背景。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(r *Runtime) { r.knowledge = provider }
}

// WithTaskStore 设置任务仓库，用于把花费归属到任务上。
func WithTaskStore(s task.Store) Option {
	return func(r *Runtime) { r.tasks = s }
}

// WithPayments 设置付款请求的接收方。
func WithPayments(p PaymentRequester, chains ...string) Option {
	return func(r *Runtime) {
		r.payments = p
		r.chains = append([]string(nil), chains...)
	}
}

// WithDefaultModel 设置智能体未指定模型时使用的模型。
func WithDefaultModel(model string) Option {
	return func(r *Runtime) { r.defaultModel = strings.TrimSpace(model) }
}

// WithMaxIterations 设置单个任务的工具循环上限。
func WithMaxIterations(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithCallTimeout 设置单次调用大模型的超时时间。
func WithCallTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		if timeout < 0 {
			timeout = 0
		}
		r.callTimeout = timeout
	}
}

// WithCallRetry 让工具循环中的单次大模型调用在可重试错误上按指数退避重试，
// 已有的对话与工具副作用保持不变。attempts 包含第一次调用。
func WithCallRetry(attempts int, backoff time.Duration) Option {
	return func(r *Runtime) {
		if attempts > 0 {
			r.callAttempts = attempts
		}
		if backoff >= 0 {
			r.callBackoff = backoff
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// NewRuntime 创建一个 Runtime。
func NewRuntime(company string, directory *Directory, client llm.Client, opts ...Option) *Runtime {
	r := &Runtime{
		company:       company,
		directory:     directory,
		client:        client,
		maxIterations: defaultMaxIterations,
		callAttempts:  1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.ledger == nil {
		r.ledger = cost.NewLedger()
	}
	r.log = logger.Or(r.log, "agent")
	return r
}

// SetDelegator 绑定子委派的处理方。规划器依赖 Runtime，因此在两者都构造完成后调用，
// 必须发生在第一次 Invoke 之前。
func (r *Runtime) SetDelegator(d Delegator) { r.delegator = d }

// Directory 返回智能体名录。
func (r *Runtime) Directory() *Directory { return r.directory }

// Ledger 返回花费账本。
func (r *Runtime) Ledger() *cost.Ledger { return r.ledger }

// ModelFor 返回智能体实际使用的模型。
func (r *Runtime) ModelFor(a Agent) string {
	if a.Model != "" {
		return a.Model
	}
	return r.defaultModel
}

// Invoke 在工具循环中执行一个任务，直到智能体调用 report_result、给出不带工具调用的
// 回复或者达到迭代上限。
//
// 单次调用的重试在循环内部完成。重试用尽后，只有尚未产生任何委派或付款请求时
// 错误才保持可重试，否则从头重跑会重复这些副作用。
func (r *Runtime) Invoke(ctx context.Context, inv Invocation) (*Outcome, error) {
	if r.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if inv.Task == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	a := inv.Agent
	graph := r.directory.Graph()
	targets := graph.DelegateTargets(a.Role)
	if r.delegator == nil {
		targets = nil
	}

	req := llm.Request{
		Model:     r.ModelFor(a),
		System:    r.systemPrompt(a, inv.Goal+"\n"+inv.Task.Description, targets),
		Messages:  []llm.Message{llm.UserMessage(taskPrompt(inv))},
		Tools:     toolSpecs(targets, r.chains),
		MaxTokens: defaultMaxTokens,
	}
	log := r.log.With(
		slog.String(logger.KeyTask, inv.Task.ID),
		slog.String(logger.KeyAgent, a.ID),
		slog.String(logger.KeyGoalRun, inv.Task.GoalRunID),
	)

	out := &Outcome{}
	lastText := ""
	for out.Iterations < r.maxIterations {
		out.Iterations++
		resp, err := r.generateWithRetry(ctx, a, inv.Task.ID, req, out)
		if err != nil {
			return out, r.invokeError(err, out)
		}
		if text := strings.TrimSpace(resp.Content); text != "" {
			lastText = text
		}
		if len(resp.ToolCalls) == 0 {
			out.Status = task.StatusDone
			out.Result = lastText
			if out.Result == "" {
				out.Result = "(no output)"
			}
			return out, nil
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		reported := false
		for _, call := range resp.ToolCalls {
			reply, final := r.handleTool(ctx, inv, call, out)
			req.Messages = append(req.Messages, llm.ToolResult(call.ID, reply))
			if final {
				reported = true
			}
		}
		if reported {
			log.Debug("智能体已报告结果", slog.String("status", string(out.Status)), slog.Int("iterations", out.Iterations))
			return out, nil
		}
	}

	log.Warn("智能体达到迭代上限", slog.Int("iterations", out.Iterations))
	if lastText != "" {
		out.Status = task.StatusDone
		out.Result = lastText
		return out, nil
	}
	out.Status = task.StatusFailed
	out.Result = fmt.Sprintf("agent stopped after %d iterations without reporting a result", out.Iterations)
	return out, nil
}

// Complete 执行一次不带工具的调用并返回文本，用于规划与评审。
func (r *Runtime) Complete(ctx context.Context, in CompleteRequest) (string, error) {
	if r.client == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	req := llm.Request{
		Model:     r.ModelFor(in.Agent),
		System:    r.systemPrompt(in.Agent, in.Goal, nil),
		Messages:  []llm.Message{llm.UserMessage(in.Prompt)},
		MaxTokens: defaultMaxTokens,
	}
	resp, err := r.generate(ctx, in.Agent, "", req, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *Runtime) generateWithRetry(ctx context.Context, a Agent, taskID string, req llm.Request, out *Outcome) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.callAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.callBackoff << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
			if taskID != "" && r.tasks != nil {
				if _, err := r.tasks.Update(ctx, taskID, func(tk *task.Task) error {
					tk.Attempts++
					return nil
				}); err != nil {
					r.log.Warn("记录重试次数失败", slog.String(logger.KeyTask, taskID), slog.Any("error", err))
				}
			}
		}
		resp, err := r.generate(ctx, a, taskID, req, out)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			return nil, err
		}
		r.log.Warn("大模型调用失败，准备重试",
			slog.String(logger.KeyTask, taskID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	if r.callAttempts > 1 {
		return nil, xerrors.Wrap(xerrors.CodeProvider, lastErr,
			fmt.Sprintf("大模型调用 %d 次均失败", r.callAttempts), xerrors.WithRetryable(false))
	}
	return nil, lastErr
}

// invokeError 在工具已产生副作用时把错误改为不可重试。
func (r *Runtime) invokeError(err error, out *Outcome) error {
	if !xerrors.RetryableError(err) || len(out.Delegated)+len(out.Payments) == 0 {
		return err
	}
	return xerrors.Wrap(xerrors.CodeProvider, err, "任务已产生委派或付款请求，不能从头重试",
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("delegated", strconv.Itoa(len(out.Delegated))),
		xerrors.WithMetadata("payments", strconv.Itoa(len(out.Payments))),
	)
}

func (r *Runtime) generate(ctx context.Context, a Agent, taskID string, req llm.Request, out *Outcome) (*llm.Response, error) {
	estimate := r.ledger.Pricing().Estimate(req.Model, estimateTokens(req), 0)
	if !r.ledger.Reserve(estimate) {
		return nil, xerrors.New(xerrors.CodeBudgetExceeded,
			fmt.Sprintf("花费已达到上限 $%.2f", r.ledger.Cap()),
			xerrors.WithMetadata(logger.KeyAgent, a.ID))
	}

	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	resp, err := r.client.Generate(callCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, xerrors.Provider(err, "大模型调用超时")
		}
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.Provider(stdErrors.New("empty response"), "大模型返回空响应")
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	usage := r.ledger.RecordUsage(a.ID, model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if out != nil {
		out.CostUSD += usage.CostUSD
	}
	if taskID != "" && r.tasks != nil && usage.CostUSD > 0 {
		if err := r.tasks.AddCost(ctx, taskID, usage.CostUSD); err != nil {
			r.log.Warn("记录任务花费失败", slog.String(logger.KeyTask, taskID), slog.Any("error", err))
		}
	}
	return resp, nil
}

// handleTool 执行一次工具调用，返回给模型的回复以及是否已经报告了最终结果。
// 工具层面的错误作为文本交还给模型，不会中断任务。
func (r *Runtime) handleTool(ctx context.Context, inv Invocation, call llm.ToolCall, out *Outcome) (string, bool) {
	switch call.Name {
	case ToolReportResult:
		var args reportArgs
		if err := decodeArgs(call, &args); err != nil {
			return "Error: " + err.Error(), false
		}
		out.Result = strings.TrimSpace(args.Result)
		out.Status = task.StatusDone
		if strings.EqualFold(strings.TrimSpace(args.Status), string(task.StatusFailed)) {
			out.Status = task.StatusFailed
		}
		return "Result recorded.", true

	case ToolDelegateTask:
		if r.delegator == nil {
			return "Error: delegation is not available", false
		}
		var args delegateArgs
		if err := decodeArgs(call, &args); err != nil {
			return "Error: " + err.Error(), false
		}
		child, err := r.delegator.Delegate(ctx, DelegateRequest{
			GoalRunID:   inv.Task.GoalRunID,
			ParentID:    inv.Task.ID,
			From:        inv.Agent,
			ToRole:      roleID(args.ToRole),
			Description: args.TaskDescription,
			DependsOn:   args.DependsOn,
		})
		if err != nil {
			return "Error: " + err.Error(), false
		}
		out.Delegated = append(out.Delegated, child.ID)
		return fmt.Sprintf("Delegated as task %s to %s.", child.ID, child.Role), false

	case ToolRequestPayment:
		if r.payments == nil {
			return "Error: payments are not enabled for this company", false
		}
		var args paymentArgs
		if err := decodeArgs(call, &args); err != nil {
			return "Error: " + err.Error(), false
		}
		req, err := r.payments.Enqueue(ctx, payment.EnqueueRequest{
			Agent:     inv.Agent.ID,
			GoalRunID: inv.Task.GoalRunID,
			TaskID:    inv.Task.ID,
			To:        args.ToAddress,
			Amount:    args.amount(),
			Chain:     args.Chain,
			Reason:    args.Reason,
		})
		if err != nil {
			return "Error: " + err.Error(), false
		}
		out.Payments = append(out.Payments, req.ID)
		return fmt.Sprintf("Payment request %s queued (%s %s on %s). It is pending the owner's approval.",
			req.ID, req.Amount, req.Token, req.Chain), false

	default:
		return fmt.Sprintf("Error: unknown tool %q", call.Name), false
	}
}

// estimateTokens 粗略估算请求的输入 token 数（约 4 个字符一个 token）。
func estimateTokens(req llm.Request) int64 {
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Content)
		for _, c := range m.ToolCalls {
			n += len(c.Arguments)
		}
	}
	return int64(n / 4)
}
