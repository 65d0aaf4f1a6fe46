// Package scheduler 实现按波次并发执行就绪任务的 WaveScheduler。
//
// 一个波次内的任务互相独立，各自在自己的 goroutine 中调用智能体；调度器只在
// 记账时短暂持锁，从不在调用大模型期间持有任何锁。波次之间调度器负责结算
// 等待子任务的父任务。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"AgentCompany/internal/agent"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/internal/observability/alerting"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

const (
	// CodeAgentReportedFailure 表示智能体通过 report_result 主动报告失败。
	CodeAgentReportedFailure xerrors.Code = "AGENT_REPORTED_FAILURE"
	// CodeChildFailed 表示子任务失败且没有被恢复。
	CodeChildFailed xerrors.Code = "CHILD_TASK_FAILED"

	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	defaultTaskTimeout = 300 * time.Second
)

func init() {
	xerrors.Register(CodeAgentReportedFailure, xerrors.Attributes{
		Message:   "agent reported task failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeChildFailed, xerrors.Attributes{
		Message:   "child task failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Invoker 是 invokeAgent 能力，由 agent.Runtime 实现。
type Invoker interface {
	Invoke(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error)
}

// Recoverer 在子任务失败时尝试创建替代任务，由 planner.Planner 实现。
type Recoverer interface {
	Recover(ctx context.Context, parent, failed *task.Task) (*task.Task, error)
}

// Reviewer 审核进入 review 状态的任务。accept 为 false 时任务带着 feedback 返工。
type Reviewer interface {
	Review(ctx context.Context, t *task.Task) (accept bool, feedback string, err error)
}

// ReviewerFunc 允许用函数实现 Reviewer。
type ReviewerFunc func(ctx context.Context, t *task.Task) (bool, string, error)

// Review 实现 Reviewer。
func (f ReviewerFunc) Review(ctx context.Context, t *task.Task) (bool, string, error) {
	return f(ctx, t)
}

// WaveRequest 描述一次波次执行。
type WaveRequest struct {
	GoalRunID string
	Goal      string
	Cycle     int
	Number    int
}

// Wave 是一个波次的执行记录。
type Wave struct {
	Cycle       int       `json:"cycle"`
	Number      int       `json:"number"`
	TaskIDs     []string  `json:"task_ids"`
	Done        int       `json:"done"`
	Failed      int       `json:"failed"`
	Waiting     int       `json:"waiting"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Scheduler 即 WaveScheduler。
type Scheduler struct {
	tasks       task.Store
	directory   *agent.Directory
	invoker     Invoker
	recoverer   Recoverer
	reviewer    Reviewer
	maxReworks  int
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	publisher   events.Publisher
	alerter     alerting.Dispatcher
	company     string
	log         *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithRecoverer 设置子任务失败时的恢复方。
func WithRecoverer(r Recoverer) Option {
	return func(s *Scheduler) { s.recoverer = r }
}

// WithReviewer 设置任务级评审与最大返工次数，maxReworks 为 0 时自动通过。
func WithReviewer(r Reviewer, maxReworks int) Option {
	return func(s *Scheduler) {
		s.reviewer = r
		if maxReworks >= 0 {
			s.maxReworks = maxReworks
		}
	}
}

// WithTaskTimeout 设置单个任务的执行超时。
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetry 设置提供方错误的最大尝试次数与初始退避。
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Scheduler) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// WithPublisher 设置事件发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithAlerter 设置告警派发器。
func WithAlerter(company string, d alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.company = company
		s.alerter = d
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New 创建 Scheduler。
func New(tasks task.Store, directory *agent.Directory, invoker Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:       tasks,
		directory:   directory,
		invoker:     invoker,
		timeout:     defaultTaskTimeout,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		publisher:   events.Nop,
		tracer:      otel.Tracer("AgentCompany/internal/scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = logger.Or(s.log, "scheduler")
	return s
}

// Next 先结算等待子任务的父任务，再返回当前就绪的任务。
func (s *Scheduler) Next(ctx context.Context, goalRunID string) ([]*task.Task, error) {
	if err := s.Settle(ctx, goalRunID); err != nil {
		return nil, err
	}
	return s.tasks.Ready(ctx, goalRunID)
}

// InFlight 返回处于 in_progress 或 review 的任务数量。
func (s *Scheduler) InFlight(ctx context.Context, goalRunID string) (int, error) {
	stats, err := s.tasks.Stats(ctx, task.BuildListOptions(task.WithGoalRun(goalRunID)))
	if err != nil {
		return 0, err
	}
	return int(stats.InProgress + stats.Review), nil
}

// RunWave 并发执行 ready 中的全部任务，等待它们全部结束后结算父任务。
// 单个任务的失败只影响该任务，不会中断同一波次的其他任务。
func (s *Scheduler) RunWave(ctx context.Context, req WaveRequest, ready []*task.Task) (*Wave, error) {
	ctx, span := s.tracer.Start(ctx, "wave", trace.WithAttributes(
		attribute.String("goal_run.id", req.GoalRunID),
		attribute.Int("cycle", req.Cycle),
		attribute.Int("wave", req.Number),
		attribute.Int("wave.size", len(ready)),
	))
	defer span.End()

	wave := &Wave{Cycle: req.Cycle, Number: req.Number, StartedAt: s.now()}
	for _, t := range ready {
		wave.TaskIDs = append(wave.TaskIDs, t.ID)
	}
	log := s.log.With(
		slog.String(logger.KeyGoalRun, req.GoalRunID),
		slog.Int(logger.KeyCycle, req.Cycle),
		slog.Int(logger.KeyWave, req.Number),
	)
	log.Info("波次开始", slog.Int("tasks", len(ready)))

	var mu sync.Mutex
	var g errgroup.Group
	for _, t := range ready {
		t := t
		g.Go(func() error {
			final := s.execute(ctx, req, t)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case final == nil:
			case final.Status == task.StatusDone:
				wave.Done++
			case final.Status == task.StatusFailed:
				wave.Failed++
			default:
				wave.Waiting++
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := s.Settle(ctx, req.GoalRunID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle")
		return wave, err
	}
	wave.CompletedAt = s.now()
	s.publisher.Publish(events.Event{
		Topic:     events.TopicCycleWave,
		GoalRunID: req.GoalRunID,
		Payload: map[string]any{
			"cycle":    req.Cycle,
			"wave":     req.Number,
			"task_ids": append([]string(nil), wave.TaskIDs...),
			"done":     wave.Done,
			"failed":   wave.Failed,
			"waiting":  wave.Waiting,
		},
	})
	log.Info("波次结束",
		slog.Int("done", wave.Done),
		slog.Int("failed", wave.Failed),
		slog.Int("waiting", wave.Waiting),
		slog.Duration("elapsed", wave.CompletedAt.Sub(wave.StartedAt)),
	)
	return wave, nil
}

// execute 驱动单个任务直到进入终态或等待子任务，返回最终的任务快照。
func (s *Scheduler) execute(ctx context.Context, req WaveRequest, t *task.Task) *task.Task {
	ctx, span := s.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.role", string(t.Role)),
	))
	defer span.End()

	log := s.log.With(slog.String(logger.KeyGoalRun, t.GoalRunID), slog.String(logger.KeyTask, t.ID))

	a, cur, err := s.claim(ctx, t)
	if err != nil {
		log.Warn("任务无法开始", slog.Any("error", err))
		span.RecordError(err)
		return cur
	}
	span.SetAttributes(attribute.String("task.agent", a.ID))

	inv := agent.Invocation{Task: cur, Agent: a, Goal: req.Goal, Context: s.contextFor(ctx, cur)}
	for {
		outcome, err := s.invoke(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
			return s.fail(ctx, cur, err)
		}

		if outcome.Status == task.StatusFailed {
			reason := outcome.Result
			if reason == "" {
				reason = "agent reported failure"
			}
			final, terr := s.tasks.Transition(ctx, cur.ID, task.StatusFailed,
				task.WithResult(outcome.Result),
				task.WithFailure(CodeAgentReportedFailure, reason))
			if terr != nil {
				log.Error("记录任务失败出错", slog.Any("error", terr))
				return cur
			}
			return final
		}

		children, cerr := s.tasks.Children(ctx, cur.ID)
		if cerr != nil {
			log.Error("查询子任务失败", slog.Any("error", cerr))
		}
		if len(children) > 0 {
			waiting, uerr := s.tasks.Update(ctx, cur.ID, func(tk *task.Task) error {
				tk.PendingResult = outcome.Result
				return nil
			})
			if uerr != nil {
				log.Error("记录待定结果失败", slog.Any("error", uerr))
				return cur
			}
			log.Debug("任务等待子任务完成", slog.Int("children", len(children)))
			return waiting
		}

		reviewed, terr := s.tasks.Transition(ctx, cur.ID, task.StatusReview, task.WithResult(outcome.Result))
		if terr != nil {
			log.Error("任务进入评审失败", slog.Any("error", terr))
			return cur
		}
		accept, feedback := s.review(ctx, reviewed)
		if accept {
			final, terr := s.tasks.Transition(ctx, cur.ID, task.StatusDone)
			if terr != nil {
				log.Error("任务完成失败", slog.Any("error", terr))
				return reviewed
			}
			return final
		}

		cur, terr = s.tasks.Transition(ctx, cur.ID, task.StatusInProgress)
		if terr != nil {
			log.Error("任务返工失败", slog.Any("error", terr))
			return reviewed
		}
		log.Info("任务返工", slog.Int("reworks", cur.Reworks), slog.String("feedback", task.Truncate(feedback, 200)))
		inv.Task = cur
		if feedback != "" {
			inv.Context = strings.TrimSpace(inv.Context + "\n\nREVIEW FEEDBACK: " + feedback)
		}
	}
}

// claim 确认执行者并把任务迁移到 in_progress。
func (s *Scheduler) claim(ctx context.Context, t *task.Task) (agent.Agent, *task.Task, error) {
	cur := t
	var a agent.Agent
	var ok bool
	if cur.Assignee != "" {
		a, ok = s.directory.Get(cur.Assignee)
	}
	if !ok {
		a, ok = s.directory.ForRole(cur.Role)
	}
	if !ok {
		err := xerrors.New(xerrors.CodeNoAgentForRole, fmt.Sprintf("no agent holds role %s", cur.Role))
		return a, s.fail(ctx, cur, err), err
	}
	if cur.Status == task.StatusPending {
		assigned, err := s.tasks.Assign(ctx, cur.ID, a.ID)
		if err != nil {
			return a, cur, err
		}
		cur = assigned
	}
	started, err := s.tasks.Transition(ctx, cur.ID, task.StatusInProgress)
	if err != nil {
		return a, cur, err
	}
	return a, started, nil
}

type invokeResult struct {
	outcome *agent.Outcome
	err     error
}

// invoke 在独立 goroutine 中带重试地调用智能体。超时后立即返回 EXECUTION_TIMEOUT，
// 迟到的结果被丢弃。
func (s *Scheduler) invoke(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		out, err := s.invokeWithRetry(callCtx, inv)
		done <- invokeResult{outcome: out, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionTimeout, res.err,
				fmt.Sprintf("任务执行超过 %s", s.timeout),
				xerrors.WithMetadata(logger.KeyTask, inv.Task.ID))
		}
		if res.err == nil && res.outcome == nil {
			return nil, xerrors.Provider(fmt.Errorf("empty outcome"), "智能体没有返回结果")
		}
		return res.outcome, res.err
	case <-timer.C:
		return nil, xerrors.New(xerrors.CodeExecutionTimeout,
			fmt.Sprintf("任务执行超过 %s", s.timeout),
			xerrors.WithMetadata(logger.KeyTask, inv.Task.ID))
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeExecutionTimeout, ctx.Err(), "任务执行被取消")
	}
}

func (s *Scheduler) invokeWithRetry(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := s.backoff << (attempt - 1)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
			if _, err := s.tasks.Update(ctx, inv.Task.ID, func(tk *task.Task) error {
				tk.Attempts++
				return nil
			}); err != nil {
				s.log.Warn("记录重试次数失败", slog.String(logger.KeyTask, inv.Task.ID), slog.Any("error", err))
			}
		}
		out, err := s.invoker.Invoke(ctx, inv)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			return nil, err
		}
		s.log.Warn("智能体调用失败，准备重试",
			slog.String(logger.KeyTask, inv.Task.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return nil, lastErr
}

// review 返回是否接受任务结果。没有评审者或返工次数用尽时自动接受。
func (s *Scheduler) review(ctx context.Context, t *task.Task) (bool, string) {
	if s.reviewer == nil || t.Reworks >= s.maxReworks {
		return true, ""
	}
	accept, feedback, err := s.reviewer.Review(ctx, t)
	if err != nil {
		s.log.Warn("任务评审失败，按通过处理", slog.String(logger.KeyTask, t.ID), slog.Any("error", err))
		return true, ""
	}
	return accept, feedback
}

func (s *Scheduler) fail(ctx context.Context, t *task.Task, cause error) *task.Task {
	final, err := s.tasks.Transition(ctx, t.ID, task.StatusFailed, task.WithFailureError(cause))
	if err != nil {
		s.log.Error("标记任务失败出错", slog.String(logger.KeyTask, t.ID), slog.Any("error", err))
		return t
	}
	ev := alerting.FromError(cause, "task.execute")
	ev.Company = s.company
	ev.GoalRunID = t.GoalRunID
	ev.TaskID = t.ID
	alerting.Emit(ctx, s.alerter, ev)
	return final
}

// contextFor 汇总依赖任务与父任务的结果作为执行上下文。
func (s *Scheduler) contextFor(ctx context.Context, t *task.Task) string {
	var b strings.Builder
	if t.ParentID != "" {
		if parent, err := s.tasks.Get(ctx, t.ParentID); err == nil {
			fmt.Fprintf(&b, "This is a sub-task of %s: %s\n", parent.ID, task.Truncate(parent.Description, 200))
		}
	}
	for _, dep := range t.DependsOn {
		d, err := s.tasks.Get(ctx, dep)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "Result of prerequisite %s (%s): %s\n", d.ID, task.Truncate(d.Description, 80), task.Truncate(d.Result, 600))
	}
	return b.String()
}
