package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AgentCompany/internal/agent"
	"AgentCompany/internal/cost"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/internal/observability/alerting"
	"AgentCompany/internal/planner"
	"AgentCompany/internal/scheduler"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

const (
	// CodeCycleLimit 表示评审要求继续但周期数已用完。
	CodeCycleLimit xerrors.Code = "CYCLE_LIMIT_REACHED"
	// CodeRunEnded 标记运行结束时被放弃的未完成任务。
	CodeRunEnded xerrors.Code = "GOAL_RUN_ENDED"
)

func init() {
	xerrors.Register(CodeCycleLimit, xerrors.Attributes{
		Message:   "maximum number of cycles reached",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRunEnded, xerrors.Attributes{
		Message:   "task abandoned because the goal run ended",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Planner 是周期控制器依赖的规划能力。
type Planner interface {
	Plan(ctx context.Context, req planner.Request) (*planner.Result, error)
	SetTaskLimit(goalRunID string, maxTasks int)
	ReleaseRun(goalRunID string)
	Remaining(ctx context.Context, goalRunID string) (int, error)
}

// Scheduler 是周期控制器依赖的波次调度能力。
type Scheduler interface {
	Next(ctx context.Context, goalRunID string) ([]*task.Task, error)
	RunWave(ctx context.Context, req scheduler.WaveRequest, ready []*task.Task) (*scheduler.Wave, error)
}

// EventLog 用于在快照中记录并恢复事件序号，由 events.Bus 实现。
type EventLog interface {
	LastSeq() uint64
	Restore(seq uint64)
}

// Deps 汇集控制器的必需依赖。
type Deps struct {
	Tasks     task.Store
	Directory *agent.Directory
	Planner   Planner
	Scheduler Scheduler
	Completer planner.Completer
	Ledger    *cost.Ledger
}

// Controller 即 CycleController，一家公司一个实例。
type Controller struct {
	company   string
	deps      Deps
	snapshots SnapshotStore
	publisher events.Publisher
	eventLog  EventLog
	alerter   alerting.Dispatcher

	reviewAttempts int
	reviewBackoff  time.Duration

	log    *slog.Logger
	audit  *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu   sync.RWMutex
	runs map[string]*runState
}

type runState struct {
	mu   sync.RWMutex
	run  *GoalRun
	stop atomic.Bool
	done chan struct{}
}

func (s *runState) get() *GoalRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRun(s.run)
}

func (s *runState) update(fn func(r *GoalRun)) *GoalRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.run)
	return cloneRun(s.run)
}

// Option 配置 Controller。
type Option func(*Controller)

// WithSnapshotStore 设置快照存储。
func WithSnapshotStore(s SnapshotStore) Option {
	return func(c *Controller) {
		if s != nil {
			c.snapshots = s
		}
	}
}

// WithPublisher 设置事件发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithEventLog 设置快照中记录的事件序号来源。
func WithEventLog(l EventLog) Option {
	return func(c *Controller) { c.eventLog = l }
}

// WithAlerter 设置告警派发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(c *Controller) { c.alerter = d }
}

// WithReviewRetry 设置评审调用的最大尝试次数与初始退避。
func WithReviewRetry(attempts int, backoff time.Duration) Option {
	return func(c *Controller) {
		if attempts > 0 {
			c.reviewAttempts = attempts
		}
		if backoff >= 0 {
			c.reviewBackoff = backoff
		}
	}
}

// WithLogger 设置运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
		c.audit = audit
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController 创建周期控制器。
func NewController(company string, deps Deps, opts ...Option) (*Controller, error) {
	if deps.Tasks == nil || deps.Directory == nil || deps.Planner == nil || deps.Scheduler == nil || deps.Completer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期控制器缺少必需依赖")
	}
	if deps.Ledger == nil {
		deps.Ledger = cost.NewLedger()
	}
	c := &Controller{
		company:        company,
		deps:           deps,
		snapshots:      NewMemorySnapshotStore(),
		publisher:      events.Nop,
		reviewAttempts: 3,
		reviewBackoff:  time.Second,
		tracer:         otel.Tracer("AgentCompany/internal/cycle"),
		now:            func() time.Time { return time.Now().UTC() },
		runs:           make(map[string]*runState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = logger.Or(c.log, "cycle")
	if c.audit == nil {
		c.audit = logger.Audit()
	}
	return c, nil
}

// Start 创建目标运行并在后台驱动它。ctx 决定运行的生命周期，取消后运行停在
// 当前检查点，可以从快照恢复。
func (c *Controller) Start(ctx context.Context, goal string, limits Limits) (*GoalRun, error) {
	if goal == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}
	coord, ok := c.deps.Directory.Coordinator()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoAgentForRole, "没有智能体担任根角色 "+string(c.deps.Directory.Graph().Root()))
	}
	now := c.now()
	run := &GoalRun{
		ID:          uuid.NewString(),
		Company:     c.company,
		Goal:        goal,
		Coordinator: coord.ID,
		Limits:      limits.Normalize(),
		StartedAt:   now,
		ResumedAt:   now,
	}
	startCycle(run, now)
	st := &runState{run: run, done: make(chan struct{})}

	c.mu.Lock()
	c.runs[run.ID] = st
	c.mu.Unlock()

	c.publish(events.TopicGoalStarted, run.ID, map[string]any{
		"goal":   goal,
		"limits": run.Limits,
	})
	c.audit.Info("目标运行开始",
		slog.String(logger.KeyCompany, c.company),
		slog.String(logger.KeyGoalRun, run.ID),
		slog.String("goal", goal),
	)
	c.snapshot(ctx, st)
	go c.drive(ctx, st)
	return st.get(), nil
}

// Run 同步执行一个目标运行直到结束。
func (c *Controller) Run(ctx context.Context, goal string, limits Limits) (*GoalRun, error) {
	run, err := c.Start(ctx, goal, limits)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, run.ID)
}

// Wait 等待运行的驱动协程退出。
func (c *Controller) Wait(ctx context.Context, goalRunID string) (*GoalRun, error) {
	st, ok := c.state(goalRunID)
	if !ok {
		return nil, ErrRunNotFound
	}
	select {
	case <-st.done:
		return st.get(), nil
	case <-ctx.Done():
		return st.get(), ctx.Err()
	}
}

// Stop 请求在下一个检查点停止运行，结果为 failed，原因为 "stopped by operator"。
func (c *Controller) Stop(goalRunID string) error {
	st, ok := c.state(goalRunID)
	if !ok {
		return ErrRunNotFound
	}
	if st.get().Terminal() {
		return ErrRunFinished
	}
	st.stop.Store(true)
	c.audit.Info("操作员请求停止目标运行",
		slog.String(logger.KeyCompany, c.company),
		slog.String(logger.KeyGoalRun, goalRunID),
	)
	return nil
}

// Resume 从快照恢复一个未结束的运行，并从记录的阶段继续。
func (c *Controller) Resume(ctx context.Context, goalRunID string) (*GoalRun, error) {
	if st, ok := c.state(goalRunID); ok {
		select {
		case <-st.done:
		default:
			return nil, ErrRunActive
		}
	}
	snap, err := c.snapshots.Load(ctx, goalRunID)
	if err != nil {
		if xerrors.Is(err, xerrors.CodeNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	if snap.Run.Terminal() {
		return nil, ErrRunFinished
	}
	if err := c.deps.Tasks.Restore(ctx, PrepareResume(snap.Tasks)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复任务失败")
	}
	c.deps.Ledger.Restore(snap.Ledger)
	if c.eventLog != nil {
		c.eventLog.Restore(snap.EventSeq)
	}

	run := cloneRun(snap.Run)
	run.ElapsedBefore = run.Elapsed(snap.SavedAt)
	run.ResumedAt = c.now()
	if run.Phase == "" {
		run.Phase = PhasePlanning
	}
	st := &runState{run: run, done: make(chan struct{})}
	c.mu.Lock()
	c.runs[run.ID] = st
	c.mu.Unlock()

	c.publish(events.TopicGoalStarted, run.ID, map[string]any{"goal": run.Goal, "resumed": true, "phase": string(run.Phase)})
	c.audit.Info("目标运行已恢复",
		slog.String(logger.KeyCompany, c.company),
		slog.String(logger.KeyGoalRun, run.ID),
		slog.String("phase", string(run.Phase)),
		slog.Int(logger.KeyCycle, run.Cycle),
	)
	go c.drive(ctx, st)
	return st.get(), nil
}

// Get 返回运行的当前状态；不在内存中时读取快照。
func (c *Controller) Get(ctx context.Context, goalRunID string) (*GoalRun, error) {
	if st, ok := c.state(goalRunID); ok {
		return st.get(), nil
	}
	snap, err := c.snapshots.Load(ctx, goalRunID)
	if err != nil {
		return nil, ErrRunNotFound
	}
	return snap.Run, nil
}

// List 返回内存中与快照中的全部运行，按开始时间排序。
func (c *Controller) List(ctx context.Context) ([]*GoalRun, error) {
	seen := make(map[string]bool)
	var out []*GoalRun
	c.mu.RLock()
	for id, st := range c.runs {
		seen[id] = true
		out = append(out, st.get())
	}
	c.mu.RUnlock()
	stored, err := c.snapshots.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range stored {
		if !seen[r.ID] && r.Company == c.company {
			out = append(out, r)
		}
	}
	SortRuns(out)
	return out, nil
}

// GoalSummary 返回运行的任务进度摘要。
func (c *Controller) GoalSummary(ctx context.Context, goalRunID string) (string, error) {
	tasks, err := c.deps.Tasks.RunTasks(ctx, goalRunID)
	if err != nil {
		return "", err
	}
	return Summary(tasks), nil
}

func (c *Controller) state(id string) (*runState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.runs[id]
	return st, ok
}

// drive 是运行的主循环，每次迭代推进一个阶段。
func (c *Controller) drive(ctx context.Context, st *runState) {
	defer close(st.done)
	run := st.get()
	ctx, span := c.tracer.Start(ctx, "goal.run", trace.WithAttributes(
		attribute.String("company", c.company),
		attribute.String("goal_run.id", run.ID),
	))
	defer func() {
		final := st.get()
		span.SetAttributes(
			attribute.String("goal_run.outcome", string(final.Outcome)),
			attribute.Int("goal_run.cycles", final.Cycle),
		)
		if final.Outcome == OutcomeFailed {
			span.SetStatus(codes.Error, final.Reason)
		}
		span.End()
	}()

	c.deps.Planner.SetTaskLimit(run.ID, run.Limits.MaxTotalTasks)
	defer c.deps.Planner.ReleaseRun(run.ID)

	var cycleSpan trace.Span
	cycleCtx, spanCycle := ctx, -1
	defer func() {
		if cycleSpan != nil {
			cycleSpan.End()
		}
	}()

	for {
		if ctx.Err() != nil {
			c.log.Warn("目标运行被中断，可从快照恢复", slog.String(logger.KeyGoalRun, run.ID))
			return
		}
		cur := st.get()
		if cur.Terminal() {
			return
		}
		if cur.Cycle != spanCycle {
			if cycleSpan != nil {
				cycleSpan.End()
			}
			cycleCtx, cycleSpan = c.tracer.Start(ctx, "cycle."+strconv.Itoa(cur.Cycle))
			spanCycle = cur.Cycle
		}
		switch cur.Phase {
		case PhasePlanning:
			c.planPhase(cycleCtx, st)
		case PhaseExecuting:
			c.executePhase(cycleCtx, st)
		case PhaseReviewing:
			c.reviewPhase(cycleCtx, st)
		default:
			return
		}
	}
}

func startCycle(run *GoalRun, now time.Time) {
	run.Cycle++
	run.Phase = PhasePlanning
	run.Cycles = append(run.Cycles, CycleRecord{Number: run.Cycle, Phase: PhasePlanning, StartedAt: now})
}

func (c *Controller) planPhase(ctx context.Context, st *runState) {
	if c.halted(ctx, st) {
		return
	}
	run := st.get()
	c.publish(events.TopicCycleStarted, run.ID, map[string]any{"cycle": run.Cycle})

	coord, ok := c.deps.Directory.Get(run.Coordinator)
	if !ok {
		coord, _ = c.deps.Directory.Coordinator()
	}
	progress := ""
	if run.Cycle > 1 {
		progress, _ = c.GoalSummary(ctx, run.ID)
	}
	res, err := c.deps.Planner.Plan(ctx, planner.Request{
		GoalRunID:  run.ID,
		Goal:       run.Goal,
		Instructor: coord,
		Context:    progress,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.finish(ctx, st, OutcomeFailed, xerrors.CodeOf(err), err.Error())
		return
	}
	c.setPhase(ctx, st, PhaseExecuting, func(r *GoalRun) {
		rec := r.current()
		rec.Planned += len(res.Created)
		rec.Warnings = append(rec.Warnings, res.Warnings...)
	})
}

func (c *Controller) executePhase(ctx context.Context, st *runState) {
	for {
		if c.halted(ctx, st) {
			return
		}
		run := st.get()
		rec := run.current()
		if len(rec.Waves) >= run.Limits.MaxWavesPerCycle {
			c.log.Info("本周期波次数已达上限，提前进入评审",
				slog.String(logger.KeyGoalRun, run.ID),
				slog.Int(logger.KeyCycle, run.Cycle),
				slog.Int("max_waves", run.Limits.MaxWavesPerCycle),
			)
			break
		}
		ready, err := c.deps.Scheduler.Next(ctx, run.ID)
		if err != nil {
			c.finish(ctx, st, OutcomeFailed, xerrors.CodeStorageFailure, "计算就绪任务失败: "+err.Error())
			return
		}
		if len(ready) == 0 {
			break
		}
		wave, err := c.deps.Scheduler.RunWave(ctx, scheduler.WaveRequest{
			GoalRunID: run.ID,
			Goal:      run.Goal,
			Cycle:     run.Cycle,
			Number:    len(rec.Waves) + 1,
		}, ready)
		if wave != nil {
			st.update(func(r *GoalRun) {
				cur := r.current()
				cur.Waves = append(cur.Waves, *wave)
			})
			c.snapshot(ctx, st)
		}
		if err != nil {
			c.finish(ctx, st, OutcomeFailed, xerrors.CodeOf(err), "执行波次失败: "+err.Error())
			return
		}
	}
	c.setPhase(ctx, st, PhaseReviewing, nil)
}

func (c *Controller) reviewPhase(ctx context.Context, st *runState) {
	if c.halted(ctx, st) {
		return
	}
	run := st.get()
	summary, err := c.GoalSummary(ctx, run.ID)
	if err != nil {
		c.finish(ctx, st, OutcomeFailed, xerrors.CodeStorageFailure, "生成进度摘要失败: "+err.Error())
		return
	}
	decision, reason, err := c.review(ctx, run, summary)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.finish(ctx, st, OutcomeFailed, xerrors.CodeOf(err), err.Error())
		return
	}

	now := c.now()
	run = st.update(func(r *GoalRun) {
		rec := r.current()
		rec.Decision = decision
		rec.Review = reason
		rec.EndedAt = &now
	})
	rec := run.current()
	waves := 0
	if rec != nil {
		waves = len(rec.Waves)
	}
	c.publish(events.TopicCycleCompleted, run.ID, map[string]any{
		"cycle":    run.Cycle,
		"decision": string(decision),
		"waves":    waves,
		"reason":   reason,
	})
	c.log.Info("周期评审完成",
		slog.String(logger.KeyGoalRun, run.ID),
		slog.Int(logger.KeyCycle, run.Cycle),
		slog.String("decision", string(decision)),
	)

	switch decision {
	case DecisionDone:
		if reason == "" {
			reason = "goal achieved"
		}
		c.finish(ctx, st, OutcomeDone, "", reason)
	case DecisionFailed:
		if reason == "" {
			reason = "coordinator judged the goal unachievable"
		}
		c.finish(ctx, st, OutcomeFailed, "", reason)
	default:
		if run.Cycle >= run.Limits.MaxCycles {
			c.finish(ctx, st, OutcomeAbortedByLimit, CodeCycleLimit,
				fmt.Sprintf("max cycles reached (%d)", run.Limits.MaxCycles))
			return
		}
		remaining, err := c.deps.Planner.Remaining(ctx, run.ID)
		if err == nil && remaining == 0 {
			c.finish(ctx, st, OutcomeAbortedByLimit, xerrors.CodeTaskLimit,
				fmt.Sprintf("task cap reached (%d tasks); no further tasks can be created", run.Limits.MaxTotalTasks))
			return
		}
		st.update(func(r *GoalRun) { startCycle(r, c.now()) })
		c.snapshot(ctx, st)
	}
}

// review 调用协调智能体评审。提供方错误按指数退避重试，回复无法识别时直接失败。
func (c *Controller) review(ctx context.Context, run *GoalRun, summary string) (Decision, string, error) {
	ctx, span := c.tracer.Start(ctx, "cycle.review", trace.WithAttributes(
		attribute.String("goal_run.id", run.ID),
		attribute.Int("cycle", run.Cycle),
	))
	defer span.End()

	coord, ok := c.deps.Directory.Get(run.Coordinator)
	if !ok {
		coord, _ = c.deps.Directory.Coordinator()
	}
	prompt := reviewPrompt(run.Goal, summary, run.Cycle, run.Limits.MaxCycles)
	var lastErr error
	for attempt := 0; attempt < c.reviewAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.reviewBackoff << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", "", ctx.Err()
			case <-timer.C:
			}
		}
		text, err := c.deps.Completer.Complete(ctx, agent.CompleteRequest{Agent: coord, Goal: run.Goal, Prompt: prompt})
		if err != nil {
			lastErr = err
			if xerrors.RetryableError(err) {
				continue
			}
			break
		}
		decision, reason, perr := ParseDecision(text)
		if perr != nil {
			span.RecordError(perr)
			span.SetStatus(codes.Error, "invalid review")
			return "", "", perr
		}
		span.SetAttributes(attribute.String("cycle.decision", string(decision)))
		return decision, reason, nil
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "review failed")
	return "", "", lastErr
}

// halted 在开始新波次或新周期之前检查停止请求与限额，触发时结束运行并返回 true。
func (c *Controller) halted(ctx context.Context, st *runState) bool {
	if ctx.Err() != nil {
		return true
	}
	run := st.get()
	if run.Terminal() {
		return true
	}
	if st.stop.Load() {
		c.finish(ctx, st, OutcomeFailed, "", StoppedByOperator)
		return true
	}
	if elapsed := run.Elapsed(c.now()); elapsed >= run.Limits.MaxTime() {
		c.finish(ctx, st, OutcomeAbortedByLimit, xerrors.CodeTimeExceeded,
			fmt.Sprintf("time limit reached (%ds)", run.Limits.MaxTimeSeconds))
		return true
	}
	if c.deps.Ledger.Exceeded(run.Limits.MaxCostUSD) {
		c.finish(ctx, st, OutcomeAbortedByLimit, xerrors.CodeBudgetExceeded,
			fmt.Sprintf("cost cap reached ($%.2f spent of $%.2f)", c.deps.Ledger.Total(), run.Limits.MaxCostUSD))
		return true
	}
	return false
}

func (c *Controller) setPhase(ctx context.Context, st *runState, phase Phase, fn func(r *GoalRun)) {
	run := st.update(func(r *GoalRun) {
		r.Phase = phase
		if rec := r.current(); rec != nil {
			rec.Phase = phase
		}
		if fn != nil {
			fn(r)
		}
	})
	c.publish(events.TopicCyclePhase, run.ID, map[string]any{"cycle": run.Cycle, "phase": string(phase)})
	c.snapshot(ctx, st)
}

// finish 写入终态。仍未结束的任务以 GOAL_RUN_ENDED 失败，保证运行结束后没有悬挂任务。
func (c *Controller) finish(ctx context.Context, st *runState, outcome Outcome, code xerrors.Code, reason string) {
	ctx = context.WithoutCancel(ctx)
	run := st.get()
	c.abandonOpenTasks(ctx, run.ID)

	now := c.now()
	run = st.update(func(r *GoalRun) {
		r.Outcome = outcome
		r.Reason = reason
		r.ErrorCode = string(code)
		r.Phase = PhaseFinished
		r.EndedAt = &now
		if rec := r.current(); rec != nil && rec.EndedAt == nil {
			rec.EndedAt = &now
		}
	})

	c.publish(events.TopicGoalCompleted, run.ID, map[string]any{
		"outcome":    string(outcome),
		"reason":     reason,
		"error_code": string(code),
		"cycles":     run.Cycle,
		"cost_usd":   c.deps.Ledger.Total(),
	})
	level := slog.LevelInfo
	if outcome != OutcomeDone {
		level = slog.LevelWarn
	}
	c.audit.Log(ctx, level, "目标运行结束",
		slog.String(logger.KeyCompany, c.company),
		slog.String(logger.KeyGoalRun, run.ID),
		slog.String("outcome", string(outcome)),
		slog.String("reason", reason),
		slog.Int(logger.KeyCycle, run.Cycle),
		slog.Duration("elapsed", run.Elapsed(now)),
	)
	if outcome == OutcomeAbortedByLimit || (outcome == OutcomeFailed && code != "") {
		ev := alerting.FromError(xerrors.New(code, reason), "goal.run")
		ev.Company = c.company
		ev.GoalRunID = run.ID
		alerting.Emit(ctx, c.alerter, ev)
	}
	c.snapshot(ctx, st)
}

func (c *Controller) abandonOpenTasks(ctx context.Context, goalRunID string) {
	tasks, err := c.deps.Tasks.RunTasks(ctx, goalRunID)
	if err != nil {
		c.log.Error("读取运行任务失败", slog.String(logger.KeyGoalRun, goalRunID), slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		if t.IsTerminal() || !task.CanTransition(t.Status, task.StatusFailed) {
			continue
		}
		if _, err := c.deps.Tasks.Transition(ctx, t.ID, task.StatusFailed,
			task.WithFailure(CodeRunEnded, "abandoned: goal run ended"), task.ClearingPendingResult()); err != nil {
			c.log.Warn("放弃未完成任务失败", slog.String(logger.KeyTask, t.ID), slog.Any("error", err))
		}
	}
}

func (c *Controller) snapshot(ctx context.Context, st *runState) {
	ctx = context.WithoutCancel(ctx)
	run := st.get()
	tasks, err := c.deps.Tasks.RunTasks(ctx, run.ID)
	if err != nil {
		c.log.Error("读取快照任务失败", slog.String(logger.KeyGoalRun, run.ID), slog.Any("error", err))
		return
	}
	snap := &Snapshot{
		Run:     run,
		Tasks:   tasks,
		Ledger:  c.deps.Ledger.State(),
		SavedAt: c.now(),
	}
	if c.eventLog != nil {
		snap.EventSeq = c.eventLog.LastSeq()
	}
	if err := c.snapshots.Save(ctx, snap); err != nil {
		c.log.Error("保存快照失败", slog.String(logger.KeyGoalRun, run.ID), slog.Any("error", err))
	}
}

func (c *Controller) publish(topic events.Topic, runID string, payload map[string]any) {
	c.publisher.Publish(events.Event{Topic: topic, GoalRunID: runID, Payload: payload})
}
