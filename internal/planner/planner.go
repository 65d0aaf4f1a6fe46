// Package planner 把协调智能体的自由文本规划转换为经过校验的任务图。
//
// 规划器同时处理执行过程中的子委派与失败子任务的替代，所有写入都经过
// RoleGraph 与 TaskStore 的同一套校验。
package planner

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

	"AgentCompany/internal/agent"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/role"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// Completer 是单轮调用大模型的能力，由 agent.Runtime 实现。
type Completer interface {
	Complete(ctx context.Context, req agent.CompleteRequest) (string, error)
}

// Request 是一次规划请求。
type Request struct {
	GoalRunID  string
	Goal       string
	Instructor agent.Agent
	ParentID   string
	Context    string
}

// Result 汇总规划产出。
type Result struct {
	Proposed  []ProposedTask `json:"proposed"`
	Created   []*task.Task   `json:"created"`
	Warnings  []string       `json:"warnings,omitempty"`
	Truncated int            `json:"truncated,omitempty"`
	Attempts  int            `json:"attempts"`
}

// Planner 即 DelegationPlanner。
type Planner struct {
	tasks       task.Store
	directory   *agent.Directory
	completer   Completer
	recovery    task.RecoveryHook
	maxAttempts int
	backoff     time.Duration
	sleep       func(context.Context, time.Duration) error
	log         *slog.Logger
	tracer      trace.Tracer

	// createMu 串行化“计数 + 创建”，保证并发的子委派不会突破任务上限。
	createMu sync.Mutex
	limitMu  sync.RWMutex
	limits   map[string]int
}

// Option 配置 Planner。
type Option func(*Planner)

// WithRecoveryHook 设置子任务失败时的恢复策略。
func WithRecoveryHook(h task.RecoveryHook) Option {
	return func(p *Planner) { p.recovery = h }
}

// WithRetry 设置规划调用的最大尝试次数与初始退避。
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(p *Planner) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// New 创建 Planner。
func New(tasks task.Store, directory *agent.Directory, completer Completer, opts ...Option) *Planner {
	p := &Planner{
		tasks:       tasks,
		directory:   directory,
		completer:   completer,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		sleep:       sleepCtx,
		limits:      make(map[string]int),
		tracer:      otel.Tracer("AgentCompany/internal/planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.log = logger.Or(p.log, "planner")
	return p
}

// SetTaskLimit 记录某次目标运行的任务上限，maxTasks <= 0 表示不限。
func (p *Planner) SetTaskLimit(goalRunID string, maxTasks int) {
	p.limitMu.Lock()
	defer p.limitMu.Unlock()
	if maxTasks <= 0 {
		delete(p.limits, goalRunID)
		return
	}
	p.limits[goalRunID] = maxTasks
}

// ReleaseRun 清理目标运行结束后的上限记录。
func (p *Planner) ReleaseRun(goalRunID string) {
	p.SetTaskLimit(goalRunID, 0)
}

// Remaining 返回目标运行还能创建的任务数，不限时返回 -1。
func (p *Planner) Remaining(ctx context.Context, goalRunID string) (int, error) {
	p.limitMu.RLock()
	limit, ok := p.limits[goalRunID]
	p.limitMu.RUnlock()
	if !ok {
		return -1, nil
	}
	count, err := p.tasks.Count(ctx, goalRunID)
	if err != nil {
		return 0, err
	}
	if count >= limit {
		return 0, nil
	}
	return limit - count, nil
}

// Plan 调用一次规划能力并把结果写入任务仓库。规划调用失败或输出无法解析时按指数退避
// 重试，超过尝试次数返回 PLANNING_FAILED。越权的委派边被丢弃并记录为警告。
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "planner.plan", trace.WithAttributes(
		attribute.String("goal_run.id", req.GoalRunID),
		attribute.String("planner.instructor", req.Instructor.ID),
	))
	defer span.End()

	log := p.log.With(slog.String(logger.KeyGoalRun, req.GoalRunID), slog.String(logger.KeyAgent, req.Instructor.ID))
	res := &Result{}

	proposed, err := p.propose(ctx, req, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		log.Error("规划失败", slog.Int("attempts", res.Attempts), slog.Any("error", err))
		return res, err
	}
	res.Proposed = proposed

	if err := p.materialize(ctx, req, proposed, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "materialize plan")
		return res, err
	}
	for _, w := range res.Warnings {
		log.Warn("规划警告", slog.String("warning", w))
	}
	span.SetAttributes(
		attribute.Int("planner.proposed", len(proposed)),
		attribute.Int("planner.created", len(res.Created)),
		attribute.Int("planner.truncated", res.Truncated),
	)
	log.Info("规划完成",
		slog.Int("proposed", len(proposed)),
		slog.Int("created", len(res.Created)),
		slog.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

func (p *Planner) propose(ctx context.Context, req Request, res *Result) ([]ProposedTask, error) {
	prompt := p.planPrompt(req)
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.backoff<<(attempt-1)); err != nil {
				return nil, xerrors.Wrap(xerrors.CodePlanningFailed, err, "规划被取消")
			}
		}
		res.Attempts++
		text, err := p.completer.Complete(ctx, agent.CompleteRequest{Agent: req.Instructor, Goal: req.Goal, Prompt: prompt})
		if err != nil {
			lastErr = err
			if !xerrors.RetryableError(err) {
				break
			}
			continue
		}
		proposed, perr := ParsePlan(text)
		if perr != nil {
			lastErr = xerrors.Provider(perr, "规划输出无法解析")
			continue
		}
		return proposed, nil
	}
	return nil, xerrors.Wrap(xerrors.CodePlanningFailed, lastErr,
		fmt.Sprintf("规划在 %d 次尝试后失败", res.Attempts),
		xerrors.WithMetadata(logger.KeyGoalRun, req.GoalRunID))
}

// materialize 校验委派边与依赖下标，按任务上限截断后写入仓库并分派智能体。
// 依赖被丢弃项的任务不会创建。
func (p *Planner) materialize(ctx context.Context, req Request, proposed []ProposedTask, res *Result) error {
	graph := p.directory.Graph()
	accepted := make(map[int]string, len(proposed))

	p.createMu.Lock()
	defer p.createMu.Unlock()

	remaining, err := p.Remaining(ctx, req.GoalRunID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务数量失败")
	}

	// 被丢弃的项；依赖它们的项也一并跳过，避免越过前置工作提前执行。
	dropped := make(map[int]bool)
items:
	for i, prop := range proposed {
		if prop.Description == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("第 %d 项缺少描述，已忽略", i))
			dropped[i] = true
			continue
		}
		if !graph.CanDelegate(req.Instructor.Role, prop.Role) {
			derr := xerrors.New(xerrors.CodeDelegation,
				fmt.Sprintf("%s 不能委派给 %s", req.Instructor.Role, prop.Role))
			res.Warnings = append(res.Warnings, fmt.Sprintf("第 %d 项: %v", i, derr))
			dropped[i] = true
			continue
		}

		for _, idx := range prop.DependsOn {
			if idx < i && dropped[idx] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("第 %d 项依赖的第 %d 项未创建，已跳过", i, idx))
				dropped[i] = true
				continue items
			}
		}
		if remaining == 0 {
			res.Truncated++
			continue
		}
		var deps []string
		for _, idx := range prop.DependsOn {
			id, ok := accepted[idx]
			if idx >= i || !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("第 %d 项的依赖 %d 无效，已忽略", i, idx))
				continue
			}
			deps = append(deps, id)
		}

		created, err := p.createAssigned(ctx, &task.Task{
			GoalRunID:   req.GoalRunID,
			Description: prop.Description,
			Role:        prop.Role,
			Creator:     req.Instructor.ID,
			ParentID:    req.ParentID,
			DependsOn:   deps,
		})
		if err != nil {
			return err
		}
		accepted[i] = created.ID
		res.Created = append(res.Created, created)
		if remaining > 0 {
			remaining--
		}
	}
	if res.Truncated > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("已达到任务上限，%d 项未创建", res.Truncated))
	}
	return nil
}

// createAssigned 创建任务并分派给该角色 ID 最小的智能体；没有智能体时任务以
// NO_AGENT_FOR_ROLE 失败，但不影响其余任务。
func (p *Planner) createAssigned(ctx context.Context, t *task.Task) (*task.Task, error) {
	created, err := p.tasks.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	a, ok := p.directory.ForRole(created.Role)
	if !ok {
		return p.tasks.Transition(ctx, created.ID, task.StatusFailed,
			task.WithFailure(xerrors.CodeNoAgentForRole, fmt.Sprintf("no agent holds role %s", created.Role)))
	}
	return p.tasks.Assign(ctx, created.ID, a.ID)
}

// Delegate 处理执行中的子委派。与 Plan 不同，找不到智能体时直接拒绝而不创建任务，
// 让发起委派的智能体自行调整。
func (p *Planner) Delegate(ctx context.Context, req agent.DelegateRequest) (*task.Task, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "task_description 不能为空")
	}
	if !p.directory.Graph().CanDelegate(req.From.Role, req.ToRole) {
		return nil, xerrors.New(xerrors.CodeDelegation,
			fmt.Sprintf("%s 不能委派给 %s", req.From.Role, req.ToRole),
			xerrors.WithMetadata(logger.KeyTask, req.ParentID))
	}
	if _, ok := p.directory.ForRole(req.ToRole); !ok {
		return nil, xerrors.New(xerrors.CodeNoAgentForRole, fmt.Sprintf("no agent holds role %s", req.ToRole))
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()
	remaining, err := p.Remaining(ctx, req.GoalRunID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务数量失败")
	}
	if remaining == 0 {
		return nil, xerrors.New(xerrors.CodeTaskLimit, "已达到本次运行的任务上限")
	}
	child, err := p.createAssigned(ctx, &task.Task{
		GoalRunID:   req.GoalRunID,
		Description: desc,
		Role:        req.ToRole,
		Creator:     req.From.ID,
		ParentID:    req.ParentID,
		DependsOn:   req.DependsOn,
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("子任务已委派",
		slog.String(logger.KeyGoalRun, req.GoalRunID),
		slog.String(logger.KeyTask, child.ID),
		slog.String("parent_id", req.ParentID),
		slog.String(logger.KeyAgent, child.Assignee),
	)
	return child, nil
}

// OperatorTask 是操作员直接下达的任务。Assignee 优先于 Role，两者都为空时交给协调角色。
type OperatorTask struct {
	GoalRunID   string
	Description string
	Role        role.ID
	Assignee    string
	DependsOn   []string
}

// Submit 写入操作员任务。操作员不受委派边约束，但同样占用运行的任务上限。
func (p *Planner) Submit(ctx context.Context, req OperatorTask) (*task.Task, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "description 不能为空")
	}
	r := req.Role
	var assignee agent.Agent
	if req.Assignee != "" {
		a, ok := p.directory.Get(req.Assignee)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体不存在: "+req.Assignee)
		}
		assignee, r = a, a.Role
	}
	if r == "" {
		r = p.directory.Graph().Root()
	}
	if !p.directory.Graph().Has(r) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "角色不存在: "+string(r))
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()
	remaining, err := p.Remaining(ctx, req.GoalRunID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务数量失败")
	}
	if remaining == 0 {
		return nil, xerrors.New(xerrors.CodeTaskLimit, "已达到本次运行的任务上限")
	}
	t := &task.Task{
		GoalRunID:   req.GoalRunID,
		Description: desc,
		Role:        r,
		Creator:     task.CreatorOperator,
		DependsOn:   req.DependsOn,
	}
	if assignee.ID == "" {
		return p.createAssigned(ctx, t)
	}
	created, err := p.tasks.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	return p.tasks.Assign(ctx, created.ID, assignee.ID)
}

// Recover 在子任务失败时询问恢复策略。返回 nil 表示不恢复。
func (p *Planner) Recover(ctx context.Context, parent, failed *task.Task) (*task.Task, error) {
	if p.recovery == nil || parent == nil || failed == nil {
		return nil, nil
	}
	rep, err := p.recovery.Recover(ctx, parent, failed)
	if err != nil || rep == nil {
		return nil, err
	}
	r := rep.Role
	if r == "" {
		r = failed.Role
	}
	desc := strings.TrimSpace(rep.Description)
	if desc == "" {
		desc = failed.Description
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()
	remaining, err := p.Remaining(ctx, parent.GoalRunID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		return nil, nil
	}
	replacement, err := p.createAssigned(ctx, &task.Task{
		GoalRunID:   parent.GoalRunID,
		Description: desc,
		Role:        r,
		Creator:     parent.Assignee,
		ParentID:    parent.ID,
		DependsOn:   failed.DependsOn,
	})
	if err != nil {
		return nil, xerrors.Wrap(task.CodeTaskRecovery, err, "创建替代任务失败")
	}
	if err := p.tasks.Supersede(ctx, failed.ID, replacement.ID); err != nil {
		return nil, err
	}
	if fresh, err := p.tasks.Get(ctx, replacement.ID); err == nil {
		replacement = fresh
	}
	p.log.Info("已创建替代子任务",
		slog.String(logger.KeyGoalRun, parent.GoalRunID),
		slog.String(logger.KeyTask, replacement.ID),
		slog.String("replaces", failed.ID),
	)
	return replacement, nil
}

func (p *Planner) planPrompt(req Request) string {
	graph := p.directory.Graph()
	var b strings.Builder
	fmt.Fprintf(&b, "GOAL: %s\n\n", req.Goal)
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		fmt.Fprintf(&b, "PROGRESS SO FAR:\n%s\n\n", ctx)
	}
	b.WriteString("Break the goal into concrete tasks for your direct team. Roles you can assign:\n")
	for _, target := range graph.DelegateTargets(req.Instructor.Role) {
		r, _ := graph.Get(target)
		staffed := "unstaffed"
		if n := len(p.directory.ByRole(target)); n > 0 {
			staffed = fmt.Sprintf("%d agent(s)", n)
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", target, r.Title, staffed)
	}
	b.WriteString(`
Reply with ONLY a JSON array. Each item: {"description": "...", "role": "<role id>", "depends_on": [<indices of earlier items>]}.
Tasks without dependencies run in parallel. Return [] if nothing more is needed.`)
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ agent.Delegator = (*Planner)(nil)
