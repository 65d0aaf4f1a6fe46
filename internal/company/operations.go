package company

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"AgentCompany/internal/agent"
	"AgentCompany/internal/config"
	"AgentCompany/internal/cost"
	"AgentCompany/internal/cycle"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/planner"
	"AgentCompany/internal/role"
	"AgentCompany/internal/scheduler"
	"AgentCompany/internal/task"
	"AgentCompany/internal/web3"
	"AgentCompany/pkg/logger"
)

// ManualRunID 是操作员在目标运行之外直接下达的任务所在的运行。
const ManualRunID = "operator"

// ErrClosed 表示公司已经关闭。
var ErrClosed = xerrors.New(xerrors.CodeConflict, "公司已关闭")

// Status 是公司的整体状态。
type Status struct {
	Company         string           `json:"company"`
	Owner           string           `json:"owner"`
	Agents          int              `json:"agents"`
	Tasks           task.TaskStats   `json:"tasks"`
	ActiveGoals     []*cycle.GoalRun `json:"active_goals"`
	Cost            cost.Summary     `json:"cost"`
	PendingPayments int              `json:"pending_payments"`
	Wallet          bool             `json:"wallet"`
	Limits          cycle.Limits     `json:"limits"`
	LastEventSeq    uint64           `json:"last_event_seq"`
}

// GoalDetail 是一次目标运行及其任务。
type GoalDetail struct {
	Run     *cycle.GoalRun `json:"run"`
	Summary string         `json:"summary"`
	Tasks   []*task.Task   `json:"tasks"`
}

// CostReport 是花费账本的汇总与最近的调用记录。
type CostReport struct {
	cost.Summary
	Recent []cost.Usage `json:"recent"`
}

// CreateTaskRequest 是操作员创建任务的参数。GoalRunID 为空时任务立即在
// 操作员通道中执行。
type CreateTaskRequest struct {
	GoalRunID   string   `json:"goal_run_id,omitempty"`
	Description string   `json:"description"`
	Role        role.ID  `json:"role,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

func (c *Company) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SubmitGoal 以当前限额启动一次目标运行。
func (c *Company) SubmitGoal(ctx context.Context, goal string) (*cycle.GoalRun, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}
	return c.controller.Start(c.runCtx, goal, c.Limits())
}

// StopGoal 请求在下一个检查点停止运行。
func (c *Company) StopGoal(goalRunID string) error {
	return c.controller.Stop(goalRunID)
}

// ResumeGoal 从快照恢复一个未结束的运行。
func (c *Company) ResumeGoal(ctx context.Context, goalRunID string) (*cycle.GoalRun, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.controller.Resume(c.runCtx, goalRunID)
}

// WaitGoal 阻塞到运行结束或 ctx 取消。
func (c *Company) WaitGoal(ctx context.Context, goalRunID string) (*cycle.GoalRun, error) {
	return c.controller.Wait(ctx, goalRunID)
}

// Goals 返回全部目标运行。
func (c *Company) Goals(ctx context.Context) ([]*cycle.GoalRun, error) {
	return c.controller.List(ctx)
}

// Goal 返回一次目标运行的详情。
func (c *Company) Goal(ctx context.Context, goalRunID string) (*GoalDetail, error) {
	run, err := c.controller.Get(ctx, goalRunID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.tasks.RunTasks(ctx, goalRunID)
	if err != nil {
		return nil, err
	}
	return &GoalDetail{Run: run, Summary: cycle.Summary(tasks), Tasks: tasks}, nil
}

// CreateTask 写入一个操作员任务。指定 GoalRunID 时任务进入该运行的下一个波次，
// 否则在操作员通道中立即调度。
func (c *Company) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	runID := strings.TrimSpace(req.GoalRunID)
	if runID != "" && runID != ManualRunID {
		run, err := c.controller.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return nil, cycle.ErrRunFinished
		}
	} else {
		runID = ManualRunID
	}
	created, err := c.planner.Submit(ctx, planner.OperatorTask{
		GoalRunID:   runID,
		Description: req.Description,
		Role:        role.ID(strings.ToLower(strings.TrimSpace(string(req.Role)))),
		Assignee:    strings.TrimSpace(req.Assignee),
		DependsOn:   req.DependsOn,
	})
	if err != nil {
		return nil, err
	}
	c.audit.Info("操作员创建任务",
		slog.String(logger.KeyGoalRun, runID),
		slog.String(logger.KeyTask, created.ID),
		slog.String(logger.KeyAgent, created.Assignee),
	)
	if runID == ManualRunID {
		c.kickManual()
	}
	return created, nil
}

// Tasks 按过滤条件列出任务。
func (c *Company) Tasks(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error) {
	return c.tasks.List(ctx, task.BuildListOptions(opts...))
}

// Task 返回单个任务。
func (c *Company) Task(ctx context.Context, id string) (*task.Task, error) {
	return c.tasks.Get(ctx, id)
}

// Agents 返回全部智能体。
func (c *Company) Agents() []agent.Agent {
	return c.directory.List()
}

// OrgChart 返回以所有者为根的组织图。
func (c *Company) OrgChart() role.OrgNode {
	return c.graph.OrgChart(c.Config().Company.Owner, c.directory.Members())
}

// Cost 返回花费汇总与最近 recent 条调用。
func (c *Company) Cost(recent int) CostReport {
	return CostReport{Summary: c.ledger.Summary(), Recent: c.ledger.Recent(recent)}
}

// Payments 按创建顺序列出付款请求。
func (c *Company) Payments(ctx context.Context, status payment.Status) ([]*payment.Request, error) {
	return c.payments.List(ctx, status)
}

// Payment 返回单个付款请求。
func (c *Company) Payment(ctx context.Context, id string) (*payment.Request, error) {
	return c.payments.Get(ctx, id)
}

// ApprovePayment 由操作员批准付款，触发唯一一次链上提交。
func (c *Company) ApprovePayment(ctx context.Context, id string) (*payment.Request, error) {
	return c.payments.Approve(ctx, id)
}

// RejectPayment 由操作员拒绝付款。
func (c *Company) RejectPayment(ctx context.Context, id string) (*payment.Request, error) {
	return c.payments.Reject(ctx, id)
}

// Wallet 返回公司钱包在某条链上的快照，chain 为空时使用默认链。
func (c *Company) Wallet(ctx context.Context, chain string) (web3.ChainSnapshot, error) {
	if chain == "" {
		chain = c.chains.DefaultChain()
	}
	return c.chains.Snapshot(ctx, chain)
}

// Status 汇总公司状态。
func (c *Company) Status(ctx context.Context) (*Status, error) {
	stats, err := c.tasks.Stats(ctx, task.BuildListOptions())
	if err != nil {
		return nil, err
	}
	runs, err := c.controller.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*cycle.GoalRun, 0)
	for _, r := range runs {
		if !r.Terminal() {
			active = append(active, r)
		}
	}
	pending, err := c.payments.List(ctx, payment.StatusPending)
	if err != nil {
		return nil, err
	}
	cfg := c.Config()
	return &Status{
		Company:         c.name,
		Owner:           cfg.Company.Owner,
		Agents:          len(c.directory.List()),
		Tasks:           stats,
		ActiveGoals:     active,
		Cost:            c.ledger.Summary(),
		PendingPayments: len(pending),
		Wallet:          c.chains.HasWallet(),
		Limits:          c.Limits(),
		LastEventSeq:    c.bus.LastSeq(),
	}, nil
}

// Reload 应用热加载的配置。限额只影响之后启动的运行；价格表与花费上限立即生效；
// 角色与智能体的变化需要重启。
func (c *Company) Reload(cfg *config.Config) error {
	if cfg == nil || cfg.Company.Name != c.name {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置的公司名称不匹配")
	}
	c.mu.Lock()
	prev := c.cfg
	c.cfg = cfg
	c.limits = limitsFrom(cfg.Autonomous)
	c.mu.Unlock()

	c.pricing.Replace(cfg.Pricing)
	c.ledger.SetCap(cfg.Autonomous.MaxCostUSD)
	if !reflect.DeepEqual(prev.Agents, cfg.Agents) || !reflect.DeepEqual(prev.Roles, cfg.Roles) {
		c.log.Warn("角色或智能体的变化需要重启后生效")
	}
	c.audit.Info("配置已重新加载",
		slog.Int("max_cycles", c.limits.MaxCycles),
		slog.Int("max_total_tasks", c.limits.MaxTotalTasks),
		slog.Float64("max_cost_usd", c.limits.MaxCostUSD),
	)
	return nil
}

// manualLane 串行地驱动操作员通道中的任务。
type manualLane struct {
	mu    sync.Mutex
	busy  bool
	again bool
	waves int
}

func (c *Company) kickManual() {
	c.manual.mu.Lock()
	if c.manual.busy {
		c.manual.again = true
		c.manual.mu.Unlock()
		return
	}
	c.manual.busy = true
	c.manual.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.manual.mu.Lock()
		c.manual.busy = false
		c.manual.mu.Unlock()
		return
	}
	c.bg.Add(1)
	go c.drainManual()
}

// drainManual 反复执行操作员通道中的就绪任务，直到没有就绪任务、花费达到上限
// 或本轮波次数达到 max_waves_per_cycle。
func (c *Company) drainManual() {
	defer c.bg.Done()
	idle := false
	defer func() {
		if idle {
			return
		}
		c.manual.mu.Lock()
		c.manual.busy = false
		c.manual.again = false
		c.manual.mu.Unlock()
	}()

	ctx := c.runCtx
	limits := c.Limits()
	log := c.log.With(slog.String(logger.KeyGoalRun, ManualRunID))
	for waves := 0; ctx.Err() == nil; {
		if c.ledger.Exceeded(limits.MaxCostUSD) {
			log.Warn("花费已达到上限，操作员任务暂停", slog.Float64("total_usd", c.ledger.Total()))
			return
		}
		ready, err := c.scheduler.Next(ctx, ManualRunID)
		if err != nil {
			log.Error("查询就绪任务失败", slog.Any("error", err))
			return
		}
		if len(ready) == 0 {
			c.manual.mu.Lock()
			if c.manual.again {
				c.manual.again = false
				c.manual.mu.Unlock()
				continue
			}
			c.manual.busy = false
			idle = true
			c.manual.mu.Unlock()
			return
		}
		if waves >= limits.MaxWavesPerCycle {
			log.Warn("操作员通道达到波次上限，剩余任务等待下一次触发", slog.Int("ready", len(ready)))
			return
		}
		waves++
		c.manual.mu.Lock()
		c.manual.waves++
		number := c.manual.waves
		c.manual.again = false
		c.manual.mu.Unlock()
		if _, err := c.scheduler.RunWave(ctx, scheduler.WaveRequest{GoalRunID: ManualRunID, Number: number}, ready); err != nil {
			log.Error("操作员波次执行失败", slog.Any("error", err))
		}
	}
}
