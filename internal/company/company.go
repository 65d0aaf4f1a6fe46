// Package company 把一家公司的全部引擎组件装配成一个显式的上下文对象。
//
// 每个 Company 拥有独立的事件总线、任务仓库、花费账本、付款队列与周期控制器，
// 多家公司在同一进程内运行时互不共享可变状态。
package company

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AgentCompany/internal/agent"
	"AgentCompany/internal/config"
	"AgentCompany/internal/cost"
	"AgentCompany/internal/cycle"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/internal/knowledge"
	"AgentCompany/internal/llm"
	"AgentCompany/internal/observability/alerting"
	"AgentCompany/internal/observability/metrics"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/planner"
	"AgentCompany/internal/role"
	"AgentCompany/internal/scheduler"
	"AgentCompany/internal/task"
	"AgentCompany/internal/web3/provider"
	"AgentCompany/pkg/logger"
)

// Company 是一家公司的引擎实例。
type Company struct {
	name string

	mu     sync.RWMutex
	cfg    *config.Config
	limits cycle.Limits

	graph      *role.Graph
	directory  *agent.Directory
	bus        *events.Bus
	tasks      *task.MemoryStore
	pricing    *cost.Pricing
	ledger     *cost.Ledger
	payments   *payment.Queue
	chains     *provider.Registry
	runtime    *agent.Runtime
	planner    *planner.Planner
	scheduler  *scheduler.Scheduler
	controller *cycle.Controller
	forwarder  *events.Forwarder
	alerter    alerting.Dispatcher

	manual manualLane

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	bg      sync.WaitGroup
	closers []func() error
	once    sync.Once

	log   *slog.Logger
	audit *slog.Logger
}

type options struct {
	client    llm.Client
	submitter payment.Submitter
	sinks     []events.Sink
	alerter   alerting.Dispatcher
	backoff   time.Duration
	now       func() time.Time
}

// Option 定义可选的装配参数。
type Option func(*options)

// WithLLMClient 替换按配置创建的大模型客户端。
func WithLLMClient(c llm.Client) Option {
	return func(o *options) { o.client = c }
}

// WithSubmitter 替换链上付款提交器。
func WithSubmitter(s payment.Submitter) Option {
	return func(o *options) { o.submitter = s }
}

// WithSinks 追加事件投递目标。
func WithSinks(sinks ...events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithAlerter 替换按配置创建的告警分发器。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(o *options) { o.alerter = d }
}

// WithRetryBackoff 设置规划、调度与评审重试的初始退避。
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithClock 指定时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New 依据配置装配一家公司。返回的 Company 需要调用 Start 开始转发事件，
// 使用完毕后调用 Close。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Company, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	o := options{backoff: 500 * time.Millisecond, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	name := cfg.Company.Name
	c := &Company{
		name:   name,
		cfg:    cfg,
		limits: limitsFrom(cfg.Autonomous),
		log:    logger.ForCompany(name, "company"),
		audit:  logger.Audit().With(slog.String(logger.KeyCompany, name)),
	}
	c.runCtx, c.cancel = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	var err error
	if c.graph, err = cfg.RoleGraph(); err != nil {
		return nil, err
	}
	hires := make([]agent.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		hires = append(hires, agent.Agent{Name: a.Name, Role: a.Role, Model: a.Model, Persona: a.Persona})
	}
	if c.directory, err = agent.NewDirectory(c.graph, hires...); err != nil {
		return nil, err
	}

	c.bus = events.NewBus(name,
		events.WithHistorySize(cfg.Events.HistorySize),
		events.WithBusLogger(logger.ForCompany(name, "events")),
		events.WithClock(o.now),
	)
	c.closers = append(c.closers, func() error { c.bus.Close(); return nil })

	c.alerter = o.alerter
	if c.alerter == nil {
		c.alerter = newAlerter(cfg.Alerting, c.audit)
	}
	if c.alerter != nil {
		c.alerter = stampCompany(name, c.alerter)
	}

	c.tasks = task.NewMemoryStore(
		task.WithPublisher(c.bus),
		task.WithLogger(logger.ForCompany(name, "task"), c.audit),
		task.WithClock(o.now),
	)
	c.pricing = cost.NewPricing(cfg.Pricing)
	c.ledger = cost.NewLedger(
		cost.WithPricing(c.pricing),
		cost.WithCap(cfg.Autonomous.MaxCostUSD),
		cost.WithPublisher(c.bus),
		cost.WithLogger(logger.ForCompany(name, "cost")),
	)

	stores, err := openStores(ctx, name, cfg.Storage)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, stores.close)

	if c.chains, err = provider.NewRegistry(cfg.Wallet); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() error { c.chains.Close(); return nil })
	var submitter payment.Submitter = c.chains
	if o.submitter != nil {
		submitter = o.submitter
	}
	c.payments = payment.NewQueue(stores.payments,
		payment.WithSubmitter(submitter),
		payment.WithChains(c.chains),
		payment.WithDefaultChain(c.chains.DefaultChain()),
		payment.WithPublisher(c.bus),
		payment.WithAlerter(c.alerter),
		payment.WithLogger(logger.ForCompany(name, "payment"), c.audit),
		payment.WithClock(o.now),
	)

	client := o.client
	if client == nil {
		if client, err = newLLMClient(cfg.LLM); err != nil {
			return nil, err
		}
	}
	runtimeOpts := []agent.Option{
		agent.WithLedger(c.ledger),
		agent.WithTaskStore(c.tasks),
		agent.WithPayments(c.payments, c.chains.Definitions().Names()...),
		agent.WithDefaultModel(cfg.LLM.Model),
		agent.WithMaxIterations(cfg.Autonomous.MaxAgentIterations),
		agent.WithCallRetry(3, o.backoff),
		agent.WithLogger(logger.ForCompany(name, "agent")),
	}
	if cfg.Knowledge.Path != "" {
		kp, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		runtimeOpts = append(runtimeOpts, agent.WithKnowledgeProvider(kp))
	}
	c.runtime = agent.NewRuntime(name, c.directory, client, runtimeOpts...)

	hook, err := task.RecoveryPolicy(cfg.Autonomous.RecoveryPolicy)
	if err != nil {
		return nil, err
	}
	c.planner = planner.New(c.tasks, c.directory, c.runtime,
		planner.WithRecoveryHook(hook),
		planner.WithRetry(3, o.backoff),
		planner.WithLogger(logger.ForCompany(name, "planner")),
	)
	c.runtime.SetDelegator(c.planner)

	schedOpts := []scheduler.Option{
		scheduler.WithRecoverer(c.planner),
		scheduler.WithTaskTimeout(cfg.Autonomous.TaskTimeout()),
		scheduler.WithRetry(3, o.backoff),
		scheduler.WithPublisher(c.bus),
		scheduler.WithAlerter(name, c.alerter),
		scheduler.WithLogger(logger.ForCompany(name, "scheduler")),
	}
	if cfg.Autonomous.MaxReworks > 0 {
		schedOpts = append(schedOpts, scheduler.WithReviewer(&supervisorReviewer{
			directory: c.directory,
			completer: c.runtime,
		}, cfg.Autonomous.MaxReworks))
	}
	c.scheduler = scheduler.New(c.tasks, c.directory, c.runtime, schedOpts...)

	c.controller, err = cycle.NewController(name, cycle.Deps{
		Tasks:     c.tasks,
		Directory: c.directory,
		Planner:   c.planner,
		Scheduler: c.scheduler,
		Completer: c.runtime,
		Ledger:    c.ledger,
	},
		cycle.WithSnapshotStore(stores.snapshots),
		cycle.WithPublisher(c.bus),
		cycle.WithEventLog(c.bus),
		cycle.WithAlerter(c.alerter),
		cycle.WithReviewRetry(3, o.backoff),
		cycle.WithLogger(logger.ForCompany(name, "cycle"), c.audit),
		cycle.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	sinks, err := openSinks(ctx, cfg.Events)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, o.sinks...)
	c.forwarder = events.NewForwarder(c.bus, sinks,
		events.WithDeliveryAttempts(cfg.Events.DeliveryAttempts),
		events.WithExhaustedHandler(c.deliveryExhausted),
		events.WithForwarderLogger(logger.ForCompany(name, "events.forwarder")),
	)
	c.closers = append(c.closers, c.forwarder.Close)

	ok = true
	c.log.Info("公司已装配",
		slog.Int("agents", len(hires)),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("llm", cfg.LLM.Provider),
		slog.Int("sinks", len(sinks)),
		slog.Bool("wallet", c.chains.HasWallet()),
	)
	return c, nil
}

// Start 在后台开始事件转发与指标采集，重复调用无副作用。
func (c *Company) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.bg.Add(2)
	go func() {
		defer c.bg.Done()
		if err := c.forwarder.Run(c.runCtx); err != nil && c.runCtx.Err() == nil {
			c.log.Error("事件转发异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		defer c.bg.Done()
		metrics.Follow(c.runCtx, c.bus.Subscribe())
	}()
}

// Close 停止后台协程并释放存储与外部连接。进行中的目标运行停在当前检查点，
// 之后可以通过 ResumeGoal 从快照继续。
func (c *Company) Close() error {
	var firstErr error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.bg.Wait()
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if c.log != nil {
			c.log.Info("公司已关闭")
		}
	})
	return firstErr
}

func (c *Company) deliveryExhausted(ctx context.Context, sink string, ev events.Event, err error) {
	wrapped := xerrors.Wrap(xerrors.CodeEventDelivery, err, fmt.Sprintf("事件 %s 投递到 %s 失败", ev.ID, sink),
		xerrors.WithMetadata("sink", sink),
		xerrors.WithMetadata("topic", string(ev.Topic)),
	)
	alert := alerting.FromError(wrapped, "events.forward")
	alert.GoalRunID = ev.GoalRunID
	alerting.Emit(ctx, c.alerter, alert)
}

// Name 返回公司名称。
func (c *Company) Name() string { return c.name }

// Config 返回当前生效的配置。
func (c *Company) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Limits 返回新目标运行将使用的限额。
func (c *Company) Limits() cycle.Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

// Bus 返回公司的事件总线。
func (c *Company) Bus() *events.Bus { return c.bus }

// Directory 返回智能体名录。
func (c *Company) Directory() *agent.Directory { return c.directory }

func limitsFrom(a config.AutonomousConfig) cycle.Limits {
	return cycle.Limits{
		MaxCycles:        a.MaxCycles,
		MaxWavesPerCycle: a.MaxWavesPerCycle,
		MaxTotalTasks:    a.MaxTotalTasks,
		MaxTimeSeconds:   a.MaxTimeSeconds,
		MaxCostUSD:       a.MaxCostUSD,
	}.Normalize()
}
