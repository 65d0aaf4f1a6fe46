// Package cost 记录一家公司的模型调用花费，并提供上限检查。
package cost

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"AgentCompany/internal/events"
	"AgentCompany/pkg/logger"
)

const defaultRecentSize = 100

// Usage 是一次模型调用的用量记录。
type Usage struct {
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	At           time.Time `json:"timestamp"`
}

// PairTotal 是 (智能体, 模型) 维度的累计值。
type PairTotal struct {
	Agent   string  `json:"agent"`
	Model   string  `json:"model"`
	CostUSD float64 `json:"cost_usd"`
	Tokens  int64   `json:"tokens"`
	Calls   int     `json:"calls"`
}

// Summary 是账本的只读视图。
type Summary struct {
	TotalCostUSD      float64            `json:"total_cost_usd"`
	CapUSD            float64            `json:"cap_usd"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	TotalTokens       int64              `json:"total_tokens"`
	APICalls          int                `json:"api_calls"`
	ByAgent           map[string]float64 `json:"by_agent"`
	ByModel           map[string]float64 `json:"by_model"`
	Pairs             []PairTotal        `json:"pairs"`
}

// State 是账本可持久化的部分，用于快照与恢复。
type State struct {
	TotalUSD     float64     `json:"total_usd"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	Calls        int         `json:"calls"`
	Pairs        []PairTotal `json:"pairs,omitempty"`
}

type pairKey struct{ agent, model string }

// Ledger 是并发安全的花费账本。所有操作只持有内存锁，不会阻塞调用方。
type Ledger struct {
	mu      sync.Mutex
	capUSD  float64
	total   float64
	input   int64
	output  int64
	calls   int
	pairs   map[pairKey]*PairTotal
	recent  []Usage
	pricing *Pricing

	publisher events.Publisher
	log       *slog.Logger
	now       func() time.Time
}

// Option 配置 Ledger。
type Option func(*Ledger)

// WithCap 设置花费上限，<= 0 表示不限。
func WithCap(capUSD float64) Option {
	return func(l *Ledger) { l.capUSD = capUSD }
}

// WithPricing 指定价格表。
func WithPricing(p *Pricing) Option {
	return func(l *Ledger) {
		if p != nil {
			l.pricing = p
		}
	}
}

// WithPublisher 设置 cost.updated 事件的发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		if p != nil {
			l.publisher = p
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// NewLedger 创建账本。
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		pairs:     make(map[pairKey]*PairTotal),
		pricing:   NewPricing(nil),
		publisher: events.Nop,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.log = logger.Or(l.log, "cost")
	return l
}

// Pricing 返回账本使用的价格表。
func (l *Ledger) Pricing() *Pricing { return l.pricing }

// SetCap 更新花费上限。
func (l *Ledger) SetCap(capUSD float64) {
	l.mu.Lock()
	l.capUSD = capUSD
	l.mu.Unlock()
}

// Cap 返回当前花费上限。
func (l *Ledger) Cap() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capUSD
}

// Reserve 是建议性的预检查：上限为 0 或当前总额加上预估值不超过上限时返回 true。
// 它不会占用额度。
func (l *Ledger) Reserve(estimateUSD float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return within(l.capUSD, l.total, estimateUSD)
}

// ReserveWithin 与 Reserve 相同，但使用调用方给出的上限（目标运行的限额快照）。
func (l *Ledger) ReserveWithin(capUSD, estimateUSD float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return within(capUSD, l.total, estimateUSD)
}

func within(capUSD, total, estimate float64) bool {
	if capUSD <= 0 {
		return true
	}
	if estimate < 0 {
		estimate = 0
	}
	return total+estimate <= capUSD
}

// Record 累加一次已知花费。负值按 0 处理，保证总额单调不减。
func (l *Ledger) Record(agent, model string, usd float64, tokens int64) Usage {
	return l.record(Usage{Agent: agent, Model: model, CostUSD: usd, OutputTokens: tokens})
}

// RecordUsage 按价格表计算花费并累加。
func (l *Ledger) RecordUsage(agent, model string, inputTokens, outputTokens int64) Usage {
	usd := l.pricing.Estimate(model, inputTokens, outputTokens)
	return l.record(Usage{Agent: agent, Model: model, InputTokens: inputTokens, OutputTokens: outputTokens, CostUSD: usd})
}

func (l *Ledger) record(u Usage) Usage {
	if u.CostUSD < 0 || math.IsNaN(u.CostUSD) || math.IsInf(u.CostUSD, 0) {
		u.CostUSD = 0
	}
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	u.At = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += u.CostUSD
	l.input += u.InputTokens
	l.output += u.OutputTokens
	l.calls++
	key := pairKey{u.Agent, u.Model}
	pair, ok := l.pairs[key]
	if !ok {
		pair = &PairTotal{Agent: u.Agent, Model: u.Model}
		l.pairs[key] = pair
	}
	pair.CostUSD += u.CostUSD
	pair.Tokens += u.InputTokens + u.OutputTokens
	pair.Calls++

	l.recent = append(l.recent, u)
	if len(l.recent) > defaultRecentSize {
		l.recent = l.recent[len(l.recent)-defaultRecentSize:]
	}

	l.publisher.Publish(events.Event{
		Topic: events.TopicCostUpdated,
		Payload: map[string]any{
			"agent":          u.Agent,
			"model":          u.Model,
			"cost_usd":       u.CostUSD,
			"total_cost_usd": l.total,
			"tokens":         u.InputTokens + u.OutputTokens,
		},
	})
	l.log.Debug("记录模型花费",
		slog.String(logger.KeyAgent, u.Agent),
		slog.String("model", u.Model),
		slog.Float64("cost_usd", u.CostUSD),
		slog.Float64("total_usd", l.total),
	)
	return u
}

// Total 返回累计花费。
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Exceeded 判断累计花费是否已达到上限；capUSD <= 0 时永远为 false。
func (l *Ledger) Exceeded(capUSD float64) bool {
	if capUSD <= 0 {
		return false
	}
	return l.Total() >= capUSD
}

// Summary 返回汇总视图，金额保留 6 位小数。
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Summary{
		TotalCostUSD:      round6(l.total),
		CapUSD:            l.capUSD,
		TotalInputTokens:  l.input,
		TotalOutputTokens: l.output,
		TotalTokens:       l.input + l.output,
		APICalls:          l.calls,
		ByAgent:           make(map[string]float64),
		ByModel:           make(map[string]float64),
		Pairs:             l.sortedPairs(),
	}
	for _, p := range l.pairs {
		s.ByAgent[p.Agent] = round6(s.ByAgent[p.Agent] + p.CostUSD)
		s.ByModel[p.Model] = round6(s.ByModel[p.Model] + p.CostUSD)
	}
	return s
}

// Recent 返回最近的用量记录，最新的在前。
func (l *Ledger) Recent(limit int) []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.recent) {
		limit = len(l.recent)
	}
	out := make([]Usage, 0, limit)
	for i := len(l.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.recent[i])
	}
	return out
}

// State 导出可持久化状态。
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		TotalUSD:     l.total,
		InputTokens:  l.input,
		OutputTokens: l.output,
		Calls:        l.calls,
		Pairs:        l.sortedPairs(),
	}
}

// Restore 从快照恢复。为保证总额单调不减，快照总额小于当前总额时忽略。
func (l *Ledger) Restore(state State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state.TotalUSD < l.total {
		return false
	}
	l.total = state.TotalUSD
	l.input = state.InputTokens
	l.output = state.OutputTokens
	l.calls = state.Calls
	l.pairs = make(map[pairKey]*PairTotal, len(state.Pairs))
	for _, p := range state.Pairs {
		pair := p
		l.pairs[pairKey{p.Agent, p.Model}] = &pair
	}
	return true
}

func (l *Ledger) sortedPairs() []PairTotal {
	out := make([]PairTotal, 0, len(l.pairs))
	for _, p := range l.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
