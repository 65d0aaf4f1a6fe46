package cost

import (
	"sort"
	"strings"
	"sync"
)

// Price 是每百万 token 的美元价格。
type Price struct {
	Input  float64 `json:"input" yaml:"input" toml:"input"`
	Output float64 `json:"output" yaml:"output" toml:"output"`
}

// DefaultPrices 返回内置的模型价格表。
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"gpt-4-turbo":                {Input: 10.00, Output: 30.00},
		"gpt-3.5-turbo":              {Input: 0.50, Output: 1.50},
	}
}

// Pricing 是可并发读写的价格表。
type Pricing struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewPricing 以内置价格为基础，叠加 overrides。
func NewPricing(overrides map[string]Price) *Pricing {
	p := &Pricing{prices: DefaultPrices()}
	for model, price := range overrides {
		p.prices[model] = price
	}
	return p
}

// Set 设置或覆盖某个模型的价格。
func (p *Pricing) Set(model string, price Price) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[model] = price
}

// Replace 用默认价格加 overrides 整体替换价格表，配置热加载时使用。
func (p *Pricing) Replace(overrides map[string]Price) {
	next := DefaultPrices()
	for model, price := range overrides {
		next[model] = price
	}
	p.mu.Lock()
	p.prices = next
	p.mu.Unlock()
}

// Lookup 先精确匹配，再按最长前缀匹配（如 gpt-4o-2024-08-06 命中 gpt-4o）。
func (p *Pricing) Lookup(model string) (Price, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if price, ok := p.prices[model]; ok {
		return price, true
	}
	best := ""
	for key := range p.prices {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Price{}, false
	}
	return p.prices[best], true
}

// Estimate 估算一次调用的美元花费，未知模型返回 0。
func (p *Pricing) Estimate(model string, inputTokens, outputTokens int64) float64 {
	price, ok := p.Lookup(model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*price.Input + float64(outputTokens)*price.Output) / 1_000_000
}

// Models 返回已知模型名称，按字母序排列。
func (p *Pricing) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.prices))
	for model := range p.prices {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}
