package company

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"AgentCompany/internal/config"
	xerrors "AgentCompany/internal/errors"
)

// Registry 按名称索引同一进程内的多家公司。第一个加入的公司是默认公司。
type Registry struct {
	mu        sync.RWMutex
	order     []string
	companies map[string]*Company
}

// NewRegistry 以给定的公司构造注册表，名称不得重复。
func NewRegistry(companies ...*Company) (*Registry, error) {
	r := &Registry{companies: make(map[string]*Company, len(companies))}
	for _, c := range companies {
		if err := r.Add(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Open 依据每份配置装配一家公司；任何一家失败时关闭已装配的公司。
func Open(ctx context.Context, cfgs []*config.Config, opts ...Option) (*Registry, error) {
	r := &Registry{companies: make(map[string]*Company, len(cfgs))}
	for _, cfg := range cfgs {
		c, err := New(ctx, cfg, opts...)
		if err == nil {
			err = r.Add(c)
			if err != nil {
				_ = c.Close()
			}
		}
		if err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Add 注册一家公司。
func (r *Registry) Add(c *Company) error {
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "公司不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.companies[c.Name()]; dup {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("公司 %q 重复注册", c.Name()))
	}
	r.companies[c.Name()] = c
	r.order = append(r.order, c.Name())
	return nil
}

// Get 返回指定名称的公司，name 为空时返回默认公司。
func (r *Registry) Get(name string) (*Company, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		if len(r.order) == 0 {
			return nil, xerrors.New(xerrors.CodeNotFound, "没有可用的公司")
		}
		name = r.order[0]
	}
	c, ok := r.companies[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("公司 %q 不存在", name),
			xerrors.WithMetadata("company", name))
	}
	return c, nil
}

// Names 返回全部公司名称，默认公司在前，其余按名称排序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	rest := append([]string(nil), r.order[1:]...)
	sort.Strings(rest)
	return append([]string{r.order[0]}, rest...)
}

// All 按注册顺序返回全部公司。
func (r *Registry) All() []*Company {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Company, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.companies[name])
	}
	return out
}

// Start 启动全部公司的后台协程。
func (r *Registry) Start() {
	for _, c := range r.All() {
		c.Start()
	}
}

// Reload 把配置分发给同名公司，未知公司的配置会被忽略并返回错误。
func (r *Registry) Reload(cfg *config.Config) error {
	c, err := r.Get(cfg.Company.Name)
	if err != nil {
		return err
	}
	return c.Reload(cfg)
}

// Close 逆序关闭全部公司，返回遇到的第一个错误。
func (r *Registry) Close() error {
	companies := r.All()
	var firstErr error
	for i := len(companies) - 1; i >= 0; i-- {
		if err := companies[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
