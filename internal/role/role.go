package role

import (
	"fmt"
	"sort"
	"strings"

	xerrors "AgentCompany/internal/errors"
)

// ID 是角色的唯一标识，例如 "ceo"、"developer"。
type ID string

// Role 描述组织中的一个岗位。加载完成后不可修改。
type Role struct {
	ID          ID     `json:"id" yaml:"id" toml:"id"`
	Title       string `json:"title" yaml:"title" toml:"title"`
	Description string `json:"description,omitempty" yaml:"description" toml:"description"`
	ReportsTo   ID     `json:"reports_to,omitempty" yaml:"reports_to" toml:"reports_to"`
	DelegateTo  []ID   `json:"delegate_to,omitempty" yaml:"delegate_to" toml:"delegate_to"`
}

// CodeRoleConfig 表示角色配置不合法，只会在加载阶段出现。
const CodeRoleConfig xerrors.Code = "ROLE_CONFIG_INVALID"

func init() {
	xerrors.Register(CodeRoleConfig, xerrors.Attributes{
		Message:   "invalid role configuration",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     false,
	})
}

// Graph 是只读的角色关系图：每个角色有唯一的汇报对象，并声明可以委派的下游角色。
// 汇报关系与委派关系都必须无环，且只有一个根角色。
type Graph struct {
	roles map[ID]Role
	order []ID
	root  ID
}

// New 校验角色集合并构建 Graph。未知的角色引用、多根、环都会在这里报错。
func New(roles []Role) (*Graph, error) {
	if len(roles) == 0 {
		return nil, xerrors.New(CodeRoleConfig, "至少需要一个角色")
	}
	g := &Graph{roles: make(map[ID]Role, len(roles))}
	for _, r := range roles {
		r.ID = ID(strings.TrimSpace(string(r.ID)))
		if r.ID == "" {
			return nil, xerrors.New(CodeRoleConfig, "角色 ID 不能为空")
		}
		if _, dup := g.roles[r.ID]; dup {
			return nil, xerrors.New(CodeRoleConfig, fmt.Sprintf("角色 %s 重复定义", r.ID))
		}
		if r.Title == "" {
			r.Title = string(r.ID)
		}
		r.DelegateTo = append([]ID(nil), r.DelegateTo...)
		g.roles[r.ID] = r
		g.order = append(g.order, r.ID)
	}

	for _, id := range g.order {
		r := g.roles[id]
		if r.ReportsTo == "" {
			if g.root != "" {
				return nil, xerrors.New(CodeRoleConfig, fmt.Sprintf("存在多个根角色: %s, %s", g.root, id))
			}
			g.root = id
		} else if _, ok := g.roles[r.ReportsTo]; !ok {
			return nil, xerrors.New(CodeRoleConfig, fmt.Sprintf("角色 %s 汇报给未知角色 %s", id, r.ReportsTo))
		}
		for _, target := range r.DelegateTo {
			if _, ok := g.roles[target]; !ok {
				return nil, xerrors.New(CodeRoleConfig, fmt.Sprintf("角色 %s 委派给未知角色 %s", id, target))
			}
			if target == id {
				return nil, xerrors.New(CodeRoleConfig, fmt.Sprintf("角色 %s 不能委派给自己", id))
			}
		}
	}
	if g.root == "" {
		return nil, xerrors.New(CodeRoleConfig, "缺少根角色")
	}
	if err := g.checkReportingChains(); err != nil {
		return nil, err
	}
	if err := g.checkDelegationAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) checkReportingChains() error {
	for _, id := range g.order {
		seen := map[ID]struct{}{}
		for cur := id; cur != ""; cur = g.roles[cur].ReportsTo {
			if _, ok := seen[cur]; ok {
				return xerrors.New(CodeRoleConfig, fmt.Sprintf("角色 %s 的汇报链存在环", id))
			}
			seen[cur] = struct{}{}
		}
	}
	return nil
}

func (g *Graph) checkDelegationAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[ID]int, len(g.roles))
	var visit func(id ID) error
	visit = func(id ID) error {
		switch state[id] {
		case visiting:
			return xerrors.New(CodeRoleConfig, fmt.Sprintf("委派关系在角色 %s 处形成环", id))
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range g.roles[id].DelegateTo {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// CanDelegate 当 to 在 from 的委派目标集合内时返回 true。
func (g *Graph) CanDelegate(from, to ID) bool {
	if g == nil {
		return false
	}
	r, ok := g.roles[from]
	if !ok {
		return false
	}
	for _, target := range r.DelegateTo {
		if target == to {
			return true
		}
	}
	return false
}

// ChainToRoot 返回从 id 开始沿汇报关系直到根角色的有序序列（包含 id 本身）。
func (g *Graph) ChainToRoot(id ID) []Role {
	if g == nil {
		return nil
	}
	if _, ok := g.roles[id]; !ok {
		return nil
	}
	var chain []Role
	for cur := id; cur != ""; cur = g.roles[cur].ReportsTo {
		chain = append(chain, g.roles[cur])
	}
	return chain
}

// Root 返回面向所有者的根角色。
func (g *Graph) Root() ID {
	if g == nil {
		return ""
	}
	return g.root
}

// Get 按 ID 查找角色。
func (g *Graph) Get(id ID) (Role, bool) {
	if g == nil {
		return Role{}, false
	}
	r, ok := g.roles[id]
	if !ok {
		return Role{}, false
	}
	r.DelegateTo = append([]ID(nil), r.DelegateTo...)
	return r, true
}

// Has 判断角色是否存在。
func (g *Graph) Has(id ID) bool {
	if g == nil {
		return false
	}
	_, ok := g.roles[id]
	return ok
}

// DelegateTargets 返回角色可委派的下游角色。
func (g *Graph) DelegateTargets(id ID) []ID {
	r, ok := g.Get(id)
	if !ok {
		return nil
	}
	return r.DelegateTo
}

// Roles 按定义顺序返回全部角色。
func (g *Graph) Roles() []Role {
	if g == nil {
		return nil
	}
	out := make([]Role, 0, len(g.order))
	for _, id := range g.order {
		r, _ := g.Get(id)
		out = append(out, r)
	}
	return out
}

// Reports 返回直接汇报给 id 的角色，按 ID 排序。
func (g *Graph) Reports(id ID) []ID {
	if g == nil {
		return nil
	}
	var out []ID
	for _, rid := range g.order {
		if g.roles[rid].ReportsTo == id && rid != id {
			out = append(out, rid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
