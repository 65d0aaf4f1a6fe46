package agent

import (
	"fmt"
	"sort"
	"strings"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/role"
)

// Agent 是公司雇佣的一名智能体。多个智能体可以共享同一个角色。
type Agent struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Role    role.ID `json:"role"`
	Model   string  `json:"model,omitempty"`
	Persona string  `json:"persona,omitempty"`
}

// Directory 是只读的智能体名录。
type Directory struct {
	graph  *role.Graph
	agents []Agent
	byID   map[string]Agent
	byRole map[role.ID][]Agent
}

// NewDirectory 校验并建立名录。ID 为空时由名称生成；角色必须存在于 graph 中。
func NewDirectory(graph *role.Graph, agents ...Agent) (*Directory, error) {
	d := &Directory{
		graph:  graph,
		byID:   make(map[string]Agent, len(agents)),
		byRole: make(map[role.ID][]Agent),
	}
	for _, a := range agents {
		a.Name = strings.TrimSpace(a.Name)
		if a.ID == "" {
			a.ID = Slug(a.Name)
		}
		if a.ID == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体缺少名称")
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		if graph != nil && !graph.Has(a.Role) {
			return nil, xerrors.New(role.CodeRoleConfig, fmt.Sprintf("智能体 %s 引用了未知角色 %s", a.ID, a.Role))
		}
		if _, dup := d.byID[a.ID]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "重复的智能体 ID: "+a.ID)
		}
		d.byID[a.ID] = a
		d.agents = append(d.agents, a)
		d.byRole[a.Role] = append(d.byRole[a.Role], a)
	}
	sort.Slice(d.agents, func(i, j int) bool { return d.agents[i].ID < d.agents[j].ID })
	for r := range d.byRole {
		list := d.byRole[r]
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return d, nil
}

// Slug 把显示名称转换为智能体 ID，例如 "Ada Lovelace" -> "ada-lovelace"。
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Graph 返回名录所依据的角色图。
func (d *Directory) Graph() *role.Graph { return d.graph }

// Get 按 ID 查找智能体。
func (d *Directory) Get(id string) (Agent, bool) {
	a, ok := d.byID[id]
	return a, ok
}

// ForRole 返回持有该角色、ID 最小的智能体。
func (d *Directory) ForRole(r role.ID) (Agent, bool) {
	list := d.byRole[r]
	if len(list) == 0 {
		return Agent{}, false
	}
	return list[0], true
}

// Coordinator 返回根角色上的协调智能体。
func (d *Directory) Coordinator() (Agent, bool) {
	return d.ForRole(d.graph.Root())
}

// List 按 ID 顺序返回全部智能体。
func (d *Directory) List() []Agent {
	return append([]Agent(nil), d.agents...)
}

// ByRole 返回持有该角色的全部智能体。
func (d *Directory) ByRole(r role.ID) []Agent {
	return append([]Agent(nil), d.byRole[r]...)
}

// Members 按角色分组返回组织图成员。
func (d *Directory) Members() map[role.ID][]role.Member {
	out := make(map[role.ID][]role.Member, len(d.byRole))
	for r, list := range d.byRole {
		for _, a := range list {
			out[r] = append(out[r], role.Member{ID: a.ID, Name: a.Name})
		}
	}
	return out
}
