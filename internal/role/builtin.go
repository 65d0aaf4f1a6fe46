package role

// 内置岗位。
const (
	CEO            ID = "ceo"
	CTO            ID = "cto"
	ProjectManager ID = "project_manager"
	Developer      ID = "developer"
	Marketer       ID = "marketer"
	Sales          ID = "sales"
	Support        ID = "support"
	Finance        ID = "finance"
	HR             ID = "hr"
)

// Builtin 返回默认组织架构。CEO 为根角色，直接面向公司所有者。
func Builtin() []Role {
	return []Role{
		{
			ID:          CEO,
			Title:       "Chief Executive Officer",
			Description: "Owns the company goal, breaks it into work and reviews progress.",
			DelegateTo:  []ID{CTO, ProjectManager, Marketer, Sales, Support, Finance, HR},
		},
		{
			ID:          CTO,
			Title:       "Chief Technology Officer",
			Description: "Owns technical direction and engineering delivery.",
			ReportsTo:   CEO,
			DelegateTo:  []ID{Developer},
		},
		{
			ID:          ProjectManager,
			Title:       "Project Manager",
			Description: "Coordinates delivery across engineering and support.",
			ReportsTo:   CEO,
			DelegateTo:  []ID{Developer, Support},
		},
		{ID: Developer, Title: "Software Developer", Description: "Builds and ships software.", ReportsTo: CTO},
		{ID: Marketer, Title: "Marketing Lead", Description: "Positioning, content and campaigns.", ReportsTo: CEO},
		{ID: Sales, Title: "Sales Lead", Description: "Pipeline, outreach and closing.", ReportsTo: CEO},
		{ID: Support, Title: "Customer Support", Description: "Answers customers and triages issues.", ReportsTo: CEO},
		{ID: Finance, Title: "Finance Lead", Description: "Budgets, invoicing and payment requests.", ReportsTo: CEO},
		{ID: HR, Title: "HR Lead", Description: "Hiring plans and team health.", ReportsTo: CEO},
	}
}

// WithCustom 将自定义角色合并到内置角色之上：同 ID 的角色被覆盖，新 ID 追加在末尾。
func WithCustom(base, custom []Role) []Role {
	out := make([]Role, 0, len(base)+len(custom))
	index := make(map[ID]int, len(base))
	for _, r := range base {
		index[r.ID] = len(out)
		out = append(out, r)
	}
	for _, r := range custom {
		if i, ok := index[r.ID]; ok {
			out[i] = r
			continue
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}
