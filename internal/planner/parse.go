package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"AgentCompany/internal/role"
)

// ProposedTask 是规划结果中的一项。DependsOn 引用同一计划中更早条目的下标。
type ProposedTask struct {
	Description string  `json:"description"`
	Role        role.ID `json:"role"`
	DependsOn   []int   `json:"depends_on,omitempty"`
}

type rawProposal struct {
	Description string `json:"description"`
	Role        string `json:"role"`
	ToRole      string `json:"to_role"`
	DependsOn   []int  `json:"depends_on"`
}

// ParsePlan 从模型输出中提取 JSON 数组，允许外层包裹 Markdown 代码块或说明文字。
func ParsePlan(text string) ([]ProposedTask, error) {
	body := stripFences(text)
	start := strings.IndexByte(body, '[')
	end := strings.LastIndexByte(body, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("plan output contains no JSON array")
	}
	var raw []rawProposal
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	out := make([]ProposedTask, 0, len(raw))
	for _, r := range raw {
		id := r.Role
		if id == "" {
			id = r.ToRole
		}
		out = append(out, ProposedTask{
			Description: strings.TrimSpace(r.Description),
			Role:        role.ID(strings.ToLower(strings.TrimSpace(id))),
			DependsOn:   r.DependsOn,
		})
	}
	return out, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "```") {
		return text
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
