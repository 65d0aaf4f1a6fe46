package agent

import (
	"fmt"
	"strings"

	"AgentCompany/internal/knowledge"
	"AgentCompany/internal/role"
	"AgentCompany/internal/task"
)

func roleID(s string) role.ID {
	return role.ID(strings.ToLower(strings.TrimSpace(s)))
}

// systemPrompt 由角色、公司名称、团队成员与业务知识拼接而成。
func (r *Runtime) systemPrompt(a Agent, topic string, targets []role.ID) string {
	graph := r.directory.Graph()
	rl, _ := graph.Get(a.Role)

	var b strings.Builder
	title := rl.Title
	if title == "" {
		title = string(a.Role)
	}
	fmt.Fprintf(&b, "You are %s, the %s of %s.\n", a.Name, title, r.company)
	if rl.Description != "" {
		b.WriteString(rl.Description)
		b.WriteString("\n")
	}
	if a.Persona != "" {
		b.WriteString(a.Persona)
		b.WriteString("\n")
	}
	if rl.ReportsTo != "" {
		if boss, ok := graph.Get(rl.ReportsTo); ok {
			fmt.Fprintf(&b, "You report to the %s.\n", boss.Title)
		}
	} else {
		b.WriteString("You report directly to the company owner.\n")
	}

	b.WriteString("\nTEAM:\n")
	for _, member := range r.directory.List() {
		mr, _ := graph.Get(member.Role)
		fmt.Fprintf(&b, "- %s (%s)\n", member.Name, mr.Title)
	}
	if len(targets) > 0 {
		names := make([]string, 0, len(targets))
		for _, t := range targets {
			names = append(names, string(t))
		}
		fmt.Fprintf(&b, "\nYou may delegate work to these roles: %s.\n", strings.Join(names, ", "))
	}
	if r.knowledge != nil {
		if block := knowledge.Format(r.knowledge.Query(topic, a.Role)); block != "" {
			b.WriteString("\n")
			b.WriteString(block)
		}
	}
	return b.String()
}

func taskPrompt(inv Invocation) string {
	var b strings.Builder
	if inv.Goal != "" {
		fmt.Fprintf(&b, "COMPANY GOAL: %s\n\n", inv.Goal)
	}
	fmt.Fprintf(&b, "YOUR TASK (%s): %s\n", inv.Task.ID, inv.Task.Description)
	if ctx := strings.TrimSpace(inv.Context); ctx != "" {
		fmt.Fprintf(&b, "\nCONTEXT:\n%s\n", ctx)
	}
	if inv.Task.Reworks > 0 && inv.Task.Result != "" {
		fmt.Fprintf(&b, "\nYour previous result was sent back for rework:\n%s\n", task.Truncate(inv.Task.Result, 500))
	}
	b.WriteString("\nWork on the task, then call report_result with your result.")
	return b.String()
}
