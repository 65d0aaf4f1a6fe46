package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	sdk "AgentCompany/sdk/go/company"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	statusColors = map[string]lipgloss.Color{
		"pending":     "8",
		"assigned":    "14",
		"in_progress": "11",
		"review":      "13",
		"done":        "10",
		"failed":      "9",
		"approved":    "10",
		"rejected":    "9",
		"aborted":     "9",
	}
)

func styleStatus(s string) string {
	if s == "" {
		return labelStyle.Render("running")
	}
	color, ok := statusColors[s]
	if !ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(color).Render(s)
}

// table renders rows under a header with columns padded to the widest cell.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) write(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := ""
			if i < len(cells)-1 {
				pad = strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell + pad
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(t.header, &headStyle)
	for _, row := range t.rows {
		line(row, nil)
	}
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func usd(v float64) string { return "$" + strconv.FormatFloat(v, 'f', 4, 64) }

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("01-02 15:04:05")
}

func renderStatus(w io.Writer, s sdk.Status) {
	fmt.Fprintln(w, titleStyle.Render(s.Company))
	field(w, "owner", s.Owner)
	field(w, "agents", strconv.Itoa(s.Agents))
	field(w, "tasks", fmt.Sprintf("%d total, %d done, %d failed, %d open",
		s.Tasks.Total, s.Tasks.Done, s.Tasks.Failed,
		s.Tasks.Pending+s.Tasks.Assigned+s.Tasks.InProgress+s.Tasks.Review))
	spend := usd(s.Cost.TotalCostUSD)
	if s.Cost.CapUSD > 0 {
		spend += " of " + usd(s.Cost.CapUSD)
	}
	field(w, "spend", spend)
	field(w, "payments", fmt.Sprintf("%d pending", s.PendingPayments))
	field(w, "wallet", strconv.FormatBool(s.Wallet))
	field(w, "limits", fmt.Sprintf("%d cycles, %d waves/cycle, %d tasks, %ds",
		s.Limits.MaxCycles, s.Limits.MaxWavesPerCycle, s.Limits.MaxTotalTasks, s.Limits.MaxTimeSeconds))
	if len(s.ActiveGoals) == 0 {
		field(w, "goals", "none running")
		return
	}
	fmt.Fprintln(w)
	renderGoals(w, s.ActiveGoals)
}

func renderAgents(w io.Writer, agents []sdk.Agent) {
	t := table{header: []string{"ID", "NAME", "ROLE", "MODEL"}}
	for _, a := range agents {
		t.add(a.ID, a.Name, a.Role, a.Model)
	}
	t.write(w)
}

func renderOrgChart(w io.Writer, root sdk.OrgNode) {
	fmt.Fprintln(w, titleStyle.Render(root.Title))
	for i, child := range root.Children {
		renderOrgNode(w, child, "", i == len(root.Children)-1)
	}
}

func renderOrgNode(w io.Writer, n sdk.OrgNode, prefix string, last bool) {
	branch, next := "├── ", "│   "
	if last {
		branch, next = "└── ", "    "
	}
	names := make([]string, 0, len(n.Members))
	for _, m := range n.Members {
		names = append(names, m.Name)
	}
	line := headStyle.Render(n.Title)
	if len(names) > 0 {
		line += " " + labelStyle.Render(strings.Join(names, ", "))
	}
	fmt.Fprintln(w, prefix+branch+line)
	for i, child := range n.Children {
		renderOrgNode(w, child, prefix+next, i == len(n.Children)-1)
	}
}

func renderTasks(w io.Writer, tasks []sdk.Task) {
	t := table{header: []string{"ID", "STATUS", "ASSIGNEE", "ROLE", "DESCRIPTION"}}
	for _, task := range tasks {
		t.add(task.ID, styleStatus(task.Status), task.Assignee, task.Role, truncate(task.Description, 60))
	}
	t.write(w)
}

func renderTask(w io.Writer, t sdk.Task) {
	fmt.Fprintln(w, titleStyle.Render(t.ID))
	field(w, "goal run", t.GoalRunID)
	field(w, "status", styleStatus(t.Status))
	field(w, "creator", t.Creator)
	field(w, "assignee", t.Assignee)
	if t.Role != "" {
		field(w, "role", t.Role)
	}
	if len(t.DependsOn) > 0 {
		field(w, "depends on", strings.Join(t.DependsOn, ", "))
	}
	field(w, "attempts", strconv.Itoa(t.Attempts))
	field(w, "cost", usd(t.CostUSD))
	field(w, "updated", shortTime(t.UpdatedAt))
	fmt.Fprintln(w)
	fmt.Fprintln(w, t.Description)
	if t.Result != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headStyle.Render("result"))
		fmt.Fprintln(w, t.Result)
	}
	if t.FailureReason != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, errorStyle.Render(t.ErrorCode+": "+t.FailureReason))
	}
}

func renderGoals(w io.Writer, runs []sdk.GoalRun) {
	t := table{header: []string{"ID", "OUTCOME", "CYCLE", "PHASE", "STARTED", "GOAL"}}
	for _, r := range runs {
		t.add(r.ID, styleStatus(r.Outcome), strconv.Itoa(r.Cycle), r.Phase, shortTime(r.StartedAt), truncate(r.Goal, 50))
	}
	t.write(w)
}

func renderGoal(w io.Writer, d sdk.GoalDetail) {
	r := d.Run
	fmt.Fprintln(w, titleStyle.Render(r.ID))
	field(w, "goal", r.Goal)
	field(w, "outcome", styleStatus(r.Outcome))
	if r.Reason != "" {
		field(w, "reason", r.Reason)
	}
	field(w, "cycle", fmt.Sprintf("%d of %d (%s)", r.Cycle, r.Limits.MaxCycles, r.Phase))
	field(w, "started", shortTime(r.StartedAt))
	if r.EndedAt != nil {
		field(w, "ended", shortTime(*r.EndedAt))
	}
	for _, c := range r.Cycles {
		if c.Review != "" {
			field(w, fmt.Sprintf("review #%d", c.Number), truncate(c.Decision+" "+c.Review, 80))
		}
	}
	if len(d.Tasks) > 0 {
		fmt.Fprintln(w)
		renderTasks(w, d.Tasks)
	}
	if d.Summary != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, d.Summary)
	}
}

func renderCost(w io.Writer, c sdk.CostReport) {
	fmt.Fprintln(w, titleStyle.Render("spend"))
	field(w, "total", usd(c.TotalCostUSD))
	if c.CapUSD > 0 {
		field(w, "cap", usd(c.CapUSD))
	}
	field(w, "tokens", fmt.Sprintf("%d in, %d out", c.TotalInputTokens, c.TotalOutputTokens))
	field(w, "calls", strconv.Itoa(c.APICalls))

	agents := make([]string, 0, len(c.ByAgent))
	for name := range c.ByAgent {
		agents = append(agents, name)
	}
	sort.Slice(agents, func(i, j int) bool { return c.ByAgent[agents[i]] > c.ByAgent[agents[j]] })
	if len(agents) > 0 {
		fmt.Fprintln(w)
		t := table{header: []string{"AGENT", "COST"}}
		for _, name := range agents {
			t.add(name, usd(c.ByAgent[name]))
		}
		t.write(w)
	}
	if len(c.Recent) > 0 {
		fmt.Fprintln(w)
		t := table{header: []string{"TIME", "AGENT", "MODEL", "IN", "OUT", "COST"}}
		for _, u := range c.Recent {
			t.add(shortTime(u.At), u.Agent, u.Model,
				strconv.FormatInt(u.InputTokens, 10), strconv.FormatInt(u.OutputTokens, 10), usd(u.CostUSD))
		}
		t.write(w)
	}
}

func renderPayments(w io.Writer, payments []sdk.Payment) {
	t := table{header: []string{"ID", "STATUS", "AGENT", "AMOUNT", "TO", "REASON"}}
	for _, p := range payments {
		t.add(p.ID, styleStatus(p.Status), p.Agent, p.Amount+" "+p.Token, p.To, truncate(p.Reason, 40))
	}
	t.write(w)
}

func renderPayment(w io.Writer, p sdk.Payment) {
	fmt.Fprintln(w, titleStyle.Render(p.ID))
	field(w, "status", styleStatus(p.Status))
	field(w, "agent", p.Agent)
	field(w, "amount", p.Amount+" "+p.Token+" on "+p.Chain)
	field(w, "to", p.To)
	field(w, "reason", p.Reason)
	if p.DecidedBy != "" {
		field(w, "decided by", p.DecidedBy)
	}
	if p.Submission != "" {
		field(w, "submission", p.Submission)
	}
	if p.TxHash != "" {
		field(w, "tx", p.TxHash)
	}
	if p.SubmitError != "" {
		field(w, "error", errorStyle.Render(p.SubmitError))
	}
}

func renderWallet(w io.Writer, s sdk.WalletSnapshot) {
	fmt.Fprintln(w, titleStyle.Render(s.Chain))
	field(w, "chain id", s.ChainID)
	field(w, "block", s.BlockNumber)
	if s.Account != "" {
		field(w, "account", s.Account)
		field(w, "balance", s.Balance+" wei")
	}
	if s.Notes != "" {
		field(w, "notes", s.Notes)
	}
}

func renderEvent(w io.Writer, ev sdk.Event) {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Payload[k]))
	}
	fmt.Fprintf(w, "%s %s %s %s\n",
		labelStyle.Render(fmt.Sprintf("#%d", ev.Seq)),
		labelStyle.Render(shortTime(ev.OccurredAt)),
		headStyle.Render(ev.Topic),
		truncate(strings.Join(parts, " "), 100),
	)
}
