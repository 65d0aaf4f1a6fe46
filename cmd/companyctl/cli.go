// Package main defines the companyctl command line using kong.
package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// CLI is the top-level command tree.
type CLI struct {
	URL     string        `env:"COMPANY_URL" default:"http://127.0.0.1:8420" help:"Base URL of companyd"`
	Token   string        `env:"COMPANY_TOKEN" help:"Operator bearer token"`
	Company string        `short:"C" env:"COMPANY_NAME" help:"Company to address when companyd runs several"`
	JSON    bool          `help:"Print raw JSON instead of tables"`
	Timeout time.Duration `default:"30s" help:"Per-request timeout"`

	Status    StatusCmd    `cmd:"" help:"Show the company overview"`
	Companies CompaniesCmd `cmd:"" help:"List companies served by companyd"`
	Agents    AgentsCmd    `cmd:"" help:"List agents"`
	OrgChart  OrgChartCmd  `cmd:"" name:"org-chart" help:"Show the org chart"`
	Tasks     TasksCmd     `cmd:"" help:"Inspect and create tasks"`
	Goal      GoalCmd      `cmd:"" help:"Submit and control goal runs"`
	Cost      CostCmd      `cmd:"" help:"Show model spend"`
	Payments  PaymentsCmd  `cmd:"" help:"Review pending payments"`
	Wallet    WalletCmd    `cmd:"" help:"Show the company wallet on a chain"`
	Events    EventsCmd    `cmd:"" help:"Stream live events"`

	Version kong.VersionFlag `help:"Show version information"`
}

// StatusCmd prints the company overview.
type StatusCmd struct{}

// CompaniesCmd lists companies.
type CompaniesCmd struct{}

// AgentsCmd lists agents.
type AgentsCmd struct{}

// OrgChartCmd prints the org chart tree.
type OrgChartCmd struct{}

// TasksCmd groups task sub-commands.
type TasksCmd struct {
	List   TasksListCmd  `cmd:"" default:"withargs" help:"List tasks"`
	Show   TaskShowCmd   `cmd:"" help:"Show one task"`
	Create TaskCreateCmd `cmd:"" help:"Create an operator task"`
}

// TasksListCmd lists tasks with optional filters.
type TasksListCmd struct {
	Goal     string   `short:"g" help:"Only tasks of this goal run"`
	Assignee string   `short:"a" help:"Only tasks assigned to this agent"`
	Status   []string `short:"s" help:"Only tasks in these statuses (repeatable)"`
	Query    string   `short:"q" help:"Substring match on the description"`
	Limit    int      `short:"n" help:"Maximum number of tasks"`
}

// TaskShowCmd prints one task.
type TaskShowCmd struct {
	ID string `arg:"" help:"Task ID"`
}

// TaskCreateCmd creates a task.
type TaskCreateCmd struct {
	Description string   `arg:"" help:"What needs to be done"`
	Goal        string   `short:"g" help:"Attach to a running goal instead of the operator lane"`
	Role        string   `short:"r" help:"Role that should pick the task up"`
	Assignee    string   `short:"a" help:"Agent to assign directly"`
	DependsOn   []string `short:"d" help:"Task IDs this one waits for (repeatable)"`
}

// GoalCmd groups goal run sub-commands.
type GoalCmd struct {
	Submit GoalSubmitCmd `cmd:"" help:"Submit a goal"`
	List   GoalListCmd   `cmd:"" help:"List goal runs"`
	Show   GoalShowCmd   `cmd:"" help:"Show a goal run and its tasks"`
	Stop   GoalStopCmd   `cmd:"" help:"Stop a goal run at the next checkpoint"`
	Resume GoalResumeCmd `cmd:"" help:"Resume an interrupted goal run"`
	Wait   GoalWaitCmd   `cmd:"" help:"Wait until a goal run finishes"`
}

// GoalSubmitCmd submits a goal.
type GoalSubmitCmd struct {
	Goal []string `arg:"" help:"Goal text"`
	Wait bool     `short:"w" help:"Wait for the run to finish"`
}

// GoalListCmd lists goal runs.
type GoalListCmd struct{}

// GoalShowCmd prints one goal run.
type GoalShowCmd struct {
	ID string `arg:"" help:"Goal run ID"`
}

// GoalStopCmd stops a run.
type GoalStopCmd struct {
	ID string `arg:"" help:"Goal run ID"`
}

// GoalResumeCmd resumes a run.
type GoalResumeCmd struct {
	ID   string `arg:"" help:"Goal run ID"`
	Wait bool   `short:"w" help:"Wait for the run to finish"`
}

// GoalWaitCmd polls a run until it finishes.
type GoalWaitCmd struct {
	ID    string        `arg:"" help:"Goal run ID"`
	Every time.Duration `default:"2s" help:"Polling interval"`
}

// CostCmd prints the spend summary.
type CostCmd struct {
	Recent int `short:"n" default:"10" help:"Number of recent calls to include"`
}

// PaymentsCmd groups payment sub-commands.
type PaymentsCmd struct {
	List    PaymentsListCmd   `cmd:"" default:"withargs" help:"List payments"`
	Show    PaymentShowCmd    `cmd:"" help:"Show one payment"`
	Approve PaymentApproveCmd `cmd:"" help:"Approve and submit a payment"`
	Reject  PaymentRejectCmd  `cmd:"" help:"Reject a payment"`
}

// PaymentsListCmd lists payments.
type PaymentsListCmd struct {
	Status string `short:"s" help:"Only payments in this status: pending, approved or rejected"`
}

// PaymentShowCmd prints one payment.
type PaymentShowCmd struct {
	ID string `arg:"" help:"Payment ID"`
}

// PaymentApproveCmd approves a pending payment.
type PaymentApproveCmd struct {
	ID string `arg:"" help:"Payment ID"`
}

// PaymentRejectCmd rejects a pending payment.
type PaymentRejectCmd struct {
	ID string `arg:"" help:"Payment ID"`
}

// WalletCmd prints a wallet snapshot.
type WalletCmd struct {
	Chain string `arg:"" optional:"" help:"Chain name, defaults to the company's default chain"`
}

// EventsCmd streams events until interrupted.
type EventsCmd struct {
	After  uint64   `help:"Replay events after this sequence number"`
	Topics []string `short:"t" help:"Topic patterns such as task.* (repeatable)"`
}
