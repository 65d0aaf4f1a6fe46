package company

import "time"

// Agent is a member of the company.
type Agent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Model   string `json:"model,omitempty"`
	Persona string `json:"persona,omitempty"`
}

// Task mirrors the engine's task record.
type Task struct {
	ID            string     `json:"id"`
	GoalRunID     string     `json:"goal_run_id"`
	Seq           int64      `json:"seq"`
	Description   string     `json:"description"`
	Role          string     `json:"role,omitempty"`
	Creator       string     `json:"creator"`
	Assignee      string     `json:"assignee,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	Status        string     `json:"status"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	Attempts      int        `json:"attempts"`
	Reworks       int        `json:"reworks"`
	CostUSD       float64    `json:"cost_usd"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskFilter narrows a task listing. Zero values are ignored.
type TaskFilter struct {
	GoalRunID string
	Assignee  string
	Statuses  []string
	Query     string
	Limit     int
	Offset    int
}

// CreateTask is the payload for an operator task. Without GoalRunID the task
// runs immediately on the operator lane.
type CreateTask struct {
	GoalRunID   string   `json:"goal_run_id,omitempty"`
	Description string   `json:"description"`
	Role        string   `json:"role,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Limits are the budgets captured when a goal run starts.
type Limits struct {
	MaxCycles        int     `json:"max_cycles"`
	MaxWavesPerCycle int     `json:"max_waves_per_cycle"`
	MaxTotalTasks    int     `json:"max_total_tasks"`
	MaxTimeSeconds   int     `json:"max_time_seconds"`
	MaxCostUSD       float64 `json:"max_cost_usd"`
}

// CycleRecord summarises one plan/execute/review cycle.
type CycleRecord struct {
	Number    int        `json:"number"`
	Phase     string     `json:"phase"`
	Planned   int        `json:"planned"`
	Warnings  []string   `json:"warnings,omitempty"`
	Decision  string     `json:"decision,omitempty"`
	Review    string     `json:"review,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// GoalRun is one autonomous execution of a goal.
type GoalRun struct {
	ID          string        `json:"id"`
	Company     string        `json:"company"`
	Goal        string        `json:"goal"`
	Coordinator string        `json:"coordinator"`
	Limits      Limits        `json:"limits"`
	Cycle       int           `json:"cycle"`
	Phase       string        `json:"phase"`
	Cycles      []CycleRecord `json:"cycles"`
	Outcome     string        `json:"outcome,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// Finished reports whether the run reached a terminal outcome.
func (r GoalRun) Finished() bool { return r.Outcome != "" }

// GoalDetail is a goal run with its tasks and progress summary.
type GoalDetail struct {
	Run     GoalRun `json:"run"`
	Summary string  `json:"summary"`
	Tasks   []Task  `json:"tasks"`
}

// TaskStats counts tasks per status.
type TaskStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Review     int `json:"review"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// PairTotal is the spend of one agent on one model.
type PairTotal struct {
	Agent   string  `json:"agent"`
	Model   string  `json:"model"`
	CostUSD float64 `json:"cost_usd"`
	Tokens  int64   `json:"tokens"`
	Calls   int     `json:"calls"`
}

// CostSummary aggregates model spend.
type CostSummary struct {
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

// Usage is one recorded model call.
type Usage struct {
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	At           time.Time `json:"timestamp"`
}

// CostReport is the ledger summary plus the most recent calls.
type CostReport struct {
	CostSummary
	Recent []Usage `json:"recent"`
}

// Status is the company overview.
type Status struct {
	Company         string      `json:"company"`
	Owner           string      `json:"owner"`
	Agents          int         `json:"agents"`
	Tasks           TaskStats   `json:"tasks"`
	ActiveGoals     []GoalRun   `json:"active_goals"`
	Cost            CostSummary `json:"cost"`
	PendingPayments int         `json:"pending_payments"`
	Wallet          bool        `json:"wallet"`
	Limits          Limits      `json:"limits"`
	LastEventSeq    uint64      `json:"last_event_seq"`
}

// Payment is a crypto payment awaiting or past an operator decision.
type Payment struct {
	ID          string     `json:"id"`
	Seq         int64      `json:"seq"`
	Agent       string     `json:"agent"`
	GoalRunID   string     `json:"goal_run_id,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	To          string     `json:"to_address"`
	Amount      string     `json:"amount"`
	Chain       string     `json:"chain"`
	Token       string     `json:"token"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	Submission  string     `json:"submission_status,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty"`
	SubmitError string     `json:"submit_error,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// OrgMember is an agent listed under a role in the org chart.
type OrgMember struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OrgNode is one node of the org chart rooted at the owner.
type OrgNode struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Kind     string      `json:"kind"`
	Members  []OrgMember `json:"members,omitempty"`
	Children []OrgNode   `json:"children,omitempty"`
}

// WalletSnapshot is the company wallet on one chain.
type WalletSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Account     string `json:"account,omitempty"`
	Balance     string `json:"balance_wei,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Event is one engine event from the live stream.
type Event struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	Topic      string         `json:"topic"`
	Company    string         `json:"company"`
	GoalRunID  string         `json:"goal_run_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}
