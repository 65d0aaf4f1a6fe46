package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"AgentCompany/internal/llm"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/role"
	"AgentCompany/internal/task"
)

// 工具名称。
const (
	ToolDelegateTask   = "delegate_task"
	ToolReportResult   = "report_result"
	ToolRequestPayment = "request_payment"
)

// DelegateRequest 是智能体在执行任务过程中发起的子委派。
type DelegateRequest struct {
	GoalRunID   string
	ParentID    string
	From        Agent
	ToRole      role.ID
	Description string
	DependsOn   []string
}

// Delegator 把子委派写入任务图，通常由规划器实现。
type Delegator interface {
	Delegate(ctx context.Context, req DelegateRequest) (*task.Task, error)
}

// PaymentRequester 接收智能体发起的付款请求，通常由付款审批队列实现。
type PaymentRequester interface {
	Enqueue(ctx context.Context, req payment.EnqueueRequest) (*payment.Request, error)
}

type delegateArgs struct {
	ToRole          string   `json:"to_role"`
	TaskDescription string   `json:"task_description"`
	DependsOn       []string `json:"depends_on"`
}

type reportArgs struct {
	Result string `json:"result"`
	Status string `json:"status"`
}

type paymentArgs struct {
	ToAddress string          `json:"to_address"`
	Amount    json.RawMessage `json:"amount"`
	Chain     string          `json:"chain"`
	Reason    string          `json:"reason"`
}

// amount 兼容字符串与数字两种写法。
func (p paymentArgs) amount() string {
	raw := strings.TrimSpace(string(p.Amount))
	var s string
	if err := json.Unmarshal(p.Amount, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return raw
}

// toolSpecs 返回某个角色可用的工具，没有下游角色时不提供 delegate_task。
func toolSpecs(targets []role.ID, chains []string) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, 3)
	if len(targets) > 0 {
		roles := make([]string, 0, len(targets))
		for _, t := range targets {
			roles = append(roles, string(t))
		}
		specs = append(specs, llm.ToolSpec{
			Name:        ToolDelegateTask,
			Description: "Delegate a sub-task to a role that reports to you. The sub-task runs in a later wave; your task completes after all delegated sub-tasks are done.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_role":          map[string]any{"type": "string", "enum": roles},
					"task_description": map[string]any{"type": "string"},
					"depends_on": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "IDs of tasks you delegated earlier that must finish first",
					},
				},
				"required": []string{"to_role", "task_description"},
			},
		})
	}
	chainProp := map[string]any{"type": "string"}
	if len(chains) > 0 {
		chainProp["enum"] = chains
	}
	specs = append(specs,
		llm.ToolSpec{
			Name:        ToolRequestPayment,
			Description: "Request a crypto payment. The request waits for the human owner's approval; no funds move until then.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_address": map[string]any{"type": "string"},
					"amount":     map[string]any{"type": "string", "description": "decimal amount of the chain's native token"},
					"chain":      chainProp,
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"to_address", "amount", "reason"},
			},
		},
		llm.ToolSpec{
			Name:        ToolReportResult,
			Description: "Report the final result of your task. Call this exactly once when finished.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"result": map[string]any{"type": "string"},
					"status": map[string]any{"type": "string", "enum": []string{"done", "failed"}},
				},
				"required": []string{"result", "status"},
			},
		},
	)
	return specs
}

func decodeArgs(call llm.ToolCall, v any) error {
	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", call.Name, err)
	}
	return nil
}
