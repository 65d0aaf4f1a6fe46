package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AgentCompany/internal/cost"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/knowledge"
	"AgentCompany/internal/llm"
	"AgentCompany/internal/llm/llmtest"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/role"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	graph, err := role.New(role.Builtin())
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	dir, err := NewDirectory(graph,
		Agent{Name: "Zed", Role: role.Developer},
		Agent{Name: "Alice", Role: role.CEO, Model: "gpt-4o"},
		Agent{Name: "Bob Builder", Role: role.Developer},
		Agent{Name: "Carol", Role: role.CTO},
	)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	return dir
}

type fakeDelegator struct {
	requests []DelegateRequest
	err      error
}

func (f *fakeDelegator) Delegate(_ context.Context, req DelegateRequest) (*task.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &task.Task{ID: "child1", Role: req.ToRole}, nil
}

type fakePayments struct {
	got []payment.EnqueueRequest
}

func (f *fakePayments) Enqueue(_ context.Context, req payment.EnqueueRequest) (*payment.Request, error) {
	f.got = append(f.got, req)
	return &payment.Request{ID: "pay1", Amount: req.Amount, Chain: "ethereum", Token: "ETH"}, nil
}

func TestDirectoryLowestIDWins(t *testing.T) {
	dir := newDirectory(t)
	dev, ok := dir.ForRole(role.Developer)
	if !ok || dev.ID != "bob-builder" {
		t.Fatalf("expected bob-builder, got %+v", dev)
	}
	coord, ok := dir.Coordinator()
	if !ok || coord.ID != "alice" {
		t.Fatalf("expected alice as coordinator, got %+v", coord)
	}
	if _, ok := dir.ForRole(role.HR); ok {
		t.Fatalf("no agent should hold hr")
	}
	if got := len(dir.Members()[role.Developer]); got != 2 {
		t.Fatalf("expected 2 developer members, got %d", got)
	}
	if _, err := NewDirectory(dir.Graph(), Agent{Name: "x", Role: "janitor"}); !xerrors.Is(err, role.CodeRoleConfig) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
	if _, err := NewDirectory(dir.Graph(), Agent{Name: "a", Role: role.CEO}, Agent{Name: "A", Role: role.CTO}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestInvokeToolLoop(t *testing.T) {
	dir := newDirectory(t)
	ceo, _ := dir.Get("alice")
	ledger := cost.NewLedger(cost.WithLogger(logger.Discard()))
	store := task.NewMemoryStore(task.WithLogger(logger.Discard(), logger.Discard()))
	parent, err := store.Create(context.Background(), &task.Task{GoalRunID: "run1", Description: "launch product", Role: role.CEO})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	client := llmtest.New(
		llmtest.Tools(
			llmtest.Call(ToolDelegateTask, map[string]any{"to_role": "CTO", "task_description": "build landing page"}),
			llmtest.Call(ToolRequestPayment, map[string]any{"to_address": "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "amount": 0.5, "reason": "domain"}),
		),
		llmtest.Tool(ToolReportResult, map[string]any{"result": "plan delegated", "status": "done"}),
	)
	delegator := &fakeDelegator{}
	payments := &fakePayments{}
	kb := knowledge.NewStaticProvider([]knowledge.Snippet{{Title: "niche", Content: "indie devs", Keywords: []string{"launch"}}}, 3)

	rt := NewRuntime("Acme", dir, client,
		WithLedger(ledger),
		WithTaskStore(store),
		WithPayments(payments, "ethereum", "base"),
		WithKnowledgeProvider(kb),
		WithLogger(logger.Discard()),
	)
	rt.SetDelegator(delegator)

	out, err := rt.Invoke(context.Background(), Invocation{Task: parent, Agent: ceo, Goal: "launch product"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Status != task.StatusDone || out.Result != "plan delegated" || out.Iterations != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(delegator.requests) != 1 || delegator.requests[0].ToRole != role.CTO || delegator.requests[0].ParentID != parent.ID {
		t.Fatalf("unexpected delegation: %+v", delegator.requests)
	}
	if len(payments.got) != 1 || payments.got[0].Amount != "0.5" || payments.got[0].Agent != "alice" {
		t.Fatalf("unexpected payment: %+v", payments.got)
	}
	if len(out.Delegated) != 1 || len(out.Payments) != 1 {
		t.Fatalf("outcome should list side effects: %+v", out)
	}

	reqs := client.Requests()
	if !strings.Contains(reqs[0].System, "Alice, the Chief Executive Officer of Acme") &&
		!strings.Contains(reqs[0].System, "of Acme") {
		t.Fatalf("system prompt missing company: %q", reqs[0].System)
	}
	if !strings.Contains(reqs[0].System, "BUSINESS CONTEXT") {
		t.Fatalf("system prompt missing knowledge block")
	}
	if reqs[0].Model != "gpt-4o" || len(reqs[0].Tools) != 3 {
		t.Fatalf("unexpected request: model=%s tools=%d", reqs[0].Model, len(reqs[0].Tools))
	}
	// 第二轮携带了两条工具结果。
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Content, "pending the owner's approval") {
		t.Fatalf("unexpected tool message: %+v", last)
	}

	if ledger.Summary().APICalls != 2 || ledger.Total() <= 0 {
		t.Fatalf("ledger should record both calls: %+v", ledger.Summary())
	}
	stored, _ := store.Get(context.Background(), parent.ID)
	if stored.CostUSD <= 0 {
		t.Fatalf("task cost should be attributed")
	}
}

func TestInvokeWithoutDelegateTargets(t *testing.T) {
	dir := newDirectory(t)
	dev, _ := dir.Get("zed")
	client := llmtest.New(llmtest.Text("all done"))
	rt := NewRuntime("Acme", dir, client, WithLogger(logger.Discard()))
	rt.SetDelegator(&fakeDelegator{})

	out, err := rt.Invoke(context.Background(), Invocation{Task: &task.Task{ID: "t1", Description: "code"}, Agent: dev})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Status != task.StatusDone || out.Result != "all done" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	for _, spec := range client.Requests()[0].Tools {
		if spec.Name == ToolDelegateTask {
			t.Fatalf("developer must not be offered delegate_task")
		}
	}
}

func TestInvokeIterationCap(t *testing.T) {
	dir := newDirectory(t)
	dev, _ := dir.Get("zed")
	client := llmtest.New()
	client.Fallback = llmtest.Tool("search_web", map[string]any{"q": "x"})
	rt := NewRuntime("Acme", dir, client, WithMaxIterations(3), WithLogger(logger.Discard()))

	out, err := rt.Invoke(context.Background(), Invocation{Task: &task.Task{ID: "t1", Description: "loop"}, Agent: dev})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Status != task.StatusFailed || client.Calls() != 3 {
		t.Fatalf("expected failure after 3 calls, got %+v calls=%d", out, client.Calls())
	}
}

func TestInvokeBudgetAndProviderErrors(t *testing.T) {
	dir := newDirectory(t)
	dev, _ := dir.Get("zed")

	ledger := cost.NewLedger(cost.WithCap(1), cost.WithLogger(logger.Discard()))
	ledger.Record("someone", "gpt-4o", 1, 0)
	client := llmtest.New(llmtest.Text("never"))
	rt := NewRuntime("Acme", dir, client, WithLedger(ledger), WithDefaultModel("gpt-4o"), WithLogger(logger.Discard()))
	if _, err := rt.Invoke(context.Background(), Invocation{Task: &task.Task{ID: "t1", Description: "x"}, Agent: dev}); !xerrors.Is(err, xerrors.CodeBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if client.Calls() != 0 {
		t.Fatalf("no call should be made over budget")
	}

	failing := llmtest.New(llmtest.Fail(xerrors.Provider(errors.New("503"), "upstream")))
	rt = NewRuntime("Acme", dir, failing, WithLogger(logger.Discard()))
	_, err := rt.Invoke(context.Background(), Invocation{Task: &task.Task{ID: "t1", Description: "x"}, Agent: dev})
	if !xerrors.RetryableError(err) {
		t.Fatalf("provider error should stay retryable, got %v", err)
	}
}

func TestCallRetryExhausted(t *testing.T) {
	dir := newDirectory(t)
	dev, _ := dir.Get("zed")
	upstream := xerrors.Provider(errors.New("503"), "upstream")
	client := llmtest.New(llmtest.Fail(upstream), llmtest.Fail(upstream), llmtest.Text("too late"))
	rt := NewRuntime("Acme", dir, client, WithCallRetry(2, 0), WithLogger(logger.Discard()))
	_, err := rt.Invoke(context.Background(), Invocation{Task: &task.Task{ID: "t1", Description: "x"}, Agent: dev})
	if !xerrors.Is(err, xerrors.CodeProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("exhausted call retries must not be retried again")
	}
	if client.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", client.Calls())
	}
}

func TestComplete(t *testing.T) {
	dir := newDirectory(t)
	ceo, _ := dir.Coordinator()
	client := llmtest.New(llmtest.Text("DONE"))
	rt := NewRuntime("Acme", dir, client, WithLogger(logger.Discard()))
	got, err := rt.Complete(context.Background(), CompleteRequest{Agent: ceo, Prompt: "review"})
	if err != nil || got != "DONE" {
		t.Fatalf("complete: %q %v", got, err)
	}
	if len(client.Requests()[0].Tools) != 0 {
		t.Fatalf("complete must not offer tools")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{"Ada Lovelace": "ada-lovelace", "  dev_1 ": "dev_1", "R&D -- Lead!": "r-d-lead"}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
