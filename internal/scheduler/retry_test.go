package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentCompany/internal/agent"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/llm/llmtest"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/planner"
	"AgentCompany/internal/role"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

// sideEffectScript 先委派并申请付款，随后一次大模型调用失败。
func sideEffectScript(rest ...llmtest.Step) *llmtest.Scripted {
	steps := []llmtest.Step{
		llmtest.Tools(
			llmtest.Call(agent.ToolDelegateTask, map[string]any{"to_role": "developer", "task_description": "build landing page"}),
			llmtest.Call(agent.ToolRequestPayment, map[string]any{"to_address": "0x742d35Cc6634C0532925a3b844Bc454e4438f44e", "amount": "0.5", "reason": "domain"}),
		),
		llmtest.Fail(xerrors.Provider(errors.New("502 bad gateway"), "upstream")),
	}
	return llmtest.New(append(steps, rest...)...)
}

func runtimeEnv(t *testing.T, e env, client *llmtest.Scripted, opts ...agent.Option) (*agent.Runtime, *payment.Queue) {
	t.Helper()
	queue := payment.NewQueue(payment.NewMemoryStore(), payment.WithLogger(logger.Discard(), logger.Discard()))
	opts = append([]agent.Option{
		agent.WithTaskStore(e.store),
		agent.WithPayments(queue),
		agent.WithLogger(logger.Discard()),
	}, opts...)
	rt := agent.NewRuntime("acme", e.dir, client, opts...)
	pl := planner.New(e.store, e.dir, rt, planner.WithRetry(3, 0), planner.WithLogger(logger.Discard()))
	rt.SetDelegator(pl)
	return rt, queue
}

func TestCallRetryKeepsToolSideEffects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	parent := e.add(t, "launch", role.CTO)
	client := sideEffectScript(
		llmtest.Tool(agent.ToolReportResult, map[string]any{"result": "delegated the build", "status": "done"}),
	)
	rt, queue := runtimeEnv(t, e, client, agent.WithCallRetry(3, 0))
	s := e.scheduler(rt)

	ready, err := s.Next(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	wave, err := s.RunWave(ctx, WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	assert.Equal(t, 1, wave.Waiting)
	assert.Equal(t, 3, client.Calls())

	kids, err := e.store.Children(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	payments, err := queue.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, payments, 1)

	got, _ := e.store.Get(ctx, parent.ID)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Equal(t, "delegated the build", got.PendingResult)
}

func TestInvocationWithSideEffectsIsNotRestarted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	parent := e.add(t, "launch", role.CTO)
	// 没有单次调用重试时失败直接交给调度器；已经委派过，不能从头再跑一遍。
	client := sideEffectScript()
	client.Fallback = llmtest.Tool(agent.ToolReportResult, map[string]any{"result": "again", "status": "done"})
	rt, queue := runtimeEnv(t, e, client)
	s := e.scheduler(rt)

	ready, _ := s.Next(ctx, "run1")
	require.Len(t, ready, 1)
	_, err := s.RunWave(ctx, WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls())

	kids, _ := e.store.Children(ctx, parent.ID)
	assert.Len(t, kids, 1)
	payments, _ := queue.List(ctx, "")
	assert.Len(t, payments, 1)

	got, _ := e.store.Get(ctx, parent.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, string(xerrors.CodeProvider), got.ErrorCode)
}
