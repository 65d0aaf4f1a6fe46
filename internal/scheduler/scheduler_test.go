package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentCompany/internal/agent"
	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/internal/role"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

type invokerFunc func(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error)

func (f invokerFunc) Invoke(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error) {
	return f(ctx, inv)
}

func done(result string) (*agent.Outcome, error) {
	return &agent.Outcome{Status: task.StatusDone, Result: result}, nil
}

type env struct {
	store *task.MemoryStore
	dir   *agent.Directory
	bus   *events.Bus
}

func newEnv(t *testing.T) env {
	t.Helper()
	graph, err := role.New(role.Builtin())
	require.NoError(t, err)
	dir, err := agent.NewDirectory(graph,
		agent.Agent{Name: "ceo", Role: role.CEO},
		agent.Agent{Name: "cto", Role: role.CTO},
		agent.Agent{Name: "dev", Role: role.Developer},
		agent.Agent{Name: "mkt", Role: role.Marketer},
	)
	require.NoError(t, err)
	bus := events.NewBus("acme", events.WithBusLogger(logger.Discard()))
	t.Cleanup(bus.Close)
	return env{
		store: task.NewMemoryStore(task.WithPublisher(bus), task.WithLogger(logger.Discard(), logger.Discard())),
		dir:   dir,
		bus:   bus,
	}
}

func (e env) add(t *testing.T, desc string, r role.ID, deps ...string) *task.Task {
	t.Helper()
	created, err := e.store.Create(context.Background(), &task.Task{GoalRunID: "run1", Description: desc, Role: r, DependsOn: deps})
	require.NoError(t, err)
	return created
}

func (e env) scheduler(inv Invoker, opts ...Option) *Scheduler {
	opts = append([]Option{WithRetry(3, 0), WithPublisher(e.bus), WithLogger(logger.Discard())}, opts...)
	return New(e.store, e.dir, inv, opts...)
}

func TestWaveRunsIndependentTasksConcurrently(t *testing.T) {
	e := newEnv(t)
	for _, d := range []string{"a", "b", "c"} {
		e.add(t, d, role.Marketer)
	}
	var running, peak int32
	release := make(chan struct{})
	s := e.scheduler(invokerFunc(func(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		if n == 3 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		atomic.AddInt32(&running, -1)
		return done("ok " + inv.Task.Description)
	}))

	ready, err := s.Next(context.Background(), "run1")
	require.NoError(t, err)
	require.Len(t, ready, 3)

	wave, err := s.RunWave(context.Background(), WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	assert.Equal(t, 3, wave.Done)
	assert.EqualValues(t, 3, atomic.LoadInt32(&peak))

	tasks, _ := e.store.RunTasks(context.Background(), "run1")
	for _, tk := range tasks {
		assert.Equal(t, task.StatusDone, tk.Status)
		assert.Equal(t, "mkt", tk.Assignee)
		assert.NotNil(t, tk.CompletedAt)
	}
	history := e.bus.History(0)
	assert.Equal(t, events.TopicCycleWave, history[len(history)-1].Topic)

	next, err := s.Next(context.Background(), "run1")
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestDependentNeverStartsWhenPrerequisiteFails(t *testing.T) {
	e := newEnv(t)
	y := e.add(t, "y", role.Marketer)
	x := e.add(t, "x", role.Marketer, y.ID)
	var mu sync.Mutex
	var invoked []string
	s := e.scheduler(invokerFunc(func(_ context.Context, inv agent.Invocation) (*agent.Outcome, error) {
		mu.Lock()
		invoked = append(invoked, inv.Task.Description)
		mu.Unlock()
		return &agent.Outcome{Status: task.StatusFailed, Result: "could not do it"}, nil
	}))

	ready, _ := s.Next(context.Background(), "run1")
	require.Len(t, ready, 1)
	_, err := s.RunWave(context.Background(), WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)

	failedY, _ := e.store.Get(context.Background(), y.ID)
	assert.Equal(t, task.StatusFailed, failedY.Status)
	assert.Equal(t, string(CodeAgentReportedFailure), failedY.ErrorCode)

	next, _ := s.Next(context.Background(), "run1")
	assert.Empty(t, next)
	stillX, _ := e.store.Get(context.Background(), x.ID)
	assert.Equal(t, task.StatusPending, stillX.Status)
	assert.Equal(t, []string{"y"}, invoked)
}

func TestProviderErrorsRetriedThenFail(t *testing.T) {
	e := newEnv(t)
	e.add(t, "flaky", role.Marketer)
	e.add(t, "broken", role.Marketer)
	calls := map[string]int{}
	var mu sync.Mutex
	s := e.scheduler(invokerFunc(func(_ context.Context, inv agent.Invocation) (*agent.Outcome, error) {
		mu.Lock()
		calls[inv.Task.Description]++
		n := calls[inv.Task.Description]
		mu.Unlock()
		if inv.Task.Description == "flaky" && n == 3 {
			return done("finally")
		}
		return nil, xerrors.Provider(errors.New("503"), "upstream")
	}))

	ready, _ := s.Next(context.Background(), "run1")
	wave, err := s.RunWave(context.Background(), WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	assert.Equal(t, 1, wave.Done)
	assert.Equal(t, 1, wave.Failed)
	assert.Equal(t, 3, calls["flaky"])
	assert.Equal(t, 3, calls["broken"])

	tasks, _ := e.store.RunTasks(context.Background(), "run1")
	for _, tk := range tasks {
		if tk.Description == "broken" {
			assert.Equal(t, string(xerrors.CodeProvider), tk.ErrorCode)
			assert.Equal(t, 2, tk.Attempts)
		}
	}
}

func TestTaskTimeout(t *testing.T) {
	e := newEnv(t)
	slow := e.add(t, "slow", role.Marketer)
	s := e.scheduler(invokerFunc(func(ctx context.Context, _ agent.Invocation) (*agent.Outcome, error) {
		time.Sleep(300 * time.Millisecond)
		return done("late")
	}), WithTaskTimeout(50*time.Millisecond))

	ready, _ := s.Next(context.Background(), "run1")
	_, err := s.RunWave(context.Background(), WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)

	got, _ := e.store.Get(context.Background(), slow.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, string(xerrors.CodeExecutionTimeout), got.ErrorCode)
	assert.Empty(t, got.Result, "late result must be ignored")
}

// delegatingInvoker 让 cto 在第一次执行时向 developer 委派子任务。
func delegatingInvoker(e env, childOutcome task.Status) Invoker {
	return invokerFunc(func(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error) {
		if inv.Agent.Role == role.CTO {
			_, err := e.store.Create(ctx, &task.Task{GoalRunID: inv.Task.GoalRunID, ParentID: inv.Task.ID, Description: "child", Role: role.Developer, Creator: inv.Agent.ID})
			if err != nil {
				return nil, err
			}
			return done("parent summary")
		}
		return &agent.Outcome{Status: childOutcome, Result: "child result"}, nil
	})
}

func TestParentCompletesAfterChildren(t *testing.T) {
	e := newEnv(t)
	parent := e.add(t, "build", role.CTO)
	s := e.scheduler(delegatingInvoker(e, task.StatusDone))
	ctx := context.Background()

	ready, _ := s.Next(ctx, "run1")
	wave, err := s.RunWave(ctx, WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	assert.Equal(t, 1, wave.Waiting)

	waiting, _ := e.store.Get(ctx, parent.ID)
	assert.Equal(t, task.StatusInProgress, waiting.Status)
	assert.Equal(t, "parent summary", waiting.PendingResult)

	inFlight, _ := s.InFlight(ctx, "run1")
	assert.Equal(t, 1, inFlight)

	ready, _ = s.Next(ctx, "run1")
	require.Len(t, ready, 1)
	_, err = s.RunWave(ctx, WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 2}, ready)
	require.NoError(t, err)

	final, _ := e.store.Get(ctx, parent.ID)
	assert.Equal(t, task.StatusDone, final.Status)
	assert.Equal(t, "parent summary", final.Result)
	assert.Empty(t, final.PendingResult)
}

func TestParentFailsWhenChildFailsWithoutRecovery(t *testing.T) {
	e := newEnv(t)
	parent := e.add(t, "build", role.CTO)
	s := e.scheduler(delegatingInvoker(e, task.StatusFailed))
	ctx := context.Background()

	for n := 1; n <= 2; n++ {
		ready, _ := s.Next(ctx, "run1")
		require.Len(t, ready, 1)
		_, err := s.RunWave(ctx, WaveRequest{GoalRunID: "run1", Cycle: 1, Number: n}, ready)
		require.NoError(t, err)
	}
	final, _ := e.store.Get(ctx, parent.ID)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, string(CodeChildFailed), final.ErrorCode)
}

type recoverOnce struct {
	e     env
	calls int
}

func (r *recoverOnce) Recover(ctx context.Context, parent, failed *task.Task) (*task.Task, error) {
	r.calls++
	if failed.Replaces != "" {
		return nil, nil
	}
	rep, err := r.e.store.Create(ctx, &task.Task{GoalRunID: parent.GoalRunID, ParentID: parent.ID, Description: "child retry", Role: failed.Role})
	if err != nil {
		return nil, err
	}
	return rep, r.e.store.Supersede(ctx, failed.ID, rep.ID)
}

func TestRecoveredChildKeepsParentOpen(t *testing.T) {
	e := newEnv(t)
	parent := e.add(t, "build", role.CTO)
	ctx := context.Background()
	childRuns := 0
	inv := invokerFunc(func(ctx context.Context, inv agent.Invocation) (*agent.Outcome, error) {
		if inv.Agent.Role == role.CTO {
			_, err := e.store.Create(ctx, &task.Task{GoalRunID: "run1", ParentID: inv.Task.ID, Description: "child", Role: role.Developer})
			require.NoError(t, err)
			return done("parent")
		}
		childRuns++
		if childRuns == 1 {
			return &agent.Outcome{Status: task.StatusFailed, Result: "oops"}, nil
		}
		return done("fixed")
	})
	rec := &recoverOnce{e: e}
	s := e.scheduler(inv, WithRecoverer(rec))

	for n := 1; n <= 3; n++ {
		ready, _ := s.Next(ctx, "run1")
		if len(ready) == 0 {
			break
		}
		_, err := s.RunWave(ctx, WaveRequest{GoalRunID: "run1", Cycle: 1, Number: n}, ready)
		require.NoError(t, err)
	}
	final, _ := e.store.Get(ctx, parent.ID)
	assert.Equal(t, task.StatusDone, final.Status)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 2, childRuns)
}

func TestReviewerSendsBackForRework(t *testing.T) {
	e := newEnv(t)
	tk := e.add(t, "copy", role.Marketer)
	runs := 0
	s := e.scheduler(invokerFunc(func(_ context.Context, inv agent.Invocation) (*agent.Outcome, error) {
		runs++
		if runs == 2 {
			assert.Contains(t, inv.Context, "REVIEW FEEDBACK: shorter")
		}
		return done("draft")
	}), WithReviewer(ReviewerFunc(func(_ context.Context, t *task.Task) (bool, string, error) {
		return t.Reworks > 0, "shorter", nil
	}), 2))

	ready, _ := s.Next(context.Background(), "run1")
	_, err := s.RunWave(context.Background(), WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	got, _ := e.store.Get(context.Background(), tk.ID)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.Equal(t, 1, got.Reworks)
	assert.Equal(t, 2, runs)
}

func TestNoAgentForRoleFailsTask(t *testing.T) {
	e := newEnv(t)
	hr := e.add(t, "hire", role.HR)
	s := e.scheduler(invokerFunc(func(context.Context, agent.Invocation) (*agent.Outcome, error) {
		t.Fatalf("must not invoke")
		return nil, nil
	}))
	ready, _ := s.Next(context.Background(), "run1")
	_, err := s.RunWave(context.Background(), WaveRequest{GoalRunID: "run1", Cycle: 1, Number: 1}, ready)
	require.NoError(t, err)
	got, _ := e.store.Get(context.Background(), hr.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, string(xerrors.CodeNoAgentForRole), got.ErrorCode)
}
