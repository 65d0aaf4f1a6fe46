package task

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/events"
	"AgentCompany/pkg/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return ev
}

func (p *recordingPublisher) topics() []events.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Topic, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Topic)
	}
	return out
}

func newTestStore(pub events.Publisher) *MemoryStore {
	return NewMemoryStore(WithPublisher(pub), WithLogger(logger.Discard(), logger.Discard()))
}

func mustCreate(t *testing.T, store *MemoryStore, in *Task) *Task {
	t.Helper()
	created, err := store.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func mustMove(t *testing.T, store *MemoryStore, id string, path ...Status) {
	t.Helper()
	ctx := context.Background()
	for _, status := range path {
		var err error
		if status == StatusAssigned {
			_, err = store.Assign(ctx, id, "agent-1")
		} else {
			_, err = store.Transition(ctx, id, status)
		}
		if err != nil {
			t.Fatalf("move %s to %s: %v", id, status, err)
		}
	}
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()

	created := mustCreate(t, store, &Task{GoalRunID: "run", Description: "write landing page", Status: StatusDone})
	if created.ID == "" || len(created.ID) != 12 {
		t.Fatalf("expected 12 char id, got %q", created.ID)
	}
	if created.Status != StatusPending {
		t.Fatalf("new task must be pending, got %s", created.Status)
	}
	if created.Creator != CreatorOperator {
		t.Fatalf("expected operator creator, got %s", created.Creator)
	}

	if _, err := store.Create(ctx, &Task{GoalRunID: "run", Description: " "}); !xerrors.Is(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.Create(ctx, &Task{ID: created.ID, GoalRunID: "run", Description: "dup"}); err != ErrTaskConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Create(ctx, &Task{GoalRunID: "run", Description: "x", DependsOn: []string{"missing"}}); err == nil {
		t.Fatalf("expected unknown dependency to be rejected")
	}
	if _, err := store.Create(ctx, &Task{GoalRunID: "other", Description: "x", ParentID: created.ID}); err == nil {
		t.Fatalf("expected cross-run parent to be rejected")
	}
}

func TestTransitionRejectsDisallowedEdges(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()
	tk := mustCreate(t, store, &Task{GoalRunID: "run", Description: "ship"})

	if _, err := store.Transition(ctx, tk.ID, StatusDone); !xerrors.Is(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("pending -> done must be rejected, got %v", err)
	}
	if _, err := store.Transition(ctx, tk.ID, StatusInProgress); err == nil {
		t.Fatalf("pending -> in_progress must be rejected")
	}

	mustMove(t, store, tk.ID, StatusAssigned, StatusInProgress, StatusReview)
	if _, err := store.Assign(ctx, tk.ID, "agent-2"); !xerrors.Is(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("assign outside pending must be rejected, got %v", err)
	}

	reworked, err := store.Transition(ctx, tk.ID, StatusInProgress)
	if err != nil {
		t.Fatalf("review -> in_progress: %v", err)
	}
	if reworked.Reworks != 1 {
		t.Fatalf("expected rework counter 1, got %d", reworked.Reworks)
	}
	done, err := store.Transition(ctx, tk.ID, StatusDone, WithResult("shipped"))
	if err != nil {
		t.Fatalf("in_progress -> done: %v", err)
	}
	if done.CompletedAt == nil || done.Result != "shipped" {
		t.Fatalf("expected completion data, got %+v", done)
	}
	if _, err := store.Transition(ctx, tk.ID, StatusFailed); err == nil {
		t.Fatalf("terminal task must not transition")
	}
}

func TestEveryTransitionEmitsEvent(t *testing.T) {
	pub := &recordingPublisher{}
	store := newTestStore(pub)
	ctx := context.Background()
	tk := mustCreate(t, store, &Task{GoalRunID: "run", Description: "a"})
	mustMove(t, store, tk.ID, StatusAssigned, StatusInProgress)
	if _, err := store.Transition(ctx, tk.ID, StatusFailed, WithFailure(xerrors.CodeExecutionTimeout, "too slow")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	topics := pub.topics()
	want := []events.Topic{events.TopicTaskCreated, events.TopicTaskTransitioned, events.TopicTaskTransitioned, events.TopicTaskTransitioned}
	if len(topics) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), topics)
	}
	last := pub.events[len(pub.events)-1]
	if last.Payload["from"] != "in_progress" || last.Payload["to"] != "failed" || last.Payload["error_code"] != "EXECUTION_TIMEOUT" {
		t.Fatalf("unexpected payload: %+v", last.Payload)
	}
	if last.GoalRunID != "run" {
		t.Fatalf("event must carry goal run id")
	}
}

func TestParentWaitsForChildren(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()
	parent := mustCreate(t, store, &Task{GoalRunID: "run", Description: "parent"})
	mustMove(t, store, parent.ID, StatusAssigned, StatusInProgress)

	child := mustCreate(t, store, &Task{GoalRunID: "run", Description: "child", ParentID: parent.ID})
	if _, err := store.Transition(ctx, parent.ID, StatusReview); !xerrors.Is(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("parent must not enter review with open child, got %v", err)
	}
	if _, err := store.Transition(ctx, parent.ID, StatusDone); err == nil {
		t.Fatalf("parent must not finish with open child")
	}

	rollup, err := store.Rollup(ctx, parent.ID)
	if err != nil || rollup.Status != RollupOpen {
		t.Fatalf("expected open rollup, got %+v %v", rollup, err)
	}

	mustMove(t, store, child.ID, StatusAssigned, StatusInProgress, StatusDone)
	rollup, _ = store.Rollup(ctx, parent.ID)
	if rollup.Status != RollupDone || rollup.Done != 1 {
		t.Fatalf("expected done rollup, got %+v", rollup)
	}
	mustMove(t, store, parent.ID, StatusReview, StatusDone)
}

func TestFailedChildRollupAndSupersede(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()
	parent := mustCreate(t, store, &Task{GoalRunID: "run", Description: "parent"})
	mustMove(t, store, parent.ID, StatusAssigned, StatusInProgress)
	failed := mustCreate(t, store, &Task{GoalRunID: "run", Description: "flaky", ParentID: parent.ID})
	dependent := mustCreate(t, store, &Task{GoalRunID: "run", Description: "after", ParentID: parent.ID, DependsOn: []string{failed.ID}})
	mustMove(t, store, failed.ID, StatusAssigned, StatusInProgress, StatusFailed)

	rollup, _ := store.Rollup(ctx, parent.ID)
	if rollup.Status != RollupFailed || len(rollup.FailedChildren) != 1 {
		t.Fatalf("expected failed rollup, got %+v", rollup)
	}

	replacement := mustCreate(t, store, &Task{GoalRunID: "run", Description: "flaky again", ParentID: parent.ID})
	if err := store.Supersede(ctx, failed.ID, replacement.ID); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if err := store.Supersede(ctx, failed.ID, replacement.ID); err == nil {
		t.Fatalf("second supersede must fail")
	}
	rollup, _ = store.Rollup(ctx, parent.ID)
	if rollup.Status != RollupOpen || rollup.Total != 2 {
		t.Fatalf("superseded child must be ignored, got %+v", rollup)
	}

	after, _ := store.Get(ctx, dependent.ID)
	if len(after.DependsOn) != 1 || after.DependsOn[0] != replacement.ID {
		t.Fatalf("dependency should point at replacement, got %v", after.DependsOn)
	}
	got, _ := store.Get(ctx, replacement.ID)
	if got.Replaces != failed.ID {
		t.Fatalf("replacement must record what it replaces")
	}
}

func TestReadyRespectsDependenciesAndParents(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()
	y := mustCreate(t, store, &Task{GoalRunID: "run", Description: "y"})
	x := mustCreate(t, store, &Task{GoalRunID: "run", Description: "x", DependsOn: []string{y.ID}})
	z := mustCreate(t, store, &Task{GoalRunID: "run", Description: "z"})
	mustCreate(t, store, &Task{GoalRunID: "other", Description: "elsewhere"})

	ready, _ := store.Ready(ctx, "run")
	if len(ready) != 2 || ready[0].ID != y.ID || ready[1].ID != z.ID {
		t.Fatalf("unexpected ready set: %+v", ready)
	}

	mustMove(t, store, y.ID, StatusAssigned, StatusInProgress, StatusFailed)
	ready, _ = store.Ready(ctx, "run")
	for _, r := range ready {
		if r.ID == x.ID {
			t.Fatalf("task with failed dependency must never be ready")
		}
	}

	mustMove(t, store, z.ID, StatusAssigned, StatusInProgress)
	child := mustCreate(t, store, &Task{GoalRunID: "run", Description: "c", ParentID: z.ID})
	ready, _ = store.Ready(ctx, "run")
	if len(ready) != 1 || ready[0].ID != child.ID {
		t.Fatalf("expected only child ready, got %+v", ready)
	}
	if _, err := store.Transition(ctx, z.ID, StatusFailed); err != nil {
		t.Fatalf("fail parent: %v", err)
	}
	ready, _ = store.Ready(ctx, "run")
	if len(ready) != 0 {
		t.Fatalf("children of a failed parent must not be ready, got %+v", ready)
	}
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	store := newTestStore(nil)
	ctx := context.Background()
	tk := mustCreate(t, store, &Task{GoalRunID: "run", Description: "race"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Assign(ctx, tk.ID, "agent"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one assign should win, got %d", wins)
	}
}

func TestListStatsAndRestore(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	store := NewMemoryStore(WithLogger(logger.Discard(), logger.Discard()), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	a := mustCreate(t, store, &Task{GoalRunID: "run", Description: "alpha research"})
	clock = clock.Add(time.Minute)
	b := mustCreate(t, store, &Task{GoalRunID: "run", Description: "beta launch"})
	clock = clock.Add(time.Minute)
	mustMove(t, store, a.ID, StatusAssigned, StatusInProgress)
	if _, err := store.Transition(ctx, a.ID, StatusDone, WithResult("report")); err != nil {
		t.Fatalf("done: %v", err)
	}

	all, err := store.List(ctx, BuildListOptions(WithGoalRun("run")))
	if err != nil || len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("expected creation order, got %+v %v", all, err)
	}
	recent, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedDesc)))
	if recent[0].ID != a.ID {
		t.Fatalf("expected most recently updated first")
	}
	withResult, _ := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	if len(withResult) != 1 || withResult[0].ID != a.ID {
		t.Fatalf("unexpected result filter: %+v", withResult)
	}
	query, _ := store.List(ctx, BuildListOptions(WithQuery("BETA")))
	if len(query) != 1 || query[0].ID != b.ID {
		t.Fatalf("unexpected query filter: %+v", query)
	}

	stats, _ := store.Stats(ctx, ListOptions{})
	if stats.Total != 2 || stats.Done != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Add(time.Minute).Unix() || stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected stats window: %+v", stats)
	}

	snapshot, _ := store.RunTasks(ctx, "run")
	restored := newTestStore(nil)
	if err := restored.Restore(ctx, snapshot); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n, _ := restored.Count(ctx, "run"); n != 2 {
		t.Fatalf("expected 2 restored tasks, got %d", n)
	}
	next := mustCreate(t, restored, &Task{GoalRunID: "run", Description: "gamma"})
	if next.Seq != 3 {
		t.Fatalf("sequence should continue after restore, got %d", next.Seq)
	}
}

func TestRetryOnceRecovery(t *testing.T) {
	hook := RetryOnce()
	ctx := context.Background()
	rep, err := hook.Recover(ctx, &Task{ID: "p"}, &Task{ID: "c", Description: "do it", Role: "developer"})
	if err != nil || rep == nil || rep.Description != "do it" || rep.Role != "developer" {
		t.Fatalf("expected replacement, got %+v %v", rep, err)
	}
	if rep, _ := hook.Recover(ctx, &Task{ID: "p"}, &Task{ID: "c2", Replaces: "c"}); rep != nil {
		t.Fatalf("replacement of a replacement must not be retried")
	}
	if rep, _ := hook.Recover(ctx, &Task{ID: "p"}, &Task{ID: "c3", ErrorCode: string(xerrors.CodeNoAgentForRole)}); rep != nil {
		t.Fatalf("missing-agent failures must not be retried")
	}
	if _, err := RecoveryPolicy("bogus"); err == nil {
		t.Fatalf("unknown policy must be rejected")
	}
}
