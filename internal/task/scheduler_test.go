package task

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return NewScheduler(DefaultLimits(), slog.New(slog.DiscardHandler))
}

func mustCreate(t *testing.T, s *Scheduler, title string) *Task {
	t.Helper()
	created, err := s.Create(New(title))
	if err != nil {
		t.Fatalf("Create(%q) error = %v", title, err)
	}
	return created
}

func TestCreateRejectsAtPendingCeiling(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPending = 2
	s := NewScheduler(limits, slog.New(slog.DiscardHandler))

	mustCreate(t, s, "a")
	mustCreate(t, s, "b")
	if _, err := s.Create(New("c")); !errors.Is(err, ErrMaxPendingExceeded) {
		t.Fatalf("Create() error = %v, want ErrMaxPendingExceeded", err)
	}
}

func TestUpdateSetsCompletedAtExactlyOnce(t *testing.T) {
	s := newTestScheduler(t)
	created := mustCreate(t, s, "a")

	completed := StatusCompleted
	first, err := s.Update(created.ID, Update{Status: &completed})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if first.CompletedAt == nil {
		t.Fatal("CompletedAt = nil after completion")
	}

	time.Sleep(5 * time.Millisecond)
	result := "done"
	second, err := s.Update(created.ID, Update{Result: &result})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("CompletedAt changed on later update: %v != %v", second.CompletedAt, first.CompletedAt)
	}
}

func TestAddDependencyMaintainsInverseEdges(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")

	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	gotA, _ := s.Get(a.ID)
	gotB, _ := s.Get(b.ID)
	if !contains(gotA.DependsOn, b.ID) {
		t.Fatalf("a.DependsOn = %v, want to contain %s", gotA.DependsOn, b.ID)
	}
	if !contains(gotB.Blocks, a.ID) {
		t.Fatalf("b.Blocks = %v, want to contain %s", gotB.Blocks, a.ID)
	}

	if err := s.RemoveDependency(a.ID, b.ID); err != nil {
		t.Fatalf("RemoveDependency() error = %v", err)
	}
	gotA, _ = s.Get(a.ID)
	gotB, _ = s.Get(b.ID)
	if len(gotA.DependsOn) != 0 || len(gotB.Blocks) != 0 {
		t.Fatalf("edges not removed: depends_on=%v blocks=%v", gotA.DependsOn, gotB.Blocks)
	}
}

func TestAddDependencySelf(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	if err := s.AddDependency(a.ID, a.ID); !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("AddDependency(a, a) error = %v, want ErrSelfDependency", err)
	}
}

func TestAddDependencyCycleLeavesGraphUnchanged(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")

	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency(a, b) error = %v", err)
	}
	err := s.AddDependency(b.ID, a.ID)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("AddDependency(b, a) error = %v, want ErrCycleDetected", err)
	}

	gotA, _ := s.Get(a.ID)
	gotB, _ := s.Get(b.ID)
	if len(gotB.DependsOn) != 0 {
		t.Fatalf("b.DependsOn = %v, want unchanged by failed call", gotB.DependsOn)
	}
	if len(gotA.DependsOn) != 1 || gotA.DependsOn[0] != b.ID {
		t.Fatalf("a.DependsOn = %v, want [%s]", gotA.DependsOn, b.ID)
	}
}

func TestAddDependencyTransitiveCycle(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")
	c := mustCreate(t, s, "c")

	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency(a, b) error = %v", err)
	}
	if err := s.AddDependency(b.ID, c.ID); err != nil {
		t.Fatalf("AddDependency(b, c) error = %v", err)
	}
	if err := s.AddDependency(c.ID, a.ID); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("AddDependency(c, a) error = %v, want ErrCycleDetected", err)
	}
}

func TestAddDependencyAutoBlocks(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")

	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusBlocked {
		t.Fatalf("a.Status = %v, want %v", got.Status, StatusBlocked)
	}
}

func TestAddDependencyOnCompletedDoesNotBlock(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")
	if _, err := s.Complete(b.ID, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusPending {
		t.Fatalf("a.Status = %v, want %v", got.Status, StatusPending)
	}
}

func TestCreateSubtaskLimits(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDepth = 2
	limits.MaxSubtasksPerTask = 1
	s := NewScheduler(limits, slog.New(slog.DiscardHandler))

	if _, err := s.CreateSubtask("missing", "x", "", ""); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("CreateSubtask(missing) error = %v, want ErrParentNotFound", err)
	}

	root := mustCreate(t, s, "root")
	child, err := s.CreateSubtask(root.ID, "child", "", "")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}
	if _, err := s.CreateSubtask(root.ID, "second", "", ""); !errors.Is(err, ErrMaxSubtasksExceeded) {
		t.Fatalf("CreateSubtask() error = %v, want ErrMaxSubtasksExceeded", err)
	}

	grandchild, err := s.CreateSubtask(child.ID, "grandchild", "", "")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}
	if _, err := s.CreateSubtask(grandchild.ID, "too deep", "", ""); !errors.Is(err, ErrMaxDepthExceeded) {
		t.Fatalf("CreateSubtask() error = %v, want ErrMaxDepthExceeded", err)
	}

	gotRoot, _ := s.Get(root.ID)
	if len(gotRoot.Subtasks) != 1 || gotRoot.Subtasks[0] != child.ID {
		t.Fatalf("root.Subtasks = %v, want [%s]", gotRoot.Subtasks, child.ID)
	}
	if child.ParentID != root.ID {
		t.Fatalf("child.ParentID = %q, want %q", child.ParentID, root.ID)
	}
}

func TestExecutionOrderRespectsEdges(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")
	c := mustCreate(t, s, "c")

	// c depends on b, b depends on a.
	if err := s.AddDependency(b.ID, a.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	if err := s.AddDependency(c.ID, b.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	order, err := s.ExecutionOrder([]string{c.ID, a.ID, b.ID})
	if err != nil {
		t.Fatalf("ExecutionOrder() error = %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("len(order) = %d, want 3", len(order))
	}
	pos := make(map[string]int)
	for i, task := range order {
		pos[task.ID] = i
	}
	if pos[a.ID] > pos[b.ID] || pos[b.ID] > pos[c.ID] {
		t.Fatalf("order violates edges: a=%d b=%d c=%d", pos[a.ID], pos[b.ID], pos[c.ID])
	}
}

func TestExecutionOrderCycle(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")

	// Forge a cycle directly in the arena; AddDependency would refuse it.
	s.tasks[a.ID].DependsOn = []string{b.ID}
	s.tasks[a.ID].Blocks = []string{b.ID}
	s.tasks[b.ID].DependsOn = []string{a.ID}
	s.tasks[b.ID].Blocks = []string{a.ID}

	if _, err := s.ExecutionOrder([]string{a.ID, b.ID}); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("ExecutionOrder() error = %v, want ErrCycleDetected", err)
	}
}

func TestNextExecutablePriorityAndDiscoveryOrder(t *testing.T) {
	s := newTestScheduler(t)

	low := New("low")
	low.Priority = PriorityLow
	if _, err := s.Create(low); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	high1 := New("high first")
	high1.Priority = PriorityHigh
	if _, err := s.Create(high1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	high2 := New("high second")
	high2.Priority = PriorityHigh
	if _, err := s.Create(high2); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	next := s.NextExecutable()
	if next == nil || next.ID != high1.ID {
		t.Fatalf("NextExecutable() = %v, want %s (earlier of the two high tasks)", next, high1.ID)
	}
}

func TestNextExecutableSkipsGatedTasks(t *testing.T) {
	s := newTestScheduler(t)

	gated := mustCreate(t, s, "gated")
	dep := mustCreate(t, s, "dep")
	if err := s.AddDependency(gated.ID, dep.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	// Subtask of a Pending parent is not executable.
	parent := mustCreate(t, s, "parent")
	if _, err := s.CreateSubtask(parent.ID, "sub", "", ""); err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}

	next := s.NextExecutable()
	if next == nil {
		t.Fatal("NextExecutable() = nil, want dep or parent")
	}
	if next.ID == gated.ID {
		t.Fatalf("NextExecutable() returned task with incomplete dependency")
	}

	// Once the parent is running, its subtask becomes executable.
	inProgress := StatusInProgress
	if _, err := s.Update(parent.ID, Update{Status: &inProgress}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	subs := s.List(Filter{ParentID: &parent.ID})
	if len(subs) != 1 {
		t.Fatalf("len(subtasks) = %d, want 1", len(subs))
	}
	found := false
	for next := s.NextExecutable(); next != nil; next = s.NextExecutable() {
		if next.ID == subs[0].ID {
			found = true
			break
		}
		if _, err := s.Complete(next.ID, "done"); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}
	if !found {
		t.Fatal("subtask of InProgress parent never became executable")
	}
}

func TestCompletePropagationScenario(t *testing.T) {
	// The canonical flow: B, then A depending on B.
	s := newTestScheduler(t)
	b := mustCreate(t, s, "B")
	a := mustCreate(t, s, "A")

	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	gotA, _ := s.Get(a.ID)
	if gotA.Status != StatusBlocked {
		t.Fatalf("A.Status = %v, want %v", gotA.Status, StatusBlocked)
	}

	next := s.NextExecutable()
	if next == nil || next.ID != b.ID {
		t.Fatalf("NextExecutable() = %v, want B", next)
	}

	if _, err := s.Complete(b.ID, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	gotA, _ = s.Get(a.ID)
	if gotA.Status != StatusPending {
		t.Fatalf("A.Status = %v after B completed, want %v", gotA.Status, StatusPending)
	}

	next = s.NextExecutable()
	if next == nil || next.ID != a.ID {
		t.Fatalf("NextExecutable() = %v, want A", next)
	}
}

func TestCompleteLeavesPartiallyBlockedDependentAlone(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	dep1 := mustCreate(t, s, "dep1")
	dep2 := mustCreate(t, s, "dep2")

	if err := s.AddDependency(a.ID, dep1.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	if err := s.AddDependency(a.ID, dep2.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	if _, err := s.Complete(dep1.ID, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ := s.Get(a.ID)
	if got.Status != StatusBlocked {
		t.Fatalf("a.Status = %v with one dependency outstanding, want %v", got.Status, StatusBlocked)
	}

	if _, err := s.Complete(dep2.ID, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = s.Get(a.ID)
	if got.Status != StatusPending {
		t.Fatalf("a.Status = %v after both dependencies, want %v", got.Status, StatusPending)
	}
}

func TestCompleteAutoCompletesAncestors(t *testing.T) {
	s := newTestScheduler(t)
	root := mustCreate(t, s, "root")
	mid, err := s.CreateSubtask(root.ID, "mid", "", "")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}
	leaf, err := s.CreateSubtask(mid.ID, "leaf", "", "")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}

	inProgress := StatusInProgress
	for _, id := range []string{root.ID, mid.ID} {
		if _, err := s.Update(id, Update{Status: &inProgress}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	if _, err := s.Complete(leaf.ID, "leaf done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	gotMid, _ := s.Get(mid.ID)
	if gotMid.Status != StatusCompleted {
		t.Fatalf("mid.Status = %v, want auto-completed", gotMid.Status)
	}
	if gotMid.Result != "All 1 subtasks completed successfully" {
		t.Fatalf("mid.Result = %q", gotMid.Result)
	}
	gotRoot, _ := s.Get(root.ID)
	if gotRoot.Status != StatusCompleted {
		t.Fatalf("root.Status = %v, want auto-completed via ancestor walk", gotRoot.Status)
	}
}

func TestCompleteDoesNotTouchIdleParent(t *testing.T) {
	s := newTestScheduler(t)
	root := mustCreate(t, s, "root")
	sub, err := s.CreateSubtask(root.ID, "sub", "", "")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}

	// Parent still Pending: auto-completion must not fire.
	if _, err := s.Complete(sub.ID, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	gotRoot, _ := s.Get(root.ID)
	if gotRoot.Status != StatusPending {
		t.Fatalf("root.Status = %v, want untouched %v", gotRoot.Status, StatusPending)
	}
}

func TestGetDependenciesView(t *testing.T) {
	s := newTestScheduler(t)
	root := mustCreate(t, s, "root")
	sub, err := s.CreateSubtask(root.ID, "sub", "", "")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}
	dep := mustCreate(t, s, "dep")
	if err := s.AddDependency(sub.ID, dep.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	view, err := s.GetDependencies(sub.ID)
	if err != nil {
		t.Fatalf("GetDependencies() error = %v", err)
	}
	if len(view.DependsOn) != 1 || view.DependsOn[0].ID != dep.ID {
		t.Fatalf("view.DependsOn = %v", view.DependsOn)
	}
	if view.Parent == nil || view.Parent.ID != root.ID {
		t.Fatalf("view.Parent = %v, want root", view.Parent)
	}

	view, err = s.GetDependencies(dep.ID)
	if err != nil {
		t.Fatalf("GetDependencies() error = %v", err)
	}
	if len(view.Blocks) != 1 || view.Blocks[0].ID != sub.ID {
		t.Fatalf("view.Blocks = %v", view.Blocks)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestScheduler(t)
	a := mustCreate(t, s, "a")
	b := mustCreate(t, s, "b")
	if err := s.AddDependency(a.ID, b.ID); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	if _, err := s.Complete(b.ID, "finished"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "state", "tasks.json")
	if err := s.SaveState(path); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	restored := newTestScheduler(t)
	if err := restored.LoadState(path); err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}

	gotB, err := restored.Get(b.ID)
	if err != nil {
		t.Fatalf("Get() after load error = %v", err)
	}
	if gotB.Status != StatusCompleted || gotB.Result != "finished" {
		t.Fatalf("restored B = %+v, want completed with result", gotB)
	}
	if gotB.CompletedAt == nil {
		t.Fatal("restored B.CompletedAt = nil")
	}
	gotA, _ := restored.Get(a.ID)
	if !contains(gotA.DependsOn, b.ID) || !contains(gotB.Blocks, a.ID) {
		t.Fatal("restored graph edges incomplete")
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.LoadState(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("LoadState(absent) error = %v, want nil", err)
	}
}
