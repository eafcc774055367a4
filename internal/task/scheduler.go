package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Validation errors. The graph is never modified by a call that returns one.
var (
	ErrNotFound            = errors.New("task not found")
	ErrParentNotFound      = errors.New("parent task not found")
	ErrSelfDependency      = errors.New("task cannot depend on itself")
	ErrCycleDetected       = errors.New("dependency cycle detected")
	ErrMaxPendingExceeded  = errors.New("max pending tasks limit reached")
	ErrMaxDepthExceeded    = errors.New("max task depth exceeded")
	ErrMaxSubtasksExceeded = errors.New("max subtasks per task exceeded")
)

// Limits bounds the shape of the task graph.
type Limits struct {
	MaxPending         int  `yaml:"max_pending_tasks"`
	MaxDepth           int  `yaml:"max_depth"`
	MaxSubtasksPerTask int  `yaml:"max_subtasks_per_task"`
	AutoBlock          bool `yaml:"auto_block_on_dependency"`
}

// DefaultLimits mirrors the defaults the engine ships with.
func DefaultLimits() Limits {
	return Limits{
		MaxPending:         100,
		MaxDepth:           5,
		MaxSubtasksPerTask: 20,
		AutoBlock:          true,
	}
}

// Update carries the optional fields a caller may change on a task.
// Nil pointers leave the field alone.
type Update struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *Priority
	AssignedTo  *string
	Result      *string
	Error       *string
	TodoList    []TodoItem
}

// Scheduler exclusively owns the task arena. It is the only writer of task
// status, timestamps, and graph edges. Each engine instance gets its own
// Scheduler; subagents get fresh ones, so the arena is never shared between
// concurrently running engines.
type Scheduler struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	order  []string // discovery order, breaks priority ties
	limits Limits
	logger *slog.Logger
}

// NewScheduler creates an empty scheduler with the given limits.
func NewScheduler(limits Limits, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxPending <= 0 {
		limits.MaxPending = DefaultLimits().MaxPending
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultLimits().MaxDepth
	}
	if limits.MaxSubtasksPerTask <= 0 {
		limits.MaxSubtasksPerTask = DefaultLimits().MaxSubtasksPerTask
	}
	return &Scheduler{
		tasks:  make(map[string]*Task),
		limits: limits,
		logger: logger,
	}
}

// Create inserts a task. It fails once the number of Pending tasks has
// reached the configured ceiling.
func (s *Scheduler) Create(t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, existing := range s.tasks {
		if existing.Status == StatusPending {
			pending++
		}
	}
	if pending >= s.limits.MaxPending {
		return nil, fmt.Errorf("%w (%d)", ErrMaxPendingExceeded, s.limits.MaxPending)
	}

	s.insert(t)
	s.logger.Info("task created", "task_id", t.ID, "title", t.Title)
	return t.Clone(), nil
}

// insert adds t to the arena. Caller holds the lock.
func (s *Scheduler) insert(t *Task) {
	if _, ok := s.tasks[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = t
}

// Get returns a copy of the task, or ErrNotFound.
func (s *Scheduler) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Update applies the non-nil fields of u to the task. The first transition
// to Completed stamps CompletedAt; later updates never touch it again.
func (s *Scheduler) Update(id string, u Update) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.apply(t, u)
	return t.Clone(), nil
}

// apply mutates t per u. Caller holds the lock.
func (s *Scheduler) apply(t *Task, u Update) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.AssignedTo != nil {
		t.AssignedTo = *u.AssignedTo
	}
	if u.Result != nil {
		t.Result = *u.Result
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.TodoList != nil {
		t.TodoList = append([]TodoItem(nil), u.TodoList...)
	}
	t.UpdatedAt = time.Now().UTC()
	if t.Status == StatusCompleted && t.CompletedAt == nil {
		ts := t.UpdatedAt
		t.CompletedAt = &ts
	}
	s.logger.Debug("task updated", "task_id", t.ID, "status", t.Status)
}

// Delete removes a task. It reports whether the task existed.
func (s *Scheduler) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	s.order = remove(s.order, id)
	s.logger.Info("task deleted", "task_id", id)
	return true
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status   Status
	ParentID *string // non-nil filters by parent; pointer to "" means root tasks
}

// List returns copies of tasks matching the filter, in discovery order.
func (s *Scheduler) List(f Filter) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, id := range s.order {
		t := s.tasks[id]
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ParentID != nil && t.ParentID != *f.ParentID {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// CreateSubtask creates a child task under parentID and appends it to the
// parent's subtask list, enforcing depth and fan-out limits.
func (s *Scheduler) CreateSubtask(parentID, title, description string, priority Priority) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.tasks[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	if depth := s.depth(parentID); depth >= s.limits.MaxDepth {
		return nil, fmt.Errorf("%w (%d) under %s", ErrMaxDepthExceeded, s.limits.MaxDepth, parentID)
	}
	if len(parent.Subtasks) >= s.limits.MaxSubtasksPerTask {
		return nil, fmt.Errorf("%w (%d) for %s", ErrMaxSubtasksExceeded, s.limits.MaxSubtasksPerTask, parentID)
	}

	child := New(title)
	child.Description = description
	child.ParentID = parentID
	if priority != "" {
		child.Priority = priority
	}
	s.insert(child)

	parent.Subtasks = append(parent.Subtasks, child.ID)
	parent.UpdatedAt = time.Now().UTC()

	s.logger.Info("subtask created", "task_id", child.ID, "parent_id", parentID)
	return child.Clone(), nil
}

// depth walks the parent chain. 0 for root tasks. Caller holds the lock.
func (s *Scheduler) depth(id string) int {
	d := 0
	seen := make(map[string]struct{})
	for {
		t, ok := s.tasks[id]
		if !ok || t.ParentID == "" {
			return d
		}
		if _, dup := seen[id]; dup {
			return d
		}
		seen[id] = struct{}{}
		id = t.ParentID
		d++
	}
}

// AddDependency records that taskID depends on dependsOnID. The cycle check
// runs before any mutation, so a failed call leaves the graph untouched.
// When the dependency is not yet Completed and auto-block is on, a Pending
// task transitions to Blocked.
func (s *Scheduler) AddDependency(taskID, dependsOnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	dep, ok := s.tasks[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, dependsOnID)
	}
	if taskID == dependsOnID {
		return ErrSelfDependency
	}
	if s.reachable(dependsOnID, taskID, make(map[string]struct{})) {
		return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, taskID, dependsOnID)
	}

	now := time.Now().UTC()
	if !contains(t.DependsOn, dependsOnID) {
		t.DependsOn = append(t.DependsOn, dependsOnID)
		t.UpdatedAt = now
	}
	if !contains(dep.Blocks, taskID) {
		dep.Blocks = append(dep.Blocks, taskID)
		dep.UpdatedAt = now
	}

	if s.limits.AutoBlock && dep.Status != StatusCompleted && t.Status == StatusPending {
		t.Status = StatusBlocked
		s.logger.Info("task auto-blocked", "task_id", taskID, "waiting_for", dependsOnID)
	}

	s.logger.Info("dependency added", "task_id", taskID, "depends_on", dependsOnID)
	return nil
}

// RemoveDependency removes the edge and its inverse. It never auto-unblocks;
// unblocking happens only through completion propagation.
func (s *Scheduler) RemoveDependency(taskID, dependsOnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	dep, ok := s.tasks[dependsOnID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, dependsOnID)
	}

	now := time.Now().UTC()
	if contains(t.DependsOn, dependsOnID) {
		t.DependsOn = remove(t.DependsOn, dependsOnID)
		t.UpdatedAt = now
	}
	if contains(dep.Blocks, taskID) {
		dep.Blocks = remove(dep.Blocks, taskID)
		dep.UpdatedAt = now
	}
	return nil
}

// reachable reports whether target can be reached from start by following
// depends_on edges. Caller holds the lock.
func (s *Scheduler) reachable(start, target string, visited map[string]struct{}) bool {
	if start == target {
		return true
	}
	if _, ok := visited[start]; ok {
		return false
	}
	visited[start] = struct{}{}
	t, ok := s.tasks[start]
	if !ok {
		return false
	}
	for _, dep := range t.DependsOn {
		if s.reachable(dep, target, visited) {
			return true
		}
	}
	return false
}

// Dependencies is the resolved relationship view of one task.
type Dependencies struct {
	DependsOn []*Task
	Blocks    []*Task
	Subtasks  []*Task
	Parent    *Task
}

// GetDependencies resolves a task's graph neighborhood. Dangling ids are
// skipped rather than reported.
func (s *Scheduler) GetDependencies(id string) (*Dependencies, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	view := &Dependencies{}
	for _, depID := range t.DependsOn {
		if dep, ok := s.tasks[depID]; ok {
			view.DependsOn = append(view.DependsOn, dep.Clone())
		}
	}
	for _, blockedID := range t.Blocks {
		if blocked, ok := s.tasks[blockedID]; ok {
			view.Blocks = append(view.Blocks, blocked.Clone())
		}
	}
	for _, subID := range t.Subtasks {
		if sub, ok := s.tasks[subID]; ok {
			view.Subtasks = append(view.Subtasks, sub.Clone())
		}
	}
	if t.ParentID != "" {
		if parent, ok := s.tasks[t.ParentID]; ok {
			view.Parent = parent.Clone()
		}
	}
	return view, nil
}

// ExecutionOrder topologically sorts the given tasks with Kahn's algorithm:
// repeatedly take a task with zero unresolved dependencies within the set and
// release the tasks it blocks. Unknown ids are skipped. ErrCycleDetected when
// the sort cannot consume every task.
func (s *Scheduler) ExecutionOrder(ids []string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inDegree := make(map[string]int)
	inSet := make(map[string]*Task)
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			inSet[id] = t
			inDegree[id] = len(t.DependsOn)
		}
	}

	var queue []string
	for _, id := range ids {
		if _, ok := inSet[id]; ok && inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []*Task
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := inSet[id]
		result = append(result, t.Clone())

		for _, blockedID := range t.Blocks {
			if _, ok := inSet[blockedID]; !ok {
				continue
			}
			inDegree[blockedID]--
			if inDegree[blockedID] == 0 {
				queue = append(queue, blockedID)
			}
		}
	}

	if len(result) != len(inSet) {
		return nil, fmt.Errorf("%w in task graph", ErrCycleDetected)
	}
	return result, nil
}

// NextExecutable returns the highest-priority executable task, or nil.
// A Pending task is executable when every dependency is Completed, every
// subtask is Completed, and its parent (if any) is InProgress or Completed.
// Priority ties go to the earlier-created task.
func (s *Scheduler) NextExecutable() *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var executable []*Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if s.executable(t) {
			executable = append(executable, t)
		}
	}
	if len(executable) == 0 {
		return nil
	}
	sort.SliceStable(executable, func(i, j int) bool {
		return executable[i].Priority.rank() < executable[j].Priority.rank()
	})
	return executable[0].Clone()
}

// executable checks the gating conditions. Caller holds the lock.
func (s *Scheduler) executable(t *Task) bool {
	for _, depID := range t.DependsOn {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	for _, subID := range t.Subtasks {
		sub, ok := s.tasks[subID]
		if !ok || sub.Status != StatusCompleted {
			return false
		}
	}
	if t.ParentID != "" {
		parent, ok := s.tasks[t.ParentID]
		if !ok || (parent.Status != StatusInProgress && parent.Status != StatusCompleted) {
			return false
		}
	}
	return true
}

// Complete marks a task Completed with the given result and propagates:
// dependents whose dependencies are now all satisfied go Blocked -> Pending,
// and an InProgress parent whose subtasks are all Completed auto-completes,
// walking up the ancestor chain. The walk is iterative with a visited guard,
// so a corrupted parent chain cannot loop it.
func (s *Scheduler) Complete(id, result string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	status := StatusCompleted
	s.apply(t, Update{Status: &status, Result: &result})
	s.propagate(t)
	return t.Clone(), nil
}

// propagate runs completion propagation for t. Caller holds the lock.
func (s *Scheduler) propagate(t *Task) {
	s.unblockDependents(t)

	visited := make(map[string]struct{})
	parentID := t.ParentID
	for parentID != "" {
		if _, dup := visited[parentID]; dup {
			s.logger.Warn("parent chain cycle during completion walk", "task_id", parentID)
			return
		}
		visited[parentID] = struct{}{}

		parent, ok := s.tasks[parentID]
		if !ok || parent.Status != StatusInProgress || len(parent.Subtasks) == 0 {
			return
		}
		for _, subID := range parent.Subtasks {
			sub, ok := s.tasks[subID]
			if !ok || sub.Status != StatusCompleted {
				return
			}
		}

		status := StatusCompleted
		result := fmt.Sprintf("All %d subtasks completed successfully", len(parent.Subtasks))
		s.apply(parent, Update{Status: &status, Result: &result})
		s.unblockDependents(parent)
		s.logger.Info("parent auto-completed", "task_id", parent.ID, "subtasks", len(parent.Subtasks))

		parentID = parent.ParentID
	}
}

// unblockDependents moves Blocked dependents of t back to Pending once all
// their dependencies are Completed. Caller holds the lock.
func (s *Scheduler) unblockDependents(t *Task) {
	for _, blockedID := range t.Blocks {
		blocked, ok := s.tasks[blockedID]
		if !ok || blocked.Status != StatusBlocked {
			continue
		}
		satisfied := true
		for _, depID := range blocked.DependsOn {
			dep, ok := s.tasks[depID]
			if !ok || dep.Status != StatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			status := StatusPending
			s.apply(blocked, Update{Status: &status})
			s.logger.Info("task unblocked", "task_id", blockedID)
		}
	}
}
