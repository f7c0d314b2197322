package storage

import (
	"sort"
	"sync"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/pkg/errors"
)

// MemoryStore implements Store with in-memory maps. Begin acquires a
// store-wide mutex held until Commit/Rollback, so transactions
// serialize; that trivially satisfies the engine's lock-ordering
// contract. Rollback restores a snapshot taken at Begin.
//
// Records are treated as immutable once stored: updates replace whole
// records, never mutate through shared pointers, so the shallow
// per-record snapshot is sound.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

// memData is the record set behind a MemoryStore. steps and deps are
// keyed by flow slug, with steps in insertion order; states and tasks
// are keyed by run id, then step slug, with tasks in index order.
type memData struct {
	flows  map[string]models.Flow
	steps  map[string][]models.Step
	deps   map[string][]models.Dependency
	runs   map[string]models.Run
	states map[string]map[string]models.StepState
	tasks  map[string]map[string][]models.StepTask
}

func newMemData() *memData {
	return &memData{
		flows:  make(map[string]models.Flow),
		steps:  make(map[string][]models.Step),
		deps:   make(map[string][]models.Dependency),
		runs:   make(map[string]models.Run),
		states: make(map[string]map[string]models.StepState),
		tasks:  make(map[string]map[string][]models.StepTask),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.flows {
		c.flows[k] = v
	}
	for k, v := range d.steps {
		c.steps[k] = append([]models.Step(nil), v...)
	}
	for k, v := range d.deps {
		c.deps[k] = append([]models.Dependency(nil), v...)
	}
	for k, v := range d.runs {
		c.runs[k] = v
	}
	for k, v := range d.states {
		m := make(map[string]models.StepState, len(v))
		for sk, sv := range v {
			m[sk] = sv
		}
		c.states[k] = m
	}
	for k, v := range d.tasks {
		m := make(map[string][]models.StepTask, len(v))
		for sk, sv := range v {
			m[sk] = append([]models.StepTask(nil), sv...)
		}
		c.tasks[k] = m
	}
	return c
}

func (s *MemoryStore) Begin() (Store, error) {
	s.mu.Lock()
	return &memoryTx{store: s, snapshot: s.data.clone()}, nil
}

func (s *MemoryStore) Commit() error {
	return errors.New("cannot commit: not a transaction")
}

func (s *MemoryStore) Rollback() error {
	return errors.New("cannot rollback: not a transaction")
}

func (s *MemoryStore) Close() error { return nil }

// memoryTx is a transaction over a MemoryStore. It holds the store
// mutex for its whole lifetime.
type memoryTx struct {
	store    *MemoryStore
	snapshot *memData
	done     bool
}

func (t *memoryTx) Begin() (Store, error) {
	return nil, errors.New("nested transactions are not supported")
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.snapshot = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.store.data = t.snapshot
	t.snapshot = nil
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) Close() error { return nil }

// Non-transactional reads/writes on the base store delegate to the
// shared data under a short-lived lock.

func (s *MemoryStore) with(fn func(d *memData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *MemoryStore) UpsertFlow(f models.Flow) error {
	return s.with(func(d *memData) error { return d.upsertFlow(f) })
}

func (s *MemoryStore) GetFlow(slug string) (f models.Flow, err error) {
	err = s.with(func(d *memData) error { f, err = d.getFlow(slug); return err })
	return
}

func (s *MemoryStore) ListFlows() (fs []models.Flow, err error) {
	err = s.with(func(d *memData) error { fs, err = d.listFlows(); return err })
	return
}

func (s *MemoryStore) CountSteps(flowSlug string) (n int, err error) {
	err = s.with(func(d *memData) error { n, err = d.countSteps(flowSlug); return err })
	return
}

func (s *MemoryStore) SaveStep(st models.Step) error {
	return s.with(func(d *memData) error { return d.saveStep(st) })
}

func (s *MemoryStore) GetStep(flowSlug, stepSlug string) (st models.Step, err error) {
	err = s.with(func(d *memData) error { st, err = d.getStep(flowSlug, stepSlug); return err })
	return
}

func (s *MemoryStore) ListSteps(flowSlug string) (ss []models.Step, err error) {
	err = s.with(func(d *memData) error { ss, err = d.listSteps(flowSlug); return err })
	return
}

func (s *MemoryStore) UpsertDependency(dep models.Dependency) error {
	return s.with(func(d *memData) error { return d.upsertDependency(dep) })
}

func (s *MemoryStore) ListDependencies(flowSlug string) (ds []models.Dependency, err error) {
	err = s.with(func(d *memData) error { ds, err = d.listDependencies(flowSlug); return err })
	return
}

func (s *MemoryStore) SaveRun(r models.Run) error {
	return s.with(func(d *memData) error { return d.saveRun(r) })
}

func (s *MemoryStore) GetRun(runID string) (r models.Run, err error) {
	err = s.with(func(d *memData) error { r, err = d.getRun(runID); return err })
	return
}

func (s *MemoryStore) LockRun(runID string) (models.Run, error) {
	return s.GetRun(runID)
}

func (s *MemoryStore) UpdateRun(r models.Run) error {
	return s.with(func(d *memData) error { return d.updateRun(r) })
}

func (s *MemoryStore) SaveStepStates(states []models.StepState) error {
	return s.with(func(d *memData) error { return d.saveStepStates(states) })
}

func (s *MemoryStore) GetStepStates(runID string) (ss []models.StepState, err error) {
	err = s.with(func(d *memData) error { ss, err = d.getStepStates(runID); return err })
	return
}

func (s *MemoryStore) LockStepStates(runID string) ([]models.StepState, error) {
	return s.GetStepStates(runID)
}

func (s *MemoryStore) GetStepState(runID, stepSlug string) (st models.StepState, err error) {
	err = s.with(func(d *memData) error { st, err = d.getStepState(runID, stepSlug); return err })
	return
}

func (s *MemoryStore) UpdateStepState(st models.StepState) error {
	return s.with(func(d *memData) error { return d.updateStepState(st) })
}

func (s *MemoryStore) SaveStepTasks(tasks []models.StepTask) error {
	return s.with(func(d *memData) error { return d.saveStepTasks(tasks) })
}

func (s *MemoryStore) GetStepTask(runID, stepSlug string, taskIndex int) (t models.StepTask, err error) {
	err = s.with(func(d *memData) error { t, err = d.getStepTask(runID, stepSlug, taskIndex); return err })
	return
}

func (s *MemoryStore) UpdateStepTask(task models.StepTask) error {
	return s.with(func(d *memData) error { return d.updateStepTask(task) })
}

func (s *MemoryStore) ListStepTasks(runID, stepSlug string) (ts []models.StepTask, err error) {
	err = s.with(func(d *memData) error { ts, err = d.listStepTasks(runID, stepSlug); return err })
	return
}

func (s *MemoryStore) ListClaimableTasks(flowSlug string, msgIDs []int64) (ts []models.StepTask, err error) {
	err = s.with(func(d *memData) error { ts, err = d.listClaimableTasks(flowSlug, msgIDs); return err })
	return
}

func (s *MemoryStore) CountCompletedTasks(runID, stepSlug string) (n int, err error) {
	err = s.with(func(d *memData) error { n, err = d.countCompletedTasks(runID, stepSlug); return err })
	return
}

func (s *MemoryStore) ListActiveMessageIDs(runID string) (ids []int64, err error) {
	err = s.with(func(d *memData) error { ids, err = d.listActiveMessageIDs(runID); return err })
	return
}

// Transactional variants operate directly: the tx already holds the lock.

func (t *memoryTx) d() *memData { return t.store.data }

func (t *memoryTx) UpsertFlow(f models.Flow) error { return t.d().upsertFlow(f) }
func (t *memoryTx) GetFlow(slug string) (models.Flow, error) { return t.d().getFlow(slug) }
func (t *memoryTx) ListFlows() ([]models.Flow, error) { return t.d().listFlows() }
func (t *memoryTx) CountSteps(flowSlug string) (int, error) { return t.d().countSteps(flowSlug) }
func (t *memoryTx) SaveStep(s models.Step) error { return t.d().saveStep(s) }
func (t *memoryTx) GetStep(flowSlug, stepSlug string) (models.Step, error) {
	return t.d().getStep(flowSlug, stepSlug)
}
func (t *memoryTx) ListSteps(flowSlug string) ([]models.Step, error) { return t.d().listSteps(flowSlug) }
func (t *memoryTx) UpsertDependency(d models.Dependency) error { return t.d().upsertDependency(d) }
func (t *memoryTx) ListDependencies(flowSlug string) ([]models.Dependency, error) {
	return t.d().listDependencies(flowSlug)
}
func (t *memoryTx) SaveRun(r models.Run) error { return t.d().saveRun(r) }
func (t *memoryTx) GetRun(runID string) (models.Run, error) { return t.d().getRun(runID) }
func (t *memoryTx) LockRun(runID string) (models.Run, error) { return t.d().getRun(runID) }
func (t *memoryTx) UpdateRun(r models.Run) error { return t.d().updateRun(r) }
func (t *memoryTx) SaveStepStates(states []models.StepState) error {
	return t.d().saveStepStates(states)
}
func (t *memoryTx) GetStepStates(runID string) ([]models.StepState, error) {
	return t.d().getStepStates(runID)
}
func (t *memoryTx) LockStepStates(runID string) ([]models.StepState, error) {
	return t.d().getStepStates(runID)
}
func (t *memoryTx) GetStepState(runID, stepSlug string) (models.StepState, error) {
	return t.d().getStepState(runID, stepSlug)
}
func (t *memoryTx) UpdateStepState(s models.StepState) error { return t.d().updateStepState(s) }
func (t *memoryTx) SaveStepTasks(tasks []models.StepTask) error {
	return t.d().saveStepTasks(tasks)
}
func (t *memoryTx) GetStepTask(runID, stepSlug string, taskIndex int) (models.StepTask, error) {
	return t.d().getStepTask(runID, stepSlug, taskIndex)
}
func (t *memoryTx) UpdateStepTask(task models.StepTask) error { return t.d().updateStepTask(task) }
func (t *memoryTx) ListStepTasks(runID, stepSlug string) ([]models.StepTask, error) {
	return t.d().listStepTasks(runID, stepSlug)
}
func (t *memoryTx) ListClaimableTasks(flowSlug string, msgIDs []int64) ([]models.StepTask, error) {
	return t.d().listClaimableTasks(flowSlug, msgIDs)
}
func (t *memoryTx) CountCompletedTasks(runID, stepSlug string) (int, error) {
	return t.d().countCompletedTasks(runID, stepSlug)
}
func (t *memoryTx) ListActiveMessageIDs(runID string) ([]int64, error) {
	return t.d().listActiveMessageIDs(runID)
}

// CRUD over the raw data.

func (d *memData) upsertFlow(f models.Flow) error {
	d.flows[f.Slug] = f
	return nil
}

func (d *memData) getFlow(slug string) (models.Flow, error) {
	f, ok := d.flows[slug]
	if !ok {
		return models.Flow{}, ErrNotFound
	}
	return f, nil
}

func (d *memData) listFlows() ([]models.Flow, error) {
	flows := make([]models.Flow, 0, len(d.flows))
	for _, f := range d.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Slug < flows[j].Slug })
	return flows, nil
}

func (d *memData) countSteps(flowSlug string) (int, error) {
	return len(d.steps[flowSlug]), nil
}

func (d *memData) saveStep(s models.Step) error {
	for _, existing := range d.steps[s.FlowSlug] {
		if existing.StepSlug == s.StepSlug {
			return errors.Errorf("step %q already exists in flow %q", s.StepSlug, s.FlowSlug)
		}
	}
	d.steps[s.FlowSlug] = append(d.steps[s.FlowSlug], s)
	return nil
}

func (d *memData) getStep(flowSlug, stepSlug string) (models.Step, error) {
	for _, s := range d.steps[flowSlug] {
		if s.StepSlug == stepSlug {
			return s, nil
		}
	}
	return models.Step{}, ErrNotFound
}

func (d *memData) listSteps(flowSlug string) ([]models.Step, error) {
	return append([]models.Step(nil), d.steps[flowSlug]...), nil
}

func (d *memData) upsertDependency(dep models.Dependency) error {
	for _, existing := range d.deps[dep.FlowSlug] {
		if existing.StepSlug == dep.StepSlug && existing.DepSlug == dep.DepSlug {
			return nil
		}
	}
	d.deps[dep.FlowSlug] = append(d.deps[dep.FlowSlug], dep)
	return nil
}

func (d *memData) listDependencies(flowSlug string) ([]models.Dependency, error) {
	return append([]models.Dependency(nil), d.deps[flowSlug]...), nil
}

func (d *memData) saveRun(r models.Run) error {
	if _, ok := d.runs[r.RunID]; ok {
		return errors.Errorf("run %q already exists", r.RunID)
	}
	d.runs[r.RunID] = r
	return nil
}

func (d *memData) getRun(runID string) (models.Run, error) {
	r, ok := d.runs[runID]
	if !ok {
		return models.Run{}, ErrNotFound
	}
	return r, nil
}

func (d *memData) updateRun(r models.Run) error {
	if _, ok := d.runs[r.RunID]; !ok {
		return ErrNotFound
	}
	d.runs[r.RunID] = r
	return nil
}

func (d *memData) saveStepStates(states []models.StepState) error {
	for _, s := range states {
		m, ok := d.states[s.RunID]
		if !ok {
			m = make(map[string]models.StepState)
			d.states[s.RunID] = m
		}
		m[s.StepSlug] = s
	}
	return nil
}

func (d *memData) getStepStates(runID string) ([]models.StepState, error) {
	m := d.states[runID]
	states := make([]models.StepState, 0, len(m))
	for _, s := range m {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StepSlug < states[j].StepSlug })
	return states, nil
}

func (d *memData) getStepState(runID, stepSlug string) (models.StepState, error) {
	s, ok := d.states[runID][stepSlug]
	if !ok {
		return models.StepState{}, ErrNotFound
	}
	return s, nil
}

func (d *memData) updateStepState(s models.StepState) error {
	if _, ok := d.states[s.RunID][s.StepSlug]; !ok {
		return ErrNotFound
	}
	d.states[s.RunID][s.StepSlug] = s
	return nil
}

func (d *memData) saveStepTasks(tasks []models.StepTask) error {
	for _, t := range tasks {
		m, ok := d.tasks[t.RunID]
		if !ok {
			m = make(map[string][]models.StepTask)
			d.tasks[t.RunID] = m
		}
		m[t.StepSlug] = append(m[t.StepSlug], t)
	}
	return nil
}

func (d *memData) getStepTask(runID, stepSlug string, taskIndex int) (models.StepTask, error) {
	for _, t := range d.tasks[runID][stepSlug] {
		if t.TaskIndex == taskIndex {
			return t, nil
		}
	}
	return models.StepTask{}, ErrNotFound
}

func (d *memData) updateStepTask(task models.StepTask) error {
	ts := d.tasks[task.RunID][task.StepSlug]
	for i, t := range ts {
		if t.TaskIndex == task.TaskIndex {
			ts[i] = task
			return nil
		}
	}
	return ErrNotFound
}

func (d *memData) listStepTasks(runID, stepSlug string) ([]models.StepTask, error) {
	ts := append([]models.StepTask(nil), d.tasks[runID][stepSlug]...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].TaskIndex < ts[j].TaskIndex })
	return ts, nil
}

func (d *memData) listClaimableTasks(flowSlug string, msgIDs []int64) ([]models.StepTask, error) {
	wanted := make(map[int64]bool, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = true
	}
	var out []models.StepTask
	for runID, byStep := range d.tasks {
		run, ok := d.runs[runID]
		if !ok || run.FlowSlug != flowSlug || run.Status == models.FailedRunStatus {
			continue
		}
		for _, ts := range byStep {
			for _, t := range ts {
				if t.Status == models.QueuedTaskStatus && t.MessageID != nil && wanted[*t.MessageID] {
					out = append(out, t)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepSlug != out[j].StepSlug {
			return out[i].StepSlug < out[j].StepSlug
		}
		return out[i].TaskIndex < out[j].TaskIndex
	})
	return out, nil
}

func (d *memData) countCompletedTasks(runID, stepSlug string) (int, error) {
	n := 0
	for _, t := range d.tasks[runID][stepSlug] {
		if t.Status == models.CompletedTaskStatus {
			n++
		}
	}
	return n, nil
}

func (d *memData) listActiveMessageIDs(runID string) ([]int64, error) {
	var ids []int64
	for _, ts := range d.tasks[runID] {
		for _, t := range ts {
			if t.MessageID == nil {
				continue
			}
			if t.Status == models.QueuedTaskStatus || t.Status == models.StartedTaskStatus {
				ids = append(ids, *t.MessageID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
