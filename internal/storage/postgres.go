package storage

import (
	"database/sql"
	"fmt"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store against PostgreSQL. Locked
// reads use SELECT ... FOR UPDATE; LockStepStates orders by step_slug
// so every transaction acquires state locks in the same order.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying connection pool so the queue can share it.
// Returns nil when the store wraps a transaction.
func (s *PostgresStore) DB() *sqlx.DB {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db
	}
	return nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// UpsertFlow creates or overwrites a flow definition.
func (s *PostgresStore) UpsertFlow(f models.Flow) error {
	_, err := s.db.Exec(`
		INSERT INTO flows (flow_slug, max_attempts, base_delay, timeout, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (flow_slug) DO UPDATE
		SET max_attempts = EXCLUDED.max_attempts,
		    base_delay = EXCLUDED.base_delay,
		    timeout = EXCLUDED.timeout`,
		f.Slug, f.MaxAttempts, f.BaseDelay, f.Timeout, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFlow(slug string) (models.Flow, error) {
	var f models.Flow
	err := s.db.Get(&f, "SELECT flow_slug, max_attempts, base_delay, timeout, created_at FROM flows WHERE flow_slug = $1", slug)
	if err == sql.ErrNoRows {
		return models.Flow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Flow{}, err
	}
	return f, nil
}

func (s *PostgresStore) ListFlows() ([]models.Flow, error) {
	flows := []models.Flow{}
	err := s.db.Select(&flows, "SELECT flow_slug, max_attempts, base_delay, timeout, created_at FROM flows ORDER BY flow_slug")
	if err != nil {
		return nil, err
	}
	return flows, nil
}

func (s *PostgresStore) CountSteps(flowSlug string) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM steps WHERE flow_slug = $1", flowSlug)
	return n, err
}

func (s *PostgresStore) SaveStep(st models.Step) error {
	_, err := s.db.Exec(`
		INSERT INTO steps (flow_slug, step_slug, step_type, step_index, deps_count,
		                   max_attempts, base_delay, timeout, start_delay, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.FlowSlug, st.StepSlug, st.StepType, st.StepIndex, st.DepsCount,
		st.MaxAttempts, st.BaseDelay, st.Timeout, st.StartDelay, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStep(flowSlug, stepSlug string) (models.Step, error) {
	var st models.Step
	err := s.db.Get(&st, "SELECT * FROM steps WHERE flow_slug = $1 AND step_slug = $2", flowSlug, stepSlug)
	if err == sql.ErrNoRows {
		return models.Step{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Step{}, err
	}
	return st, nil
}

func (s *PostgresStore) ListSteps(flowSlug string) ([]models.Step, error) {
	steps := []models.Step{}
	err := s.db.Select(&steps, "SELECT * FROM steps WHERE flow_slug = $1 ORDER BY step_index", flowSlug)
	if err != nil {
		return nil, fmt.Errorf("list steps of %s: %w", flowSlug, err)
	}
	return steps, nil
}

func (s *PostgresStore) UpsertDependency(d models.Dependency) error {
	_, err := s.db.Exec(`
		INSERT INTO deps (flow_slug, dep_slug, step_slug) VALUES ($1, $2, $3)
		ON CONFLICT (flow_slug, dep_slug, step_slug) DO NOTHING`,
		d.FlowSlug, d.DepSlug, d.StepSlug)
	return err
}

func (s *PostgresStore) ListDependencies(flowSlug string) ([]models.Dependency, error) {
	deps := []models.Dependency{}
	err := s.db.Select(&deps, "SELECT flow_slug, dep_slug, step_slug FROM deps WHERE flow_slug = $1 ORDER BY step_slug, dep_slug", flowSlug)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) SaveRun(r models.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, flow_slug, status, input, output, remaining_steps, started_at, completed_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.RunID, r.FlowSlug, r.Status, []byte(r.Input), rawOrNil(r.Output), r.RemainingSteps, r.StartedAt, r.CompletedAt, r.FailedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(runID string) (models.Run, error) {
	return s.getRun(runID, false)
}

// LockRun acquires the exclusive run row lock every mutating engine
// operation takes first.
func (s *PostgresStore) LockRun(runID string) (models.Run, error) {
	return s.getRun(runID, true)
}

func (s *PostgresStore) getRun(runID string, forUpdate bool) (models.Run, error) {
	query := "SELECT * FROM runs WHERE run_id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var r models.Run
	err := s.db.Get(&r, query, runID)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}
	return r, nil
}

func (s *PostgresStore) UpdateRun(r models.Run) error {
	res, err := s.db.Exec(`
		UPDATE runs
		SET status = $1, output = $2, remaining_steps = $3, completed_at = $4, failed_at = $5
		WHERE run_id = $6`,
		r.Status, rawOrNil(r.Output), r.RemainingSteps, r.CompletedAt, r.FailedAt, r.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveStepStates(states []models.StepState) error {
	for _, st := range states {
		_, err := s.db.Exec(`
			INSERT INTO step_states (run_id, step_slug, status, remaining_deps, remaining_tasks,
			                         initial_tasks, error_message, created_at, started_at, completed_at, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			st.RunID, st.StepSlug, st.Status, st.RemainingDeps, st.RemainingTasks,
			st.InitialTasks, st.ErrorMessage, st.CreatedAt, st.StartedAt, st.CompletedAt, st.FailedAt)
		if err != nil {
			return fmt.Errorf("save step state %s: %w", st.StepSlug, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetStepStates(runID string) ([]models.StepState, error) {
	states := []models.StepState{}
	err := s.db.Select(&states, "SELECT * FROM step_states WHERE run_id = $1 ORDER BY step_slug", runID)
	if err != nil {
		return nil, err
	}
	return states, nil
}

// LockStepStates locks every step state of the run in step_slug order,
// the fixed lock order shared by all engine transactions.
func (s *PostgresStore) LockStepStates(runID string) ([]models.StepState, error) {
	states := []models.StepState{}
	err := s.db.Select(&states, "SELECT * FROM step_states WHERE run_id = $1 ORDER BY step_slug FOR UPDATE", runID)
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (s *PostgresStore) GetStepState(runID, stepSlug string) (models.StepState, error) {
	var st models.StepState
	err := s.db.Get(&st, "SELECT * FROM step_states WHERE run_id = $1 AND step_slug = $2", runID, stepSlug)
	if err == sql.ErrNoRows {
		return models.StepState{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StepState{}, err
	}
	return st, nil
}

func (s *PostgresStore) UpdateStepState(st models.StepState) error {
	res, err := s.db.Exec(`
		UPDATE step_states
		SET status = $1, remaining_deps = $2, remaining_tasks = $3, initial_tasks = $4,
		    error_message = $5, started_at = $6, completed_at = $7, failed_at = $8
		WHERE run_id = $9 AND step_slug = $10`,
		st.Status, st.RemainingDeps, st.RemainingTasks, st.InitialTasks,
		st.ErrorMessage, st.StartedAt, st.CompletedAt, st.FailedAt, st.RunID, st.StepSlug)
	if err != nil {
		return fmt.Errorf("update step state: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) SaveStepTasks(tasks []models.StepTask) error {
	for _, t := range tasks {
		_, err := s.db.Exec(`
			INSERT INTO step_tasks (run_id, step_slug, task_index, status, attempts_count, message_id,
			                        output, error_message, worker_id, queued_at, started_at, completed_at, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			t.RunID, t.StepSlug, t.TaskIndex, t.Status, t.AttemptsCount, t.MessageID,
			rawOrNil(t.Output), t.ErrorMessage, t.WorkerID, t.QueuedAt, t.StartedAt, t.CompletedAt, t.FailedAt)
		if err != nil {
			return fmt.Errorf("save step task %s[%d]: %w", t.StepSlug, t.TaskIndex, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetStepTask(runID, stepSlug string, taskIndex int) (models.StepTask, error) {
	var t models.StepTask
	err := s.db.Get(&t, "SELECT * FROM step_tasks WHERE run_id = $1 AND step_slug = $2 AND task_index = $3", runID, stepSlug, taskIndex)
	if err == sql.ErrNoRows {
		return models.StepTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StepTask{}, err
	}
	return t, nil
}

func (s *PostgresStore) UpdateStepTask(t models.StepTask) error {
	res, err := s.db.Exec(`
		UPDATE step_tasks
		SET status = $1, attempts_count = $2, message_id = $3, output = $4,
		    error_message = $5, worker_id = $6, started_at = $7, completed_at = $8, failed_at = $9
		WHERE run_id = $10 AND step_slug = $11 AND task_index = $12`,
		t.Status, t.AttemptsCount, t.MessageID, rawOrNil(t.Output),
		t.ErrorMessage, t.WorkerID, t.StartedAt, t.CompletedAt, t.FailedAt,
		t.RunID, t.StepSlug, t.TaskIndex)
	if err != nil {
		return fmt.Errorf("update step task: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListStepTasks(runID, stepSlug string) ([]models.StepTask, error) {
	tasks := []models.StepTask{}
	err := s.db.Select(&tasks, "SELECT * FROM step_tasks WHERE run_id = $1 AND step_slug = $2 ORDER BY task_index", runID, stepSlug)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListClaimableTasks(flowSlug string, msgIDs []int64) ([]models.StepTask, error) {
	tasks := []models.StepTask{}
	err := s.db.Select(&tasks, `
		SELECT t.* FROM step_tasks t
		JOIN runs r ON r.run_id = t.run_id
		WHERE r.flow_slug = $1 AND r.status <> 'failed'
		  AND t.status = 'queued' AND t.message_id = ANY($2)
		ORDER BY t.run_id, t.step_slug, t.task_index`,
		flowSlug, pq.Array(msgIDs))
	if err != nil {
		return nil, fmt.Errorf("list claimable tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) CountCompletedTasks(runID, stepSlug string) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM step_tasks WHERE run_id = $1 AND step_slug = $2 AND status = 'completed'", runID, stepSlug)
	return n, err
}

func (s *PostgresStore) ListActiveMessageIDs(runID string) ([]int64, error) {
	ids := []int64{}
	err := s.db.Select(&ids, `
		SELECT message_id FROM step_tasks
		WHERE run_id = $1 AND status IN ('queued', 'started') AND message_id IS NOT NULL
		ORDER BY message_id`, runID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// rawOrNil maps an absent JSON document to SQL NULL instead of an empty
// bytea.
func rawOrNil(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
