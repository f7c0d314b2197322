package storage

import (
	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for the engine. It is pure
// CRUD plus locked reads; all engine logic lives in pkg/service.
//
// Begin returns a transactional Store; every mutating engine operation
// runs inside exactly one transaction. Lock* reads acquire exclusive
// row locks held until Commit/Rollback. LockStepStates returns states
// ordered by step_slug, which is the fixed lock order shared by all
// engine operations.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Flow definitions
	UpsertFlow(f models.Flow) error
	GetFlow(slug string) (models.Flow, error)
	ListFlows() ([]models.Flow, error)
	CountSteps(flowSlug string) (int, error)
	SaveStep(s models.Step) error
	GetStep(flowSlug, stepSlug string) (models.Step, error)
	ListSteps(flowSlug string) ([]models.Step, error)
	UpsertDependency(d models.Dependency) error
	ListDependencies(flowSlug string) ([]models.Dependency, error)

	// Runs
	SaveRun(r models.Run) error
	GetRun(runID string) (models.Run, error)
	LockRun(runID string) (models.Run, error)
	UpdateRun(r models.Run) error

	// Step states
	SaveStepStates(states []models.StepState) error
	GetStepStates(runID string) ([]models.StepState, error)
	LockStepStates(runID string) ([]models.StepState, error)
	GetStepState(runID, stepSlug string) (models.StepState, error)
	UpdateStepState(s models.StepState) error

	// Step tasks
	SaveStepTasks(tasks []models.StepTask) error
	GetStepTask(runID, stepSlug string, taskIndex int) (models.StepTask, error)
	UpdateStepTask(t models.StepTask) error
	ListStepTasks(runID, stepSlug string) ([]models.StepTask, error)
	// ListClaimableTasks returns queued tasks of non-failed runs of the
	// given flow whose message id is in msgIDs.
	ListClaimableTasks(flowSlug string, msgIDs []int64) ([]models.StepTask, error)
	CountCompletedTasks(runID, stepSlug string) (int, error)
	// ListActiveMessageIDs returns message ids of the run's queued and
	// started tasks, i.e. messages still in flight on the queue.
	ListActiveMessageIDs(runID string) ([]int64, error)
}
