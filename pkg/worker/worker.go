package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fluxo-kt/aza-pg-sub008/pkg/models"
	"github.com/fluxo-kt/aza-pg-sub008/pkg/service"
	"github.com/google/uuid"
)

// Handler executes one task of a step and returns its JSON output.
// Returning an error reports a failed attempt; the engine decides
// whether to retry or fail the run.
type Handler func(ctx context.Context, task models.ClaimedTask) (json.RawMessage, error)

// Options tune the worker's polling loop.
type Options struct {
	// Concurrency is the number of polling goroutines. Default 1.
	Concurrency int
	// BatchSize is the maximum number of messages claimed per poll.
	// Default 10.
	BatchSize int
	// VisibilityTimeout hides candidate messages between the read and
	// the claim. Default 5s.
	VisibilityTimeout time.Duration
	// MaxPoll bounds one ReadWithPoll call. Default 5s.
	MaxPoll time.Duration
	// PollInterval is the sleep between empty reads. Default 200ms.
	PollInterval time.Duration
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Second
	}
	if o.MaxPoll <= 0 {
		o.MaxPoll = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
}

// Worker pulls task messages for one flow through the two-phase claim
// protocol and executes registered per-step handlers. One worker serves
// one flow; run several for several flows.
type Worker struct {
	id       string
	flowSlug string
	svc      *service.WorkflowService
	logger   service.Logger
	opts     Options

	mu       sync.RWMutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a worker for one flow. The worker id identifies claims in
// the task rows.
func New(svc *service.WorkflowService, flowSlug string, logger service.Logger, opts Options) *Worker {
	opts.defaults()
	return &Worker{
		id:       fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
		flowSlug: flowSlug,
		svc:      svc,
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// ID returns the worker's claim identifier.
func (w *Worker) ID() string { return w.id }

// RegisterHandler binds a handler to a step slug. Tasks of steps
// without a handler fail their attempt.
func (w *Worker) RegisterHandler(stepSlug string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[stepSlug] = h
}

// Start launches the polling goroutines. It returns immediately; call
// Stop to drain them.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}
	w.logger.Infof("Worker '%s' polling flow '%s' with %d goroutines", w.id, w.flowSlug, w.opts.Concurrency)
}

// Stop cancels the polling loops and waits for in-flight tasks.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Errorf("Worker '%s' batch failed: %v", w.id, err)
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
		}
	}
}

// ProcessBatch performs one read-claim-execute cycle and returns the
// number of tasks executed. Exposed so tests and callers can drive the
// worker synchronously.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	msgIDs, err := w.svc.ReadWithPoll(ctx, w.flowSlug, w.opts.VisibilityTimeout, w.opts.BatchSize, w.opts.MaxPoll, w.opts.PollInterval)
	if err != nil {
		return 0, err
	}
	if len(msgIDs) == 0 {
		return 0, nil
	}

	tasks, err := w.svc.StartTasks(ctx, w.flowSlug, msgIDs, w.id)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		w.execute(ctx, task)
	}
	return len(tasks), nil
}

func (w *Worker) execute(ctx context.Context, task models.ClaimedTask) {
	w.mu.RLock()
	h, ok := w.handlers[task.StepSlug]
	w.mu.RUnlock()
	if !ok {
		w.fail(ctx, task, fmt.Sprintf("no handler registered for step %q", task.StepSlug))
		return
	}

	output, err := h(ctx, task)
	if err != nil {
		w.fail(ctx, task, err.Error())
		return
	}
	if _, err := w.svc.CompleteTask(ctx, task.RunID, task.StepSlug, task.TaskIndex, output); err != nil {
		w.logger.Errorf("Worker '%s' failed to complete task %s/%s[%d]: %v", w.id, task.RunID, task.StepSlug, task.TaskIndex, err)
	}
}

func (w *Worker) fail(ctx context.Context, task models.ClaimedTask, msg string) {
	if _, err := w.svc.FailTask(ctx, task.RunID, task.StepSlug, task.TaskIndex, msg); err != nil {
		w.logger.Errorf("Worker '%s' failed to report task failure %s/%s[%d]: %v", w.id, task.RunID, task.StepSlug, task.TaskIndex, err)
	}
}
