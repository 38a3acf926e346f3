package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/idgen"
	"github.com/termflux/termflux/internal/metrics"
)

// Repo is the persistence boundary for run/definition rows: this package
// knows run semantics, internal/records knows how to store a row.
type Repo interface {
	GetDefinition(ctx context.Context, workflowID string) (*Definition, error)
	InsertRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
}

// Engine owns the worker pool, the live run map, and the submission/
// cancellation/inspection surface.
type Engine struct {
	queue   Queue
	repo    Repo
	eval    *Evaluator
	log     *logrus.Logger
	workers int

	mu         sync.Mutex
	activeRuns map[string]*Run

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an Engine; worker concurrency defaults to 10.
func NewEngine(queue Queue, repo Repo, driver container.Driver, workers int, log *logrus.Logger) *Engine {
	if workers <= 0 {
		workers = 10
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		queue:      queue,
		repo:       repo,
		eval:       NewEvaluator(driver, log),
		log:        log,
		workers:    workers,
		activeRuns: map[string]*Run{},
	}
}

// StartWorkflow loads the definition, allocates a run id, persists a
// pending row, merges variables (caller wins), and enqueues a job.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, workspaceID, userID string, variables map[string]string) (string, error) {
	def, err := e.repo.GetDefinition(ctx, workflowID)
	if err != nil {
		return "", err
	}

	runID := idgen.Run()
	effective := mergeEnv(def.Env, variables)

	run := Run{
		ID:          runID,
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Status:      RunPending,
		Variables:   effective,
	}
	if err := e.repo.InsertRun(ctx, run); err != nil {
		return "", err
	}

	job := Job{
		RunID:       runID,
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Definition:  *def,
		Variables:   effective,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return runID, nil
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
}

// Stop signals every worker to stop dequeueing and waits for in-flight
// runs to reach a terminal step boundary.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ack, err := e.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		runErr := e.runJob(ctx, job)
		ack(runErr)
	}
}

// runJob is one worker's processing of a dequeued job: mark running,
// evaluate the step tree, persist the terminal state, and surface the
// error to the queue so a failed run records a queue failure too.
func (e *Engine) runJob(ctx context.Context, job Job) error {
	// A run cancelled while still queued never starts; its row already
	// reads cancelled, so the job is just acknowledged away.
	if existing, err := e.repo.GetRun(ctx, job.RunID); err == nil && existing != nil && existing.Status == RunCancelled {
		return nil
	}

	run := &Run{
		ID:          job.RunID,
		WorkflowID:  job.WorkflowID,
		WorkspaceID: job.WorkspaceID,
		UserID:      job.UserID,
		Status:      RunRunning,
		Variables:   job.Variables,
	}
	now := time.Now()
	run.StartedAt = &now
	timer := metrics.NewTimer()

	e.mu.Lock()
	e.activeRuns[job.RunID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.activeRuns, job.RunID)
		e.mu.Unlock()
	}()

	e.persist(ctx, run)

	isCancelled := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return run.cancelled
	}

	results, evalErr := e.eval.Run(ctx, job.WorkspaceID, job.Definition.Steps, job.Variables, isCancelled)
	run.Results = results
	completed := time.Now()
	run.CompletedAt = &completed

	e.mu.Lock()
	cancelled := run.cancelled
	e.mu.Unlock()

	switch {
	case cancelled:
		run.Status = RunCancelled
		run.FinalError = "cancelled"
	case evalErr != nil:
		run.Status = RunFailed
		run.FinalError = evalErr.Error()
	default:
		run.Status = RunCompleted
	}

	timer.ObserveDuration(metrics.WorkflowRunDuration)
	metrics.WorkflowRunsTotal.WithLabelValues(string(run.Status)).Inc()

	e.persist(ctx, run)

	if evalErr != nil && !cancelled {
		return evalErr
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, run *Run) {
	if err := e.repo.UpdateRunStatus(ctx, *run); err != nil {
		e.log.WithError(err).WithField("run_id", run.ID).Warn("workflow: failed to persist run state")
	}
}

// CancelWorkflow marks a run cancelled: a still-pending run's row is set
// to cancelled, so the worker that later dequeues its job acknowledges it
// without running (Queue.Discard is called but removes nothing), and a
// running run's cancelled flag is set so its worker stops starting new
// steps at the next boundary. In-flight shell steps are not interrupted.
func (e *Engine) CancelWorkflow(ctx context.Context, runID string) error {
	e.mu.Lock()
	run, active := e.activeRuns[runID]
	if active {
		run.cancelled = true
	}
	e.mu.Unlock()

	if err := e.queue.Discard(ctx, runID); err != nil {
		e.log.WithError(err).WithField("run_id", runID).Warn("workflow: discard from queue failed")
	}

	if !active {
		if err := e.repo.UpdateRunStatus(ctx, Run{ID: runID, Status: RunCancelled, FinalError: "cancelled"}); err != nil {
			return err
		}
	}
	return nil
}

// GetRunStatus prefers the live in-process map, falling back to the
// relational row; a run unknown to both returns nil.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*Run, error) {
	e.mu.Lock()
	if run, ok := e.activeRuns[runID]; ok {
		cp := *run
		e.mu.Unlock()
		return &cp, nil
	}
	e.mu.Unlock()

	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// MarshalStepResults is a convenience used by internal/records to persist
// Run.Results as the step_results JSONB column.
func MarshalStepResults(results []StepResult) (json.RawMessage, error) {
	return json.Marshal(results)
}
