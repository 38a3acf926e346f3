package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/termflux/termflux/internal/container"
	"gotest.tools/v3/assert"
)

func testEngine(t *testing.T) (*Engine, *MockRepo, *MockQueue) {
	t.Helper()
	repo := NewMockRepo()
	queue := NewMockQueue()
	driver := shellExecMock()
	engine := NewEngine(queue, repo, driver, 2, nil)
	return engine, repo, queue
}

func TestStartWorkflowPersistsPendingRunAndEnqueues(t *testing.T) {
	engine, repo, queue := testEngine(t)
	repo.PutDefinition(Definition{
		ID:   "wf1",
		Name: "greet",
		Steps: []Step{
			{ID: "s1", Kind: KindShell, Command: "echo a"},
		},
		Env: map[string]string{"BASE": "x"},
	})

	runID, err := engine.StartWorkflow(context.Background(), "wf1", "ws1", "user1", map[string]string{"EXTRA": "y"})
	assert.NilError(t, err)
	assert.Assert(t, runID != "")

	stored, err := repo.GetRun(context.Background(), runID)
	assert.NilError(t, err)
	assert.Equal(t, stored.Status, RunPending)
	assert.Equal(t, stored.Variables["BASE"], "x")
	assert.Equal(t, stored.Variables["EXTRA"], "y")

	select {
	case job := <-queue.jobs:
		assert.Equal(t, job.RunID, runID)
		assert.Equal(t, job.WorkflowID, "wf1")
	default:
		t.Fatal("expected a job to be enqueued")
	}
}

func TestEngineRunsWorkflowToCompletion(t *testing.T) {
	engine, repo, _ := testEngine(t)
	repo.PutDefinition(Definition{
		ID:   "wf1",
		Name: "greet",
		Steps: []Step{
			{ID: "s1", Kind: KindShell, Command: "echo a"},
			{ID: "s2", Kind: KindShell, Command: "echo b"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	runID, err := engine.StartWorkflow(ctx, "wf1", "ws1", "user1", nil)
	assert.NilError(t, err)

	var run *Run
	for i := 0; i < 50; i++ {
		run, err = repo.GetRun(ctx, runID)
		assert.NilError(t, err)
		if run.Status == RunCompleted || run.Status == RunFailed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, run.Status, RunCompleted)
	assert.Equal(t, len(run.Results), 2)
}

func TestEngineFailsWorkflowOnStoppingStep(t *testing.T) {
	engine, repo, _ := testEngine(t)
	repo.PutDefinition(Definition{
		ID:   "wf1",
		Name: "bad",
		Steps: []Step{
			{ID: "s1", Kind: KindShell, Command: "false", OnFailure: OnFailureStop},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	runID, err := engine.StartWorkflow(ctx, "wf1", "ws1", "user1", nil)
	assert.NilError(t, err)

	var run *Run
	for i := 0; i < 50; i++ {
		run, err = repo.GetRun(ctx, runID)
		assert.NilError(t, err)
		if run.Status == RunCompleted || run.Status == RunFailed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, run.Status, RunFailed)
	assert.Assert(t, run.FinalError != "")
}

func TestCancelWorkflowMarksActiveRunCancelled(t *testing.T) {
	repo := NewMockRepo()
	queue := NewMockQueue()
	driver := container.NewMock()
	driver.ExecFunc = func(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (container.ExecResult, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return container.ExecResult{ExitCode: 0}, nil
	}
	engine := NewEngine(queue, repo, driver, 1, nil)

	repo.PutDefinition(Definition{
		ID:   "wf1",
		Name: "slow",
		Steps: []Step{
			{ID: "s1", Kind: KindShell, Command: "sleep 2"},
			{ID: "s2", Kind: KindShell, Command: "echo a"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	runID, err := engine.StartWorkflow(ctx, "wf1", "ws1", "user1", nil)
	assert.NilError(t, err)

	// give the worker a moment to pick the job up and start s1
	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, engine.CancelWorkflow(ctx, runID))

	var run *Run
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		run, err = repo.GetRun(ctx, runID)
		assert.NilError(t, err)
		if run.Status == RunCancelled {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, run.Status, RunCancelled)
}

func TestCancelBeforeDequeueNeverRuns(t *testing.T) {
	engine, repo, _ := testEngine(t)
	repo.PutDefinition(Definition{
		ID:    "wf1",
		Name:  "never",
		Steps: []Step{{ID: "s1", Kind: KindShell, Command: "echo a"}},
	})

	// Enqueue with no workers running, cancel while still queued, then
	// start the workers: the job must be acknowledged away untouched.
	runID, err := engine.StartWorkflow(context.Background(), "wf1", "ws1", "user1", nil)
	assert.NilError(t, err)
	assert.NilError(t, engine.CancelWorkflow(context.Background(), runID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	time.Sleep(300 * time.Millisecond)
	run, err := repo.GetRun(ctx, runID)
	assert.NilError(t, err)
	assert.Equal(t, run.Status, RunCancelled)
	assert.Equal(t, len(run.Results), 0)
}

func TestGetRunStatusPrefersActiveMap(t *testing.T) {
	engine, repo, _ := testEngine(t)
	repo.PutDefinition(Definition{ID: "wf1", Name: "x", Steps: []Step{{ID: "s1", Kind: KindWait, TimeoutSec: 1}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	runID, err := engine.StartWorkflow(ctx, "wf1", "ws1", "user1", nil)
	assert.NilError(t, err)

	time.Sleep(100 * time.Millisecond)
	run, err := engine.GetRunStatus(ctx, runID)
	assert.NilError(t, err)
	assert.Assert(t, run != nil)
}

func TestGetRunStatusReturnsNilForUnknownRun(t *testing.T) {
	engine, _, _ := testEngine(t)
	run, err := engine.GetRunStatus(context.Background(), "nope")
	assert.NilError(t, err)
	assert.Assert(t, run == nil)
}
