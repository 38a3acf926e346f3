package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/termflux/termflux/internal/container"
	"gotest.tools/v3/assert"
)

func shellExecMock() *container.Mock {
	mock := container.NewMock()
	mock.ExecFunc = func(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (container.ExecResult, error) {
		// argv = ["/bin/sh", "-c", command]
		cmd := argv[2]
		switch {
		case cmd == "echo a":
			return container.ExecResult{Output: []byte("a\n"), ExitCode: 0}, nil
		case cmd == "echo b":
			return container.ExecResult{Output: []byte("b\n"), ExitCode: 0}, nil
		case cmd == "false":
			return container.ExecResult{Output: nil, ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "echo "):
			return container.ExecResult{Output: []byte(strings.TrimPrefix(cmd, "echo ") + "\n"), ExitCode: 0}, nil
		case strings.HasPrefix(cmd, "sleep"):
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			return container.ExecResult{Output: nil, ExitCode: 0}, ctx.Err()
		default:
			return container.ExecResult{ExitCode: 0}, nil
		}
	}
	return mock
}

func TestSubstituteVariables(t *testing.T) {
	vars := map[string]string{"A": "x", "LONG": "y"}
	got := substitute("echo $A ${LONG}", vars)
	assert.Equal(t, got, "echo x y")

	// idempotent when re-applied
	got2 := substitute(got, vars)
	assert.Equal(t, got2, got)
}

func TestParallelCompositionFailsIfAnyChildFails(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{{
		ID:   "p1",
		Kind: KindParallel,
		Steps: []Step{
			{ID: "c1", Kind: KindShell, Command: "echo a"},
			{ID: "c2", Kind: KindShell, Command: "echo b"},
			{ID: "c3", Kind: KindShell, Command: "false"},
		},
	}}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 3)

	var combined []string
	failedCount := 0
	for _, r := range results {
		combined = append(combined, r.Output)
		if r.Status == StepFailed {
			failedCount++
		}
	}
	assert.Equal(t, failedCount, 1)
	joined := strings.Join(combined, "\n---\n")
	assert.Assert(t, strings.Contains(joined, "a"))
	assert.Assert(t, strings.Contains(joined, "b"))

	composite := eval.evalParallel(context.Background(), "ws1", steps[0], nil, &resultSink{})
	assert.Equal(t, composite.Status, StepFailed)
	assert.Equal(t, composite.Output, "a\n\n---\nb\n\n---\n")
}

func TestShellTimeout(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{{ID: "s1", Kind: KindShell, Command: "sleep 5", TimeoutSec: 1}}

	start := time.Now()
	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	elapsed := time.Since(start)

	assert.NilError(t, err)
	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].Status, StepFailed)
	assert.Assert(t, elapsed >= 1*time.Second && elapsed < 3*time.Second)
}

func TestSequentialRunsInOrder(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{{
		ID:   "seq1",
		Kind: KindSequential,
		Steps: []Step{
			{ID: "s1", Kind: KindShell, Command: "echo a"},
			{ID: "s2", Kind: KindShell, Command: "echo b"},
		},
	}}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 2)
	assert.Equal(t, results[0].StepID, "s1")
	assert.Equal(t, results[1].StepID, "s2")
}

func TestConditionalSkipsWhenFalse(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{{
		ID:        "cond1",
		Kind:      KindConditional,
		Condition: "false",
		Steps:     []Step{{ID: "inner", Kind: KindShell, Command: "echo a"}},
	}}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 0)
}

func TestWaitStepSleeps(t *testing.T) {
	eval := NewEvaluator(container.NewMock(), nil)
	steps := []Step{{ID: "w1", Kind: KindWait, TimeoutSec: 1}}

	start := time.Now()
	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].Status, StepSuccess)
	assert.Assert(t, time.Since(start) >= 1*time.Second)
}

func TestOnFailureStopPropagates(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{
		{ID: "s1", Kind: KindShell, Command: "false", OnFailure: OnFailureStop},
		{ID: "s2", Kind: KindShell, Command: "echo a"},
	}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.ErrorContains(t, err, "s1")
	assert.Equal(t, len(results), 1)
}

func TestOnFailureContinueDoesNotStop(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{
		{ID: "s1", Kind: KindShell, Command: "false", OnFailure: OnFailureContinue},
		{ID: "s2", Kind: KindShell, Command: "echo a"},
	}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.NilError(t, err)
	assert.Equal(t, len(results), 2)
}

func TestNestedStopAbortsWholeRun(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{
		{
			ID:   "seq1",
			Kind: KindSequential,
			Steps: []Step{
				{ID: "inner", Kind: KindShell, Command: "false", OnFailure: OnFailureStop},
			},
		},
		{ID: "after", Kind: KindShell, Command: "echo a"},
	}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.ErrorContains(t, err, "inner")
	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].StepID, "inner")
}

func TestRetryExhaustionStopsRun(t *testing.T) {
	mock := container.NewMock()
	calls := 0
	mock.ExecFunc = func(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (container.ExecResult, error) {
		calls++
		return container.ExecResult{ExitCode: 1}, nil
	}
	eval := NewEvaluator(mock, nil)

	steps := []Step{{ID: "s1", Kind: KindShell, Command: "false", OnFailure: OnFailureRetry, Retries: 2}}

	results, err := eval.Run(context.Background(), "ws1", steps, nil, nil)
	assert.ErrorContains(t, err, "s1")
	assert.Equal(t, calls, 3)
	assert.Equal(t, len(results), 3)
}

func TestCancellationStopsBeforeNextStep(t *testing.T) {
	mock := shellExecMock()
	eval := NewEvaluator(mock, nil)

	steps := []Step{
		{ID: "s1", Kind: KindShell, Command: "echo a"},
		{ID: "s2", Kind: KindShell, Command: "echo b"},
	}
	cancelled := true
	isCancelled := func() bool { return cancelled }

	results, err := eval.Run(context.Background(), "ws1", steps, nil, isCancelled)
	assert.Assert(t, err != nil)
	assert.Equal(t, len(results), 0)
}
