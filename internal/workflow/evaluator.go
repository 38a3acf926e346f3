package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/termflux/termflux/internal/container"
	"github.com/termflux/termflux/internal/errs"
)

// stopRun is returned internally when a step's onFailure=stop must abort
// the whole run; the worker loop (engine.go) converts it into RunFailed.
type stopRun struct{ cause error }

func (s *stopRun) Error() string { return s.cause.Error() }

// Evaluator walks a step tree. It is the only place that knows per-kind
// semantics; everything else treats steps as opaque nodes.
type Evaluator struct {
	driver container.Driver
	log    *logrus.Logger
}

func NewEvaluator(driver container.Driver, log *logrus.Logger) *Evaluator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Evaluator{driver: driver, log: log}
}

// resultSink collects StepResults in declaration order even when children
// run concurrently (parallel), so a run's result list matches execution
// order.
type resultSink struct {
	mu      sync.Mutex
	results []StepResult
}

func (s *resultSink) add(r StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

// Run evaluates the top-level step list of a workflow against workspaceID,
// appending every StepResult (including nested ones) to the returned slice
// in declaration order. It returns an error only when a step whose
// onFailure is stop fails, a retry step fails on its last attempt, or the
// run was cancelled; ordinary step failures are recorded in their
// StepResult and the walk continues.
func (e *Evaluator) Run(ctx context.Context, workspaceID string, steps []Step, vars map[string]string, isCancelled func() bool) ([]StepResult, error) {
	sink := &resultSink{}
	err := e.evalSequence(ctx, workspaceID, steps, vars, sink, isCancelled)
	return sink.results, err
}

func (e *Evaluator) evalSequence(ctx context.Context, workspaceID string, steps []Step, vars map[string]string, sink *resultSink, isCancelled func() bool) error {
	for _, step := range steps {
		if isCancelled != nil && isCancelled() {
			return errs.Cancelled("run cancelled before step %s", step.ID)
		}
		if err := e.evalStepWithRetry(ctx, workspaceID, step, vars, sink, isCancelled); err != nil {
			return err
		}
	}
	return nil
}

// evalStepWithRetry applies a step's retry count before its onFailure
// policy: retry re-runs the step up to Retries times, then the exhausted
// step stops the run the same way onFailure=stop would.
func (e *Evaluator) evalStepWithRetry(ctx context.Context, workspaceID string, step Step, vars map[string]string, sink *resultSink, isCancelled func() bool) error {
	attempts := 1
	if step.OnFailure == OnFailureRetry && step.Retries > 0 {
		attempts += step.Retries
	}

	var last StepResult
	for attempt := 0; attempt < attempts; attempt++ {
		res, err := e.evalStep(ctx, workspaceID, step, vars, sink, isCancelled)
		if err != nil {
			// A nested stop (or cancellation) propagates immediately;
			// retrying a run that must abort would re-run its side effects.
			return err
		}
		last = res
		if last.Status != StepFailed {
			return nil
		}
	}

	switch step.OnFailure {
	case OnFailureStop, OnFailureRetry:
		return &stopRun{cause: fmt.Errorf("step %s (%s) failed: %s", step.ID, step.Name, last.Error)}
	default:
		return nil
	}
}

// evalStep dispatches on step.Kind. Leaves (shell/wait) and parallel's
// shell children append their StepResults to sink; composite nodes drive
// control flow and report their own status through the return value only.
// The error return carries a nested stop or cancellation upward.
func (e *Evaluator) evalStep(ctx context.Context, workspaceID string, step Step, vars map[string]string, sink *resultSink, isCancelled func() bool) (StepResult, error) {
	switch step.Kind {
	case KindShell:
		return e.evalShell(ctx, workspaceID, step, vars, sink), nil
	case KindWait:
		return e.evalWait(step, sink), nil
	case KindParallel:
		return e.evalParallel(ctx, workspaceID, step, vars, sink), nil
	case KindSequential:
		return e.evalSequentialStep(ctx, workspaceID, step, vars, sink, isCancelled)
	case KindConditional:
		return e.evalConditional(ctx, workspaceID, step, vars, sink, isCancelled)
	default:
		r := StepResult{StepID: step.ID, Name: step.Name, Status: StepFailed, Error: fmt.Sprintf("unknown step kind %q", step.Kind), StartedAt: time.Now(), EndedAt: time.Now()}
		sink.add(r)
		return r, nil
	}
}

func (e *Evaluator) evalShell(ctx context.Context, workspaceID string, step Step, vars map[string]string, sink *resultSink) StepResult {
	start := time.Now()
	command := substitute(step.Command, vars)
	env := mergeEnv(vars, step.Env)
	workDir := step.WorkingDir
	if workDir == "" {
		workDir = "/home/dev"
	}
	timeout := step.TimeoutSec
	if timeout <= 0 {
		timeout = 300
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	type execOutcome struct {
		res container.ExecResult
		err error
	}
	done := make(chan execOutcome, 1)
	go func() {
		res, err := e.driver.Exec(execCtx, workspaceID, []string{"/bin/sh", "-c", command}, container.ExecOptions{
			WorkingDir: workDir,
			Env:        envList(env),
		})
		done <- execOutcome{res, err}
	}()

	var r StepResult
	r.StepID, r.Name, r.StartedAt = step.ID, step.Name, start

	select {
	case <-execCtx.Done():
		r.EndedAt = time.Now()
		r.Duration = r.EndedAt.Sub(start).Seconds()
		r.Status = StepFailed
		r.Error = "step exceeded timeout"
		sink.add(r)
		return r
	case outcome := <-done:
		r.EndedAt = time.Now()
		r.Duration = r.EndedAt.Sub(start).Seconds()
		if outcome.err != nil {
			r.Status = StepFailed
			r.Error = outcome.err.Error()
			sink.add(r)
			return r
		}
		code := outcome.res.ExitCode
		r.Output = string(outcome.res.Output)
		r.ExitCode = &code
		if code == 0 {
			r.Status = StepSuccess
		} else {
			r.Status = StepFailed
			r.Error = fmt.Sprintf("exit code %d", code)
		}
		sink.add(r)
		return r
	}
}

func (e *Evaluator) evalWait(step Step, sink *resultSink) StepResult {
	start := time.Now()
	secs := step.TimeoutSec
	if secs <= 0 {
		secs = 1
	}
	time.Sleep(time.Duration(secs) * time.Second)
	r := StepResult{StepID: step.ID, Name: step.Name, Status: StepSuccess, StartedAt: start, EndedAt: time.Now()}
	r.Duration = r.EndedAt.Sub(start).Seconds()
	sink.add(r)
	return r
}

// evalParallel launches every nested (shell-only) step concurrently, joins
// on all, and is failed iff any child failed; its output is every child's
// output joined by "\n---\n".
func (e *Evaluator) evalParallel(ctx context.Context, workspaceID string, step Step, vars map[string]string, sink *resultSink) StepResult {
	start := time.Now()
	children := make([]StepResult, len(step.Steps))

	var wg sync.WaitGroup
	for i, child := range step.Steps {
		if child.Kind != KindShell {
			children[i] = StepResult{StepID: child.ID, Name: child.Name, Status: StepFailed, Error: "parallel children must be kind shell", StartedAt: time.Now(), EndedAt: time.Now()}
			continue
		}
		wg.Add(1)
		go func(i int, c Step) {
			defer wg.Done()
			children[i] = e.evalShellChild(ctx, workspaceID, c, vars)
		}(i, child)
	}
	wg.Wait()

	failed := false
	outputs := make([]string, len(children))
	for i, c := range children {
		outputs[i] = c.Output
		if c.Status == StepFailed {
			failed = true
		}
		sink.add(c)
	}

	r := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		Output:    strings.Join(outputs, "\n---\n"),
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	r.Duration = r.EndedAt.Sub(start).Seconds()
	if failed {
		r.Status = StepFailed
	} else {
		r.Status = StepSuccess
	}
	// The composite itself is not appended to sink: the run's result list
	// counts exactly one StepResult per child, not one more for the
	// parallel wrapper. evalStepWithRetry/evalSequence use the returned
	// value for failure propagation only.
	return r
}

// evalShellChild runs a shell child of a parallel step without writing it
// to sink itself; the caller (evalParallel) controls append order so
// every child appears after its siblings in declaration order.
func (e *Evaluator) evalShellChild(ctx context.Context, workspaceID string, step Step, vars map[string]string) StepResult {
	discard := &resultSink{}
	return e.evalShell(ctx, workspaceID, step, vars, discard)
}

func (e *Evaluator) evalSequentialStep(ctx context.Context, workspaceID string, step Step, vars map[string]string, sink *resultSink, isCancelled func() bool) (StepResult, error) {
	start := time.Now()
	err := e.evalSequence(ctx, workspaceID, step.Steps, vars, sink, isCancelled)
	r := StepResult{StepID: step.ID, Name: step.Name, StartedAt: start, EndedAt: time.Now()}
	r.Duration = r.EndedAt.Sub(start).Seconds()
	if err != nil {
		r.Status = StepFailed
		r.Error = err.Error()
		// A nested stop or cancellation keeps propagating; the composite's
		// own onFailure never downgrades it.
		return r, err
	}
	r.Status = StepSuccess
	// Not appended to sink; see evalParallel's comment. Only leaves
	// (shell/wait) and parallel's shell children populate the run's
	// StepResult list, composites only drive control flow.
	return r, nil
}

// evalConditional runs condition as a shell command; exit 0 takes the
// nested steps, non-zero skips them. The composite step itself is always
// success, but a nested stop still aborts the run.
func (e *Evaluator) evalConditional(ctx context.Context, workspaceID string, step Step, vars map[string]string, sink *resultSink, isCancelled func() bool) (StepResult, error) {
	start := time.Now()
	cond := substitute(step.Condition, vars)
	res, err := e.driver.Exec(ctx, workspaceID, []string{"/bin/sh", "-c", cond}, container.ExecOptions{Env: envList(vars)})

	r := StepResult{StepID: step.ID, Name: step.Name, Status: StepSuccess, StartedAt: start}

	take := err == nil && res.ExitCode == 0
	if take {
		r.Output = "condition true: branch taken"
		if serr := e.evalSequence(ctx, workspaceID, step.Steps, vars, sink, isCancelled); serr != nil {
			r.EndedAt = time.Now()
			r.Duration = r.EndedAt.Sub(start).Seconds()
			return r, serr
		}
	} else {
		r.Output = "condition false: branch skipped"
	}
	r.EndedAt = time.Now()
	r.Duration = r.EndedAt.Sub(start).Seconds()
	return r, nil
}
