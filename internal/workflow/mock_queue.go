package workflow

import "context"

// MockQueue is an in-memory Queue. No redelivery/backoff simulation;
// tests that need retry behavior exercise the evaluator's retry path
// directly instead.
type MockQueue struct {
	jobs chan Job
}

func NewMockQueue() *MockQueue {
	return &MockQueue{jobs: make(chan Job, 256)}
}

func (q *MockQueue) Enqueue(ctx context.Context, job Job) error {
	q.jobs <- job
	return nil
}

func (q *MockQueue) Dequeue(ctx context.Context) (Job, func(err error), error) {
	select {
	case job := <-q.jobs:
		return job, func(error) {}, nil
	case <-ctx.Done():
		return Job{}, nil, ctx.Err()
	}
}

func (q *MockQueue) Discard(ctx context.Context, runID string) error { return nil }

func (q *MockQueue) Close() error { return nil }

var _ Queue = (*MockQueue)(nil)
