package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Job is what StartWorkflow enqueues, one per run.
type Job struct {
	RunID       string            `json:"runId"`
	WorkflowID  string            `json:"workflowId"`
	WorkspaceID string            `json:"workspaceId"`
	UserID      string            `json:"userId"`
	Definition  Definition        `json:"definition"`
	Variables   map[string]string `json:"variables"`
}

// Queue is the durable job queue boundary the engine depends on: one
// named stream, pull-based dequeue, explicit ack/nak/term.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is cancelled. ack must
	// be called exactly once: ack(nil) acknowledges success, ack(err) naks
	// for redelivery up to the stream's max-deliver, ack(errDiscard) Terms
	// the message.
	Dequeue(ctx context.Context) (Job, func(err error), error)
	// Discard is called by CancelWorkflow with the run's id. Neither
	// NATSQueue nor MockQueue removes anything: the job stays queued.
	Discard(ctx context.Context, runID string) error
	Close() error
}

const streamName = "TERMFLUX_WORKFLOWS"
const subjectName = "termflux.workflows.runs"
const consumerName = "termflux-workers"

// errDiscard is a sentinel error value passed to ack to signal
// Msg.Term() instead of Msg.Nak().
var errDiscard = fmt.Errorf("workflow: discard")

// NATSQueue implements Queue over JetStream with a default retry policy
// of 3 delivery attempts backed by JetStream's native redelivery.
type NATSQueue struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	log  *logrus.Logger
}

func NewNATSQueue(url string, log *logrus.Logger) (*NATSQueue, error) {
	conn, err := nats.Connect(url,
		nats.Name("termflux-workflow-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("workflow: jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectName},
		Storage:  nats.FileStorage,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("workflow: add stream: %w", err)
	}

	sub, err := js.PullSubscribe(subjectName, consumerName, nats.AckExplicit(), nats.MaxDeliver(3), nats.AckWait(30*time.Second))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("workflow: pull subscribe: %w", err)
	}

	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NATSQueue{conn: conn, js: js, sub: sub, log: log}, nil
}

func (q *NATSQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("workflow: marshal job: %w", err)
	}
	_, err = q.js.Publish(subjectName, data, nats.MsgId(job.RunID))
	if err != nil {
		return fmt.Errorf("workflow: publish job %s: %w", job.RunID, err)
	}
	return nil
}

func (q *NATSQueue) Dequeue(ctx context.Context) (Job, func(err error), error) {
	msgs, err := q.sub.Fetch(1, nats.Context(ctx))
	if err != nil {
		return Job{}, nil, err
	}
	if len(msgs) == 0 {
		return Job{}, nil, fmt.Errorf("workflow: no job available")
	}
	msg := msgs[0]

	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		_ = msg.Term()
		return Job{}, nil, fmt.Errorf("workflow: unmarshal job: %w", err)
	}

	ack := func(err error) {
		switch {
		case err == nil:
			_ = msg.Ack()
		case err == errDiscard:
			_ = msg.Term()
		default:
			_ = msg.Nak()
		}
	}
	return job, ack, nil
}

// Discard is best-effort: JetStream doesn't expose lookup-by-custom-id
// deletion, so cancellation relies on the run's cancelled flag observed
// at step boundaries; a dequeued cancelled job is acknowledged by its
// worker once the run records cancelled.
func (q *NATSQueue) Discard(ctx context.Context, runID string) error {
	return nil
}

func (q *NATSQueue) Close() error {
	return q.conn.Drain()
}

var _ Queue = (*NATSQueue)(nil)
