package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/hibiken/asynq"
)

const (
	// QueueMail is the asynq queue holding outgoing mail.
	QueueMail = "mail"
	// TaskTypeSendEmail is the task type for one outgoing mail.
	TaskTypeSendEmail = "mail:send"

	maxRetry = 5
)

// NewSendEmailTask constructs the asynq task for msg.
func NewSendEmailTask(msg Message) (*asynq.Task, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// QueueSink enqueues messages for the Worker. Send succeeds once the task is
// persisted in Redis; delivery happens asynchronously with retries.
type QueueSink struct {
	client *asynq.Client
}

func NewQueueSink(opt asynq.RedisConnOpt) *QueueSink {
	return &QueueSink{client: asynq.NewClient(opt)}
}

func (q *QueueSink) Send(ctx context.Context, msg Message) error {
	task, err := NewSendEmailTask(msg)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task, asynq.Queue(QueueMail), asynq.MaxRetry(maxRetry), asynq.Timeout(time.Minute)); err != nil {
		return fmt.Errorf("enqueue mail: %w", err)
	}
	return nil
}

func (q *QueueSink) Close() error {
	return q.client.Close()
}

// Worker consumes mail tasks and hands them to a delivering Sink.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    logging.Logger
}

func NewWorker(opt asynq.RedisConnOpt, deliver Sink, log logging.Logger) *Worker {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{QueueMail: 1},
	})
	w := &Worker{server: srv, mux: asynq.NewServeMux(), log: log}
	w.mux.HandleFunc(TaskTypeSendEmail, w.handler(deliver))
	return w
}

func (w *Worker) handler(deliver Sink) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			w.log.Error(ctx, "malformed mail task", "error", err)
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		if err := deliver.Send(ctx, msg); err != nil {
			w.log.Warn(ctx, "mail delivery failed", "to", msg.To, "error", err)
			return err
		}
		w.log.Info(ctx, "mail delivered", "to", msg.To, "subject", msg.Subject)
		return nil
	}
}

// Run processes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
