package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"claimdesk/api/internal/store"
)

const (
	TaskRecord = "audit:record"
	QueueName  = "audit"

	maxTaskRetry = 10
)

// Enqueuer is the part of *asynq.Client the queue sink uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands entries to an asynq queue; a Worker writes them to the
// store. Retries happen in the worker, so a slow store never backs up the
// request path.
type QueueSink struct {
	client  Enqueuer
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewQueueSink(client Enqueuer, timeout time.Duration, logger *slog.Logger) *QueueSink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueSink{client: client, timeout: timeout, logger: logger}
}

// NewQueueClient connects an asynq client to redisURL.
func NewQueueClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

func NewRecordTask(entry store.AuditEntry) (*asynq.Task, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}
	return asynq.NewTask(TaskRecord, payload), nil
}

func (s *QueueSink) Record(entry store.AuditEntry) {
	entry = complete(entry)
	task, err := NewRecordTask(entry)
	if err != nil {
		s.logger.Error("audit enqueue failed", "audit_id", entry.ID, "error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		// TaskID makes a replayed enqueue of the same entry a no-op.
		_, err := s.client.EnqueueContext(ctx, task,
			asynq.Queue(QueueName),
			asynq.MaxRetry(maxTaskRetry),
			asynq.TaskID(entry.ID),
		)
		if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
			s.logger.Error("audit enqueue failed",
				"audit_id", entry.ID,
				"action", entry.Action,
				"entity_id", entry.EntityID,
				"error", err,
			)
		}
	}()
}

func (s *QueueSink) Wait() {
	s.wg.Wait()
}

// Worker drains the audit queue into the store.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redisURL string, writer Writer, concurrency int, logger *slog.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      asynqLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("audit task failed", "type", task.Type(), "error", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRecord, RecordHandler(writer))
	return &Worker{server: srv, mux: mux}, nil
}

// Run processes tasks until ctx is canceled, then shuts down gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start audit worker: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

// RecordHandler decodes one audit task and writes it. Malformed payloads are
// skipped rather than retried forever.
func RecordHandler(writer Writer) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var entry store.AuditEntry
		if err := json.Unmarshal(task.Payload(), &entry); err != nil {
			return fmt.Errorf("decode audit entry: %v: %w", err, asynq.SkipRetry)
		}
		if entry.ID == "" || entry.Action == "" {
			return fmt.Errorf("audit entry missing id or action: %w", asynq.SkipRetry)
		}
		return writer.RecordAudit(ctx, entry)
	}
}

type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
