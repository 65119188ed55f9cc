package queue

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FailureHook is invoked on every failed attempt of a job; final reports
// whether the attempt budget is exhausted (the DLQ transition point).
type FailureHook func(ctx context.Context, task *asynq.Task, err error, attempts int, final bool)

// ServerConfig describes one consumer: a single named queue with its own
// concurrency cap and failure hook.
type ServerConfig struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	OnFailure   FailureHook
}

// Server consumes one named queue. Each queue gets a dedicated server so
// per-queue concurrency bounds hold regardless of the other queues' load.
type Server struct {
	cfg ServerConfig
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewServer builds a consumer for cfg.Queue against the broker at redisURL.
func NewServer(redisURL string, cfg ServerConfig) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "queue: redis url")
	}
	s := &Server{cfg: cfg, mux: asynq.NewServeMux()}
	s.srv = asynq.NewServer(opt, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         map[string]int{cfg.Queue: 1},
		RetryDelayFunc: ExponentialDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(s.onError),
		Logger:         zapLogger{zap.S().Named("queue." + cfg.Queue)},
	})
	return s, nil
}

// Handle registers a handler for a task type on this queue.
func (s *Server) Handle(taskType string, h HandlerFunc) {
	s.mux.HandleFunc(taskType, adapt(h))
}

// Start begins consuming in background goroutines.
func (s *Server) Start() error {
	return errors.Wrapf(s.srv.Start(s.mux), "queue: start %s", s.cfg.Queue)
}

// Shutdown waits for in-flight jobs then stops.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// onError is the broker's after-attempt hook. It computes the attempt
// number the way the delivery rows expect: attempts' = attemptsMade + 1.
func (s *Server) onError(ctx context.Context, task *asynq.Task, err error) {
	if s.cfg.OnFailure == nil {
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = s.cfg.MaxAttempts - 1
	}
	attempts := retried + 1
	final := retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
	s.cfg.OnFailure(ctx, task, err, attempts, final)
}

// zapLogger adapts the global zap sugar to asynq's logger contract.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l zapLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l zapLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l zapLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l zapLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
