package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/deskchat/internal/observability"
	"github.com/harun/deskchat/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks started after Close or Cancel.
var ErrClosed = errors.New("task supervisor closed")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Handle tracks one task.
type Handle struct {
	id   string
	name string
	done chan struct{}
	err  error
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Name returns the name the task was started with.
func (h *Handle) Name() string { return h.name }

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task returns and reports its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the task error once done, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Supervisor runs tasks on goroutines and joins them at shutdown.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seq    atomic.Int64

	mu     sync.Mutex
	active map[string]*Handle
	closed bool
}

// New creates a supervisor.
func New() *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*Handle),
	}
}

// Go starts task on a new goroutine. The task context carries the values of
// ctx but is cancelled only by the supervisor, not by ctx.
func (s *Supervisor) Go(ctx context.Context, name string, task Task) *Handle {
	h := &Handle{
		id:   fmt.Sprintf("%s-%d", name, s.seq.Add(1)),
		name: name,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.err = ErrClosed
		close(h.done)
		return h
	}
	s.active[h.id] = h
	count := len(s.active)
	s.wg.Add(1)
	s.mu.Unlock()

	observability.SetBackgroundTasks(count)

	go s.execute(tracing.Detach(ctx), h, task)
	return h
}

func (s *Supervisor) execute(parent context.Context, h *Handle, task Task) {
	defer s.wg.Done()

	taskCtx, span := tracing.StartSpan(parent, "deskchat.tasks", "tasks.execute",
		attribute.String("task_id", h.id),
		attribute.String("task_name", h.name),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(s.ctx, cancel)

	startTime := time.Now()
	err := runProtected(runCtx, task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		logger.Error().
			Str("task_id", h.id).
			Interface("panic", pe.Value).
			Bytes("stack", pe.Stack).
			Msg("Task panicked")
	case err != nil:
		logger.Error().Str("task_id", h.id).Dur("duration", duration).Err(err).Msg("Task failed")
	default:
		logger.Debug().Str("task_id", h.id).Dur("duration", duration).Msg("Task completed")
	}
	tracing.EndSpan(span, err)

	s.mu.Lock()
	delete(s.active, h.id)
	count := len(s.active)
	s.mu.Unlock()
	observability.SetBackgroundTasks(count)

	h.err = err
	close(h.done)
}

func runProtected(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(ctx)
}

// Active returns the number of running tasks.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop refuses new tasks without touching running ones.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// WaitForActive waits for running tasks to return. It reports false when ctx
// ends first.
func (s *Supervisor) WaitForActive(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All background tasks completed")
		return true
	case <-ctx.Done():
		log.Warn().Int("active", s.Active()).Msg("Timeout waiting for background tasks")
		return false
	}
}

// Cancel refuses new tasks and cancels running ones.
func (s *Supervisor) Cancel() {
	s.Stop()
	s.cancel()
}

// Close cancels running tasks and joins them.
func (s *Supervisor) Close() error {
	s.Cancel()
	s.wg.Wait()
	return nil
}
