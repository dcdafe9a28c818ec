package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/marketbench-backend/internal/platform/ctxutil"
	"github.com/yungbote/marketbench-backend/internal/platform/envutil"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

var ErrStopped = errors.New("background runner stopped")

// Task is one unit of work that outlives the request that scheduled it.
type Task func(ctx context.Context) error

type Config struct {
	Concurrency int
	TaskTimeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency: envutil.Int("BACKGROUND_CONCURRENCY", 16),
		TaskTimeout: envutil.Seconds("BACKGROUND_TASK_TIMEOUT_SECONDS", 6*time.Minute),
	}
}

// Runner executes tasks on goroutines with a detached context, a per-task
// timeout and panic containment. Shutdown waits for in-flight tasks.
type Runner struct {
	log     *logger.Logger
	timeout time.Duration
	sem     chan struct{}

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(baseLog *logger.Logger, cfg Config) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 6 * time.Minute
	}
	return &Runner{
		log:     baseLog.With("component", "BackgroundRunner"),
		timeout: cfg.TaskTimeout,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Go schedules task. The context passed to the task keeps the values of ctx
// (trace ids, request data) but not its cancellation. onFailure, if set, runs
// with the same detached context when the task errors or panics.
func (r *Runner) Go(ctx context.Context, name string, task Task, onFailure func(context.Context, error)) error {
	if task == nil {
		return fmt.Errorf("background: nil task %q", name)
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	detached := ctxutil.Detached(ctx)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		taskCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()

		err := r.run(taskCtx, name, task)
		if err == nil {
			return
		}
		r.log.Warn("Background task failed", "task", name, "error", err)
		if onFailure != nil {
			failCtx, failCancel := context.WithTimeout(detached, 30*time.Second)
			defer failCancel()
			onFailure(failCtx, err)
		}
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Background task panic", "task", name, "panic", rec)
			err = &panicError{Val: rec}
		}
	}()
	return task(ctx)
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background: shutdown: %w", ctx.Err())
	}
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
