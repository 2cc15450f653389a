package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/config"
	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/logger"
)

// Job is one received datagram waiting for a worker.
type Job struct {
	ID       string
	Payload  []byte
	From     *net.UnixAddr
	Received time.Time
}

// Handler processes a job. Errors are logged by the worker; replying to the
// sender is the handler's business.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type RuntimeConfig struct {
	ShutdownTimeout time.Duration
}

type Worker struct {
	mu      sync.RWMutex
	started bool
	quit    chan struct{}
	wg      sync.WaitGroup

	lane    string
	jobs    <-chan *Job
	handler Handler

	shutdownTimeout time.Duration
}

func NewWorker(lane string, jobs <-chan *Job, handler Handler, runtimeCfg RuntimeConfig) *Worker {
	if runtimeCfg.ShutdownTimeout <= 0 {
		d, err := config.DurationOrDefault("", config.DefaultDaemonShutdownTimeout)
		if err == nil {
			runtimeCfg.ShutdownTimeout = d
		}
	}

	return &Worker{
		lane:    lane,
		jobs:    jobs,
		handler: handler,

		shutdownTimeout: runtimeCfg.ShutdownTimeout,
	}
}

func (w *Worker) Start(ctx context.Context) (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, fmt.Errorf("worker already started: %w", errors.InvalidInput("worker already started"))
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", w.lane, err)
	}

	w.started = true
	w.quit = make(chan struct{})

	workerCtx, cancel := context.WithCancel(ctx)

	w.wg.Add(1)
	concurrency.SafeGo(func() {
		defer w.wg.Done()
		defer cancel()

		slog.Debug("Worker started", "lane", w.lane)
		w.jobLoop(workerCtx)
		slog.Debug("Worker stopped", "lane", w.lane)
	}, nil)

	return workerCtx, nil
}

func (w *Worker) jobLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker stopping (context cancelled)", "lane", w.lane)
			return
		case <-w.quit:
			slog.Debug("Worker stopping (quit signal)", "lane", w.lane)
			return
		case job, ok := <-w.jobs:
			if !ok {
				slog.Debug("Worker stopping (channel closed)", "lane", w.lane)
				return
			}
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	if job == nil {
		return
	}
	start := time.Now()
	ctx = logger.WithRequestID(ctx, job.ID)
	log := logger.FromContext(ctx)

	log.Debug("Processing request",
		"lane", w.lane,
		"bytes", len(job.Payload),
		"queued", start.Sub(job.Received))

	// A panicking handler must not take the worker down with it.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Internal(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		err = w.handler.Handle(ctx, job)
	}()

	if err != nil {
		log.Error("Request failed",
			"lane", w.lane,
			"category", errors.Category(err),
			"error", err)
		return
	}

	log.Debug("Request processed",
		"lane", w.lane,
		"duration", time.Since(start))
}

func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		slog.Debug("Worker not started, skipping stop", "lane", w.lane)
		return nil
	}

	close(w.quit)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.started = false
		return nil
	case <-time.After(w.shutdownTimeout):
		slog.Warn("Worker shutdown timeout, force stopping", "lane", w.lane)
		w.started = false
		return errors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Health(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.started {
		return errors.Internal("worker not started")
	}

	if w.jobs == nil {
		return errors.Internal("job channel not initialized")
	}

	if w.handler == nil {
		return errors.Internal("handler not configured")
	}

	return nil
}
