// Package server receives sandbox build requests on an abstract unixgram
// socket and answers each with the guard pid, its identity and the
// namespace handles of the new sandbox.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/rocker/internal/concurrency"
	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/registry"
	"github.com/harunnryd/rocker/internal/sandbox"
	"github.com/harunnryd/rocker/internal/wire"
	"github.com/harunnryd/rocker/internal/worker"
)

// Builder turns one decoded request into a registered sandbox.
type Builder interface {
	Build(ctx context.Context, req sandbox.Request, reg *registry.Registry) (*sandbox.Built, error)
}

type Options struct {
	SocketName      string
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	// OnFatal is called once if the listener breaks and no further
	// request can be served.
	OnFatal func(error)
}

type Server struct {
	opts     Options
	builder  Builder
	registry *registry.Registry

	mu      sync.Mutex
	conn    *net.UnixConn
	queue   chan *worker.Job
	workers []*worker.Worker
	stopped chan struct{}
	loop    sync.WaitGroup
	fatal   sync.Once
	entropy *ulid.MonotonicEntropy
	idMu    sync.Mutex
}

func New(builder Builder, reg *registry.Registry, opts Options) *Server {
	if opts.SocketName == "" {
		opts.SocketName = wire.DefaultSocketName
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Server{
		opts:     opts,
		builder:  builder,
		registry: reg,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Listen binds the abstract socket. A second server on the same name fails
// here with EADDRINUSE.
func Listen(name string) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: wire.AbstractAddr(name), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, errors.System("listen "+addr.Name, err)
	}
	return conn, nil
}

// Start binds the socket, starts the worker pool and the receive loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return errors.InvalidInput("server already started")
	}

	conn, err := Listen(s.opts.SocketName)
	if err != nil {
		return err
	}

	queue := make(chan *worker.Job, s.opts.QueueSize)
	h := &handler{conn: conn, builder: s.builder, registry: s.registry, dataDirs: concurrency.NewKeyedMutex()}

	workers := make([]*worker.Worker, 0, s.opts.Workers)
	for i := 0; i < s.opts.Workers; i++ {
		w := worker.NewWorker("request-"+strconv.Itoa(i), queue, h, worker.RuntimeConfig{ShutdownTimeout: s.opts.ShutdownTimeout})
		if _, err := w.Start(ctx); err != nil {
			for _, started := range workers {
				if stopErr := started.Stop(context.Background()); stopErr != nil {
					slog.Warn("Failed to stop worker after start failure", "error", stopErr)
				}
			}
			conn.Close()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	s.conn = conn
	s.queue = queue
	s.stopped = make(chan struct{})
	s.workers = workers

	s.loop.Add(1)
	concurrency.SafeGo(func() {
		defer s.loop.Done()
		s.receiveLoop(ctx)
	}, func(p interface{}) {
		s.fail(fmt.Errorf("receive loop panic: %v", p))
	})

	slog.Info("Request server listening", "socket", wire.AbstractAddr(s.opts.SocketName), "workers", s.opts.Workers, "queue_size", s.opts.QueueSize)
	return nil
}

func (s *Server) receiveLoop(ctx context.Context) {
	buf := make([]byte, wire.MaxDatagram)
	for {
		n, from, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.fail(errors.System("receive request", err))
			return
		}

		job := &worker.Job{
			ID:       s.newID(),
			Payload:  append([]byte(nil), buf[:n]...),
			From:     from,
			Received: time.Now(),
		}

		select {
		case s.queue <- job:
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Server) fail(err error) {
	s.fatal.Do(func() {
		slog.Error("Request server cannot continue", "error", err)
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(err)
		}
	})
}

// Stop closes the socket and waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	close(s.stopped)
	s.conn.Close()
	s.loop.Wait()

	var firstErr error
	for _, w := range s.workers {
		if err := w.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.conn = nil
	s.workers = nil
	return firstErr
}

// Health reports the first unhealthy worker, if any.
func (s *Server) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errors.NotReady("server not started")
	}
	for _, w := range s.workers {
		if err := w.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns the abstract address the server binds.
func (s *Server) Addr() string {
	return wire.AbstractAddr(s.opts.SocketName)
}
