package task

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"nebula/internal/callgroup"
	"nebula/internal/logging"
	"nebula/internal/spec"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadTask        = errors.New("bad task")
)

// Handler does the actual work of ingestion and expiration tasks.
type Handler interface {
	Ingest(ctx context.Context, s *spec.IngestSpec) error
	Expire(ctx context.Context, refs []SpecRef) error
}

// Config configures an Executor.
type Config struct {
	Handler Handler
	// QueueSize bounds the number of waiting tasks.
	QueueSize int
	// TTL is how long resolved states are kept for Status.
	TTL    time.Duration
	Logger *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	state   State
	updated time.Time
	err     error
}

// Executor is a bounded task queue drained by a single goroutine onto a
// worker pool.
//
// Logging:
//   - Executor owns its scoped logger (component="task-executor")
//   - Task failures and rejections are logged; successes at debug
type Executor struct {
	handler Handler
	queue   chan *Task
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	states   map[string]*entry
	shutdown func()

	sync callgroup.Group[string, State]
}

// NewExecutor creates an executor. Process must be running for queued
// tasks to make progress.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		handler: cfg.Handler,
		queue:   make(chan *Task, max(cfg.QueueSize, 1)),
		ttl:     cmp.Or(cfg.TTL, 10*time.Minute),
		logger:  logging.Default(cfg.Logger).With("component", "task-executor"),
		now:     cfg.Now,
		states:  make(map[string]*entry),
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Enqueue queues t. It returns Waiting when t was queued, the current state
// when a task with the same signature is still waiting or processing, and
// Queue when the queue is full. The shutdown command invokes the shutdown
// callback before any of that, so a full queue cannot hold it back.
func (e *Executor) Enqueue(t *Task) State {
	sig := t.Signature()

	e.mu.Lock()
	if t.IsShutdown() && e.shutdown != nil {
		shutdown := e.shutdown
		e.mu.Unlock()
		e.logger.Info("shutdown command received")
		shutdown()
		e.mu.Lock()
	}
	if en, ok := e.states[sig]; ok && !en.state.Resolved() {
		e.mu.Unlock()
		return en.state
	}
	select {
	case e.queue <- t:
	default:
		e.mu.Unlock()
		e.logger.Warn("task queue full", "task", t, "capacity", cap(e.queue))
		return Queue
	}
	e.states[sig] = &entry{state: Waiting, updated: e.now()}
	e.mu.Unlock()
	return Waiting
}

// Execute runs t before returning its final state. Concurrent calls with
// the same signature share one run; a task already queued is not run again
// and its current state is returned. Abandoning ctx does not stop the work.
func (e *Executor) Execute(ctx context.Context, t *Task) State {
	sig := t.Signature()

	e.mu.Lock()
	if en, ok := e.states[sig]; ok && !en.state.Resolved() && !e.sync.InFlight(sig) {
		e.mu.Unlock()
		return en.state
	}
	shutdown := e.shutdown
	e.mu.Unlock()

	if t.IsShutdown() && shutdown != nil {
		shutdown()
	}

	work := context.WithoutCancel(ctx)
	r := e.sync.Do(ctx, sig, func() (State, error) {
		e.set(sig, Processing, nil)
		err := e.run(work, t)
		return e.finish(sig, t, err), nil
	})
	if r.Err != nil {
		return e.Status(sig)
	}
	return r.Val
}

// Status returns the state of the task with the given signature, or
// NotFound.
func (e *Executor) Status(sig string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.states[sig]; ok {
		return en.state
	}
	return NotFound
}

// Err returns the failure of a resolved task, if any.
func (e *Executor) Err(sig string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.states[sig]; ok {
		return en.err
	}
	return nil
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int { return len(e.queue) }

// Process drains the queue until ctx is done. Each task is handed to pool;
// the drain loop itself never runs task work. shutdown is invoked when a
// shutdown command is enqueued.
func (e *Executor) Process(ctx context.Context, shutdown func(), pool *ants.Pool) error {
	e.mu.Lock()
	e.shutdown = shutdown
	e.mu.Unlock()

	prune := time.NewTicker(max(e.ttl/4, time.Second))
	defer prune.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune.C:
			e.prune()
		case t := <-e.queue:
			sig := t.Signature()
			e.set(sig, Processing, nil)
			wg.Add(1)
			job := func() {
				defer wg.Done()
				e.finish(sig, t, e.run(ctx, t))
			}
			if err := pool.Submit(job); err != nil {
				wg.Done()
				e.finish(sig, t, fmt.Errorf("submit: %w", err))
			}
		}
	}
}

func (e *Executor) run(ctx context.Context, t *Task) error {
	switch t.Type {
	case Ingestion:
		if t.Spec == nil {
			return fmt.Errorf("%w: ingestion without spec", ErrBadTask)
		}
		return e.handler.Ingest(ctx, t.Spec)
	case Expiration:
		return e.handler.Expire(ctx, t.Expire)
	case Command:
		if t.Command == Shutdown {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrUnknownCommand, t.Command)
	}
	return fmt.Errorf("%w: type %d", ErrBadTask, t.Type)
}

func (e *Executor) finish(sig string, t *Task, err error) State {
	if err != nil {
		e.logger.Warn("task failed", "task", t, "error", err)
		e.set(sig, Failed, err)
		return Failed
	}
	e.logger.Debug("task succeeded", "task", t)
	e.set(sig, Succeeded, nil)
	return Succeeded
}

func (e *Executor) set(sig string, s State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[sig] = &entry{state: s, updated: e.now(), err: err}
}

// prune forgets resolved tasks older than the TTL.
func (e *Executor) prune() {
	cutoff := e.now().Add(-e.ttl)
	e.mu.Lock()
	defer e.mu.Unlock()
	for sig, en := range e.states {
		if en.state.Resolved() && en.updated.Before(cutoff) {
			delete(e.states, sig)
		}
	}
}
