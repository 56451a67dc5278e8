// Package node is the worker side of the cluster: it loads specs into the
// local registry, drops expired ones, answers queries over its blocks and
// reports its inventory to the coordinator.
//
// A Service is also the in-process NodeClient. The coordinator talks to a
// local Service directly; remote nodes serve the same methods over rpc.
package node

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"nebula/internal/block"
	"nebula/internal/loader"
	"nebula/internal/logging"
	"nebula/internal/query"
	"nebula/internal/registry"
	"nebula/internal/spec"
	"nebula/internal/task"
)

// Config configures a Service.
type Config struct {
	// ID is the identity reported in inventories. block.InProcess for the
	// node sharing the coordinator's process.
	ID       block.NodeID
	Registry *registry.Registry
	Loader   loader.Loader
	// Pool runs filter evaluation and task work.
	Pool *ants.Pool

	QueueSize int
	TaskTTL   time.Duration
	Logger    *slog.Logger
	// Queue, if set, tracks the number of waiting tasks.
	Queue registry.Gauge
}

// Service implements task.Handler and executor.NodeClient.
//
// Logging:
//   - Service owns its scoped logger (component="node")
//   - Loads and expirations are logged at info with block counts
type Service struct {
	id     block.NodeID
	reg    *registry.Registry
	loader loader.Loader
	pool   *ants.Pool
	tasks  *task.Executor
	queue  registry.Gauge
	logger *slog.Logger

	// writeMu serializes block replacement in the registry.
	writeMu sync.Mutex

	mu     sync.Mutex
	loaded map[string]int64 // spec ID -> bytes loaded
}

// New creates a Service. Run must be called for queued tasks to progress.
func New(cfg Config) *Service {
	logger := logging.Default(cfg.Logger)
	s := &Service{
		id:     cfg.ID,
		reg:    cfg.Registry,
		loader: cfg.Loader,
		pool:   cfg.Pool,
		queue:  cfg.Queue,
		logger: logger.With("component", "node", "node", cfg.ID),
		loaded: make(map[string]int64),
	}
	s.tasks = task.NewExecutor(task.Config{
		Handler:   s,
		QueueSize: cfg.QueueSize,
		TTL:       cfg.TaskTTL,
		Logger:    logger,
	})
	return s
}

// Run drains the task queue until ctx is done. shutdown is invoked when the
// coordinator sends the shutdown command.
func (s *Service) Run(ctx context.Context, shutdown func()) error {
	return s.tasks.Process(ctx, shutdown, s.pool)
}

// Ingest loads sp and publishes its blocks. Blocks from a previous load of
// the same spec are replaced.
func (s *Service) Ingest(ctx context.Context, sp *spec.IngestSpec) error {
	blocks, err := s.loader.Load(ctx, sp)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	removed := s.reg.RemoveBySpec(sp.Table, sp.ID)
	added := s.reg.AddBatch(blocks)
	s.writeMu.Unlock()

	s.mu.Lock()
	s.loaded[sp.ID] = sp.Bytes
	s.mu.Unlock()

	s.logger.Info("spec loaded", "spec", sp.ID, "table", sp.Table, "blocks", added, "replaced", removed)
	return nil
}

// Expire drops the blocks of every referenced spec.
func (s *Service) Expire(_ context.Context, refs []task.SpecRef) error {
	var removed int
	s.writeMu.Lock()
	for _, r := range refs {
		removed += s.reg.RemoveBySpec(r.Table, r.ID)
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	for _, r := range refs {
		delete(s.loaded, r.ID)
	}
	s.mu.Unlock()

	s.logger.Info("specs expired", "specs", len(refs), "blocks", removed)
	return nil
}

// Execute runs p over the local blocks.
func (s *Service) Execute(ctx context.Context, p *query.Plan) (*query.Result, error) {
	return query.ExecuteLocal(ctx, s.reg, p, s.pool)
}

// Task queues t, or runs it before answering when t.Sync is set.
func (s *Service) Task(ctx context.Context, t *task.Task) (task.State, error) {
	var st task.State
	if t.Sync {
		st = s.tasks.Execute(ctx, t)
	} else {
		st = s.tasks.Enqueue(t)
	}
	if s.queue != nil {
		s.queue.Set(float64(s.tasks.Pending()))
	}
	return st, nil
}

// Poll reports the node's inventory. The in-process node reports only its
// loaded specs; its blocks already live in the coordinator's registry.
func (s *Service) Poll(context.Context) (*registry.Inventory, error) {
	inv := &registry.Inventory{Node: s.id}
	if s.id != block.InProcess {
		inv = s.reg.Inventory(s.id)
	}
	s.mu.Lock()
	inv.Specs = maps.Clone(s.loaded)
	s.mu.Unlock()
	return inv, nil
}

// Status returns the state of a task by signature.
func (s *Service) Status(sig string) task.State { return s.tasks.Status(sig) }
