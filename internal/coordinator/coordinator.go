// Package coordinator drives the cluster's control plane and serves
// queries.
//
// A single scheduler runs the control jobs: refresh regenerates specs from
// the table configuration, dispatch assigns them to nodes and sends
// ingestion tasks, poll mirrors node inventories into the registry and
// confirms loaded specs, expire enforces retention. Queries fan out through
// the ServerExecutor and never touch the control state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nebula/internal/block"
	"nebula/internal/config"
	"nebula/internal/executor"
	"nebula/internal/home"
	"nebula/internal/logging"
	"nebula/internal/meta"
	"nebula/internal/metrics"
	"nebula/internal/query"
	"nebula/internal/registry"
	"nebula/internal/spec"
	"nebula/internal/task"
)

// ErrUnknownTable is returned for a query on a table that is not configured.
var ErrUnknownTable = errors.New("unknown table")

// affinityKey is the metadata key of the spec affinity snapshot.
const affinityKey = "affinity"

// Job names.
const (
	JobRefresh  = "refresh"
	JobDispatch = "dispatch"
	JobPoll     = "poll"
	JobExpire   = "expire"
	JobBackup   = "backup"
)

// Config configures a Coordinator.
type Config struct {
	Cluster    *config.Cluster
	Registry   *registry.Registry
	Repository *spec.Repository
	Executor   *executor.ServerExecutor
	Connector  executor.Connector
	// Store persists the affinity snapshot. Defaults to meta.Noop.
	Store meta.Store
	// Home locates metadata backups.
	Home    home.Dir
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type nodeHealth struct {
	failures int
	active   bool
	limiter  *rate.Limiter
}

// Coordinator owns the control loop of one cluster.
//
// Logging:
//   - Coordinator owns its scoped logger (component="coordinator")
//   - Node loss and recovery are logged at warn/info; per-cycle detail at debug
type Coordinator struct {
	reg     *registry.Registry
	repo    *spec.Repository
	exec    *executor.ServerExecutor
	conn    executor.Connector
	store   meta.Store
	home    home.Dir
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	cluster *config.Cluster
	health  map[block.NodeID]*nodeHealth

	sched *Scheduler
	ctx   context.Context
	stop  context.CancelFunc
}

// New creates a coordinator. Start registers and runs the control jobs.
func New(cfg Config) (*Coordinator, error) {
	logger := logging.Default(cfg.Logger).With("component", "coordinator")
	sched, err := newScheduler(logger)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		reg:     cfg.Registry,
		repo:    cfg.Repository,
		exec:    cfg.Executor,
		conn:    cfg.Connector,
		store:   cfg.Store,
		home:    cfg.Home,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     cfg.Now,
		health:  make(map[block.NodeID]*nodeHealth),
		sched:   sched,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.store == nil {
		c.store = meta.Noop{}
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.ctx, c.stop = context.WithCancel(context.Background())
	c.Reload(cfg.Cluster)
	return c, nil
}

// Reload replaces the cluster configuration. Tables take effect on the next
// refresh; new nodes start active.
func (c *Coordinator) Reload(cluster *config.Cluster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cluster = cluster
	for _, n := range cluster.Nodes {
		id := block.NodeID(n.Addr)
		if _, ok := c.health[id]; !ok {
			lim := rate.NewLimiter(rate.Inf, 1)
			if rps := cluster.Server.DispatchRate; rps > 0 {
				lim = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
			}
			c.health[id] = &nodeHealth{active: true, limiter: lim}
		}
	}
	c.logger.Info("configuration loaded", "tables", len(cluster.Tables), "nodes", len(cluster.Nodes))
}

// Start restores affinity from the metadata store and starts the control
// jobs.
func (c *Coordinator) Start() error {
	c.restoreAffinity()

	srv := c.server()
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{JobRefresh, srv.RefreshInterval.D(), func() { c.refresh(c.ctx) }},
		{JobDispatch, srv.DispatchInterval.D(), func() { c.dispatch(c.ctx) }},
		{JobPoll, srv.PollInterval.D(), func() { c.poll(c.ctx) }},
		{JobExpire, srv.ExpireInterval.D(), func() { c.expire(c.ctx) }},
	}
	for _, j := range jobs {
		if err := c.sched.Every(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	if srv.BackupCron != "" {
		if err := c.sched.Cron(JobBackup, srv.BackupCron, c.backup); err != nil {
			return err
		}
	}
	c.sched.Start()
	return nil
}

// Stop stops the control jobs and persists the affinity snapshot.
func (c *Coordinator) Stop() error {
	c.stop()
	err := c.sched.Stop()
	c.saveAffinity()
	return err
}

// Jobs lists the registered control jobs.
func (c *Coordinator) Jobs() []JobInfo { return c.sched.ListJobs() }

// Query validates p against the configuration and runs it across the
// cluster.
func (c *Coordinator) Query(ctx context.Context, p *query.Plan) (*query.Result, query.StatsSnapshot, error) {
	start := c.now()
	c.mu.RLock()
	_, known := c.cluster.Table(p.Table)
	timeout := c.cluster.Server.QueryTimeout.D()
	c.mu.RUnlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timeout == 0 {
		p.Timeout = timeout
	}
	if !known && p.Table != "" {
		c.metrics.Queries.WithLabelValues("unknown_table").Inc()
		return nil, query.StatsSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownTable, p.Table)
	}

	var stats query.Stats
	res, err := c.exec.Execute(ctx, p, c.conn, &stats)
	if err != nil {
		c.metrics.Queries.WithLabelValues("error").Inc()
		return nil, query.StatsSnapshot{}, err
	}
	c.metrics.Queries.WithLabelValues("ok").Inc()
	c.metrics.QueryDuration.Observe(c.now().Sub(start).Seconds())
	snap := stats.Snapshot()
	c.logger.Debug("query done", "query", p.ID, "table", p.Table, "rows", snap.RowsReturned,
		"nodes", snap.NodesQueried, "failed", snap.NodesFailed, "timed_out", snap.NodesTimedOut)
	return res, snap, nil
}

func (c *Coordinator) server() config.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cluster.Server
}

func (c *Coordinator) tables() []config.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cluster.Tables
}

// nodes snapshots the configured nodes with their health.
func (c *Coordinator) nodes() []spec.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]spec.Node, 0, len(c.cluster.Nodes))
	for _, n := range c.cluster.Nodes {
		id := block.NodeID(n.Addr)
		out = append(out, spec.Node{ID: id, Active: c.health[id].active})
	}
	return out
}

func (c *Coordinator) limiter(node block.NodeID) *rate.Limiter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.health[node]; ok {
		return h.limiter
	}
	return rate.NewLimiter(rate.Inf, 1)
}

func (c *Coordinator) refresh(ctx context.Context) {
	c.repo.Refresh(ctx, c.tables(), c.nodes())
	c.recordSpecs()
}

func (c *Coordinator) recordSpecs() {
	counts := make(map[string]int)
	for _, s := range c.repo.Specs() {
		counts[s.State.String()]++
	}
	for _, st := range []spec.State{spec.New, spec.Assigned, spec.Renew} {
		c.metrics.Specs.WithLabelValues(st.String()).Set(float64(counts[st.String()]))
	}
}

// dispatch assigns unowned specs and sends an ingestion task for every spec
// not yet confirmed by its node. Nodes are served concurrently; each node's
// tasks go out in order under its rate limit.
func (c *Coordinator) dispatch(ctx context.Context) {
	if n, _ := c.repo.Assign(c.nodes()); n > 0 {
		c.saveAffinity()
	}

	srv := c.server()
	byNode := make(map[block.NodeID][]*spec.IngestSpec)
	for _, s := range c.repo.Dispatchable(c.now(), srv.TaskRetry.D()) {
		byNode[s.Node] = append(byNode[s.Node], s)
	}

	var g errgroup.Group
	for node, specs := range byNode {
		g.Go(func() error {
			c.dispatchNode(ctx, node, specs, srv.TaskTimeout.D())
			return nil
		})
	}
	_ = g.Wait()
	c.recordSpecs()
}

func (c *Coordinator) dispatchNode(ctx context.Context, node block.NodeID, specs []*spec.IngestSpec, timeout time.Duration) {
	client, err := c.conn.Client(node)
	if err != nil {
		c.logger.Warn("no client for node", "node", node, "error", err)
		return
	}
	lim := c.limiter(node)
	for _, s := range specs {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		st, err := client.Task(tctx, task.NewIngestion(s))
		cancel()
		if err != nil {
			c.logger.Warn("ingestion dispatch failed", "node", node, "spec", s.ID, "error", err)
			c.metrics.Tasks.WithLabelValues(task.Ingestion.String(), "ERROR").Inc()
			return
		}
		c.metrics.Tasks.WithLabelValues(task.Ingestion.String(), st.String()).Inc()
		switch st {
		case task.Queue:
			c.logger.Debug("node queue full", "node", node)
			return
		case task.Failed:
			// Retried after TaskRetry.
			c.logger.Warn("ingestion failed on node", "node", node, "spec", s.ID)
		}
		c.repo.MarkDispatched(s.ID, c.now())
	}
}

// poll mirrors every configured node's inventory and confirms the specs it
// has loaded. A node that fails NodeFailures polls in a row is lost: its
// blocks leave the registry and its specs are reassigned.
func (c *Coordinator) poll(ctx context.Context) {
	srv := c.server()
	var g errgroup.Group
	for _, n := range c.nodes() {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, srv.TaskTimeout.D())
			defer cancel()
			inv, err := c.pollNode(pctx, n.ID)
			if err != nil {
				c.metrics.Polls.WithLabelValues("error").Inc()
				c.nodeFailed(n.ID, srv.NodeFailures, err)
				return nil
			}
			c.metrics.Polls.WithLabelValues("ok").Inc()
			c.nodeHealthy(n.ID)
			c.mirror(ctx, n.ID, inv)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) pollNode(ctx context.Context, node block.NodeID) (*registry.Inventory, error) {
	client, err := c.conn.Client(node)
	if err != nil {
		return nil, err
	}
	inv, err := client.Poll(ctx)
	if err != nil {
		return nil, err
	}
	if inv.Node != node {
		return nil, fmt.Errorf("%w: node %s answered as %s", registry.ErrBadInventory, node, inv.Node)
	}
	return inv, nil
}

// mirror confirms the specs inv reports and swaps its blocks into the
// registry. Blocks of specs now owned by another node are left out and the
// node is told to drop them.
func (c *Coordinator) mirror(ctx context.Context, node block.NodeID, inv *registry.Inventory) {
	var stale []task.SpecRef
	rejected := make(map[string]bool)
	for id, bytes := range inv.Specs {
		s, ok := c.repo.Get(id)
		if !ok || s.Bytes != bytes {
			continue
		}
		if !c.repo.Confirm(id, node) {
			rejected[id] = true
			stale = append(stale, task.SpecRef{Table: s.Table, ID: id})
		}
	}

	if node != block.InProcess {
		kept := inv.Blocks[:0]
		for _, b := range inv.Blocks {
			if !rejected[b.Spec] {
				kept = append(kept, b)
			}
		}
		inv.Blocks = kept
		states, err := inv.States()
		if err != nil {
			c.logger.Warn("inventory rejected", "node", node, "error", err)
			return
		}
		c.reg.Swap(node, states)
	}

	if len(stale) > 0 {
		_ = c.send(ctx, node, &task.Task{Type: task.Expiration, Expire: stale})
	}
}

func (c *Coordinator) nodeHealthy(node block.NodeID) {
	c.mu.Lock()
	h := c.health[node]
	recovered := !h.active
	h.failures = 0
	h.active = true
	c.mu.Unlock()
	if recovered {
		c.logger.Info("node recovered", "node", node)
	}
}

func (c *Coordinator) nodeFailed(node block.NodeID, limit int, err error) {
	c.mu.Lock()
	h := c.health[node]
	h.failures++
	lost := h.active && h.failures >= limit
	if lost {
		h.active = false
	}
	failures := h.failures
	c.mu.Unlock()

	c.logger.Debug("node poll failed", "node", node, "failures", failures, "error", err)
	if !lost {
		return
	}
	c.logger.Warn("node lost", "node", node, "failures", failures, "error", err)
	if node != block.InProcess {
		c.reg.RemoveNode(node)
	}
	c.repo.Lost(node)
	if inv, ok := c.conn.(interface{ Invalidate(block.NodeID) }); ok {
		inv.Invalidate(node)
	}
}

// expire sends retention expirations, one batch per node.
func (c *Coordinator) expire(ctx context.Context) {
	n := c.repo.Expire(ctx, func(ctx context.Context, node block.NodeID, specs []*spec.IngestSpec) error {
		return c.send(ctx, node, task.NewExpiration(specs))
	})
	if n > 0 {
		c.saveAffinity()
		c.recordSpecs()
	}
}

// send queues t on node.
func (c *Coordinator) send(ctx context.Context, node block.NodeID, t *task.Task) error {
	client, err := c.conn.Client(node)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.server().TaskTimeout.D())
	defer cancel()
	st, err := client.Task(ctx, t)
	if err != nil {
		c.logger.Warn("task dispatch failed", "node", node, "task", t, "error", err)
		return err
	}
	c.metrics.Tasks.WithLabelValues(t.Type.String(), st.String()).Inc()
	if st == task.Queue || st == task.Failed {
		return fmt.Errorf("node %s answered %s for %s", node, st, t)
	}
	return nil
}

func (c *Coordinator) backup() {
	path := c.home.BackupPath(c.now())
	if err := c.home.EnsureExists(); err != nil {
		c.logger.Warn("metadata backup failed", "error", err)
		return
	}
	if err := c.store.Backup(path); err != nil {
		c.logger.Warn("metadata backup failed", "path", path, "error", err)
		return
	}
	c.logger.Info("metadata backed up", "path", path)
}

func (c *Coordinator) saveAffinity() {
	data, err := msgpack.Marshal(c.repo.Affinity())
	if err == nil {
		err = c.store.Write(affinityKey, data)
	}
	if err != nil {
		c.logger.Warn("affinity snapshot failed", "error", err)
	}
}

func (c *Coordinator) restoreAffinity() {
	data, err := c.store.Read(affinityKey)
	if errors.Is(err, meta.ErrNotFound) {
		return
	}
	var affinity map[string]block.NodeID
	if err == nil {
		err = msgpack.Unmarshal(data, &affinity)
	}
	if err != nil {
		c.logger.Warn("affinity restore failed", "error", err)
		return
	}
	c.repo.Seed(affinity)
	c.logger.Info("affinity restored", "specs", len(affinity))
}
