// Package executor fans a query plan out to the nodes holding the table's
// blocks and reduces their partials into one result.
//
// A node that fails or does not answer within the per-node timeout
// contributes an empty partial. The query still succeeds; the degradation
// is visible in the stats and logs.
package executor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nebula/internal/block"
	"nebula/internal/logging"
	"nebula/internal/query"
	"nebula/internal/registry"
	"nebula/internal/task"
)

// ErrUnknownNode is returned by a Connector that has no client for a node.
var ErrUnknownNode = errors.New("unknown node")

// NodeClient is the coordinator's view of one node. The in-process node and
// remote nodes implement it; only the remote one serializes.
type NodeClient interface {
	Execute(ctx context.Context, p *query.Plan) (*query.Result, error)
	Task(ctx context.Context, t *task.Task) (task.State, error)
	Poll(ctx context.Context) (*registry.Inventory, error)
}

// Connector resolves a node to its client.
type Connector interface {
	Client(node block.NodeID) (NodeClient, error)
}

// Clients is a fixed Connector.
type Clients map[block.NodeID]NodeClient

func (c Clients) Client(node block.NodeID) (NodeClient, error) {
	cl, ok := c[node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return cl, nil
}

// Failure reasons passed to Config.OnFailure.
const (
	ReasonTimeout = "timeout"
	ReasonError   = "error"
)

// Config configures a ServerExecutor.
type Config struct {
	// Registry supplies the holders of each table.
	Registry *registry.Registry
	// Timeout bounds each node call when the plan carries none.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnFailure, if set, is called once per degraded node.
	OnFailure func(node block.NodeID, reason string)
}

// ServerExecutor runs plans across the cluster.
//
// Logging:
//   - ServerExecutor owns its scoped logger (component="server-executor")
//   - Degraded nodes are logged at warn; nothing is logged per row
type ServerExecutor struct {
	reg       *registry.Registry
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func(block.NodeID, string)
}

// New creates a ServerExecutor.
func New(cfg Config) *ServerExecutor {
	return &ServerExecutor{
		reg:       cfg.Registry,
		timeout:   cmp.Or(cfg.Timeout, 5*time.Second),
		logger:    logging.Default(cfg.Logger).With("component", "server-executor"),
		onFailure: cfg.OnFailure,
	}
}

// Execute runs p on every target node and returns the final result. Only a
// structurally invalid plan or a cancelled ctx returns an error; node
// failures degrade to empty partials. stats may be nil.
func (e *ServerExecutor) Execute(ctx context.Context, p *query.Plan, conn Connector, stats *query.Stats) (*query.Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		stats = new(query.Stats)
	}
	nodes := p.Targets(e.reg.Nodes(p.Table))
	stats.NodesQueried.Add(int64(len(nodes)))
	timeout := cmp.Or(p.Timeout, e.timeout)

	// Indexed by sorted node so the merge order does not depend on which
	// node answers first.
	parts := make([]*query.Result, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Go(func() {
			parts[i] = e.call(ctx, p, conn, node, timeout, stats)
		})
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, part := range parts {
		stats.AddScan(part)
	}

	var merged *query.Result
	switch len(parts) {
	case 0:
		merged = query.Empty(p)
	case 1:
		merged = parts[0]
	default:
		merged = query.Merge(p, parts)
	}
	res := query.TopSort(p, query.Finalize(p, merged))
	stats.RowsReturned.Store(int64(res.NumRows()))
	return res, nil
}

type reply struct {
	res *query.Result
	err error
}

// call executes p on one node and returns its partial, or an empty partial
// on failure. The node call is not awaited past the timeout.
func (e *ServerExecutor) call(ctx context.Context, p *query.Plan, conn Connector, node block.NodeID, timeout time.Duration, stats *query.Stats) *query.Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := conn.Client(node)
	if err != nil {
		return e.degrade(p, node, ReasonError, err, stats)
	}

	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- reply{err: fmt.Errorf("node %s: panic: %v", node, v)}
			}
		}()
		res, err := client.Execute(ctx, p)
		ch <- reply{res, err}
	}()

	select {
	case r := <-ch:
		switch {
		case errors.Is(r.err, context.DeadlineExceeded):
			return e.degrade(p, node, ReasonTimeout, r.err, stats)
		case r.err != nil:
			return e.degrade(p, node, ReasonError, r.err, stats)
		case r.res == nil:
			return query.Empty(p)
		}
		return r.res
	case <-ctx.Done():
		return e.degrade(p, node, ReasonTimeout, ctx.Err(), stats)
	}
}

func (e *ServerExecutor) degrade(p *query.Plan, node block.NodeID, reason string, err error, stats *query.Stats) *query.Result {
	if reason == ReasonTimeout {
		stats.NodesTimedOut.Add(1)
	} else {
		stats.NodesFailed.Add(1)
	}
	if e.onFailure != nil {
		e.onFailure(node, reason)
	}
	e.logger.Warn("node degraded to empty result", "node", node, "query", p.ID, "reason", reason, "error", err)
	return query.Empty(p)
}
