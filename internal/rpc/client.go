package rpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"nebula/internal/block"
	"nebula/internal/executor"
	"nebula/internal/query"
	"nebula/internal/registry"
	"nebula/internal/task"
)

// DialOptions are the options every client connection uses: msgpack on the
// wire, zstd compressed.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.UseCompressor(compressorName),
		),
	}
}

// RemoteClient is a NodeClient over a gRPC connection.
type RemoteClient struct {
	cc grpc.ClientConnInterface
}

// NewRemoteClient creates a client bound to a connection.
func NewRemoteClient(cc grpc.ClientConnInterface) *RemoteClient {
	return &RemoteClient{cc: cc}
}

func (c *RemoteClient) Execute(ctx context.Context, p *query.Plan) (*query.Result, error) {
	out := &query.Result{}
	if err := c.cc.Invoke(ctx, methodExecute, p, out); err != nil {
		return nil, fromStatus(err)
	}
	out.Normalize()
	return out, nil
}

func (c *RemoteClient) Task(ctx context.Context, t *task.Task) (task.State, error) {
	out := &TaskReply{}
	if err := c.cc.Invoke(ctx, methodTask, t, out); err != nil {
		return task.Unknown, fromStatus(err)
	}
	return out.State, nil
}

func (c *RemoteClient) Poll(ctx context.Context) (*registry.Inventory, error) {
	out := &registry.Inventory{}
	if err := c.cc.Invoke(ctx, methodPoll, &PollRequest{}, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// QueryClient submits plans to a coordinator.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

// NewQueryClient creates a client bound to a connection.
func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

// Query runs p on the coordinator.
func (c *QueryClient) Query(ctx context.Context, p *query.Plan) (*QueryReply, error) {
	out := &QueryReply{}
	if err := c.cc.Invoke(ctx, methodQuery, p, out); err != nil {
		return nil, fromStatus(err)
	}
	if out.Result != nil {
		out.Result.Normalize()
	}
	return out, nil
}

// fromStatus restores context errors so callers can tell a timeout from a
// failure with errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

// Connector resolves nodes to clients. The in-process node resolves to the
// local client; every other node is dialed at its address (the node ID)
// and the connection is cached.
type Connector struct {
	local executor.NodeClient
	opts  []grpc.DialOption

	mu    sync.Mutex
	conns map[block.NodeID]*grpc.ClientConn
}

// NewConnector creates a connector. local may be nil when no node shares
// the process.
func NewConnector(local executor.NodeClient, opts ...grpc.DialOption) *Connector {
	return &Connector{
		local: local,
		opts:  append(DialOptions(), opts...),
		conns: make(map[block.NodeID]*grpc.ClientConn),
	}
}

func (c *Connector) Client(node block.NodeID) (executor.NodeClient, error) {
	if node == block.InProcess {
		if c.local == nil {
			return nil, fmt.Errorf("%w: no in-process node", executor.ErrUnknownNode)
		}
		return c.local, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[node]; ok {
		return NewRemoteClient(conn), nil
	}
	conn, err := grpc.NewClient(string(node), c.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", node, err)
	}
	c.conns[node] = conn
	return NewRemoteClient(conn), nil
}

// Invalidate closes the cached connection for node, forcing a fresh dial on
// the next Client call.
func (c *Connector) Invalidate(node block.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[node]; ok {
		_ = conn.Close()
		delete(c.conns, node)
	}
}

// Close tears down all cached connections.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, id)
	}
	return nil
}
