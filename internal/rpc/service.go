// Package rpc carries node and coordinator calls over gRPC.
//
// Messages are the plain Go types of the query, task and registry packages,
// encoded with msgpack and compressed with zstd. The services are described
// by hand; there is no generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"nebula/internal/executor"
	"nebula/internal/query"
	"nebula/internal/task"
)

const (
	nodeService        = "nebula.v1.NodeService"
	coordinatorService = "nebula.v1.CoordinatorService"

	methodExecute = "/" + nodeService + "/Execute"
	methodTask    = "/" + nodeService + "/Task"
	methodPoll    = "/" + nodeService + "/Poll"
	methodQuery   = "/" + coordinatorService + "/Query"
)

// TaskReply answers a Task call.
type TaskReply struct {
	State task.State `msgpack:"state"`
}

// PollRequest asks a node for its inventory.
type PollRequest struct{}

// QueryReply answers a coordinator Query call.
type QueryReply struct {
	Result *query.Result       `msgpack:"result"`
	Stats  query.StatsSnapshot `msgpack:"stats"`
}

// Querier runs plans on the coordinator.
type Querier interface {
	Query(ctx context.Context, p *query.Plan) (*query.Result, query.StatsSnapshot, error)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: nodeService,
	HandlerType: (*executor.NodeClient)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Task", Handler: taskHandler},
		{MethodName: "Poll", Handler: pollHandler},
	},
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*Querier)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
	},
}

// unary runs fn through the interceptor chain, the way generated handlers do.
func unary[Req any](srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor, method string, fn func(context.Context, *Req) (any, error)) (any, error) {
	req := new(Req)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return fn(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
	handler := func(ctx context.Context, req any) (any, error) {
		return fn(ctx, req.(*Req))
	}
	return interceptor(ctx, req, info, handler)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodExecute, func(ctx context.Context, p *query.Plan) (any, error) {
		return srv.(executor.NodeClient).Execute(ctx, p)
	})
}

func taskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodTask, func(ctx context.Context, t *task.Task) (any, error) {
		st, err := srv.(executor.NodeClient).Task(ctx, t)
		if err != nil {
			return nil, err
		}
		return &TaskReply{State: st}, nil
	})
}

func pollHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodPoll, func(ctx context.Context, _ *PollRequest) (any, error) {
		return srv.(executor.NodeClient).Poll(ctx)
	})
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, methodQuery, func(ctx context.Context, p *query.Plan) (any, error) {
		res, stats, err := srv.(Querier).Query(ctx, p)
		if err != nil {
			return nil, err
		}
		return &QueryReply{Result: res, Stats: stats}, nil
	})
}
