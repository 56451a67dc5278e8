package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"nebula/internal/executor"
	"nebula/internal/logging"
	"nebula/internal/query"
)

// invalidPlan lists the plan validation errors reported as InvalidArgument.
var invalidPlan = []error{
	query.ErrNoTable, query.ErrNoWindow, query.ErrInvalidWindow, query.ErrNoOutput,
	query.ErrBadPredicate, query.ErrBadAggregate, query.ErrBadSort,
}

// ServerConfig configures a Server. Either service may be nil.
type ServerConfig struct {
	Node        executor.NodeClient
	Coordinator Querier
	// NotFound lists errors reported as codes.NotFound.
	NotFound []error
	Logger   *slog.Logger
}

// Server serves the node and coordinator services.
type Server struct {
	grpcSrv  *grpc.Server
	notFound []error
	logger   *slog.Logger
}

// NewServer creates a server with the configured services registered.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		notFound: cfg.NotFound,
		logger:   logging.Default(cfg.Logger).With("component", "rpc-server"),
	}
	s.grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(s.statusInterceptor))
	if cfg.Node != nil {
		s.grpcSrv.RegisterService(&nodeServiceDesc, cfg.Node)
	}
	if cfg.Coordinator != nil {
		s.grpcSrv.RegisterService(&coordinatorServiceDesc, cfg.Coordinator)
	}
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("rpc server starting", "addr", lis.Addr().String())
	err := s.grpcSrv.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop gracefully stops the server with a 10-second deadline.
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("rpc graceful stop timed out, forcing")
		s.grpcSrv.Stop()
	}
}

// statusInterceptor maps handler errors onto gRPC status codes.
func (s *Server) statusInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	code := s.codeOf(err)
	if code == codes.Internal {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "error", err)
	}
	return nil, status.Error(code, err.Error())
}

func (s *Server) codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	for _, target := range invalidPlan {
		if errors.Is(err, target) {
			return codes.InvalidArgument
		}
	}
	for _, target := range s.notFound {
		if errors.Is(err, target) {
			return codes.NotFound
		}
	}
	return codes.Internal
}
