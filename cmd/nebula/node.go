package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nebula/internal/block"
	"nebula/internal/config"
	"nebula/internal/kafka"
	"nebula/internal/loader"
	"nebula/internal/metrics"
	"nebula/internal/node"
	"nebula/internal/registry"
	"nebula/internal/rpc"
	"nebula/internal/source"
)

func newNodeCmd(logger func() *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")
			advertise, _ := cmd.Flags().GetString("advertise")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			worker, err := workerConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				worker.Addr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runNode(ctx, logger(), worker, advertise, metricsAddr)
		},
	}
	cmd.Flags().String("config", "", "cluster configuration file; only the worker section is used")
	cmd.Flags().String("addr", "", "listen address (overrides worker.addr)")
	cmd.Flags().String("advertise", "", "node ID as listed in the coordinator's nodes (default: the listen address)")
	cmd.Flags().String("metrics-addr", "", "Prometheus metrics address")
	return cmd
}

// workerConfig reads the worker section of path, or the defaults when no
// file is given.
func workerConfig(path string) (config.Worker, error) {
	if path == "" {
		var c config.Cluster
		c.ApplyDefaults()
		return c.Worker, nil
	}
	c, err := config.Load(path)
	if err != nil {
		return config.Worker{}, err
	}
	return c.Worker, nil
}

func runNode(ctx context.Context, logger *slog.Logger, worker config.Worker, advertise, metricsAddr string) error {
	id := block.NodeID(advertise)
	if id == "" {
		id = block.NodeID(worker.Addr)
	}
	if id == block.InProcess {
		return fmt.Errorf("node ID %q is reserved for the coordinator's own node", id)
	}

	m := metrics.New()
	pool, err := ants.NewPool(worker.Workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	buckets := source.New(logger)
	defer func() { _ = buckets.Close() }()

	svc := node.New(node.Config{
		ID:        id,
		Registry:  registry.New(registry.Config{Logger: logger, Blocks: m.Blocks}),
		Loader:    loader.New(loader.Config{Buckets: buckets, Prober: kafka.NewProber(logger), Logger: logger}),
		Pool:      pool,
		QueueSize: worker.QueueSize,
		TaskTTL:   time.Duration(worker.TaskTTL),
		Logger:    logger,
		Queue:     m.TaskQueue,
	})

	lis, err := net.Listen("tcp", worker.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", worker.Addr, err)
	}
	srv := rpc.NewServer(rpc.ServerConfig{Node: svc, Logger: logger})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return svc.Run(gctx, cancel) })
	g.Go(func() error {
		logger.Info("node listening", "addr", lis.Addr().String(), "node", id, "version", version)
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})
	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, metricsAddr, m, logger) })
	}

	err = g.Wait()
	logger.Info("node stopped", "node", id)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
