package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nebula/internal/block"
	"nebula/internal/config"
	"nebula/internal/coordinator"
	"nebula/internal/executor"
	"nebula/internal/home"
	"nebula/internal/kafka"
	"nebula/internal/loader"
	"nebula/internal/meta"
	"nebula/internal/metrics"
	"nebula/internal/node"
	"nebula/internal/registry"
	"nebula/internal/rpc"
	"nebula/internal/source"
	"nebula/internal/spec"
)

func newServerCmd(logger func() *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the coordinator and its in-process node",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			hd, err := resolveHome(cmd)
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runServer(ctx, logger(), hd, configPath, addr, metricsAddr)
		},
	}
	cmd.Flags().String("config", "nebula.yaml", "cluster configuration file (reloaded on change)")
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("metrics-addr", "", "Prometheus metrics address (overrides server.metrics_addr)")
	return cmd
}

func runServer(ctx context.Context, logger *slog.Logger, hd home.Dir, configPath, addr, metricsAddr string) error {
	cluster, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cluster.Server.Addr = addr
	}
	if metricsAddr != "" {
		cluster.Server.MetricsAddr = metricsAddr
	}

	if err := hd.EnsureExists(); err != nil {
		return err
	}
	instanceID, err := hd.InstanceID()
	if err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root(), "instance", instanceID)

	store, err := meta.OpenBolt(hd.MetaPath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m := metrics.New()
	reg := registry.New(registry.Config{Logger: logger, Blocks: m.Blocks})

	pool, err := ants.NewPool(cluster.Worker.Workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	buckets := source.New(logger)
	defer func() { _ = buckets.Close() }()
	prober := kafka.NewProber(logger)

	local := node.New(node.Config{
		ID:        block.InProcess,
		Registry:  reg,
		Loader:    loader.New(loader.Config{Buckets: buckets, Prober: prober, Logger: logger}),
		Pool:      pool,
		QueueSize: cluster.Worker.QueueSize,
		TaskTTL:   time.Duration(cluster.Worker.TaskTTL),
		Logger:    logger,
		Queue:     m.TaskQueue,
	})

	conn := rpc.NewConnector(local)
	defer func() { _ = conn.Close() }()

	coord, err := coordinator.New(coordinator.Config{
		Cluster:  cluster,
		Registry: reg,
		Repository: spec.NewRepository(spec.Config{
			Generator: spec.NewGenerator(buckets, prober),
			Logger:    logger,
		}),
		Executor: executor.New(executor.Config{
			Registry: reg,
			Timeout:  time.Duration(cluster.Server.QueryTimeout),
			Logger:   logger,
			OnFailure: func(_ block.NodeID, reason string) {
				m.NodeFailures.WithLabelValues(reason).Inc()
			},
		}),
		Connector: conn,
		Store:     store,
		Home:      hd,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cluster.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cluster.Server.Addr, err)
	}
	srv := rpc.NewServer(rpc.ServerConfig{
		Node:        local,
		Coordinator: coord,
		NotFound:    []error{coordinator.ErrUnknownTable},
		Logger:      logger,
	})

	// The shutdown command stops the whole process.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return local.Run(gctx, cancel) })
	if err := coord.Start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		logger.Info("server listening", "addr", lis.Addr().String(), "version", version)
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		return nil
	})
	g.Go(func() error {
		return config.Watch(gctx, configPath, logger, func(c *config.Cluster) {
			coord.Reload(c)
			logger.Info("configuration reloaded", "nodes", len(c.Nodes), "tables", len(c.Tables))
		})
	})
	if cluster.Server.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cluster.Server.MetricsAddr, m, logger) })
	}

	err = g.Wait()
	logger.Info("shutting down")
	return errors.Join(err, coord.Stop())
}

// serveMetrics exposes m on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
