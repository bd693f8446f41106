package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	pb "github.com/openconfig/gnmi/proto/gnmi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/config"
	"github.com/openconfig/spf-simulator/pkg/coordinator"
	"github.com/openconfig/spf-simulator/pkg/discovery"
	"github.com/openconfig/spf-simulator/pkg/discovery/mock"
	"github.com/openconfig/spf-simulator/pkg/fib"
	"github.com/openconfig/spf-simulator/pkg/installer"
	"github.com/openconfig/spf-simulator/pkg/logging"
	"github.com/openconfig/spf-simulator/pkg/metrics"
	"github.com/openconfig/spf-simulator/pkg/telemetry"
)

const (
	eventBuffer  = 256
	updateBuffer = 1024
)

func newRun(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the routing daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log, closer, err := logging.New(os.Stderr, level, cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer closer.Close()

	topo := cfg.Topology
	if undeclared := topo.Undeclared(); len(undeclared) > 0 {
		log.Warn("links reference undeclared switches", "switches", undeclared)
	}

	// Seeding queues one event per element; the buffer holds all of them so
	// the store can be filled before the coordinator starts.
	events := make(chan api.Event, eventBuffer+len(topo.Switches)+len(topo.Links)+len(topo.Hosts))
	updates := make(chan api.RuleUpdate, updateBuffer)

	store := discovery.New(events)
	if err := topo.Seed(store); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fabric := fib.New(updates, log)
	coord := coordinator.New(coordinator.Config{
		Discovery: store,
		Hosts:     store,
		Installer: installer.New(fabric, cfg.InstallerOptions(), log),
		Metrics:   metrics.New(reg),
		Logger:    log,
	})
	ts := telemetry.New(fabric, updates, log)

	g, ctx := errgroup.WithContext(ctx)

	// 1. Telemetry fan-out. Runs first so fabric updates never back up.
	g.Go(func() error {
		return ts.Start(ctx)
	})

	// 2. Coordinator, after the initial table is in place.
	g.Go(func() error {
		if err := coord.Recompute(ctx); err != nil {
			log.Error("initial recompute failed", "err", err)
		}
		return coord.Start(ctx, events)
	})

	// 3. gRPC server
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GNMIPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s := grpc.NewServer()
	pb.RegisterGNMIServer(s, ts)
	reflection.Register(s)

	g.Go(func() error {
		log.Info("gNMI server listening", "addr", lis.Addr())
		errChan := make(chan error, 1)
		go func() {
			errChan <- s.Serve(lis)
		}()

		select {
		case <-ctx.Done():
			// Open Subscribe streams never finish on their own.
			stopped := make(chan struct{})
			go func() {
				s.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				s.Stop()
			}
			return <-errChan
		case err := <-errChan:
			return err
		}
	})

	// 4. Metrics
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, log, cfg.MetricsAddr, reg)
		})
	}

	// Nobody reads events once the coordinator stops.
	g.Go(func() error {
		<-ctx.Done()
		store.Close()
		return nil
	})

	// 5. Link flapping
	if cfg.Mock.Enabled {
		m := mock.New(store, topo.LinkList(), cfg.Mock.Interval, log)
		g.Go(func() error {
			return m.Run(ctx)
		})
	}

	log.Info("daemon running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon error", "err", err)
		return err
	}
	log.Info("daemon stopped")
	return nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		reg,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Timeout: 10 * time.Second}),
	))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	log.Info("exporting prometheus metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving prometheus metrics: %w", err)
	}
	return nil
}
