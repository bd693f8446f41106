package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openconfig/spf-simulator/pkg/config"
)

func main() {
	// Cancel on SIGINT or SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRoot().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "spf-simulator",
		Short:        "Shortest-path forwarding over a simulated switch fabric",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")

	load := func() (*config.Config, error) {
		if configPath == "" {
			return config.DefaultConfig(), nil
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(
		newRun(load),
		newRoutes(load),
		newVersion(),
	)
	return cmd
}
