package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Replicant-Partners/Chrysalis/internal/config"
	"github.com/Replicant-Partners/Chrysalis/internal/crdt"
	"github.com/Replicant-Partners/Chrysalis/internal/engine"
	"github.com/Replicant-Partners/Chrysalis/internal/instance"
	"github.com/Replicant-Partners/Chrysalis/internal/store"
	"github.com/Replicant-Partners/Chrysalis/internal/transport"
)

var errNodeStopped = errors.New("node stopped unexpectedly")

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string

	// Network attaches memory transports to a shared network (for testing).
	Network *transport.MemoryNetwork
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replica node",
		Long: `Run one replica node until interrupted.

The node loads its config, restores its replica from the store when one is
configured, serves the sync endpoints (POST /sync, GET /ws) plus /metrics,
/healthz and /status, and gossips with the configured peers.

Example:
  chrysalis-sync run --config node.yaml
  chrysalis-sync run --config node.cue --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (.yaml, .yml or .cue)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	slog.SetDefault(slog.New(cfg.Log.Handler(cmd.ErrOrStderr())))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	instCfg := cfg.InstanceConfig()

	var st *store.Store
	state := crdt.NewReplicaState(instCfg.InstanceID)
	if cfg.Store.Path != "" {
		slog.Info("opening store", "path", cfg.Store.Path)
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open store", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing store", "error", closeErr)
			}
		}()
		if state, err = st.Restore(ctx, instCfg.InstanceID); err != nil {
			return WrapExitError(ExitCommandError, "failed to restore replica", err)
		}
	}

	restored := state.Log().Len()

	kind, err := cfg.TransportKind()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid transport", err)
	}
	trCfg, err := cfg.TransportConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid transport", err)
	}
	var trOpts []transport.Option
	if opts.Network != nil {
		trOpts = append(trOpts, transport.WithNetwork(opts.Network))
	}
	tr, err := transport.New(kind, trCfg, trOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create transport", err)
	}
	defer tr.Close()

	registry := prometheus.NewRegistry()
	nodeOpts := []engine.Option{
		engine.WithMetrics(engine.NewMetrics(registry)),
		engine.WithGossipOptions(cfg.GossipOptions()...),
	}
	if st != nil {
		nodeOpts = append(nodeOpts, engine.WithSink(st))
	}

	coord, err := instance.NewCoordinator(instCfg, state, tr,
		instance.WithNodeConfig(cfg.EngineConfig()),
		instance.WithNodeOptions(nodeOpts...),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create coordinator", err)
	}
	for _, p := range cfg.Peers {
		if _, err := coord.RegisterRemote(instance.DefaultConfig(p.ID), p.Address); err != nil {
			return WrapExitError(ExitCommandError, "failed to register peer", err)
		}
		if err := coord.UpdateStatus(ctx, p.ID, instance.StatusRunning); err != nil {
			return WrapExitError(ExitCommandError, "failed to register peer", err)
		}
	}

	server := transport.NewServer(transport.ServerConfig{
		Address:   cfg.Transport.Listen,
		Transport: tr,
		Gatherer:  registry,
		Status: func(ctx context.Context) (any, error) {
			return coord.Node().Status(ctx)
		},
		MaxBodySize: int64(trCfg.MaxMessageSize) + 5, // frame header
	})

	if err := coord.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start coordinator", err)
	}
	slog.Info("node started",
		"instance_id", instCfg.InstanceID,
		"transport", kind,
		"listen", cfg.Transport.Listen,
		"advertise", trCfg.Advertise,
		"peers", len(cfg.Peers),
		"events", restored)
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s started. Press Ctrl-C to stop.\n", instCfg.InstanceID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-coord.Node().Done():
			if ctx.Err() != nil {
				return nil
			}
			return errNodeStopped
		}
	})
	runErr := g.Wait()

	if err := coord.Stop(); err != nil {
		return WrapExitError(ExitFailure, "node error", err)
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "node error", runErr)
	}
	slog.Info("node stopped gracefully", "instance_id", instCfg.InstanceID)
	return nil
}
