// ============================================================================
// Taskshard CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running a node and inspecting ownership
//
// Command Structure:
//   taskshard                      # Root command
//   ├── run                        # Start a node
//   ├── status                     # Print the last snapshot (or a live node with --addr)
//   ├── owner TASK                 # Ask a running node who owns TASK
//   ├── locate                     # Compute owners offline for a node list
//   │   ├── --nodes a,b:2,c
//   │   └── --task t1 --task t2
//   ├── history                    # Dump the ownership journal
//   │   └── --tail N
//   └── --config, -c               # Config file (all commands)
//
// run Command:
//   1. Load and validate config, configure slog
//   2. Build membership (static / etcd) and task catalogs (file / etcd)
//   3. Start controller, gRPC server and metrics server in one errgroup
//   4. SIGINT / SIGTERM cancel the group; controller shuts down gracefully
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	etcd "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/taskshard/internal/catalog"
	"github.com/ChuLiYu/taskshard/internal/controller"
	"github.com/ChuLiYu/taskshard/internal/etcdsync"
	"github.com/ChuLiYu/taskshard/internal/hashring"
	"github.com/ChuLiYu/taskshard/internal/journal"
	"github.com/ChuLiYu/taskshard/internal/membership"
	"github.com/ChuLiYu/taskshard/internal/metrics"
	"github.com/ChuLiYu/taskshard/internal/server"
	"github.com/ChuLiYu/taskshard/internal/snapshot"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Version is reported by --version
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskshard",
		Short: "Taskshard: consistent-hash task ownership for a cluster of nodes",
		Long: `Taskshard assigns every task to exactly one node with a weighted
consistent-hash ring and tells each node which tasks it gained or lost:
- debounced rebalancing on membership churn
- static or etcd-backed membership
- ownership journal and snapshots for inspection`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildOwnerCommand())
	rootCmd.AddCommand(buildLocateCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a taskshard node",
		Long:  "Join the cluster, track task ownership and run the tasks this node owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg *Config) error {
	logger := slog.Default()
	logger.Info("Starting taskshard node",
		"config", configFile,
		"node", cfg.Node.ID,
		"membership", cfg.Membership.Mode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	opts := []controller.Option{controller.WithMetrics(collector)}

	// Membership
	var client *etcd.Client
	switch cfg.Membership.Mode {
	case "etcd":
		c, err := etcdsync.Dial(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return err
		}
		defer c.Close()
		client = c
		opts = append(opts, controller.WithMembership(membership.NewEtcd(client, cfg.Etcd.Prefix, cfg.self(), cfg.Etcd.TTLSeconds,
			membership.WithLogger(logger.With("component", "membership")),
			membership.WithRecorder(collector))))
	default:
		opts = append(opts, controller.WithMembership(membership.NewStatic(types.NodeID(cfg.Node.ID), cfg.staticNodes(),
			membership.WithLogger(logger.With("component", "membership")),
			membership.WithRecorder(collector))))
	}

	// Task catalogs
	if cfg.Tasks.File != "" {
		opts = append(opts, controller.WithCatalog(catalog.NewFile(cfg.Tasks.File, cfg.Tasks.ReloadInterval, nil, logger.With("component", "catalog"))))
	}
	if cfg.Tasks.EtcdWatch && client != nil {
		opts = append(opts, controller.WithCatalog(catalog.NewEtcd(client, cfg.Etcd.Prefix, logger.With("component", "catalog"))))
	}

	ctrl, err := controller.NewController(controller.Config{
		Self:             cfg.self(),
		SettleDelay:      cfg.Sharding.SettleDelay,
		MaxDelay:         cfg.Sharding.MaxDelay,
		Replicas:         cfg.Sharding.Replicas,
		SnapshotPath:     cfg.Snapshot.Path,
		SnapshotInterval: cfg.Snapshot.Interval,
		JournalPath:      cfg.Journal.Path,
		JournalSync:      cfg.Journal.Sync,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	srv := server.NewServer(ctrl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.GRPCPort)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Port, reg)
		})
	}

	logger.Info("Node started", "grpc_port", cfg.Server.GRPCPort, "metrics", cfg.Metrics.Enabled)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Node stopped. Goodbye!")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var ownedOnly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ownership status",
		Long:  "Print the last ownership snapshot, or query a running node with --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return showLiveStatus(cmd, addr)
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showSnapshot(cmd, cfg.Snapshot.Path, ownedOnly)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running node (e.g. localhost:50051)")
	cmd.Flags().BoolVar(&ownedOnly, "owned", false, "only list tasks owned by the snapshot's node")
	return cmd
}

func showSnapshot(cmd *cobra.Command, path string, ownedOnly bool) error {
	data, err := snapshot.NewManager(path).Load()
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return fmt.Errorf("no snapshot at %s (has the node run yet?)", path)
		}
		return err
	}

	out := cmd.OutOrStdout()
	owned := data.OwnedBy(data.Self)

	fmt.Fprintf(out, "Snapshot:  %s\n", path)
	fmt.Fprintf(out, "Taken at:  %s\n", time.UnixMilli(data.TakenAt).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Node:      %s\n", orDash(string(data.Self)))
	fmt.Fprintf(out, "Nodes:     %d\n", len(data.Nodes))
	for _, n := range data.Nodes {
		fmt.Fprintf(out, "  - %s (weight %d)\n", n.ID, n.Weight)
	}
	fmt.Fprintf(out, "Tasks:     %d (owned %d)\n", len(data.Tasks), len(owned))
	for _, t := range data.Tasks {
		if ownedOnly && (t.Owner == "" || t.Owner != data.Self) {
			continue
		}
		fmt.Fprintf(out, "  %s -> %s\n", t.TaskID, orDash(string(t.Owner)))
	}
	return nil
}

func showLiveStatus(cmd *cobra.Command, addr string) error {
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status from %s: %w", addr, err)
	}
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("health from %s: %w", addr, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node:        %s (%s)\n", orDash(string(st.Self)), health)
	fmt.Fprintf(out, "Uptime:      %s\n", st.Uptime)
	fmt.Fprintf(out, "Nodes:       %d\n", st.Nodes)
	fmt.Fprintf(out, "Tasks:       %d (owned %d, running %d)\n", st.Tasks, st.Owned, st.Running)
	fmt.Fprintf(out, "Pending:     %t\n", st.Pending)
	fmt.Fprintf(out, "Journal seq: %d\n", st.JournalSeq)
	return nil
}

// ============================================================================
// owner
// ============================================================================

func buildOwnerCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "owner TASK",
		Short: "Ask a running node who owns a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = fmt.Sprintf("localhost:%d", cfg.Server.GRPCPort)
			}

			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			owner, err := client.Owner(ctx, types.TaskID(args[0]))
			if err != nil {
				return fmt.Errorf("owner of %s: %w", args[0], err)
			}
			if !owner.Resolved {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unresolved (no nodes)\n", owner.TaskID)
				return nil
			}
			suffix := ""
			if owner.Self {
				suffix = " (this node)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s%s\n", owner.TaskID, owner.Owner, suffix)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running node (default localhost:<server.grpc_port>)")
	return cmd
}

// ============================================================================
// locate
// ============================================================================

func buildLocateCommand() *cobra.Command {
	var nodes string
	var tasks []string
	var replicas int

	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Compute task owners offline for a node list",
		Long: `Place tasks on a ring built from --nodes, exactly as a node would.
Nodes are id or id:weight, comma separated.`,
		Example: "  taskshard locate --nodes n1,n2:2,n3 --task t1 --task t2",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := parseNodes(nodes)
			if err != nil {
				return err
			}
			ring := hashring.New(replicas)
			if err := ring.Replace(types.FromEntries(entries...)); err != nil {
				return err
			}

			for _, t := range append(tasks, args...) {
				owner, ok := ring.Locate(t)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> -\n", t)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", t, owner)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&nodes, "nodes", "", "comma separated nodes, id or id:weight")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "task id (repeatable; positional args work too)")
	cmd.Flags().IntVar(&replicas, "replicas", hashring.DefaultReplicas, "virtual nodes per weight unit")
	return cmd
}

// parseNodes parses "a,b:2,c" into weighted nodes
func parseNodes(s string) ([]types.NodeWeight, error) {
	var out []types.NodeWeight
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, weight, hasWeight := strings.Cut(part, ":")
		nw := types.NodeWeight{ID: types.NodeID(id), Weight: 1}
		if hasWeight {
			w, err := strconv.Atoi(weight)
			if err != nil {
				return nil, fmt.Errorf("node %q: bad weight %q: %w", id, weight, err)
			}
			nw.Weight = w
		}
		out = append(out, nw)
	}
	return out, nil
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var tail int
	var path string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Dump the ownership journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Journal.Path
			}
			if path == "" {
				return errors.New("journal is disabled (journal.path is empty)")
			}

			out := cmd.OutOrStdout()
			stats, err := journal.Dump(path, out, tail)
			fmt.Fprintf(out, "\n%d records (seq %d..%d): assigned=%d revoked=%d ring_settled=%d\n",
				stats.Total, stats.FirstSeq, stats.LastSeq,
				stats.ByKind[types.EventAssigned],
				stats.ByKind[types.EventRevoked],
				stats.ByKind[types.EventRingSettled])
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "only print the last N records")
	cmd.Flags().StringVar(&path, "journal", "", "journal path (default journal.path from config)")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
