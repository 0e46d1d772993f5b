// Command garage-membership runs a cluster membership and consistent-
// hash routing node, and provides a CLI to inspect and edit its
// cluster layout.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aankur/Deuxfleurs-garage/internal/config"
	"github.com/aankur/Deuxfleurs-garage/internal/errs"
	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/layout"
	"github.com/aankur/Deuxfleurs-garage/internal/system"
	"github.com/aankur/Deuxfleurs-garage/pkg/log"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "garage-membership",
		Short:         "Cluster membership and consistent-hash routing node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/garage-membership/config.toml", "path to the node's TOML config file")

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stderr})

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newLayoutCmd())
	return root
}

func loadNode() (*system.Node, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	hostname, _ := os.Hostname()
	node, err := system.New(cfg, hostname, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, nil, err
	}
	return node, cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node's background loops and RPC listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cfg, err := loadNode()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if cfg.MetricsBindAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.MetricsBindAddr, mux); err != nil {
						metricsLog := log.WithComponent("metrics")
						metricsLog.Error().Err(err).Msg("metrics listener stopped")
					}
				}()
			}

			return node.Run(ctx)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show healthy, failed, and unconfigured nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}

			cl := node.GetClusterLayout()
			fmt.Printf("layout version: %d\n", cl.Version)
			fmt.Printf("replication factor: %d\n", cl.ReplicationFactor)

			known := node.GetKnownNodes()
			upNodes := make(map[identity.NodeID]bool)
			for _, kn := range known {
				upNodes[kn.ID] = kn.IsUp
			}

			fmt.Println("healthy nodes:")
			for _, kn := range known {
				if !kn.IsUp {
					continue
				}
				role := "no role"
				if entry, ok := cl.Roles[kn.ID]; ok && entry.Role != nil {
					role = fmt.Sprintf("zone=%s capacity=%d", entry.Role.Zone, entry.Role.Capacity)
				}
				fmt.Printf("  %s  addr=%s host=%s %s\n", kn.ID.String(), kn.Addr, kn.Hostname, role)
			}

			fmt.Println("failed nodes:")
			for _, id := range sortedRoleIDs(cl) {
				entry := cl.Roles[id]
				if entry.Role == nil {
					continue
				}
				if up, ok := upNodes[id]; !ok || !up {
					fmt.Printf("  %s  zone=%s capacity=%d\n", id.String(), entry.Role.Zone, entry.Role.Capacity)
				}
			}

			fmt.Println("unconfigured nodes:")
			for _, kn := range known {
				if entry, ok := cl.Roles[kn.ID]; ok && entry.Role != nil {
					continue
				}
				fmt.Printf("  %s  addr=%s host=%s\n", kn.ID.String(), kn.Addr, kn.Hostname)
			}
			return nil
		},
	}
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [pubkey@host:port]",
		Short: "Connect to a peer, given its pubkey and address or a bare host:port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}
			return node.Connect(cmd.Context(), args[0])
		},
	}
}

func newLayoutCmd() *cobra.Command {
	layoutCmd := &cobra.Command{
		Use:   "layout",
		Short: "Inspect and edit the staged cluster layout",
	}

	layoutCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the committed and staged cluster layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}
			cl := node.GetClusterLayout()
			fmt.Printf("version: %d\n", cl.Version)
			fmt.Println("committed roles:")
			for _, id := range sortedRoleIDs(cl) {
				printRoleEntry(id.String(), cl.Roles[id])
			}
			fmt.Println("staged changes:")
			for id, entry := range cl.Staging {
				printRoleEntry(id.String(), entry)
			}
			return nil
		},
	})

	var zone string
	var capacity uint64
	var tags []string
	assignCmd := &cobra.Command{
		Use:   "assign [node_prefix]",
		Short: "Stage a role assignment for a node, matched by id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}
			if zone == "" {
				return errs.New(errs.BadRequest, "a zone is required (-z)")
			}
			id, err := resolveNodePrefix(node, args[0])
			if err != nil {
				return err
			}
			if err := node.StageLayout(id, &layout.NodeRole{Zone: zone, Capacity: capacity, Tags: tags}); err != nil {
				return err
			}
			fmt.Printf("staged role for %s; run `layout apply` to commit\n", id.String())
			return nil
		},
	}
	assignCmd.Flags().StringVarP(&zone, "zone", "z", "", "zone the node belongs to")
	assignCmd.Flags().Uint64VarP(&capacity, "capacity", "c", 0, "relative capacity of the node (0 = gateway, stores no data)")
	assignCmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "free-form tag, repeatable")
	layoutCmd.AddCommand(assignCmd)

	layoutCmd.AddCommand(&cobra.Command{
		Use:   "remove [node_prefix]",
		Short: "Stage removal of a node's role, matched by id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}
			id, err := resolveNodePrefix(node, args[0])
			if err != nil {
				return err
			}
			if err := node.StageLayout(id, nil); err != nil {
				return err
			}
			fmt.Printf("staged removal of %s; run `layout apply` to commit\n", id.String())
			return nil
		},
	})

	var applyVersion uint64
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Commit the staged cluster layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}
			return node.CommitLayout(applyVersion)
		},
	}
	applyCmd.Flags().Uint64Var(&applyVersion, "version", 0, "expected resulting version (current version + 1)")
	layoutCmd.AddCommand(applyCmd)

	var revertVersion uint64
	revertCmd := &cobra.Command{
		Use:   "revert",
		Short: "Discard the staged cluster layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _, err := loadNode()
			if err != nil {
				return err
			}
			return node.RevertLayout(revertVersion)
		},
	}
	revertCmd.Flags().Uint64Var(&revertVersion, "version", 0, "expected resulting version (current version + 1)")
	layoutCmd.AddCommand(revertCmd)

	return layoutCmd
}

func printRoleEntry(id string, entry layout.RoleEntry) {
	if entry.Role == nil {
		fmt.Printf("  %s  (removed)\n", id)
		return
	}
	line := fmt.Sprintf("  %s  zone=%s capacity=%d", id, entry.Role.Zone, entry.Role.Capacity)
	if len(entry.Role.Tags) > 0 {
		line += " tags=" + strings.Join(entry.Role.Tags, ",")
	}
	fmt.Println(line)
}

func sortedRoleIDs(cl *layout.ClusterLayout) []identity.NodeID {
	ids := make([]identity.NodeID, 0, len(cl.Roles))
	for id := range cl.Roles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// resolveNodePrefix matches a hex prefix against every node id this
// node knows about: its own, its peers', and any id already present in
// the layout. An unknown or ambiguous prefix is a user error.
func resolveNodePrefix(node *system.Node, prefix string) (identity.NodeID, error) {
	prefix = strings.ToLower(prefix)
	candidates := make(map[identity.NodeID]struct{})
	candidates[node.ID()] = struct{}{}
	for _, kn := range node.GetKnownNodes() {
		candidates[kn.ID] = struct{}{}
	}
	cl := node.GetClusterLayout()
	for id := range cl.Roles {
		candidates[id] = struct{}{}
	}
	for id := range cl.Staging {
		candidates[id] = struct{}{}
	}

	var matches []identity.NodeID
	for id := range candidates {
		if strings.HasPrefix(id.String(), prefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return identity.NodeID{}, errs.New(errs.BadRequest, "no known node matches prefix "+prefix)
	case 1:
		return matches[0], nil
	default:
		return identity.NodeID{}, errs.New(errs.BadRequest, "prefix "+prefix+" is ambiguous: matches "+fmt.Sprint(len(matches))+" nodes")
	}
}
