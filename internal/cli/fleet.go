package cli

import (
	"fmt"
	"strconv"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/spf13/cobra"
)

var nodeHeaders = []string{"ID", "ROUTING_ID", "STATE", "IMAGE", "CPU", "MEMORY", "URL", "SINCE"}

func nodeRow(n api.NodeResponse) []string {
	return []string{
		n.ID.String(), n.RoutingID, n.State, n.Image,
		strconv.Itoa(n.CPUMilli) + "m", strconv.Itoa(n.MemoryMb) + "Mi",
		n.URL, formatTime(n.LastStateTransitionAt),
	}
}

var deploymentHeaders = []string{"ID", "IMAGE", "ACTIVE", "CREATED", "SUPERSEDED"}

func deploymentRow(d domain.Deployment) []string {
	return []string{
		d.ID.String(), d.Image, strconv.FormatBool(d.Active),
		formatTime(d.CreatedAt), formatTimePtr(d.SupersededAt),
	}
}

// NewFleetCmd создаёт группу команд для управления fleet.
func NewFleetCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Manage runner nodes, deployments and overrides",
	}

	cmd.AddCommand(
		newFleetNodesCmd(clientFn, outputFn),
		newFleetNodeCmd(clientFn, outputFn),
		newFleetTerminateCmd(clientFn, outputFn),
		newFleetDeployCmd(clientFn, outputFn),
		newFleetDeploymentsCmd(clientFn, outputFn),
		newFleetOverrideCmd(clientFn, outputFn),
	)

	return cmd
}

func newFleetNodesCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var q client.NodeQuery

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := clientFn().ListNodes(cmd.Context(), q)
			if err != nil {
				return err
			}

			rows := make([][]string, len(nodes))
			for i, n := range nodes {
				rows[i] = nodeRow(n)
			}
			outputFn().Print(nodeHeaders, rows, nodes)
			return nil
		},
	}

	cmd.Flags().StringVar(&q.RoutingID, "routing-id", "", "Filter by routing id")
	cmd.Flags().StringSliceVar(&q.States, "state", nil, "Filter by state (PENDING, STARTING, RUNNING, OUTDATED, FINISHING, IDLE, TERMINATED, ERROR)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newFleetNodeCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "node ID",
		Short: "Show node details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := clientFn().GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Print(
				append(nodeHeaders, "PROVIDER_REF", "ERROR"),
				[][]string{append(nodeRow(*n), n.ProviderRef, n.Error)},
				n,
			)
			return nil
		},
	}
}

func newFleetTerminateCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate ID",
		Short: "Request graceful termination of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := clientFn().TerminateNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Node %s: %s", n.ID, n.State))
			return nil
		},
	}
}

func newFleetDeployCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy IMAGE",
		Short: "Roll out a new runner image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := clientFn().Deploy(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Deployment created: %s", d.ID))
			out.Print(deploymentHeaders, [][]string{deploymentRow(*d)}, d)
			return nil
		},
	}
}

func newFleetDeploymentsCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var (
		limit  int
		active bool
	)

	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()

			var list []domain.Deployment
			if active {
				d, err := c.ActiveDeployment(cmd.Context())
				if err != nil {
					return err
				}
				list = []domain.Deployment{*d}
			} else {
				var err error
				if list, err = c.ListDeployments(cmd.Context(), limit); err != nil {
					return err
				}
			}

			rows := make([][]string, len(list))
			for i, d := range list {
				rows[i] = deploymentRow(d)
			}
			outputFn().Print(deploymentHeaders, rows, list)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().BoolVar(&active, "active", false, "Show only the active deployment")

	return cmd
}

func newFleetOverrideCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage per-routing-id node config overrides",
	}

	cmd.AddCommand(
		newOverrideListCmd(clientFn, outputFn),
		newOverrideSetCmd(clientFn, outputFn),
		newOverrideDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func optString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func optInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func newOverrideListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list [ROUTING_ID...]",
		Short: "List overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFn().ListOverrides(cmd.Context(), args...)
			if err != nil {
				return err
			}

			rows := make([][]string, len(list))
			for i, o := range list {
				rows[i] = []string{
					o.RoutingID, optString(o.Image), optInt(o.CPUMilli),
					optInt(o.MemoryMb), optInt(o.StorageMb), formatTime(o.UpdatedAt),
				}
			}
			outputFn().Print([]string{"ROUTING_ID", "IMAGE", "CPU_MILLI", "MEMORY_MB", "STORAGE_MB", "UPDATED"}, rows, list)
			return nil
		},
	}
}

func newOverrideSetCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var (
		image     string
		cpuMilli  int
		memoryMb  int
		storageMb int
	)

	cmd := &cobra.Command{
		Use:   "set ROUTING_ID",
		Short: "Set node config override for a routing id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.OverrideRequest{}
			if cmd.Flags().Changed("image") {
				req.Image = &image
			}
			if cmd.Flags().Changed("cpu-milli") {
				req.CPUMilli = &cpuMilli
			}
			if cmd.Flags().Changed("memory-mb") {
				req.MemoryMb = &memoryMb
			}
			if cmd.Flags().Changed("storage-mb") {
				req.StorageMb = &storageMb
			}
			if req == (api.OverrideRequest{}) {
				return fmt.Errorf("at least one of --image, --cpu-milli, --memory-mb, --storage-mb is required")
			}

			o, err := clientFn().SetOverride(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Override set: %s", o.RoutingID))
			return nil
		},
	}

	cmd.Flags().StringVar(&image, "image", "", "Runner image")
	cmd.Flags().IntVar(&cpuMilli, "cpu-milli", 0, "CPU in millicores")
	cmd.Flags().IntVar(&memoryMb, "memory-mb", 0, "Memory in MiB")
	cmd.Flags().IntVar(&storageMb, "storage-mb", 0, "Ephemeral storage in MiB")

	return cmd
}

func newOverrideDeleteCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ROUTING_ID",
		Short: "Delete the override for a routing id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteOverride(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Override deleted: %s", args[0]))
			return nil
		},
	}
}
