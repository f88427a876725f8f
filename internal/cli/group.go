package cli

import (
	"fmt"
	"strconv"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/spf13/cobra"
)

// NewGroupCmd создаёт группу команд для управления groups.
func NewGroupCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage task groups",
	}

	cmd.AddCommand(
		newGroupShowCmd(clientFn, outputFn),
		newGroupSetConcurrencyCmd(clientFn, outputFn),
	)

	return cmd
}

func printGroup(out *Output, g *api.GroupResponse) {
	out.Print(
		[]string{"KEY", "MAX_CONCURRENCY", "ACTIVE", "LAST_TASK_ADDED"},
		[][]string{{g.Key, formatLimit(g.MaxConcurrency), strconv.Itoa(g.Active), formatTimePtr(g.LastTaskAddedAt)}},
		g,
	)
}

func newGroupShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show group limit and active tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := clientFn().GetGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printGroup(outputFn(), g)
			return nil
		},
	}
}

func newGroupSetConcurrencyCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "set-concurrency KEY LIMIT",
		Short: "Set the group concurrency limit ('unlimited' removes it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var limit *int
			if args[1] != "unlimited" {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 0 {
					return fmt.Errorf("invalid limit %q: expected a non-negative integer or 'unlimited'", args[1])
				}
				limit = &n
			}

			g, err := clientFn().SetGroupConcurrency(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Group %s limit: %s", g.Key, formatLimit(g.MaxConcurrency)))
			printGroup(out, g)
			return nil
		},
	}
}
