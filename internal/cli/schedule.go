package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/spf13/cobra"
)

var scheduleHeaders = []string{"ID", "NAME", "GROUP", "FREQUENCY", "STATE", "NEXT_EXECUTION", "LAST_TASK_STATE"}

func scheduleRow(s api.ScheduleResponse) []string {
	return []string{
		s.ID.String(), s.Name, s.GroupKey, s.Frequency, s.State,
		formatTime(s.NextExecutionAt), s.LastScheduledTaskState,
	}
}

func printSchedule(out *Output, s *api.ScheduleResponse) {
	out.Print(scheduleHeaders, [][]string{scheduleRow(*s)}, s)
}

// NewScheduleCmd создаёт группу команд для управления schedules.
func NewScheduleCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleUpdateCmd(clientFn, outputFn),
		newScheduleStateCmd(clientFn, outputFn, "delete", "Delete a schedule", (*client.Client).DeleteSchedule),
		newScheduleStateCmd(clientFn, outputFn, "pause", "Pause a schedule", (*client.Client).PauseSchedule),
		newScheduleStateCmd(clientFn, outputFn, "resume", "Resume a paused schedule", (*client.Client).ResumeSchedule),
	)

	return cmd
}

func newScheduleListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var q client.ScheduleQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := clientFn().ListSchedules(cmd.Context(), q)
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = scheduleRow(s)
			}
			outputFn().Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&q.Names, "name", nil, "Filter by schedule name (repeatable)")
	cmd.Flags().StringVar(&q.GroupKey, "group", "", "Filter by group key")
	cmd.Flags().StringSliceVar(&q.States, "state", nil, "Filter by state (STARTED, PAUSED, DELETED)")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newScheduleCreateCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var (
		req      api.CreateScheduleRequest
		payload  string
		startsIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			if startsIn > 0 {
				at := time.Now().Add(startsIn).UTC()
				req.StartsAt = &at
			}

			s, err := clientFn().CreateSchedule(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Schedule created: %s", s.ID))
			printSchedule(out, s)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.GroupKey, "group", "", "Group key for spawned tasks (required)")
	cmd.Flags().StringVar(&req.Frequency, "frequency", "", "Frequency, e.g. '5m', '1h', '30 minutes' (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "Payload of spawned tasks as JSON")
	cmd.Flags().IntVar(&req.RetryMax, "retry-max", 0, "Maximum number of retries per execution")
	cmd.Flags().DurationVar(&startsIn, "starts-in", 0, "Delay before the first execution")
	cmd.MarkFlagRequired("group")
	cmd.MarkFlagRequired("frequency")

	return cmd
}

func newScheduleShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := clientFn().GetSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			lastTask := ""
			if s.LastScheduledTaskID != nil {
				lastTask = s.LastScheduledTaskID.String()
			}
			outputFn().Print(
				[]string{"ID", "NAME", "GROUP", "FREQUENCY", "STATE", "STARTS_AT", "NEXT_EXECUTION", "RETRY_MAX", "LAST_TASK", "LAST_TASK_STATE"},
				[][]string{{
					s.ID.String(), s.Name, s.GroupKey, s.Frequency, s.State,
					formatTime(s.StartsAt), formatTime(s.NextExecutionAt), strconv.Itoa(s.RetryMax),
					lastTask, s.LastScheduledTaskState,
				}},
				s,
			)
			return nil
		},
	}
}

func newScheduleUpdateCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var (
		frequency string
		groupKey  string
		payload   string
		retryMax  int
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Update a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.UpdateScheduleRequest{}
			if cmd.Flags().Changed("frequency") {
				req.Frequency = &frequency
			}
			if cmd.Flags().Changed("group") {
				req.GroupKey = &groupKey
			}
			if cmd.Flags().Changed("payload") {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				raw := json.RawMessage(payload)
				req.Payload = &raw
			}
			if cmd.Flags().Changed("retry-max") {
				req.RetryMax = &retryMax
			}

			s, err := clientFn().UpdateSchedule(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success("Schedule updated")
			printSchedule(out, s)
			return nil
		},
	}

	cmd.Flags().StringVar(&frequency, "frequency", "", "New frequency")
	cmd.Flags().StringVar(&groupKey, "group", "", "New group key")
	cmd.Flags().StringVar(&payload, "payload", "", "New payload as JSON")
	cmd.Flags().IntVar(&retryMax, "retry-max", 0, "New retry limit")

	return cmd
}

type scheduleAction func(c *client.Client, ctx context.Context, id string) (*api.ScheduleResponse, error)

// newScheduleStateCmd — команды смены состояния (delete, pause, resume).
func newScheduleStateCmd(clientFn func() *client.Client, outputFn func() *Output, use, short string, action scheduleAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := action(clientFn(), cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Schedule %s: %s", s.ID, s.State))
			return nil
		},
	}
}
