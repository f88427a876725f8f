package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/spf13/cobra"
)

var taskHeaders = []string{"ID", "NAME", "GROUP", "STATE", "RETRY", "STARTS_AFTER", "CREATED"}

func taskRow(t api.TaskResponse) []string {
	return []string{
		t.ID.String(), t.Name, t.GroupKey, t.State,
		fmt.Sprintf("%d/%d", t.RetryCount, t.RetryMax),
		formatTime(t.StartsAfter), formatTime(t.CreatedAt),
	}
}

// NewTaskCmd создаёт группу команд для управления tasks.
func NewTaskCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	cmd.AddCommand(
		newTaskEnqueueCmd(clientFn, outputFn),
		newTaskListCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
		newTaskCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskEnqueueCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var (
		groupKey         string
		payload          string
		ownerKey         string
		retryKey         string
		retryMax         int
		groupMax         int
		delay            time.Duration
		startTimeout     time.Duration
		completeTimeout  time.Duration
		heartbeatTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue NAME",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFn()
			out := outputFn()

			req := api.EnqueueTaskRequest{
				Name:                        args[0],
				GroupKey:                    groupKey,
				OwnerKey:                    ownerKey,
				RetryKey:                    retryKey,
				RetryMax:                    retryMax,
				CreatedToStartedTimeoutMs:   startTimeout.Milliseconds(),
				StartedToCompletedTimeoutMs: completeTimeout.Milliseconds(),
				HeartbeatTimeoutMs:          heartbeatTimeout.Milliseconds(),
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			if cmd.Flags().Changed("group-max-concurrency") {
				req.GroupMaxConcurrency = &groupMax
			}
			if delay > 0 {
				at := time.Now().Add(delay).UTC()
				req.StartsAfter = &at
			}

			task, err := c.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task enqueued: %s", task.ID))
			out.Print(taskHeaders, [][]string{taskRow(*task)}, task)
			return nil
		},
	}

	cmd.Flags().StringVar(&groupKey, "group", "", "Group key (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "Task payload as JSON")
	cmd.Flags().StringVar(&ownerKey, "owner-key", "", "Owner key")
	cmd.Flags().StringVar(&retryKey, "retry-key", "", "Retry key shared by all attempts")
	cmd.Flags().IntVar(&retryMax, "retry-max", 0, "Maximum number of retries")
	cmd.Flags().IntVar(&groupMax, "group-max-concurrency", 0, "Set the group concurrency limit")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Do not start the task before now+delay")
	cmd.Flags().DurationVar(&startTimeout, "start-timeout", 0, "created -> started timeout")
	cmd.Flags().DurationVar(&completeTimeout, "complete-timeout", 0, "started -> completed timeout")
	cmd.Flags().DurationVar(&heartbeatTimeout, "heartbeat-timeout", 0, "Heartbeat timeout")
	cmd.MarkFlagRequired("group")

	return cmd
}

func newTaskListCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var q client.TaskQuery

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := clientFn().SearchTasks(cmd.Context(), q)
			if err != nil {
				return err
			}

			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = taskRow(t)
			}
			outputFn().Print(taskHeaders, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&q.IDs, "id", nil, "Filter by task ID (repeatable)")
	cmd.Flags().StringVar(&q.GroupKey, "group", "", "Filter by group key")
	cmd.Flags().StringSliceVar(&q.States, "state", nil, "Filter by state (CREATED, STARTED, SUCCEEDED, FAILED, EXPIRED, CANCELLED)")
	cmd.Flags().StringVar(&q.Name, "name", "", "Filter by task name")
	cmd.Flags().StringVar(&q.OwnerKey, "owner-key", "", "Filter by owner key")
	cmd.Flags().StringVar(&q.RetryKey, "retry-key", "", "Filter by retry key")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newTaskShowCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			errMsg := ""
			if task.Error != nil {
				errMsg = task.Error.Message
			}
			outputFn().Print(
				[]string{"ID", "NAME", "GROUP", "STATE", "RETRY_KEY", "RETRY", "HEARTBEAT", "ERROR"},
				[][]string{{
					task.ID.String(), task.Name, task.GroupKey, task.State, task.RetryKey,
					strconv.Itoa(task.RetryCount) + "/" + strconv.Itoa(task.RetryMax),
					formatTimePtr(task.LastHeartbeatAt), errMsg,
				}},
				task,
			)
			return nil
		},
	}
}

func newTaskCancelCmd(clientFn func() *client.Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().CancelTask(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Task cancelled: %s (%s)", task.ID, task.State))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}
