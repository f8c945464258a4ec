package cli

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainfetch/internal/core/config"
)

var queueTasksPath string

var queueStatusCmd = &cobra.Command{
	Use:   "queue-status [label...]",
	Short: "Show the ranges waiting in each task's resume queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		labels := args
		if len(labels) == 0 {
			tasks, err := config.LoadTasks(queueTasksPath)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				labels = append(labels, t.Name)
			}
		}

		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "TASK\tRANGES\tBLOCKS\tFIRST")

		for _, label := range labels {
			ranges, err := app.QueuedRanges(ctx, label)
			if err != nil {
				return err
			}
			var blocks uint64
			first := "-"
			for i, r := range ranges {
				blocks += r.Size()
				if i == 0 {
					first = r.String()
				}
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", label, len(ranges), blocks, first)
		}
		return w.Flush()
	},
}

var clearQueueCmd = &cobra.Command{
	Use:   "clear-queue [label]",
	Short: "Drop every queued range of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := app.ClearQueue(ctx, args[0]); err != nil {
			return err
		}
		slog.Info("Queue cleared", "task", args[0])
		return nil
	},
}

func init() {
	queueStatusCmd.Flags().StringVar(&queueTasksPath, "tasks", "tasks.yaml", "tasks file listing the labels when none are given")
	rootCmd.AddCommand(queueStatusCmd, clearQueueCmd)
}
