package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainfetch/internal/control"
	"github.com/vietddude/chainfetch/internal/core/config"
)

var eventsFlags struct {
	address    string
	abiPath    string
	startBlock uint64
	endBlock   uint64
	label      string
	output     string
	topics     []string
}

var fetchEventsCmd = &cobra.Command{
	Use:   "fetch-events",
	Short: "Fetch every event of one contract over a block range",
	RunE: func(cmd *cobra.Command, args []string) error {
		end, err := endBlock(cmd, eventsFlags.startBlock, eventsFlags.endBlock)
		if err != nil {
			return err
		}

		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		var topics [][]string
		if len(eventsFlags.topics) > 0 {
			// A single OR-set in topic position 0.
			topics = [][]string{eventsFlags.topics}
		}

		return app.FetchEvents(ctx, control.EventsRequest{
			Address: eventsFlags.address,
			ABIPath: eventsFlags.abiPath,
			Start:   eventsFlags.startBlock,
			End:     end,
			Label:   eventsFlags.label,
			Topics:  topics,
			Output:  eventsFlags.output,
		})
	},
}

var allEventsFlags struct {
	tasksPath string
	outputDir string
}

var fetchAllEventsCmd = &cobra.Command{
	Use:   "fetch-all-events",
	Short: "Fetch events for every task of a tasks file concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := config.LoadTasks(allEventsFlags.tasksPath)
		if err != nil {
			return err
		}

		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		return app.FetchAllEvents(ctx, tasks, allEventsFlags.outputDir)
	},
}

var resumeFlags struct {
	tasksPath string
	label     string
	output    string
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-fetch the ranges queued for a task after unrecoverable failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := findTask(resumeFlags.tasksPath, resumeFlags.label)
		if err != nil {
			return err
		}

		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := app.Resume(ctx, control.ResumeRequest{Task: task, Output: resumeFlags.output})
		slog.Info("Resume finished", "task", task.Name, "ranges", n)
		return err
	},
}

func findTask(path, label string) (config.TaskSpec, error) {
	tasks, err := config.LoadTasks(path)
	if err != nil {
		return config.TaskSpec{}, err
	}
	for _, t := range tasks {
		if t.Name == label {
			return t, nil
		}
	}
	return config.TaskSpec{}, fmt.Errorf("task %q not found in %s", label, path)
}

func init() {
	f := fetchEventsCmd.Flags()
	f.StringVar(&eventsFlags.address, "address", "", "contract address")
	f.StringVar(&eventsFlags.abiPath, "abi", "", "ABI file (fetched from the explorer when empty)")
	f.Uint64Var(&eventsFlags.startBlock, "start-block", 0, "first block")
	f.Uint64Var(&eventsFlags.endBlock, "end-block", 0, "last block, inclusive (latest when omitted)")
	f.StringVar(&eventsFlags.label, "label", "", "task label used in logs, metrics and the resume queue")
	f.StringSliceVar(&eventsFlags.topics, "topic", nil, "only logs whose topic0 is one of these")
	f.StringVarP(&eventsFlags.output, "output", "o", "-", "output (-, path, s3://bucket/key or postgres://...)")
	_ = fetchEventsCmd.MarkFlagRequired("address")

	f = fetchAllEventsCmd.Flags()
	f.StringVar(&allEventsFlags.tasksPath, "tasks", "tasks.yaml", "tasks file")
	f.StringVar(&allEventsFlags.outputDir, "output-dir", "events", "directory for <task>.jsonl.gz files")

	f = resumeCmd.Flags()
	f.StringVar(&resumeFlags.tasksPath, "tasks", "tasks.yaml", "tasks file holding the task definition")
	f.StringVar(&resumeFlags.label, "label", "", "task name")
	f.StringVarP(&resumeFlags.output, "output", "o", "", "output prefix (defaults to the label)")
	_ = resumeCmd.MarkFlagRequired("label")

	rootCmd.AddCommand(fetchEventsCmd, fetchAllEventsCmd, resumeCmd)
}
