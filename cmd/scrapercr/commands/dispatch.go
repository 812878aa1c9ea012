package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Kirby6A/scraper-cr/dispatch"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/task"
)

var (
	dispatchSync    bool
	dispatchTrigger string
)

// DispatchCmd queues (or, with --sync, runs inline) one execution of a task.
var DispatchCmd = &cobra.Command{
	Use:   "dispatch <task-id>",
	Short: "Start an execution of a task",
	Long: `Dispatches one execution of the task. By default the execution is queued
and a running 'scrapercr serve' picks it up; with --sync it runs inline and
the terminal result is printed. Sync mode is for diagnostics only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		mode := task.ModeAsync
		if dispatchSync {
			mode = task.ModeSync
		}
		trigger := task.Trigger(dispatchTrigger)
		switch trigger {
		case task.TriggerManual, task.TriggerTest:
		default:
			return errors.Newf("invalid trigger %q (use manual or test)", dispatchTrigger)
		}

		e, err := c.dispatcher.Dispatch(context.Background(), args[0], mode, trigger, dispatch.Options{})
		if err != nil {
			if errors.HasKind(err, errors.KindAlreadyRunning) {
				details := errors.GetAllDetails(err)
				if len(details) > 0 {
					return errors.Wrapf(err, "in-flight execution %s blocks dispatch", details[0])
				}
			}
			return err
		}

		if mode == task.ModeAsync {
			fmt.Printf("Execution %s queued for task %s\n", e.ID, e.TaskID)
			return nil
		}

		out, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding execution")
		}
		fmt.Println(string(out))
		if e.Status == task.StatusFailed {
			os.Exit(1)
		}
		return nil
	},
}

// CancelCmd aborts a pending or running execution.
var CancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a pending or running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.lifecycle.Cancel(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Execution %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	DispatchCmd.Flags().BoolVar(&dispatchSync, "sync", false,
		"Run inline and wait for the result (diagnostics)")
	DispatchCmd.Flags().StringVar(&dispatchTrigger, "trigger", "manual",
		"Trigger source to record (manual or test)")
}
