package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/task"
)

// TasksCmd groups task management subcommands.
var TasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage extraction task definitions",
}

var (
	addName        string
	addDescription string
	addPayloadFile string
	addCron        string
)

var tasksAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addName == "" {
			return errors.New("--name is required")
		}
		payload, err := os.ReadFile(addPayloadFile)
		if err != nil {
			return errors.Wrapf(err, "reading payload file %s", addPayloadFile)
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		// Reject obviously bad payloads up front; dispatch revalidates anyway.
		if result := c.validator.Check(string(payload)); !result.Valid {
			return errors.NewKind(errors.KindInvalidPayload,
				"payload rejected: %s", result.Summary())
		}

		tk := task.NewTask(addName, addDescription, string(payload))
		if addCron != "" {
			if _, err := cron.ParseStandard(addCron); err != nil {
				return errors.Wrapf(err, "invalid cron expression %q", addCron)
			}
			tk.ScheduleEnabled = true
			tk.ScheduleCron = addCron
		}
		if err := c.tasks.Create(tk); err != nil {
			return err
		}
		fmt.Printf("Task %s created\n", tk.ID)
		return nil
	},
}

var tasksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		tasks, err := c.tasks.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tACTIVE\tSCHEDULE\tLAST SCHEDULED")
		for _, tk := range tasks {
			schedule := "-"
			if tk.ScheduleEnabled && tk.ScheduleCron != "" {
				schedule = tk.ScheduleCron
			}
			lastRun := "-"
			if tk.LastScheduledRun != nil {
				lastRun = tk.LastScheduledRun.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
				tk.ID, tk.Name, tk.IsActive, schedule, lastRun)
		}
		return w.Flush()
	},
}

var showExecutions int

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its recent executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		tk, err := c.tasks.Get(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", tk.ID)
		fmt.Printf("Name:        %s\n", tk.Name)
		if tk.Description != "" {
			fmt.Printf("Description: %s\n", tk.Description)
		}
		fmt.Printf("Active:      %t\n", tk.IsActive)
		if tk.ScheduleEnabled {
			fmt.Printf("Schedule:    %s\n", tk.ScheduleCron)
		}
		if tk.Provenance.Provider != "" {
			fmt.Printf("Provenance:  %s/%s (%d tokens)\n",
				tk.Provenance.Provider, tk.Provenance.Model, tk.Provenance.TokensUsed)
		}

		execs, err := c.executions.ListByTask(tk.ID, showExecutions)
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Println("\nNo executions yet")
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXECUTION\tSTATUS\tTRIGGER\tRETRY\tRECORDS\tERROR")
		for _, e := range execs {
			errCol := "-"
			if e.ErrorKind != "" {
				errCol = e.ErrorKind
				if e.ErrorMessage != "" {
					msg := e.ErrorMessage
					if len(msg) > 60 {
						msg = msg[:60] + "..."
					}
					errCol += ": " + strings.ReplaceAll(msg, "\n", " ")
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
				e.ID, e.Status, e.Trigger, e.RetryCount,
				e.RecordsAccepted, e.RecordsTotal, errCol)
		}
		return w.Flush()
	},
}

var tasksActivateCmd = &cobra.Command{
	Use:   "activate <task-id>",
	Short: "Allow new dispatches of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(args[0], true) },
}

var tasksDeactivateCmd = &cobra.Command{
	Use:   "deactivate <task-id>",
	Short: "Refuse new dispatches of a task (in-flight executions finish)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(args[0], false) },
}

func setActive(taskID string, active bool) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.tasks.SetActive(taskID, active); err != nil {
		return err
	}
	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Printf("Task %s %s\n", taskID, state)
	return nil
}

var scheduleCron string

var tasksScheduleCmd = &cobra.Command{
	Use:   "schedule <task-id>",
	Short: "Set or clear a task's cron schedule",
	Long: `Sets the task's cron expression (standard 5-field format) and enables
scheduling. With --cron "" the schedule is disabled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		tk, err := c.tasks.Get(args[0])
		if err != nil {
			return err
		}

		if scheduleCron == "" {
			tk.ScheduleEnabled = false
			tk.ScheduleCron = ""
		} else {
			if _, err := cron.ParseStandard(scheduleCron); err != nil {
				return errors.Wrapf(err, "invalid cron expression %q", scheduleCron)
			}
			tk.ScheduleEnabled = true
			tk.ScheduleCron = scheduleCron
		}
		if err := c.tasks.Update(tk); err != nil {
			return err
		}

		if tk.ScheduleEnabled {
			fmt.Printf("Task %s scheduled: %s\n", tk.ID, tk.ScheduleCron)
		} else {
			fmt.Printf("Task %s schedule disabled\n", tk.ID)
		}
		return nil
	},
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Delete a task and its execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.tasks.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Task %s deleted\n", args[0])
		return nil
	},
}

func init() {
	tasksAddCmd.Flags().StringVar(&addName, "name", "", "Task name (required)")
	tasksAddCmd.Flags().StringVar(&addDescription, "description", "", "Task description")
	tasksAddCmd.Flags().StringVar(&addPayloadFile, "payload-file", "", "File containing the extraction payload (required)")
	tasksAddCmd.Flags().StringVar(&addCron, "cron", "", "Cron expression to schedule the task")
	tasksAddCmd.MarkFlagRequired("payload-file")

	tasksShowCmd.Flags().IntVar(&showExecutions, "executions", 10, "How many recent executions to show")
	tasksScheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression (empty to disable)")

	TasksCmd.AddCommand(tasksAddCmd)
	TasksCmd.AddCommand(tasksLsCmd)
	TasksCmd.AddCommand(tasksShowCmd)
	TasksCmd.AddCommand(tasksActivateCmd)
	TasksCmd.AddCommand(tasksDeactivateCmd)
	TasksCmd.AddCommand(tasksScheduleCmd)
	TasksCmd.AddCommand(tasksRmCmd)
}
