package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sche", "sched"},
		Short:   "Manage automatic recalibration schedule",
		Long: `Manage automatic recalibration schedule.

The schedule command can be used in multiple ways:
  dcal schedule 'minute hour day month weekday' Set schedule with cron expression
  dcal schedule disable                         Disable the schedule
  dcal schedule postpone [duration]             Postpone next run
  dcal schedule skip                            Skip next run
  dcal schedule show                            Show current schedule`,
		Example: `  dcal schedule '0 10 * * 0' (At 10:00 on Sunday)
  dcal schedule '0 10 1 * *' (At 10:00 on the first day of every month)
  dcal schedule '0 10 1 */3 *' (At 10:00 on the first day of every three months)`,
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the recalibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SetSchedule(""); err != nil {
				return err
			}
			cmd.Println("Recalibration schedule disabled.")
			return nil
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled session",
		Example: `  dcal schedule postpone      (Postpone by 1 hour)
  dcal schedule postpone 90m  (Postpone by 90 minutes)
  dcal schedule postpone 2h   (Postpone by 2 hours)`,
		Long: `Postpone the next scheduled session by a specified duration.
If no duration is provided, defaults to 1 hour.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour // default
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			if _, err := apiClient.PostponeSchedule(d); err != nil {
				return err
			}
			cmd.Printf("Next run postponed by %s.\n", d)
			return nil
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SkipSchedule(); err != nil {
				return err
			}
			cmd.Println("Next scheduled run skipped.")
			return nil
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current recalibration schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	ret, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Printf("Daemon responded: %s\n", ret)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	if st.Cron == "" {
		cmd.Println("Recalibration schedule is not set.")
		return nil
	}
	cmd.Printf("Cron: %s\n", st.Cron)
	if st.Active && !st.NextRun.IsZero() {
		cmd.Printf("Next run: %s\n", st.NextRun.Local().Format(time.DateTime))
	} else {
		cmd.Println("Schedule is set but not active.")
	}
	return nil
}
