package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dcal-project/dcal/pkg/client"
	"github.com/dcal-project/dcal/pkg/config"
	"github.com/dcal-project/dcal/pkg/session"
)

type statusData struct {
	session  *session.Status
	schedule *client.ScheduleStatus
	config   *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	sched, err := apiClient.GetSchedule()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	// No session yet is a normal state, not an error.
	st, err := apiClient.GetSession()
	if err != nil && !errors.Is(err, client.ErrNotFound) {
		return nil, fmt.Errorf("failed to get session status: %w", err)
	}

	return &statusData{
		session:  st,
		schedule: sched,
		config:   conf,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of dcal",
		Long:    `Get session progress, schedule, and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			conf := config.NewFileFromConfig(data.config, "")

			cmd.Println(bold("Session:"))
			if data.session == nil {
				cmd.Println("  No session yet.")
			} else {
				printSessionStatus(cmd, data.session)
			}

			cmd.Println()

			cmd.Println(bold("Schedule:"))
			if data.schedule.Cron == "" {
				cmd.Println("  Automatic recalibration is not scheduled.")
			} else {
				cmd.Printf("  Cron: %s\n", bold(data.schedule.Cron))
				cmd.Printf("  Active: %s\n", bool2Text(data.schedule.Active))
				if data.schedule.Active && !data.schedule.NextRun.IsZero() {
					cmd.Printf("  Next run: %s\n", bold(data.schedule.NextRun.Local().Format(time.DateTime)))
				}
			}

			cmd.Println()

			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Measurement tool: %s\n", bold(conf.ToolPath()))
			cmd.Printf("  Instrument: %s\n", bold(conf.Instrument()))
			cmd.Printf("  Chart: %s\n", bold(conf.ChartPath()))
			cmd.Printf("  Output directory: %s\n", bold(conf.OutputDir()))
			cmd.Printf("  Retry budget per patch: %s\n", bold("%d", conf.RetryBudget()))
			cmd.Printf("  Stage restart budget: %s\n", bold("%d", conf.StageRestartBudget()))
			cmd.Printf("  Grayscale steps: %s\n", bold("%d", conf.GrayscaleSteps()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}
}

func printSessionStatus(cmd *cobra.Command, st *session.Status) {
	stateStr := string(st.State)
	switch st.State {
	case session.StateRunning:
		stateStr = color.GreenString(stateStr)
	case session.StateCompleted:
		stateStr = color.New(color.Bold, color.FgGreen).Sprint(stateStr)
	case session.StateFailed, session.StateAborted:
		stateStr = color.RedString(stateStr)
	}

	cmd.Printf("  ID: %s\n", bold(st.ID))
	cmd.Printf("  State: %s\n", stateStr)
	cmd.Printf("  Instrument: %s\n", bold(st.Instrument))
	if st.Stage != "" {
		cmd.Printf("  Stage: %s (%s)\n", bold(st.Stage), st.StagePhase)
		cmd.Printf("  Stage progress: %s\n", bold("%d/%d patches", st.StageDone, st.StageTotal))
	}
	cmd.Printf("  Measurements: %s\n", bold("%d", st.Results))
	if st.Retries > 0 {
		cmd.Printf("  Retries so far: %s\n", color.YellowString("%d", st.Retries))
	}
	cmd.Printf("  Elapsed: %s\n", bold("%s", time.Duration(st.ElapsedSeconds)*time.Second))
	if st.State == session.StateRunning {
		cmd.Printf("  Estimated remaining: %s\n", bold("%s", time.Duration(st.RemainingSeconds)*time.Second))
	}
	if st.LastError != "" {
		cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
	}
}
