package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sess"},
		Short:   "Start, cancel, and inspect measurement sessions",
		GroupID: gBasic,
		Long: `Start, cancel, and inspect measurement sessions.

A session walks the full measurement workflow: instrument setup, ambient
light check, black/white point, grayscale, chart profiling, and a
verification pass. Only one session can run per instrument.`,
	}

	cmd.AddCommand(
		newSessionStartCommand(),
		newSessionCancelCommand(),
		newSessionResultsCommand(),
	)

	return cmd
}

func newSessionStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a measurement session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.StartSession()
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}

			cmd.Printf("Session %s started on instrument %s.\n", bold(st.ID), st.Instrument)
			cmd.Println("Use 'dcal status' to follow progress, or 'dcal watch' for live events.")
			return nil
		},
	}
}

func newSessionCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running measurement session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := apiClient.CancelSession()
			if err != nil {
				return fmt.Errorf("failed to cancel session: %w", err)
			}
			cmd.Printf("Daemon responded: %s\n", ret)
			cmd.Println("The session will stop after the in-flight patch settles.")
			return nil
		},
	}
}

func newSessionResultsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "Print the measurements of the most recent session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := apiClient.GetSessionResults()
			if err != nil {
				return fmt.Errorf("failed to get session results: %w", err)
			}
			if len(results) == 0 {
				cmd.Println("No measurements yet.")
				return nil
			}

			lastStage := ""
			for _, r := range results {
				if r.Stage != lastStage {
					cmd.Println(bold("%s:", r.Stage))
					lastStage = r.Stage
				}
				line := fmt.Sprintf("  #%-4d %v  (%s)", r.PatchIndex, r.Reading, r.Duration.Round(time.Millisecond))
				if r.Retries > 0 {
					line += color.YellowString("  retries=%d", r.Retries)
				}
				cmd.Println(line)
			}
			return nil
		},
	}
}
