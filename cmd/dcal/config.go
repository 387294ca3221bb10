package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewChartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "chart [path]",
		Short:   "Set the test chart for measurement sessions",
		GroupID: gBasic,
		Long: `Set the test chart for measurement sessions.

The chart is a CGATS file listing the RGB test patches to measure during the
profiling stage. The daemon validates that it parses before accepting it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ret, err := apiClient.SetChartPath(args[0])
			if err != nil {
				return fmt.Errorf("failed to set chart: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully set chart to %s", args[0])

			return nil
		},
	}
}

func NewRetryBudgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "retry-budget [count]",
		Short:   "Set how many times a failed patch is retried",
		GroupID: gAdvanced,
		Long: `Set how many times a failed patch is re-measured before the session
gives up. 0 disables retries entirely.`,
		RunE: func(_ *cobra.Command, args []string) error {
			budget, err := parseIntArg(args, "retry budget")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetRetryBudget(budget)
			if err != nil {
				return fmt.Errorf("failed to set retry budget: %v", err)
			}

			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}

			logrus.Infof("successfully set retry budget to %d", budget)

			return nil
		},
	}
}
