package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Stream live session events from the daemon",
		GroupID: gBasic,
		Long: `Stream live session events from the daemon over SSE.

Prints state transitions, stage changes, and per-patch progress as they
happen. Interrupt with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := apiClient.Stream("/events")
			if err != nil {
				return fmt.Errorf("failed to subscribe to events: %w", err)
			}
			defer body.Close()

			var event string
			scanner := bufio.NewScanner(body)
			for scanner.Scan() {
				line := scanner.Text()
				switch {
				case strings.HasPrefix(line, "event:"):
					event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				case strings.HasPrefix(line, "data:"):
					data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					cmd.Printf("%s %s\n", bold("%-16s", event), data)
				}
			}
			return scanner.Err()
		},
	}
}
