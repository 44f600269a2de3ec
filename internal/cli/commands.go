package cli

import (
	"github.com/spf13/cobra"

	"github.com/ostern42/smartbox-next-sub001/internal/control"
)

// NewStartCmd builds the start subcommand.
func NewStartCmd(deps *Dependencies) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a recording session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(deps, control.Command{
				Command: "start",
				Params:  map[string]any{"subject": subject},
			})
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Subject being recorded (required)")
	cmd.MarkFlagRequired("subject")

	return cmd
}

// NewStopCmd builds the stop subcommand.
func NewStopCmd(deps *Dependencies) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the active recording session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(deps, control.Command{
				Command: "stop",
				Params:  map[string]any{"reason": reason},
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "operator request", "Reason recorded with the stop")

	return cmd
}

// NewExportCmd builds the export subcommand.
func NewExportCmd(deps *Dependencies) *cobra.Command {
	var minutes int
	var reason string
	var requester string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the last N minutes of the active session as a clip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(deps, control.Command{
				Command: "export_last",
				Params: map[string]any{
					"minutes":   minutes,
					"reason":    reason,
					"requester": requester,
				},
			})
		},
	}

	cmd.Flags().IntVarP(&minutes, "minutes", "m", 5, "How many minutes of history to export")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the clip is being exported")
	cmd.Flags().StringVar(&requester, "requester", "", "Who requested the export")

	return cmd
}

// NewStatusCmd builds the status subcommand.
func NewStatusCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(deps, control.Command{Command: "get_status"})
		},
	}
}

// NewShutdownCmd builds the shutdown subcommand.
func NewShutdownCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Gracefully shut the daemon down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(deps, control.Command{Command: "shutdown"})
		},
	}
}
