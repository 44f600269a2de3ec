// Package cli implements the smartboxctl command tree. Every subcommand is
// a thin wrapper that sends one control plane command to a running daemon
// and prints the acknowledgement.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ostern42/smartbox-next-sub001/internal/config"
	"github.com/ostern42/smartbox-next-sub001/internal/control"
)

// Dependencies carries the flag-derived state shared by all subcommands.
type Dependencies struct {
	ConfigPath string
	Timeout    time.Duration
}

// NewRootCmd builds the smartboxctl command tree.
func NewRootCmd() *cobra.Command {
	deps := &Dependencies{}

	rootCmd := &cobra.Command{
		Use:           "smartboxctl",
		Short:         "Control a running recording daemon",
		Long:          "Sends commands to a running smartboxd instance over its MQTT control plane: start and stop sessions, export recent history, query status.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "config/recorder.yaml", "Path to the daemon configuration file")
	rootCmd.PersistentFlags().DurationVar(&deps.Timeout, "timeout", 10*time.Second, "How long to wait for the daemon's response")

	rootCmd.AddCommand(NewStartCmd(deps))
	rootCmd.AddCommand(NewStopCmd(deps))
	rootCmd.AddCommand(NewExportCmd(deps))
	rootCmd.AddCommand(NewStatusCmd(deps))
	rootCmd.AddCommand(NewShutdownCmd(deps))

	return rootCmd
}

// send loads the config, performs one command round-trip and prints the
// response. A non-success status becomes a non-zero exit.
func send(deps *Dependencies, cmd control.Command) error {
	cfg, err := config.Load(deps.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	resp, err := NewClient(cfg, deps.Timeout).Send(cmd)
	if err != nil {
		return err
	}

	printResponse(resp)

	if resp.Status == "error" {
		return fmt.Errorf("%s: %s", cmd.Command, resp.Error)
	}
	return nil
}

func printResponse(resp control.Response) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(resp)
}
