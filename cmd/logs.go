package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pdfharvest/internal/observability"
)

// newLogsCmd creates the `logs` command, which pretty-prints the JSON log file.
func newLogsCmd() *cobra.Command {
	var follow bool

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Prints the log file in a readable form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Logger.LogFile == "" {
				return errors.New("no log file configured; set logger.log_file or PDFHARVEST_LOGGER_LOG_FILE")
			}
			return observability.FollowLog(cmd.Context(), cfg.Logger.LogFile, follow, cmd.OutOrStdout())
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries, across rotations")
	return logsCmd
}
