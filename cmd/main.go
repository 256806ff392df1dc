package cmd

import (
	"github.com/spf13/cobra"

	"github.com/iggy-rs/iggy/cmd/start"
	"github.com/iggy-rs/iggy/utils"
	"github.com/iggy-rs/iggy/utils/log"
)

// flagPrintVersion set flag to show the current server version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {
	// c is the root command.
	c := &cobra.Command{
		Use: "iggy-server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagPrintVersion {
				log.Info("version: %s", utils.Version)
				log.Info("commit hash: %s", utils.GitHash)
				log.Info("utc build time: %s", utils.BuildStamp)
				return nil
			}
			return cmd.Usage()
		},
	}

	c.AddCommand(start.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
