package run

import (
	"fireproxy/internal/core"
	"fireproxy/internal/flog"

	"github.com/spf13/cobra"
)

var confPath string

func init() {
	Cmd.Flags().StringVarP(&confPath, "config", "c", "config.json", "Path to the forwarding rule configuration file.")
}

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the forwarding proxy from a rule configuration file.",
	Long:  `The 'run' command loads the forward rules at --config, binds a listener for every active rule, and serves until an interrupt or terminate signal triggers a graceful shutdown.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, err := core.Boot(confPath)
		if err != nil {
			flog.Fatalf("failed to start: %v", err)
		}
		c.Run()
	},
}
