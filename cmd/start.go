package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Hyrol7/vrl-client/internal/config"
	"github.com/Hyrol7/vrl-client/internal/log"
	"github.com/Hyrol7/vrl-client/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ingestion client",
	Long: `
Start the VRL ingestion client.

Bringup is strictly ordered: configuration, store, time sync, decoder child
process, TCP probe. Once complete the parser, correlator, sender and pinger
run until SIGINT/SIGTERM or a fatal worker error.

Examples:
  vrl-client start                  # use ./config.yaml
  vrl-client start -c /etc/vrl.yaml # explicit config path
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		if err := log.Init(cfg.Log); err != nil {
			return fmt.Errorf("logging: %w", err)
		}

		sup := supervisor.New(cfg)
		if err := sup.Start(); err != nil {
			return err
		}
		return sup.Run()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
