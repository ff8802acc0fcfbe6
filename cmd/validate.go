package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Hyrol7/vrl-client/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration OK\n")
		fmt.Printf("  App:     %s (tz %s)\n", cfg.App.Version, cfg.App.Timezone)
		fmt.Printf("  Decoder: %s (%s %s)\n", cfg.DecoderAddr(), cfg.Decoder.Executable, cfg.Decoder.CommandArgs)
		fmt.Printf("  API:     %s (client %d)\n", cfg.API.URL, cfg.API.ClientID)
		fmt.Printf("  Store:   %s\n", cfg.Database.File)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
