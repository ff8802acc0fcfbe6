// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vrl-client",
	Short: "VRL Client - on-premise ingestion client for the VRL surveillance pipeline",
	Long: `VRL Client connects to a local radar decoder, parses its K1/K2 packet
stream, correlates packet pairs into flight tracks and forwards the results
to the remote ingestion API with HMAC authentication.

Pipeline: decoder TCP stream → parser → store → correlator → sender → API.
A status heartbeat reports stage health on a fixed cadence.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml",
		"config file path")
}
