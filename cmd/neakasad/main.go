// Command neakasad bridges Neakasa litter boxes from the vendor cloud to
// MQTT, HomeKit and a local HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags
// (go build -ldflags "-X main.version=1.0.0").
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "neakasad",
	Short:         "Neakasa litter box bridge",
	Long:          "Polls Neakasa litter boxes from the vendor cloud and exposes them over MQTT, HomeKit and HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "neakasad %s (%s)\n", version, commit)
	},
}

func init() {
	// A missing .env is fine.
	_ = godotenv.Load()

	defaultConfig := os.Getenv("NEAKASA_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to the YAML config file")

	rootCmd.AddCommand(runCmd, devicesCmd, watchCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
