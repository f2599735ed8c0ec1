// Package cli defines the tenbin2api command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tenbin2api",
	Short: "OpenAI-compatible adapter for the Tenbin chat service",
	Long: `tenbin2api exposes an OpenAI-compatible chat completion API backed by
tenbin.ai accounts, with credential failover and streaming translation.`,
	Run: func(c *cobra.Command, args []string) {
		// Bare invocation behaves like serve.
		serveCmd.Run(c, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config file")
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
