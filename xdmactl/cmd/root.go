// Package cmd provides the command-line interface for xDMA.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "xdmactl",
	Short: "xdmactl builds simulated DMA platforms and drives transfers " +
		"through them.",
	Long: `xdmactl builds simulated DMA platforms from a YAML description ` +
		`and drives transfers through their channels. It can trace every ` +
		`request and serve the live state of the controllers over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "xdma.yml",
		"Configuration file, or a directory of yaml files")
	rootCmd.PersistentFlags().String("env", ".env",
		"File with XDMA_* environment overrides")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Trace writers are flushed before a failing exit.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}
}
