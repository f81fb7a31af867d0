// Package cli implements the tracetap command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	logLevel  string
	logFormat string

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracetap",
	Short: "tracetap is a tracing sidecar for HTTP services",
	Long: `tracetap attaches a distributed-tracing span to every HTTP request it
forwards, without any change to the upstream service. It continues traces
carried in inbound headers, keeps the span consistent across error
re-dispatches and asynchronous completions, and reports each span exactly
once.

Run it in front of a service:

  tracetap serve --upstream http://localhost:8080

Spans go to stdout by default; point them at a collector with --backend.`,
	SilenceUsage:  true,
	SilenceErrors: true, // errors are printed once, in Execute
}

// Execute runs the root command. Called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}
