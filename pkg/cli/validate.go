package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracetap/tracetap/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a configuration file",
	Long: `Parse and validate a tracetap configuration file without starting the
sidecar. Exits non-zero when the file cannot be used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		fmt.Printf("%s: OK\n", path)
		fmt.Printf("  port:     %d\n", cfg.HTTPPort)
		if cfg.Upstream != "" {
			fmt.Printf("  upstream: %s\n", cfg.Upstream)
		}
		if cfg.Tracing != nil && cfg.Tracing.Backend != "" {
			fmt.Printf("  backend:  %s\n", cfg.Tracing.Backend)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
