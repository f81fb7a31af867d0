package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tracetap/tracetap/pkg/config"
)

var (
	initOutput string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter configuration file",
	Long: `Create a tracetap configuration file. Without flags an interactive
prompt asks for the upstream, listener port and span backend; the answers
are written as YAML (or JSON when the filename ends in .json).`,
	Example: `  # Interactive setup, writes tracetap.yaml
  tracetap init

  # Non-interactive with a custom filename
  tracetap init -o configs/sidecar.yaml --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !initForce {
			if _, err := os.Stat(initOutput); err == nil {
				return fmt.Errorf("%s already exists, use --force to overwrite", initOutput)
			}
		}

		cfg := config.DefaultSidecarConfiguration()

		upstream := ""
		portStr := strconv.Itoa(cfg.HTTPPort)
		backend := config.BackendStdout
		endpoint := ""
		serviceName := cfg.Tracing.ServiceName

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Which service should tracetap sit in front of?").
					Placeholder("http://localhost:8080").
					Value(&upstream).
					Validate(func(s string) error {
						if s == "" {
							return errors.New("upstream is required")
						}
						u, err := url.Parse(s)
						if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
							return errors.New("must be an http:// or https:// URL")
						}
						return nil
					}),
				huh.NewInput().
					Title("Port for the traced listener").
					Value(&portStr).
					Validate(func(s string) error {
						p, err := strconv.Atoi(s)
						if err != nil || p < 1 || p > 65535 {
							return errors.New("must be a port number")
						}
						return nil
					}),
				huh.NewInput().
					Title("Service name on exported spans").
					Value(&serviceName),
				huh.NewSelect[string]().
					Title("Where should spans go?").
					Options(
						huh.NewOption("stdout (JSON lines)", config.BackendStdout),
						huh.NewOption("OTLP/HTTP collector", config.BackendOTLP),
						huh.NewOption("OpenTelemetry SDK (OTLP/gRPC)", config.BackendOTel),
						huh.NewOption("nowhere (lifecycle only)", config.BackendNone),
					).
					Value(&backend),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Collector endpoint").
					Placeholder("http://localhost:4318/v1/traces").
					Value(&endpoint).
					Validate(func(s string) error {
						if s == "" {
							return errors.New("the selected backend needs an endpoint")
						}
						return nil
					}),
			).WithHideFunc(func() bool {
				return backend != config.BackendOTLP && backend != config.BackendOTel
			}),
		)

		if err := form.Run(); err != nil {
			return err
		}

		cfg.Upstream = upstream
		cfg.HTTPPort, _ = strconv.Atoi(portStr)
		cfg.Tracing.ServiceName = serviceName
		cfg.Tracing.Backend = backend
		cfg.Tracing.Endpoint = endpoint

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveToFile(initOutput, cfg); err != nil {
			return err
		}

		fmt.Printf("Wrote %s\n", initOutput)
		fmt.Printf("Start the sidecar with: tracetap serve --config %s\n", initOutput)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "tracetap.yaml", "Output filename")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}
