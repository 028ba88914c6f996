package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate-config [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file.

This command checks:
  - YAML, JSON or CUE syntax
  - CUE schema conformance (for .cue files)
  - Field constraints such as durations, ranges and enums
  - Environment overrides applied on top of the file`,
		Example: `  # Validate a YAML configuration
  crashrelay validate-config crashrelay.yaml

  # Print the CUE schema configurations are checked against
  crashrelay validate-config --print-schema`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				fmt.Print(config.Schema())
				return nil
			}

			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}

			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, ve := range verrs {
						fmt.Printf("  %s: %s\n", ve.Field, ve.Message)
					}
					return fmt.Errorf("%s: %d validation errors", path, len(verrs))
				}
				return err
			}

			if jsonOutput {
				return printJSON(cfg)
			}
			log.Info().
				Str("path", path).
				Str("endpoint", cfg.Endpoint).
				Str("storage", cfg.Storage.Driver).
				Msg("Configuration is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "print the embedded CUE schema and exit")
	return cmd
}
