package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/client"
	"github.com/openfroyo/crashrelay/pkg/contracts"
)

func newTrackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Track a single item",
		Long: `Track one item and deliver it before exiting.

The item goes through the configured initializers and filter policies, is
persisted in the queue and is flushed on exit. Items the collector cannot
accept right now stay queued for the next run.`,
	}

	cmd.AddCommand(newTrackEventCommand())
	cmd.AddCommand(newTrackPageViewCommand())
	cmd.AddCommand(newTrackMetricCommand())
	cmd.AddCommand(newTrackExceptionCommand())

	return cmd
}

func newTrackEventCommand() *cobra.Command {
	var props map[string]string

	cmd := &cobra.Command{
		Use:   "event NAME",
		Short: "Track a custom event",
		Example: `  # Track an event with properties
  crashrelay track event checkout.completed --prop cart=3 --prop currency=EUR`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *client.Client) error {
				c.TrackEvent(args[0], props)
				return logTracked(c, "event", args[0])
			})
		},
	}

	cmd.Flags().StringToStringVarP(&props, "prop", "p", nil, "event property key=value")
	return cmd
}

func newTrackPageViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pageview NAME",
		Short: "Track a page or screen view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *client.Client) error {
				c.TrackPageView(args[0])
				return logTracked(c, "pageview", args[0])
			})
		},
	}
}

func newTrackMetricCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metric NAME VALUE",
		Short: "Track a metric sample",
		Example: `  crashrelay track metric checkout.latency_ms 182`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid metric value %q: %w", args[1], err)
			}
			return withClient(cmd.Context(), func(c *client.Client) error {
				c.TrackMetric(args[0], value)
				return logTracked(c, "metric", args[0])
			})
		},
	}
}

func newTrackExceptionCommand() *cobra.Command {
	var (
		message   string
		stackFile string
		fatal     bool
		props     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "exception TYPE",
		Short: "Track a crash report",
		Example: `  # Report a crash with a stack dump captured by the host
  crashrelay track exception SIGSEGV --message "segfault in render" --stack-file core.txt --fatal`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report := contracts.ExceptionReport{
				Type:       args[0],
				Message:    message,
				Fatal:      fatal,
				Properties: props,
			}
			if stackFile != "" {
				data, err := os.ReadFile(stackFile)
				if err != nil {
					return fmt.Errorf("failed to read stack file: %w", err)
				}
				report.Stack = string(data)
			}

			return withClient(cmd.Context(), func(c *client.Client) error {
				c.TrackException(report, contracts.HandledAtUser)
				return logTracked(c, "exception", args[0])
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "exception message")
	cmd.Flags().StringVar(&stackFile, "stack-file", "", "file holding the raw stack dump")
	cmd.Flags().BoolVar(&fatal, "fatal", false, "mark the report as fatal")
	cmd.Flags().StringToStringVarP(&props, "prop", "p", nil, "crash property key=value")
	return cmd
}

func logTracked(c *client.Client, kind, name string) error {
	stats := c.Stats()
	log.Info().
		Str("kind", kind).
		Str("name", name).
		Int("pending", stats.Len()).
		Msg("Item tracked")
	return nil
}
