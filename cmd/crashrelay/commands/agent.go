package commands

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/agent"
	"github.com/openfroyo/crashrelay/pkg/client"
)

func newAgentCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Relay items written to stdin",
		Long: `Run a long-lived relay for hosts that cannot link the Go client.

The agent reads one JSON message per line on stdin and answers on stdout:

  {"type":"TRACK","id":"1","data":{"kind":"event","name":"opened"}}
  {"type":"EXCEPTION","id":"2","data":{"type":"SIGABRT","fatal":true}}
  {"type":"SESSION","id":"3","data":{"action":"start"}}
  {"type":"FLUSH","id":"4"}

It flushes and exits when stdin closes or on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Telemetry.MetricsAddress = metricsAddr
			}

			c, err := client.NewFromConfig(cmd.Context(), cfg, client.Dependencies{})
			if err != nil {
				return err
			}

			a := agent.New(c, os.Stdin, os.Stdout, agent.Options{
				Version:  buildVersion,
				Endpoint: cfg.Endpoint,
				Logger:   log.Logger,
			})
			runErr := a.Run(cmd.Context())
			if err := c.Close(context.WithoutCancel(cmd.Context())); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
