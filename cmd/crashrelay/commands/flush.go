package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/client"
)

func newFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver every queued item now",
		Long: `Send everything in the queue, ignoring the flush threshold and any
backoff window. Entries the collector does not accept stay queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *client.Client) error {
				before := c.Stats().Len()
				err := c.Flush(cmd.Context())
				after := c.Stats().Len()

				log.Info().
					Int("sent", before-after).
					Int("pending", after).
					Msg("Flush finished")
				if err != nil {
					return fmt.Errorf("flush incomplete: %w", err)
				}
				return nil
			})
		},
	}
}
