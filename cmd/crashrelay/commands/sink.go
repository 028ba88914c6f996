package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/collector"
)

func newSinkCommand() *cobra.Command {
	var (
		addr       string
		ikey       string
		failCount  int
		failStatus int
		retryAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run a local reference collector",
		Long: `Run a collector that accepts tracked items and logs them.

Use it as the endpoint during development. Injected failures exercise the
client's backoff and retry handling.`,
		Example: `  # Accept items on the default endpoint
  crashrelay sink

  # Fail the first three requests with 503 and a Retry-After of 5s
  crashrelay sink --fail 3 --fail-status 503 --retry-after 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			col := collector.New(collector.Options{
				InstrumentationKey: ikey,
				Logger:             log.Logger,
			})
			if failCount > 0 {
				col.FailNext(failCount, failStatus, retryAfter)
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           col.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info().
				Str("endpoint", "http://"+ln.Addr().String()+collector.TrackPath).
				Int("fail", failCount).
				Msg("Collector listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			log.Info().
				Int("requests", col.Requests()).
				Int("items", len(col.ReceivedIDs())).
				Msg("Collector stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "listen address")
	cmd.Flags().StringVar(&ikey, "ikey", "", "reject items with another instrumentation key")
	cmd.Flags().IntVar(&failCount, "fail", 0, "fail the first n requests")
	cmd.Flags().IntVar(&failStatus, "fail-status", http.StatusServiceUnavailable, "status code of injected failures")
	cmd.Flags().DurationVar(&retryAfter, "retry-after", 0, "Retry-After sent with injected failures")
	return cmd
}
