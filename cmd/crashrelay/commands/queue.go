package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/crashrelay/pkg/contracts"
	"github.com/openfroyo/crashrelay/pkg/queue"
	"github.com/openfroyo/crashrelay/pkg/stores"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the persistent queue",
		Long: `Inspect or purge the persistent queue without delivering anything.

Run these while no other crashrelay process uses the same storage.`,
	}

	cmd.AddCommand(newQueueStatsCommand())
	cmd.AddCommand(newQueueListCommand())
	cmd.AddCommand(newQueuePurgeCommand())

	return cmd
}

// withQueue opens the configured storage and queue without a channel.
func withQueue(ctx context.Context, fn func(q *queue.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, err := stores.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer backend.Close()

	q, err := queue.Open(ctx, backend, cfg.QueueOptions(log.Logger))
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	return fn(q)
}

func newQueueStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(q *queue.Queue) error {
				stats := q.Stats()
				if jsonOutput {
					return printJSON(map[string]interface{}{
						"entries":   stats.Len(),
						"bytes":     stats.Bytes,
						"max_bytes": stats.MaxBytes,
					})
				}
				fmt.Printf("entries:   %d\n", stats.Len())
				fmt.Printf("bytes:     %d\n", stats.Bytes)
				fmt.Printf("max bytes: %d\n", stats.MaxBytes)
				return nil
			})
		},
	}
}

type entrySummary struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Name       string    `json:"name,omitempty"`
	Size       int64     `json:"size"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

func summarize(e queue.Entry) entrySummary {
	s := entrySummary{ID: e.ID, Size: e.Size(), EnqueuedAt: e.EnqueuedAt, Attempts: e.Attempts, Type: "?"}
	item, err := contracts.Unmarshal(e.Bytes)
	if err != nil {
		return s
	}
	s.Type = string(item.Type)
	switch d := item.Data.(type) {
	case *contracts.EventData:
		s.Name = d.Name
	case *contracts.PageViewData:
		s.Name = d.Name
	case *contracts.MetricData:
		s.Name = d.Name
	case *contracts.CrashData:
		s.Name = d.ExceptionType
	case *contracts.SessionData:
		s.Name = string(d.State)
	}
	return s
}

func newQueueListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(q *queue.Queue) error {
				entries := q.Entries()
				if limit > 0 && len(entries) > limit {
					entries = entries[:limit]
				}

				summaries := make([]entrySummary, len(entries))
				for i, e := range entries {
					summaries[i] = summarize(e)
				}
				if jsonOutput {
					return printJSON(summaries)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tNAME\tSIZE\tENQUEUED\tATTEMPTS")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
						s.ID, s.Type, s.Name, s.Size, s.EnqueuedAt.Format(time.RFC3339), s.Attempts)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n entries")
	return cmd
}

func newQueuePurgeCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every queued entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes undelivered telemetry; pass --yes to confirm")
			}
			return withQueue(cmd.Context(), func(q *queue.Queue) error {
				n := q.Purge(cmd.Context())
				log.Info().Int("removed", n).Msg("Queue purged")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
