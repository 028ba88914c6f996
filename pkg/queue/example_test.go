package queue_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/crashrelay/pkg/queue"
	"github.com/openfroyo/crashrelay/pkg/stores"
)

func ExampleQueue_TakeBatch() {
	ctx := context.Background()
	q, err := queue.Open(ctx, stores.NewMemoryStore(), queue.Options{})
	if err != nil {
		log.Fatal(err)
	}

	for _, id := range []string{"a", "b", "c"} {
		_ = q.Append(ctx, id, []byte(`{}`))
	}

	batch := q.TakeBatch(2, 0)
	for _, e := range batch {
		fmt.Println("sending", e.ID)
	}

	// The first entry was delivered, the second must be retried.
	q.Confirm(ctx, batch[0].ID)
	q.Release(ctx, batch[1].ID)

	stats := q.Stats()
	fmt.Println("available:", stats.Available, "in flight:", stats.InFlight)
	// Output:
	// sending a
	// sending b
	// available: 2 in flight: 0
}
