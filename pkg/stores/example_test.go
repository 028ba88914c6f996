package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/crashrelay/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated SQLite backend.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{
		Driver: stores.DriverSQLite,
		Path:   ":memory:",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Write(ctx, "entry-1", []byte(`{"id":"entry-1"}`)); err != nil {
		log.Fatal(err)
	}

	data, err := store.Read(ctx, "entry-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(data))
	// Output: {"id":"entry-1"}
}
