package enrich_test

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/crashrelay/pkg/contracts"
	"github.com/openfroyo/crashrelay/pkg/enrich"
)

func ExampleApply() {
	item := contracts.NewEvent("signup", nil)
	item.Context[contracts.TagAppVersion] = "2.0.0-beta"

	inits := []enrich.Initializer{
		enrich.Static{contracts.TagAppVersion: "1.9.0", contracts.TagDeviceModel: "Pixel 8"},
		enrich.User("u-42"),
	}
	_ = enrich.Apply(item.Context, inits, zerolog.Nop())

	fmt.Println(item.Context[contracts.TagAppVersion])
	fmt.Println(item.Context[contracts.TagDeviceModel])
	fmt.Println(item.Context[contracts.TagUserID])
	// Output:
	// 2.0.0-beta
	// Pixel 8
	// u-42
}
