package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/groundwork/pkg/engine"
	"github.com/openfroyo/groundwork/pkg/stores"
)

// ExampleOpen demonstrates opening a migrated store.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println(store.HealthCheck(ctx) == nil)
	// Output: true
}

// ExampleHistory demonstrates recording a lift run.
func ExampleHistory() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	history := stores.NewHistory(store)
	run, err := history.Begin(ctx, "web", stores.RunKindLift, nil)
	if err != nil {
		log.Fatal(err)
	}

	results := []engine.PhaseResult{
		{Target: engine.Target{ID: "web-1"}, Phase: "install", Result: "ok"},
		{Target: engine.Target{ID: "web-2"}, Phase: "install", Result: "ok"},
	}
	if err := history.Finish(ctx, run, results, nil); err != nil {
		log.Fatal(err)
	}

	_, records, err := history.Show(ctx, run.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Status)
	for _, rec := range records {
		fmt.Println(rec.Seq, rec.TargetID, rec.Phase, rec.Outcome)
	}
	// Output:
	// completed
	// 0 web-1 install ok
	// 1 web-2 install ok
}
