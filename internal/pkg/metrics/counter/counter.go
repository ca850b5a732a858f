package counter

import (
	"context"

	"github.com/tvollmer/planhub/internal/pkg/cache"
)

const eventOutcomesKey = "recon:counters:outcomes"

// AddOutcome increments the running counter for a processing outcome in
// Redis. Counters are best-effort operator telemetry; callers ignore
// failures.
func AddOutcome(outcome string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, eventOutcomesKey, outcome, 1).Err()
}

// OutcomeTotals returns all outcome counters.
func OutcomeTotals() (map[string]string, error) {
	ctx := context.Background()
	return cache.GetClient().HGetAll(ctx, eventOutcomesKey).Result()
}
