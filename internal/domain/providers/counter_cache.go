package providers

import (
	"context"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
)

// CounterCache holds fast, non-authoritative queue counters.
// Implementations return errors when the backing cache is unreachable; callers decide how to degrade.
type CounterCache interface {
	// Increment adds one to the counter
	Increment(ctx context.Context, key entities.CounterKey) error

	// Decrement subtracts one, never going below zero
	Decrement(ctx context.Context, key entities.CounterKey) error

	// Get returns the counter value; a missing counter reads as found=false
	Get(ctx context.Context, key entities.CounterKey) (value int64, found bool, err error)

	// Set overwrites the counter
	Set(ctx context.Context, key entities.CounterKey, value int64) error

	// Reconcile overwrites the counter with a count derived from the store
	Reconcile(ctx context.Context, key entities.CounterKey, trueCount int64) error
}
