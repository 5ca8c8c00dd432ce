package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

// CountUnknown is returned when a counter cannot be read from the cache
const CountUnknown int64 = -1

// CounterService wraps a CounterCache with degrade-to-no-op semantics.
// Cache failures are logged and never returned to callers of the write path.
type CounterService struct {
	cache providers.CounterCache
}

// NewCounterService creates a counter service. A nil cache disables counters.
func NewCounterService(cache providers.CounterCache) *CounterService {
	return &CounterService{cache: cache}
}

// Enabled reports whether a cache is configured
func (s *CounterService) Enabled() bool {
	return s != nil && s.cache != nil
}

// Increment adds one to the counter tracking state, if any
func (s *CounterService) Increment(ctx context.Context, state entities.WorkflowState) {
	key, ok := state.CounterKey()
	if !ok || !s.Enabled() {
		return
	}
	if err := s.cache.Increment(ctx, key); err != nil {
		log.Warn().Err(err).Str("counter", string(key)).Msg("counter increment skipped")
	}
}

// Decrement subtracts one from the counter tracking state, if any
func (s *CounterService) Decrement(ctx context.Context, state entities.WorkflowState) {
	key, ok := state.CounterKey()
	if !ok || !s.Enabled() {
		return
	}
	if err := s.cache.Decrement(ctx, key); err != nil {
		log.Warn().Err(err).Str("counter", string(key)).Msg("counter decrement skipped")
	}
}

// Move decrements the source counter, then increments the target counter
func (s *CounterService) Move(ctx context.Context, from, to entities.WorkflowState) {
	s.Decrement(ctx, from)
	s.Increment(ctx, to)
}

// Get returns the counter value or CountUnknown
func (s *CounterService) Get(ctx context.Context, key entities.CounterKey) int64 {
	if !s.Enabled() {
		return CountUnknown
	}
	v, found, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("counter", string(key)).Msg("counter read failed")
		return CountUnknown
	}
	if !found {
		return CountUnknown
	}
	return v
}

// Reconcile overwrites every counter in counts. It returns the joined cache errors
// so a reconcile job can report them; the coordinator's write path never sees them.
func (s *CounterService) Reconcile(ctx context.Context, counts map[entities.CounterKey]int64) error {
	if !s.Enabled() {
		return nil
	}
	var errs []error
	for key, n := range counts {
		if err := s.cache.Reconcile(ctx, key, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
