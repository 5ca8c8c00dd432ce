package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

// SnapshotKeyPrefix namespaces waitlist snapshots in the cache
const SnapshotKeyPrefix = "queue:snapshot:"

// Waitlist limits
const (
	DefaultWaitlistLimit = 100
	MaxWaitlistLimit     = 500
)

// WaitlistFilter selects a waitlist: a state set, an optional clinician and a size cap
type WaitlistFilter struct {
	States      []entities.WorkflowState
	ClinicianID *string
	Limit       int
}

// Normalize sorts and de-duplicates the state set and clamps the limit.
// An empty state set means every waiting state.
func (f WaitlistFilter) Normalize(maxLimit int) WaitlistFilter {
	states := f.States
	if len(states) == 0 {
		states = entities.WaitingStates()
	}
	seen := make(map[entities.WorkflowState]bool, len(states))
	out := make([]entities.WorkflowState, 0, len(states))
	for _, s := range states {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	if maxLimit <= 0 {
		maxLimit = MaxWaitlistLimit
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultWaitlistLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var clinician *string
	if f.ClinicianID != nil && *f.ClinicianID != "" {
		c := *f.ClinicianID
		clinician = &c
	}
	return WaitlistFilter{States: out, ClinicianID: clinician, Limit: limit}
}

// Key is the cache key for a normalized filter
func (f WaitlistFilter) Key() string {
	parts := make([]string, len(f.States))
	for i, s := range f.States {
		parts[i] = string(s)
	}
	return fmt.Sprintf("%s%s:|%s|:%d", SnapshotKeyPrefix, snapshotScope(f.ClinicianID), strings.Join(parts, "|"), f.Limit)
}

// clinician ids are encoded so they cannot inject glob characters into SCAN patterns
func snapshotScope(clinicianID *string) string {
	if clinicianID == nil {
		return "all"
	}
	return "c-" + base64.RawURLEncoding.EncodeToString([]byte(*clinicianID))
}

// SnapshotCache stores short-lived waitlist snapshots and invalidates them on transitions
type SnapshotCache struct {
	cache providers.CacheProvider
}

// NewSnapshotCache creates a snapshot cache. A nil provider disables caching.
func NewSnapshotCache(cache providers.CacheProvider) *SnapshotCache {
	return &SnapshotCache{cache: cache}
}

// Enabled reports whether a cache provider is configured
func (c *SnapshotCache) Enabled() bool {
	return c != nil && c.cache != nil
}

// GetSnapshot returns the cached list for filter, or false on a miss or cache failure
func (c *SnapshotCache) GetSnapshot(ctx context.Context, filter WaitlistFilter) ([]entities.EncounterView, bool) {
	if !c.Enabled() {
		return nil, false
	}
	data, err := c.cache.Get(ctx, filter.Key())
	if err != nil {
		if !errors.Is(err, providers.ErrCacheMiss) {
			log.Warn().Err(err).Str("key", filter.Key()).Msg("snapshot read failed")
		}
		return nil, false
	}
	var views []entities.EncounterView
	if err := json.Unmarshal(data, &views); err != nil {
		log.Warn().Err(err).Str("key", filter.Key()).Msg("discarding unreadable snapshot")
		return nil, false
	}
	return views, true
}

// PutSnapshot caches list for filter for ttl, rounded up to whole seconds
func (c *SnapshotCache) PutSnapshot(ctx context.Context, filter WaitlistFilter, list []entities.EncounterView, ttl time.Duration) {
	if !c.Enabled() || ttl <= 0 {
		return
	}
	if list == nil {
		list = []entities.EncounterView{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal snapshot")
		return
	}
	seconds := int((ttl + time.Second - 1) / time.Second)
	if err := c.cache.Set(ctx, filter.Key(), data, seconds); err != nil {
		log.Warn().Err(err).Str("key", filter.Key()).Msg("snapshot write skipped")
	}
}

// Invalidate drops the snapshot for one filter
func (c *SnapshotCache) Invalidate(ctx context.Context, filter WaitlistFilter) {
	if !c.Enabled() {
		return
	}
	if err := c.cache.Delete(ctx, filter.Key()); err != nil {
		log.Warn().Err(err).Str("key", filter.Key()).Msg("snapshot invalidation skipped")
	}
}

// InvalidationPatterns returns glob patterns covering every snapshot whose state set
// contains from or to, in the unscoped view and the clinician's own view.
func InvalidationPatterns(from, to entities.WorkflowState, clinicianID *string) []string {
	scopes := []string{snapshotScope(nil)}
	if clinicianID != nil && *clinicianID != "" {
		scopes = append(scopes, snapshotScope(clinicianID))
	}

	var patterns []string
	for _, state := range []entities.WorkflowState{from, to} {
		if state == "" {
			continue
		}
		for _, scope := range scopes {
			patterns = append(patterns, fmt.Sprintf("%s%s:*|%s|*", SnapshotKeyPrefix, scope, state))
		}
	}
	return patterns
}

// InvalidateForTransition drops snapshots a from -> to transition could have changed
func (c *SnapshotCache) InvalidateForTransition(ctx context.Context, from, to entities.WorkflowState, clinicianID *string) {
	if !c.Enabled() {
		return
	}
	for _, pattern := range InvalidationPatterns(from, to, clinicianID) {
		if err := c.cache.DeletePattern(ctx, pattern); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("snapshot invalidation skipped")
		}
	}
}
