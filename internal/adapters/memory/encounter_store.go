package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	apperrors "github.com/zatekoja/clinicqueue/pkg/errors"
)

// EncounterStore is a process-local EncounterRepository for development and tests.
// Each encounter has its own context-aware lock, so mutations of different encounters
// never wait on each other. mu only guards the maps and is never held while waiting.
type EncounterStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*record
	// live maps a patient to their single live encounter
	live map[string]int64
}

type record struct {
	sem chan struct{}
	enc *entities.Encounter
}

// NewEncounterStore creates an empty store
func NewEncounterStore() *EncounterStore {
	return &EncounterStore{
		byID: make(map[int64]*record),
		live: make(map[string]int64),
	}
}

var _ repositories.EncounterRepository = (*EncounterStore)(nil)

func (r *record) lock(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperrors.NewBusyError("timed out waiting for encounter lock", fmt.Errorf("%w: %w", entities.ErrBusy, ctx.Err()))
	}
}

// tryLock mirrors SKIP LOCKED: a record held by someone else is passed over
func (r *record) tryLock() bool {
	select {
	case r.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *record) unlock() {
	<-r.sem
}

func (s *EncounterStore) get(id int64) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok
}

// Create stores a new encounter and assigns its ID
func (s *EncounterStore) Create(ctx context.Context, enc *entities.Encounter) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewBusyError("encounter store call cancelled", fmt.Errorf("%w: %w", entities.ErrBusy, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := enc.WorkflowState.IsLive()
	if live {
		if _, taken := s.live[enc.PatientID]; taken {
			return duplicateError(enc.PatientID)
		}
	}

	s.nextID++
	enc.ID = s.nextID
	s.byID[enc.ID] = &record{sem: make(chan struct{}, 1), enc: enc.Clone()}
	if live {
		s.live[enc.PatientID] = enc.ID
	}
	return nil
}

// GetByID retrieves an encounter by ID
func (s *EncounterStore) GetByID(ctx context.Context, id int64) (*entities.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, notFoundError(id)
	}
	return rec.enc.Clone(), nil
}

// Update applies mutate to the encounter while holding only that encounter's lock
func (s *EncounterStore) Update(ctx context.Context, id int64, mutate repositories.EncounterMutation) (*entities.Encounter, error) {
	rec, ok := s.get(id)
	if !ok {
		return nil, notFoundError(id)
	}
	if err := rec.lock(ctx); err != nil {
		return nil, err
	}
	defer rec.unlock()

	return s.apply(rec, mutate)
}

// ClaimOldest applies mutate to the longest-waiting encounter in state.
// Encounters locked by a concurrent caller are skipped.
func (s *EncounterStore) ClaimOldest(ctx context.Context, state entities.WorkflowState, clinicianID *string, mutate repositories.EncounterMutation) (*entities.Encounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewBusyError("encounter store call cancelled", fmt.Errorf("%w: %w", entities.ErrBusy, err))
	}

	s.mu.RLock()
	candidates := s.scan([]entities.WorkflowState{state}, clinicianID)
	s.mu.RUnlock()

	for _, rec := range candidates {
		if !rec.tryLock() {
			continue
		}
		// re-check under the record lock; a concurrent writer may have moved it
		s.mu.RLock()
		still := matches(rec.enc, map[entities.WorkflowState]bool{state: true}, clinicianID)
		s.mu.RUnlock()
		if !still {
			rec.unlock()
			continue
		}
		claimed, err := s.apply(rec, mutate)
		rec.unlock()
		return claimed, err
	}
	return nil, nil
}

// ListByStates returns encounters ordered by state_entered_at, then id
func (s *EncounterStore) ListByStates(ctx context.Context, filter repositories.EncounterFilter) ([]*entities.Encounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.scan(filter.States, filter.ClinicianID)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*entities.Encounter, 0, len(matched))
	for _, rec := range matched {
		out = append(out, rec.enc.Clone())
	}
	return out, nil
}

// CountByState returns the number of encounters per workflow state
func (s *EncounterStore) CountByState(ctx context.Context) (map[entities.WorkflowState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[entities.WorkflowState]int64)
	for _, rec := range s.byID {
		counts[rec.enc.WorkflowState]++
	}
	return counts, nil
}

// CountActiveByPatient returns how many live encounters a patient has
func (s *EncounterStore) CountActiveByPatient(ctx context.Context, patientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.live[patientID]; ok {
		return 1, nil
	}
	return 0, nil
}

// apply must be called with rec's lock held. mutate runs outside mu.
func (s *EncounterStore) apply(rec *record, mutate repositories.EncounterMutation) (*entities.Encounter, error) {
	s.mu.RLock()
	current := rec.enc
	s.mu.RUnlock()

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wasLive, isLive := current.WorkflowState.IsLive(), next.WorkflowState.IsLive()
	if !wasLive && isLive {
		if other, taken := s.live[next.PatientID]; taken && other != next.ID {
			return nil, duplicateError(next.PatientID)
		}
		s.live[next.PatientID] = next.ID
	}
	if wasLive && !isLive && s.live[current.PatientID] == current.ID {
		delete(s.live, current.PatientID)
	}
	rec.enc = next
	return next.Clone(), nil
}

// scan must be called with mu held
func (s *EncounterStore) scan(states []entities.WorkflowState, clinicianID *string) []*record {
	want := make(map[entities.WorkflowState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var matched []*record
	for _, rec := range s.byID {
		if matches(rec.enc, want, clinicianID) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].enc, matched[j].enc
		if !a.StateEnteredAt.Equal(b.StateEnteredAt) {
			return a.StateEnteredAt.Before(b.StateEnteredAt)
		}
		return a.ID < b.ID
	})
	return matched
}

func matches(enc *entities.Encounter, want map[entities.WorkflowState]bool, clinicianID *string) bool {
	if !want[enc.WorkflowState] {
		return false
	}
	return clinicianID == nil || enc.AssignedTo(*clinicianID)
}

func notFoundError(id int64) error {
	return apperrors.Wrap(apperrors.ErrorTypeNotFound, fmt.Sprintf("encounter %d not found", id), entities.ErrEncounterNotFound)
}

func duplicateError(patientID string) error {
	return apperrors.Wrap(apperrors.ErrorTypeConflict, fmt.Sprintf("patient %s already has a live encounter", patientID), entities.ErrDuplicateActiveEncounter)
}
