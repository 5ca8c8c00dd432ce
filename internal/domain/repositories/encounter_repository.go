package repositories

import (
	"context"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
)

// EncounterMutation edits an encounter while the store holds its row lock.
// Returning an error aborts the write and is passed back to the caller unchanged.
type EncounterMutation func(enc *entities.Encounter) error

// EncounterRepository is the system of record for encounters
type EncounterRepository interface {
	// Create stores a new encounter and assigns its ID. Fails with
	// ErrDuplicateActiveEncounter when enc is live and the patient already has a live encounter.
	Create(ctx context.Context, enc *entities.Encounter) error

	// GetByID retrieves an encounter by ID
	GetByID(ctx context.Context, id int64) (*entities.Encounter, error)

	// Update locks the encounter, applies mutate and persists the result.
	// Moving a patient into a live state re-checks the one-live-encounter rule.
	Update(ctx context.Context, id int64, mutate EncounterMutation) (*entities.Encounter, error)

	// ClaimOldest locks the encounter in state with the smallest (state_entered_at, id),
	// skipping rows other callers hold, and applies mutate to it.
	// Returns (nil, nil) when nothing is eligible.
	ClaimOldest(ctx context.Context, state entities.WorkflowState, clinicianID *string, mutate EncounterMutation) (*entities.Encounter, error)

	// ListByStates returns encounters ordered by state_entered_at, then id
	ListByStates(ctx context.Context, filter EncounterFilter) ([]*entities.Encounter, error)

	// CountByState returns the number of encounters per workflow state
	CountByState(ctx context.Context) (map[entities.WorkflowState]int64, error)

	// CountActiveByPatient returns how many live encounters a patient has
	CountActiveByPatient(ctx context.Context, patientID string) (int, error)
}

// EncounterFilter defines filters for listing encounters
type EncounterFilter struct {
	States      []entities.WorkflowState
	ClinicianID *string
	Limit       int
}
