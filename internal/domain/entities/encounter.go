package entities

import (
	"fmt"
	"strings"
	"time"
)

// WorkflowState is the fine-grained position of an encounter in the clinic workflow
type WorkflowState string

const (
	StateRequested      WorkflowState = "REQUESTED"
	StateRegistered     WorkflowState = "REGISTERED"
	StateWaitingClinic  WorkflowState = "WAITING_CLINIC"
	StateInClinic       WorkflowState = "IN_CLINIC"
	StateWaitingResults WorkflowState = "WAITING_RESULTS"
	StateWaitingImaging WorkflowState = "WAITING_IMAGING"
	StateInImaging      WorkflowState = "IN_IMAGING"
	StateCompleted      WorkflowState = "COMPLETED"
	StateCancelled      WorkflowState = "CANCELLED"
)

// AllWorkflowStates lists every state in workflow order.
var AllWorkflowStates = []WorkflowState{
	StateRequested,
	StateRegistered,
	StateWaitingClinic,
	StateInClinic,
	StateWaitingResults,
	StateWaitingImaging,
	StateInImaging,
	StateCompleted,
	StateCancelled,
}

// EncounterStatus is the coarse status derived from the workflow state
type EncounterStatus string

const (
	EncounterStatusPlanned    EncounterStatus = "PLANNED"
	EncounterStatusInProgress EncounterStatus = "IN_PROGRESS"
	EncounterStatusCompleted  EncounterStatus = "COMPLETED"
	EncounterStatusCancelled  EncounterStatus = "CANCELLED"
)

var transitions = map[WorkflowState][]WorkflowState{
	StateRequested:      {StateRegistered, StateCancelled},
	StateRegistered:     {StateWaitingClinic, StateCancelled},
	StateWaitingClinic:  {StateInClinic, StateCancelled},
	StateInClinic:       {StateWaitingResults, StateWaitingImaging, StateCompleted, StateCancelled},
	StateWaitingResults: {StateInClinic, StateCompleted, StateCancelled},
	StateWaitingImaging: {StateInImaging, StateCancelled},
	StateInImaging:      {StateWaitingClinic, StateCompleted, StateCancelled},
	StateCompleted:      nil,
	StateCancelled:      nil,
}

// ParseWorkflowState converts boundary input into a WorkflowState.
// Input is trimmed and upper-cased; anything outside the closed set is rejected.
func ParseWorkflowState(raw string) (WorkflowState, error) {
	s := WorkflowState(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return s, nil
}

// Valid reports whether s is one of the known workflow states
func (s WorkflowState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// IsLive reports whether s counts toward the one-live-encounter-per-patient rule.
// REQUESTED is a booking, not a visit, so it is not live.
func (s WorkflowState) IsLive() bool {
	return s.Valid() && s != StateRequested && !s.IsTerminal()
}

// CoarseStatus derives the coarse encounter status. Panics on an unknown state.
func (s WorkflowState) CoarseStatus() EncounterStatus {
	switch s {
	case StateRequested, StateRegistered:
		return EncounterStatusPlanned
	case StateWaitingClinic, StateInClinic, StateWaitingResults, StateWaitingImaging, StateInImaging:
		return EncounterStatusInProgress
	case StateCompleted:
		return EncounterStatusCompleted
	case StateCancelled:
		return EncounterStatusCancelled
	}
	panic(fmt.Sprintf("entities: unknown workflow state %q", string(s)))
}

// AllowedTargets returns the states reachable from s in one step
func (s WorkflowState) AllowedTargets() []WorkflowState {
	out := make([]WorkflowState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransitionTo reports whether s -> target is an edge of the workflow
func (s WorkflowState) CanTransitionTo(target WorkflowState) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Encounter represents a patient's single visit through the clinic workflow
type Encounter struct {
	ID             int64           `json:"id" db:"id"`
	PatientID      string          `json:"patient_id" db:"patient_id"`
	ClinicianID    *string         `json:"clinician_id,omitempty" db:"clinician_id"`
	WorkflowState  WorkflowState   `json:"workflow_state" db:"workflow_state"`
	Status         EncounterStatus `json:"status" db:"status"`
	StateEnteredAt time.Time       `json:"state_entered_at" db:"state_entered_at"`
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	EndTime        *time.Time      `json:"end_time,omitempty" db:"end_time"`
	Location       *string         `json:"location,omitempty" db:"location"`
	Version        int             `json:"version" db:"version"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// NewEncounter builds an encounter entering state at now.
func NewEncounter(patientID string, clinicianID *string, state WorkflowState, now time.Time) (*Encounter, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, ErrPatientRequired
	}
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, string(state))
	}
	now = now.UTC()
	return &Encounter{
		PatientID:      patientID,
		ClinicianID:    clinicianID,
		WorkflowState:  state,
		Status:         state.CoarseStatus(),
		StateEnteredAt: now,
		StartTime:      now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ApplyTransition moves e to target, refreshing derived fields.
// On error e is left untouched.
func (e *Encounter) ApplyTransition(target WorkflowState, location *string, now time.Time) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, string(target))
	}
	if e.WorkflowState.IsTerminal() {
		return fmt.Errorf("%w: encounter %d is %s", ErrAlreadyTerminal, e.ID, e.WorkflowState)
	}
	if !e.WorkflowState.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, e.WorkflowState, target)
	}

	now = now.UTC()
	e.WorkflowState = target
	e.Status = target.CoarseStatus()
	e.StateEnteredAt = now
	if target.IsTerminal() && e.EndTime == nil {
		end := now
		e.EndTime = &end
	}
	if location != nil {
		loc := *location
		e.Location = &loc
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so callers cannot alias stored pointers
func (e *Encounter) Clone() *Encounter {
	if e == nil {
		return nil
	}
	c := *e
	if e.ClinicianID != nil {
		v := *e.ClinicianID
		c.ClinicianID = &v
	}
	if e.EndTime != nil {
		v := *e.EndTime
		c.EndTime = &v
	}
	if e.Location != nil {
		v := *e.Location
		c.Location = &v
	}
	return &c
}

// AssignedTo reports whether the encounter is assigned to clinicianID
func (e *Encounter) AssignedTo(clinicianID string) bool {
	return e.ClinicianID != nil && *e.ClinicianID == clinicianID
}

// EncounterView is the read shape handed to callers outside the coordinator
type EncounterView struct {
	ID             int64           `json:"id"`
	PatientID      string          `json:"patient_id"`
	WorkflowState  WorkflowState   `json:"workflow_state"`
	Status         EncounterStatus `json:"status"`
	StateEnteredAt time.Time       `json:"state_entered_at"`
	ClinicianID    *string         `json:"clinician_id"`
	Location       *string         `json:"location"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        *time.Time      `json:"end_time"`
}

// View projects the encounter onto its public read shape
func (e *Encounter) View() EncounterView {
	c := e.Clone()
	return EncounterView{
		ID:             c.ID,
		PatientID:      c.PatientID,
		WorkflowState:  c.WorkflowState,
		Status:         c.Status,
		StateEnteredAt: c.StateEnteredAt,
		ClinicianID:    c.ClinicianID,
		Location:       c.Location,
		StartTime:      c.StartTime,
		EndTime:        c.EndTime,
	}
}

// Views projects a slice of encounters
func Views(encounters []*Encounter) []EncounterView {
	out := make([]EncounterView, 0, len(encounters))
	for _, e := range encounters {
		out = append(out, e.View())
	}
	return out
}
