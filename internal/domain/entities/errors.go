package entities

import "errors"

// Domain errors returned by the coordinator and stores. Callers match them with errors.Is.
var (
	ErrEncounterNotFound        = errors.New("encounter not found")
	ErrDuplicateActiveEncounter = errors.New("patient already has a live encounter")
	ErrIllegalTransition        = errors.New("illegal workflow transition")
	ErrAlreadyTerminal          = errors.New("encounter is already completed or cancelled")
	ErrBusy                     = errors.New("encounter store is busy")
	ErrUnknownState             = errors.New("unknown workflow state")
	ErrUnknownQueue             = errors.New("unknown queue")
	ErrPatientRequired          = errors.New("patient id is required")
)
