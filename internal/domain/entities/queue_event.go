package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueEventType represents the type of queue event
type QueueEventType string

const (
	QueueEventTypeUpdate    QueueEventType = "queue_update"
	QueueEventTypeReconcile QueueEventType = "queue_reconcile"
)

// QueueEvent tells dashboards that a queue changed. It is a hint to re-fetch, not a delta.
type QueueEvent struct {
	ID          string                 `json:"id"`
	Type        QueueEventType         `json:"type"`
	Message     string                 `json:"message"`
	EncounterID int64                  `json:"encounter_id,omitempty"`
	PatientID   string                 `json:"patient_id,omitempty"`
	ClinicianID *string                `json:"clinician_id,omitempty"`
	FromState   WorkflowState          `json:"from_state,omitempty"`
	ToState     WorkflowState          `json:"to_state,omitempty"`
	Queues      []Queue                `json:"queues"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// NewTransitionEvent describes enc having moved from -> enc.WorkflowState.
// from is empty for a freshly created encounter.
func NewTransitionEvent(enc *Encounter, from WorkflowState) *QueueEvent {
	queues := make([]Queue, 0, 2)
	for _, s := range []WorkflowState{from, enc.WorkflowState} {
		if q, ok := s.Queue(); ok && !containsQueue(queues, q) {
			queues = append(queues, q)
		}
	}

	msg := fmt.Sprintf("encounter %d entered %s", enc.ID, enc.WorkflowState)
	if from != "" {
		msg = fmt.Sprintf("encounter %d moved %s -> %s", enc.ID, from, enc.WorkflowState)
	}

	view := enc.View()
	return &QueueEvent{
		ID:          uuid.NewString(),
		Type:        QueueEventTypeUpdate,
		Message:     msg,
		EncounterID: enc.ID,
		PatientID:   enc.PatientID,
		ClinicianID: view.ClinicianID,
		FromState:   from,
		ToState:     enc.WorkflowState,
		Queues:      queues,
		Timestamp:   enc.UpdatedAt,
		Data: map[string]interface{}{
			"encounter": view,
		},
	}
}

// NewReconcileEvent reports freshly reconciled counters to dashboards
func NewReconcileEvent(counts map[CounterKey]int64, at time.Time) *QueueEvent {
	data := make(map[string]interface{}, len(counts))
	for k, v := range counts {
		data[string(k)] = v
	}
	return &QueueEvent{
		ID:        uuid.NewString(),
		Type:      QueueEventTypeReconcile,
		Message:   "queue counters reconciled",
		Queues:    append([]Queue(nil), AllQueues...),
		Timestamp: at.UTC(),
		Data:      data,
	}
}

func containsQueue(qs []Queue, q Queue) bool {
	for _, x := range qs {
		if x == q {
			return true
		}
	}
	return false
}
