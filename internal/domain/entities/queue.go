package entities

import (
	"fmt"
	"strings"
)

// Queue names a physical waiting line served by CallNext
type Queue string

const (
	QueueClinic  Queue = "clinic"
	QueueImaging Queue = "imaging"
	QueueResults Queue = "results"
)

// AllQueues lists the queues in dashboard order
var AllQueues = []Queue{QueueClinic, QueueImaging, QueueResults}

// ParseQueue validates a queue name from the boundary
func ParseQueue(raw string) (Queue, error) {
	q := Queue(strings.ToLower(strings.TrimSpace(raw)))
	switch q {
	case QueueClinic, QueueImaging, QueueResults:
		return q, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQueue, raw)
}

// WaitingState is the state CallNext draws from
func (q Queue) WaitingState() WorkflowState {
	switch q {
	case QueueClinic:
		return StateWaitingClinic
	case QueueImaging:
		return StateWaitingImaging
	case QueueResults:
		return StateWaitingResults
	}
	return ""
}

// ServingState is the state CallNext moves an encounter into.
// Results review happens back in the consulting room.
func (q Queue) ServingState() WorkflowState {
	switch q {
	case QueueClinic, QueueResults:
		return StateInClinic
	case QueueImaging:
		return StateInImaging
	}
	return ""
}

// WaitingStates returns every state a patient waits in
func WaitingStates() []WorkflowState {
	return []WorkflowState{StateWaitingClinic, StateWaitingResults, StateWaitingImaging}
}

// CounterKey identifies a (queue, category) counter such as "clinic:waiting"
type CounterKey string

const (
	CounterClinicWaiting     CounterKey = "clinic:waiting"
	CounterClinicInProgress  CounterKey = "clinic:in_progress"
	CounterImagingWaiting    CounterKey = "imaging:waiting"
	CounterImagingInProgress CounterKey = "imaging:in_progress"
	CounterResultsWaiting    CounterKey = "results:waiting"
)

var stateCounters = map[WorkflowState]CounterKey{
	StateWaitingClinic:  CounterClinicWaiting,
	StateInClinic:       CounterClinicInProgress,
	StateWaitingImaging: CounterImagingWaiting,
	StateInImaging:      CounterImagingInProgress,
	StateWaitingResults: CounterResultsWaiting,
}

// AllCounterKeys lists every tracked counter
var AllCounterKeys = []CounterKey{
	CounterClinicWaiting,
	CounterClinicInProgress,
	CounterImagingWaiting,
	CounterImagingInProgress,
	CounterResultsWaiting,
}

// ParseCounterKey validates a counter key from the boundary
func ParseCounterKey(raw string) (CounterKey, error) {
	k := CounterKey(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllCounterKeys {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown counter %q", raw)
}

// CounterKey returns the counter tracking s, if any
func (s WorkflowState) CounterKey() (CounterKey, bool) {
	k, ok := stateCounters[s]
	return k, ok
}

// State returns the workflow state a counter tracks
func (k CounterKey) State() WorkflowState {
	for s, key := range stateCounters {
		if key == k {
			return s
		}
	}
	return ""
}

// Queue returns the queue portion of the key
func (k CounterKey) Queue() Queue {
	q, _, _ := strings.Cut(string(k), ":")
	return Queue(q)
}

// Queue returns the queue s belongs to, if it is a tracked state
func (s WorkflowState) Queue() (Queue, bool) {
	k, ok := stateCounters[s]
	if !ok {
		return "", false
	}
	return k.Queue(), true
}
