package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicqueue/pkg/errors"
)

// Defaults applied when CoordinatorConfig leaves a field zero
const (
	DefaultOperationTimeout = 3 * time.Second
	DefaultSnapshotTTL      = 5 * time.Second
	sideEffectTimeout       = time.Second
)

// CoordinatorConfig tunes the coordinator
type CoordinatorConfig struct {
	OperationTimeout time.Duration
	SnapshotTTL      time.Duration
	WaitlistMax      int
}

// CheckInRequest describes a reception check-in
type CheckInRequest struct {
	PatientID    string
	ClinicianID  *string
	InitialState entities.WorkflowState
}

// QueueStats is one queue's row on the dashboard
type QueueStats struct {
	Waiting    int64  `json:"waiting"`
	InProgress *int64 `json:"in_progress,omitempty"`
}

// DashboardStats summarizes every queue
type DashboardStats struct {
	Queues      map[entities.Queue]QueueStats `json:"queues"`
	GeneratedAt time.Time                     `json:"generated_at"`
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *entities.QueueEvent) {}

// QueueCoordinator is the only component that changes an encounter's workflow state.
// The store write happens first; counters, snapshot invalidation and notification
// follow the commit and cannot fail the operation.
type QueueCoordinator struct {
	store     repositories.EncounterRepository
	counters  *CounterService
	snapshots *SnapshotCache
	notifier  Notifier
	metrics   *observability.Metrics
	waitlist  singleflight.Group
	now       func() time.Time

	opTimeout   time.Duration
	snapshotTTL time.Duration
	waitlistMax int
}

// NewQueueCoordinator creates a coordinator. counters, snapshots and notifier may be nil.
func NewQueueCoordinator(
	store repositories.EncounterRepository,
	counters *CounterService,
	snapshots *SnapshotCache,
	notifier Notifier,
	cfg CoordinatorConfig,
) *QueueCoordinator {
	if counters == nil {
		counters = NewCounterService(nil)
	}
	if snapshots == nil {
		snapshots = NewSnapshotCache(nil)
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.WaitlistMax <= 0 {
		cfg.WaitlistMax = MaxWaitlistLimit
	}

	return &QueueCoordinator{
		store:       store,
		counters:    counters,
		snapshots:   snapshots,
		notifier:    notifier,
		now:         time.Now,
		opTimeout:   cfg.OperationTimeout,
		snapshotTTL: cfg.SnapshotTTL,
		waitlistMax: cfg.WaitlistMax,
	}
}

// SetMetrics enables transition and cache metrics
func (c *QueueCoordinator) SetMetrics(metrics *observability.Metrics) {
	c.metrics = metrics
}

// SetClock replaces the time source
func (c *QueueCoordinator) SetClock(now func() time.Time) {
	c.now = now
}

// CheckIn creates a live encounter in REGISTERED, or straight in WAITING_CLINIC
// when a clinician is already assigned.
func (c *QueueCoordinator) CheckIn(ctx context.Context, req CheckInRequest) (*entities.Encounter, error) {
	state := req.InitialState
	if state == "" {
		state = entities.StateRegistered
	}
	if state != entities.StateRegistered && state != entities.StateWaitingClinic {
		return nil, apperrors.NewValidationError(fmt.Sprintf("check-in state must be %s or %s", entities.StateRegistered, entities.StateWaitingClinic))
	}
	if state == entities.StateWaitingClinic && !hasValue(req.ClinicianID) {
		return nil, apperrors.NewValidationError("checking a patient straight into the waiting queue requires an assigned clinician")
	}
	return c.create(ctx, "check_in", req.PatientID, req.ClinicianID, state)
}

// Schedule records a booked visit in REQUESTED. Bookings are not live encounters.
func (c *QueueCoordinator) Schedule(ctx context.Context, patientID string, clinicianID *string) (*entities.Encounter, error) {
	return c.create(ctx, "schedule", patientID, clinicianID, entities.StateRequested)
}

func (c *QueueCoordinator) create(ctx context.Context, op, patientID string, clinicianID *string, state entities.WorkflowState) (*entities.Encounter, error) {
	ctx, span := observability.StartSpan(ctx, "QueueCoordinator."+op)
	defer span.End()

	if !hasValue(clinicianID) {
		clinicianID = nil
	}
	enc, err := entities.NewEncounter(strings.TrimSpace(patientID), clinicianID, state, c.now())
	if err != nil {
		return nil, translateError(err)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	start := time.Now()
	err = c.store.Create(opCtx, enc)
	c.record(ctx, op, state, start, err)
	if err != nil {
		observability.RecordError(span, err)
		return nil, translateError(err)
	}

	span.SetAttributes(attribute.Int64("encounter.id", enc.ID), attribute.String("encounter.state", string(state)))
	observability.LoggerFromContext(ctx).Info().
		Int64("encounter_id", enc.ID).
		Str("patient_id", enc.PatientID).
		Str("state", string(state)).
		Msg("encounter created")

	c.afterCommit(ctx, enc, "")
	return enc, nil
}

// Transition moves an encounter along one edge of the workflow
func (c *QueueCoordinator) Transition(ctx context.Context, encounterID int64, target entities.WorkflowState, location *string) (*entities.Encounter, error) {
	ctx, span := observability.StartSpan(ctx, "QueueCoordinator.Transition")
	defer span.End()
	span.SetAttributes(attribute.Int64("encounter.id", encounterID), attribute.String("encounter.target", string(target)))

	if !target.Valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown workflow state %q", string(target)))
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	var from entities.WorkflowState
	start := time.Now()
	updated, err := c.store.Update(opCtx, encounterID, func(enc *entities.Encounter) error {
		from = enc.WorkflowState
		return enc.ApplyTransition(target, location, c.now())
	})
	c.record(ctx, "transition", target, start, err)
	if err != nil {
		observability.RecordError(span, err)
		return nil, translateError(err)
	}

	observability.LoggerFromContext(ctx).Info().
		Int64("encounter_id", updated.ID).
		Str("from", string(from)).
		Str("to", string(updated.WorkflowState)).
		Msg("encounter transitioned")

	c.afterCommit(ctx, updated, from)
	return updated, nil
}

// CallNext serves the longest-waiting encounter in queue. The boolean is false,
// with a nil error, when nobody is waiting.
func (c *QueueCoordinator) CallNext(ctx context.Context, queue entities.Queue, clinicianID *string) (*entities.Encounter, bool, error) {
	ctx, span := observability.StartSpan(ctx, "QueueCoordinator.CallNext")
	defer span.End()
	span.SetAttributes(attribute.String("queue.name", string(queue)))

	waiting, serving := queue.WaitingState(), queue.ServingState()
	if waiting == "" {
		return nil, false, apperrors.NewValidationError(fmt.Sprintf("unknown queue %q", string(queue)))
	}
	if !hasValue(clinicianID) {
		clinicianID = nil
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	start := time.Now()
	claimed, err := c.store.ClaimOldest(opCtx, waiting, clinicianID, func(enc *entities.Encounter) error {
		return enc.ApplyTransition(serving, nil, c.now())
	})
	if err != nil {
		c.record(ctx, "call_next", serving, start, err)
		observability.RecordError(span, err)
		return nil, false, translateError(err)
	}
	if claimed == nil {
		observability.RecordTransition(ctx, c.metrics, "call_next", string(serving), "empty", time.Since(start))
		return nil, false, nil
	}
	c.record(ctx, "call_next", serving, start, nil)

	observability.LoggerFromContext(ctx).Info().
		Int64("encounter_id", claimed.ID).
		Str("queue", string(queue)).
		Msg("called next patient")

	c.afterCommit(ctx, claimed, waiting)
	return claimed, true, nil
}

// GetEncounter returns one encounter
func (c *QueueCoordinator) GetEncounter(ctx context.Context, encounterID int64) (*entities.Encounter, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	enc, err := c.store.GetByID(opCtx, encounterID)
	if err != nil {
		return nil, translateError(err)
	}
	return enc, nil
}

// GetWaitlist returns encounters matching filter, oldest first. Cache misses for the
// same filter share one store scan.
func (c *QueueCoordinator) GetWaitlist(ctx context.Context, filter WaitlistFilter) ([]entities.EncounterView, error) {
	for _, s := range filter.States {
		if !s.Valid() {
			return nil, apperrors.NewValidationError(fmt.Sprintf("unknown workflow state %q", string(s)))
		}
	}
	f := filter.Normalize(c.waitlistMax)

	if views, ok := c.snapshots.GetSnapshot(ctx, f); ok {
		observability.RecordCacheHit(ctx, c.metrics, "waitlist")
		return views, nil
	}
	observability.RecordCacheMiss(ctx, c.metrics, "waitlist")

	v, err, _ := c.waitlist.Do(f.Key(), func() (interface{}, error) {
		// shared by every waiter, so it must not die with the first caller's request
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
		defer cancel()

		list, err := c.store.ListByStates(scanCtx, repositories.EncounterFilter{
			States:      f.States,
			ClinicianID: f.ClinicianID,
			Limit:       f.Limit,
		})
		if err != nil {
			return nil, err
		}
		views := entities.Views(list)
		c.snapshots.PutSnapshot(scanCtx, f, views, c.snapshotTTL)
		return views, nil
	})
	if err != nil {
		return nil, translateError(err)
	}

	shared := v.([]entities.EncounterView)
	out := make([]entities.EncounterView, len(shared))
	copy(out, shared)
	return out, nil
}

// GetCounters returns the requested counters. Any counter the cache cannot answer is
// filled from one store scan.
func (c *QueueCoordinator) GetCounters(ctx context.Context, keys []entities.CounterKey) (map[entities.CounterKey]int64, error) {
	if len(keys) == 0 {
		keys = entities.AllCounterKeys
	}

	out := make(map[entities.CounterKey]int64, len(keys))
	unknown := false
	for _, k := range keys {
		v := c.counters.Get(ctx, k)
		if v == CountUnknown {
			unknown = true
		}
		out[k] = v
	}
	if !unknown {
		return out, nil
	}

	counts, err := c.storeCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if out[k] == CountUnknown {
			out[k] = counts[k]
		}
	}
	return out, nil
}

// Reconcile recomputes every counter from the store and writes it to the cache
func (c *QueueCoordinator) Reconcile(ctx context.Context) (map[entities.CounterKey]int64, error) {
	ctx, span := observability.StartSpan(ctx, "QueueCoordinator.Reconcile")
	defer span.End()

	counts, err := c.storeCounts(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if err := c.counters.Reconcile(ctx, counts); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Msg("counter reconcile incomplete")
	}

	c.notifier.Notify(ctx, entities.NewReconcileEvent(counts, c.now()))
	return counts, nil
}

// DashboardStats returns waiting and in-progress counts per queue
func (c *QueueCoordinator) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	counts, err := c.GetCounters(ctx, entities.AllCounterKeys)
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{
		Queues:      make(map[entities.Queue]QueueStats, len(entities.AllQueues)),
		GeneratedAt: c.now().UTC(),
	}
	for _, q := range entities.AllQueues {
		row := QueueStats{}
		if k, ok := q.WaitingState().CounterKey(); ok {
			row.Waiting = counts[k]
		}
		// results is served in the clinic, so it has no in-progress state of its own
		if q != entities.QueueResults {
			if k, ok := q.ServingState().CounterKey(); ok {
				n := counts[k]
				row.InProgress = &n
			}
		}
		stats.Queues[q] = row
	}
	return stats, nil
}

func (c *QueueCoordinator) storeCounts(ctx context.Context) (map[entities.CounterKey]int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	byState, err := c.store.CountByState(opCtx)
	if err != nil {
		return nil, translateError(err)
	}

	counts := make(map[entities.CounterKey]int64, len(entities.AllCounterKeys))
	for _, k := range entities.AllCounterKeys {
		counts[k] = byState[k.State()]
	}
	return counts, nil
}

// afterCommit runs the best-effort effects of a committed write. from is empty for creates.
func (c *QueueCoordinator) afterCommit(ctx context.Context, enc *entities.Encounter, from entities.WorkflowState) {
	effCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if from == "" {
		c.counters.Increment(effCtx, enc.WorkflowState)
	} else {
		c.counters.Move(effCtx, from, enc.WorkflowState)
	}
	c.snapshots.InvalidateForTransition(effCtx, from, enc.WorkflowState, enc.ClinicianID)
	c.notifier.Notify(effCtx, entities.NewTransitionEvent(enc, from))
}

func (c *QueueCoordinator) record(ctx context.Context, op string, target entities.WorkflowState, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(apperrors.TypeOf(translateError(err))))
	}
	observability.RecordTransition(ctx, c.metrics, op, string(target), outcome, time.Since(start))
}

// translateError maps domain and context errors onto AppErrors, keeping the cause
// reachable for errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, entities.ErrEncounterNotFound):
		return apperrors.Wrap(apperrors.ErrorTypeNotFound, err.Error(), err)
	case errors.Is(err, entities.ErrIllegalTransition),
		errors.Is(err, entities.ErrAlreadyTerminal),
		errors.Is(err, entities.ErrDuplicateActiveEncounter):
		return apperrors.Wrap(apperrors.ErrorTypeConflict, err.Error(), err)
	case errors.Is(err, entities.ErrUnknownState),
		errors.Is(err, entities.ErrUnknownQueue),
		errors.Is(err, entities.ErrPatientRequired):
		return apperrors.Wrap(apperrors.ErrorTypeValidation, err.Error(), err)
	case errors.Is(err, entities.ErrBusy),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return apperrors.NewBusyError("encounter store is busy, try again", fmt.Errorf("%w: %w", entities.ErrBusy, err))
	}
	return apperrors.NewInternalError("queue operation failed", err)
}

func hasValue(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
