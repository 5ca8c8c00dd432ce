package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicqueue/pkg/errors"
)

const encountersTable = "encounters"

var encounterColumns = []interface{}{
	"id", "patient_id", "clinician_id", "workflow_state", "status",
	"state_entered_at", "start_time", "end_time", "location", "version",
	"created_at", "updated_at",
}

// Postgres error codes that mean "try again later"
var busyCodes = map[pq.ErrorCode]bool{
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled
	"40P01": true, // deadlock_detected
	"40001": true, // serialization_failure
}

const uniqueViolation pq.ErrorCode = "23505"

// EncounterAdapter implements the EncounterRepository interface on PostgreSQL.
// Every write runs in its own transaction with the target row locked FOR UPDATE.
type EncounterAdapter struct {
	client      *postgres.Client
	db          *goqu.Database
	lockTimeout time.Duration
}

// NewEncounterAdapter creates a new encounter adapter. lockTimeout bounds row lock waits.
func NewEncounterAdapter(client *postgres.Client, lockTimeout time.Duration) *EncounterAdapter {
	return &EncounterAdapter{
		client:      client,
		db:          goqu.New("postgres", client.DB()),
		lockTimeout: lockTimeout,
	}
}

var _ repositories.EncounterRepository = (*EncounterAdapter)(nil)

// Create inserts a new encounter and assigns its ID
func (a *EncounterAdapter) Create(ctx context.Context, enc *entities.Encounter) error {
	return a.withTx(ctx, func(tx *sql.Tx) error {
		if enc.WorkflowState.IsLive() {
			if err := a.ensureNoLiveEncounter(ctx, tx, enc.PatientID, 0); err != nil {
				return err
			}
		}

		record := goqu.Record{
			"patient_id":       enc.PatientID,
			"clinician_id":     nullString(enc.ClinicianID),
			"workflow_state":   string(enc.WorkflowState),
			"status":           string(enc.Status),
			"state_entered_at": enc.StateEnteredAt,
			"start_time":       enc.StartTime,
			"end_time":         nullTime(enc.EndTime),
			"location":         nullString(enc.Location),
			"version":          enc.Version,
			"created_at":       enc.CreatedAt,
			"updated_at":       enc.UpdatedAt,
		}

		query, args, err := a.db.Insert(encountersTable).Rows(record).Returning("id").Prepared(true).ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build insert query", err)
		}

		if err := tx.QueryRowContext(ctx, query, args...).Scan(&enc.ID); err != nil {
			if isUniqueViolation(err) {
				return duplicateError(enc.PatientID)
			}
			return classify("failed to create encounter", err)
		}
		return nil
	})
}

// GetByID retrieves an encounter by ID
func (a *EncounterAdapter) GetByID(ctx context.Context, id int64) (*entities.Encounter, error) {
	query, args, err := a.selectEncounters().Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	enc, err := scanEncounter(a.client.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, classify("failed to get encounter", err)
	}
	return enc, nil
}

// Update locks the row, applies mutate and writes the result back
func (a *EncounterAdapter) Update(ctx context.Context, id int64, mutate repositories.EncounterMutation) (*entities.Encounter, error) {
	var updated *entities.Encounter
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := a.selectEncounters().
			Where(goqu.Ex{"id": id}).
			ForUpdate(exp.Wait).
			ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build select query", err)
		}

		current, err := scanEncounter(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError(id)
		}
		if err != nil {
			return classify("failed to lock encounter", err)
		}

		updated, err = a.applyMutation(ctx, tx, current, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ClaimOldest locks the longest-waiting encounter in state, skipping rows locked by others
func (a *EncounterAdapter) ClaimOldest(ctx context.Context, state entities.WorkflowState, clinicianID *string, mutate repositories.EncounterMutation) (*entities.Encounter, error) {
	var claimed *entities.Encounter
	err := a.withTx(ctx, func(tx *sql.Tx) error {
		where := goqu.Ex{"workflow_state": string(state)}
		if clinicianID != nil {
			where["clinician_id"] = *clinicianID
		}

		query, args, err := a.selectEncounters().
			Where(where).
			Order(goqu.C("state_entered_at").Asc(), goqu.C("id").Asc()).
			Limit(1).
			ForUpdate(exp.SkipLocked).
			ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build claim query", err)
		}

		current, err := scanEncounter(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify("failed to claim encounter", err)
		}

		claimed, err = a.applyMutation(ctx, tx, current, mutate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListByStates returns encounters ordered by state_entered_at, then id
func (a *EncounterAdapter) ListByStates(ctx context.Context, filter repositories.EncounterFilter) ([]*entities.Encounter, error) {
	where := goqu.Ex{"workflow_state": stateStrings(filter.States)}
	if filter.ClinicianID != nil {
		where["clinician_id"] = *filter.ClinicianID
	}

	ds := a.selectEncounters().
		Where(where).
		Order(goqu.C("state_entered_at").Asc(), goqu.C("id").Asc())
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to list encounters", err)
	}
	defer rows.Close()

	var out []*entities.Encounter
	for rows.Next() {
		enc, err := scanEncounter(rows)
		if err != nil {
			return nil, classify("failed to scan encounter", err)
		}
		out = append(out, enc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("failed to iterate encounters", err)
	}
	return out, nil
}

// CountByState returns the number of encounters per workflow state
func (a *EncounterAdapter) CountByState(ctx context.Context) (map[entities.WorkflowState]int64, error) {
	query, args, err := a.db.From(encountersTable).
		Select("workflow_state", goqu.COUNT(goqu.Star())).
		GroupBy("workflow_state").
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build count query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to count encounters", err)
	}
	defer rows.Close()

	counts := make(map[entities.WorkflowState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, classify("failed to scan count", err)
		}
		counts[entities.WorkflowState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("failed to iterate counts", err)
	}
	return counts, nil
}

// CountActiveByPatient returns how many live encounters a patient has
func (a *EncounterAdapter) CountActiveByPatient(ctx context.Context, patientID string) (int, error) {
	return a.countLive(ctx, a.client.DB(), patientID, 0)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (a *EncounterAdapter) countLive(ctx context.Context, q queryer, patientID string, excludeID int64) (int, error) {
	ds := a.db.From(encountersTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Ex{
			"patient_id":     patientID,
			"workflow_state": stateStrings(liveStates()),
		})
	if excludeID != 0 {
		ds = ds.Where(goqu.C("id").Neq(excludeID))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build count query", err)
	}

	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("failed to count live encounters", err)
	}
	return n, nil
}

// ensureNoLiveEncounter serializes same-patient writers on an advisory lock, then counts.
// The partial unique index catches anything that slips past.
func (a *EncounterAdapter) ensureNoLiveEncounter(ctx context.Context, tx *sql.Tx, patientID string, excludeID int64) error {
	query, args, err := a.db.Select(
		goqu.Func("pg_advisory_xact_lock", goqu.Func("hashtext", patientID)),
	).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build advisory lock query", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return classify("failed to lock patient", err)
	}

	n, err := a.countLive(ctx, tx, patientID, excludeID)
	if err != nil {
		return err
	}
	if n > 0 {
		return duplicateError(patientID)
	}
	return nil
}

func (a *EncounterAdapter) applyMutation(ctx context.Context, tx *sql.Tx, current *entities.Encounter, mutate repositories.EncounterMutation) (*entities.Encounter, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	if !current.WorkflowState.IsLive() && next.WorkflowState.IsLive() {
		if err := a.ensureNoLiveEncounter(ctx, tx, next.PatientID, next.ID); err != nil {
			return nil, err
		}
	}

	record := goqu.Record{
		"clinician_id":     nullString(next.ClinicianID),
		"workflow_state":   string(next.WorkflowState),
		"status":           string(next.Status),
		"state_entered_at": next.StateEnteredAt,
		"end_time":         nullTime(next.EndTime),
		"location":         nullString(next.Location),
		"version":          next.Version,
		"updated_at":       next.UpdatedAt,
	}

	query, args, err := a.db.Update(encountersTable).
		Set(record).
		Where(goqu.Ex{"id": current.ID, "version": current.Version}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build update query", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, duplicateError(next.PatientID)
		}
		return nil, classify("failed to update encounter", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperrors.NewBusyError(fmt.Sprintf("encounter %d changed concurrently", current.ID), entities.ErrBusy)
	}
	return next, nil
}

func (a *EncounterAdapter) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return classify("failed to begin transaction", err)
	}

	if a.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", a.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return classify("failed to set lock timeout", err)
		}
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("failed to commit transaction", err)
	}
	return nil
}

func (a *EncounterAdapter) selectEncounters() *goqu.SelectDataset {
	return a.db.From(encountersTable).Select(encounterColumns...).Prepared(true)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEncounter(row rowScanner) (*entities.Encounter, error) {
	enc := &entities.Encounter{}
	var state, status string
	var clinicianID, location sql.NullString
	var endTime sql.NullTime

	err := row.Scan(
		&enc.ID,
		&enc.PatientID,
		&clinicianID,
		&state,
		&status,
		&enc.StateEnteredAt,
		&enc.StartTime,
		&endTime,
		&location,
		&enc.Version,
		&enc.CreatedAt,
		&enc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	enc.WorkflowState = entities.WorkflowState(state)
	if !enc.WorkflowState.Valid() {
		return nil, fmt.Errorf("%w: stored value %q on encounter %d", entities.ErrUnknownState, state, enc.ID)
	}
	enc.Status = enc.WorkflowState.CoarseStatus()

	if clinicianID.Valid {
		enc.ClinicianID = &clinicianID.String
	}
	if location.Valid {
		enc.Location = &location.String
	}
	if endTime.Valid {
		t := endTime.Time.UTC()
		enc.EndTime = &t
	}
	enc.StateEnteredAt = enc.StateEnteredAt.UTC()
	enc.StartTime = enc.StartTime.UTC()
	return enc, nil
}

// classify maps driver and context failures onto AppErrors; lock waits become Busy
func classify(message string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.NewBusyError(message, fmt.Errorf("%w: %w", entities.ErrBusy, err))
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && busyCodes[pqErr.Code] {
		return apperrors.NewBusyError(message, fmt.Errorf("%w: %w", entities.ErrBusy, err))
	}
	return apperrors.NewInternalError(message, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFoundError(id int64) error {
	return apperrors.Wrap(apperrors.ErrorTypeNotFound, fmt.Sprintf("encounter %d not found", id), entities.ErrEncounterNotFound)
}

func duplicateError(patientID string) error {
	return apperrors.Wrap(apperrors.ErrorTypeConflict, fmt.Sprintf("patient %s already has a live encounter", patientID), entities.ErrDuplicateActiveEncounter)
}

func liveStates() []entities.WorkflowState {
	var out []entities.WorkflowState
	for _, s := range entities.AllWorkflowStates {
		if s.IsLive() {
			out = append(out, s)
		}
	}
	return out
}

func stateStrings(states []entities.WorkflowState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
