package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinicqueue/pkg/errors"
)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	columns = []string{
		"id", "patient_id", "clinician_id", "workflow_state", "status",
		"state_entered_at", "start_time", "end_time", "location", "version",
		"created_at", "updated_at",
	}
)

func setupMockAdapter(t *testing.T) (*EncounterAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEncounterAdapter(postgres.NewClientFromDB(db), 3*time.Second), mock
}

func encounterRow(id int64, patient string, state entities.WorkflowState, version int) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		id, patient, nil, string(state), string(state.CoarseStatus()),
		t0, t0, nil, nil, version, t0, t0,
	)
}

func advance(target entities.WorkflowState) repositories.EncounterMutation {
	return func(enc *entities.Encounter) error {
		return enc.ApplyTransition(target, nil, t0.Add(time.Minute))
	}
}

func TestEncounterAdapter_CreateLiveEncounter(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout = '3000ms'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\('p1'\)\)`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "encounters" WHERE .*"patient_id" = 'p1'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO "encounters" .* RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))
	mock.ExpectCommit()

	enc, err := entities.NewEncounter("p1", nil, entities.StateRegistered, t0)
	require.NoError(t, err)

	require.NoError(t, adapter.Create(context.Background(), enc))
	assert.Equal(t, int64(41), enc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_CreateDuplicateLiveEncounter(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "encounters"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	enc, err := entities.NewEncounter("p1", nil, entities.StateWaitingClinic, t0)
	require.NoError(t, err)

	err = adapter.Create(context.Background(), enc)
	assert.True(t, errors.Is(err, entities.ErrDuplicateActiveEncounter))
	assert.Equal(t, apperrors.ErrorTypeConflict, apperrors.TypeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_CreateUniqueIndexViolation(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO "encounters"`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	enc, err := entities.NewEncounter("p1", nil, entities.StateRegistered, t0)
	require.NoError(t, err)

	err = adapter.Create(context.Background(), enc)
	assert.True(t, errors.Is(err, entities.ErrDuplicateActiveEncounter))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_CreateRequestedSkipsPatientLock(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "encounters"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	enc, err := entities.NewEncounter("p1", nil, entities.StateRequested, t0)
	require.NoError(t, err)

	require.NoError(t, adapter.Create(context.Background(), enc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_GetByID(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "encounters" WHERE \("id" = \$1\)`).
		WithArgs(int64(5)).
		WillReturnRows(encounterRow(5, "p1", entities.StateInClinic, 3))

	enc, err := adapter.GetByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), enc.ID)
	assert.Equal(t, entities.StateInClinic, enc.WorkflowState)
	assert.Equal(t, entities.EncounterStatusInProgress, enc.Status)
	assert.Equal(t, 3, enc.Version)
	assert.Nil(t, enc.ClinicianID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_GetByIDNotFound(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "encounters"`).WillReturnError(sql.ErrNoRows)

	_, err := adapter.GetByID(context.Background(), 9)
	assert.True(t, errors.Is(err, entities.ErrEncounterNotFound))
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.TypeOf(err))
}

func TestEncounterAdapter_GetByIDRejectsUnknownStoredState(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	rows := sqlmock.NewRows(columns).AddRow(5, "p1", nil, "finished", "finished", t0, t0, nil, nil, 1, t0, t0)
	mock.ExpectQuery(`SELECT .* FROM "encounters"`).WillReturnRows(rows)

	_, err := adapter.GetByID(context.Background(), 5)
	assert.True(t, errors.Is(err, entities.ErrUnknownState))
	assert.Equal(t, apperrors.ErrorTypeInternal, apperrors.TypeOf(err))
}

func TestEncounterAdapter_UpdateLocksRow(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM "encounters" WHERE \("id" = \$1\) FOR UPDATE$`).
		WithArgs(int64(5)).
		WillReturnRows(encounterRow(5, "p1", entities.StateWaitingClinic, 2))
	mock.ExpectExec(`UPDATE "encounters" SET .* WHERE \(\("id" = \$\d+\) AND \("version" = \$\d+\)\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enc, err := adapter.Update(context.Background(), 5, advance(entities.StateInClinic))
	require.NoError(t, err)
	assert.Equal(t, entities.StateInClinic, enc.WorkflowState)
	assert.Equal(t, 3, enc.Version)
	assert.Equal(t, t0.Add(time.Minute), enc.StateEnteredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_UpdateIllegalTransitionRollsBack(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(encounterRow(5, "p3", entities.StateRequested, 1))
	mock.ExpectRollback()

	_, err := adapter.Update(context.Background(), 5, advance(entities.StateCompleted))
	assert.True(t, errors.Is(err, entities.ErrIllegalTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_UpdateIntoLiveStateChecksPatient(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(encounterRow(8, "p1", entities.StateRequested, 1))
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "encounters" WHERE .*"id" != 8`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := adapter.Update(context.Background(), 8, advance(entities.StateRegistered))
	assert.True(t, errors.Is(err, entities.ErrDuplicateActiveEncounter))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_UpdateLockTimeoutIsBusy(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	_, err := adapter.Update(context.Background(), 5, advance(entities.StateInClinic))
	assert.True(t, errors.Is(err, entities.ErrBusy))
	assert.True(t, apperrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_UpdateNotFound(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := adapter.Update(context.Background(), 5, advance(entities.StateInClinic))
	assert.True(t, errors.Is(err, entities.ErrEncounterNotFound))
}

func TestEncounterAdapter_ClaimOldestSkipsLockedRows(t *testing.T) {
	adapter, mock := setupMockAdapter(t)
	clinician := "dr-a"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM "encounters" WHERE .* ORDER BY "state_entered_at" ASC, "id" ASC LIMIT \$\d+ FOR UPDATE SKIP LOCKED`).
		WillReturnRows(encounterRow(11, "p2", entities.StateWaitingClinic, 1))
	mock.ExpectExec(`UPDATE "encounters"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enc, err := adapter.ClaimOldest(context.Background(), entities.StateWaitingClinic, &clinician, advance(entities.StateInClinic))
	require.NoError(t, err)
	require.NotNil(t, enc)
	assert.Equal(t, int64(11), enc.ID)
	assert.Equal(t, entities.StateInClinic, enc.WorkflowState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_ClaimOldestEmpty(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectCommit()

	enc, err := adapter.ClaimOldest(context.Background(), entities.StateWaitingClinic, nil, advance(entities.StateInClinic))
	assert.NoError(t, err)
	assert.Nil(t, enc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_ListByStatesOrdered(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	rows := sqlmock.NewRows(columns).
		AddRow(2, "p1", nil, "WAITING_CLINIC", "IN_PROGRESS", t0, t0, nil, nil, 1, t0, t0).
		AddRow(3, "p2", "dr-a", "WAITING_CLINIC", "IN_PROGRESS", t0.Add(time.Second), t0, nil, "Bay 2", 1, t0, t0)
	mock.ExpectQuery(`WHERE \("workflow_state" IN \(\$1, \$2\)\) ORDER BY "state_entered_at" ASC, "id" ASC LIMIT \$3`).
		WillReturnRows(rows)

	list, err := adapter.ListByStates(context.Background(), repositories.EncounterFilter{
		States: []entities.WorkflowState{entities.StateWaitingClinic, entities.StateWaitingResults},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].ID)
	require.NotNil(t, list[1].ClinicianID)
	assert.Equal(t, "dr-a", *list[1].ClinicianID)
	assert.Equal(t, "Bay 2", *list[1].Location)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncounterAdapter_CountByState(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(`SELECT "workflow_state", COUNT\(\*\) FROM "encounters" GROUP BY "workflow_state"`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_state", "count"}).
			AddRow("WAITING_CLINIC", 4).
			AddRow("IN_IMAGING", 1))

	counts, err := adapter.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[entities.StateWaitingClinic])
	assert.Equal(t, int64(1), counts[entities.StateInImaging])
}

func TestEncounterAdapter_ContextDeadlineIsBusy(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(`SELECT .* FROM "encounters"`).WillReturnError(context.DeadlineExceeded)

	_, err := adapter.GetByID(context.Background(), 1)
	assert.True(t, apperrors.IsRetryable(err))
}
