package main

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicqueue/internal/adapters/cache"
	"github.com/zatekoja/clinicqueue/internal/adapters/memory"
	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/repositories"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/redis"
)

type fakeBackends struct {
	pg       *postgres.Client
	store    *memory.EncounterStore
	counters *cache.RedisCounterCache
}

func (b *fakeBackends) Postgres(context.Context) (*postgres.Client, func(), error) {
	return b.pg, func() {}, nil
}

func (b *fakeBackends) Store(context.Context) (repositories.EncounterRepository, func(), error) {
	return b.store, func() {}, nil
}

func (b *fakeBackends) Counters(context.Context) (*cache.RedisCounterCache, func(), error) {
	return b.counters, func() {}, nil
}

func newFakeBackends(t *testing.T) (*fakeBackends, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &fakeBackends{
		store:    memory.NewEncounterStore(),
		counters: cache.NewRedisCounterCache(redis.Wrap(client)),
	}, mr
}

func run(t *testing.T, b backends, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(b, &out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconcile_RebuildsCountersFromStore(t *testing.T) {
	b, mr := newFakeBackends(t)
	clinician := "dr-a"
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, patient := range []string{"p1", "p2"} {
		enc, err := entities.NewEncounter(patient, &clinician, entities.StateWaitingClinic, now)
		require.NoError(t, err)
		require.NoError(t, b.store.Create(context.Background(), enc))
	}
	mr.Set(cache.CounterKeyPrefix+string(entities.CounterClinicWaiting), "9")

	out, err := run(t, b, "reconcile")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`clinic:waiting\s+2`), out)

	v, err := mr.Get(cache.CounterKeyPrefix + string(entities.CounterClinicWaiting))
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestCounters_GetAndClear(t *testing.T) {
	b, mr := newFakeBackends(t)
	mr.Set(cache.CounterKeyPrefix+string(entities.CounterImagingWaiting), "4")

	out, err := run(t, b, "counters", "get", "imaging:waiting", "clinic:waiting")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`imaging:waiting\s+4`), out)
	assert.Regexp(t, regexp.MustCompile(`clinic:waiting\s+unknown`), out)

	_, err = run(t, b, "counters", "clear")
	require.NoError(t, err)
	assert.False(t, mr.Exists(cache.CounterKeyPrefix+string(entities.CounterImagingWaiting)))
}

func TestCounters_GetRejectsUnknownKey(t *testing.T) {
	b, _ := newFakeBackends(t)

	_, err := run(t, b, "counters", "get", "pharmacy:waiting")
	assert.Error(t, err)
}

func TestMigrate_AppliesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS encounters").WillReturnResult(sqlmock.NewResult(0, 0))

	b := &fakeBackends{pg: postgres.NewClientFromDB(db)}
	out, err := run(t, b, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema applied.")
	assert.NoError(t, mock.ExpectationsWereMet())
}
