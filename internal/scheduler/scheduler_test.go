package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsmarket/syncengine/internal/model"
	"github.com/partsmarket/syncengine/internal/store"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, integrationID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, integrationID)
	return nil
}

type fakeIntegrations struct {
	store.IntegrationsRepo
	scheduled []model.Integration
}

func (f *fakeIntegrations) ListScheduled(ctx context.Context) ([]model.Integration, error) {
	return f.scheduled, nil
}

func scheduled(id, frequency string) model.Integration {
	return model.Integration{
		ID:       id,
		Schedule: model.Schedule{Enabled: true, Frequency: frequency},
		Options:  model.Options{AutoSync: true},
	}
}

func TestSchedulerStartRegistersValidSchedules(t *testing.T) {
	integs := &fakeIntegrations{scheduled: []model.Integration{
		scheduled("a", "hourly"),
		scheduled("b", "daily"),
		scheduled("c", "notafrequency"), // skipped, not fatal
	}}
	s := New(integs, &fakeDispatcher{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 2, s.Entries())
}

func TestSchedulerUpsertReplacesEntry(t *testing.T) {
	s := New(&fakeIntegrations{}, &fakeDispatcher{})

	integ := scheduled("a", "hourly")
	require.NoError(t, s.Upsert(context.Background(), integ))
	assert.Equal(t, 1, s.Entries())

	integ.Schedule.Frequency = "daily"
	require.NoError(t, s.Upsert(context.Background(), integ))
	assert.Equal(t, 1, s.Entries(), "reschedule replaces, never duplicates")
}

func TestSchedulerUpsertNeverOverlapsEntries(t *testing.T) {
	s := New(&fakeIntegrations{}, &fakeDispatcher{})

	integ := scheduled("a", "hourly")
	require.NoError(t, s.Upsert(context.Background(), integ))
	first := s.cron.Entries()
	require.Len(t, first, 1)

	integ.Schedule.Frequency = "daily"
	require.NoError(t, s.Upsert(context.Background(), integ))
	second := s.cron.Entries()
	require.Len(t, second, 1, "old entry removed before the new one registers")
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestSchedulerUpsertInvalidKeepsOldEntry(t *testing.T) {
	s := New(&fakeIntegrations{}, &fakeDispatcher{})

	integ := scheduled("a", "hourly")
	require.NoError(t, s.Upsert(context.Background(), integ))

	integ.Schedule.Frequency = "notafrequency"
	require.Error(t, s.Upsert(context.Background(), integ))
	assert.Equal(t, 1, s.Entries(), "rejected spec leaves the schedule intact")
}

func TestSchedulerUpsertDisabledRemoves(t *testing.T) {
	s := New(&fakeIntegrations{}, &fakeDispatcher{})

	integ := scheduled("a", "hourly")
	require.NoError(t, s.Upsert(context.Background(), integ))

	integ.Schedule.Enabled = false
	require.NoError(t, s.Upsert(context.Background(), integ))
	assert.Equal(t, 0, s.Entries())
}

func TestSchedulerUpsertAutoSyncOffRemoves(t *testing.T) {
	s := New(&fakeIntegrations{}, &fakeDispatcher{})

	integ := scheduled("a", "hourly")
	require.NoError(t, s.Upsert(context.Background(), integ))

	integ.Options.AutoSync = false
	require.NoError(t, s.Upsert(context.Background(), integ))
	assert.Equal(t, 0, s.Entries())
}

func TestSchedulerRemoveUnknownIsNoop(t *testing.T) {
	s := New(&fakeIntegrations{}, &fakeDispatcher{})
	s.Remove("ghost")
	assert.Equal(t, 0, s.Entries())
}
