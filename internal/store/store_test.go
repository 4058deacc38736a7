package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/workbench/pkg/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s, err := New(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, status api.ContainerStatus, createdAt time.Time) *api.ContainerRecord {
	return &api.ContainerRecord{
		ID:             id,
		ServiceName:    "workbench-" + id,
		StorageBucket:  "app-data",
		StorageRegion:  "eu-west-1",
		Status:         status,
		ShutdownReason: api.ShutdownNone,
		URLs: map[string]string{
			api.EndpointDesktop: "https://" + id + "-desktop.workbench.local",
			api.EndpointEditor:  "https://" + id + "-editor.workbench.local",
			api.EndpointPreview: "https://" + id + "-preview.workbench.local",
		},
		Resources: api.ResourceLimits{CPUs: 2, MemoryBytes: 4 << 30},
		CreatedAt: createdAt,
	}
}

func TestSaveAndGetContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := testRecord("ws-1", api.StatusRunning, time.Now())
	require.NoError(t, s.SaveContainer(ctx, record))

	got, err := s.GetContainer(ctx, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.ServiceName, got.ServiceName)
	assert.Equal(t, record.StorageBucket, got.StorageBucket)
	assert.Equal(t, record.StorageRegion, got.StorageRegion)
	assert.Equal(t, api.StatusRunning, got.Status)
	assert.Equal(t, api.ShutdownNone, got.ShutdownReason)
	assert.Equal(t, record.URLs, got.URLs)
	assert.Equal(t, record.Resources, got.Resources)
	assert.Nil(t, got.StoppedAt)
}

func TestGetContainerAbsent(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetContainer(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveContainerDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := testRecord("ws-dup", api.StatusCreating, time.Now())
	require.NoError(t, s.SaveContainer(ctx, record))

	err := s.SaveContainer(ctx, record)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestListContainersFilterAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		record := testRecord(fmt.Sprintf("run-%02d", i), api.StatusRunning, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.SaveContainer(ctx, record))
	}
	for i := 0; i < 5; i++ {
		record := testRecord(fmt.Sprintf("stop-%02d", i), api.StatusStopped, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.SaveContainer(ctx, record))
	}

	page, err := s.ListContainers(ctx, Filter{Status: api.StatusRunning, Limit: 10, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page, 10)

	total, err := s.CountContainers(ctx, api.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 15, total)

	// Newest first, and the second page continues where the first ended.
	assert.Equal(t, "run-14", page[0].ID)
	rest, err := s.ListContainers(ctx, Filter{Status: api.StatusRunning, Limit: 10, Offset: 10})
	require.NoError(t, err)
	require.Len(t, rest, 5)
	assert.Equal(t, "run-04", rest[0].ID)
	assert.Equal(t, "run-00", rest[4].ID)
}

func TestListContainersStableOrderForEqualTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createdAt := time.Now()
	for i := 0; i < 6; i++ {
		record := testRecord(fmt.Sprintf("same-%d", i), api.StatusRunning, createdAt)
		require.NoError(t, s.SaveContainer(ctx, record))
	}

	first, err := s.ListContainers(ctx, Filter{Limit: 3, Offset: 0})
	require.NoError(t, err)
	second, err := s.ListContainers(ctx, Filter{Limit: 3, Offset: 3})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, record := range append(first, second...) {
		assert.False(t, seen[record.ID], "record %s returned on two pages", record.ID)
		seen[record.ID] = true
	}
	assert.Len(t, seen, 6)
}

func TestUpdateLifecycleStopOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveContainer(ctx, testRecord("ws-stop", api.StatusRunning, time.Now())))

	status := api.StatusStopped
	reason := api.ShutdownManual
	stoppedAt := time.Now()
	require.NoError(t, s.UpdateLifecycle(ctx, "ws-stop", LifecyclePatch{
		Status:         &status,
		ShutdownReason: &reason,
		StoppedAt:      &stoppedAt,
	}))

	got, err := s.GetContainer(ctx, "ws-stop")
	require.NoError(t, err)
	assert.Equal(t, api.StatusStopped, got.Status)
	assert.Equal(t, api.ShutdownManual, got.ShutdownReason)
	require.NotNil(t, got.StoppedAt)

	// A second stop against a terminal record is rejected.
	err = s.UpdateLifecycle(ctx, "ws-stop", LifecyclePatch{
		Status:         &status,
		ShutdownReason: &reason,
	})
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestUpdateLifecycleStopSetsReasonAndTimestampTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveContainer(ctx, testRecord("ws-pair", api.StatusRunning, time.Now())))

	// Only the reason is supplied; the timestamp must still be written.
	status := api.StatusStopped
	reason := api.ShutdownInactivity
	require.NoError(t, s.UpdateLifecycle(ctx, "ws-pair", LifecyclePatch{
		Status:         &status,
		ShutdownReason: &reason,
	}))

	got, err := s.GetContainer(ctx, "ws-pair")
	require.NoError(t, err)
	assert.Equal(t, api.ShutdownInactivity, got.ShutdownReason)
	require.NotNil(t, got.StoppedAt)
}

func TestUpdateLifecycleUnknownID(t *testing.T) {
	s := newTestStore(t)

	status := api.StatusRunning
	err := s.UpdateLifecycle(context.Background(), "ghost", LifecyclePatch{Status: &status})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLifecycleLastActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveContainer(ctx, testRecord("ws-act", api.StatusRunning, time.Now())))

	lastActivity := time.Now().Add(5 * time.Minute)
	require.NoError(t, s.UpdateLifecycle(ctx, "ws-act", LifecyclePatch{LastActivity: &lastActivity}))

	got, err := s.GetContainer(ctx, "ws-act")
	require.NoError(t, err)
	require.NotNil(t, got.LastActivity)
	assert.Equal(t, lastActivity.UnixMilli(), got.LastActivity.UnixMilli())
	// Non-stop patches leave the lifecycle terminal fields alone.
	assert.Equal(t, api.StatusRunning, got.Status)
	assert.Nil(t, got.StoppedAt)
}

func TestConcurrentLifecycleUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveContainer(ctx, testRecord("ws-conc", api.StatusStarting, time.Now())))

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			lastActivity := time.Now().Add(time.Duration(i) * time.Second)
			done <- s.UpdateLifecycle(ctx, "ws-conc", LifecyclePatch{LastActivity: &lastActivity})
		}(i)
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-done)
	}
}
