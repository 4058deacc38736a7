package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/workbench/internal/config"
	"github.com/ao/workbench/internal/resources"
	"github.com/ao/workbench/internal/swarm"
)

type fakeRuntime struct {
	mu        sync.Mutex
	created   []swarm.CreateOptions
	createErr error
	summaries []swarm.WorkspaceSummary
	listErr   error
}

func (f *fakeRuntime) Create(ctx context.Context, opts swarm.CreateOptions) (*swarm.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, opts)
	return &swarm.Workspace{
		ID:          opts.ID,
		ServiceName: swarm.ServiceName(opts.ID),
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]swarm.WorkspaceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries, f.listErr
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeAdmission struct {
	mu      sync.Mutex
	allowed int // how many more admissions to grant; negative means unlimited
	reason  string
	err     error
}

func (f *fakeAdmission) CanStartContainer(ctx context.Context) (resources.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return resources.Decision{}, f.err
	}
	if f.allowed == 0 {
		return resources.Decision{Allowed: false, Reason: f.reason}, nil
	}
	if f.allowed > 0 {
		f.allowed--
	}
	return resources.Decision{Allowed: true}, nil
}

func newTestManager(target int, runtime Runtime, admission Admission) *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewManager(config.QueueConfig{TargetSize: target, Interval: time.Minute}, runtime, admission, logger)
}

func TestMaintainFillsToTarget(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(3, runtime, &fakeAdmission{allowed: -1})

	m.Maintain(context.Background())

	assert.Equal(t, 3, runtime.createdCount())
	stats := m.Stats()
	assert.Equal(t, 3, stats.PreWarmed)
	assert.Equal(t, 3, stats.TargetSize)
	assert.Equal(t, 0, stats.Assigned)

	for _, opts := range runtime.created {
		assert.True(t, opts.PreWarmed)
		assert.Empty(t, opts.StorageBucket, "pre-warmed workspaces carry no bucket")
	}
}

func TestMaintainStopsWhenAdmissionDenies(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(5, runtime, &fakeAdmission{allowed: 2, reason: "CPU usage 92.0% exceeds threshold 85.0%"})

	m.Maintain(context.Background())

	assert.Equal(t, 2, runtime.createdCount())
	assert.Equal(t, 2, m.Stats().PreWarmed)
}

func TestMaintainStopsOnCreateFailure(t *testing.T) {
	runtime := &fakeRuntime{createErr: errors.New("swarm unavailable")}
	m := newTestManager(3, runtime, &fakeAdmission{allowed: -1})

	m.Maintain(context.Background())

	assert.Equal(t, 0, m.Stats().PreWarmed)
}

func TestMaintainNoopAtTarget(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(2, runtime, &fakeAdmission{allowed: -1})

	m.Maintain(context.Background())
	require.Equal(t, 2, runtime.createdCount())

	m.Maintain(context.Background())
	assert.Equal(t, 2, runtime.createdCount(), "a full pool must not provision more")
}

func TestAssignNextFIFO(t *testing.T) {
	m := newTestManager(0, &fakeRuntime{}, &fakeAdmission{})
	m.Add(&Entry{ID: "first"})
	m.Add(&Entry{ID: "second"})

	entry := m.AssignNext()
	require.NotNil(t, entry)
	assert.Equal(t, "first", entry.ID)

	entry = m.AssignNext()
	require.NotNil(t, entry)
	assert.Equal(t, "second", entry.ID)

	assert.Nil(t, m.AssignNext())
	assert.Equal(t, 2, m.Stats().Assigned)
}

func TestAssignNextNeverDoubleAssigns(t *testing.T) {
	m := newTestManager(0, &fakeRuntime{}, &fakeAdmission{})
	for i := 0; i < 10; i++ {
		m.Add(&Entry{ID: string(rune('a' + i))})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if entry := m.AssignNext(); entry != nil {
				mu.Lock()
				seen[entry.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, count := range seen {
		assert.Equal(t, 1, count, "entry %s assigned more than once", id)
	}
}

func TestContains(t *testing.T) {
	m := newTestManager(0, &fakeRuntime{}, &fakeAdmission{})
	m.Add(&Entry{ID: "pooled"})

	assert.True(t, m.Contains("pooled"))
	assert.False(t, m.Contains("absent"))

	m.AssignNext()
	assert.False(t, m.Contains("pooled"), "assigned entries leave the pool")
}

func TestAdopt(t *testing.T) {
	runtime := &fakeRuntime{summaries: []swarm.WorkspaceSummary{
		{ID: "leftover-1", ServiceName: "workbench-leftover-1", PreWarmed: true},
		{ID: "leftover-2", ServiceName: "workbench-leftover-2", PreWarmed: true},
		{ID: "user-ws", ServiceName: "workbench-user-ws", PreWarmed: false},
		{ID: "", ServiceName: "workbench-unlabeled", PreWarmed: true},
	}}
	m := newTestManager(5, runtime, &fakeAdmission{})

	require.NoError(t, m.Adopt(context.Background()))

	assert.Equal(t, 2, m.Stats().PreWarmed)
	assert.True(t, m.Contains("leftover-1"))
	assert.True(t, m.Contains("leftover-2"))
	assert.False(t, m.Contains("user-ws"))

	// Adopting again must not duplicate entries.
	require.NoError(t, m.Adopt(context.Background()))
	assert.Equal(t, 2, m.Stats().PreWarmed)
}

func TestAdoptListFailure(t *testing.T) {
	runtime := &fakeRuntime{listErr: errors.New("swarm unavailable")}
	m := newTestManager(5, runtime, &fakeAdmission{})

	assert.Error(t, m.Adopt(context.Background()))
}

func TestStartStop(t *testing.T) {
	m := newTestManager(0, &fakeRuntime{}, &fakeAdmission{})
	m.Start()
	m.Stop()
}
