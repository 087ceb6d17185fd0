package walle

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memSchedulerState is an in-memory SchedulerState.
type memSchedulerState struct {
	mu       sync.Mutex
	next     int
	advances []int
	paused   atomic.Bool
	err      error
}

func (s *memSchedulerState) NextBucket(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.err
}

func (s *memSchedulerState) AdvanceBucket(_ context.Context, next int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = next
	s.advances = append(s.advances, next)
	return nil
}

func (s *memSchedulerState) Paused() bool {
	return s.paused.Load()
}

// directoryFunc adapts a function to DirectoryClient.
type directoryFunc func(ctx context.Context, memberID string) (Profile, error)

func (f directoryFunc) FetchProfile(ctx context.Context, memberID string) (Profile, error) {
	return f(ctx, memberID)
}

// staticDirectory serves profiles from a map and fails for unknown IDs.
type staticDirectory struct {
	mu       sync.Mutex
	profiles map[string]Profile
	lookups  []string
}

func (d *staticDirectory) FetchProfile(_ context.Context, memberID string) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups = append(d.lookups, memberID)
	p, ok := d.profiles[memberID]
	if !ok {
		return Profile{}, fmt.Errorf("unknown member %s", memberID)
	}
	return p, nil
}

func testReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Enabled:        true,
		BucketCount:    3,
		TickInterval:   time.Hour,
		MemberTimeout:  5 * time.Second,
		MaxAttempts:    3,
		Concurrency:    2,
		QueueBatchSize: 10,
	}
}

func newTestScheduler(
	t testing.TB,
	directory DirectoryClient,
	state SchedulerState,
	config ReconcilerConfig,
) (*ProfileScheduler, DBI) {
	t.Helper()
	db := newTestDB(t)
	reconciler := NewReconciler(db, config.RetryPolicy(), nil, nil, slog.Default())
	return NewProfileScheduler(reconciler, directory, state, config, slog.Default()), db
}

func TestProfileScheduler_Tick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	directory := &staticDirectory{
		profiles: map[string]Profile{
			"a": {Name: "alpha", Live: true},
			"b": {Name: "bravo-2", Live: true},
			"c": {Name: "charlie", Live: true},
		},
	}
	state := &memSchedulerState{}
	scheduler, db := newTestScheduler(t, directory, state, testReconcilerConfig())

	seedMember(t, db, MemberProgress{MemberID: "a", Name: "alpha", Bucket: 0, Points: 10})
	seedMember(t, db, MemberProgress{MemberID: "b", Name: "bravo", Bucket: 0, Points: 20})
	seedMember(t, db, MemberProgress{MemberID: "c", Name: "charlie", Bucket: 2})
	seedMember(t, db, MemberProgress{MemberID: "d", Name: "delta", Bucket: 2, Points: 5})

	report, err := scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Bucket)
	assert.Equal(t, 2, report.Members)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, report.Failed)
	assert.NoError(t, report.Err())
	assert.Equal(t, "bravo-2", loadMember(t, db, "b").Name)

	report, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Bucket)
	assert.Zero(t, report.Members)

	report, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Bucket)
	assert.Equal(t, 2, report.Members)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Failed, "d is unknown to the directory")
	assert.ErrorContains(t, report.Err(), "unknown member d")
	assert.Equal(t, 1, loadMember(t, db, "d").UpdateAttempts)

	// the pointer wraps around
	report, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Bucket)
	assert.Equal(t, []int{1, 2, 0, 1}, state.advances)
}

func TestProfileScheduler_TickStateError(t *testing.T) {
	t.Parallel()

	state := &memSchedulerState{err: errors.New("db down")}
	scheduler, _ := newTestScheduler(t, &staticDirectory{}, state, testReconcilerConfig())

	_, err := scheduler.Tick(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Empty(t, state.advances)
}

func TestProfileScheduler_TickOutOfRangePointer(t *testing.T) {
	t.Parallel()

	state := &memSchedulerState{next: 7}
	scheduler, _ := newTestScheduler(t, &staticDirectory{}, state, testReconcilerConfig())

	report, err := scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Bucket)
	assert.Equal(t, []int{2}, state.advances)
}

func TestProfileScheduler_Concurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int32
	directory := directoryFunc(
		func(ctx context.Context, memberID string) (Profile, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				seen := maxInFlight.Load()
				if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return Profile{Name: memberID, Live: true}, nil
		},
	)

	config := testReconcilerConfig()
	config.Concurrency = 2
	scheduler, db := newTestScheduler(t, directory, &memSchedulerState{}, config)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("m%d", i)
		seedMember(t, db, MemberProgress{MemberID: id, Name: id})
	}

	report, err := scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Unchanged)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
	assert.GreaterOrEqual(t, maxInFlight.Load(), int32(1))
}

func TestProfileScheduler_ProcessCanceled(t *testing.T) {
	t.Parallel()

	directory := &staticDirectory{profiles: map[string]Profile{}}
	scheduler, db := newTestScheduler(t, directory, &memSchedulerState{}, testReconcilerConfig())
	seedMember(t, db, MemberProgress{MemberID: "a"})
	seedMember(t, db, MemberProgress{MemberID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := scheduler.process(ctx, []string{"a", "b"})
	assert.Equal(t, 2, report.Members)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, report.Results)
	assert.Empty(t, directory.lookups)
	assert.Zero(t, loadMember(t, db, "a").UpdateAttempts)
}

func TestProfileScheduler_MemberFinishesAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	directory := directoryFunc(
		func(ctx context.Context, memberID string) (Profile, error) {
			close(started)
			cancel()
			time.Sleep(10 * time.Millisecond)
			return Profile{Name: "renamed", Live: true}, ctx.Err()
		},
	)
	config := testReconcilerConfig()
	config.Concurrency = 1
	scheduler, db := newTestScheduler(t, directory, &memSchedulerState{}, config)
	seedMember(t, db, MemberProgress{MemberID: "a", Name: "a", Points: 10})
	seedMember(t, db, MemberProgress{MemberID: "b", Name: "b"})

	report := scheduler.process(ctx, []string{"a", "b"})
	<-started
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, "renamed", loadMember(t, db, "a").Name)
	assert.Equal(t, "b", loadMember(t, db, "b").Name)
}

func TestProfileScheduler_DrainQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	directory := &staticDirectory{
		profiles: map[string]Profile{
			"a": {Name: "alpha-2", Live: true},
			"b": {Name: "bravo-2", Live: true},
		},
	}
	config := testReconcilerConfig()
	config.QueueBatchSize = 1
	scheduler, db := newTestScheduler(t, directory, &memSchedulerState{}, config)
	seedMember(t, db, MemberProgress{MemberID: "a", Name: "alpha", Points: 10})
	seedMember(t, db, MemberProgress{MemberID: "b", Name: "bravo", Points: 20})
	seedLogEntry(t, db, "a")
	seedLogEntry(t, db, "b")

	report, err := scheduler.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, report.Bucket)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, []string{"b"}, directory.lookups)

	report, err = scheduler.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	report, err = scheduler.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Members)
}

func TestProfileScheduler_RunWake(t *testing.T) {
	t.Parallel()

	directory := &staticDirectory{
		profiles: map[string]Profile{"a": {Name: "alpha-2", Live: true}},
	}
	state := &memSchedulerState{}
	scheduler, db := newTestScheduler(t, directory, state, testReconcilerConfig())
	scheduler.reconciler.Notifier = scheduler
	seedMember(t, db, MemberProgress{MemberID: "a", Name: "alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx)
	}()
	t.Cleanup(
		func() {
			cancel()
			<-done
		},
	)

	state.paused.Store(true)
	queued, err := scheduler.reconciler.MarkDirty(ctx, "a", Profile{Name: "alpha-2", Live: true})
	require.NoError(t, err)
	require.True(t, queued)

	require.Never(
		t,
		func() bool { return loadMember(t, db, "a").Name == "alpha-2" },
		200*time.Millisecond,
		20*time.Millisecond,
		"paused scheduler should not drain",
	)

	state.paused.Store(false)
	scheduler.Wake()
	require.Eventually(
		t,
		func() bool { return loadMember(t, db, "a").Name == "alpha-2" },
		5*time.Second,
		20*time.Millisecond,
	)
	assert.Equal(t, int64(0), logEntryCount(t, db, "a"))
}

func TestProfileScheduler_WithRuntimeConfigStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := newTestDB(t)
	store, err := NewRuntimeConfigStore(ctx, db, 3, slog.Default())
	require.NoError(t, err)

	config := testReconcilerConfig()
	reconciler := NewReconciler(db, config.RetryPolicy(), nil, nil, nil)
	scheduler := NewProfileScheduler(reconciler, &staticDirectory{}, store, config, nil)

	for want := range []int{0, 1, 2, 0} {
		report, err := scheduler.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, want%3, report.Bucket)
	}
	rc := store.Get()
	assert.Equal(t, 1, rc.NextBucket)
	assert.NotZero(t, rc.LastTickAt)

	// the pointer survives a restart
	reopened, err := NewRuntimeConfigStore(ctx, db, 3, nil)
	require.NoError(t, err)
	next, err := reopened.NextBucket(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, next)
}

func TestHashBuckets(t *testing.T) {
	t.Parallel()

	assigner := HashBuckets{Count: 10}
	counts := map[int]int{}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("%d", 100000000000000000+i)
		b := assigner.Assign(id)
		assert.Equal(t, b, assigner.Assign(id), "assignment is stable")
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 10)
		counts[b]++
	}
	assert.Len(t, counts, 10)

	assert.Equal(t, 0, HashBuckets{Count: 1}.Assign("x"))
	assert.Equal(t, 0, HashBuckets{}.Assign("x"))
}

func TestRoundRobinBuckets(t *testing.T) {
	t.Parallel()

	assigner := &RoundRobinBuckets{Count: 3}
	var got []int
	for i := 0; i < 7; i++ {
		got = append(got, assigner.Assign(""))
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)

	concurrent := &RoundRobinBuckets{Count: 4}
	var mu sync.Mutex
	counts := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := concurrent.Assign("")
			mu.Lock()
			counts[b]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[int]int{0: 25, 1: 25, 2: 25, 3: 25}, counts)
}

func TestAssignBuckets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := newTestDB(t)
	for i := 0; i < 20; i++ {
		seedMember(t, db, MemberProgress{MemberID: fmt.Sprintf("m%02d", i)})
	}

	assigner := HashBuckets{Count: 5}
	_, err := AssignBuckets(ctx, db, assigner)
	require.NoError(t, err)

	var members []MemberProgress
	require.NoError(t, db.DB().Find(&members).Error)
	for _, m := range members {
		assert.Equal(t, assigner.Assign(m.MemberID), m.Bucket)
	}

	moved, err := AssignBuckets(ctx, db, assigner)
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = AssignBuckets(ctx, db, HashBuckets{Count: 1})
	require.NoError(t, err)
	var nonZero int64
	require.NoError(t, db.DB().Model(&MemberProgress{}).Where("bucket <> 0").Count(&nonZero).Error)
	assert.Zero(t, nonZero)
	assert.Positive(t, moved)
}
