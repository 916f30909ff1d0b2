package pollsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicdesk/attendance-service/internal/dispatch"
	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/scope"
	"clinicdesk/attendance-service/internal/store"
	"clinicdesk/attendance-service/internal/store/memory"
)

var (
	desk1 = scope.Caller{UserID: "desk-1", Role: "receptionist", ClinicID: 1}
	desk2 = scope.Caller{UserID: "desk-2", Role: "receptionist", ClinicID: 2}
	t0    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fixture struct {
	backend     *memory.Store
	coordinator *dispatch.Coordinator
	service     *Service
	clock       *clock
}

func newFixture(t *testing.T, cache Cache) fixture {
	t.Helper()
	backend := memory.New()
	c := &clock{now: t0}
	return fixture{
		backend:     backend,
		coordinator: dispatch.New(backend, dispatch.Options{Now: c.Now, Logger: zerolog.Nop()}),
		service:     NewService(backend, Options{Now: c.Now, Cache: cache, Logger: zerolog.Nop()}),
		clock:       c,
	}
}

func TestReadsAreRepeatableAndScoped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)
	called, _, err := f.coordinator.CallNext(ctx, desk1, dispatch.CallNextInput{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		waiting, err := f.service.ListWaiting(ctx, desk1, 0, store.DoctorFilter{})
		require.NoError(t, err)
		require.Len(t, waiting, 1)

		active, found, err := f.service.ActiveCall(ctx, desk1, 0)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, called.Call.ID, active.ID)
	}

	revision, err := f.backend.Revision(ctx, store.Filter{ClinicID: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), revision, "reads never advance the revision")

	_, err = f.service.ListWaiting(ctx, desk2, 1, store.DoctorFilter{})
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, _, err = f.service.ActiveCall(ctx, desk2, 1)
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, err = f.service.History(ctx, desk2, 1, 10)
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, err = f.service.GetEntry(ctx, desk2, called.Entry.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.service.EntryEvents(ctx, desk2, called.Entry.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := f.service.EntryEvents(ctx, desk1, called.Entry.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestActiveCallExpiryAcrossPolls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)
	called, _, err := f.coordinator.CallNext(ctx, desk1, dispatch.CallNextInput{})
	require.NoError(t, err)

	f.clock.Set(called.Call.CalledAt.Add(29 * time.Second))
	for i := 0; i < 3; i++ {
		_, found, err := f.service.ActiveCall(ctx, desk1, 0)
		require.NoError(t, err)
		assert.True(t, found)
		snapshot, err := f.service.Snapshot(ctx, desk1, 0)
		require.NoError(t, err)
		assert.NotNil(t, snapshot.ActiveCall)
	}

	f.clock.Set(called.Call.CalledAt.Add(31 * time.Second))
	for i := 0; i < 3; i++ {
		_, found, err := f.service.ActiveCall(ctx, desk1, 0)
		require.NoError(t, err)
		assert.False(t, found)
		snapshot, err := f.service.Snapshot(ctx, desk1, 0)
		require.NoError(t, err)
		assert.Nil(t, snapshot.ActiveCall)
		require.Len(t, snapshot.RecentCalls, 1, "history keeps expired calls")
	}
}

func TestSnapshotBuckets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)
	second, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 101})
	require.NoError(t, err)
	_, _, err = f.coordinator.StartConsultation(ctx, desk1, dispatch.StartInput{EntryID: first.ID, DoctorID: 7})
	require.NoError(t, err)

	snapshot, err := f.service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.ClinicID)
	assert.Equal(t, int64(3), snapshot.Revision)
	require.Len(t, snapshot.Waiting, 1)
	assert.Equal(t, second.ID, snapshot.Waiting[0].ID)
	require.Len(t, snapshot.InConsultation, 1)
	assert.Equal(t, first.ID, snapshot.InConsultation[0].ID)
	assert.NotNil(t, snapshot.RecentCalls)
	assert.Equal(t, t0, snapshot.GeneratedAt)

	_, err = f.service.Snapshot(ctx, desk2, 1)
	assert.ErrorIs(t, err, store.ErrAuthorization)
}

func TestSnapshotCachedPerRevision(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := newFixture(t, NewRedisCache(client))
	ctx := context.Background()

	_, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)

	snapshot, err := f.service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Waiting, 1)
	assert.True(t, mr.Exists(SnapshotKey(1, 1)))
	assert.Greater(t, mr.TTL(SnapshotKey(1, 1)), time.Duration(0))

	// A cached revision is served as stored.
	require.NoError(t, mr.Set(SnapshotKey(1, 1), `{"clinic_id":1,"revision":1,"waiting":[],"in_consultation":[],"recent_calls":[]}`))
	cached, err := f.service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	assert.Empty(t, cached.Waiting)

	// A mutation moves to a new revision and a fresh build.
	_, _, err = f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 101})
	require.NoError(t, err)
	fresh, err := f.service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Revision)
	assert.Len(t, fresh.Waiting, 2)
}

func TestSnapshotSurvivesCacheOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	f := newFixture(t, NewRedisCache(client))
	ctx := context.Background()
	_, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)

	mr.Close()
	snapshot, err := f.service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	assert.Len(t, snapshot.Waiting, 1)
}

func TestRedisCacheMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	_, err := cache.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(context.Background(), "present", []byte("v"), time.Minute))
	got, err := cache.Get(context.Background(), "present")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

// interleavedSource runs commit once, right after the first entry list read
// inside a view.
type interleavedSource struct {
	*memory.Store
	once   sync.Once
	commit func()
}

func (s *interleavedSource) View(ctx context.Context, fn func(store.Reader) error) error {
	return s.Store.View(ctx, func(r store.Reader) error {
		return fn(interleavedReader{Reader: r, source: s})
	})
}

type interleavedReader struct {
	store.Reader
	source *interleavedSource
}

func (r interleavedReader) ListEntries(ctx context.Context, filter store.Filter, query store.EntryQuery) ([]models.QueueEntry, error) {
	entries, err := r.Reader.ListEntries(ctx, filter, query)
	r.source.once.Do(r.source.commit)
	return entries, err
}

func TestSnapshotIsOneConsistentState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	entry, _, err := f.coordinator.CheckIn(ctx, desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)

	source := &interleavedSource{Store: f.backend, commit: func() {
		_, _, err := f.coordinator.StartConsultation(ctx, desk1, dispatch.StartInput{EntryID: entry.ID, DoctorID: 7})
		assert.NoError(t, err)
	}}
	service := NewService(source, Options{Now: f.clock.Now, Logger: zerolog.Nop()})

	snapshot, err := service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Revision)
	require.Len(t, snapshot.Waiting, 1)
	assert.Equal(t, entry.ID, snapshot.Waiting[0].ID)
	assert.Empty(t, snapshot.InConsultation, "a commit during the build stays out of it")

	next, err := service.Snapshot(ctx, desk1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Revision)
	assert.Empty(t, next.Waiting)
	require.Len(t, next.InConsultation, 1)
	assert.Equal(t, entry.ID, next.InConsultation[0].ID)
}

// gatedSource holds every view until release is closed.
type gatedSource struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSource) View(ctx context.Context, fn func(store.Reader) error) error {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Store.View(ctx, fn)
}

func TestSnapshotBuildOutlivesCancelledPoller(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.coordinator.CheckIn(context.Background(), desk1, dispatch.CheckInInput{PatientID: 100})
	require.NoError(t, err)

	source := &gatedSource{Store: f.backend, entered: make(chan struct{}, 4), release: make(chan struct{})}
	service := NewService(source, Options{Now: f.clock.Now, Logger: zerolog.Nop()})

	type polled struct {
		snapshot models.Snapshot
		err      error
	}
	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan polled, 1)
	go func() {
		snapshot, err := service.Snapshot(firstCtx, desk1, 0)
		first <- polled{snapshot, err}
	}()
	<-source.entered

	second := make(chan polled, 1)
	go func() {
		snapshot, err := service.Snapshot(context.Background(), desk1, 0)
		second <- polled{snapshot, err}
	}()

	cancel()
	gone := <-first
	assert.ErrorIs(t, gone.err, context.Canceled)

	close(source.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, int64(1), got.snapshot.Revision)
	assert.Len(t, got.snapshot.Waiting, 1)
}
