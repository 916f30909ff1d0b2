// Package pollsync is the read side of the attendance queue. Server side it
// answers the scoped, side-effect-free queries that displays and consoles
// poll; client side it turns successive snapshots into change events.
package pollsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"clinicdesk/attendance-service/internal/calls"
	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/queue"
	"clinicdesk/attendance-service/internal/scope"
	"clinicdesk/attendance-service/internal/store"
)

var ErrCacheMiss = errors.New("cache miss")

const snapshotBuildTimeout = 10 * time.Second

// StoreSource is the part of the store the read side uses.
type StoreSource interface {
	store.Reader
	store.Viewer
}

// Cache holds encoded snapshots keyed by clinic and revision.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Options struct {
	Now          func() time.Time
	Cache        Cache
	CacheTTL     time.Duration
	HistoryLimit int
	Logger       zerolog.Logger
}

type Service struct {
	source       StoreSource
	now          func() time.Time
	cache        Cache
	cacheTTL     time.Duration
	historyLimit int
	logger       zerolog.Logger
	group        singleflight.Group
}

func NewService(source StoreSource, options Options) *Service {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := options.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		source:       source,
		now:          now,
		cache:        options.Cache,
		cacheTTL:     ttl,
		historyLimit: calls.HistoryLimit(options.HistoryLimit),
		logger:       options.Logger,
	}
}

func (s *Service) scoped(caller scope.Caller, requested int64) (store.Filter, int64, error) {
	filter, err := scope.Resolve(caller)
	if err != nil {
		return store.Filter{}, 0, err
	}
	clinicID, err := filter.Target(requested)
	if err != nil {
		return store.Filter{}, 0, err
	}
	return filter, clinicID, nil
}

func (s *Service) ListWaiting(ctx context.Context, caller scope.Caller, clinicID int64, doctor store.DoctorFilter) ([]models.QueueEntry, error) {
	filter, clinicID, err := s.scoped(caller, clinicID)
	if err != nil {
		return nil, err
	}
	return queue.ListWaiting(ctx, s.source, filter, clinicID, doctor)
}

func (s *Service) GetEntry(ctx context.Context, caller scope.Caller, entryID int64) (models.QueueEntry, error) {
	filter, err := scope.Resolve(caller)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return s.source.GetEntry(ctx, filter, entryID)
}

// EntryEvents returns the audit chain of an entry, removed entries included.
func (s *Service) EntryEvents(ctx context.Context, caller scope.Caller, entryID int64) ([]store.EntryEvent, error) {
	filter, err := scope.Resolve(caller)
	if err != nil {
		return nil, err
	}
	events, err := s.source.ListEntryEvents(ctx, filter, entryID)
	if err != nil {
		return nil, err
	}
	if seq := store.VerifyChain(events); seq != 0 {
		s.logger.Error().Int64("entry_id", entryID).Int("seq", seq).Msg("entry audit chain broken")
	}
	return events, nil
}

func (s *Service) ActiveCall(ctx context.Context, caller scope.Caller, clinicID int64) (models.CallEvent, bool, error) {
	filter, clinicID, err := s.scoped(caller, clinicID)
	if err != nil {
		return models.CallEvent{}, false, err
	}
	return calls.ActiveCall(ctx, s.source, filter, clinicID, s.now())
}

func (s *Service) History(ctx context.Context, caller scope.Caller, clinicID int64, limit int) ([]models.CallEvent, error) {
	filter, clinicID, err := s.scoped(caller, clinicID)
	if err != nil {
		return nil, err
	}
	return calls.History(ctx, s.source, filter, clinicID, limit)
}

// Snapshot returns the full polled state of a clinic. The stored part is
// read in one store view, shared per revision through the cache, and
// concurrent builds coalesce; call expiry is applied to every response at
// the time it is served.
func (s *Service) Snapshot(ctx context.Context, caller scope.Caller, clinicID int64) (models.Snapshot, error) {
	filter, clinicID, err := s.scoped(caller, clinicID)
	if err != nil {
		return models.Snapshot{}, err
	}
	revision, err := s.source.Revision(ctx, filter, clinicID)
	if err != nil {
		return models.Snapshot{}, err
	}

	key := SnapshotKey(clinicID, revision)
	built := s.group.DoChan(key, func() (interface{}, error) {
		// The build is shared by every poller on this key and outlives
		// any one of them.
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotBuildTimeout)
		defer cancel()
		return s.loadSnapshot(buildCtx, filter, clinicID, key)
	})

	var snapshot models.Snapshot
	select {
	case <-ctx.Done():
		return models.Snapshot{}, ctx.Err()
	case result := <-built:
		if result.Err != nil {
			return models.Snapshot{}, result.Err
		}
		snapshot = result.Val.(models.Snapshot)
	}

	now := s.now()
	snapshot.GeneratedAt = now
	if snapshot.ActiveCall != nil && !snapshot.ActiveCall.Live(now) {
		snapshot.ActiveCall = nil
	}
	return snapshot, nil
}

func (s *Service) loadSnapshot(ctx context.Context, filter store.Filter, clinicID int64, key string) (models.Snapshot, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var snapshot models.Snapshot
			if err := json.Unmarshal(raw, &snapshot); err == nil {
				return snapshot, nil
			}
			s.logger.Warn().Str("key", key).Msg("discarding undecodable cached snapshot")
		case !errors.Is(err, ErrCacheMiss):
			s.logger.Warn().Err(err).Str("key", key).Msg("snapshot cache read failed")
		}
	}

	var snapshot models.Snapshot
	err := s.source.View(ctx, func(r store.Reader) error {
		var err error
		snapshot, err = s.buildSnapshot(ctx, r, filter, clinicID)
		return err
	})
	if err != nil {
		return models.Snapshot{}, err
	}

	if s.cache != nil {
		// A commit may have landed since the key was chosen; the build is
		// stored under the revision it actually read.
		key = SnapshotKey(clinicID, snapshot.Revision)
		raw, err := json.Marshal(snapshot)
		if err == nil {
			err = s.cache.Set(ctx, key, raw, s.cacheTTL)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("snapshot cache write failed")
		}
	}
	return snapshot, nil
}

func (s *Service) buildSnapshot(ctx context.Context, r store.Reader, filter store.Filter, clinicID int64) (models.Snapshot, error) {
	revision, err := r.Revision(ctx, filter, clinicID)
	if err != nil {
		return models.Snapshot{}, err
	}
	waiting, err := queue.ListWaiting(ctx, r, filter, clinicID, store.DoctorFilter{})
	if err != nil {
		return models.Snapshot{}, err
	}
	inConsultation, err := queue.ListInConsultation(ctx, r, filter, clinicID)
	if err != nil {
		return models.Snapshot{}, err
	}
	recent, err := calls.History(ctx, r, filter, clinicID, s.historyLimit)
	if err != nil {
		return models.Snapshot{}, err
	}
	snapshot := models.Snapshot{
		ClinicID:       clinicID,
		Revision:       revision,
		Waiting:        nonNilEntries(waiting),
		InConsultation: nonNilEntries(inConsultation),
		RecentCalls:    nonNilCalls(recent),
	}
	// The latest active row is kept even when expired; expiry depends on
	// the time each response is served.
	active, found, err := r.LatestActiveCall(ctx, filter, clinicID)
	if err != nil {
		return models.Snapshot{}, err
	}
	if found {
		snapshot.ActiveCall = &active
	}
	return snapshot, nil
}

func SnapshotKey(clinicID, revision int64) string {
	return fmt.Sprintf("attendance:snapshot:%d:%d", clinicID, revision)
}

func nonNilEntries(entries []models.QueueEntry) []models.QueueEntry {
	if entries == nil {
		return []models.QueueEntry{}
	}
	return entries
}

func nonNilCalls(events []models.CallEvent) []models.CallEvent {
	if events == nil {
		return []models.CallEvent{}
	}
	return events
}
