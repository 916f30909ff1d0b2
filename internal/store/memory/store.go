// Package memory is a process-local store.Backend. Each Update runs against
// a private copy of the state under the writer lock and swaps it in on
// success, so a failed unit leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/store"
)

type state struct {
	entries     map[int64]models.QueueEntry
	calls       map[int64]models.CallEvent
	events      map[int64][]store.EntryEvent
	actions     map[string]store.ActionRecord
	revisions   map[int64]int64
	nextEntryID int64
	nextCallID  int64
}

func newState() *state {
	return &state{
		entries:   make(map[int64]models.QueueEntry),
		calls:     make(map[int64]models.CallEvent),
		events:    make(map[int64][]store.EntryEvent),
		actions:   make(map[string]store.ActionRecord),
		revisions: make(map[int64]int64),
	}
}

func (s *state) clone() *state {
	out := newState()
	for id, entry := range s.entries {
		out.entries[id] = entry
	}
	for id, call := range s.calls {
		out.calls[id] = call
	}
	for id, events := range s.events {
		out.events[id] = append([]store.EntryEvent(nil), events...)
	}
	for key, record := range s.actions {
		out.actions[key] = record
	}
	for clinicID, revision := range s.revisions {
		out.revisions[clinicID] = revision
	}
	out.nextEntryID = s.nextEntryID
	out.nextCallID = s.nextCallID
	return out
}

type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{view: view{st: s.st.clone()}, locked: make(map[int64]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	for clinicID := range tx.locked {
		tx.st.revisions[clinicID]++
	}
	s.st = tx.st
	return nil
}

// View runs fn without holding the lock; writers keep committing meanwhile.
func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.current())
}

func (s *Store) current() view {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{st: s.st}
}

// The state pointer is replaced, never mutated, after a commit, so a view
// taken under the read lock stays consistent without holding it.

func (s *Store) GetEntry(ctx context.Context, filter store.Filter, entryID int64) (models.QueueEntry, error) {
	return s.current().GetEntry(ctx, filter, entryID)
}

func (s *Store) ListEntries(ctx context.Context, filter store.Filter, query store.EntryQuery) ([]models.QueueEntry, error) {
	return s.current().ListEntries(ctx, filter, query)
}

func (s *Store) GetCall(ctx context.Context, filter store.Filter, callID int64) (models.CallEvent, error) {
	return s.current().GetCall(ctx, filter, callID)
}

func (s *Store) LatestActiveCall(ctx context.Context, filter store.Filter, clinicID int64) (models.CallEvent, bool, error) {
	return s.current().LatestActiveCall(ctx, filter, clinicID)
}

func (s *Store) ListCalls(ctx context.Context, filter store.Filter, clinicID int64, limit int) ([]models.CallEvent, error) {
	return s.current().ListCalls(ctx, filter, clinicID, limit)
}

func (s *Store) ListEntryEvents(ctx context.Context, filter store.Filter, entryID int64) ([]store.EntryEvent, error) {
	return s.current().ListEntryEvents(ctx, filter, entryID)
}

func (s *Store) Revision(ctx context.Context, filter store.Filter, clinicID int64) (int64, error) {
	return s.current().Revision(ctx, filter, clinicID)
}

type view struct {
	st *state
}

func (v view) GetEntry(ctx context.Context, filter store.Filter, entryID int64) (models.QueueEntry, error) {
	entry, ok := v.st.entries[entryID]
	if !ok || !filter.Allows(entry.ClinicID) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, nil
}

func (v view) ListEntries(ctx context.Context, filter store.Filter, query store.EntryQuery) ([]models.QueueEntry, error) {
	if !filter.Allows(query.ClinicID) {
		return nil, store.ErrClinicMismatch
	}
	var entries []models.QueueEntry
	for _, entry := range v.st.entries {
		if entry.ClinicID != query.ClinicID {
			continue
		}
		if len(query.Statuses) > 0 && !containsStatus(query.Statuses, entry.Status) {
			continue
		}
		if !query.Doctor.Matches(entry) {
			continue
		}
		if query.OnlyUncalled && entry.LastCalledAt != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
	if query.Limit > 0 && len(entries) > query.Limit {
		entries = entries[:query.Limit]
	}
	return entries, nil
}

func (v view) GetCall(ctx context.Context, filter store.Filter, callID int64) (models.CallEvent, error) {
	call, ok := v.st.calls[callID]
	if !ok || !filter.Allows(call.ClinicID) {
		return models.CallEvent{}, store.ErrCallNotFound
	}
	return call, nil
}

func (v view) LatestActiveCall(ctx context.Context, filter store.Filter, clinicID int64) (models.CallEvent, bool, error) {
	if !filter.Allows(clinicID) {
		return models.CallEvent{}, false, store.ErrClinicMismatch
	}
	var latest models.CallEvent
	found := false
	for _, call := range v.st.calls {
		if call.ClinicID != clinicID || !call.Active {
			continue
		}
		if !found || newerCall(call, latest) {
			latest = call
			found = true
		}
	}
	return latest, found, nil
}

func (v view) ListCalls(ctx context.Context, filter store.Filter, clinicID int64, limit int) ([]models.CallEvent, error) {
	if !filter.Allows(clinicID) {
		return nil, store.ErrClinicMismatch
	}
	var calls []models.CallEvent
	for _, call := range v.st.calls {
		if call.ClinicID == clinicID {
			calls = append(calls, call)
		}
	}
	sort.Slice(calls, func(i, j int) bool {
		return newerCall(calls[i], calls[j])
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

func (v view) ListEntryEvents(ctx context.Context, filter store.Filter, entryID int64) ([]store.EntryEvent, error) {
	events := v.st.events[entryID]
	if len(events) == 0 || !filter.Allows(events[0].ClinicID) {
		return nil, store.ErrEntryNotFound
	}
	return append([]store.EntryEvent(nil), events...), nil
}

func (v view) Revision(ctx context.Context, filter store.Filter, clinicID int64) (int64, error) {
	if !filter.Allows(clinicID) {
		return 0, store.ErrClinicMismatch
	}
	return v.st.revisions[clinicID], nil
}

type memTx struct {
	view
	locked map[int64]bool
}

func (tx *memTx) LockClinic(ctx context.Context, filter store.Filter, clinicID int64) error {
	if !filter.Allows(clinicID) {
		return store.ErrClinicMismatch
	}
	tx.locked[clinicID] = true
	return nil
}

func (tx *memTx) InsertEntry(ctx context.Context, filter store.Filter, entry models.QueueEntry) (models.QueueEntry, error) {
	if !filter.Allows(entry.ClinicID) {
		return models.QueueEntry{}, store.ErrClinicMismatch
	}
	tx.st.nextEntryID++
	entry.ID = tx.st.nextEntryID
	tx.st.entries[entry.ID] = entry
	return entry, nil
}

func (tx *memTx) UpdateEntry(ctx context.Context, filter store.Filter, entry models.QueueEntry, fromStatus string) (models.QueueEntry, error) {
	existing, err := tx.GetEntry(ctx, filter, entry.ID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if existing.Status != fromStatus {
		return models.QueueEntry{}, store.ErrInvalidState
	}
	entry.ClinicID = existing.ClinicID
	entry.PatientID = existing.PatientID
	entry.ArrivedAt = existing.ArrivedAt
	if entry.Status == models.StatusInConsultation && entry.DoctorID != nil {
		for id, other := range tx.st.entries {
			if id != entry.ID && other.ClinicID == entry.ClinicID && other.Status == models.StatusInConsultation && other.AssignedTo(*entry.DoctorID) {
				return models.QueueEntry{}, store.ErrDoctorBusy
			}
		}
	}
	tx.st.entries[entry.ID] = entry
	return entry, nil
}

func (tx *memTx) DeleteEntry(ctx context.Context, filter store.Filter, entryID int64, fromStatus string) error {
	existing, err := tx.GetEntry(ctx, filter, entryID)
	if err != nil {
		return err
	}
	if existing.Status != fromStatus {
		return store.ErrInvalidState
	}
	delete(tx.st.entries, entryID)
	return nil
}

func (tx *memTx) DeactivateClinicCalls(ctx context.Context, filter store.Filter, clinicID int64) (int, error) {
	if !filter.Allows(clinicID) {
		return 0, store.ErrClinicMismatch
	}
	count := 0
	for id, call := range tx.st.calls {
		if call.ClinicID == clinicID && call.Active {
			call.Active = false
			tx.st.calls[id] = call
			count++
		}
	}
	return count, nil
}

func (tx *memTx) InsertCall(ctx context.Context, filter store.Filter, call models.CallEvent) (models.CallEvent, error) {
	if !filter.Allows(call.ClinicID) {
		return models.CallEvent{}, store.ErrClinicMismatch
	}
	if call.Active {
		if _, found, _ := tx.LatestActiveCall(ctx, filter, call.ClinicID); found {
			return models.CallEvent{}, fmt.Errorf("clinic %d already has an active call: %w", call.ClinicID, store.ErrConflict)
		}
	}
	tx.st.nextCallID++
	call.ID = tx.st.nextCallID
	tx.st.calls[call.ID] = call
	return call, nil
}

func (tx *memTx) DeactivateCall(ctx context.Context, filter store.Filter, callID int64) (models.CallEvent, error) {
	call, err := tx.GetCall(ctx, filter, callID)
	if err != nil {
		return models.CallEvent{}, err
	}
	call.Active = false
	tx.st.calls[callID] = call
	return call, nil
}

func (tx *memTx) AppendEntryEvent(ctx context.Context, filter store.Filter, clinicID, entryID int64, eventType string, payload []byte, at time.Time) error {
	if !filter.Allows(clinicID) {
		return store.ErrClinicMismatch
	}
	events := tx.st.events[entryID]
	prev := ""
	if len(events) > 0 {
		prev = events[len(events)-1].Hash
	}
	seq := len(events) + 1
	createdAt := at.UTC().Truncate(time.Microsecond)
	tx.st.events[entryID] = append(events, store.EntryEvent{
		EntryID:   entryID,
		ClinicID:  clinicID,
		Seq:       seq,
		Type:      eventType,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeEntryEventHash(prev, entryID, eventType, payload, createdAt, seq),
	})
	return nil
}

func (tx *memTx) FindAction(ctx context.Context, filter store.Filter, action, requestID string) (store.ActionRecord, bool, error) {
	record, ok := tx.st.actions[actionKey(action, requestID)]
	if !ok || !filter.Allows(record.ClinicID) {
		return store.ActionRecord{}, false, nil
	}
	return record, true, nil
}

func (tx *memTx) RecordAction(ctx context.Context, filter store.Filter, record store.ActionRecord) error {
	if !filter.Allows(record.ClinicID) {
		return store.ErrClinicMismatch
	}
	key := actionKey(record.Action, record.RequestID)
	if _, exists := tx.st.actions[key]; exists {
		return fmt.Errorf("request %s already used for %s: %w", record.RequestID, record.Action, store.ErrConflict)
	}
	tx.st.actions[key] = record
	return nil
}

func actionKey(action, requestID string) string {
	return action + "|" + requestID
}

func newerCall(a, b models.CallEvent) bool {
	if a.CalledAt.Equal(b.CalledAt) {
		return a.ID > b.ID
	}
	return a.CalledAt.After(b.CalledAt)
}

func containsStatus(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
