package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/store"
)

var (
	clinicA = store.Filter{ClinicID: 1}
	clinicB = store.Filter{ClinicID: 2}
	admin   = store.Filter{AllClinics: true}
	t0      = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func insertWaiting(t *testing.T, s *Store, clinicID, patientID int64, at time.Time) models.QueueEntry {
	t.Helper()
	var out models.QueueEntry
	err := s.Update(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.InsertEntry(context.Background(), admin, models.QueueEntry{
			ClinicID:  clinicID,
			PatientID: patientID,
			Status:    models.StatusWaiting,
			ArrivedAt: at,
		})
		return err
	})
	require.NoError(t, err)
	return out
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.LockClinic(context.Background(), clinicA, 1); err != nil {
			return err
		}
		if _, err := tx.InsertEntry(context.Background(), clinicA, models.QueueEntry{ClinicID: 1, PatientID: 7, Status: models.StatusWaiting, ArrivedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := s.ListEntries(context.Background(), clinicA, store.EntryQuery{ClinicID: 1})
	require.NoError(t, err)
	assert.Empty(t, entries)
	revision, err := s.Revision(context.Background(), clinicA, 1)
	require.NoError(t, err)
	assert.Zero(t, revision)
}

func TestLockClinicBumpsRevisionOnCommit(t *testing.T) {
	s := New()
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
			return tx.LockClinic(context.Background(), clinicA, 1)
		}))
	}
	revision, err := s.Revision(context.Background(), clinicA, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), revision)

	other, err := s.Revision(context.Background(), admin, 2)
	require.NoError(t, err)
	assert.Zero(t, other)

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.LockClinic(context.Background(), clinicA, 2)
	})
	assert.ErrorIs(t, err, store.ErrAuthorization)
}

func TestListEntriesOrderAndFilters(t *testing.T) {
	s := New()
	late := insertWaiting(t, s, 1, 10, t0.Add(time.Minute))
	first := insertWaiting(t, s, 1, 11, t0)
	tie := insertWaiting(t, s, 1, 12, t0)
	insertWaiting(t, s, 2, 13, t0)

	entries, err := s.ListEntries(context.Background(), clinicA, store.EntryQuery{ClinicID: 1, Statuses: []string{models.StatusWaiting}})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{first.ID, tie.ID, late.ID}, []int64{entries[0].ID, entries[1].ID, entries[2].ID})

	limited, err := s.ListEntries(context.Background(), clinicA, store.EntryQuery{ClinicID: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, first.ID, limited[0].ID)

	_, err = s.ListEntries(context.Background(), clinicB, store.EntryQuery{ClinicID: 1})
	assert.ErrorIs(t, err, store.ErrAuthorization)
}

func TestEntryOutsideScopeIsNotFound(t *testing.T) {
	s := New()
	entry := insertWaiting(t, s, 1, 10, t0)

	_, err := s.GetEntry(context.Background(), clinicB, entry.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.Update(context.Background(), func(tx store.Tx) error {
		return tx.DeleteEntry(context.Background(), clinicB, entry.ID, models.StatusWaiting)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetEntry(context.Background(), clinicA, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.PatientID)
}

func TestUpdateEntryCompareAndSet(t *testing.T) {
	s := New()
	entry := insertWaiting(t, s, 1, 10, t0)
	doctor := int64(5)
	started := t0.Add(time.Minute)

	next := entry
	next.Status = models.StatusInConsultation
	next.DoctorID = &doctor
	next.ConsultationStartedAt = &started
	next.PatientID = 999
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.UpdateEntry(context.Background(), clinicA, next, models.StatusWaiting)
		return err
	}))

	stored, err := s.GetEntry(context.Background(), clinicA, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInConsultation, stored.Status)
	assert.Equal(t, int64(10), stored.PatientID, "patient is immutable")

	err = s.Update(context.Background(), func(tx store.Tx) error {
		_, err := tx.UpdateEntry(context.Background(), clinicA, next, models.StatusWaiting)
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestUpdateEntryRejectsSecondConsultationForDoctor(t *testing.T) {
	s := New()
	a := insertWaiting(t, s, 1, 10, t0)
	b := insertWaiting(t, s, 1, 11, t0.Add(time.Second))
	doctor := int64(5)

	start := func(entry models.QueueEntry) error {
		return s.Update(context.Background(), func(tx store.Tx) error {
			entry.Status = models.StatusInConsultation
			entry.DoctorID = &doctor
			_, err := tx.UpdateEntry(context.Background(), clinicA, entry, models.StatusWaiting)
			return err
		})
	}
	require.NoError(t, start(a))
	assert.ErrorIs(t, start(b), store.ErrDoctorBusy)
}

func TestInsertCallKeepsOneActivePerClinic(t *testing.T) {
	s := New()
	call := func(clinicID int64, deactivate bool) error {
		return s.Update(context.Background(), func(tx store.Tx) error {
			if deactivate {
				if _, err := tx.DeactivateClinicCalls(context.Background(), admin, clinicID); err != nil {
					return err
				}
			}
			_, err := tx.InsertCall(context.Background(), admin, models.CallEvent{ClinicID: clinicID, PatientID: 1, CalledAt: t0, Active: true})
			return err
		})
	}
	require.NoError(t, call(1, false))
	assert.ErrorIs(t, call(1, false), store.ErrConflict)
	require.NoError(t, call(2, false))
	require.NoError(t, call(1, true))

	calls, err := s.ListCalls(context.Background(), clinicA, 1, 0)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	active := 0
	for _, c := range calls {
		if c.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)

	latest, found, err := s.LatestActiveCall(context.Background(), clinicA, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, calls[0].ID, latest.ID)
}

func TestAppendEntryEventChains(t *testing.T) {
	s := New()
	at := t0.Add(123456789 * time.Nanosecond)
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		for _, eventType := range []string{store.EventEntryCheckedIn, store.EventEntryCalled} {
			if err := tx.AppendEntryEvent(context.Background(), clinicA, 1, 42, eventType, []byte(`{"entry_id":42}`), at); err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := s.ListEntryEvents(context.Background(), clinicA, 42)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Seq)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, at.Truncate(time.Microsecond), events[0].CreatedAt)
	assert.Zero(t, store.VerifyChain(events))

	_, err = s.ListEntryEvents(context.Background(), clinicB, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordActionRejectsReuse(t *testing.T) {
	s := New()
	record := store.ActionRecord{RequestID: "req-1", Action: store.ActionCallNext, ClinicID: 1, CreatedAt: t0}
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		return tx.RecordAction(context.Background(), clinicA, record)
	}))

	err := s.Update(context.Background(), func(tx store.Tx) error {
		found, ok, err := tx.FindAction(context.Background(), clinicA, store.ActionCallNext, "req-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), found.ClinicID)

		_, ok, err = tx.FindAction(context.Background(), clinicB, store.ActionCallNext, "req-1")
		require.NoError(t, err)
		assert.False(t, ok)
		return tx.RecordAction(context.Background(), clinicA, record)
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestViewIgnoresLaterCommits(t *testing.T) {
	s := New()
	ctx := context.Background()
	entry := insertWaiting(t, s, 1, 100, t0)

	err := s.View(ctx, func(r store.Reader) error {
		before, err := r.ListEntries(ctx, clinicA, store.EntryQuery{ClinicID: 1, Statuses: []string{models.StatusWaiting}})
		require.NoError(t, err)
		require.Len(t, before, 1)

		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			if err := tx.LockClinic(ctx, clinicA, 1); err != nil {
				return err
			}
			doctorID := int64(7)
			moved := entry
			moved.Status = models.StatusInConsultation
			moved.DoctorID = &doctorID
			_, err := tx.UpdateEntry(ctx, clinicA, moved, models.StatusWaiting)
			return err
		}))

		inConsultation, err := r.ListEntries(ctx, clinicA, store.EntryQuery{ClinicID: 1, Statuses: []string{models.StatusInConsultation}})
		require.NoError(t, err)
		assert.Empty(t, inConsultation)
		revision, err := r.Revision(ctx, clinicA, 1)
		require.NoError(t, err)
		assert.Zero(t, revision)
		return nil
	})
	require.NoError(t, err)

	revision, err := s.Revision(ctx, clinicA, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revision)
}
