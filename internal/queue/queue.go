// Package queue owns the QueueEntry lifecycle: admission into a clinic's
// waiting line, FIFO selection and the waiting -> in_consultation -> done
// transitions. Every write goes through a store.Tx, so callers decide the
// atomic unit; every change appends one link to the entry's audit chain.
package queue

import (
	"context"
	"strings"
	"time"

	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/store"
)

const maxOutcomeLength = 500

type CheckIn struct {
	ClinicID    int64
	PatientID   int64
	DoctorID    *int64
	ProcedureID *int64
	ValueCents  int64
}

func (c CheckIn) validate() error {
	if c.ClinicID <= 0 {
		return store.Validationf("clinic_id is required")
	}
	if c.PatientID <= 0 {
		return store.Validationf("patient_id is required")
	}
	if c.DoctorID != nil && *c.DoctorID <= 0 {
		return store.Validationf("doctor_id must be positive")
	}
	if c.ProcedureID != nil && *c.ProcedureID <= 0 {
		return store.Validationf("procedure_id must be positive")
	}
	if c.ValueCents < 0 {
		return store.Validationf("value_cents must not be negative")
	}
	return nil
}

func Enqueue(ctx context.Context, tx store.Tx, filter store.Filter, in CheckIn, now time.Time, detail store.EventDetail) (models.QueueEntry, error) {
	if err := in.validate(); err != nil {
		return models.QueueEntry{}, err
	}
	entry, err := tx.InsertEntry(ctx, filter, models.QueueEntry{
		ClinicID:    in.ClinicID,
		PatientID:   in.PatientID,
		DoctorID:    in.DoctorID,
		ProcedureID: in.ProcedureID,
		ValueCents:  in.ValueCents,
		Status:      models.StatusWaiting,
		ArrivedAt:   now,
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := appendEvent(ctx, tx, filter, entry, store.EventEntryCheckedIn, now, detail); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// ListWaiting is restartable: a fresh ordered read on every call.
func ListWaiting(ctx context.Context, r store.Reader, filter store.Filter, clinicID int64, doctor store.DoctorFilter) ([]models.QueueEntry, error) {
	return r.ListEntries(ctx, filter, store.EntryQuery{
		ClinicID: clinicID,
		Statuses: []string{models.StatusWaiting},
		Doctor:   doctor,
	})
}

func ListInConsultation(ctx context.Context, r store.Reader, filter store.Filter, clinicID int64) ([]models.QueueEntry, error) {
	return r.ListEntries(ctx, filter, store.EntryQuery{
		ClinicID: clinicID,
		Statuses: []string{models.StatusInConsultation},
	})
}

// NextCallable returns the earliest waiting entry that nobody has called
// yet. Inside a unit holding the clinic lock the answer cannot go stale
// before the caller acts on it.
func NextCallable(ctx context.Context, r store.Reader, filter store.Filter, clinicID int64, doctor store.DoctorFilter) (models.QueueEntry, error) {
	entries, err := r.ListEntries(ctx, filter, store.EntryQuery{
		ClinicID:     clinicID,
		Statuses:     store.SourceStatuses(store.ActionCallNext),
		Doctor:       doctor,
		OnlyUncalled: true,
		Limit:        1,
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, store.ErrNoPatientWaiting
	}
	return entries[0], nil
}

// MarkCalled records that entry was announced by callID. Status is left
// alone; calling and starting are separate actions.
func MarkCalled(ctx context.Context, tx store.Tx, filter store.Filter, entry models.QueueEntry, callID int64, now time.Time, detail store.EventDetail) (models.QueueEntry, error) {
	next := entry
	calledAt := now
	next.LastCalledAt = &calledAt
	next.CallCount++
	updated, err := tx.UpdateEntry(ctx, filter, next, entry.Status)
	if err != nil {
		return models.QueueEntry{}, err
	}
	detail.CallID = &callID
	if err := appendEvent(ctx, tx, filter, updated, store.EventEntryCalled, now, detail); err != nil {
		return models.QueueEntry{}, err
	}
	return updated, nil
}

// TransitionToInConsultation claims a waiting entry for doctorID. Doctor
// exclusivity is checked by the caller under the clinic lock; the store
// backs it with a uniqueness rule.
func TransitionToInConsultation(ctx context.Context, tx store.Tx, filter store.Filter, entryID, doctorID int64, now time.Time, detail store.EventDetail) (models.QueueEntry, error) {
	if doctorID <= 0 {
		return models.QueueEntry{}, store.Validationf("doctor_id is required")
	}
	entry, err := tx.GetEntry(ctx, filter, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition(store.ActionStart, entry.Status) {
		return models.QueueEntry{}, store.ErrInvalidState
	}
	next := entry
	startedAt := now
	next.Status = models.StatusInConsultation
	next.DoctorID = &doctorID
	next.ConsultationStartedAt = &startedAt
	updated, err := tx.UpdateEntry(ctx, filter, next, models.StatusWaiting)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := appendEvent(ctx, tx, filter, updated, store.EventEntryStarted, now, detail); err != nil {
		return models.QueueEntry{}, err
	}
	return updated, nil
}

// NormalizeOutcome is the outcome as stored: trimmed, "completed" when empty.
func NormalizeOutcome(outcome string) string {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return models.OutcomeCompleted
	}
	return outcome
}

// TransitionToDone closes a consultation. An outcome of "cancelled" is the
// recorded exit for a consultation that was started but not carried out.
func TransitionToDone(ctx context.Context, tx store.Tx, filter store.Filter, entryID int64, outcome string, now time.Time, detail store.EventDetail) (models.QueueEntry, error) {
	outcome = NormalizeOutcome(outcome)
	if len(outcome) > maxOutcomeLength {
		return models.QueueEntry{}, store.Validationf("outcome exceeds %d characters", maxOutcomeLength)
	}
	action, eventType := store.ActionFinish, store.EventEntryFinished
	if outcome == models.OutcomeCancelled {
		action, eventType = store.ActionCancel, store.EventEntryCancelled
	}

	entry, err := tx.GetEntry(ctx, filter, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition(action, entry.Status) {
		return models.QueueEntry{}, store.ErrInvalidState
	}
	next := entry
	endedAt := now
	next.Status = models.StatusDone
	next.ConsultationEndedAt = &endedAt
	next.Outcome = outcome
	updated, err := tx.UpdateEntry(ctx, filter, next, models.StatusInConsultation)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := appendEvent(ctx, tx, filter, updated, eventType, now, detail); err != nil {
		return models.QueueEntry{}, err
	}
	return updated, nil
}

// Remove deletes a waiting entry. The removal is kept in the audit chain,
// which outlives the row.
func Remove(ctx context.Context, tx store.Tx, filter store.Filter, entryID int64, now time.Time, detail store.EventDetail) (models.QueueEntry, error) {
	entry, err := tx.GetEntry(ctx, filter, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition(store.ActionRemove, entry.Status) {
		return models.QueueEntry{}, store.ErrInvalidState
	}
	if err := tx.DeleteEntry(ctx, filter, entryID, models.StatusWaiting); err != nil {
		return models.QueueEntry{}, err
	}
	removed := entry
	removed.Status = models.StatusRemoved
	if err := appendEvent(ctx, tx, filter, removed, store.EventEntryRemoved, now, detail); err != nil {
		return models.QueueEntry{}, err
	}
	return removed, nil
}

func appendEvent(ctx context.Context, tx store.Tx, filter store.Filter, entry models.QueueEntry, eventType string, now time.Time, detail store.EventDetail) error {
	payload, err := store.EntryEventPayload(entry, detail)
	if err != nil {
		return err
	}
	return tx.AppendEntryEvent(ctx, filter, entry.ClinicID, entry.ID, eventType, payload, now)
}
