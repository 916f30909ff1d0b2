package dispatch

import (
	"context"
	"strings"
	"time"

	"clinicdesk/attendance-service/internal/calls"
	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/queue"
	"clinicdesk/attendance-service/internal/scope"
	"clinicdesk/attendance-service/internal/store"
)

type CheckInInput struct {
	RequestID   string
	ClinicID    int64
	PatientID   int64
	DoctorID    *int64
	ProcedureID *int64
	ValueCents  int64
}

type CallNextInput struct {
	RequestID string
	ClinicID  int64
	// DoctorID narrows selection to the doctor's entries and names the
	// doctor on calls for unassigned entries.
	DoctorID          int64
	IncludeUnassigned bool
	UnassignedOnly    bool
	RoomLabel         string
}

func (in CallNextInput) doctorFilter() store.DoctorFilter {
	if in.UnassignedOnly {
		return store.DoctorFilter{Unassigned: true}
	}
	return store.DoctorFilter{DoctorID: in.DoctorID, Unassigned: in.IncludeUnassigned}
}

type CallAgainInput struct {
	RequestID string
	EntryID   int64
	DoctorID  int64
	RoomLabel string
}

type StartInput struct {
	RequestID string
	EntryID   int64
	DoctorID  int64
}

type FinishInput struct {
	RequestID string
	EntryID   int64
	Outcome   string
}

// ReasonInput serves the cancel and remove commands.
type ReasonInput struct {
	RequestID string
	EntryID   int64
	Reason    string
}

type DeactivateInput struct {
	RequestID string
	CallID    int64
}

// CallResult is what a call command produced: the called entry and the new
// active call.
type CallResult struct {
	Entry models.QueueEntry `json:"entry"`
	Call  models.CallEvent  `json:"call"`
}

// The boolean returned by every command is false when the request id was
// seen before and the stored result was returned instead of acting again.

func (c *Coordinator) CheckIn(ctx context.Context, caller scope.Caller, in CheckInInput) (models.QueueEntry, bool, error) {
	out, err := c.execute(ctx, caller, unit{
		action:    store.ActionCheckIn,
		requestID: in.RequestID,
		clinicOf:  targetClinic(in.ClinicID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			entry, err := queue.Enqueue(ctx, tx, filter, queue.CheckIn{
				ClinicID:    clinicID,
				PatientID:   in.PatientID,
				DoctorID:    in.DoctorID,
				ProcedureID: in.ProcedureID,
				ValueCents:  in.ValueCents,
			}, now, store.EventDetail{RequestID: in.RequestID})
			if err != nil {
				return outcome{}, err
			}
			return outcome{entry: &entry}, nil
		},
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return *out.entry, !out.replayed, nil
}

// CallNext announces the earliest waiting entry nobody has called yet. The
// entry stays waiting until a consultation is started.
func (c *Coordinator) CallNext(ctx context.Context, caller scope.Caller, in CallNextInput) (CallResult, bool, error) {
	if in.DoctorID < 0 {
		return CallResult{}, false, store.Validationf("doctor_id must be positive")
	}
	out, err := c.execute(ctx, caller, unit{
		action:    store.ActionCallNext,
		requestID: in.RequestID,
		clinicOf:  targetClinic(in.ClinicID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			entry, err := queue.NextCallable(ctx, tx, filter, clinicID, in.doctorFilter())
			if err != nil {
				return outcome{}, err
			}
			return c.announce(ctx, tx, filter, entry, in.DoctorID, in.RoomLabel, in.RequestID, now)
		},
	})
	if err != nil {
		return CallResult{}, false, err
	}
	return callResult(out), !out.replayed, nil
}

// CallAgain repeats the announcement for an entry whose first call was
// missed. Started consultations are only re-callable when configured.
func (c *Coordinator) CallAgain(ctx context.Context, caller scope.Caller, in CallAgainInput) (CallResult, bool, error) {
	if in.DoctorID < 0 {
		return CallResult{}, false, store.Validationf("doctor_id must be positive")
	}
	out, err := c.execute(ctx, caller, unit{
		action:    store.ActionCallAgain,
		requestID: in.RequestID,
		clinicOf:  entryClinic(in.EntryID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			entry, err := tx.GetEntry(ctx, filter, in.EntryID)
			if err != nil {
				return outcome{}, err
			}
			if !c.recallable(entry) {
				return outcome{}, store.ErrInvalidState
			}
			return c.announce(ctx, tx, filter, entry, in.DoctorID, in.RoomLabel, in.RequestID, now)
		},
	})
	if err != nil {
		return CallResult{}, false, err
	}
	return callResult(out), !out.replayed, nil
}

func (c *Coordinator) recallable(entry models.QueueEntry) bool {
	if store.ValidTransition(store.ActionCallAgain, entry.Status) {
		return true
	}
	return c.allowRecallInConsultation && entry.Status == models.StatusInConsultation
}

func (c *Coordinator) announce(ctx context.Context, tx store.Tx, filter store.Filter, entry models.QueueEntry, doctorID int64, roomLabel, requestID string, now time.Time) (outcome, error) {
	callDoctor := entry.DoctorID
	if callDoctor == nil && doctorID > 0 {
		callDoctor = &doctorID
	}
	entryID := entry.ID
	call, err := calls.CallPatient(ctx, tx, filter, calls.Request{
		ClinicID:  entry.ClinicID,
		EntryID:   &entryID,
		PatientID: entry.PatientID,
		DoctorID:  callDoctor,
		RoomLabel: roomLabel,
	}, now)
	if err != nil {
		return outcome{}, err
	}
	called, err := queue.MarkCalled(ctx, tx, filter, entry, call.ID, now, store.EventDetail{RequestID: requestID})
	if err != nil {
		return outcome{}, err
	}
	return outcome{entry: &called, call: &call}, nil
}

// StartConsultation claims a waiting entry for a doctor who is not already
// with another patient in the same clinic. The active call is left alone.
func (c *Coordinator) StartConsultation(ctx context.Context, caller scope.Caller, in StartInput) (models.QueueEntry, bool, error) {
	if in.DoctorID <= 0 {
		return models.QueueEntry{}, false, store.Validationf("doctor_id is required")
	}
	out, err := c.execute(ctx, caller, unit{
		action:    store.ActionStart,
		requestID: in.RequestID,
		clinicOf:  entryClinic(in.EntryID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			busy, err := tx.ListEntries(ctx, filter, store.EntryQuery{
				ClinicID: clinicID,
				Statuses: []string{models.StatusInConsultation},
				Doctor:   store.DoctorFilter{DoctorID: in.DoctorID},
				Limit:    1,
			})
			if err != nil {
				return outcome{}, err
			}
			if len(busy) > 0 && busy[0].ID != in.EntryID {
				return outcome{}, store.ErrDoctorBusy
			}
			entry, err := queue.TransitionToInConsultation(ctx, tx, filter, in.EntryID, in.DoctorID, now, store.EventDetail{RequestID: in.RequestID})
			if err != nil {
				return outcome{}, err
			}
			return outcome{entry: &entry}, nil
		},
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return *out.entry, !out.replayed, nil
}

func (c *Coordinator) FinishConsultation(ctx context.Context, caller scope.Caller, in FinishInput) (models.QueueEntry, bool, error) {
	outcome := queue.NormalizeOutcome(in.Outcome)
	if strings.EqualFold(outcome, models.OutcomeCancelled) {
		return models.QueueEntry{}, false, store.Validationf("use the cancel action to cancel a consultation")
	}
	return c.closeConsultation(ctx, caller, store.ActionFinish, in.RequestID, in.EntryID, outcome, "")
}

// CancelConsultation is the recorded exit for a started consultation that
// did not take place.
func (c *Coordinator) CancelConsultation(ctx context.Context, caller scope.Caller, in ReasonInput) (models.QueueEntry, bool, error) {
	return c.closeConsultation(ctx, caller, store.ActionCancel, in.RequestID, in.EntryID, models.OutcomeCancelled, in.Reason)
}

func (c *Coordinator) closeConsultation(ctx context.Context, caller scope.Caller, action, requestID string, entryID int64, result, reason string) (models.QueueEntry, bool, error) {
	out, err := c.execute(ctx, caller, unit{
		action:    action,
		requestID: requestID,
		clinicOf:  entryClinic(entryID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			entry, err := queue.TransitionToDone(ctx, tx, filter, entryID, result, now, store.EventDetail{RequestID: requestID, Reason: reason})
			if err != nil {
				return outcome{}, err
			}
			return outcome{entry: &entry}, nil
		},
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return *out.entry, !out.replayed, nil
}

// RemoveFromQueue drops a waiting entry, e.g. a patient who left. The
// returned entry carries status "removed".
func (c *Coordinator) RemoveFromQueue(ctx context.Context, caller scope.Caller, in ReasonInput) (models.QueueEntry, bool, error) {
	out, err := c.execute(ctx, caller, unit{
		action:    store.ActionRemove,
		requestID: in.RequestID,
		clinicOf:  entryClinic(in.EntryID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			entry, err := queue.Remove(ctx, tx, filter, in.EntryID, now, store.EventDetail{RequestID: in.RequestID, Reason: in.Reason})
			if err != nil {
				return outcome{}, err
			}
			return outcome{entry: &entry}, nil
		},
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return *out.entry, !out.replayed, nil
}

func (c *Coordinator) DeactivateCall(ctx context.Context, caller scope.Caller, in DeactivateInput) (models.CallEvent, bool, error) {
	out, err := c.execute(ctx, caller, unit{
		action:    store.ActionDeactivate,
		requestID: in.RequestID,
		clinicOf:  callClinic(in.CallID),
		apply: func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error) {
			call, err := calls.Deactivate(ctx, tx, filter, in.CallID)
			if err != nil {
				return outcome{}, err
			}
			return outcome{call: &call}, nil
		},
	})
	if err != nil {
		return models.CallEvent{}, false, err
	}
	return *out.call, !out.replayed, nil
}

func callResult(out outcome) CallResult {
	var result CallResult
	if out.entry != nil {
		result.Entry = *out.entry
	}
	if out.call != nil {
		result.Call = *out.call
	}
	return result
}
