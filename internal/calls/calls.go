// Package calls owns CallEvent announcements: one active call per clinic,
// last call wins, and a fixed visibility window applied at read time.
package calls

import (
	"context"
	"strings"
	"time"

	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/store"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
	maxRoomLabelLength  = 64
)

type Request struct {
	ClinicID  int64
	EntryID   *int64
	PatientID int64
	DoctorID  *int64
	RoomLabel string
}

// CallPatient supersedes the clinic's active call with a new one. Every
// invocation yields a new call id; deduplication belongs to the caller.
func CallPatient(ctx context.Context, tx store.Tx, filter store.Filter, req Request, now time.Time) (models.CallEvent, error) {
	if req.ClinicID <= 0 {
		return models.CallEvent{}, store.Validationf("clinic_id is required")
	}
	if req.PatientID <= 0 {
		return models.CallEvent{}, store.Validationf("patient_id is required")
	}
	label, err := RoomLabel(req.RoomLabel)
	if err != nil {
		return models.CallEvent{}, err
	}
	if _, err := tx.DeactivateClinicCalls(ctx, filter, req.ClinicID); err != nil {
		return models.CallEvent{}, err
	}
	return tx.InsertCall(ctx, filter, models.CallEvent{
		ClinicID:     req.ClinicID,
		QueueEntryID: req.EntryID,
		PatientID:    req.PatientID,
		DoctorID:     req.DoctorID,
		RoomLabel:    label,
		CalledAt:     now,
		Active:       true,
	})
}

// ActiveCall returns the clinic's current announcement. A stored active row
// past its window reads as no call.
func ActiveCall(ctx context.Context, r store.Reader, filter store.Filter, clinicID int64, now time.Time) (models.CallEvent, bool, error) {
	call, found, err := r.LatestActiveCall(ctx, filter, clinicID)
	if err != nil || !found {
		return models.CallEvent{}, false, err
	}
	if call.Expired(now) {
		return models.CallEvent{}, false, nil
	}
	return call, true, nil
}

// History lists calls newest first, expired and superseded ones included.
func History(ctx context.Context, r store.Reader, filter store.Filter, clinicID int64, limit int) ([]models.CallEvent, error) {
	return r.ListCalls(ctx, filter, clinicID, HistoryLimit(limit))
}

// Deactivate dismisses a call early. Dismissing an inactive call is a no-op.
func Deactivate(ctx context.Context, tx store.Tx, filter store.Filter, callID int64) (models.CallEvent, error) {
	call, err := tx.GetCall(ctx, filter, callID)
	if err != nil {
		return models.CallEvent{}, err
	}
	if !call.Active {
		return call, nil
	}
	return tx.DeactivateCall(ctx, filter, callID)
}

func HistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func RoomLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.DefaultRoomLabel, nil
	}
	if len(label) > maxRoomLabelLength {
		return "", store.Validationf("room_label exceeds %d characters", maxRoomLabelLength)
	}
	return label, nil
}
