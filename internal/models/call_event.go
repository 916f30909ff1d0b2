package models

import "time"

const (
	CallTTL          = 30 * time.Second
	DefaultRoomLabel = "Consultation room"
)

type CallEvent struct {
	ID           int64     `json:"id"`
	ClinicID     int64     `json:"clinic_id"`
	QueueEntryID *int64    `json:"queue_entry_id,omitempty"`
	PatientID    int64     `json:"patient_id"`
	DoctorID     *int64    `json:"doctor_id,omitempty"`
	RoomLabel    string    `json:"room_label"`
	CalledAt     time.Time `json:"called_at"`
	Active       bool      `json:"active"`
}

// Expired applies the fixed visibility window regardless of the stored flag.
func (c CallEvent) Expired(now time.Time) bool {
	return now.Sub(c.CalledAt) >= CallTTL
}

// Live reports whether c is the clinic's current announcement at now.
func (c CallEvent) Live(now time.Time) bool {
	return c.Active && !c.Expired(now)
}

func (c CallEvent) ExpiresAt() time.Time {
	return c.CalledAt.Add(CallTTL)
}
