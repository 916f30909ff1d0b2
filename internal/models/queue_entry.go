package models

import "time"

type QueueEntry struct {
	ID                    int64      `json:"id"`
	ClinicID              int64      `json:"clinic_id"`
	PatientID             int64      `json:"patient_id"`
	DoctorID              *int64     `json:"doctor_id,omitempty"`
	ProcedureID           *int64     `json:"procedure_id,omitempty"`
	ValueCents            int64      `json:"value_cents"`
	Status                string     `json:"status"`
	ArrivedAt             time.Time  `json:"arrived_at"`
	LastCalledAt          *time.Time `json:"last_called_at,omitempty"`
	CallCount             int        `json:"call_count"`
	ConsultationStartedAt *time.Time `json:"consultation_started_at,omitempty"`
	ConsultationEndedAt   *time.Time `json:"consultation_ended_at,omitempty"`
	Outcome               string     `json:"outcome,omitempty"`
}

const (
	StatusWaiting        = "waiting"
	StatusInConsultation = "in_consultation"
	StatusDone           = "done"
	// StatusRemoved is never stored; it names the terminal state of a
	// removed entry in its audit trail.
	StatusRemoved = "removed"
)

const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
)

// Before reports whether e is ahead of other in FIFO order.
func (e QueueEntry) Before(other QueueEntry) bool {
	if e.ArrivedAt.Equal(other.ArrivedAt) {
		return e.ID < other.ID
	}
	return e.ArrivedAt.Before(other.ArrivedAt)
}

func (e QueueEntry) AssignedTo(doctorID int64) bool {
	return e.DoctorID != nil && *e.DoctorID == doctorID
}
