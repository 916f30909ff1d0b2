package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinicdesk/attendance-service/internal/models"
)

const (
	EventEntryCheckedIn = "entry.checked_in"
	EventEntryCalled    = "entry.called"
	EventEntryStarted   = "entry.consultation_started"
	EventEntryFinished  = "entry.consultation_finished"
	EventEntryCancelled = "entry.consultation_cancelled"
	EventEntryRemoved   = "entry.removed"
)

// EntryEvent is one link of a queue entry's append-only audit chain.
type EntryEvent struct {
	EntryID   int64           `json:"entry_id"`
	ClinicID  int64           `json:"clinic_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type entryPayload struct {
	EntryID               int64      `json:"entry_id"`
	ClinicID              int64      `json:"clinic_id"`
	PatientID             int64      `json:"patient_id"`
	DoctorID              *int64     `json:"doctor_id"`
	ProcedureID           *int64     `json:"procedure_id"`
	ValueCents            int64      `json:"value_cents"`
	Status                string     `json:"status"`
	ArrivedAt             *time.Time `json:"arrived_at"`
	LastCalledAt          *time.Time `json:"last_called_at"`
	CallCount             int        `json:"call_count"`
	ConsultationStartedAt *time.Time `json:"consultation_started_at"`
	ConsultationEndedAt   *time.Time `json:"consultation_ended_at"`
	Outcome               string     `json:"outcome,omitempty"`
	CallID                *int64     `json:"call_id,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	RequestID             string     `json:"request_id,omitempty"`
}

// EventDetail carries the per-action facts recorded next to the entry state.
type EventDetail struct {
	CallID    *int64
	Reason    string
	RequestID string
}

func EntryEventPayload(entry models.QueueEntry, detail EventDetail) ([]byte, error) {
	arrivedAt := entry.ArrivedAt
	payload := entryPayload{
		EntryID:               entry.ID,
		ClinicID:              entry.ClinicID,
		PatientID:             entry.PatientID,
		DoctorID:              entry.DoctorID,
		ProcedureID:           entry.ProcedureID,
		ValueCents:            entry.ValueCents,
		Status:                entry.Status,
		ArrivedAt:             &arrivedAt,
		LastCalledAt:          entry.LastCalledAt,
		CallCount:             entry.CallCount,
		ConsultationStartedAt: entry.ConsultationStartedAt,
		ConsultationEndedAt:   entry.ConsultationEndedAt,
		Outcome:               entry.Outcome,
		CallID:                detail.CallID,
		Reason:                detail.Reason,
		RequestID:             detail.RequestID,
	}
	return json.Marshal(payload)
}

func ComputeEntryEventHash(prevHash string, entryID int64, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%d|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain reports the first sequence number whose hash does not match
// its content or predecessor, or 0 when the chain is intact.
func VerifyChain(events []EntryEvent) int {
	prev := ""
	for _, event := range events {
		if event.PrevHash != prev {
			return event.Seq
		}
		if ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.Seq) != event.Hash {
			return event.Seq
		}
		prev = event.Hash
	}
	return 0
}

// RehydrateEntry rebuilds the last recorded state of an entry from its
// audit chain. It works for removed entries whose row no longer exists.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload entryPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.EntryID != 0 {
			entry.ID = payload.EntryID
		}
		if payload.ClinicID != 0 {
			entry.ClinicID = payload.ClinicID
		}
		if payload.PatientID != 0 {
			entry.PatientID = payload.PatientID
		}
		if payload.DoctorID != nil {
			entry.DoctorID = payload.DoctorID
		}
		if payload.ProcedureID != nil {
			entry.ProcedureID = payload.ProcedureID
		}
		entry.ValueCents = payload.ValueCents
		if payload.Status != "" {
			entry.Status = payload.Status
		}
		if payload.ArrivedAt != nil {
			entry.ArrivedAt = *payload.ArrivedAt
		}
		if payload.LastCalledAt != nil {
			entry.LastCalledAt = payload.LastCalledAt
		}
		entry.CallCount = payload.CallCount
		if payload.ConsultationStartedAt != nil {
			entry.ConsultationStartedAt = payload.ConsultationStartedAt
		}
		if payload.ConsultationEndedAt != nil {
			entry.ConsultationEndedAt = payload.ConsultationEndedAt
		}
		if payload.Outcome != "" {
			entry.Outcome = payload.Outcome
		}
	}
	return entry, nil
}
