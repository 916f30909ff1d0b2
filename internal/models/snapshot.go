package models

import "time"

// Snapshot is the complete state a polling client needs for one clinic.
type Snapshot struct {
	ClinicID       int64        `json:"clinic_id"`
	Revision       int64        `json:"revision"`
	GeneratedAt    time.Time    `json:"generated_at"`
	Waiting        []QueueEntry `json:"waiting"`
	InConsultation []QueueEntry `json:"in_consultation"`
	ActiveCall     *CallEvent   `json:"active_call,omitempty"`
	RecentCalls    []CallEvent  `json:"recent_calls"`
}
