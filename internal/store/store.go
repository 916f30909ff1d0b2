package store

import (
	"context"
	"time"

	"clinicdesk/attendance-service/internal/models"
)

// DoctorFilter narrows waiting-line reads. The zero value matches every
// entry; DoctorID alone matches that doctor's entries; Unassigned alone
// matches entries without a doctor; both together match the doctor's entries
// plus the unassigned pool.
type DoctorFilter struct {
	DoctorID   int64
	Unassigned bool
}

func (f DoctorFilter) Matches(entry models.QueueEntry) bool {
	switch {
	case f.DoctorID > 0 && f.Unassigned:
		return entry.DoctorID == nil || *entry.DoctorID == f.DoctorID
	case f.DoctorID > 0:
		return entry.AssignedTo(f.DoctorID)
	case f.Unassigned:
		return entry.DoctorID == nil
	default:
		return true
	}
}

type EntryQuery struct {
	ClinicID     int64
	Statuses     []string
	Doctor       DoctorFilter
	OnlyUncalled bool
	Limit        int
}

// ActionRecord remembers what a request produced so a replay of the same
// request id returns it instead of acting twice.
type ActionRecord struct {
	RequestID string
	Action    string
	ClinicID  int64
	EntryID   *int64
	CallID    *int64
	CreatedAt time.Time
}

// Reader holds the scoped, lock-free queries. Every method applies the
// filter; rows outside it behave as missing.
type Reader interface {
	GetEntry(ctx context.Context, filter Filter, entryID int64) (models.QueueEntry, error)
	ListEntries(ctx context.Context, filter Filter, query EntryQuery) ([]models.QueueEntry, error)
	GetCall(ctx context.Context, filter Filter, callID int64) (models.CallEvent, error)
	LatestActiveCall(ctx context.Context, filter Filter, clinicID int64) (models.CallEvent, bool, error)
	ListCalls(ctx context.Context, filter Filter, clinicID int64, limit int) ([]models.CallEvent, error)
	ListEntryEvents(ctx context.Context, filter Filter, entryID int64) ([]EntryEvent, error)
	Revision(ctx context.Context, filter Filter, clinicID int64) (int64, error)
}

// Tx is one atomic unit of work. Nothing written through it is visible to
// other readers until Backend.Update returns nil.
type Tx interface {
	Reader
	// LockClinic is the per-clinic serialization point. It must be taken
	// before any read that decides a write, and it advances the clinic
	// revision when the unit commits.
	LockClinic(ctx context.Context, filter Filter, clinicID int64) error
	InsertEntry(ctx context.Context, filter Filter, entry models.QueueEntry) (models.QueueEntry, error)
	// UpdateEntry writes entry only if its stored status is still fromStatus.
	UpdateEntry(ctx context.Context, filter Filter, entry models.QueueEntry, fromStatus string) (models.QueueEntry, error)
	DeleteEntry(ctx context.Context, filter Filter, entryID int64, fromStatus string) error
	DeactivateClinicCalls(ctx context.Context, filter Filter, clinicID int64) (int, error)
	InsertCall(ctx context.Context, filter Filter, call models.CallEvent) (models.CallEvent, error)
	DeactivateCall(ctx context.Context, filter Filter, callID int64) (models.CallEvent, error)
	AppendEntryEvent(ctx context.Context, filter Filter, clinicID, entryID int64, eventType string, payload []byte, at time.Time) error
	FindAction(ctx context.Context, filter Filter, action, requestID string) (ActionRecord, bool, error)
	RecordAction(ctx context.Context, filter Filter, record ActionRecord) error
}

// Viewer runs fn against a single consistent state of the store. Nothing
// committed after View starts is visible through its reader.
type Viewer interface {
	View(ctx context.Context, fn func(r Reader) error) error
}

type Backend interface {
	Reader
	Viewer
	Update(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
