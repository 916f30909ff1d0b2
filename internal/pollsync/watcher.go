package pollsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"clinicdesk/attendance-service/internal/models"
)

const (
	ChangeCallAnnounced       = "call.announced"
	ChangeCallCleared         = "call.cleared"
	ChangeEntryJoined         = "entry.joined"
	ChangeEntryLeft           = "entry.left"
	ChangeConsultationStarted = "consultation.started"
	ChangeConsultationEnded   = "consultation.ended"
)

type Change struct {
	Kind  string
	Entry *models.QueueEntry
	Call  *models.CallEvent
}

// Source fetches a clinic snapshot. An etag equal to the current one yields
// modified == false and no snapshot.
type Source interface {
	Fetch(ctx context.Context, clinicID int64, etag string) (snapshot models.Snapshot, newETag string, modified bool, err error)
}

// Diff derives what happened between two polls. Each snapshot is complete,
// so nothing from prev is carried into the result.
func Diff(prev, next models.Snapshot) []Change {
	var changes []Change

	prevCall, nextCall := int64(0), int64(0)
	if prev.ActiveCall != nil {
		prevCall = prev.ActiveCall.ID
	}
	if next.ActiveCall != nil {
		nextCall = next.ActiveCall.ID
	}
	switch {
	case nextCall != 0 && nextCall != prevCall:
		call := *next.ActiveCall
		changes = append(changes, Change{Kind: ChangeCallAnnounced, Call: &call})
	case nextCall == 0 && prevCall != 0:
		call := *prev.ActiveCall
		changes = append(changes, Change{Kind: ChangeCallCleared, Call: &call})
	}

	prevWaiting := indexEntries(prev.Waiting)
	prevConsulting := indexEntries(prev.InConsultation)
	nextWaiting := indexEntries(next.Waiting)
	nextConsulting := indexEntries(next.InConsultation)

	for _, entry := range next.Waiting {
		if _, ok := prevWaiting[entry.ID]; !ok {
			changes = append(changes, entryChange(ChangeEntryJoined, entry))
		}
	}
	for _, entry := range next.InConsultation {
		if _, ok := prevConsulting[entry.ID]; !ok {
			changes = append(changes, entryChange(ChangeConsultationStarted, entry))
		}
	}
	for _, entry := range prev.Waiting {
		if _, ok := nextWaiting[entry.ID]; ok {
			continue
		}
		if _, ok := nextConsulting[entry.ID]; ok {
			continue
		}
		changes = append(changes, entryChange(ChangeEntryLeft, entry))
	}
	for _, entry := range prev.InConsultation {
		if _, ok := nextConsulting[entry.ID]; !ok {
			changes = append(changes, entryChange(ChangeConsultationEnded, entry))
		}
	}
	return changes
}

func indexEntries(entries []models.QueueEntry) map[int64]struct{} {
	index := make(map[int64]struct{}, len(entries))
	for _, entry := range entries {
		index[entry.ID] = struct{}{}
	}
	return index
}

func entryChange(kind string, entry models.QueueEntry) Change {
	return Change{Kind: kind, Entry: &entry}
}

// Watcher polls one clinic on a fixed interval and reports changes. It keeps
// only the last full snapshot; a failed poll leaves it untouched.
type Watcher struct {
	source   Source
	clinicID int64
	interval time.Duration
	logger   zerolog.Logger
	onChange func(Change)

	last models.Snapshot
	etag string
}

func NewWatcher(source Source, clinicID int64, interval time.Duration, logger zerolog.Logger, onChange func(Change)) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if onChange == nil {
		onChange = func(Change) {}
	}
	return &Watcher{
		source:   source,
		clinicID: clinicID,
		interval: interval,
		logger:   logger,
		onChange: onChange,
	}
}

// Current is the last snapshot the watcher accepted.
func (w *Watcher) Current() models.Snapshot {
	return w.last
}

// Poll runs one fetch and returns the changes it produced.
func (w *Watcher) Poll(ctx context.Context) ([]Change, error) {
	snapshot, etag, modified, err := w.source.Fetch(ctx, w.clinicID, w.etag)
	if err != nil {
		return nil, err
	}
	if !modified {
		return nil, nil
	}
	changes := Diff(w.last, snapshot)
	w.last = snapshot
	w.etag = etag
	for _, change := range changes {
		w.onChange(change)
	}
	return changes, nil
}

func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Int64("clinic_id", w.clinicID).Msg("snapshot poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
