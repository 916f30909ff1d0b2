package pollsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicdesk/attendance-service/internal/models"
)

func entry(id int64) models.QueueEntry {
	return models.QueueEntry{ID: id, ClinicID: 1, PatientID: 100 + id}
}

func kinds(changes []Change) []string {
	var out []string
	for _, change := range changes {
		out = append(out, change.Kind)
	}
	return out
}

func TestDiff(t *testing.T) {
	call1 := &models.CallEvent{ID: 1, ClinicID: 1, PatientID: 101}
	call2 := &models.CallEvent{ID: 2, ClinicID: 1, PatientID: 102}

	tests := []struct {
		name string
		prev models.Snapshot
		next models.Snapshot
		want []string
	}{
		{
			name: "first poll",
			next: models.Snapshot{Waiting: []models.QueueEntry{entry(1)}, ActiveCall: call1},
			want: []string{ChangeCallAnnounced, ChangeEntryJoined},
		},
		{
			name: "unchanged",
			prev: models.Snapshot{Waiting: []models.QueueEntry{entry(1)}, ActiveCall: call1},
			next: models.Snapshot{Waiting: []models.QueueEntry{entry(1)}, ActiveCall: call1},
		},
		{
			name: "new call supersedes",
			prev: models.Snapshot{ActiveCall: call1},
			next: models.Snapshot{ActiveCall: call2},
			want: []string{ChangeCallAnnounced},
		},
		{
			name: "call expired",
			prev: models.Snapshot{ActiveCall: call1},
			next: models.Snapshot{},
			want: []string{ChangeCallCleared},
		},
		{
			name: "started",
			prev: models.Snapshot{Waiting: []models.QueueEntry{entry(1), entry(2)}},
			next: models.Snapshot{Waiting: []models.QueueEntry{entry(2)}, InConsultation: []models.QueueEntry{entry(1)}},
			want: []string{ChangeConsultationStarted},
		},
		{
			name: "finished and removed",
			prev: models.Snapshot{Waiting: []models.QueueEntry{entry(2)}, InConsultation: []models.QueueEntry{entry(1)}},
			next: models.Snapshot{},
			want: []string{ChangeEntryLeft, ChangeConsultationEnded},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kinds(Diff(tt.prev, tt.next)))
		})
	}
}

type scriptedSource struct {
	responses []fetchResponse
	etags     []string
}

type fetchResponse struct {
	snapshot models.Snapshot
	etag     string
	modified bool
	err      error
}

func (s *scriptedSource) Fetch(ctx context.Context, clinicID int64, etag string) (models.Snapshot, string, bool, error) {
	s.etags = append(s.etags, etag)
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next.snapshot, next.etag, next.modified, next.err
}

func TestWatcherPoll(t *testing.T) {
	first := models.Snapshot{ClinicID: 1, Revision: 1, Waiting: []models.QueueEntry{entry(1)}}
	second := models.Snapshot{ClinicID: 1, Revision: 2, InConsultation: []models.QueueEntry{entry(1)}}
	source := &scriptedSource{responses: []fetchResponse{
		{snapshot: first, etag: `"1-1-0"`, modified: true},
		{modified: false},
		{err: errors.New("connection refused")},
		{snapshot: second, etag: `"1-2-0"`, modified: true},
	}}
	var seen []string
	w := NewWatcher(source, 1, time.Second, zerolog.Nop(), func(c Change) { seen = append(seen, c.Kind) })
	ctx := context.Background()

	changes, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ChangeEntryJoined}, kinds(changes))

	changes, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = w.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(1), w.Current().Revision, "failed poll keeps the last snapshot")

	changes, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ChangeConsultationStarted}, kinds(changes))
	assert.Equal(t, second, w.Current())

	assert.Equal(t, []string{"", `"1-1-0"`, `"1-1-0"`, `"1-1-0"`}, source.etags)
	assert.Equal(t, []string{ChangeEntryJoined, ChangeConsultationStarted}, seen)
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	source := &scriptedSource{responses: []fetchResponse{{modified: false}, {modified: false}, {modified: false}}}
	w := NewWatcher(source, 1, time.Hour, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPSourceFetch(t *testing.T) {
	snapshot := models.Snapshot{ClinicID: 1, Revision: 4, Waiting: []models.QueueEntry{entry(1)}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer board-token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"request_id":"","error":{"code":"unauthorized","message":"missing token"}}`))
			return
		}
		if r.URL.Path != "/api/clinics/1/snapshot" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("If-None-Match") == `"1-4-0"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"1-4-0"`)
		_ = json.NewEncoder(w).Encode(snapshot)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, "board-token", time.Second)
	got, etag, modified, err := source.Fetch(context.Background(), 1, "")
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, `"1-4-0"`, etag)
	assert.Equal(t, int64(4), got.Revision)
	require.Len(t, got.Waiting, 1)

	_, etag, modified, err = source.Fetch(context.Background(), 1, etag)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, `"1-4-0"`, etag)

	_, _, _, err = NewHTTPSource(server.URL, "", time.Second).Fetch(context.Background(), 1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}
