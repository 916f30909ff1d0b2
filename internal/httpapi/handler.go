package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"clinicdesk/attendance-service/internal/dispatch"
	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/scope"
	"clinicdesk/attendance-service/internal/store"

	"github.com/rs/zerolog"
)

// Commands is the write side served by the dispatch coordinator.
type Commands interface {
	CheckIn(ctx context.Context, caller scope.Caller, in dispatch.CheckInInput) (models.QueueEntry, bool, error)
	CallNext(ctx context.Context, caller scope.Caller, in dispatch.CallNextInput) (dispatch.CallResult, bool, error)
	CallAgain(ctx context.Context, caller scope.Caller, in dispatch.CallAgainInput) (dispatch.CallResult, bool, error)
	StartConsultation(ctx context.Context, caller scope.Caller, in dispatch.StartInput) (models.QueueEntry, bool, error)
	FinishConsultation(ctx context.Context, caller scope.Caller, in dispatch.FinishInput) (models.QueueEntry, bool, error)
	CancelConsultation(ctx context.Context, caller scope.Caller, in dispatch.ReasonInput) (models.QueueEntry, bool, error)
	RemoveFromQueue(ctx context.Context, caller scope.Caller, in dispatch.ReasonInput) (models.QueueEntry, bool, error)
	DeactivateCall(ctx context.Context, caller scope.Caller, in dispatch.DeactivateInput) (models.CallEvent, bool, error)
}

// Queries is the polled read side.
type Queries interface {
	ListWaiting(ctx context.Context, caller scope.Caller, clinicID int64, doctor store.DoctorFilter) ([]models.QueueEntry, error)
	GetEntry(ctx context.Context, caller scope.Caller, entryID int64) (models.QueueEntry, error)
	EntryEvents(ctx context.Context, caller scope.Caller, entryID int64) ([]store.EntryEvent, error)
	ActiveCall(ctx context.Context, caller scope.Caller, clinicID int64) (models.CallEvent, bool, error)
	History(ctx context.Context, caller scope.Caller, clinicID int64, limit int) ([]models.CallEvent, error)
	Snapshot(ctx context.Context, caller scope.Caller, clinicID int64) (models.Snapshot, error)
}

type Handler struct {
	commands Commands
	queries  Queries
	health   func(ctx context.Context) error
	logger   zerolog.Logger
}

type Options struct {
	// Health is probed by /healthz; nil always reports healthy.
	Health func(ctx context.Context) error
	Logger zerolog.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(commands Commands, queries Queries, options Options) *Handler {
	return &Handler{
		commands: commands,
		queries:  queries,
		health:   options.Health,
		logger:   options.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/", h.handleEntryRoutes)
	mux.HandleFunc("/api/calls/active", h.handleActiveCall)
	mux.HandleFunc("/api/calls/history", h.handleCallHistory)
	mux.HandleFunc("/api/calls/", h.handleCallActions)
	mux.HandleFunc("/api/clinics/", h.handleClinicRoutes)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Error().Err(err).Msg("health check failed")
			writeError(w, "", http.StatusServiceUnavailable, "unavailable", "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

type checkInRequest struct {
	RequestID   string `json:"request_id"`
	ClinicID    int64  `json:"clinic_id"`
	PatientID   int64  `json:"patient_id"`
	DoctorID    *int64 `json:"doctor_id"`
	ProcedureID *int64 `json:"procedure_id"`
	ValueCents  int64  `json:"value_cents"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListWaiting(w, r)
	case http.MethodPost:
		h.handleCheckIn(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !validRequestID(w, req.RequestID) {
		return
	}
	if req.PatientID <= 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_id is required")
		return
	}

	entry, created, err := h.commands.CheckIn(r.Context(), caller, dispatch.CheckInInput{
		RequestID:   req.RequestID,
		ClinicID:    req.ClinicID,
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		ProcedureID: req.ProcedureID,
		ValueCents:  req.ValueCents,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeCommandResult(w, created, true, entry)
}

func (h *Handler) handleListWaiting(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	clinicID, ok := queryInt64(w, query.Get("clinic_id"), "clinic_id")
	if !ok {
		return
	}
	doctorID, ok := queryInt64(w, query.Get("doctor_id"), "doctor_id")
	if !ok {
		return
	}
	unassigned := false
	if raw := strings.TrimSpace(query.Get("unassigned")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "unassigned must be a boolean")
			return
		}
		unassigned = parsed
	}

	entries, err := h.queries.ListWaiting(r.Context(), caller, clinicID, store.DoctorFilter{DoctorID: doctorID, Unassigned: unassigned})
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type callNextRequest struct {
	RequestID         string `json:"request_id"`
	ClinicID          int64  `json:"clinic_id"`
	DoctorID          int64  `json:"doctor_id"`
	IncludeUnassigned bool   `json:"include_unassigned"`
	UnassignedOnly    bool   `json:"unassigned_only"`
	RoomLabel         string `json:"room_label"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !validRequestID(w, req.RequestID) {
		return
	}
	if req.UnassignedOnly && req.DoctorID > 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "unassigned_only cannot be combined with doctor_id")
		return
	}

	result, created, err := h.commands.CallNext(r.Context(), caller, dispatch.CallNextInput{
		RequestID:         req.RequestID,
		ClinicID:          req.ClinicID,
		DoctorID:          req.DoctorID,
		IncludeUnassigned: req.IncludeUnassigned,
		UnassignedOnly:    req.UnassignedOnly,
		RoomLabel:         req.RoomLabel,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeCommandResult(w, created, true, result)
}

func (h *Handler) handleEntryRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	entryID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || entryID <= 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "entry id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetEntry(w, r, entryID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEntryEvents(w, r, entryID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEntryAction(w, r, entryID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID int64) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	entry, err := h.queries.GetEntry(r.Context(), caller, entryID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEntryEvents(w http.ResponseWriter, r *http.Request, entryID int64) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	events, err := h.queries.EntryEvents(r.Context(), caller, entryID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type entryActionRequest struct {
	RequestID string `json:"request_id"`
	DoctorID  int64  `json:"doctor_id"`
	RoomLabel string `json:"room_label"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID int64, action string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req entryActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !validRequestID(w, req.RequestID) {
		return
	}

	ctx := r.Context()
	switch action {
	case "call-again":
		result, created, err := h.commands.CallAgain(ctx, caller, dispatch.CallAgainInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			DoctorID:  req.DoctorID,
			RoomLabel: req.RoomLabel,
		})
		if err != nil {
			writeMappedError(w, req.RequestID, err)
			return
		}
		writeCommandResult(w, created, true, result)
	case "start":
		if req.DoctorID <= 0 {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id is required")
			return
		}
		entry, created, err := h.commands.StartConsultation(ctx, caller, dispatch.StartInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			DoctorID:  req.DoctorID,
		})
		h.writeEntryResult(w, req.RequestID, entry, created, err)
	case "finish":
		entry, created, err := h.commands.FinishConsultation(ctx, caller, dispatch.FinishInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			Outcome:   req.Outcome,
		})
		h.writeEntryResult(w, req.RequestID, entry, created, err)
	case "cancel":
		entry, created, err := h.commands.CancelConsultation(ctx, caller, dispatch.ReasonInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			Reason:    req.Reason,
		})
		h.writeEntryResult(w, req.RequestID, entry, created, err)
	case "remove":
		entry, created, err := h.commands.RemoveFromQueue(ctx, caller, dispatch.ReasonInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			Reason:    req.Reason,
		})
		h.writeEntryResult(w, req.RequestID, entry, created, err)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) writeEntryResult(w http.ResponseWriter, requestID string, entry models.QueueEntry, created bool, err error) {
	if err != nil {
		writeMappedError(w, requestID, err)
		return
	}
	writeCommandResult(w, created, false, entry)
}

func (h *Handler) handleActiveCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	clinicID, ok := queryInt64(w, r.URL.Query().Get("clinic_id"), "clinic_id")
	if !ok {
		return
	}

	call, found, err := h.queries.ActiveCall(r.Context(), caller, clinicID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (h *Handler) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	clinicID, ok := queryInt64(w, query.Get("clinic_id"), "clinic_id")
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	history, err := h.queries.History(r.Context(), caller, clinicID, limit)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}
	if history == nil {
		history = []models.CallEvent{}
	}
	writeJSON(w, http.StatusOK, history)
}

type deactivateRequest struct {
	RequestID string `json:"request_id"`
}

func (h *Handler) handleCallActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[2] != "deactivate" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	callID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || callID <= 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "call id must be a positive integer")
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req deactivateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if !validRequestID(w, req.RequestID) {
		return
	}

	call, created, err := h.commands.DeactivateCall(r.Context(), caller, dispatch.DeactivateInput{
		RequestID: req.RequestID,
		CallID:    callID,
	})
	if err != nil {
		writeMappedError(w, req.RequestID, err)
		return
	}
	writeCommandResult(w, created, false, call)
}

func (h *Handler) handleClinicRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/clinics/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "snapshot" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	clinicID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || clinicID <= 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic id must be a positive integer")
		return
	}
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	snapshot, err := h.queries.Snapshot(r.Context(), caller, clinicID)
	if err != nil {
		writeMappedError(w, "", err)
		return
	}

	etag := SnapshotETag(snapshot)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// SnapshotETag changes whenever the clinic revision moves or the active call
// appears, changes or expires.
func SnapshotETag(snapshot models.Snapshot) string {
	var callID int64
	if snapshot.ActiveCall != nil {
		callID = snapshot.ActiveCall.ID
	}
	return fmt.Sprintf("\"%d-%d-%d\"", snapshot.ClinicID, snapshot.Revision, callID)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func requireCaller(w http.ResponseWriter, r *http.Request) (scope.Caller, bool) {
	caller, ok := scope.CallerFrom(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing credentials")
		return scope.Caller{}, false
	}
	return caller, true
}

func validRequestID(w http.ResponseWriter, requestID string) bool {
	if requestID != "" && !isValidUUID(requestID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return false
	}
	return true
}

func queryInt64(w http.ResponseWriter, raw, name string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", name+" must be a positive integer")
		return 0, false
	}
	return value, true
}

// decodeRequest accepts an empty body as an empty request.
func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// writeCommandResult answers 201 when a creating command acted and 200 when
// it replayed a stored result or only moved existing state.
func writeCommandResult(w http.ResponseWriter, created, creates bool, payload interface{}) {
	if !created {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	status := http.StatusOK
	if created && creates {
		status = http.StatusCreated
	}
	writeJSON(w, status, payload)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNoPatientWaiting):
		return http.StatusNotFound, "queue_empty", "no patients waiting"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrCallNotFound):
		return http.StatusNotFound, "call_not_found", "call not found"
	case errors.Is(err, store.ErrDoctorBusy):
		return http.StatusConflict, "doctor_busy", "doctor is already with a patient"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "queue entry state does not allow this action"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrAuthorization):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "request conflicts with current state"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrTransient):
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestID, status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
