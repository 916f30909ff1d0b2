package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/store"
)

const doctorConsultationIndex = "queue_entries_doctor_consultation_uidx"

type Options struct {
	// LockTimeout bounds how long a unit waits for the clinic lock before
	// failing transiently. Zero keeps the server default.
	LockTimeout time.Duration
}

type Store struct {
	reader
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		reader:      reader{q: pool},
		pool:        pool,
		lockTimeout: options.LockTimeout,
	}
}

func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			return mapError(err)
		}
	}

	if err = fn(&txn{reader: reader{q: tx}, tx: tx, locked: make(map[int64]bool)}); err != nil {
		return mapError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// View reads through one REPEATABLE READ snapshot so every query in fn sees
// the same committed state.
func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(reader{q: tx}); err != nil {
		return mapError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError classifies driver failures into store error kinds. Errors that
// already carry a kind pass through.
func mapError(err error) error {
	if err == nil || store.Kind(err) != nil {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return store.Transient(err)
		case "23505":
			if pgErr.ConstraintName == doctorConsultationIndex {
				return store.ErrDoctorBusy
			}
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return store.Transient(err)
	}
	return err
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q querier
}

const entryColumns = `id, clinic_id, patient_id, doctor_id, procedure_id, value_cents, status, arrived_at,
	last_called_at, call_count, consultation_started_at, consultation_ended_at, outcome`

const callColumns = `id, clinic_id, queue_entry_id, patient_id, doctor_id, room_label, called_at, active`

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var outcome sql.NullString
	if err := row.Scan(&entry.ID, &entry.ClinicID, &entry.PatientID, &entry.DoctorID, &entry.ProcedureID, &entry.ValueCents,
		&entry.Status, &entry.ArrivedAt, &entry.LastCalledAt, &entry.CallCount, &entry.ConsultationStartedAt,
		&entry.ConsultationEndedAt, &outcome); err != nil {
		return models.QueueEntry{}, err
	}
	entry.Outcome = outcome.String
	return entry, nil
}

func scanCall(row pgx.Row) (models.CallEvent, error) {
	var call models.CallEvent
	if err := row.Scan(&call.ID, &call.ClinicID, &call.QueueEntryID, &call.PatientID, &call.DoctorID, &call.RoomLabel,
		&call.CalledAt, &call.Active); err != nil {
		return models.CallEvent{}, err
	}
	return call, nil
}

func (r reader) GetEntry(ctx context.Context, filter store.Filter, entryID int64) (models.QueueEntry, error) {
	entry, err := scanEntry(r.q.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1 AND ($2 OR clinic_id = $3)
	`, entryID, filter.AllClinics, filter.ClinicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, mapError(err)
	}
	return entry, nil
}

func (r reader) ListEntries(ctx context.Context, filter store.Filter, query store.EntryQuery) ([]models.QueueEntry, error) {
	if !filter.Allows(query.ClinicID) {
		return nil, store.ErrClinicMismatch
	}
	conditions := []string{"clinic_id = $1"}
	args := []any{query.ClinicID}
	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(query.Statuses) > 0 {
		conditions = append(conditions, "status = ANY("+next(query.Statuses)+")")
	}
	switch doctor := query.Doctor; {
	case doctor.DoctorID > 0 && doctor.Unassigned:
		conditions = append(conditions, "(doctor_id = "+next(doctor.DoctorID)+" OR doctor_id IS NULL)")
	case doctor.DoctorID > 0:
		conditions = append(conditions, "doctor_id = "+next(doctor.DoctorID))
	case doctor.Unassigned:
		conditions = append(conditions, "doctor_id IS NULL")
	}
	if query.OnlyUncalled {
		conditions = append(conditions, "last_called_at IS NULL")
	}
	statement := `SELECT ` + entryColumns + ` FROM queue_entries WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY arrived_at, id`
	if query.Limit > 0 {
		statement += " LIMIT " + next(query.Limit)
	}

	rows, err := r.q.Query(ctx, statement, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, mapError(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

func (r reader) GetCall(ctx context.Context, filter store.Filter, callID int64) (models.CallEvent, error) {
	call, err := scanCall(r.q.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_events
		WHERE id = $1 AND ($2 OR clinic_id = $3)
	`, callID, filter.AllClinics, filter.ClinicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CallEvent{}, store.ErrCallNotFound
		}
		return models.CallEvent{}, mapError(err)
	}
	return call, nil
}

func (r reader) LatestActiveCall(ctx context.Context, filter store.Filter, clinicID int64) (models.CallEvent, bool, error) {
	if !filter.Allows(clinicID) {
		return models.CallEvent{}, false, store.ErrClinicMismatch
	}
	call, err := scanCall(r.q.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_events
		WHERE clinic_id = $1 AND active
		ORDER BY called_at DESC, id DESC
		LIMIT 1
	`, clinicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CallEvent{}, false, nil
		}
		return models.CallEvent{}, false, mapError(err)
	}
	return call, true, nil
}

func (r reader) ListCalls(ctx context.Context, filter store.Filter, clinicID int64, limit int) ([]models.CallEvent, error) {
	if !filter.Allows(clinicID) {
		return nil, store.ErrClinicMismatch
	}
	rows, err := r.q.Query(ctx, `
		SELECT `+callColumns+`
		FROM call_events
		WHERE clinic_id = $1
		ORDER BY called_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`, clinicID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var calls []models.CallEvent
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, mapError(err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return calls, nil
}

func (r reader) ListEntryEvents(ctx context.Context, filter store.Filter, entryID int64) ([]store.EntryEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT entry_id, clinic_id, seq, type, payload, created_at, prev_hash, hash
		FROM queue_entry_events
		WHERE entry_id = $1 AND ($2 OR clinic_id = $3)
		ORDER BY seq ASC
	`, entryID, filter.AllClinics, filter.ClinicID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload []byte
		if err := rows.Scan(&event.EntryID, &event.ClinicID, &event.Seq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, mapError(err)
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	if len(events) == 0 {
		return nil, store.ErrEntryNotFound
	}
	return events, nil
}

func (r reader) Revision(ctx context.Context, filter store.Filter, clinicID int64) (int64, error) {
	if !filter.Allows(clinicID) {
		return 0, store.ErrClinicMismatch
	}
	var revision int64
	err := r.q.QueryRow(ctx, `SELECT revision FROM clinic_dispatch_state WHERE clinic_id = $1`, clinicID).Scan(&revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, mapError(err)
	}
	return revision, nil
}

type txn struct {
	reader
	tx     pgx.Tx
	locked map[int64]bool
}

// LockClinic takes the clinic_dispatch_state row lock, creating the row on
// first use, and advances the revision inside the same transaction.
func (t *txn) LockClinic(ctx context.Context, filter store.Filter, clinicID int64) error {
	if !filter.Allows(clinicID) {
		return store.ErrClinicMismatch
	}
	if t.locked[clinicID] {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO clinic_dispatch_state (clinic_id, revision)
		VALUES ($1, 0)
		ON CONFLICT (clinic_id) DO NOTHING
	`, clinicID); err != nil {
		return err
	}
	var revision int64
	if err := t.tx.QueryRow(ctx, `
		SELECT revision
		FROM clinic_dispatch_state
		WHERE clinic_id = $1
		FOR UPDATE
	`, clinicID).Scan(&revision); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE clinic_dispatch_state
		SET revision = $2, updated_at = NOW()
		WHERE clinic_id = $1
	`, clinicID, revision+1); err != nil {
		return err
	}
	t.locked[clinicID] = true
	return nil
}

func (t *txn) InsertEntry(ctx context.Context, filter store.Filter, entry models.QueueEntry) (models.QueueEntry, error) {
	if !filter.Allows(entry.ClinicID) {
		return models.QueueEntry{}, store.ErrClinicMismatch
	}
	return scanEntry(t.tx.QueryRow(ctx, `
		INSERT INTO queue_entries (clinic_id, patient_id, doctor_id, procedure_id, value_cents, status, arrived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+entryColumns,
		entry.ClinicID, entry.PatientID, entry.DoctorID, entry.ProcedureID, entry.ValueCents, entry.Status, entry.ArrivedAt))
}

func (t *txn) UpdateEntry(ctx context.Context, filter store.Filter, entry models.QueueEntry, fromStatus string) (models.QueueEntry, error) {
	updated, err := scanEntry(t.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET doctor_id = $4, procedure_id = $5, value_cents = $6, status = $7, last_called_at = $8, call_count = $9,
			consultation_started_at = $10, consultation_ended_at = $11, outcome = $12
		WHERE id = $1 AND status = $2 AND ($3 OR clinic_id = $13)
		RETURNING `+entryColumns,
		entry.ID, fromStatus, filter.AllClinics, entry.DoctorID, entry.ProcedureID, entry.ValueCents, entry.Status,
		entry.LastCalledAt, entry.CallCount, entry.ConsultationStartedAt, entry.ConsultationEndedAt,
		nullIfEmpty(entry.Outcome), filter.ClinicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, t.missedEntry(ctx, filter, entry.ID)
		}
		return models.QueueEntry{}, err
	}
	return updated, nil
}

func (t *txn) DeleteEntry(ctx context.Context, filter store.Filter, entryID int64, fromStatus string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM queue_entries
		WHERE id = $1 AND status = $2 AND ($3 OR clinic_id = $4)
	`, entryID, fromStatus, filter.AllClinics, filter.ClinicID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return t.missedEntry(ctx, filter, entryID)
	}
	return nil
}

// missedEntry explains why a conditional write touched no row.
func (t *txn) missedEntry(ctx context.Context, filter store.Filter, entryID int64) error {
	if _, err := t.GetEntry(ctx, filter, entryID); err != nil {
		return err
	}
	return store.ErrInvalidState
}

func (t *txn) DeactivateClinicCalls(ctx context.Context, filter store.Filter, clinicID int64) (int, error) {
	if !filter.Allows(clinicID) {
		return 0, store.ErrClinicMismatch
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE call_events
		SET active = FALSE
		WHERE clinic_id = $1 AND active
	`, clinicID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txn) InsertCall(ctx context.Context, filter store.Filter, call models.CallEvent) (models.CallEvent, error) {
	if !filter.Allows(call.ClinicID) {
		return models.CallEvent{}, store.ErrClinicMismatch
	}
	return scanCall(t.tx.QueryRow(ctx, `
		INSERT INTO call_events (clinic_id, queue_entry_id, patient_id, doctor_id, room_label, called_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+callColumns,
		call.ClinicID, call.QueueEntryID, call.PatientID, call.DoctorID, call.RoomLabel, call.CalledAt, call.Active))
}

func (t *txn) DeactivateCall(ctx context.Context, filter store.Filter, callID int64) (models.CallEvent, error) {
	call, err := scanCall(t.tx.QueryRow(ctx, `
		UPDATE call_events
		SET active = FALSE
		WHERE id = $1 AND ($2 OR clinic_id = $3)
		RETURNING `+callColumns,
		callID, filter.AllClinics, filter.ClinicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CallEvent{}, store.ErrCallNotFound
		}
		return models.CallEvent{}, err
	}
	return call, nil
}

func (t *txn) AppendEntryEvent(ctx context.Context, filter store.Filter, clinicID, entryID int64, eventType string, payload []byte, at time.Time) error {
	if !filter.Allows(clinicID) {
		return store.ErrClinicMismatch
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fmt.Sprintf("queue_entry:%d", entryID)); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := t.tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE
	`, entryID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := prevHash.String
	createdAt := at.UTC().Truncate(time.Microsecond)
	hash := store.ComputeEntryEventHash(prev, entryID, eventType, payload, createdAt, nextSeq)

	_, err := t.tx.Exec(ctx, `
		INSERT INTO queue_entry_events (entry_id, clinic_id, seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entryID, clinicID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func (t *txn) FindAction(ctx context.Context, filter store.Filter, action, requestID string) (store.ActionRecord, bool, error) {
	record := store.ActionRecord{RequestID: requestID, Action: action}
	err := t.tx.QueryRow(ctx, `
		SELECT clinic_id, entry_id, call_id, created_at
		FROM dispatch_action_requests
		WHERE request_id = $1 AND action = $2 AND ($3 OR clinic_id = $4)
	`, requestID, action, filter.AllClinics, filter.ClinicID).Scan(&record.ClinicID, &record.EntryID, &record.CallID, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ActionRecord{}, false, nil
		}
		return store.ActionRecord{}, false, err
	}
	return record, true, nil
}

func (t *txn) RecordAction(ctx context.Context, filter store.Filter, record store.ActionRecord) error {
	if !filter.Allows(record.ClinicID) {
		return store.ErrClinicMismatch
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO dispatch_action_requests (request_id, action, clinic_id, entry_id, call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.RequestID, record.Action, record.ClinicID, record.EntryID, record.CallID, record.CreatedAt)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
