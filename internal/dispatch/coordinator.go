// Package dispatch is the command surface of the attendance queue. Each
// command resolves the caller's scope, takes the clinic lock and applies its
// queue and call changes as one unit, so concurrent readers see all of it or
// none of it.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clinicdesk/attendance-service/internal/models"
	"clinicdesk/attendance-service/internal/scope"
	"clinicdesk/attendance-service/internal/store"
)

const tracerName = "clinicdesk/attendance-service/dispatch"

type Options struct {
	Now func() time.Time
	// MaxAttempts bounds how many times a unit that failed transiently is
	// run in total.
	MaxAttempts               int
	RetryInitialInterval      time.Duration
	RetryMaxInterval          time.Duration
	AllowRecallInConsultation bool
	Logger                    zerolog.Logger
	Tracer                    trace.Tracer
}

type Coordinator struct {
	backend                   store.Backend
	now                       func() time.Time
	maxAttempts               int
	retryInitialInterval      time.Duration
	retryMaxInterval          time.Duration
	allowRecallInConsultation bool
	logger                    zerolog.Logger
	tracer                    trace.Tracer
}

func New(backend store.Backend, options Options) *Coordinator {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	maxAttempts := options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initial := options.RetryInitialInterval
	if initial <= 0 {
		initial = 25 * time.Millisecond
	}
	maxInterval := options.RetryMaxInterval
	if maxInterval <= 0 {
		maxInterval = 500 * time.Millisecond
	}
	tracer := options.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Coordinator{
		backend:                   backend,
		now:                       now,
		maxAttempts:               maxAttempts,
		retryInitialInterval:      initial,
		retryMaxInterval:          maxInterval,
		allowRecallInConsultation: options.AllowRecallInConsultation,
		logger:                    options.Logger,
		tracer:                    tracer,
	}
}

// Now is the clock every command and read of this coordinator uses.
func (c *Coordinator) Now() time.Time {
	return c.now()
}

type unit struct {
	action    string
	requestID string
	clinicOf  func(ctx context.Context, tx store.Tx, filter store.Filter) (int64, error)
	apply     func(ctx context.Context, tx store.Tx, filter store.Filter, clinicID int64, now time.Time) (outcome, error)
}

type outcome struct {
	clinicID int64
	entry    *models.QueueEntry
	call     *models.CallEvent
	replayed bool
}

func (c *Coordinator) execute(ctx context.Context, caller scope.Caller, u unit) (outcome, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch."+u.action, trace.WithAttributes(attribute.String("dispatch.action", u.action)))
	defer span.End()

	out, err := c.run(ctx, caller, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		event := c.logger.Warn()
		if store.Kind(err) == nil || errors.Is(err, store.ErrTransient) {
			event = c.logger.Error()
		}
		event.Err(err).Str("action", u.action).Str("request_id", u.requestID).Str("user_id", caller.UserID).Msg("dispatch action failed")
		return outcome{}, err
	}

	span.SetAttributes(attribute.Int64("clinic.id", out.clinicID), attribute.Bool("dispatch.replayed", out.replayed))
	event := c.logger.Info().
		Str("action", u.action).
		Str("request_id", u.requestID).
		Str("user_id", caller.UserID).
		Int64("clinic_id", out.clinicID).
		Bool("replayed", out.replayed)
	if out.entry != nil {
		event = event.Int64("entry_id", out.entry.ID).Str("status", out.entry.Status)
	}
	if out.call != nil {
		event = event.Int64("call_id", out.call.ID)
	}
	event.Msg("dispatch action applied")
	return out, nil
}

func (c *Coordinator) run(ctx context.Context, caller scope.Caller, u unit) (outcome, error) {
	filter, err := scope.ResolveCommand(caller)
	if err != nil {
		return outcome{}, err
	}
	if u.requestID != "" {
		if _, err := uuid.Parse(u.requestID); err != nil {
			return outcome{}, store.Validationf("request_id must be a UUID")
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitialInterval
	policy.MaxInterval = c.retryMaxInterval

	operation := func() (outcome, error) {
		out, err := c.attempt(ctx, filter, u)
		if err != nil && !errors.Is(err, store.ErrTransient) {
			return outcome{}, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("action", u.action).Dur("retry_in", wait).Msg("transient store failure, retrying")
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(notify),
	)
}

func (c *Coordinator) attempt(ctx context.Context, filter store.Filter, u unit) (outcome, error) {
	var out outcome
	err := c.backend.Update(ctx, func(tx store.Tx) error {
		replay, found, err := c.replay(ctx, tx, filter, u)
		if err != nil || found {
			out = replay
			return err
		}

		clinicID, err := u.clinicOf(ctx, tx, filter)
		if err != nil {
			return err
		}
		if err := tx.LockClinic(ctx, filter, clinicID); err != nil {
			return err
		}
		// A concurrent unit with the same request id may have committed
		// while this one waited for the lock.
		replay, found, err = c.replay(ctx, tx, filter, u)
		if err != nil || found {
			out = replay
			return err
		}

		now := c.now()
		result, err := u.apply(ctx, tx, filter, clinicID, now)
		if err != nil {
			return err
		}
		result.clinicID = clinicID
		if u.requestID != "" {
			record := store.ActionRecord{
				RequestID: u.requestID,
				Action:    u.action,
				ClinicID:  clinicID,
				CreatedAt: now,
			}
			if result.entry != nil {
				record.EntryID = &result.entry.ID
			}
			if result.call != nil {
				record.CallID = &result.call.ID
			}
			if err := tx.RecordAction(ctx, filter, record); err != nil {
				return err
			}
		}
		out = result
		return nil
	})
	return out, err
}

// replay loads what an earlier run of the same request produced.
func (c *Coordinator) replay(ctx context.Context, tx store.Tx, filter store.Filter, u unit) (outcome, bool, error) {
	if u.requestID == "" {
		return outcome{}, false, nil
	}
	record, found, err := tx.FindAction(ctx, filter, u.action, u.requestID)
	if err != nil || !found {
		return outcome{}, false, err
	}
	out := outcome{clinicID: record.ClinicID, replayed: true}
	if record.EntryID != nil {
		entry, err := loadEntry(ctx, tx, filter, *record.EntryID)
		if err != nil {
			return outcome{}, false, err
		}
		out.entry = &entry
	}
	if record.CallID != nil {
		call, err := tx.GetCall(ctx, filter, *record.CallID)
		if err != nil {
			return outcome{}, false, err
		}
		out.call = &call
	}
	return out, true, nil
}

// loadEntry falls back to the audit chain for entries whose row was removed.
func loadEntry(ctx context.Context, r store.Reader, filter store.Filter, entryID int64) (models.QueueEntry, error) {
	entry, err := r.GetEntry(ctx, filter, entryID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return entry, err
	}
	events, eventsErr := r.ListEntryEvents(ctx, filter, entryID)
	if eventsErr != nil {
		return models.QueueEntry{}, err
	}
	return store.RehydrateEntry(events)
}

func targetClinic(requested int64) func(context.Context, store.Tx, store.Filter) (int64, error) {
	return func(_ context.Context, _ store.Tx, filter store.Filter) (int64, error) {
		return filter.Target(requested)
	}
}

func entryClinic(entryID int64) func(context.Context, store.Tx, store.Filter) (int64, error) {
	return func(ctx context.Context, tx store.Tx, filter store.Filter) (int64, error) {
		if entryID <= 0 {
			return 0, store.Validationf("entry id must be positive")
		}
		entry, err := tx.GetEntry(ctx, filter, entryID)
		if err != nil {
			return 0, err
		}
		return entry.ClinicID, nil
	}
}

func callClinic(callID int64) func(context.Context, store.Tx, store.Filter) (int64, error) {
	return func(ctx context.Context, tx store.Tx, filter store.Filter) (int64, error) {
		if callID <= 0 {
			return 0, store.Validationf("call id must be positive")
		}
		call, err := tx.GetCall(ctx, filter, callID)
		if err != nil {
			return 0, err
		}
		return call.ClinicID, nil
	}
}
