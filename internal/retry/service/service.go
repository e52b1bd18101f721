// Package service is the retry orchestrator: it wraps registration creation
// in a bounded sequence of backoff-scheduled attempts and records each one.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"sangha/internal/audit"
	"sangha/internal/ordergateway/classifier"
	"sangha/internal/registration/lock"
	regmodels "sangha/internal/registration/models"
	regservice "sangha/internal/registration/service"
	"sangha/internal/retry/metrics"
	"sangha/internal/retry/models"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/clock"
	"sangha/pkg/platform/sentinel"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Submitter,Store

// Submitter runs one creation attempt through the lifecycle orchestrator.
type Submitter interface {
	Submit(ctx context.Context, payload regmodels.Payload, opts regservice.SubmitOptions) (*regservice.CreateResult, error)
	CheckDuplicate(ctx context.Context, userID id.UserID, eventID id.EventID) error
}

// Store persists retry records.
type Store interface {
	Create(ctx context.Context, rec *models.RetryRecord) error
	Get(ctx context.Context, retryID id.RetryID) (*models.RetryRecord, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.RetryRecord, error)
	ListActive(ctx context.Context) ([]*models.RetryRecord, error)
	Save(ctx context.Context, rec *models.RetryRecord) error
}

// Locker serializes attempts on one record across instances sharing a store.
type Locker interface {
	Lock(ctx context.Context, key string) (lock.Release, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Clock is the time source and scheduler for follow-up attempts.
type Clock interface {
	clock.Clock
	clock.Scheduler
}

// saveAttempts bounds how often one attempt's outcome is written before the
// failure is reported.
const saveAttempts = 3

// Service schedules and records creation attempts. Attempts for one record
// never overlap: each holds the record's mutex, plus the shared lock when a
// Locker is configured, and at most one timer per record is pending.
type Service struct {
	store     Store
	submitter Submitter
	clock     Clock
	policy    models.Policy
	logger    *slog.Logger
	metrics   *metrics.Metrics
	auditor   AuditPublisher
	locker    Locker

	mu     sync.Mutex
	locks  map[id.RetryID]*sync.Mutex
	timers map[id.RetryID]clock.Timer
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

// WithLocker adds a lock shared between instances. Without it attempts are
// serialized within this process only.
func WithLocker(l Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

// WithClock injects the time source and scheduler. Tests pass a *clock.Manual.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithPolicy(p models.Policy) Option {
	return func(s *Service) {
		if p.MaxAttempts > 0 {
			s.policy = p
		}
	}
}

func New(store Store, submitter Submitter, opts ...Option) *Service {
	s := &Service{
		store:     store,
		submitter: submitter,
		clock:     clock.System{},
		policy:    models.DefaultPolicy(),
		logger:    slog.Default(),
		locks:     make(map[id.RetryID]*sync.Mutex),
		timers:    make(map[id.RetryID]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of CreateRetryable. Done is true when attempt #1
// settled the sequence, successfully or not.
type Result struct {
	Record       *models.RetryRecord
	Registration *regmodels.Registration
	Done         bool
	// Err is the classified error of a failed attempt #1.
	Err error
}

// CreateRetryable records a new attempt sequence for userID and runs attempt
// #1 before returning. A retryable failure schedules the next attempt and
// leaves the record in status retrying.
func (s *Service) CreateRetryable(ctx context.Context, userID id.UserID, payload regmodels.Payload) (*Result, error) {
	payload.UserID = userID
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if err := s.submitter.CheckDuplicate(ctx, userID, payload.EventID); err != nil {
		return nil, err
	}

	rec := models.NewRetryRecord(payload, s.clock.Now())
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create retry record")
	}
	s.logger.InfoContext(ctx, "retry sequence created",
		"retry_id", rec.ID.String(),
		"user_id", userID,
		"event_id", payload.EventID,
	)

	// Later attempts outlive the request; keep its values for correlation only.
	attemptCtx := context.WithoutCancel(ctx)
	release, err := s.lockRecord(attemptCtx, rec.ID)
	if err != nil {
		// Another instance resumed the record first and owns its attempts.
		s.logger.WarnContext(ctx, "retry record busy; leaving attempt to its holder",
			"retry_id", rec.ID.String(), "error", err)
		return &Result{Record: rec.Clone()}, nil
	}
	out, err := s.attempt(attemptCtx, rec)
	release()
	s.forgetIfIdle(rec.ID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Record:       rec.Clone(),
		Registration: out.registration,
		Done:         rec.Status.IsTerminal(),
		Err:          out.err,
	}, nil
}

// Get returns the latest state of a retry record.
func (s *Service) Get(ctx context.Context, retryID id.RetryID) (*models.RetryRecord, error) {
	rec, err := s.store.Get(ctx, retryID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "retry record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load retry record")
	}
	return rec, nil
}

// ListByUser returns every retry record of userID in creation order.
func (s *Service) ListByUser(ctx context.Context, userID id.UserID) ([]*models.RetryRecord, error) {
	recs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list retry records")
	}
	return recs, nil
}

// Resume schedules the next attempt of every non-terminal record, honouring
// the recorded NextAttemptAt. Used at startup after a restart.
func (s *Service) Resume(ctx context.Context) (int, error) {
	recs, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	for _, rec := range recs {
		delay := s.policy.Delay(rec.NextAttemptNumber())
		if rec.NextAttemptAt != nil {
			delay = max(rec.NextAttemptAt.Sub(now), 0)
		}
		s.schedule(context.WithoutCancel(ctx), rec.ID, delay)
	}
	if len(recs) > 0 {
		s.logger.InfoContext(ctx, "resumed retry sequences", "count", len(recs))
	}
	return len(recs), nil
}

// Close stops pending timers and waits for running attempts. Records keep
// their status and can be picked up again with Resume.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for retryID, t := range s.timers {
		if t.Stop() {
			s.metrics.TimerDone()
			s.wg.Done()
		}
		delete(s.timers, retryID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// attemptOutcome is what one attempt produced: the created registration or
// the classified failure.
type attemptOutcome struct {
	registration *regmodels.Registration
	err          error
}

// attempt runs the next attempt of rec, records its outcome and schedules a
// follow-up when the failure is retryable and the budget allows. The returned
// error means the outcome could not be persisted; nothing is scheduled or
// announced then. The caller holds the record's lock.
func (s *Service) attempt(ctx context.Context, rec *models.RetryRecord) (attemptOutcome, error) {
	n := rec.NextAttemptNumber()
	res, submitErr := s.submitter.Submit(ctx, rec.RegistrationData, regservice.SubmitOptions{IdempotencyKey: rec.ID.String()})
	now := s.clock.Now()

	var created *regmodels.Registration
	if submitErr == nil {
		created = res.Registration
		regID := created.ID
		rec.Attempts = append(rec.Attempts, models.Attempt{AttemptNumber: n, Timestamp: now, Outcome: models.OutcomeSuccess})
		rec.Status = models.StatusSuccess
		rec.FinalOrderID = created.ExternalOrderID
		rec.RegistrationID = &regID
		rec.LastError = ""
		rec.NextAttemptAt = nil
		s.metrics.IncrementAttempt(string(models.OutcomeSuccess), "")
	} else {
		f := classifyFailure(submitErr)
		rec.Attempts = append(rec.Attempts, models.Attempt{
			AttemptNumber: n,
			Timestamp:     now,
			Outcome:       models.OutcomeFailure,
			ErrorCode:     f.code,
			Message:       f.message,
		})
		rec.LastError = f.message
		if f.externalOrderID != "" {
			rec.FinalOrderID = f.externalOrderID
		}
		if f.retryable && !s.policy.Exhausted(n) {
			at := now.Add(s.policy.Delay(n + 1))
			rec.Status = models.StatusRetrying
			rec.NextAttemptAt = &at
		} else {
			rec.Status = models.StatusFailed
			rec.NextAttemptAt = nil
		}
		s.metrics.IncrementAttempt(string(models.OutcomeFailure), f.code)
		s.logger.WarnContext(ctx, "retry attempt failed",
			"retry_id", rec.ID.String(),
			"attempt", n,
			"code", f.code,
			"retryable", f.retryable,
			"status", string(rec.Status),
		)
	}
	rec.UpdatedAt = now

	out := attemptOutcome{registration: created, err: submitErr}
	if err := s.save(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to save retry record",
			"retry_id", rec.ID.String(),
			"attempt", n,
			"status", string(rec.Status),
			"error", err,
		)
		if created != nil {
			return out, classifier.StorageInconsistency(err, created.ExternalOrderID)
		}
		return out, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save retry attempt")
	}

	switch rec.Status {
	case models.StatusRetrying:
		delay := rec.NextAttemptAt.Sub(now)
		s.schedule(ctx, rec.ID, delay)
		s.emit(ctx, rec, audit.EventRetryScheduled, map[string]string{
			"nextAttempt": strconv.Itoa(n + 1),
			"delay":       delay.String(),
		})
	case models.StatusSuccess:
		s.finish(ctx, rec, audit.EventRetrySucceeded)
	case models.StatusFailed:
		s.finish(ctx, rec, audit.EventRetryFailed)
	}
	return out, nil
}

// save writes rec, repeating transient failures. A conflict after a failed
// write is accepted when the store already holds this attempt.
func (s *Service) save(ctx context.Context, rec *models.RetryRecord) error {
	var err error
	for i := 0; i < saveAttempts; i++ {
		err = s.store.Save(ctx, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrInvalidState):
			if i > 0 && s.alreadySaved(ctx, rec) {
				return nil
			}
			return err
		case errors.Is(err, sentinel.ErrNotFound):
			return err
		}
		s.logger.WarnContext(ctx, "retrying save of retry record",
			"retry_id", rec.ID.String(), "try", i+1, "error", err)
	}
	return err
}

func (s *Service) alreadySaved(ctx context.Context, rec *models.RetryRecord) bool {
	stored, err := s.store.Get(ctx, rec.ID)
	if err != nil || len(stored.Attempts) != len(rec.Attempts) {
		return false
	}
	last, want := stored.Attempts[len(stored.Attempts)-1], rec.Attempts[len(rec.Attempts)-1]
	return last.AttemptNumber == want.AttemptNumber && last.Timestamp.Equal(want.Timestamp) && last.Outcome == want.Outcome
}

func (s *Service) finish(ctx context.Context, rec *models.RetryRecord, eventType audit.EventType) {
	s.metrics.IncrementFinished(string(rec.Status))
	s.logger.InfoContext(ctx, "retry sequence finished",
		"retry_id", rec.ID.String(),
		"status", string(rec.Status),
		"attempts", len(rec.Attempts),
		"final_order_id", rec.FinalOrderID,
	)
	s.emit(ctx, rec, eventType, map[string]string{"attempts": strconv.Itoa(len(rec.Attempts))})
}

// schedule arms the single pending timer of a record.
func (s *Service) schedule(ctx context.Context, retryID id.RetryID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[retryID]; ok {
		return
	}
	s.wg.Add(1)
	s.metrics.IncrementScheduled()
	s.timers[retryID] = s.clock.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.metrics.TimerDone()
		s.runScheduled(ctx, retryID)
	})
}

// runScheduled fires a record's timer. The record is reloaded under its lock:
// a terminal record is left alone, and one whose next attempt was moved later
// by another instance is rescheduled instead of attempted.
func (s *Service) runScheduled(ctx context.Context, retryID id.RetryID) {
	defer s.forgetIfIdle(retryID)
	release, err := s.lockRecord(ctx, retryID)

	s.mu.Lock()
	delete(s.timers, retryID)
	s.mu.Unlock()

	if err != nil {
		s.logger.WarnContext(ctx, "retry record busy; skipping scheduled attempt",
			"retry_id", retryID.String(), "error", err)
		return
	}
	defer release()

	rec, err := s.store.Get(ctx, retryID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load retry record for scheduled attempt",
			"retry_id", retryID.String(), "error", err)
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	if now := s.clock.Now(); rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
		s.schedule(ctx, retryID, rec.NextAttemptAt.Sub(now))
		return
	}
	// Persistence failures are logged by attempt; Resume picks the record up.
	_, _ = s.attempt(ctx, rec)
}

func lockKey(retryID id.RetryID) string {
	return "retry-id:" + retryID.String()
}

// lockRecord takes the record's mutex and, when configured, the shared lock.
func (s *Service) lockRecord(ctx context.Context, retryID id.RetryID) (func(), error) {
	mu := s.recordLock(retryID)
	mu.Lock()
	if s.locker == nil {
		return mu.Unlock, nil
	}
	release, err := s.locker.Lock(ctx, lockKey(retryID))
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		mu.Unlock()
	}, nil
}

// forgetIfIdle drops the record's mutex once no timer for it is pending.
func (s *Service) forgetIfIdle(retryID id.RetryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[retryID]; !ok {
		delete(s.locks, retryID)
	}
}

func (s *Service) recordLock(retryID id.RetryID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[retryID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[retryID] = mu
	}
	return mu
}

func (s *Service) emit(ctx context.Context, rec *models.RetryRecord, eventType audit.EventType, meta map[string]string) {
	if s.auditor == nil {
		return
	}
	event := audit.Event{
		Type:      eventType,
		Timestamp: s.clock.Now(),
		UserID:    string(rec.UserID),
		EventID:   string(rec.RegistrationData.EventID),
		RetryID:   rec.ID.String(),
		OrderID:   rec.FinalOrderID,
		Reason:    rec.LastError,
		Metadata:  meta,
	}
	if rec.RegistrationID != nil {
		event.RegistrationID = rec.RegistrationID.String()
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "type", string(eventType), "error", err)
	}
}

type failure struct {
	code            string
	message         string
	retryable       bool
	externalOrderID string
}

// classifyFailure decides whether a failed attempt may be repeated. Gateway
// failures follow the classifier table; a storage inconsistency is terminal
// because the order already exists. Lock timeouts and infrastructure errors
// count as transient.
func classifyFailure(err error) failure {
	de, ok := dErrors.As(err)
	if !ok {
		d := classifier.ClassifyError(err)
		return failure{code: string(d.Code), message: err.Error(), retryable: d.Retryable}
	}
	f := failure{code: string(de.Code), message: de.Message}
	switch de.Code {
	case dErrors.CodeGateway:
		if de.Details != nil {
			f.code = de.Details.GatewayCode
			f.retryable = de.Details.Retryable
		}
	case dErrors.CodeStorageInconsistency:
		if de.Details != nil {
			f.externalOrderID = de.Details.ExternalOrderID
		}
	case dErrors.CodeTimeout, dErrors.CodeUnavailable, dErrors.CodeInternal:
		f.retryable = true
	}
	return f
}
