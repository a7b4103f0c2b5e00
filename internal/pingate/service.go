package pingate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"parental-gate/internal/observability"
)

// CredentialStore is the persistence contract of the gate. Update must be
// a compare-and-swap on Version.
type CredentialStore interface {
	GetActive(ctx context.Context, subjectID string) (CredentialRecord, error)
	ReplaceActive(ctx context.Context, rec CredentialRecord) (CredentialRecord, error)
	Update(ctx context.Context, rec CredentialRecord) (CredentialRecord, error)
}

// AuditSink receives one event per state-changing operation. Details never
// carry a PIN or an answer.
type AuditSink interface {
	RecordEvent(ctx context.Context, subjectID, action, detail string) error
}

type auditEvent struct {
	action string
	detail string
}

type Service struct {
	store      CredentialStore
	audit      AuditSink
	hasher     SecretHasher
	policy     PinPolicy
	lockout    LockoutPolicy
	logger     *observability.Logger
	locks      *subjectLocks
	now        func() time.Time
	maxRetries int
}

func NewService(store CredentialStore, audit AuditSink, logger *observability.Logger, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := NewHasher(cfg.Hasher)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Service{
		store:      store,
		audit:      audit,
		hasher:     hasher,
		policy:     PinPolicy{DenyList: cfg.DenyList},
		lockout:    LockoutPolicy{Threshold: cfg.LockoutThreshold, Duration: cfg.LockoutDuration},
		logger:     logger,
		locks:      newSubjectLocks(),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: cfg.MaxRetries,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = func() time.Time { return now().UTC() }
	}
	return s
}

func (s *Service) WithHasher(hasher SecretHasher) *Service {
	if hasher != nil {
		s.hasher = hasher
	}
	return s
}

func (s *Service) LockoutPolicy() LockoutPolicy {
	return s.lockout
}

func (s *Service) ValidateFormat(pin string) error {
	return s.policy.ValidateFormat(pin)
}

// SetupPin configures the subject's PIN, replacing any active credential.
// Callers must already have proven they own the gate.
func (s *Service) SetupPin(ctx context.Context, subjectID, pin, question, answer string) error {
	return s.setup(ctx, subjectID, pin, question, answer, true)
}

// SetupInitialPin configures a PIN only while the subject has no usable
// credential. A working credential yields ErrAlreadyConfigured; an
// unreadable one is replaced so the parent can recover.
func (s *Service) SetupInitialPin(ctx context.Context, subjectID, pin, question, answer string) error {
	return s.setup(ctx, subjectID, pin, question, answer, false)
}

func (s *Service) setup(ctx context.Context, subjectID, pin, question, answer string, replace bool) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return errSubjectIDRequired
	}
	if err := s.policy.ValidateFormat(pin); err != nil {
		return err
	}
	if err := s.policy.ValidateSecurityQuestion(question); err != nil {
		return err
	}
	if err := s.policy.ValidateSecurityAnswer(answer); err != nil {
		return err
	}

	unlock := s.locks.lock(subjectID)
	defer unlock()

	event := auditEvent{action: ActionPinSetup, detail: "pin configured"}
	if !replace {
		current, err := s.store.GetActive(ctx, subjectID)
		switch {
		case errors.Is(err, ErrNotConfigured):
		case err != nil:
			s.reportStorageError(subjectID, "setup", err)
			return err
		default:
			if err := s.inspect(current); err == nil {
				return ErrAlreadyConfigured
			}
			event.detail = "pin configured over unreadable credential"
		}
	}

	pinDigest, err := s.hasher.Hash([]byte(pin))
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	answerDigest, err := s.hasher.Hash([]byte(NormalizeAnswer(answer)))
	if err != nil {
		return fmt.Errorf("hash security answer: %w", err)
	}

	now := s.now()
	rec := CredentialRecord{
		SubjectID:        subjectID,
		SecurityQuestion: strings.TrimSpace(question),
		AnswerHash:       answerDigest.Hash,
		AnswerSalt:       answerDigest.Salt,
		AnswerAlgorithm:  answerDigest.Algorithm,
		LastChangedAt:    timePtr(now),
		CreatedAt:        now,
		UpdatedAt:        now,
	}.withPin(pinDigest)

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.store.ReplaceActive(ctx, rec); err != nil {
		s.reportStorageError(subjectID, "setup", err)
		return err
	}

	s.emit(ctx, subjectID, []auditEvent{event})
	return nil
}

// inspect checks that both stored digests could be verified.
func (s *Service) inspect(rec CredentialRecord) error {
	if err := s.hasher.Inspect(rec.PinDigest()); err != nil {
		return err
	}
	return s.hasher.Inspect(rec.AnswerDigest())
}

// VerifyPin checks pin against the active credential. A wrong PIN or a
// locked gate is reported in the Outcome; errors are reserved for missing
// configuration, bad input shape and storage faults.
func (s *Service) VerifyPin(ctx context.Context, subjectID, pin string) (Outcome, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Outcome{}, errSubjectIDRequired
	}
	if err := validateShape("pin", pin); err != nil {
		return Outcome{}, err
	}

	unlock := s.locks.lock(subjectID)
	defer unlock()

	return s.verifyLocked(ctx, subjectID, pin, "verify", s.plainSuccess)
}

func (s *Service) ChangePin(ctx context.Context, subjectID, currentPin, newPin string) (Outcome, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Outcome{}, errSubjectIDRequired
	}
	if err := validateShape("current_pin", currentPin); err != nil {
		return Outcome{}, err
	}
	if err := s.policy.ValidateFormat(newPin); err != nil {
		return Outcome{}, err
	}
	if newPin == currentPin {
		return Outcome{}, &FormatError{Field: "new_pin", Reason: "new PIN must differ from the current PIN"}
	}

	unlock := s.locks.lock(subjectID)
	defer unlock()

	var digest *Digest
	change := func(rec CredentialRecord, now time.Time) (CredentialRecord, auditEvent, error) {
		if digest == nil {
			d, err := s.hasher.Hash([]byte(newPin))
			if err != nil {
				return CredentialRecord{}, auditEvent{}, fmt.Errorf("hash pin: %w", err)
			}
			digest = &d
		}
		rec = s.lockout.RegisterSuccess(rec, now)
		rec = s.lockout.Clear(rec).withPin(*digest)
		rec.LastChangedAt = timePtr(now)
		return rec, auditEvent{action: ActionPinChanged, detail: "pin changed"}, nil
	}

	return s.verifyLocked(ctx, subjectID, currentPin, "change", change)
}

type successStep func(rec CredentialRecord, now time.Time) (CredentialRecord, auditEvent, error)

func (s *Service) plainSuccess(rec CredentialRecord, now time.Time) (CredentialRecord, auditEvent, error) {
	return s.lockout.RegisterSuccess(rec, now), auditEvent{action: ActionPinVerifySucceeded, detail: "pin verified"}, nil
}

// verifyLocked runs the counted verification and persists the resulting
// transition with a compare-and-swap, re-reading on conflict. The caller
// holds the subject lock.
func (s *Service) verifyLocked(ctx context.Context, subjectID, pin, op string, onSuccess successStep) (Outcome, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		rec, err := s.store.GetActive(ctx, subjectID)
		if err != nil {
			if !errors.Is(err, ErrNotConfigured) {
				s.reportStorageError(subjectID, op, err)
			}
			return Outcome{}, err
		}

		now := s.now()
		rec, expired := s.lockout.Resolve(rec, now)
		if s.lockout.IsLocked(rec, now) {
			observability.PinVerifications.WithLabelValues(string(StatusLockedOut)).Inc()
			return Outcome{Status: StatusLockedOut, RemainingSeconds: s.lockout.Remaining(rec, now)}, nil
		}

		match, err := s.hasher.Verify([]byte(pin), rec.PinDigest())
		if err != nil {
			s.reportCorruption(subjectID, op, rec.ID, err)
			return Outcome{}, err
		}

		var (
			events  []auditEvent
			outcome Outcome
			crossed bool
		)
		if expired {
			events = append(events, auditEvent{action: ActionLockoutCleared, detail: "lockout expired"})
		}

		if match {
			var event auditEvent
			rec, event, err = onSuccess(rec, now)
			if err != nil {
				return Outcome{}, err
			}
			events = append(events, event)
			outcome = Outcome{Status: StatusVerified, AttemptsRemaining: s.lockout.Threshold}
		} else {
			rec, crossed = s.lockout.RegisterFailure(rec, now)
			events = append(events, auditEvent{
				action: ActionPinVerifyFailed,
				detail: fmt.Sprintf("attempt %d", rec.FailedAttempts),
			})
			outcome = Outcome{
				Status:            StatusInvalid,
				AttemptNumber:     rec.FailedAttempts,
				AttemptsRemaining: s.lockout.AttemptsRemaining(rec, now),
			}
			if crossed {
				remaining := s.lockout.Remaining(rec, now)
				events = append(events, auditEvent{
					action: ActionPinLockedOut,
					detail: fmt.Sprintf("locked for %d seconds", remaining),
				})
				outcome.Status = StatusLockedOut
				outcome.RemainingSeconds = remaining
			}
		}

		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		rec.UpdatedAt = now
		if _, err := s.store.Update(ctx, rec); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				s.logger.Debug("pin_credential_version_conflict", map[string]any{"subject_id": subjectID, "operation": op, "attempt": attempt + 1})
				continue
			}
			s.reportStorageError(subjectID, op, err)
			return Outcome{}, err
		}

		observability.PinVerifications.WithLabelValues(string(outcome.Status)).Inc()
		if crossed {
			observability.PinLockouts.Inc()
		}
		if expired {
			observability.PinLockoutsCleared.WithLabelValues("access").Inc()
		}
		s.emit(ctx, subjectID, events)
		return outcome, nil
	}

	err := storageError(op, ErrVersionConflict)
	s.reportStorageError(subjectID, op, err)
	return Outcome{}, err
}

// ResetPin replaces the PIN after a correct security answer. It bypasses
// the current PIN and any lock. A wrong answer changes nothing and is not
// counted against the lockout.
func (s *Service) ResetPin(ctx context.Context, subjectID, answer, newPin string) (Outcome, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Outcome{}, errSubjectIDRequired
	}
	if err := s.policy.ValidateFormat(newPin); err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(answer) == "" {
		return Outcome{}, &FormatError{Field: "security_answer", Reason: "security answer is required"}
	}

	unlock := s.locks.lock(subjectID)
	defer unlock()

	var digest *Digest
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		rec, err := s.store.GetActive(ctx, subjectID)
		if err != nil {
			if !errors.Is(err, ErrNotConfigured) {
				s.reportStorageError(subjectID, "reset", err)
			}
			return Outcome{}, err
		}

		match, err := s.hasher.Verify([]byte(NormalizeAnswer(answer)), rec.AnswerDigest())
		if err != nil {
			s.reportCorruption(subjectID, "reset", rec.ID, err)
			return Outcome{}, err
		}
		if !match {
			observability.PinResets.WithLabelValues("invalid").Inc()
			s.emit(ctx, subjectID, []auditEvent{{action: ActionPinResetFailed, detail: "security answer mismatch"}})
			return Outcome{Status: StatusInvalid}, nil
		}

		// An unreadable PIN digest must not block recovery, so only a
		// confirmed match rejects the new PIN.
		if same, err := s.hasher.Verify([]byte(newPin), rec.PinDigest()); err == nil && same {
			return Outcome{}, &FormatError{Field: "new_pin", Reason: "new PIN must differ from the current PIN"}
		}

		if digest == nil {
			d, err := s.hasher.Hash([]byte(newPin))
			if err != nil {
				return Outcome{}, fmt.Errorf("hash pin: %w", err)
			}
			digest = &d
		}

		now := s.now()
		wasLocked := rec.LockedUntil != nil
		rec = s.lockout.Clear(rec).withPin(*digest)
		rec.LastChangedAt = timePtr(now)
		rec.UpdatedAt = now

		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if _, err := s.store.Update(ctx, rec); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			s.reportStorageError(subjectID, "reset", err)
			return Outcome{}, err
		}

		observability.PinResets.WithLabelValues("succeeded").Inc()
		var events []auditEvent
		if wasLocked {
			observability.PinLockoutsCleared.WithLabelValues("reset").Inc()
			events = append(events, auditEvent{action: ActionLockoutCleared, detail: "cleared by reset"})
		}
		events = append(events, auditEvent{action: ActionPinReset, detail: "pin reset via security question"})
		s.emit(ctx, subjectID, events)
		return Outcome{Status: StatusVerified, AttemptsRemaining: s.lockout.Threshold}, nil
	}

	err := storageError("reset", ErrVersionConflict)
	s.reportStorageError(subjectID, "reset", err)
	return Outcome{}, err
}

// GetSecurityQuestion returns the stored prompt, or ok=false when the
// subject has no PIN.
func (s *Service) GetSecurityQuestion(ctx context.Context, subjectID string) (string, bool, error) {
	rec, err := s.readActive(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return "", false, nil
		}
		return "", false, err
	}
	return rec.SecurityQuestion, true, nil
}

// IsLocked evaluates expiry in memory only; an expired lock is persisted
// as cleared on the next write or by the sweep.
func (s *Service) IsLocked(ctx context.Context, subjectID string) (bool, error) {
	rec, err := s.readActive(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return false, nil
		}
		return false, err
	}
	return s.lockout.IsLocked(rec, s.now()), nil
}

func (s *Service) RemainingLockoutSeconds(ctx context.Context, subjectID string) (int, error) {
	rec, err := s.readActive(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return 0, nil
		}
		return 0, err
	}
	return s.lockout.Remaining(rec, s.now()), nil
}

func (s *Service) Status(ctx context.Context, subjectID string) (GateStatus, error) {
	rec, err := s.readActive(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return GateStatus{Configured: false, NeedsSetup: true}, nil
		}
		return GateStatus{}, err
	}

	now := s.now()
	rec, _ = s.lockout.Resolve(rec, now)
	return GateStatus{
		Configured:        true,
		NeedsSetup:        s.inspect(rec) != nil,
		Locked:            s.lockout.IsLocked(rec, now),
		RemainingSeconds:  s.lockout.Remaining(rec, now),
		AttemptsRemaining: s.lockout.AttemptsRemaining(rec, now),
		SecurityQuestion:  rec.SecurityQuestion,
		LastChangedAt:     rec.LastChangedAt,
	}, nil
}

func (s *Service) readActive(ctx context.Context, subjectID string) (CredentialRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return CredentialRecord{}, errSubjectIDRequired
	}
	rec, err := s.store.GetActive(ctx, subjectID)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		s.reportStorageError(subjectID, "read", err)
	}
	return rec, err
}

// emit runs after the commit point. Audit failures are logged and never
// undo or fail the operation.
func (s *Service) emit(ctx context.Context, subjectID string, events []auditEvent) {
	if s.audit == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, event := range events {
		if err := s.audit.RecordEvent(ctx, subjectID, event.action, event.detail); err != nil {
			s.logger.Warn("pin_audit_event_failed", map[string]any{
				"subject_id": subjectID,
				"action":     event.action,
				"error":      err,
			})
		}
	}
}

func (s *Service) reportStorageError(subjectID, op string, err error) {
	if errors.Is(err, ErrStorageCorruption) {
		return
	}
	observability.StorageErrors.WithLabelValues("failure").Inc()
	s.logger.Error("pin_storage_failure", map[string]any{
		"subject_id": subjectID,
		"operation":  op,
		"error":      err,
	})
}

func (s *Service) reportCorruption(subjectID, op, recordID string, err error) {
	observability.StorageErrors.WithLabelValues("corruption").Inc()
	s.logger.Error("pin_credential_corrupt", map[string]any{
		"subject_id": subjectID,
		"record_id":  recordID,
		"operation":  op,
		"error":      err,
	})
	observability.CaptureError(err, map[string]string{
		"component": "pingate",
		"kind":      "storage_corruption",
		"operation": op,
	})
}

// validateShape checks only that a submitted PIN could ever match: 4 ASCII
// digits. The deny-list is not applied to a PIN being verified.
func validateShape(field, pin string) error {
	if len(pin) != PinLength {
		return &FormatError{Field: field, Reason: "PIN must be exactly 4 digits"}
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return &FormatError{Field: field, Reason: "PIN must contain only digits"}
		}
	}
	return nil
}
