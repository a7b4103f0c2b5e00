package pingate

import (
	"context"
	"errors"
	"sort"
	"time"

	"parental-gate/internal/observability"
)

// SweepStore is the read side plus compare-and-swap the sweep needs.
type SweepStore interface {
	ListLocked(ctx context.Context) ([]CredentialRecord, error)
	ListActive(ctx context.Context) ([]CredentialRecord, error)
	ListRecords(ctx context.Context, subjectID string) ([]CredentialRecord, error)
	Update(ctx context.Context, rec CredentialRecord) (CredentialRecord, error)
}

// Sweeper clears expired lockouts eagerly and produces read-only reports.
// It takes no subject locks: a record that changes under it is skipped and
// picked up by a later run.
type Sweeper struct {
	store   SweepStore
	audit   AuditSink
	lockout LockoutPolicy
	logger  *observability.Logger
	now     func() time.Time
}

type SweepReport struct {
	ClearedLockouts   int               `json:"cleared_lockouts"`
	StaleCredentials  []StaleCredential `json:"stale_credentials"`
	Statistics        Statistics        `json:"statistics"`
	StaleAfterSeconds int64             `json:"stale_after_seconds"`
}

func NewSweeper(store SweepStore, audit AuditSink, lockout LockoutPolicy, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Sweeper{
		store:   store,
		audit:   audit,
		lockout: lockout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = func() time.Time { return now().UTC() }
	}
	return s
}

// ClearExpiredLockouts returns the number of records moved back to Active.
// Running it again without new lockouts clears nothing.
func (s *Sweeper) ClearExpiredLockouts(ctx context.Context) (int, error) {
	records, err := s.store.ListLocked(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	cleared := 0
	for _, rec := range records {
		if s.lockout.IsLocked(rec, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cleared, err
		}

		next := s.lockout.Clear(rec)
		next.UpdatedAt = now
		if _, err := s.store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				s.logger.Debug("pin_sweep_skipped_conflict", map[string]any{"record_id": rec.ID})
				continue
			}
			return cleared, err
		}

		cleared++
		observability.PinLockoutsCleared.WithLabelValues("sweep").Inc()
		if s.audit != nil {
			if err := s.audit.RecordEvent(context.WithoutCancel(ctx), rec.SubjectID, ActionLockoutCleared, "cleared by maintenance sweep"); err != nil {
				s.logger.Warn("pin_audit_event_failed", map[string]any{
					"subject_id": rec.SubjectID,
					"action":     ActionLockoutCleared,
					"error":      err,
				})
			}
		}
	}

	return cleared, nil
}

// FindStaleCredentials lists active records whose PIN has not changed for
// longer than maxAge, oldest first. Records without a change timestamp are
// aged from creation.
func (s *Sweeper) FindStaleCredentials(ctx context.Context, maxAge time.Duration) ([]StaleCredential, error) {
	records, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stale := make([]StaleCredential, 0)
	for _, rec := range records {
		changed := rec.CreatedAt
		if rec.LastChangedAt != nil {
			changed = *rec.LastChangedAt
		}
		age := now.Sub(changed)
		if age <= maxAge {
			continue
		}
		stale = append(stale, StaleCredential{
			ID:            rec.ID,
			SubjectID:     rec.SubjectID,
			LastChangedAt: changed,
			Age:           age,
		})
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].Age > stale[j].Age })
	return stale, nil
}

// SecurityStatistics aggregates counts over every record, or one subject's
// when subjectID is set.
func (s *Sweeper) SecurityStatistics(ctx context.Context, subjectID string) (Statistics, error) {
	records, err := s.store.ListRecords(ctx, subjectID)
	if err != nil {
		return Statistics{}, err
	}

	now := s.now()
	stats := Statistics{SubjectID: subjectID, TotalRecords: len(records)}
	for _, rec := range records {
		if rec.IsActive {
			stats.ActiveRecords++
			if s.lockout.IsLocked(rec, now) {
				stats.LockedRecords++
			}
		} else {
			stats.InactiveRecords++
		}
		if rec.FailedAttempts > 0 {
			stats.RecordsWithFailures++
		}
		stats.TotalFailedAttempts += rec.TotalFailedAttempts
	}
	return stats, nil
}

// Sweep runs a full maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context, staleAfter time.Duration) (SweepReport, error) {
	cleared, err := s.ClearExpiredLockouts(ctx)
	if err != nil {
		return SweepReport{ClearedLockouts: cleared}, err
	}

	stale, err := s.FindStaleCredentials(ctx, staleAfter)
	if err != nil {
		return SweepReport{ClearedLockouts: cleared}, err
	}

	stats, err := s.SecurityStatistics(ctx, "")
	if err != nil {
		return SweepReport{ClearedLockouts: cleared, StaleCredentials: stale}, err
	}

	return SweepReport{
		ClearedLockouts:   cleared,
		StaleCredentials:  stale,
		Statistics:        stats,
		StaleAfterSeconds: int64(staleAfter / time.Second),
	}, nil
}

// Run clears expired lockouts every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cleared, err := s.ClearExpiredLockouts(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				observability.CaptureError(err, map[string]string{"component": "pingate", "operation": "sweep"})
				s.logger.Error("pin_sweep_failed", map[string]any{"error": err, "cleared": cleared})
				continue
			}
			if cleared > 0 {
				s.logger.Info("pin_sweep_completed", map[string]any{"cleared": cleared})
			}
		}
	}
}
