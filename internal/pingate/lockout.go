package pingate

import "time"

const (
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 5 * time.Minute
)

// LockoutPolicy is the Active/Locked state machine. Every method takes a
// record snapshot by value and returns the next snapshot; nothing here
// touches storage.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Duration: DefaultLockoutDuration}
}

// Resolve applies lazy expiry. expired is true when a lock was lifted.
func (p LockoutPolicy) Resolve(rec CredentialRecord, now time.Time) (CredentialRecord, bool) {
	if rec.LockedUntil == nil || now.Before(*rec.LockedUntil) {
		return rec, false
	}
	rec.LockedUntil = nil
	rec.FailedAttempts = 0
	return rec, true
}

func (p LockoutPolicy) IsLocked(rec CredentialRecord, now time.Time) bool {
	return rec.LockedUntil != nil && now.Before(*rec.LockedUntil)
}

// Remaining returns the whole seconds left on the lock, rounded up.
func (p LockoutPolicy) Remaining(rec CredentialRecord, now time.Time) int {
	if !p.IsLocked(rec, now) {
		return 0
	}
	left := rec.LockedUntil.Sub(now)
	seconds := int(left / time.Second)
	if left%time.Second != 0 {
		seconds++
	}
	return seconds
}

// AttemptsRemaining is the number of wrong guesses left before the lock.
func (p LockoutPolicy) AttemptsRemaining(rec CredentialRecord, now time.Time) int {
	if p.IsLocked(rec, now) {
		return 0
	}
	left := p.Threshold - rec.FailedAttempts
	if left < 0 {
		return 0
	}
	return left
}

// RegisterFailure counts a wrong guess against an Active record. locked
// reports whether this failure crossed the threshold. A Locked record is
// returned unchanged.
func (p LockoutPolicy) RegisterFailure(rec CredentialRecord, now time.Time) (next CredentialRecord, locked bool) {
	if p.IsLocked(rec, now) {
		return rec, false
	}

	rec.FailedAttempts++
	rec.TotalFailedAttempts++
	rec.LastFailedAttemptAt = timePtr(now)

	if rec.FailedAttempts >= p.Threshold {
		rec.FailedAttempts = p.Threshold
		rec.LockedUntil = timePtr(now.Add(p.Duration))
		return rec, true
	}
	return rec, false
}

func (p LockoutPolicy) RegisterSuccess(rec CredentialRecord, now time.Time) CredentialRecord {
	rec.FailedAttempts = 0
	rec.LastSuccessfulVerificationAt = timePtr(now)
	return rec
}

// Clear forces the record back to Active. Used by the sweep and by PIN
// change or reset.
func (p LockoutPolicy) Clear(rec CredentialRecord) CredentialRecord {
	rec.FailedAttempts = 0
	rec.LockedUntil = nil
	return rec
}
