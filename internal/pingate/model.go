package pingate

import "time"

// CredentialRecord is one row of PIN history for a subject. At most one row
// per subject is active. Plaintext PINs and answers are never stored.
type CredentialRecord struct {
	ID                           string     `db:"id" json:"id"`
	SubjectID                    string     `db:"subject_id" json:"subject_id"`
	PinHash                      []byte     `db:"pin_hash" json:"-"`
	PinSalt                      []byte     `db:"pin_salt" json:"-"`
	PinAlgorithm                 string     `db:"pin_algorithm" json:"-"`
	SecurityQuestion             string     `db:"security_question" json:"security_question"`
	AnswerHash                   []byte     `db:"answer_hash" json:"-"`
	AnswerSalt                   []byte     `db:"answer_salt" json:"-"`
	AnswerAlgorithm              string     `db:"answer_algorithm" json:"-"`
	FailedAttempts               int        `db:"failed_attempts" json:"failed_attempts"`
	TotalFailedAttempts          int64      `db:"total_failed_attempts" json:"total_failed_attempts"`
	LockedUntil                  *time.Time `db:"locked_until" json:"locked_until,omitempty"`
	LastFailedAttemptAt          *time.Time `db:"last_failed_attempt_at" json:"last_failed_attempt_at,omitempty"`
	LastSuccessfulVerificationAt *time.Time `db:"last_successful_verification_at" json:"last_successful_verification_at,omitempty"`
	LastChangedAt                *time.Time `db:"last_changed_at" json:"last_changed_at,omitempty"`
	IsActive                     bool       `db:"is_active" json:"is_active"`
	Version                      int64      `db:"version" json:"-"`
	CreatedAt                    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                    time.Time  `db:"updated_at" json:"updated_at"`
}

func (r CredentialRecord) PinDigest() Digest {
	return Digest{Algorithm: r.PinAlgorithm, Hash: r.PinHash, Salt: r.PinSalt}
}

func (r CredentialRecord) AnswerDigest() Digest {
	return Digest{Algorithm: r.AnswerAlgorithm, Hash: r.AnswerHash, Salt: r.AnswerSalt}
}

func (r CredentialRecord) withPin(d Digest) CredentialRecord {
	r.PinHash = d.Hash
	r.PinSalt = d.Salt
	r.PinAlgorithm = d.Algorithm
	return r
}

// normalize converts driver timestamps to UTC so comparisons do not depend
// on the connection time zone.
func (r *CredentialRecord) normalize() {
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.LockedUntil = utcPtr(r.LockedUntil)
	r.LastFailedAttemptAt = utcPtr(r.LastFailedAttemptAt)
	r.LastSuccessfulVerificationAt = utcPtr(r.LastSuccessfulVerificationAt)
	r.LastChangedAt = utcPtr(r.LastChangedAt)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

type VerifyStatus string

const (
	StatusVerified  VerifyStatus = "verified"
	StatusInvalid   VerifyStatus = "invalid"
	StatusLockedOut VerifyStatus = "locked_out"
)

// Outcome is the security result of a verify, change or reset call. A wrong
// PIN or a locked gate is an Outcome, not an error.
type Outcome struct {
	Status            VerifyStatus `json:"status"`
	RemainingSeconds  int          `json:"remaining_seconds,omitempty"`
	AttemptNumber     int          `json:"attempt_number,omitempty"`
	AttemptsRemaining int          `json:"attempts_remaining"`
}

func (o Outcome) Verified() bool {
	return o.Status == StatusVerified
}

// GateStatus is a read-only view of a subject's gate. NeedsSetup is true
// when nothing is configured or the active credential cannot be verified.
type GateStatus struct {
	Configured        bool       `json:"configured"`
	NeedsSetup        bool       `json:"needs_setup"`
	Locked            bool       `json:"locked"`
	RemainingSeconds  int        `json:"remaining_seconds"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	SecurityQuestion  string     `json:"security_question,omitempty"`
	LastChangedAt     *time.Time `json:"last_changed_at,omitempty"`
}

type StaleCredential struct {
	ID            string        `json:"id"`
	SubjectID     string        `json:"subject_id"`
	LastChangedAt time.Time     `json:"last_changed_at"`
	Age           time.Duration `json:"age"`
}

type Statistics struct {
	SubjectID           string `json:"subject_id,omitempty"`
	TotalRecords        int    `json:"total_records"`
	ActiveRecords       int    `json:"active_records"`
	InactiveRecords     int    `json:"inactive_records"`
	LockedRecords       int    `json:"locked_records"`
	RecordsWithFailures int    `json:"records_with_failures"`
	TotalFailedAttempts int64  `json:"total_failed_attempts"`
}

type SecurityEvent struct {
	ID        string    `db:"id" json:"id"`
	SubjectID string    `db:"subject_id" json:"subject_id"`
	Action    string    `db:"action" json:"action"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Audit actions.
const (
	ActionPinSetup           = "PinSetup"
	ActionPinChanged         = "PinChanged"
	ActionPinReset           = "PinReset"
	ActionPinResetFailed     = "PinResetFailed"
	ActionPinVerifySucceeded = "PinVerifySucceeded"
	ActionPinVerifyFailed    = "PinVerifyFailed"
	ActionPinLockedOut       = "PinLockedOut"
	ActionLockoutCleared     = "LockoutCleared"
)
