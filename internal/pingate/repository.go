package pingate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const credentialColumns = `
	id, subject_id, pin_hash, pin_salt, pin_algorithm, security_question,
	answer_hash, answer_salt, answer_algorithm, failed_attempts, total_failed_attempts,
	locked_until, last_failed_attempt_at, last_successful_verification_at, last_changed_at,
	is_active, version, created_at, updated_at`

// Repository persists credential history and security events. Queries are
// written with ? placeholders and rebound for the connected driver.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetActive(ctx context.Context, subjectID string) (CredentialRecord, error) {
	var rec CredentialRecord
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`
		SELECT `+credentialColumns+`
		FROM pin_credentials
		WHERE subject_id = ? AND is_active
	`), subjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialRecord{}, ErrNotConfigured
		}
		return CredentialRecord{}, storageError("get active credential", err)
	}

	rec.normalize()
	return rec, nil
}

// ReplaceActive deactivates every active record for the subject and inserts
// rec as the new active one, in a single transaction. A concurrent insert
// from another process trips the partial unique index; that case is retried
// once.
func (r *Repository) ReplaceActive(ctx context.Context, rec CredentialRecord) (CredentialRecord, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return CredentialRecord{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		rec.ID = id.String()
	}
	rec.IsActive = true
	rec.Version = 1

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.replaceActive(ctx, rec)
		if err == nil || !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return CredentialRecord{}, storageError("replace active credential", err)
	}

	return rec, nil
}

func (r *Repository) replaceActive(ctx context.Context, rec CredentialRecord) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE pin_credentials
		SET is_active = ?, version = version + 1, updated_at = ?
		WHERE subject_id = ? AND is_active
	`), false, rec.UpdatedAt, rec.SubjectID); err != nil {
		return fmt.Errorf("deactivate previous credentials: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO pin_credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rec.ID, rec.SubjectID, rec.PinHash, rec.PinSalt, rec.PinAlgorithm, rec.SecurityQuestion,
		rec.AnswerHash, rec.AnswerSalt, rec.AnswerAlgorithm, rec.FailedAttempts, rec.TotalFailedAttempts,
		rec.LockedUntil, rec.LastFailedAttemptAt, rec.LastSuccessfulVerificationAt, rec.LastChangedAt,
		rec.IsActive, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Update writes rec only if the stored version still matches rec.Version.
// It returns ErrVersionConflict when another writer got there first.
func (r *Repository) Update(ctx context.Context, rec CredentialRecord) (CredentialRecord, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pin_credentials
		SET pin_hash = ?, pin_salt = ?, pin_algorithm = ?,
			answer_hash = ?, answer_salt = ?, answer_algorithm = ?,
			failed_attempts = ?, total_failed_attempts = ?, locked_until = ?,
			last_failed_attempt_at = ?, last_successful_verification_at = ?, last_changed_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND is_active
	`),
		rec.PinHash, rec.PinSalt, rec.PinAlgorithm,
		rec.AnswerHash, rec.AnswerSalt, rec.AnswerAlgorithm,
		rec.FailedAttempts, rec.TotalFailedAttempts, rec.LockedUntil,
		rec.LastFailedAttemptAt, rec.LastSuccessfulVerificationAt, rec.LastChangedAt,
		rec.UpdatedAt, rec.ID, rec.Version,
	)
	if err != nil {
		return CredentialRecord{}, storageError("update credential", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return CredentialRecord{}, storageError("update credential rows affected", err)
	}
	if affected == 0 {
		return CredentialRecord{}, ErrVersionConflict
	}

	rec.Version++
	return rec, nil
}

// ListHistory returns every record for the subject, oldest first.
func (r *Repository) ListHistory(ctx context.Context, subjectID string) ([]CredentialRecord, error) {
	return r.selectRecords(ctx, "list credential history", `
		SELECT `+credentialColumns+`
		FROM pin_credentials
		WHERE subject_id = ?
		ORDER BY created_at ASC
	`, subjectID)
}

func (r *Repository) ListLocked(ctx context.Context) ([]CredentialRecord, error) {
	return r.selectRecords(ctx, "list locked credentials", `
		SELECT `+credentialColumns+`
		FROM pin_credentials
		WHERE is_active AND locked_until IS NOT NULL
		ORDER BY locked_until ASC
	`)
}

func (r *Repository) ListActive(ctx context.Context) ([]CredentialRecord, error) {
	return r.selectRecords(ctx, "list active credentials", `
		SELECT `+credentialColumns+`
		FROM pin_credentials
		WHERE is_active
		ORDER BY created_at ASC
	`)
}

// ListRecords returns all records, or only the subject's when subjectID is
// not empty.
func (r *Repository) ListRecords(ctx context.Context, subjectID string) ([]CredentialRecord, error) {
	if subjectID != "" {
		return r.ListHistory(ctx, subjectID)
	}
	return r.selectRecords(ctx, "list credentials", `
		SELECT `+credentialColumns+`
		FROM pin_credentials
		ORDER BY created_at ASC
	`)
}

func (r *Repository) selectRecords(ctx context.Context, op, query string, args ...any) ([]CredentialRecord, error) {
	var records []CredentialRecord
	if err := r.db.SelectContext(ctx, &records, r.db.Rebind(query), args...); err != nil {
		return nil, storageError(op, err)
	}
	for i := range records {
		records[i].normalize()
	}
	return records, nil
}

// EraseSubject hard-deletes every credential record and security event for
// the subject. It is the only path that removes history.
func (r *Repository) EraseSubject(ctx context.Context, subjectID string) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storageError("begin erase", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM pin_credentials WHERE subject_id = ?`), subjectID)
	if err != nil {
		return 0, storageError("erase credentials", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, storageError("erase credentials rows affected", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM pin_security_events WHERE subject_id = ?`), subjectID); err != nil {
		return 0, storageError("erase security events", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("commit erase", err)
	}
	return deleted, nil
}

// RecordEvent appends to the security event log. Repository satisfies
// AuditSink through this method.
func (r *Repository) RecordEvent(ctx context.Context, subjectID, action, detail string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pin_security_events (id, subject_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), id.String(), subjectID, action, detail, time.Now().UTC()); err != nil {
		return storageError("record security event", err)
	}
	return nil
}

// ListEvents returns the newest events first.
func (r *Repository) ListEvents(ctx context.Context, subjectID string, limit int) ([]SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []SecurityEvent
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(`
		SELECT id, subject_id, action, detail, created_at
		FROM pin_security_events
		WHERE subject_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), subjectID, limit); err != nil {
		return nil, storageError("list security events", err)
	}
	for i := range events {
		events[i].CreatedAt = events[i].CreatedAt.UTC()
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
