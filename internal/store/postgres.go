package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const accountColumns = `id, email, role, display_name, password_hash, provider_id,
	failed_login_attempts, locked_until, email_verified, email_verified_at,
	last_login_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var account Account
	var passwordHash, providerID sql.NullString
	var lockedUntil, verifiedAt, lastLoginAt sql.NullTime
	err := row.Scan(
		&account.ID, &account.Email, &account.Role, &account.DisplayName, &passwordHash, &providerID,
		&account.FailedLoginAttempts, &lockedUntil, &account.EmailVerified, &verifiedAt,
		&lastLoginAt, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	account.PasswordHash = passwordHash.String
	account.ProviderID = providerID.String
	account.LockedUntil = timePtr(lockedUntil)
	account.EmailVerifiedAt = timePtr(verifiedAt)
	account.LastLoginAt = timePtr(lastLoginAt)
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *Repository) CreateAccount(ctx context.Context, in NewAccount, now time.Time) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	role := in.Role
	if role == "" {
		role = RoleUser
	}
	var verifiedAt any
	if in.EmailVerified {
		verifiedAt = now.UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("begin create account tx: %w", err)
	}
	defer tx.Rollback()

	account, err := scanAccount(tx.QueryRowContext(ctx, `
		INSERT INTO accounts (
			id, email, role, display_name, password_hash, provider_id,
			email_verified, email_verified_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $9)
		RETURNING `+accountColumns,
		id.String(), strings.ToLower(in.Email), role, in.DisplayName, in.PasswordHash, in.ProviderID,
		in.EmailVerified, verifiedAt, now.UTC(),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO account_security_settings (account_id, two_factor_enabled, two_factor_method, updated_at)
		VALUES ($1, FALSE, NULL, $2)
	`, account.ID, now.UTC()); err != nil {
		return Account{}, fmt.Errorf("insert security settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit create account tx: %w", err)
	}

	return account, nil
}

func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return r.getAccount(ctx, "email", strings.ToLower(email))
}

func (r *Repository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	return r.getAccount(ctx, "id", id)
}

func (r *Repository) GetAccountByProviderID(ctx context.Context, providerID string) (Account, error) {
	return r.getAccount(ctx, "provider_id", providerID)
}

func (r *Repository) getAccount(ctx context.Context, column, value string) (Account, error) {
	account, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by %s: %w", column, err)
	}
	return account, nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, accountID, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return requireAffected(res, "update password hash")
}

// LinkProvider attaches a federated identity to an existing account. The
// provider vouches for the address, so the account becomes verified.
func (r *Repository) LinkProvider(ctx context.Context, accountID, providerID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET provider_id = $2,
			email_verified = TRUE,
			email_verified_at = COALESCE(email_verified_at, $3),
			updated_at = $3
		WHERE id = $1
	`, accountID, providerID, now.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("link provider: %w", err)
	}
	return requireAffected(res, "link provider")
}

func requireAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseExpiredLock reads the lockout state under a row lock and clears a
// lock whose window has elapsed.
func (r *Repository) ReleaseExpiredLock(ctx context.Context, accountID string, now time.Time) (LockState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return LockState{}, fmt.Errorf("begin lock check tx: %w", err)
	}
	defer tx.Rollback()

	var state LockState
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID).Scan(&state.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, ErrNotFound
		}
		return LockState{}, fmt.Errorf("lock account row: %w", err)
	}
	state.LockedUntil = timePtr(lockedUntil)

	if state.LockedUntil != nil && !state.LockedUntil.After(now) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
			WHERE id = $1
		`, accountID, now.UTC()); err != nil {
			return LockState{}, fmt.Errorf("release expired lock: %w", err)
		}
		state = LockState{}
	}

	if err := tx.Commit(); err != nil {
		return LockState{}, fmt.Errorf("commit lock check tx: %w", err)
	}

	return state, nil
}

// RegisterFailedLogin increments the counter and applies the lock in one
// statement so concurrent failures are all counted.
func (r *Repository) RegisterFailedLogin(ctx context.Context, accountID string, threshold int, lockUntil, now time.Time) (LockState, error) {
	var state LockState
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END,
			updated_at = $4
		WHERE id = $1
		RETURNING failed_login_attempts, locked_until
	`, accountID, threshold, lockUntil.UTC(), now.UTC()).Scan(&state.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, ErrNotFound
		}
		return LockState{}, fmt.Errorf("register failed login: %w", err)
	}
	state.LockedUntil = timePtr(lockedUntil)
	return state, nil
}

func (r *Repository) ResetLoginFailures(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, accountID, now.UTC())
	if err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, accountID, tokenHash string, expiresAt, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), accountID, tokenHash, expiresAt.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var token RefreshToken
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, token_hash, expires_at, revoked_at, replaced_by, created_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&token.ID, &token.AccountID, &token.TokenHash, &token.ExpiresAt, &revokedAt, &replacedBy, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("query refresh token: %w", err)
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.RevokedAt = timePtr(revokedAt)
	token.ReplacedBy = replacedBy.String
	return token, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, tokenHash, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

func (r *Repository) RevokeAllRefreshTokens(ctx context.Context, accountID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens rows affected: %w", err)
	}
	return affected, nil
}

// RotateRefreshToken revokes the presented token and links it to a freshly
// inserted one. Presenting a token that was already rotated revokes the whole
// family and returns ErrTokenReused.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldHash, newHash string, newExpiresAt, now time.Time) (string, error) {
	newID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate new refresh token id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var oldID, accountID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	var replacedBy sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, account_id, expires_at, revoked_at, replaced_by
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, oldHash).Scan(&oldID, &accountID, &expiresAt, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid {
		if !replacedBy.Valid {
			return "", ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE auth_refresh_tokens
			SET revoked_at = $2
			WHERE account_id = $1 AND revoked_at IS NULL
		`, accountID, now.UTC()); err != nil {
			return "", fmt.Errorf("revoke reused refresh token family: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit refresh reuse tx: %w", err)
		}
		return accountID, ErrTokenReused
	}
	if !expiresAt.After(now) {
		return "", ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, newID.String(), accountID, newHash, newExpiresAt.UTC(), now.UTC())
	if err != nil {
		return "", fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now.UTC(), newID.String())
	if err != nil {
		return "", fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return accountID, nil
}

// IssueEphemeralToken invalidates every unused token of the same kind and
// inserts the new one while holding the account row lock.
func (r *Repository) IssueEphemeralToken(ctx context.Context, token EphemeralToken, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate ephemeral token id: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ephemeral issue tx: %w", err)
	}
	defer tx.Rollback()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, token.AccountID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock account row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_ephemeral_tokens
		SET used_at = $3
		WHERE account_id = $1 AND kind = $2 AND used_at IS NULL
	`, token.AccountID, string(token.Kind), now.UTC()); err != nil {
		return fmt.Errorf("invalidate prior ephemeral tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auth_ephemeral_tokens (id, account_id, kind, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), token.AccountID, string(token.Kind), token.TokenHash, token.ExpiresAt.UTC(), now.UTC()); err != nil {
		return fmt.Errorf("insert ephemeral token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ephemeral issue tx: %w", err)
	}

	return nil
}

func (r *Repository) GetEphemeralToken(ctx context.Context, kind EphemeralKind, tokenHash string) (EphemeralToken, error) {
	token := EphemeralToken{Kind: kind, TokenHash: tokenHash}
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, expires_at, used_at, created_at
		FROM auth_ephemeral_tokens
		WHERE kind = $1 AND token_hash = $2
	`, string(kind), tokenHash).Scan(&token.ID, &token.AccountID, &token.ExpiresAt, &usedAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EphemeralToken{}, ErrNotFound
		}
		return EphemeralToken{}, fmt.Errorf("query ephemeral token: %w", err)
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.UsedAt = timePtr(usedAt)
	return token, nil
}

// ConsumeEphemeralToken marks an unused, unexpired token used and applies
// effect to its account in the same transaction. Anything else yields
// ErrNotFound.
func (r *Repository) ConsumeEphemeralToken(ctx context.Context, kind EphemeralKind, tokenHash string, now time.Time, effect ConsumeEffect) (EphemeralToken, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return EphemeralToken{}, fmt.Errorf("begin ephemeral consume tx: %w", err)
	}
	defer tx.Rollback()

	token := EphemeralToken{Kind: kind, TokenHash: tokenHash}
	err = tx.QueryRowContext(ctx, `
		UPDATE auth_ephemeral_tokens
		SET used_at = $3
		WHERE kind = $1 AND token_hash = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING id, account_id, expires_at, created_at
	`, string(kind), tokenHash, now.UTC()).Scan(&token.ID, &token.AccountID, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EphemeralToken{}, ErrNotFound
		}
		return EphemeralToken{}, fmt.Errorf("consume ephemeral token: %w", err)
	}
	usedAt := now.UTC()
	token.UsedAt = &usedAt

	if effect.MarkEmailVerified {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET email_verified = TRUE, email_verified_at = COALESCE(email_verified_at, $2), updated_at = $2
			WHERE id = $1
		`, token.AccountID, now.UTC()); err != nil {
			return EphemeralToken{}, fmt.Errorf("mark email verified: %w", err)
		}
	}

	if effect.NewPasswordHash != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET password_hash = $2, failed_login_attempts = 0, locked_until = NULL, updated_at = $3
			WHERE id = $1
		`, token.AccountID, effect.NewPasswordHash, now.UTC()); err != nil {
			return EphemeralToken{}, fmt.Errorf("reset password hash: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return EphemeralToken{}, fmt.Errorf("commit ephemeral consume tx: %w", err)
	}

	return token, nil
}

func (r *Repository) GetTwoFactorSecret(ctx context.Context, accountID string) (TwoFactorSecret, error) {
	secret := TwoFactorSecret{AccountID: accountID}
	var method string
	var codes []string
	err := r.db.QueryRowContext(ctx, `
		SELECT method, COALESCE(secret, ''), backup_codes, COALESCE(phone_number, ''),
			phone_verified, created_at, updated_at
		FROM auth_two_factor_secrets
		WHERE account_id = $1
	`, accountID).Scan(
		&method, &secret.Secret, pgtype.NewMap().SQLScanner(&codes), &secret.PhoneNumber,
		&secret.PhoneVerified, &secret.CreatedAt, &secret.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TwoFactorSecret{}, ErrNotFound
		}
		return TwoFactorSecret{}, fmt.Errorf("query two-factor secret: %w", err)
	}
	secret.Method = TwoFactorMethod(method)
	secret.BackupCodes = codes
	return secret, nil
}

// SaveTwoFactorSecret replaces the account's enrollment wholesale and turns
// two-factor on in the security settings.
func (r *Repository) SaveTwoFactorSecret(ctx context.Context, secret TwoFactorSecret, now time.Time) error {
	codes := secret.BackupCodes
	if codes == nil {
		codes = []string{}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin two-factor save tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auth_two_factor_secrets (
			account_id, method, secret, backup_codes, phone_number, phone_verified, created_at, updated_at
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $7)
		ON CONFLICT (account_id)
		DO UPDATE SET
			method = EXCLUDED.method,
			secret = EXCLUDED.secret,
			backup_codes = EXCLUDED.backup_codes,
			phone_number = EXCLUDED.phone_number,
			phone_verified = EXCLUDED.phone_verified,
			updated_at = EXCLUDED.updated_at
	`, secret.AccountID, string(secret.Method), secret.Secret, codes, secret.PhoneNumber, secret.PhoneVerified, now.UTC()); err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert two-factor secret: %w", err)
	}

	if err := upsertSettings(ctx, tx, secret.AccountID, true, string(secret.Method), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit two-factor save tx: %w", err)
	}

	return nil
}

func upsertSettings(ctx context.Context, tx *sql.Tx, accountID string, enabled bool, method string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_security_settings (account_id, two_factor_enabled, two_factor_method, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (account_id)
		DO UPDATE SET
			two_factor_enabled = EXCLUDED.two_factor_enabled,
			two_factor_method = EXCLUDED.two_factor_method,
			updated_at = EXCLUDED.updated_at
	`, accountID, enabled, method, now.UTC())
	if err != nil {
		return fmt.Errorf("upsert security settings: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// ConsumeBackupCode removes codeHash from the account's backup codes. Only
// one of several concurrent callers presenting the same code succeeds.
func (r *Repository) ConsumeBackupCode(ctx context.Context, accountID, codeHash string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_two_factor_secrets
		SET backup_codes = array_remove(backup_codes, $2), updated_at = $3
		WHERE account_id = $1 AND $2 = ANY(backup_codes)
	`, accountID, codeHash, now.UTC())
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume backup code rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *Repository) MarkPhoneVerified(ctx context.Context, accountID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_two_factor_secrets
		SET phone_verified = TRUE, updated_at = $2
		WHERE account_id = $1 AND method = 'sms'
	`, accountID, now.UTC())
	if err != nil {
		return fmt.Errorf("mark phone verified: %w", err)
	}
	return nil
}

func (r *Repository) DeleteTwoFactorSecret(ctx context.Context, accountID string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin two-factor delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_two_factor_secrets WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete two-factor secret: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM auth_one_time_codes WHERE account_id = $1 AND purpose = $2
	`, accountID, PurposeTwoFactor); err != nil {
		return fmt.Errorf("delete outstanding codes: %w", err)
	}
	if err := upsertSettings(ctx, tx, accountID, false, "", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit two-factor delete tx: %w", err)
	}

	return nil
}

func (r *Repository) GetSecuritySettings(ctx context.Context, accountID string) (SecuritySettings, error) {
	settings := SecuritySettings{AccountID: accountID}
	var method sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT two_factor_enabled, two_factor_method
		FROM account_security_settings
		WHERE account_id = $1
	`, accountID).Scan(&settings.TwoFactorEnabled, &method)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settings, nil
		}
		return SecuritySettings{}, fmt.Errorf("query security settings: %w", err)
	}
	settings.TwoFactorMethod = TwoFactorMethod(method.String)
	return settings, nil
}

// SaveOneTimeCode replaces any outstanding code for the same account and purpose.
func (r *Repository) SaveOneTimeCode(ctx context.Context, code OneTimeCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_one_time_codes (account_id, purpose, code_hash, expires_at, attempts)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (account_id, purpose)
		DO UPDATE SET
			code_hash = EXCLUDED.code_hash,
			expires_at = EXCLUDED.expires_at,
			attempts = 0
	`, code.AccountID, code.Purpose, code.CodeHash, code.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert one-time code: %w", err)
	}
	return nil
}

// ConsumeOneTimeCode deletes the outstanding code when codeHash matches.
// A mismatch counts an attempt; the code is dropped once maxAttempts is reached.
func (r *Repository) ConsumeOneTimeCode(ctx context.Context, accountID, purpose, codeHash string, now time.Time, maxAttempts int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin one-time code tx: %w", err)
	}
	defer tx.Rollback()

	var stored string
	var expiresAt time.Time
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT code_hash, expires_at, attempts
		FROM auth_one_time_codes
		WHERE account_id = $1 AND purpose = $2
		FOR UPDATE
	`, accountID, purpose).Scan(&stored, &expiresAt, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lock one-time code: %w", err)
	}

	matched := stored == codeHash && expiresAt.After(now)
	attempts++
	if matched || attempts >= maxAttempts || !expiresAt.After(now) {
		_, err = tx.ExecContext(ctx, `DELETE FROM auth_one_time_codes WHERE account_id = $1 AND purpose = $2`, accountID, purpose)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE auth_one_time_codes SET attempts = $3 WHERE account_id = $1 AND purpose = $2
		`, accountID, purpose, attempts)
	}
	if err != nil {
		return false, fmt.Errorf("update one-time code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit one-time code tx: %w", err)
	}

	return matched, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CleanupExpired deletes rows that can no longer authenticate anything.
// Revoked and used rows are kept for retention as an audit trail.
func (r *Repository) CleanupExpired(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}

	now := time.Now().UTC()
	cutoff := now.Add(-retention)

	deletedRefreshTokens, err := r.deleteBatch(ctx, "stale refresh tokens", `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedEphemeralTokens, err := r.deleteBatch(ctx, "stale ephemeral tokens", `
		WITH stale AS (
			SELECT id
			FROM auth_ephemeral_tokens
			WHERE expires_at < $1 OR (used_at IS NOT NULL AND used_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM auth_ephemeral_tokens t
		USING stale
		WHERE t.id = stale.id
	`, now, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedCodes, err := r.deleteBatch(ctx, "expired one-time codes", `
		WITH stale AS (
			SELECT account_id, purpose
			FROM auth_one_time_codes
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_one_time_codes t
		USING stale
		WHERE t.account_id = stale.account_id AND t.purpose = stale.purpose
	`, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens:   deletedRefreshTokens,
		DeletedEphemeralTokens: deletedEphemeralTokens,
		DeletedOneTimeCodes:    deletedCodes,
	}, nil
}

func (r *Repository) deleteBatch(ctx context.Context, what, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}

	return affected, nil
}
