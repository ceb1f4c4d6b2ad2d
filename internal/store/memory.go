package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local store with the same transactional guarantees as
// Repository: every method runs under a single mutex.
type Memory struct {
	mu        sync.Mutex
	accounts  map[string]*Account
	settings  map[string]SecuritySettings
	refresh   map[string]*RefreshToken
	ephemeral map[string]*EphemeralToken
	secrets   map[string]*TwoFactorSecret
	codes     map[string]*OneTimeCode
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[string]*Account),
		settings:  make(map[string]SecuritySettings),
		refresh:   make(map[string]*RefreshToken),
		ephemeral: make(map[string]*EphemeralToken),
		secrets:   make(map[string]*TwoFactorSecret),
		codes:     make(map[string]*OneTimeCode),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func utcPtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}

func (m *Memory) CreateAccount(_ context.Context, in NewAccount, now time.Time) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(in.Email)
	for _, existing := range m.accounts {
		if existing.Email == email || (in.ProviderID != "" && existing.ProviderID == in.ProviderID) {
			return Account{}, ErrConflict
		}
	}

	role := in.Role
	if role == "" {
		role = RoleUser
	}
	account := &Account{
		ID:            newID(),
		Email:         email,
		Role:          role,
		DisplayName:   in.DisplayName,
		PasswordHash:  in.PasswordHash,
		ProviderID:    in.ProviderID,
		EmailVerified: in.EmailVerified,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if in.EmailVerified {
		account.EmailVerifiedAt = utcPtr(now)
	}
	m.accounts[account.ID] = account
	m.settings[account.ID] = SecuritySettings{AccountID: account.ID}
	return *account, nil
}

func (m *Memory) GetAccountByEmail(_ context.Context, email string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.ToLower(email)
	for _, account := range m.accounts {
		if account.Email == email {
			return *account, nil
		}
	}
	return Account{}, ErrNotFound
}

func (m *Memory) GetAccountByID(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *account, nil
}

func (m *Memory) GetAccountByProviderID(_ context.Context, providerID string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, account := range m.accounts {
		if providerID != "" && account.ProviderID == providerID {
			return *account, nil
		}
	}
	return Account{}, ErrNotFound
}

func (m *Memory) UpdatePasswordHash(_ context.Context, accountID, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = now.UTC()
	return nil
}

func (m *Memory) LinkProvider(_ context.Context, accountID, providerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.accounts {
		if id != accountID && other.ProviderID == providerID {
			return ErrConflict
		}
	}
	account, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	account.ProviderID = providerID
	account.EmailVerified = true
	if account.EmailVerifiedAt == nil {
		account.EmailVerifiedAt = utcPtr(now)
	}
	account.UpdatedAt = now.UTC()
	return nil
}

func (m *Memory) ReleaseExpiredLock(_ context.Context, accountID string, now time.Time) (LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return LockState{}, ErrNotFound
	}
	if account.LockedUntil != nil && !account.LockedUntil.After(now) {
		account.FailedLoginAttempts = 0
		account.LockedUntil = nil
		account.UpdatedAt = now.UTC()
	}
	return lockStateOf(account), nil
}

func lockStateOf(account *Account) LockState {
	state := LockState{FailedAttempts: account.FailedLoginAttempts}
	if account.LockedUntil != nil {
		state.LockedUntil = utcPtr(*account.LockedUntil)
	}
	return state
}

func (m *Memory) RegisterFailedLogin(_ context.Context, accountID string, threshold int, lockUntil, now time.Time) (LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return LockState{}, ErrNotFound
	}
	account.FailedLoginAttempts++
	if account.FailedLoginAttempts >= threshold {
		account.LockedUntil = utcPtr(lockUntil)
	}
	account.UpdatedAt = now.UTC()
	return lockStateOf(account), nil
}

func (m *Memory) ResetLoginFailures(_ context.Context, accountID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account, ok := m.accounts[accountID]; ok {
		account.FailedLoginAttempts = 0
		account.LockedUntil = nil
		account.LastLoginAt = utcPtr(now)
		account.UpdatedAt = now.UTC()
	}
	return nil
}

func (m *Memory) CreateRefreshToken(_ context.Context, accountID, tokenHash string, expiresAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refresh[tokenHash] = &RefreshToken{
		ID:        newID(),
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
	}
	return nil
}

func (m *Memory) GetRefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.refresh[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return *token, nil
}

func (m *Memory) RevokeRefreshToken(_ context.Context, tokenHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, ok := m.refresh[tokenHash]; ok && token.RevokedAt == nil {
		token.RevokedAt = utcPtr(now)
	}
	return nil
}

func (m *Memory) RevokeAllRefreshTokens(_ context.Context, accountID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.revokeAllLocked(accountID, now), nil
}

func (m *Memory) revokeAllLocked(accountID string, now time.Time) int64 {
	var revoked int64
	for _, token := range m.refresh {
		if token.AccountID == accountID && token.RevokedAt == nil {
			token.RevokedAt = utcPtr(now)
			revoked++
		}
	}
	return revoked
}

func (m *Memory) RotateRefreshToken(_ context.Context, oldHash, newHash string, newExpiresAt, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.refresh[oldHash]
	if !ok {
		return "", ErrNotFound
	}
	if old.RevokedAt != nil {
		if old.ReplacedBy == "" {
			return "", ErrNotFound
		}
		m.revokeAllLocked(old.AccountID, now)
		return old.AccountID, ErrTokenReused
	}
	if !old.ExpiresAt.After(now) {
		return "", ErrNotFound
	}

	next := &RefreshToken{
		ID:        newID(),
		AccountID: old.AccountID,
		TokenHash: newHash,
		ExpiresAt: newExpiresAt.UTC(),
		CreatedAt: now.UTC(),
	}
	m.refresh[newHash] = next
	old.RevokedAt = utcPtr(now)
	old.ReplacedBy = next.ID
	return old.AccountID, nil
}

func ephemeralKey(kind EphemeralKind, tokenHash string) string {
	return string(kind) + ":" + tokenHash
}

func (m *Memory) IssueEphemeralToken(_ context.Context, token EphemeralToken, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[token.AccountID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.ephemeral {
		if existing.AccountID == token.AccountID && existing.Kind == token.Kind && existing.UsedAt == nil {
			existing.UsedAt = utcPtr(now)
		}
	}

	token.ID = newID()
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.UsedAt = nil
	token.CreatedAt = now.UTC()
	m.ephemeral[ephemeralKey(token.Kind, token.TokenHash)] = &token
	return nil
}

func (m *Memory) GetEphemeralToken(_ context.Context, kind EphemeralKind, tokenHash string) (EphemeralToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.ephemeral[ephemeralKey(kind, tokenHash)]
	if !ok {
		return EphemeralToken{}, ErrNotFound
	}
	return *token, nil
}

func (m *Memory) ConsumeEphemeralToken(_ context.Context, kind EphemeralKind, tokenHash string, now time.Time, effect ConsumeEffect) (EphemeralToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.ephemeral[ephemeralKey(kind, tokenHash)]
	if !ok || !token.Active(now) {
		return EphemeralToken{}, ErrNotFound
	}
	token.UsedAt = utcPtr(now)

	if account, ok := m.accounts[token.AccountID]; ok {
		if effect.MarkEmailVerified {
			account.EmailVerified = true
			if account.EmailVerifiedAt == nil {
				account.EmailVerifiedAt = utcPtr(now)
			}
		}
		if effect.NewPasswordHash != "" {
			account.PasswordHash = effect.NewPasswordHash
			account.FailedLoginAttempts = 0
			account.LockedUntil = nil
		}
		account.UpdatedAt = now.UTC()
	}
	return *token, nil
}

func (m *Memory) GetTwoFactorSecret(_ context.Context, accountID string) (TwoFactorSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	secret, ok := m.secrets[accountID]
	if !ok {
		return TwoFactorSecret{}, ErrNotFound
	}
	out := *secret
	out.BackupCodes = slices.Clone(secret.BackupCodes)
	return out, nil
}

func (m *Memory) SaveTwoFactorSecret(_ context.Context, secret TwoFactorSecret, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[secret.AccountID]; !ok {
		return ErrNotFound
	}
	createdAt := now.UTC()
	if existing, ok := m.secrets[secret.AccountID]; ok {
		createdAt = existing.CreatedAt
	}
	secret.BackupCodes = slices.Clone(secret.BackupCodes)
	secret.CreatedAt = createdAt
	secret.UpdatedAt = now.UTC()
	m.secrets[secret.AccountID] = &secret
	m.settings[secret.AccountID] = SecuritySettings{
		AccountID:        secret.AccountID,
		TwoFactorEnabled: true,
		TwoFactorMethod:  secret.Method,
	}
	return nil
}

func (m *Memory) ConsumeBackupCode(_ context.Context, accountID, codeHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	secret, ok := m.secrets[accountID]
	if !ok {
		return false, nil
	}
	idx := slices.Index(secret.BackupCodes, codeHash)
	if idx < 0 {
		return false, nil
	}
	secret.BackupCodes = slices.DeleteFunc(secret.BackupCodes, func(code string) bool { return code == codeHash })
	secret.UpdatedAt = now.UTC()
	return true, nil
}

func (m *Memory) MarkPhoneVerified(_ context.Context, accountID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if secret, ok := m.secrets[accountID]; ok && secret.Method == MethodSMS {
		secret.PhoneVerified = true
		secret.UpdatedAt = now.UTC()
	}
	return nil
}

func (m *Memory) DeleteTwoFactorSecret(_ context.Context, accountID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.secrets, accountID)
	delete(m.codes, codeKey(accountID, PurposeTwoFactor))
	m.settings[accountID] = SecuritySettings{AccountID: accountID}
	return nil
}

func (m *Memory) GetSecuritySettings(_ context.Context, accountID string) (SecuritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings, ok := m.settings[accountID]
	if !ok {
		return SecuritySettings{AccountID: accountID}, nil
	}
	return settings, nil
}

func codeKey(accountID, purpose string) string {
	return accountID + ":" + purpose
}

func (m *Memory) SaveOneTimeCode(_ context.Context, code OneTimeCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	code.Attempts = 0
	code.ExpiresAt = code.ExpiresAt.UTC()
	m.codes[codeKey(code.AccountID, code.Purpose)] = &code
	return nil
}

func (m *Memory) ConsumeOneTimeCode(_ context.Context, accountID, purpose, codeHash string, now time.Time, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := codeKey(accountID, purpose)
	code, ok := m.codes[key]
	if !ok {
		return false, nil
	}

	live := code.ExpiresAt.After(now)
	matched := live && code.CodeHash == codeHash
	code.Attempts++
	if matched || !live || code.Attempts >= maxAttempts {
		delete(m.codes, key)
	}
	return matched, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) CleanupExpired(_ context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	now := time.Now().UTC()
	cutoff := now.Add(-retention)

	var result CleanupResult
	for key, token := range m.refresh {
		if result.DeletedRefreshTokens >= int64(batchSize) {
			break
		}
		if token.ExpiresAt.Before(now) || (token.RevokedAt != nil && token.RevokedAt.Before(cutoff)) {
			delete(m.refresh, key)
			result.DeletedRefreshTokens++
		}
	}
	for key, token := range m.ephemeral {
		if result.DeletedEphemeralTokens >= int64(batchSize) {
			break
		}
		if token.ExpiresAt.Before(now) || (token.UsedAt != nil && token.UsedAt.Before(cutoff)) {
			delete(m.ephemeral, key)
			result.DeletedEphemeralTokens++
		}
	}
	for key, code := range m.codes {
		if result.DeletedOneTimeCodes >= int64(batchSize) {
			break
		}
		if code.ExpiresAt.Before(now) {
			delete(m.codes, key)
			result.DeletedOneTimeCodes++
		}
	}
	return result, nil
}
