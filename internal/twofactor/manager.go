// Package twofactor enrolls accounts in a second factor and verifies the codes
// they present: authenticator-app TOTP, single-use backup codes, and
// out-of-band codes delivered by email or SMS.
package twofactor

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"account-auth/internal/autherr"
	"account-auth/internal/observability"
	"account-auth/internal/store"
)

type Store interface {
	GetTwoFactorSecret(ctx context.Context, accountID string) (store.TwoFactorSecret, error)
	SaveTwoFactorSecret(ctx context.Context, secret store.TwoFactorSecret, now time.Time) error
	ConsumeBackupCode(ctx context.Context, accountID, codeHash string, now time.Time) (bool, error)
	MarkPhoneVerified(ctx context.Context, accountID string, now time.Time) error
	DeleteTwoFactorSecret(ctx context.Context, accountID string, now time.Time) error
	GetSecuritySettings(ctx context.Context, accountID string) (store.SecuritySettings, error)
}

// CodeStore holds outstanding out-of-band codes, hashed.
type CodeStore interface {
	SaveOneTimeCode(ctx context.Context, code store.OneTimeCode) error
	ConsumeOneTimeCode(ctx context.Context, accountID, purpose, codeHash string, now time.Time, maxAttempts int) (bool, error)
}

// CodeSender delivers an out-of-band code to an email address or phone number.
type CodeSender interface {
	Send2FACode(ctx context.Context, destination, code string) error
}

type Config struct {
	Issuer           string
	BackupCodeCount  int
	BackupCodeDigits int
	Period           uint
	Skew             uint
	CodeDigits       int
	CodeTTL          time.Duration
	CodeMaxAttempts  int
	QRSize           int
	Now              func() time.Time
}

func (c *Config) defaults() {
	if c.Issuer == "" {
		c.Issuer = "account-auth"
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = 10
	}
	if c.BackupCodeDigits <= 0 {
		c.BackupCodeDigits = 8
	}
	if c.Period == 0 {
		c.Period = 30
	}
	if c.Skew == 0 {
		c.Skew = 2
	}
	if c.CodeDigits <= 0 {
		c.CodeDigits = 6
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.CodeMaxAttempts <= 0 {
		c.CodeMaxAttempts = 5
	}
	if c.QRSize <= 0 {
		c.QRSize = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type EnableRequest struct {
	AccountID    string
	AccountEmail string
	Method       store.TwoFactorMethod
	// Secret optionally supplies a base32 authenticator secret.
	Secret      string
	PhoneNumber string
}

// Enrollment is returned once. The plaintext backup codes are never stored.
type Enrollment struct {
	Method          store.TwoFactorMethod `json:"method"`
	Secret          string                `json:"secret,omitempty"`
	ProvisioningURI string                `json:"provisioning_uri,omitempty"`
	QRCodeDataURL   string                `json:"qr_code,omitempty"`
	BackupCodes     []string              `json:"backup_codes"`
}

type Status struct {
	Enabled bool                  `json:"enabled"`
	Method  store.TwoFactorMethod `json:"method,omitempty"`
}

// Factor names the kind of code that satisfied Verify.
type Factor string

const (
	FactorBackupCode  Factor = "backup_code"
	FactorTOTP        Factor = "totp"
	FactorOneTimeCode Factor = "one_time_code"
)

type Manager struct {
	store  Store
	codes  CodeStore
	email  CodeSender
	sms    CodeSender
	logger *observability.Logger
	cfg    Config
}

func NewManager(s Store, codes CodeStore, email, sms CodeSender, logger *observability.Logger, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{store: s, codes: codes, email: email, sms: sms, logger: logger, cfg: cfg}
}

func (m *Manager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    m.cfg.Period,
		Skew:      m.cfg.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Enable replaces any existing enrollment for the account.
func (m *Manager) Enable(ctx context.Context, req EnableRequest) (Enrollment, error) {
	if !req.Method.Valid() {
		return Enrollment{}, fmt.Errorf("%w: unsupported two-factor method %q", autherr.ErrInvalidInput, req.Method)
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.Method == store.MethodSMS && req.PhoneNumber == "" {
		return Enrollment{}, fmt.Errorf("%w: phone number required for sms", autherr.ErrInvalidInput)
	}

	backupCodes, err := newBackupCodes(m.cfg.BackupCodeCount, m.cfg.BackupCodeDigits)
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate backup codes: %w", err)
	}
	hashed := make([]string, len(backupCodes))
	for i, code := range backupCodes {
		hashed[i] = store.HashToken(code)
	}

	enrollment := Enrollment{Method: req.Method, BackupCodes: backupCodes}
	record := store.TwoFactorSecret{
		AccountID:   req.AccountID,
		Method:      req.Method,
		BackupCodes: hashed,
	}

	switch req.Method {
	case store.MethodAuthenticator:
		accountName := req.AccountEmail
		if accountName == "" {
			accountName = req.AccountID
		}
		key, err := m.generateKey(accountName, req.Secret)
		if err != nil {
			return Enrollment{}, err
		}
		qr, err := qrDataURL(key, m.cfg.QRSize)
		if err != nil {
			return Enrollment{}, err
		}
		record.Secret = key.Secret()
		enrollment.Secret = key.Secret()
		enrollment.ProvisioningURI = key.URL()
		enrollment.QRCodeDataURL = qr
	case store.MethodSMS:
		record.PhoneNumber = req.PhoneNumber
	}

	if err := m.store.SaveTwoFactorSecret(ctx, record, m.cfg.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Enrollment{}, fmt.Errorf("%w: unknown account", autherr.ErrInvalidInput)
		}
		return Enrollment{}, autherr.Unavailable(err)
	}

	m.logger.Info("two_factor_enabled", map[string]any{"account_id": req.AccountID, "method": string(req.Method)})
	return enrollment, nil
}

func (m *Manager) generateKey(accountName, secret string) (*otp.Key, error) {
	opts := totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: accountName,
		Period:      m.cfg.Period,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	}
	if secret = strings.TrimSpace(secret); secret != "" {
		raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
		if err != nil || len(raw) < 10 {
			return nil, fmt.Errorf("%w: authenticator secret must be base32 of at least 80 bits", autherr.ErrInvalidInput)
		}
		opts.Secret = raw
	}

	key, err := totp.Generate(opts)
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return key, nil
}

func qrDataURL(key *otp.Key, size int) (string, error) {
	img, err := key.Image(size, size)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Verify accepts a backup code, a TOTP code within the skew window, or an
// outstanding out-of-band code, in that order. Every failure is
// autherr.ErrTwoFactorInvalid.
func (m *Manager) Verify(ctx context.Context, accountID, code string) (Factor, error) {
	code = normalizeCode(code)
	if code == "" {
		return "", autherr.ErrTwoFactorInvalid
	}

	secret, err := m.store.GetTwoFactorSecret(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", autherr.ErrTwoFactorInvalid
		}
		return "", autherr.Unavailable(err)
	}
	now := m.cfg.Now().UTC()

	used, err := m.store.ConsumeBackupCode(ctx, accountID, store.HashToken(code), now)
	if err != nil {
		return "", autherr.Unavailable(err)
	}
	if used {
		m.logger.Warn("backup_code_consumed", map[string]any{
			"account_id": accountID,
			"remaining":  len(secret.BackupCodes) - 1,
		})
		return FactorBackupCode, nil
	}

	switch secret.Method {
	case store.MethodAuthenticator:
		ok, err := totp.ValidateCustom(code, secret.Secret, now, m.validateOpts())
		if err == nil && ok {
			return FactorTOTP, nil
		}
	case store.MethodSMS, store.MethodEmail:
		if m.codes == nil {
			break
		}
		ok, err := m.codes.ConsumeOneTimeCode(ctx, accountID, store.PurposeTwoFactor, store.HashToken(code), now, m.cfg.CodeMaxAttempts)
		if err != nil {
			return "", autherr.Unavailable(err)
		}
		if ok {
			if secret.Method == store.MethodSMS && !secret.PhoneVerified {
				if err := m.store.MarkPhoneVerified(ctx, accountID, now); err != nil {
					return "", autherr.Unavailable(err)
				}
			}
			return FactorOneTimeCode, nil
		}
	}

	return "", autherr.ErrTwoFactorInvalid
}

// SendCode issues a fresh out-of-band code for sms and email enrollments,
// replacing any outstanding one. Delivery failures are logged only.
func (m *Manager) SendCode(ctx context.Context, accountID, email string) error {
	secret, err := m.store.GetTwoFactorSecret(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: two-factor not enabled", autherr.ErrInvalidInput)
		}
		return autherr.Unavailable(err)
	}

	var sender CodeSender
	var destination string
	switch secret.Method {
	case store.MethodEmail:
		sender, destination = m.email, email
	case store.MethodSMS:
		sender, destination = m.sms, secret.PhoneNumber
	default:
		return fmt.Errorf("%w: %s enrollments do not receive codes", autherr.ErrInvalidInput, secret.Method)
	}
	if m.codes == nil {
		return autherr.Configuration("no one-time code store configured")
	}

	code, err := randomDigits(m.cfg.CodeDigits)
	if err != nil {
		return fmt.Errorf("generate one-time code: %w", err)
	}
	err = m.codes.SaveOneTimeCode(ctx, store.OneTimeCode{
		AccountID: accountID,
		Purpose:   store.PurposeTwoFactor,
		CodeHash:  store.HashToken(code),
		ExpiresAt: m.cfg.Now().UTC().Add(m.cfg.CodeTTL),
	})
	if err != nil {
		return autherr.Unavailable(err)
	}

	if sender == nil {
		m.logger.Warn("two_factor_code_undeliverable", map[string]any{"account_id": accountID, "method": string(secret.Method)})
		return nil
	}
	if err := sender.Send2FACode(ctx, destination, code); err != nil {
		m.logger.Error("two_factor_code_delivery_failed", map[string]any{
			"account_id": accountID,
			"method":     string(secret.Method),
			"error":      err.Error(),
		})
	}
	return nil
}

func (m *Manager) Disable(ctx context.Context, accountID string) error {
	if err := m.store.DeleteTwoFactorSecret(ctx, accountID, m.cfg.Now().UTC()); err != nil {
		return autherr.Unavailable(err)
	}
	m.logger.Info("two_factor_disabled", map[string]any{"account_id": accountID})
	return nil
}

func (m *Manager) Status(ctx context.Context, accountID string) (Status, error) {
	settings, err := m.store.GetSecuritySettings(ctx, accountID)
	if err != nil {
		return Status{}, autherr.Unavailable(err)
	}
	if !settings.TwoFactorEnabled {
		return Status{}, nil
	}
	return Status{Enabled: true, Method: settings.TwoFactorMethod}, nil
}
