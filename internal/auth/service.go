package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"account-auth/internal/autherr"
	"account-auth/internal/ephemeral"
	"account-auth/internal/identity"
	"account-auth/internal/lockout"
	"account-auth/internal/observability"
	"account-auth/internal/password"
	"account-auth/internal/refresh"
	"account-auth/internal/store"
	"account-auth/internal/token"
	"account-auth/internal/twofactor"
)

const (
	minPasswordRunes = 8
	maxPasswordBytes = 72
)

type AccountStore interface {
	CreateAccount(ctx context.Context, account store.NewAccount, now time.Time) (store.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
	GetAccountByProviderID(ctx context.Context, providerID string) (store.Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error
	LinkProvider(ctx context.Context, id, providerID string, now time.Time) error
}

// Mailer is the outbound side of the verification and reset flows.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, token string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
}

type Deps struct {
	Accounts  AccountStore
	Hasher    *password.Hasher
	Tokens    *token.Codec
	Refresh   *refresh.Ledger
	Ephemeral *ephemeral.Ledger
	Lockout   *lockout.Policy
	TwoFactor *twofactor.Manager
	Mailer    Mailer
	// Identity is nil when federated login is disabled.
	Identity identity.Verifier
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	// RefreshRotation replaces the refresh token on every refresh and
	// revokes the whole family when a replaced token comes back.
	RefreshRotation bool
	Now             func() time.Time
}

type Service struct {
	accounts  AccountStore
	hasher    *password.Hasher
	tokens    *token.Codec
	refresh   *refresh.Ledger
	ephemeral *ephemeral.Ledger
	lockout   *lockout.Policy
	twoFactor *twofactor.Manager
	mailer    Mailer
	identity  identity.Verifier
	logger    *observability.Logger
	metrics   *observability.Metrics
	rotate    bool
	now       func() time.Time
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		accounts:  d.Accounts,
		hasher:    d.Hasher,
		tokens:    d.Tokens,
		refresh:   d.Refresh,
		ephemeral: d.Ephemeral,
		lockout:   d.Lockout,
		twoFactor: d.TwoFactor,
		mailer:    d.Mailer,
		identity:  d.Identity,
		logger:    d.Logger,
		metrics:   d.Metrics,
		rotate:    d.RefreshRotation,
		now:       d.Now,
	}
}

func (s *Service) FederatedLoginEnabled() bool {
	return s.identity != nil
}

func (s *Service) Register(ctx context.Context, email, plaintext, displayName string) (Profile, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Profile{}, err
	}
	if err := checkPasswordPolicy(plaintext); err != nil {
		return Profile{}, err
	}

	digest, err := s.hasher.Hash(plaintext)
	if err != nil {
		return Profile{}, err
	}

	account, err := s.accounts.CreateAccount(ctx, store.NewAccount{
		Email:        email,
		Role:         store.RoleUser,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: digest,
	}, s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Profile{}, autherr.ErrAccountExists
		}
		return Profile{}, autherr.Unavailable(err)
	}

	s.logger.Info("account_registered", map[string]any{"account_id": account.ID})
	s.sendVerification(ctx, account)

	return profileOf(account, twofactor.Status{}), nil
}

// Login checks a password and, when two-factor is enabled, the second factor
// passed in code. Unknown accounts and wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, email, plaintext, code string) (Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || plaintext == "" {
		s.hasher.Burn(plaintext)
		s.metrics.Login("invalid_credentials")
		return Tokens{}, autherr.ErrInvalidCredentials
	}

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.Burn(plaintext)
			s.metrics.Login("invalid_credentials")
			return Tokens{}, autherr.ErrInvalidCredentials
		}
		return Tokens{}, autherr.Unavailable(err)
	}

	if err := s.checkLock(ctx, account.ID); err != nil {
		return Tokens{}, err
	}

	if account.PasswordHash == "" {
		s.hasher.Burn(plaintext)
		return Tokens{}, s.failLogin(ctx, account.ID)
	}
	ok, err := s.hasher.Verify(plaintext, account.PasswordHash)
	if err != nil {
		s.logger.Error("password_digest_unreadable", map[string]any{"account_id": account.ID, "error": err})
		s.metrics.Login("invalid_credentials")
		return Tokens{}, autherr.ErrInvalidCredentials
	}
	if !ok {
		return Tokens{}, s.failLogin(ctx, account.ID)
	}

	if err := s.secondFactor(ctx, account, code); err != nil {
		return Tokens{}, err
	}

	return s.completeLogin(ctx, account)
}

// LoginWithIdentity signs in with a federated identity token. The account is
// found by provider id, else linked by email, else created.
func (s *Service) LoginWithIdentity(ctx context.Context, idToken, code string) (Tokens, error) {
	if s.identity == nil {
		return Tokens{}, fmt.Errorf("%w: federated login is disabled", autherr.ErrInvalidInput)
	}

	ident, err := s.identity.VerifyIdentityToken(ctx, idToken)
	if err != nil {
		if errors.Is(err, autherr.ErrTokenInvalid) {
			s.metrics.Login("invalid_identity")
		}
		return Tokens{}, err
	}

	account, err := s.resolveIdentity(ctx, ident)
	if err != nil {
		return Tokens{}, err
	}

	if err := s.checkLock(ctx, account.ID); err != nil {
		return Tokens{}, err
	}
	if err := s.secondFactor(ctx, account, code); err != nil {
		return Tokens{}, err
	}

	return s.completeLogin(ctx, account)
}

func (s *Service) resolveIdentity(ctx context.Context, ident identity.Identity) (store.Account, error) {
	for attempt := 0; attempt < 2; attempt++ {
		account, err := s.accounts.GetAccountByProviderID(ctx, ident.ProviderID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Account{}, autherr.Unavailable(err)
		}

		now := s.now().UTC()
		account, err = s.accounts.GetAccountByEmail(ctx, ident.Email)
		switch {
		case err == nil:
			if account.ProviderID != "" {
				return store.Account{}, fmt.Errorf("%w: email is linked to another identity", autherr.ErrAccountExists)
			}
			if err := s.accounts.LinkProvider(ctx, account.ID, ident.ProviderID, now); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return store.Account{}, autherr.Unavailable(err)
			}
			s.logger.Info("identity_linked", map[string]any{"account_id": account.ID})
			account.ProviderID = ident.ProviderID
			account.EmailVerified = true
			return account, nil
		case !errors.Is(err, store.ErrNotFound):
			return store.Account{}, autherr.Unavailable(err)
		}

		account, err = s.accounts.CreateAccount(ctx, store.NewAccount{
			Email:         ident.Email,
			Role:          store.RoleUser,
			DisplayName:   ident.DisplayName,
			ProviderID:    ident.ProviderID,
			EmailVerified: true,
		}, now)
		if err == nil {
			s.logger.Info("account_registered", map[string]any{"account_id": account.ID, "federated": true})
			return account, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return store.Account{}, autherr.Unavailable(err)
		}
		// A concurrent login created the account first. Look it up again.
	}
	return store.Account{}, autherr.Unavailable(errors.New("federated account kept conflicting"))
}

func (s *Service) checkLock(ctx context.Context, accountID string) error {
	status, err := s.lockout.IsLocked(ctx, accountID)
	if err != nil {
		return err
	}
	if status.Locked {
		s.metrics.Login("locked")
		s.logger.Warn("login_rejected_locked", map[string]any{"account_id": accountID, "locked_until": status.Until})
		return LockedError{Until: status.Until, RetryAfter: status.Until.Sub(s.now())}
	}
	return nil
}

// failLogin counts a wrong password. The attempt that reaches the threshold
// still reports invalid credentials; the next one sees the lock.
func (s *Service) failLogin(ctx context.Context, accountID string) error {
	status, err := s.lockout.RegisterFailure(ctx, accountID)
	if err != nil {
		return err
	}
	s.metrics.Login("invalid_credentials")
	s.logger.Warn("login_failed", map[string]any{"account_id": accountID, "failed_attempts": status.FailedAttempts})
	if status.Locked {
		s.metrics.Lockout()
		s.logger.Warn("account_locked", map[string]any{"account_id": accountID, "locked_until": status.Until})
	}
	return autherr.ErrInvalidCredentials
}

func (s *Service) secondFactor(ctx context.Context, account store.Account, code string) error {
	status, err := s.twoFactor.Status(ctx, account.ID)
	if err != nil {
		return err
	}
	if !status.Enabled {
		return nil
	}

	if strings.TrimSpace(code) == "" {
		if status.Method == store.MethodEmail || status.Method == store.MethodSMS {
			if err := s.twoFactor.SendCode(ctx, account.ID, account.Email); err != nil {
				s.logger.Error("two_factor_code_send_failed", map[string]any{"account_id": account.ID, "error": err})
			}
		}
		s.metrics.Login("two_factor_required")
		return autherr.ErrTwoFactorRequired
	}

	factor, err := s.twoFactor.Verify(ctx, account.ID, code)
	if err != nil {
		if errors.Is(err, autherr.ErrTwoFactorInvalid) {
			s.metrics.TwoFactor("unknown", "failed")
			s.metrics.Login("two_factor_invalid")
			s.logger.Warn("two_factor_failed", map[string]any{"account_id": account.ID})
		}
		return err
	}
	s.metrics.TwoFactor(string(factor), "ok")
	return nil
}

func (s *Service) completeLogin(ctx context.Context, account store.Account) (Tokens, error) {
	if err := s.lockout.RegisterSuccess(ctx, account.ID); err != nil {
		return Tokens{}, err
	}

	access, err := s.tokens.Issue(account.ID, account.Email, account.Role)
	if err != nil {
		return Tokens{}, err
	}
	issued, err := s.refresh.Issue(ctx, account.ID)
	if err != nil {
		return Tokens{}, err
	}

	s.metrics.Login("success")
	s.logger.Info("login_succeeded", map[string]any{"account_id": account.ID})
	return tokensOf(access, issued), nil
}

func (s *Service) Refresh(ctx context.Context, raw string) (Tokens, error) {
	var (
		accountID string
		issued    refresh.Issued
		err       error
	)
	if s.rotate {
		var reused bool
		accountID, issued, reused, err = s.refresh.Rotate(ctx, raw)
		if reused {
			s.metrics.RefreshReuse()
			s.logger.Warn("refresh_token_reused", map[string]any{"account_id": accountID})
		}
	} else {
		accountID, err = s.refresh.Validate(ctx, raw)
		issued = refresh.Issued{Token: strings.TrimSpace(raw)}
	}
	if err != nil {
		if errors.Is(err, autherr.ErrTokenInvalid) {
			s.metrics.Refresh("invalid")
		}
		return Tokens{}, err
	}

	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Refresh("invalid")
			return Tokens{}, autherr.ErrRefreshTokenInvalid
		}
		return Tokens{}, autherr.Unavailable(err)
	}

	access, err := s.tokens.Issue(account.ID, account.Email, account.Role)
	if err != nil {
		return Tokens{}, err
	}

	s.metrics.Refresh("success")
	return tokensOf(access, issued), nil
}

func (s *Service) Logout(ctx context.Context, raw string) error {
	return s.refresh.Revoke(ctx, raw)
}

func (s *Service) LogoutAll(ctx context.Context, accountID string) (int64, error) {
	revoked, err := s.refresh.RevokeAll(ctx, accountID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("sessions_revoked", map[string]any{"account_id": accountID, "revoked": revoked})
	return revoked, nil
}

// RequestPasswordReset mails a reset link. It succeeds for unknown addresses
// so callers cannot probe which emails have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	account, found, err := s.lookupForMail(ctx, email)
	if err != nil || !found {
		return err
	}

	issued, err := s.ephemeral.Issue(ctx, account.ID, store.KindPasswordReset)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordResetEmail(ctx, account.Email, issued.Token); err != nil {
		s.logger.Error("password_reset_mail_failed", map[string]any{"account_id": account.ID, "error": err})
	}
	s.logger.Info("password_reset_requested", map[string]any{"account_id": account.ID})
	return nil
}

// CompletePasswordReset sets a new password from a reset token and signs the
// account out everywhere.
func (s *Service) CompletePasswordReset(ctx context.Context, raw, newPassword string) error {
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	if _, err := s.ephemeral.Validate(ctx, raw, store.KindPasswordReset); err != nil {
		return err
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	accountID, err := s.ephemeral.ConsumeWithPassword(ctx, raw, digest)
	if err != nil {
		return err
	}

	if _, err := s.refresh.RevokeAll(ctx, accountID); err != nil {
		return err
	}
	s.logger.Info("password_reset_completed", map[string]any{"account_id": accountID})
	return nil
}

// RequestEmailVerification mails a fresh verification link. Unknown and
// already verified addresses are accepted silently.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) error {
	account, found, err := s.lookupForMail(ctx, email)
	if err != nil || !found || account.EmailVerified {
		return err
	}
	s.sendVerification(ctx, account)
	return nil
}

// ResendVerification is the public re-send entry point.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	return s.RequestEmailVerification(ctx, email)
}

func (s *Service) CompleteEmailVerification(ctx context.Context, raw string) error {
	accountID, err := s.ephemeral.Consume(ctx, raw, store.KindEmailVerification)
	if err != nil {
		return err
	}
	s.logger.Info("email_verified", map[string]any{"account_id": accountID})
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return err
	}

	if account.PasswordHash == "" {
		s.hasher.Burn(current)
		return autherr.ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(current, account.PasswordHash)
	if err != nil || !ok {
		return autherr.ErrInvalidCredentials
	}
	if err := checkPasswordPolicy(next); err != nil {
		return err
	}

	digest, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePasswordHash(ctx, account.ID, digest, s.now().UTC()); err != nil {
		return autherr.Unavailable(err)
	}
	if _, err := s.refresh.RevokeAll(ctx, account.ID); err != nil {
		return err
	}
	s.logger.Info("password_changed", map[string]any{"account_id": account.ID})
	return nil
}

func (s *Service) EnableTwoFactor(ctx context.Context, accountID string, method store.TwoFactorMethod, secret, phone string) (twofactor.Enrollment, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return twofactor.Enrollment{}, err
	}
	return s.twoFactor.Enable(ctx, twofactor.EnableRequest{
		AccountID:    account.ID,
		AccountEmail: account.Email,
		Method:       method,
		Secret:       secret,
		PhoneNumber:  phone,
	})
}

func (s *Service) VerifyTwoFactor(ctx context.Context, accountID, code string) error {
	factor, err := s.twoFactor.Verify(ctx, accountID, code)
	if err != nil {
		if errors.Is(err, autherr.ErrTwoFactorInvalid) {
			s.metrics.TwoFactor("unknown", "failed")
		}
		return err
	}
	s.metrics.TwoFactor(string(factor), "ok")
	return nil
}

// DisableTwoFactor requires a currently valid code, backup codes included.
func (s *Service) DisableTwoFactor(ctx context.Context, accountID, code string) error {
	if err := s.VerifyTwoFactor(ctx, accountID, code); err != nil {
		return err
	}
	return s.twoFactor.Disable(ctx, accountID)
}

func (s *Service) SendTwoFactorCode(ctx context.Context, accountID string) error {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return err
	}
	return s.twoFactor.SendCode(ctx, account.ID, account.Email)
}

func (s *Service) Me(ctx context.Context, accountID string) (Profile, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return Profile{}, err
	}
	status, err := s.twoFactor.Status(ctx, account.ID)
	if err != nil {
		return Profile{}, err
	}
	return profileOf(account, status), nil
}

func (s *Service) account(ctx context.Context, accountID string) (store.Account, error) {
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Account{}, autherr.ErrTokenInvalid
		}
		return store.Account{}, autherr.Unavailable(err)
	}
	return account, nil
}

func (s *Service) lookupForMail(ctx context.Context, email string) (store.Account, bool, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.Account{}, false, err
	}
	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Account{}, false, nil
		}
		return store.Account{}, false, autherr.Unavailable(err)
	}
	return account, true, nil
}

func (s *Service) sendVerification(ctx context.Context, account store.Account) {
	issued, err := s.ephemeral.Issue(ctx, account.ID, store.KindEmailVerification)
	if err != nil {
		s.logger.Error("verification_token_issue_failed", map[string]any{"account_id": account.ID, "error": err})
		return
	}
	if err := s.mailer.SendVerificationEmail(ctx, account.Email, issued.Token); err != nil {
		s.logger.Error("verification_mail_failed", map[string]any{"account_id": account.ID, "error": err})
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", fmt.Errorf("%w: email address is invalid", autherr.ErrInvalidInput)
	}
	return email, nil
}

func checkPasswordPolicy(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < minPasswordRunes {
		return fmt.Errorf("%w: password must be at least %d characters", autherr.ErrPasswordPolicy, minPasswordRunes)
	}
	if len(plaintext) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", autherr.ErrPasswordPolicy, maxPasswordBytes)
	}
	return nil
}

func tokensOf(access token.Access, issued refresh.Issued) Tokens {
	tokens := Tokens{
		AccessToken:          access.Token,
		RefreshToken:         issued.Token,
		TokenType:            "Bearer",
		ExpiresIn:            access.ExpiresIn,
		AccessTokenExpiresAt: access.ExpiresAt,
	}
	if !issued.ExpiresAt.IsZero() {
		expiresAt := issued.ExpiresAt
		tokens.RefreshTokenExpiresAt = &expiresAt
	}
	return tokens
}

func profileOf(account store.Account, status twofactor.Status) Profile {
	return Profile{
		ID:            account.ID,
		Email:         account.Email,
		DisplayName:   account.DisplayName,
		Role:          account.Role,
		EmailVerified: account.EmailVerified,
		HasPassword:   account.PasswordHash != "",
		TwoFactor:     status,
		CreatedAt:     account.CreatedAt,
	}
}
