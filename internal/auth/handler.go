package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"account-auth/internal/autherr"
	"account-auth/internal/store"
	"account-auth/internal/token"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Mount registers every /auth route. Routes that act on the signed-in
// account go through Middleware.
func (h *Handler) Mount(mux *http.ServeMux, codec *token.Codec) {
	protect := func(fn http.HandlerFunc) http.Handler {
		return Middleware(codec, fn)
	}

	mux.HandleFunc("POST /auth/register", h.Register)
	mux.HandleFunc("POST /auth/login", h.Login)
	if h.service.FederatedLoginEnabled() {
		mux.HandleFunc("POST /auth/google", h.LoginWithGoogle)
	}
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/verify-email", h.VerifyEmail)
	mux.HandleFunc("POST /auth/resend-verification", h.ResendVerification)
	mux.HandleFunc("POST /auth/forgot-password", h.ForgotPassword)
	mux.HandleFunc("POST /auth/reset-password", h.ResetPassword)

	mux.Handle("GET /auth/me", protect(h.Me))
	mux.Handle("POST /auth/logout-all", protect(h.LogoutAll))
	mux.Handle("POST /auth/change-password", protect(h.ChangePassword))
	mux.Handle("POST /auth/2fa/enable", protect(h.EnableTwoFactor))
	mux.Handle("POST /auth/2fa/verify", protect(h.VerifyTwoFactor))
	mux.Handle("POST /auth/2fa/disable", protect(h.DisableTwoFactor))
	mux.Handle("POST /auth/2fa/send-code", protect(h.SendTwoFactorCode))
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
}

type googleLoginRequest struct {
	IDToken       string `json:"id_token"`
	TwoFactorCode string `json:"two_factor_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type enableTwoFactorRequest struct {
	Method      string `json:"method"`
	Secret      string `json:"secret"`
	PhoneNumber string `json:"phone_number"`
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	profile, err := h.service.Register(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		writeServiceError(w, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password, body.TwoFactorCode)
	if err != nil {
		writeServiceError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) LoginWithGoogle(w http.ResponseWriter, r *http.Request) {
	var body googleLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.LoginWithIdentity(r.Context(), strings.TrimSpace(body.IDToken), body.TwoFactorCode)
	if err != nil {
		writeServiceError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken))
	if err != nil {
		writeServiceError(w, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
		writeServiceError(w, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	revoked, err := h.service.LogoutAll(r.Context(), claims.AccountID())
	if err != nil {
		writeServiceError(w, err, "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.CompleteEmailVerification(r.Context(), body.Token); err != nil {
		writeServiceError(w, err, "failed to verify email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResendVerification(r.Context(), body.Email); err != nil {
		writeServiceError(w, err, "failed to send verification email")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		writeServiceError(w, err, "failed to request password reset")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.CompletePasswordReset(r.Context(), body.Token, body.NewPassword); err != nil {
		writeServiceError(w, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.AccountID(), body.CurrentPassword, body.NewPassword); err != nil {
		writeServiceError(w, err, "failed to change password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	profile, err := h.service.Me(r.Context(), claims.AccountID())
	if err != nil {
		writeServiceError(w, err, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body enableTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	method := store.TwoFactorMethod(strings.ToLower(strings.TrimSpace(body.Method)))
	enrollment, err := h.service.EnableTwoFactor(r.Context(), claims.AccountID(), method, strings.TrimSpace(body.Secret), strings.TrimSpace(body.PhoneNumber))
	if err != nil {
		writeServiceError(w, err, "failed to enable two-factor")
		return
	}

	writeJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyTwoFactor(r.Context(), claims.AccountID(), body.Code); err != nil {
		writeServiceError(w, err, "failed to verify code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), claims.AccountID(), body.Code); err != nil {
		writeServiceError(w, err, "failed to disable two-factor")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendTwoFactorCode(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	if err := h.service.SendTwoFactorCode(r.Context(), claims.AccountID()); err != nil {
		writeServiceError(w, err, "failed to send code")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// writeServiceError maps error kinds to status codes. Anything that is not a
// known kind is reported to sentry and answered with 500.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var locked LockedError
	switch {
	case errors.As(err, &locked):
		retryAfter := int(locked.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusLocked, "account temporarily locked")
	case errors.Is(err, autherr.ErrAccountLocked):
		writeError(w, http.StatusLocked, "account temporarily locked")
	case errors.Is(err, autherr.ErrTwoFactorRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":               "two-factor code required",
			"two_factor_required": true,
		})
	case errors.Is(err, autherr.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, autherr.ErrTwoFactorInvalid):
		writeError(w, http.StatusUnauthorized, "invalid two-factor code")
	case errors.Is(err, autherr.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, autherr.ErrAccountExists):
		writeError(w, http.StatusConflict, "account already exists")
	case errors.Is(err, autherr.ErrPasswordPolicy), errors.Is(err, autherr.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, autherr.ErrUnavailable):
		sentry.CaptureException(err)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
