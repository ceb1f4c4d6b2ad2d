package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-auth/internal/identity"
	"account-auth/internal/lockout"
	"account-auth/internal/store"
)

type api struct {
	t   *testing.T
	f   *fixture
	mux *http.ServeMux
}

func newAPI(t *testing.T, opts ...fixtureOption) *api {
	t.Helper()
	f := newFixture(t, opts...)
	mux := http.NewServeMux()
	NewHandler(f.service).Mount(mux, f.codec)
	return &api{t: t, f: f, mux: mux}
}

func (a *api) do(method, path, bearer string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			payload.WriteString(raw)
		} else {
			require.NoError(a.t, json.NewEncoder(&payload).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *api) login(email, password string) Tokens {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[Tokens](a.t, rec)
}

func TestRegisterAndLoginOverHTTP(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/auth/register", "", map[string]string{
		"email": "user@example.com", "password": testPassword, "display_name": "User",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	profile := decode[Profile](t, rec)
	assert.Equal(t, "user@example.com", profile.Email)

	rec = a.do(http.MethodPost, "/auth/register", "", map[string]string{"email": "user@example.com", "password": testPassword})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/auth/register", "", map[string]string{"email": "x@example.com", "password": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tokens := a.login("user@example.com", testPassword)
	assert.NotEmpty(t, tokens.AccessToken)

	rec = a.do(http.MethodGet, "/auth/me", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, profile.ID, decode[Profile](t, rec).ID)
}

func TestRejectsMalformedBodies(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/auth/login", "", `{"email":"a@example.com","password":"x","admin":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/auth/login", "", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginStatusMapping(t *testing.T) {
	a := newAPI(t)
	a.f.register(t, "user@example.com")

	rec := a.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "user@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", decode[map[string]string](t, rec)["error"])

	for i := 1; i < lockout.DefaultThreshold; i++ {
		a.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "user@example.com", "password": "wrong password"})
	}

	rec = a.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "user@example.com", "password": testPassword})
	assert.Equal(t, http.StatusLocked, rec.Code)
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, int(lockout.DefaultWindow.Seconds()), retryAfter)
}

func TestTwoFactorOverHTTP(t *testing.T) {
	a := newAPI(t)
	a.f.register(t, "user@example.com")
	tokens := a.login("user@example.com", testPassword)

	rec := a.do(http.MethodPost, "/auth/2fa/enable", tokens.AccessToken, map[string]string{"method": "authenticator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	enrollment := decode[struct {
		BackupCodes []string `json:"backup_codes"`
	}](t, rec)
	require.Len(t, enrollment.BackupCodes, 10)

	rec = a.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "user@example.com", "password": testPassword})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["two_factor_required"])

	rec = a.do(http.MethodPost, "/auth/login", "", map[string]string{
		"email": "user@example.com", "password": testPassword, "two_factor_code": "00000000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/auth/login", "", map[string]string{
		"email": "user@example.com", "password": testPassword, "two_factor_code": enrollment.BackupCodes[0],
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/auth/2fa/verify", tokens.AccessToken, map[string]string{"code": enrollment.BackupCodes[1]})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/auth/2fa/send-code", tokens.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "authenticator enrollments get no codes")

	rec = a.do(http.MethodPost, "/auth/2fa/disable", tokens.AccessToken, map[string]string{"code": enrollment.BackupCodes[2]})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodPost, "/auth/2fa/enable", tokens.AccessToken, map[string]string{"method": "fax"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedAccessToken(t *testing.T) {
	a := newAPI(t)
	a.f.register(t, "user@example.com")
	tokens := a.login("user@example.com", testPassword)

	for _, path := range []string{"/auth/logout-all", "/auth/change-password", "/auth/2fa/enable", "/auth/2fa/disable"} {
		rec := a.do(http.MethodPost, path, "", map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := a.do(http.MethodGet, "/auth/me", tokens.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "refresh tokens are not access tokens")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Basic abc")
	resp := httptest.NewRecorder()
	a.mux.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSessionRoutes(t *testing.T) {
	a := newAPI(t)
	a.f.register(t, "user@example.com")
	tokens := a.login("user@example.com", testPassword)

	rec := a.do(http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/auth/logout", "", map[string]string{"refresh_token": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/auth/logout-all", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["revoked"])

	rec = a.do(http.MethodPost, "/auth/logout", "", map[string]string{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryRoutes(t *testing.T) {
	a := newAPI(t)
	a.f.register(t, "user@example.com")
	tokens := a.login("user@example.com", testPassword)

	for _, email := range []string{"user@example.com", "nobody@example.com"} {
		rec := a.do(http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": email})
		assert.Equal(t, http.StatusAccepted, rec.Code, "same answer for %s", email)
	}
	resetToken := a.f.mail.take(a.f.mail.reset, "user@example.com")

	rec := a.do(http.MethodPost, "/auth/reset-password", "", map[string]string{"token": "forged", "new_password": "a brand new password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/auth/reset-password", "", map[string]string{"token": resetToken, "new_password": "a brand new password"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodPost, "/auth/resend-verification", "", map[string]string{"email": "user@example.com"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	verifyToken := a.f.mail.take(a.f.mail.verify, "user@example.com")

	rec = a.do(http.MethodPost, "/auth/verify-email", "", map[string]string{"token": verifyToken})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(http.MethodPost, "/auth/verify-email", "", map[string]string{"token": verifyToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/auth/change-password", tokens.AccessToken, map[string]string{
		"current_password": "a brand new password", "new_password": "yet another password",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGoogleRouteOnlyWhenEnabled(t *testing.T) {
	disabled := newAPI(t)
	rec := disabled.do(http.MethodPost, "/auth/google", "", map[string]string{"id_token": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	enabled := newAPI(t, withIdentities(map[string]identity.Identity{
		"good": {ProviderID: "g-1", Email: "g@example.com"},
	}))
	rec = enabled.do(http.MethodPost, "/auth/google", "", map[string]string{"id_token": "good"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = enabled.do(http.MethodPost, "/auth/google", "", map[string]string{"id_token": "bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnavailableMapsTo503(t *testing.T) {
	a := newAPI(t)
	a.f.service.accounts = brokenAccounts{a.f.mem}

	rec := a.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "user@example.com", "password": testPassword})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

var _ AccountStore = (*store.Memory)(nil)
var _ AccountStore = (*store.Repository)(nil)
