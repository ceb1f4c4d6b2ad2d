package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-auth/internal/autherr"
)

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_POLICY_FILE", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("JWT_SECRET", "bootstrap-test-secret-bootstrap-test")
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("SMTP_HOST", "")
	t.Setenv("GOOGLE_LOGIN_ENABLED", "false")
	t.Setenv("TWO_FACTOR_CODE_STORE", "store")
}

func call(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildServesMemoryBackend(t *testing.T) {
	memoryEnv(t)

	rt, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, rt.Close()) })

	rec := call(t, rt.Handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, rt.Handler, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "boot@example.com", "password": "correct horse battery",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, rt.Handler, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "boot@example.com", "password": "correct horse battery",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, rt.Handler, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `auth_login_attempts_total{outcome="success"} 1`)

	rec = call(t, rt.Handler, http.MethodPost, "/internal/maintenance/cleanup", "cron", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, rt.Handler, http.MethodPost, "/auth/google", "", map[string]string{"id_token": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildUsesRedisCodeStore(t *testing.T) {
	memoryEnv(t)
	server := miniredis.RunT(t)
	t.Setenv("TWO_FACTOR_CODE_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://"+server.Addr())

	rt, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	rec := call(t, rt.Handler, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Checks["redis"])

	server.Close()
	rec = call(t, rt.Handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	memoryEnv(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_BACKEND", "cassandra")

	_, err := Build(Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, autherr.ErrConfiguration)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "cassandra")
}

func TestBuildFailsWhenRedisIsDown(t *testing.T) {
	memoryEnv(t)
	t.Setenv("TWO_FACTOR_CODE_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")

	_, err := Build(Options{})
	assert.ErrorContains(t, err, "ping redis")
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("dial tcp: refused") }

func TestHealthReportsDegradedStore(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(downStore{}, nil)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.NotContains(t, rec.Body.String(), "refused")
}
