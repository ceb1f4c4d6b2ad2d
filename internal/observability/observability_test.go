package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapLogger(zap.New(core)), logs
}

func TestLoggerWritesFields(t *testing.T) {
	logger, logs := observedLogger()

	logger.Warn("login_failed", map[string]any{"account_id": "acc-1", "error": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "login_failed", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "acc-1", fields["account_id"])
	assert.Equal(t, "boom", fields["error"])
}

func TestNilLoggerIsSilent(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.Info("anything", nil)
		logger.With(map[string]any{"k": "v"}).Error("still nothing", nil)
		_ = logger.Sync()
	})
}

func TestMetricsCount(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.Login("success")
	metrics.Login("success")
	metrics.Login("invalid_credentials")
	metrics.Lockout()

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.logins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.lockouts))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.Login("success") })
}

func TestRequestLoggingMiddleware(t *testing.T) {
	logger, logs := observedLogger()
	metrics := NewMetrics(prometheus.NewRegistry())

	handler := RequestLoggingMiddleware(logger, metrics, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "203.0.113.7", fields["ip"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, rec.Header().Get(RequestIDHeader), fields["request_id"])

	metricsRec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), "auth_http_request_duration_seconds")
}

func TestRecoverMiddleware(t *testing.T) {
	logger, logs := observedLogger()
	handler := RecoverMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic_recovered").Len())
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := RequestLoggingMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set(RequestIDHeader, "edge-1234")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "edge-1234", seen)
	assert.Equal(t, "edge-1234", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set(RequestIDHeader, "has spaces\r\ninjected")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, "has spaces\r\ninjected", seen)
	assert.Len(t, seen, 36)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	assert.Equal(t, "198.51.100.4", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " , 10.0.0.1")
	assert.Equal(t, "198.51.100.4", ClientIP(req))

	req.RemoteAddr = ""
	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "unknown", ClientIP(req))
}
