package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"account-auth/internal/store"
)

type mockCleaner struct {
	mock.Mock
}

func (m *mockCleaner) CleanupExpired(ctx context.Context, retention time.Duration, batchSize int) (store.CleanupResult, error) {
	args := m.Called(ctx, retention, batchSize)
	return args.Get(0).(store.CleanupResult), args.Error(1)
}

func request(method, bearer string) *http.Request {
	req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestCleanupDisabledWithoutSecret(t *testing.T) {
	cleaner := &mockCleaner{}
	h := NewCleanupHandler(cleaner, nil, "", time.Hour, 10)

	rec := httptest.NewRecorder()
	h.Handle(rec, request(http.MethodPost, "anything"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	cleaner.AssertNotCalled(t, "CleanupExpired", mock.Anything, mock.Anything, mock.Anything)
}

func TestCleanupRequiresSecret(t *testing.T) {
	cleaner := &mockCleaner{}
	h := NewCleanupHandler(cleaner, nil, "cron-secret", time.Hour, 10)

	for _, bearer := range []string{"", "wrong", "cron-secret-but-longer"} {
		rec := httptest.NewRecorder()
		h.Handle(rec, request(http.MethodGet, bearer))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, bearer)
	}

	rec := httptest.NewRecorder()
	h.Handle(rec, request(http.MethodDelete, "cron-secret"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCleanupReportsResult(t *testing.T) {
	cleaner := &mockCleaner{}
	cleaner.On("CleanupExpired", mock.Anything, 48*time.Hour, 250).
		Return(store.CleanupResult{DeletedRefreshTokens: 3, DeletedEphemeralTokens: 2, DeletedOneTimeCodes: 1}, nil).
		Once()
	h := NewCleanupHandler(cleaner, nil, "cron-secret", 48*time.Hour, 250)

	rec := httptest.NewRecorder()
	h.Handle(rec, request(http.MethodPost, "cron-secret"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string              `json:"status"`
		Result store.CleanupResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(3), body.Result.DeletedRefreshTokens)
	assert.Equal(t, int64(2), body.Result.DeletedEphemeralTokens)
	assert.Equal(t, int64(1), body.Result.DeletedOneTimeCodes)
	cleaner.AssertExpectations(t)
}

func TestCleanupFailure(t *testing.T) {
	cleaner := &mockCleaner{}
	cleaner.On("CleanupExpired", mock.Anything, mock.Anything, mock.Anything).
		Return(store.CleanupResult{}, errors.New("connection reset"))
	h := NewCleanupHandler(cleaner, nil, "cron-secret", time.Hour, 10)

	rec := httptest.NewRecorder()
	h.Handle(rec, request(http.MethodGet, "cron-secret"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestCleanupAgainstMemoryStore(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	past := time.Now().UTC().Add(-48 * time.Hour)

	account, err := mem.CreateAccount(ctx, store.NewAccount{Email: "c@example.com"}, past)
	require.NoError(t, err)
	require.NoError(t, mem.CreateRefreshToken(ctx, account.ID, "expired", past.Add(time.Hour), past))
	require.NoError(t, mem.CreateRefreshToken(ctx, account.ID, "live", time.Now().Add(time.Hour), past))

	h := NewCleanupHandler(mem, nil, "cron-secret", time.Hour, 100)
	rec := httptest.NewRecorder()
	h.Handle(rec, request(http.MethodPost, "cron-secret"))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = mem.GetRefreshToken(ctx, "expired")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.GetRefreshToken(ctx, "live")
	assert.NoError(t, err)
}
