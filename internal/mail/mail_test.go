package mail

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"account-auth/internal/observability"
)

func TestBuildMessage(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{
		Host: "smtp.example.com", Port: 587, From: "no-reply@example.com",
		AppURL: "https://app.example.com/", AppName: "Example",
	})
	sender.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }

	msg, err := sender.buildMessage("user@example.com", "Reset your password", "reset", templateData{
		AppName: "Example",
		Link:    sender.link("/reset-password", "a+b/c"),
	})
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "From: no-reply@example.com\r\n")
	assert.Contains(t, text, "To: user@example.com\r\n")
	assert.Contains(t, text, "Subject: Reset your password\r\n")
	assert.Contains(t, text, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.Contains(t, text, "https://app.example.com/reset-password?token=a%2bb%2fc")

	header, body, found := strings.Cut(text, "\r\n\r\n")
	require.True(t, found)
	assert.NotContains(t, header, "<html>")
	assert.Contains(t, body, "Choose a new password")
}

func TestBuildMessageRejectsHeaderInjection(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{From: "no-reply@example.com"})
	_, err := sender.buildMessage("victim@example.com\r\nBcc: other@example.com", "x", "code", templateData{Code: "123456"})
	assert.Error(t, err)
}

func TestCodeTemplateEscapes(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{From: "no-reply@example.com"})
	msg, err := sender.buildMessage("u@example.com", "code", "code", templateData{AppName: "<b>", Code: "123456"})
	require.NoError(t, err)
	assert.Contains(t, string(msg), "<strong>123456</strong>")
	assert.Contains(t, string(msg), "&lt;b&gt;")
}

func TestSendHonoursCancelledContext(t *testing.T) {
	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "no-reply@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sender.Send2FACode(ctx, "u@example.com", "123456")
	assert.ErrorIs(t, err, context.Canceled)
}

type sent struct {
	kind, to, secret string
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []sent
	fail    bool
	release chan struct{}
}

func (r *recordingSender) record(kind, to, secret string) error {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp unavailable")
	}
	r.sent = append(r.sent, sent{kind, to, secret})
	return nil
}

func (r *recordingSender) SendVerificationEmail(_ context.Context, to, token string) error {
	return r.record("verification", to, token)
}

func (r *recordingSender) SendPasswordResetEmail(_ context.Context, to, token string) error {
	return r.record("password_reset", to, token)
}

func (r *recordingSender) Send2FACode(_ context.Context, to, code string) error {
	return r.record("two_factor_code", to, code)
}

func (r *recordingSender) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	next := &recordingSender{}
	d := NewDispatcher(next, nil, nil, DispatcherConfig{BufferSize: 8})
	ctx := context.Background()

	require.NoError(t, d.SendVerificationEmail(ctx, "a@example.com", "tok-a"))
	require.NoError(t, d.SendPasswordResetEmail(ctx, "b@example.com", "tok-b"))
	require.NoError(t, d.Send2FACode(ctx, "c@example.com", "123456"))
	d.Close()

	assert.ElementsMatch(t, []sent{
		{"verification", "a@example.com", "tok-a"},
		{"password_reset", "b@example.com", "tok-b"},
		{"two_factor_code", "c@example.com", "123456"},
	}, next.snapshot())
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	next := &recordingSender{release: make(chan struct{})}
	registry := prometheus.NewRegistry()
	d := NewDispatcher(next, nil, observability.NewMetrics(registry), DispatcherConfig{BufferSize: 1})
	ctx := context.Background()

	// The worker takes the first message and blocks; the second fills the buffer.
	require.NoError(t, d.Send2FACode(ctx, "a@example.com", "1"))
	require.Eventually(t, func() bool { return len(d.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Send2FACode(ctx, "b@example.com", "2"))
	require.NoError(t, d.Send2FACode(ctx, "c@example.com", "3"))

	assert.Equal(t, uint64(1), d.Dropped())

	close(next.release)
	d.Close()
	assert.Len(t, next.snapshot(), 2)

	families, err := registry.Gather()
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "auth_mail_dispatch_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "outcome" {
					outcomes[label.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"sent": 2, "dropped": 1}, outcomes)
}

func TestDispatcherLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	next := &recordingSender{fail: true}
	d := NewDispatcher(next, observability.NewZapLogger(zap.New(core)), nil, DispatcherConfig{})

	require.NoError(t, d.SendPasswordResetEmail(context.Background(), "a@example.com", "tok"))
	d.Close()

	entries := logs.FilterMessage("mail_delivery_failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "password_reset", entries[0].ContextMap()["kind"])
	assert.NotContains(t, entries[0].ContextMap(), "secret")
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	next := &recordingSender{}
	d := NewDispatcher(next, nil, nil, DispatcherConfig{})
	d.Close()
	d.Close()

	require.NoError(t, d.SendVerificationEmail(context.Background(), "a@example.com", "tok"))
	assert.Equal(t, uint64(1), d.Dropped())
	assert.Empty(t, next.snapshot())
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := LogSender{Logger: observability.NewZapLogger(zap.New(core))}

	require.NoError(t, s.SendPasswordResetEmail(context.Background(), "a@example.com", "secret-token"))
	entries := logs.FilterMessage("mail_suppressed").All()
	require.Len(t, entries, 1)
	for _, value := range entries[0].ContextMap() {
		assert.NotEqual(t, "secret-token", value)
	}
}
