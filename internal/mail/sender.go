// Package mail delivers the security emails the authentication core sends:
// address verification links, password reset links and two-factor codes.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"account-auth/internal/observability"
)

type Sender interface {
	SendVerificationEmail(ctx context.Context, to, token string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
	Send2FACode(ctx context.Context, to, code string) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
	AppURL      string
	AppName     string
}

type SMTPSender struct {
	cfg       SMTPConfig
	templates *template.Template
	now       func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.AppName == "" {
		cfg.AppName = "Account"
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &SMTPSender{cfg: cfg, templates: templates, now: time.Now}
}

var templates = template.Must(template.New("mail").Parse(`
{{define "verification"}}<!DOCTYPE html>
<html><body>
<p>Confirm your email address for {{.AppName}}.</p>
<p><a href="{{.Link}}">Verify email</a></p>
<p>The link is valid for 24 hours. If you did not create an account, ignore this message.</p>
</body></html>{{end}}
{{define "reset"}}<!DOCTYPE html>
<html><body>
<p>A password reset was requested for your {{.AppName}} account.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>The link is valid for one hour. If you did not request it, your password is unchanged.</p>
</body></html>{{end}}
{{define "code"}}<!DOCTYPE html>
<html><body>
<p>Your {{.AppName}} verification code is <strong>{{.Code}}</strong>.</p>
<p>It expires in 10 minutes.</p>
</body></html>{{end}}
`))

type templateData struct {
	AppName string
	Link    string
	Code    string
}

func (s *SMTPSender) link(path, token string) string {
	return s.cfg.AppURL + path + "?token=" + url.QueryEscape(token)
}

func (s *SMTPSender) SendVerificationEmail(ctx context.Context, to, token string) error {
	return s.send(ctx, to, "Verify your email address", "verification", templateData{
		AppName: s.cfg.AppName,
		Link:    s.link("/verify-email", token),
	})
}

func (s *SMTPSender) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	return s.send(ctx, to, "Reset your password", "reset", templateData{
		AppName: s.cfg.AppName,
		Link:    s.link("/reset-password", token),
	})
}

func (s *SMTPSender) Send2FACode(ctx context.Context, to, code string) error {
	return s.send(ctx, to, "Your verification code", "code", templateData{
		AppName: s.cfg.AppName,
		Code:    code,
	})
}

func (s *SMTPSender) send(ctx context.Context, to, subject, name string, data templateData) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s email: %w", name, err)
	}

	message, err := s.buildMessage(to, subject, name, data)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if !s.cfg.ImplicitTLS {
		if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, message); err != nil {
			return fmt.Errorf("send %s email: %w", name, err)
		}
		return nil
	}

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data writer: %w", err)
	}
	return client.Quit()
}

func (s *SMTPSender) buildMessage(to, subject, name string, data templateData) ([]byte, error) {
	if strings.ContainsAny(to, "\r\n") {
		return nil, fmt.Errorf("invalid recipient address")
	}

	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, name, data); err != nil {
		return nil, fmt.Errorf("render %s template: %w", name, err)
	}

	var message bytes.Buffer
	for _, header := range [][2]string{
		{"From", s.cfg.From},
		{"To", to},
		{"Subject", subject},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	} {
		fmt.Fprintf(&message, "%s: %s\r\n", header[0], header[1])
	}
	message.WriteString("\r\n")
	message.Write(body.Bytes())
	return message.Bytes(), nil
}

// LogSender logs instead of sending. Used when no SMTP host is configured.
type LogSender struct {
	Logger *observability.Logger
}

func (s LogSender) SendVerificationEmail(_ context.Context, to, _ string) error {
	s.Logger.Info("mail_suppressed", map[string]any{"kind": "verification", "to": to})
	return nil
}

func (s LogSender) SendPasswordResetEmail(_ context.Context, to, _ string) error {
	s.Logger.Info("mail_suppressed", map[string]any{"kind": "password_reset", "to": to})
	return nil
}

func (s LogSender) Send2FACode(_ context.Context, to, _ string) error {
	s.Logger.Info("mail_suppressed", map[string]any{"kind": "two_factor_code", "to": to})
	return nil
}
