// Package mailer sends backup reports over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for report mail operations.
type Service interface {
	SendRunReport(ctx context.Context, cfg *models.EmailConfig, outcome *models.RunOutcome) error
	SendStatusReport(ctx context.Context, cfg *models.EmailConfig, state *models.RunState) error
}

// Sender delivers an assembled message. It exists so tests can capture
// mail instead of talking to an SMTP server.
type Sender interface {
	Send(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error
}

// SMTPSender is the default Sender. It speaks SMTP over implicit TLS,
// the mode used by submission port 465.
type SMTPSender struct{}

// Send delivers msg to the given envelope recipients.
func (s *SMTPSender) Send(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.SMTPServer, strconv.Itoa(cfg.SMTPPort))

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: cfg.SMTPServer, MinVersion: tls.VersionTLS12})
	client, err := smtp.NewClient(tlsConn, cfg.SMTPServer)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()

	auth := smtp.PlainAuth("", cfg.User, cfg.Password, cfg.SMTPServer)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth for %s: %w", cfg.User, err)
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from %s: %w", cfg.From, err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return client.Quit()
}

// Impl implements the mailer Service interface.
type Impl struct {
	sender Sender
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a new mailer service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{sender: &SMTPSender{}, logger: logger, now: time.Now}
}

// NewWithSender creates a new mailer service with a custom sender (for testing).
func NewWithSender(logger zerolog.Logger, sender Sender) *Impl {
	return &Impl{sender: sender, logger: logger, now: time.Now}
}

// SendRunReport mails the outcome of a finished backup run. Targets
// without enabled mail configuration are skipped silently.
func (s *Impl) SendRunReport(ctx context.Context, cfg *models.EmailConfig, outcome *models.RunOutcome) error {
	if cfg == nil || !cfg.Enabled {
		s.logger.Debug().Str("target", outcome.Target).Msg("mail disabled, skipping run report")
		return nil
	}
	subject := fmt.Sprintf("[gomysql-backup] %s: %s", outcome.Target, outcome.Status)
	return s.send(ctx, cfg, subject, formatRunReport(outcome))
}

// SendStatusReport mails the current run state of a target, used by
// the check operation.
func (s *Impl) SendStatusReport(ctx context.Context, cfg *models.EmailConfig, state *models.RunState) error {
	if cfg == nil || !cfg.Enabled {
		s.logger.Debug().Str("target", state.Target).Msg("mail disabled, skipping status report")
		return nil
	}
	subject := fmt.Sprintf("[gomysql-backup] %s status: %s", state.Target, statusHeadline(state))
	return s.send(ctx, cfg, subject, formatStatusReport(state))
}

func (s *Impl) send(ctx context.Context, cfg *models.EmailConfig, subject, body string) error {
	msg := assembleMessage(cfg, subject, body, s.now())
	recipients := envelopeRecipients(cfg)

	s.logger.Info().
		Str("subject", subject).
		Int("recipients", len(recipients)).
		Msg("sending report mail")

	if err := s.sender.Send(ctx, cfg, recipients, msg); err != nil {
		return fmt.Errorf("sending report mail: %w", err)
	}
	return nil
}

// envelopeRecipients flattens To, Cc and Bcc into SMTP envelope addresses.
func envelopeRecipients(cfg *models.EmailConfig) []string {
	var addrs []string
	for _, group := range [][]models.Recipient{cfg.To, cfg.Cc, cfg.Bcc} {
		for _, r := range group {
			addrs = append(addrs, r.Address)
		}
	}
	return addrs
}

// assembleMessage builds the RFC 5322 message. Bcc recipients appear
// only in the envelope, never in a header.
func assembleMessage(cfg *models.EmailConfig, subject, body string, now time.Time) []byte {
	var b strings.Builder

	from := cfg.From
	if cfg.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.SenderName, cfg.From)
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", joinRecipients(cfg.To))
	if len(cfg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", joinRecipients(cfg.Cc))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)

	return []byte(b.String())
}

func joinRecipients(recipients []models.Recipient) string {
	parts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ", ")
}
