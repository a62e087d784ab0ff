package mailer

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockSender struct {
	sendFunc func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error
	calls    int
}

func (m *mockSender) Send(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
	m.calls++
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, recipients, msg)
	}
	return nil
}

func mailConfig() *models.EmailConfig {
	return &models.EmailConfig{
		Enabled:    true,
		SMTPServer: "smtp.example.com",
		SMTPPort:   465,
		User:       "backup",
		Password:   "secret",
		SenderName: "MySQL Backup",
		From:       "backup@example.com",
		To:         []models.Recipient{{Address: "ops@example.com"}},
		Cc:         []models.Recipient{{Address: "lead@example.com", Name: "Jane"}},
		Bcc:        []models.Recipient{{Address: "audit@example.com"}},
	}
}

func successOutcome() *models.RunOutcome {
	started := time.Date(2026, 8, 30, 2, 30, 0, 0, time.UTC)
	return &models.RunOutcome{
		Target: "crm",
		Status: models.RunSuccess,
		Attempts: []models.DumpAttemptResult{
			{
				Database:     "crm",
				Status:       models.AttemptSuccess,
				ArtifactPath: "/var/backups/crm/backup_crm_crm_2026-08-30_02-30-00.sql.gz",
				SizeBytes:    5 * 1024 * 1024,
				Command:      "/usr/bin/mysqldump --host=db.*** --user=du*** --password=***",
			},
		},
		StartedAt: started,
		EndedAt:   started.Add(3 * time.Minute),
	}
}

func TestSendRunReport_Success(t *testing.T) {
	var (
		gotRecipients []string
		gotMsg        string
	)
	sender := &mockSender{
		sendFunc: func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
			gotRecipients = recipients
			gotMsg = string(msg)
			return nil
		},
	}
	service := NewWithSender(testLogger(), sender)

	require.NoError(t, service.SendRunReport(context.Background(), mailConfig(), successOutcome()))

	// Envelope covers To, Cc and Bcc.
	assert.Equal(t, []string{"ops@example.com", "lead@example.com", "audit@example.com"}, gotRecipients)

	assert.Contains(t, gotMsg, "Subject: [gomysql-backup] crm: success")
	assert.Contains(t, gotMsg, "From: MySQL Backup <backup@example.com>")
	assert.Contains(t, gotMsg, "To: ops@example.com")
	assert.Contains(t, gotMsg, "Cc: Jane <lead@example.com>")
	// Bcc stays out of the headers.
	assert.NotContains(t, gotMsg, "Bcc:")
	assert.NotContains(t, gotMsg, "audit@example.com\r\n")

	assert.Contains(t, gotMsg, "finished with status: success")
	assert.Contains(t, gotMsg, "5.0 MB")
	assert.Contains(t, gotMsg, "--password=***")
}

func TestSendRunReport_PartialListsSkippedTables(t *testing.T) {
	var gotMsg string
	sender := &mockSender{
		sendFunc: func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
			gotMsg = string(msg)
			return nil
		},
	}
	service := NewWithSender(testLogger(), sender)

	outcome := successOutcome()
	outcome.Status = models.RunPartial
	outcome.Attempts[0].Status = models.AttemptPartial
	outcome.Attempts[0].SkippedTables = []string{"invoices", "audit_log"}
	outcome.Attempts[0].ErrorText = "bulk dump failed: Lost connection"

	require.NoError(t, service.SendRunReport(context.Background(), mailConfig(), outcome))

	assert.Contains(t, gotMsg, "Subject: [gomysql-backup] crm: partial")
	assert.Contains(t, gotMsg, "Skipped tables: invoices, audit_log")
	assert.Contains(t, gotMsg, "bulk dump failed")
}

func TestSendRunReport_DisabledSkipsSend(t *testing.T) {
	sender := &mockSender{}
	service := NewWithSender(testLogger(), sender)

	cfg := mailConfig()
	cfg.Enabled = false

	require.NoError(t, service.SendRunReport(context.Background(), cfg, successOutcome()))
	require.NoError(t, service.SendRunReport(context.Background(), nil, successOutcome()))
	assert.Zero(t, sender.calls)
}

func TestSendRunReport_SenderError(t *testing.T) {
	sender := &mockSender{
		sendFunc: func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
			return errors.New("connection refused")
		},
	}
	service := NewWithSender(testLogger(), sender)

	err := service.SendRunReport(context.Background(), mailConfig(), successOutcome())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSendStatusReport_Running(t *testing.T) {
	var gotMsg string
	sender := &mockSender{
		sendFunc: func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
			gotMsg = string(msg)
			return nil
		},
	}
	service := NewWithSender(testLogger(), sender)

	state := &models.RunState{
		Target:    "crm",
		Phase:     models.PhaseRunning,
		StartedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, service.SendStatusReport(context.Background(), mailConfig(), state))

	assert.Contains(t, gotMsg, "Subject: [gomysql-backup] crm status: running")
	assert.Contains(t, gotMsg, "in progress")
}

func TestSendStatusReport_CompletedIncludesLastOutcome(t *testing.T) {
	var gotMsg string
	sender := &mockSender{
		sendFunc: func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
			gotMsg = string(msg)
			return nil
		},
	}
	service := NewWithSender(testLogger(), sender)

	state := &models.RunState{
		Target:          "crm",
		Phase:           models.PhaseCompleted,
		LastCompletedAt: time.Now(),
		LastOutcome:     successOutcome(),
	}
	require.NoError(t, service.SendStatusReport(context.Background(), mailConfig(), state))

	assert.Contains(t, gotMsg, "Subject: [gomysql-backup] crm status: success")
	assert.Contains(t, gotMsg, "finished with status: success")
}

func TestSendStatusReport_Idle(t *testing.T) {
	var gotMsg string
	sender := &mockSender{
		sendFunc: func(ctx context.Context, cfg *models.EmailConfig, recipients []string, msg []byte) error {
			gotMsg = string(msg)
			return nil
		},
	}
	service := NewWithSender(testLogger(), sender)

	state := &models.RunState{Target: "crm", Phase: models.PhaseIdle}
	require.NoError(t, service.SendStatusReport(context.Background(), mailConfig(), state))

	assert.Contains(t, gotMsg, "no runs recorded")
	assert.True(t, strings.Contains(gotMsg, "No backup runs recorded"))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.0 MB", formatSize(1024*1024))
	assert.Equal(t, "2.5 MB", formatSize(2621440))
}
