package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/fgeck/gomysql-backup/internal/services/tunnel"
	"github.com/fgeck/gomysql-backup/internal/tracker"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockTunnel struct {
	openFunc func(ctx context.Context, target *models.TargetConfig) (*tunnel.Tunnel, error)
}

func (m *mockTunnel) Open(ctx context.Context, target *models.TargetConfig) (*tunnel.Tunnel, error) {
	if m.openFunc != nil {
		return m.openFunc(ctx, target)
	}
	return &tunnel.Tunnel{Endpoint: models.Endpoint{Host: target.Database.Host, Port: target.Database.Port}}, nil
}

type mockDump struct {
	dumpAllFunc func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error)
}

func (m *mockDump) DumpAll(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
	return m.dumpAllFunc(ctx, target, ep, debug)
}

type mockRetention struct {
	mu    sync.Mutex
	calls int
	keep  []string
}

func (m *mockRetention) Clean(target *models.TargetConfig, keep []string) *models.RetentionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.keep = keep
	return &models.RetentionResult{Deleted: []string{"/var/backups/crm/backup_crm_crm_2026-08-01_02-30-00.sql.gz"}}
}

type mockWOL struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockWOL) Wake(ctx context.Context, cfg *models.WOLConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

type mockMailer struct {
	mu            sync.Mutex
	runReports    []*models.RunOutcome
	statusReports []*models.RunState
}

func (m *mockMailer) SendRunReport(ctx context.Context, cfg *models.EmailConfig, outcome *models.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runReports = append(m.runReports, outcome)
	return nil
}

func (m *mockMailer) SendStatusReport(ctx context.Context, cfg *models.EmailConfig, state *models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusReports = append(m.statusReports, state)
	return nil
}

type mockTracker struct {
	mu           sync.Mutex
	tryStartErr  error
	started      []string
	completed    []*models.RunOutcome
	statusResult *models.RunState
}

func (m *mockTracker) TryStart(ctx context.Context, target string, staleAfter time.Duration) (*tracker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tryStartErr != nil {
		return nil, m.tryStartErr
	}
	m.started = append(m.started, target)
	return &tracker.Handle{}, nil
}

func (m *mockTracker) Complete(ctx context.Context, h *tracker.Handle, outcome *models.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, outcome)
	return nil
}

func (m *mockTracker) Status(ctx context.Context, target string) (*models.RunState, error) {
	if m.statusResult != nil {
		return m.statusResult, nil
	}
	return &models.RunState{Target: target, Phase: models.PhaseIdle}, nil
}

func enabledTarget(name string) *models.TargetConfig {
	return &models.TargetConfig{
		Name: name,
		Database: models.DatabaseConfig{
			Host: "db.internal",
			Port: 3306,
			User: "dumper",
		},
		Backup: models.BackupSettings{
			Enabled:         true,
			Dir:             "/var/backups/" + name,
			DaysToKeep:      7,
			StaleRunMinutes: 360,
		},
		Email: &models.EmailConfig{Enabled: true},
	}
}

func successAttempt(db string) models.DumpAttemptResult {
	return models.DumpAttemptResult{
		Database:     db,
		Status:       models.AttemptSuccess,
		ArtifactPath: "/var/backups/crm/backup_crm_" + db + "_2026-08-30_02-30-00.sql.gz",
	}
}

func newTestRunner(dumpSvc *mockDump) (*Impl, *mockTunnel, *mockRetention, *mockWOL, *mockMailer, *mockTracker) {
	tunnelSvc := &mockTunnel{}
	retentionSvc := &mockRetention{}
	wolSvc := &mockWOL{}
	mailerSvc := &mockMailer{}
	trackerSvc := &mockTracker{}
	svc := NewWithServices(testLogger(), tunnelSvc, dumpSvc, retentionSvc, wolSvc, mailerSvc, trackerSvc)
	return svc, tunnelSvc, retentionSvc, wolSvc, mailerSvc, trackerSvc
}

func TestProcessTarget_Success(t *testing.T) {
	dumpSvc := &mockDump{
		dumpAllFunc: func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
			assert.Equal(t, "db.internal:3306", ep.Addr())
			return []models.DumpAttemptResult{successAttempt("crm")}, nil
		},
	}
	svc, _, retentionSvc, _, mailerSvc, trackerSvc := newTestRunner(dumpSvc)

	outcome := svc.ProcessTarget(context.Background(), enabledTarget("crm"), false)
	require.NotNil(t, outcome)

	assert.Equal(t, models.RunSuccess, outcome.Status)
	assert.Len(t, outcome.DeletedArtifacts, 1)

	// The fresh artifact is shielded from retention.
	assert.Equal(t, 1, retentionSvc.calls)
	require.Len(t, retentionSvc.keep, 1)
	assert.Contains(t, retentionSvc.keep[0], "backup_crm_crm_")

	require.Len(t, mailerSvc.runReports, 1)
	assert.Equal(t, models.RunSuccess, mailerSvc.runReports[0].Status)

	require.Len(t, trackerSvc.completed, 1)
	assert.Equal(t, models.RunSuccess, trackerSvc.completed[0].Status)
}

func TestProcessTarget_MixedAttemptsArePartial(t *testing.T) {
	dumpSvc := &mockDump{
		dumpAllFunc: func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
			partial := successAttempt("billing")
			partial.Status = models.AttemptPartial
			partial.SkippedTables = []string{"invoices"}
			return []models.DumpAttemptResult{successAttempt("crm"), partial}, nil
		},
	}
	svc, _, _, _, mailerSvc, _ := newTestRunner(dumpSvc)

	outcome := svc.ProcessTarget(context.Background(), enabledTarget("crm"), false)
	require.NotNil(t, outcome)

	assert.Equal(t, models.RunPartial, outcome.Status)
	require.Len(t, mailerSvc.runReports, 1)
	assert.Equal(t, models.RunPartial, mailerSvc.runReports[0].Status)
}

func TestProcessTarget_DisabledIsSkipped(t *testing.T) {
	svc, _, retentionSvc, _, mailerSvc, trackerSvc := newTestRunner(&mockDump{})

	target := enabledTarget("crm")
	target.Backup.Enabled = false

	outcome := svc.ProcessTarget(context.Background(), target, false)
	assert.Nil(t, outcome)
	assert.Empty(t, trackerSvc.started)
	assert.Zero(t, retentionSvc.calls)
	assert.Empty(t, mailerSvc.runReports)
}

func TestProcessTarget_AlreadyRunning(t *testing.T) {
	svc, _, _, _, mailerSvc, trackerSvc := newTestRunner(&mockDump{})
	trackerSvc.tryStartErr = tracker.ErrAlreadyRunning
	trackerSvc.statusResult = &models.RunState{Target: "crm", Phase: models.PhaseRunning, StartedAt: time.Now()}

	outcome := svc.ProcessTarget(context.Background(), enabledTarget("crm"), false)
	require.NotNil(t, outcome)

	assert.Equal(t, models.RunInProgress, outcome.Status)
	assert.Empty(t, trackerSvc.completed)
	require.Len(t, mailerSvc.statusReports, 1)
	assert.Equal(t, models.PhaseRunning, mailerSvc.statusReports[0].Phase)
}

func TestProcessTarget_TunnelFailureSkipsRetention(t *testing.T) {
	dumpSvc := &mockDump{
		dumpAllFunc: func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
			t.Fatal("dump must not run when the tunnel fails")
			return nil, nil
		},
	}
	svc, tunnelSvc, retentionSvc, _, mailerSvc, trackerSvc := newTestRunner(dumpSvc)
	tunnelSvc.openFunc = func(ctx context.Context, target *models.TargetConfig) (*tunnel.Tunnel, error) {
		return nil, tunnel.ErrUnreachable
	}

	outcome := svc.ProcessTarget(context.Background(), enabledTarget("crm"), false)
	require.NotNil(t, outcome)

	assert.Equal(t, models.RunFailure, outcome.Status)
	assert.Contains(t, outcome.ErrorText, "unreachable")

	// Artifacts must never be deleted after an unreachable run.
	assert.Zero(t, retentionSvc.calls)

	require.Len(t, mailerSvc.runReports, 1)
	require.Len(t, trackerSvc.completed, 1)
	assert.Equal(t, models.RunFailure, trackerSvc.completed[0].Status)
}

func TestProcessTarget_WakesConfiguredHost(t *testing.T) {
	dumpSvc := &mockDump{
		dumpAllFunc: func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
			return []models.DumpAttemptResult{successAttempt("crm")}, nil
		},
	}
	svc, _, _, wolSvc, _, _ := newTestRunner(dumpSvc)
	wolSvc.err = errors.New("network unreachable")

	target := enabledTarget("crm")
	target.WOL = &models.WOLConfig{MACAddress: "aa:bb:cc:dd:ee:ff"}

	// A failed wake does not abort the run.
	outcome := svc.ProcessTarget(context.Background(), target, false)
	require.NotNil(t, outcome)
	assert.Equal(t, models.RunSuccess, outcome.Status)
	assert.Equal(t, 1, wolSvc.calls)
}

func TestProcessTarget_DebugSuppressesMail(t *testing.T) {
	dumpSvc := &mockDump{
		dumpAllFunc: func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
			assert.True(t, debug)
			return []models.DumpAttemptResult{successAttempt("crm")}, nil
		},
	}
	svc, _, _, _, mailerSvc, trackerSvc := newTestRunner(dumpSvc)

	outcome := svc.ProcessTarget(context.Background(), enabledTarget("crm"), true)
	require.NotNil(t, outcome)

	assert.Empty(t, mailerSvc.runReports)
	// Debug still records the outcome.
	require.Len(t, trackerSvc.completed, 1)
}

func TestProcessAll(t *testing.T) {
	dumpSvc := &mockDump{
		dumpAllFunc: func(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
			return []models.DumpAttemptResult{successAttempt(target.Name)}, nil
		},
	}
	svc, _, _, _, _, trackerSvc := newTestRunner(dumpSvc)

	disabled := enabledTarget("archive")
	disabled.Backup.Enabled = false
	targets := []*models.TargetConfig{
		enabledTarget("crm"),
		enabledTarget("billing"),
		disabled,
		enabledTarget("wiki"),
	}

	outcomes := svc.ProcessAll(context.Background(), targets, false)
	require.Len(t, outcomes, 3)
	for _, outcome := range outcomes {
		assert.Equal(t, models.RunSuccess, outcome.Status)
	}
	assert.ElementsMatch(t, []string{"crm", "billing", "wiki"}, trackerSvc.started)
}

func TestProcessAll_NoTargets(t *testing.T) {
	svc, _, _, _, _, _ := newTestRunner(&mockDump{})
	assert.Nil(t, svc.ProcessAll(context.Background(), nil, false))
}

func TestCheckTarget(t *testing.T) {
	svc, _, _, _, mailerSvc, trackerSvc := newTestRunner(&mockDump{})
	trackerSvc.statusResult = &models.RunState{
		Target:          "crm",
		Phase:           models.PhaseCompleted,
		LastCompletedAt: time.Now(),
		LastOutcome:     &models.RunOutcome{Target: "crm", Status: models.RunSuccess},
	}

	state, err := svc.CheckTarget(context.Background(), enabledTarget("crm"), false)
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCompleted, state.Phase)
	require.Len(t, mailerSvc.statusReports, 1)
	assert.Equal(t, models.RunSuccess, mailerSvc.statusReports[0].LastOutcome.Status)
}

func TestCheckTarget_DebugSuppressesMail(t *testing.T) {
	svc, _, _, _, mailerSvc, _ := newTestRunner(&mockDump{})

	state, err := svc.CheckTarget(context.Background(), enabledTarget("crm"), true)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, state.Phase)
	assert.Empty(t, mailerSvc.statusReports)
}
