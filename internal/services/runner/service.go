// Package runner orchestrates the backup workflow across targets.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/fgeck/gomysql-backup/internal/services/dump"
	"github.com/fgeck/gomysql-backup/internal/services/mailer"
	"github.com/fgeck/gomysql-backup/internal/services/retention"
	"github.com/fgeck/gomysql-backup/internal/services/tunnel"
	"github.com/fgeck/gomysql-backup/internal/services/wol"
	"github.com/fgeck/gomysql-backup/internal/tracker"
	"github.com/rs/zerolog"
)

// maxWorkers caps the number of targets processed in parallel.
const maxWorkers = 4

// Service defines the interface for the backup runner.
type Service interface {
	ProcessAll(ctx context.Context, targets []*models.TargetConfig, debug bool) []*models.RunOutcome
	ProcessTarget(ctx context.Context, target *models.TargetConfig, debug bool) *models.RunOutcome
	CheckTarget(ctx context.Context, target *models.TargetConfig, debug bool) (*models.RunState, error)
}

// RunTracker is the run state store used by the runner.
type RunTracker interface {
	TryStart(ctx context.Context, target string, staleAfter time.Duration) (*tracker.Handle, error)
	Complete(ctx context.Context, h *tracker.Handle, outcome *models.RunOutcome) error
	Status(ctx context.Context, target string) (*models.RunState, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	tunnelSvc    tunnel.Service
	dumpSvc      dump.Service
	retentionSvc retention.Service
	wolSvc       wol.Service
	mailerSvc    mailer.Service
	tracker      RunTracker
	logger       zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger, tr RunTracker) *Impl {
	return &Impl{
		tunnelSvc:    tunnel.New(logger),
		dumpSvc:      dump.New(logger),
		retentionSvc: retention.New(logger),
		wolSvc:       wol.New(logger),
		mailerSvc:    mailer.New(logger),
		tracker:      tr,
		logger:       logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	tunnelSvc tunnel.Service,
	dumpSvc dump.Service,
	retentionSvc retention.Service,
	wolSvc wol.Service,
	mailerSvc mailer.Service,
	tr RunTracker,
) *Impl {
	return &Impl{
		tunnelSvc:    tunnelSvc,
		dumpSvc:      dumpSvc,
		retentionSvc: retentionSvc,
		wolSvc:       wolSvc,
		mailerSvc:    mailerSvc,
		tracker:      tr,
		logger:       logger,
	}
}

// ProcessAll runs the backup workflow for every target through a
// bounded worker pool. Disabled targets are skipped and do not appear
// in the returned outcomes.
func (s *Impl) ProcessAll(ctx context.Context, targets []*models.TargetConfig, debug bool) []*models.RunOutcome {
	workers := maxWorkers
	if len(targets) < workers {
		workers = len(targets)
	}
	if workers < 1 {
		return nil
	}

	jobs := make(chan int)
	results := make([]*models.RunOutcome, len(targets))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.ProcessTarget(ctx, targets[i], debug)
			}
		}()
	}
	for i := range targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	outcomes := make([]*models.RunOutcome, 0, len(targets))
	for _, outcome := range results {
		if outcome != nil {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes
}

// ProcessTarget runs the full workflow for one target: claim the run
// state, wake and reach the database host, dump, apply retention,
// report and release. Returns nil for disabled targets.
//
//nolint:gocognit,gocyclo // the target lifecycle has many exit paths
func (s *Impl) ProcessTarget(ctx context.Context, target *models.TargetConfig, debug bool) *models.RunOutcome {
	if !target.Backup.Enabled {
		s.logger.Info().Str("target", target.Name).Msg("backup disabled, skipping target")
		return nil
	}

	staleAfter := time.Duration(target.Backup.StaleRunMinutes) * time.Minute
	handle, err := s.tracker.TryStart(ctx, target.Name, staleAfter)
	if err != nil {
		if errors.Is(err, tracker.ErrAlreadyRunning) {
			s.logger.Warn().Str("target", target.Name).Msg("another run is in progress, refusing to start")
			if state, stateErr := s.tracker.Status(ctx, target.Name); stateErr == nil {
				s.report(ctx, target, debug, func() error {
					return s.mailerSvc.SendStatusReport(ctx, target.Email, state)
				})
			}
			return &models.RunOutcome{
				Target:    target.Name,
				Status:    models.RunInProgress,
				ErrorText: err.Error(),
				StartedAt: time.Now(),
				EndedAt:   time.Now(),
			}
		}
		s.logger.Error().Err(err).Str("target", target.Name).Msg("could not claim run state")
		return &models.RunOutcome{
			Target:    target.Name,
			Status:    models.RunFailure,
			ErrorText: err.Error(),
			StartedAt: time.Now(),
			EndedAt:   time.Now(),
		}
	}

	outcome := &models.RunOutcome{
		Target:    target.Name,
		StartedAt: time.Now(),
	}

	s.logger.Info().Str("target", target.Name).Msg("starting backup run")

	if target.WOL != nil {
		// A failed wake is not fatal; the host may already be up.
		if err := s.wolSvc.Wake(ctx, target.WOL); err != nil {
			s.logger.Warn().Err(err).Str("target", target.Name).Msg("wake-on-lan failed, continuing anyway")
		}
	}

	tun, err := s.tunnelSvc.Open(ctx, target)
	if err != nil {
		outcome.Status = models.RunFailure
		outcome.ErrorText = err.Error()
		return s.finish(ctx, target, handle, outcome, debug)
	}
	defer func() { _ = tun.Close() }()

	attempts, err := s.dumpSvc.DumpAll(ctx, target, tun.Endpoint, debug)
	if err != nil {
		outcome.Status = models.RunFailure
		outcome.ErrorText = err.Error()
		return s.finish(ctx, target, handle, outcome, debug)
	}

	outcome.Attempts = attempts
	outcome.Status = models.ClassifyAttempts(attempts)

	// Artifacts of this run are exempt from retention regardless of
	// any clock oddities.
	var keep []string
	for _, attempt := range attempts {
		if attempt.ArtifactPath != "" {
			keep = append(keep, attempt.ArtifactPath)
		}
	}
	res := s.retentionSvc.Clean(target, keep)
	outcome.DeletedArtifacts = res.Deleted
	outcome.RetentionErrors = res.Errors

	return s.finish(ctx, target, handle, outcome, debug)
}

// finish closes out a claimed run: stamp the end time, send the report
// and persist the outcome.
func (s *Impl) finish(ctx context.Context, target *models.TargetConfig, handle *tracker.Handle, outcome *models.RunOutcome, debug bool) *models.RunOutcome {
	outcome.EndedAt = time.Now()

	s.logger.Info().
		Str("target", target.Name).
		Str("status", string(outcome.Status)).
		Int("databases", len(outcome.Attempts)).
		Int("deleted_artifacts", len(outcome.DeletedArtifacts)).
		Dur("duration", outcome.EndedAt.Sub(outcome.StartedAt)).
		Msg("backup run finished")

	s.report(ctx, target, debug, func() error {
		return s.mailerSvc.SendRunReport(ctx, target.Email, outcome)
	})

	if err := s.tracker.Complete(ctx, handle, outcome); err != nil {
		s.logger.Error().Err(err).Str("target", target.Name).Msg("could not persist run outcome")
	}
	return outcome
}

// report sends a mail unless debug mode suppresses it. Mail failures
// never fail the run.
func (s *Impl) report(ctx context.Context, target *models.TargetConfig, debug bool, send func() error) {
	if debug {
		s.logger.Debug().Str("target", target.Name).Msg("debug mode, suppressing mail")
		return
	}
	if err := send(); err != nil {
		s.logger.Error().Err(err).Str("target", target.Name).Msg("could not send report mail")
	}
}

// CheckTarget reports the target's current run state and mails it to
// the configured recipients.
func (s *Impl) CheckTarget(ctx context.Context, target *models.TargetConfig, debug bool) (*models.RunState, error) {
	state, err := s.tracker.Status(ctx, target.Name)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("target", target.Name).
		Str("phase", string(state.Phase)).
		Msg("run state checked")

	s.report(ctx, target, debug, func() error {
		return s.mailerSvc.SendStatusReport(ctx, target.Email, state)
	})
	return state, nil
}
