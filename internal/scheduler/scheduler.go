// Package scheduler runs backup and report jobs at their configured
// times of day.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler wraps a cron runner with per-target backup and report jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// CronSpec converts a HH:MM time of day into a daily cron expression.
func CronSpec(timeOfDay string) (string, error) {
	hh, mm, ok := strings.Cut(timeOfDay, ":")
	if !ok {
		return "", fmt.Errorf("invalid time of day %q", timeOfDay)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid time of day %q", timeOfDay)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid time of day %q", timeOfDay)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// AddTarget schedules the target's daily backup and report jobs.
func (s *Scheduler) AddTarget(target *models.TargetConfig, backup, report func()) error {
	backupSpec, err := CronSpec(target.Backup.BackupTime)
	if err != nil {
		return fmt.Errorf("backup time of %s: %w", target.Name, err)
	}
	reportSpec, err := CronSpec(target.Backup.ReportTime)
	if err != nil {
		return fmt.Errorf("report time of %s: %w", target.Name, err)
	}

	if _, err := s.cron.AddFunc(backupSpec, backup); err != nil {
		return fmt.Errorf("scheduling backup of %s: %w", target.Name, err)
	}
	if _, err := s.cron.AddFunc(reportSpec, report); err != nil {
		return fmt.Errorf("scheduling report of %s: %w", target.Name, err)
	}

	s.logger.Info().
		Str("target", target.Name).
		Str("backup_time", target.Backup.BackupTime).
		Str("report_time", target.Backup.ReportTime).
		Msg("target scheduled")
	return nil
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", s.Entries()).Msg("scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}
