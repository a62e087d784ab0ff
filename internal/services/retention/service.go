// Package retention removes backup artifacts that aged out of the
// configured keep window.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for retention operations.
type Service interface {
	Clean(target *models.TargetConfig, keep []string) *models.RetentionResult
}

// Impl implements the retention Service interface.
type Impl struct {
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a new retention service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger, now: time.Now}
}

// NewWithClock creates a new retention service with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, now func() time.Time) *Impl {
	return &Impl{logger: logger, now: now}
}

// Clean deletes artifacts of the target older than its keep window.
// Only files prefixed with the target's artifact name are considered,
// and paths listed in keep are never deleted regardless of age.
// Deletion failures are collected, not fatal.
func (s *Impl) Clean(target *models.TargetConfig, keep []string) *models.RetentionResult {
	result := &models.RetentionResult{}

	cutoff := s.now().AddDate(0, 0, -target.Backup.DaysToKeep)
	prefix := fmt.Sprintf("backup_%s_", target.Name)

	keepSet := make(map[string]bool, len(keep))
	for _, p := range keep {
		keepSet[p] = true
	}

	entries, err := os.ReadDir(target.Backup.Dir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reading backup directory: %v", err))
		return result
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}

		path := filepath.Join(target.Backup.Dir, entry.Name())
		if keepSet[path] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("artifact", path).Msg("could not delete expired artifact")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}

		s.logger.Info().
			Str("target", target.Name).
			Str("artifact", entry.Name()).
			Time("mod_time", info.ModTime()).
			Msg("deleted expired artifact")
		result.Deleted = append(result.Deleted, path)
	}

	return result
}
