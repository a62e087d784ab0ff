// Package tracker persists per-target run state so overlapping backup
// runs are refused across processes.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/fgeck/gomysql-backup/internal/models"
)

// ErrAlreadyRunning is returned by TryStart while another run holds
// the target and is not yet stale.
var ErrAlreadyRunning = errors.New("a run is already in progress for this target")

const schema = `
CREATE TABLE IF NOT EXISTS run_state (
	target TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	started_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT ''
);
`

// Tracker is the sqlite-backed run state store.
type Tracker struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Handle proves ownership of a running state claimed via TryStart.
type Handle struct {
	target    string
	startedAt time.Time
}

// Open opens (and if needed creates) the state database at path.
func Open(path string, logger zerolog.Logger) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	// busy_timeout must be set before any contended statement runs.
	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}

	return &Tracker{db: db, logger: logger}, nil
}

// Close closes the state database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// TryStart atomically claims the running state for a target. It fails
// with ErrAlreadyRunning while another live run holds the target; a
// running record older than staleAfter is treated as abandoned and
// reclaimed.
func (t *Tracker) TryStart(ctx context.Context, target string, staleAfter time.Duration) (*Handle, error) {
	now := time.Now()
	staleBefore := now.Add(-staleAfter)

	// Log a reclaim before overwriting the stale record.
	if state, err := t.Status(ctx, target); err == nil &&
		state.Phase == models.PhaseRunning && state.StartedAt.Before(staleBefore) {
		t.logger.Warn().
			Str("target", target).
			Time("started_at", state.StartedAt).
			Dur("stale_after", staleAfter).
			Msg("reclaiming stale running state")
	}

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO run_state (target, phase, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			phase = excluded.phase,
			started_at = excluded.started_at
		WHERE run_state.phase != ? OR run_state.started_at < ?`,
		target, models.PhaseRunning, now.Unix(),
		models.PhaseRunning, staleBefore.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming run state for %s: %w", target, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming run state for %s: %w", target, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, target)
	}

	t.logger.Debug().Str("target", target).Msg("claimed run state")
	return &Handle{target: target, startedAt: now}, nil
}

// Complete releases a claimed run and records its outcome.
func (t *Tracker) Complete(ctx context.Context, h *Handle, outcome *models.RunOutcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encoding run outcome: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		UPDATE run_state SET phase = ?, completed_at = ?, outcome = ?
		WHERE target = ?`,
		models.PhaseCompleted, time.Now().Unix(), string(encoded), h.target,
	)
	if err != nil {
		return fmt.Errorf("completing run state for %s: %w", h.target, err)
	}
	return nil
}

// Status returns the current run state of a target. A target without
// any recorded run is reported as idle.
func (t *Tracker) Status(ctx context.Context, target string) (*models.RunState, error) {
	var (
		phase       string
		startedAt   int64
		completedAt int64
		outcome     string
	)
	err := t.db.QueryRowContext(ctx,
		"SELECT phase, started_at, completed_at, outcome FROM run_state WHERE target = ?", target).
		Scan(&phase, &startedAt, &completedAt, &outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.RunState{Target: target, Phase: models.PhaseIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying run state for %s: %w", target, err)
	}

	state := &models.RunState{
		Target: target,
		Phase:  models.Phase(phase),
	}
	if startedAt > 0 {
		state.StartedAt = time.Unix(startedAt, 0)
	}
	if completedAt > 0 {
		state.LastCompletedAt = time.Unix(completedAt, 0)
	}
	if outcome != "" {
		var o models.RunOutcome
		if err := json.Unmarshal([]byte(outcome), &o); err != nil {
			return nil, fmt.Errorf("decoding run outcome for %s: %w", target, err)
		}
		state.LastOutcome = &o
	}
	return state, nil
}
