package main

import (
	"github.com/fgeck/gomysql-backup/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report the run state of the selected targets",
	Long: `Report each selected target's current run state: whether a backup
is in progress and how the last completed run went. The report is also
mailed to the target's recipients unless debug mode is active.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	project, err := loadProject()
	if err != nil {
		return err
	}
	targets, err := resolveTargets(project)
	if err != nil {
		return err
	}

	tr, err := openTracker(project)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, tr)
	for _, target := range targets {
		state, err := runnerSvc.CheckTarget(ctx, target, debugMode)
		if err != nil {
			log.Error().Err(err).Str("target", target.Name).Msg("check failed")
			continue
		}

		event := log.Info().
			Str("target", target.Name).
			Str("phase", string(state.Phase))
		if !state.StartedAt.IsZero() {
			event = event.Time("started_at", state.StartedAt)
		}
		if state.LastOutcome != nil {
			event = event.Str("last_status", string(state.LastOutcome.Status))
		}
		event.Msg("target state")
	}
	return nil
}
