package main

import (
	"fmt"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/fgeck/gomysql-backup/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run the backup workflow for the selected targets",
	Long: `Run the complete backup workflow for every selected target:
1. Claim the target's run state (refused while a run is in progress)
2. Wake-on-LAN (if configured)
3. Open the SSH tunnel (if configured)
4. Dump every database, retrying table by table on bulk failure
5. Delete artifacts older than the retention window
6. Mail the run report and record the outcome`,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
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

	log.Info().
		Str("project", projectFile).
		Int("targets", len(targets)).
		Bool("debug", debugMode).
		Msg("starting backup run")

	runnerSvc := runner.New(log.Logger, tr)
	outcomes := runnerSvc.ProcessAll(ctx, targets, debugMode)

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Status == models.RunFailure {
			failed++
		}
	}
	if failed > 0 {
		log.Error().Int("failed", failed).Int("total", len(outcomes)).Msg("backup run finished with failures")
		return fmt.Errorf("%d of %d targets failed", failed, len(outcomes))
	}

	log.Info().Int("targets", len(outcomes)).Msg("backup run completed")
	return nil
}
