package main

import (
	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/fgeck/gomysql-backup/internal/scheduler"
	"github.com/fgeck/gomysql-backup/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run resident and execute backups at the configured times",
	Long: `Stay resident and run every selected target's backup at its
backup_time and its state report at its report_time, daily. Stops
cleanly on SIGINT or SIGTERM.`,
	RunE: runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) error {
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
	sched := scheduler.New(log.Logger)

	for _, target := range targets {
		target := target
		err := sched.AddTarget(target,
			func() {
				if outcome := runnerSvc.ProcessTarget(ctx, target, debugMode); outcome != nil &&
					outcome.Status == models.RunFailure {
					log.Error().Str("target", target.Name).Msg("scheduled backup failed")
				}
			},
			func() {
				if _, err := runnerSvc.CheckTarget(ctx, target, debugMode); err != nil {
					log.Error().Err(err).Str("target", target.Name).Msg("scheduled check failed")
				}
			},
		)
		if err != nil {
			return err
		}
	}

	sched.Start()
	<-ctx.Done()
	sched.Stop()
	return nil
}
