package main

import (
	"fmt"

	"github.com/fgeck/gomysql-backup/internal/services/restore"
	"github.com/fgeck/gomysql-backup/internal/services/tunnel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	recoveryFile string
	recoveryList bool
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Restore a backup artifact into the target's database",
	Long: `Restore a backup artifact for exactly one target. Without --file the
most recent artifact is restored. Use --list to show the available
artifacts instead of restoring.

The database name is taken from the artifact's file name; session
parameters recorded at dump time are reapplied during the restore.`,
	RunE: runRecovery,
}

func init() {
	recoveryCmd.Flags().StringVar(&recoveryFile, "file", "", "artifact to restore (default: the most recent one)")
	recoveryCmd.Flags().BoolVar(&recoveryList, "list", false, "list available artifacts and exit")
}

func runRecovery(cmd *cobra.Command, args []string) error {
	project, err := loadProject()
	if err != nil {
		return err
	}
	targets, err := resolveTargets(project)
	if err != nil {
		return err
	}
	if len(targets) != 1 {
		return fmt.Errorf("recovery needs exactly one target, --config selected %d", len(targets))
	}
	target := targets[0]

	restoreSvc := restore.New(log.Logger)
	artifacts, err := restoreSvc.ListArtifacts(target)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("no artifacts found for target %s", target.Name)
	}

	if recoveryList {
		for _, artifact := range artifacts {
			log.Info().
				Str("artifact", artifact.Path).
				Str("database", artifact.Database).
				Time("created", artifact.Timestamp).
				Int64("size_bytes", artifact.SizeBytes).
				Msg("available artifact")
		}
		return nil
	}

	artifactPath := recoveryFile
	if artifactPath == "" {
		artifactPath = artifacts[len(artifacts)-1].Path
		log.Info().Str("artifact", artifactPath).Msg("no --file given, restoring the most recent artifact")
	}

	ctx, cancel := signalContext()
	defer cancel()

	tun, err := tunnel.New(log.Logger).Open(ctx, target)
	if err != nil {
		return err
	}
	defer func() { _ = tun.Close() }()

	result, err := restoreSvc.Restore(ctx, target, tun.Endpoint, artifactPath, debugMode)
	if err != nil {
		log.Error().Err(err).Str("artifact", artifactPath).Msg("restore failed")
		return err
	}

	log.Info().
		Str("database", result.Database).
		Str("command", result.Command).
		Dur("duration", result.Duration).
		Msg("restore completed")
	return nil
}
