package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fgeck/gomysql-backup/internal/config"
	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/fgeck/gomysql-backup/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	projectFile    string
	targetSelector string
	debugMode      bool
	verbose        bool
	quiet          bool
	jsonOutput     bool
)

var rootCmd = &cobra.Command{
	Use:   "gomysql-backup",
	Short: "A mysqldump backup orchestrator for multiple database hosts",
	Long: `gomysql-backup runs logical MySQL backups across many targets:
  - layered INI configuration with per-target overrides
  - SSH tunnels and Wake-on-LAN for remote database hosts
  - per-table fallback when a bulk mysqldump fails
  - retention cleanup, run state tracking and mail reports

Run one-shot via the backup command or keep it resident with schedule.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFile, "project-config", "c", "config.ini", "project configuration file")
	rootCmd.PersistentFlags().StringVar(&targetSelector, "config", "", "target selection: a file name, comma-separated list or glob (default: all targets)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "debug mode: suppress mail and log unmasked commands")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(recoveryCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose || debugMode:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// targetConfigDir is the directory holding per-target override files,
// next to the project configuration.
func targetConfigDir() string {
	return filepath.Join(filepath.Dir(projectFile), "backup_configs")
}

func loadProject() (*models.ProjectConfig, error) {
	resolver := config.NewResolver()
	project, err := resolver.LoadProject(projectFile)
	if err != nil {
		log.Error().Err(err).Str("file", projectFile).Msg("failed to load project config")
		return nil, err
	}
	return project, nil
}

// resolveTargets loads all selected target configurations. Individual
// broken target files are logged and skipped.
func resolveTargets(project *models.ProjectConfig) ([]*models.TargetConfig, error) {
	resolver := config.NewResolver()
	targets, errs := resolver.ResolveAll(targetConfigDir(), targetSelector, project)
	for _, err := range errs {
		log.Error().Err(err).Msg("skipping broken target config")
	}
	if len(targets) == 0 {
		return nil, errors.New("no usable target configurations found")
	}
	return targets, nil
}

func openTracker(project *models.ProjectConfig) (*tracker.Tracker, error) {
	tr, err := tracker.Open(project.StatePath, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("path", project.StatePath).Msg("failed to open run state store")
		return nil, err
	}
	return tr, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	return ctx, cancel
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
