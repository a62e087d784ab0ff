// Package restore replays dump artifacts into a MySQL server.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/fgeck/gomysql-backup/internal/services/dump"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	headerStart     = "/* START DATABASE PARAMETERS"
	headerEnd       = "END DATABASE PARAMETERS */"
	timestampLayout = "2006-01-02_15-04-05"
)

// Artifact describes one backup file found for a target.
type Artifact struct {
	Path      string
	Database  string
	Timestamp time.Time
	SizeBytes int64
}

// Result holds the outcome of a restore operation.
type Result struct {
	Database string
	Command  string // sanitized unless debug mode
	Duration time.Duration
}

// Service defines the interface for restore operations.
type Service interface {
	ListArtifacts(target *models.TargetConfig) ([]Artifact, error)
	Restore(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, artifactPath string, debug bool) (*Result, error)
}

// CommandExecutor allows mocking exec.Command in tests. The SQL stream
// is fed to the command's stdin.
type CommandExecutor interface {
	ExecuteWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithStdin runs the command with the given stdin stream.
func (e *DefaultExecutor) ExecuteWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // arguments come from resolved config
	cmd.Stdin = stdin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Impl implements the restore Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new restore service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{executor: &DefaultExecutor{}, logger: logger}
}

// NewWithExecutor creates a new restore service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{executor: executor, logger: logger}
}

// ListArtifacts returns the target's backup artifacts sorted oldest
// first. Files that do not follow the artifact naming are ignored.
func (s *Impl) ListArtifacts(target *models.TargetConfig) ([]Artifact, error) {
	entries, err := os.ReadDir(target.Backup.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	prefix := fmt.Sprintf("backup_%s_", target.Name)
	var artifacts []Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		database, ts, ok := parseArtifactName(entry.Name(), prefix)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:      filepath.Join(target.Backup.Dir, entry.Name()),
			Database:  database,
			Timestamp: ts,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Timestamp.Before(artifacts[j].Timestamp)
	})
	return artifacts, nil
}

// Restore replays one artifact into the database named in its file
// name. Session parameters recorded in the artifact header are applied
// through the client's init command.
func (s *Impl) Restore(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, artifactPath string, debug bool) (*Result, error) {
	start := time.Now()

	prefix := fmt.Sprintf("backup_%s_", target.Name)
	database, _, ok := parseArtifactName(filepath.Base(artifactPath), prefix)
	if !ok {
		return nil, fmt.Errorf("artifact %s does not belong to target %s", filepath.Base(artifactPath), target.Name)
	}

	f, err := os.Open(artifactPath) //nolint:gosec // path is chosen by the operator
	if err != nil {
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	stream, err := decompress(f, artifactPath)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(stream)
	params, err := readParams(br)
	if err != nil {
		return nil, err
	}

	name := filepath.Join(target.Backup.MySQLBinDir, "mysql")
	args := buildArgs(target.Database, ep, params, database)
	command := name + " " + strings.Join(args, " ")
	if !debug {
		command = dump.SanitizeCommand(name, args)
	}

	s.logger.Info().
		Str("target", target.Name).
		Str("database", database).
		Str("artifact", artifactPath).
		Msg("starting restore")

	if err := s.executor.ExecuteWithStdin(ctx, br, name, args...); err != nil {
		return nil, fmt.Errorf("restore of %s failed: %w", database, err)
	}

	result := &Result{
		Database: database,
		Command:  command,
		Duration: time.Since(start),
	}

	s.logger.Info().
		Str("database", database).
		Dur("duration", result.Duration).
		Msg("restore completed")

	return result, nil
}

func buildArgs(db models.DatabaseConfig, ep models.Endpoint, params map[string]string, database string) []string {
	var args []string
	if db.DefaultsFile != "" {
		args = append(args, "--defaults-file="+db.DefaultsFile)
	}
	args = append(args,
		"--host="+ep.Host,
		"--port="+strconv.Itoa(ep.Port),
		"--user="+db.User,
	)
	if db.DefaultsFile == "" {
		args = append(args, "--password="+db.Password)
	}
	if init := initCommand(params); init != "" {
		args = append(args, "--init-command="+init)
	}
	return append(args, database)
}

// initCommand turns recorded session parameters into a SET statement.
func initCommand(params map[string]string) string {
	var parts []string
	if v, ok := params["sql_mode"]; ok {
		parts = append(parts, fmt.Sprintf("SESSION sql_mode='%s'", v))
	}
	if v, ok := params["time_zone"]; ok {
		parts = append(parts, fmt.Sprintf("SESSION time_zone='%s'", v))
	}
	if len(parts) == 0 {
		return ""
	}
	return "SET " + strings.Join(parts, ", ")
}

// readParams consumes the database parameter header when present.
// Artifacts from older runs without a header restore unchanged.
func readParams(br *bufio.Reader) (map[string]string, error) {
	peek, err := br.Peek(len(headerStart))
	if err != nil || string(peek) != headerStart {
		return nil, nil //nolint:nilerr // a missing header is not an error
	}

	if _, err := br.ReadString('\n'); err != nil {
		return nil, fmt.Errorf("reading artifact header: %w", err)
	}

	params := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("artifact header is truncated: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == headerEnd {
			return params, nil
		}
		if name, value, ok := strings.Cut(line, " = "); ok {
			params[name] = value
		}
	}
}

func parseArtifactName(name, prefix string) (database string, ts time.Time, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", time.Time{}, false
	}
	rest := strings.TrimPrefix(name, prefix)
	for _, ext := range []string{".sql.gz", ".sql.zst", ".sql"} {
		if strings.HasSuffix(rest, ext) {
			rest = strings.TrimSuffix(rest, ext)
			if len(rest) < len(timestampLayout)+2 {
				return "", time.Time{}, false
			}
			stamp := rest[len(rest)-len(timestampLayout):]
			parsed, err := time.ParseInLocation(timestampLayout, stamp, time.Local)
			if err != nil {
				return "", time.Time{}, false
			}
			database = strings.TrimSuffix(rest[:len(rest)-len(timestampLayout)], "_")
			return database, parsed, database != ""
		}
	}
	return "", time.Time{}, false
}

func decompress(f *os.File, path string) (io.Reader, error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		return zr, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return f, nil
	}
}
