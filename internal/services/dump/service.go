// Package dump produces compressed mysqldump artifacts with a
// per-table fallback when a bulk dump fails.
package dump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const artifactTimestampLayout = "2006-01-02_15-04-05"

// Service defines the interface for dump operations.
type Service interface {
	DumpAll(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error)
}

// CommandExecutor allows mocking exec.Command in tests. Stdout is
// streamed into the given writer; stderr is folded into the error.
type CommandExecutor interface {
	Execute(ctx context.Context, stdout io.Writer, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs the command and streams its stdout into w.
func (e *DefaultExecutor) Execute(ctx context.Context, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // arguments come from resolved config
	cmd.Stdout = w

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

// Impl implements the dump Service interface.
type Impl struct {
	executor CommandExecutor
	lister   TableLister
	logger   zerolog.Logger
}

// New creates a new dump service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		lister:   &SQLLister{},
		logger:   logger,
	}
}

// NewWithDeps creates a new dump service with custom executor and lister (for testing).
func NewWithDeps(logger zerolog.Logger, executor CommandExecutor, lister TableLister) *Impl {
	return &Impl{
		executor: executor,
		lister:   lister,
		logger:   logger,
	}
}

// DumpAll dumps every configured database of the target through the
// given endpoint, one attempt result per database. A database whose
// bulk dump fails is retried table by table before being written off.
func (s *Impl) DumpAll(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, debug bool) ([]models.DumpAttemptResult, error) {
	databases := target.Database.Databases
	if len(databases) == 0 {
		var err error
		databases, err = s.lister.ListDatabases(ctx, ep, target.Database)
		if err != nil {
			return nil, fmt.Errorf("enumerating databases of %s: %w", target.Name, err)
		}
		s.logger.Info().Str("target", target.Name).Strs("databases", databases).Msg("discovered databases")
	}

	version, err := s.lister.ServerVersion(ctx, ep, target.Database)
	if err != nil {
		s.logger.Warn().Err(err).Str("target", target.Name).Msg("could not determine server version, using base dump flags")
	}
	vars, err := s.lister.Variables(ctx, ep, target.Database)
	if err != nil {
		s.logger.Warn().Err(err).Str("target", target.Name).Msg("could not read server variables, artifact header will be empty")
	}

	results := make([]models.DumpAttemptResult, 0, len(databases))
	for _, database := range databases {
		results = append(results, s.dumpDatabase(ctx, target, ep, database, version, vars, debug))
	}
	return results, nil
}

//nolint:gocognit,gocyclo // the bulk-then-fallback workflow has many outcomes
func (s *Impl) dumpDatabase(ctx context.Context, target *models.TargetConfig, ep models.Endpoint, database, version string, vars map[string]string, debug bool) models.DumpAttemptResult {
	start := time.Now()
	result := models.DumpAttemptResult{Database: database}

	if err := ctx.Err(); err != nil {
		result.Status = models.AttemptFailed
		result.ErrorText = fmt.Sprintf("run canceled: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	name := filepath.Join(target.Backup.MySQLBinDir, "mysqldump")
	baseArgs := buildArgs(target.Database, ep, version)
	bulkArgs := append(append([]string{}, baseArgs...), database)
	result.Command = renderCommand(name, bulkArgs, debug)

	path := artifactPath(target, database, start)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		result.Status = models.AttemptFailed
		result.ErrorText = fmt.Sprintf("creating artifact directory: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	s.logger.Info().
		Str("target", target.Name).
		Str("database", database).
		Str("artifact", path).
		Msg("starting dump")

	bulkErr := s.writeArtifact(path, target.Backup.Compression, vars, func(w io.Writer) error {
		return s.executor.Execute(ctx, w, name, bulkArgs...)
	})
	if bulkErr == nil {
		result.Status = models.AttemptSuccess
		result.ArtifactPath = path
		result.SizeBytes = fileSize(path)
		result.Duration = time.Since(start)
		s.logger.Info().
			Str("database", database).
			Int64("size_bytes", result.SizeBytes).
			Dur("duration", result.Duration).
			Msg("dump completed")
		return result
	}

	s.logger.Warn().
		Err(bulkErr).
		Str("database", database).
		Msg("bulk dump failed, falling back to per-table dumps")

	tables, err := s.lister.ListTables(ctx, ep, target.Database, database)
	if err != nil {
		result.Status = models.AttemptFailed
		result.ErrorText = fmt.Sprintf("bulk dump failed: %v; table enumeration failed: %v", bulkErr, err)
		result.Duration = time.Since(start)
		return result
	}
	if len(tables) == 0 {
		result.Status = models.AttemptFailed
		result.ErrorText = fmt.Sprintf("bulk dump failed: %v; no tables to retry", bulkErr)
		result.Duration = time.Since(start)
		return result
	}

	parts, skipped := s.dumpTables(ctx, name, baseArgs, database, tables, path, target.Backup.DumpConcurrency)
	defer removeAll(parts)

	if len(parts) == 0 {
		result.Status = models.AttemptFailed
		result.SkippedTables = skipped
		result.ErrorText = fmt.Sprintf("bulk dump failed: %v; every per-table dump failed", bulkErr)
		result.Duration = time.Since(start)
		return result
	}

	if err := s.writeArtifact(path, target.Backup.Compression, vars, func(w io.Writer) error {
		return concatenate(w, parts)
	}); err != nil {
		result.Status = models.AttemptFailed
		result.ErrorText = fmt.Sprintf("assembling fallback artifact: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	result.ArtifactPath = path
	result.SizeBytes = fileSize(path)
	result.SkippedTables = skipped
	result.ErrorText = fmt.Sprintf("bulk dump failed: %v", bulkErr)
	if len(skipped) == 0 {
		result.Status = models.AttemptSuccessWithNote
	} else {
		result.Status = models.AttemptPartial
	}
	result.Duration = time.Since(start)

	s.logger.Info().
		Str("database", database).
		Str("status", string(result.Status)).
		Int("tables", len(tables)).
		Strs("skipped", skipped).
		Msg("fallback dump completed")

	return result
}

// dumpTables runs per-table dumps with bounded concurrency. It returns
// the part files of the tables that succeeded, in enumeration order,
// and the names of the tables that failed.
func (s *Impl) dumpTables(ctx context.Context, name string, baseArgs []string, database string, tables []string, artifactPath string, concurrency int) ([]string, []string) {
	if concurrency < 1 {
		concurrency = 1
	}

	type tableResult struct {
		part string
		err  error
	}
	results := make([]tableResult, len(tables))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, table := range tables {
		if err := ctx.Err(); err != nil {
			results[i] = tableResult{err: err}
			continue
		}

		wg.Add(1)
		go func(i int, table string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			part := fmt.Sprintf("%s.part%d", artifactPath, i)
			args := append(append([]string{}, baseArgs...), database, table)

			f, err := os.Create(part) //nolint:gosec // path is derived from resolved config
			if err != nil {
				results[i] = tableResult{err: err}
				return
			}
			err = s.executor.Execute(ctx, f, name, args...)
			_ = f.Close()
			if err != nil {
				_ = os.Remove(part)
				s.logger.Warn().Err(err).Str("database", database).Str("table", table).Msg("per-table dump failed")
				results[i] = tableResult{err: err}
				return
			}
			results[i] = tableResult{part: part}
		}(i, table)
	}
	wg.Wait()

	var parts, skipped []string
	for i, res := range results {
		if res.err != nil {
			skipped = append(skipped, tables[i])
			continue
		}
		parts = append(parts, res.part)
	}
	return parts, skipped
}

// writeArtifact creates the artifact file, writes the parameter header
// and fills it through the configured compressor. The file is removed
// again when fill fails.
func (s *Impl) writeArtifact(path, compression string, vars map[string]string, fill func(io.Writer) error) (err error) {
	f, createErr := os.Create(path) //nolint:gosec // path is derived from resolved config
	if createErr != nil {
		return fmt.Errorf("creating artifact: %w", createErr)
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	w, err := newCompressor(f, compression)
	if err != nil {
		return err
	}

	writeHeader(w, vars)

	if err = fill(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func newCompressor(f *os.File, compression string) (io.WriteCloser, error) {
	switch compression {
	case "gzip", "":
		return gzip.NewWriter(f), nil
	case "zstd":
		return zstd.NewWriter(f)
	case "none":
		return nopWriteCloser{f}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// writeHeader emits the database parameter block recorded at the top
// of every artifact. Restore reads it back to reapply session settings.
func writeHeader(w io.Writer, vars map[string]string) {
	fmt.Fprintln(w, "/* START DATABASE PARAMETERS")
	for _, name := range headerVariables {
		if value, ok := vars[name]; ok {
			fmt.Fprintf(w, "%s = %s\n", name, value)
		}
	}
	fmt.Fprintln(w, "END DATABASE PARAMETERS */")
}

// buildArgs assembles the mysqldump argument list shared by bulk and
// per-table invocations. A defaults file must come first when used.
func buildArgs(db models.DatabaseConfig, ep models.Endpoint, version string) []string {
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
	args = append(args, "--single-transaction", "--no-tablespaces")

	if version != "" {
		if !versionAtLeast(version, 8, 0, 0) {
			args = append(args, "--column-statistics=0")
		}
		if versionAtLeast(version, 8, 0, 13) {
			args = append(args, "--routines", "--triggers", "--events")
		}
	}
	return args
}

func renderCommand(name string, args []string, debug bool) string {
	if debug {
		return name + " " + strings.Join(args, " ")
	}
	return SanitizeCommand(name, args)
}

func artifactPath(target *models.TargetConfig, database string, ts time.Time) string {
	ext := ".sql.gz"
	switch target.Backup.Compression {
	case "zstd":
		ext = ".sql.zst"
	case "none":
		ext = ".sql"
	}
	name := fmt.Sprintf("backup_%s_%s_%s%s", target.Name, database, ts.Format(artifactTimestampLayout), ext)
	return filepath.Join(target.Backup.Dir, name)
}

// versionAtLeast compares a dotted server version like "8.0.36"
// against the given minimum. Suffixes such as "-log" are ignored.
func versionAtLeast(version string, major, minor, patch int) bool {
	if i := strings.IndexAny(version, "-+_ "); i >= 0 {
		version = version[:i]
	}
	parts := strings.SplitN(version, ".", 3)
	nums := [3]int{}
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return false
		}
		nums[i] = n
	}
	want := [3]int{major, minor, patch}
	for i := 0; i < 3; i++ {
		if nums[i] != want[i] {
			return nums[i] > want[i]
		}
	}
	return true
}

func concatenate(w io.Writer, parts []string) error {
	for _, part := range parts {
		f, err := os.Open(part) //nolint:gosec // part paths are produced by dumpTables
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
