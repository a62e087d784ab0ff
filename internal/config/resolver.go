// Package config resolves the layered project and per-target configuration.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/spf13/viper"
)

// Defaults applied when neither the project nor the target file sets a value.
const (
	DefaultMySQLPort       = 3306
	DefaultSSHPort         = 22
	DefaultSMTPPort        = 465
	DefaultLocalBindPort   = 3307
	DefaultRemoteBindPort  = 3306
	DefaultStaleRunMinutes = 360
	DefaultDumpConcurrency = 4
	DefaultConnectTimeout  = 15 * time.Second
	defaultWOLWait         = 20 * time.Second
)

var (
	timeOfDayRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)
	addressRe   = regexp.MustCompile(`^[^@\s|]+@[^@\s|]+\.[^@\s|]+$`)
)

// projectOnlyKeys may not appear in a target override file.
var projectOnlyKeys = []string{
	"backup.mysql_bin_dir",
	"backup.backup_root_path",
	"backup.state_path",
	"backup.stale_run_minutes",
}

// Resolver merges the project configuration with per-target override files
// into effective TargetConfig values.
type Resolver struct{}

// NewResolver creates a new configuration resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("ini")
	return v
}

// LoadProject loads the project configuration from a file path.
func (r *Resolver) LoadProject(path string) (*models.ProjectConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}
	return r.parseProject(v, abs)
}

// LoadProjectReader loads the project configuration from a string
// (useful for testing).
func (r *Resolver) LoadProjectReader(content string) (*models.ProjectConfig, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	return r.parseProject(v, ".")
}

func (r *Resolver) parseProject(v *viper.Viper, baseDir string) (*models.ProjectConfig, error) {
	for _, key := range []string{"backup.mysql_bin_dir", "backup.days_to_keep", "backup.backup_time", "backup.report_time"} {
		if v.GetString(key) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingRequiredOption, key)
		}
	}

	daysToKeep, err := parsePositiveInt("backup.days_to_keep", v.GetString("backup.days_to_keep"))
	if err != nil {
		return nil, err
	}
	backupTime, err := parseTimeOfDay("backup.backup_time", v.GetString("backup.backup_time"))
	if err != nil {
		return nil, err
	}
	reportTime, err := parseTimeOfDay("backup.report_time", v.GetString("backup.report_time"))
	if err != nil {
		return nil, err
	}

	root := v.GetString("backup.backup_root_path")
	if root == "" {
		root = baseDir
	} else if !filepath.IsAbs(root) {
		root = filepath.Join(baseDir, root)
	}

	statePath := v.GetString("backup.state_path")
	if statePath == "" {
		statePath = filepath.Join(root, "state.db")
	} else if !filepath.IsAbs(statePath) {
		statePath = filepath.Join(root, statePath)
	}

	stale := DefaultStaleRunMinutes
	if raw := v.GetString("backup.stale_run_minutes"); raw != "" {
		if stale, err = parsePositiveInt("backup.stale_run_minutes", raw); err != nil {
			return nil, err
		}
	}
	concurrency := DefaultDumpConcurrency
	if raw := v.GetString("backup.dump_concurrency"); raw != "" {
		if concurrency, err = parsePositiveInt("backup.dump_concurrency", raw); err != nil {
			return nil, err
		}
	}

	email, err := parseEmail(v, nil)
	if err != nil {
		return nil, err
	}

	return &models.ProjectConfig{
		MySQLBinDir:     v.GetString("backup.mysql_bin_dir"),
		DaysToKeep:      daysToKeep,
		BackupTime:      backupTime,
		ReportTime:      reportTime,
		BackupRootPath:  root,
		StatePath:       statePath,
		StaleRunMinutes: stale,
		DumpConcurrency: concurrency,
		Email:           email,
	}, nil
}

// Resolve loads one target override file and merges it with the project
// defaults into an effective TargetConfig.
func (r *Resolver) Resolve(path string, project *models.ProjectConfig) (*models.TargetConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading target config: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return r.parseTarget(v, name, path, project)
}

// ResolveReader resolves a target configuration from a string
// (useful for testing).
func (r *Resolver) ResolveReader(name, content string, project *models.ProjectConfig) (*models.TargetConfig, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading target config: %w", err)
	}
	return r.parseTarget(v, name, "", project)
}

// ResolveAll resolves every target file in configDir matched by selector.
// The selector is an exact file name, a comma-separated list of names, or
// a glob pattern; empty means "*.ini". Per-file resolution errors do not
// abort the remaining targets; they are returned alongside the successes.
func (r *Resolver) ResolveAll(configDir, selector string, project *models.ProjectConfig) ([]*models.TargetConfig, []error) {
	var paths []string
	switch {
	case strings.Contains(selector, ","):
		for _, name := range strings.Split(selector, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			paths = append(paths, filepath.Join(configDir, name))
		}
	case selector != "":
		matches, err := filepath.Glob(filepath.Join(configDir, selector))
		if err != nil {
			return nil, []error{fmt.Errorf("bad --config pattern %q: %w", selector, err)}
		}
		if len(matches) == 0 {
			// Exact name without glob meta characters.
			matches = []string{filepath.Join(configDir, selector)}
		}
		paths = matches
	default:
		matches, err := filepath.Glob(filepath.Join(configDir, "*.ini"))
		if err != nil {
			return nil, []error{err}
		}
		paths = matches
	}

	var (
		targets []*models.TargetConfig
		errs    []error
	)
	for _, path := range paths {
		target, err := r.Resolve(path, project)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		targets = append(targets, target)
	}
	return targets, errs
}

//nolint:gocognit,gocyclo // merging layered config requires checking many fields
func (r *Resolver) parseTarget(v *viper.Viper, name, path string, project *models.ProjectConfig) (*models.TargetConfig, error) {
	for _, key := range projectOnlyKeys {
		if v.IsSet(key) {
			return nil, fmt.Errorf("%w: %s", ErrIllegalOverride, key)
		}
	}

	// Database connection parameters (required).
	db := models.DatabaseConfig{
		Host:         v.GetString("database.host"),
		User:         v.GetString("database.user"),
		Password:     v.GetString("database.password"),
		DefaultsFile: v.GetString("database.defaults_file"),
		Port:         DefaultMySQLPort,
	}
	if db.Host == "" {
		return nil, fmt.Errorf("%w: database.host", ErrMissingRequiredOption)
	}
	if db.User == "" {
		return nil, fmt.Errorf("%w: database.user", ErrMissingRequiredOption)
	}
	if db.Password == "" && db.DefaultsFile == "" {
		return nil, fmt.Errorf("%w: database.password or database.defaults_file", ErrMissingRequiredOption)
	}
	if raw := v.GetString("database.port"); raw != "" {
		port, err := parsePositiveInt("database.port", raw)
		if err != nil {
			return nil, err
		}
		db.Port = port
	}
	db.Databases = parseList(v.GetString("database.database_names"))

	// Backup settings: any field present overrides the project default.
	backupDir := v.GetString("backup.backup_dir")
	if backupDir == "" {
		return nil, fmt.Errorf("%w: backup.backup_dir", ErrMissingRequiredOption)
	}
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(project.BackupRootPath, cleanRelPath(backupDir))
	}

	backup := models.BackupSettings{
		Enabled:         true,
		Dir:             backupDir,
		DaysToKeep:      project.DaysToKeep,
		BackupTime:      project.BackupTime,
		ReportTime:      project.ReportTime,
		MySQLBinDir:     project.MySQLBinDir,
		Compression:     "gzip",
		StaleRunMinutes: project.StaleRunMinutes,
		DumpConcurrency: project.DumpConcurrency,
	}
	if v.IsSet("backup.enabled") {
		backup.Enabled = v.GetBool("backup.enabled")
	}
	if raw := v.GetString("backup.days_to_keep"); raw != "" {
		days, err := parsePositiveInt("backup.days_to_keep", raw)
		if err != nil {
			return nil, err
		}
		backup.DaysToKeep = days
	}
	if raw := v.GetString("backup.backup_time"); raw != "" {
		t, err := parseTimeOfDay("backup.backup_time", raw)
		if err != nil {
			return nil, err
		}
		backup.BackupTime = t
	}
	if raw := v.GetString("backup.report_time"); raw != "" {
		t, err := parseTimeOfDay("backup.report_time", raw)
		if err != nil {
			return nil, err
		}
		backup.ReportTime = t
	}
	if raw := v.GetString("backup.compression"); raw != "" {
		switch raw {
		case "gzip", "zstd", "none":
			backup.Compression = raw
		default:
			return nil, fmt.Errorf("%w: backup.compression must be one of gzip, zstd, none (got %q)", ErrInvalidFieldFormat, raw)
		}
	}
	if raw := v.GetString("backup.dump_concurrency"); raw != "" {
		concurrency, err := parsePositiveInt("backup.dump_concurrency", raw)
		if err != nil {
			return nil, err
		}
		backup.DumpConcurrency = concurrency
	}

	email, err := parseEmail(v, project.Email)
	if err != nil {
		return nil, err
	}

	tunnel, err := parseTunnel(v)
	if err != nil {
		return nil, err
	}

	wol, err := parseWOL(v)
	if err != nil {
		return nil, err
	}

	return &models.TargetConfig{
		Name:     name,
		Path:     path,
		Database: db,
		Backup:   backup,
		Email:    email,
		Tunnel:   tunnel,
		WOL:      wol,
	}, nil
}

// parseEmail parses an [email] section, overlaying base (the project
// defaults) field by field. Returns base unchanged when the section is
// absent, nil when mail is configured nowhere.
func parseEmail(v *viper.Viper, base *models.EmailConfig) (*models.EmailConfig, error) {
	hasSection := v.IsSet("email.enabled") || v.IsSet("email.smtp_server") || v.IsSet("email.to_addrs")
	if !hasSection {
		return base, nil
	}

	cfg := models.EmailConfig{SMTPPort: DefaultSMTPPort, SenderName: "MySQL Backup"}
	if base != nil {
		cfg = *base
	}
	if v.IsSet("email.enabled") {
		cfg.Enabled = v.GetBool("email.enabled")
	}
	if s := v.GetString("email.smtp_server"); s != "" {
		cfg.SMTPServer = s
	}
	if raw := v.GetString("email.smtp_port"); raw != "" {
		port, err := parsePositiveInt("email.smtp_port", raw)
		if err != nil {
			return nil, err
		}
		cfg.SMTPPort = port
	}
	if s := v.GetString("email.smtp_user"); s != "" {
		cfg.User = s
	}
	if s := v.GetString("email.smtp_password"); s != "" {
		cfg.Password = s
	}
	if s := v.GetString("email.sender_name"); s != "" {
		cfg.SenderName = s
	}
	if s := v.GetString("email.from_addr"); s != "" {
		cfg.From = s
	}

	var err error
	if v.IsSet("email.to_addrs") {
		if cfg.To, err = parseRecipients("email.to_addrs", v.GetString("email.to_addrs")); err != nil {
			return nil, err
		}
	}
	if v.IsSet("email.copy_to") {
		if cfg.Cc, err = parseRecipients("email.copy_to", v.GetString("email.copy_to")); err != nil {
			return nil, err
		}
	}
	if v.IsSet("email.additional_to") {
		if cfg.Bcc, err = parseRecipients("email.additional_to", v.GetString("email.additional_to")); err != nil {
			return nil, err
		}
	}

	if cfg.Enabled {
		switch {
		case cfg.SMTPServer == "":
			return nil, fmt.Errorf("%w: email.smtp_server", ErrMissingRequiredOption)
		case cfg.User == "":
			return nil, fmt.Errorf("%w: email.smtp_user", ErrMissingRequiredOption)
		case cfg.Password == "":
			return nil, fmt.Errorf("%w: email.smtp_password", ErrMissingRequiredOption)
		case cfg.From == "":
			return nil, fmt.Errorf("%w: email.from_addr", ErrMissingRequiredOption)
		case len(cfg.To) == 0:
			return nil, fmt.Errorf("%w: email.to_addrs", ErrMissingRequiredOption)
		}
	}

	return &cfg, nil
}

func parseTunnel(v *viper.Viper) (*models.TunnelConfig, error) {
	if !v.GetBool("ssh.enabled") {
		return nil, nil
	}

	cfg := models.TunnelConfig{
		Enabled:        true,
		Host:           v.GetString("ssh.host"),
		User:           v.GetString("ssh.user"),
		Password:       v.GetString("ssh.password"),
		PrivateKeyPath: v.GetString("ssh.private_key"),
		Port:           DefaultSSHPort,
		LocalBindPort:  DefaultLocalBindPort,
		RemoteBindHost: "127.0.0.1",
		RemoteBindPort: DefaultRemoteBindPort,
		ConnectTimeout: DefaultConnectTimeout,
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: ssh.host", ErrMissingRequiredOption)
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("%w: ssh.user", ErrMissingRequiredOption)
	}
	if raw := v.GetString("ssh.port"); raw != "" {
		port, err := parsePositiveInt("ssh.port", raw)
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}
	if raw := v.GetString("ssh.local_bind_port"); raw != "" {
		port, err := parsePositiveInt("ssh.local_bind_port", raw)
		if err != nil {
			return nil, err
		}
		cfg.LocalBindPort = port
	}
	if s := v.GetString("ssh.remote_bind_host"); s != "" {
		cfg.RemoteBindHost = s
	}
	if raw := v.GetString("ssh.remote_bind_port"); raw != "" {
		port, err := parsePositiveInt("ssh.remote_bind_port", raw)
		if err != nil {
			return nil, err
		}
		cfg.RemoteBindPort = port
	}
	if raw := v.GetString("ssh.connect_timeout_seconds"); raw != "" {
		secs, err := parsePositiveInt("ssh.connect_timeout_seconds", raw)
		if err != nil {
			return nil, err
		}
		cfg.ConnectTimeout = time.Duration(secs) * time.Second
	}

	return &cfg, nil
}

func parseWOL(v *viper.Viper) (*models.WOLConfig, error) {
	mac := v.GetString("database.wol_mac")
	if mac == "" {
		return nil, nil
	}
	cfg := models.WOLConfig{
		MACAddress:  mac,
		BroadcastIP: "255.255.255.255",
		Wait:        defaultWOLWait,
	}
	if s := v.GetString("database.wol_broadcast"); s != "" {
		cfg.BroadcastIP = s
	}
	if raw := v.GetString("database.wol_wait_seconds"); raw != "" {
		secs, err := parsePositiveInt("database.wol_wait_seconds", raw)
		if err != nil {
			return nil, err
		}
		cfg.Wait = time.Duration(secs) * time.Second
	}
	return &cfg, nil
}

// parseRecipients parses a list-valued recipient option. Each entry is
// either a bare address or "address|display name".
func parseRecipients(field, raw string) ([]models.Recipient, error) {
	entries := parseList(raw)
	recipients := make([]models.Recipient, 0, len(entries))
	for _, entry := range entries {
		addr, name := entry, ""
		if i := strings.Index(entry, "|"); i >= 0 {
			addr = strings.TrimSpace(entry[:i])
			name = strings.TrimSpace(entry[i+1:])
		}
		if !addressRe.MatchString(addr) {
			return nil, fmt.Errorf("%w: %s entry %q", ErrInvalidRecipientFormat, field, entry)
		}
		recipients = append(recipients, models.Recipient{Address: addr, Name: name})
	}
	return recipients, nil
}

// parseList parses a bracketed comma-separated list literal, falling
// back to plain comma splitting for unquoted values.
func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return trimNonEmpty(parsed)
		}
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	}
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"'`)
	}
	return trimNonEmpty(parts)
}

func trimNonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parsePositiveInt(field, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer (got %q)", ErrInvalidFieldFormat, field, raw)
	}
	return n, nil
}

func parseTimeOfDay(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !timeOfDayRe.MatchString(raw) {
		return "", fmt.Errorf("%w: %s must be HH:MM (got %q)", ErrInvalidFieldFormat, field, raw)
	}
	return raw, nil
}

// cleanRelPath strips leading ./ and / so a configured subdirectory is
// always joined below the backup root.
func cleanRelPath(p string) string {
	return strings.TrimLeft(p, "./\\")
}
