package dump

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"

	"github.com/fgeck/gomysql-backup/internal/models"
)

// TableLister answers schema questions over a live MySQL connection.
// It backs the per-table fallback and the parameter header written to
// every artifact.
type TableLister interface {
	ListDatabases(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig) ([]string, error)
	ListTables(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig, database string) ([]string, error)
	ServerVersion(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig) (string, error)
	Variables(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig) (map[string]string, error)
}

// systemSchemas are never backed up when a target requests all databases.
var systemSchemas = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":              true,
	"sys":                true,
}

// headerVariables end up in the artifact parameter header, in this order.
var headerVariables = []string{
	"character_set_server",
	"collation_server",
	"default_storage_engine",
	"max_allowed_packet",
	"sql_mode",
	"time_zone",
	"version",
}

// SQLLister is the default TableLister using database/sql.
type SQLLister struct{}

func (l *SQLLister) open(ep models.Endpoint, cfg models.DatabaseConfig) (*sql.DB, error) {
	dsn, err := l.dsn(ep, cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	return db, nil
}

// dsn builds the driver DSN. Targets authenticating via a defaults file
// carry no password in their config, so the [client] section of that
// file supplies the credentials for enumeration queries.
func (l *SQLLister) dsn(ep models.Endpoint, cfg models.DatabaseConfig) (string, error) {
	user, password := cfg.User, cfg.Password
	if password == "" && cfg.DefaultsFile != "" {
		fileUser, filePassword, err := readClientCredentials(cfg.DefaultsFile)
		if err != nil {
			return "", err
		}
		if fileUser != "" {
			user = fileUser
		}
		password = filePassword
	}

	mc := mysql.NewConfig()
	mc.User = user
	mc.Passwd = password
	mc.Net = "tcp"
	mc.Addr = ep.Addr()
	mc.Timeout = 10 * time.Second
	mc.ReadTimeout = 30 * time.Second
	return mc.FormatDSN(), nil
}

// readClientCredentials reads user and password from the [client]
// section of a MySQL defaults file.
func readClientCredentials(path string) (string, string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return "", "", fmt.Errorf("reading defaults file %s: %w", path, err)
	}
	return v.GetString("client.user"), v.GetString("client.password"), nil
}

// ListDatabases returns all non-system schemas on the server.
func (l *SQLLister) ListDatabases(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig) ([]string, error) {
	db, err := l.open(ep, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !systemSchemas[name] {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ListTables returns the base tables of one database in name order.
// Views are excluded; mysqldump recreates them from the schema anyway
// and they cannot fail independently the way table data can.
func (l *SQLLister) ListTables(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig, database string) ([]string, error) {
	db, err := l.open(ep, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx,
		"SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
		database)
	if err != nil {
		return nil, fmt.Errorf("listing tables of %s: %w", database, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ServerVersion returns the server version string, e.g. "8.0.36".
func (l *SQLLister) ServerVersion(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig) (string, error) {
	db, err := l.open(ep, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("querying server version: %w", err)
	}
	return version, nil
}

// Variables returns the server variables recorded in artifact headers.
func (l *SQLLister) Variables(ctx context.Context, ep models.Endpoint, cfg models.DatabaseConfig) (map[string]string, error) {
	db, err := l.open(ep, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, "SHOW GLOBAL VARIABLES")
	if err != nil {
		return nil, fmt.Errorf("querying server variables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	wanted := make(map[string]bool, len(headerVariables))
	for _, name := range headerVariables {
		wanted[name] = true
	}

	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		if wanted[name] {
			vars[name] = value
		}
	}
	return vars, rows.Err()
}
