// Package models contains the data structures used throughout gomysql-backup.
package models

import (
	"fmt"
	"time"
)

// ProjectConfig holds the global defaults loaded once from config.ini.
// It is immutable after load.
type ProjectConfig struct {
	MySQLBinDir     string
	DaysToKeep      int
	BackupTime      string // HH:MM
	ReportTime      string // HH:MM
	BackupRootPath  string
	StatePath       string       // run state database location
	StaleRunMinutes int          // window after which a "running" state may be reclaimed
	DumpConcurrency int          // bound on parallel per-table fallback dumps
	Email           *EmailConfig // nil if not configured
}

// TargetConfig is the effective configuration for one backup target,
// produced by merging ProjectConfig with a per-target override file.
type TargetConfig struct {
	Name     string // override file name without extension
	Path     string // override file path
	Database DatabaseConfig
	Backup   BackupSettings
	Email    *EmailConfig  // nil if mail is not configured
	Tunnel   *TunnelConfig // nil if SSH is not configured
	WOL      *WOLConfig    // nil if not configured
}

// DatabaseConfig holds MySQL connection parameters for a target.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DefaultsFile string   // optional credentials file, replaces --password
	Databases    []string // empty means all databases
}

// BackupSettings holds the effective backup policy for a target.
type BackupSettings struct {
	Enabled         bool
	Dir             string // resolved absolute artifact directory
	DaysToKeep      int
	BackupTime      string // HH:MM
	ReportTime      string // HH:MM
	MySQLBinDir     string // inherited, project-only
	Compression     string // "gzip" (default), "zstd" or "none"
	StaleRunMinutes int
	DumpConcurrency int
}

// EmailConfig holds SMTP settings and recipient lists.
type EmailConfig struct {
	Enabled    bool
	SMTPServer string
	SMTPPort   int
	User       string
	Password   string
	SenderName string
	From       string
	To         []Recipient
	Cc         []Recipient
	Bcc        []Recipient
}

// Recipient is a mail address with an optional display name.
type Recipient struct {
	Address string
	Name    string
}

// String formats the recipient for a mail header.
func (r Recipient) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s <%s>", r.Name, r.Address)
	}
	return r.Address
}

// TunnelConfig holds SSH tunnel settings for a target.
type TunnelConfig struct {
	Enabled        bool
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	LocalBindPort  int // 0 picks an ephemeral port
	RemoteBindHost string
	RemoteBindPort int
	ConnectTimeout time.Duration
}

// WOLConfig holds Wake-on-LAN settings for waking the database host
// before a backup run.
type WOLConfig struct {
	MACAddress  string
	BroadcastIP string
	Wait        time.Duration // settle time after the packet is sent
}
