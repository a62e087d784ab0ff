package models

import (
	"net"
	"strconv"
	"time"
)

// Endpoint is the resolved host/port pair actually used to reach a
// database: either the target's direct address or a local forwarding
// port bound by an active tunnel.
type Endpoint struct {
	Host     string
	Port     int
	Tunneled bool
}

// Addr returns the endpoint as host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// AttemptStatus classifies the outcome of one database's dump attempt.
type AttemptStatus string

const (
	// AttemptSuccess means the bulk dump succeeded on the first try.
	AttemptSuccess AttemptStatus = "success"
	// AttemptSuccessWithNote means the bulk dump failed but every
	// per-table fallback attempt succeeded.
	AttemptSuccessWithNote AttemptStatus = "success-with-note"
	// AttemptPartial means fallback completed with some tables skipped.
	AttemptPartial AttemptStatus = "partial"
	// AttemptFailed means no table could be dumped.
	AttemptFailed AttemptStatus = "failed"
)

// DumpAttemptResult holds the result of dumping one database.
type DumpAttemptResult struct {
	Database      string        `json:"database"`
	Status        AttemptStatus `json:"status"`
	SkippedTables []string      `json:"skipped_tables,omitempty"`
	ArtifactPath  string        `json:"artifact_path,omitempty"`
	SizeBytes     int64         `json:"size_bytes"`
	ErrorText     string        `json:"error_text,omitempty"`
	Command       string        `json:"command,omitempty"` // sanitized unless debug mode
	Duration      time.Duration `json:"duration"`
}

// RunStatus is the aggregate status over all databases of one target run.
type RunStatus string

const (
	RunSuccess    RunStatus = "success"
	RunPartial    RunStatus = "partial"
	RunFailure    RunStatus = "failure"
	RunInProgress RunStatus = "in-progress"
)

// RunOutcome aggregates one target run for state tracking and reporting.
type RunOutcome struct {
	Target           string              `json:"target"`
	Status           RunStatus           `json:"status"`
	Attempts         []DumpAttemptResult `json:"attempts,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	EndedAt          time.Time           `json:"ended_at"`
	ErrorText        string              `json:"error_text,omitempty"`
	DeletedArtifacts []string            `json:"deleted_artifacts,omitempty"`
	RetentionErrors  []string            `json:"retention_errors,omitempty"`
}

// ClassifyAttempts derives the aggregate run status from per-database
// attempt results: success if every database succeeded (with or without
// fallback), failure if none produced an artifact, partial otherwise.
func ClassifyAttempts(attempts []DumpAttemptResult) RunStatus {
	if len(attempts) == 0 {
		return RunFailure
	}
	succeeded, failed := 0, 0
	for _, a := range attempts {
		switch a.Status {
		case AttemptSuccess, AttemptSuccessWithNote:
			succeeded++
		case AttemptFailed:
			failed++
		}
	}
	switch {
	case succeeded == len(attempts):
		return RunSuccess
	case failed == len(attempts):
		return RunFailure
	default:
		return RunPartial
	}
}

// Phase is the lifecycle phase recorded in the run state store.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
)

// RunState is the persisted per-target record used to prevent
// overlapping executions and answer status queries.
type RunState struct {
	Target          string
	Phase           Phase
	StartedAt       time.Time
	LastCompletedAt time.Time
	LastOutcome     *RunOutcome // nil before the first completed run
}

// RetentionResult holds the outcome of a retention cleanup pass.
type RetentionResult struct {
	Deleted []string
	Errors  []string
}
