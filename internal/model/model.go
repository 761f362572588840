// Package model defines the entity types persisted by the store: runs,
// steps, events, artifacts, packs and pack installations.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the finite state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is a submitted unit of work: an execution of a named blueprint with
// inputs, claimed and driven to completion by exactly one worker at a time.
type Run struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	BlueprintRef  string          `json:"blueprint_ref,omitempty"`
	Status        RunStatus       `json:"status"`
	RunAt         time.Time       `json:"run_at"`
	Priority      int             `json:"priority"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   *int            `json:"max_attempts,omitempty"`
	QueuedAt      time.Time       `json:"queued_at"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	LockedBy      *string         `json:"locked_by,omitempty"`
	LeaseExpires  *time.Time      `json:"lease_expires_at,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	ParentRunID   *uuid.UUID      `json:"parent_run_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CancelRequested reports whether the run's error payload carries the
// cooperative-cancel flag checked at step boundaries.
func (r *Run) CancelRequested() bool {
	if len(r.Error) == 0 {
		return false
	}
	var payload struct {
		CancelRequested bool `json:"cancel_requested"`
	}
	if err := json.Unmarshal(r.Error, &payload); err != nil {
		return false
	}
	return payload.CancelRequested
}

// StepKind is the dispatch tag for a blueprint step.
type StepKind string

const (
	StepActionTask StepKind = "action_task"
	StepAgentTask  StepKind = "agent_task"
	StepGate       StepKind = "gate"
	StepTransform  StepKind = "transform"
)

// StepStatus is the finite state of a step.
type StepStatus string

const (
	StepCreated   StepStatus = "created"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step belongs to exactly one run and is mutated only by the worker
// currently executing that run.
type Step struct {
	ID             uuid.UUID       `json:"id"`
	RunID          uuid.UUID       `json:"run_id"`
	Idx            int             `json:"idx"`
	Kind           StepKind        `json:"kind"`
	Status         StepStatus      `json:"status"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LogsArtifactID *uuid.UUID      `json:"logs_artifact_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Event is an append-only record in the audit trail. Rows are never
// updated or deleted.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	EventName     string          `json:"event_name"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	RunID         *uuid.UUID      `json:"run_id,omitempty"`
	StepID        *uuid.UUID      `json:"step_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	ResourceRef   string          `json:"resource_ref,omitempty"`
}

// Artifact is content-addressed by SHA-256 when content is stored, and is
// immutable once created.
type Artifact struct {
	ID          uuid.UUID       `json:"id"`
	SHA256      string          `json:"sha256,omitempty"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	ContentType string          `json:"content_type,omitempty"`
	ByteLength  int64           `json:"byte_length"`
	Creator     string          `json:"creator,omitempty"`
	RunID       *uuid.UUID      `json:"run_id,omitempty"`
	StepID      *uuid.UUID      `json:"step_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	StoragePath string          `json:"storage_path,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// StoragePathFor computes the two-level directory fan-out layout
// (sha256[:2]/sha256[2:4]/sha256) used to place artifact content on disk.
func StoragePathFor(sha256 string) string {
	if len(sha256) < 4 {
		return sha256
	}
	return sha256[:2] + "/" + sha256[2:4] + "/" + sha256
}

// PackMigration is one DDL step in a pack's manifest.
type PackMigration struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	DDL         string `json:"ddl"`
}

// PackManifest enumerates a pack's tables and ordered migrations.
type PackManifest struct {
	Tables     []string        `json:"tables"`
	Migrations []PackMigration `json:"migrations"`
}

// Pack is a definition that can be installed into an environment.
type Pack struct {
	ID           uuid.UUID    `json:"id"`
	PackRef      string       `json:"pack_ref"`
	Version      string       `json:"version"`
	Manifest     PackManifest `json:"manifest"`
	PackType     string       `json:"pack_type"`
	Dependencies []string     `json:"dependencies,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// InstallationStatus is the finite state of a pack installation.
type InstallationStatus string

const (
	InstallationAvailable    InstallationStatus = "available"
	InstallationInstalling   InstallationStatus = "installing"
	InstallationInstalled    InstallationStatus = "installed"
	InstallationUpgrading    InstallationStatus = "upgrading"
	InstallationFailed       InstallationStatus = "failed"
	InstallationUninstalling InstallationStatus = "uninstalling"
)

// SchemaMode selects whether a pack gets its own schema or shares one.
type SchemaMode string

const (
	SchemaPerPack SchemaMode = "per_pack"
	SchemaShared  SchemaMode = "shared"
)

// PackInstallation is scoped by (pack_ref, env_id) and drives the
// install state machine described in the executor package.
type PackInstallation struct {
	ID                uuid.UUID          `json:"id"`
	PackID            uuid.UUID          `json:"pack_id"`
	PackRef           string             `json:"pack_ref"`
	EnvID             string             `json:"env_id"`
	Status            InstallationStatus `json:"status"`
	SchemaMode        SchemaMode         `json:"schema_mode"`
	SchemaName        string             `json:"schema_name,omitempty"`
	MigrationProvider string             `json:"migration_provider,omitempty"`
	InstalledVersion  string             `json:"installed_version,omitempty"`
	MigrationState    string             `json:"migration_state,omitempty"`
	InstalledAt       *time.Time         `json:"installed_at,omitempty"`
	InstalledByRunID  *uuid.UUID         `json:"installed_by_run_id,omitempty"`
	UpdatedByRunID    *uuid.UUID         `json:"updated_by_run_id,omitempty"`
	Error             json.RawMessage    `json:"error,omitempty"`
	LastErrorAt       *time.Time         `json:"last_error_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RunEdge links a parent run to a child run (e.g. a pack-install run
// spawning a provisioning sub-run), with an optional idempotency key.
type RunEdge struct {
	ParentRunID uuid.UUID `json:"parent_run_id"`
	ChildRunID  uuid.UUID `json:"child_run_id"`
	Relation    string    `json:"relation"`
	ChildKey    *string   `json:"child_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
