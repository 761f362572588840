package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/model"
)

// scanner abstracts *sql.Row / *sql.Rows so scan helpers work with either.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var r model.Run
	var maxAttempts sql.NullInt64
	var lockedAt, startedAt, completedAt, leaseExpires sql.NullTime
	var lockedBy sql.NullString
	var parentRunID sql.NullString
	var inputs, outputs, errPayload []byte

	if err := row.Scan(
		&r.ID, &r.Name, &r.BlueprintRef, &r.Status, &r.RunAt, &r.Priority, &r.Attempt, &maxAttempts,
		&r.QueuedAt, &lockedAt, &lockedBy, &leaseExpires, &startedAt, &completedAt,
		&r.Actor, &r.CorrelationID, &inputs, &outputs, &errPayload, &parentRunID, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return model.Run{}, err
	}

	if maxAttempts.Valid {
		v := int(maxAttempts.Int64)
		r.MaxAttempts = &v
	}
	if lockedAt.Valid {
		r.LockedAt = &lockedAt.Time
	}
	if lockedBy.Valid {
		r.LockedBy = &lockedBy.String
	}
	if leaseExpires.Valid {
		r.LeaseExpires = &leaseExpires.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if parentRunID.Valid {
		if id, err := uuid.Parse(parentRunID.String); err == nil {
			r.ParentRunID = &id
		}
	}
	r.Inputs = inputs
	r.Outputs = outputs
	r.Error = errPayload
	return r, nil
}

func scanStep(row scanner) (model.Step, error) {
	var s model.Step
	var startedAt, completedAt sql.NullTime
	var logsArtifactID sql.NullString
	var inputs, outputs, errPayload []byte

	if err := row.Scan(
		&s.ID, &s.RunID, &s.Idx, &s.Kind, &s.Status, &inputs, &outputs, &errPayload,
		&startedAt, &completedAt, &logsArtifactID, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return model.Step{}, err
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if logsArtifactID.Valid {
		if id, err := uuid.Parse(logsArtifactID.String); err == nil {
			s.LogsArtifactID = &id
		}
	}
	s.Inputs = inputs
	s.Outputs = outputs
	s.Error = errPayload
	return s, nil
}

func scanArtifact(row scanner) (model.Artifact, error) {
	var a model.Artifact
	var sha256, contentType, creator, storagePath sql.NullString
	var runID, stepID sql.NullString
	var metadata []byte

	if err := row.Scan(
		&a.ID, &sha256, &a.Name, &a.Kind, &contentType, &a.ByteLength, &creator,
		&runID, &stepID, &metadata, &storagePath, &a.CreatedAt,
	); err != nil {
		return model.Artifact{}, err
	}
	a.SHA256 = sha256.String
	a.ContentType = contentType.String
	a.Creator = creator.String
	a.StoragePath = storagePath.String
	if runID.Valid {
		if id, err := uuid.Parse(runID.String); err == nil {
			a.RunID = &id
		}
	}
	if stepID.Valid {
		if id, err := uuid.Parse(stepID.String); err == nil {
			a.StepID = &id
		}
	}
	a.Metadata = metadata
	return a, nil
}

func scanInstallation(row scanner) (model.PackInstallation, error) {
	var inst model.PackInstallation
	var schemaName, migrationProvider, installedVersion, migrationState sql.NullString
	var installedAt, lastErrorAt sql.NullTime
	var installedByRunID, updatedByRunID sql.NullString
	var errPayload []byte

	if err := row.Scan(
		&inst.ID, &inst.PackID, &inst.PackRef, &inst.EnvID, &inst.Status, &inst.SchemaMode, &schemaName,
		&migrationProvider, &installedVersion, &migrationState, &installedAt,
		&installedByRunID, &updatedByRunID, &errPayload, &lastErrorAt, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return model.PackInstallation{}, err
	}
	inst.SchemaName = schemaName.String
	inst.MigrationProvider = migrationProvider.String
	inst.InstalledVersion = installedVersion.String
	inst.MigrationState = migrationState.String
	if installedAt.Valid {
		inst.InstalledAt = &installedAt.Time
	}
	if lastErrorAt.Valid {
		inst.LastErrorAt = &lastErrorAt.Time
	}
	if installedByRunID.Valid {
		if id, err := uuid.Parse(installedByRunID.String); err == nil {
			inst.InstalledByRunID = &id
		}
	}
	if updatedByRunID.Valid {
		if id, err := uuid.Parse(updatedByRunID.String); err == nil {
			inst.UpdatedByRunID = &id
		}
	}
	inst.Error = errPayload
	return inst, nil
}

func scanEvent(row scanner) (model.Event, error) {
	var e model.Event
	var runID, stepID, resourceRef sql.NullString

	if err := row.Scan(&e.ID, &e.EventName, &e.OccurredAt, &e.CorrelationID, &runID, &stepID, &e.Data, &resourceRef); err != nil {
		return model.Event{}, err
	}
	if runID.Valid {
		if id, err := uuid.Parse(runID.String); err == nil {
			e.RunID = &id
		}
	}
	if stepID.Valid {
		if id, err := uuid.Parse(stepID.String); err == nil {
			e.StepID = &id
		}
	}
	e.ResourceRef = resourceRef.String
	return e, nil
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func jsonOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
