package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/store"
	"github.com/xynlabs/xyn/internal/xynerr"
)

// PackInstallBlueprintName is the blueprint name the HTTP install endpoint
// submits runs against.
const PackInstallBlueprintName = "pack_install"

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateIdentifier enforces the fixed character class and length limit
// required of any schema-derived identifier before it is interpolated
// into DDL.
func ValidateIdentifier(id string) error {
	if !identifierPattern.MatchString(id) {
		return xynerr.New(xynerr.KindInvalidIdentifier, "invalid identifier: "+id)
	}
	return nil
}

// NormalizeSchemaName derives a safe schema name from a pack ref, e.g.
// "core.domain@v1" -> "pack_core_domain_v1".
func NormalizeSchemaName(packRef string) string {
	out := make([]rune, 0, len(packRef)+5)
	out = append(out, []rune("pack_")...)
	for _, r := range packRef {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
		default:
			out = append(out, '_')
		}
	}
	name := string(out)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// PackInstaller provides the step handlers of the pack-installation state
// machine over a store and a raw DB handle for schema/migration DDL.
type PackInstaller struct {
	Store store.Store
	DB    *sql.DB
}

// NewPackInstaller constructs a PackInstaller.
func NewPackInstaller(s store.Store, db *sql.DB) *PackInstaller {
	return &PackInstaller{Store: s, DB: db}
}

// Blueprint compiles the five-step install plan: validate, claim,
// provision, migrate, finalize.
func (p *PackInstaller) Blueprint() Blueprint {
	return Blueprint{
		Name: PackInstallBlueprintName,
		Steps: []StepDef{
			{ID: "validate", Kind: string(model.StepActionTask), Params: map[string]any{"pack_ref": "{{inputs.pack_ref}}", "env_id": "{{inputs.env_id}}"}, Handler: p.validate},
			{ID: "claim", Kind: string(model.StepActionTask), Params: map[string]any{"pack_ref": "{{inputs.pack_ref}}", "env_id": "{{inputs.env_id}}"}, Handler: p.claim},
			{ID: "provision", Kind: string(model.StepActionTask), Params: map[string]any{"pack_ref": "{{inputs.pack_ref}}", "env_id": "{{inputs.env_id}}", "schema_name": "{{steps.claim.outputs.schema_name}}"}, Handler: p.withFailureRecorded(p.provision)},
			{ID: "migrate", Kind: string(model.StepActionTask), Params: map[string]any{"pack_ref": "{{inputs.pack_ref}}", "env_id": "{{inputs.env_id}}"}, Handler: p.withFailureRecorded(p.migrate)},
			{ID: "finalize", Kind: string(model.StepActionTask), Params: map[string]any{"pack_ref": "{{inputs.pack_ref}}", "env_id": "{{inputs.env_id}}"}, Handler: p.withFailureRecorded(p.finalize)},
		},
	}
}

func (p *PackInstaller) validate(ctx context.Context, _ uuid.UUID, params map[string]any) (map[string]any, error) {
	packRef, _ := params["pack_ref"].(string)
	envID, _ := params["env_id"].(string)
	if packRef == "" || envID == "" {
		return nil, xynerr.New(xynerr.KindInvalidIdentifier, "pack_ref and env_id are required")
	}
	pack, err := p.Store.GetPackByRef(ctx, packRef)
	if err != nil {
		return nil, err
	}
	schemaName := NormalizeSchemaName(packRef)
	if err := ValidateIdentifier(schemaName); err != nil {
		return nil, err
	}
	return map[string]any{"pack_id": pack.ID.String(), "schema_name": schemaName}, nil
}

// claim performs the idempotent insert; when another run already holds the
// (pack_ref, env_id) row, the existing row's status classifies the
// conflict.
func (p *PackInstaller) claim(ctx context.Context, runID uuid.UUID, params map[string]any) (map[string]any, error) {
	packRef, _ := params["pack_ref"].(string)
	envID, _ := params["env_id"].(string)

	pack, err := p.Store.GetPackByRef(ctx, packRef)
	if err != nil {
		return nil, err
	}
	schemaName := NormalizeSchemaName(packRef)

	inst, claimed, err := p.Store.ClaimInstallation(ctx, model.PackInstallation{
		PackID:           pack.ID,
		PackRef:          packRef,
		EnvID:            envID,
		SchemaMode:       model.SchemaPerPack,
		SchemaName:       schemaName,
		InstalledByRunID: &runID,
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		// The install endpoint claims the row before the run is queued, so
		// an installing row owned by this run is re-entry, not a conflict.
		if inst.Status == model.InstallationInstalling && inst.InstalledByRunID != nil && *inst.InstalledByRunID == runID {
			return map[string]any{"installation_id": inst.ID.String(), "schema_name": inst.SchemaName}, nil
		}
		return nil, ClassifyInstallConflict(inst)
	}
	return map[string]any{"installation_id": inst.ID.String(), "schema_name": schemaName}, nil
}

// withFailureRecorded wraps a post-claim step handler so that any error
// also writes the installation row to failed with its error payload and
// last_error_at; the installation row remains for later inspection and
// retry by a new run.
func (p *PackInstaller) withFailureRecorded(handler StepHandler) StepHandler {
	return func(ctx context.Context, runID uuid.UUID, params map[string]any) (map[string]any, error) {
		out, err := handler(ctx, runID, params)
		if err == nil {
			return out, nil
		}
		packRef, _ := params["pack_ref"].(string)
		envID, _ := params["env_id"].(string)
		if inst, getErr := p.Store.GetInstallation(ctx, packRef, envID); getErr == nil {
			payload := map[string]any{"message": err.Error()}
			if xe, ok := err.(*xynerr.Error); ok {
				payload["kind"] = string(xe.Kind)
			}
			raw := mustMarshalLocal(payload)
			_ = p.Store.FailInstallation(ctx, inst.ID, raw)
			if run, runErr := p.Store.GetRun(ctx, runID); runErr == nil {
				_, _ = p.Store.Emit(ctx, events.Emission{
					EventName: events.PackInstallFailed, CorrelationID: run.CorrelationID, RunID: &runID,
					Data: payload,
				})
			}
		}
		return nil, err
	}
}

func mustMarshalLocal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// ClassifyInstallConflict maps an existing installation row's status to the
// typed conflict raised when a new install attempt finds the row taken.
func ClassifyInstallConflict(inst model.PackInstallation) error {
	switch inst.Status {
	case model.InstallationInstalled:
		return xynerr.New(xynerr.KindPackAlreadyInstalled, "pack already installed").
			WithDetail("existing_installation_id", inst.ID.String())
	case model.InstallationInstalling:
		return xynerr.New(xynerr.KindInstallationInProgress, "installation already in progress").
			WithDetail("existing_installation_id", inst.ID.String())
	case model.InstallationFailed:
		e := xynerr.New(xynerr.KindInstallationPrevFailed, "installation previously failed").
			WithDetail("existing_installation_id", inst.ID.String()).
			WithDetail("error_details", inst.Error)
		if inst.LastErrorAt != nil {
			e.WithDetail("last_error_at", *inst.LastErrorAt)
		}
		return e
	default:
		return xynerr.New(xynerr.KindConflictingState, fmt.Sprintf("installation in conflicting state %q", inst.Status)).
			WithDetail("existing_installation_id", inst.ID.String())
	}
}

// provision creates the per-pack schema if it does not exist. The schema
// name was validated at the "validate" step, so it is safe to interpolate
// into DDL here.
func (p *PackInstaller) provision(ctx context.Context, _ uuid.UUID, params map[string]any) (map[string]any, error) {
	schemaName, _ := params["schema_name"].(string)
	if err := ValidateIdentifier(schemaName); err != nil {
		return nil, err
	}
	if _, err := p.DB.ExecContext(ctx, fmt.Sprintf(`create schema if not exists %q`, schemaName)); err != nil {
		return nil, xynerr.Wrap(xynerr.KindTransientDBError, "provision schema", err)
	}
	return map[string]any{"schema_name": schemaName}, nil
}

// migrate applies each manifest migration with an id greater than the
// installation's current migration_state, in manifest order.
func (p *PackInstaller) migrate(ctx context.Context, runID uuid.UUID, params map[string]any) (map[string]any, error) {
	packRef, _ := params["pack_ref"].(string)
	envID, _ := params["env_id"].(string)

	pack, err := p.Store.GetPackByRef(ctx, packRef)
	if err != nil {
		return nil, err
	}
	inst, err := p.Store.GetInstallation(ctx, packRef, envID)
	if err != nil {
		return nil, err
	}

	applied := inst.MigrationState
	for _, m := range pack.Manifest.Migrations {
		if applied != "" && m.ID <= applied {
			continue
		}
		if _, err := p.DB.ExecContext(ctx, m.DDL); err != nil {
			return nil, xynerr.Wrap(xynerr.KindMigrationApplyFailed, "apply pack migration "+m.ID, err)
		}
		if err := p.Store.UpdateInstallationMigrationState(ctx, inst.ID, m.ID); err != nil {
			return nil, err
		}
		applied = m.ID
		if run, runErr := p.Store.GetRun(ctx, runID); runErr == nil {
			_, _ = p.Store.Emit(ctx, events.Emission{
				EventName: events.StepProgress, CorrelationID: run.CorrelationID, RunID: &runID,
				Data: map[string]any{"message": "applied migration " + m.ID},
			})
		}
	}
	return map[string]any{"migration_state": applied}, nil
}

// finalize performs the row-locked ownership check and the idempotent
// flip to installed.
func (p *PackInstaller) finalize(ctx context.Context, runID uuid.UUID, params map[string]any) (map[string]any, error) {
	packRef, _ := params["pack_ref"].(string)
	envID, _ := params["env_id"].(string)

	pack, err := p.Store.GetPackByRef(ctx, packRef)
	if err != nil {
		return nil, err
	}
	inst, err := p.Store.GetInstallation(ctx, packRef, envID)
	if err != nil {
		return nil, err
	}
	if err := p.Store.FinalizeInstallation(ctx, inst.ID, runID, pack.Version); err != nil {
		return nil, err
	}
	if run, err := p.Store.GetRun(ctx, runID); err == nil {
		_, _ = p.Store.Emit(ctx, events.Emission{
			EventName: events.PackInstallCompleted, CorrelationID: run.CorrelationID, RunID: &runID,
		})
	}
	return map[string]any{"installation_id": inst.ID.String(), "status": string(model.InstallationInstalled)}, nil
}
