package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/xynlabs/xyn/internal/events"
	"github.com/xynlabs/xyn/internal/executor"
	"github.com/xynlabs/xyn/internal/metrics"
	"github.com/xynlabs/xyn/internal/model"
	"github.com/xynlabs/xyn/internal/store"
	"github.com/xynlabs/xyn/internal/xynerr"
)

type handler struct {
	service *Service
}

func (h *handler) mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	mux.HandleFunc("GET /api/v1/events", h.listEvents)
	mux.HandleFunc("GET /api/v1/events/{id}", h.getEvent)
	mux.HandleFunc("POST /api/v1/events", h.createEvent)

	mux.HandleFunc("POST /api/v1/runs", h.createRun)
	mux.HandleFunc("GET /api/v1/runs", h.listRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.cancelRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/steps", h.listSteps)

	mux.HandleFunc("POST /api/v1/packs/{pack_ref}/install", h.installPack)
	mux.HandleFunc("GET /api/v1/packs/{pack_ref}/status", h.packStatus)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.service.Version,
		"uptime_seconds": time.Since(h.service.started).Seconds(),
		"now":            time.Now().UTC(),
	})
}

// --- events ---

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, cursor := pageParams(r)
	filter := store.EventFilter{EventName: r.URL.Query().Get("event_name"), Limit: limit, Cursor: cursor}
	if raw := r.URL.Query().Get("run_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.RunID = &id
		}
	}
	if raw := r.URL.Query().Get("correlation_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.CorrelationID = &id
		}
	}

	items, next, err := h.service.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, next))
}

func (h *handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "invalid event id"))
		return
	}
	ev, err := h.service.Store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type createEventRequest struct {
	EventName string `json:"event_name"`
	Data      any    `json:"data"`
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id"`
	Resource  string `json:"resource"`
}

func (h *handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "malformed request body"))
		return
	}
	if req.EventName == "" {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "event_name is required"))
		return
	}

	emission := events.Emission{EventName: req.EventName, Data: req.Data, ResourceRef: req.Resource}
	if req.RunID != "" {
		if id, err := uuid.Parse(req.RunID); err == nil {
			emission.RunID = &id
		}
	}
	if req.StepID != "" {
		if id, err := uuid.Parse(req.StepID); err == nil {
			emission.StepID = &id
		}
	}
	if emission.RunID != nil {
		if run, err := h.service.Store.GetRun(r.Context(), *emission.RunID); err == nil {
			emission.CorrelationID = run.CorrelationID
		}
	}
	if emission.CorrelationID == uuid.Nil {
		emission.CorrelationID = uuid.New()
	}

	id, err := h.service.Store.Emit(r.Context(), emission)
	if err != nil {
		writeError(w, err)
		return
	}
	ev, err := h.service.Store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// --- runs ---

type createRunRequest struct {
	Name         string         `json:"name"`
	BlueprintRef string         `json:"blueprint_ref"`
	Inputs       map[string]any `json:"inputs"`
	Priority     *int           `json:"priority"`
}

func (h *handler) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "malformed request body"))
		return
	}
	if req.Name == "" {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "name is required"))
		return
	}

	blueprintRef := req.BlueprintRef
	if blueprintRef == "" {
		blueprintRef = executor.DefaultBlueprintName
	}

	inputsRaw, _ := json.Marshal(req.Inputs)
	now := time.Now().UTC()
	run := model.Run{
		Name:          req.Name,
		BlueprintRef:  blueprintRef,
		Status:        model.RunQueued,
		RunAt:         now,
		QueuedAt:      now,
		CorrelationID: uuid.New(),
		Inputs:        inputsRaw,
	}
	if req.Priority != nil {
		run.Priority = *req.Priority
	}
	if bp, err := h.service.Registry.Lookup(blueprintRef); err == nil {
		run.MaxAttempts = bp.DefaultMaxAttempts
	}

	created, err := h.service.Store.CreateRun(r.Context(), run)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, cursor := pageParams(r)
	filter := store.RunFilter{Limit: limit, Cursor: cursor}
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Status = store.RunStatusFilter{Set: true, Value: model.RunStatus(raw)}
	}
	items, next, err := h.service.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, next))
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "invalid run id"))
		return
	}
	run, err := h.service.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "invalid run id"))
		return
	}
	run, err := h.service.Queue.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) listSteps(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, xynerr.New(xynerr.KindInvalidIdentifier, "invalid run id"))
		return
	}
	steps, err := h.service.Store.ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if steps == nil {
		steps = []model.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// --- packs ---

// installPack claims the installation row before queueing the run, so two
// concurrent installs for the same (pack_ref, env_id) resolve here: one
// gets 201 with a run id, the other a 409 classified from the existing
// row. The run's own claim step treats the pre-claimed row as re-entry.
func (h *handler) installPack(w http.ResponseWriter, r *http.Request) {
	packRef := r.PathValue("pack_ref")
	envID := r.URL.Query().Get("env_id")
	if envID == "" {
		envID = "default"
	}

	pack, err := h.service.Store.GetPackByRef(r.Context(), packRef)
	if err != nil {
		writeError(w, err)
		return
	}
	schemaName := executor.NormalizeSchemaName(packRef)
	if err := executor.ValidateIdentifier(schemaName); err != nil {
		writeError(w, err)
		return
	}

	runID := uuid.New()
	inst, claimed, err := h.service.Store.ClaimInstallation(r.Context(), model.PackInstallation{
		PackID:           pack.ID,
		PackRef:          packRef,
		EnvID:            envID,
		SchemaMode:       model.SchemaPerPack,
		SchemaName:       schemaName,
		InstalledByRunID: &runID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !claimed {
		writeError(w, executor.ClassifyInstallConflict(inst))
		return
	}

	now := time.Now().UTC()
	inputs, _ := json.Marshal(map[string]any{"pack_ref": packRef, "env_id": envID})
	created, err := h.service.Store.CreateRun(r.Context(), model.Run{
		ID:            runID,
		Name:          "pack_install:" + packRef,
		BlueprintRef:  executor.PackInstallBlueprintName,
		Status:        model.RunQueued,
		RunAt:         now,
		QueuedAt:      now,
		CorrelationID: runID,
		Inputs:        inputs,
	})
	if err != nil {
		failure, _ := json.Marshal(map[string]any{"message": "install run submission failed: " + err.Error()})
		_ = h.service.Store.FailInstallation(r.Context(), inst.ID, failure)
		writeError(w, err)
		return
	}

	_, _ = h.service.Store.Emit(r.Context(), events.Emission{
		EventName:     events.PackInstallRequested,
		CorrelationID: created.CorrelationID,
		RunID:         &created.ID,
		Data:          map[string]any{"pack_ref": packRef, "env_id": envID},
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":         created.ID,
		"correlation_id": created.CorrelationID,
	})
}

func (h *handler) packStatus(w http.ResponseWriter, r *http.Request) {
	packRef := r.PathValue("pack_ref")
	envID := r.URL.Query().Get("env_id")
	if envID == "" {
		envID = "default"
	}
	inst, err := h.service.Store.GetInstallation(r.Context(), packRef, envID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       inst.Status,
		"installation": inst,
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the typed-error body for pack-install conflicts and a
// generic {"detail": {...}} envelope for everything else.
func writeError(w http.ResponseWriter, err error) {
	xe, ok := err.(*xynerr.Error)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"detail": map[string]any{"error": "internal_error", "message": err.Error()},
		})
		return
	}

	status := xe.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	detail := map[string]any{"error": string(xe.Kind), "message": xe.Message}
	for k, v := range xe.Details {
		detail[k] = v
	}
	writeJSON(w, status, map[string]any{"detail": detail})
}
