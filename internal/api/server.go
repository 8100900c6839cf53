// Package api exposes the orchestrator's HTTP surface: policy
// validation and CRUD, dry runs, execution history, admin event
// injection, the websocket stream and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/dryrun"
	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/events"
	"github.com/rcourtman/surgeguard/internal/ledger"
	"github.com/rcourtman/surgeguard/internal/logging"
	"github.com/rcourtman/surgeguard/internal/models"
	"github.com/rcourtman/surgeguard/internal/policy"
	"github.com/rcourtman/surgeguard/internal/store"
	ws "github.com/rcourtman/surgeguard/internal/websocket"
)

const maxBodyBytes = 1 << 20

// EventSink receives admin-injected events after normalization.
type EventSink func(models.Event)

// Handlers wires the HTTP surface to the orchestrator's components.
type Handlers struct {
	Compiler   *policy.Compiler
	Store      *store.Store
	Ledger     *ledger.Ledger
	DryRun     *dryrun.Evaluator
	Normalizer *events.Normalizer
	Events     EventSink
	Hub        *ws.Hub
	Metrics    http.Handler
}

// Routes builds the request mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/policies/validate", h.validatePolicy)
	mux.HandleFunc("POST /api/policies/compile", h.compilePolicy)
	mux.HandleFunc("POST /api/policies", h.createPolicy)
	mux.HandleFunc("GET /api/policies", h.listPolicies)
	mux.HandleFunc("GET /api/policies/{id}", h.getPolicy)
	mux.HandleFunc("PUT /api/policies/{id}", h.updatePolicy)
	mux.HandleFunc("DELETE /api/policies/{id}", h.deletePolicy)
	mux.HandleFunc("POST /api/policies/{id}/enable", h.setEnabled(true))
	mux.HandleFunc("POST /api/policies/{id}/disable", h.setEnabled(false))
	mux.HandleFunc("POST /api/policies/{id}/inverse", h.inversePolicy)
	mux.HandleFunc("POST /api/policies/{id}/dry-run", h.dryRunPolicy)
	mux.HandleFunc("GET /api/policies/{id}/executions", h.listExecutions)
	mux.HandleFunc("POST /api/events", h.injectEvent)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.Hub != nil {
		mux.Handle("GET /ws", h.Hub)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	return requestLogger(mux)
}

// requestLogger tags every request with an ID and logs its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, _ := logging.WithRequestID(r.Context(), uuid.NewString())
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *Handlers) validatePolicy(w http.ResponseWriter, r *http.Request) {
	spec, ok := decodeSpec(w, r)
	if !ok {
		return
	}
	issues := h.Compiler.Validate(&spec)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     len(issues) == 0,
		"issues": issues,
	})
}

func (h *Handlers) compilePolicy(w http.ResponseWriter, r *http.Request) {
	spec, ok := decodeSpec(w, r)
	if !ok {
		return
	}
	result := h.Compiler.Compile(r.Context(), &spec)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	spec, ok := decodeSpec(w, r)
	if !ok {
		return
	}
	saveAnyway := r.URL.Query().Get("saveAnyway") == "true"

	result := h.Compiler.Compile(r.Context(), &spec)
	if result.HasBlocker() {
		// A spec with blockers may still be parked for later editing,
		// but only disabled and only once it canonicalized far enough
		// to have an identity.
		if !saveAnyway || result.Hash == "" {
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		spec.Enabled = false
		result.IR = skeletonIR(&spec, result.Hash)
	}

	p, err := h.Store.Create(spec, result.IR)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"policy": p, "validation": result})
}

func (h *Handlers) listPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Store.List())
}

func (h *Handlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, found := h.Store.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	existing, found := h.Store.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	spec, ok := decodeSpec(w, r)
	if !ok {
		return
	}

	result := h.Compiler.CompileFor(r.Context(), &spec, id, existing.Version+1)
	if result.HasBlocker() {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	p, err := h.Store.Update(id, spec, result.IR)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": p, "validation": result})
}

func (h *Handlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.Store.Delete(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		p, found := h.Store.Get(id)
		if !found {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}

		// Enabling recompiles so a policy parked with save-anyway can
		// never go live without passing verification.
		if enabled {
			result := h.Compiler.CompileFor(r.Context(), &p.Spec, id, p.Version)
			if result.HasBlocker() {
				writeJSON(w, http.StatusUnprocessableEntity, result)
				return
			}
			spec := p.Spec
			spec.Enabled = true
			updated, err := h.Store.Update(id, spec, result.IR)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
			return
		}

		updated, err := h.Store.SetEnabled(id, false)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (h *Handlers) inversePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, found := h.Store.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}

	inverse, err := h.Compiler.Inverse(r.Context(), &p.Spec)
	if err != nil {
		var nie *policy.NonInvertibleError
		if errors.As(err, &nie) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": "policy is not invertible",
				"paths": nie.Paths,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inverse)
}

func (h *Handlers) dryRunPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, found := h.Store.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	report, err := h.DryRun.Evaluate(r.Context(), p.IR)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records, err := h.Ledger.ByPolicy(id, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) injectEvent(w http.ResponseWriter, r *http.Request) {
	var in events.AdminEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	ev, err := h.Normalizer.FromAdmin(in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.Normalizer.Dedupe(ev) {
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false, "reason": "duplicate"})
		return
	}
	h.Events(ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "kind": ev.Kind})
}

// skeletonIR carries just enough identity for a parked, disabled spec.
func skeletonIR(spec *models.PolicySpec, hash string) *models.PolicyIR {
	return &models.PolicyIR{
		PolicyID:   uuid.New(),
		Hash:       hash,
		VersionInt: 1,
		Priority:   spec.Priority,
		Targets: models.TargetIR{
			HostID:     spec.Targets.HostID,
			TargetType: spec.Targets.TargetType,
			Selector:   spec.Targets.Selector,
		},
	}
}

func decodeSpec(w http.ResponseWriter, r *http.Request) (models.PolicySpec, bool) {
	var spec models.PolicySpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy spec: "+err.Error())
		return models.PolicySpec{}, false
	}
	return spec, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	var same *errors.SameSpecError
	switch {
	case errors.As(err, &same):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "an identical policy already exists",
			"existingId": same.ExistingID,
			"hash":       same.Hash,
		})
	case errors.IsTransportError(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		var oe *errors.OrchestratorError
		if errors.As(err, &oe) && oe.Type == errors.ErrorTypeNotFound {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
