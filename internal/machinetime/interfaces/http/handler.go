package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"machine-time/internal/audit"
	"machine-time/internal/auth"
	costing "machine-time/internal/costing/domain"
	machinetimeapp "machine-time/internal/machinetime/application"
	machinetime "machine-time/internal/machinetime/domain"
	signals "machine-time/internal/signals/domain"
)

// Handler serves the machine time command API.
type Handler struct {
	service     *machinetimeapp.Service
	auditLogger audit.Logger
	logger      *log.Logger
	mux         *http.ServeMux
}

// NewHandler constructs a handler.
func NewHandler(service *machinetimeapp.Service, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("machinetime handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{service: service, auditLogger: auditLogger, logger: logger, mux: http.NewServeMux()}
	h.routes()
	return h, nil
}

func (h *Handler) routes() {
	h.mux.HandleFunc("POST /api/v1/entries", h.handleStart)
	h.mux.HandleFunc("GET /api/v1/entries/{id}", h.handleGetEntry)
	h.mux.HandleFunc("POST /api/v1/entries/{id}/stop", h.handleStop)
	h.mux.HandleFunc("POST /api/v1/entries/{id}/pause", h.handlePause)
	h.mux.HandleFunc("POST /api/v1/entries/{id}/resume", h.handleResume)
	h.mux.HandleFunc("GET /api/v1/entries/{id}/validate", h.handleValidate)
	h.mux.HandleFunc("GET /api/v1/entries/{id}/estimate", h.handleEstimate)
	h.mux.HandleFunc("POST /api/v1/entries/{id}/recompute", h.handleRecompute)
	h.mux.HandleFunc("POST /api/v1/sweeps/auto-stop", h.handleAutoStop)
	h.mux.HandleFunc("PUT /api/v1/equipment/{id}", h.handleRegisterEquipment)
	h.mux.HandleFunc("DELETE /api/v1/equipment/{id}", h.handleDeactivateEquipment)
	h.mux.HandleFunc("GET /api/v1/equipment/{id}", h.handleGetEquipment)
	h.mux.HandleFunc("GET /api/v1/equipment/{id}/snapshot", h.handleSnapshot)
	h.mux.HandleFunc("GET /api/v1/equipment/{id}/entries", h.handleListEntries)
}

// ServeHTTP dispatches to the command routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// response is the synchronous command result.
type response struct {
	Success          bool                         `json:"success"`
	Entry            *machinetime.Entry           `json:"entry,omitempty"`
	Entries          []*machinetime.Entry         `json:"entries,omitempty"`
	Summary          *machinetimeapp.Summary      `json:"summary,omitempty"`
	AlreadyCompleted bool                         `json:"alreadyCompleted,omitempty"`
	Report           *machinetime.ValidationReport `json:"report,omitempty"`
	Cost             *costing.CostBreakdown       `json:"cost,omitempty"`
	Equipment        *machinetime.Equipment       `json:"equipment,omitempty"`
	Snapshot         *machinetimeapp.RuntimeSnapshot `json:"snapshot,omitempty"`
	Stopped          *int                         `json:"stopped,omitempty"`
	Error            *errorBody                   `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type startRequest struct {
	EquipmentID string            `json:"equipmentId"`
	WorkOrderID string            `json:"workOrderId"`
	OperationID string            `json:"operationId"`
	Source      string            `json:"source"`
	StartTime   *time.Time        `json:"startTime"`
	Rates       *costing.RateCard `json:"rates"`
}

type timeRequest struct {
	EndTime *time.Time `json:"endTime"`
	At      *time.Time `json:"at"`
}

type recomputeRequest struct {
	Rates *costing.RateCard `json:"rates"`
}

type sweepRequest struct {
	IdleTimeoutSeconds int64 `json:"idleTimeoutSeconds"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cmd := machinetimeapp.StartRequest{
		EquipmentID: req.EquipmentID,
		WorkOrderID: req.WorkOrderID,
		OperationID: req.OperationID,
		Source:      signals.SourceManual,
		Rates:       req.Rates,
	}
	if req.Source != "" {
		cmd.Source = signals.SourceType(req.Source)
	}
	if req.StartTime != nil {
		cmd.StartTime = req.StartTime.UTC()
	}
	result, err := h.service.Start(r.Context(), cmd)
	h.audit(r, "entry.start", result.Entry, req.EquipmentID, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resultResponse(result))
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Entry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Entry: entry})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req timeRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	end := req.EndTime
	if end == nil {
		end = req.At
	}
	result, err := h.service.Stop(r.Context(), r.PathValue("id"), end)
	h.audit(r, "entry.stop", result.Entry, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(result))
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.handlePauseResume(w, r, "entry.pause", h.service.Pause)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.handlePauseResume(w, r, "entry.resume", h.service.Resume)
}

func (h *Handler) handlePauseResume(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, string, *time.Time) (machinetimeapp.Result, error)) {
	var req timeRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := op(r.Context(), r.PathValue("id"), req.At)
	h.audit(r, action, result.Entry, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(result))
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Validate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Report: &report})
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var at *time.Time
	if value := r.URL.Query().Get("at"); value != "" {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: "BAD_REQUEST", Message: "at must be RFC3339"}})
			return
		}
		at = &parsed
	}
	cost, err := h.service.Estimate(r.Context(), r.PathValue("id"), at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Cost: &cost})
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := h.service.RecomputeCost(r.Context(), r.PathValue("id"), req.Rates)
	h.audit(r, "entry.recompute", result.Entry, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(result))
}

func (h *Handler) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if value := r.URL.Query().Get("idleTimeoutSeconds"); value != "" {
		seconds, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: "BAD_REQUEST", Message: "idleTimeoutSeconds must be an integer"}})
			return
		}
		req.IdleTimeoutSeconds = seconds
	}
	stopped, err := h.service.AutoStopIdle(r.Context(), time.Duration(req.IdleTimeoutSeconds)*time.Second)
	h.audit(r, "sweep.auto_stop", nil, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Stopped: &stopped})
}

func (h *Handler) handleRegisterEquipment(w http.ResponseWriter, r *http.Request) {
	var eq machinetime.Equipment
	if !decodeBody(w, r, &eq) {
		return
	}
	if eq.ID == "" {
		eq.ID = r.PathValue("id")
	}
	if eq.ID != r.PathValue("id") {
		writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: "BAD_REQUEST", Message: "equipment id mismatch"}})
		return
	}
	saved, err := h.service.RegisterEquipment(r.Context(), &eq)
	h.audit(r, "equipment.register", nil, eq.ID, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Equipment: saved})
}

func (h *Handler) handleDeactivateEquipment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.service.DeactivateEquipment(r.Context(), id)
	h.audit(r, "equipment.deactivate", nil, id, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true})
}

func (h *Handler) handleGetEquipment(w http.ResponseWriter, r *http.Request) {
	eq, err := h.service.Equipment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Equipment: eq})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Snapshot: &snap})
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.EntriesForEquipment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Entries: entries})
}

func (h *Handler) audit(r *http.Request, action string, entry *machinetime.Entry, equipmentID string, err error) {
	if h.auditLogger == nil {
		return
	}
	id := auth.IdentityFromContext(r.Context())
	logEntry := audit.Entry{
		PlantID:      id.PlantID,
		Actor:        id.Subject,
		Role:         string(id.Role),
		Action:       action,
		ResourceType: "machine_time_entry",
		EquipmentID:  equipmentID,
		Outcome:      "success",
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if entry != nil {
		logEntry.ResourceID = entry.ID
		logEntry.EquipmentID = entry.EquipmentID
	} else if resourceID := r.PathValue("id"); resourceID != "" {
		logEntry.ResourceID = resourceID
	}
	if err != nil {
		logEntry.Outcome = errorCode(err)
		logEntry.Metadata, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if logErr := h.auditLogger.Log(r.Context(), logEntry); logErr != nil {
		h.logger.Printf("machinetime audit failed: action=%s err=%v", action, logErr)
	}
}

func resultResponse(result machinetimeapp.Result) response {
	return response{
		Success:          true,
		Entry:            result.Entry,
		Summary:          result.Summary,
		AlreadyCompleted: result.AlreadyCompleted,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	return decode(w, r, target, false)
}

func decodeOptionalBody(w http.ResponseWriter, r *http.Request, target any) bool {
	return decode(w, r, target, true)
}

func decode(w http.ResponseWriter, r *http.Request, target any, optional bool) bool {
	if r.Body == nil {
		r.Body = http.NoBody
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: "BAD_REQUEST", Message: "read body error"}})
		return false
	}
	if len(body) == 0 && optional {
		return true
	}
	if err := json.Unmarshal(body, target); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: "BAD_REQUEST", Message: "invalid json"}})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), response{Error: &errorBody{Code: errorCode(err), Message: err.Error()}})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, machinetime.ErrEntryNotFound), errors.Is(err, machinetime.ErrUnknownEquipment):
		return http.StatusNotFound
	case errors.Is(err, machinetime.ErrEquipmentBusy),
		errors.Is(err, machinetime.ErrEntryAlreadyCompleted),
		errors.Is(err, machinetime.ErrInvalidTransition),
		errors.Is(err, machinetime.ErrEquipmentInactive):
		return http.StatusConflict
	case errors.Is(err, machinetime.ErrInvalidTimeRange),
		errors.Is(err, machinetime.ErrEmptyEquipmentID),
		errors.Is(err, costing.ErrRateUnresolved),
		errors.Is(err, costing.ErrUnknownModel),
		errors.Is(err, costing.ErrUnknownAllocationBase),
		errors.Is(err, costing.ErrInvalidAllocation),
		errors.Is(err, costing.ErrNegativeDuration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, machinetime.ErrSlotTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, machinetime.ErrEntryNotFound):
		return "ENTRY_NOT_FOUND"
	case errors.Is(err, machinetime.ErrUnknownEquipment):
		return "UNKNOWN_EQUIPMENT"
	case errors.Is(err, machinetime.ErrEquipmentBusy):
		return "EQUIPMENT_BUSY"
	case errors.Is(err, machinetime.ErrEntryAlreadyCompleted):
		return "ENTRY_ALREADY_COMPLETED"
	case errors.Is(err, machinetime.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, machinetime.ErrEquipmentInactive):
		return "EQUIPMENT_INACTIVE"
	case errors.Is(err, machinetime.ErrInvalidTimeRange):
		return "INVALID_TIME_RANGE"
	case errors.Is(err, machinetime.ErrSlotTimeout):
		return "EQUIPMENT_SLOT_TIMEOUT"
	case errors.Is(err, costing.ErrRateUnresolved),
		errors.Is(err, costing.ErrUnknownModel),
		errors.Is(err, costing.ErrUnknownAllocationBase),
		errors.Is(err, costing.ErrInvalidAllocation),
		errors.Is(err, costing.ErrNegativeDuration):
		return "COST_UNRESOLVED"
	case errors.Is(err, machinetime.ErrEmptyEquipmentID):
		return "INVALID_REQUEST"
	default:
		return "INTERNAL"
	}
}
