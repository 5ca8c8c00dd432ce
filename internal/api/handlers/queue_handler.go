package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/application/services"
	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	apperrors "github.com/zatekoja/clinicqueue/pkg/errors"
)

// QueueService is the coordinator surface the HTTP layer needs
type QueueService interface {
	CheckIn(ctx context.Context, req services.CheckInRequest) (*entities.Encounter, error)
	Schedule(ctx context.Context, patientID string, clinicianID *string) (*entities.Encounter, error)
	Transition(ctx context.Context, encounterID int64, target entities.WorkflowState, location *string) (*entities.Encounter, error)
	CallNext(ctx context.Context, queue entities.Queue, clinicianID *string) (*entities.Encounter, bool, error)
	GetEncounter(ctx context.Context, encounterID int64) (*entities.Encounter, error)
	GetWaitlist(ctx context.Context, filter services.WaitlistFilter) ([]entities.EncounterView, error)
	GetCounters(ctx context.Context, keys []entities.CounterKey) (map[entities.CounterKey]int64, error)
	Reconcile(ctx context.Context) (map[entities.CounterKey]int64, error)
	DashboardStats(ctx context.Context) (*services.DashboardStats, error)
}

// QueueHandler handles encounter and queue HTTP requests
type QueueHandler struct {
	service QueueService
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(service QueueService) *QueueHandler {
	return &QueueHandler{service: service}
}

type checkInRequest struct {
	PatientID    string  `json:"patient_id"`
	ClinicianID  *string `json:"clinician_id"`
	InitialState string  `json:"initial_state"`
}

type transitionRequest struct {
	TargetState string  `json:"target_state"`
	Location    *string `json:"location"`
}

// CheckIn handles POST /api/encounters/check-in
func (h *QueueHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var state entities.WorkflowState
	if req.InitialState != "" {
		parsed, err := entities.ParseWorkflowState(req.InitialState)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		state = parsed
	}

	enc, err := h.service.CheckIn(r.Context(), services.CheckInRequest{
		PatientID:    req.PatientID,
		ClinicianID:  req.ClinicianID,
		InitialState: state,
	})
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, enc)
}

// Schedule handles POST /api/encounters/schedule
func (h *QueueHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enc, err := h.service.Schedule(r.Context(), req.PatientID, req.ClinicianID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, enc)
}

// GetEncounter handles GET /api/encounters/{id}
func (h *QueueHandler) GetEncounter(w http.ResponseWriter, r *http.Request) {
	id, ok := encounterID(w, r)
	if !ok {
		return
	}

	enc, err := h.service.GetEncounter(r.Context(), id)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, enc)
}

// Transition handles POST /api/encounters/{id}/transition
func (h *QueueHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, ok := encounterID(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := entities.ParseWorkflowState(req.TargetState)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	enc, err := h.service.Transition(r.Context(), id, target, req.Location)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, enc)
}

// CallNext handles POST /api/queues/{queue}/call-next?clinician_id=
func (h *QueueHandler) CallNext(w http.ResponseWriter, r *http.Request) {
	queue, err := entities.ParseQueue(r.PathValue("queue"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	enc, found, err := h.service.CallNext(r.Context(), queue, optionalQuery(r, "clinician_id"))
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondWithJSON(w, http.StatusOK, enc)
}

// GetWaitlist handles GET /api/queues/waitlist?states=&clinician_id=&limit=
func (h *QueueHandler) GetWaitlist(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := services.WaitlistFilter{ClinicianID: optionalQuery(r, "clinician_id")}

	for _, raw := range splitList(query["states"]) {
		state, err := entities.ParseWorkflowState(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.GetWaitlist(r.Context(), filter)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"encounters": list,
		"count":      len(list),
	})
}

// GetCounters handles GET /api/queues/counters?keys=
func (h *QueueHandler) GetCounters(w http.ResponseWriter, r *http.Request) {
	var keys []entities.CounterKey
	for _, raw := range splitList(r.URL.Query()["keys"]) {
		key, err := entities.ParseCounterKey(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		keys = append(keys, key)
	}

	counts, err := h.service.GetCounters(r.Context(), keys)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"counters": counts})
}

// Reconcile handles POST /api/queues/counters/reconcile
func (h *QueueHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Reconcile(r.Context())
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"counters": counts})
}

// DashboardStats handles GET /api/dashboard/stats
func (h *QueueHandler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.DashboardStats(r.Context())
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func encounterID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		respondWithError(w, http.StatusBadRequest, "encounter ID is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "encounter ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func optionalQuery(r *http.Request, name string) *string {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil
	}
	return &v
}

// splitList accepts both repeated parameters and comma separated values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// conflictCode names the reason for a 409 so clients can branch on it
func conflictCode(err error) string {
	switch {
	case errors.Is(err, entities.ErrDuplicateActiveEncounter):
		return "duplicate_active_encounter"
	case errors.Is(err, entities.ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, entities.ErrIllegalTransition):
		return "illegal_transition"
	}
	return "conflict"
}

func respondWithAppError(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		log.Error().Err(err).Msg("unclassified error")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeNotFound:
		respondWithError(w, http.StatusNotFound, appErr.Message)
	case apperrors.ErrorTypeValidation:
		respondWithError(w, http.StatusBadRequest, appErr.Message)
	case apperrors.ErrorTypeConflict:
		respondWithJSON(w, http.StatusConflict, map[string]string{
			"error": appErr.Message,
			"code":  conflictCode(err),
		})
	case apperrors.ErrorTypeBusy:
		w.Header().Set("Retry-After", "1")
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     appErr.Message,
			"retryable": true,
		})
	default:
		log.Error().Err(err).Msg("queue operation failed")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
